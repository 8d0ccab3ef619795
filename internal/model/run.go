package model

// Stage names a step of the document pipeline.
type Stage string

const (
	StageExtracting  Stage = "extracting"
	StageOCRFallback Stage = "ocr_fallback"
	StageCompleting  Stage = "completing"
	StageValidating  Stage = "validating"
	StageConverting  Stage = "converting"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// StageStatus represents the outcome of a pipeline stage.
type StageStatus string

const (
	StageStatusComplete StageStatus = "complete"
	StageStatusFailed   StageStatus = "failed"
	StageStatusSkipped  StageStatus = "skipped"
)

// StageResult holds the outcome of one pipeline stage.
type StageResult struct {
	Name       Stage       `json:"name"`
	Status     StageStatus `json:"status"`
	DurationMs int64       `json:"duration_ms"`
	Error      string      `json:"error,omitempty"`
}

// RunResult is the final outcome of processing one document.
type RunResult struct {
	ID       string        `json:"id"`
	Retailer string        `json:"retailer"`
	Source   string        `json:"source"`
	CSVPath  string        `json:"csv_path,omitempty"`
	JSONPath string        `json:"json_path,omitempty"`
	TextPath string        `json:"text_path,omitempty"`
	UsedOCR  bool          `json:"used_ocr"`
	Attempts int           `json:"attempts"`
	Usage    TokenUsage    `json:"usage"`
	CostUSD  float64       `json:"cost_usd"`
	Stage    Stage         `json:"stage"`
	Stages   []StageResult `json:"stages"`
	Error    string        `json:"error,omitempty"`
}

// Failed reports whether the run ended in the failed state.
func (r *RunResult) Failed() bool {
	return r.Stage == StageFailed
}

// TokenUsage tracks token consumption.
type TokenUsage struct {
	InputTokens         int     `json:"input_tokens"`
	OutputTokens        int     `json:"output_tokens"`
	CacheCreationTokens int     `json:"cache_creation_tokens"`
	CacheReadTokens     int     `json:"cache_read_tokens"`
	Cost                float64 `json:"cost"`
}

// Add merges token usage from another instance.
func (t *TokenUsage) Add(other TokenUsage) {
	t.InputTokens += other.InputTokens
	t.OutputTokens += other.OutputTokens
	t.CacheCreationTokens += other.CacheCreationTokens
	t.CacheReadTokens += other.CacheReadTokens
	t.Cost += other.Cost
}
