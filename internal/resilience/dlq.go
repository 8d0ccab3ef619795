package resilience

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
)

// FailureRecord describes a document that could not be processed. Batch runs
// collect these so transient failures can be re-queued later.
type FailureRecord struct {
	Source    string    `json:"source"`
	Retailer  string    `json:"retailer"`
	Stage     string    `json:"stage,omitempty"`
	Error     string    `json:"error"`
	ErrorType string    `json:"error_type"` // "transient" or "permanent"
	FailedAt  time.Time `json:"failed_at"`
}

// NewFailureRecord classifies err and stamps the record.
func NewFailureRecord(source, retailer, stage string, err error) FailureRecord {
	return FailureRecord{
		Source:    source,
		Retailer:  retailer,
		Stage:     stage,
		Error:     err.Error(),
		ErrorType: ClassifyError(err),
		FailedAt:  time.Now().UTC(),
	}
}

// Retryable returns true for records whose failure was transient.
func (r FailureRecord) Retryable() bool {
	return r.ErrorType == "transient"
}

// ClassifyError categorizes an error as "transient" or "permanent".
func ClassifyError(err error) string {
	if IsTransient(err) || IsTimeout(err) {
		return "transient"
	}
	return "permanent"
}

// WriteFailures writes records as an indented JSON array to path.
func WriteFailures(path string, records []FailureRecord) error {
	b, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return eris.Wrap(err, "resilience: marshal failures")
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return eris.Wrapf(err, "resilience: write failures %s", path)
	}
	return nil
}

// ReadFailures loads records previously written by WriteFailures.
func ReadFailures(path string) ([]FailureRecord, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "resilience: read failures %s", path)
	}
	var records []FailureRecord
	if err := json.Unmarshal(b, &records); err != nil {
		return nil, eris.Wrap(err, "resilience: decode failures")
	}
	return records, nil
}
