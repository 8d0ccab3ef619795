package model

// ExtractionResult is the text pulled out of one source document. It is
// produced once per document and never mutated afterwards. Alerts lists
// watched names found in the text.
type ExtractionResult struct {
	FullText      string   `json:"full_text"`
	SourcePath    string   `json:"source_path"`
	SidecarPath   string   `json:"sidecar_path"`
	UsedOCR       bool     `json:"used_ocr"`
	Pages         int      `json:"pages"`
	ImagesScanned int      `json:"images_scanned"`
	ImagesSkipped int      `json:"images_skipped"`
	Alerts        []string `json:"alerts,omitempty"`
}
