package extract

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/tarifas-co/tarifas-cli/internal/ocr"
)

// PdfToText extracts page text with the pdftotext CLI tool.
type PdfToText struct {
	binPath string
	runner  ocr.Runner
}

// NewPdfToText creates a PdfToText source. If binPath is empty, "pdftotext" is used.
func NewPdfToText(binPath string) *PdfToText {
	if binPath == "" {
		binPath = "pdftotext"
	}
	return &PdfToText{binPath: binPath, runner: ocr.ExecRunner{}}
}

// WithRunner swaps the process runner.
func (p *PdfToText) WithRunner(r ocr.Runner) *PdfToText {
	p.runner = r
	return p
}

// PageTexts runs pdftotext -layout and splits its output on form feeds.
func (p *PdfToText) PageTexts(ctx context.Context, path string) ([]string, error) {
	out, errb, err := p.runner.Run(ctx, p.binPath, "-layout", path, "-")
	if err != nil {
		return nil, eris.Wrapf(err, "extract: pdftotext failed for %s: %s", path, strings.TrimSpace(string(errb)))
	}

	pages := strings.Split(string(out), "\f")
	// pdftotext terminates the last page with a form feed too.
	if n := len(pages); n > 1 && strings.TrimSpace(pages[n-1]) == "" {
		pages = pages[:n-1]
	}
	for i := range pages {
		pages[i] = strings.TrimRight(pages[i], " \n")
	}
	return pages, nil
}
