package main

import (
	"encoding/json"
	"io"

	"go.uber.org/zap"

	"github.com/tarifas-co/tarifas-cli/internal/pipeline"
)

// initPipeline validates the config for mode and builds the pipeline.
// outDir overrides where artifacts are written; empty keeps them next to
// the source document.
func initPipeline(mode, outDir string) (*pipeline.Pipeline, *pipeline.Deps, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, nil, err
	}

	p, deps, err := pipeline.NewFromConfig(cfg, outDir)
	if err != nil {
		return nil, nil, err
	}

	zap.L().Info("pipeline ready",
		zap.String("model", cfg.Anthropic.Model),
		zap.String("ocr", cfg.OCR.Provider),
		zap.String("text_source", cfg.Extract.TextSource),
		zap.Int("retailers", len(deps.Retailers.List())),
	)
	return p, deps, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(v)
}
