package pipeline

import (
	"github.com/rotisserie/eris"

	"github.com/tarifas-co/tarifas-cli/internal/completion"
	"github.com/tarifas-co/tarifas-cli/internal/config"
	"github.com/tarifas-co/tarifas-cli/internal/convert"
	"github.com/tarifas-co/tarifas-cli/internal/extract"
	"github.com/tarifas-co/tarifas-cli/internal/lookup"
	"github.com/tarifas-co/tarifas-cli/internal/ocr"
	"github.com/tarifas-co/tarifas-cli/internal/retailer"
	"github.com/tarifas-co/tarifas-cli/pkg/anthropic"
)

// Deps are the collaborators built from config. Exposed so commands can
// reuse the registry or converter without a full pipeline.
type Deps struct {
	Extractor *extract.Extractor
	Completer *completion.Client
	Retailers *retailer.Registry
	Converter *convert.Converter
	Tables    *lookup.Tables
	Metrics   *Metrics
}

// BuildDeps wires OCR, extraction, the Anthropic client, the retailer
// registry and the converter from cfg.
func BuildDeps(cfg *config.Config) (*Deps, error) {
	metrics := NewMetrics()

	rec, err := ocr.NewRecognizer(cfg.OCR)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: ocr")
	}
	engine := ocr.NewEngine(rec)
	engine.OnResult = metrics.ObserveOCR

	extractor, err := extract.NewFromConfig(cfg.Extract, engine)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: extractor")
	}

	opts := completion.OptionsFromConfig(cfg)
	opts.OnAttempt = metrics.ObserveAttempt
	completer := completion.New(anthropic.NewClient(cfg.Anthropic.Key, cfg.Anthropic.BaseURL), opts)

	registry, err := retailer.Load(cfg.Retailers)
	if err != nil {
		return nil, err
	}

	tables := lookup.New()
	converter, err := convert.New(tables)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: converter")
	}

	return &Deps{
		Extractor: extractor,
		Completer: completer,
		Retailers: registry,
		Converter: converter,
		Tables:    tables,
		Metrics:   metrics,
	}, nil
}

// NewFromConfig builds a Pipeline writing artifacts to outputDir (empty
// keeps them next to the source).
func NewFromConfig(cfg *config.Config, outputDir string) (*Pipeline, *Deps, error) {
	deps, err := BuildDeps(cfg)
	if err != nil {
		return nil, nil, err
	}
	p := New(deps.Extractor, deps.Completer, deps.Retailers, deps.Converter, deps.Metrics, Options{OutputDir: outputDir})
	return p, deps, nil
}
