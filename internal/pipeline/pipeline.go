// Package pipeline drives one tariff document from source file to CSV and
// JSON artifacts.
package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tarifas-co/tarifas-cli/internal/completion"
	"github.com/tarifas-co/tarifas-cli/internal/extract"
	"github.com/tarifas-co/tarifas-cli/internal/fetcher"
	"github.com/tarifas-co/tarifas-cli/internal/model"
	"github.com/tarifas-co/tarifas-cli/internal/tabular"
	"github.com/tarifas-co/tarifas-cli/pkg/anthropic"
)

// Extractor turns a PDF into text.
type Extractor interface {
	Extract(ctx context.Context, path string) (*model.ExtractionResult, error)
}

// Completer turns raw text into a validated tariff CSV.
type Completer interface {
	Complete(ctx context.Context, rawText, instructions string) (*completion.Result, error)
}

// InstructionStore yields the instruction text of a retailer.
type InstructionStore interface {
	Instructions(id string) (string, error)
}

// Converter writes the JSON artifact for a CSV file and returns its path.
type Converter interface {
	Convert(csvPath string) (string, error)
}

// Options configures a Pipeline.
type Options struct {
	// OutputDir receives the artifacts. Empty means <source dir>/output.
	OutputDir string
}

// Pipeline runs documents through extraction, completion and conversion.
type Pipeline struct {
	extractor Extractor
	completer Completer
	retailers InstructionStore
	converter Converter
	metrics   *Metrics
	opts      Options
}

// New creates a Pipeline. A nil metrics gets a fresh private registry.
func New(extractor Extractor, completer Completer, retailers InstructionStore, converter Converter, metrics *Metrics, opts Options) *Pipeline {
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Pipeline{
		extractor: extractor,
		completer: completer,
		retailers: retailers,
		converter: converter,
		metrics:   metrics,
		opts:      opts,
	}
}

// Metrics returns the collectors the pipeline records into.
func (p *Pipeline) Metrics() *Metrics {
	return p.metrics
}

// IsTabular reports whether path is handled by the CSV path.
func IsTabular(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv", ".xlsx":
		return true
	}
	return false
}

// Process dispatches on the file extension: CSV and XLSX inputs take the
// CSV path, everything else is treated as a PDF.
func (p *Pipeline) Process(ctx context.Context, path, retailer string) (*model.RunResult, error) {
	if IsTabular(path) {
		return p.ProcessCSV(ctx, path, retailer)
	}
	return p.ProcessPDF(ctx, path, retailer)
}

// run carries the state of one document through the stages.
type run struct {
	p      *Pipeline
	log    *zap.Logger
	kind   string
	result *model.RunResult
}

func (p *Pipeline) newRun(path, retailer, kind string) *run {
	result := &model.RunResult{
		ID:       uuid.NewString(),
		Retailer: strings.ToUpper(strings.TrimSpace(retailer)),
		Source:   path,
	}
	return &run{
		p:    p,
		kind: kind,
		log: zap.L().With(
			zap.String("run_id", result.ID),
			zap.String("retailer", result.Retailer),
			zap.String("source", path),
		),
		result: result,
	}
}

// track runs fn as stage name, recording its duration and outcome.
func (r *run) track(name model.Stage, fn func() error) error {
	r.result.Stage = name

	start := time.Now()
	err := fn()
	elapsed := time.Since(start)

	sr := model.StageResult{Name: name, DurationMs: elapsed.Milliseconds()}
	if err != nil {
		sr.Status = model.StageStatusFailed
		sr.Error = err.Error()
		r.log.Error("pipeline: stage failed",
			zap.String("stage", string(name)),
			zap.Int64("duration_ms", sr.DurationMs),
			zap.Error(err),
		)
	} else {
		sr.Status = model.StageStatusComplete
		r.log.Info("pipeline: stage complete",
			zap.String("stage", string(name)),
			zap.Int64("duration_ms", sr.DurationMs),
		)
	}
	r.result.Stages = append(r.result.Stages, sr)
	r.p.metrics.StageDuration.WithLabelValues(string(name), string(sr.Status)).Observe(elapsed.Seconds())
	return err
}

// spend adds the tokens and cost of completion attempts to the run.
func (r *run) spend(u anthropic.TokenUsage, costUSD float64) {
	r.result.CostUSD += costUSD
	r.result.Usage.Add(model.TokenUsage{
		InputTokens:         int(u.InputTokens),
		OutputTokens:        int(u.OutputTokens),
		CacheCreationTokens: int(u.CacheCreationInputTokens),
		CacheReadTokens:     int(u.CacheReadInputTokens),
		Cost:                costUSD,
	})
}

// skip records a stage that did not run.
func (r *run) skip(name model.Stage) {
	r.result.Stages = append(r.result.Stages, model.StageResult{Name: name, Status: model.StageStatusSkipped})
}

// fail ends the run in the failed state.
func (r *run) fail(err error) (*model.RunResult, error) {
	r.result.Stage = model.StageFailed
	r.result.Error = err.Error()
	r.p.metrics.Runs.WithLabelValues(r.kind, "failed").Inc()
	r.log.Error("pipeline: run failed", zap.Error(err))
	return r.result, err
}

func (r *run) done() (*model.RunResult, error) {
	r.result.Stage = model.StageDone
	r.p.metrics.Runs.WithLabelValues(r.kind, "done").Inc()
	r.log.Info("pipeline: run complete",
		zap.String("csv", r.result.CSVPath),
		zap.String("json", r.result.JSONPath),
		zap.Int("attempts", r.result.Attempts),
		zap.Float64("cost_usd", r.result.CostUSD),
	)
	return r.result, nil
}

// ProcessPDF extracts the text of a PDF, completes it into tariff CSV and
// converts the CSV to JSON. The returned RunResult is populated even when
// the error is non-nil.
func (p *Pipeline) ProcessPDF(ctx context.Context, path, retailer string) (*model.RunResult, error) {
	r := p.newRun(path, retailer, "pdf")

	instructions, err := p.retailers.Instructions(r.result.Retailer)
	if err != nil {
		return r.fail(err)
	}

	var text string
	err = r.track(model.StageExtracting, func() error {
		res, err := p.extractor.Extract(ctx, path)
		if err != nil {
			return err
		}
		p.metrics.OCRProcessed.Add(float64(res.ImagesScanned))
		p.metrics.OCRSkipped.Add(float64(res.ImagesSkipped))
		r.result.TextPath = res.SidecarPath
		r.result.UsedOCR = res.UsedOCR
		if strings.TrimSpace(res.FullText) == "" {
			return eris.Wrapf(extract.ErrExtraction, "no text found in %s", path)
		}
		text = res.FullText
		return nil
	})
	if err != nil {
		return r.fail(err)
	}
	if r.result.UsedOCR {
		r.result.Stages = append(r.result.Stages, model.StageResult{Name: model.StageOCRFallback, Status: model.StageStatusComplete})
	} else {
		r.skip(model.StageOCRFallback)
	}

	return p.finish(ctx, r, text, instructions, p.csvPath(path, ""))
}

// ProcessCSV sends a CSV (or the first sheet of an XLSX workbook) to the
// model as text and converts the result. Output is <base>_procesado.csv.
func (p *Pipeline) ProcessCSV(ctx context.Context, path, retailer string) (*model.RunResult, error) {
	r := p.newRun(path, retailer, "csv")

	instructions, err := p.retailers.Instructions(r.result.Retailer)
	if err != nil {
		return r.fail(err)
	}

	text, err := readTabular(path)
	if err != nil {
		return r.fail(err)
	}
	r.skip(model.StageExtracting)
	r.skip(model.StageOCRFallback)

	logInputSummary(r.log, text)

	return p.finish(ctx, r, text, instructions, p.csvPath(path, "_procesado"))
}

// finish runs the stages shared by both paths.
func (p *Pipeline) finish(ctx context.Context, r *run, text, instructions, csvPath string) (*model.RunResult, error) {
	var csv string
	err := r.track(model.StageCompleting, func() error {
		res, err := p.completer.Complete(ctx, text, instructions)
		if err != nil {
			var exhausted *completion.ExhaustedError
			if errors.As(err, &exhausted) {
				r.result.Attempts = exhausted.Attempts
				r.spend(exhausted.Usage, exhausted.CostUSD)
			}
			return err
		}
		r.result.Attempts = res.Attempts
		r.spend(res.Usage, res.CostUSD)
		csv = res.CSV
		return nil
	})
	if err != nil {
		return r.fail(err)
	}

	err = r.track(model.StageValidating, func() error {
		normalized, err := tabular.Normalize(csv)
		if err != nil {
			return err
		}
		csv = normalized
		if err := os.MkdirAll(filepath.Dir(csvPath), 0o755); err != nil {
			return eris.Wrapf(err, "pipeline: create %s", filepath.Dir(csvPath))
		}
		if err := os.WriteFile(csvPath, []byte(csv), 0o644); err != nil {
			return eris.Wrapf(err, "pipeline: write %s", csvPath)
		}
		r.result.CSVPath = csvPath
		logOutputSummary(r.log, csv)
		return nil
	})
	if err != nil {
		return r.fail(err)
	}

	err = r.track(model.StageConverting, func() error {
		jsonPath, err := p.converter.Convert(csvPath)
		if err != nil {
			return err
		}
		r.result.JSONPath = jsonPath
		return nil
	})
	if err != nil {
		return r.fail(err)
	}

	return r.done()
}

// csvPath returns <out>/<base><suffix>.csv for source.
func (p *Pipeline) csvPath(source, suffix string) string {
	dir := p.opts.OutputDir
	if dir == "" {
		dir = filepath.Join(filepath.Dir(source), "output")
	}
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	return filepath.Join(dir, base+suffix+".csv")
}

func readTabular(path string) (string, error) {
	if strings.EqualFold(filepath.Ext(path), ".xlsx") {
		return fetcher.XLSXToCSV(path, fetcher.XLSXOptions{})
	}
	return fetcher.ReadCSVText(path)
}

func logInputSummary(log *zap.Logger, text string) {
	s, err := fetcher.Summarize(text)
	if err != nil {
		log.Warn("pipeline: could not summarize input", zap.Error(err))
		return
	}
	fields := []zap.Field{
		zap.Strings("columns", s.Columns),
		zap.Int("rows", s.Rows),
	}
	if s.Has(fetcher.ORColumn) {
		markets := s.Unique(fetcher.ORColumn)
		fields = append(fields, zap.Strings("markets", markets), zap.Int("market_count", len(markets)))
	}
	log.Info("pipeline: input csv", fields...)
}

func logOutputSummary(log *zap.Logger, csv string) {
	s, err := fetcher.Summarize(csv)
	if err != nil {
		return
	}
	markets := s.Unique(model.ColMarket)
	log.Info("pipeline: output csv",
		zap.Int("rows", s.Rows),
		zap.Int("market_count", len(markets)),
		zap.Strings("markets", markets),
		zap.Strings("tension_levels", s.Unique(model.ColTensionLevel)),
	)
}
