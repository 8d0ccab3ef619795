package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/tarifas-co/tarifas-cli/internal/completion"
	"github.com/tarifas-co/tarifas-cli/internal/convert"
	"github.com/tarifas-co/tarifas-cli/internal/extract"
	"github.com/tarifas-co/tarifas-cli/internal/lookup"
	"github.com/tarifas-co/tarifas-cli/internal/model"
	"github.com/tarifas-co/tarifas-cli/internal/retailer"
	"github.com/tarifas-co/tarifas-cli/internal/tabular"
	"github.com/tarifas-co/tarifas-cli/pkg/anthropic"
)

const vatiaCSV = model.CanonicalHeader + "\n" +
	"VATIA,ANTIOQUIA,1 OR,380.0,78.0,222.0,29.0,0.0,29.0,33.0,771.0,771.0\n"

// --- Mocks ---

type mockExtractor struct {
	mock.Mock
}

func (m *mockExtractor) Extract(ctx context.Context, path string) (*model.ExtractionResult, error) {
	args := m.Called(ctx, path)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*model.ExtractionResult), args.Error(1)
}

type mockCompleter struct {
	mock.Mock
}

func (m *mockCompleter) Complete(ctx context.Context, rawText, instructions string) (*completion.Result, error) {
	args := m.Called(ctx, rawText, instructions)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*completion.Result), args.Error(1)
}

type staticInstructions map[string]string

func (s staticInstructions) Instructions(id string) (string, error) {
	text, ok := s[id]
	if !ok {
		return "", eris.Wrapf(retailer.ErrUnknownRetailer, "retailer: %q", id)
	}
	return text, nil
}

type failingConverter struct{}

func (failingConverter) Convert(string) (string, error) {
	return "", eris.Wrap(convert.ErrConversion, "convert: boom")
}

func newConverter(t *testing.T) *convert.Converter {
	t.Helper()
	c, err := convert.New(lookup.New())
	require.NoError(t, err)
	return c
}

func okResult() *completion.Result {
	return &completion.Result{
		CSV:      vatiaCSV,
		Attempts: 2,
		Usage:    anthropic.TokenUsage{InputTokens: 1000, OutputTokens: 200},
		Model:    "claude-sonnet-4-20250514",
		CostUSD:  0.006,
	}
}

func stageNames(r *model.RunResult) []model.Stage {
	var out []model.Stage
	for _, s := range r.Stages {
		out = append(out, s.Name)
	}
	return out
}

// --- ProcessPDF ---

func TestProcessPDF_FullFlow(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tarifas_vatia.pdf")

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, src).Return(&model.ExtractionResult{
		FullText:      "Tarifas VATIA Antioquia",
		SourcePath:    src,
		SidecarPath:   extract.SidecarPath(src),
		UsedOCR:       true,
		ImagesScanned: 2,
		ImagesSkipped: 3,
	}, nil)

	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, "Tarifas VATIA Antioquia", "reglas vatia").Return(okResult(), nil)

	p := New(ext, comp, staticInstructions{"VATIA": "reglas vatia"}, newConverter(t), nil, Options{})

	res, err := p.ProcessPDF(context.Background(), src, "vatia")
	require.NoError(t, err)

	assert.Equal(t, model.StageDone, res.Stage)
	assert.False(t, res.Failed())
	assert.Equal(t, "VATIA", res.Retailer)
	assert.NotEmpty(t, res.ID)
	assert.True(t, res.UsedOCR)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, 1000, res.Usage.InputTokens)
	assert.Equal(t, 200, res.Usage.OutputTokens)
	assert.InDelta(t, 0.006, res.CostUSD, 1e-9)
	assert.Equal(t, extract.SidecarPath(src), res.TextPath)

	assert.Equal(t, filepath.Join(dir, "output", "tarifas_vatia.csv"), res.CSVPath)
	assert.Equal(t, filepath.Join(dir, "output", "tarifas_vatia.json"), res.JSONPath)

	data, err := os.ReadFile(res.CSVPath)
	require.NoError(t, err)
	assert.Equal(t, vatiaCSV, string(data))
	assert.FileExists(t, res.JSONPath)

	assert.Equal(t, []model.Stage{
		model.StageExtracting, model.StageOCRFallback, model.StageCompleting,
		model.StageValidating, model.StageConverting,
	}, stageNames(res))
	for _, s := range res.Stages {
		assert.Equal(t, model.StageStatusComplete, s.Status, s.Name)
	}

	m := p.Metrics()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("pdf", "done")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.OCRProcessed))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.OCRSkipped))

	ext.AssertExpectations(t)
	comp.AssertExpectations(t)
}

func TestProcessPDF_OutputDirOverride(t *testing.T) {
	src := filepath.Join(t.TempDir(), "doc.pdf")
	out := filepath.Join(t.TempDir(), "artifacts")

	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, src).Return(&model.ExtractionResult{FullText: "texto"}, nil)
	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, "texto", "i").Return(okResult(), nil)

	p := New(ext, comp, staticInstructions{"VATIA": "i"}, newConverter(t), nil, Options{OutputDir: out})
	res, err := p.ProcessPDF(context.Background(), src, "VATIA")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(out, "doc.csv"), res.CSVPath)
	assert.Equal(t, model.StageStatusSkipped, res.Stages[1].Status)
	assert.Equal(t, model.StageOCRFallback, res.Stages[1].Name)
}

func TestProcessPDF_UnknownRetailer(t *testing.T) {
	ext := &mockExtractor{}
	comp := &mockCompleter{}
	p := New(ext, comp, staticInstructions{}, newConverter(t), nil, Options{})

	res, err := p.ProcessPDF(context.Background(), "x.pdf", "ACME")
	require.Error(t, err)
	assert.True(t, errors.Is(err, retailer.ErrUnknownRetailer))
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Empty(t, res.Stages)

	ext.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
	comp.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPDF_ExtractionFailureAborts(t *testing.T) {
	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, "bad.pdf").
		Return(nil, eris.Wrap(extract.ErrExtraction, "read bad.pdf: not a pdf"))
	comp := &mockCompleter{}

	p := New(ext, comp, staticInstructions{"VATIA": "i"}, newConverter(t), nil, Options{})
	res, err := p.ProcessPDF(context.Background(), "bad.pdf", "VATIA")

	require.Error(t, err)
	assert.True(t, errors.Is(err, extract.ErrExtraction))
	assert.Equal(t, model.StageFailed, res.Stage)
	require.Len(t, res.Stages, 1)
	assert.Equal(t, model.StageStatusFailed, res.Stages[0].Status)
	assert.Contains(t, res.Stages[0].Error, "not a pdf")
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Runs.WithLabelValues("pdf", "failed")))
	comp.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPDF_NoTextIsExtractionFailure(t *testing.T) {
	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, "blank.pdf").Return(&model.ExtractionResult{FullText: " \n\n "}, nil)
	comp := &mockCompleter{}

	p := New(ext, comp, staticInstructions{"VATIA": "i"}, newConverter(t), nil, Options{})
	_, err := p.ProcessPDF(context.Background(), "blank.pdf", "VATIA")

	require.Error(t, err)
	assert.True(t, errors.Is(err, extract.ErrExtraction))
	comp.AssertNotCalled(t, "Complete", mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessPDF_CompletionExhausted(t *testing.T) {
	src := filepath.Join(t.TempDir(), "doc.pdf")
	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, src).Return(&model.ExtractionResult{FullText: "texto"}, nil)

	last := &tabular.MismatchError{Line: 1, Reason: tabular.ReasonHeader, Expected: model.CanonicalHeader, Actual: "a,b"}
	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, "texto", "i").
		Return(nil, &completion.ExhaustedError{
			Attempts: 3,
			Last:     last,
			Usage:    anthropic.TokenUsage{InputTokens: 3000, OutputTokens: 600},
			CostUSD:  0.018,
		})

	p := New(ext, comp, staticInstructions{"VATIA": "i"}, newConverter(t), nil, Options{})
	res, err := p.ProcessPDF(context.Background(), src, "VATIA")

	require.Error(t, err)
	assert.True(t, errors.Is(err, completion.ErrExhausted))
	assert.True(t, errors.Is(err, tabular.ErrSchemaMismatch))
	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, model.StageFailed, res.Stage)
	assert.Empty(t, res.CSVPath)
	assert.InDelta(t, 0.018, res.CostUSD, 1e-9)
	assert.Equal(t, 3000, res.Usage.InputTokens)
	assert.Equal(t, 600, res.Usage.OutputTokens)
	assert.NoFileExists(t, filepath.Join(filepath.Dir(src), "output", "doc.csv"))

	final := res.Stages[len(res.Stages)-1]
	assert.Equal(t, model.StageCompleting, final.Name)
	assert.Equal(t, model.StageStatusFailed, final.Status)
}

func TestProcessPDF_ConversionFailure(t *testing.T) {
	src := filepath.Join(t.TempDir(), "doc.pdf")
	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, src).Return(&model.ExtractionResult{FullText: "texto"}, nil)
	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, "texto", "i").Return(okResult(), nil)

	p := New(ext, comp, staticInstructions{"VATIA": "i"}, failingConverter{}, nil, Options{})
	res, err := p.ProcessPDF(context.Background(), src, "VATIA")

	require.Error(t, err)
	assert.True(t, errors.Is(err, convert.ErrConversion))
	assert.FileExists(t, res.CSVPath)
	assert.Empty(t, res.JSONPath)
	assert.Equal(t, model.StageConverting, res.Stages[len(res.Stages)-1].Name)
}

// --- ProcessCSV ---

func TestProcessCSV_WritesProcesadoArtifacts(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "entrada.csv")
	input := "or_abbreviation,tarifa\nEPM,771\nCELSIA,650\nEPM,700\n"
	require.NoError(t, os.WriteFile(src, []byte(input), 0o644))

	ext := &mockExtractor{}
	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, input, "i").Return(okResult(), nil)

	p := New(ext, comp, staticInstructions{"NEU": "i"}, newConverter(t), nil, Options{})
	res, err := p.ProcessCSV(context.Background(), src, "NEU")
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dir, "output", "entrada_procesado.csv"), res.CSVPath)
	assert.Equal(t, filepath.Join(dir, "output", "entrada_procesado.json"), res.JSONPath)
	assert.FileExists(t, res.JSONPath)
	assert.Equal(t, model.StageStatusSkipped, res.Stages[0].Status)
	assert.Equal(t, model.StageStatusSkipped, res.Stages[1].Status)
	assert.Equal(t, 1.0, testutil.ToFloat64(p.Metrics().Runs.WithLabelValues("csv", "done")))
	ext.AssertNotCalled(t, "Extract", mock.Anything, mock.Anything)
}

func TestProcessCSV_MissingFile(t *testing.T) {
	p := New(&mockExtractor{}, &mockCompleter{}, staticInstructions{"NEU": "i"}, newConverter(t), nil, Options{})
	res, err := p.ProcessCSV(context.Background(), filepath.Join(t.TempDir(), "nope.csv"), "NEU")
	require.Error(t, err)
	assert.True(t, res.Failed())
}

func TestProcess_XLSXTakesCSVPath(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "tarifas.xlsx")

	f := xlsx.NewFile()
	sheet, err := f.AddSheet("Hoja1")
	require.NoError(t, err)
	for _, rec := range [][]string{{"Mercado", "CU"}, {"ANTIOQUIA", "771"}} {
		row := sheet.AddRow()
		for _, v := range rec {
			row.AddCell().SetString(v)
		}
	}
	require.NoError(t, f.Save(src))

	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, "Mercado,CU\nANTIOQUIA,771\n", "i").Return(okResult(), nil)

	p := New(&mockExtractor{}, comp, staticInstructions{"QI": "i"}, newConverter(t), nil, Options{})
	res, err := p.Process(context.Background(), src, "QI")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "output", "tarifas_procesado.csv"), res.CSVPath)
}

func TestProcess_DispatchesPDF(t *testing.T) {
	src := filepath.Join(t.TempDir(), "doc.PDF")
	ext := &mockExtractor{}
	ext.On("Extract", mock.Anything, src).Return(&model.ExtractionResult{FullText: "texto"}, nil)
	comp := &mockCompleter{}
	comp.On("Complete", mock.Anything, "texto", "i").Return(okResult(), nil)

	p := New(ext, comp, staticInstructions{"VATIA": "i"}, newConverter(t), nil, Options{})
	_, err := p.Process(context.Background(), src, "VATIA")
	require.NoError(t, err)
	ext.AssertExpectations(t)
}

func TestIsTabular(t *testing.T) {
	assert.True(t, IsTabular("a.csv"))
	assert.True(t, IsTabular("a.CSV"))
	assert.True(t, IsTabular("dir/a.xlsx"))
	assert.False(t, IsTabular("a.pdf"))
	assert.False(t, IsTabular("a"))
}
