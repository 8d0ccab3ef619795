package ocr

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tarifas-co/tarifas-cli/internal/config"
	"github.com/tarifas-co/tarifas-cli/internal/resilience"
)

type mockRecognizer struct {
	mock.Mock
}

func (m *mockRecognizer) Recognize(ctx context.Context, img *image.Gray) (string, error) {
	args := m.Called(ctx, img)
	return args.String(0), args.Error(1)
}

type fakeRunner struct {
	name   string
	args   []string
	stdout string
	stderr string
	err    error
	// sawPNG is set when the bitmap path existed and decoded as PNG during Run.
	sawPNG bool
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, []byte, error) {
	f.name = name
	f.args = args
	if file, err := os.Open(args[0]); err == nil {
		_, decErr := png.Decode(file)
		f.sawPNG = decErr == nil
		file.Close() //nolint:errcheck
	}
	return []byte(f.stdout), []byte(f.stderr), f.err
}

func solidRGBA(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestNewRecognizer_Tesseract(t *testing.T) {
	rec, err := NewRecognizer(config.OCRConfig{Provider: "tesseract", TesseractPath: "/usr/bin/tesseract"})
	require.NoError(t, err)
	require.IsType(t, &Tesseract{}, rec)
	assert.Equal(t, "/usr/bin/tesseract", rec.(*Tesseract).binPath)
}

func TestNewRecognizer_Default(t *testing.T) {
	rec, err := NewRecognizer(config.OCRConfig{})
	require.NoError(t, err)
	assert.IsType(t, &Tesseract{}, rec)
}

func TestNewRecognizer_MistralMissingKey(t *testing.T) {
	_, err := NewRecognizer(config.OCRConfig{Provider: "mistral"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral provider requires mistral_key")
}

func TestNewRecognizer_MistralWithKey(t *testing.T) {
	rec, err := NewRecognizer(config.OCRConfig{Provider: "mistral", MistralKey: "test-key"})
	require.NoError(t, err)
	assert.IsType(t, &MistralOCR{}, rec)
}

func TestNewRecognizer_UnknownProvider(t *testing.T) {
	_, err := NewRecognizer(config.OCRConfig{Provider: "unknown"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown provider "unknown"`)
}

func TestTesseract_Defaults(t *testing.T) {
	tr := NewTesseract("", "", 0, 0)
	assert.Equal(t, "tesseract", tr.binPath)
	assert.Equal(t, []string{"x.png", "stdout", "-l", "spa", "--oem", "3", "--psm", "6"}, tr.Args("x.png"))
}

func TestTesseract_Recognize(t *testing.T) {
	runner := &fakeRunner{stdout: "Tarifas VATIA\n"}
	tr := NewTesseract("/opt/tesseract", "spa", 6, 3).WithRunner(runner)
	tr.tmpDir = t.TempDir()

	text, err := tr.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 200, 200)))
	require.NoError(t, err)
	assert.Equal(t, "Tarifas VATIA\n", text)
	assert.Equal(t, "/opt/tesseract", runner.name)
	assert.True(t, runner.sawPNG)

	// Temp bitmap is removed afterwards.
	_, statErr := os.Stat(runner.args[0])
	assert.True(t, os.IsNotExist(statErr))
}

func TestTesseract_RecognizeError(t *testing.T) {
	runner := &fakeRunner{stderr: "Failed loading language 'spa'", err: errors.New("exit status 1")}
	tr := NewTesseract("", "", 0, 0).WithRunner(runner)
	tr.tmpDir = t.TempDir()

	_, err := tr.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 10, 10)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Failed loading language")
}

func TestTesseract_BinaryNotFound(t *testing.T) {
	tr := NewTesseract("/nonexistent/tesseract", "", 0, 0)
	tr.tmpDir = t.TempDir()

	_, err := tr.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 10, 10)))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.Contains(t, err.Error(), "/nonexistent/tesseract")
}

func TestTesseract_ExitFailureIsNotUnavailable(t *testing.T) {
	runner := &fakeRunner{err: errors.New("exit status 1")}
	tr := NewTesseract("", "", 0, 0).WithRunner(runner)
	tr.tmpDir = t.TempDir()

	_, err := tr.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 10, 10)))
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrUnavailable)
}

func TestMistralOCR_Defaults(t *testing.T) {
	m := NewMistralOCR("key", "", "")
	assert.Equal(t, defaultMistralModel, m.model)
	assert.Equal(t, mistralOCREndpoint, m.endpoint)

	m = NewMistralOCR("key", "custom-model", "http://local/ocr")
	assert.Equal(t, "custom-model", m.model)
	assert.Equal(t, "http://local/ocr", m.endpoint)
}

func TestMistralOCR_Recognize(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req mistralOCRRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		assert.Equal(t, "image_url", req.Document.Type)

		const prefix = "data:image/png;base64,"
		require.True(t, strings.HasPrefix(req.Document.ImageURL, prefix))
		raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(req.Document.ImageURL, prefix))
		require.NoError(t, err)
		_, err = png.Decode(strings.NewReader(string(raw)))
		assert.NoError(t, err)

		resp := mistralOCRResponse{
			Pages: []mistralOCRPage{
				{Index: 0, Markdown: "| Mercado | CU |"},
				{Index: 1, Markdown: "| ANTIOQUIA | 771.0 |"},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp) //nolint:errcheck
	}))
	defer srv.Close()

	m := NewMistralOCR("test-key", "test-model", srv.URL)
	text, err := m.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 120, 120)))
	require.NoError(t, err)
	assert.Equal(t, "| Mercado | CU |\n\n| ANTIOQUIA | 771.0 |", text)
}

func TestMistralOCR_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid api key"}`)) //nolint:errcheck
	}))
	defer srv.Close()

	m := NewMistralOCR("bad-key", "", srv.URL)
	_, err := m.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mistral API returned 401")
	assert.False(t, resilience.IsTransient(err))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestMistralOCR_ServiceUnavailableIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := NewMistralOCR("test-key", "", srv.URL)
	_, err := m.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.True(t, resilience.IsTransient(err))
	assert.Equal(t, "transient", resilience.ClassifyError(err))
}

func TestMistralOCR_MalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{invalid json`)) //nolint:errcheck
	}))
	defer srv.Close()

	m := NewMistralOCR("test-key", "", srv.URL)
	_, err := m.Recognize(context.Background(), image.NewGray(image.Rect(0, 0, 4, 4)))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unmarshal mistral response")
}

func TestEngine_Success(t *testing.T) {
	rec := new(mockRecognizer)
	rec.On("Recognize", mock.Anything, mock.AnythingOfType("*image.Gray")).Return("texto", nil).Once()

	var results []error
	e := NewEngine(rec)
	e.OnResult = func(err error) { results = append(results, err) }

	assert.Equal(t, "texto", e.Recognize(context.Background(), solidRGBA(200, 200, color.White)))
	require.Len(t, results, 1)
	assert.NoError(t, results[0])
	rec.AssertExpectations(t)
}

func TestEngine_FailureReturnsSentinel(t *testing.T) {
	rec := new(mockRecognizer)
	rec.On("Recognize", mock.Anything, mock.Anything).Return("", errors.New("tesseract crashed")).Once()

	e := NewEngine(rec)
	assert.Equal(t, FailureText, e.Recognize(context.Background(), solidRGBA(200, 200, color.White)))
	rec.AssertExpectations(t)
}

func TestEngine_EmptyImage(t *testing.T) {
	rec := new(mockRecognizer)
	e := NewEngine(rec)

	assert.Equal(t, FailureText, e.Recognize(context.Background(), nil))
	assert.Equal(t, FailureText, e.Recognize(context.Background(), image.NewRGBA(image.Rect(0, 0, 0, 0))))
	rec.AssertNotCalled(t, "Recognize", mock.Anything, mock.Anything)
}

// flakyRecognizer fails its first failures calls, then reads "TABLA OK".
type flakyRecognizer struct {
	failures int
	err      error
	calls    int
}

func (f *flakyRecognizer) Recognize(context.Context, *image.Gray) (string, error) {
	f.calls++
	if f.calls <= f.failures {
		return "", f.err
	}
	return "TABLA OK", nil
}

func TestEngine_LaterImagesRecognizedAfterFailures(t *testing.T) {
	rec := &flakyRecognizer{failures: 3, err: errors.New("tesseract crashed")}
	e := NewEngine(rec)
	img := solidRGBA(150, 150, color.White)

	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, e.Recognize(context.Background(), img))
	}
	assert.Equal(t, []string{FailureText, FailureText, FailureText, "TABLA OK", "TABLA OK"}, got)
	assert.Equal(t, 5, rec.calls)
}

func TestSession_LaterImagesRecognizedAfterFailures(t *testing.T) {
	rec := &flakyRecognizer{failures: 3, err: errors.New("tesseract crashed")}
	doc := NewEngine(rec).Document()
	img := solidRGBA(150, 150, color.White)

	var got []string
	for i := 0; i < 5; i++ {
		got = append(got, doc.Recognize(context.Background(), img))
	}
	assert.Equal(t, []string{FailureText, FailureText, FailureText, "TABLA OK", "TABLA OK"}, got)
	assert.Equal(t, 5, rec.calls)
}

func TestSession_UnavailableEngineStopsOnlyThatDocument(t *testing.T) {
	rec := &flakyRecognizer{failures: 1, err: eris.Wrap(ErrUnavailable, "ocr: tesseract not installed")}
	e := NewEngine(rec)
	img := solidRGBA(150, 150, color.White)

	var results []error
	e.OnResult = func(err error) { results = append(results, err) }

	doc := e.Document()
	for i := 0; i < 3; i++ {
		assert.Equal(t, FailureText, doc.Recognize(context.Background(), img))
	}
	assert.Equal(t, 1, rec.calls)
	require.Len(t, results, 3)
	assert.ErrorIs(t, results[2], resilience.ErrBreakerOpen)

	// A new document starts with a fresh session.
	assert.Equal(t, "TABLA OK", e.Document().Recognize(context.Background(), img))
	assert.Equal(t, 2, rec.calls)
}

func TestEngine_RecoversFromPanic(t *testing.T) {
	rec := new(mockRecognizer)
	rec.On("Recognize", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("boom") })

	e := NewEngine(rec)
	assert.Equal(t, FailureText, e.Recognize(context.Background(), solidRGBA(120, 120, color.Black)))
}
