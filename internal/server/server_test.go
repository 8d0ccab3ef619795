package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tarifas-co/tarifas-cli/internal/completion"
	"github.com/tarifas-co/tarifas-cli/internal/config"
	"github.com/tarifas-co/tarifas-cli/internal/model"
	"github.com/tarifas-co/tarifas-cli/internal/pipeline"
	"github.com/tarifas-co/tarifas-cli/internal/retailer"
)

// fakeProcessor writes fixed artifacts into outDir, named after the upload.
type fakeProcessor struct {
	outDir string
	err    error
	empty  bool

	mu    sync.Mutex
	calls []string
	seen  []string // upload contents at call time
}

func (f *fakeProcessor) Process(_ context.Context, path, id string) (*model.RunResult, error) {
	data, _ := os.ReadFile(path)
	f.mu.Lock()
	f.calls = append(f.calls, path+"|"+id)
	f.seen = append(f.seen, string(data))
	f.mu.Unlock()

	res := &model.RunResult{Source: path, Retailer: id}
	if f.err != nil {
		res.Stage = model.StageFailed
		return res, f.err
	}

	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	res.CSVPath = filepath.Join(f.outDir, base+".csv")
	res.JSONPath = filepath.Join(f.outDir, base+".json")
	csv := model.CanonicalHeader + "\n"
	if f.empty {
		csv = ""
	}
	if err := os.WriteFile(res.CSVPath, []byte(csv), 0o644); err != nil {
		return nil, err
	}
	if err := os.WriteFile(res.JSONPath, []byte(`{"datos": []}`), 0o644); err != nil {
		return nil, err
	}
	res.Stage = model.StageDone
	return res, nil
}

type staticRetailers []retailer.Retailer

func (s staticRetailers) List() []retailer.Retailer { return s }

func newTestServer(t *testing.T, proc *fakeProcessor, opts Options) (*httptest.Server, Options) {
	t.Helper()
	dir := t.TempDir()
	if opts.UploadDir == "" {
		opts.UploadDir = filepath.Join(dir, "uploads")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = filepath.Join(dir, "output")
	}
	proc.outDir = opts.OutputDir

	srv, err := New(proc, staticRetailers(retailer.DefaultRetailers), opts)
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, opts
}

func uploadBody(t *testing.T, filename, content, retailerID string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := w.CreateFormFile("archivo", filename)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	if retailerID != "" {
		require.NoError(t, w.WriteField("comercializador", retailerID))
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func postUpload(t *testing.T, url, filename, content, retailerID string) *http.Response {
	t.Helper()
	body, ct := uploadBody(t, filename, content, retailerID)
	resp, err := http.Post(url+"/procesar", ct, body)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	var sb bytes.Buffer
	_, err := sb.ReadFrom(resp.Body)
	require.NoError(t, err)
	return sb.String()
}

func TestHealth(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProcessor{}, Options{})

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, readBody(t, resp))
	assert.NotEmpty(t, resp.Header.Get(RequestIDHeader))
}

func TestIndexListsRetailers(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProcessor{}, Options{})

	resp, err := http.Get(ts.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()

	var body struct {
		Retailers []retailer.Retailer `json:"comercializadores"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Len(t, body.Retailers, 6)
	assert.Equal(t, "VATIA", body.Retailers[0].ID)
	assert.Equal(t, "ENERBIT", body.Retailers[5].ID)
}

func TestProcesar_Success(t *testing.T) {
	proc := &fakeProcessor{}
	ts, opts := newTestServer(t, proc, Options{})

	resp := postUpload(t, ts.URL, "Tarifas Junio.pdf", "%PDF-1.4 fake", "VATIA")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var urls map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&urls))
	assert.True(t, strings.HasPrefix(urls["csv_url"], "/download/csv/"))
	assert.True(t, strings.HasSuffix(urls["csv_url"], "_Tarifas_Junio.csv"))
	assert.True(t, strings.HasSuffix(urls["json_url"], "_Tarifas_Junio.json"))

	require.Len(t, proc.calls, 1)
	assert.Equal(t, "%PDF-1.4 fake", proc.seen[0])
	assert.True(t, strings.HasSuffix(proc.calls[0], "|VATIA"))

	// The upload is removed, the artifacts stay.
	entries, err := os.ReadDir(opts.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	dl, err := http.Get(ts.URL + urls["csv_url"])
	require.NoError(t, err)
	defer dl.Body.Close()
	assert.Equal(t, http.StatusOK, dl.StatusCode)
	assert.Equal(t, "text/csv", dl.Header.Get("Content-Type"))
	assert.Contains(t, dl.Header.Get("Content-Disposition"), "attachment")
	assert.Equal(t, model.CanonicalHeader+"\n", readBody(t, dl))

	dl2, err := http.Get(ts.URL + urls["json_url"])
	require.NoError(t, err)
	defer dl2.Body.Close()
	assert.Equal(t, http.StatusOK, dl2.StatusCode)
	assert.Equal(t, "application/json", dl2.Header.Get("Content-Type"))
}

func TestProcesar_SameNameUploadsDoNotCollide(t *testing.T) {
	proc := &fakeProcessor{}
	ts, _ := newTestServer(t, proc, Options{})

	r1 := postUpload(t, ts.URL, "doc.pdf", "a", "VATIA")
	r2 := postUpload(t, ts.URL, "doc.pdf", "b", "VATIA")
	require.Equal(t, http.StatusOK, r1.StatusCode)
	require.Equal(t, http.StatusOK, r2.StatusCode)

	var u1, u2 map[string]string
	require.NoError(t, json.NewDecoder(r1.Body).Decode(&u1))
	require.NoError(t, json.NewDecoder(r2.Body).Decode(&u2))
	assert.NotEqual(t, u1["csv_url"], u2["csv_url"])
}

func TestProcesar_SameRequestIDUploadsDoNotCollide(t *testing.T) {
	proc := &fakeProcessor{}
	ts, _ := newTestServer(t, proc, Options{})

	post := func(content string) map[string]string {
		body, ct := uploadBody(t, "doc.pdf", content, "VATIA")
		req, err := http.NewRequest(http.MethodPost, ts.URL+"/procesar", body)
		require.NoError(t, err)
		req.Header.Set("Content-Type", ct)
		req.Header.Set(RequestIDHeader, "6f1c2b9e-0d4a-4c55-9a51-3f1a7e2b8c01")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "6f1c2b9e-0d4a-4c55-9a51-3f1a7e2b8c01", resp.Header.Get(RequestIDHeader))

		var urls map[string]string
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&urls))
		return urls
	}

	u1, u2 := post("a"), post("b")
	assert.NotEqual(t, u1["csv_url"], u2["csv_url"])
	assert.NotEqual(t, u1["json_url"], u2["json_url"])

	require.Len(t, proc.calls, 2)
	assert.NotEqual(t, proc.calls[0], proc.calls[1])
	assert.NotContains(t, proc.calls[0], "6f1c2b9e_")
}

func TestProcesar_BadRequests(t *testing.T) {
	proc := &fakeProcessor{}
	ts, _ := newTestServer(t, proc, Options{})

	tests := []struct {
		name     string
		filename string
		retailer string
		want     string
	}{
		{"no file", "", "VATIA", "No se seleccionó ningún archivo"},
		{"no retailer", "doc.pdf", "", "No se seleccionó ningún comercializador"},
		{"unsafe name", "###", "VATIA", "Nombre de archivo no válido"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postUpload(t, ts.URL, tt.filename, "x", tt.retailer)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, readBody(t, resp), tt.want)
		})
	}
	assert.Empty(t, proc.calls)
}

func TestProcesar_NotMultipart(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProcessor{}, Options{})

	resp, err := http.Post(ts.URL+"/procesar", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestProcesar_UnknownRetailerIs400(t *testing.T) {
	proc := &fakeProcessor{err: eris.Wrapf(retailer.ErrUnknownRetailer, "retailer: %q", "ACME")}
	ts, opts := newTestServer(t, proc, Options{})

	resp := postUpload(t, ts.URL, "doc.pdf", "x", "ACME")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "Comercializador no válido: ACME")

	entries, err := os.ReadDir(opts.UploadDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "upload removed on failure")
}

func TestProcesar_PipelineFailureIs500(t *testing.T) {
	proc := &fakeProcessor{err: &completion.ExhaustedError{Attempts: 3, Last: eris.New("tabular: response is empty")}}
	ts, _ := newTestServer(t, proc, Options{})

	resp := postUpload(t, ts.URL, "doc.pdf", "x", "VATIA")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	body := readBody(t, resp)
	assert.Contains(t, body, "Error al procesar el archivo")
	assert.Contains(t, body, "3 attempts")
}

func TestProcesar_EmptyCSVIs500(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProcessor{empty: true}, Options{})

	resp := postUpload(t, ts.URL, "doc.pdf", "x", "VATIA")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "no se generó correctamente")
}

func TestProcesar_TooLarge(t *testing.T) {
	proc := &fakeProcessor{}
	ts, _ := newTestServer(t, proc, Options{MaxUploadBytes: 1024})

	resp := postUpload(t, ts.URL, "doc.pdf", strings.Repeat("x", 4096), "VATIA")
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)
	assert.Empty(t, proc.calls)
}

func TestProcesar_RateLimited(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProcessor{}, Options{RatePerSec: 0.001, Burst: 1})

	first := postUpload(t, ts.URL, "doc.pdf", "x", "VATIA")
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second := postUpload(t, ts.URL, "doc.pdf", "x", "VATIA")
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))
}

func TestDownload_NotFoundAndTraversal(t *testing.T) {
	ts, opts := newTestServer(t, &fakeProcessor{}, Options{})
	require.NoError(t, os.WriteFile(filepath.Join(filepath.Dir(opts.OutputDir), "secret.csv"), []byte("s"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(opts.OutputDir, "real.json"), []byte("{}"), 0o644))

	for _, path := range []string{
		"/download/csv/missing.csv",
		"/download/csv/..%2Fsecret.csv",
		"/download/csv/.hidden.csv",
		"/download/csv/real.json",
		"/download/json/real.csv",
	} {
		t.Run(path, func(t *testing.T) {
			resp, err := http.Get(ts.URL + path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		})
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m := pipeline.NewMetrics()
	m.ObserveAttempt(1, nil)
	ts, _ := newTestServer(t, &fakeProcessor{}, Options{Metrics: m.Handler()})

	resp, err := http.Get(ts.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readBody(t, resp), "tarifas_completion_attempts_total")
}

func TestRequestIDPropagation(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProcessor{}, Options{})

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set(RequestIDHeader, "6F9619FF-8B86-D011-B42D-00C04FC964FF")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "6f9619ff-8b86-d011-b42d-00c04fc964ff", resp.Header.Get(RequestIDHeader))

	req.Header.Set(RequestIDHeader, "not-a-uuid")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.NotEqual(t, "not-a-uuid", resp2.Header.Get(RequestIDHeader))
	assert.Len(t, resp2.Header.Get(RequestIDHeader), 36)
}

func TestCORSPreflight(t *testing.T) {
	ts, _ := newTestServer(t, &fakeProcessor{}, Options{AllowedOrigins: []string{"https://tarifas.example"}})

	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/procesar", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://tarifas.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "https://tarifas.example", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestOptionsFromConfig(t *testing.T) {
	opts := OptionsFromConfig(config.ServerConfig{UploadDir: "uploads", MaxUploadMB: 16, RatePerSec: 2, Burst: 5})
	assert.Equal(t, int64(16<<20), opts.MaxUploadBytes)
	assert.Equal(t, "uploads", opts.UploadDir)
	assert.Equal(t, 5, opts.Burst)
}
