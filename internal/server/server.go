// Package server exposes the pipeline over HTTP: document upload, artifact
// download and metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/tarifas-co/tarifas-cli/internal/config"
	"github.com/tarifas-co/tarifas-cli/internal/model"
	"github.com/tarifas-co/tarifas-cli/internal/pipeline"
	"github.com/tarifas-co/tarifas-cli/internal/retailer"
)

// Processor runs one stored document through the pipeline.
type Processor interface {
	Process(ctx context.Context, path, retailer string) (*model.RunResult, error)
}

// RetailerLister lists the supported retailers.
type RetailerLister interface {
	List() []retailer.Retailer
}

// Options configures a Server.
type Options struct {
	UploadDir      string
	OutputDir      string
	MaxUploadBytes int64
	RatePerSec     float64
	Burst          int
	AllowedOrigins []string
	// Metrics serves /metrics when set.
	Metrics http.Handler
}

// OptionsFromConfig maps the server section to Options.
func OptionsFromConfig(cfg config.ServerConfig) Options {
	return Options{
		UploadDir:      cfg.UploadDir,
		OutputDir:      cfg.OutputDir,
		MaxUploadBytes: int64(cfg.MaxUploadMB) << 20,
		RatePerSec:     cfg.RatePerSec,
		Burst:          cfg.Burst,
		AllowedOrigins: cfg.AllowedOrigins,
	}
}

// Server handles uploads and downloads.
type Server struct {
	proc      Processor
	retailers RetailerLister
	opts      Options
	limiter   *rate.Limiter
}

// New creates a Server, creating the upload and output directories.
func New(proc Processor, retailers RetailerLister, opts Options) (*Server, error) {
	if opts.UploadDir == "" {
		opts.UploadDir = "uploads"
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "output"
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 16 << 20
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	for _, dir := range []string{opts.UploadDir, opts.OutputDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, eris.Wrapf(err, "server: create %s", dir)
		}
	}

	limit := rate.Inf
	if opts.RatePerSec > 0 {
		limit = rate.Limit(opts.RatePerSec)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Server{
		proc:      proc,
		retailers: retailers,
		opts:      opts,
		limiter:   rate.NewLimiter(limit, burst),
	}, nil
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestID)
	r.Use(logRequests)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "Content-Disposition"},
		MaxAge:         300,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.With(s.rateLimit).Post("/procesar", s.handleProcess)
	r.Get("/download/csv/{filename}", s.download(".csv", "text/csv"))
	r.Get("/download/json/{filename}", s.download(".json", "application/json"))
	if s.opts.Metrics != nil {
		r.Handle("/metrics", s.opts.Metrics)
	}
	return r
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Warn("server: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"comercializadores": s.retailers.List(),
	})
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	log := zap.L().With(zap.String("request_id", RequestID(r.Context())))

	r.Body = http.MaxBytesReader(w, r.Body, s.opts.MaxUploadBytes)
	if err := r.ParseMultipartForm(s.opts.MaxUploadBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "El archivo supera el tamaño máximo permitido", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "No se seleccionó ningún archivo", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("archivo")
	if err != nil || header.Filename == "" {
		http.Error(w, "No se seleccionó ningún archivo", http.StatusBadRequest)
		return
	}
	defer file.Close()

	id := strings.TrimSpace(r.FormValue("comercializador"))
	if id == "" {
		http.Error(w, "No se seleccionó ningún comercializador", http.StatusBadRequest)
		return
	}

	name := pipeline.SecureFilename(header.Filename)
	if name == "" {
		http.Error(w, "Nombre de archivo no válido", http.StatusBadRequest)
		return
	}
	// Same-name uploads get distinct artifacts. The request id may come from
	// the client, so the prefix is generated here.
	name = uuid.NewString()[:8] + "_" + name
	src := filepath.Join(s.opts.UploadDir, name)
	log = log.With(zap.String("upload", name))

	if err := save(file, src); err != nil {
		log.Error("server: save upload", zap.Error(err))
		http.Error(w, "Error al guardar el archivo", http.StatusInternalServerError)
		return
	}
	defer func() {
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			log.Warn("server: remove upload", zap.String("path", src), zap.Error(err))
		}
	}()

	res, err := s.proc.Process(r.Context(), src, id)
	if err != nil {
		if errors.Is(err, retailer.ErrUnknownRetailer) {
			http.Error(w, fmt.Sprintf("Comercializador no válido: %s", id), http.StatusBadRequest)
			return
		}
		http.Error(w, fmt.Sprintf("Error al procesar el archivo: %v", err), http.StatusInternalServerError)
		return
	}

	if info, err := os.Stat(res.CSVPath); err != nil || info.Size() == 0 {
		http.Error(w, "El archivo CSV de salida no se generó correctamente", http.StatusInternalServerError)
		return
	}
	if _, err := os.Stat(res.JSONPath); err != nil {
		http.Error(w, "Error al generar el archivo JSON", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"csv_url":  "/download/csv/" + filepath.Base(res.CSVPath),
		"json_url": "/download/json/" + filepath.Base(res.JSONPath),
	})
}

func (s *Server) download(ext, contentType string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "filename")
		if name == "" || pipeline.SecureFilename(name) != name || !strings.EqualFold(filepath.Ext(name), ext) {
			http.Error(w, "Archivo no encontrado", http.StatusNotFound)
			return
		}

		f, err := os.Open(filepath.Join(s.opts.OutputDir, name))
		if err != nil {
			http.Error(w, "Archivo no encontrado", http.StatusNotFound)
			return
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil || info.IsDir() {
			http.Error(w, "Archivo no encontrado", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", contentType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
		http.ServeContent(w, r, name, info.ModTime(), f)
	}
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			w.Header().Set("Retry-After", "1")
			http.Error(w, "Demasiadas solicitudes, intente más tarde", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func save(src io.Reader, path string) error {
	dst, err := os.Create(path)
	if err != nil {
		return eris.Wrapf(err, "server: create %s", path)
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return eris.Wrapf(err, "server: write %s", path)
	}
	return eris.Wrapf(dst.Close(), "server: close %s", path)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response", zap.Error(err))
	}
}
