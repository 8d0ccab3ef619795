// Package ocr turns raster images into text: binarization followed by a
// pluggable recognition engine.
package ocr

import (
	"context"
	"errors"
	"image"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tarifas-co/tarifas-cli/internal/config"
	"github.com/tarifas-co/tarifas-cli/internal/resilience"
)

// FailureText replaces the recognized text of an image that could not be
// processed. Extraction carries on with the remaining images.
const FailureText = "ERROR EN OCR"

// ErrUnavailable marks an engine that cannot run at all, such as a missing
// tesseract binary or a rejected API key.
var ErrUnavailable = eris.New("ocr: engine unavailable")

// Recognizer reads text from a preprocessed bitmap.
type Recognizer interface {
	Recognize(ctx context.Context, img *image.Gray) (string, error)
}

// NewRecognizer creates a Recognizer based on config.
func NewRecognizer(cfg config.OCRConfig) (Recognizer, error) {
	switch cfg.Provider {
	case "tesseract", "":
		return NewTesseract(cfg.TesseractPath, cfg.Language, cfg.PSM, cfg.OEM), nil
	case "mistral":
		if cfg.MistralKey == "" {
			return nil, eris.New("ocr: mistral provider requires mistral_key")
		}
		return NewMistralOCR(cfg.MistralKey, cfg.MistralModel, cfg.MistralURL), nil
	default:
		return nil, eris.Errorf("ocr: unknown provider %q", cfg.Provider)
	}
}

// Engine preprocesses images and hands them to a Recognizer. Recognition
// failures never escape: Recognize returns FailureText instead. Each image
// is recognized independently of the others.
type Engine struct {
	rec Recognizer
	// OnResult observes every recognition outcome.
	OnResult func(err error)
}

// NewEngine wraps rec.
func NewEngine(rec Recognizer) *Engine {
	return &Engine{rec: rec}
}

// Recognize returns the text found in img, or FailureText if anything goes
// wrong.
func (e *Engine) Recognize(ctx context.Context, img image.Image) string {
	return e.result(e.recognize(ctx, img))
}

// Document starts recognition of one document's images. Once the engine
// reports ErrUnavailable the rest of that document's images fail fast.
// Any other failure affects only its own image.
func (e *Engine) Document() *Session {
	return &Session{
		engine: e,
		breaker: resilience.NewBreaker(resilience.BreakerConfig{
			Threshold: 1,
			Cooldown:  time.Hour,
			Trips:     func(err error) bool { return errors.Is(err, ErrUnavailable) },
		}),
	}
}

// Session recognizes the images of a single document.
type Session struct {
	engine  *Engine
	breaker *resilience.Breaker
}

// Recognize behaves like Engine.Recognize.
func (s *Session) Recognize(ctx context.Context, img image.Image) string {
	return s.engine.result(resilience.Guard(ctx, s.breaker, func(ctx context.Context) (string, error) {
		return s.engine.recognize(ctx, img)
	}))
}

func (e *Engine) result(text string, err error) string {
	if e.OnResult != nil {
		e.OnResult(err)
	}
	if err != nil {
		zap.L().Warn("ocr: recognition failed", zap.Error(err))
		return FailureText
	}
	return text
}

func (e *Engine) recognize(ctx context.Context, img image.Image) (text string, err error) {
	if img == nil || img.Bounds().Empty() {
		return "", eris.New("ocr: empty image")
	}
	defer func() {
		if r := recover(); r != nil {
			err = eris.Errorf("ocr: panic during recognition: %v", r)
		}
	}()

	return e.rec.Recognize(ctx, Preprocess(img))
}
