// Package extract turns PDF documents into plain text, falling back to OCR of
// embedded images when a document carries little selectable text.
package extract

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/tarifas-co/tarifas-cli/internal/config"
	"github.com/tarifas-co/tarifas-cli/internal/model"
	"github.com/tarifas-co/tarifas-cli/internal/ocr"
)

// ErrExtraction marks a document that could not be turned into text.
var ErrExtraction = eris.New("extract: extraction failed")

// OCR block markers written into the combined text.
const (
	OCRBegin   = "\n\n--- INICIO DE TEXTO EXTRAÍDO POR OCR ---\n\n"
	OCREnd     = "\n\n--- FIN DE TEXTO EXTRAÍDO POR OCR ---\n\n"
	imageBegin = "\n--- TEXTO DE IMAGEN (Página %d, Imagen %d) ---\n"
	imageEnd   = "\n--- FIN TEXTO DE IMAGEN ---\n"
)

// TextSource returns the selectable text of each page of a PDF.
type TextSource interface {
	PageTexts(ctx context.Context, path string) ([]string, error)
}

// ImageSource lists the embedded raster images of a PDF.
type ImageSource interface {
	PageImages(ctx context.Context, path string) ([]PageImage, error)
}

// Recognizer reads text out of an image. It never fails; see ocr.Engine.
type Recognizer interface {
	Recognize(ctx context.Context, img image.Image) string
}

// documentRecognizer is a Recognizer that keeps per-document state, such as
// ocr.Engine. Extract opens one session per call.
type documentRecognizer interface {
	Document() *ocr.Session
}

// PageImage is one embedded image. Width and Height may be zero when the
// source does not know them before decoding.
type PageImage struct {
	Page     int
	Index    int
	Width    int
	Height   int
	FileType string
	Decode   func() (image.Image, error)
}

// Options tunes the OCR fallback decision.
type Options struct {
	MinTextChars int
	MinImageSide int
	AlertTerms   []string
}

// Extractor combines a text source with an OCR fallback over page images.
type Extractor struct {
	text   TextSource
	images ImageSource
	rec    Recognizer
	opts   Options
}

// New creates an Extractor. images and rec may be nil, which disables the
// OCR fallback.
func New(text TextSource, images ImageSource, rec Recognizer, opts Options) *Extractor {
	if opts.MinTextChars <= 0 {
		opts.MinTextChars = 100
	}
	if opts.MinImageSide <= 0 {
		opts.MinImageSide = 100
	}
	return &Extractor{text: text, images: images, rec: rec, opts: opts}
}

// NewFromConfig wires the configured text source (pdftotext unless set to
// pdfcpu) with pdfcpu images and rec.
func NewFromConfig(cfg config.ExtractConfig, rec Recognizer) (*Extractor, error) {
	var text TextSource
	switch cfg.TextSource {
	case "", "pdftotext":
		text = NewPdfToText(cfg.PdfToTextPath)
	case "pdfcpu":
		text = PDFCPU{}
	default:
		return nil, eris.Errorf("extract: unknown text source %q", cfg.TextSource)
	}
	return New(text, PDFCPU{}, rec, Options{
		MinTextChars: cfg.MinTextChars,
		MinImageSide: cfg.MinImageSide,
		AlertTerms:   cfg.AlertTerms,
	}), nil
}

// SidecarPath returns where the combined text of path is written.
func SidecarPath(path string) string {
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	return filepath.Join(filepath.Dir(path), base+"_text.txt")
}

// Extract reads path, runs OCR when the selectable text is too short and
// writes the combined text to the sidecar file.
func (e *Extractor) Extract(ctx context.Context, path string) (*model.ExtractionResult, error) {
	log := zap.L().With(zap.String("source", path))

	pages, err := e.text.PageTexts(ctx, path)
	if err != nil {
		return nil, eris.Wrapf(ErrExtraction, "read %s: %v", path, err)
	}

	var sb strings.Builder
	for i, p := range pages {
		p = stripControl(p)
		if strings.TrimSpace(p) == "" {
			continue
		}
		sb.WriteString(p)
		sb.WriteString("\n\n")
		log.Debug("extract: page text", zap.Int("page", i+1), zap.Int("pages", len(pages)))
	}

	res := &model.ExtractionResult{
		SourcePath:  path,
		SidecarPath: SidecarPath(path),
		Pages:       len(pages),
	}

	if chars := utf8.RuneCountInString(strings.TrimSpace(sb.String())); chars < e.opts.MinTextChars && e.images != nil && e.rec != nil {
		log.Info("extract: little selectable text, running ocr", zap.Int("chars", chars))
		ocrText := e.ocr(ctx, path, res)
		if ocrText != "" {
			sb.WriteString(OCRBegin)
			sb.WriteString(ocrText)
			sb.WriteString(OCREnd)
			res.UsedOCR = true
		}
	}

	res.FullText = sb.String()
	res.Alerts = Alerts(res.FullText, e.opts.AlertTerms)
	for _, term := range res.Alerts {
		log.Warn("extract: watched retailer mentioned, check its rows", zap.String("term", term))
	}

	if err := os.WriteFile(res.SidecarPath, []byte(res.FullText), 0o644); err != nil {
		return nil, eris.Wrapf(ErrExtraction, "write %s: %v", res.SidecarPath, err)
	}

	log.Info("extract: text extracted",
		zap.Int("pages", res.Pages),
		zap.Bool("ocr", res.UsedOCR),
		zap.String("sidecar", res.SidecarPath),
	)
	return res, nil
}

func (e *Extractor) ocr(ctx context.Context, path string, res *model.ExtractionResult) string {
	imgs, err := e.images.PageImages(ctx, path)
	if err != nil {
		zap.L().Warn("extract: list images", zap.String("source", path), zap.Error(err))
		return ""
	}

	rec := e.rec
	if d, ok := rec.(documentRecognizer); ok {
		rec = d.Document()
	}

	var blocks []string
	for _, pi := range imgs {
		w, h := pi.Width, pi.Height
		var img image.Image
		if w == 0 || h == 0 {
			if img, err = pi.Decode(); err != nil {
				res.ImagesSkipped++
				continue
			}
			b := img.Bounds()
			w, h = b.Dx(), b.Dy()
		}
		if w <= e.opts.MinImageSide || h <= e.opts.MinImageSide {
			res.ImagesSkipped++
			continue
		}
		if img == nil {
			if img, err = pi.Decode(); err != nil {
				zap.L().Warn("extract: decode image",
					zap.Int("page", pi.Page), zap.Int("image", pi.Index), zap.Error(err))
				res.ImagesSkipped++
				continue
			}
		}

		res.ImagesScanned++
		text := rec.Recognize(ctx, img)
		if strings.TrimSpace(text) == "" {
			continue
		}
		blocks = append(blocks, fmt.Sprintf(imageBegin, pi.Page, pi.Index), text, imageEnd)
	}
	return strings.Join(blocks, "\n")
}

// stripControl drops NUL and other control runes, which undecoded glyph ids
// leave behind, along with replacement characters. Line breaks, tabs and
// form feeds stay.
func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\n', r == '\t', r == '\f':
			return r
		case r == utf8.RuneError, unicode.IsControl(r):
			return -1
		}
		return r
	}, s)
}

// Alerts returns the terms that appear in text, ignoring case.
func Alerts(text string, terms []string) []string {
	upper := strings.ToUpper(text)
	var hits []string
	for _, t := range terms {
		if t != "" && strings.Contains(upper, strings.ToUpper(t)) {
			hits = append(hits, t)
		}
	}
	return hits
}
