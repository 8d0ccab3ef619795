package ocr

import (
	"context"
	"errors"
	"image"
	"image/png"
	"io/fs"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// Tesseract recognizes text by shelling out to the tesseract binary.
type Tesseract struct {
	binPath string
	lang    string
	psm     int
	oem     int
	tmpDir  string
	runner  Runner
}

// NewTesseract creates a Tesseract recognizer. Empty values fall back to
// "tesseract", Spanish, block mode (psm 6) and the default engine (oem 3).
func NewTesseract(binPath, lang string, psm, oem int) *Tesseract {
	if binPath == "" {
		binPath = "tesseract"
	}
	if lang == "" {
		lang = "spa"
	}
	if psm <= 0 {
		psm = 6
	}
	if oem <= 0 {
		oem = 3
	}
	return &Tesseract{binPath: binPath, lang: lang, psm: psm, oem: oem, runner: ExecRunner{}}
}

// WithRunner swaps the process runner.
func (t *Tesseract) WithRunner(r Runner) *Tesseract {
	t.runner = r
	return t
}

// Args returns the command line used for a bitmap at path.
func (t *Tesseract) Args(path string) []string {
	return []string{
		path, "stdout",
		"-l", t.lang,
		"--oem", strconv.Itoa(t.oem),
		"--psm", strconv.Itoa(t.psm),
	}
}

// Recognize writes img as a temporary PNG and runs tesseract on it.
func (t *Tesseract) Recognize(ctx context.Context, img *image.Gray) (string, error) {
	f, err := os.CreateTemp(t.tmpDir, "ocr-*.png")
	if err != nil {
		return "", eris.Wrap(err, "ocr: create temp bitmap")
	}
	path := f.Name()
	defer os.Remove(path) //nolint:errcheck

	if err := png.Encode(f, img); err != nil {
		f.Close() //nolint:errcheck
		return "", eris.Wrap(err, "ocr: encode bitmap")
	}
	if err := f.Close(); err != nil {
		return "", eris.Wrap(err, "ocr: close bitmap")
	}

	out, errb, err := t.runner.Run(ctx, t.binPath, t.Args(path)...)
	if errors.Is(err, exec.ErrNotFound) || errors.Is(err, fs.ErrNotExist) {
		return "", eris.Wrapf(ErrUnavailable, "ocr: %s: %v", t.binPath, err)
	}
	if err != nil {
		return "", eris.Wrapf(err, "ocr: tesseract failed: %s", strings.TrimSpace(string(errb)))
	}
	return string(out), nil
}
