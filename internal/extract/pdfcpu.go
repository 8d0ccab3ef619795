package extract

import (
	"bytes"
	"context"
	"image"
	"io"
	"os"
	"sort"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// PDFCPU reads page text and embedded images natively with pdfcpu.
type PDFCPU struct{}

func (PDFCPU) open(path string) (*model.Context, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	pdfCtx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, eris.Wrapf(err, "extract: pdfcpu read %s", path)
	}
	return pdfCtx, nil
}

// PageTexts returns the text of every page in order. Pages whose content
// cannot be read come back empty.
func (p PDFCPU) PageTexts(ctx context.Context, path string) ([]string, error) {
	pdfCtx, err := p.open(path)
	if err != nil {
		return nil, err
	}

	pages := make([]string, pdfCtx.PageCount)
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "extract: page text")
		}
		r, err := pdfcpu.ExtractPageContent(pdfCtx, pageNr)
		if err != nil || r == nil {
			zap.L().Debug("extract: page content unavailable", zap.Int("page", pageNr), zap.Error(err))
			continue
		}
		data, err := io.ReadAll(r)
		if err != nil {
			continue
		}
		pages[pageNr-1] = TextFromContent(data)
	}
	return pages, nil
}

// PageImages lists the embedded raster images of every page.
func (p PDFCPU) PageImages(ctx context.Context, path string) ([]PageImage, error) {
	pdfCtx, err := p.open(path)
	if err != nil {
		return nil, err
	}

	var out []PageImage
	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrap(err, "extract: page images")
		}
		imgs, err := pdfcpu.ExtractPageImages(pdfCtx, pageNr, false)
		if err != nil {
			zap.L().Warn("extract: list page images", zap.Int("page", pageNr), zap.Error(err))
			continue
		}

		objNrs := make([]int, 0, len(imgs))
		for nr := range imgs {
			objNrs = append(objNrs, nr)
		}
		sort.Ints(objNrs)

		for i, nr := range objNrs {
			img := imgs[nr]
			data, err := io.ReadAll(img)
			if err != nil {
				zap.L().Warn("extract: read image", zap.Int("page", pageNr), zap.Int("obj", nr), zap.Error(err))
				continue
			}
			out = append(out, PageImage{
				Page:     pageNr,
				Index:    i + 1,
				Width:    img.Width,
				Height:   img.Height,
				FileType: img.FileType,
				Decode:   decoder(data),
			})
		}
	}
	return out, nil
}

func decoder(data []byte) func() (image.Image, error) {
	return func() (image.Image, error) {
		img, _, err := image.Decode(bytes.NewReader(data))
		if err != nil {
			return nil, eris.Wrap(err, "extract: decode image")
		}
		return img, nil
	}
}
