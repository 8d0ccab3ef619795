package ocr

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Binarization parameters for scanned tariff tables.
const (
	ThresholdBlockSize = 11
	ThresholdOffset    = 2
	ThresholdMaxValue  = 255
	ClosingKernel      = 1
)

// Preprocess converts img to a binary bitmap ready for recognition:
// grayscale, Gaussian adaptive threshold, then morphological closing.
func Preprocess(img image.Image) *image.Gray {
	gray := Grayscale(img)
	bin := AdaptiveThreshold(gray, ThresholdBlockSize, ThresholdOffset, ThresholdMaxValue)
	return Close(bin, ClosingKernel)
}

// Grayscale converts img to 8-bit luma with origin (0,0).
func Grayscale(img image.Image) *image.Gray {
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	return dst
}

// AdaptiveThreshold sets a pixel to maxValue when it is brighter than the
// Gaussian-weighted mean of its blockSize×blockSize neighbourhood minus c,
// and to 0 otherwise. Borders replicate the edge pixels.
func AdaptiveThreshold(src *image.Gray, blockSize, c int, maxValue uint8) *image.Gray {
	if blockSize < 3 || blockSize%2 == 0 {
		blockSize = ThresholdBlockSize
	}
	mean := gaussianBlur(src, blockSize)

	b := src.Bounds()
	dst := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := src.PixOffset(x, y)
			if int(src.Pix[i])-int(mean.Pix[i]) > -c {
				dst.Pix[i] = maxValue
			}
		}
	}
	return dst
}

// gaussianKernel returns normalized weights for a ksize-tap kernel using the
// sigma that OpenCV derives from the size.
func gaussianKernel(ksize int) []float64 {
	sigma := 0.3*(float64(ksize-1)*0.5-1) + 0.8
	half := ksize / 2
	k := make([]float64, ksize)
	var sum float64
	for i := range k {
		d := float64(i - half)
		k[i] = math.Exp(-(d * d) / (2 * sigma * sigma))
		sum += k[i]
	}
	for i := range k {
		k[i] /= sum
	}
	return k
}

func gaussianBlur(src *image.Gray, ksize int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	k := gaussianKernel(ksize)
	half := ksize / 2

	at := func(x, y int) float64 {
		x = clamp(x, 0, w-1)
		y = clamp(y, 0, h-1)
		return float64(src.Pix[src.PixOffset(b.Min.X+x, b.Min.Y+y)])
	}

	// Separable pass: horizontal into tmp, vertical into dst.
	tmp := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i, wt := range k {
				acc += wt * at(x+i-half, y)
			}
			tmp[y*w+x] = acc
		}
	}

	dst := image.NewGray(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc float64
			for i, wt := range k {
				yy := clamp(y+i-half, 0, h-1)
				acc += wt * tmp[yy*w+x]
			}
			dst.Pix[dst.PixOffset(b.Min.X+x, b.Min.Y+y)] = uint8(clamp(int(math.Round(acc)), 0, 255))
		}
	}
	return dst
}

// Close applies a morphological closing (dilation then erosion) with a
// k×k square kernel. k <= 1 returns a copy.
func Close(src *image.Gray, k int) *image.Gray {
	if k <= 1 {
		dst := image.NewGray(src.Bounds())
		copy(dst.Pix, src.Pix)
		return dst
	}
	return morph(morph(src, k, true), k, false)
}

func morph(src *image.Gray, k int, dilate bool) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(b)
	lo, hi := -(k / 2), k-k/2-1
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := src.GrayAt(x, y).Y
			for dy := lo; dy <= hi; dy++ {
				for dx := lo; dx <= hi; dx++ {
					p := image.Pt(x+dx, y+dy)
					if !p.In(b) {
						continue
					}
					n := src.GrayAt(p.X, p.Y).Y
					if (dilate && n > v) || (!dilate && n < v) {
						v = n
					}
				}
			}
			dst.SetGray(x, y, color.Gray{Y: v})
		}
	}
	return dst
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
