package extract

// Decoders for the raster formats pdfcpu hands back. JPEG 2000 has no Go
// decoder and those images fail to decode.
import (
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
)
