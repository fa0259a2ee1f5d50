package imageproc

import (
	"bytes"
	"fmt"
	"image"

	"github.com/disintegration/imaging"

	// Register the WebP decoder; jpeg/png/gif come in with imaging.
	_ "golang.org/x/image/webp"
)

// Normalizer converts arbitrary decodable images into the canonical
// stored form: opaque RGB, bounded dimensions, JPEG encoding.
type Normalizer struct {
	// JPEGQuality is the re-encode quality, 1-100.
	JPEGQuality int
}

// Normalize decodes data, flattens transparency, scales the image down so
// neither dimension exceeds maxDim (never up), and re-encodes as JPEG.
// The returned format is always FormatJPEG on success. Undecodable input
// is reported as an error, never a panic.
func (n Normalizer) Normalize(data []byte, maxDim int) ([]byte, Format, error) {
	src, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("decode image: %w", err)
	}

	img := flattenOpaque(src)

	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w > maxDim || h > maxDim {
		nw, nh := boundedSize(w, h, maxDim)
		img = imaging.Resize(img, nw, nh, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.JPEGQuality)); err != nil {
		return nil, "", fmt.Errorf("encode jpeg: %w", err)
	}
	return buf.Bytes(), FormatJPEG, nil
}

// boundedSize scales (w, h) so the longer side equals maxDim, truncating
// the short side to an integer.
func boundedSize(w, h, maxDim int) (int, int) {
	if w > h {
		return maxDim, max(h*maxDim/w, 1)
	}
	return max(w*maxDim/h, 1), maxDim
}

// flattenOpaque strips transparency by forcing every pixel fully opaque.
// The alpha channel is discarded outright, not composited against a
// background, so translucent pixels keep their straight RGB values.
func flattenOpaque(src image.Image) *image.NRGBA {
	img := imaging.Clone(src)
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 0xff
	}
	return img
}
