// Package imageproc normalizes untrusted image bytes: it sniffs the real
// format from magic bytes, decodes, flattens transparency, bounds the
// dimensions, and re-encodes to a canonical JPEG.
package imageproc

import "bytes"

// Format identifies an image format from the closed set the service
// understands.
type Format string

// The canonical format tags.
const (
	FormatJPEG Format = "jpeg"
	FormatPNG  Format = "png"
	FormatGIF  Format = "gif"
	FormatWEBP Format = "webp"
)

// Extension returns the on-disk file extension for the format.
func (f Format) Extension() string {
	if f == FormatJPEG {
		return "jpg"
	}
	return string(f)
}

// MediaType returns the MIME type for the format.
func (f Format) MediaType() string {
	return "image/" + string(f)
}

// KnownExtensions lists stored-file extensions in resolve preference order.
var KnownExtensions = []string{"jpg", "png", "gif", "webp"}

// MediaTypeForExtension maps a stored-file extension to its MIME type,
// defaulting to image/jpeg for anything unrecognized.
func MediaTypeForExtension(ext string) string {
	switch ext {
	case "jpg", "jpeg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	}
	return "image/jpeg"
}

// signature pairs a format with its magic-byte matcher. Matchers run in
// order; the first hit wins.
type signature struct {
	format Format
	match  func([]byte) bool
}

var signatures = []signature{
	{FormatPNG, func(b []byte) bool {
		return bytes.HasPrefix(b, []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'})
	}},
	{FormatJPEG, func(b []byte) bool {
		return bytes.HasPrefix(b, []byte{0xff, 0xd8})
	}},
	{FormatGIF, func(b []byte) bool {
		return bytes.HasPrefix(b, []byte("GIF87a")) || bytes.HasPrefix(b, []byte("GIF89a"))
	}},
	{FormatWEBP, func(b []byte) bool {
		return len(b) >= 12 && bytes.Equal(b[:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP"))
	}},
}

// DetectFormat sniffs the format from leading magic bytes. Unrecognized
// content deliberately falls back to jpeg rather than erroring; the
// decoder is the real arbiter of validity.
func DetectFormat(data []byte) Format {
	for _, sig := range signatures {
		if sig.match(data) {
			return sig.format
		}
	}
	return FormatJPEG
}

// DetectMediaType sniffs the MIME type of raw image bytes.
func DetectMediaType(data []byte) string {
	return DetectFormat(data).MediaType()
}
