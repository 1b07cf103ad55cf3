package media

import (
	"path/filepath"
	"regexp"
	"slices"
	"strings"

	"github.com/h2non/filetype"
	"github.com/h2non/filetype/types"
)

// Format is an image format the pipeline knows how to decode.
type Format int

const (
	FormatUnknown Format = iota
	FormatJPEG
	FormatPNG
	FormatWebP
	FormatHEIC
)

// String returns the upper-case name of the format.
func (f Format) String() string {
	switch f {
	case FormatJPEG:
		return "JPEG"
	case FormatPNG:
		return "PNG"
	case FormatWebP:
		return "WEBP"
	case FormatHEIC:
		return "HEIC"
	default:
		return "UNKNOWN"
	}
}

// MIME returns the canonical MIME type of the format.
func (f Format) MIME() string {
	switch f {
	case FormatJPEG:
		return MIMEJPEG
	case FormatPNG:
		return MIMEPNG
	case FormatWebP:
		return MIMEWebP
	case FormatHEIC:
		return MIMEHEIC
	default:
		return ""
	}
}

const (
	MIMEJPEG = "image/jpeg"
	MIMEPNG  = "image/png"
	MIMEWebP = "image/webp"
	MIMEHEIC = "image/heic"
	MIMEHEIF = "image/heif"
)

var supportedMIMEs = []string{
	MIMEJPEG,
	"image/jpg",
	MIMEPNG,
	MIMEWebP,
	MIMEHEIC,
	MIMEHEIF,
}

var supportedExtensions = []string{".jpg", ".jpeg", ".png", ".webp", ".heic", ".heif"}

// Classification is the outcome of Classify.
type Classification struct {
	Supported           bool
	NeedsHEICConversion bool
}

// Classify decides whether a file is a supported image and whether it must
// go through HEIC normalization first. MIME and extension are OR-ed: either
// signal alone is enough, since HEIC files are often reported with an empty
// or generic MIME type.
func Classify(mime, name string) Classification {
	mime = strings.ToLower(strings.TrimSpace(mime))
	ext := Extension(name)

	return Classification{
		Supported:           slices.Contains(supportedMIMEs, mime) || slices.Contains(supportedExtensions, ext),
		NeedsHEICConversion: mime == MIMEHEIC || mime == MIMEHEIF || ext == ".heic" || ext == ".heif",
	}
}

// Resolve picks the decoder key for a file that has already been through
// HEIC normalization. Only JPEG, PNG and WebP resolve; everything else is
// FormatUnknown.
func Resolve(mime, name string) Format {
	mime = strings.ToLower(strings.TrimSpace(mime))
	ext := Extension(name)

	switch {
	case mime == MIMEJPEG || mime == "image/jpg" || ext == ".jpg" || ext == ".jpeg":
		return FormatJPEG
	case mime == MIMEPNG || ext == ".png":
		return FormatPNG
	case mime == MIMEWebP || ext == ".webp":
		return FormatWebP
	default:
		return FormatUnknown
	}
}

// Extension returns the lower-cased extension of name including the dot.
func Extension(name string) string {
	return strings.ToLower(filepath.Ext(name))
}

var lastExtension = regexp.MustCompile(`\.[^./\\]*$`)

// ReplaceExtension swaps the last extension of name for ext. A name without
// an extension gets ext appended.
func ReplaceExtension(name, ext string) string {
	if !lastExtension.MatchString(name) {
		return name + ext
	}
	return lastExtension.ReplaceAllString(name, ext)
}

// Sniff returns the MIME type detected from the magic bytes of data, or an
// empty string when the content is not recognised.
func Sniff(data []byte) string {
	head := data
	if len(head) > 261 {
		head = head[:261]
	}
	kind, err := filetype.Match(head)
	if err != nil || kind == types.Unknown {
		return ""
	}
	return kind.MIME.Value
}
