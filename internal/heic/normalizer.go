// Package heic converts HEIC/HEIF photos into baseline JPEGs that the
// decode stage of the pipeline understands.
package heic

import (
	"bytes"
	"fmt"
	"image"
	"io"
	"regexp"

	"photo-prep-go/internal/media"

	"github.com/adrium/goheif"
	"github.com/disintegration/imaging"
)

// DefaultQuality is the JPEG quality of the intermediate file (0.9).
const DefaultQuality = 90

// DecodeFunc decodes a HEIC stream into an image.
type DecodeFunc func(r io.Reader) (image.Image, error)

// Normalizer turns HEIC input into JPEG. It runs on the calling goroutine.
type Normalizer struct {
	quality int
	decode  DecodeFunc
}

// NewNormalizer returns a Normalizer backed by goheif.
func NewNormalizer(quality int) *Normalizer {
	return NewNormalizerWithDecoder(quality, goheif.Decode)
}

// NewNormalizerWithDecoder returns a Normalizer using a custom decoder.
func NewNormalizerWithDecoder(quality int, decode DecodeFunc) *Normalizer {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Normalizer{quality: quality, decode: decode}
}

var heicSuffix = regexp.MustCompile(`(?i)\.(heic|heif)$`)

// Normalize decodes file as HEIC and re-encodes it as JPEG. The returned
// file has its .heic/.heif extension rewritten to .jpg.
func (n *Normalizer) Normalize(file *media.File) (*media.File, error) {
	if file == nil {
		return nil, fmt.Errorf("no file to convert")
	}

	img, err := n.decode(bytes.NewReader(file.Data))
	if err != nil {
		return nil, fmt.Errorf("decode heic: %w", err)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.quality)); err != nil {
		return nil, fmt.Errorf("encode jpeg: %w", err)
	}

	return &media.File{
		Name: heicSuffix.ReplaceAllString(file.Name, ".jpg"),
		MIME: media.MIMEJPEG,
		Data: buf.Bytes(),
	}, nil
}
