package pipeline

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/media"

	"github.com/disintegration/imaging"
	"golang.org/x/image/webp"
)

type decodeFunc func(r io.Reader) (image.Image, error)

// decoders is the closed dispatch table of the decode stage. HEIC never
// reaches it; the facade normalizes HEIC to JPEG first.
var decoders = map[media.Format]decodeFunc{
	media.FormatJPEG: jpeg.Decode,
	media.FormatPNG:  png.Decode,
	media.FormatWebP: webp.Decode,
}

// Decode turns the file bytes into an RGBA raster.
func Decode(file *media.File) (*image.NRGBA, error) {
	format := media.Resolve(file.MIME, file.Name)
	decode, ok := decoders[format]
	if !ok {
		mime := file.MIME
		if mime == "" {
			mime = "unknown"
		}
		return nil, apperrors.Newf(apperrors.KindDecode, "Unsupported image format: %s", mime)
	}

	img, err := decode(bytes.NewReader(file.Data))
	if err != nil {
		return nil, apperrors.Wrap(apperrors.KindDecode, "Image decoding failed: "+format.String(), err)
	}

	if nrgba, ok := img.(*image.NRGBA); ok && nrgba.Rect.Min == (image.Point{}) {
		return nrgba, nil
	}
	return imaging.Clone(img), nil
}
