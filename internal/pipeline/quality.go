package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"

	"photo-prep-go/internal/apperrors"

	"github.com/chai2010/webp"
)

// Encoder encodes a raster at a given quality (0-100).
type Encoder interface {
	Encode(img image.Image, quality int) ([]byte, error)
}

// WebPEncoder is the default lossy WebP encoder.
type WebPEncoder struct{}

// Encode implements Encoder.
func (WebPEncoder) Encode(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, &webp.Options{Quality: float32(quality)}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// SearchParams drives the descending quality search.
type SearchParams struct {
	InitialQuality int
	QualityStep    int
	MaxAttempts    int
}

// DefaultSearch tries qualities 90, 80, ..., 20.
var DefaultSearch = SearchParams{InitialQuality: 90, QualityStep: 10, MaxAttempts: 8}

// SearchResult is the outcome of a quality search.
type SearchResult struct {
	Data      []byte
	Quality   int
	Attempts  int
	TargetMet bool
}

// CompressingStep is the progress label for one search attempt.
func CompressingStep(quality int) string {
	return fmt.Sprintf("Compressing (quality: %d%%)...", quality)
}

// Search encodes img at decreasing quality until the output fits in
// targetBytes. When every attempt overshoots, the smallest encoding is
// returned with TargetMet set to false.
func Search(ctx context.Context, img image.Image, targetBytes int64, enc Encoder, params SearchParams, report ProgressFunc) (*SearchResult, error) {
	var best *SearchResult
	quality := params.InitialQuality

	for attempt := 0; attempt < params.MaxAttempts && quality > 0; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, apperrors.Wrap(apperrors.KindCanceled, "Compression cancelled", err)
		}

		report(CompressingStep(quality), 60+attempt*5)

		data, err := enc.Encode(img, quality)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindEncode, "WebP encoding failed", err)
		}

		if best == nil || len(data) < len(best.Data) {
			best = &SearchResult{Data: data, Quality: quality}
		}
		best.Attempts = attempt + 1

		if int64(len(data)) <= targetBytes {
			return &SearchResult{Data: data, Quality: quality, Attempts: attempt + 1, TargetMet: true}, nil
		}
		quality -= params.QualityStep
	}

	if best == nil {
		return nil, apperrors.New(apperrors.KindEncode, "WebP encoding failed: no quality attempts configured")
	}
	return best, nil
}
