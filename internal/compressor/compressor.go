package compressor

import (
	"context"

	"photo-prep-go/internal/media"
	"photo-prep-go/internal/pipeline"
)

const (
	// DefaultTargetSize is the output budget when Options leaves it unset.
	DefaultTargetSize int64 = 1024 * 1024
	// DefaultMaxDimension bounds the longer edge of the output.
	DefaultMaxDimension = 2160
	// MaxInputSize is the largest accepted input.
	MaxInputSize int64 = 50 * 1024 * 1024
)

// Options controls a single compression. Zero values select the defaults.
type Options struct {
	TargetSizeBytes int64
	MaxDimension    int
	OnProgress      pipeline.ProgressFunc
}

func (o Options) withDefaults(d Options) Options {
	if o.TargetSizeBytes <= 0 {
		o.TargetSizeBytes = d.TargetSizeBytes
	}
	if o.MaxDimension <= 0 {
		o.MaxDimension = d.MaxDimension
	}
	if o.OnProgress == nil {
		o.OnProgress = func(string, int) {}
	}
	return o
}

// Result describes the outcome of compressing a single file.
type Result struct {
	CompressedFile   *media.File
	OriginalSize     int64
	CompressedSize   int64
	CompressionRatio float64
	Quality          int
	Attempts         int
	TargetMet        bool
	Width            int
	Height           int
	ShortCircuited   bool
}

// Compressor defines the interface for image compression.
type Compressor interface {
	// Compress turns file into a WebP bounded by opts. Failures are
	// *apperrors.Error values.
	Compress(ctx context.Context, file *media.File, opts Options) (*Result, error)
	// IsCompressing reports whether a call is in flight.
	IsCompressing() bool
}
