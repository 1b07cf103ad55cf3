// Package pipeline holds the pixel stages that run inside a compression
// worker: decode, resize and the WebP quality search.
package pipeline

import (
	"context"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/media"

	"github.com/sirupsen/logrus"
)

// Progress labels and percentages reported by the stages.
const (
	StepDecoding   = "Decoding image..."
	StepResizing   = "Resizing image..."
	StepFinalizing = "Finalizing..."

	ProgressDecoding   = 20
	ProgressResizing   = 35
	ProgressFinalizing = 95
)

// ProgressFunc receives a step label and a 0-100 percentage.
type ProgressFunc func(step string, progress int)

// Job is a single compression request handed to a worker.
type Job struct {
	File            *media.File
	TargetSizeBytes int64
	MaxDimension    int
}

// Output is what a successful run produces.
type Output struct {
	File      *media.File
	Quality   int
	Attempts  int
	TargetMet bool
	Resized   bool
	Width     int
	Height    int
}

// Pipeline runs decode, resize and quality search for one job.
type Pipeline struct {
	encoder Encoder
	search  SearchParams
	logger  logrus.FieldLogger
}

// New returns a Pipeline. A nil encoder selects WebPEncoder.
func New(encoder Encoder, search SearchParams, logger logrus.FieldLogger) *Pipeline {
	if encoder == nil {
		encoder = WebPEncoder{}
	}
	if search.MaxAttempts <= 0 {
		search = DefaultSearch
	}
	return &Pipeline{encoder: encoder, search: search, logger: logger}
}

// Run executes the stages in order. Errors are *apperrors.Error values.
func (p *Pipeline) Run(ctx context.Context, job Job, report ProgressFunc) (*Output, error) {
	if report == nil {
		report = func(string, int) {}
	}
	log := p.logger.WithFields(logrus.Fields{
		"file": job.File.Name,
		"size": job.File.Size(),
	})

	report(StepDecoding, ProgressDecoding)
	img, err := Decode(job.File)
	if err != nil {
		return nil, err
	}
	log.Debugf("Decoded %dx%d raster", img.Bounds().Dx(), img.Bounds().Dy())

	if err := ctx.Err(); err != nil {
		return nil, apperrors.Wrap(apperrors.KindCanceled, "Compression cancelled", err)
	}

	b := img.Bounds()
	resized := false
	if w, h := TargetDimensions(b.Dx(), b.Dy(), job.MaxDimension); w != b.Dx() || h != b.Dy() {
		report(StepResizing, ProgressResizing)
		log.Debugf("Resizing from %dx%d to %dx%d", b.Dx(), b.Dy(), w, h)
		img, resized = Resize(img, job.MaxDimension)
	}

	res, err := Search(ctx, img, job.TargetSizeBytes, p.encoder, p.search, report)
	if err != nil {
		return nil, err
	}
	if !res.TargetMet {
		log.WithField("target", job.TargetSizeBytes).
			Warnf("Quality search exhausted after %d attempts, keeping smallest result (%d bytes)", res.Attempts, len(res.Data))
	}

	report(StepFinalizing, ProgressFinalizing)

	return &Output{
		File: &media.File{
			Name: media.ReplaceExtension(job.File.Name, ".webp"),
			MIME: media.MIMEWebP,
			Data: res.Data,
		},
		Quality:   res.Quality,
		Attempts:  res.Attempts,
		TargetMet: res.TargetMet,
		Resized:   resized,
		Width:     img.Bounds().Dx(),
		Height:    img.Bounds().Dy(),
	}, nil
}
