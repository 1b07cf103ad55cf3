package compressor

import (
	"context"
	"fmt"
	"sync"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/config"
	"photo-prep-go/internal/heic"
	"photo-prep-go/internal/logger"
	"photo-prep-go/internal/media"
	"photo-prep-go/internal/pipeline"
	"photo-prep-go/internal/statistics"
	"photo-prep-go/internal/worker"

	"github.com/sirupsen/logrus"
)

const (
	stepConvertingHEIC = "Converting HEIC format..."
	stepNoCompression  = "Complete - no compression needed"

	progressConvertingHEIC = 10
)

// Normalizer converts a HEIC/HEIF file into a JPEG the decoders understand.
type Normalizer interface {
	Normalize(file *media.File) (*media.File, error)
}

// Runner executes one job off the calling goroutine.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job, onProgress pipeline.ProgressFunc) (*pipeline.Output, error)
}

// DefaultCompressor is the default implementation of the Compressor interface.
// It serves one call at a time.
type DefaultCompressor struct {
	mu   sync.Mutex
	busy bool

	runner        Runner
	normalizer    Normalizer
	defaults      Options
	maxInputBytes int64

	logger logrus.FieldLogger
	stats  *statistics.Statistics
}

// NewDefaultCompressor wires a goroutine worker host running the WebP
// pipeline and a goheif normalizer. stats may be nil.
func NewDefaultCompressor(cfg config.CompressionConfig, log logrus.FieldLogger, stats *statistics.Statistics) *DefaultCompressor {
	p := pipeline.New(pipeline.WebPEncoder{}, pipeline.DefaultSearch, log)
	host := worker.NewHost(worker.NewFactory(p, log), cfg.Timeout, log)
	return NewWithRunner(host, heic.NewNormalizer(cfg.HEICQuality), cfg, log, stats)
}

// NewWithRunner builds a compressor around the given runner and normalizer.
func NewWithRunner(runner Runner, normalizer Normalizer, cfg config.CompressionConfig, log logrus.FieldLogger, stats *statistics.Statistics) *DefaultCompressor {
	if log == nil {
		log = logger.Discard()
	}
	maxInput := cfg.MaxInputBytes
	if maxInput <= 0 {
		maxInput = MaxInputSize
	}
	return &DefaultCompressor{
		runner:     runner,
		normalizer: normalizer,
		defaults: Options{
			TargetSizeBytes: cfg.TargetSizeBytes,
			MaxDimension:    cfg.MaxDimension,
		}.withDefaults(Options{TargetSizeBytes: DefaultTargetSize, MaxDimension: DefaultMaxDimension}),
		maxInputBytes: maxInput,
		logger:        log,
		stats:         stats,
	}
}

// IsCompressing reports whether a call is in flight.
func (c *DefaultCompressor) IsCompressing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy
}

func (c *DefaultCompressor) acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.busy {
		return false
	}
	c.busy = true
	return true
}

func (c *DefaultCompressor) release() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

// Compress validates file, converts HEIC input, and either returns an
// already compliant WebP as is or runs the pixel pipeline on a worker.
func (c *DefaultCompressor) Compress(ctx context.Context, file *media.File, opts Options) (*Result, error) {
	if !c.acquire() {
		return nil, apperrors.New(apperrors.KindConcurrency, "Compression already in progress")
	}
	defer c.release()

	opts = opts.withDefaults(c.defaults)
	report := monotonic(opts.OnProgress)

	if c.stats != nil {
		c.stats.IncrementStarted()
	}

	res, err := c.compress(ctx, file, opts, report)
	if err != nil {
		c.fail(file, err)
		return nil, err
	}

	if c.stats != nil {
		c.stats.RecordSuccess(statistics.Outcome{
			OriginalSize:   res.OriginalSize,
			CompressedSize: res.CompressedSize,
			Attempts:       res.Attempts,
			Resized:        res.resized,
			TargetMet:      res.TargetMet,
			ShortCircuited: res.ShortCircuited,
			HEICConverted:  res.heic,
		})
	}
	logger.WithFile(c.logger, file.Name, file.Size()).Infof(
		"Compressed to %s (%.2fx, quality %d, %d attempts)",
		statistics.FormatFileSize(res.CompressedSize), res.CompressionRatio, res.Quality, res.Attempts)

	return res.Result, nil
}

type outcome struct {
	*Result
	resized bool
	heic    bool
}

func (c *DefaultCompressor) compress(ctx context.Context, file *media.File, opts Options, report pipeline.ProgressFunc) (*outcome, error) {
	if err := c.validate(file); err != nil {
		return nil, err
	}

	originalSize := file.Size()
	class := media.Classify(file.MIME, file.Name)
	processed := file

	if class.NeedsHEICConversion {
		report(stepConvertingHEIC, progressConvertingHEIC)
		converted, err := c.normalizer.Normalize(file)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.KindConversion, "HEIC conversion failed", err)
		}
		processed = converted
		c.logger.Debugf("Converted %s to %s (%d bytes)", file.Name, processed.Name, processed.Size())
	}

	if media.Resolve(processed.MIME, processed.Name) == media.FormatWebP && processed.Size() <= opts.TargetSizeBytes {
		report(stepNoCompression, 100)
		return &outcome{
			Result: &Result{
				CompressedFile:   processed,
				OriginalSize:     originalSize,
				CompressedSize:   processed.Size(),
				CompressionRatio: float64(originalSize) / float64(processed.Size()),
				TargetMet:        true,
				ShortCircuited:   true,
			},
		}, nil
	}

	out, err := c.runner.Run(ctx, pipeline.Job{
		File:            processed,
		TargetSizeBytes: opts.TargetSizeBytes,
		MaxDimension:    opts.MaxDimension,
	}, report)
	if err != nil {
		return nil, err
	}

	compressedSize := out.File.Size()
	return &outcome{
		Result: &Result{
			CompressedFile:   out.File,
			OriginalSize:     originalSize,
			CompressedSize:   compressedSize,
			CompressionRatio: float64(originalSize) / float64(compressedSize),
			Quality:          out.Quality,
			Attempts:         out.Attempts,
			TargetMet:        out.TargetMet,
			Width:            out.Width,
			Height:           out.Height,
		},
		resized: out.Resized,
		heic:    class.NeedsHEICConversion,
	}, nil
}

func (c *DefaultCompressor) validate(file *media.File) error {
	if file == nil {
		return apperrors.New(apperrors.KindValidation, "No file provided")
	}
	if !media.Classify(file.MIME, file.Name).Supported {
		return apperrors.New(apperrors.KindValidation, "Unsupported file format. Supported formats: JPEG, PNG, WebP, HEIC")
	}
	if file.Size() == 0 {
		return apperrors.New(apperrors.KindValidation, "File is empty")
	}
	if file.Size() > c.maxInputBytes {
		return apperrors.New(apperrors.KindValidation,
			fmt.Sprintf("File too large. Maximum size: %dMB", c.maxInputBytes/(1024*1024)))
	}
	return nil
}

func (c *DefaultCompressor) fail(file *media.File, err error) {
	name := ""
	var size int64
	if file != nil {
		name, size = file.Name, file.Size()
	}
	kind := apperrors.KindOf(err)
	logger.WithFile(c.logger, name, size).WithField("kind", kind).Errorf("Image compression failed: %v", err)
	if c.stats != nil {
		c.stats.RecordFailure(name, string(kind), err.Error())
	}
}

// monotonic forwards progress to fn, raising any value below the last one
// reported. The host delivers progress from a single goroutine.
func monotonic(fn pipeline.ProgressFunc) pipeline.ProgressFunc {
	last := 0
	return func(step string, progress int) {
		if progress < last {
			progress = last
		}
		last = progress
		fn(step, progress)
	}
}
