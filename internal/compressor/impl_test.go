package compressor

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/config"
	"photo-prep-go/internal/heic"
	"photo-prep-go/internal/logger"
	"photo-prep-go/internal/media"
	"photo-prep-go/internal/pipeline"
	"photo-prep-go/internal/statistics"
	"photo-prep-go/internal/worker"

	chaiwebp "github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	xwebp "golang.org/x/image/webp"
)

type progressEvent struct {
	step     string
	progress int
}

type recorder struct {
	events []progressEvent
}

func (r *recorder) report(step string, progress int) {
	r.events = append(r.events, progressEvent{step, progress})
}

func (r *recorder) assertNonDecreasing(t *testing.T) {
	t.Helper()
	for i := 1; i < len(r.events); i++ {
		assert.GreaterOrEqual(t, r.events[i].progress, r.events[i-1].progress, "event %d: %+v", i, r.events[i])
	}
}

func gradient(w, h int) *image.NRGBA {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetNRGBA(x, y, color.NRGBA{R: uint8(x * 255 / w), G: uint8(y * 255 / h), B: 128, A: 255})
		}
	}
	return img
}

func jpegFile(t *testing.T, name string, w, h int) *media.File {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, gradient(w, h), &jpeg.Options{Quality: 85}))
	return media.NewFile(name, media.MIMEJPEG, buf.Bytes())
}

// countingFactory wraps the real goroutine worker and counts spawns.
func countingFactory(spawned *atomic.Int32) worker.Factory {
	inner := worker.NewFactory(pipeline.New(nil, pipeline.DefaultSearch, logger.Discard()), logger.Discard())
	return func() (worker.Worker, error) {
		spawned.Add(1)
		return inner()
	}
}

func newTestCompressor(factory worker.Factory, normalizer Normalizer, stats *statistics.Statistics) *DefaultCompressor {
	cfg := config.DefaultConfig().Compression
	host := worker.NewHost(factory, cfg.Timeout, logger.Discard())
	if normalizer == nil {
		normalizer = heic.NewNormalizer(cfg.HEICQuality)
	}
	return NewWithRunner(host, normalizer, cfg, logger.Discard(), stats)
}

func TestCompressLargeJPEG(t *testing.T) {
	var spawned atomic.Int32
	stats := statistics.NewStatistics()
	c := newTestCompressor(countingFactory(&spawned), nil, stats)
	in := jpegFile(t, "holiday.jpg", 4000, 3000)

	rec := &recorder{}
	res, err := c.Compress(context.Background(), in, Options{OnProgress: rec.report})
	require.NoError(t, err)

	assert.Equal(t, int32(1), spawned.Load())
	assert.Equal(t, "holiday.webp", res.CompressedFile.Name)
	assert.Equal(t, media.MIMEWebP, res.CompressedFile.MIME)
	assert.LessOrEqual(t, res.CompressedSize, DefaultTargetSize)
	assert.True(t, res.TargetMet)
	assert.Equal(t, 2160, res.Width)
	assert.Equal(t, 1620, res.Height)
	assert.Equal(t, in.Size(), res.OriginalSize)
	assert.InDelta(t, float64(res.OriginalSize)/float64(res.CompressedSize), res.CompressionRatio, 1e-9)

	cfg, err := xwebp.DecodeConfig(bytes.NewReader(res.CompressedFile.Data))
	require.NoError(t, err)
	assert.Equal(t, 2160, cfg.Width)
	assert.Equal(t, 1620, cfg.Height)

	require.NotEmpty(t, rec.events)
	assert.Equal(t, progressEvent{"Starting compression...", 0}, rec.events[0])
	assert.Equal(t, progressEvent{"Complete!", 100}, rec.events[len(rec.events)-1])
	assert.Contains(t, rec.events, progressEvent{"Resizing image...", 35})
	rec.assertNonDecreasing(t)

	assert.Equal(t, int64(1), stats.GetSucceeded())
	assert.Equal(t, int64(1), stats.Resized)
	assert.False(t, c.IsCompressing())
}

func TestCompressHEICGoesThroughJPEG(t *testing.T) {
	var decoded atomic.Int32
	normalizer := heic.NewNormalizerWithDecoder(90, func(io.Reader) (image.Image, error) {
		decoded.Add(1)
		return gradient(3000, 2000), nil
	})
	var spawned atomic.Int32
	stats := statistics.NewStatistics()
	c := newTestCompressor(countingFactory(&spawned), normalizer, stats)

	rec := &recorder{}
	in := media.NewFile("IMG_0042.HEIC", "", []byte("ftypheic-not-really"))
	res, err := c.Compress(context.Background(), in, Options{OnProgress: rec.report})
	require.NoError(t, err)

	assert.Equal(t, int32(1), decoded.Load())
	assert.Equal(t, "IMG_0042.webp", res.CompressedFile.Name)
	assert.Equal(t, media.MIMEWebP, res.CompressedFile.MIME)
	assert.Equal(t, 2160, res.Width)
	assert.Equal(t, 1440, res.Height)
	assert.Equal(t, in.Size(), res.OriginalSize)

	require.NotEmpty(t, rec.events)
	assert.Equal(t, progressEvent{"Converting HEIC format...", 10}, rec.events[0])
	// the worker starts at 0 but progress never moves backwards
	assert.Equal(t, progressEvent{"Starting compression...", 10}, rec.events[1])
	assert.Equal(t, progressEvent{"Complete!", 100}, rec.events[len(rec.events)-1])
	rec.assertNonDecreasing(t)

	assert.Equal(t, int64(1), stats.HEICConverted)
}

func TestCompressHEICConversionFailure(t *testing.T) {
	var spawned atomic.Int32
	normalizer := heic.NewNormalizerWithDecoder(90, func(io.Reader) (image.Image, error) {
		return nil, errors.New("no primary item")
	})
	c := newTestCompressor(countingFactory(&spawned), normalizer, nil)

	_, err := c.Compress(context.Background(), media.NewFile("x.heif", media.MIMEHEIF, []byte{1}), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindConversion))
	assert.Contains(t, err.Error(), "HEIC conversion failed: ")
	assert.Contains(t, err.Error(), "no primary item")
	assert.Equal(t, int32(0), spawned.Load())
	assert.False(t, c.IsCompressing())
}

func TestCompressSmallWebPShortCircuits(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, chaiwebp.Encode(&buf, gradient(64, 64), &chaiwebp.Options{Quality: 80}))
	in := media.NewFile("avatar.webp", media.MIMEWebP, buf.Bytes())

	var spawned atomic.Int32
	stats := statistics.NewStatistics()
	c := newTestCompressor(countingFactory(&spawned), nil, stats)

	rec := &recorder{}
	res, err := c.Compress(context.Background(), in, Options{OnProgress: rec.report})
	require.NoError(t, err)

	assert.Equal(t, int32(0), spawned.Load())
	assert.True(t, res.ShortCircuited)
	assert.Equal(t, in.Data, res.CompressedFile.Data)
	assert.Equal(t, "avatar.webp", res.CompressedFile.Name)
	assert.Equal(t, 1.0, res.CompressionRatio)
	assert.Equal(t, []progressEvent{{"Complete - no compression needed", 100}}, rec.events)
	assert.Equal(t, int64(1), stats.ShortCircuited)
}

func TestCompressValidation(t *testing.T) {
	tests := []struct {
		name    string
		file    *media.File
		message string
	}{
		{"nil file", nil, "No file provided"},
		{"text file", media.NewFile("notes.txt", "text/plain", []byte("hello")), "Unsupported file format. Supported formats: JPEG, PNG, WebP, HEIC"},
		{"gif", media.NewFile("anim.gif", "image/gif", []byte("GIF89a")), "Unsupported file format. Supported formats: JPEG, PNG, WebP, HEIC"},
		{"empty", media.NewFile("empty.png", media.MIMEPNG, nil), "File is empty"},
		{"too large", media.NewFile("huge.jpg", media.MIMEJPEG, make([]byte, MaxInputSize+1)), "File too large. Maximum size: 50MB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var spawned atomic.Int32
			stats := statistics.NewStatistics()
			c := newTestCompressor(countingFactory(&spawned), nil, stats)

			_, err := c.Compress(context.Background(), tt.file, Options{})
			require.Error(t, err)
			assert.True(t, apperrors.Is(err, apperrors.KindValidation))
			assert.Equal(t, tt.message, err.Error())
			assert.Equal(t, int32(0), spawned.Load(), "no worker may be created for invalid input")
			assert.False(t, c.IsCompressing())
			assert.Equal(t, int64(1), stats.GetFailed())
		})
	}
}

type blockingRunner struct {
	started chan struct{}
	release chan struct{}
}

func (r *blockingRunner) Run(context.Context, pipeline.Job, pipeline.ProgressFunc) (*pipeline.Output, error) {
	close(r.started)
	<-r.release
	return &pipeline.Output{
		File:      media.NewFile("a.webp", media.MIMEWebP, []byte("small")),
		TargetMet: true,
	}, nil
}

func TestCompressRejectsConcurrentCall(t *testing.T) {
	runner := &blockingRunner{started: make(chan struct{}), release: make(chan struct{})}
	c := NewWithRunner(runner, heic.NewNormalizer(90), config.DefaultConfig().Compression, logger.Discard(), nil)

	a, b := jpegFile(t, "a.jpg", 8, 8), jpegFile(t, "b.jpg", 8, 8)
	first := make(chan error, 1)
	go func() {
		_, err := c.Compress(context.Background(), a, Options{})
		first <- err
	}()
	<-runner.started
	assert.True(t, c.IsCompressing())

	start := time.Now()
	_, err := c.Compress(context.Background(), b, Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindConcurrency))
	assert.Equal(t, "Compression already in progress", err.Error())
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	close(runner.release)
	require.NoError(t, <-first)
	assert.False(t, c.IsCompressing())
}

func TestCompressTimeoutClearsBusyFlag(t *testing.T) {
	var terminated atomic.Int32
	host := worker.NewHost(func() (worker.Worker, error) {
		return &stuckWorker{messages: make(chan worker.Message), terminated: &terminated}, nil
	}, 100*time.Millisecond, logger.Discard())
	c := NewWithRunner(host, heic.NewNormalizer(90), config.DefaultConfig().Compression, logger.Discard(), nil)

	_, err := c.Compress(context.Background(), jpegFile(t, "slow.jpg", 8, 8), Options{})
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.KindTimeout))
	assert.Equal(t, int32(1), terminated.Load())
	assert.False(t, c.IsCompressing())
}

type stuckWorker struct {
	messages   chan worker.Message
	terminated *atomic.Int32
}

func (w *stuckWorker) PostMessage(worker.Message)      {}
func (w *stuckWorker) Messages() <-chan worker.Message { return w.messages }
func (w *stuckWorker) Terminate()                      { w.terminated.Add(1) }

func TestOptionsDefaults(t *testing.T) {
	o := Options{}.withDefaults(Options{TargetSizeBytes: DefaultTargetSize, MaxDimension: DefaultMaxDimension})
	assert.Equal(t, int64(1048576), o.TargetSizeBytes)
	assert.Equal(t, 2160, o.MaxDimension)
	assert.NotNil(t, o.OnProgress)

	o = Options{TargetSizeBytes: 500, MaxDimension: 100}.withDefaults(Options{TargetSizeBytes: DefaultTargetSize, MaxDimension: DefaultMaxDimension})
	assert.Equal(t, int64(500), o.TargetSizeBytes)
	assert.Equal(t, 100, o.MaxDimension)
}

func TestMonotonicProgress(t *testing.T) {
	rec := &recorder{}
	report := monotonic(rec.report)
	report("a", 10)
	report("b", 0)
	report("c", 60)
	report("d", 35)

	assert.Equal(t, []progressEvent{{"a", 10}, {"b", 10}, {"c", 60}, {"d", 60}}, rec.events)
}
