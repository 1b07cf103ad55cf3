// Package batch compresses every supported image under a directory on a
// bounded pool, one facade per worker slot.
package batch

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"photo-prep-go/internal/apperrors"
	"photo-prep-go/internal/compressor"
	"photo-prep-go/internal/config"
	"photo-prep-go/internal/logger"
	"photo-prep-go/internal/media"
	"photo-prep-go/internal/statistics"

	"github.com/alitto/pond/v2"
	"github.com/sirupsen/logrus"
)

// LogHookFunc receives user-facing log lines, e.g. for a WebSocket feed.
type LogHookFunc func(level, message string)

// CompressorFactory builds one facade for a worker slot.
type CompressorFactory func() compressor.Compressor

// FileInfo contains information about a file to be compressed.
type FileInfo struct {
	Path    string
	RelPath string
	Size    int64
	ModTime time.Time
	MIME    string

	// Set by planOutputs.
	OutputPath string
	Renamed    bool
	Conflict   error
}

// FileResult is the outcome for one discovered file.
type FileResult struct {
	Path       string
	OutputPath string
	Result     *compressor.Result
	Skipped    bool
	Renamed    bool
	Err        error
}

// Summary aggregates a batch run. Renamed counts outputs that got a
// format suffix because another input mapped to the same name; they are
// also counted as succeeded, failed or skipped.
type Summary struct {
	Files     []FileResult
	Succeeded int
	Failed    int
	Skipped   int
	Renamed   int
}

// Runner compresses directories.
type Runner struct {
	config   *config.Config
	logger   logrus.FieldLogger
	stats    *statistics.Statistics
	workers  int
	facades  chan compressor.Compressor
	logHook  LogHookFunc
	defaults compressor.Options
}

// NewRunner returns a Runner with cfg.Batch.WorkerThreads facades built by
// newCompressor. logHook may be nil.
func NewRunner(
	cfg *config.Config,
	logger logrus.FieldLogger,
	stats *statistics.Statistics,
	newCompressor CompressorFactory,
	logHook LogHookFunc,
) *Runner {
	workers := cfg.Batch.WorkerThreads
	if workers <= 0 {
		workers = 4
	}
	facades := make(chan compressor.Compressor, workers)
	for i := 0; i < workers; i++ {
		facades <- newCompressor()
	}
	return &Runner{
		config:  cfg,
		logger:  logger,
		stats:   stats,
		workers: workers,
		facades: facades,
		logHook: logHook,
		defaults: compressor.Options{
			TargetSizeBytes: cfg.Compression.TargetSizeBytes,
			MaxDimension:    cfg.Compression.MaxDimension,
		},
	}
}

// Run compresses every supported image under sourceDir. Outputs keep the
// relative layout below the configured output directory.
func (r *Runner) Run(ctx context.Context, sourceDir string) (*Summary, error) {
	log := logger.WithOperation(r.logger, "batch")
	log.Infof("Starting batch compression of %s", sourceDir)
	r.stats.Start()
	defer r.stats.Finalize()

	outDir := r.config.GetOutputDirectory(sourceDir)

	files, err := r.discoverFiles(sourceDir, outDir)
	if err != nil {
		return nil, fmt.Errorf("failed to discover files: %w", err)
	}
	if len(files) == 0 {
		log.Info("No supported images found")
		return &Summary{}, nil
	}
	log.Infof("Found %d images to process", len(files))

	files = planOutputs(files, outDir)

	pool := pond.NewResultPool[FileResult](r.workers, pond.WithContext(ctx))
	defer pool.StopAndWait()

	group := pool.NewGroup()
	for _, file := range files {
		group.Submit(func() FileResult {
			return r.processFile(ctx, file)
		})
	}

	results, err := group.Wait()
	if err != nil {
		return nil, fmt.Errorf("batch interrupted: %w", err)
	}

	summary := &Summary{Files: results}
	for _, res := range results {
		if res.Renamed {
			summary.Renamed++
		}
		switch {
		case res.Skipped:
			summary.Skipped++
		case res.Err != nil:
			summary.Failed++
		default:
			summary.Succeeded++
		}
	}
	log.Infof("Batch compression completed: %d compressed, %d failed, %d skipped, %d renamed",
		summary.Succeeded, summary.Failed, summary.Skipped, summary.Renamed)
	return summary, nil
}

// discoverFiles finds all supported images below sourceDir. outDir is
// not descended into when it lies inside sourceDir.
func (r *Runner) discoverFiles(sourceDir, outDir string) ([]FileInfo, error) {
	var files []FileInfo
	outKey := pathKey(outDir)

	err := filepath.WalkDir(sourceDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			r.logger.Warnf("Error accessing path %s: %v", path, err)
			return nil
		}
		if d.IsDir() {
			if path != sourceDir && pathKey(path) == outKey {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		mime, err := sniffFile(path)
		if err != nil {
			r.logger.Warnf("Could not read %s: %v", path, err)
			return nil
		}
		if !media.Classify(mime, d.Name()).Supported {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		files = append(files, FileInfo{
			Path:    path,
			RelPath: rel,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			MIME:    mime,
		})
		r.stats.IncrementDiscovered()
		return nil
	})

	return files, err
}

func sniffFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 261)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return media.Sniff(head[:n]), nil
}

// outputPath returns where the WebP for file is written.
func outputPath(outDir string, file FileInfo) string {
	return filepath.Join(outDir, media.ReplaceExtension(file.RelPath, ".webp"))
}

// suffixedOutputPath keeps the source extension in the name, so that
// trip.jpg and trip.png become trip_jpg.webp and trip_png.webp.
func suffixedOutputPath(outDir string, file FileInfo) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(file.RelPath)), ".")
	stem := strings.TrimSuffix(file.RelPath, filepath.Ext(file.RelPath))
	return filepath.Join(outDir, stem+"_"+ext+".webp")
}

// pathKey compares paths the way a case-insensitive filesystem would.
func pathKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return strings.ToLower(filepath.Clean(path))
}

// planOutputs assigns every file a distinct output path that is never a
// source file. Inputs sharing an output name are renamed with their
// format as suffix; whatever still collides gets a Conflict.
func planOutputs(files []FileInfo, outDir string) []FileInfo {
	sources := make(map[string]bool, len(files))
	for _, f := range files {
		sources[pathKey(f.Path)] = true
	}

	claims := make(map[string]int, len(files))
	for i := range files {
		files[i].OutputPath = outputPath(outDir, files[i])
		claims[pathKey(files[i].OutputPath)]++
	}

	for i := range files {
		key := pathKey(files[i].OutputPath)
		if claims[key] > 1 || sources[key] {
			files[i].OutputPath = suffixedOutputPath(outDir, files[i])
			files[i].Renamed = true
		}
	}

	final := make(map[string]int, len(files))
	for _, f := range files {
		final[pathKey(f.OutputPath)]++
	}
	for i := range files {
		key := pathKey(files[i].OutputPath)
		if final[key] > 1 || sources[key] {
			files[i].Conflict = apperrors.Newf(apperrors.KindValidation,
				"Output %s collides with another input", files[i].OutputPath)
		}
	}
	return files
}

// processFile compresses a single file on a borrowed facade.
func (r *Runner) processFile(ctx context.Context, file FileInfo) FileResult {
	res := FileResult{Path: file.Path, OutputPath: file.OutputPath, Renamed: file.Renamed}
	log := r.logger.WithField("file", file.RelPath)

	if file.Conflict != nil {
		res.Err = file.Conflict
		r.stats.RecordFailure(file.Path, string(apperrors.KindOf(file.Conflict)), file.Conflict.Error())
		r.emit("error", fmt.Sprintf("Not compressing %s: %v", file.Path, file.Conflict))
		return res
	}
	if file.Renamed {
		r.emit("warn", fmt.Sprintf("Output name of %s is shared with another input, writing %s",
			file.RelPath, filepath.Base(res.OutputPath)))
	}

	if r.config.Batch.SkipExisting {
		if _, err := os.Stat(res.OutputPath); err == nil {
			log.Debugf("Skipping, output exists: %s", res.OutputPath)
			r.stats.IncrementSkipped()
			res.Skipped = true
			return res
		}
	}

	if r.config.Batch.DryRun {
		r.emit("info", fmt.Sprintf("DRY-RUN: Would compress %s -> %s", file.Path, res.OutputPath))
		r.stats.IncrementSkipped()
		res.Skipped = true
		return res
	}

	src, err := media.ReadFile(file.Path)
	if err != nil {
		res.Err = err
		r.emit("error", fmt.Sprintf("Could not read %s: %v", file.Path, err))
		return res
	}
	if src.MIME == "" {
		src.MIME = file.MIME
	}

	facade := <-r.facades
	defer func() { r.facades <- facade }()

	opts := r.defaults
	opts.OnProgress = func(step string, progress int) {
		log.Debugf("%s (%d%%)", step, progress)
	}
	result, err := facade.Compress(ctx, src, opts)
	if err != nil {
		res.Err = err
		r.emit("error", fmt.Sprintf("Failed to compress %s: %v", file.Path, err))
		return res
	}
	res.Result = result

	if err := result.CompressedFile.WritePath(res.OutputPath); err != nil {
		res.Err = err
		r.emit("error", fmt.Sprintf("Could not write %s: %v", res.OutputPath, err))
		return res
	}

	r.emit("info", fmt.Sprintf("Compressed %s -> %s (%s -> %s)",
		file.RelPath, filepath.Base(res.OutputPath),
		statistics.FormatFileSize(result.OriginalSize),
		statistics.FormatFileSize(result.CompressedSize)))
	return res
}

func (r *Runner) emit(level, message string) {
	switch level {
	case "error":
		r.logger.Error(message)
	case "warn":
		r.logger.Warn(message)
	default:
		r.logger.Info(message)
	}
	if r.logHook != nil {
		r.logHook(level, message)
	}
}
