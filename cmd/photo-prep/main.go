package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"photo-prep-go/internal/batch"
	"photo-prep-go/internal/compressor"
	"photo-prep-go/internal/config"
	"photo-prep-go/internal/extractor"
	"photo-prep-go/internal/logger"
	"photo-prep-go/internal/media"
	"photo-prep-go/internal/state"
	"photo-prep-go/internal/statistics"
	"photo-prep-go/internal/web"

	"github.com/barasher/go-exiftool"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	cfgFile      string
	outputDir    string
	targetSize   int64
	maxDimension int
	dryRun       bool
	verbose      bool
	quiet        bool
	port         int
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "photo-prep",
	Short: "Prepare photos for upload as size-bounded WebP images",
	Long: `photo-prep turns arbitrary photos (JPEG, PNG, WebP, HEIC) into WebP
images bounded in byte size and pixel dimensions.

Features:
- Converts HEIC/HEIF to an intermediate JPEG
- Downscales so the longer edge fits the configured maximum
- Searches WebP quality until the output fits the byte budget
- Leaves already compliant WebP files untouched
- Batch mode for whole directory trees
- Web interface with live progress over WebSocket`,
	SilenceUsage: true,
}

// compressCmd compresses a single file.
var compressCmd = &cobra.Command{
	Use:   "compress <file>",
	Short: "Compress a single image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runCompress(cmd.Context(), args[0])
	},
}

// batchCmd compresses every supported image below a directory.
var batchCmd = &cobra.Command{
	Use:   "batch <directory>",
	Short: "Compress every supported image in a directory tree",
	Long: `Walks the directory, compresses every JPEG, PNG, WebP and HEIC file and
writes the WebP results below the output directory, keeping the relative
layout. Existing outputs are skipped unless batch.skip_existing is false.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runBatch(cmd.Context(), args[0])
	},
}

// inspectCmd prints format, dimensions and camera metadata.
var inspectCmd = &cobra.Command{
	Use:   "inspect <file>",
	Short: "Show format, dimensions and EXIF metadata of an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runInspect(args[0])
	},
}

// serveCmd starts the web interface server.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API server",
	Long: `Starts an HTTP server exposing:
- POST /api/compress   multipart upload, returns the WebP body
- POST /api/inspect    multipart upload, returns metadata as JSON
- POST /api/batch      compress a server-side directory
- GET  /api/status     current compression state
- GET  /ws             live state and log feed`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable verbose logging")
	rootCmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress non-error output")

	for _, cmd := range []*cobra.Command{compressCmd, batchCmd} {
		cmd.Flags().StringVarP(&outputDir, "output", "o", "", "output directory (default: next to the input)")
		cmd.Flags().Int64Var(&targetSize, "target-size", 0, "maximum output size in bytes (default from config)")
		cmd.Flags().IntVar(&maxDimension, "max-dimension", 0, "maximum length of the longer edge (default from config)")
	}
	batchCmd.Flags().BoolVar(&dryRun, "dry-run", false, "list what would be compressed without writing anything")
	serveCmd.Flags().IntVar(&port, "port", 0, "port to run web server on (default from config)")

	rootCmd.AddCommand(compressCmd)
	rootCmd.AddCommand(batchCmd)
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(serveCmd)
}

// runCompress compresses one file and writes the result.
func runCompress(ctx context.Context, path string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	log := setupLogger(cfg)

	file, err := media.ReadFile(path)
	if err != nil {
		return err
	}

	stats := statistics.NewStatistics()
	c := compressor.NewDefaultCompressor(cfg.Compression, log, stats)

	res, err := c.Compress(ctx, file, compressor.Options{
		TargetSizeBytes: cfg.Compression.TargetSizeBytes,
		MaxDimension:    cfg.Compression.MaxDimension,
		OnProgress: func(step string, progress int) {
			if !quiet {
				fmt.Fprintf(os.Stderr, "\r[%3d%%] %-40s", progress, step)
			}
		},
	})
	if !quiet {
		fmt.Fprintln(os.Stderr)
	}
	if err != nil {
		return fmt.Errorf("compression failed: %w", err)
	}

	dir := outputDir
	if dir == "" {
		dir = filepath.Dir(path)
	}
	written, err := res.CompressedFile.WriteFile(dir)
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("Output:      %s\n", written)
		fmt.Printf("Size:        %s -> %s (%.2fx)\n",
			statistics.FormatFileSize(res.OriginalSize),
			statistics.FormatFileSize(res.CompressedSize),
			res.CompressionRatio)
		if res.ShortCircuited {
			fmt.Println("Already a WebP within budget, copied unchanged")
		} else {
			fmt.Printf("Dimensions:  %dx%d\n", res.Width, res.Height)
			fmt.Printf("Quality:     %d (%d attempts)\n", res.Quality, res.Attempts)
			if !res.TargetMet {
				fmt.Println("Warning: target size not reached, kept the smallest encoding")
			}
		}
	}
	return nil
}

// runBatch compresses a directory tree.
func runBatch(ctx context.Context, dir string) error {
	if !dirExists(dir) {
		return fmt.Errorf("source directory does not exist: %s", dir)
	}

	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if outputDir != "" {
		cfg.Batch.OutputDirectory = outputDir
	}
	if dryRun {
		cfg.Batch.DryRun = true
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	runner := batch.NewRunner(cfg, log, stats, func() compressor.Compressor {
		return compressor.NewDefaultCompressor(cfg.Compression, log, stats)
	}, nil)

	summary, err := runner.Run(ctx, dir)
	if err != nil {
		return fmt.Errorf("batch failed: %w", err)
	}

	if !quiet {
		fmt.Println("\n" + stats.GetSummary())
		if summary.Failed > 0 {
			fmt.Println("\n" + stats.GetErrorSummary())
		}
	}
	if summary.Failed > 0 {
		return fmt.Errorf("%d of %d files failed", summary.Failed, len(summary.Files))
	}
	return nil
}

// runInspect prints metadata for a given file.
func runInspect(path string) error {
	if !fileExists(path) {
		return fmt.Errorf("file does not exist: %s", path)
	}

	log := logrus.New()
	if verbose {
		log.SetLevel(logrus.DebugLevel)
	}
	inspector, closeInspector := newInspector(log)
	defer closeInspector()

	meta, err := inspector.InspectPath(path)
	if err != nil {
		return fmt.Errorf("inspect failed: %w", err)
	}

	fmt.Printf("File:        %s\n", meta.Name)
	fmt.Printf("Format:      %s (%s)\n", meta.Format, meta.MIME)
	fmt.Printf("Size:        %s\n", statistics.FormatFileSize(meta.Size))
	fmt.Printf("Supported:   %t\n", meta.Supported)
	if meta.NeedsHEICConversion {
		fmt.Println("HEIC:        converted to JPEG before compression")
	}
	if meta.Width > 0 {
		fmt.Printf("Dimensions:  %dx%d\n", meta.Width, meta.Height)
	}
	if meta.TakenAt != nil {
		fmt.Printf("Taken:       %s\n", meta.TakenAt.Format("2006-01-02 15:04:05"))
	}
	if meta.CameraMake != "" || meta.CameraModel != "" {
		fmt.Printf("Camera:      %s %s\n", meta.CameraMake, meta.CameraModel)
	}
	if meta.Orientation != 0 {
		fmt.Printf("Orientation: %d\n", meta.Orientation)
	}
	fmt.Printf("Metadata:    %s\n", meta.Source)
	return nil
}

// runServe starts the web server and handles graceful shutdown.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "CONFIG LOAD ERROR: %v\n", err)
		cfg = config.DefaultConfig()
	}
	if port == 0 {
		port = cfg.Server.Port
	}

	log := setupLogger(cfg)
	stats := statistics.NewStatistics()
	tracker := state.NewTracker(compressor.NewDefaultCompressor(cfg.Compression, log, stats), log)
	inspector, closeInspector := newInspector(log)
	defer closeInspector()
	server := web.NewServer(cfg, log, tracker, inspector, stats)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		if err := server.Start(port); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	fmt.Printf("photo-prep API listening on http://localhost:%d\n", port)
	fmt.Printf("Press Ctrl+C to stop the server\n\n")

	<-sigChan
	fmt.Println("\nShutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	fmt.Println("Server stopped gracefully")
	return nil
}

// newInspector returns a metadata inspector backed by exiftool when the
// binary is available. The returned func releases it.
func newInspector(log logrus.FieldLogger) (*extractor.MetadataInspector, func()) {
	inspector := extractor.NewMetadataInspector(log)

	et, err := exiftool.NewExiftool()
	if err != nil {
		log.Debugf("exiftool unavailable, using built-in EXIF reader only: %v", err)
		return inspector, func() {}
	}
	inspector.WithExifTool(et)
	return inspector, func() {
		if err := et.Close(); err != nil {
			log.Warnf("Failed to close exiftool: %v", err)
		}
	}
}

// loadConfig loads configuration and applies CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		return nil, err
	}

	if targetSize > 0 {
		cfg.Compression.TargetSizeBytes = targetSize
	}
	if maxDimension > 0 {
		cfg.Compression.MaxDimension = maxDimension
	}
	return cfg, nil
}

// setupLogger configures and returns a logger.
func setupLogger(cfg *config.Config) *logrus.Logger {
	loggerCfg := logger.LoggerConfig{
		Level:      cfg.Logging.Level,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSize,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAge,
		Compress:   cfg.Logging.Compress,
		Console:    !quiet,
	}

	if verbose {
		loggerCfg.Level = "debug"
	}
	if quiet {
		loggerCfg.Level = "error"
	}

	log, err := logger.NewLogger(loggerCfg)
	if err != nil {
		log = logrus.New()
		log.SetLevel(logrus.InfoLevel)
	}

	return log
}

// fileExists returns true if the given path exists and is a file.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists returns true if the given path exists and is a directory.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
