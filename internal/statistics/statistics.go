package statistics

import (
	"fmt"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics accumulates counters across compressions. It is safe for
// concurrent use; batch runs share one instance between facades.
type Statistics struct {
	FilesDiscovered int64
	FilesSkipped    int64

	CompressionsStarted   int64
	CompressionsSucceeded int64
	CompressionsFailed    int64
	ShortCircuited        int64
	HEICConverted         int64
	Resized               int64
	TargetMissed          int64
	QualityAttempts       int64

	BytesIn  int64
	BytesOut int64

	StartTime      time.Time
	EndTime        time.Time
	Duration       time.Duration
	FilesPerSecond float64

	Errors     []StatError
	ErrorKinds map[string]int64

	mutex sync.RWMutex
}

// StatError represents an error that occurred during a compression.
type StatError struct {
	File      string
	Kind      string
	Error     string
	Timestamp time.Time
}

// Outcome describes one successful compression.
type Outcome struct {
	OriginalSize   int64
	CompressedSize int64
	Attempts       int
	Resized        bool
	TargetMet      bool
	ShortCircuited bool
	HEICConverted  bool
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:  time.Now(),
		Errors:     make([]StatError, 0),
		ErrorKinds: make(map[string]int64),
	}
}

// Start marks the beginning of a run for Finalize's duration.
func (s *Statistics) Start() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.StartTime = time.Now()
	s.EndTime = time.Time{}
}

// Elapsed returns the duration of the current run, or of the last one
// once Finalize was called.
func (s *Statistics) Elapsed() time.Duration {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

// IncrementDiscovered increases the count of files found by a batch walk by 1.
func (s *Statistics) IncrementDiscovered() {
	atomic.AddInt64(&s.FilesDiscovered, 1)
}

// IncrementSkipped increases the count of files a batch run left alone by 1.
func (s *Statistics) IncrementSkipped() {
	atomic.AddInt64(&s.FilesSkipped, 1)
}

// IncrementStarted increases the count of started compressions by 1.
func (s *Statistics) IncrementStarted() {
	atomic.AddInt64(&s.CompressionsStarted, 1)
}

// RecordSuccess adds a finished compression to the totals.
func (s *Statistics) RecordSuccess(o Outcome) {
	atomic.AddInt64(&s.CompressionsSucceeded, 1)
	atomic.AddInt64(&s.BytesIn, o.OriginalSize)
	atomic.AddInt64(&s.BytesOut, o.CompressedSize)
	atomic.AddInt64(&s.QualityAttempts, int64(o.Attempts))
	if o.Resized {
		atomic.AddInt64(&s.Resized, 1)
	}
	if !o.TargetMet {
		atomic.AddInt64(&s.TargetMissed, 1)
	}
	if o.ShortCircuited {
		atomic.AddInt64(&s.ShortCircuited, 1)
	}
	if o.HEICConverted {
		atomic.AddInt64(&s.HEICConverted, 1)
	}
}

// RecordFailure records a failed compression.
func (s *Statistics) RecordFailure(file, kind, message string) {
	atomic.AddInt64(&s.CompressionsFailed, 1)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.ErrorKinds[kind]++
	s.Errors = append(s.Errors, StatError{
		File:      file,
		Kind:      kind,
		Error:     message,
		Timestamp: time.Now(),
	})
}

// Finalize calculates duration and throughput.
func (s *Statistics) Finalize() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)

	done := atomic.LoadInt64(&s.CompressionsSucceeded) + atomic.LoadInt64(&s.CompressionsFailed)
	if s.Duration.Seconds() > 0 {
		s.FilesPerSecond = float64(done) / s.Duration.Seconds()
	}
}

// Ratio returns total input bytes over total output bytes, or 0 when
// nothing was produced yet.
func (s *Statistics) Ratio() float64 {
	out := atomic.LoadInt64(&s.BytesOut)
	if out == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&s.BytesIn)) / float64(out)
}

// Snapshot returns the counters as a map, suitable for JSON.
func (s *Statistics) Snapshot() map[string]interface{} {
	s.mutex.RLock()
	kinds := make(map[string]int64, len(s.ErrorKinds))
	for k, v := range s.ErrorKinds {
		kinds[k] = v
	}
	s.mutex.RUnlock()

	return map[string]interface{}{
		"discovered":      atomic.LoadInt64(&s.FilesDiscovered),
		"skipped":         atomic.LoadInt64(&s.FilesSkipped),
		"started":         atomic.LoadInt64(&s.CompressionsStarted),
		"succeeded":       atomic.LoadInt64(&s.CompressionsSucceeded),
		"failed":          atomic.LoadInt64(&s.CompressionsFailed),
		"short_circuited": atomic.LoadInt64(&s.ShortCircuited),
		"heic_converted":  atomic.LoadInt64(&s.HEICConverted),
		"resized":         atomic.LoadInt64(&s.Resized),
		"target_missed":   atomic.LoadInt64(&s.TargetMissed),
		"bytes_in":        atomic.LoadInt64(&s.BytesIn),
		"bytes_out":       atomic.LoadInt64(&s.BytesOut),
		"ratio":           s.Ratio(),
		"error_kinds":     kinds,
		"elapsed_seconds": s.Elapsed().Seconds(),
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	duration := s.Duration
	fps := s.FilesPerSecond
	s.mutex.RUnlock()

	return fmt.Sprintf(`Photo Prep Statistics Summary:

Files:
		Discovered: %d
		Skipped: %d

Compressions:
		Started: %d
		Succeeded: %d
		Failed: %d
		Already compliant: %d
		HEIC converted: %d
		Resized: %d
		Target missed: %d
		Quality attempts: %d

Bytes:
		In: %s
		Out: %s
		Ratio: %.2fx

Performance:
		Duration: %v
		Files/Second: %.2f`,
		atomic.LoadInt64(&s.FilesDiscovered),
		atomic.LoadInt64(&s.FilesSkipped),
		atomic.LoadInt64(&s.CompressionsStarted),
		atomic.LoadInt64(&s.CompressionsSucceeded),
		atomic.LoadInt64(&s.CompressionsFailed),
		atomic.LoadInt64(&s.ShortCircuited),
		atomic.LoadInt64(&s.HEICConverted),
		atomic.LoadInt64(&s.Resized),
		atomic.LoadInt64(&s.TargetMissed),
		atomic.LoadInt64(&s.QualityAttempts),
		FormatFileSize(atomic.LoadInt64(&s.BytesIn)),
		FormatFileSize(atomic.LoadInt64(&s.BytesOut)),
		s.Ratio(),
		duration,
		fps)
}

// GetErrorSummary returns a summary of errors that occurred during processing.
func (s *Statistics) GetErrorSummary() string {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	if len(s.Errors) == 0 {
		return "No errors occurred during processing"
	}

	result := fmt.Sprintf("Errors (%d total):\n", len(s.Errors))
	for i, err := range s.Errors {
		if i >= 10 {
			result += fmt.Sprintf("  ... and %d more errors\n", len(s.Errors)-10)
			break
		}
		result += fmt.Sprintf("  [%s] %s: %s - %s\n",
			err.Timestamp.Format("15:04:05"),
			err.Kind,
			err.File,
			err.Error)
	}
	return result
}

// GetFailed returns the number of failed compressions.
func (s *Statistics) GetFailed() int64 {
	return atomic.LoadInt64(&s.CompressionsFailed)
}

// GetSucceeded returns the number of successful compressions.
func (s *Statistics) GetSucceeded() int64 {
	return atomic.LoadInt64(&s.CompressionsSucceeded)
}

var sizeUnits = []string{"B", "KB", "MB", "GB"}

// FormatFileSize renders a byte count with binary units and at most two
// decimals, e.g. "1.5 MB".
func FormatFileSize(bytes int64) string {
	if bytes <= 0 {
		return "0 B"
	}

	i := int(math.Floor(math.Log(float64(bytes)) / math.Log(1024)))
	i = min(i, len(sizeUnits)-1)

	value := float64(bytes) / math.Pow(1024, float64(i))
	value = math.Round(value*100) / 100
	return strconv.FormatFloat(value, 'f', -1, 64) + " " + sizeUnits[i]
}
