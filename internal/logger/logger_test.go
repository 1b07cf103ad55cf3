package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "photo-prep.log")
	cfg := DefaultConfig()
	cfg.FilePath = path
	cfg.Console = false
	cfg.JSON = true
	cfg.Level = "debug"

	log, err := NewLogger(cfg)
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())

	WithOperation(log, "compress").Info("hello")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"message":"hello"`)
	assert.Contains(t, string(data), `"operation":"compress"`)
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "loud"
	_, err := NewLogger(cfg)
	assert.Error(t, err)
}

func TestWithFile(t *testing.T) {
	entry := WithFile(Discard(), "a.jpg", 42)
	assert.Equal(t, "a.jpg", entry.Data["file"])
	assert.Equal(t, int64(42), entry.Data["size"])
}
