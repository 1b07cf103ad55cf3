package extractor

import (
	"time"

	"photo-prep-go/internal/media"

	"github.com/barasher/go-exiftool"
)

// Inspector reports format, dimensions and camera metadata for an image.
type Inspector interface {
	Inspect(file *media.File) (*Metadata, error)
	InspectPath(filePath string) (*Metadata, error)
}

// CachedInspector extends Inspector with caching capabilities.
type CachedInspector interface {
	Inspector
	ClearCache()
	GetCacheStats() CacheStats
}

// ExifTool is the subset of *exiftool.Exiftool used as a fallback source.
type ExifTool interface {
	ExtractMetadata(files ...string) []exiftool.FileMetadata
}

// CacheStats contains statistics about cache performance.
type CacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	Size         int     `json:"size"`
	HitRate      float64 `json:"hitRate"`
	TotalQueries int64   `json:"totalQueries"`
}

// MetadataSource represents where the camera metadata came from.
type MetadataSource int

const (
	MetadataSourceNone MetadataSource = iota
	MetadataSourceEXIF
	MetadataSourceExifTool
)

// Metadata describes an image without decoding its pixels.
type Metadata struct {
	Name   string `json:"name"`
	MIME   string `json:"mime"`
	Format string `json:"format"`
	Size   int64  `json:"size"`
	Width  int    `json:"width"`
	Height int    `json:"height"`

	Supported           bool `json:"supported"`
	NeedsHEICConversion bool `json:"needsHeicConversion"`

	TakenAt     *time.Time     `json:"takenAt,omitempty"`
	CameraMake  string         `json:"cameraMake,omitempty"`
	CameraModel string         `json:"cameraModel,omitempty"`
	Software    string         `json:"software,omitempty"`
	Orientation int            `json:"orientation,omitempty"`
	Source      MetadataSource `json:"-"`
}

// String returns a human-readable description of the metadata source.
func (s MetadataSource) String() string {
	switch s {
	case MetadataSourceEXIF:
		return "EXIF"
	case MetadataSourceExifTool:
		return "exiftool"
	default:
		return "None"
	}
}

// HasCameraData reports whether any camera field was found.
func (m *Metadata) HasCameraData() bool {
	return m.TakenAt != nil || m.CameraMake != "" || m.CameraModel != "" || m.Software != ""
}
