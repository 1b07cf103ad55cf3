package extractor

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"photo-prep-go/internal/media"

	"github.com/adrium/goheif"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"
	"golang.org/x/image/webp"
)

type configFunc func(r io.Reader) (image.Config, error)

var configReaders = map[media.Format]configFunc{
	media.FormatJPEG: jpeg.DecodeConfig,
	media.FormatPNG:  png.DecodeConfig,
	media.FormatWebP: webp.DecodeConfig,
	media.FormatHEIC: goheif.DecodeConfig,
}

// MetadataInspector reads image headers and EXIF blocks. Results of
// InspectPath are cached by path, size and modification time.
type MetadataInspector struct {
	logger   logrus.FieldLogger
	exiftool ExifTool
	cache    *sync.Map
	stats    CacheStats
	mutex    sync.RWMutex
}

// NewMetadataInspector returns a new MetadataInspector.
func NewMetadataInspector(logger logrus.FieldLogger) *MetadataInspector {
	return &MetadataInspector{
		logger: logger,
		cache:  &sync.Map{},
	}
}

// WithExifTool enables et as a fallback for files goexif cannot read.
func (i *MetadataInspector) WithExifTool(et ExifTool) *MetadataInspector {
	i.exiftool = et
	return i
}

// Inspect returns the metadata of an in-memory file. Unsupported formats
// are reported with Supported=false rather than an error.
func (i *MetadataInspector) Inspect(file *media.File) (*Metadata, error) {
	if file == nil {
		return nil, fmt.Errorf("no file provided")
	}

	class := media.Classify(file.MIME, file.Name)
	format := media.Resolve(file.MIME, file.Name)
	if class.NeedsHEICConversion {
		format = media.FormatHEIC
	}

	meta := &Metadata{
		Name:                file.Name,
		MIME:                file.MIME,
		Format:              format.String(),
		Size:                file.Size(),
		Supported:           class.Supported,
		NeedsHEICConversion: class.NeedsHEICConversion,
	}
	if meta.MIME == "" {
		meta.MIME = format.MIME()
	}

	readConfig, ok := configReaders[format]
	if !ok {
		return meta, nil
	}

	cfg, err := readConfig(bytes.NewReader(file.Data))
	if err != nil {
		return nil, fmt.Errorf("read %s dimensions: %w", format, err)
	}
	meta.Width, meta.Height = cfg.Width, cfg.Height

	if err := i.readEXIF(meta, format, file.Data); err != nil {
		i.logger.Debugf("No EXIF in %s: %v", file.Name, err)
	}
	return meta, nil
}

// InspectPath reads filePath and inspects it, falling back to exiftool
// for camera data when one is configured.
func (i *MetadataInspector) InspectPath(filePath string) (*Metadata, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}

	key := i.getCacheKey(filePath, fileInfo)
	if value, ok := i.cache.Load(key); ok {
		i.incrementCacheHits()
		meta := value.(Metadata)
		return &meta, nil
	}
	i.incrementCacheMisses()

	file, err := media.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	meta, err := i.Inspect(file)
	if err != nil {
		return nil, err
	}

	if !meta.HasCameraData() && i.exiftool != nil {
		i.readExifTool(meta, filePath)
	}

	i.cache.Store(key, *meta)
	return meta, nil
}

// ClearCache removes all entries from the internal cache and resets statistics.
// It is safe to call while InspectPath runs on other goroutines.
func (i *MetadataInspector) ClearCache() {
	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.cache.Range(func(key, _ any) bool {
		i.cache.Delete(key)
		return true
	})
	i.stats = CacheStats{}
}

// GetCacheStats returns cache statistics for this inspector.
func (i *MetadataInspector) GetCacheStats() CacheStats {
	i.mutex.RLock()
	defer i.mutex.RUnlock()

	stats := i.stats
	i.cache.Range(func(_, _ any) bool {
		stats.Size++
		return true
	})
	if stats.TotalQueries > 0 {
		stats.HitRate = float64(stats.Hits) / float64(stats.TotalQueries)
	}
	return stats
}

func (i *MetadataInspector) readEXIF(meta *Metadata, format media.Format, data []byte) error {
	var raw io.Reader
	switch format {
	case media.FormatJPEG:
		raw = bytes.NewReader(data)
	case media.FormatHEIC:
		block, err := goheif.ExtractExif(bytes.NewReader(data))
		if err != nil {
			return err
		}
		raw = bytes.NewReader(block)
	default:
		return fmt.Errorf("%s carries no EXIF block", format)
	}

	x, err := exif.Decode(raw)
	if err != nil {
		return fmt.Errorf("failed to decode EXIF: %w", err)
	}

	if tm, err := x.DateTime(); err == nil {
		meta.TakenAt = &tm
	}
	meta.CameraMake = stringTag(x, exif.Make)
	meta.CameraModel = stringTag(x, exif.Model)
	meta.Software = stringTag(x, exif.Software)
	if tag, err := x.Get(exif.Orientation); err == nil {
		if v, err := tag.Int(0); err == nil {
			meta.Orientation = v
		}
	}
	if meta.HasCameraData() || meta.Orientation != 0 {
		meta.Source = MetadataSourceEXIF
	}
	return nil
}

func stringTag(x *exif.Exif, name exif.FieldName) string {
	tag, err := x.Get(name)
	if err != nil {
		return ""
	}
	v, err := tag.StringVal()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(v)
}

func (i *MetadataInspector) readExifTool(meta *Metadata, filePath string) {
	files := i.exiftool.ExtractMetadata(filePath)
	if len(files) == 0 || files[0].Err != nil {
		return
	}
	fm := files[0]

	for _, field := range []string{"DateTimeOriginal", "CreateDate", "ModifyDate"} {
		if v, err := fm.GetString(field); err == nil {
			if date := i.parseEXIFDateTime(v); date != nil {
				meta.TakenAt = date
				break
			}
		}
	}
	if v, err := fm.GetString("Make"); err == nil {
		meta.CameraMake = v
	}
	if v, err := fm.GetString("Model"); err == nil {
		meta.CameraModel = v
	}
	if v, err := fm.GetString("Software"); err == nil {
		meta.Software = v
	}
	if meta.Width == 0 {
		if w, err := fm.GetInt("ImageWidth"); err == nil {
			meta.Width = int(w)
		}
		if h, err := fm.GetInt("ImageHeight"); err == nil {
			meta.Height = int(h)
		}
	}
	if meta.HasCameraData() {
		meta.Source = MetadataSourceExifTool
		i.logger.Debugf("Read camera metadata for %s with exiftool", filePath)
	}
}

// parseEXIFDateTime parses an EXIF date time string and returns a time.Time pointer.
// Returns nil if parsing fails.
func (i *MetadataInspector) parseEXIFDateTime(dateStr string) *time.Time {
	if dateStr == "" {
		return nil
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006:01:02 15:04:05-07:00",
		"2006-01-02 15:04:05",
		"2006:01:02",
		time.RFC3339,
	}

	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return &date
		}
	}

	i.logger.Debugf("Failed to parse date string: %s", dateStr)
	return nil
}

func (i *MetadataInspector) getCacheKey(filePath string, fileInfo os.FileInfo) string {
	return fmt.Sprintf("%s:%d:%d", filePath, fileInfo.Size(), fileInfo.ModTime().UnixNano())
}

func (i *MetadataInspector) incrementCacheHits() {
	i.mutex.Lock()
	i.stats.Hits++
	i.stats.TotalQueries++
	i.mutex.Unlock()
}

func (i *MetadataInspector) incrementCacheMisses() {
	i.mutex.Lock()
	i.stats.Misses++
	i.stats.TotalQueries++
	i.mutex.Unlock()
}
