package extractor

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"photo-prep-go/internal/logger"
	"photo-prep-go/internal/media"

	"github.com/barasher/go-exiftool"
	chaiwebp "github.com/chai2010/webp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func solid(w, h int) image.Image {
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 200
	}
	img.SetNRGBA(0, 0, color.NRGBA{A: 255})
	return img
}

func encodeJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, solid(w, h), nil))
	return buf.Bytes()
}

// withEXIF splices an APP1 segment carrying Make, Orientation and DateTime
// right after the SOI marker.
func withEXIF(jpg []byte, cameraMake string, orientation uint16, dateTime string) []byte {
	le := binary.LittleEndian
	makeVal := append([]byte(cameraMake), 0)
	dateVal := append([]byte(dateTime), 0)

	const ifdOffset = 8
	const entries = 3
	dataStart := ifdOffset + 2 + entries*12 + 4

	tiff := make([]byte, dataStart)
	copy(tiff, "II")
	le.PutUint16(tiff[2:], 42)
	le.PutUint32(tiff[4:], ifdOffset)
	le.PutUint16(tiff[ifdOffset:], entries)

	entry := func(n int, tag, typ uint16, count, value uint32) {
		off := ifdOffset + 2 + n*12
		le.PutUint16(tiff[off:], tag)
		le.PutUint16(tiff[off+2:], typ)
		le.PutUint32(tiff[off+4:], count)
		le.PutUint32(tiff[off+8:], value)
	}
	entry(0, 0x010F, 2, uint32(len(makeVal)), uint32(dataStart))
	entry(1, 0x0112, 3, 1, uint32(orientation))
	entry(2, 0x0132, 2, uint32(len(dateVal)), uint32(dataStart+len(makeVal)))
	tiff = append(tiff, makeVal...)
	tiff = append(tiff, dateVal...)

	payload := append([]byte("Exif\x00\x00"), tiff...)
	segment := []byte{0xFF, 0xE1, 0, 0}
	binary.BigEndian.PutUint16(segment[2:], uint16(len(payload)+2))
	segment = append(segment, payload...)

	out := append([]byte{}, jpg[:2]...)
	out = append(out, segment...)
	return append(out, jpg[2:]...)
}

func TestInspectDimensions(t *testing.T) {
	var pngBuf, webpBuf bytes.Buffer
	require.NoError(t, png.Encode(&pngBuf, solid(40, 30)))
	require.NoError(t, chaiwebp.Encode(&webpBuf, solid(24, 48), &chaiwebp.Options{Quality: 75}))

	tests := []struct {
		name          string
		file          *media.File
		format        string
		width, height int
	}{
		{"jpeg", media.NewFile("a.jpg", media.MIMEJPEG, encodeJPEG(t, 64, 32)), "JPEG", 64, 32},
		{"png by extension", media.NewFile("b.png", "", pngBuf.Bytes()), "PNG", 40, 30},
		{"webp", media.NewFile("c.webp", media.MIMEWebP, webpBuf.Bytes()), "WEBP", 24, 48},
	}

	inspector := NewMetadataInspector(logger.Discard())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			meta, err := inspector.Inspect(tt.file)
			require.NoError(t, err)
			assert.True(t, meta.Supported)
			assert.False(t, meta.NeedsHEICConversion)
			assert.Equal(t, tt.format, meta.Format)
			assert.Equal(t, tt.width, meta.Width)
			assert.Equal(t, tt.height, meta.Height)
			assert.Equal(t, tt.file.Size(), meta.Size)
			assert.NotEmpty(t, meta.MIME)
		})
	}
}

func TestInspectReadsEXIF(t *testing.T) {
	data := withEXIF(encodeJPEG(t, 16, 16), "Canon", 6, "2023:06:15 10:30:00")
	meta, err := NewMetadataInspector(logger.Discard()).Inspect(media.NewFile("exif.jpg", media.MIMEJPEG, data))
	require.NoError(t, err)

	assert.Equal(t, 16, meta.Width)
	assert.Equal(t, "Canon", meta.CameraMake)
	assert.Equal(t, 6, meta.Orientation)
	require.NotNil(t, meta.TakenAt)
	assert.Equal(t, "2023-06-15 10:30:00", meta.TakenAt.Format("2006-01-02 15:04:05"))
	assert.Equal(t, MetadataSourceEXIF, meta.Source)
	assert.Equal(t, "EXIF", meta.Source.String())
}

func TestInspectUnsupportedAndBroken(t *testing.T) {
	inspector := NewMetadataInspector(logger.Discard())

	meta, err := inspector.Inspect(media.NewFile("notes.txt", "text/plain", []byte("hi")))
	require.NoError(t, err)
	assert.False(t, meta.Supported)
	assert.Equal(t, "UNKNOWN", meta.Format)
	assert.Zero(t, meta.Width)

	_, err = inspector.Inspect(media.NewFile("bad.png", media.MIMEPNG, []byte("not a png")))
	assert.Error(t, err)

	_, err = inspector.Inspect(nil)
	assert.Error(t, err)
}

func TestInspectHEICFlag(t *testing.T) {
	_, err := NewMetadataInspector(logger.Discard()).Inspect(media.NewFile("IMG.HEIC", "", []byte("garbage")))
	// garbage is still classified as HEIC; only the header read fails
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HEIC")
}

func TestInspectPathCaches(t *testing.T) {
	path := filepath.Join(t.TempDir(), "photo.jpg")
	require.NoError(t, os.WriteFile(path, encodeJPEG(t, 10, 20), 0644))

	inspector := NewMetadataInspector(logger.Discard())
	first, err := inspector.InspectPath(path)
	require.NoError(t, err)
	second, err := inspector.InspectPath(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, "photo.jpg", first.Name)
	assert.Equal(t, media.MIMEJPEG, first.MIME)

	stats := inspector.GetCacheStats()
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.Equal(t, 1, stats.Size)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)

	inspector.ClearCache()
	assert.Equal(t, CacheStats{}, inspector.GetCacheStats())

	_, err = inspector.InspectPath(filepath.Join(t.TempDir(), "missing.jpg"))
	assert.Error(t, err)
}

type fakeExifTool struct {
	fields map[string]interface{}
	calls  int
}

func (f *fakeExifTool) ExtractMetadata(files ...string) []exiftool.FileMetadata {
	f.calls++
	return []exiftool.FileMetadata{{File: files[0], Fields: f.fields}}
}

func TestInspectPathFallsBackToExifTool(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plain.jpg")
	require.NoError(t, os.WriteFile(path, encodeJPEG(t, 8, 8), 0644))

	et := &fakeExifTool{fields: map[string]interface{}{
		"DateTimeOriginal": "2021:12:25 08:00:00",
		"Make":             "Apple",
		"Model":            "iPhone 13",
	}}
	meta, err := NewMetadataInspector(logger.Discard()).WithExifTool(et).InspectPath(path)
	require.NoError(t, err)

	assert.Equal(t, 1, et.calls)
	assert.Equal(t, "Apple", meta.CameraMake)
	assert.Equal(t, "iPhone 13", meta.CameraModel)
	require.NotNil(t, meta.TakenAt)
	assert.Equal(t, 2021, meta.TakenAt.Year())
	assert.Equal(t, MetadataSourceExifTool, meta.Source)
}

func TestClearCacheWhileInspecting(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for _, name := range []string{"a.jpg", "b.jpg", "c.jpg"} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, encodeJPEG(t, 8, 8), 0644))
		paths = append(paths, path)
	}

	inspector := NewMetadataInspector(logger.Discard())
	var wg sync.WaitGroup
	for n := 0; n < 10; n++ {
		for _, path := range paths {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := inspector.InspectPath(path)
				assert.NoError(t, err)
			}()
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			inspector.ClearCache()
		}()
	}
	wg.Wait()

	inspector.ClearCache()
	assert.Equal(t, CacheStats{}, inspector.GetCacheStats())

	_, err := inspector.InspectPath(paths[0])
	require.NoError(t, err)
	assert.Equal(t, 1, inspector.GetCacheStats().Size)
}
