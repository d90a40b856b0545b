package upload

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitrise-io/go-multipart-upload/internal"
)

// FileSource is a file queued for upload. ReadAt must be safe for concurrent use.
type FileSource interface {
	io.ReaderAt
	Name() string
	Type() string
	Size() int64
	ModTime() time.Time
}

var videoTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".webm": "video/webm",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".3gp":  "video/3gpp",
}

// TypeByExtension returns the MIME type of a file name, without parameters.
func TypeByExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if t, ok := videoTypes[ext]; ok {
		return t
	}
	t := mime.TypeByExtension(ext)
	if i := strings.Index(t, ";"); i >= 0 {
		t = t[:i]
	}
	return strings.TrimSpace(t)
}

// LocalFile is a FileSource backed by a file on disk.
type LocalFile struct {
	reader  io.ReaderAt
	closer  io.Closer
	name    string
	mime    string
	size    int64
	modTime time.Time
}

// OpenLocalFile opens path through osProxy. The caller owns the returned file.
func OpenLocalFile(osProxy internal.OsProxy, path string) (*LocalFile, error) {
	file, err := osProxy.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() {
		_ = file.Close()
		return nil, fmt.Errorf("%s is a directory", path)
	}

	return &LocalFile{
		reader:  file,
		closer:  file,
		name:    info.Name(),
		mime:    TypeByExtension(info.Name()),
		size:    info.Size(),
		modTime: info.ModTime(),
	}, nil
}

// ReadAt ...
func (f *LocalFile) ReadAt(p []byte, off int64) (int, error) { return f.reader.ReadAt(p, off) }

// Name ...
func (f *LocalFile) Name() string { return f.name }

// Type ...
func (f *LocalFile) Type() string { return f.mime }

// Size ...
func (f *LocalFile) Size() int64 { return f.size }

// ModTime ...
func (f *LocalFile) ModTime() time.Time { return f.modTime }

// Close ...
func (f *LocalFile) Close() error { return f.closer.Close() }

// MemoryFile is a FileSource held in memory.
type MemoryFile struct {
	*bytes.Reader
	name    string
	mime    string
	modTime time.Time
}

// NewMemoryFile ...
func NewMemoryFile(name, mimeType string, data []byte, modTime time.Time) *MemoryFile {
	return &MemoryFile{Reader: bytes.NewReader(data), name: name, mime: mimeType, modTime: modTime}
}

// Name ...
func (f *MemoryFile) Name() string { return f.name }

// Type ...
func (f *MemoryFile) Type() string { return f.mime }

// ModTime ...
func (f *MemoryFile) ModTime() time.Time { return f.modTime }
