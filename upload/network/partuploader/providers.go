package partuploader

import (
	"bytes"
	"fmt"
	"io"
)

// BytesSource serves parts from memory.
type BytesSource struct {
	*bytes.Reader
}

// NewBytesSource ...
func NewBytesSource(data []byte) BytesSource {
	return BytesSource{Reader: bytes.NewReader(data)}
}

// readPart reads the whole byte range of part into memory so it can be resent.
func readPart(src io.ReaderAt, part Part) ([]byte, error) {
	data := make([]byte, part.Size)
	n, err := src.ReadAt(data, part.Offset)
	if err != nil && !(err == io.EOF && int64(n) == part.Size) {
		return nil, fmt.Errorf("read part %d: %w", part.Number, err)
	}
	return data, nil
}
