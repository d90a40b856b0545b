// Package resumekey derives stable identities for files that are being uploaded.
// The content key depends only on the file bytes near both ends and the file size,
// so it survives renames and modification time drift while never reading the whole file.
package resumekey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"time"
)

const (
	// WindowSize is the number of bytes hashed from the head and from the tail of the file.
	WindowSize = 256 * 1024

	algorithmPrefix = "sha256:"
)

// Identity is the content-derived identity of a file.
type Identity struct {
	// Key is the resume key, `sha256:<hex>` of head || size || tail.
	Key string
	// HeadHash and TailHash are hex SHA-256 digests of the two windows, sent as dedup hints.
	HeadHash string
	TailHash string
}

// Derive computes the content identity of the file behind r.
// For files smaller than two windows the head and tail windows overlap.
func Derive(r io.ReaderAt, size int64) (Identity, error) {
	if size < 0 {
		return Identity{}, fmt.Errorf("invalid file size: %d", size)
	}

	head, err := readWindow(r, 0, min(WindowSize, size))
	if err != nil {
		return Identity{}, fmt.Errorf("read head window: %w", err)
	}

	tailStart := int64(0)
	if size > WindowSize {
		tailStart = size - WindowSize
	}
	tail, err := readWindow(r, tailStart, size-tailStart)
	if err != nil {
		return Identity{}, fmt.Errorf("read tail window: %w", err)
	}

	sizeBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(sizeBuf, uint64(size))

	h := sha256.New()
	h.Write(head)
	h.Write(sizeBuf)
	h.Write(tail)

	headSum := sha256.Sum256(head)
	tailSum := sha256.Sum256(tail)

	return Identity{
		Key:      algorithmPrefix + hex.EncodeToString(h.Sum(nil)),
		HeadHash: hex.EncodeToString(headSum[:]),
		TailHash: hex.EncodeToString(tailSum[:]),
	}, nil
}

// Legacy returns the name|size|mtime identity older sessions were stored under.
func Legacy(name string, size int64, modTime time.Time) string {
	return fmt.Sprintf("%s|%d|%d", name, size, modTime.UnixMilli())
}

// Candidates lists the keys a prior session may be stored under, in lookup order.
// An empty content key (derivation failed) is skipped.
func Candidates(id Identity, legacy string) []string {
	var keys []string
	if id.Key != "" {
		keys = append(keys, id.Key)
	}
	if legacy != "" {
		keys = append(keys, legacy)
	}
	return keys
}

func readWindow(r io.ReaderAt, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	if length == 0 {
		return buf, nil
	}
	n, err := r.ReadAt(buf, offset)
	if err != nil && !(err == io.EOF && int64(n) == length) {
		return nil, err
	}
	return buf, nil
}
