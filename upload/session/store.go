// Package session persists multipart upload sessions and the offline part retry queue
// so an interrupted upload can resume after a process restart.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/klauspost/compress/zstd"
	bolt "go.etcd.io/bbolt"
)

var (
	sessionsBucket = []byte("sessions")
	retriesBucket  = []byte("retries")
	blobsBucket    = []byte("blobs")
)

const openTimeout = 3 * time.Second

// Session is the persisted state of one multipart upload.
type Session struct {
	ResumeKey string    `json:"resumeKey"`
	RemoteKey string    `json:"key"`
	SessionID string    `json:"uploadId"`
	PartSize  int64     `json:"chunkSize"`
	CreatedAt time.Time `json:"createdAt"`
}

func (s Session) valid() bool {
	return s.RemoteKey != "" && s.SessionID != "" && s.PartSize > 0
}

// RetryEntry is a part transfer deferred to the offline queue.
type RetryEntry struct {
	ID         string            `json:"id"`
	Identity   string            `json:"identity"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers,omitempty"`
	PartNumber int               `json:"partNumber"`
	Size       int64             `json:"size"`
	BlobRef    string            `json:"blobRef"`
	EnqueuedAt time.Time         `json:"enqueuedAt"`
}

// RetryIdentity names a part of an upload in the offline queue.
func RetryIdentity(resumeKey string, partNumber int) string {
	return fmt.Sprintf("%s#%d", resumeKey, partNumber)
}

// Store is a bbolt backed session and retry queue store.
type Store struct {
	db      *bolt.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	logger  log.Logger
}

// Open opens (or creates) the store file at path.
func Open(path string, logger log.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("open session db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{sessionsBucket, retriesBucket, blobsBucket} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}

	return &Store{db: db, encoder: encoder, decoder: decoder, logger: logger}, nil
}

// Close ...
func (s *Store) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil {
		s.logger.Warnf("Failed to close zstd encoder: %s", err)
	}
	return s.db.Close()
}

// Save stores the session under resumeKey, replacing any previous one.
func (s *Store) Save(resumeKey string, session Session) error {
	session.ResumeKey = resumeKey
	if session.CreatedAt.IsZero() {
		session.CreatedAt = time.Now()
	}
	data, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(sessionsBucket).Put([]byte(resumeKey), data)
	})
}

// Load returns the session saved under resumeKey, or nil when there is none.
// Unreadable entries are removed and reported as absent.
func (s *Store) Load(resumeKey string) (*Session, error) {
	var raw []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(sessionsBucket).Get([]byte(resumeKey)); v != nil {
			raw = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if raw == nil {
		return nil, nil
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil || !session.valid() {
		s.logger.Warnf("Discarding corrupted session entry for %s", resumeKey)
		if err := s.Delete(resumeKey); err != nil {
			return nil, err
		}
		return nil, nil
	}
	return &session, nil
}

// Delete removes the sessions saved under any of the given keys.
func (s *Store) Delete(resumeKeys ...string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(sessionsBucket)
		for _, key := range resumeKeys {
			if key == "" {
				continue
			}
			if err := b.Delete([]byte(key)); err != nil {
				return fmt.Errorf("delete session %s: %w", key, err)
			}
		}
		return nil
	})
}

// EnqueueRetry stores the entry and the compressed part bytes.
// Entry keys sort by enqueue time, so DrainRetries returns the oldest first.
func (s *Store) EnqueueRetry(entry RetryEntry, data []byte) error {
	if entry.ID == "" {
		return errors.New("retry entry without id")
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now()
	}
	if entry.BlobRef == "" {
		entry.BlobRef = entry.ID
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal retry entry: %w", err)
	}
	blob := s.encoder.EncodeAll(data, nil)

	return s.db.Update(func(tx *bolt.Tx) error {
		if err := tx.Bucket(blobsBucket).Put([]byte(entry.BlobRef), blob); err != nil {
			return fmt.Errorf("put blob: %w", err)
		}
		return tx.Bucket(retriesBucket).Put(retryKey(entry), raw)
	})
}

// DrainRetries lists the queued entries, oldest first. Entries stay queued until RemoveRetry.
func (s *Store) DrainRetries() ([]RetryEntry, error) {
	var entries []RetryEntry
	var broken [][]byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(retriesBucket).ForEach(func(k, v []byte) error {
			var entry RetryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				broken = append(broken, append([]byte(nil), k...))
				return nil
			}
			entries = append(entries, entry)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("list retries: %w", err)
	}

	if len(broken) > 0 {
		s.logger.Warnf("Dropping %d unreadable retry entries", len(broken))
		if err := s.db.Update(func(tx *bolt.Tx) error {
			for _, k := range broken {
				if err := tx.Bucket(retriesBucket).Delete(k); err != nil {
					return err
				}
			}
			return nil
		}); err != nil {
			return nil, fmt.Errorf("drop unreadable retries: %w", err)
		}
	}

	return entries, nil
}

// LoadBlob returns the decompressed part bytes stored under ref.
func (s *Store) LoadBlob(ref string) ([]byte, error) {
	var blob []byte
	if err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(blobsBucket).Get([]byte(ref))
		if v == nil {
			return fmt.Errorf("blob %s not found", ref)
		}
		blob = append([]byte(nil), v...)
		return nil
	}); err != nil {
		return nil, err
	}

	data, err := s.decoder.DecodeAll(blob, nil)
	if err != nil {
		return nil, fmt.Errorf("decompress blob %s: %w", ref, err)
	}
	return data, nil
}

// RemoveRetry deletes the entry with the given id and its blob.
func (s *Store) RemoveRetry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(retriesBucket)
		c := b.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var entry RetryEntry
			if err := json.Unmarshal(v, &entry); err != nil || entry.ID != id {
				continue
			}
			if err := tx.Bucket(blobsBucket).Delete([]byte(entry.BlobRef)); err != nil {
				return fmt.Errorf("delete blob: %w", err)
			}
			return b.Delete(k)
		}
		return nil
	})
}

// RemoveRetriesFor deletes every queued entry (and blob) whose identity starts with resumeKey.
func (s *Store) RemoveRetriesFor(resumeKey string) error {
	prefix := resumeKey + "#"
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(retriesBucket)
		var keys [][]byte
		var blobs []string
		if err := b.ForEach(func(k, v []byte) error {
			var entry RetryEntry
			if err := json.Unmarshal(v, &entry); err != nil {
				return nil
			}
			if strings.HasPrefix(entry.Identity, prefix) {
				keys = append(keys, append([]byte(nil), k...))
				blobs = append(blobs, entry.BlobRef)
			}
			return nil
		}); err != nil {
			return err
		}
		for i, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			if err := tx.Bucket(blobsBucket).Delete([]byte(blobs[i])); err != nil {
				return err
			}
		}
		return nil
	})
}

func retryKey(entry RetryEntry) []byte {
	return []byte(fmt.Sprintf("%020d-%s", entry.EnqueuedAt.UnixNano(), entry.ID))
}
