// Package partuploader drives the part transfers of one multipart upload session:
// it schedules parts concurrently, retries and escalates failures, and adapts
// concurrency to the observed network quality.
package partuploader

import (
	"context"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

// PartStatus ...
type PartStatus string

// Part statuses.
const (
	StatusPending  PartStatus = "pending"
	StatusInFlight PartStatus = "in-flight"
	StatusDone     PartStatus = "done"
	StatusBackoff  PartStatus = "failed-backoff"
)

// Part is one contiguous byte range of the file.
type Part struct {
	Number       int
	Offset       int64
	Size         int64
	Status       PartStatus
	LastRTT      time.Duration
	Failures     int
	Cooldowns    int
	BackoffUntil time.Time
	ETag         string

	escalatedID string
}

// Plan splits fileSize into parts of partSize; the last part may be smaller.
func Plan(fileSize, partSize int64) []Part {
	if fileSize <= 0 || partSize <= 0 {
		return nil
	}
	total := int((fileSize + partSize - 1) / partSize)
	parts := make([]Part, 0, total)
	for i := 0; i < total; i++ {
		offset := int64(i) * partSize
		size := partSize
		if offset+size > fileSize {
			size = fileSize - offset
		}
		parts = append(parts, Part{Number: i + 1, Offset: offset, Size: size, Status: StatusPending})
	}
	return parts
}

// Phase of a session as seen by the controller.
type Phase string

// Session phases.
const (
	PhaseIdle         Phase = "idle"
	PhaseDiscovering  Phase = "discovering"
	PhaseTransferring Phase = "transferring"
	PhaseDraining     Phase = "draining"
	PhaseCompleting   Phase = "completing"
	PhaseCompleted    Phase = "completed"
)

// Session identifies the multipart session a Controller works on.
type Session struct {
	// ResumeKey is the key the session is persisted under; LegacyKey is purged alongside it.
	ResumeKey string
	LegacyKey string
	RemoteKey string
	SessionID string
	PartSize  int64
}

// Checksummer computes the integrity checksum sent along a part.
type Checksummer interface {
	Compute(ctx context.Context, data []byte) (string, error)
}

// Limiter throttles outgoing part bytes.
type Limiter interface {
	Consume(ctx context.Context, n int) error
}

// Store is the persistence the controller purges on session loss and escalates failing parts to.
type Store interface {
	Delete(resumeKeys ...string) error
	EnqueueRetry(entry session.RetryEntry, data []byte) error
	RemoveRetry(id string) error
	RemoveRetriesFor(resumeKey string) error
}

// Progress is a snapshot of a session's transfer state.
type Progress struct {
	Phase         Phase
	TotalBytes    int64
	UploadedBytes int64
	InFlightBytes int64
	Percent       float64
	// Throughput is the smoothed transfer rate in bytes per second.
	Throughput  float64
	ETA         time.Duration
	PartsDone   int
	PartsTotal  int
	Concurrency int
	Quality     Quality
	Retries     int
}
