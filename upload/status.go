package upload

import (
	"fmt"
	"strings"
	"time"

	"github.com/docker/go-units"

	"github.com/bitrise-io/go-multipart-upload/upload/network/partuploader"
)

// TaskStatus ...
type TaskStatus string

// Task statuses. TaskError is terminal.
const (
	TaskPending   TaskStatus = "pending"
	TaskUploading TaskStatus = "uploading"
	TaskPaused    TaskStatus = "paused"
	TaskDone      TaskStatus = "done"
	TaskError     TaskStatus = "error"
)

// FileTask is a queued file and its outcome.
type FileTask struct {
	ID     string
	Name   string
	Type   string
	Size   int64
	Status TaskStatus
	// Progress is the uploaded percentage, 0-100.
	Progress  float64
	RemoteKey string
	Message   string
}

// Phase is the user facing stage of the current upload.
type Phase string

// Phases.
const (
	PhaseIdle      Phase = "idle"
	PhasePreparing Phase = "preparing"
	PhaseUploading Phase = "uploading"
	PhaseMerging   Phase = "merging parts"
	PhaseDone      Phase = "done"
	PhasePaused    Phase = "paused"
	PhaseCanceled  Phase = "canceled"
	PhaseError     Phase = "error"
)

// Status summarises the current upload.
type Status struct {
	Phase Phase
	Task  string
	// Percent is the share of the file uploaded so far, 0-100.
	Percent float64
	// Throughput is the smoothed rate in bytes per second.
	Throughput  float64
	ETA         time.Duration
	Quality     partuploader.Quality
	Retries     int
	Concurrency int
}

func (s Status) String() string {
	if s.Task == "" {
		return string(s.Phase)
	}

	parts := []string{fmt.Sprintf("%s %s: %.1f%%", s.Phase, s.Task, s.Percent)}
	if s.Phase == PhaseUploading && s.Throughput > 0 {
		parts = append(parts, fmt.Sprintf("%s/s", units.HumanSizeWithPrecision(s.Throughput, 3)))
		if s.ETA > 0 {
			parts = append(parts, "ETA "+units.HumanDuration(s.ETA))
		}
	}
	if s.Quality != "" && s.Quality != partuploader.QualityUnknown {
		parts = append(parts, fmt.Sprintf("network %s", s.Quality))
	}
	if s.Retries > 0 {
		parts = append(parts, fmt.Sprintf("%d retries", s.Retries))
	}
	return strings.Join(parts, ", ")
}
