package upload

import (
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

type uploadTracker struct {
	tracker analytics.Tracker
	logger  log.Logger
}

func newUploadTracker(tracker analytics.Tracker, enabled bool, envRepo env.Repository, logger log.Logger) uploadTracker {
	if tracker == nil && enabled {
		p := analytics.Properties{
			"client_id":   envRepo.Get("UPLOAD_CLIENT_ID"),
			"app_version": envRepo.Get("UPLOAD_APP_VERSION"),
		}
		tracker = analytics.NewDefaultTracker(logger, p)
	}
	return uploadTracker{tracker: tracker, logger: logger}
}

func (t *uploadTracker) enqueue(event string, properties analytics.Properties) {
	if t.tracker == nil {
		return
	}
	t.tracker.Enqueue(event, properties)
}

func (t *uploadTracker) logStarted(file FileSource, resumed bool) {
	t.enqueue("upload_started", analytics.Properties{
		"size_bytes": file.Size(),
		"file_type":  file.Type(),
		"resumed":    resumed,
	})
}

func (t *uploadTracker) logDeduplicated(file FileSource) {
	t.enqueue("upload_deduplicated", analytics.Properties{
		"size_bytes": file.Size(),
	})
}

func (t *uploadTracker) logCompleted(uploadTime time.Duration, file FileSource, parts, retries, restarts int) {
	t.enqueue("upload_completed", analytics.Properties{
		"upload_time_s": uploadTime.Truncate(time.Second).Seconds(),
		"size_bytes":    file.Size(),
		"part_count":    parts,
		"retries":       retries,
		"restarts":      restarts,
	})
}

func (t *uploadTracker) logFailed(file FileSource, err error) {
	t.enqueue("upload_failed", analytics.Properties{
		"size_bytes": file.Size(),
		"error":      err.Error(),
	})
}

func (t *uploadTracker) logCanceled(file FileSource) {
	t.enqueue("upload_canceled", analytics.Properties{
		"size_bytes": file.Size(),
	})
}

func (t *uploadTracker) wait() {
	if t.tracker != nil {
		t.tracker.Wait()
	}
}
