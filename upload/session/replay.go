package session

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/hashicorp/go-retryablehttp"
)

// ReplayResult summarises one replay pass over the offline queue.
type ReplayResult struct {
	Sent    int
	Dropped int
	Kept    int
}

// Replayer re-sends queued part transfers once connectivity is back.
type Replayer struct {
	store  *Store
	client *retryablehttp.Client
	logger log.Logger
}

// NewReplayer ...
func NewReplayer(store *Store, client *retryablehttp.Client, logger log.Logger) Replayer {
	return Replayer{store: store, client: client, logger: logger}
}

// Replay PUTs every queued blob to its signed URL.
// Successful and rejected (4xx, usually an expired signature) entries leave the queue,
// entries failing with transport errors or 5xx stay for the next pass.
func (r Replayer) Replay(ctx context.Context) (ReplayResult, error) {
	var result ReplayResult

	entries, err := r.store.DrainRetries()
	if err != nil {
		return result, err
	}
	if len(entries) == 0 {
		return result, nil
	}
	r.logger.Infof("Replaying %d queued part uploads", len(entries))

	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		data, err := r.store.LoadBlob(entry.BlobRef)
		if err != nil {
			r.logger.Warnf("Dropping queued part %s: %s", entry.Identity, err)
			if err := r.store.RemoveRetry(entry.ID); err != nil {
				return result, err
			}
			result.Dropped++
			continue
		}

		status, err := r.send(ctx, entry, data)
		switch {
		case err != nil || status >= 500:
			r.logger.Debugf("Queued part %s not sent yet (status %d, err: %v)", entry.Identity, status, err)
			result.Kept++
			continue
		case status >= 400:
			r.logger.Warnf("Dropping queued part %s, rejected with status %d", entry.Identity, status)
			result.Dropped++
		default:
			r.logger.Debugf("Queued part %s sent", entry.Identity)
			result.Sent++
		}

		if err := r.store.RemoveRetry(entry.ID); err != nil {
			return result, err
		}
	}

	r.logger.Donef("Replay finished: %d sent, %d dropped, %d kept", result.Sent, result.Dropped, result.Kept)
	return result, nil
}

func (r Replayer) send(ctx context.Context, entry RetryEntry, data []byte) (int, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPut, entry.URL, data)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	for k, v := range entry.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			r.logger.Warnf("Failed to close response body: %s", err)
		}
	}()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, nil
}
