package partuploader

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/bitrise-io/go-multipart-upload/upload/network"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

type partResult struct {
	number int
	etag   string
	rtt    time.Duration
	err    error
	// data and url are kept so a failing part can be escalated without rereading the source.
	data []byte
	url  network.SignedURL
}

func newRetryEntry(resumeKey string, partNumber int, url network.SignedURL, size int64) session.RetryEntry {
	return session.RetryEntry{
		ID:         uuid.NewString(),
		Identity:   session.RetryIdentity(resumeKey, partNumber),
		URL:        url.URL,
		Headers:    url.Headers,
		PartNumber: partNumber,
		Size:       size,
	}
}

// transferPart reads, checksums, signs and PUTs a single part.
// An auth rejection of the PUT is answered with exactly one re-sign.
func (c *Controller) transferPart(ctx context.Context, part Part) partResult {
	result := partResult{number: part.Number}
	start := time.Now()

	c.logger.Debugf("Uploading part %d/%d (%d bytes)", part.Number, c.totalParts, part.Size)

	data, err := readPart(c.deps.Source, part)
	if err != nil {
		result.err = network.NewError("read part", network.KindClient, err)
		return result
	}
	result.data = data

	checksum := ""
	if c.deps.Checksums != nil {
		sum, err := c.deps.Checksums.Compute(ctx, data)
		switch {
		case err == nil:
			checksum = sum
		case ctx.Err() != nil:
			result.err = network.NewError("checksum part", network.KindAborted, ctx.Err())
			return result
		default:
			c.logger.Warnf("Checksum of part %d failed, sending it without one: %s", part.Number, err)
		}
	}

	url, err := c.sign(ctx, part.Number, checksum)
	if err != nil {
		result.err = err
		result.rtt = time.Since(start)
		return result
	}
	result.url = url

	etag, err := c.putWithHungDetection(ctx, part, url, data)
	if network.IsKind(err, network.KindAuth) {
		c.logger.Warnf("Signature of part %d rejected, signing it again: %s", part.Number, err)
		url, err = c.sign(ctx, part.Number, checksum)
		if err == nil {
			result.url = url
			etag, err = c.putWithHungDetection(ctx, part, url, data)
			if network.IsKind(err, network.KindAuth) {
				err = network.NewError("upload part", network.KindClient, fmt.Errorf("rejected after re-sign: %w", err))
			}
		}
	}

	result.rtt = time.Since(start)
	result.etag = etag
	result.err = err
	return result
}

func (c *Controller) sign(ctx context.Context, partNumber int, checksum string) (network.SignedURL, error) {
	url, err := c.deps.ControlPlane.SignPart(ctx, network.SignPartRequest{
		RemoteKey:      c.session.RemoteKey,
		SessionID:      c.session.SessionID,
		PartNumber:     partNumber,
		ChecksumCRC32C: checksum,
	})
	if err != nil {
		return network.SignedURL{}, fmt.Errorf("sign part %d: %w", partNumber, err)
	}
	if url.URL == "" {
		return network.SignedURL{}, network.NewError("sign part", network.KindTransient, errors.New("empty part URL"))
	}
	return url, nil
}

func (c *Controller) putWithHungDetection(ctx context.Context, part Part, url network.SignedURL, data []byte) (string, error) {
	partCtx, cancelPart := context.WithCancel(ctx)
	defer cancelPart()

	start := time.Now()
	if c.config.HungThreshold > 0 {
		go c.detectHungUpload(partCtx, cancelPart, start, part)
	}

	etag, err := c.put(partCtx, part, url, data)
	if err != nil && ctx.Err() == nil && partCtx.Err() == context.Canceled {
		return "", network.NewError("upload part", network.KindTransient,
			fmt.Errorf("part %d hung, canceled after %s", part.Number, time.Since(start).Round(time.Second)))
	}
	return etag, err
}

// detectHungUpload cancels a part running HungThreshold longer than parts of its size took so far.
func (c *Controller) detectHungUpload(ctx context.Context, cancel context.CancelFunc, start time.Time, part Part) {
	ticker := time.NewTicker(c.hungCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expected, ok := c.progress.expected(part.Size)
			if !ok {
				continue
			}
			elapsed := time.Since(start)
			if elapsed-expected > c.config.HungThreshold {
				c.logger.Warnf("Found hung part upload (part %d); canceling request after %s (expected: %s)",
					part.Number, elapsed.Round(time.Second), expected.Round(time.Second))
				cancel()
				return
			}
		}
	}
}

func (c *Controller) put(ctx context.Context, part Part, url network.SignedURL, data []byte) (string, error) {
	c.progress.drop(part.Number)

	body := &limitedBody{
		ctx:     ctx,
		reader:  bytes.NewReader(data),
		limiter: c.deps.Limiter,
		onRead:  func(n int) { c.progress.addInFlight(part.Number, int64(n)) },
	}

	method := url.Method
	if method == "" {
		method = http.MethodPut
	}
	req, err := http.NewRequestWithContext(ctx, method, url.URL, body)
	if err != nil {
		return "", network.NewError("upload part", network.KindClient, fmt.Errorf("create request: %w", err))
	}
	for k, v := range url.Headers {
		req.Header.Set(k, v)
	}
	req.ContentLength = int64(len(data))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", network.NewError("upload part", network.KindAborted, fmt.Errorf("part upload canceled: %w", ctx.Err()))
		}
		return "", network.NewError("upload part", network.KindTransient, fmt.Errorf("do request: %w", err))
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			c.logger.Warnf("Failed to close response body: %s", err)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errorBody := make([]byte, 1024)
		n, _ := io.ReadAtLeast(resp.Body, errorBody, 1)
		return "", network.NewStatusError("upload part", resp.StatusCode, errorBody[:n])
	}

	etag := resp.Header.Get("ETag")
	if etag == "" {
		return "", network.NewError("upload part", network.KindTransient, errors.New("no ETag in response"))
	}
	return normalizeETag(etag), nil
}

// limitedBody hands the request body to the transport in slices, waiting on the limiter for each.
type limitedBody struct {
	ctx     context.Context
	reader  io.Reader
	limiter Limiter
	onRead  func(n int)
}

func (b *limitedBody) Read(p []byte) (int, error) {
	if len(p) > bodySliceSize {
		p = p[:bodySliceSize]
	}
	n, err := b.reader.Read(p)
	if n > 0 {
		if b.limiter != nil {
			if lerr := b.limiter.Consume(b.ctx, n); lerr != nil {
				return n, lerr
			}
		}
		b.onRead(n)
	}
	return n, err
}
