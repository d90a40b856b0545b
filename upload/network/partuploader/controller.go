package partuploader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-multipart-upload/upload/network"
	"github.com/bitrise-io/go-utils/v2/log"
)

var (
	// ErrSessionGone means the remote session no longer exists; local state has been purged
	// and the upload has to start over from initiate.
	ErrSessionGone = errors.New("upload session no longer exists")
	// ErrRetriesExhausted means a part kept failing through every cooldown.
	ErrRetriesExhausted = errors.New("part retries exhausted")
	// ErrWorkRemaining is returned by Complete while parts are not uploaded yet.
	ErrWorkRemaining = errors.New("parts are still pending")

	errPartGone = errors.New("part upload reported a missing session")
)

// Dependencies are the collaborators of a Controller. Limiter, Checksums and Store are optional.
type Dependencies struct {
	ControlPlane network.ControlPlane
	Source       io.ReaderAt
	Size         int64
	Limiter      Limiter
	Checksums    Checksummer
	Store        Store
}

// Controller schedules the part transfers of a single multipart session.
type Controller struct {
	config     Config
	session    Session
	deps       Dependencies
	httpClient *http.Client
	logger     log.Logger
	progress   *progressTracker
	totalParts int
	now        func() time.Time

	hungCheckInterval time.Duration

	mu          sync.Mutex
	parts       []Part
	retryQueue  []int
	phase       Phase
	concurrency int
	foreground  int
	background  bool
	window      MetricsWindow
	quality     Quality
	lastChange  time.Time
	retries     int
	gone        bool
	wake        chan struct{}
}

// New creates a Controller for sess. The file is split into parts of sess.PartSize.
func New(config Config, sess Session, deps Dependencies, logger log.Logger) *Controller {
	config = config.withDefaults()

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = DefaultHTTPClient()
	}

	parts := Plan(deps.Size, sess.PartSize)
	return &Controller{
		config:      config,
		session:     sess,
		deps:        deps,
		httpClient:  httpClient,
		logger:      logger,
		progress:    newProgressTracker(deps.Size, config.ProgressInterval),
		totalParts:  len(parts),
		now:         time.Now,

		hungCheckInterval: time.Second,
		parts:       parts,
		phase:       PhaseIdle,
		concurrency: config.Concurrency,
		foreground:  config.Concurrency,
		quality:     QualityUnknown,
		wake:        make(chan struct{}, 1),
	}
}

// CloseIdleConnections closes idle connections in the HTTP client.
func (c *Controller) CloseIdleConnections() {
	if transport, ok := c.httpClient.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Parts returns a copy of the part table.
func (c *Controller) Parts() []Part {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Part(nil), c.parts...)
}

// Phase ...
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// Concurrency returns the current number of allowed parallel transfers.
func (c *Controller) Concurrency() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.concurrency
}

// SetConcurrency sets the number of parallel transfers, clamped to [1, 10].
// While backgrounded the value is remembered and applied on foreground.
func (c *Controller) SetConcurrency(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n = clampConcurrency(n)
	c.foreground = n
	if !c.background {
		c.concurrency = n
	}
	c.signal()
}

// SetBackground forces a single transfer and suspends adaptation while the host is backgrounded.
func (c *Controller) SetBackground(background bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if background == c.background {
		return
	}
	c.background = background
	if background {
		c.foreground = c.concurrency
		c.concurrency = MinConcurrency
	} else {
		c.concurrency = c.foreground
		c.window.Reset()
	}
	c.signal()
}

// Progress returns a snapshot of the transfer progress.
func (c *Controller) Progress() Progress {
	p := c.progress.snapshot()

	c.mu.Lock()
	defer c.mu.Unlock()

	p.Phase = c.phase
	p.PartsTotal = c.totalParts
	for _, part := range c.parts {
		if part.Status == StatusDone {
			p.PartsDone++
		}
	}
	p.Concurrency = c.concurrency
	p.Quality = c.quality
	if c.window.Len() > 0 {
		p.Quality = c.window.Quality()
	}
	p.Retries = c.retries
	return p
}

// Discover marks the parts the store already holds as done.
func (c *Controller) Discover(ctx context.Context) error {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return ErrSessionGone
	}
	c.phase = PhaseDiscovering
	c.mu.Unlock()

	listed, err := c.deps.ControlPlane.ListParts(ctx, c.session.RemoteKey, c.session.SessionID)
	if err != nil {
		if network.IsKind(err, network.KindGone) {
			return c.sessionGone("list parts")
		}
		return fmt.Errorf("list parts: %w", err)
	}
	if listed.NoSuchUpload {
		return c.sessionGone("list parts")
	}

	c.mu.Lock()
	var uploaded int64
	found := 0
	for _, lp := range listed.Parts {
		if lp.PartNumber < 1 || lp.PartNumber > len(c.parts) {
			continue
		}
		p := &c.parts[lp.PartNumber-1]
		if lp.Size > 0 && lp.Size != p.Size {
			c.logger.Warnf("Part %d has %d bytes remotely instead of %d, uploading it again", p.Number, lp.Size, p.Size)
			continue
		}
		p.Status = StatusDone
		p.ETag = normalizeETag(lp.ETag)
		found++
	}
	for _, p := range c.parts {
		if p.Status == StatusDone {
			uploaded += p.Size
		}
	}
	c.mu.Unlock()

	c.progress.seed(uploaded)
	if found > 0 {
		c.logger.Infof("Resuming upload: %d/%d parts already uploaded", found, c.totalParts)
	}
	return nil
}

// Transfer uploads every part not yet done. It returns nil once all parts are uploaded,
// the context error when ctx is canceled (parts in flight go back to pending), or the error
// that stopped the session.
func (c *Controller) Transfer(ctx context.Context) error {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return ErrSessionGone
	}
	c.phase = PhaseTransferring
	c.window.Reset()
	c.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.runTickers(runCtx)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	results := make(chan partResult)
	done := runCtx.Done()
	inFlight := 0
	var runErr error

	for {
		c.mu.Lock()
		if runErr == nil && runCtx.Err() == nil {
			for inFlight < c.concurrency {
				part := c.nextPartLocked(c.now())
				if part == nil {
					break
				}
				part.Status = StatusInFlight
				inFlight++
				go func(p Part) {
					results <- c.transferPart(runCtx, p)
				}(*part)
			}
		}

		remaining := c.remainingLocked()
		stopping := runErr != nil || runCtx.Err() != nil
		if inFlight == 0 && (remaining == 0 || stopping) {
			c.mu.Unlock()
			break
		}
		if remaining == 0 {
			c.phase = PhaseDraining
		}

		var timer *time.Timer
		var wakeAt <-chan time.Time
		if !stopping && inFlight < c.concurrency && remaining > 0 {
			if d, ok := c.nextWakeLocked(c.now()); ok {
				timer = time.NewTimer(d)
				wakeAt = timer.C
			}
		}
		c.mu.Unlock()

		select {
		case r := <-results:
			inFlight--
			if err := c.handleResult(r); err != nil && runErr == nil {
				runErr = err
				cancel()
			}
		case <-wakeAt:
		case <-c.wake:
		case <-done:
			done = nil
		}
		if timer != nil {
			timer.Stop()
		}
	}

	c.progress.tick(c.now())

	if runErr != nil {
		if errors.Is(runErr, errPartGone) {
			return c.sessionGone("upload part")
		}
		return runErr
	}
	if err := ctx.Err(); err != nil {
		c.logger.Debugf("Transfer of %s stopped: %s", c.session.RemoteKey, err)
		return err
	}
	return nil
}

// Complete merges the listed parts with the ETags collected in this session and completes the upload.
func (c *Controller) Complete(ctx context.Context) error {
	c.mu.Lock()
	if c.gone {
		c.mu.Unlock()
		return ErrSessionGone
	}
	for _, p := range c.parts {
		if p.Status != StatusDone {
			c.mu.Unlock()
			return ErrWorkRemaining
		}
	}
	c.phase = PhaseCompleting
	etags := make(map[int]string, len(c.parts))
	for _, p := range c.parts {
		if p.ETag != "" {
			etags[p.Number] = p.ETag
		}
	}
	c.mu.Unlock()

	listed, err := c.deps.ControlPlane.ListParts(ctx, c.session.RemoteKey, c.session.SessionID)
	if err != nil {
		if network.IsKind(err, network.KindGone) {
			return c.sessionGone("list parts")
		}
		return fmt.Errorf("list parts: %w", err)
	}
	if listed.NoSuchUpload {
		return c.sessionGone("list parts")
	}

	merged := make(map[int]string, c.totalParts)
	for _, lp := range listed.Parts {
		merged[lp.PartNumber] = normalizeETag(lp.ETag)
	}
	for n, etag := range etags {
		merged[n] = etag
	}

	parts := make([]network.CompletedPart, 0, c.totalParts)
	for n := 1; n <= c.totalParts; n++ {
		etag, ok := merged[n]
		if !ok || etag == "" {
			return fmt.Errorf("part %d is missing from the session", n)
		}
		parts = append(parts, network.CompletedPart{PartNumber: n, ETag: etag})
	}

	if err := c.deps.ControlPlane.Complete(ctx, c.session.RemoteKey, c.session.SessionID, parts); err != nil {
		if network.IsKind(err, network.KindGone) {
			return c.sessionGone("complete")
		}
		return fmt.Errorf("complete upload: %w", err)
	}

	c.mu.Lock()
	c.phase = PhaseCompleted
	c.mu.Unlock()

	c.logger.Donef("Completed %s from %d parts", c.session.RemoteKey, len(parts))
	return nil
}

func (c *Controller) runTickers(ctx context.Context) {
	adjust := time.NewTicker(c.config.AdjustInterval)
	defer adjust.Stop()
	progress := time.NewTicker(c.config.ProgressInterval)
	defer progress.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-adjust.C:
			c.adjust(c.now())
		case <-progress.C:
			c.progress.tick(c.now())
		}
	}
}

// adjust applies one step of the adaptive concurrency loop.
func (c *Controller) adjust(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.background || c.window.Len() == 0 {
		return
	}
	if !c.lastChange.IsZero() && now.Sub(c.lastChange) < c.config.AdjustCooldown {
		return
	}

	c.quality = c.window.Quality()
	next := clampConcurrency(c.concurrency + c.window.step())
	if next == c.concurrency {
		return
	}

	avg, rate, _ := c.window.Stats()
	c.logger.Infof("Network quality %s (avg RTT %s, %.0f%% failures), concurrency %d -> %d",
		c.quality, avg.Round(time.Millisecond), rate*100, c.concurrency, next)

	c.concurrency = next
	c.foreground = next
	c.lastChange = now
	c.window.Reset()
	c.signal()
}

func (c *Controller) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// nextPartLocked picks the first retry queue entry out of backoff, else the cheapest pending part.
func (c *Controller) nextPartLocked(now time.Time) *Part {
	for i, n := range c.retryQueue {
		p := &c.parts[n-1]
		if p.BackoffUntil.After(now) {
			continue
		}
		c.retryQueue = append(c.retryQueue[:i], c.retryQueue[i+1:]...)
		return p
	}

	var best *Part
	for i := range c.parts {
		p := &c.parts[i]
		if p.Status == StatusDone || p.Status == StatusInFlight || p.BackoffUntil.After(now) || c.queuedLocked(p.Number) {
			continue
		}
		if best == nil || score(p) < score(best) {
			best = p
		}
	}
	return best
}

func score(p *Part) int64 {
	return p.Size + p.LastRTT.Milliseconds()
}

func (c *Controller) queuedLocked(number int) bool {
	for _, n := range c.retryQueue {
		if n == number {
			return true
		}
	}
	return false
}

func (c *Controller) remainingLocked() int {
	n := 0
	for _, p := range c.parts {
		if p.Status != StatusDone && p.Status != StatusInFlight {
			n++
		}
	}
	return n
}

// nextWakeLocked returns the time until the earliest backoff ends.
func (c *Controller) nextWakeLocked(now time.Time) (time.Duration, bool) {
	var earliest time.Time
	for _, p := range c.parts {
		if p.Status == StatusDone || p.Status == StatusInFlight || !p.BackoffUntil.After(now) {
			continue
		}
		if earliest.IsZero() || p.BackoffUntil.Before(earliest) {
			earliest = p.BackoffUntil
		}
	}
	if earliest.IsZero() {
		return 0, false
	}
	return earliest.Sub(now), true
}

func (c *Controller) handleResult(r partResult) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	p := &c.parts[r.number-1]
	if r.err == nil {
		p.Status = StatusDone
		p.ETag = r.etag
		p.LastRTT = r.rtt
		p.Failures = 0
		p.BackoffUntil = time.Time{}
		c.window.Record(r.rtt, false)
		c.progress.finish(p.Number, p.Size, r.rtt)
		c.logger.Debugf("Part %d/%d uploaded in %s", p.Number, c.totalParts, r.rtt.Round(time.Millisecond))

		if p.escalatedID != "" && c.deps.Store != nil {
			if err := c.deps.Store.RemoveRetry(p.escalatedID); err != nil {
				c.logger.Warnf("Failed to remove part %d from the offline queue: %s", p.Number, err)
			}
			p.escalatedID = ""
		}
		return nil
	}

	c.progress.drop(p.Number)
	p.Status = StatusPending

	switch network.Classify(r.err) {
	case network.KindAborted:
		return nil
	case network.KindTransient:
		p.LastRTT = r.rtt
		return c.retryLocked(p, r)
	case network.KindGone:
		return fmt.Errorf("part %d: %w: %s", p.Number, errPartGone, r.err)
	default:
		c.logger.Errorf("Part %d failed: %s", p.Number, r.err)
		return fmt.Errorf("part %d: %w", p.Number, r.err)
	}
}

func (c *Controller) retryLocked(p *Part, r partResult) error {
	c.retries++
	p.Failures++
	c.window.Record(r.rtt, true)
	now := c.now()

	if p.Failures >= c.config.FailureThreshold {
		if p.Cooldowns >= c.config.MaxCooldowns {
			return fmt.Errorf("part %d failed %d times: %w: %s", p.Number, p.Failures, ErrRetriesExhausted, r.err)
		}
		p.Cooldowns++
		p.Failures = 0
		p.Status = StatusBackoff
		p.BackoffUntil = now.Add(c.config.Cooldown)
		c.logger.Warnf("Part %d failed %d times in a row, cooling down for %s: %s",
			p.Number, c.config.FailureThreshold, c.config.Cooldown, r.err)
		c.escalateLocked(p, r)
		return nil
	}

	backoff := c.config.BackoffBase * time.Duration(1<<uint(p.Failures-1))
	p.Status = StatusBackoff
	p.BackoffUntil = now.Add(backoff)
	c.retryQueue = append(c.retryQueue, p.Number)
	c.logger.Warnf("Part %d attempt %d failed, retrying in %s: %s", p.Number, p.Failures, backoff, r.err)
	return nil
}

// escalateLocked hands the part bytes to the offline queue for background replay.
func (c *Controller) escalateLocked(p *Part, r partResult) {
	if c.deps.Store == nil || r.data == nil || r.url.URL == "" || p.escalatedID != "" {
		return
	}

	entry := newRetryEntry(c.session.ResumeKey, p.Number, r.url, int64(len(r.data)))
	if err := c.deps.Store.EnqueueRetry(entry, r.data); err != nil {
		c.logger.Warnf("Failed to queue part %d for offline replay: %s", p.Number, err)
		return
	}
	p.escalatedID = entry.ID
	c.logger.Infof("Part %d queued for offline replay", p.Number)
}

func (c *Controller) sessionGone(op string) error {
	c.mu.Lock()
	c.gone = true
	c.parts = nil
	c.retryQueue = nil
	c.phase = PhaseIdle
	c.mu.Unlock()

	c.progress.reset()

	if c.deps.Store != nil {
		if err := c.deps.Store.Delete(c.session.ResumeKey, c.session.LegacyKey); err != nil {
			c.logger.Warnf("Failed to purge session: %s", err)
		}
		if err := c.deps.Store.RemoveRetriesFor(c.session.ResumeKey); err != nil {
			c.logger.Warnf("Failed to purge queued parts: %s", err)
		}
	}

	c.logger.Warnf("Upload session %s of %s no longer exists, local state purged", c.session.SessionID, c.session.RemoteKey)
	return fmt.Errorf("%s: %w", op, ErrSessionGone)
}

func normalizeETag(etag string) string {
	return strings.Trim(etag, `"`)
}
