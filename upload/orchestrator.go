// Package upload queues files and drives each of them through a resumable multipart upload session.
package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/bitrise-io/go-utils/v2/retryhttp"
	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
	"github.com/google/uuid"

	"github.com/bitrise-io/go-multipart-upload/internal"
	"github.com/bitrise-io/go-multipart-upload/upload/checksum"
	"github.com/bitrise-io/go-multipart-upload/upload/network"
	"github.com/bitrise-io/go-multipart-upload/upload/network/partuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/ratelimit"
	"github.com/bitrise-io/go-multipart-upload/upload/resumekey"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

var (
	// ErrEmptyFile rejects zero byte files before any network call.
	ErrEmptyFile = errors.New("file is empty")
	// ErrTypeNotAccepted rejects files whose MIME type matches none of the accept patterns.
	ErrTypeNotAccepted = errors.New("file type is not accepted")
	// ErrCanceled is the outcome of a task canceled by the user.
	ErrCanceled = errors.New("upload canceled")
)

// maxSessionRestarts bounds how many times a task starts over after its session is lost.
const maxSessionRestarts = 3

const mib = 1024 * 1024

// Registrar hands a completed upload to downstream processing.
type Registrar interface {
	Register(ctx context.Context, remoteKey string) error
}

// PosterUploader stores a preview image of an uploaded video.
type PosterUploader interface {
	UploadPoster(ctx context.Context, baseName string, image io.Reader, contentType string) (string, error)
}

// PreviewFunc renders a poster image of file. A nil image skips the poster.
type PreviewFunc func(ctx context.Context, file FileSource) (image io.Reader, contentType string, err error)

// Completed describes a finished task.
type Completed struct {
	TaskID       string
	Name         string
	RemoteKey    string
	PosterKey    string
	Deduplicated bool
}

// Dependencies of the Orchestrator. Only nil-able fields are optional.
type Dependencies struct {
	// ControlPlane defaults to an APIClient built from Config.
	ControlPlane network.ControlPlane
	// Store defaults to a bbolt file at Config.SessionDBPath.
	Store       *session.Store
	Registrar   Registrar
	Posters     PosterUploader
	Preview     PreviewFunc
	OnCompleted func(Completed)
	Tracker     analytics.Tracker
	EnvRepo     env.Repository
	OS          internal.OsProxy
	// PartConfig overrides partuploader.DefaultConfig(); its Concurrency is replaced by the orchestrator's.
	PartConfig *partuploader.Config
	HTTPClient *http.Client
}

type task struct {
	FileTask
	source FileSource
	owned  bool
}

type activeUpload struct {
	task       *task
	cancelTask context.CancelFunc
	cancelRun  context.CancelFunc
	controller *partuploader.Controller
	session    *partuploader.Session
	canceled   bool
}

// Orchestrator uploads queued files one at a time.
type Orchestrator struct {
	config       Config
	deps         Dependencies
	controlPlane network.ControlPlane
	store        *session.Store
	ownsStore    bool
	partConfig   partuploader.Config
	checksums    *checksum.Pool
	limiter      *ratelimit.Bucket
	tracker      uploadTracker
	logger       log.Logger

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup
	wake chan struct{}

	mu          sync.Mutex
	tasks       []*task
	active      *activeUpload
	last        *task
	phase       Phase
	paused      bool
	closed      bool
	background  bool
	network     ratelimit.NetworkClass
	downlink    float64
	concurrency int
	changed     chan struct{}
}

// NewOrchestrator creates an Orchestrator and starts its worker. Close releases it.
func NewOrchestrator(config Config, deps Dependencies, logger log.Logger) (*Orchestrator, error) {
	config = config.withDefaults()
	if deps.OS == nil {
		deps.OS = internal.RealOS{}
	}
	if deps.EnvRepo == nil {
		deps.EnvRepo = env.NewRepository()
	}

	controlPlane := deps.ControlPlane
	if controlPlane == nil {
		if config.APIBaseURL == "" {
			return nil, errors.New("the control plane URL (UPLOAD_API_URL) is not defined")
		}
		client := network.NewAPIClient(retryhttp.NewClient(logger), config.APIBaseURL, string(config.APIAccessToken), logger)
		controlPlane = client
		if deps.Registrar == nil {
			deps.Registrar = client
		}
	}

	store := deps.Store
	ownsStore := false
	if store == nil {
		s, err := session.Open(config.SessionDBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		store = s
		ownsStore = true
	}

	partConfig := partuploader.DefaultConfig()
	if deps.PartConfig != nil {
		partConfig = *deps.PartConfig
	}
	if deps.HTTPClient != nil {
		partConfig.HTTPClient = deps.HTTPClient
	}

	class := ratelimit.ParseNetworkClass(config.NetworkClass)
	ctx, stop := context.WithCancel(context.Background())
	o := &Orchestrator{
		config:       config,
		deps:         deps,
		controlPlane: controlPlane,
		store:        store,
		ownsStore:    ownsStore,
		partConfig:   partConfig,
		checksums:    checksum.New(checksum.Config{Disabled: !config.Checksums}, logger),
		limiter:      ratelimit.New(ratelimit.TargetFor(class, 0, false)),
		tracker:      newUploadTracker(deps.Tracker, config.Analytics, deps.EnvRepo, logger),
		logger:       logger,
		ctx:          ctx,
		stop:         stop,
		wake:         make(chan struct{}, 1),
		phase:        PhaseIdle,
		network:      class,
		concurrency:  config.Concurrency,
		changed:      make(chan struct{}),
	}

	o.wg.Add(2)
	go func() {
		defer o.wg.Done()
		o.replayOffline()
	}()
	go func() {
		defer o.wg.Done()
		o.run()
	}()

	return o, nil
}

// EnqueueFiles queues files for upload and returns their task IDs.
func (o *Orchestrator) EnqueueFiles(files ...FileSource) []string {
	ids := make([]string, 0, len(files))
	for _, file := range files {
		ids = append(ids, o.enqueue(file, false))
	}
	return ids
}

// EnqueuePaths queues local files matched by doublestar patterns. Plain paths are taken as they are.
func (o *Orchestrator) EnqueuePaths(patterns ...string) ([]string, error) {
	var ids []string
	for _, p := range o.expandPaths(patterns) {
		file, err := OpenLocalFile(o.deps.OS, p)
		if err != nil {
			o.logger.Warnf("Skipping %s: %s", p, err)
			continue
		}
		ids = append(ids, o.enqueue(file, true))
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("no files matched: %s", strings.Join(patterns, ", "))
	}
	return ids, nil
}

func (o *Orchestrator) expandPaths(patterns []string) []string {
	var paths []string
	for _, pattern := range patterns {
		if !strings.Contains(pattern, "*") {
			paths = append(paths, pattern)
			continue
		}

		base, rel := doublestar.SplitPattern(pattern)
		absBase, err := o.deps.OS.Abs(base)
		if err != nil {
			o.logger.Warnf("Failed to resolve %s: %s", base, err)
			continue
		}
		matches, err := doublestar.Glob(o.deps.OS.DirFS(absBase), rel, doublestar.WithNoFollow())
		if err != nil {
			o.logger.Warnf("Error in path pattern '%s': %s", pattern, err)
			continue
		}
		if len(matches) == 0 {
			o.logger.Warnf("No match for path pattern: %s", pattern)
			continue
		}
		for _, match := range matches {
			paths = append(paths, filepath.Join(absBase, match))
		}
	}
	return paths
}

func (o *Orchestrator) enqueue(file FileSource, owned bool) string {
	t := &task{
		FileTask: FileTask{
			ID:     uuid.NewString(),
			Name:   file.Name(),
			Type:   file.Type(),
			Size:   file.Size(),
			Status: TaskPending,
		},
		source: file,
		owned:  owned,
	}

	o.mu.Lock()
	o.tasks = append(o.tasks, t)
	o.changedLocked()
	o.mu.Unlock()
	o.signal()

	o.logger.Printf("Queued %s (%s, %s)", t.Name, t.Type, units.HumanSizeWithPrecision(float64(t.Size), 3))
	return t.ID
}

// Tasks returns a snapshot of every queued task, including finished ones.
func (o *Orchestrator) Tasks() []FileTask {
	o.mu.Lock()
	defer o.mu.Unlock()

	tasks := make([]FileTask, 0, len(o.tasks))
	for _, t := range o.tasks {
		ft := t.FileTask
		if o.active != nil && o.active.task == t && o.active.controller != nil {
			ft.Progress = o.active.controller.Progress().Percent
		}
		tasks = append(tasks, ft)
	}
	return tasks
}

// Status reports the current upload.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Status{Phase: o.phase, Concurrency: o.concurrency}
	switch {
	case o.active != nil:
		s.Task = o.active.task.Name
		if c := o.active.controller; c != nil {
			p := c.Progress()
			s.Percent = p.Percent
			s.Throughput = p.Throughput
			s.ETA = p.ETA
			s.Quality = p.Quality
			s.Retries = p.Retries
			s.Concurrency = p.Concurrency
		}
	case o.last != nil:
		s.Task = o.last.Name
		s.Percent = o.last.Progress
	}
	return s
}

// Pause aborts the transfers in flight and holds the queue. Session state is kept.
func (o *Orchestrator) Pause() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused || o.closed {
		return
	}
	o.paused = true
	o.phase = PhasePaused
	if o.active != nil {
		o.active.task.Status = TaskPaused
		if o.active.cancelRun != nil {
			o.active.cancelRun()
		}
	}
	o.changedLocked()
	o.logger.Infof("Uploads paused")
}

// Resume continues a paused upload with the same session and part table.
func (o *Orchestrator) Resume() {
	o.mu.Lock()
	if !o.paused {
		o.mu.Unlock()
		return
	}
	o.paused = false
	o.changedLocked()
	o.mu.Unlock()

	o.signal()
	o.logger.Infof("Uploads resumed")
}

// Cancel aborts the current upload and its remote session, then moves on to the next task.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.active == nil || o.active.canceled {
		return
	}
	o.active.canceled = true
	if o.active.cancelTask != nil {
		o.active.cancelTask()
	}
}

// SetConcurrency sets the number of parallel part transfers.
func (o *Orchestrator) SetConcurrency(n int) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if n < partuploader.MinConcurrency {
		n = partuploader.MinConcurrency
	}
	if n > partuploader.MaxConcurrency {
		n = partuploader.MaxConcurrency
	}
	o.concurrency = n
	if o.active != nil && o.active.controller != nil {
		o.active.controller.SetConcurrency(n)
	}
}

// SetBackground reports whether the embedding host runs in the background.
func (o *Orchestrator) SetBackground(background bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.background = background
	if o.active != nil && o.active.controller != nil {
		o.active.controller.SetBackground(background)
	}
	o.retargetLocked()
}

// SetNetwork reports the connection class and the downlink estimate (0 when unknown).
func (o *Orchestrator) SetNetwork(class string, downlinkMbps float64) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.network = ratelimit.ParseNetworkClass(class)
	o.downlink = downlinkMbps
	o.retargetLocked()
}

func (o *Orchestrator) retargetLocked() {
	o.limiter.SetTarget(ratelimit.TargetFor(o.network, o.downlink, o.background))
	o.logger.Debugf("Upload rate limit: %s", o.limiter)
}

// Wait blocks until no task is pending, uploading or paused.
func (o *Orchestrator) Wait(ctx context.Context) error {
	for {
		o.mu.Lock()
		busy := !o.closed && o.busyLocked()
		changed := o.changed
		o.mu.Unlock()

		if !busy {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Close stops the worker and releases the resources the orchestrator opened.
// Sessions of unfinished uploads stay persisted.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.changedLocked()
	o.mu.Unlock()

	o.stop()
	o.wg.Wait()

	if err := o.checksums.Close(); err != nil {
		o.logger.Warnf("Failed to stop checksum workers: %s", err)
	}
	o.tracker.wait()

	o.mu.Lock()
	for _, t := range o.tasks {
		if t.Status == TaskPending || t.Status == TaskPaused {
			o.closeSource(t)
		}
	}
	o.mu.Unlock()

	if o.ownsStore {
		return o.store.Close()
	}
	return nil
}

func (o *Orchestrator) busyLocked() bool {
	for _, t := range o.tasks {
		switch t.Status {
		case TaskPending, TaskUploading, TaskPaused:
			return true
		}
	}
	return false
}

func (o *Orchestrator) changedLocked() {
	close(o.changed)
	o.changed = make(chan struct{})
}

func (o *Orchestrator) signal() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) replayOffline() {
	replayer := session.NewReplayer(o.store, retryhttp.NewClient(o.logger), o.logger)
	if _, err := replayer.Replay(o.ctx); err != nil && o.ctx.Err() == nil {
		o.logger.Warnf("Failed to replay queued parts: %s", err)
	}
}

func (o *Orchestrator) run() {
	for {
		t := o.next()
		if t == nil {
			return
		}
		o.process(t)
	}
}

func (o *Orchestrator) next() *task {
	for {
		o.mu.Lock()
		if o.closed {
			o.mu.Unlock()
			return nil
		}
		if !o.paused {
			for _, t := range o.tasks {
				if t.Status == TaskPending {
					o.mu.Unlock()
					return t
				}
			}
		}
		o.mu.Unlock()

		select {
		case <-o.wake:
		case <-o.ctx.Done():
			return nil
		}
	}
}

func (o *Orchestrator) process(t *task) {
	ctx, cancel := context.WithCancel(o.ctx)
	defer cancel()

	o.mu.Lock()
	o.active = &activeUpload{task: t, cancelTask: cancel}
	t.Status = TaskUploading
	o.phase = PhasePreparing
	o.changedLocked()
	o.mu.Unlock()

	o.logger.Println()
	o.logger.Infof("Uploading %s (%s)", t.Name, units.HumanSizeWithPrecision(float64(t.Size), 3))
	start := time.Now()

	completed, err := o.upload(ctx, t)

	o.mu.Lock()
	active := o.active
	o.active = nil
	o.mu.Unlock()

	if err != nil && active.canceled {
		o.abortSession(active.session)
		err = ErrCanceled
	}

	switch {
	case err == nil:
		o.logger.Donef("Uploaded %s as %s in %s", t.Name, completed.RemoteKey, time.Since(start).Round(time.Second))
		if o.deps.OnCompleted != nil {
			o.deps.OnCompleted(completed)
		}
	case errors.Is(err, ErrCanceled):
		o.logger.Warnf("Upload of %s canceled", t.Name)
		o.tracker.logCanceled(t.source)
	case o.ctx.Err() != nil:
		o.logger.Infof("Upload of %s interrupted, it resumes on the next run", t.Name)
	default:
		o.logger.Errorf("Upload of %s failed: %s", t.Name, err)
		o.tracker.logFailed(t.source, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.last = t
	switch {
	case err == nil:
		t.Status = TaskDone
		t.Progress = 100
		t.RemoteKey = completed.RemoteKey
		o.phase = PhaseDone
	case errors.Is(err, ErrCanceled):
		t.Status = TaskError
		t.Message = "canceled"
		o.phase = PhaseCanceled
	case o.ctx.Err() != nil:
		// Closing; the session stays persisted for the next run.
		t.Status = TaskPending
		o.phase = PhaseIdle
	default:
		t.Status = TaskError
		t.Message = err.Error()
		o.phase = PhaseError
	}
	if t.Status != TaskPending {
		o.closeSource(t)
	}
	o.changedLocked()
}

func (o *Orchestrator) closeSource(t *task) {
	if !t.owned {
		return
	}
	if closer, ok := t.source.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			o.logger.Warnf("Failed to close %s: %s", t.Name, err)
		}
	}
	t.owned = false
}

func (o *Orchestrator) validate(file FileSource) error {
	if file.Size() <= 0 {
		return ErrEmptyFile
	}
	for _, pattern := range o.config.Accept {
		if ok, err := doublestar.Match(pattern, file.Type()); err == nil && ok {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrTypeNotAccepted, file.Type())
}

func (o *Orchestrator) upload(ctx context.Context, t *task) (Completed, error) {
	if err := o.validate(t.source); err != nil {
		return Completed{}, err
	}

	start := time.Now()
	identity, err := resumekey.Derive(t.source, t.source.Size())
	if err != nil {
		o.logger.Warnf("Failed to derive the resume key of %s, falling back to the legacy key: %s", t.Name, err)
		identity = resumekey.Identity{}
	}
	legacy := resumekey.Legacy(t.source.Name(), t.source.Size(), t.source.ModTime())
	o.logger.TDebugf("Resume key derived")

	for restarts := 0; ; restarts++ {
		result, err := o.runSession(ctx, t, identity, legacy, restarts == 0)
		if err == nil {
			if !result.completed.Deduplicated {
				o.tracker.logCompleted(time.Since(start), t.source, result.parts, result.retries, restarts)
			}
			return result.completed, nil
		}
		if errors.Is(err, partuploader.ErrSessionGone) && restarts < maxSessionRestarts {
			o.logger.Warnf("Upload session of %s was lost, starting over (%d/%d)", t.Name, restarts+1, maxSessionRestarts)
			continue
		}
		return Completed{}, err
	}
}

type sessionResult struct {
	completed Completed
	parts     int
	retries   int
}

func (o *Orchestrator) runSession(ctx context.Context, t *task, identity resumekey.Identity, legacy string, first bool) (sessionResult, error) {
	o.setPhase(PhasePreparing)

	sess, resumeKey := o.loadSession(identity, legacy)
	if first {
		o.tracker.logStarted(t.source, sess != nil)
	}

	if sess == nil {
		resp, err := o.controlPlane.Initiate(ctx, network.InitiateRequest{
			FileName:    t.source.Name(),
			FileType:    t.source.Type(),
			FileSize:    t.source.Size(),
			ContentHash: identity.Key,
			HeadHash:    identity.HeadHash,
			TailHash:    identity.TailHash,
		})
		if err != nil {
			return sessionResult{}, fmt.Errorf("initiate upload: %w", err)
		}
		o.logger.TDebugf("Upload initiated")

		if resp.Dedup && resp.SessionID == "" {
			o.logger.Donef("%s is already uploaded as %s", t.Name, resp.RemoteKey)
			o.tracker.logDeduplicated(t.source)
			return sessionResult{completed: o.finish(ctx, t, resp.RemoteKey, true)}, nil
		}

		o.mu.Lock()
		slow := o.network.IsSlow()
		o.mu.Unlock()

		resumeKey = identity.Key
		if resumeKey == "" {
			resumeKey = legacy
		}
		sess = &session.Session{
			RemoteKey: resp.RemoteKey,
			SessionID: resp.SessionID,
			PartSize:  ChoosePartSize(resp.PartSize, t.source.Size(), slow),
		}
		if err := o.store.Save(resumeKey, *sess); err != nil {
			o.logger.Warnf("Failed to persist the session of %s, it can not be resumed after a restart: %s", t.Name, err)
		}
	} else {
		o.logger.Infof("Resuming %s from session %s", t.Name, sess.SessionID)
	}

	legacyKey := legacy
	if legacyKey == resumeKey {
		legacyKey = ""
	}
	ps := partuploader.Session{
		ResumeKey: resumeKey,
		LegacyKey: legacyKey,
		RemoteKey: sess.RemoteKey,
		SessionID: sess.SessionID,
		PartSize:  sess.PartSize,
	}

	o.mu.Lock()
	partConfig := o.partConfig
	partConfig.Concurrency = o.concurrency
	o.mu.Unlock()

	controller := partuploader.New(partConfig, ps, partuploader.Dependencies{
		ControlPlane: o.controlPlane,
		Source:       t.source,
		Size:         t.source.Size(),
		Limiter:      o.limiter,
		Checksums:    o.checksums,
		Store:        o.store,
	}, o.logger)
	defer controller.CloseIdleConnections()
	o.attach(controller, &ps)

	if err := controller.Discover(ctx); err != nil {
		return sessionResult{}, err
	}
	o.logger.TDebugf("Parts discovered")

	if err := o.transfer(ctx, controller); err != nil {
		return sessionResult{}, err
	}
	o.logger.TDebugf("Parts transferred")

	o.setPhase(PhaseMerging)
	if err := controller.Complete(ctx); err != nil {
		return sessionResult{}, err
	}

	if err := o.store.Delete(resumeKey, legacyKey); err != nil {
		o.logger.Warnf("Failed to delete the session of %s: %s", t.Name, err)
	}
	if err := o.store.RemoveRetriesFor(resumeKey); err != nil {
		o.logger.Warnf("Failed to drop queued parts of %s: %s", t.Name, err)
	}

	progress := controller.Progress()
	return sessionResult{
		completed: o.finish(ctx, t, sess.RemoteKey, false),
		parts:     progress.PartsTotal,
		retries:   progress.Retries,
	}, nil
}

// loadSession looks the session up by content key, then by legacy key. A session found under
// the legacy key is moved to the content key.
func (o *Orchestrator) loadSession(identity resumekey.Identity, legacy string) (*session.Session, string) {
	for _, key := range resumekey.Candidates(identity, legacy) {
		sess, err := o.store.Load(key)
		if err != nil {
			o.logger.Warnf("Failed to load session %s: %s", key, err)
			continue
		}
		if sess == nil {
			continue
		}

		if key == legacy && identity.Key != "" {
			if err := o.store.Save(identity.Key, *sess); err != nil {
				o.logger.Warnf("Failed to migrate session %s: %s", key, err)
				return sess, key
			}
			if err := o.store.Delete(legacy); err != nil {
				o.logger.Warnf("Failed to delete legacy session %s: %s", key, err)
			}
			key = identity.Key
		}
		return sess, key
	}
	return nil, ""
}

func (o *Orchestrator) attach(controller *partuploader.Controller, ps *partuploader.Session) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.active.controller = controller
	o.active.session = ps
	if o.background {
		controller.SetBackground(true)
	}
}

// transfer runs the controller until every part is uploaded, sitting out pauses.
func (o *Orchestrator) transfer(ctx context.Context, controller *partuploader.Controller) error {
	for {
		if err := o.waitResume(ctx); err != nil {
			return err
		}

		runCtx, cancel := context.WithCancel(ctx)
		if !o.arm(cancel) {
			cancel()
			continue
		}
		err := controller.Transfer(runCtx)
		o.disarm()
		cancel()

		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			continue
		}
		return err
	}
}

func (o *Orchestrator) arm(cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.paused {
		return false
	}
	o.active.cancelRun = cancel
	o.active.task.Status = TaskUploading
	o.phase = PhaseUploading
	o.changedLocked()
	return true
}

func (o *Orchestrator) disarm() {
	o.mu.Lock()
	o.active.cancelRun = nil
	o.mu.Unlock()
}

func (o *Orchestrator) waitResume(ctx context.Context) error {
	for {
		o.mu.Lock()
		if !o.paused {
			o.mu.Unlock()
			return nil
		}
		if o.active.task.Status != TaskPaused {
			o.active.task.Status = TaskPaused
			o.phase = PhasePaused
			o.changedLocked()
		}
		o.mu.Unlock()

		select {
		case <-o.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (o *Orchestrator) setPhase(phase Phase) {
	o.mu.Lock()
	o.phase = phase
	o.changedLocked()
	o.mu.Unlock()
}

func (o *Orchestrator) abortSession(ps *partuploader.Session) {
	if ps == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), network.ControlTimeout)
	defer cancel()
	if err := o.controlPlane.Abort(ctx, ps.RemoteKey, ps.SessionID); err != nil {
		o.logger.Warnf("Failed to abort session %s: %s", ps.SessionID, err)
	}
	if err := o.store.Delete(ps.ResumeKey, ps.LegacyKey); err != nil {
		o.logger.Warnf("Failed to delete session %s: %s", ps.SessionID, err)
	}
	if err := o.store.RemoveRetriesFor(ps.ResumeKey); err != nil {
		o.logger.Warnf("Failed to drop queued parts of session %s: %s", ps.SessionID, err)
	}
}

// finish runs the best effort side effects of a completed upload.
func (o *Orchestrator) finish(ctx context.Context, t *task, remoteKey string, deduplicated bool) Completed {
	completed := Completed{TaskID: t.ID, Name: t.Name, RemoteKey: remoteKey, Deduplicated: deduplicated}

	if !deduplicated && o.deps.Preview != nil && o.deps.Posters != nil {
		image, contentType, err := o.deps.Preview(ctx, t.source)
		switch {
		case err != nil:
			o.logger.Warnf("Failed to render a preview of %s: %s", t.Name, err)
		case image != nil:
			key, err := o.deps.Posters.UploadPoster(ctx, baseName(remoteKey), image, contentType)
			if err != nil {
				o.logger.Warnf("Failed to upload the poster of %s: %s", t.Name, err)
			} else {
				completed.PosterKey = key
			}
		}
	}

	if o.deps.Registrar != nil {
		if err := o.deps.Registrar.Register(ctx, remoteKey); err != nil {
			o.logger.Warnf("Failed to register %s: %s", remoteKey, err)
		}
	}
	return completed
}

func baseName(remoteKey string) string {
	name := path.Base(remoteKey)
	return strings.TrimSuffix(name, path.Ext(name))
}

// ChoosePartSize picks the part size of a new session: the suggested size (8 MiB when unknown,
// 5 MiB on slow networks) raised to the store minimum and so the file fits in the maximum part count.
func ChoosePartSize(suggested, fileSize int64, slow bool) int64 {
	switch {
	case slow:
		return network.PlanSlowPartSize(fileSize)
	case suggested <= 0:
		return network.PlanPartSize(fileSize)
	}

	minimum := (fileSize + network.MaxParts - 1) / network.MaxParts
	minimum = (minimum + mib - 1) / mib * mib
	if minimum < network.MinPartSize {
		minimum = network.MinPartSize
	}
	if minimum > suggested {
		return minimum
	}
	return suggested
}
