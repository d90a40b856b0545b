package upload

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/analytics"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bitrise-io/go-multipart-upload/upload/network"
	"github.com/bitrise-io/go-multipart-upload/upload/network/partuploader"
	"github.com/bitrise-io/go-multipart-upload/upload/resumekey"
	"github.com/bitrise-io/go-multipart-upload/upload/session"
)

// partSize is what the fake control plane suggests for new sessions.
const partSize = network.MinPartSize

type fakeControlPlane struct {
	serverURL string
	partSize  int64
	dedupKey  string

	mu        sync.Mutex
	initiates int
	signs     int
	lists     map[string]int
	listed    map[string][]network.ListedPart
	goneOnce  map[string]bool
	completed map[string][]network.CompletedPart
	aborts    []string
}

func newFakeControlPlane(serverURL string) *fakeControlPlane {
	return &fakeControlPlane{
		serverURL: serverURL,
		partSize:  partSize,
		lists:     map[string]int{},
		listed:    map[string][]network.ListedPart{},
		goneOnce:  map[string]bool{},
		completed: map[string][]network.CompletedPart{},
	}
}

func (f *fakeControlPlane) Initiate(_ context.Context, req network.InitiateRequest) (network.InitiateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiates++
	if f.dedupKey != "" {
		return network.InitiateResponse{RemoteKey: f.dedupKey, Dedup: true}, nil
	}
	return network.InitiateResponse{
		RemoteKey: "uploads/" + req.FileName,
		SessionID: fmt.Sprintf("upload-%d", f.initiates),
		PartSize:  f.partSize,
	}, nil
}

func (f *fakeControlPlane) SignPart(_ context.Context, req network.SignPartRequest) (network.SignedURL, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signs++
	return network.SignedURL{URL: fmt.Sprintf("%s/%s/%d", f.serverURL, req.SessionID, req.PartNumber)}, nil
}

func (f *fakeControlPlane) ListParts(_ context.Context, _, sessionID string) (network.ListPartsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists[sessionID]++
	if f.goneOnce[sessionID] {
		delete(f.goneOnce, sessionID)
		return network.ListPartsResponse{NoSuchUpload: true}, nil
	}
	return network.ListPartsResponse{Parts: f.listed[sessionID]}, nil
}

func (f *fakeControlPlane) Complete(_ context.Context, _, sessionID string, parts []network.CompletedPart) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed[sessionID] = parts
	return nil
}

func (f *fakeControlPlane) Abort(_ context.Context, _, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts = append(f.aborts, sessionID)
	return nil
}

func (f *fakeControlPlane) counts() (initiates, signs int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initiates, f.signs
}

// partServer stores parts PUT to /<sessionID>/<partNumber>.
type partServer struct {
	*httptest.Server

	mu       sync.Mutex
	gates    map[string]chan struct{}
	inFlight int32
}

func newPartServer(t *testing.T) *partServer {
	s := &partServer{gates: map[string]chan struct{}{}}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.Close)
	return s
}

// block holds the parts of sessionID ("" for every session) until the returned func is called.
func (s *partServer) block(t *testing.T, sessionID string) func() {
	gate := make(chan struct{})
	s.mu.Lock()
	s.gates[sessionID] = gate
	s.mu.Unlock()

	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	return release
}

func (s *partServer) handle(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&s.inFlight, 1)
	defer atomic.AddInt32(&s.inFlight, -1)

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	sessionID := segments[0]
	part, _ := strconv.Atoi(segments[1])
	_, _ = io.Copy(io.Discard, r.Body)

	s.mu.Lock()
	gate := s.gates[sessionID]
	if gate == nil {
		gate = s.gates[""]
	}
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("ETag", fmt.Sprintf("\"etag-%s-%d\"", sessionID, part))
	w.WriteHeader(http.StatusOK)
}

type fakeTracker struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeTracker) Enqueue(event string, _ ...analytics.Properties) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeTracker) Wait() {}

func (f *fakeTracker) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.events...)
}

type fakeRegistrar struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeRegistrar) Register(_ context.Context, remoteKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keys = append(f.keys, remoteKey)
	return nil
}

type fakePosters struct {
	mu        sync.Mutex
	baseNames []string
}

func (f *fakePosters) UploadPoster(_ context.Context, baseName string, image io.Reader, _ string) (string, error) {
	if _, err := io.ReadAll(image); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.baseNames = append(f.baseNames, baseName)
	return network.PosterKey(baseName), nil
}

type testEnv struct {
	orchestrator *Orchestrator
	controlPlane *fakeControlPlane
	server       *partServer
	store        *session.Store
	tracker      *fakeTracker
	registrar    *fakeRegistrar

	mu        sync.Mutex
	completed []Completed
}

func (e *testEnv) completions() []Completed {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Completed(nil), e.completed...)
}

func newTestEnv(t *testing.T, configure func(cp *fakeControlPlane, deps *Dependencies)) *testEnv {
	server := newPartServer(t)
	cp := newFakeControlPlane(server.URL)

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	partConfig := partuploader.DefaultConfig()
	partConfig.HungThreshold = 0
	partConfig.BackoffBase = 5 * time.Millisecond

	e := &testEnv{
		controlPlane: cp,
		server:       server,
		store:        store,
		tracker:      &fakeTracker{},
		registrar:    &fakeRegistrar{},
	}
	deps := Dependencies{
		ControlPlane: cp,
		Store:        store,
		Registrar:    e.registrar,
		Tracker:      e.tracker,
		PartConfig:   &partConfig,
		OnCompleted: func(c Completed) {
			e.mu.Lock()
			defer e.mu.Unlock()
			e.completed = append(e.completed, c)
		},
	}
	if configure != nil {
		configure(cp, &deps)
	}

	o, err := NewOrchestrator(Config{Concurrency: 2, Checksums: true}, deps, log.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = o.Close() })
	e.orchestrator = o
	return e
}

func testVideo(name string, size int, seed byte) *MemoryFile {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%253) ^ seed
	}
	return NewMemoryFile(name, "video/mp4", data, time.Unix(1700000000, 0))
}

func waitIdle(t *testing.T, o *Orchestrator) {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	require.NoError(t, o.Wait(ctx))
}

func resumeKeyOf(t *testing.T, file FileSource) string {
	id, err := resumekey.Derive(file, file.Size())
	require.NoError(t, err)
	return id.Key
}

func TestOrchestrator_UploadsFile(t *testing.T) {
	posters := &fakePosters{}
	e := newTestEnv(t, func(cp *fakeControlPlane, deps *Dependencies) {
		deps.Posters = posters
		deps.Preview = func(ctx context.Context, file FileSource) (io.Reader, string, error) {
			return strings.NewReader("jpeg"), "image/jpeg", nil
		}
	})
	video := testVideo("clip.mp4", 3*partSize, 1)

	ids := e.orchestrator.EnqueueFiles(video)
	require.Len(t, ids, 1)
	waitIdle(t, e.orchestrator)

	tasks := e.orchestrator.Tasks()
	require.Len(t, tasks, 1)
	assert.Equal(t, ids[0], tasks[0].ID)
	assert.Equal(t, TaskDone, tasks[0].Status)
	assert.Equal(t, "uploads/clip.mp4", tasks[0].RemoteKey)
	assert.Equal(t, float64(100), tasks[0].Progress)

	initiates, signs := e.controlPlane.counts()
	assert.Equal(t, 1, initiates)
	assert.Equal(t, 3, signs)
	assert.Equal(t, []network.CompletedPart{
		{PartNumber: 1, ETag: "etag-upload-1-1"},
		{PartNumber: 2, ETag: "etag-upload-1-2"},
		{PartNumber: 3, ETag: "etag-upload-1-3"},
	}, e.controlPlane.completed["upload-1"])

	assert.Equal(t, []string{"uploads/clip.mp4"}, e.registrar.keys)
	assert.Equal(t, []string{"clip"}, posters.baseNames)
	completions := e.completions()
	require.Len(t, completions, 1)
	assert.Equal(t, "uploads/clip.mp4", completions[0].RemoteKey)
	assert.Equal(t, "previews/clip/poster.jpg", completions[0].PosterKey)
	assert.False(t, completions[0].Deduplicated)

	sess, err := e.store.Load(resumeKeyOf(t, video))
	require.NoError(t, err)
	assert.Nil(t, sess)

	assert.Equal(t, []string{"upload_started", "upload_completed"}, e.tracker.recorded())
	assert.Equal(t, PhaseDone, e.orchestrator.Status().Phase)
}

func TestOrchestrator_Deduplicated(t *testing.T) {
	posters := &fakePosters{}
	e := newTestEnv(t, func(cp *fakeControlPlane, deps *Dependencies) {
		cp.dedupKey = "uploads/existing.mp4"
		deps.Posters = posters
		deps.Preview = func(ctx context.Context, file FileSource) (io.Reader, string, error) {
			return strings.NewReader("jpeg"), "image/jpeg", nil
		}
	})

	e.orchestrator.EnqueueFiles(testVideo("clip.mp4", mib, 2))
	waitIdle(t, e.orchestrator)

	tasks := e.orchestrator.Tasks()
	assert.Equal(t, TaskDone, tasks[0].Status)
	assert.Equal(t, "uploads/existing.mp4", tasks[0].RemoteKey)

	_, signs := e.controlPlane.counts()
	assert.Zero(t, signs)
	assert.Empty(t, posters.baseNames)
	completions := e.completions()
	require.Len(t, completions, 1)
	assert.True(t, completions[0].Deduplicated)
	assert.Equal(t, []string{"upload_started", "upload_deduplicated"}, e.tracker.recorded())
}

func TestOrchestrator_RejectsBeforeAnyNetworkCall(t *testing.T) {
	e := newTestEnv(t, nil)

	e.orchestrator.EnqueueFiles(
		NewMemoryFile("empty.mp4", "video/mp4", nil, time.Now()),
		NewMemoryFile("photo.png", "image/png", []byte("png"), time.Now()),
	)
	waitIdle(t, e.orchestrator)

	tasks := e.orchestrator.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskError, tasks[0].Status)
	assert.Equal(t, ErrEmptyFile.Error(), tasks[0].Message)
	assert.Equal(t, TaskError, tasks[1].Status)
	assert.Contains(t, tasks[1].Message, ErrTypeNotAccepted.Error())

	initiates, _ := e.controlPlane.counts()
	assert.Zero(t, initiates)
	assert.Equal(t, []string{"upload_failed", "upload_failed"}, e.tracker.recorded())
}

func TestOrchestrator_ResumesPersistedSession(t *testing.T) {
	video := testVideo("clip.mp4", 3*mib, 3)
	var key string
	e := newTestEnv(t, func(cp *fakeControlPlane, deps *Dependencies) {
		cp.listed["upload-9"] = []network.ListedPart{
			{PartNumber: 1, ETag: "\"prior-1\"", Size: mib},
			{PartNumber: 2, ETag: "\"prior-2\"", Size: mib},
		}
		key = resumeKeyOf(t, video)
		require.NoError(t, deps.Store.Save(key, session.Session{
			RemoteKey: "uploads/clip.mp4",
			SessionID: "upload-9",
			PartSize:  mib,
		}))
	})

	e.orchestrator.EnqueueFiles(video)
	waitIdle(t, e.orchestrator)

	assert.Equal(t, TaskDone, e.orchestrator.Tasks()[0].Status)
	initiates, signs := e.controlPlane.counts()
	assert.Zero(t, initiates)
	assert.Equal(t, 1, signs)
	assert.Equal(t, []network.CompletedPart{
		{PartNumber: 1, ETag: "prior-1"},
		{PartNumber: 2, ETag: "prior-2"},
		{PartNumber: 3, ETag: "etag-upload-9-3"},
	}, e.controlPlane.completed["upload-9"])

	sess, err := e.store.Load(key)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestOrchestrator_MigratesLegacySession(t *testing.T) {
	video := testVideo("clip.mp4", 2*mib, 4)
	e := newTestEnv(t, func(cp *fakeControlPlane, deps *Dependencies) {
		legacy := resumekey.Legacy(video.Name(), video.Size(), video.ModTime())
		require.NoError(t, deps.Store.Save(legacy, session.Session{
			RemoteKey: "uploads/clip.mp4",
			SessionID: "upload-legacy",
			PartSize:  mib,
		}))
	})

	e.orchestrator.EnqueueFiles(video)
	waitIdle(t, e.orchestrator)

	assert.Equal(t, TaskDone, e.orchestrator.Tasks()[0].Status)
	initiates, _ := e.controlPlane.counts()
	assert.Zero(t, initiates)
	assert.Len(t, e.controlPlane.completed["upload-legacy"], 2)
}

func TestOrchestrator_RestartsAfterSessionLoss(t *testing.T) {
	video := testVideo("clip.mp4", 2*partSize, 5)
	var key string
	e := newTestEnv(t, func(cp *fakeControlPlane, deps *Dependencies) {
		cp.goneOnce["stale"] = true
		key = resumeKeyOf(t, video)
		require.NoError(t, deps.Store.Save(key, session.Session{
			RemoteKey: "uploads/clip.mp4",
			SessionID: "stale",
			PartSize:  mib,
		}))
	})

	e.orchestrator.EnqueueFiles(video)
	waitIdle(t, e.orchestrator)

	assert.Equal(t, TaskDone, e.orchestrator.Tasks()[0].Status)
	initiates, signs := e.controlPlane.counts()
	assert.Equal(t, 1, initiates)
	assert.Equal(t, 2, signs)
	assert.Len(t, e.controlPlane.completed["upload-1"], 2)
	assert.Empty(t, e.controlPlane.completed["stale"])

	sess, err := e.store.Load(key)
	require.NoError(t, err)
	assert.Nil(t, sess)
}

func TestOrchestrator_Cancel(t *testing.T) {
	e := newTestEnv(t, nil)
	release := e.server.block(t, "upload-1")
	defer release()

	first := testVideo("first.mp4", 2*mib, 6)
	e.orchestrator.EnqueueFiles(first, testVideo("second.mp4", mib, 7))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&e.server.inFlight) > 0
	}, 10*time.Second, 10*time.Millisecond)
	e.orchestrator.Cancel()
	waitIdle(t, e.orchestrator)

	tasks := e.orchestrator.Tasks()
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskError, tasks[0].Status)
	assert.Equal(t, "canceled", tasks[0].Message)
	assert.Equal(t, TaskDone, tasks[1].Status)
	assert.Equal(t, []string{"upload-1"}, e.controlPlane.aborts)

	sess, err := e.store.Load(resumeKeyOf(t, first))
	require.NoError(t, err)
	assert.Nil(t, sess)
	assert.Contains(t, e.tracker.recorded(), "upload_canceled")
}

func TestOrchestrator_PauseAndResume(t *testing.T) {
	e := newTestEnv(t, nil)
	release := e.server.block(t, "")

	e.orchestrator.EnqueueFiles(testVideo("clip.mp4", 3*partSize, 8))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&e.server.inFlight) > 0
	}, 10*time.Second, 10*time.Millisecond)
	e.orchestrator.Pause()

	require.Eventually(t, func() bool {
		return e.orchestrator.Tasks()[0].Status == TaskPaused
	}, 10*time.Second, 10*time.Millisecond)
	assert.Equal(t, PhasePaused, e.orchestrator.Status().Phase)

	release()
	e.orchestrator.Resume()
	waitIdle(t, e.orchestrator)

	assert.Equal(t, TaskDone, e.orchestrator.Tasks()[0].Status)
	assert.Len(t, e.controlPlane.completed["upload-1"], 3)
	// Discovery and completion only, resuming does not list again.
	assert.Equal(t, 2, e.controlPlane.lists["upload-1"])
}

func TestOrchestrator_EnqueuePaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.mp4"), []byte("first video"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.mov"), []byte("second video"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("notes"), 0o644))

	e := newTestEnv(t, nil)

	ids, err := e.orchestrator.EnqueuePaths(
		filepath.Join(dir, "**", "*.mp4"),
		filepath.Join(dir, "**", "*.mov"),
		filepath.Join(dir, "notes.txt"),
	)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	waitIdle(t, e.orchestrator)

	statuses := map[string]FileTask{}
	for _, task := range e.orchestrator.Tasks() {
		statuses[task.Name] = task
	}
	assert.Equal(t, TaskDone, statuses["a.mp4"].Status)
	assert.Equal(t, "video/mp4", statuses["a.mp4"].Type)
	assert.Equal(t, TaskDone, statuses["b.mov"].Status)
	assert.Equal(t, "video/quicktime", statuses["b.mov"].Type)
	assert.Equal(t, TaskError, statuses["notes.txt"].Status)

	_, err = e.orchestrator.EnqueuePaths(filepath.Join(dir, "**", "*.mkv"))
	require.Error(t, err)
}

func TestOrchestrator_NetworkRetargetsLimiter(t *testing.T) {
	e := newTestEnv(t, nil)

	e.orchestrator.SetNetwork("3g", 0)
	assert.Equal(t, int64(512*1024), e.orchestrator.limiter.Target())

	e.orchestrator.SetBackground(true)
	assert.Equal(t, int64(128*1024), e.orchestrator.limiter.Target())

	e.orchestrator.SetNetwork("wifi", 0)
	e.orchestrator.SetBackground(false)
	assert.Zero(t, e.orchestrator.limiter.Target())
}

func TestOrchestrator_CloseIsIdempotent(t *testing.T) {
	e := newTestEnv(t, nil)
	require.NoError(t, e.orchestrator.Close())
	require.NoError(t, e.orchestrator.Close())
	require.NoError(t, e.orchestrator.Wait(context.Background()))
}

func TestNewOrchestrator_RequiresControlPlane(t *testing.T) {
	_, err := NewOrchestrator(Config{SessionDBPath: filepath.Join(t.TempDir(), "s.db")}, Dependencies{}, log.NewLogger())
	require.Error(t, err)
}

func TestChoosePartSize(t *testing.T) {
	const gib = 1024 * mib
	tests := []struct {
		name      string
		suggested int64
		fileSize  int64
		slow      bool
		want      int64
	}{
		{name: "default", fileSize: 100 * mib, want: 8 * mib},
		{name: "slow", fileSize: 100 * mib, slow: true, want: 5 * mib},
		{name: "suggested", suggested: 16 * mib, fileSize: 100 * mib, want: 16 * mib},
		{name: "suggested below the store minimum", suggested: mib, fileSize: 100 * mib, want: 5 * mib},
		{name: "huge", fileSize: 200 * gib, want: 21 * mib},
		{name: "huge and slow", fileSize: 200 * gib, slow: true, want: 21 * mib},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ChoosePartSize(tt.suggested, tt.fileSize, tt.slow))
		})
	}
}

func TestStatus_String(t *testing.T) {
	s := Status{
		Phase:      PhaseUploading,
		Task:       "clip.mp4",
		Percent:    42,
		Throughput: 1.5e6,
		ETA:        30 * time.Second,
		Quality:    partuploader.QualityGood,
		Retries:    1,
	}
	assert.Equal(t, "uploading clip.mp4: 42.0%, 1.5MB/s, ETA 30 seconds, network good, 1 retries", s.String())
	assert.Equal(t, "idle", Status{Phase: PhaseIdle}.String())
}

func TestTypeByExtension(t *testing.T) {
	assert.Equal(t, "video/mp4", TypeByExtension("clip.MP4"))
	assert.Equal(t, "video/quicktime", TypeByExtension("clip.mov"))
	assert.Equal(t, "image/png", TypeByExtension("poster.png"))
	assert.Equal(t, "", TypeByExtension("noext"))
}

func TestParseConfig(t *testing.T) {
	t.Setenv("UPLOAD_API_URL", "https://uploads.example.com")
	t.Setenv("UPLOAD_API_TOKEN", "secret-token")
	t.Setenv("UPLOAD_SESSION_DB", "/tmp/sessions.db")
	t.Setenv("UPLOAD_CONCURRENCY", "4")
	t.Setenv("UPLOAD_ACCEPT", "video/*|audio/*")
	t.Setenv("UPLOAD_CHECKSUMS", "true")
	t.Setenv("UPLOAD_NETWORK_CLASS", "4g")
	t.Setenv("UPLOAD_ANALYTICS", "false")

	config, err := ParseConfig()
	require.NoError(t, err)
	assert.Equal(t, "https://uploads.example.com", config.APIBaseURL)
	assert.Equal(t, "secret-token", string(config.APIAccessToken))
	assert.Equal(t, 4, config.Concurrency)
	assert.Equal(t, []string{"video/*", "audio/*"}, config.Accept)
	assert.True(t, config.Checksums)
	assert.Equal(t, "4g", config.NetworkClass)
}

func TestValidate(t *testing.T) {
	o := &Orchestrator{config: Config{Accept: []string{"video/*", "audio/mpeg"}}}

	require.NoError(t, o.validate(NewMemoryFile("a.mp3", "audio/mpeg", []byte("a"), time.Now())))
	require.NoError(t, o.validate(NewMemoryFile("a.webm", "video/webm", []byte("a"), time.Now())))
	err := o.validate(NewMemoryFile("a.txt", "text/plain", []byte("a"), time.Now()))
	require.True(t, errors.Is(err, ErrTypeNotAccepted))
	require.ErrorIs(t, o.validate(NewMemoryFile("a.mp4", "video/mp4", nil, time.Now())), ErrEmptyFile)
}
