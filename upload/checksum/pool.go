// Package checksum computes per-part CRC32C checksums on a pool of background workers,
// keeping the hashing work off the part scheduling path.
package checksum

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrWorkerFailed is returned for every request pending on a worker that failed.
	ErrWorkerFailed = errors.New("checksum worker failed")
	// ErrPoolClosed is returned for requests made after (or pending during) Close.
	ErrPoolClosed = errors.New("checksum pool closed")
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Config holds configuration for the checksum pool.
type Config struct {
	// Workers is the number of background workers.
	// Default: ceil(NumCPU / 2), clamped to [2, 4]
	Workers int

	// Disabled turns every computation into a no-op returning an empty checksum.
	Disabled bool
}

// DefaultWorkers calculates the default worker count based on CPU count.
func DefaultWorkers() int {
	n := (runtime.NumCPU() + 1) / 2
	if n < 2 {
		n = 2
	}
	if n > 4 {
		n = 4
	}
	return n
}

type result struct {
	checksum string
	err      error
}

type request struct {
	id   uint64
	data []byte
}

// Pool is a fixed-size pool of CRC32C workers.
type Pool struct {
	disabled bool
	workers  []*worker
	nextID   atomic.Uint64
	cancel   context.CancelFunc
	group    *errgroup.Group
	logger   log.Logger

	closeOnce sync.Once
}

// New starts a pool with the given configuration.
func New(config Config, logger log.Logger) *Pool {
	return newPool(config, logger, crc32cSum)
}

func newPool(config Config, logger log.Logger, sum func([]byte) uint32) *Pool {
	p := &Pool{disabled: config.Disabled, logger: logger}
	if p.disabled {
		return p
	}

	n := config.Workers
	if n <= 0 {
		n = DefaultWorkers()
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	p.cancel = cancel
	p.group = group

	for i := 0; i < n; i++ {
		w := newWorker(i, sum)
		p.workers = append(p.workers, w)
		group.Go(func() error {
			w.run(ctx, logger)
			return nil
		})
	}

	return p
}

// Compute returns the base64 encoded big-endian CRC32C of data.
// A disabled pool returns an empty checksum and no error.
func (p *Pool) Compute(ctx context.Context, data []byte) (string, error) {
	if p.disabled {
		return "", nil
	}

	w := p.leastLoaded()
	id := p.nextID.Add(1)
	resp, err := w.submit(ctx, request{id: id, data: data})
	if err != nil {
		return "", err
	}

	select {
	case <-ctx.Done():
		w.forget(id)
		return "", ctx.Err()
	case r := <-resp:
		return r.checksum, r.err
	}
}

// Close stops the workers and rejects outstanding requests.
func (p *Pool) Close() error {
	if p.disabled {
		return nil
	}
	var err error
	p.closeOnce.Do(func() {
		p.cancel()
		err = p.group.Wait()
		for _, w := range p.workers {
			w.rejectAll(ErrPoolClosed)
		}
	})
	return err
}

func (p *Pool) leastLoaded() *worker {
	best := p.workers[0]
	for _, w := range p.workers[1:] {
		if w.load() < best.load() {
			best = w
		}
	}
	return best
}

// worker owns the requests assigned to it, keyed by request id.
type worker struct {
	index int
	sum   func([]byte) uint32
	queue chan request
	done  chan struct{}

	mu      sync.Mutex
	pending map[uint64]chan result
	closed  bool
}

func newWorker(index int, sum func([]byte) uint32) *worker {
	return &worker{
		index:   index,
		sum:     sum,
		queue:   make(chan request, 64),
		done:    make(chan struct{}),
		pending: map[uint64]chan result{},
	}
}

func (w *worker) load() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

func (w *worker) submit(ctx context.Context, req request) (<-chan result, error) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil, ErrPoolClosed
	}
	resp := make(chan result, 1)
	w.pending[req.id] = resp
	w.mu.Unlock()

	select {
	case w.queue <- req:
		return resp, nil
	case <-w.done:
		w.forget(req.id)
		return nil, ErrPoolClosed
	case <-ctx.Done():
		w.forget(req.id)
		return nil, ctx.Err()
	}
}

func (w *worker) forget(id uint64) {
	w.mu.Lock()
	delete(w.pending, id)
	w.mu.Unlock()
}

func (w *worker) respond(id uint64, r result) {
	w.mu.Lock()
	resp, ok := w.pending[id]
	delete(w.pending, id)
	w.mu.Unlock()
	if ok {
		resp <- r
	}
}

func (w *worker) rejectAll(err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err == ErrPoolClosed {
		w.closed = true
	}
	for id, resp := range w.pending {
		resp <- result{err: err}
		delete(w.pending, id)
	}
}

func (w *worker) run(ctx context.Context, logger log.Logger) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-w.queue:
			checksum, err := w.compute(req.data)
			if err != nil {
				logger.Warnf("Checksum worker %d failed: %s", w.index, err)
				w.rejectAll(fmt.Errorf("%w: %s", ErrWorkerFailed, err))
				continue
			}
			w.respond(req.id, result{checksum: checksum})
		}
	}
}

func (w *worker) compute(data []byte) (checksum string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return Encode(w.sum(data)), nil
}

func crc32cSum(data []byte) uint32 {
	return crc32.Checksum(data, castagnoli)
}

// Encode renders a CRC32C value the way object stores expect it: big-endian bytes, standard base64.
func Encode(sum uint32) string {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, sum)
	return base64.StdEncoding.EncodeToString(b)
}
