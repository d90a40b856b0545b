package partuploader

import (
	"sync"
	"time"
)

const smoothing = 0.3

// progressTracker accumulates transferred bytes and derives a smoothed throughput.
type progressTracker struct {
	mu sync.Mutex

	total    int64
	uploaded int64
	inFlight map[int]int64
	// sent counts every byte handed to the transport, including attempts that were dropped later.
	sent int64

	interval   time.Duration
	lastTick   time.Time
	lastBytes  int64
	throughput float64

	// timedBytes and timedDuration sum the parts finished in this session.
	timedBytes    int64
	timedDuration time.Duration
}

func newProgressTracker(total int64, interval time.Duration) *progressTracker {
	return &progressTracker{total: total, inFlight: map[int]int64{}, interval: interval}
}

func (p *progressTracker) seed(uploaded int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploaded = uploaded
}

func (p *progressTracker) addInFlight(part int, n int64) {
	p.mu.Lock()
	p.inFlight[part] += n
	p.sent += n
	p.mu.Unlock()
}

// finish moves a part from in-flight to uploaded.
func (p *progressTracker) finish(part int, size int64, took time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, part)
	p.uploaded += size
	if took > 0 {
		p.timedBytes += size
		p.timedDuration += took
	}
}

// expected estimates how long a part of size takes from the parts finished so far.
func (p *progressTracker) expected(size int64) (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.timedBytes == 0 {
		return 0, false
	}
	return time.Duration(float64(p.timedDuration) * float64(size) / float64(p.timedBytes)), true
}

// drop forgets the in-flight bytes of a failed or aborted attempt.
func (p *progressTracker) drop(part int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inFlight, part)
}

func (p *progressTracker) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.uploaded = 0
	p.inFlight = map[int]int64{}
	p.sent = 0
	p.lastBytes = 0
	p.lastTick = time.Time{}
	p.throughput = 0
}

// tick samples the throughput when at least interval has passed since the previous sample.
func (p *progressTracker) tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := p.sent
	if p.lastTick.IsZero() {
		p.lastTick = now
		p.lastBytes = current
		return
	}
	elapsed := now.Sub(p.lastTick)
	if elapsed < p.interval {
		return
	}

	instant := float64(current-p.lastBytes) / elapsed.Seconds()
	if instant < 0 {
		instant = 0
	}
	if p.throughput == 0 {
		p.throughput = instant
	} else {
		p.throughput = smoothing*instant + (1-smoothing)*p.throughput
	}
	p.lastTick = now
	p.lastBytes = current
}

func (p *progressTracker) inFlightLocked() int64 {
	var n int64
	for _, b := range p.inFlight {
		n += b
	}
	return n
}

func (p *progressTracker) snapshot() Progress {
	p.mu.Lock()
	defer p.mu.Unlock()

	inFlight := p.inFlightLocked()
	progress := Progress{
		TotalBytes:    p.total,
		UploadedBytes: p.uploaded,
		InFlightBytes: inFlight,
		Throughput:    p.throughput,
	}
	if p.total > 0 {
		done := p.uploaded + inFlight
		if done > p.total {
			done = p.total
		}
		progress.Percent = float64(done) * 100 / float64(p.total)
		if p.throughput > 0 {
			remaining := p.total - done
			progress.ETA = time.Duration(float64(remaining) / p.throughput * float64(time.Second))
		}
	}
	return progress
}
