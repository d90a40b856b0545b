package partuploader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressTracker_Throughput(t *testing.T) {
	start := time.Unix(1700000000, 0)
	p := newProgressTracker(10_000, 500*time.Millisecond)

	p.tick(start)
	p.addInFlight(1, 1000)
	p.tick(start.Add(time.Second))
	assert.InDelta(t, 1000, p.snapshot().Throughput, 0.001)

	// Too early for a new sample.
	p.addInFlight(1, 1000)
	p.tick(start.Add(1200 * time.Millisecond))
	assert.InDelta(t, 1000, p.snapshot().Throughput, 0.001)

	p.finish(1, 2000, time.Second)
	p.addInFlight(2, 2000)
	p.tick(start.Add(2 * time.Second))
	// 3000 bytes over a second, smoothed with the previous 1000 B/s.
	assert.InDelta(t, 0.3*3000+0.7*1000, p.snapshot().Throughput, 0.001)

	snapshot := p.snapshot()
	assert.Equal(t, int64(2000), snapshot.UploadedBytes)
	assert.Equal(t, int64(2000), snapshot.InFlightBytes)
	assert.InDelta(t, 40, snapshot.Percent, 0.001)
	assert.Equal(t, time.Duration(6000/snapshot.Throughput*float64(time.Second)), snapshot.ETA)
}

func TestProgressTracker_DroppedBytesCountForThroughput(t *testing.T) {
	start := time.Unix(1700000000, 0)
	p := newProgressTracker(10_000, 500*time.Millisecond)
	p.seed(1000)

	p.tick(start)
	p.addInFlight(3, 4000)
	p.drop(3)
	p.tick(start.Add(time.Second))

	snapshot := p.snapshot()
	assert.InDelta(t, 4000, snapshot.Throughput, 0.001)
	assert.Equal(t, int64(1000), snapshot.UploadedBytes)
	assert.Zero(t, snapshot.InFlightBytes)
}

func TestProgressTracker_ExpectedScalesWithSize(t *testing.T) {
	p := newProgressTracker(3000, time.Second)

	_, ok := p.expected(1000)
	assert.False(t, ok)

	p.finish(1, 1000, time.Second)
	p.finish(2, 1000, 3*time.Second)
	p.finish(3, 1000, 0)

	expected, ok := p.expected(500)
	require.True(t, ok)
	assert.Equal(t, time.Second, expected)
}
