package partuploader

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMetricsWindow_Quality(t *testing.T) {
	tests := []struct {
		name     string
		rtt      time.Duration
		failures int
		want     Quality
		wantStep int
	}{
		{name: "fast", rtt: 100 * time.Millisecond, want: QualityGood, wantStep: 1},
		{name: "moderate", rtt: 500 * time.Millisecond, want: QualityFair, wantStep: 0},
		{name: "slow", rtt: 1500 * time.Millisecond, want: QualityPoor, wantStep: -1},
		{name: "fast but failing", rtt: 100 * time.Millisecond, failures: 1, want: QualityPoor, wantStep: -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var w MetricsWindow
			for i := 0; i < windowSize; i++ {
				w.Record(tt.rtt, i < tt.failures)
			}
			assert.Equal(t, tt.want, w.Quality())
			assert.Equal(t, tt.wantStep, w.step())
		})
	}
}

func TestMetricsWindow_EvictsOldest(t *testing.T) {
	var w MetricsWindow
	assert.Equal(t, QualityUnknown, w.Quality())
	assert.Equal(t, 0, w.step())

	w.Record(5*time.Second, true)
	for i := 0; i < windowSize; i++ {
		w.Record(200*time.Millisecond, false)
	}

	avg, rate, failures := w.Stats()
	assert.Equal(t, windowSize, w.Len())
	assert.Equal(t, 200*time.Millisecond, avg)
	assert.Zero(t, rate)
	assert.Zero(t, failures)

	w.Reset()
	assert.Zero(t, w.Len())
}
