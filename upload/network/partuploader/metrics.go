package partuploader

import "time"

const windowSize = 10

// Quality is a coarse network quality label.
type Quality string

// Quality labels.
const (
	QualityUnknown Quality = "unknown"
	QualityGood    Quality = "good"
	QualityFair    Quality = "fair"
	QualityPoor    Quality = "poor"
)

const (
	goodRTT      = 300 * time.Millisecond
	fairRTT      = 800 * time.Millisecond
	slowRTT      = 1200 * time.Millisecond
	goodFailures = 0.02
	maxFailures  = 0.05
)

type outcome struct {
	rtt    time.Duration
	failed bool
}

// MetricsWindow keeps the last part outcomes. It is not safe for concurrent use;
// the Controller guards it with its own lock.
type MetricsWindow struct {
	outcomes [windowSize]outcome
	next     int
	count    int
}

// Record adds a part outcome, evicting the oldest when full.
func (w *MetricsWindow) Record(rtt time.Duration, failed bool) {
	w.outcomes[w.next] = outcome{rtt: rtt, failed: failed}
	w.next = (w.next + 1) % windowSize
	if w.count < windowSize {
		w.count++
	}
}

// Reset ...
func (w *MetricsWindow) Reset() {
	*w = MetricsWindow{}
}

// Len ...
func (w *MetricsWindow) Len() int {
	return w.count
}

// Stats returns the average RTT, the failure rate and the number of failures in the window.
func (w *MetricsWindow) Stats() (avg time.Duration, failureRate float64, failures int) {
	if w.count == 0 {
		return 0, 0, 0
	}
	var sum time.Duration
	for i := 0; i < w.count; i++ {
		o := w.outcomes[i]
		sum += o.rtt
		if o.failed {
			failures++
		}
	}
	return sum / time.Duration(w.count), float64(failures) / float64(w.count), failures
}

// Quality labels the window.
func (w *MetricsWindow) Quality() Quality {
	if w.count == 0 {
		return QualityUnknown
	}
	avg, rate, _ := w.Stats()
	switch {
	case avg < goodRTT && rate < goodFailures:
		return QualityGood
	case avg < fairRTT && rate < maxFailures:
		return QualityFair
	default:
		return QualityPoor
	}
}

// step returns the concurrency change the window calls for: -1, 0 or +1.
func (w *MetricsWindow) step() int {
	if w.count == 0 {
		return 0
	}
	avg, rate, failures := w.Stats()
	switch {
	case rate > maxFailures || avg > slowRTT:
		return -1
	case avg < goodRTT && failures == 0:
		return 1
	default:
		return 0
	}
}
