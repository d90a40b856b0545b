package partuploader

import (
	"net/http"
	"runtime"
	"time"
)

const (
	// MinConcurrency and MaxConcurrency bound both user settings and adaptive changes.
	MinConcurrency = 1
	MaxConcurrency = 10

	bodySliceSize = 64 * 1024
)

// Config holds configuration for the part uploader.
type Config struct {
	// Concurrency is the initial number of parallel part transfers.
	// Default: ceil(NumCPU / 2), clamped to [3, 6]
	Concurrency int

	// FailureThreshold is the number of consecutive failures after which a part enters cooldown
	// and its bytes are escalated to the offline queue.
	// Default: 5
	FailureThreshold int

	// BackoffBase is the first retry delay of a failed part, doubled on every consecutive failure.
	// Default: 500 milliseconds
	BackoffBase time.Duration

	// Cooldown is how long a part is deprioritized after reaching FailureThreshold.
	// Default: 60 seconds
	Cooldown time.Duration

	// MaxCooldowns is the number of cooldowns a single part may go through before the run fails.
	// Default: 3
	MaxCooldowns int

	// HungThreshold is the duration after which a part transfer is considered hung
	// if it exceeds the average transfer time by this amount. Zero disables detection.
	// Default: 30 seconds
	HungThreshold time.Duration

	// AdjustInterval is the cadence of the adaptive concurrency loop.
	// Default: 2 seconds
	AdjustInterval time.Duration

	// AdjustCooldown is the minimum time between two concurrency changes.
	// Default: 3 seconds
	AdjustCooldown time.Duration

	// ProgressInterval is the minimum time between two throughput samples.
	// Default: 500 milliseconds
	ProgressInterval time.Duration

	// HTTPClient is the HTTP client to use for part PUTs.
	// If nil, a default optimized client will be created.
	HTTPClient *http.Client
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Concurrency:      DefaultConcurrency(),
		FailureThreshold: 5,
		BackoffBase:      500 * time.Millisecond,
		Cooldown:         60 * time.Second,
		MaxCooldowns:     3,
		HungThreshold:    30 * time.Second,
		AdjustInterval:   2 * time.Second,
		AdjustCooldown:   3 * time.Second,
		ProgressInterval: 500 * time.Millisecond,
		HTTPClient:       nil, // Will be created by the Controller
	}
}

// DefaultConcurrency calculates the default concurrency based on CPU count.
func DefaultConcurrency() int {
	c := (runtime.NumCPU() + 1) / 2

	if c > 6 {
		c = 6
	}

	if c < 3 {
		c = 3
	}

	return c
}

// DefaultHTTPClient creates an HTTP client optimized for part uploads.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		// No timeout - part transfers are bounded by the run context and hung detection
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     MaxConcurrency,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
		},
	}
}

func clampConcurrency(n int) int {
	if n < MinConcurrency {
		return MinConcurrency
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	c.Concurrency = clampConcurrency(c.Concurrency)
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = d.BackoffBase
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldowns <= 0 {
		c.MaxCooldowns = d.MaxCooldowns
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = d.AdjustInterval
	}
	if c.AdjustCooldown <= 0 {
		c.AdjustCooldown = d.AdjustCooldown
	}
	if c.ProgressInterval <= 0 {
		c.ProgressInterval = d.ProgressInterval
	}
	return c
}
