// Package constants centralizes the tunables of the transfer engine.
package constants

import (
	"time"
)

// Part sizing
const (
	// PreferredPartSize - default split granularity when the server does not
	// dictate part bounds (10 MB)
	//
	// Trade-offs:
	// - Smaller parts = more HTTP requests but better progress granularity
	// - Larger parts = better throughput but coarser progress updates
	PreferredPartSize = 10 * 1024 * 1024

	// MaxPartBuffer - largest part body the engine will hold in memory at
	// once (100 MB). A larger preferred part size is clamped down to this
	// value when options are normalized.
	MaxPartBuffer = 100 * 1024 * 1024
)

// Concurrency
const (
	// DefaultMaxConcurrent - in-flight part transfers across all files when
	// concurrent mode is enabled and the caller does not set a cap
	DefaultMaxConcurrent = 4

	// MaxConcurrentLimit - hard ceiling on the in-flight cap. Matches the
	// per-host connection pool of the shared HTTP client.
	MaxConcurrentLimit = 64
)

// Retry configuration
const (
	// RetryMaxCount - transient-failure retries per part after the initial attempt
	RetryMaxCount = 5

	// RetryInitialDelay - base delay for exponential backoff (100ms)
	RetryInitialDelay = 100 * time.Millisecond

	// RetryMaxDelay - backoff cap between attempts (15s)
	RetryMaxDelay = 15 * time.Second
)

// HTTP client configuration
const (
	HTTPDialTimeout           = 30 * time.Second
	HTTPDialKeepAlive         = 30 * time.Second
	HTTPIdleConnTimeout       = 90 * time.Second
	HTTPTLSHandshakeTimeout   = 60 * time.Second
	HTTPExpectContinueTimeout = 1 * time.Second

	// ControlRequestTimeout - timeout for control-plane calls
	// (initiateUpload / completeUpload). Part transfers set no overall
	// timeout; they are bounded by the retry loop instead.
	ControlRequestTimeout = 2 * time.Minute
)
