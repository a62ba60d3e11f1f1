// Package transfer is the engine surface: it turns file lists into pipeline
// runs and re-emits per-file lifecycle events for callers.
package transfer

import (
	nethttp "net/http"
	"time"

	"github.com/rescale/httptransfer/internal/client"
	"github.com/rescale/httptransfer/internal/constants"
)

// RetryOptions bounds the per-part retry loop.
type RetryOptions struct {
	// RetryMaxCount is the number of retries after the initial attempt.
	// Zero means the default.
	RetryMaxCount int
	// RetryAllErrors retries failures that are normally permanent (4xx,
	// validation). Used against repositories with flaky gateways.
	RetryAllErrors bool
	// RetryInitialDelay is the base of the exponential backoff.
	RetryInitialDelay time.Duration
	// RetryMaxDelay caps the backoff between attempts.
	RetryMaxDelay time.Duration
}

// RequestOptions groups transport-level settings.
type RequestOptions struct {
	RetryOptions RetryOptions
	Proxy        *client.ProxyOptions
}

// Options configures one engine.
type Options struct {
	// Concurrent enables multi-part concurrency. When false the engine
	// runs strictly serially, one part at a time.
	Concurrent bool

	// MaxConcurrent caps in-flight part transfers across all files.
	// Ignored when Concurrent is false.
	MaxConcurrent int

	// PreferredPartSize is the split granularity when the server does not
	// dictate part bounds.
	PreferredPartSize int64

	// Headers are attached to every request.
	Headers map[string]string

	RequestOptions RequestOptions

	// HTTPClient overrides the tuned default client. Mainly for tests.
	HTTPClient *nethttp.Client
}

// normalized returns a copy of o with defaults applied and limits enforced.
func (o *Options) normalized() Options {
	n := Options{}
	if o != nil {
		n = *o
	}

	if !n.Concurrent {
		n.MaxConcurrent = 1
	} else if n.MaxConcurrent <= 0 {
		n.MaxConcurrent = constants.DefaultMaxConcurrent
	}
	if n.MaxConcurrent > constants.MaxConcurrentLimit {
		n.MaxConcurrent = constants.MaxConcurrentLimit
	}

	if n.PreferredPartSize <= 0 {
		n.PreferredPartSize = constants.PreferredPartSize
	}
	if n.PreferredPartSize > constants.MaxPartBuffer {
		n.PreferredPartSize = constants.MaxPartBuffer
	}

	r := &n.RequestOptions.RetryOptions
	if r.RetryMaxCount <= 0 {
		r.RetryMaxCount = constants.RetryMaxCount
	}
	if r.RetryInitialDelay <= 0 {
		r.RetryInitialDelay = constants.RetryInitialDelay
	}
	if r.RetryMaxDelay <= 0 {
		r.RetryMaxDelay = constants.RetryMaxDelay
	}

	return n
}

// DownloadFile describes one remote file to fetch.
type DownloadFile struct {
	// FileURL is the ranged-GET endpoint of the remote file.
	FileURL string
	// FilePath is the local destination. Created if absent; parts may
	// leave sparse holes until the file completes.
	FilePath string
	// FileSize is the declared total size in bytes.
	FileSize int64
}

// UploadFile describes one local file (or in-memory blob) to send.
type UploadFile struct {
	// FileURL is the target file URL; its parent path is the folder the
	// upload is negotiated against.
	FileURL string
	// FilePath is the local source. Mutually exclusive with Blob.
	FilePath string
	// Blob is an in-memory source. Mutually exclusive with FilePath.
	Blob []byte
	// FileSize is the total size in bytes. Zero means "stat the source".
	FileSize int64

	// MultipartHeaders are added to createasset form requests of this file.
	MultipartHeaders map[string]string

	// Versioning behavior on the repository.
	CreateVersion  bool
	VersionLabel   string
	VersionComment string
	Replace        bool
}
