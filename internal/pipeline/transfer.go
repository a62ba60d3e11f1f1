package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog/log"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/events"
	"github.com/rescale/httptransfer/internal/localfs"
	"github.com/rescale/httptransfer/internal/request"
	"github.com/rescale/httptransfer/internal/util/buffers"
	"github.com/rescale/httptransfer/internal/xfererr"
)

// RetryPolicy bounds the per-part retry loop.
type RetryPolicy struct {
	// MaxCount is the number of retries after the initial attempt.
	MaxCount int
	// InitialDelay is the base of the exponential backoff.
	InitialDelay time.Duration
	// MaxDelay caps the backoff between attempts.
	MaxDelay time.Duration
	// AllErrors retries failures that would normally be permanent.
	AllErrors bool
}

// TransferStage executes one HTTP call per part, concurrently across all
// assets, preserving input order on its output.
type TransferStage struct {
	Client  *http.Client
	Files   *localfs.RandomFileAccess
	Headers map[string]string
	Retry   RetryPolicy

	// Builder overrides the per-part builder selection when set. Nil picks
	// the variant each upload part requires; downloads never consult it.
	Builder request.Builder

	// MaxConcurrent caps in-flight part transfers across all assets.
	MaxConcurrent int

	// Buffers pools destination buffers for download parts.
	Buffers *buffers.Pool
}

func (s *TransferStage) Name() string { return "transfer" }

// Run maps parts through the retry-wrapped part executor. A part whose
// retries are exhausted is re-yielded tagged as failed, after attaching the
// asset's first error and emitting the single error event.
func (s *TransferStage) Run(ctx context.Context, tc *events.Controller, in <-chan *asset.TransferPart) <-chan *asset.TransferPart {
	return OrderedMap(ctx, in, s.MaxConcurrent, func(p *asset.TransferPart) *asset.TransferPart {
		err := s.transferPart(ctx, p)
		if err == nil {
			return p
		}

		p.Failed = true
		p.Err = err
		if p.Asset.Fail(err) {
			log.Error().
				Err(err).
				Str("file", p.Asset.FileName()).
				Str("direction", p.Asset.Direction.String()).
				Msg("transfer failed")
			tc.Emit(events.Event{
				Name:       events.TransferPartError,
				Asset:      p.Asset,
				Err:        err,
				FirstError: true,
			})
		}
		return p
	})
}

// transferPart runs one part to completion through the retry loop.
// Transient failures (network faults, HTTP 5xx and 429, truncated download
// bodies) are retried with exponential backoff; everything else fails
// immediately.
func (s *TransferStage) transferPart(ctx context.Context, p *asset.TransferPart) error {
	attempt := 0
	return retry.Do(
		func() error {
			attempt++
			if attempt > 1 {
				log.Debug().
					Str("file", p.Asset.FileName()).
					Int("attempt", attempt).
					Str("part", p.String()).
					Msg("retrying part")
			}
			if p.Asset.Direction == asset.Upload {
				return s.uploadPart(ctx, p)
			}
			return s.downloadPart(ctx, p)
		},
		retry.Context(ctx),
		retry.Attempts(uint(s.Retry.MaxCount)+1),
		retry.Delay(s.Retry.InitialDelay),
		retry.MaxDelay(s.Retry.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			return s.Retry.AllErrors || xfererr.IsTransient(err)
		}),
	)
}

// downloadPart issues the ranged GET for the part and writes the verified
// bytes at the part's offset.
func (s *TransferStage) downloadPart(ctx context.Context, p *asset.TransferPart) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.URL, nil)
	if err != nil {
		return xfererr.Wrap(xfererr.KindInvalidOptions, err, fmt.Sprintf("invalid part URL %s", p.URL))
	}
	for name, value := range s.Headers {
		req.Header.Set(name, value)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", p.Low, p.High))

	resp, err := s.Client.Do(req)
	if err != nil {
		return xfererr.Wrap(xfererr.KindUnknown, err, fmt.Sprintf("GET %s failed", p.URL))
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return xfererr.FromStatus(resp.StatusCode)
	}
	if resp.ContentLength < 0 {
		return xfererr.New(xfererr.KindValidation,
			"Server did not respond with a Content-Length header: null")
	}

	length := p.Length()
	buf := s.Buffers.Get()
	defer s.Buffers.Put(buf)
	var dst []byte
	if int64(len(*buf)) >= length {
		dst = (*buf)[:length]
	} else {
		// Oversized part relative to the pool; rare enough to allocate
		dst = make([]byte, length)
	}

	n, err := io.ReadFull(resp.Body, dst)
	if err == io.ErrUnexpectedEOF || err == io.EOF {
		return xfererr.NewTransient(xfererr.KindUnknown,
			fmt.Sprintf("response body truncated: received %d of %d bytes", n, length))
	}
	if err != nil {
		return xfererr.Wrap(xfererr.KindUnknown, err, fmt.Sprintf("failed to read response body from %s", p.URL))
	}

	// More bytes than the part declared: keep the declared range but treat
	// the response as unusable and retry.
	if extra, _ := io.CopyN(io.Discard, resp.Body, 1); extra > 0 {
		return xfererr.NewTransient(xfererr.KindUnknown,
			fmt.Sprintf("response body exceeds expected %d bytes", length))
	}

	return s.Files.WriteAt(p.Asset.TargetLocalPath, p.Low, dst)
}

// uploadPart reads the part's bytes from the local source, wraps them with
// the active request builder and sends them to the part's URL.
func (s *TransferStage) uploadPart(ctx context.Context, p *asset.TransferPart) error {
	builder := s.Builder
	if builder == nil {
		builder = request.For(p)
	}

	var data []byte
	if p.Asset.SourceBlob != nil {
		data = p.Asset.SourceBlob[p.Low : p.High+1]
	} else {
		var err error
		data, err = s.Files.Read(p.Asset.SourceLocalPath, p.Low, p.Length())
		if err != nil {
			return err
		}
	}

	body, err := builder.BuildBody(p, data)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, builder.Method(), p.URL, bytes.NewReader(body.Bytes))
	if err != nil {
		return xfererr.Wrap(xfererr.KindInvalidOptions, err, fmt.Sprintf("invalid part URL %s", p.URL))
	}
	req.ContentLength = int64(len(body.Bytes))
	for name, value := range s.Headers {
		req.Header.Set(name, value)
	}
	for name, values := range builder.BuildHeaders(p, body) {
		for _, v := range values {
			req.Header.Set(name, v)
		}
	}

	resp, err := s.Client.Do(req)
	if err != nil {
		return xfererr.Wrap(xfererr.KindUnknown, err, fmt.Sprintf("%s %s failed", req.Method, p.URL))
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return xfererr.FromStatus(resp.StatusCode)
	}
	return nil
}
