package transfer

import (
	"context"
	nethttp "net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/client"
	"github.com/rescale/httptransfer/internal/events"
)

// Engine runs download and upload batches through the part pipeline and
// re-emits surface events (filestart, fileprogress, fileend, fileerror).
//
// Per-file failures never surface as a returned error; callers subscribe to
// fileerror on the controller. The returned error covers batch-level
// conditions only, e.g. context cancellation.
type Engine struct {
	opts       Options
	controller *events.Controller
	httpClient *nethttp.Client
	repo       *client.Repository
	rates      *rateTracker
	id         string

	// completions tracks the asynchronous upload-completion calls spawned
	// from the asset-complete handler.
	completions sync.WaitGroup

	mu     sync.Mutex
	runCtx context.Context
}

// NewEngine creates an engine with the given options.
func NewEngine(opts *Options) (*Engine, error) {
	n := opts.normalized()

	hc := n.HTTPClient
	if hc == nil {
		var err error
		hc, err = client.New(n.RequestOptions.Proxy)
		if err != nil {
			return nil, err
		}
	}

	e := &Engine{
		opts:       n,
		controller: events.NewController(),
		httpClient: hc,
		repo:       client.NewRepository(hc, n.Headers),
		rates:      newRateTracker(),
		id:         uuid.NewString(),
	}
	e.wireSurfaceEvents()
	return e, nil
}

// Controller returns the engine's event controller.
func (e *Engine) Controller() *events.Controller {
	return e.controller
}

// On subscribes a handler on the engine's controller.
func (e *Engine) On(name events.Name, h events.Handler) {
	e.controller.On(name, h)
}

// wireSurfaceEvents maps pipeline events onto the caller-facing surface.
func (e *Engine) wireSurfaceEvents() {
	e.controller.On(events.TransferCreateParts, func(ev events.Event) {
		e.controller.Emit(events.Event{Name: events.FileStart, Asset: ev.Asset})
	})

	e.controller.On(events.TransferJoinParts, func(ev events.Event) {
		e.controller.Emit(events.Event{
			Name:          events.FileProgress,
			Asset:         ev.Asset,
			TransferBytes: ev.TransferBytes,
			Rate:          e.rates.update(ev.Asset, ev.TransferBytes),
		})
	})

	e.controller.On(events.TransferAfterJoinParts, func(ev events.Event) {
		e.rates.forget(ev.Asset)
		if a, ok := ev.Asset.(*asset.TransferAsset); ok && a.Direction == asset.Upload && a.CompleteURI != "" {
			e.completeUpload(a)
			return
		}
		e.controller.Emit(events.Event{Name: events.FileEnd, Asset: ev.Asset})
	})

	e.controller.On(events.TransferPartError, func(ev events.Event) {
		e.rates.forget(ev.Asset)
		e.controller.Emit(events.Event{
			Name:       events.FileError,
			Asset:      ev.Asset,
			Err:        ev.Err,
			FirstError: ev.FirstError,
		})
	})
}

// setRunContext records the context of the active batch so asynchronous
// completion calls inherit its cancellation.
func (e *Engine) setRunContext(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()
}

func (e *Engine) runContext() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

// emitPreFailed surfaces an asset that failed before entering the pipeline
// (e.g. its initiate call was rejected), keeping the per-asset event order:
// the enter event precedes the error.
func (e *Engine) emitPreFailed(a *asset.TransferAsset, err error) {
	a.Fail(err)
	e.controller.Emit(events.Event{Name: events.TransferCreateParts, Asset: a})
	e.controller.Emit(events.Event{Name: events.TransferPartError, Asset: a, Err: err, FirstError: true})
}

// emitAssets feeds the pipeline lazily; production stops when the run is
// cancelled.
func emitAssets(ctx context.Context, assets []*asset.TransferAsset) <-chan *asset.TransferAsset {
	out := make(chan *asset.TransferAsset)
	go func() {
		defer close(out)
		for _, a := range assets {
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (e *Engine) logBatch(direction string, n int) {
	log.Info().
		Str("engine", e.id).
		Str("direction", direction).
		Int("files", n).
		Int("maxConcurrent", e.opts.MaxConcurrent).
		Int64("partSize", e.opts.PreferredPartSize).
		Msg("starting transfer batch")
}
