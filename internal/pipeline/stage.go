// Package pipeline implements the staged transfer engine: a lazy sequence
// of assets is split into parts, parts are executed concurrently with a
// bounded order-preserving map, and completed parts are joined back into
// per-asset completion events.
package pipeline

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/events"
	"github.com/rescale/httptransfer/internal/localfs"
)

// Stage is one async transformation over the part sequence. Stages are
// stateless between runs; per-run state lives on the assets themselves.
type Stage interface {
	Name() string
	Run(ctx context.Context, tc *events.Controller, in <-chan *asset.TransferPart) <-chan *asset.TransferPart
}

// SplitStage fans each incoming asset into its transfer parts.
type SplitStage struct {
	// PreferredPartSize is the split granularity when the server does not
	// dictate part bounds via upload URIs.
	PreferredPartSize int64
}

// Run consumes assets and yields their parts in ascending range order.
// The asset-enter event fires before any of the asset's parts are yielded.
// An asset that cannot be split is failed in place and yields nothing.
func (s *SplitStage) Run(ctx context.Context, tc *events.Controller, assets <-chan *asset.TransferAsset) <-chan *asset.TransferPart {
	out := make(chan *asset.TransferPart)
	go func() {
		defer close(out)
		for a := range assets {
			tc.Emit(events.Event{Name: events.TransferCreateParts, Asset: a})

			parts, err := a.SplitParts(s.PreferredPartSize)
			if err != nil {
				if a.Fail(err) {
					tc.Emit(events.Event{Name: events.TransferPartError, Asset: a, Err: err, FirstError: true})
				}
				continue
			}
			a.SetPartsTotal(len(parts))
			log.Debug().
				Str("file", a.FileName()).
				Int("parts", len(parts)).
				Int64("size", a.FileSize()).
				Msg("split asset into transfer parts")

			for _, p := range parts {
				select {
				case out <- p:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

// filterFailedAssets drops parts whose asset already has its first-error
// flag set, so surviving assets proceed while failed ones stop costing
// transfer work. Every dropped part is still accounted as terminal and the
// asset's handle is released once its last part has been observed, wherever
// that observation happens.
func filterFailedAssets(ctx context.Context, files *localfs.RandomFileAccess, in <-chan *asset.TransferPart) <-chan *asset.TransferPart {
	out := make(chan *asset.TransferPart)
	go func() {
		defer close(out)
		for p := range in {
			if p.Asset.Failed() {
				releaseIfTerminal(files, p.Asset)
				continue
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// releaseIfTerminal records one terminal part observation and closes the
// asset's local handle when it was the last one.
func releaseIfTerminal(files *localfs.RandomFileAccess, a *asset.TransferAsset) {
	if !a.PartTerminal() {
		return
	}
	path := a.LocalPath()
	if path == "" {
		return
	}
	if err := files.Close(path); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("failed to release file handle")
	}
}

// JoinStage re-aggregates completed parts into per-asset progress and
// completion events.
type JoinStage struct{}

func (s *JoinStage) Name() string { return "join" }

// Run accumulates per-asset progress. Failed parts and late parts of failed
// assets are discarded without incrementing progress; the asset-complete
// event fires only when every part succeeded.
func (s *JoinStage) Run(ctx context.Context, tc *events.Controller, in <-chan *asset.TransferPart) <-chan *asset.TransferPart {
	out := make(chan *asset.TransferPart)
	go func() {
		defer close(out)
		for p := range in {
			if !p.Failed && !p.Asset.Failed() {
				cumulative := p.Asset.AddTransferred(p.Length())
				tc.Emit(events.Event{
					Name:          events.TransferJoinParts,
					Asset:         p.Asset,
					TransferBytes: cumulative,
				})
				if p.Asset.PartDone() {
					tc.Emit(events.Event{Name: events.TransferAfterJoinParts, Asset: p.Asset})
				}
			}
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

// CloseStage releases file handles as assets reach a terminal state.
type CloseStage struct {
	Files *localfs.RandomFileAccess
}

func (s *CloseStage) Name() string { return "close" }

func (s *CloseStage) Run(ctx context.Context, tc *events.Controller, in <-chan *asset.TransferPart) <-chan *asset.TransferPart {
	out := make(chan *asset.TransferPart)
	go func() {
		defer close(out)
		for p := range in {
			releaseIfTerminal(s.Files, p.Asset)
			select {
			case out <- p:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
