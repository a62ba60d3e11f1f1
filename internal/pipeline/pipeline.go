package pipeline

import (
	"context"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/events"
	"github.com/rescale/httptransfer/internal/localfs"
)

// Pipeline chains the split stage and an ordered list of part stages over a
// lazy asset sequence, threading one shared controller through every stage.
//
// A failed-asset filter is interposed before each part stage, so an asset's
// first error stops all of its remaining work while sibling assets proceed
// untouched.
type Pipeline struct {
	controller *events.Controller
	files      *localfs.RandomFileAccess
	split      *SplitStage
	stages     []Stage
}

// New assembles a pipeline. The stage list runs in order after the split.
func New(tc *events.Controller, files *localfs.RandomFileAccess, split *SplitStage, stages ...Stage) *Pipeline {
	return &Pipeline{
		controller: tc,
		files:      files,
		split:      split,
		stages:     stages,
	}
}

// Controller returns the event controller shared by the pipeline's stages.
func (p *Pipeline) Controller() *events.Controller {
	return p.controller
}

// Run drives the asset sequence through every stage to exhaustion.
//
// All file handles opened during the run are released before Run returns,
// on every exit path; the close stage releases them as assets terminate and
// the deferred sweep catches whatever an early teardown left behind.
func (p *Pipeline) Run(ctx context.Context, assets <-chan *asset.TransferAsset) error {
	defer p.files.CloseAll()

	seq := p.split.Run(ctx, p.controller, assets)
	for _, st := range p.stages {
		seq = filterFailedAssets(ctx, p.files, seq)
		seq = st.Run(ctx, p.controller, seq)
	}

	for range seq {
	}
	return ctx.Err()
}
