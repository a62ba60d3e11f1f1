package pipeline

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/events"
	"github.com/rescale/httptransfer/internal/localfs"
	"github.com/rescale/httptransfer/internal/xfererr"
)

// funcStage adapts a per-part function into a Stage for tests.
type funcStage struct {
	name string
	fn   func(tc *events.Controller, p *asset.TransferPart) *asset.TransferPart
}

func (s *funcStage) Name() string { return s.name }

func (s *funcStage) Run(ctx context.Context, tc *events.Controller, in <-chan *asset.TransferPart) <-chan *asset.TransferPart {
	out := make(chan *asset.TransferPart)
	go func() {
		defer close(out)
		for p := range in {
			out <- s.fn(tc, p)
		}
	}()
	return out
}

// recorder captures controller events in emission order.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) attach(tc *events.Controller, names ...events.Name) {
	for _, n := range names {
		n := n
		tc.On(n, func(e events.Event) {
			r.mu.Lock()
			r.events = append(r.events, e)
			r.mu.Unlock()
		})
	}
}

func (r *recorder) named(name events.Name) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Name == name {
			out = append(out, e)
		}
	}
	return out
}

func assetsChan(as ...*asset.TransferAsset) <-chan *asset.TransferAsset {
	ch := make(chan *asset.TransferAsset, len(as))
	for _, a := range as {
		ch <- a
	}
	close(ch)
	return ch
}

func pipelineEvents() []events.Name {
	return []events.Name{
		events.TransferCreateParts,
		events.TransferJoinParts,
		events.TransferAfterJoinParts,
		events.TransferPartError,
	}
}

func TestPipeline_SuccessEventSequence(t *testing.T) {
	dir := t.TempDir()
	files := localfs.NewRandomFileAccess()
	tc := events.NewController()

	rec := &recorder{}
	rec.attach(tc, pipelineEvents()...)

	a := &asset.TransferAsset{
		Direction:       asset.Download,
		Metadata:        asset.Metadata{Name: "file.bin", Size: 12},
		SourceURL:       "http://repo/file.bin",
		PartURL:         "http://repo/file.bin",
		TargetLocalPath: filepath.Join(dir, "file.bin"),
	}

	// Stand-in for the transfer stage: write the part's range so the close
	// stage has a real handle to release.
	write := &funcStage{name: "write", fn: func(_ *events.Controller, p *asset.TransferPart) *asset.TransferPart {
		data := make([]byte, p.Length())
		if err := files.WriteAt(p.Asset.TargetLocalPath, p.Low, data); err != nil {
			t.Errorf("WriteAt: %v", err)
		}
		return p
	}}

	pl := New(tc, files, &SplitStage{PreferredPartSize: 7}, write, &JoinStage{}, &CloseStage{Files: files})
	if err := pl.Run(context.Background(), assetsChan(a)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if got := rec.named(events.TransferCreateParts); len(got) != 1 {
		t.Errorf("create events = %d, want 1", len(got))
	}
	joins := rec.named(events.TransferJoinParts)
	if len(joins) != 2 {
		t.Fatalf("join events = %d, want 2", len(joins))
	}
	if joins[0].TransferBytes != 7 || joins[1].TransferBytes != 12 {
		t.Errorf("cumulative join bytes = %d, %d, want 7, 12", joins[0].TransferBytes, joins[1].TransferBytes)
	}
	if got := rec.named(events.TransferAfterJoinParts); len(got) != 1 {
		t.Errorf("after-join events = %d, want 1", len(got))
	}
	if got := rec.named(events.TransferPartError); len(got) != 0 {
		t.Errorf("error events = %d, want 0", len(got))
	}

	// The close stage released the handle; a late write must not reopen it
	if err := files.WriteAt(a.TargetLocalPath, 0, []byte("x")); err == nil {
		t.Error("handle still open after pipeline run")
	}
}

func TestPipeline_FailedAssetFiltered(t *testing.T) {
	files := localfs.NewRandomFileAccess()
	tc := events.NewController()

	rec := &recorder{}
	rec.attach(tc, pipelineEvents()...)

	a := &asset.TransferAsset{
		Direction:       asset.Download,
		Metadata:        asset.Metadata{Name: "bad.bin", Size: 30},
		PartURL:         "http://repo/bad.bin",
		TargetLocalPath: "", // never written; the stub fails first
	}

	var executed int
	failFirst := &funcStage{name: "fail", fn: func(tc *events.Controller, p *asset.TransferPart) *asset.TransferPart {
		executed++
		err := xfererr.FromStatus(500)
		p.Failed = true
		p.Err = err
		if p.Asset.Fail(err) {
			tc.Emit(events.Event{Name: events.TransferPartError, Asset: p.Asset, Err: err, FirstError: true})
		}
		return p
	}}

	pl := New(tc, files, &SplitStage{PreferredPartSize: 10}, failFirst, &JoinStage{}, &CloseStage{Files: files})
	if err := pl.Run(context.Background(), assetsChan(a)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	// The first part fails and marks the asset. A part already handed past
	// the filter may still execute, but the last part is checked after the
	// failure is recorded and must be dropped.
	if executed > 2 {
		t.Errorf("transfer executed %d parts, want at most 2", executed)
	}
	if got := rec.named(events.TransferPartError); len(got) != 1 {
		t.Fatalf("error events = %d, want 1", len(got))
	}
	if got := rec.named(events.TransferJoinParts); len(got) != 0 {
		t.Errorf("join events = %d, want 0", len(got))
	}
	if got := rec.named(events.TransferAfterJoinParts); len(got) != 0 {
		t.Errorf("after-join events = %d, want 0", len(got))
	}
}

func TestPipeline_SiblingSurvivesFailure(t *testing.T) {
	files := localfs.NewRandomFileAccess()
	tc := events.NewController()

	rec := &recorder{}
	rec.attach(tc, pipelineEvents()...)

	bad := &asset.TransferAsset{
		Direction: asset.Download,
		Metadata:  asset.Metadata{Name: "bad.bin", Size: 20},
		PartURL:   "http://repo/bad.bin",
	}
	good := &asset.TransferAsset{
		Direction: asset.Download,
		Metadata:  asset.Metadata{Name: "good.bin", Size: 20},
		PartURL:   "http://repo/good.bin",
	}

	stub := &funcStage{name: "stub", fn: func(tc *events.Controller, p *asset.TransferPart) *asset.TransferPart {
		if p.Asset == bad {
			err := xfererr.FromStatus(503)
			p.Failed = true
			p.Err = err
			if p.Asset.Fail(err) {
				tc.Emit(events.Event{Name: events.TransferPartError, Asset: p.Asset, Err: err, FirstError: true})
			}
		}
		return p
	}}

	pl := New(tc, files, &SplitStage{PreferredPartSize: 10}, stub, &JoinStage{}, &CloseStage{Files: files})
	if err := pl.Run(context.Background(), assetsChan(bad, good)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	var goodDone bool
	for _, e := range rec.named(events.TransferAfterJoinParts) {
		if e.Asset == good {
			goodDone = true
		}
		if e.Asset == bad {
			t.Error("failed asset emitted completion")
		}
	}
	if !goodDone {
		t.Error("surviving asset did not complete")
	}
	if got := rec.named(events.TransferPartError); len(got) != 1 {
		t.Errorf("error events = %d, want exactly 1 (first error wins)", len(got))
	}
}

func TestPipeline_SplitFailureEmitsError(t *testing.T) {
	files := localfs.NewRandomFileAccess()
	tc := events.NewController()

	rec := &recorder{}
	rec.attach(tc, pipelineEvents()...)

	a := &asset.TransferAsset{
		Direction: asset.Download,
		Metadata:  asset.Metadata{Name: "empty.bin", Size: 0},
		PartURL:   "http://repo/empty.bin",
	}

	noop := &funcStage{name: "noop", fn: func(_ *events.Controller, p *asset.TransferPart) *asset.TransferPart { return p }}
	pl := New(tc, files, &SplitStage{PreferredPartSize: 7}, noop, &JoinStage{}, &CloseStage{Files: files})
	if err := pl.Run(context.Background(), assetsChan(a)); err != nil {
		t.Fatalf("Run: %v", err)
	}

	errs := rec.named(events.TransferPartError)
	if len(errs) != 1 {
		t.Fatalf("error events = %d, want 1", len(errs))
	}
	if !xfererr.IsKind(errs[0].Err, xfererr.KindInvalidOptions) {
		t.Errorf("split failure kind = %s, want InvalidOptions", xfererr.GetKind(errs[0].Err))
	}
	if got := rec.named(events.TransferCreateParts); len(got) != 1 {
		t.Errorf("create events = %d, want 1 (emitted before the split is validated)", len(got))
	}
}
