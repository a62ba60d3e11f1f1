package transfer

import (
	"context"
	"mime"
	"path"
	"path/filepath"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/diskspace"
	"github.com/rescale/httptransfer/internal/localfs"
	"github.com/rescale/httptransfer/internal/pipeline"
	"github.com/rescale/httptransfer/internal/util/buffers"
	"github.com/rescale/httptransfer/internal/xfererr"
)

// DownloadFiles fetches the given remote files into their local paths.
//
// Each file is split into ranged GET parts and transferred through the
// shared pipeline; per-file failures are reported via fileerror events and
// do not abort sibling files.
func (e *Engine) DownloadFiles(ctx context.Context, files []DownloadFile) error {
	e.setRunContext(ctx)
	e.logBatch("download", len(files))

	assets := make([]*asset.TransferAsset, 0, len(files))
	for _, f := range files {
		a := downloadAsset(f)
		if err := diskspace.Check(f.FilePath, f.FileSize); err != nil {
			e.emitPreFailed(a, xfererr.Wrap(xfererr.KindIo, err, err.Error()))
			continue
		}
		assets = append(assets, a)
	}

	rfa := localfs.NewRandomFileAccess()
	pl := pipeline.New(
		e.controller,
		rfa,
		&pipeline.SplitStage{PreferredPartSize: e.opts.PreferredPartSize},
		e.newTransferStage(rfa),
		&pipeline.JoinStage{},
		&pipeline.CloseStage{Files: rfa},
	)
	return pl.Run(ctx, emitAssets(ctx, assets))
}

func downloadAsset(f DownloadFile) *asset.TransferAsset {
	name := filepath.Base(f.FilePath)
	return &asset.TransferAsset{
		Direction: asset.Download,
		Metadata: asset.Metadata{
			Name:        name,
			ContentType: mime.TypeByExtension(path.Ext(name)),
			Size:        f.FileSize,
		},
		SourceURL:       f.FileURL,
		PartURL:         f.FileURL,
		TargetLocalPath: f.FilePath,
		AcceptRanges:    true,
	}
}

// newTransferStage assembles the part executor from the engine options.
func (e *Engine) newTransferStage(rfa *localfs.RandomFileAccess) *pipeline.TransferStage {
	r := e.opts.RequestOptions.RetryOptions
	return &pipeline.TransferStage{
		Client:  e.httpClient,
		Files:   rfa,
		Headers: e.opts.Headers,
		Retry: pipeline.RetryPolicy{
			MaxCount:     r.RetryMaxCount,
			InitialDelay: r.RetryInitialDelay,
			MaxDelay:     r.RetryMaxDelay,
			AllErrors:    r.RetryAllErrors,
		},
		MaxConcurrent: e.opts.MaxConcurrent,
		Buffers:       buffers.NewPool(e.opts.PreferredPartSize),
	}
}
