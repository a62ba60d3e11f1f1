package transfer

import (
	"context"
	"mime"
	"net/url"
	"os"
	"path"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/client"
	"github.com/rescale/httptransfer/internal/events"
	"github.com/rescale/httptransfer/internal/localfs"
	"github.com/rescale/httptransfer/internal/pipeline"
	"github.com/rescale/httptransfer/internal/xfererr"
)

// UploadFiles sends the given local files (or blobs) to the repository.
//
// Each file is negotiated with the initiateUpload call first. Repositories
// that hand out per-part URIs get raw PUT parts followed by a completion
// call; repositories without direct binary support fall back to multipart
// createasset posts. Per-file failures are reported via fileerror events
// and do not abort sibling files.
func (e *Engine) UploadFiles(ctx context.Context, files []UploadFile) error {
	e.setRunContext(ctx)
	e.logBatch("upload", len(files))

	assets := e.initiateUploads(ctx, files)

	rfa := localfs.NewRandomFileAccess()
	pl := pipeline.New(
		e.controller,
		rfa,
		&pipeline.SplitStage{PreferredPartSize: e.opts.PreferredPartSize},
		e.newTransferStage(rfa),
		&pipeline.JoinStage{},
		&pipeline.CloseStage{Files: rfa},
	)
	err := pl.Run(ctx, emitAssets(ctx, assets))

	// Completion calls spawned by asset-complete events finish before the
	// batch returns, so fileend/fileerror are fully delivered.
	e.completions.Wait()
	return err
}

// initiateUploads negotiates upload sessions concurrently, bounded by the
// engine's in-flight cap. Files whose negotiation fails are surfaced
// immediately and excluded from the pipeline run.
func (e *Engine) initiateUploads(ctx context.Context, files []UploadFile) []*asset.TransferAsset {
	prepared := make([]*asset.TransferAsset, len(files))

	var g errgroup.Group
	g.SetLimit(e.opts.MaxConcurrent)
	for i := range files {
		i := i
		g.Go(func() error {
			a, err := e.prepareUpload(ctx, files[i])
			if err != nil {
				e.emitPreFailed(a, err)
				return nil
			}
			prepared[i] = a
			return nil
		})
	}
	g.Wait()

	assets := make([]*asset.TransferAsset, 0, len(files))
	for _, a := range prepared {
		if a != nil {
			assets = append(assets, a)
		}
	}
	return assets
}

// prepareUpload builds the asset for one upload and negotiates its wire
// protocol. The returned asset is valid for event payloads even when the
// negotiation failed.
func (e *Engine) prepareUpload(ctx context.Context, f UploadFile) (*asset.TransferAsset, error) {
	folderURL, fileName, urlErr := splitFileURL(f.FileURL)

	a := &asset.TransferAsset{
		Direction:        asset.Upload,
		Metadata:         asset.Metadata{Name: fileName, Size: f.FileSize},
		SourceLocalPath:  f.FilePath,
		SourceBlob:       f.Blob,
		TargetURL:        folderURL,
		MultipartHeaders: f.MultipartHeaders,
		CreateVersion:    f.CreateVersion,
		VersionLabel:     f.VersionLabel,
		VersionComment:   f.VersionComment,
		Replace:          f.Replace,
	}
	if urlErr != nil {
		return a, urlErr
	}

	if a.Metadata.Size == 0 {
		size, err := sourceSize(f)
		if err != nil {
			return a, err
		}
		a.Metadata.Size = size
	}

	init, err := e.repo.InitiateUpload(ctx, folderURL, fileName, a.Metadata.Size)
	if err != nil {
		// Older repositories have no initiate endpoint at all; those go
		// straight to the createasset servlet.
		kind := xfererr.GetKind(err)
		if kind == xfererr.KindNotFound || kind == xfererr.KindNotSupported {
			return e.prepareServletUpload(a, f)
		}
		return a, err
	}

	if len(init.Files) == 0 || len(init.Files[0].UploadURIs) == 0 {
		return e.prepareServletUpload(a, f)
	}

	fi := init.Files[0]
	uris, err := selectUploadURIs(fileName, a.Metadata.Size, fi)
	if err != nil {
		return a, err
	}
	a.UploadURIs = uris
	a.UploadToken = fi.UploadToken
	a.CompleteURI = init.CompleteURI
	a.Metadata.ContentType = fi.MimeType
	if a.Metadata.ContentType == "" {
		a.Metadata.ContentType = detectContentType(fileName, f.FilePath, f.Blob)
	}

	a.UploadStart = time.Now()
	log.Debug().
		Str("file", fileName).
		Int("uploadURIs", len(a.UploadURIs)).
		Int("offered", len(fi.UploadURIs)).
		Msg("initiated direct binary upload")
	return a, nil
}

// selectUploadURIs decides how many of the server's part URIs the upload
// uses, so the even split lands inside the server's part-size window.
//
// Servers hand out a generous URI count; an even split across all of them
// can fall below minPartSize for small files, so the count is reduced until
// every part (except a sole final short one) is at least minPartSize. The
// count never grows past the offer: a file that needs more maxPartSize parts
// than the selected count is rejected as too large, which covers both a file
// too big for every offered URI and a window whose bounds conflict.
func selectUploadURIs(fileName string, size int64, fi client.InitiatedFile) ([]string, error) {
	n := int64(len(fi.UploadURIs))

	parts := n
	if fi.MinPartSize > 0 {
		if byMin := size / fi.MinPartSize; byMin < parts {
			parts = byMin
		}
		if parts < 1 {
			parts = 1
		}
	}

	if fi.MaxPartSize > 0 {
		needed := (size + fi.MaxPartSize - 1) / fi.MaxPartSize
		if needed > parts {
			return nil, xfererr.Newf(xfererr.KindTooLarge,
				"file %s (%d bytes) needs %d parts of at most %d bytes but the server offered %d upload URIs",
				fileName, size, needed, fi.MaxPartSize, n)
		}
	}

	return fi.UploadURIs[:parts], nil
}

// prepareServletUpload configures the createasset fallback for an asset.
func (e *Engine) prepareServletUpload(a *asset.TransferAsset, f UploadFile) (*asset.TransferAsset, error) {
	a.UploadURIs = nil
	a.UploadToken = ""
	a.CompleteURI = ""
	a.PartURL = client.CreateAssetURL(a.TargetURL)
	a.Metadata.ContentType = detectContentType(a.Metadata.Name, f.FilePath, f.Blob)
	a.UploadStart = time.Now()
	log.Debug().
		Str("file", a.Metadata.Name).
		Msg("falling back to createasset servlet upload")
	return a, nil
}

// completeUpload finishes a direct-binary upload asynchronously and emits
// the terminal surface event for the asset.
func (e *Engine) completeUpload(a *asset.TransferAsset) {
	e.completions.Add(1)
	go func() {
		defer e.completions.Done()

		req := &client.CompleteRequest{
			FileName:       a.Metadata.Name,
			FileSize:       a.Metadata.Size,
			MimeType:       a.Metadata.ContentType,
			CreateVersion:  a.CreateVersion,
			VersionLabel:   a.VersionLabel,
			VersionComment: a.VersionComment,
			Replace:        a.Replace,
			UploadToken:    a.UploadToken,
			UploadDuration: time.Since(a.UploadStart),
		}
		if err := e.repo.CompleteUpload(e.runContext(), a.CompleteURI, req); err != nil {
			if a.Fail(err) {
				e.controller.Emit(events.Event{Name: events.FileError, Asset: a, Err: err, FirstError: true})
			}
			return
		}
		e.controller.Emit(events.Event{Name: events.FileEnd, Asset: a})
	}()
}

// splitFileURL separates a target file URL into its folder URL and name.
func splitFileURL(fileURL string) (folderURL, fileName string, err error) {
	u, err := url.Parse(fileURL)
	if err != nil {
		return "", "", xfererr.Wrap(xfererr.KindInvalidOptions, err, "invalid file URL")
	}
	name := path.Base(u.Path)
	if name == "." || name == "/" || name == "" {
		return "", "", xfererr.Newf(xfererr.KindInvalidOptions, "file URL %s has no file name", fileURL)
	}
	folder := *u
	folder.Path = path.Dir(u.Path)
	return folder.String(), name, nil
}

// sourceSize determines the byte count of an upload source.
func sourceSize(f UploadFile) (int64, error) {
	if f.Blob != nil {
		return int64(len(f.Blob)), nil
	}
	info, err := os.Stat(f.FilePath)
	if err != nil {
		return 0, xfererr.Wrap(xfererr.KindIo, err, "failed to stat upload source "+f.FilePath)
	}
	return info.Size(), nil
}

// detectContentType resolves a MIME type for an upload: the file extension
// wins, content sniffing covers extensionless names.
func detectContentType(name, filePath string, blob []byte) string {
	if t := mime.TypeByExtension(path.Ext(name)); t != "" {
		return t
	}
	if blob != nil {
		return mimetype.Detect(blob).String()
	}
	if filePath != "" {
		if mt, err := mimetype.DetectFile(filePath); err == nil {
			return mt.String()
		}
	}
	return "application/octet-stream"
}
