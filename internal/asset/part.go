package asset

import (
	"fmt"

	"github.com/rescale/httptransfer/internal/xfererr"
)

// TransferPart is a contiguous byte range of one asset, transferred by a
// single HTTP call. Parts of an asset partition [0, size) without gaps or
// overlaps and are ordered ascending by Low.
type TransferPart struct {
	Asset *TransferAsset

	Index int // position within the asset, 0-based
	Total int // number of parts the asset was split into

	// Low and High bound the byte range, both inclusive.
	Low  int64
	High int64

	// URL is the endpoint this specific part must hit.
	URL string

	// Failed marks a part whose transfer exhausted its retries. Failed
	// parts still flow downstream so join and close can account for them.
	Failed bool
	Err    error
}

// Length returns the number of bytes the part covers.
func (p *TransferPart) Length() int64 {
	return p.High - p.Low + 1
}

// IsChunk reports whether the part covers less than the whole asset.
func (p *TransferPart) IsChunk() bool {
	return p.Length() < p.Asset.Metadata.Size
}

// TotalSize returns the declared size of the owning asset.
func (p *TransferPart) TotalSize() int64 {
	return p.Asset.Metadata.Size
}

// ContentType returns the owning asset's MIME type.
func (p *TransferPart) ContentType() string {
	return p.Asset.Metadata.ContentType
}

// TargetName returns the owning asset's target file name.
func (p *TransferPart) TargetName() string {
	return p.Asset.Metadata.Name
}

func (p *TransferPart) String() string {
	return fmt.Sprintf("part %d/%d [%d-%d] of %s", p.Index+1, p.Total, p.Low, p.High, p.Asset.FileName())
}

// SplitParts partitions the asset into its transfer parts.
//
// Uploads that carry server-issued part URIs are split into exactly one part
// per URI: part i covers [floor(i*S/N), floor((i+1)*S/N)-1] and is assigned
// URI i, trusting the server's count. Every other asset is split into
// ceil(S/P) fixed-size parts hitting the asset's single part URL, with only
// the last part shorter than P.
func (a *TransferAsset) SplitParts(preferredPartSize int64) ([]*TransferPart, error) {
	size := a.Metadata.Size
	if size <= 0 {
		return nil, xfererr.Newf(xfererr.KindInvalidOptions, "invalid file size %d for %s", size, a.FileName())
	}
	if preferredPartSize <= 0 {
		return nil, xfererr.Newf(xfererr.KindInvalidOptions, "invalid part size %d for %s", preferredPartSize, a.FileName())
	}

	if a.Direction == Upload && len(a.UploadURIs) > 0 {
		n := int64(len(a.UploadURIs))
		parts := make([]*TransferPart, 0, n)
		for i := int64(0); i < n; i++ {
			low := i * size / n
			high := (i+1)*size/n - 1
			parts = append(parts, &TransferPart{
				Asset: a,
				Index: int(i),
				Total: int(n),
				Low:   low,
				High:  high,
				URL:   a.UploadURIs[i],
			})
		}
		return parts, nil
	}

	total := int((size + preferredPartSize - 1) / preferredPartSize)
	parts := make([]*TransferPart, 0, total)
	for i := 0; i < total; i++ {
		low := int64(i) * preferredPartSize
		high := low + preferredPartSize - 1
		if high > size-1 {
			high = size - 1
		}
		parts = append(parts, &TransferPart{
			Asset: a,
			Index: i,
			Total: total,
			Low:   low,
			High:  high,
			URL:   a.PartURL,
		})
	}
	return parts, nil
}
