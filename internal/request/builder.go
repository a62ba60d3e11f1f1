// Package request builds the HTTP bodies and headers for upload parts.
//
// Two wire formats exist: raw block bodies for servers that hand out
// per-part PUT URIs, and multipart createasset forms for repositories that
// only accept the servlet fallback. Both builders are pure functions of the
// part and its bytes; For picks the variant per part unless the transfer
// stage is given an override builder.
package request

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"

	"github.com/rescale/httptransfer/internal/asset"
	"github.com/rescale/httptransfer/internal/xfererr"
)

// Body is a fully materialized request body.
type Body struct {
	Bytes       []byte
	ContentType string
}

// Builder is the capability set for producing one part's request.
type Builder interface {
	// Method returns the HTTP method part requests are sent with.
	Method() string

	// BuildBody wraps the part's raw bytes into the wire body.
	BuildBody(part *asset.TransferPart, data []byte) (*Body, error)

	// BuildHeaders produces the request headers for the part and body.
	BuildHeaders(part *asset.TransferPart, body *Body) http.Header
}

// For returns the builder variant an upload part requires: parts with
// server-issued URIs go out as raw blocks, everything else uses the
// createasset servlet form.
func For(part *asset.TransferPart) Builder {
	if len(part.Asset.UploadURIs) > 0 {
		return BlockBuilder{}
	}
	return CreateAssetServletBuilder{}
}

// BlockBuilder sends part bytes verbatim, one PUT per server-issued URI.
type BlockBuilder struct{}

func (BlockBuilder) Method() string { return http.MethodPut }

func (BlockBuilder) BuildBody(part *asset.TransferPart, data []byte) (*Body, error) {
	return &Body{
		Bytes:       data,
		ContentType: part.ContentType(),
	}, nil
}

func (BlockBuilder) BuildHeaders(part *asset.TransferPart, body *Body) http.Header {
	h := make(http.Header)
	h.Set("Content-Length", strconv.FormatInt(int64(len(body.Bytes)), 10))
	if body.ContentType != "" {
		h.Set("Content-Type", body.ContentType)
	}
	return h
}

// CreateAssetServletBuilder posts each part as a multipart form to the
// folder's createasset endpoint. Chunked parts carry the offset fields the
// servlet needs to reassemble the file.
type CreateAssetServletBuilder struct{}

func (CreateAssetServletBuilder) Method() string { return http.MethodPost }

func (CreateAssetServletBuilder) BuildBody(part *asset.TransferPart, data []byte) (*Body, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	if err := w.WriteField("_charset_", "utf-8"); err != nil {
		return nil, xfererr.Wrap(xfererr.KindUnknown, err, "failed to encode form field")
	}

	if part.IsChunk() {
		fields := map[string]string{
			"file@Offset":  strconv.FormatInt(part.Low, 10),
			"chunk@Length": strconv.FormatInt(part.Length(), 10),
			"file@Length":  strconv.FormatInt(part.TotalSize(), 10),
		}
		for _, name := range []string{"file@Offset", "chunk@Length", "file@Length"} {
			if err := w.WriteField(name, fields[name]); err != nil {
				return nil, xfererr.Wrap(xfererr.KindUnknown, err, "failed to encode form field")
			}
		}
	}

	fw, err := createFilePart(w, part.TargetName(), part.ContentType())
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindUnknown, err, "failed to create form file part")
	}
	if _, err := fw.Write(data); err != nil {
		return nil, xfererr.Wrap(xfererr.KindUnknown, err, "failed to write form file part")
	}
	if err := w.Close(); err != nil {
		return nil, xfererr.Wrap(xfererr.KindUnknown, err, "failed to finalize form body")
	}

	return &Body{
		Bytes:       buf.Bytes(),
		ContentType: w.FormDataContentType(),
	}, nil
}

func (CreateAssetServletBuilder) BuildHeaders(part *asset.TransferPart, body *Body) http.Header {
	h := make(http.Header)
	h.Set("Content-Length", strconv.FormatInt(int64(len(body.Bytes)), 10))
	h.Set("Content-Type", body.ContentType)

	if part.IsChunk() {
		h.Set("x-chunked-content-type", part.ContentType())
		h.Set("x-chunked-total-size", strconv.FormatInt(part.TotalSize(), 10))
	}

	for name, value := range part.Asset.MultipartHeaders {
		h.Set(name, value)
	}
	return h
}

// createFilePart adds the "file" form part with an explicit content type;
// multipart.Writer.CreateFormFile would hardcode application/octet-stream.
func createFilePart(w *multipart.Writer, filename, contentType string) (interface{ Write([]byte) (int, error) }, error) {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename="%s"`, escapeQuotes(filename)))
	header.Set("Content-Type", contentType)
	return w.CreatePart(header)
}

func escapeQuotes(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		if r == '\\' || r == '"' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
