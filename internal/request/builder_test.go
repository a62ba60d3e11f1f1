package request

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"strconv"
	"testing"

	"github.com/rescale/httptransfer/internal/asset"
)

func uploadPart(t *testing.T, size, partSize int64) []*asset.TransferPart {
	t.Helper()
	a := &asset.TransferAsset{
		Direction: asset.Upload,
		Metadata:  asset.Metadata{Name: "image.jpg", ContentType: "image/jpeg", Size: size},
		TargetURL: "http://repo/content/dam",
		PartURL:   "http://repo/content/dam.createasset.html",
	}
	parts, err := a.SplitParts(partSize)
	if err != nil {
		t.Fatalf("SplitParts: %v", err)
	}
	return parts
}

func TestBlockBuilder(t *testing.T) {
	parts := uploadPart(t, 15, 15)
	data := []byte("hello world 123")

	b := BlockBuilder{}
	if b.Method() != "PUT" {
		t.Errorf("Method = %q, want PUT", b.Method())
	}

	body, err := b.BuildBody(parts[0], data)
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	if !bytes.Equal(body.Bytes, data) {
		t.Error("block body must be the raw part bytes")
	}

	h := b.BuildHeaders(parts[0], body)
	if got := h.Get("Content-Length"); got != "15" {
		t.Errorf("Content-Length = %q, want 15", got)
	}
	if got := h.Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("Content-Type = %q, want image/jpeg", got)
	}
}

// parseForm decodes a multipart body into field values and the file payload.
func parseForm(t *testing.T, body *Body) (map[string]string, []byte, *multipart.Part) {
	t.Helper()

	mediaType, params, err := mime.ParseMediaType(body.ContentType)
	if err != nil {
		t.Fatalf("ParseMediaType: %v", err)
	}
	if mediaType != "multipart/form-data" {
		t.Fatalf("media type = %q, want multipart/form-data", mediaType)
	}

	fields := make(map[string]string)
	var fileData []byte
	var filePart *multipart.Part

	mr := multipart.NewReader(bytes.NewReader(body.Bytes), params["boundary"])
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart: %v", err)
		}
		data, err := io.ReadAll(p)
		if err != nil {
			t.Fatalf("read part: %v", err)
		}
		if p.FormName() == "file" {
			fileData = data
			filePart = p
		} else {
			fields[p.FormName()] = string(data)
		}
	}
	return fields, fileData, filePart
}

func TestCreateAssetServletBuilder_Chunked(t *testing.T) {
	parts := uploadPart(t, 21, 17)
	if len(parts) != 2 {
		t.Fatalf("got %d parts, want 2", len(parts))
	}

	content := []byte("aaaaaaaaaaaaaaaaabbbb") // 17 a's + 4 b's

	b := CreateAssetServletBuilder{}
	if b.Method() != "POST" {
		t.Errorf("Method = %q, want POST", b.Method())
	}

	// First chunk: offset 0, length 17
	body, err := b.BuildBody(parts[0], content[:17])
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	fields, fileData, filePart := parseForm(t, body)

	if fields["_charset_"] != "utf-8" {
		t.Errorf("_charset_ = %q, want utf-8", fields["_charset_"])
	}
	if fields["file@Offset"] != "0" {
		t.Errorf("file@Offset = %q, want 0", fields["file@Offset"])
	}
	if fields["chunk@Length"] != "17" {
		t.Errorf("chunk@Length = %q, want 17", fields["chunk@Length"])
	}
	if fields["file@Length"] != "21" {
		t.Errorf("file@Length = %q, want 21", fields["file@Length"])
	}
	if !bytes.Equal(fileData, content[:17]) {
		t.Error("file field carries wrong bytes")
	}
	if filePart == nil {
		t.Fatal("form has no file field")
	}
	if got := filePart.FileName(); got != "image.jpg" {
		t.Errorf("file field filename = %q, want image.jpg", got)
	}
	if got := filePart.Header.Get("Content-Type"); got != "image/jpeg" {
		t.Errorf("file field Content-Type = %q, want image/jpeg", got)
	}

	h := b.BuildHeaders(parts[0], body)
	if got := h.Get("x-chunked-content-type"); got != "image/jpeg" {
		t.Errorf("x-chunked-content-type = %q, want image/jpeg", got)
	}
	if got := h.Get("x-chunked-total-size"); got != "21" {
		t.Errorf("x-chunked-total-size = %q, want 21", got)
	}
	if got := h.Get("Content-Length"); got != strconv.Itoa(len(body.Bytes)) {
		t.Errorf("Content-Length = %q, want %d", got, len(body.Bytes))
	}

	// Second chunk: offset 17, length 4
	body, err = b.BuildBody(parts[1], content[17:])
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	fields, fileData, _ = parseForm(t, body)
	if fields["file@Offset"] != "17" {
		t.Errorf("file@Offset = %q, want 17", fields["file@Offset"])
	}
	if fields["chunk@Length"] != "4" {
		t.Errorf("chunk@Length = %q, want 4", fields["chunk@Length"])
	}
	if !bytes.Equal(fileData, content[17:]) {
		t.Error("second chunk carries wrong bytes")
	}
}

func TestCreateAssetServletBuilder_WholeFile(t *testing.T) {
	parts := uploadPart(t, 15, 64)
	content := []byte("hello world 123")

	b := CreateAssetServletBuilder{}
	body, err := b.BuildBody(parts[0], content)
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}

	fields, fileData, _ := parseForm(t, body)
	if _, ok := fields["file@Offset"]; ok {
		t.Error("whole-file upload must not carry chunk fields")
	}
	if !bytes.Equal(fileData, content) {
		t.Error("file field carries wrong bytes")
	}

	h := b.BuildHeaders(parts[0], body)
	if h.Get("x-chunked-content-type") != "" || h.Get("x-chunked-total-size") != "" {
		t.Error("whole-file upload must not carry chunk headers")
	}
}

func TestCreateAssetServletBuilder_MultipartHeaders(t *testing.T) {
	parts := uploadPart(t, 21, 17)
	parts[0].Asset.MultipartHeaders = map[string]string{"X-Custom": "yes"}

	b := CreateAssetServletBuilder{}
	body, err := b.BuildBody(parts[0], make([]byte, 17))
	if err != nil {
		t.Fatalf("BuildBody: %v", err)
	}
	h := b.BuildHeaders(parts[0], body)
	if got := h.Get("X-Custom"); got != "yes" {
		t.Errorf("X-Custom = %q, want yes", got)
	}
}
