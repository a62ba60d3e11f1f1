package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/rescale/httptransfer/internal/constants"
	"github.com/rescale/httptransfer/internal/xfererr"
)

// Repository is the control-plane client for the remote content repository.
// It negotiates direct-binary upload sessions (initiate and complete calls);
// the data-plane part traffic goes through the shared transfer client.
type Repository struct {
	retry   *retryablehttp.Client
	headers map[string]string
}

// InitiatedFile is one file entry of an initiateUpload response.
type InitiatedFile struct {
	FileName    string   `json:"fileName"`
	UploadURIs  []string `json:"uploadURIs"`
	UploadToken string   `json:"uploadToken"`
	MinPartSize int64    `json:"minPartSize"`
	MaxPartSize int64    `json:"maxPartSize"`
	MimeType    string   `json:"mimeType"`
}

// InitiateResult is the decoded initiateUpload response.
type InitiateResult struct {
	CompleteURI string          `json:"completeURI"`
	FolderPath  string          `json:"folderPath"`
	Files       []InitiatedFile `json:"files"`
}

// CompleteRequest carries the fields of an upload completion call.
type CompleteRequest struct {
	FileName       string
	FileSize       int64
	MimeType       string
	CreateVersion  bool
	VersionLabel   string
	VersionComment string
	Replace        bool
	UploadToken    string
	UploadDuration time.Duration
}

// NewRepository wraps the given HTTP client for control-plane calls, adding
// retry on transient failures. The headers are attached to every request.
func NewRepository(httpClient *nethttp.Client, headers map[string]string) *Repository {
	rc := retryablehttp.NewClient()
	rc.HTTPClient = &nethttp.Client{
		Transport: httpClient.Transport,
		Timeout:   constants.ControlRequestTimeout,
	}
	rc.RetryMax = constants.RetryMaxCount
	rc.RetryWaitMin = constants.RetryInitialDelay
	rc.RetryWaitMax = constants.RetryMaxDelay
	rc.Logger = retryLogger{}

	return &Repository{
		retry:   rc,
		headers: headers,
	}
}

// InitiateUploadURL returns the initiate endpoint for a folder URL.
func InitiateUploadURL(folderURL string) string {
	return strings.TrimSuffix(folderURL, "/") + ".initiateUpload.json"
}

// CreateAssetURL returns the createasset servlet endpoint for a folder URL.
func CreateAssetURL(folderURL string) string {
	return strings.TrimSuffix(folderURL, "/") + ".createasset.html"
}

// InitiateUpload starts a direct-binary upload session for one file.
//
// An empty Files list in the result means the repository does not support
// direct binary upload and the caller must fall back to the createasset
// servlet. A 404 or 501 from the endpoint means the same and is reported as
// the corresponding typed error.
func (r *Repository) InitiateUpload(ctx context.Context, folderURL, fileName string, fileSize int64) (*InitiateResult, error) {
	form := url.Values{}
	form.Set("fileName", fileName)
	form.Set("fileSize", strconv.FormatInt(fileSize, 10))

	body, err := r.postForm(ctx, InitiateUploadURL(folderURL), form)
	if err != nil {
		return nil, err
	}

	var result InitiateResult
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, xfererr.Wrap(xfererr.KindValidation, err, "failed to decode initiateUpload response")
	}

	// completeURI may be folder-relative; resolve it against the folder URL
	if result.CompleteURI != "" {
		resolved, err := resolveAgainst(folderURL, result.CompleteURI)
		if err != nil {
			return nil, err
		}
		result.CompleteURI = resolved
	}

	return &result, nil
}

// CompleteUpload finishes a direct-binary upload session.
func (r *Repository) CompleteUpload(ctx context.Context, completeURI string, req *CompleteRequest) error {
	form := url.Values{}
	form.Set("fileName", req.FileName)
	form.Set("fileSize", strconv.FormatInt(req.FileSize, 10))
	form.Set("mimeType", req.MimeType)
	form.Set("createVersion", strconv.FormatBool(req.CreateVersion))
	form.Set("versionLabel", req.VersionLabel)
	form.Set("versionComment", req.VersionComment)
	form.Set("replace", strconv.FormatBool(req.Replace))
	form.Set("uploadToken", req.UploadToken)
	form.Set("uploadDuration", strconv.FormatInt(req.UploadDuration.Milliseconds(), 10))

	_, err := r.postForm(ctx, completeURI, form)
	return err
}

func (r *Repository) postForm(ctx context.Context, target string, form url.Values) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, nethttp.MethodPost, target, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindInvalidOptions, err, fmt.Sprintf("invalid request URL %s", target))
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for name, value := range r.headers {
		req.Header.Set(name, value)
	}

	resp, err := r.retry.Do(req)
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindUnknown, err, fmt.Sprintf("request to %s failed", target))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xfererr.Wrap(xfererr.KindUnknown, err, fmt.Sprintf("failed to read response from %s", target))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, xfererr.FromStatus(resp.StatusCode)
	}
	return body, nil
}

func resolveAgainst(baseURL, ref string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", xfererr.Wrap(xfererr.KindInvalidOptions, err, "invalid folder URL")
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", xfererr.Wrap(xfererr.KindValidation, err, "invalid completeURI in initiateUpload response")
	}
	return base.ResolveReference(r).String(), nil
}

// retryLogger routes retryablehttp's internal logging through zerolog,
// demoting its chatter to debug level.
type retryLogger struct{}

func (retryLogger) Error(msg string, kv ...interface{}) {
	log.Error().Fields(kv).Msg(msg)
}

func (retryLogger) Warn(msg string, kv ...interface{}) {
	log.Debug().Fields(kv).Msg(msg)
}

func (retryLogger) Info(msg string, kv ...interface{}) {
	log.Debug().Fields(kv).Msg(msg)
}

func (retryLogger) Debug(msg string, kv ...interface{}) {
	if e := log.Debug(); e.Enabled() {
		e.Fields(kv).Msg(msg)
	}
}
