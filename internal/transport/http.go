package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/golang/snappy"

	myerrors "github.com/myworld/mywdb/internal/errors"
)

// HTTPConfig configures an HTTP transport.
type HTTPConfig struct {
	BaseURL  string
	Username string
	Password string

	// ChunkSize is the number of bytes fetched per download request.
	ChunkSize int64

	// MaxRetries bounds retries of retryable failures.
	MaxRetries uint64

	Timeout time.Duration
}

// DefaultHTTPConfig returns the default configuration for a server URL.
func DefaultHTTPConfig(baseURL string) HTTPConfig {
	return HTTPConfig{
		BaseURL:    baseURL,
		ChunkSize:  4 * 1024 * 1024,
		MaxRetries: 3,
		Timeout:    5 * time.Minute,
	}
}

// HTTP is the transport of a replica talking to a myWorld server.
type HTTP struct {
	cfg    HTTPConfig
	client *http.Client

	mu   sync.Mutex
	csrf string
}

// NewHTTP returns an HTTP transport. The session cookie is kept across calls.
func NewHTTP(cfg HTTPConfig) (*HTTP, error) {
	if _, err := url.Parse(cfg.BaseURL); err != nil || cfg.BaseURL == "" {
		return nil, myerrors.NewConfigError(myerrors.CodeBadValue, fmt.Sprintf("bad sync server url %q", cfg.BaseURL))
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultHTTPConfig("").ChunkSize
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &HTTP{cfg: cfg, client: &http.Client{Jar: jar, Timeout: cfg.Timeout}}, nil
}

func (h *HTTP) url(p string, q url.Values) string {
	u := h.cfg.BaseURL + p
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	return u
}

// token returns the CSRF token, fetching it on first use.
func (h *HTTP) token(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.csrf != "" {
		return h.csrf, nil
	}
	var resp CSRFResponse
	if err := h.do(ctx, http.MethodGet, h.url("/csrf_token", nil), nil, "", &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", myerrors.NewSyncError(myerrors.CodeBadCSRF, "server returned an empty CSRF token", nil)
	}
	h.csrf = resp.Token
	return h.csrf, nil
}

func (h *HTTP) resetToken() {
	h.mu.Lock()
	h.csrf = ""
	h.mu.Unlock()
}

// post sends a state-changing request with the CSRF token. A rejected token
// is refetched once.
func (h *HTTP) post(ctx context.Context, u string, body func() (io.Reader, string, error), out interface{}) error {
	for attempt := 0; ; attempt++ {
		tok, err := h.token(ctx)
		if err != nil {
			return err
		}
		r, contentType, err := body()
		if err != nil {
			return err
		}
		err = h.send(ctx, http.MethodPost, u, r, contentType, tok, out)
		if myerrors.HasCode(err, myerrors.ErrCategorySync, myerrors.CodeBadCSRF) && attempt == 0 {
			h.resetToken()
			continue
		}
		return err
	}
}

func (h *HTTP) do(ctx context.Context, method, u string, body io.Reader, contentType string, out interface{}) error {
	return h.send(ctx, method, u, body, contentType, "", out)
}

// send performs one request, retrying retryable failures. Responses are
// requested snappy encoded.
func (h *HTTP) send(ctx context.Context, method, u string, body io.Reader, contentType, csrf string, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = io.ReadAll(body); err != nil {
			return err
		}
	}
	op := func() error {
		var rd io.Reader
		if payload != nil {
			rd = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return backoff.Permanent(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		if csrf != "" {
			req.Header.Set(CSRFHeader, csrf)
		}
		if h.cfg.Username != "" {
			req.SetBasicAuth(h.cfg.Username, h.cfg.Password)
		}
		req.Header.Set("Accept-Encoding", SnappyEncoding)

		resp, err := h.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if err := statusError(resp, u); err != nil {
			if myerrors.IsRetryable(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		if buf, ok := out.(*bytes.Buffer); ok {
			buf.Reset()
		}
		if w, ok := out.(io.Writer); ok {
			_, err = io.Copy(w, decodedBody(resp))
			return err
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(decodedBody(resp)).Decode(out); err != nil {
			return backoff.Permanent(fmt.Errorf("transport: bad response from %s: %w", u, err))
		}
		return nil
	}

	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), h.cfg.MaxRetries), ctx)
	err := backoff.RetryNotify(op, b, func(err error, d time.Duration) {
		log.Printf("transport: [WARN] %s %s failed, retrying in %v: %v", method, u, d, err)
	})
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func decodedBody(resp *http.Response) io.Reader {
	if resp.Header.Get("Content-Encoding") == SnappyEncoding {
		return snappy.NewReader(resp.Body)
	}
	return resp.Body
}

// statusError converts a non-200 response into a SyncError. A 403 naming
// the CSRF token is reported as BAD_CSRF.
func statusError(resp *http.Response, u string) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	if resp.StatusCode == http.StatusForbidden {
		var body struct {
			Code string `json:"code"`
		}
		if json.NewDecoder(io.LimitReader(resp.Body, 4096)).Decode(&body) == nil && body.Code == myerrors.CodeBadCSRF {
			return myerrors.NewSyncError(myerrors.CodeBadCSRF, "CSRF token rejected by "+u, nil)
		}
	}
	return myerrors.NewHTTPStatusError(resp.StatusCode, u)
}

func (h *HTTP) Register(ctx context.Context, extractType, owner, location string, nIDs int64) (*Registration, error) {
	req := RegisterRequest{ExtractType: extractType, Owner: owner, Location: location, NIDs: nIDs}
	var reg Registration
	err := h.post(ctx, h.url("/sync/register", nil), jsonBody(req), &reg)
	if err != nil {
		return nil, err
	}
	if reg.ReplicaID == "" {
		return nil, myerrors.NewSyncError(myerrors.CodeInvalidReplica, "server returned no replica id", nil)
	}
	return &reg, nil
}

func jsonBody(v interface{}) func() (io.Reader, string, error) {
	return func() (io.Reader, string, error) {
		data, err := json.Marshal(v)
		return bytes.NewReader(data), "application/json", err
	}
}

func (h *HTTP) PendingUpdates(ctx context.Context, sinceID int64, remoteDir string) (map[int64]string, error) {
	q := url.Values{"path": {remoteDir}, "since": {strconv.FormatInt(sinceID, 10)}}
	var resp UpdatesResponse
	if err := h.do(ctx, http.MethodGet, h.url("/sync/updates", q), nil, "", &resp); err != nil {
		return nil, err
	}
	if resp.Updates == nil {
		resp.Updates = map[int64]string{}
	}
	return resp.Updates, nil
}

// DownloadFile fetches a file in chunks of the configured size.
func (h *HTTP) DownloadFile(ctx context.Context, remoteDir, localDir, fileName string) (string, error) {
	if err := os.MkdirAll(localDir, 0755); err != nil {
		return "", err
	}
	local := filepath.Join(localDir, fileName)
	f, err := os.Create(local + ".part")
	if err != nil {
		return "", err
	}
	defer os.Remove(local + ".part")

	remote := path.Join(remoteDir, fileName)
	for offset := int64(0); ; {
		q := url.Values{
			"path":   {remote},
			"offset": {strconv.FormatInt(offset, 10)},
			"length": {strconv.FormatInt(h.cfg.ChunkSize, 10)},
		}
		var chunk bytes.Buffer
		if err := h.do(ctx, http.MethodGet, h.url("/sync/file", q), nil, "", &chunk); err != nil {
			f.Close()
			return "", err
		}
		n, err := f.Write(chunk.Bytes())
		if err != nil {
			f.Close()
			return "", err
		}
		offset += int64(n)
		if int64(n) < h.cfg.ChunkSize {
			break
		}
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	if err := os.Rename(local+".part", local); err != nil {
		return "", err
	}
	return local, nil
}

// UploadFile posts a file as a multipart form.
func (h *HTTP) UploadFile(ctx context.Context, remoteDir, localDir, fileName string) error {
	local := filepath.Join(localDir, fileName)
	body := func() (io.Reader, string, error) {
		f, err := os.Open(local)
		if err != nil {
			return nil, "", err
		}
		defer f.Close()
		var buf bytes.Buffer
		mw := multipart.NewWriter(&buf)
		if err := mw.WriteField("path", remoteDir); err != nil {
			return nil, "", err
		}
		part, err := mw.CreateFormFile("file", fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, f); err != nil {
			return nil, "", err
		}
		if err := mw.Close(); err != nil {
			return nil, "", err
		}
		return &buf, mw.FormDataContentType(), nil
	}
	return h.post(ctx, h.url("/sync/upload", nil), body, nil)
}

func (h *HTTP) UpdateReplicaStatus(ctx context.Context, replicaID string, masterUpdate int64) error {
	u := h.url("/sync/replica/"+url.PathEscape(replicaID)+"/status", nil)
	return h.post(ctx, u, jsonBody(StatusRequest{MasterUpdate: masterUpdate}), nil)
}

var _ Transport = (*HTTP)(nil)
