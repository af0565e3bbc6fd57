package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/chrisjsewell/fireflow/pkg/core"
)

// Config tunes session behaviour. The zero value is not usable; start from
// DefaultConfig.
type Config struct {
	// CallTimeout bounds each control-plane request (mkdir, ls, submit,
	// poll). Uploads and downloads are not bounded here: they run on the
	// caller's context so large transfers are never cut mid-stream.
	CallTimeout time.Duration

	// SmallFileBytes is the upload size threshold at or below which content
	// is buffered in memory, making the request body replayable across a
	// token-refresh retry. Larger uploads stream.
	SmallFileBytes int64

	// HTTPClient overrides the transport, mainly for tests. When nil a
	// plain client is used.
	HTTPClient *http.Client
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		CallTimeout:    60 * time.Second,
		SmallFileBytes: 5 << 20,
	}
}

// Session is the RemoteClient for one stored client. Safe for concurrent
// use; all calcjobs targeting the same client share one session.
type Session struct {
	client *core.Client
	cfg    Config
	http   *http.Client

	mu     sync.Mutex
	source oauth2.TokenSource
}

// NewSession creates a session for client. The client's SmallFileSizeMB,
// when set, overrides the config threshold.
func NewSession(client *core.Client, cfg Config) (*Session, error) {
	if client.BaseURL == "" {
		return nil, fmt.Errorf("client %q has no base URL", client.Label)
	}
	if client.SmallFileSizeMB > 0 {
		cfg.SmallFileBytes = int64(client.SmallFileSizeMB) << 20
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Session{
		client: client,
		cfg:    cfg,
		http:   httpClient,
	}, nil
}

func (s *Session) endpoint(p string) string {
	return strings.TrimRight(s.client.BaseURL, "/") + p
}

// ─────────────────────────────────────────────────────────────────────────────
// Authentication
// ─────────────────────────────────────────────────────────────────────────────

// token returns a valid bearer token, fetching or refreshing through the
// client-credentials flow as needed. Clients without a token URL run
// unauthenticated.
func (s *Session) token() (*oauth2.Token, error) {
	s.mu.Lock()
	if s.source == nil {
		conf := &clientcredentials.Config{
			ClientID:     s.client.ClientID,
			ClientSecret: s.client.ClientSecret,
			TokenURL:     s.client.TokenURL,
		}
		// The token source outlives any single request, so it is bound to
		// a background context carrying our transport.
		authCtx := context.WithValue(context.Background(), oauth2.HTTPClient, s.http)
		s.source = conf.TokenSource(authCtx)
	}
	source := s.source
	s.mu.Unlock()

	tok, err := source.Token()
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			if rErr.Response != nil && rErr.Response.StatusCode >= 500 {
				return nil, core.Transient(fmt.Errorf("token endpoint: %w", err))
			}
			return nil, &core.CredentialError{Err: err}
		}
		return nil, core.Transient(fmt.Errorf("fetch token: %w", err))
	}
	return tok, nil
}

// dropToken discards the cached token so the next call fetches a fresh one.
func (s *Session) dropToken() {
	s.mu.Lock()
	s.source = nil
	s.mu.Unlock()
}

// ─────────────────────────────────────────────────────────────────────────────
// Request plumbing
// ─────────────────────────────────────────────────────────────────────────────

// buildFunc creates a fresh request for one attempt. It is invoked again on
// the single token-refresh retry, so it must produce a new body each call.
type buildFunc func(ctx context.Context) (*http.Request, error)

// do runs one request with auth, retrying exactly once with fresh
// credentials on a 401. On success the response body is open and owned by
// the caller; on error it has been consumed and closed.
func (s *Session) do(ctx context.Context, build buildFunc) (*http.Response, error) {
	resp, err := s.attempt(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized {
		return classify(resp)
	}

	discard(resp)
	s.dropToken()
	resp, err = s.attempt(ctx, build)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		discard(resp)
		return nil, &core.CredentialError{
			Err: fmt.Errorf("%s %s unauthorized after token refresh", resp.Request.Method, resp.Request.URL.Path),
		}
	}
	return classify(resp)
}

func (s *Session) attempt(ctx context.Context, build buildFunc) (*http.Response, error) {
	req, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if s.client.MachineName != "" {
		req.Header.Set("X-Machine-Name", s.client.MachineName)
	}
	if s.client.TokenURL != "" {
		tok, err := s.token()
		if err != nil {
			return nil, err
		}
		tok.SetAuthHeader(req)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		// Connection refused, DNS, timeout: all worth a step retry.
		return nil, core.Transient(fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	return resp, nil
}

// classify folds a completed response into the engine's error families: 2xx
// passes through, 5xx and throttling are transient, the rest are permanent.
func classify(resp *http.Response) (*http.Response, error) {
	code := resp.StatusCode
	switch {
	case code < 300:
		return resp, nil
	case code >= 500 || code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return nil, core.Transient(httpError(resp))
	default:
		return nil, httpError(resp)
	}
}

// httpError consumes the response and renders a one-line error carrying the
// server's own message when it sent one.
func httpError(resp *http.Response) error {
	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(excerpt))
	if msg == "" {
		msg = resp.Status
	}
	return fmt.Errorf("%s %s: %s", resp.Request.Method, resp.Request.URL.Path, msg)
}

// discard drains and closes a response body so the connection can be reused.
func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// callCtx bounds control-plane requests.
func (s *Session) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.CallTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.cfg.CallTimeout)
}

func formRequest(ctx context.Context, url string, form url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return req, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Filesystem operations
// ─────────────────────────────────────────────────────────────────────────────

// Mkdir creates remotePath. With parents set, missing ancestors are created
// and an already existing directory is not an error.
func (s *Session) Mkdir(ctx context.Context, remotePath string, parents bool) error {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	form := url.Values{"targetPath": {remotePath}}
	if parents {
		form.Set("p", "true")
	}
	resp, err := s.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return formRequest(ctx, s.endpoint("/utilities/mkdir"), form)
	})
	if err != nil {
		return err
	}
	discard(resp)
	return nil
}

// Upload writes content to remotePath. Content at or below the small-file
// threshold is buffered so the body survives a token-refresh retry; larger
// content streams and relies on the caller re-uploading if auth expires
// mid-transfer.
func (s *Session) Upload(ctx context.Context, remotePath string, content io.Reader, size int64) error {
	dir, name := path.Split(remotePath)
	dir = strings.TrimSuffix(dir, "/")

	if size >= 0 && size <= s.cfg.SmallFileBytes {
		return s.uploadBuffered(ctx, dir, name, content)
	}
	return s.uploadStreamed(ctx, dir, name, content)
}

func (s *Session) uploadBuffered(ctx context.Context, dir, name string, content io.Reader) error {
	var body strings.Builder
	mw := multipart.NewWriter(&body)
	if err := writeUploadForm(mw, dir, name, content); err != nil {
		return fmt.Errorf("encode upload of %s: %w", path.Join(dir, name), err)
	}
	payload := body.String()

	resp, err := s.do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.endpoint("/utilities/upload"), strings.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return err
	}
	discard(resp)
	return nil
}

func (s *Session) uploadStreamed(ctx context.Context, dir, name string, content io.Reader) error {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		pw.CloseWithError(writeUploadForm(mw, dir, name, content))
	}()
	// Unblocks the writer goroutine if the request never drains the pipe.
	defer pr.Close()

	replayed := false
	resp, err := s.do(ctx, func(ctx context.Context) (*http.Request, error) {
		if replayed {
			// The pipe was consumed by the first attempt. The step itself
			// is idempotent, so surface a retryable error and let the
			// runner re-upload from the object store.
			return nil, core.Transient(errors.New("streamed upload interrupted by token refresh"))
		}
		replayed = true
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.endpoint("/utilities/upload"), pr)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", mw.FormDataContentType())
		return req, nil
	})
	if err != nil {
		return err
	}
	discard(resp)
	return nil
}

func writeUploadForm(mw *multipart.Writer, dir, name string, content io.Reader) error {
	if err := mw.WriteField("targetPath", dir); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, content); err != nil {
		return err
	}
	return mw.Close()
}

// List returns the entries directly under remoteDir, hidden files included.
func (s *Session) List(ctx context.Context, remoteDir string) ([]core.RemoteEntry, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	q := url.Values{"targetPath": {remoteDir}, "showHidden": {"true"}}
	resp, err := s.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint("/utilities/ls")+"?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var raw []struct {
		Name string `json:"name"`
		Type string `json:"type"`
		Size int64  `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, core.Transient(fmt.Errorf("decode listing of %s: %w", remoteDir, err))
	}

	entries := make([]core.RemoteEntry, 0, len(raw))
	for _, e := range raw {
		entries = append(entries, core.RemoteEntry{
			Name: e.Name,
			Dir:  e.Type == "d",
			Size: e.Size,
		})
	}
	return entries, nil
}

// Download opens remotePath for reading. The caller owns the returned body
// and the passed context must stay alive until it is closed.
func (s *Session) Download(ctx context.Context, remotePath string) (io.ReadCloser, error) {
	q := url.Values{"sourcePath": {remotePath}}
	resp, err := s.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint("/utilities/download")+"?"+q.Encode(), nil)
	})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Scheduler operations
// ─────────────────────────────────────────────────────────────────────────────

// Submit schedules the job script at scriptPath and returns the scheduler's
// job id.
func (s *Session) Submit(ctx context.Context, scriptPath string) (string, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	form := url.Values{"targetPath": {scriptPath}}
	resp, err := s.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return formRequest(ctx, s.endpoint("/compute/jobs"), form)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		JobID string `json:"jobid"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", core.Transient(fmt.Errorf("decode submit response: %w", err))
	}
	if out.JobID == "" {
		return "", fmt.Errorf("submit %s: scheduler returned no job id", scriptPath)
	}
	return out.JobID, nil
}

// Poll reports the scheduler's status for jobID, folded into a RemoteState.
// A job the accounting endpoint does not know yet reads as running: right
// after submission the scheduler may lag behind its own accounting.
func (s *Session) Poll(ctx context.Context, jobID string) (core.RemoteState, error) {
	ctx, cancel := s.callCtx(ctx)
	defer cancel()

	q := url.Values{"jobs": {jobID}}
	resp, err := s.do(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet,
			s.endpoint("/compute/acct")+"?"+q.Encode(), nil)
	})
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var jobs []struct {
		JobID string `json:"jobid"`
		State string `json:"state"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		return "", core.Transient(fmt.Errorf("decode accounting for job %s: %w", jobID, err))
	}
	for _, j := range jobs {
		if j.JobID == jobID {
			return mapRemoteState(j.State), nil
		}
	}
	return core.RemoteStateRunning, nil
}

// mapRemoteState folds the scheduler's status vocabulary into RemoteState.
// Unknown statuses read as running so a new scheduler state never wedges a
// poll loop into a terminal misread.
func mapRemoteState(status string) core.RemoteState {
	switch st := strings.ToUpper(strings.TrimSpace(status)); {
	case st == "COMPLETED":
		return core.RemoteStateCompleted
	case st == "FAILED" || st == "TIMEOUT" || st == "NODE_FAIL" || st == "OUT_OF_MEMORY":
		return core.RemoteStateFailed
	case strings.HasPrefix(st, "CANCELLED"): // sacct reports "CANCELLED by <uid>"
		return core.RemoteStateCancelled
	default:
		return core.RemoteStateRunning
	}
}
