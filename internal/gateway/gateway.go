// Package gateway wraps the device's HTTP file API.
//
// The gateway is stateless apart from the HTTP client and its cookie jar.
// Every operation either succeeds or returns a *Error; network failures,
// non-2xx responses and {"status":"bad"} replies are all converted at this
// boundary so that callers only ever see explicit error returns.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"mime/multipart"
	"net"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"github.com/droidscript/dssync/internal/retry"
)

// Connectivity reports whether the control session is up. The gateway
// consults it before requests that must not be attempted while offline.
type Connectivity interface {
	Connected() bool
}

// Config holds gateway configuration.
type Config struct {
	// Address is the device base URL, e.g. http://192.168.1.20:8088
	Address string

	// Timeout bounds a single request (default: 30s)
	Timeout time.Duration

	// Conn gates List on the session state. Nil disables the check.
	Conn Connectivity

	// Retry is used for idempotent reads (default: retry.DefaultConfig())
	Retry retry.Config

	// Logger for request failures (default: stderr logger)
	Logger *log.Logger
}

// Client talks to one device.
type Client struct {
	base   *url.URL
	http   *http.Client
	conn   Connectivity
	retry  retry.Config
	logger *log.Logger
}

// reply is the envelope the device wraps around JSON answers.
type reply struct {
	Status string          `json:"status"`
	Error  json.RawMessage `json:"error,omitempty"`
	Msg    string          `json:"msg,omitempty"`
}

func (r reply) detail() string {
	if r.Msg != "" {
		return r.Msg
	}
	if len(r.Error) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(r.Error, &s); err == nil {
		return s
	}
	return string(r.Error)
}

// New creates a gateway client for cfg.Address.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("device address cannot be empty")
	}
	base, err := url.Parse(strings.TrimRight(cfg.Address, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid device address %q: %w", cfg.Address, err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid device address %q: scheme must be http or https", cfg.Address)
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[gateway] ", log.LstdFlags)
	}

	// The device keeps the login in a session cookie.
	jar, _ := cookiejar.New(nil)

	return &Client{
		base: base,
		http: &http.Client{
			Timeout: cfg.Timeout,
			Jar:     jar,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConnsPerHost: 16,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		conn:   cfg.Conn,
		retry:  cfg.Retry,
		logger: cfg.Logger,
	}, nil
}

// Address returns the device base URL.
func (c *Client) Address() string {
	return c.base.String()
}

func (c *Client) connected() bool {
	return c.conn == nil || c.conn.Connected()
}

// ideURL builds /ide?cmd=<cmd>&k=v...
func (c *Client) ideURL(cmd string, params ...string) string {
	q := url.Values{}
	q.Set("cmd", cmd)
	for i := 0; i+1 < len(params); i += 2 {
		q.Set(params[i], params[i+1])
	}
	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/ide"
	u.RawQuery = q.Encode()
	return u.String()
}

// fileURL builds /<remotePath> with each segment escaped.
func (c *Client) fileURL(remotePath string) string {
	segs := strings.Split(strings.TrimLeft(remotePath, "/"), "/")
	for i, s := range segs {
		segs[i] = url.PathEscape(s)
	}
	u := *c.base
	u.Path = ""
	u.RawPath = ""
	return strings.TrimRight(u.String(), "/") + "/" + strings.Join(segs, "/")
}

// do performs one request and returns the body of a 2xx response.
func (c *Client) do(req *http.Request, op, remotePath string) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &Error{Op: op, Path: remotePath, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Op: op, Path: remotePath, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &Error{
			Op:         op,
			Path:       remotePath,
			StatusCode: resp.StatusCode,
			Detail:     strings.TrimSpace(truncate(string(body), 200)),
			Err:        ErrHTTPStatus,
		}
	}
	return body, nil
}

// get issues a GET, retrying transient failures.
func (c *Client) get(ctx context.Context, rawURL, op, remotePath string, accept string) ([]byte, error) {
	return retry.DoWithResult(ctx, c.retry, func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return nil, &Error{Op: op, Path: remotePath, Err: err}
		}
		if accept != "" {
			req.Header.Set("Accept", accept)
		}
		body, err := c.do(req, op, remotePath)
		if err != nil && IsRetryable(err) {
			return nil, retry.Transient(err)
		}
		return body, err
	})
}

// getOnce issues a GET without retries, for requests with side effects.
func (c *Client) getOnce(ctx context.Context, rawURL, op, remotePath string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Op: op, Path: remotePath, Err: err}
	}
	return c.do(req, op, remotePath)
}

// decode unmarshals a JSON reply into v and checks its status field.
func decode(body []byte, op, remotePath string, v any) error {
	var r reply
	if err := json.Unmarshal(body, &r); err != nil {
		return &Error{Op: op, Path: remotePath, Detail: truncate(string(body), 100), Err: ErrDecode}
	}
	if r.Status != "ok" {
		return &Error{Op: op, Path: remotePath, Detail: r.detail(), Err: ErrBadStatus}
	}
	if v != nil {
		if err := json.Unmarshal(body, v); err != nil {
			return &Error{Op: op, Path: remotePath, Err: fmt.Errorf("%w: %v", ErrDecode, err)}
		}
	}
	return nil
}

// List returns the entry names of a remote folder. It fails closed with
// ErrNotConnected while the session is down.
func (c *Client) List(ctx context.Context, dir string) ([]string, error) {
	if !c.connected() {
		return nil, &Error{Op: "list", Path: dir, Err: ErrNotConnected}
	}

	body, err := c.get(ctx, c.ideURL("list", "dir", dir), "list", dir, "application/json")
	if err != nil {
		return nil, err
	}

	var out struct {
		List []string `json:"list"`
	}
	if err := decode(body, "list", dir, &out); err != nil {
		return nil, err
	}
	return out.List, nil
}

// Lister adapts List to the indexer's lister signature: rel is a
// slash-separated path below remoteRoot.
func (c *Client) Lister(remoteRoot string) func(ctx context.Context, rel string) ([]string, error) {
	return func(ctx context.Context, rel string) ([]string, error) {
		return c.List(ctx, path.Join(remoteRoot, rel))
	}
}

// Get downloads a remote file. The transfer mode follows the extension
// allow-list; the bytes are returned unchanged in both modes.
func (c *Client) Get(ctx context.Context, remotePath string) (*File, error) {
	mode := ModeFor(remotePath)
	accept := "application/octet-stream"
	if mode == ModeText {
		accept = "text/plain, */*"
	}

	body, err := c.get(ctx, c.fileURL(remotePath), "get", remotePath, accept)
	if err != nil {
		return nil, err
	}
	return &File{Path: remotePath, Data: body, Mode: mode}, nil
}

// Put uploads content as destDir/fileName. The device API has a single
// upload call for both new and existing files.
func (c *Client) Put(ctx context.Context, content io.Reader, destDir, fileName string) error {
	remotePath := path.Join(destDir, fileName)

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(destDir, fileName)
		if err == nil {
			_, err = io.Copy(part, content)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	u := *c.base
	u.Path = strings.TrimRight(u.Path, "/") + "/upload"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), pr)
	if err != nil {
		pr.CloseWithError(err)
		return &Error{Op: "put", Path: remotePath, Err: err}
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	body, err := c.do(req, "put", remotePath)
	if err != nil {
		return err
	}
	return checkOptionalStatus(body, "put", remotePath)
}

// PutFile streams a local file to destDir/fileName.
func (c *Client) PutFile(ctx context.Context, localPath, destDir, fileName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()
	return c.Put(ctx, f, destDir, fileName)
}

// Remove deletes a remote file or folder.
func (c *Client) Remove(ctx context.Context, remotePath string) error {
	body, err := c.getOnce(ctx, c.ideURL("delete", "file", remotePath), "delete", remotePath)
	if err != nil {
		return err
	}
	return decode(body, "delete", remotePath, nil)
}

// Rename moves a remote file or folder.
func (c *Client) Rename(ctx context.Context, oldPath, newPath string) error {
	body, err := c.getOnce(ctx, c.ideURL("rename", "file", oldPath, "newname", newPath), "rename", oldPath)
	if err != nil {
		return err
	}
	return checkOptionalStatus(body, "rename", oldPath)
}

// checkOptionalStatus accepts plain 2xx bodies but honours an explicit
// {"status":"bad"} when the device sends JSON.
func checkOptionalStatus(body []byte, op, remotePath string) error {
	trimmed := strings.TrimSpace(string(body))
	if !strings.HasPrefix(trimmed, "{") {
		return nil
	}
	var r reply
	if err := json.Unmarshal(body, &r); err != nil || r.Status == "" {
		return nil
	}
	if r.Status != "ok" {
		return &Error{Op: op, Path: remotePath, Detail: r.detail(), Err: ErrBadStatus}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
