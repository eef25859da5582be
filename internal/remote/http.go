package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
)

const (
	// transportRetries is the number of immediate HTTP-level retries
	// beneath the queue's own task-level backoff. Kept low so a dead
	// network surfaces quickly as a retryable task failure.
	transportRetries = 2

	// errBodyLimit bounds how much of an error response body is read
	// when extracting the server's error message.
	errBodyLimit = 64 * 1024
)

// HTTPClient talks to the remote library store over its REST API.
type HTTPClient struct {
	base   string
	token  string
	http   *retryablehttp.Client
	logger *slog.Logger
}

// NewHTTPClient builds a client for the store at baseURL. Every call is
// bounded by timeout; a timeout surfaces as a retryable network error.
func NewHTTPClient(baseURL, token string, timeout time.Duration, logger *slog.Logger) *HTTPClient {
	rc := retryablehttp.NewClient()
	rc.RetryMax = transportRetries
	rc.Logger = nil
	rc.HTTPClient.Timeout = timeout
	rc.CheckRetry = checkRetry
	rc.ErrorHandler = retryablehttp.PassthroughErrorHandler

	return &HTTPClient{
		base:   strings.TrimRight(baseURL, "/"),
		token:  token,
		http:   rc,
		logger: logger,
	}
}

// checkRetry limits transport-level retries to failures a second
// attempt can fix. Terminal statuses (auth, not-found, quota) must
// reach classify unretried so the task queue drops the task instead
// of backing off on it; the paired PassthroughErrorHandler hands the
// final response back to the caller rather than swallowing it in a
// generic giving-up error.
func checkRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	if err != nil {
		return true, nil
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusNotFound, http.StatusGone,
		http.StatusRequestEntityTooLarge, http.StatusInsufficientStorage:
		return false, nil
	}

	return resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body any) (*retryablehttp.Request, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.token)

	return req, nil
}

// classify converts a transport error or non-2xx response into *Error.
// The response body's shape varies across backend versions, so the
// error code and message are extracted leniently.
func (c *HTTPClient) classify(op, path string, resp *http.Response, err error) error {
	if err != nil {
		return &Error{Kind: KindNetwork, Op: op, Path: path, Err: err}
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, errBodyLimit))

	msg := gjson.GetBytes(body, "error.message").Str
	if msg == "" {
		msg = gjson.GetBytes(body, "message").Str
	}

	if msg == "" {
		msg = resp.Status
	}

	kind := KindNetwork

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		kind = KindNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		kind = KindAuth
	case resp.StatusCode == http.StatusRequestEntityTooLarge ||
		resp.StatusCode == http.StatusInsufficientStorage ||
		gjson.GetBytes(body, "error.code").Str == "quota_exceeded":
		kind = KindQuota
	}

	return &Error{Kind: kind, Op: op, Path: path, Err: errors.New(msg)}
}

func (c *HTTPClient) do(op, path string, req *retryablehttp.Request) (*http.Response, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, c.classify(op, path, nil, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, c.classify(op, path, resp, nil)
	}

	return resp, nil
}

// ListItems returns the remote's direct children of a list path.
func (c *HTTPClient) ListItems(ctx context.Context, path string) ([]Item, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/items?path="+url.QueryEscape(path), nil)
	if err != nil {
		return nil, fmt.Errorf("building list request: %w", err)
	}

	resp, err := c.do("list", path, req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Items []Item `json:"items"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &Error{Kind: KindNetwork, Op: "list", Path: path, Err: fmt.Errorf("decoding response: %w", err)}
	}

	return out.Items, nil
}

// Upload sends content for the item at path and returns the remote ref.
func (c *HTTPClient) Upload(ctx context.Context, path string, content io.Reader) (string, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/v1/items?path="+url.QueryEscape(path), content)
	if err != nil {
		return "", fmt.Errorf("building upload request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do("upload", path, req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &Error{Kind: KindNetwork, Op: "upload", Path: path, Err: err}
	}

	ref := gjson.GetBytes(body, "ref").Str
	if ref == "" {
		return "", &Error{Kind: KindNetwork, Op: "upload", Path: path, Err: errors.New("response missing ref")}
	}

	return ref, nil
}

// Download streams the content behind a remote ref.
func (c *HTTPClient) Download(ctx context.Context, ref string) (io.ReadCloser, int64, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/files/"+url.PathEscape(ref), nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building download request: %w", err)
	}

	resp, err := c.do("download", ref, req)
	if err != nil {
		return nil, 0, err
	}

	return resp.Body, resp.ContentLength, nil
}

// Delete removes the remote item behind ref.
func (c *HTTPClient) Delete(ctx context.Context, ref string) error {
	return c.simpleCall(ctx, http.MethodDelete, "/v1/files/"+url.PathEscape(ref), "delete", ref, nil)
}

// Move reparents the remote item under newParent.
func (c *HTTPClient) Move(ctx context.Context, ref, newParent string) error {
	body := map[string]string{"parent": newParent}

	return c.jsonCall(ctx, http.MethodPost, "/v1/files/"+url.PathEscape(ref)+"/move", "move", ref, body)
}

// Rename changes the remote item's leaf name.
func (c *HTTPClient) Rename(ctx context.Context, ref, newName string) error {
	body := map[string]string{"name": newName}

	return c.jsonCall(ctx, http.MethodPost, "/v1/files/"+url.PathEscape(ref)+"/rename", "rename", ref, body)
}

// SetBookmark creates or replaces a named position on the item.
func (c *HTTPClient) SetBookmark(ctx context.Context, ref, name string, position float64) error {
	body := map[string]any{"position": position}
	path := "/v1/files/" + url.PathEscape(ref) + "/bookmarks/" + url.PathEscape(name)

	return c.jsonCall(ctx, http.MethodPut, path, "set_bookmark", ref, body)
}

// DeleteBookmark removes a named position from the item.
func (c *HTTPClient) DeleteBookmark(ctx context.Context, ref, name string) error {
	path := "/v1/files/" + url.PathEscape(ref) + "/bookmarks/" + url.PathEscape(name)

	return c.simpleCall(ctx, http.MethodDelete, path, "delete_bookmark", ref, nil)
}

// UploadArtwork replaces the item's cover image.
func (c *HTTPClient) UploadArtwork(ctx context.Context, ref string, content io.Reader) error {
	req, err := c.newRequest(ctx, http.MethodPut, "/v1/files/"+url.PathEscape(ref)+"/artwork", content)
	if err != nil {
		return fmt.Errorf("building artwork request: %w", err)
	}

	req.Header.Set("Content-Type", "application/octet-stream")

	resp, err := c.do("upload_artwork", ref, req)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

func (c *HTTPClient) jsonCall(ctx context.Context, method, path, op, ref string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding %s request: %w", op, err)
	}

	req, err := c.newRequest(ctx, method, path, data)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.do(op, ref, req)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

func (c *HTTPClient) simpleCall(ctx context.Context, method, path, op, ref string, body any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return fmt.Errorf("building %s request: %w", op, err)
	}

	resp, err := c.do(op, ref, req)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}
