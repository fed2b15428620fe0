package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jpillora/backoff"
	"golang.org/x/time/rate"

	"cipherfan/internal/domain"
)

// StatusError is a non-2xx relay answer.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("relay %s %s: %d %s", e.Method, e.Path, e.Code, e.Body)
}

// Temporary reports whether the request may succeed when retried.
func (e *StatusError) Temporary() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(h *HTTPClient) { h.http = c }
}

// WithRateLimit caps outgoing requests per second. rps <= 0 disables it.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(h *HTTPClient) {
		if rps <= 0 {
			h.limiter = rate.NewLimiter(rate.Inf, 0)
			return
		}
		if burst < 1 {
			burst = 1
		}
		h.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithRetry sets the attempt count and backoff bounds for retried requests.
func WithRetry(attempts int, min, max time.Duration) ClientOption {
	return func(h *HTTPClient) {
		h.attempts = attempts
		h.minBackoff = min
		h.maxBackoff = max
	}
}

// WithClientLogger sets the client logger.
func WithClientLogger(l hclog.Logger) ClientOption {
	return func(h *HTTPClient) { h.logger = l }
}

// HTTPClient talks to a relay Server. It implements every collaborator the
// fan-out and message services need.
type HTTPClient struct {
	base    string
	http    *http.Client
	limiter *rate.Limiter
	logger  hclog.Logger

	attempts   int
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewHTTPClient returns a client for the relay at base.
func NewHTTPClient(base string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		base:       strings.TrimRight(base, "/"),
		http:       http.DefaultClient,
		limiter:    rate.NewLimiter(rate.Limit(50), 10),
		logger:     hclog.NewNullLogger(),
		attempts:   3,
		minBackoff: 100 * time.Millisecond,
		maxBackoff: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("relay-client")
	if c.attempts < 1 {
		c.attempts = 1
	}
	return c
}

var (
	_ domain.KeyBundleDirectory = (*HTTPClient)(nil)
	_ domain.KeyPublisher       = (*HTTPClient)(nil)
	_ domain.DeviceDirectory    = (*HTTPClient)(nil)
	_ domain.MessageRelay       = (*HTTPClient)(nil)
	_ domain.MediaStore         = (*HTTPClient)(nil)
	_ domain.Inbox              = (*HTTPClient)(nil)
)

func (c *HTTPClient) PublishKeyBundle(ctx context.Context, b domain.PublishedBundle) error {
	return c.postJSON(ctx, "/v1/keys", b, nil)
}

func (c *HTTPClient) FetchKeyBundle(ctx context.Context, user domain.UserID, device domain.DeviceID) (domain.KeyBundle, error) {
	var out domain.KeyBundle
	err := c.getJSON(ctx, "/v1/keys/"+url.PathEscape(string(user))+"/"+device.String(), &out)
	return out, err
}

func (c *HTTPClient) ListDevices(ctx context.Context, user domain.UserID) ([]domain.DeviceDescriptor, error) {
	var out []domain.DeviceDescriptor
	err := c.getJSON(ctx, "/v1/devices/"+url.PathEscape(string(user)), &out)
	return out, err
}

func (c *HTTPClient) RelayMessage(ctx context.Context, req domain.RelayRequest) (domain.RelayReceipt, error) {
	var out domain.RelayReceipt
	err := c.postJSON(ctx, "/v1/messages", req, &out)
	return out, err
}

func (c *HTTPClient) FetchInbox(ctx context.Context, device domain.DeviceAddress, limit int) ([]domain.InboundMessage, error) {
	p := inboxPath(device)
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var out []domain.InboundMessage
	err := c.getJSON(ctx, p, &out)
	return out, err
}

func (c *HTTPClient) AckInbox(ctx context.Context, device domain.DeviceAddress, count int) error {
	return c.postJSON(ctx, inboxPath(device)+"/ack", ackRequest{Count: count}, nil)
}

func (c *HTTPClient) UploadMedia(ctx context.Context, chat domain.ChatID, blob []byte) (domain.MediaReceipt, error) {
	var out domain.MediaReceipt
	err := c.do(ctx, http.MethodPost, "/v1/media/"+url.PathEscape(string(chat)), "application/octet-stream", blob, func(r io.Reader) error {
		return json.NewDecoder(r).Decode(&out)
	})
	return out, err
}

// DownloadMedia accepts either a relay-relative path or an absolute URL.
func (c *HTTPClient) DownloadMedia(ctx context.Context, mediaURL string) ([]byte, error) {
	p := mediaURL
	if u, err := url.Parse(mediaURL); err == nil && u.IsAbs() {
		p = u.Path
	}
	var out []byte
	err := c.do(ctx, http.MethodGet, p, "", nil, func(r io.Reader) error {
		var err error
		out, err = io.ReadAll(io.LimitReader(r, MaxMediaBytes+1))
		return err
	})
	return out, err
}

func inboxPath(d domain.DeviceAddress) string {
	return "/v1/inbox/" + url.PathEscape(string(d.UserID)) + "/" + d.DeviceID.String()
}

func (c *HTTPClient) postJSON(ctx context.Context, path string, in, out any) error {
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(in); err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", buf.Bytes(), decodeInto(out))
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	return c.do(ctx, http.MethodGet, path, "", nil, decodeInto(out))
}

func decodeInto(out any) func(io.Reader) error {
	if out == nil {
		return nil
	}
	return func(r io.Reader) error { return json.NewDecoder(r).Decode(out) }
}

// do sends one request, retrying transport errors and temporary statuses
// with jittered backoff.
func (c *HTTPClient) do(ctx context.Context, method, path, contentType string, body []byte, read func(io.Reader) error) error {
	b := &backoff.Backoff{Min: c.minBackoff, Max: c.maxBackoff, Factor: 2, Jitter: true}
	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		lastErr = c.once(ctx, method, path, contentType, body, read)
		if lastErr == nil || !retryable(lastErr) || attempt == c.attempts {
			break
		}
		d := b.Duration()
		c.logger.Debug("retrying", "method", method, "path", path, "attempt", attempt, "wait", d, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d):
		}
	}
	return lastErr
}

func (c *HTTPClient) once(ctx context.Context, method, path, contentType string, body []byte, read func(io.Reader) error) error {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if read == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return read(resp.Body)
}

func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Temporary()
	}
	return true
}
