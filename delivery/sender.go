package delivery

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/xraph/chainhook/signature"
)

const (
	maxResponseBody = 1024 // receivers' bodies are drained, never interpreted
	maxRedirects    = 1
	userAgent       = "chainhook/1"
)

// Request is one signed POST.
type Request struct {
	URL       string
	Secret    string
	Body      []byte
	EventType string
	Key       string
	Timestamp time.Time
}

// Result is the outcome of one HTTP attempt.
type Result struct {
	StatusCode int
	Err        error
	Latency    time.Duration
}

// OK reports whether the receiver answered 2xx.
func (r Result) OK() bool {
	return r.Err == nil && r.StatusCode >= 200 && r.StatusCode < 300
}

// Message summarizes a failed attempt for the ledger.
func (r Result) Message() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case !r.OK():
		return "unexpected status " + strconv.Itoa(r.StatusCode)
	default:
		return ""
	}
}

// Sender performs HTTP webhook delivery.
type Sender struct {
	client *http.Client
}

// NewSender returns a sender whose attempts time out after timeout. A nil
// client gets a fresh one; the timeout and redirect policy are always
// applied to a copy so the caller's client is left untouched.
func NewSender(timeout time.Duration, client *http.Client) *Sender {
	c := &http.Client{}
	if client != nil {
		cp := *client
		c = &cp
	}
	c.Timeout = timeout
	c.CheckRedirect = func(_ *http.Request, via []*http.Request) error {
		if len(via) > maxRedirects {
			return fmt.Errorf("stopped after %d redirect", maxRedirects)
		}
		return nil
	}
	return &Sender{client: c}
}

// Send signs req.Body with req.Secret and posts it.
func (s *Sender) Send(ctx context.Context, req Request) Result {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(req.Body))
	if err != nil {
		return Result{Err: fmt.Errorf("create request: %w", err)}
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)
	httpReq.Header.Set(signature.HeaderSignature, signature.Sign(req.Body, req.Secret))
	httpReq.Header.Set(signature.HeaderEvent, req.EventType)
	httpReq.Header.Set(signature.HeaderTimestamp, req.Timestamp.UTC().Format(time.RFC3339))
	httpReq.Header.Set(signature.HeaderDelivery, req.Key)

	start := time.Now()
	resp, err := s.client.Do(httpReq) //nolint:gosec // G704: URL is a user-configured webhook destination.
	latency := time.Since(start)
	if err != nil {
		return Result{Err: err, Latency: latency}
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody)); err != nil {
		return Result{StatusCode: resp.StatusCode, Err: fmt.Errorf("read response: %w", err), Latency: latency}
	}
	return Result{StatusCode: resp.StatusCode, Latency: latency}
}
