// Package remote is the engine's view of the server: an opaque request/response transport
// plus the versioned-resource endpoints used for conflict detection and resolution.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// maxResponseBody bounds how much of a response body is read.
const maxResponseBody = 8 << 20

// maxErrorBody bounds how many bytes of a failed response end up in the error.
const maxErrorBody = 256

// Request is one call against the remote API.
type Request struct {
	Method  models.Method
	URL     string
	Payload json.RawMessage
	Headers map[string]string
	Timeout time.Duration
}

// Response is a successful (2xx) reply.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport executes requests. Non-2xx replies must be returned as errors.
type Transport interface {
	Do(ctx context.Context, req Request) (*Response, error)
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, req Request) (*Response, error)

// Do calls f.
func (f TransportFunc) Do(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// HTTPTransport sends requests relative to BaseURL with net/http.
type HTTPTransport struct {
	BaseURL        string
	HTTP           *http.Client
	Headers        map[string]string                     // sent on every request, overridden per request
	Token          func(context.Context) (string, error) // optional bearer token source
	DefaultTimeout time.Duration
}

// NewHTTPTransport creates a transport for baseURL.
func NewHTTPTransport(baseURL string, timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		BaseURL:        strings.TrimRight(baseURL, "/"),
		HTTP:           &http.Client{},
		DefaultTimeout: timeout,
	}
}

func (t *HTTPTransport) resolve(u string) string {
	if strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	return t.BaseURL + "/" + strings.TrimLeft(u, "/")
}

// Do executes req. Errors are TRANSPORT_ERROR AppErrors; HTTP failures carry the status code.
func (t *HTTPTransport) Do(ctx context.Context, req Request) (*Response, error) {
	if !req.Method.Valid() {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unsupported method %q", req.Method)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = t.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var body io.Reader
	if len(req.Payload) > 0 && req.Method != models.MethodGet {
		body = bytes.NewReader(req.Payload)
	}

	target := t.resolve(req.URL)
	httpReq, err := http.NewRequestWithContext(ctx, string(req.Method), target, body)
	if err != nil {
		return nil, apperrors.Transport(0, fmt.Sprintf("build %s %s", req.Method, req.URL), err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")
	for k, v := range t.Headers {
		httpReq.Header.Set(k, v)
	}
	for k, v := range req.Headers {
		httpReq.Header.Set(k, v)
	}
	if t.Token != nil {
		token, err := t.Token(ctx)
		if err != nil {
			return nil, apperrors.Transport(0, "obtain token", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}

	client := t.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return nil, apperrors.Transport(0, fmt.Sprintf("%s %s", req.Method, req.URL), err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, apperrors.Transport(resp.StatusCode, fmt.Sprintf("read %s %s", req.Method, req.URL), err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := truncate(strings.TrimSpace(string(data)), maxErrorBody)
		return nil, apperrors.Transport(resp.StatusCode,
			fmt.Sprintf("%s %s: status %d", req.Method, req.URL, resp.StatusCode),
			fmt.Errorf("%s", msg))
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
