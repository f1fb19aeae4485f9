package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"syscall"

	"github.com/tonimelisma/rxsync/internal/apierr"
)

const (
	userAgent = "rxsync/0.1"

	// maxErrorBody caps how much of an error response is kept for messages.
	maxErrorBody = 4 << 10
)

// Client sends requests to the backend.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a Client for baseURL, e.g. "https://rx.example.com".
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		logger:     logger,
	}
}

// BaseURL returns the server root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// envelope is the backend's response wrapper. Endpoints that do not wrap
// their payload are decoded as the payload itself.
type envelope struct {
	Status    string          `json:"status"`
	Message   string          `json:"message"`
	ErrorCode string          `json:"error_code"`
	Data      json.RawMessage `json:"data"`
}

// Do sends one request. body, if non-nil, is encoded as JSON. accessToken,
// if non-empty, is sent as a bearer token. On success the unwrapped
// response payload is returned (nil for empty bodies).
func (c *Client) Do(ctx context.Context, method, path string, body any, accessToken string) (json.RawMessage, error) {
	op := method + " " + path

	var reader io.Reader

	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("api: encoding %s body: %w", op, err)
		}

		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("api: creating request %s: %w", op, err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) && ctx.Err() != nil {
			return nil, fmt.Errorf("api: %s canceled: %w", op, ctx.Err())
		}

		if unreachable(err) {
			return nil, apierr.Offline(op, err)
		}

		return nil, apierr.Network(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return nil, c.errorFromResponse(method, path, resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		// The write may have been applied; report as transient so the
		// engine replays it.
		return nil, apierr.Network(op, fmt.Errorf("reading response: %w", err))
	}

	c.logger.Debug("request succeeded",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
	)

	return unwrap(data), nil
}

// unreachable reports whether err means no connection to the backend could
// be made at all: a failed dial, a failed DNS lookup or a refused or
// unroutable connection. Per-call timeouts and resets after the request was
// sent stay ordinary network errors.
func unreachable(err error) bool {
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return true
	}

	return errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH)
}

func (c *Client) errorFromResponse(method, path string, resp *http.Response) error {
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if readErr != nil {
		raw = []byte("(failed to read response body)")
	}

	apiErr := &Error{
		Method:     method,
		Path:       path,
		StatusCode: resp.StatusCode,
		Message:    strings.TrimSpace(string(raw)),
		Err:        classifyStatus(resp.StatusCode),
	}

	var env envelope
	if json.Unmarshal(raw, &env) == nil && env.Message != "" {
		apiErr.Message = env.Message
		apiErr.Code = env.ErrorCode
	}

	c.logger.Debug("request failed",
		slog.String("method", method),
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.String("error_code", apiErr.Code),
	)

	// Rejections and network failures are also reported through the
	// apierr types so callers using errors.As see the status.
	switch apiErr.Err {
	case apierr.ErrRejected:
		return &rejected{err: apiErr}
	case apierr.ErrNetwork:
		return apierr.Network(method+" "+path, apiErr)
	default:
		return apiErr
	}
}

// rejected adapts an *Error to *apierr.RejectedError for errors.As while
// keeping the HTTP details reachable.
type rejected struct {
	err *Error
}

func (r *rejected) Error() string { return r.err.Error() }

func (r *rejected) Unwrap() error { return r.err.Unwrap() }

func (r *rejected) As(target any) bool {
	switch t := target.(type) {
	case **apierr.RejectedError:
		*t = &apierr.RejectedError{
			Op:         r.err.Method + " " + r.err.Path,
			StatusCode: r.err.StatusCode,
			Message:    r.err.Message,
		}

		return true
	case **Error:
		*t = r.err

		return true
	default:
		return false
	}
}

// unwrap returns the "data" member of an enveloped response, or the body
// itself when it is not enveloped. Empty bodies yield nil.
func unwrap(body []byte) json.RawMessage {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(trimmed, &env); err == nil && env.Status != "" {
		if len(env.Data) == 0 || string(env.Data) == "null" {
			return nil
		}

		return env.Data
	}

	return json.RawMessage(trimmed)
}
