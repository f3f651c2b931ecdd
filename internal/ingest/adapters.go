package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"ftl-ingest/internal/observability/logging"
)

type portAllocator interface {
	Allocate(ctx context.Context) (uint16, error)
	Release(ctx context.Context, port uint16) error
}

// httpAllocator talks to the media server's port allocator: POST /stream
// creates a stream and returns {"port": n}, DELETE /stream?port=n frees it.
type httpAllocator struct {
	baseURL       string
	client        *http.Client
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
}

// allocationResponse keeps Port as a pointer so an absent field is
// distinguishable from port 0.
type allocationResponse struct {
	Port *int64 `json:"port"`
}

// statusError is a non-2xx allocator response.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("allocator returned %d %s", e.Code, http.StatusText(e.Code))
	}
	return fmt.Sprintf("allocator returned %d %s: %s", e.Code, http.StatusText(e.Code), e.Body)
}

// retryable reports whether the same request may succeed later. Client
// errors other than 429 are final.
func (e *statusError) retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests || e.Code < 400
}

var errUndecodable = errors.New("undecodable allocator response")

func newHTTPAllocator(baseURL string, client *http.Client, logger *slog.Logger, attempts int, interval time.Duration) *httpAllocator {
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &httpAllocator{
		baseURL:       strings.TrimRight(baseURL, "/"),
		client:        client,
		logger:        logger,
		maxAttempts:   max(attempts, 1),
		retryInterval: max(interval, 0),
	}
}

func (a *httpAllocator) Allocate(ctx context.Context) (uint16, error) {
	var response allocationResponse
	if err := a.do(ctx, http.MethodPost, a.baseURL+"/stream", &response); err != nil {
		return 0, fmt.Errorf("allocate port: %w", err)
	}
	switch {
	case response.Port == nil:
		return 0, fmt.Errorf("allocate port: missing port field: %w", ErrNoPort)
	case *response.Port < 0 || *response.Port > 65535:
		return 0, fmt.Errorf("allocate port: port %d out of range: %w", *response.Port, ErrNoPort)
	}
	return uint16(*response.Port), nil
}

func (a *httpAllocator) Release(ctx context.Context, port uint16) error {
	query := url.Values{"port": {strconv.FormatUint(uint64(port), 10)}}
	if err := a.do(ctx, http.MethodDelete, a.baseURL+"/stream?"+query.Encode(), nil); err != nil {
		return fmt.Errorf("release port %d: %w", port, err)
	}
	return nil
}

// do sends the request up to maxAttempts times, waiting retryInterval between
// attempts. Transport failures, 5xx and 429 are retried. dest, when non-nil,
// receives the decoded JSON body.
func (a *httpAllocator) do(ctx context.Context, method, target string, dest any) error {
	logger := logging.WithContext(ctx, a.logger)
	var err error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		err = a.attempt(ctx, method, target, dest)
		if err == nil {
			return nil
		}
		var status *statusError
		if errors.Is(err, errUndecodable) || (errors.As(err, &status) && !status.retryable()) {
			return err
		}
		if attempt == a.maxAttempts {
			break
		}
		logger.Warn("allocator request failed", "method", method, "url", target, "attempt", attempt, "error", err)
		timer := time.NewTimer(a.retryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}

func (a *httpAllocator) attempt(ctx context.Context, method, target string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return err
	}
	if dest != nil {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if dest == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dest); err != nil {
		return fmt.Errorf("%w: %v", errUndecodable, err)
	}
	return nil
}
