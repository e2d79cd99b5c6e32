package processor

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
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ikanisa/easymo-sub022/internal/domain/event"
	"github.com/ikanisa/easymo-sub022/internal/retry"
)

const maxResponseBytes = 1 << 20

// StatusError is a non-2xx answer from the downstream endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("downstream responded %d: %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether a forwarding error is transient: 408, 429, 503
// and 504 answers, network failures and timeouts.
func IsRetryable(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch se.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			return true
		default:
			return false
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.ErrUnexpectedEOF)
}

type Config struct {
	Endpoint string
	// Timeout bounds one attempt.
	Timeout time.Duration
	Retry   retry.Policy
}

// HTTPForwarder delivers event payloads to a downstream HTTP endpoint.
type HTTPForwarder struct {
	client   *http.Client
	endpoint string
	policy   retry.Policy
	logger   *slog.Logger
}

func NewHTTPForwarder(cfg Config, logger *slog.Logger) *HTTPForwarder {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	policy := cfg.Retry
	if policy.Attempts <= 0 {
		policy.Attempts = 1
	}
	policy.Retryable = IsRetryable
	policy.OnRetry = func(attempt int, delay time.Duration, err error) {
		logger.Warn("forward failed, retrying", "endpoint", cfg.Endpoint, "attempt", attempt, "delay", delay, "error", err)
	}

	return &HTTPForwarder{
		client:   &http.Client{Timeout: timeout},
		endpoint: cfg.Endpoint,
		policy:   policy,
		logger:   logger,
	}
}

// Forward posts payload and returns the downstream response body.
// Transient failures are retried in place under the configured policy.
func (f *HTTPForwarder) Forward(ctx context.Context, payload []byte, headers map[string]string) (json.RawMessage, error) {
	return retry.Do(ctx, f.policy, func(ctx context.Context) (json.RawMessage, error) {
		return f.post(ctx, payload, headers)
	})
}

// Process forwards an envelope body, carrying its headers along.
func (f *HTTPForwarder) Process(ctx context.Context, env *event.Envelope) error {
	headers := make(map[string]string, len(env.Headers)+2)
	for k, v := range env.Headers {
		headers[k] = v
	}
	headers[event.HeaderCorrelationID] = env.CorrelationID()
	headers[event.HeaderRetryCount] = strconv.Itoa(env.RetryCount)

	if _, err := f.Forward(ctx, env.Body, headers); err != nil {
		return fmt.Errorf("forward event %s: %w", env.ID, err)
	}
	return nil
}

func (f *HTTPForwarder) post(ctx context.Context, payload []byte, headers map[string]string) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("post %s: %w", f.endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(body))}
	}

	body = bytes.TrimSpace(body)
	switch {
	case len(body) == 0:
		return nil, nil
	case json.Valid(body):
		return body, nil
	default:
		return json.Marshal(string(body))
	}
}
