package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

var (
	ErrInvalidURL = errors.New("invalid_target_url")
	// ErrTimeout marks a deadline expiry, retryable from the caller's
	// point of view.
	ErrTimeout   = errors.New("proxy_timeout")
	ErrTransport = errors.New("proxy_transport_failure")
)

// Request is the caller's description of the outbound call. Body, when
// non-nil, is serialized as JSON for body-bearing methods.
type Request struct {
	TargetURL string
	Method    string
	Headers   map[string]string
	Body      any
}

// Result is what flows back to the caller. Headers are flattened to
// first values; Data is the decoded JSON body, or a rawResponse wrap
// when the upstream did not return JSON.
type Result struct {
	StatusCode       int
	Headers          map[string]string
	Data             any
	ResponseTimeMs   float64
	PayloadSizeBytes int64
}

type Executor struct {
	log     *zap.Logger
	client  *http.Client
	rules   *RuleHolder
	breaker *gobreaker.CircuitBreaker
	timeout time.Duration
}

func NewExecutor(log *zap.Logger, rules *RuleHolder, timeout time.Duration) *Executor {
	log = log.Named("proxy.executor")
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name: "proxy_upstream",
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Executor{
		log:     log,
		client:  &http.Client{},
		rules:   rules,
		breaker: breaker,
		timeout: timeout,
	}
}

// Call forwards the request with the credential injected. The
// plaintext lives only inside the outbound request headers for the
// duration of the call and is never logged.
func (e *Executor) Call(ctx context.Context, req Request, credentialPlaintext string) (*Result, error) {
	target, err := url.Parse(strings.TrimSpace(req.TargetURL))
	if err != nil || target.Scheme == "" || target.Host == "" {
		return nil, ErrInvalidURL
	}
	if target.Scheme != "http" && target.Scheme != "https" {
		return nil, ErrInvalidURL
	}

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodGet
	}

	var payloadSize int64
	var bodyReader io.Reader
	if req.Body != nil && bodyBearing(method) {
		encoded, err := json.Marshal(req.Body)
		if err != nil {
			return nil, ErrInvalidURL
		}
		payloadSize = int64(len(encoded))
		bodyReader = bytes.NewReader(encoded)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	outbound, err := http.NewRequestWithContext(ctx, method, target.String(), bodyReader)
	if err != nil {
		return nil, ErrInvalidURL
	}
	for name, value := range req.Headers {
		outbound.Header.Set(name, value)
	}
	if bodyReader != nil && outbound.Header.Get("Content-Type") == "" {
		outbound.Header.Set("Content-Type", "application/json")
	}
	injectCredential(outbound, e.rules.Get(), target.Host, credentialPlaintext, req.Headers)

	start := time.Now()
	raw, err := e.breaker.Execute(func() (any, error) {
		return e.client.Do(outbound)
	})
	elapsedMs := float64(time.Since(start)) / float64(time.Millisecond)
	if err != nil {
		classified := classifyTransportErr(ctx, err)
		e.log.Warn("outbound call failed",
			zap.String("host", target.Host),
			zap.String("method", method),
			zap.Float64("elapsed_ms", elapsedMs),
			zap.Error(err),
		)
		return nil, classified
	}
	resp := raw.(*http.Response)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportErr(ctx, err)
	}

	var data any
	if len(body) == 0 {
		data = map[string]any{}
	} else if err := json.Unmarshal(body, &data); err != nil {
		data = map[string]any{"rawResponse": string(body)}
	}

	headers := make(map[string]string, len(resp.Header))
	for name := range resp.Header {
		headers[name] = resp.Header.Get(name)
	}

	e.log.Debug("outbound call completed",
		zap.String("host", target.Host),
		zap.String("method", method),
		zap.Int("status", resp.StatusCode),
		zap.Float64("elapsed_ms", elapsedMs),
	)
	return &Result{
		StatusCode:       resp.StatusCode,
		Headers:          headers,
		Data:             data,
		ResponseTimeMs:   elapsedMs,
		PayloadSizeBytes: payloadSize,
	}, nil
}

func bodyBearing(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func classifyTransportErr(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	return ErrTransport
}
