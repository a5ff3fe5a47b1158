// Package transport is the HTTP client shared by pollers and link
// resolvers. Requests are rate limited per host and guarded by a circuit
// breaker per upstream service; failures come back as
// *model.TransportError.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/bryan-buckman/leapfrog/internal/logging"
	"github.com/bryan-buckman/leapfrog/internal/metrics"
	"github.com/bryan-buckman/leapfrog/internal/model"
)

// maxErrorBody caps how much of a failed response is kept in the error.
const maxErrorBody = 512

// Config tunes the client's timeouts, limits and breakers.
type Config struct {
	Timeout            time.Duration
	RequestsPerSecond  float64
	MaxConcurrentHost  int
	BreakerMaxFailures uint32
	BreakerTimeout     time.Duration
	UserAgent          string
}

// DefaultConfig returns settings suitable for tests and small installs.
func DefaultConfig() Config {
	return Config{
		Timeout:            30 * time.Second,
		RequestsPerSecond:  5,
		MaxConcurrentHost:  2,
		BreakerMaxFailures: 5,
		BreakerTimeout:     time.Minute,
		UserAgent:          "leapfrog/1.0",
	}
}

// Authorizer signs an outgoing request.
type Authorizer interface {
	Authorize(req *http.Request) error
}

// AuthorizerFunc adapts a function to Authorizer.
type AuthorizerFunc func(req *http.Request) error

func (f AuthorizerFunc) Authorize(req *http.Request) error { return f(req) }

// Client sends requests to foreign services.
type Client struct {
	http    *http.Client
	cfg     Config
	limiter *hostLimiter
	log     zerolog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*http.Response]
}

// New creates a new client.
func New(cfg Config) *Client {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.BreakerMaxFailures == 0 {
		cfg.BreakerMaxFailures = def.BreakerMaxFailures
	}
	if cfg.BreakerTimeout <= 0 {
		cfg.BreakerTimeout = def.BreakerTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	return &Client{
		http:     &http.Client{Timeout: cfg.Timeout},
		cfg:      cfg,
		limiter:  newHostLimiter(cfg.MaxConcurrentHost, cfg.RequestsPerSecond),
		log:      logging.WithComponent("transport"),
		breakers: make(map[string]*gobreaker.CircuitBreaker[*http.Response]),
	}
}

func (c *Client) breaker(service string) *gobreaker.CircuitBreaker[*http.Response] {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[service]; ok {
		return cb
	}
	maxFailures := c.cfg.BreakerMaxFailures
	log := c.log
	cb := gobreaker.NewCircuitBreaker[*http.Response](gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     c.cfg.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		// Client errors are the caller's problem, not an outage.
		IsSuccessful: func(err error) bool {
			var te *model.TransportError
			if errors.As(err, &te) && te.Status >= 400 && te.Status < 500 {
				return true
			}
			return err == nil
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("service", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
		},
	})
	c.breakers[service] = cb
	metrics.CircuitBreakerState.WithLabelValues(service).Set(0)
	return cb
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// Do sends req on behalf of service. A non-2xx response is closed and
// returned as a *model.TransportError. The caller closes the body, which
// also gives back the host's concurrency slot.
func (c *Client) Do(ctx context.Context, service string, req *http.Request, auth Authorizer) (*http.Response, error) {
	req = req.WithContext(ctx)
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", c.cfg.UserAgent)
	}
	if auth != nil {
		if err := auth.Authorize(req); err != nil {
			return nil, fmt.Errorf("authorize %s request: %w", service, err)
		}
	}
	target := req.URL.String()

	host := hostOf(target)
	if err := c.limiter.acquire(ctx, host); err != nil {
		return nil, &model.TransportError{Service: service, URL: target, Err: fmt.Errorf("rate limit wait: %w", err)}
	}
	release := sync.OnceFunc(func() { c.limiter.release(host) })

	resp, err := c.breaker(service).Execute(func() (*http.Response, error) {
		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &model.TransportError{Service: service, URL: target, Err: err}
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
			resp.Body.Close()
			return nil, &model.TransportError{
				Service: service,
				URL:     target,
				Status:  resp.StatusCode,
				Err:     fmt.Errorf("%s: %s", resp.Status, string(body)),
			}
		}
		return resp, nil
	})
	if err != nil {
		release()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, &model.TransportError{Service: service, URL: target, Err: err}
		}
		return nil, err
	}
	resp.Body = &slotBody{ReadCloser: resp.Body, release: release}
	return resp, nil
}

// slotBody holds a host slot until the body is closed.
type slotBody struct {
	io.ReadCloser
	release func()
}

func (b *slotBody) Close() error {
	err := b.ReadCloser.Close()
	b.release()
	return err
}

// Get fetches rawURL.
func (c *Client) Get(ctx context.Context, service, rawURL string, auth Authorizer) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &model.TransportError{Service: service, URL: rawURL, Err: err}
	}
	return c.Do(ctx, service, req, auth)
}

// GetJSON fetches rawURL and decodes the JSON body into v.
func (c *Client) GetJSON(ctx context.Context, service, rawURL string, auth Authorizer, v any) error {
	resp, err := c.Get(ctx, service, rawURL, auth)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return &model.TransportError{Service: service, URL: rawURL, Status: resp.StatusCode, Err: fmt.Errorf("decode json: %w", err)}
	}
	return nil
}
