// Package httpkit builds the HTTP clients used for every outbound call
// the agent makes: inference providers, the local llama-server runtime,
// and connection probes. All clients share one transport shape so dial,
// TLS, and header timeouts behave the same no matter which backend is
// configured.
package httpkit

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"syscall"
	"time"

	"github.com/Adiuk24/alto-AI-mac-cleaner-sub000/internal/buildinfo"
)

const (
	DefaultDialTimeout         = 10 * time.Second
	DefaultKeepAlive           = 30 * time.Second
	DefaultTLSHandshakeTimeout = 10 * time.Second
	DefaultIdleConnTimeout     = 90 * time.Second
	DefaultMaxIdleConnsPerHost = 4

	// ProbeTimeout bounds connection tests and health pings.
	ProbeTimeout = 10 * time.Second
)

// ClientOption configures a client built by NewClient.
type ClientOption func(*clientConfig)

type clientConfig struct {
	timeout    time.Duration
	userAgent  string
	retryCount int
	retryDelay time.Duration
	logger     *slog.Logger
}

// WithTimeout sets the overall request timeout. Zero disables it, which
// is what chat calls want: the context decides when to give up.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.timeout = d }
}

// WithRetry retries requests that failed before reaching the server
// (connection refused, host or network unreachable). Local servers that
// are still binding their port produce exactly these errors.
func WithRetry(count int, delay time.Duration) ClientOption {
	return func(c *clientConfig) {
		c.retryCount = count
		c.retryDelay = delay
	}
}

// WithLogger sets a logger for retry diagnostics.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *clientConfig) { c.logger = l }
}

// NewTransport returns a transport with explicit dial and TLS timeouts.
// ResponseHeaderTimeout is left unset; callers that need one set it on
// the returned value.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   DefaultDialTimeout,
			KeepAlive: DefaultKeepAlive,
		}).DialContext,
		TLSHandshakeTimeout: DefaultTLSHandshakeTimeout,
		IdleConnTimeout:     DefaultIdleConnTimeout,
		MaxIdleConnsPerHost: DefaultMaxIdleConnsPerHost,
		ForceAttemptHTTP2:   true,
	}
}

// NewClient builds an *http.Client. The default timeout is 30s.
func NewClient(opts ...ClientOption) *http.Client {
	cfg := &clientConfig{
		timeout:   30 * time.Second,
		userAgent: buildinfo.UserAgent(),
	}
	for _, o := range opts {
		o(cfg)
	}

	var rt http.RoundTripper = &userAgentTransport{base: NewTransport(), ua: cfg.userAgent}
	if cfg.retryCount > 0 {
		rt = &retryTransport{
			base:   rt,
			count:  cfg.retryCount,
			delay:  cfg.retryDelay,
			logger: cfg.logger,
		}
	}

	return &http.Client{Timeout: cfg.timeout, Transport: rt}
}

type userAgentTransport struct {
	base http.RoundTripper
	ua   string
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("User-Agent") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("User-Agent", t.ua)
	}
	return t.base.RoundTrip(req)
}

type retryTransport struct {
	base   http.RoundTripper
	count  int
	delay  time.Duration
	logger *slog.Logger
}

func (t *retryTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	for attempt := 1; attempt <= t.count && IsDialError(err); attempt++ {
		// A body we cannot rewind cannot be resent.
		if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
			return resp, err
		}
		if t.logger != nil {
			t.logger.Debug("retrying request after dial error",
				"url", req.URL.String(),
				"attempt", attempt,
				"error", err,
			)
		}

		timer := time.NewTimer(t.delay)
		select {
		case <-req.Context().Done():
			timer.Stop()
			return nil, req.Context().Err()
		case <-timer.C:
		}

		retry := req.Clone(req.Context())
		if req.GetBody != nil {
			body, bodyErr := req.GetBody()
			if bodyErr != nil {
				return nil, fmt.Errorf("retry: rewind body: %w", bodyErr)
			}
			retry.Body = body
		}
		resp, err = t.base.RoundTrip(retry)
	}
	return resp, err
}

// IsDialError reports whether err is a connection-level failure that
// happened before any bytes reached the server.
func IsDialError(err error) bool {
	if err == nil {
		return false
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.EHOSTUNREACH, syscall.ENETUNREACH:
			return true
		}
	}
	return false
}

// DrainAndClose reads up to limit bytes from rc and closes it so the
// connection returns to the pool.
func DrainAndClose(rc io.ReadCloser, limit int64) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, limit))
	rc.Close()
}

// ReadErrorBody reads up to limit bytes of an error response body, then
// drains and closes the rest.
func ReadErrorBody(rc io.ReadCloser, limit int64) string {
	if rc == nil {
		return ""
	}
	body, err := io.ReadAll(io.LimitReader(rc, limit))
	DrainAndClose(rc, 1024)
	if err != nil {
		return fmt.Sprintf("(failed to read error body: %v)", err)
	}
	return string(body)
}
