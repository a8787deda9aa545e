package buildserver

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/paulbellamy/ratecounter"
	"go.opentelemetry.io/otel"

	"github.com/helvethink/deploy-orchestrator/pkg/ratelimit"
)

const tracerName = "deploy-orchestrator"

// Client holds what every driver shares: rate limiting, request accounting
// and the readiness probe of the build server.
type Client struct {
	// Readiness contains configuration to check if the build server
	// is responsive and healthy via an HTTP endpoint.
	Readiness struct {
		URL        string
		HTTPClient *http.Client
	}

	RateLimiter     ratelimit.Limiter
	RateCounter     *ratecounter.RateCounter // requests over the last second
	RequestsCounter atomic.Uint64            // total requests sent
}

// ClientConfig holds configuration options needed to instantiate a new Client.
type ClientConfig struct {
	ReadinessURL     string
	DisableTLSVerify bool
	RateLimiter      ratelimit.Limiter
}

// NewHTTPClient creates an HTTP client with optional TLS verification disabling.
// It clones the default transport to preserve proxy settings and other defaults.
func NewHTTPClient(disableTLSVerify bool) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: disableTLSVerify} // #nosec G402 opt-in through configuration

	return &http.Client{
		Transport: transport,
	}
}

// NewClient returns a Client ready to be shared by a driver.
func NewClient(cfg ClientConfig) *Client {
	readinessCheckHTTPClient := NewHTTPClient(cfg.DisableTLSVerify)
	readinessCheckHTTPClient.Timeout = 5 * time.Second

	rl := cfg.RateLimiter
	if rl == nil {
		rl = ratelimit.NewLocalLimiter(10, 10)
	}

	c := &Client{
		RateLimiter: rl,
		RateCounter: ratecounter.NewRateCounter(time.Second),
	}

	c.Readiness.URL = cfg.ReadinessURL
	c.Readiness.HTTPClient = readinessCheckHTTPClient

	return c
}

// ReadinessCheck returns a healthcheck.Check performing a GET on the readiness URL.
func (c *Client) ReadinessCheck(ctx context.Context) healthcheck.Check {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "buildserver:ReadinessCheck")
	defer span.End()

	return func() error {
		if c.Readiness.HTTPClient == nil {
			return fmt.Errorf("readiness http client not configured")
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.Readiness.URL, nil)
		if err != nil {
			return err
		}

		resp, err := c.Readiness.HTTPClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("HTTP error: %d", resp.StatusCode)
		}

		return nil
	}
}

// RateLimit blocks until the limiter allows a request, then accounts for it.
func (c *Client) RateLimit(ctx context.Context) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "buildserver:rateLimit")
	defer span.End()

	if _, err := c.RateLimiter.Take(ctx); err != nil {
		return err
	}

	c.countRequest()

	return nil
}

func (c *Client) countRequest() {
	c.RateCounter.Incr(1)
	c.RequestsCounter.Add(1)
}

// countingTransport accounts for every request going through it.
type countingTransport struct {
	client *Client
	next   http.RoundTripper
}

func (t countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.client.countRequest()
	return t.next.RoundTrip(req)
}

// basicAuthTransport authenticates every request with the configured credentials.
type basicAuthTransport struct {
	username string
	token    string
	next     http.RoundTripper
}

func (t basicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.username, t.token)

	return t.next.RoundTrip(req)
}
