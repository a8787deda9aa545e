package gitlab

import (
	"fmt"
	"net/http"
	"strconv"
	"sync"

	goGitlab "gitlab.com/gitlab-org/api/client-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/helvethink/deploy-orchestrator/pkg/buildserver"
)

const (
	userAgent  = "deploy-orchestrator"
	tracerName = "deploy-orchestrator"
)

// Driver is a buildserver.Runner backed by GitLab pipelines. A job name is the
// path of the project whose pipeline gets created, the queue identifier is the pipeline id.
type Driver struct {
	*buildserver.Client

	gl  *goGitlab.Client
	ref string

	RequestsLimit     int // RequestsLimit is the request quota advertised by GitLab.
	RequestsRemaining int // RequestsRemaining is what is left of it.
	mutex             sync.RWMutex
}

// Config holds configuration options needed to instantiate a new Driver.
type Config struct {
	URL              string
	Token            string
	Ref              string // Ref is the branch pipelines are created on.
	UserAgentVersion string
	DisableTLSVerify bool
}

// NewDriver returns a Driver accounting its requests through c.
func NewDriver(c *buildserver.Client, cfg Config) (*Driver, error) {
	httpClient := buildserver.NewHTTPClient(cfg.DisableTLSVerify)
	httpClient.Transport = otelhttp.NewTransport(httpClient.Transport)

	opts := []goGitlab.ClientOptionFunc{
		goGitlab.WithHTTPClient(httpClient),
		goGitlab.WithBaseURL(cfg.URL),
		goGitlab.WithoutRetries(),
	}

	gc, err := goGitlab.NewClient(cfg.Token, opts...)
	if err != nil {
		return nil, err
	}

	gc.UserAgent = fmt.Sprintf("%s-%s", userAgent, cfg.UserAgentVersion)

	ref := cfg.Ref
	if ref == "" {
		ref = "main"
	}

	return &Driver{
		Client: c,
		gl:     gc,
		ref:    ref,
	}, nil
}

// requestsRemaining parses rate limit headers from the GitLab API response.
func (d *Driver) requestsRemaining(response *goGitlab.Response) {
	if response == nil {
		return
	}

	d.mutex.Lock()
	defer d.mutex.Unlock()

	if remaining := response.Header.Get("ratelimit-remaining"); remaining != "" {
		d.RequestsRemaining, _ = strconv.Atoi(remaining)
	}

	if limit := response.Header.Get("ratelimit-limit"); limit != "" {
		d.RequestsLimit, _ = strconv.Atoi(limit)
	}
}

// notFound reports whether the API answered 404.
func notFound(resp *goGitlab.Response) bool {
	return resp != nil && resp.StatusCode == http.StatusNotFound
}

// Quota returns the last request limit and remaining requests advertised by GitLab.
func (d *Driver) Quota() (limit, remaining int) {
	d.mutex.RLock()
	defer d.mutex.RUnlock()

	return d.RequestsLimit, d.RequestsRemaining
}
