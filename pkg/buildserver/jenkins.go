package buildserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/deploy-orchestrator/pkg/ratelimit"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Jenkins drives a Jenkins compatible build server over its remote access API.
type Jenkins struct {
	*Client

	endpoint   string
	httpClient *http.Client
}

// JenkinsConfig holds the settings of the Jenkins driver.
type JenkinsConfig struct {
	URL              string
	Username         string
	Token            string
	DisableTLSVerify bool
}

// NewJenkins returns a Jenkins driver sending its requests through c.
func NewJenkins(c *Client, cfg JenkinsConfig) *Jenkins {
	base := NewHTTPClient(cfg.DisableTLSVerify)

	base.Transport = basicAuthTransport{
		username: cfg.Username,
		token:    cfg.Token,
		next: ratelimit.NewThrottledTransport(
			c.RateLimiter,
			countingTransport{client: c, next: otelhttp.NewTransport(base.Transport)},
		),
	}

	return &Jenkins{
		Client:     c,
		endpoint:   strings.TrimSuffix(cfg.URL, "/"),
		httpClient: base,
	}
}

type jenkinsQueueItem struct {
	Cancelled  bool   `json:"cancelled"`
	Why        string `json:"why"`
	Executable *struct {
		Number int `json:"number"`
	} `json:"executable"`
}

type jenkinsBuild struct {
	Building  bool    `json:"building"`
	Result    *string `json:"result"`
	Duration  int64   `json:"duration"`  // milliseconds
	Timestamp int64   `json:"timestamp"` // start, milliseconds since epoch
}

// jobPath turns "folder/name" into "/job/folder/job/name".
func jobPath(jobName string) string {
	var b strings.Builder
	for _, segment := range strings.Split(strings.Trim(jobName, "/"), "/") {
		b.WriteString("/job/")
		b.WriteString(url.PathEscape(segment))
	}

	return b.String()
}

func (j *Jenkins) do(ctx context.Context, method, p string, query url.Values) (*http.Response, error) {
	u := j.endpoint + p
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return nil, errors.Wrap(err, "creating request")
	}

	resp, err := j.httpClient.Do(req)
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, p)
	}

	if resp.StatusCode == http.StatusNotFound {
		resp.Body.Close()
		return nil, ErrJobNotFound
	}

	if resp.StatusCode >= http.StatusBadRequest {
		resp.Body.Close()
		return nil, fmt.Errorf("%s %s: HTTP error: %d", method, p, resp.StatusCode)
	}

	return resp, nil
}

func (j *Jenkins) getJSON(ctx context.Context, p string, v interface{}) error {
	resp, err := j.do(ctx, http.MethodGet, p, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return errors.Wrapf(json.NewDecoder(resp.Body).Decode(v), "decoding %s", p)
}

// Enqueue triggers a parameterized build and returns the id of its queue item.
func (j *Jenkins) Enqueue(ctx context.Context, jobName string, params map[string]string) (string, error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "jenkins:Enqueue")
	defer span.End()
	span.SetAttributes(attribute.String("job_name", jobName))

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}

	resp, err := j.do(ctx, http.MethodPost, jobPath(jobName)+"/buildWithParameters", query)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	location := resp.Header.Get("Location")
	if location == "" {
		return "", fmt.Errorf("no queue item returned for job %s", jobName)
	}

	queueID := path.Base(strings.TrimSuffix(location, "/"))
	if _, err = strconv.Atoi(queueID); err != nil {
		return "", fmt.Errorf("unexpected queue item location '%s'", location)
	}

	return queueID, nil
}

// Status resolves the queue item into a build, then reads the build and its console.
func (j *Jenkins) Status(ctx context.Context, h Handle) (s Status, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "jenkins:Status")
	defer span.End()
	span.SetAttributes(attribute.String("job_name", h.JobName))
	span.SetAttributes(attribute.String("queue_id", h.QueueID))

	s.BuildNumber = h.BuildNumber

	if s.BuildNumber == 0 {
		var item jenkinsQueueItem
		if err = j.getJSON(ctx, fmt.Sprintf("/queue/item/%s/api/json", url.PathEscape(h.QueueID)), &item); err != nil {
			return
		}

		switch {
		case item.Cancelled:
			s.State, s.NativeState = schemas.JobStateAborted, "CANCELLED"
			return
		case item.Executable == nil:
			s.State, s.NativeState = schemas.JobStateQueued, "QUEUED"
			return
		}

		s.BuildNumber = item.Executable.Number
	}

	buildPath := fmt.Sprintf("%s/%d", jobPath(h.JobName), s.BuildNumber)

	var b jenkinsBuild
	if err = j.getJSON(ctx, buildPath+"/api/json", &b); err != nil {
		return
	}

	s.State, s.NativeState = mapJenkinsBuild(b)
	s.Duration = time.Duration(b.Duration) * time.Millisecond

	if b.Timestamp > 0 {
		startedAt := time.UnixMilli(b.Timestamp).UTC()
		s.StartedAt = &startedAt
	}

	resp, err := j.do(ctx, http.MethodGet, buildPath+"/consoleText", nil)
	if err != nil {
		return
	}
	defer resp.Body.Close()

	console, err := io.ReadAll(resp.Body)
	if err != nil {
		return s, errors.Wrap(err, "reading console")
	}

	s.ConsoleLog = string(console)

	return
}

// Cancel stops a running build or removes the item from the queue.
func (j *Jenkins) Cancel(ctx context.Context, h Handle) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "jenkins:Cancel")
	defer span.End()
	span.SetAttributes(attribute.String("job_name", h.JobName))

	if h.BuildNumber == 0 {
		resp, err := j.do(ctx, http.MethodPost, "/queue/cancelItem", url.Values{"id": {h.QueueID}})
		if err != nil {
			return err
		}

		return resp.Body.Close()
	}

	buildPath := fmt.Sprintf("%s/%d", jobPath(h.JobName), h.BuildNumber)

	var b jenkinsBuild
	if err := j.getJSON(ctx, buildPath+"/api/json", &b); err != nil {
		return err
	}

	if state, _ := mapJenkinsBuild(b); state.Terminal() {
		return ErrJobFinished
	}

	resp, err := j.do(ctx, http.MethodPost, buildPath+"/stop", nil)
	if err != nil {
		return err
	}

	return resp.Body.Close()
}

func mapJenkinsBuild(b jenkinsBuild) (schemas.JobState, string) {
	if b.Result == nil {
		if b.Building {
			return schemas.JobStateRunning, "BUILDING"
		}
		// picked from the queue but not started yet
		return schemas.JobStateQueued, "PENDING"
	}

	switch *b.Result {
	case "SUCCESS":
		return schemas.JobStateSuccess, *b.Result
	case "FAILURE", "UNSTABLE":
		return schemas.JobStateFailed, *b.Result
	default: // ABORTED, NOT_BUILT
		return schemas.JobStateAborted, *b.Result
	}
}
