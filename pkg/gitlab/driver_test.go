package gitlab

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/buildserver"
	"github.com/helvethink/deploy-orchestrator/pkg/ratelimit"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

func newTestDriver(t *testing.T, h http.Handler) *Driver {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := buildserver.NewClient(buildserver.ClientConfig{
		ReadinessURL: srv.URL + "/-/health",
		RateLimiter:  ratelimit.NewLocalLimiter(100, 100),
	})

	d, err := NewDriver(c, Config{URL: srv.URL, Token: "secret", Ref: "release", UserAgentVersion: "test"})
	require.NoError(t, err)

	return d
}

func TestNewDriverDefaultRef(t *testing.T) {
	d, err := NewDriver(buildserver.NewClient(buildserver.ClientConfig{}), Config{URL: "https://gitlab.example.com"})
	require.NoError(t, err)
	assert.Equal(t, "main", d.ref)
	assert.Equal(t, "deploy-orchestrator-", d.gl.UserAgent)
}

func TestDriverEnqueue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/app/pipeline", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "secret", r.Header.Get("PRIVATE-TOKEN"))

		var body struct {
			Ref       string `json:"ref"`
			Variables []struct {
				Key   string `json:"key"`
				Value string `json:"value"`
			} `json:"variables"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "release", body.Ref)
		require.Len(t, body.Variables, 2)
		assert.Equal(t, "ENVIRONMENT", body.Variables[0].Key)
		assert.Equal(t, "VERSION", body.Variables[1].Key)
		assert.Equal(t, "1.2.3", body.Variables[1].Value)

		w.Header().Set("ratelimit-remaining", "99")
		w.Header().Set("ratelimit-limit", "100")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"id":42,"status":"created"}`)
	})
	mux.HandleFunc("/api/v4/projects/unknown/pipeline", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"message":"404 Project Not Found"}`)
	})

	d := newTestDriver(t, mux)

	id, err := d.Enqueue(context.Background(), "app", map[string]string{"VERSION": "1.2.3", "ENVIRONMENT": "prod"})
	require.NoError(t, err)
	assert.Equal(t, "42", id)
	assert.Equal(t, 99, d.RequestsRemaining)
	assert.Equal(t, 100, d.RequestsLimit)
	assert.Equal(t, uint64(1), d.RequestsCounter.Load())

	_, err = d.Enqueue(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, buildserver.ErrJobNotFound)
}

func TestDriverStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/app/pipelines/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":1,"status":"pending"}`)
	})
	mux.HandleFunc("/api/v4/projects/app/pipelines/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":2,"status":"failed","duration":90,"started_at":"2026-01-02T10:00:00Z"}`)
	})
	mux.HandleFunc("/api/v4/projects/app/pipelines/2/jobs", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `[
			{"id":12,"name":"deploy","stage":"deploy","status":"failed","finished_at":"2026-01-02T10:01:30Z"},
			{"id":13,"name":"notify","stage":"post","status":"created"},
			{"id":11,"name":"build","stage":"build","status":"success","finished_at":"2026-01-02T10:01:00Z"}
		]`)
	})
	mux.HandleFunc("/api/v4/projects/app/jobs/11/trace", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "compiling\ndone")
	})
	mux.HandleFunc("/api/v4/projects/app/jobs/12/trace", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "ERROR: rollout failed\n")
	})

	d := newTestDriver(t, mux)
	ctx := context.Background()

	s, err := d.Status(ctx, buildserver.Handle{JobName: "app", QueueID: "1"})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobStateQueued, s.State)
	assert.Equal(t, "pending", s.NativeState)
	assert.Empty(t, s.ConsoleLog)

	s, err = d.Status(ctx, buildserver.Handle{JobName: "app", QueueID: "2"})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobStateFailed, s.State)
	assert.Equal(t, 2, s.BuildNumber)
	assert.Equal(t, 90*time.Second, s.Duration)
	require.NotNil(t, s.StartedAt)
	assert.Equal(t,
		"=== build/build (success) ===\ncompiling\ndone\n=== deploy/deploy (failed) ===\nERROR: rollout failed\n",
		s.ConsoleLog,
	)

	_, err = d.Status(ctx, buildserver.Handle{JobName: "app", QueueID: "3"})
	assert.ErrorIs(t, err, buildserver.ErrJobNotFound)

	_, err = d.Status(ctx, buildserver.Handle{JobName: "app", QueueID: "abc"})
	assert.Error(t, err)
}

func TestDriverCancel(t *testing.T) {
	var canceled bool

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/projects/app/pipelines/1", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":1,"status":"running"}`)
	})
	mux.HandleFunc("/api/v4/projects/app/pipelines/1/cancel", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		canceled = true
		fmt.Fprint(w, `{"id":1,"status":"canceling"}`)
	})
	mux.HandleFunc("/api/v4/projects/app/pipelines/2", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"id":2,"status":"success"}`)
	})

	d := newTestDriver(t, mux)
	ctx := context.Background()

	require.NoError(t, d.Cancel(ctx, buildserver.Handle{JobName: "app", QueueID: "1"}))
	assert.True(t, canceled)

	assert.ErrorIs(t, d.Cancel(ctx, buildserver.Handle{JobName: "app", QueueID: "2"}), buildserver.ErrJobFinished)
	assert.ErrorIs(t, d.Cancel(ctx, buildserver.Handle{JobName: "app", QueueID: "3"}), buildserver.ErrJobNotFound)
}

func TestMapPipelineStatus(t *testing.T) {
	for status, expected := range map[string]schemas.JobState{
		"created":              schemas.JobStateQueued,
		"waiting_for_resource": schemas.JobStateQueued,
		"manual":               schemas.JobStateQueued,
		"running":              schemas.JobStateRunning,
		"success":              schemas.JobStateSuccess,
		"failed":               schemas.JobStateFailed,
		"canceled":             schemas.JobStateAborted,
		"skipped":              schemas.JobStateAborted,
	} {
		assert.Equal(t, expected, mapPipelineStatus(status), status)
	}
}
