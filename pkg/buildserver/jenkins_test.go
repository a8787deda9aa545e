package buildserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/ratelimit"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

func newTestJenkins(t *testing.T, h http.Handler) *Jenkins {
	t.Helper()

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c := NewClient(ClientConfig{
		ReadinessURL: srv.URL + "/login",
		RateLimiter:  ratelimit.NewLocalLimiter(100, 100),
	})

	return NewJenkins(c, JenkinsConfig{URL: srv.URL + "/", Username: "ci", Token: "secret"})
}

func TestJenkinsEnqueue(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/job/folder/job/deploy/buildWithParameters", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "ci" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "1.2.3", r.URL.Query().Get("VERSION"))

		w.Header().Set("Location", "http://jenkins/queue/item/42/")
		w.WriteHeader(http.StatusCreated)
	})

	j := newTestJenkins(t, mux)

	queueID, err := j.Enqueue(context.Background(), "folder/deploy", map[string]string{"VERSION": "1.2.3"})
	require.NoError(t, err)
	assert.Equal(t, "42", queueID)
	assert.Equal(t, uint64(1), j.RequestsCounter.Load())

	_, err = j.Enqueue(context.Background(), "unknown", nil)
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJenkinsStatus(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/queue/item/1/api/json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"cancelled":false,"why":"Waiting for next available executor"}`)
	})
	mux.HandleFunc("/queue/item/2/api/json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"cancelled":false,"executable":{"number":12}}`)
	})
	mux.HandleFunc("/queue/item/3/api/json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"cancelled":true}`)
	})
	mux.HandleFunc("/job/deploy/12/api/json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"building":false,"result":"FAILURE","duration":1500,"timestamp":1700000000000}`)
	})
	mux.HandleFunc("/job/deploy/12/consoleText", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "Started\nERROR: boom\n")
	})

	j := newTestJenkins(t, mux)
	ctx := context.Background()

	s, err := j.Status(ctx, Handle{JobName: "deploy", QueueID: "1"})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobStateQueued, s.State)
	assert.Zero(t, s.BuildNumber)

	s, err = j.Status(ctx, Handle{JobName: "deploy", QueueID: "2"})
	require.NoError(t, err)
	assert.Equal(t, 12, s.BuildNumber)
	assert.Equal(t, schemas.JobStateFailed, s.State)
	assert.Equal(t, "FAILURE", s.NativeState)
	assert.Equal(t, "Started\nERROR: boom\n", s.ConsoleLog)
	assert.Equal(t, int64(1500), s.Duration.Milliseconds())
	require.NotNil(t, s.StartedAt)

	s, err = j.Status(ctx, Handle{JobName: "deploy", QueueID: "3"})
	require.NoError(t, err)
	assert.Equal(t, schemas.JobStateAborted, s.State)

	_, err = j.Status(ctx, Handle{JobName: "deploy", QueueID: "404"})
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestJenkinsCancel(t *testing.T) {
	stopped := false

	mux := http.NewServeMux()
	mux.HandleFunc("/queue/cancelItem", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("id"))
		w.WriteHeader(http.StatusNoContent)
	})
	mux.HandleFunc("/job/deploy/3/api/json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"building":true,"result":null}`)
	})
	mux.HandleFunc("/job/deploy/3/stop", func(w http.ResponseWriter, _ *http.Request) {
		stopped = true
	})
	mux.HandleFunc("/job/deploy/4/api/json", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"building":false,"result":"SUCCESS"}`)
	})

	j := newTestJenkins(t, mux)
	ctx := context.Background()

	require.NoError(t, j.Cancel(ctx, Handle{JobName: "deploy", QueueID: "5"}))
	require.NoError(t, j.Cancel(ctx, Handle{JobName: "deploy", QueueID: "6", BuildNumber: 3}))
	assert.True(t, stopped)

	assert.ErrorIs(t, j.Cancel(ctx, Handle{JobName: "deploy", QueueID: "7", BuildNumber: 4}), ErrJobFinished)
}

func TestReadinessCheck(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/login", func(w http.ResponseWriter, _ *http.Request) {})

	j := newTestJenkins(t, mux)
	assert.NoError(t, j.ReadinessCheck(context.Background())())

	j.Readiness.URL += "/missing"
	assert.Error(t, j.ReadinessCheck(context.Background())())
}
