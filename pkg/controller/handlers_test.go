package controller

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vmihailenco/taskq/v4"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

func TestMetricsHandler(t *testing.T) {
	env := newTestController(t)
	ctx := context.Background()

	d := createUngated(t, env)
	_, err := env.c.ExecuteDeployment(ctx, d.ID, "author", nil)
	require.NoError(t, err)
	createUngated(t, env)

	w := httptest.NewRecorder()
	env.c.MetricsHandler(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, `deploy_orchestrator_deployments_count{status="deploying"} 1`)
	assert.Contains(t, body, `deploy_orchestrator_deployments_count{status="pending"} 1`)
	assert.Contains(t, body, `deploy_orchestrator_deployments_count{status="rolled_back"} 0`)
	assert.Contains(t, body, "deploy_orchestrator_currently_queued_tasks_count 0")
}

func TestWebhookHandler(t *testing.T) {
	env := newTestController(t)
	env.c.Config.Server.Webhook.SecretToken = "secret"

	for name, tc := range map[string]struct {
		token     string
		eventType string
		body      string
		code      int
	}{
		"invalid token": {
			token: "nope",
			body:  "{}",
			code:  http.StatusForbidden,
		},
		"invalid payload": {
			token:     "secret",
			eventType: "Pipeline Hook",
			body:      "not json",
			code:      http.StatusBadRequest,
		},
		"unsupported event": {
			token:     "secret",
			eventType: "Issue Hook",
			body:      `{"object_kind":"issue"}`,
			code:      http.StatusUnprocessableEntity,
		},
	} {
		t.Run(name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(tc.body))
			req.Header.Set("X-Gitlab-Token", tc.token)
			req.Header.Set("X-Gitlab-Event", tc.eventType)

			w := httptest.NewRecorder()
			env.c.WebhookHandler(w, req)

			assert.Equal(t, tc.code, w.Code)
		})
	}
}

func TestTriggerDeploymentPoll(t *testing.T) {
	env := newTestController(t)
	ctx := context.Background()

	env.c.TaskController = NewTaskController(ctx, nil, 1000)

	polled := make(chan string, 1)
	_, err := env.c.TaskController.TaskMap.Register(string(schemas.TaskTypePollDeployment), &taskq.TaskConfig{
		Handler: func(_ context.Context, id string) {
			polled <- id
		},
	})
	require.NoError(t, err)

	d := createUngated(t, env)
	d, err = env.c.ExecuteDeployment(ctx, d.ID, "author", nil)
	require.NoError(t, err)

	env.c.triggerDeploymentPoll(ctx, "group/app", "42")
	env.c.triggerDeploymentPoll(ctx, "group/app", d.Jobs[1].QueueID)

	select {
	case id := <-polled:
		assert.Equal(t, d.ID, id)
	case <-time.After(5 * time.Second):
		t.Fatal("deployment poll was not scheduled")
	}
}
