package controller

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/apierror"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

func apiRequest(t *testing.T, h http.Handler, method, path, user, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if user != "" {
		req.Header.Set(UserHeader, user)
	}

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var out map[string]interface{}
	if strings.HasPrefix(strings.TrimSpace(w.Body.String()), "{") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}

	return w, out
}

func TestAPIDeploymentLifecycle(t *testing.T) {
	env := newTestController(t)
	h := env.c.APIHandler()

	w, body := apiRequest(t, h, http.MethodPost, "/api/v1/deployments", "", `{"projectId":"shop","environment":"dev"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", body["kind"])

	w, _ = apiRequest(t, h, http.MethodPost, "/api/v1/deployments", "author", `{"projectId":"shop","unknown":true}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/deployments", "author",
		`{"projectId":"shop","environment":"prod","version":"3.0.0","approvers":[{"userId":"alice","level":1}]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "pending", body["Status"])
	id := body["ID"].(string)

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/deployments/"+id+"/execute", "author", "")
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "STATE_CONFLICT", body["kind"])

	approval := approvalOf(t, env.c, id, "alice")

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/approvals/"+approval.ID+"/decision", "bob", `{"decision":"approve"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "UNAUTHORIZED", body["code"])

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/approvals/"+approval.ID+"/decision", "alice", `{"decision":"approve","comment":"ok"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "approved", body["Status"])

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/deployments/"+id+"/execute", "author", `{"buildParameters":{"DRY_RUN":"true"}}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "deploying", body["Status"])
	assert.Equal(t, "true", env.runner.params["build"]["DRY_RUN"])

	env.runner.set("1", schemas.JobStateRunning, "hello\n")
	require.NoError(t, env.c.PollDeployment(context.Background(), id))

	w, body = apiRequest(t, h, http.MethodGet, "/api/v1/deployments/"+id, "author", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, body["JobExecutions"], 2)
	assert.Len(t, body["Approvals"], 1)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/deployments/"+id+"/logs?after=0", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var lines []schemas.LogLine
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &lines))
	require.Len(t, lines, 1)
	assert.Equal(t, "hello", lines[0].Text)

	w, _ = apiRequest(t, h, http.MethodGet, "/api/v1/deployments/"+id+"/logs?after=nope", "author", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/deployments/"+id+"/stop", "alice", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "failed", body["Status"])

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/deployments/"+id+"/rollback", "alice", `{"reason":"oops"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "VALIDATION", body["kind"])

	w, body = apiRequest(t, h, http.MethodPost, "/api/v1/deployments/"+id+"/rollback", "alice", `{"targetVersion":"2.0.0","reason":"oops"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "deploying", body["Status"])

	w, body = apiRequest(t, h, http.MethodGet, "/api/v1/deployments/unknown", "author", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "NOT_FOUND", body["kind"])
}

func TestAPINotifications(t *testing.T) {
	env := newTestController(t)
	h := env.c.APIHandler()

	require.NoError(t, env.c.Store.AddNotification(context.Background(), schemas.Notification{ID: "n1", UserID: "alice", Title: "hi"}))

	w, _ := apiRequest(t, h, http.MethodGet, "/api/v1/users/alice/notifications", "bob", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/notifications", nil)
	req.Header.Set(UserHeader, "alice")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var n []schemas.Notification
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &n))
	require.Len(t, n, 1)
	assert.Equal(t, "hi", n[0].Title)
}

func TestStatusCode(t *testing.T) {
	for err, code := range map[error]int{
		apierror.Validation("bad"):                            http.StatusBadRequest,
		apierror.ErrUnauthorized:                              http.StatusForbidden,
		apierror.NotFound("deployment", "d"):                  http.StatusNotFound,
		apierror.ErrOutOfOrder:                                http.StatusConflict,
		apierror.Upstream(errors.New("down"), "enqueueing"):   http.StatusServiceUnavailable,
		&apierror.Error{Kind: apierror.KindUpstreamUnavailable}: http.StatusBadGateway,
		apierror.Repository(errors.New("timeout"), true):      http.StatusServiceUnavailable,
		apierror.Repository(errors.New("constraint"), false):  http.StatusInternalServerError,
		errors.New("plain"):                                   http.StatusInternalServerError,
	} {
		assert.Equal(t, code, statusCode(err), err.Error())
	}
}
