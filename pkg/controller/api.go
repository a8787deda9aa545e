package controller

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/helvethink/deploy-orchestrator/pkg/apierror"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// UserHeader carries the identity of the acting user. Authentication is
// expected to happen in front of the orchestrator.
const UserHeader = "X-User-ID"

type createDeploymentRequest struct {
	ProjectID       string            `json:"projectId"`
	Name            string            `json:"name"`
	Environment     string            `json:"environment"`
	Version         string            `json:"version"`
	RequireApproval *bool             `json:"requireApproval"`
	Approvers       []approverRequest `json:"approvers"`
	ScheduledAt     *time.Time        `json:"scheduledAt"`
	BuildParameters map[string]string `json:"buildParameters"`
}

type approverRequest struct {
	UserID string `json:"userId"`
	Level  int    `json:"level"`
}

type executeDeploymentRequest struct {
	BuildParameters map[string]string `json:"buildParameters"`
}

type rollbackDeploymentRequest struct {
	TargetVersion string `json:"targetVersion"`
	Reason        string `json:"reason"`
}

type decideApprovalRequest struct {
	Decision string `json:"decision"`
	Comment  string `json:"comment"`
}

type errorResponse struct {
	Kind    apierror.Kind `json:"kind"`
	Code    string        `json:"code"`
	Message string        `json:"message"`
}

// APIHandler returns the /api/v1 routes.
func (c *Controller) APIHandler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/deployments", c.handleCreateDeployment)
	mux.HandleFunc("GET /api/v1/deployments/{id}", c.handleGetDeploymentStatus)
	mux.HandleFunc("GET /api/v1/deployments/{id}/logs", c.handleDeploymentLogs)
	mux.HandleFunc("POST /api/v1/deployments/{id}/execute", c.handleExecuteDeployment)
	mux.HandleFunc("POST /api/v1/deployments/{id}/stop", c.handleStopDeployment)
	mux.HandleFunc("POST /api/v1/deployments/{id}/rollback", c.handleRollbackDeployment)
	mux.HandleFunc("POST /api/v1/approvals/{id}/decision", c.handleDecideApproval)
	mux.HandleFunc("GET /api/v1/users/{id}/notifications", c.handleNotifications)

	return mux
}

func (c *Controller) handleCreateDeployment(w http.ResponseWriter, r *http.Request) {
	var req createDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	spec := DeploymentSpec{
		ProjectID:       req.ProjectID,
		Name:            req.Name,
		Environment:     schemas.Environment(req.Environment),
		Version:         req.Version,
		RequireApproval: req.RequireApproval,
		ScheduledAt:     req.ScheduledAt,
		BuildParameters: req.BuildParameters,
		AuthorID:        r.Header.Get(UserHeader),
	}

	for _, a := range req.Approvers {
		spec.Approvers = append(spec.Approvers, schemas.Approver{UserID: a.UserID, Level: a.Level})
	}

	d, err := c.CreateDeployment(r.Context(), spec)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, d)
}

func (c *Controller) handleGetDeploymentStatus(w http.ResponseWriter, r *http.Request) {
	s, err := c.GetDeploymentStatus(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, s)
}

func (c *Controller) handleDeploymentLogs(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		var err error
		if after, err = strconv.ParseInt(v, 10, 64); err != nil || after < 0 {
			writeError(w, r, apierror.Validation("invalid 'after' sequence number '%s'", v))
			return
		}
	}

	lines, err := c.Logs(r.Context(), r.PathValue("id"), after)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, lines)
}

func (c *Controller) handleExecuteDeployment(w http.ResponseWriter, r *http.Request) {
	var req executeDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	d, err := c.ExecuteDeployment(r.Context(), r.PathValue("id"), r.Header.Get(UserHeader), req.BuildParameters)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, d)
}

func (c *Controller) handleStopDeployment(w http.ResponseWriter, r *http.Request) {
	d, err := c.StopDeployment(r.Context(), r.PathValue("id"), r.Header.Get(UserHeader))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, d)
}

func (c *Controller) handleRollbackDeployment(w http.ResponseWriter, r *http.Request) {
	var req rollbackDeploymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	d, err := c.RollbackDeployment(r.Context(), r.PathValue("id"), r.Header.Get(UserHeader), req.TargetVersion, req.Reason)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusAccepted, d)
}

func (c *Controller) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	var req decideApprovalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	a, err := c.DecideApproval(r.Context(), r.PathValue("id"), r.Header.Get(UserHeader), schemas.Decision(req.Decision), req.Comment)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, a)
}

func (c *Controller) handleNotifications(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("id")
	if acting := r.Header.Get(UserHeader); acting != userID {
		writeError(w, r, &apierror.Error{
			Kind:    apierror.KindAuthorization,
			Code:    "FORBIDDEN",
			Message: "notifications can only be read by their recipient",
		})
		return
	}

	n, err := c.Notifications(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, n)
}

// decodeJSON decodes the body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return apierror.Validation("invalid request body: %s", err.Error())
	}

	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(v); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := buf.WriteTo(w); err != nil {
		log.WithError(err).Debug("writing api response")
	}
}

// statusCode maps an error kind onto an HTTP status.
func statusCode(err error) int {
	switch apierror.KindOf(err) {
	case apierror.KindValidation:
		return http.StatusBadRequest
	case apierror.KindAuthorization:
		return http.StatusForbidden
	case apierror.KindNotFound:
		return http.StatusNotFound
	case apierror.KindStateConflict:
		return http.StatusConflict
	case apierror.KindUpstreamUnavailable:
		if apierror.IsTransient(err) {
			return http.StatusServiceUnavailable
		}
		return http.StatusBadGateway
	case apierror.KindRepository:
		if apierror.IsTransient(err) {
			return http.StatusServiceUnavailable
		}
	}

	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Message: err.Error()}

	var e *apierror.Error
	if errors.As(err, &e) {
		resp.Kind, resp.Code = e.Kind, e.Code
	}

	status := statusCode(err)
	if status >= http.StatusInternalServerError {
		log.WithContext(r.Context()).
			WithFields(log.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
			}).
			WithError(err).
			Error("api request failed")
	}

	writeJSON(w, status, resp)
}
