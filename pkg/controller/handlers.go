package controller

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/api/client-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
)

// HealthCheckHandler creates and returns a health check handler for the controller.
func (c *Controller) HealthCheckHandler(ctx context.Context) (h healthcheck.Handler) {
	h = healthcheck.NewHandler()

	if c.Config.BuildServer.EnableHealthCheck && c.BuildServer != nil {
		h.AddReadinessCheck("build-server-reachable", c.BuildServer.ReadinessCheck(ctx))
	} else {
		log.WithContext(ctx).
			Warn("build server health check has been disabled. Readiness checks won't be operated.")
	}

	if c.Redis != nil {
		h.AddReadinessCheck("redis-reachable", healthcheck.Timeout(func() error {
			return c.Redis.Ping(ctx).Err()
		}, 2*time.Second))
	}

	if c.Postgres != nil {
		h.AddReadinessCheck("postgres-reachable", healthcheck.Timeout(func() error {
			return c.Postgres.Ping(ctx)
		}, 2*time.Second))
	}

	return
}

// MetricsHandler serves the /metrics HTTP endpoint to expose Prometheus metrics.
func (c *Controller) MetricsHandler(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	span := trace.SpanFromContext(ctx)

	defer span.End()

	registry := NewRegistry(ctx)

	if err := registry.ExportInternalMetrics(ctx, c); err != nil {
		log.WithContext(ctx).
			WithError(err).
			Warn()
	}

	counts, err := c.Store.DeploymentsCountByStatus(ctx)
	if err != nil {
		log.WithContext(ctx).
			WithError(err).
			Error()
	}

	registry.ExportDeploymentMetrics(counts)

	if c.Dispatcher != nil {
		registry.ExportNotificationMetrics(c.Dispatcher.Published.Load(), c.Dispatcher.Dropped.Load(), c.Dispatcher.Stats())
	}

	otelhttp.NewHandler(
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{
			Registry:          registry,
			EnableOpenMetrics: c.Config.Server.Metrics.EnableOpenmetricsEncoding,
		}),
		"/metrics",
	).ServeHTTP(w, r)
}

// WebhookHandler handles incoming GitLab webhook HTTP requests.
// Pipeline and job events trigger an immediate poll of the deployment they belong to.
func (c *Controller) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	span := trace.SpanFromContext(r.Context())
	defer span.End()

	// The request context is cancelled as soon as we answer.
	ctx := trace.ContextWithSpan(context.Background(), span)

	logger := log.
		WithContext(ctx).
		WithFields(log.Fields{
			"ip-address": r.RemoteAddr,
			"user-agent": r.UserAgent(),
		})

	logger.Debug("webhook request received")

	if r.Header.Get("X-Gitlab-Token") != c.Config.Server.Webhook.SecretToken {
		logger.Debug("invalid token provided for webhook request")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, "{\"error\": \"invalid token\"}")
		return
	}

	if r.Body == http.NoBody {
		logger.
			WithError(fmt.Errorf("empty request body")).
			Warn("unable to read body of a received webhook")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		logger.
			WithError(err).
			Warn("unable to read body of a received webhook")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	event, err := gitlab.ParseHook(gitlab.HookEventType(r), payload)
	if err != nil {
		logger.
			WithError(err).
			Warn("unable to parse webhook payload")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	switch event := event.(type) {
	case *gitlab.PipelineEvent:
		go c.processPipelineEvent(ctx, *event)
	case *gitlab.JobEvent:
		go c.processJobEvent(ctx, *event)
	default:
		logger.
			WithField("event-type", reflect.TypeOf(event).String()).
			Warn("received unsupported webhook event type")
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
}
