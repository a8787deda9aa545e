package server

import (
	"context"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/controller"
	"github.com/helvethink/deploy-orchestrator/pkg/monitor/client"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

func newTestServer(t *testing.T) (*Server, *client.Client) {
	t.Helper()

	ctx := context.Background()
	s := store.NewLocalStore()

	require.NoError(t, s.CreateDeployment(ctx, schemas.Deployment{ID: "d1", Status: schemas.DeploymentStatusDeploying}))
	require.NoError(t, s.CreateDeployment(ctx, schemas.Deployment{ID: "d2", Status: schemas.DeploymentStatusSuccess}))

	cfg := config.New()
	cfg.BuildServer.Token = "supersecret"

	srv := NewServer(&controller.Controller{
		Config: cfg,
		Store:  s,
	})
	srv.Interval = 10 * time.Millisecond

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	u, err := url.Parse(ts.URL)
	require.NoError(t, err)

	return srv, client.NewClient(u)
}

func TestTelemetry(t *testing.T) {
	_, c := newTestServer(t)

	telemetry, err := c.GetTelemetry(context.Background())
	require.NoError(t, err)

	assert.Equal(t, int64(1), telemetry.Deployments["deploying"])
	assert.Equal(t, int64(1), telemetry.Deployments["success"])
	assert.Equal(t, int64(0), telemetry.Deployments["rolled_back"])
	assert.Len(t, telemetry.Deployments, len(schemas.DeploymentStatuses))
	assert.Zero(t, telemetry.BuildServerUsage)
}

func TestConfigMasksSecrets(t *testing.T) {
	_, c := newTestServer(t)

	cfg, err := c.GetConfig(context.Background())
	require.NoError(t, err)

	assert.NotContains(t, cfg.Content, "supersecret")
	assert.Contains(t, cfg.Content, "*******")
}

func TestStreamTelemetry(t *testing.T) {
	_, c := newTestServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, errs := c.StreamTelemetry(ctx)

	for i := 0; i < 3; i++ {
		select {
		case telemetry := <-stream:
			assert.Equal(t, int64(1), telemetry.Deployments["deploying"])
		case err := <-errs:
			t.Fatalf("stream failed: %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("no telemetry received")
		}
	}
}

func TestRatio(t *testing.T) {
	assert.Equal(t, 0.5, ratio(5, 10))
	assert.Equal(t, 1.0, ratio(20, 10))
	assert.Equal(t, 0.0, ratio(5, 0))
	assert.Equal(t, 0.0, ratio(-1, 10))
}
