package httpServer

import (
	"context"
	"html/template"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/controller"
)

const (
	rootTemplate string = `
	<!DOCTYPE html>
	<head><title>Deploy Orchestrator</title></head>
	<body>
		<h1>Deploy Orchestrator</h1>
		<p>Health at: <a href='/health/live'>/health/live</a> and <a href='/health/ready'>/health/ready</a></p>
		{{- if .API.Enabled }}
		<p>API at: <a href='/api/v1/'>/api/v1/</a></p>
		{{- end }}
		{{- if .Metrics.Enabled }}
		<p>Metrics at: <a href='/metrics'>/metrics</a></p>
		{{- end }}
		{{- if .Webhook.Enabled }}
		<p>Webhook at: /webhook</p>
		{{- end }}
		<p>Source: <a href='https://github.com/helvethink/deploy-orchestrator'>github.com/helvethink/deploy-orchestrator</a></p>
	</body>
	</html>`
)

// NewServer registers the enabled endpoints of cfg, the health probes and a
// root page listing them.
func NewServer(ctx context.Context, c *controller.Controller, cfg config.Server) *http.Server {
	t := template.Must(template.New("root").Parse(rootTemplate))
	mux := http.NewServeMux()

	health := c.HealthCheckHandler(ctx)
	mux.HandleFunc("/health/live", health.LiveEndpoint)
	mux.HandleFunc("/health/ready", health.ReadyEndpoint)

	if cfg.API.Enabled {
		mux.Handle("/api/v1/", c.APIHandler())
	}

	if cfg.Metrics.Enabled {
		mux.HandleFunc("/metrics", c.MetricsHandler)
	}

	if cfg.EnablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}

	if cfg.Webhook.Enabled {
		mux.HandleFunc("/webhook", c.WebhookHandler)
	}

	mux.HandleFunc("/{$}", func(w http.ResponseWriter, _ *http.Request) {
		if err := t.Execute(w, cfg); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	})

	return &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}
