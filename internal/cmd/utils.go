package cmd

import (
	"fmt"
	stdlibLog "log"
	"net/url"
	"os"
	"time"

	"github.com/go-logr/stdr"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
	"github.com/vmihailenco/taskq/v4"

	"github.com/helvethink/deploy-orchestrator/internal/logging"
	"github.com/helvethink/deploy-orchestrator/pkg/config"
)

var start time.Time

var errMissingMonitoringAddress = errors.New("'--internal-monitoring-listener-address' must be set")

// configure parses the configuration file, applies the CLI overrides, then
// sets up logging.
func configure(ctx *cli.Context) (cfg config.Config, err error) {
	if t, ok := ctx.App.Metadata["startTime"].(time.Time); ok {
		start = t
	}

	assertStringVariableDefined(ctx, "config")

	cfg, err = config.ParseFile(ctx.String("config"))
	if err != nil {
		return
	}

	cfg.Global, err = parseGlobalFlags(ctx)
	if err != nil {
		return
	}

	configCliOverrides(ctx, &cfg)

	if err = cfg.Validate(); err != nil {
		return
	}

	if err = logging.Configure(logging.Config{
		Level:        cfg.Log.Level,
		Format:       cfg.Log.Format,
		ReportCaller: cfg.Log.ReportCaller,
	}); err != nil {
		return
	}

	logging.AddTracingHook()

	// taskq logs through the standard library logger
	taskq.SetLogger(stdr.New(stdlibLog.New(log.StandardLogger().WriterLevel(log.WarnLevel), "taskq", 0)))

	log.WithFields(
		log.Fields{
			"build-server-driver":     cfg.BuildServer.Driver,
			"build-server-endpoint":   cfg.BuildServer.URL,
			"build-server-rate-limit": fmt.Sprintf("%drps", cfg.BuildServer.MaximumRequestsPerSecond),
			"projects":                len(cfg.Projects),
			"users":                   len(cfg.Users),
		},
	).Info("configured")

	log.WithFields(config.SchedulerConfig(cfg.Orchestrator.Poll).Log()).Info("poll deployments")
	log.WithFields(config.SchedulerConfig(cfg.Orchestrator.ScheduledDeployments).Log()).Info("trigger scheduled deployments")
	log.WithFields(config.SchedulerConfig(cfg.Orchestrator.GarbageCollect).Log()).Info("garbage collect")

	return
}

// parseGlobalFlags parses the flags shared by every command.
func parseGlobalFlags(ctx *cli.Context) (cfg config.Global, err error) {
	if listenerAddr := ctx.String("internal-monitoring-listener-address"); listenerAddr != "" {
		cfg.InternalMonitoringListenerAddress, err = url.Parse(listenerAddr)
	}

	return
}

func exit(exitCode int, err error) cli.ExitCoder {
	defer log.WithFields(
		log.Fields{
			"execution-time": time.Since(start),
		},
	).Debug("exited..")

	if err != nil {
		log.WithError(err).Error()
	}

	return cli.Exit("", exitCode)
}

// ExecWrapper gracefully logs and exits our `run` functions.
func ExecWrapper(f func(ctx *cli.Context) (int, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		return exit(f(ctx))
	}
}

// configCliOverrides applies the secrets and URLs given through flags or env vars.
func configCliOverrides(ctx *cli.Context, cfg *config.Config) {
	if token := ctx.String("build-server-token"); token != "" {
		cfg.BuildServer.Token = token
	}

	if cfg.Server.Webhook.Enabled {
		if token := ctx.String("webhook-secret-token"); token != "" {
			cfg.Server.Webhook.SecretToken = token
		}
	}

	if redisURL := ctx.String("redis-url"); redisURL != "" {
		cfg.Redis.URL = redisURL
	}

	if dsn := ctx.String("postgres-dsn"); dsn != "" {
		cfg.Postgres.DSN = dsn
	}

	if healthURL := ctx.String("build-server-health-url"); healthURL != "" {
		cfg.BuildServer.HealthURL = healthURL
		cfg.BuildServer.EnableHealthCheck = true
	}

	if password := ctx.String("smtp-password"); password != "" {
		cfg.Notifications.Email.Password = password
	}
}

// assertStringVariableDefined prints the help and exits when flag k is empty.
func assertStringVariableDefined(ctx *cli.Context, k string) {
	if len(ctx.String(k)) == 0 {
		_ = cli.ShowAppHelp(ctx)

		log.Errorf("'--%s' must be set!", k)
		os.Exit(2)
	}
}
