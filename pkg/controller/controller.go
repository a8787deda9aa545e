package controller

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"github.com/vmihailenco/taskq/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"google.golang.org/grpc"

	"github.com/helvethink/deploy-orchestrator/pkg/buildserver"
	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/gitlab"
	"github.com/helvethink/deploy-orchestrator/pkg/notify"
	"github.com/helvethink/deploy-orchestrator/pkg/ratelimit"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

const tracerName = "deploy-orchestrator"

// Controller owns every component of the orchestrator: storage, build server
// drivers, notification dispatch and background tasks.
// The UUID field identifies this instance among others sharing the same Redis.
type Controller struct {
	Config   config.Config
	Redis    *redis.Client
	Postgres *pgxpool.Pool
	Store    store.Store

	BuildServer *buildserver.Client   // rate limiting, request accounting and readiness of the build server
	Runner      buildserver.Runner    // driver of the configured build server
	Jobs        *buildserver.Adapter  // job fan-out, polling and cancellation
	Dispatcher  *notify.Dispatcher    // nil when notifications are wired by hand
	Notifier    notify.Publisher      // where lifecycle events go

	TaskController TaskController

	// UUID uniquely identifies this controller instance among others when running
	// in clustered mode, facilitating coordination via Redis.
	UUID uuid.UUID

	// Now returns the current time.
	Now func() time.Time

	// deploymentLocks serializes approval decisions per deployment.
	deploymentLocks sync.Map
}

// New creates and initializes a new Controller instance.
// It sets up tracing, Redis and Postgres connections, the task controller,
// the storage, the build server driver and the notification dispatcher, then
// starts the scheduler.
func New(ctx context.Context, cfg config.Config, version string) (c *Controller, err error) {
	c = &Controller{
		Config: cfg,
		UUID:   uuid.New(),
		Now:    time.Now,
	}

	if err = configureTracing(ctx, cfg.OpenTelemetry.GRPCEndpoint); err != nil {
		return
	}

	if err = c.configureRedis(ctx, cfg.Redis.URL); err != nil {
		return
	}

	if err = c.configurePostgres(ctx, cfg.Postgres); err != nil {
		return
	}

	c.TaskController = NewTaskController(ctx, c.Redis, cfg.Orchestrator.MaximumJobsQueueSize)
	c.registerTasks()

	c.Store = store.New(ctx, c.Redis, c.Postgres, cfg.Projects, cfg.Users)

	if err = c.configureBuildServer(cfg.BuildServer, version); err != nil {
		return
	}

	if err = c.configureNotifications(ctx, cfg.Notifications); err != nil {
		return
	}

	c.Schedule(ctx, cfg.Orchestrator)

	return
}

// registerTasks registers all task handlers with the TaskController's task map.
func (c *Controller) registerTasks() {
	for n, h := range map[schemas.TaskType]interface{}{
		schemas.TaskTypePollDeployments:             c.TaskHandlerPollDeployments,
		schemas.TaskTypePollDeployment:              c.TaskHandlerPollDeployment,
		schemas.TaskTypeTriggerScheduledDeployments: c.TaskHandlerTriggerScheduledDeployments,
		schemas.TaskTypeGarbageCollect:              c.TaskHandlerGarbageCollect,
	} {
		_, _ = c.TaskController.TaskMap.Register(string(n), &taskq.TaskConfig{
			Handler:    h,
			RetryLimit: 1,
		})
	}
}

// unqueueTask removes a task from the store queue, logging failures.
func (c *Controller) unqueueTask(ctx context.Context, tt schemas.TaskType, uniqueID string) {
	if err := c.Store.UnqueueTask(ctx, tt, uniqueID); err != nil {
		log.WithContext(ctx).
			WithFields(log.Fields{
				"task_type":      tt,
				"task_unique_id": uniqueID,
			}).
			WithError(err).
			Warn("unqueuing task")
	}
}

// configureTracing sets up OpenTelemetry tracing via a gRPC endpoint.
// If no endpoint is provided, tracing support is skipped.
func configureTracing(ctx context.Context, grpcEndpoint string) error {
	if len(grpcEndpoint) == 0 {
		log.Debug("opentelemetry.grpc_endpoint is not configured, skipping open telemetry support")
		return nil
	}

	log.WithFields(log.Fields{
		"opentelemetry_grpc_endpoint": grpcEndpoint,
	}).Info("opentelemetry gRPC endpoint provided, initializing connection..")

	traceClient := otlptracegrpc.NewClient(
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithEndpoint(grpcEndpoint),
		otlptracegrpc.WithDialOption(grpc.WithBlock()), // nolint: staticcheck
	)

	traceExp, err := otlptrace.New(ctx, traceClient)
	if err != nil {
		return err
	}

	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithProcess(),
		resource.WithTelemetrySDK(),
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("deploy-orchestrator"),
		),
	)
	if err != nil {
		return err
	}

	tracerProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(traceExp)),
	)

	otel.SetTracerProvider(tracerProvider)

	return nil
}

// configureBuildServer initializes the driver of the configured build server.
// Requests are rate limited through Redis if available, locally otherwise.
func (c *Controller) configureBuildServer(cfg config.BuildServer, version string) (err error) {
	var rl ratelimit.Limiter

	if c.Redis != nil {
		rl = ratelimit.NewRedisLimiter(c.Redis, cfg.MaximumRequestsPerSecond)
	} else {
		rl = ratelimit.NewLocalLimiter(cfg.MaximumRequestsPerSecond, cfg.BurstableRequestsPerSecond)
	}

	c.BuildServer = buildserver.NewClient(buildserver.ClientConfig{
		ReadinessURL:     cfg.HealthURL,
		DisableTLSVerify: !cfg.EnableTLSVerify,
		RateLimiter:      rl,
	})

	switch cfg.Driver {
	case "gitlab":
		c.Runner, err = gitlab.NewDriver(c.BuildServer, gitlab.Config{
			URL:              cfg.URL,
			Token:            cfg.Token,
			Ref:              cfg.GitLab.Ref,
			UserAgentVersion: version,
			DisableTLSVerify: !cfg.EnableTLSVerify,
		})
		if err != nil {
			return errors.Wrap(err, "configuring gitlab driver")
		}
	default:
		c.Runner = buildserver.NewJenkins(c.BuildServer, buildserver.JenkinsConfig{
			URL:              cfg.URL,
			Username:         cfg.Username,
			Token:            cfg.Token,
			DisableTLSVerify: !cfg.EnableTLSVerify,
		})
	}

	c.Jobs = buildserver.NewAdapter(c.Runner, buildserver.AdapterConfig{
		CallTimeout:        time.Duration(cfg.TimeoutSeconds) * time.Second,
		GracePeriod:        time.Duration(c.Config.Orchestrator.JobNotFoundGraceSeconds) * time.Second,
		MaxConcurrentCalls: c.Config.Orchestrator.MaximumConcurrentCalls,
	}, log.WithField("component", "buildserver"))

	log.WithFields(log.Fields{
		"driver": cfg.Driver,
		"url":    cfg.URL,
	}).Info("build server configured")

	return
}

// configureNotifications compiles the templates and starts the dispatcher.
func (c *Controller) configureNotifications(ctx context.Context, cfg config.Notifications) error {
	templates, err := notify.NewTemplates(cfg.Templates)
	if err != nil {
		return errors.Wrap(err, "loading notification templates")
	}

	channels := []notify.Channel{notify.NewInApp(c.Store)}
	if cfg.Email.Enabled {
		channels = append(channels, notify.NewEmail(notify.NewSMTPMailer(cfg.Email), cfg.Email.From))
	} else {
		log.Debug("email notifications are disabled, delivering in-app only")
	}

	logger := log.WithField("component", "notify")

	c.Dispatcher = notify.NewDispatcher(
		notify.NewResolver(c.Store, logger),
		c.Store,
		templates,
		notify.DispatcherConfig{
			MaxConcurrentDeliveries: cfg.MaximumConcurrentDeliveries,
			QueueSize:               cfg.QueueSize,
			Timeout:                 time.Duration(cfg.TimeoutSeconds) * time.Second,
		},
		logger,
		channels...,
	)
	c.Notifier = c.Dispatcher

	go c.Dispatcher.Start(ctx)

	return nil
}

// configureRedis initializes the Redis client using the provided URL and sets up OpenTelemetry tracing instrumentation.
func (c *Controller) configureRedis(ctx context.Context, url string) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:configureRedis")
	defer span.End()

	if len(url) <= 0 {
		log.Debug("redis url is not configured, skipping configuration & using local driver")
		return
	}

	log.Info("redis url configured, initializing connection..")

	var opt *redis.Options

	if opt, err = redis.ParseURL(url); err != nil {
		return
	}

	c.Redis = redis.NewClient(opt)

	if err = redisotel.InstrumentTracing(c.Redis); err != nil {
		return
	}

	if _, err := c.Redis.Ping(ctx).Result(); err != nil {
		return errors.Wrap(err, "connecting to redis")
	}

	log.Info("connected to redis")

	return
}

// configurePostgres opens the connection pool, running the schema migrations first when enabled.
func (c *Controller) configurePostgres(ctx context.Context, cfg config.Postgres) (err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:configurePostgres")
	defer span.End()

	if len(cfg.DSN) == 0 {
		log.Debug("postgres dsn is not configured, skipping configuration")
		return
	}

	log.Info("postgres dsn configured, initializing connection..")

	if c.Postgres, err = store.NewPostgresPool(ctx, cfg); err != nil {
		return errors.Wrap(err, "connecting to postgres")
	}

	log.Info("connected to postgres")

	return
}

// Close releases the connections held by the controller.
func (c *Controller) Close() {
	if c.Postgres != nil {
		c.Postgres.Close()
	}

	if c.Redis != nil {
		if err := c.Redis.Close(); err != nil {
			log.WithError(err).Warn("closing redis client")
		}
	}
}
