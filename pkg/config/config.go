package config

import (
	"fmt"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// validate is a global validator instance used to validate struct fields based on tags.
var validate *validator.Validate

// Config holds all the configuration parameters necessary for properly configuring the application.
type Config struct {
	Global        Global        `yaml:",omitempty"`    // Global contains settings only provided through CLI flags.
	Log           Log           `yaml:"log"`           // Log holds configuration related to logging.
	OpenTelemetry OpenTelemetry `yaml:"opentelemetry"` // OpenTelemetry contains configuration settings for tracing.
	Server        Server        `yaml:"server"`        // Server holds configuration related to the HTTP server.
	Redis         Redis         `yaml:"redis"`         // Redis holds configuration parameters for connecting to Redis.
	Postgres      Postgres      `yaml:"postgres"`      // Postgres holds configuration parameters for the relational store.
	BuildServer   BuildServer   `yaml:"build_server"`  // BuildServer configures the external job runner.
	Orchestrator  Orchestrator  `yaml:"orchestrator"`  // Orchestrator configures polling, scheduling and garbage collection.
	Notifications Notifications `yaml:"notifications"` // Notifications configures delivery channels and templates.

	// Projects is the directory of deployable projects.
	// Validation: ids must be unique, at least one project must be provided, and each element is validated.
	Projects []Project `validate:"unique=ID,at-least-1-project,dive" yaml:"projects"`

	// Users is the directory of people who act on deployments and receive notifications.
	Users []User `validate:"unique=ID,dive" yaml:"users"`
}

// Log holds configuration settings related to runtime logging.
type Log struct {
	// Level sets the logging verbosity level.
	// Valid values: trace, debug, info, warning, error, fatal, panic.
	Level string `default:"info" validate:"required,oneof=trace debug info warning error fatal panic"`

	// Format sets the output format of the logs, "text" or "json".
	Format string `default:"text" validate:"oneof=text json"`

	// ReportCaller adds the calling function and file to every entry.
	ReportCaller bool `default:"false" yaml:"report_caller"`
}

// OpenTelemetry holds configuration related to OpenTelemetry integration.
type OpenTelemetry struct {
	// GRPCEndpoint is the gRPC address of the OpenTelemetry collector to send traces to.
	GRPCEndpoint string `yaml:"grpc_endpoint"`
}

// Server holds the configuration for the HTTP server.
type Server struct {
	ListenAddress string        `default:":8080" yaml:"listen_address"`
	EnablePprof   bool          `default:"false" yaml:"enable_pprof"`
	Metrics       ServerMetrics `yaml:"metrics"`
	Webhook       ServerWebhook `yaml:"webhook"`
	API           ServerAPI     `yaml:"api"`
}

// ServerMetrics holds configuration for the metrics HTTP endpoint.
type ServerMetrics struct {
	EnableOpenmetricsEncoding bool `default:"false" yaml:"enable_openmetrics_encoding"`
	Enabled                   bool `default:"true" yaml:"enabled"`
}

// ServerWebhook holds configuration for the webhook HTTP endpoint.
type ServerWebhook struct {
	// Enabled enables the /webhook endpoint receiving GitLab pipeline and job events.
	Enabled bool `default:"false" yaml:"enabled"`

	// SecretToken authenticates incoming webhook requests. Required when the webhook is enabled.
	SecretToken string `validate:"required_if=Enabled true" yaml:"secret_token"`
}

// ServerAPI holds configuration for the deployment API.
type ServerAPI struct {
	Enabled bool `default:"true" yaml:"enabled"`
}

// Redis holds the configuration for connecting to a Redis instance.
type Redis struct {
	// URL is the connection string used to connect to the Redis server.
	// Format example: redis[s]://[:password@]host[:port][/db-number][?option=value]
	URL string `yaml:"url"`
}

// Postgres holds the configuration of the relational store.
// When a DSN is set it takes precedence over Redis for persisting deployments.
type Postgres struct {
	DSN            string `yaml:"dsn"`
	MaxConnections int32  `default:"10" validate:"gte=1" yaml:"max_connections"`
	RunMigrations  bool   `default:"true" yaml:"run_migrations"`
}

// BuildServer holds the configuration needed to reach the external job runner.
type BuildServer struct {
	// Driver selects the runner protocol: a Jenkins compatible API or GitLab pipelines.
	Driver string `default:"jenkins" validate:"required,build-server-driver" yaml:"driver"`

	URL string `validate:"required,url" yaml:"url"`

	// HealthURL is requested by the readiness probe.
	// When empty it is derived from URL according to the driver.
	HealthURL string `validate:"omitempty,url" yaml:"health_url"`

	Username                   string `yaml:"username"`
	Token                      string `validate:"required" yaml:"token"`
	EnableHealthCheck          bool   `default:"true" yaml:"enable_health_check"`
	EnableTLSVerify            bool   `default:"true" yaml:"enable_tls_verify"`
	MaximumRequestsPerSecond   int    `default:"10" validate:"gte=1" yaml:"maximum_requests_per_second"`
	BurstableRequestsPerSecond int    `default:"10" validate:"gte=1" yaml:"burstable_requests_per_second"`

	// TimeoutSeconds bounds every single call made to the build server.
	TimeoutSeconds int `default:"10" validate:"gte=1" yaml:"timeout_seconds"`

	GitLab struct {
		// Ref is the branch pipelines are created on.
		Ref string `default:"main" validate:"required" yaml:"ref"`
	} `yaml:"gitlab"`
}

// Orchestrator holds the background behaviour of the deployment engine.
type Orchestrator struct {
	// Poll drives the status and log polling of deploying deployments.
	Poll struct {
		OnInit          bool `default:"true" yaml:"on_init"`
		Scheduled       bool `default:"true" yaml:"scheduled"`
		IntervalSeconds int  `default:"5" validate:"gte=1" yaml:"interval_seconds"`
	} `yaml:"poll"`

	// ScheduledDeployments drives the tick starting deployments whose scheduled time is reached.
	ScheduledDeployments struct {
		OnInit          bool `default:"true" yaml:"on_init"`
		Scheduled       bool `default:"true" yaml:"scheduled"`
		IntervalSeconds int  `default:"15" validate:"gte=1" yaml:"interval_seconds"`
	} `yaml:"scheduled_deployments"`

	// GarbageCollect drives the cleanup of dangling jobs and expired notifications.
	GarbageCollect struct {
		OnInit          bool `default:"false" yaml:"on_init"`
		Scheduled       bool `default:"true" yaml:"scheduled"`
		IntervalSeconds int  `default:"600" validate:"gte=1" yaml:"interval_seconds"` // 10 minutes
	} `yaml:"garbage_collect"`

	// JobNotFoundGraceSeconds is how long a queued job may be unknown to the
	// build server before being considered aborted.
	JobNotFoundGraceSeconds int `default:"300" validate:"gte=0" yaml:"job_not_found_grace_seconds"`

	// MaximumConcurrentCalls bounds the simultaneous build server calls made for one deployment.
	MaximumConcurrentCalls int `default:"4" validate:"gte=1" yaml:"maximum_concurrent_calls"`

	// MaximumJobsQueueSize limits the number of tasks queued internally before dropping new ones.
	MaximumJobsQueueSize int `default:"1000" validate:"gte=10" yaml:"maximum_jobs_queue_size"`
}

// Notifications holds the configuration of the notification dispatcher.
type Notifications struct {
	// MaximumConcurrentDeliveries bounds the deliveries in flight for one event.
	MaximumConcurrentDeliveries int `default:"8" validate:"gte=1" yaml:"maximum_concurrent_deliveries"`

	// QueueSize is the number of events buffered before new ones get dropped.
	QueueSize int `default:"256" validate:"gte=1" yaml:"queue_size"`

	// TimeoutSeconds bounds every single delivery.
	TimeoutSeconds int `default:"10" validate:"gte=1" yaml:"timeout_seconds"`

	Email Email `yaml:"email"`

	// Templates overrides the built-in template of an event kind, keyed by kind.
	Templates map[string]NotificationTemplate `yaml:"templates"`
}

// Email holds the SMTP transport settings.
type Email struct {
	Enabled     bool   `default:"false" yaml:"enabled"`
	Host        string `validate:"required_if=Enabled true" yaml:"host"`
	Port        int    `default:"587" validate:"gte=1,lte=65535" yaml:"port"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	From        string `validate:"required_if=Enabled true" yaml:"from"`
	ImplicitTLS bool   `default:"false" yaml:"implicit_tls"`
}

// NotificationTemplate overrides parts of the rendering of one event kind.
// Empty fields keep the built-in value.
type NotificationTemplate struct {
	Title       string   `yaml:"title"`
	Body        string   `yaml:"body"`
	Channels    []string `validate:"dive,oneof=in_app email" yaml:"channels"`
	ExpiryHours int      `validate:"gte=0" yaml:"expiry_hours"`
}

// UnmarshalYAML implements custom YAML unmarshaling logic for the Config struct.
// Projects are decoded one by one on top of their defaults.
func (c *Config) UnmarshalYAML(v *yaml.Node) (err error) {
	type localConfig struct {
		Log           Log           `yaml:"log"`
		OpenTelemetry OpenTelemetry `yaml:"opentelemetry"`
		Server        Server        `yaml:"server"`
		Redis         Redis         `yaml:"redis"`
		Postgres      Postgres      `yaml:"postgres"`
		BuildServer   BuildServer   `yaml:"build_server"`
		Orchestrator  Orchestrator  `yaml:"orchestrator"`
		Notifications Notifications `yaml:"notifications"`

		Projects []yaml.Node `yaml:"projects"` // hold projects as raw YAML nodes
		Users    []User      `yaml:"users"`
	}

	_cfg := localConfig{}
	defaults.MustSet(&_cfg)

	if err = v.Decode(&_cfg); err != nil {
		return
	}

	c.Log = _cfg.Log
	c.OpenTelemetry = _cfg.OpenTelemetry
	c.Server = _cfg.Server
	c.Redis = _cfg.Redis
	c.Postgres = _cfg.Postgres
	c.BuildServer = _cfg.BuildServer
	c.Orchestrator = _cfg.Orchestrator
	c.Notifications = _cfg.Notifications
	c.Users = _cfg.Users

	for _, n := range _cfg.Projects {
		p := NewProject()
		if err = n.Decode(&p); err != nil {
			return
		}
		c.Projects = append(c.Projects, p)
	}

	return
}

// ToYAML serializes the Config object into a YAML formatted string with secrets masked.
func (c Config) ToYAML() string {
	c.Global = Global{}

	c.Server.Webhook.SecretToken = "*******"
	c.BuildServer.Token = "*******"

	if c.Notifications.Email.Password != "" {
		c.Notifications.Email.Password = "*******"
	}

	if c.Postgres.DSN != "" {
		c.Postgres.DSN = "*******"
	}

	b, err := yaml.Marshal(c)
	if err != nil {
		panic(err)
	}

	return string(b)
}

// Validate checks if the Config struct's fields are valid according to
// the validation rules defined via struct tags and custom validators.
func (c Config) Validate() error {
	if validate == nil {
		validate = validator.New()
		_ = validate.RegisterValidation("at-least-1-project", ValidateAtLeastOneProject)
		_ = validate.RegisterValidation("build-server-driver", ValidateBuildServerDriver)
	}

	return validate.Struct(c)
}

// SchedulerConfig defines common scheduling behavior for background tasks.
type SchedulerConfig struct {
	OnInit          bool // OnInit determines whether the task should run immediately at startup.
	Scheduled       bool // Scheduled determines whether the task should run on a recurring schedule.
	IntervalSeconds int  // IntervalSeconds specifies how often (in seconds) the task should run when scheduled.
}

// Log returns a structured representation of the scheduler configuration
// to help display it in logs for the end user.
func (sc SchedulerConfig) Log() log.Fields {
	onInit, scheduled := "no", "no"

	if sc.OnInit {
		onInit = "yes"
	}

	if sc.Scheduled {
		scheduled = fmt.Sprintf("every %vs", sc.IntervalSeconds)
	}

	return log.Fields{
		"on-init":   onInit,
		"scheduled": scheduled,
	}
}

// ValidateAtLeastOneProject ensures that the directory is not empty.
func ValidateAtLeastOneProject(v validator.FieldLevel) bool {
	return v.Field().Len() > 0
}

// BuildServerDrivers lists the supported runner protocols.
var BuildServerDrivers = []string{"jenkins", "gitlab"}

// ValidateBuildServerDriver ensures the driver is one of BuildServerDrivers.
func ValidateBuildServerDriver(v validator.FieldLevel) bool {
	for _, d := range BuildServerDrivers {
		if v.Field().String() == d {
			return true
		}
	}

	return false
}

// New returns a new Config instance with default parameters set.
func New() (c Config) {
	defaults.MustSet(&c)
	return
}
