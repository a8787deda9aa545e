package store

import (
	"context"
	"errors"
	"io"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

var (
	// ErrNotFound is returned when the addressed record does not exist.
	ErrNotFound = errors.New("record not found")

	// ErrRevisionConflict is returned when a compare-and-swap update lost the race
	// against a concurrent writer. The caller should refetch and decide again.
	ErrRevisionConflict = errors.New("record was modified concurrently")

	// ErrAlreadyExists is returned when creating a record whose id is taken.
	ErrAlreadyExists = errors.New("record already exists")
)

// Store is the repository the orchestration engine reads and writes through.
type Store interface {
	// Deployments
	CreateDeployment(ctx context.Context, d schemas.Deployment) error
	GetDeployment(ctx context.Context, id string) (schemas.Deployment, error)
	// UpdateDeployment persists d only if the stored revision still equals d.Revision.
	// It returns the stored deployment with its revision bumped.
	UpdateDeployment(ctx context.Context, d schemas.Deployment) (schemas.Deployment, error)
	DelDeployment(ctx context.Context, id string) error // cascades to approvals and logs
	Deployments(ctx context.Context, statuses ...schemas.DeploymentStatus) ([]schemas.Deployment, error)
	DeploymentsCountByStatus(ctx context.Context) (map[schemas.DeploymentStatus]int64, error)

	// Approvals
	// CreateApprovals is a no-op returning false when the deployment already has approvals.
	CreateApprovals(ctx context.Context, deploymentID string, approvals []schemas.Approval) (bool, error)
	GetApproval(ctx context.Context, id string) (schemas.Approval, error)
	// UpdateApproval only succeeds while the stored approval is still pending.
	UpdateApproval(ctx context.Context, a schemas.Approval) error
	DeploymentApprovals(ctx context.Context, deploymentID string) ([]schemas.Approval, error)

	// Log stream
	// AppendLogLines appends the lines whose key is not yet known and returns how many were added.
	AppendLogLines(ctx context.Context, deploymentID string, lines []schemas.LogLine) (int, error)
	// LogLines returns the lines whose sequence number is strictly greater than after.
	LogLines(ctx context.Context, deploymentID string, after int64) ([]schemas.LogLine, error)

	// In-app notifications
	AddNotification(ctx context.Context, n schemas.Notification) error
	Notifications(ctx context.Context, userID string) ([]schemas.Notification, error)
	DelExpiredNotifications(ctx context.Context) (int64, error)

	// Directory
	SetProject(ctx context.Context, p schemas.Project) error
	GetProject(ctx context.Context, id string) (schemas.Project, error)
	ProjectExists(ctx context.Context, id string) (bool, error)
	SetUser(ctx context.Context, u schemas.User) error
	GetUser(ctx context.Context, id string) (schemas.User, error)
	UserExists(ctx context.Context, id string) (bool, error)

	taskTracker
}

// taskTracker keeps track of currently queued tasks to avoid scheduling them
// twice at the risk of ending up with loads of dangling goroutines being locked.
type taskTracker interface {
	QueueTask(ctx context.Context, tt schemas.TaskType, taskUUID, processUUID string) (bool, error)
	UnqueueTask(ctx context.Context, tt schemas.TaskType, taskUUID string) error
	CurrentlyQueuedTasksCount(ctx context.Context) (uint64, error)
	ExecutedTasksCount(ctx context.Context) (uint64, error)
}

// NewLocalStore creates a new instance of local storage.
func NewLocalStore() *Local {
	return &Local{
		deployments:   make(map[string]schemas.Deployment),
		approvals:     make(map[string]schemas.Approval),
		logs:          make(map[string][]schemas.LogLine),
		logKeys:       make(map[string]map[string]struct{}),
		notifications: make(map[string]map[string]schemas.Notification),
		projects:      make(map[string]schemas.Project),
		users:         make(map[string]schemas.User),
	}
}

// NewRedisStore creates a new instance of storage using Redis.
func NewRedisStore(client *redis.Client) *Redis {
	return &Redis{
		Client: client,
	}
}

// NewPostgresStore creates a new instance of storage using Postgres.
// Tasks are tracked in Redis when a client is given, in memory otherwise.
func NewPostgresStore(pool *pgxpool.Pool, r *redis.Client) *Postgres {
	var tt taskTracker = NewLocalStore()
	if r != nil {
		tt = NewRedisStore(r)
	}

	return &Postgres{
		pool:        pool,
		taskTracker: tt,
	}
}

// New creates a new store and seeds it with the configured directory.
// Postgres is preferred over Redis, which is preferred over memory.
func New(
	ctx context.Context,
	r *redis.Client,
	pool *pgxpool.Pool,
	projects []config.Project,
	users []config.User,
) (s Store) {
	ctx, span := otel.Tracer("deploy-orchestrator").Start(ctx, "store:New")
	defer span.End()

	switch {
	case pool != nil:
		s = NewPostgresStore(pool, r)
	case r != nil:
		s = NewRedisStore(r)
	default:
		s = NewLocalStore()
	}

	for _, p := range projects {
		if err := s.SetProject(ctx, schemas.Project{Project: p}); err != nil {
			log.WithContext(ctx).
				WithFields(log.Fields{
					"project-id": p.ID,
				}).
				WithError(err).
				Error("writing project in the store")
		}
	}

	for _, u := range users {
		if err := s.SetUser(ctx, schemas.User{User: u}); err != nil {
			log.WithContext(ctx).
				WithFields(log.Fields{
					"user-id": u.ID,
				}).
				WithError(err).
				Error("writing user in the store")
		}
	}

	return s
}

// IsTransient reports whether err comes from a storage backend being
// momentarily unreachable, in which case the whole operation may be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, redis.ErrClosed) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}

	return pgconn.SafeToRetry(err) || pgconn.Timeout(err)
}
