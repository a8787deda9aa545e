package store

import (
	"context"
	"database/sql"
	"embed"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver used by goose
	"github.com/pkg/errors"
	"github.com/pressly/goose/v3"
	log "github.com/sirupsen/logrus"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

//go:embed migrations/*.sql
var embedMigrations embed.FS

// Postgres is a storage implementation backed by a relational database.
type Postgres struct {
	pool *pgxpool.Pool

	taskTracker
}

// NewPostgresPool connects to the database and optionally migrates its schema.
func NewPostgresPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	if cfg.RunMigrations {
		if err := Migrate(ctx, cfg.DSN); err != nil {
			return nil, errors.Wrap(err, "migrating database schema")
		}
	}

	pgCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parsing postgres dsn")
	}

	pgCfg.MaxConns = cfg.MaxConnections

	pool, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, errors.Wrap(err, "connecting to postgres")
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pinging postgres")
	}

	return pool, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, dsn string) error {
	logger := log.WithField("component", "migrations")

	goose.SetBaseFS(embedMigrations)
	goose.SetLogger(logger)

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.WithError(err).Error("closing database migration connection")
		}
	}()

	return goose.UpContext(ctx, db, "migrations")
}

// Ping checks the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// CreateDeployment inserts a new deployment.
func (p *Postgres) CreateDeployment(ctx context.Context, d schemas.Deployment) error {
	ct, err := p.pool.Exec(ctx, `
		INSERT INTO deployments (id, project_id, status, revision, created_at, document)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.ProjectID, string(d.Status), int64(d.Revision), d.CreatedAt, d,
	)
	if err != nil {
		return err
	}

	if ct.RowsAffected() == 0 {
		return ErrAlreadyExists
	}

	return nil
}

// GetDeployment retrieves a deployment.
func (p *Postgres) GetDeployment(ctx context.Context, id string) (d schemas.Deployment, err error) {
	err = p.pool.QueryRow(ctx, `SELECT document FROM deployments WHERE id = $1`, id).Scan(&d)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, ErrNotFound
	}

	return
}

// UpdateDeployment replaces the document if the revision column did not move.
func (p *Postgres) UpdateDeployment(ctx context.Context, d schemas.Deployment) (schemas.Deployment, error) {
	updated := d.Clone()
	updated.Revision++

	ct, err := p.pool.Exec(ctx, `
		UPDATE deployments
		SET status = $2, revision = $3, document = $4
		WHERE id = $1 AND revision = $5`,
		d.ID, string(updated.Status), int64(updated.Revision), updated, int64(d.Revision),
	)
	if err != nil {
		return schemas.Deployment{}, err
	}

	if ct.RowsAffected() == 0 {
		if _, err = p.GetDeployment(ctx, d.ID); err != nil {
			return schemas.Deployment{}, err
		}
		return schemas.Deployment{}, ErrRevisionConflict
	}

	return updated, nil
}

// DelDeployment deletes a deployment, its approvals and logs are removed by cascade.
func (p *Postgres) DelDeployment(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM deployments WHERE id = $1`, id)
	return err
}

// Deployments returns the deployments having one of the given statuses, or all of them,
// ordered by creation time.
func (p *Postgres) Deployments(ctx context.Context, statuses ...schemas.DeploymentStatus) ([]schemas.Deployment, error) {
	var (
		rows pgx.Rows
		err  error
	)

	if len(statuses) == 0 {
		rows, err = p.pool.Query(ctx, `SELECT document FROM deployments ORDER BY created_at, id`)
	} else {
		s := make([]string, 0, len(statuses))
		for _, status := range statuses {
			s = append(s, string(status))
		}

		rows, err = p.pool.Query(ctx, `
			SELECT document FROM deployments
			WHERE status = ANY($1)
			ORDER BY created_at, id`, s)
	}

	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (d schemas.Deployment, err error) {
		err = row.Scan(&d)
		return
	})
}

// DeploymentsCountByStatus counts the deployments in each status.
func (p *Postgres) DeploymentsCountByStatus(ctx context.Context) (map[schemas.DeploymentStatus]int64, error) {
	rows, err := p.pool.Query(ctx, `SELECT status, COUNT(*) FROM deployments GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[schemas.DeploymentStatus]int64)
	for rows.Next() {
		var (
			status string
			count  int64
		)

		if err = rows.Scan(&status, &count); err != nil {
			return nil, err
		}

		counts[schemas.DeploymentStatus(status)] = count
	}

	return counts, rows.Err()
}

// CreateApprovals inserts the approval records of a deployment, once.
// Concurrent calls are serialized on a transaction scoped advisory lock.
func (p *Postgres) CreateApprovals(ctx context.Context, deploymentID string, approvals []schemas.Approval) (created bool, err error) {
	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "approvals:"+deploymentID); err != nil {
			return err
		}

		var count int
		if err := tx.QueryRow(ctx, `SELECT COUNT(*) FROM approvals WHERE deployment_id = $1`, deploymentID).Scan(&count); err != nil {
			return err
		}

		if count > 0 {
			return nil
		}

		for _, a := range approvals {
			if _, err := tx.Exec(ctx, `
				INSERT INTO approvals (id, deployment_id, approver_id, level, status, comment, decided_at, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
				a.ID, deploymentID, a.ApproverID, a.Level, string(a.Status), a.Comment, a.DecidedAt, a.CreatedAt,
			); err != nil {
				return err
			}
		}

		created = true

		return nil
	})

	return
}

const approvalColumns = `id, deployment_id, approver_id, level, status, comment, decided_at, created_at`

func scanApproval(row pgx.Row) (a schemas.Approval, err error) {
	var status string

	err = row.Scan(&a.ID, &a.DeploymentID, &a.ApproverID, &a.Level, &status, &a.Comment, &a.DecidedAt, &a.CreatedAt)
	a.Status = schemas.ApprovalStatus(status)

	return
}

// GetApproval retrieves an approval.
func (p *Postgres) GetApproval(ctx context.Context, id string) (schemas.Approval, error) {
	a, err := scanApproval(p.pool.QueryRow(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return a, ErrNotFound
	}

	return a, err
}

// UpdateApproval records a decision on a still pending approval.
func (p *Postgres) UpdateApproval(ctx context.Context, a schemas.Approval) error {
	ct, err := p.pool.Exec(ctx, `
		UPDATE approvals
		SET status = $2, comment = $3, decided_at = $4
		WHERE id = $1 AND status = 'pending'`,
		a.ID, string(a.Status), a.Comment, a.DecidedAt,
	)
	if err != nil {
		return err
	}

	if ct.RowsAffected() == 0 {
		if _, err = p.GetApproval(ctx, a.ID); err != nil {
			return err
		}
		return ErrRevisionConflict
	}

	return nil
}

// DeploymentApprovals returns the approvals of a deployment, sorted by level.
func (p *Postgres) DeploymentApprovals(ctx context.Context, deploymentID string) ([]schemas.Approval, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE deployment_id = $1
		ORDER BY level, id`, deploymentID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (schemas.Approval, error) {
		return scanApproval(row)
	})
}

// AppendLogLines appends unseen lines to the log stream of a deployment.
// Sequence numbers are allocated under a transaction scoped advisory lock.
func (p *Postgres) AppendLogLines(ctx context.Context, deploymentID string, lines []schemas.LogLine) (appended int, err error) {
	if len(lines) == 0 {
		return 0, nil
	}

	err = pgx.BeginFunc(ctx, p.pool, func(tx pgx.Tx) error {
		appended = 0

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, "logs:"+deploymentID); err != nil {
			return err
		}

		var seq int64
		if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(seq), 0) FROM deployment_logs WHERE deployment_id = $1`, deploymentID).Scan(&seq); err != nil {
			return err
		}

		for _, line := range lines {
			ct, err := tx.Exec(ctx, `
				INSERT INTO deployment_logs (deployment_id, seq, line_key, job_ref, line_offset, logged_at, severity, text)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (deployment_id, line_key) DO NOTHING`,
				deploymentID, seq+1, line.Key(), string(line.JobRef), line.Offset, line.Timestamp, string(line.Severity), line.Text,
			)
			if err != nil {
				return err
			}

			if ct.RowsAffected() == 1 {
				seq++
				appended++
			}
		}

		return nil
	})

	return
}

// LogLines returns the log lines of a deployment following the given sequence number.
func (p *Postgres) LogLines(ctx context.Context, deploymentID string, after int64) ([]schemas.LogLine, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT seq, job_ref, line_offset, logged_at, severity, text
		FROM deployment_logs
		WHERE deployment_id = $1 AND seq > $2
		ORDER BY seq`, deploymentID, after)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (l schemas.LogLine, err error) {
		var jobRef, severity string

		err = row.Scan(&l.Seq, &jobRef, &l.Offset, &l.Timestamp, &severity, &l.Text)
		l.JobRef = schemas.JobRef(jobRef)
		l.Severity = schemas.Severity(severity)

		return
	})
}

// AddNotification inserts a feed item.
func (p *Postgres) AddNotification(ctx context.Context, n schemas.Notification) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO notifications (id, user_id, event_id, kind, title, body, resource_type, resource_id, created_at, expires_at, read_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING`,
		n.ID, n.UserID, n.EventID, string(n.Kind), n.Title, n.Body, string(n.ResourceType), n.ResourceID, n.CreatedAt, n.ExpiresAt, n.ReadAt,
	)

	return err
}

// Notifications returns the unexpired feed of a user, newest first.
func (p *Postgres) Notifications(ctx context.Context, userID string) ([]schemas.Notification, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, user_id, event_id, kind, title, body, resource_type, resource_id, created_at, expires_at, read_at
		FROM notifications
		WHERE user_id = $1 AND (expires_at IS NULL OR expires_at > now())
		ORDER BY created_at DESC, id DESC`, userID)
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (n schemas.Notification, err error) {
		var kind, resourceType string

		err = row.Scan(&n.ID, &n.UserID, &n.EventID, &kind, &n.Title, &n.Body, &resourceType, &n.ResourceID, &n.CreatedAt, &n.ExpiresAt, &n.ReadAt)
		n.Kind = schemas.EventKind(kind)
		n.ResourceType = schemas.ResourceType(resourceType)

		return
	})
}

// DelExpiredNotifications removes the feed items that expired.
func (p *Postgres) DelExpiredNotifications(ctx context.Context) (int64, error) {
	ct, err := p.pool.Exec(ctx, `DELETE FROM notifications WHERE expires_at IS NOT NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}

	return ct.RowsAffected(), nil
}

// SetProject upserts a project.
func (p *Postgres) SetProject(ctx context.Context, project schemas.Project) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO projects (id, document) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document`,
		project.ID, project,
	)

	return err
}

// GetProject retrieves a project.
func (p *Postgres) GetProject(ctx context.Context, id string) (project schemas.Project, err error) {
	err = p.pool.QueryRow(ctx, `SELECT document FROM projects WHERE id = $1`, id).Scan(&project)
	if errors.Is(err, pgx.ErrNoRows) {
		return project, ErrNotFound
	}

	return
}

// ProjectExists checks whether a project is known.
func (p *Postgres) ProjectExists(ctx context.Context, id string) (exists bool, err error) {
	err = p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM projects WHERE id = $1)`, id).Scan(&exists)
	return
}

// SetUser upserts a user.
func (p *Postgres) SetUser(ctx context.Context, u schemas.User) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO users (id, document) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET document = EXCLUDED.document`,
		u.ID, u,
	)

	return err
}

// GetUser retrieves a user.
func (p *Postgres) GetUser(ctx context.Context, id string) (u schemas.User, err error) {
	err = p.pool.QueryRow(ctx, `SELECT document FROM users WHERE id = $1`, id).Scan(&u)
	if errors.Is(err, pgx.ErrNoRows) {
		return u, ErrNotFound
	}

	return
}

// UserExists checks whether a user is known.
func (p *Postgres) UserExists(ctx context.Context, id string) (exists bool, err error) {
	err = p.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists)
	return
}
