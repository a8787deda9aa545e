package store

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

func newTestRedisStore(t *testing.T) *Redis {
	t.Helper()

	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = c.Close() })

	return NewRedisStore(c)
}

// stores returns every backend the suite runs against.
func stores(t *testing.T) map[string]Store {
	t.Helper()

	s := map[string]Store{
		"local": NewLocalStore(),
		"redis": newTestRedisStore(t),
	}

	if dsn := os.Getenv("DEPLOY_ORCHESTRATOR_TEST_POSTGRES_DSN"); dsn != "" {
		pool, err := NewPostgresPool(context.Background(), config.Postgres{DSN: dsn, MaxConnections: 4, RunMigrations: true})
		require.NoError(t, err)
		t.Cleanup(pool.Close)

		s["postgres"] = NewPostgresStore(pool, nil)
	}

	return s
}

func newDeployment(status schemas.DeploymentStatus) schemas.Deployment {
	return schemas.Deployment{
		ID:          uuid.NewString(),
		ProjectID:   "payments",
		Name:        "release",
		Environment: schemas.EnvironmentProd,
		Version:     "v1.2.3",
		Status:      status,
		AuthorID:    "alice",
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
}

func TestDeploymentsCAS(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := newDeployment(schemas.DeploymentStatusPending)
			require.NoError(t, s.CreateDeployment(ctx, d))
			assert.ErrorIs(t, s.CreateDeployment(ctx, d), ErrAlreadyExists)

			got, err := s.GetDeployment(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, schemas.DeploymentStatusPending, got.Status)
			assert.Equal(t, uint64(0), got.Revision)

			got.Status = schemas.DeploymentStatusApproved
			updated, err := s.UpdateDeployment(ctx, got)
			require.NoError(t, err)
			assert.Equal(t, uint64(1), updated.Revision)

			// writing from the stale snapshot loses
			stale := got
			stale.Status = schemas.DeploymentStatusRejected
			_, err = s.UpdateDeployment(ctx, stale)
			assert.ErrorIs(t, err, ErrRevisionConflict)

			got, err = s.GetDeployment(ctx, d.ID)
			require.NoError(t, err)
			assert.Equal(t, schemas.DeploymentStatusApproved, got.Status)

			_, err = s.UpdateDeployment(ctx, newDeployment(schemas.DeploymentStatusPending))
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = s.GetDeployment(ctx, "unknown")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestDeploymentsConcurrentUpdates(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := newDeployment(schemas.DeploymentStatusDeploying)
			require.NoError(t, s.CreateDeployment(ctx, d))

			var (
				wg        sync.WaitGroup
				mu        sync.Mutex
				successes int
			)

			for _, status := range []schemas.DeploymentStatus{schemas.DeploymentStatusSuccess, schemas.DeploymentStatusFailed} {
				wg.Add(1)
				go func(status schemas.DeploymentStatus) {
					defer wg.Done()

					next := d.Clone()
					next.Status = status
					if _, err := s.UpdateDeployment(ctx, next); err == nil {
						mu.Lock()
						successes++
						mu.Unlock()
					}
				}(status)
			}

			wg.Wait()
			assert.Equal(t, 1, successes)
		})
	}
}

func TestDeploymentsListing(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			first := newDeployment(schemas.DeploymentStatusDeploying)
			second := newDeployment(schemas.DeploymentStatusDeploying)
			second.CreatedAt = first.CreatedAt.Add(time.Second)
			scheduled := newDeployment(schemas.DeploymentStatusScheduled)

			for _, d := range []schemas.Deployment{second, scheduled, first} {
				require.NoError(t, s.CreateDeployment(ctx, d))
			}

			deploying, err := s.Deployments(ctx, schemas.DeploymentStatusDeploying)
			require.NoError(t, err)

			ids := []string{}
			for _, d := range deploying {
				if d.ID == first.ID || d.ID == second.ID {
					ids = append(ids, d.ID)
				}
			}
			assert.Equal(t, []string{first.ID, second.ID}, ids)

			counts, err := s.DeploymentsCountByStatus(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, counts[schemas.DeploymentStatusDeploying], int64(2))
			assert.GreaterOrEqual(t, counts[schemas.DeploymentStatusScheduled], int64(1))
		})
	}
}

func TestApprovals(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := newDeployment(schemas.DeploymentStatusPending)
			require.NoError(t, s.CreateDeployment(ctx, d))

			approvals := []schemas.Approval{
				{ID: uuid.NewString(), ApproverID: "bob", Level: 2, Status: schemas.ApprovalStatusPending, CreatedAt: d.CreatedAt},
				{ID: uuid.NewString(), ApproverID: "alice", Level: 1, Status: schemas.ApprovalStatusPending, CreatedAt: d.CreatedAt},
			}

			created, err := s.CreateApprovals(ctx, d.ID, approvals)
			require.NoError(t, err)
			assert.True(t, created)

			created, err = s.CreateApprovals(ctx, d.ID, approvals)
			require.NoError(t, err)
			assert.False(t, created)

			stored, err := s.DeploymentApprovals(ctx, d.ID)
			require.NoError(t, err)
			require.Len(t, stored, 2)
			assert.Equal(t, "alice", stored[0].ApproverID)
			assert.Equal(t, d.ID, stored[0].DeploymentID)

			decidedAt := time.Now().UTC()
			a := stored[0]
			a.Status = schemas.ApprovalStatusApproved
			a.DecidedAt = &decidedAt
			require.NoError(t, s.UpdateApproval(ctx, a))

			a.Status = schemas.ApprovalStatusRejected
			assert.ErrorIs(t, s.UpdateApproval(ctx, a), ErrRevisionConflict)

			got, err := s.GetApproval(ctx, a.ID)
			require.NoError(t, err)
			assert.Equal(t, schemas.ApprovalStatusApproved, got.Status)

			_, err = s.GetApproval(ctx, "unknown")
			assert.ErrorIs(t, err, ErrNotFound)

			// approvals go away with their deployment
			require.NoError(t, s.DelDeployment(ctx, d.ID))
			_, err = s.GetApproval(ctx, a.ID)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestLogLines(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			d := newDeployment(schemas.DeploymentStatusDeploying)
			require.NoError(t, s.CreateDeployment(ctx, d))

			batch := func(ref schemas.JobRef, from, to int) (lines []schemas.LogLine) {
				for i := from; i < to; i++ {
					lines = append(lines, schemas.LogLine{
						JobRef:    ref,
						Offset:    i,
						Timestamp: time.Now().UTC(),
						Severity:  schemas.SeverityInfo,
						Text:      fmt.Sprintf("%s line %d", ref, i),
					})
				}
				return
			}

			appended, err := s.AppendLogLines(ctx, d.ID, append(batch("build#1", 0, 3), batch("deploy#2", 0, 2)...))
			require.NoError(t, err)
			assert.Equal(t, 5, appended)

			// the same lines again are ignored
			appended, err = s.AppendLogLines(ctx, d.ID, batch("build#1", 0, 3))
			require.NoError(t, err)
			assert.Equal(t, 0, appended)

			appended, err = s.AppendLogLines(ctx, d.ID, batch("build#1", 2, 4))
			require.NoError(t, err)
			assert.Equal(t, 1, appended)

			lines, err := s.LogLines(ctx, d.ID, 0)
			require.NoError(t, err)
			require.Len(t, lines, 6)

			for i, l := range lines {
				assert.Equal(t, int64(i+1), l.Seq)
			}
			assert.Equal(t, "build#1 line 0", lines[0].Text)
			assert.Equal(t, schemas.JobRef("deploy#2"), lines[3].JobRef)
			assert.Equal(t, "build#1 line 3", lines[5].Text)

			tail, err := s.LogLines(ctx, d.ID, 4)
			require.NoError(t, err)
			require.Len(t, tail, 2)
			assert.Equal(t, int64(5), tail[0].Seq)

			empty, err := s.LogLines(ctx, d.ID, 10)
			require.NoError(t, err)
			assert.Empty(t, empty)
		})
	}
}

func TestNotifications(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			user := uuid.NewString()
			now := time.Now().UTC()
			past := now.Add(-time.Hour)
			future := now.Add(time.Hour)

			for i, expiresAt := range []*time.Time{nil, &future, &past} {
				require.NoError(t, s.AddNotification(ctx, schemas.Notification{
					ID:           uuid.NewString(),
					UserID:       user,
					EventID:      uuid.NewString(),
					Kind:         schemas.EventKindDeploymentStarted,
					Title:        fmt.Sprintf("notification %d", i),
					ResourceType: schemas.ResourceTypeDeployment,
					ResourceID:   "d1",
					CreatedAt:    now.Add(time.Duration(i) * time.Minute),
					ExpiresAt:    expiresAt,
				}))
			}

			feed, err := s.Notifications(ctx, user)
			require.NoError(t, err)
			require.Len(t, feed, 2)
			assert.Equal(t, "notification 1", feed[0].Title)
			assert.Equal(t, "notification 0", feed[1].Title)

			deleted, err := s.DelExpiredNotifications(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, deleted, int64(1))

			feed, err = s.Notifications(ctx, user)
			require.NoError(t, err)
			assert.Len(t, feed, 2)
		})
	}
}

func TestNewSeedsDirectory(t *testing.T) {
	ctx := context.Background()

	s := New(ctx, nil, nil,
		[]config.Project{{ID: "payments", Name: "Payments", CreatorID: "carol", Jobs: []string{"deploy"}}},
		[]config.User{{ID: "carol", Email: "carol@example.com"}},
	)
	require.IsType(t, &Local{}, s)

	p, err := s.GetProject(ctx, "payments")
	require.NoError(t, err)
	assert.Equal(t, "carol", p.CreatorID)

	exists, err := s.UserExists(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, exists)

	_, err = s.GetUser(ctx, "dave")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTasks(t *testing.T) {
	ctx := context.Background()

	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			id := uuid.NewString()

			set, err := s.QueueTask(ctx, schemas.TaskTypePollDeployment, id, "process")
			require.NoError(t, err)
			assert.True(t, set)

			set, err = s.QueueTask(ctx, schemas.TaskTypePollDeployment, id, "process")
			require.NoError(t, err)
			assert.False(t, set)

			count, err := s.CurrentlyQueuedTasksCount(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, count, uint64(1))

			require.NoError(t, s.UnqueueTask(ctx, schemas.TaskTypePollDeployment, id))

			executed, err := s.ExecutedTasksCount(ctx)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, executed, uint64(1))
		})
	}
}

func TestRedisQueueTaskTakesOverDeadProcess(t *testing.T) {
	ctx := context.Background()
	r := newTestRedisStore(t)

	set, err := r.QueueTask(ctx, schemas.TaskTypeGarbageCollect, "_", "dead")
	require.NoError(t, err)
	require.True(t, set)

	// the other process has no keepalive
	set, err = r.QueueTask(ctx, schemas.TaskTypeGarbageCollect, "_", "alive")
	require.NoError(t, err)
	assert.True(t, set)

	_, err = r.SetKeepalive(ctx, "alive", time.Minute)
	require.NoError(t, err)

	set, err = r.QueueTask(ctx, schemas.TaskTypeGarbageCollect, "_", "other")
	require.NoError(t, err)
	assert.False(t, set)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsTransient(fmt.Errorf("reading: %w", redis.ErrClosed)))
	assert.False(t, IsTransient(ErrNotFound))
	assert.False(t, IsTransient(nil))
}
