package controller

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/buildserver"
	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

// fakeRunner is an in-memory build server.
type fakeRunner struct {
	mu        sync.Mutex
	next      int
	failOn    map[string]error
	jobs      map[string]buildserver.Status
	params    map[string]map[string]string
	cancelled []string
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		failOn: map[string]error{},
		jobs:   map[string]buildserver.Status{},
		params: map[string]map[string]string{},
	}
}

func (r *fakeRunner) Enqueue(_ context.Context, jobName string, params map[string]string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.failOn[jobName]; err != nil {
		return "", err
	}

	r.next++
	id := strconv.Itoa(r.next)
	r.jobs[id] = buildserver.Status{State: schemas.JobStateQueued}
	r.params[jobName] = params

	return id, nil
}

func (r *fakeRunner) Status(_ context.Context, h buildserver.Handle) (buildserver.Status, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.jobs[h.QueueID]
	if !ok {
		return s, buildserver.ErrJobNotFound
	}

	return s, nil
}

func (r *fakeRunner) Cancel(_ context.Context, h buildserver.Handle) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.jobs[h.QueueID]
	if !ok {
		return buildserver.ErrJobNotFound
	}

	if s.State.Terminal() {
		return buildserver.ErrJobFinished
	}

	r.cancelled = append(r.cancelled, h.QueueID)
	s.State = schemas.JobStateAborted
	r.jobs[h.QueueID] = s

	return nil
}

func (r *fakeRunner) set(queueID string, state schemas.JobState, console string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[queueID] = buildserver.Status{BuildNumber: 1, State: state, ConsoleLog: console}
}

func (r *fakeRunner) setAll(state schemas.JobState) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, s := range r.jobs {
		if !s.State.Terminal() {
			r.jobs[id] = buildserver.Status{BuildNumber: 1, State: state}
		}
	}
}

// recordingPublisher keeps every published event.
type recordingPublisher struct {
	mu     sync.Mutex
	events []schemas.Event
}

func (p *recordingPublisher) Publish(_ context.Context, e schemas.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.events = append(p.events, e)
}

func (p *recordingPublisher) count(k schemas.EventKind) (n int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, e := range p.events {
		if e.Kind == k {
			n++
		}
	}

	return
}

func (p *recordingPublisher) last(k schemas.EventKind) (e schemas.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, v := range p.events {
		if v.Kind == k {
			e = v
		}
	}

	return
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Add(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

type testEnv struct {
	c         *Controller
	runner    *fakeRunner
	publisher *recordingPublisher
	clock     *testClock
}

func newTestController(t *testing.T) testEnv {
	t.Helper()

	ctx := context.Background()
	s := store.NewLocalStore()

	require.NoError(t, s.SetProject(ctx, schemas.Project{Project: config.Project{
		ID:                 "shop",
		Name:               "shop",
		CreatorID:          "owner",
		Jobs:               []string{"build", "deploy"},
		RequireApprovalFor: []string{"prod"},
	}}))

	for _, u := range []string{"owner", "author", "alice", "bob"} {
		require.NoError(t, s.SetUser(ctx, schemas.User{User: config.User{ID: u, Name: u}}))
	}

	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	runner := newFakeRunner()
	publisher := &recordingPublisher{}

	jobs := buildserver.NewAdapter(runner, buildserver.AdapterConfig{
		GracePeriod:        time.Minute,
		MaxConcurrentCalls: 2,
	}, nil)
	jobs.Now = clock.Now

	return testEnv{
		c: &Controller{
			Store:    s,
			Runner:   runner,
			Jobs:     jobs,
			Notifier: publisher,
			UUID:     uuid.New(),
			Now:      clock.Now,
		},
		runner:    runner,
		publisher: publisher,
		clock:     clock,
	}
}

// replica returns another controller of the same cluster, reading and writing s.
func (env testEnv) replica(s store.Store) *Controller {
	return &Controller{
		Store:    s,
		Runner:   env.runner,
		Jobs:     env.c.Jobs,
		Notifier: env.publisher,
		UUID:     uuid.New(),
		Now:      env.clock.Now,
	}
}

// barrierStore holds the first parties calls to DeploymentApprovals until all
// of them arrived.
type barrierStore struct {
	store.Store

	mu      sync.Mutex
	arrived int
	parties int
	release chan struct{}
}

func newBarrierStore(s store.Store, parties int) *barrierStore {
	return &barrierStore{Store: s, parties: parties, release: make(chan struct{})}
}

func (s *barrierStore) DeploymentApprovals(ctx context.Context, deploymentID string) ([]schemas.Approval, error) {
	s.mu.Lock()
	s.arrived++
	n := s.arrived
	if n == s.parties {
		close(s.release)
	}
	s.mu.Unlock()

	if n <= s.parties {
		<-s.release
	}

	return s.Store.DeploymentApprovals(ctx, deploymentID)
}

// interleavingStore runs before once, ahead of the next deployment update.
type interleavingStore struct {
	store.Store

	before func()
}

func (s *interleavingStore) UpdateDeployment(ctx context.Context, d schemas.Deployment) (schemas.Deployment, error) {
	if before := s.before; before != nil {
		s.before = nil
		before()
	}

	return s.Store.UpdateDeployment(ctx, d)
}

func approvalOf(t *testing.T, c *Controller, deploymentID, userID string) schemas.Approval {
	t.Helper()

	approvals, err := c.Store.DeploymentApprovals(context.Background(), deploymentID)
	require.NoError(t, err)

	for _, a := range approvals {
		if a.ApproverID == userID {
			return a
		}
	}

	require.FailNow(t, fmt.Sprintf("no approval for %s", userID))

	return schemas.Approval{}
}

func createUngated(t *testing.T, env testEnv) schemas.Deployment {
	t.Helper()

	d, err := env.c.CreateDeployment(context.Background(), DeploymentSpec{
		ProjectID:   "shop",
		Environment: schemas.EnvironmentDev,
		Version:     "1.1",
		AuthorID:    "author",
	})
	require.NoError(t, err)

	return d
}

func TestCanonicalVersion(t *testing.T) {
	assert.Equal(t, "1.2.0", canonicalVersion("1.2"))
	assert.Equal(t, "v1.2.3", canonicalVersion(" v1.2.3 "))
	assert.Equal(t, "release-42", canonicalVersion("release-42"))
	assert.Equal(t, "", canonicalVersion(""))
}

func TestJobParameters(t *testing.T) {
	d := schemas.Deployment{
		ID:              "d1",
		Environment:     schemas.EnvironmentProd,
		Version:         "2.0.0",
		BuildParameters: map[string]string{"REGION": "eu", "VERSION": "overridden"},
		Attempt:         1,
		Rollback:        &schemas.Rollback{TargetVersion: "1.0.0", Reason: "broken"},
	}

	p := jobParameters(d, map[string]string{"DRY_RUN": "true"})

	assert.Equal(t, map[string]string{
		"REGION":          "eu",
		"DRY_RUN":         "true",
		"DEPLOYMENT_ID":   "d1",
		"ENVIRONMENT":     "prod",
		"VERSION":         "2.0.0",
		"TARGET_VERSION":  "1.0.0",
		"ROLLBACK_REASON": "broken",
	}, p)
}

func TestMergeJobs(t *testing.T) {
	all := []schemas.Job{{Ref: "a#1", State: schemas.JobStateQueued}, {Ref: "b#2", State: schemas.JobStateQueued}}
	merged := mergeJobs(all, []schemas.Job{{Ref: "b#2", State: schemas.JobStateSuccess}})

	assert.Equal(t, schemas.JobStateQueued, merged[0].State)
	assert.Equal(t, schemas.JobStateSuccess, merged[1].State)
	assert.Equal(t, schemas.JobStateQueued, all[1].State)
}
