package buildserver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

type fakeRunner struct {
	mu       sync.Mutex
	nextID   int
	failOn   string
	statuses map[string]Status
	errs     map[string]error
	cancel   map[string]error
	canceled []string

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		statuses: map[string]Status{},
		errs:     map[string]error{},
		cancel:   map[string]error{},
	}
}

func (f *fakeRunner) Enqueue(_ context.Context, jobName string, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if jobName == f.failOn {
		return "", errors.New("connection refused")
	}

	f.nextID++

	return fmt.Sprintf("%d", f.nextID), nil
}

func (f *fakeRunner) Status(_ context.Context, h Handle) (Status, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	for {
		m := f.maxInFlight.Load()
		if n <= m || f.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	time.Sleep(5 * time.Millisecond)

	f.mu.Lock()
	defer f.mu.Unlock()

	if err, ok := f.errs[h.QueueID]; ok {
		return Status{}, err
	}

	return f.statuses[h.QueueID], nil
}

func (f *fakeRunner) Cancel(_ context.Context, h Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.canceled = append(f.canceled, h.QueueID)

	return f.cancel[h.QueueID]
}

func newTestAdapter(r Runner) *Adapter {
	return NewAdapter(r, AdapterConfig{
		CallTimeout:        time.Second,
		GracePeriod:        time.Minute,
		MaxConcurrentCalls: 2,
	}, nil)
}

func TestSubmit(t *testing.T) {
	a := newTestAdapter(newFakeRunner())

	jobs, err := a.Submit(context.Background(), []string{"build", "deploy"}, map[string]string{"VERSION": "1.0.0"}, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	assert.Equal(t, schemas.JobRef("build#1"), jobs[0].Ref)
	assert.Equal(t, schemas.JobRef("deploy#2"), jobs[1].Ref)
	assert.Equal(t, schemas.JobStateQueued, jobs[1].State)
}

func TestSubmitFailureKeepsSubmittedJobs(t *testing.T) {
	r := newFakeRunner()
	r.failOn = "deploy"
	a := newTestAdapter(r)

	jobs, err := a.Submit(context.Background(), []string{"build", "deploy", "smoke"}, nil, 0)
	require.Error(t, err)

	var submitErr *SubmitError
	require.ErrorAs(t, err, &submitErr)
	assert.Equal(t, "deploy", submitErr.JobName)
	require.Len(t, submitErr.Submitted, 1)
	assert.Equal(t, "build", submitErr.Submitted[0].Name)
	assert.Len(t, jobs, 1)
}

func TestPollMergesLogsIncrementally(t *testing.T) {
	r := newFakeRunner()
	a := newTestAdapter(r)

	jobs, err := a.Submit(context.Background(), []string{"a", "b"}, nil, 0)
	require.NoError(t, err)

	r.statuses["1"] = Status{BuildNumber: 7, State: schemas.JobStateRunning, ConsoleLog: "a1\na2\na3\n"}
	r.statuses["2"] = Status{BuildNumber: 8, State: schemas.JobStateRunning, ConsoleLog: "b1\nb2\npartial"}

	res := a.Poll(context.Background(), jobs)
	assert.Empty(t, res.Errors)
	require.Len(t, res.Lines, 5)
	assert.Equal(t, schemas.JobRef("a#1"), res.Lines[0].JobRef)
	assert.Equal(t, schemas.JobRef("b#2"), res.Lines[4].JobRef)
	assert.Equal(t, 7, res.Jobs[0].BuildNumber)
	assert.NotNil(t, res.Jobs[0].StartedAt)
	assert.Equal(t, 3, res.Jobs[0].LogOffset)
	assert.Equal(t, 2, res.Jobs[1].LogOffset)

	// nothing new
	res = a.Poll(context.Background(), res.Jobs)
	assert.Empty(t, res.Lines)

	// the partial line completes along with the job
	r.statuses["2"] = Status{BuildNumber: 8, State: schemas.JobStateSuccess, ConsoleLog: "b1\nb2\npartial line\nERROR: done"}

	res = a.Poll(context.Background(), res.Jobs)
	require.Len(t, res.Lines, 2)
	assert.Equal(t, "partial line", res.Lines[0].Text)
	assert.Equal(t, 2, res.Lines[0].Offset)
	assert.Equal(t, schemas.SeverityError, res.Lines[1].Severity)
	assert.Equal(t, schemas.JobStateSuccess, res.Jobs[1].State)
}

func TestPollSkipsTerminalJobs(t *testing.T) {
	r := newFakeRunner()
	a := newTestAdapter(r)

	jobs := []schemas.Job{{Ref: "a#1", Name: "a", QueueID: "1", State: schemas.JobStateSuccess}}
	r.errs["1"] = errors.New("must not be called")

	res := a.Poll(context.Background(), jobs)
	assert.Empty(t, res.Errors)
	assert.Equal(t, jobs, res.Jobs)
}

func TestPollNotFoundGracePeriod(t *testing.T) {
	r := newFakeRunner()
	a := newTestAdapter(r)

	now := time.Now()
	a.Now = func() time.Time { return now }

	jobs := []schemas.Job{
		{Ref: "fresh#1", Name: "fresh", QueueID: "1", State: schemas.JobStateQueued, QueuedAt: now.Add(-time.Second)},
		{Ref: "stale#2", Name: "stale", QueueID: "2", State: schemas.JobStateQueued, QueuedAt: now.Add(-time.Hour)},
	}
	r.errs["1"] = ErrJobNotFound
	r.errs["2"] = ErrJobNotFound

	res := a.Poll(context.Background(), jobs)
	assert.Equal(t, schemas.JobStateQueued, res.Jobs[0].State)
	assert.ErrorIs(t, res.Errors["fresh#1"], ErrJobNotFound)
	assert.Equal(t, schemas.JobStateAborted, res.Jobs[1].State)
	assert.NotContains(t, res.Errors, schemas.JobRef("stale#2"))
}

func TestPollBoundsConcurrency(t *testing.T) {
	r := newFakeRunner()
	a := newTestAdapter(r)

	names := []string{"a", "b", "c", "d", "e", "f"}
	jobs, err := a.Submit(context.Background(), names, nil, 0)
	require.NoError(t, err)

	for i := range names {
		r.statuses[fmt.Sprintf("%d", i+1)] = Status{State: schemas.JobStateRunning}
	}

	a.Poll(context.Background(), jobs)
	assert.LessOrEqual(t, r.maxInFlight.Load(), int32(2))
}

func TestCancelAll(t *testing.T) {
	r := newFakeRunner()
	a := newTestAdapter(r)

	jobs := []schemas.Job{
		{Ref: "a#1", QueueID: "1", State: schemas.JobStateRunning},
		{Ref: "b#2", QueueID: "2", State: schemas.JobStateQueued},
		{Ref: "c#3", QueueID: "3", State: schemas.JobStateRunning},
		{Ref: "d#4", QueueID: "4", State: schemas.JobStateSuccess},
		{Ref: "e#5", QueueID: "5", State: schemas.JobStateRunning},
	}
	r.cancel["2"] = errors.New("timeout")
	r.cancel["3"] = ErrJobFinished
	r.cancel["5"] = ErrJobNotFound

	out, err := a.CancelAll(context.Background(), jobs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "b#2")

	assert.ElementsMatch(t, []string{"1", "2", "3", "5"}, r.canceled)
	assert.True(t, out[0].CancelRequested)
	assert.False(t, out[1].CancelRequested)
	assert.True(t, out[2].CancelRequested)
	assert.False(t, out[3].CancelRequested)
	assert.True(t, out[4].CancelRequested)
}

func TestConsoleLines(t *testing.T) {
	assert.Nil(t, consoleLines("", true))
	assert.Equal(t, []string{"a", "b"}, consoleLines("a\r\nb\r\n", false))
	assert.Equal(t, []string{"a"}, consoleLines("a\nb", false))
	assert.Equal(t, []string{"a", "b"}, consoleLines("a\nb", true))
}
