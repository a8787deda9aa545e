package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/exp/slices"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Local is a storage implementation that keeps all data in memory.
type Local struct {
	deploymentsMutex sync.RWMutex
	deployments      map[string]schemas.Deployment
	approvals        map[string]schemas.Approval

	logsMutex sync.RWMutex
	logs      map[string][]schemas.LogLine
	logKeys   map[string]map[string]struct{}

	notificationsMutex sync.RWMutex
	notifications      map[string]map[string]schemas.Notification // user id -> notification id

	directoryMutex sync.RWMutex
	projects       map[string]schemas.Project
	users          map[string]schemas.User

	tasksMutex         sync.RWMutex
	tasks              schemas.Tasks
	executedTasksCount uint64
}

// CreateDeployment stores a new deployment.
func (l *Local) CreateDeployment(_ context.Context, d schemas.Deployment) error {
	l.deploymentsMutex.Lock()
	defer l.deploymentsMutex.Unlock()

	if _, exists := l.deployments[d.ID]; exists {
		return ErrAlreadyExists
	}

	l.deployments[d.ID] = d.Clone()

	return nil
}

// GetDeployment returns a copy of the stored deployment.
func (l *Local) GetDeployment(_ context.Context, id string) (schemas.Deployment, error) {
	l.deploymentsMutex.RLock()
	defer l.deploymentsMutex.RUnlock()

	d, ok := l.deployments[id]
	if !ok {
		return schemas.Deployment{}, ErrNotFound
	}

	return d.Clone(), nil
}

// UpdateDeployment replaces the stored deployment if its revision did not move.
func (l *Local) UpdateDeployment(_ context.Context, d schemas.Deployment) (schemas.Deployment, error) {
	l.deploymentsMutex.Lock()
	defer l.deploymentsMutex.Unlock()

	stored, ok := l.deployments[d.ID]
	if !ok {
		return schemas.Deployment{}, ErrNotFound
	}

	if stored.Revision != d.Revision {
		return schemas.Deployment{}, ErrRevisionConflict
	}

	updated := d.Clone()
	updated.Revision++
	l.deployments[d.ID] = updated

	return updated.Clone(), nil
}

// DelDeployment deletes a deployment with its approvals and log stream.
func (l *Local) DelDeployment(_ context.Context, id string) error {
	l.deploymentsMutex.Lock()
	delete(l.deployments, id)
	for aid, a := range l.approvals {
		if a.DeploymentID == id {
			delete(l.approvals, aid)
		}
	}
	l.deploymentsMutex.Unlock()

	l.logsMutex.Lock()
	delete(l.logs, id)
	delete(l.logKeys, id)
	l.logsMutex.Unlock()

	return nil
}

// Deployments returns the deployments having one of the given statuses, or all of them,
// ordered by creation time.
func (l *Local) Deployments(_ context.Context, statuses ...schemas.DeploymentStatus) ([]schemas.Deployment, error) {
	l.deploymentsMutex.RLock()
	defer l.deploymentsMutex.RUnlock()

	deployments := schemas.Deployments{}
	for id, d := range l.deployments {
		if matchStatus(d.Status, statuses) {
			deployments[id] = d.Clone()
		}
	}

	return deployments.Sorted(), nil
}

// DeploymentsCountByStatus counts the deployments in each status.
func (l *Local) DeploymentsCountByStatus(_ context.Context) (map[schemas.DeploymentStatus]int64, error) {
	l.deploymentsMutex.RLock()
	defer l.deploymentsMutex.RUnlock()

	counts := make(map[schemas.DeploymentStatus]int64)
	for _, d := range l.deployments {
		counts[d.Status]++
	}

	return counts, nil
}

// CreateApprovals stores the approval records of a deployment, once.
func (l *Local) CreateApprovals(_ context.Context, deploymentID string, approvals []schemas.Approval) (bool, error) {
	l.deploymentsMutex.Lock()
	defer l.deploymentsMutex.Unlock()

	for _, a := range l.approvals {
		if a.DeploymentID == deploymentID {
			return false, nil
		}
	}

	for _, a := range approvals {
		a.DeploymentID = deploymentID
		l.approvals[a.ID] = a
	}

	return true, nil
}

// GetApproval returns an approval record.
func (l *Local) GetApproval(_ context.Context, id string) (schemas.Approval, error) {
	l.deploymentsMutex.RLock()
	defer l.deploymentsMutex.RUnlock()

	a, ok := l.approvals[id]
	if !ok {
		return schemas.Approval{}, ErrNotFound
	}

	return a, nil
}

// UpdateApproval records a decision on a still pending approval.
func (l *Local) UpdateApproval(_ context.Context, a schemas.Approval) error {
	l.deploymentsMutex.Lock()
	defer l.deploymentsMutex.Unlock()

	stored, ok := l.approvals[a.ID]
	if !ok {
		return ErrNotFound
	}

	if stored.Status != schemas.ApprovalStatusPending {
		return ErrRevisionConflict
	}

	l.approvals[a.ID] = a

	return nil
}

// DeploymentApprovals returns the approvals of a deployment, sorted by level.
func (l *Local) DeploymentApprovals(_ context.Context, deploymentID string) (approvals []schemas.Approval, err error) {
	l.deploymentsMutex.RLock()
	defer l.deploymentsMutex.RUnlock()

	for _, a := range l.approvals {
		if a.DeploymentID == deploymentID {
			approvals = append(approvals, a)
		}
	}

	schemas.SortApprovals(approvals)

	return
}

// AppendLogLines appends unseen lines to the log stream of a deployment.
func (l *Local) AppendLogLines(_ context.Context, deploymentID string, lines []schemas.LogLine) (appended int, err error) {
	l.logsMutex.Lock()
	defer l.logsMutex.Unlock()

	keys, ok := l.logKeys[deploymentID]
	if !ok {
		keys = make(map[string]struct{})
		l.logKeys[deploymentID] = keys
	}

	for _, line := range lines {
		k := line.Key()
		if _, seen := keys[k]; seen {
			continue
		}

		keys[k] = struct{}{}
		line.Seq = int64(len(l.logs[deploymentID]) + 1)
		l.logs[deploymentID] = append(l.logs[deploymentID], line)
		appended++
	}

	return
}

// LogLines returns the log lines of a deployment following the given sequence number.
func (l *Local) LogLines(_ context.Context, deploymentID string, after int64) ([]schemas.LogLine, error) {
	l.logsMutex.RLock()
	defer l.logsMutex.RUnlock()

	stream := l.logs[deploymentID]
	if after < 0 {
		after = 0
	}

	if after >= int64(len(stream)) {
		return []schemas.LogLine{}, nil
	}

	return append([]schemas.LogLine(nil), stream[after:]...), nil
}

// AddNotification stores a feed item.
func (l *Local) AddNotification(_ context.Context, n schemas.Notification) error {
	l.notificationsMutex.Lock()
	defer l.notificationsMutex.Unlock()

	if _, ok := l.notifications[n.UserID]; !ok {
		l.notifications[n.UserID] = make(map[string]schemas.Notification)
	}

	l.notifications[n.UserID][n.ID] = n

	return nil
}

// Notifications returns the unexpired feed of a user, newest first.
func (l *Local) Notifications(_ context.Context, userID string) ([]schemas.Notification, error) {
	l.notificationsMutex.RLock()
	defer l.notificationsMutex.RUnlock()

	now := time.Now()
	notifications := []schemas.Notification{}
	for _, n := range l.notifications[userID] {
		if !n.Expired(now) {
			notifications = append(notifications, n)
		}
	}

	sortNotifications(notifications)

	return notifications, nil
}

// DelExpiredNotifications removes the feed items that expired.
func (l *Local) DelExpiredNotifications(_ context.Context) (count int64, err error) {
	l.notificationsMutex.Lock()
	defer l.notificationsMutex.Unlock()

	now := time.Now()
	for _, feed := range l.notifications {
		for id, n := range feed {
			if n.Expired(now) {
				delete(feed, id)
				count++
			}
		}
	}

	return
}

// SetProject stores a project.
func (l *Local) SetProject(_ context.Context, p schemas.Project) error {
	l.directoryMutex.Lock()
	defer l.directoryMutex.Unlock()

	l.projects[p.ID] = p

	return nil
}

// GetProject retrieves a project.
func (l *Local) GetProject(_ context.Context, id string) (schemas.Project, error) {
	l.directoryMutex.RLock()
	defer l.directoryMutex.RUnlock()

	p, ok := l.projects[id]
	if !ok {
		return schemas.Project{}, ErrNotFound
	}

	return p, nil
}

// ProjectExists checks whether a project is known.
func (l *Local) ProjectExists(_ context.Context, id string) (bool, error) {
	l.directoryMutex.RLock()
	defer l.directoryMutex.RUnlock()

	_, ok := l.projects[id]

	return ok, nil
}

// SetUser stores a user.
func (l *Local) SetUser(_ context.Context, u schemas.User) error {
	l.directoryMutex.Lock()
	defer l.directoryMutex.Unlock()

	l.users[u.ID] = u

	return nil
}

// GetUser retrieves a user.
func (l *Local) GetUser(_ context.Context, id string) (schemas.User, error) {
	l.directoryMutex.RLock()
	defer l.directoryMutex.RUnlock()

	u, ok := l.users[id]
	if !ok {
		return schemas.User{}, ErrNotFound
	}

	return u, nil
}

// UserExists checks whether a user is known.
func (l *Local) UserExists(_ context.Context, id string) (bool, error) {
	l.directoryMutex.RLock()
	defer l.directoryMutex.RUnlock()

	_, ok := l.users[id]

	return ok, nil
}

// isTaskAlreadyQueued assesses if a task is already queued or not.
func (l *Local) isTaskAlreadyQueued(tt schemas.TaskType, uniqueID string) bool {
	l.tasksMutex.Lock()
	defer l.tasksMutex.Unlock()

	if l.tasks == nil {
		l.tasks = make(schemas.Tasks)
	}

	taskTypeQueue, ok := l.tasks[tt]
	if !ok {
		l.tasks[tt] = make(map[string]interface{})

		return false
	}

	_, alreadyQueued := taskTypeQueue[uniqueID]

	return alreadyQueued
}

// QueueTask registers that we are queueing the task.
// It returns true if it managed to schedule it, false if it was already scheduled.
func (l *Local) QueueTask(_ context.Context, tt schemas.TaskType, uniqueID, _ string) (bool, error) {
	if !l.isTaskAlreadyQueued(tt, uniqueID) {
		l.tasksMutex.Lock()
		defer l.tasksMutex.Unlock()

		l.tasks[tt][uniqueID] = nil

		return true, nil
	}

	return false, nil
}

// UnqueueTask removes the task from the tracker.
func (l *Local) UnqueueTask(_ context.Context, tt schemas.TaskType, uniqueID string) error {
	if l.isTaskAlreadyQueued(tt, uniqueID) {
		l.tasksMutex.Lock()
		defer l.tasksMutex.Unlock()

		delete(l.tasks[tt], uniqueID)

		l.executedTasksCount++
	}

	return nil
}

// CurrentlyQueuedTasksCount returns the count of currently queued tasks.
func (l *Local) CurrentlyQueuedTasksCount(_ context.Context) (count uint64, err error) {
	l.tasksMutex.RLock()
	defer l.tasksMutex.RUnlock()

	for _, t := range l.tasks {
		count += uint64(len(t))
	}

	return
}

// ExecutedTasksCount returns the count of executed tasks.
func (l *Local) ExecutedTasksCount(_ context.Context) (uint64, error) {
	l.tasksMutex.RLock()
	defer l.tasksMutex.RUnlock()

	return l.executedTasksCount, nil
}

func matchStatus(s schemas.DeploymentStatus, statuses []schemas.DeploymentStatus) bool {
	if len(statuses) == 0 {
		return true
	}

	return slices.Contains(statuses, s)
}

func sortNotifications(n []schemas.Notification) {
	sort.Slice(n, func(i, j int) bool {
		if n[i].CreatedAt.Equal(n[j].CreatedAt) {
			return n[i].ID > n[j].ID
		}
		return n[i].CreatedAt.After(n[j].CreatedAt)
	})
}
