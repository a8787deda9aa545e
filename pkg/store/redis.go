package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Constants for Redis keys
const (
	redisDeploymentKey          string = "deployment"
	redisDeploymentsStatusKey   string = "deployments"
	redisApprovalKey            string = "approval"
	redisDeploymentApprovalsKey string = "deployment_approvals"
	redisDeploymentLogsKey      string = "deployment_logs"
	redisDeploymentLogKeysKey   string = "deployment_log_keys"
	redisNotificationsKey       string = "notifications"
	redisProjectsKey            string = "projects"
	redisUsersKey               string = "users"
	redisTaskKey                string = "task"
	redisTasksExecutedCountKey  string = "tasksExecutedCount"
	redisKeepaliveKey           string = "keepalive"
)

// appendLogLinesScript pushes each payload whose key was not seen yet.
// KEYS[1] is the stream list, KEYS[2] the set of known line keys,
// ARGV alternates line keys and payloads.
var appendLogLinesScript = redis.NewScript(`
local appended = 0
for i = 1, #ARGV, 2 do
	if redis.call('SADD', KEYS[2], ARGV[i]) == 1 then
		redis.call('RPUSH', KEYS[1], ARGV[i + 1])
		appended = appended + 1
	end
end
return appended
`)

// Redis represents a Redis client wrapper.
type Redis struct {
	*redis.Client
}

func redisKey(prefix, id string) string {
	return fmt.Sprintf("%s:%s", prefix, id)
}

// CreateDeployment stores a new deployment and indexes its status.
func (r *Redis) CreateDeployment(ctx context.Context, d schemas.Deployment) error {
	marshalledDeployment, err := msgpack.Marshal(d)
	if err != nil {
		return err
	}

	set, err := r.SetNX(ctx, redisKey(redisDeploymentKey, d.ID), marshalledDeployment, 0).Result()
	if err != nil {
		return err
	}

	if !set {
		return ErrAlreadyExists
	}

	return r.HSet(ctx, redisDeploymentsStatusKey, d.ID, string(d.Status)).Err()
}

// GetDeployment retrieves a deployment from Redis.
func (r *Redis) GetDeployment(ctx context.Context, id string) (d schemas.Deployment, err error) {
	marshalledDeployment, err := r.Get(ctx, redisKey(redisDeploymentKey, id)).Bytes()
	if err == redis.Nil {
		return d, ErrNotFound
	}

	if err != nil {
		return
	}

	err = msgpack.Unmarshal(marshalledDeployment, &d)

	return
}

// UpdateDeployment replaces the stored deployment within a WATCH transaction,
// provided its revision did not move.
func (r *Redis) UpdateDeployment(ctx context.Context, d schemas.Deployment) (updated schemas.Deployment, err error) {
	k := redisKey(redisDeploymentKey, d.ID)

	err = r.Watch(ctx, func(tx *redis.Tx) error {
		marshalledDeployment, err := tx.Get(ctx, k).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}

		if err != nil {
			return err
		}

		var stored schemas.Deployment
		if err = msgpack.Unmarshal(marshalledDeployment, &stored); err != nil {
			return err
		}

		if stored.Revision != d.Revision {
			return ErrRevisionConflict
		}

		updated = d.Clone()
		updated.Revision++

		if marshalledDeployment, err = msgpack.Marshal(updated); err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, marshalledDeployment, 0)
			pipe.HSet(ctx, redisDeploymentsStatusKey, d.ID, string(updated.Status))
			return nil
		})

		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		err = ErrRevisionConflict
	}

	return
}

// DelDeployment deletes a deployment with its approvals and log stream.
func (r *Redis) DelDeployment(ctx context.Context, id string) error {
	approvalIDs, err := r.SMembers(ctx, redisKey(redisDeploymentApprovalsKey, id)).Result()
	if err != nil {
		return err
	}

	keys := []string{
		redisKey(redisDeploymentKey, id),
		redisKey(redisDeploymentApprovalsKey, id),
		redisKey(redisDeploymentLogsKey, id),
		redisKey(redisDeploymentLogKeysKey, id),
	}

	for _, aid := range approvalIDs {
		keys = append(keys, redisKey(redisApprovalKey, aid))
	}

	_, err = r.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.HDel(ctx, redisDeploymentsStatusKey, id)
		return nil
	})

	return err
}

// Deployments returns the deployments having one of the given statuses, or all of them,
// ordered by creation time.
func (r *Redis) Deployments(ctx context.Context, statuses ...schemas.DeploymentStatus) ([]schemas.Deployment, error) {
	index, err := r.HGetAll(ctx, redisDeploymentsStatusKey).Result()
	if err != nil {
		return nil, err
	}

	keys := []string{}
	for id, status := range index {
		if matchStatus(schemas.DeploymentStatus(status), statuses) {
			keys = append(keys, redisKey(redisDeploymentKey, id))
		}
	}

	deployments := schemas.Deployments{}
	if len(keys) == 0 {
		return deployments.Sorted(), nil
	}

	values, err := r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			// deleted between the index read and the fetch
			continue
		}

		d := schemas.Deployment{}
		if err = msgpack.Unmarshal([]byte(s), &d); err != nil {
			return nil, err
		}

		// the index may lag behind a concurrent update
		if matchStatus(d.Status, statuses) {
			deployments[d.ID] = d
		}
	}

	return deployments.Sorted(), nil
}

// DeploymentsCountByStatus counts the deployments in each status.
func (r *Redis) DeploymentsCountByStatus(ctx context.Context) (map[schemas.DeploymentStatus]int64, error) {
	index, err := r.HGetAll(ctx, redisDeploymentsStatusKey).Result()
	if err != nil {
		return nil, err
	}

	counts := make(map[schemas.DeploymentStatus]int64)
	for _, status := range index {
		counts[schemas.DeploymentStatus(status)]++
	}

	return counts, nil
}

// CreateApprovals stores the approval records of a deployment, once.
func (r *Redis) CreateApprovals(ctx context.Context, deploymentID string, approvals []schemas.Approval) (created bool, err error) {
	setKey := redisKey(redisDeploymentApprovalsKey, deploymentID)

	err = r.Watch(ctx, func(tx *redis.Tx) error {
		count, err := tx.SCard(ctx, setKey).Result()
		if err != nil {
			return err
		}

		if count > 0 {
			return nil
		}

		marshalled := make(map[string][]byte, len(approvals))
		for _, a := range approvals {
			a.DeploymentID = deploymentID
			if marshalled[a.ID], err = msgpack.Marshal(a); err != nil {
				return err
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for id, m := range marshalled {
				pipe.Set(ctx, redisKey(redisApprovalKey, id), m, 0)
				pipe.SAdd(ctx, setKey, id)
			}
			return nil
		})

		created = err == nil

		return err
	}, setKey)

	if errors.Is(err, redis.TxFailedErr) {
		// a concurrent call created them first
		return false, nil
	}

	return
}

// GetApproval retrieves an approval from Redis.
func (r *Redis) GetApproval(ctx context.Context, id string) (a schemas.Approval, err error) {
	marshalledApproval, err := r.Get(ctx, redisKey(redisApprovalKey, id)).Bytes()
	if err == redis.Nil {
		return a, ErrNotFound
	}

	if err != nil {
		return
	}

	err = msgpack.Unmarshal(marshalledApproval, &a)

	return
}

// UpdateApproval records a decision on a still pending approval.
func (r *Redis) UpdateApproval(ctx context.Context, a schemas.Approval) error {
	k := redisKey(redisApprovalKey, a.ID)

	err := r.Watch(ctx, func(tx *redis.Tx) error {
		stored, err := tx.Get(ctx, k).Bytes()
		if err == redis.Nil {
			return ErrNotFound
		}

		if err != nil {
			return err
		}

		var current schemas.Approval
		if err = msgpack.Unmarshal(stored, &current); err != nil {
			return err
		}

		if current.Status != schemas.ApprovalStatusPending {
			return ErrRevisionConflict
		}

		marshalledApproval, err := msgpack.Marshal(a)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, marshalledApproval, 0)
			return nil
		})

		return err
	}, k)

	if errors.Is(err, redis.TxFailedErr) {
		return ErrRevisionConflict
	}

	return err
}

// DeploymentApprovals returns the approvals of a deployment, sorted by level.
func (r *Redis) DeploymentApprovals(ctx context.Context, deploymentID string) ([]schemas.Approval, error) {
	ids, err := r.SMembers(ctx, redisKey(redisDeploymentApprovalsKey, deploymentID)).Result()
	if err != nil || len(ids) == 0 {
		return nil, err
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, redisKey(redisApprovalKey, id))
	}

	values, err := r.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	approvals := make([]schemas.Approval, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}

		a := schemas.Approval{}
		if err = msgpack.Unmarshal([]byte(s), &a); err != nil {
			return nil, err
		}

		approvals = append(approvals, a)
	}

	schemas.SortApprovals(approvals)

	return approvals, nil
}

// AppendLogLines appends unseen lines to the log stream of a deployment.
// The sequence number of a line is its position in the list, so it is not marshalled.
func (r *Redis) AppendLogLines(ctx context.Context, deploymentID string, lines []schemas.LogLine) (int, error) {
	if len(lines) == 0 {
		return 0, nil
	}

	args := make([]interface{}, 0, len(lines)*2)
	for _, line := range lines {
		line.Seq = 0

		marshalledLine, err := msgpack.Marshal(line)
		if err != nil {
			return 0, err
		}

		args = append(args, line.Key(), marshalledLine)
	}

	return appendLogLinesScript.Run(
		ctx,
		r.Client,
		[]string{
			redisKey(redisDeploymentLogsKey, deploymentID),
			redisKey(redisDeploymentLogKeysKey, deploymentID),
		},
		args...,
	).Int()
}

// LogLines returns the log lines of a deployment following the given sequence number.
func (r *Redis) LogLines(ctx context.Context, deploymentID string, after int64) ([]schemas.LogLine, error) {
	if after < 0 {
		after = 0
	}

	values, err := r.LRange(ctx, redisKey(redisDeploymentLogsKey, deploymentID), after, -1).Result()
	if err != nil {
		return nil, err
	}

	lines := make([]schemas.LogLine, 0, len(values))
	for i, v := range values {
		line := schemas.LogLine{}
		if err = msgpack.Unmarshal([]byte(v), &line); err != nil {
			return nil, err
		}

		line.Seq = after + int64(i) + 1
		lines = append(lines, line)
	}

	return lines, nil
}

// AddNotification stores a feed item in the hash of its recipient.
func (r *Redis) AddNotification(ctx context.Context, n schemas.Notification) error {
	marshalledNotification, err := msgpack.Marshal(n)
	if err != nil {
		return err
	}

	return r.HSet(ctx, redisKey(redisNotificationsKey, n.UserID), n.ID, marshalledNotification).Err()
}

// Notifications returns the unexpired feed of a user, newest first.
func (r *Redis) Notifications(ctx context.Context, userID string) ([]schemas.Notification, error) {
	marshalledNotifications, err := r.HGetAll(ctx, redisKey(redisNotificationsKey, userID)).Result()
	if err != nil {
		return nil, err
	}

	now := time.Now()
	notifications := []schemas.Notification{}
	for _, m := range marshalledNotifications {
		n := schemas.Notification{}
		if err = msgpack.Unmarshal([]byte(m), &n); err != nil {
			return nil, err
		}

		if !n.Expired(now) {
			notifications = append(notifications, n)
		}
	}

	sortNotifications(notifications)

	return notifications, nil
}

// DelExpiredNotifications scans every feed and removes the items that expired.
func (r *Redis) DelExpiredNotifications(ctx context.Context) (count int64, err error) {
	now := time.Now()

	iter := r.Scan(ctx, 0, fmt.Sprintf("%s:*", redisNotificationsKey), 0).Iterator()
	for iter.Next(ctx) {
		k := iter.Val()

		var feed map[string]string
		if feed, err = r.HGetAll(ctx, k).Result(); err != nil {
			return
		}

		expired := []string{}
		for id, m := range feed {
			n := schemas.Notification{}
			if err = msgpack.Unmarshal([]byte(m), &n); err != nil {
				return
			}

			if n.Expired(now) {
				expired = append(expired, id)
			}
		}

		if len(expired) > 0 {
			var deleted int64
			if deleted, err = r.HDel(ctx, k, expired...).Result(); err != nil {
				return
			}
			count += deleted
		}
	}

	err = iter.Err()

	return
}

// SetProject stores a project in Redis.
func (r *Redis) SetProject(ctx context.Context, p schemas.Project) error {
	marshalledProject, err := msgpack.Marshal(p)
	if err != nil {
		return err
	}

	return r.HSet(ctx, redisProjectsKey, p.ID, marshalledProject).Err()
}

// GetProject retrieves a project from Redis.
func (r *Redis) GetProject(ctx context.Context, id string) (p schemas.Project, err error) {
	marshalledProject, err := r.HGet(ctx, redisProjectsKey, id).Bytes()
	if err == redis.Nil {
		return p, ErrNotFound
	}

	if err != nil {
		return
	}

	err = msgpack.Unmarshal(marshalledProject, &p)

	return
}

// ProjectExists checks if a project exists in Redis.
func (r *Redis) ProjectExists(ctx context.Context, id string) (bool, error) {
	return r.HExists(ctx, redisProjectsKey, id).Result()
}

// SetUser stores a user in Redis.
func (r *Redis) SetUser(ctx context.Context, u schemas.User) error {
	marshalledUser, err := msgpack.Marshal(u)
	if err != nil {
		return err
	}

	return r.HSet(ctx, redisUsersKey, u.ID, marshalledUser).Err()
}

// GetUser retrieves a user from Redis.
func (r *Redis) GetUser(ctx context.Context, id string) (u schemas.User, err error) {
	marshalledUser, err := r.HGet(ctx, redisUsersKey, id).Bytes()
	if err == redis.Nil {
		return u, ErrNotFound
	}

	if err != nil {
		return
	}

	err = msgpack.Unmarshal(marshalledUser, &u)

	return
}

// UserExists checks if a user exists in Redis.
func (r *Redis) UserExists(ctx context.Context, id string) (bool, error) {
	return r.HExists(ctx, redisUsersKey, id).Result()
}

// SetKeepalive sets a key with a UUID corresponding to the currently running process.
func (r *Redis) SetKeepalive(ctx context.Context, uuid string, ttl time.Duration) (bool, error) {
	return r.SetNX(ctx, redisKey(redisKeepaliveKey, uuid), nil, ttl).Result()
}

// KeepaliveExists returns whether a keepalive exists or not for a particular UUID.
func (r *Redis) KeepaliveExists(ctx context.Context, uuid string) (bool, error) {
	exists, err := r.Exists(ctx, redisKey(redisKeepaliveKey, uuid)).Result()
	return exists == 1, err
}

// getRedisQueueKey generates a Redis key for a task.
func getRedisQueueKey(tt schemas.TaskType, taskUUID string) string {
	return fmt.Sprintf("%s:%v:%s", redisTaskKey, tt, taskUUID)
}

// QueueTask registers that we are queueing the task.
// It returns true if it managed to schedule it, false if it was already scheduled.
// A task held by a process whose keepalive expired is taken over.
func (r *Redis) QueueTask(ctx context.Context, tt schemas.TaskType, taskUUID, processUUID string) (set bool, err error) {
	k := getRedisQueueKey(tt, taskUUID)

	set, err = r.SetNX(ctx, k, processUUID, 0).Result()
	if err != nil || set {
		return
	}

	var tpuuid string
	if tpuuid, err = r.Get(ctx, k).Result(); err != nil {
		return
	}

	if tpuuid != processUUID {
		var uuidIsAlive bool
		if uuidIsAlive, err = r.KeepaliveExists(ctx, tpuuid); err != nil {
			return
		}

		if !uuidIsAlive {
			if _, err = r.Set(ctx, k, processUUID, 0).Result(); err != nil {
				return
			}
			return true, nil
		}
	}

	return
}

// UnqueueTask removes the task from the tracker.
func (r *Redis) UnqueueTask(ctx context.Context, tt schemas.TaskType, taskUUID string) (err error) {
	var matched int64

	matched, err = r.Del(ctx, getRedisQueueKey(tt, taskUUID)).Result()
	if err != nil {
		return
	}

	if matched > 0 {
		_, err = r.Incr(ctx, redisTasksExecutedCountKey).Result()
	}

	return
}

// CurrentlyQueuedTasksCount returns the count of currently queued tasks.
func (r *Redis) CurrentlyQueuedTasksCount(ctx context.Context) (count uint64, err error) {
	iter := r.Scan(ctx, 0, fmt.Sprintf("%s:*", redisTaskKey), 0).Iterator()
	for iter.Next(ctx) {
		count++
	}

	err = iter.Err()
	return
}

// ExecutedTasksCount returns the count of executed tasks.
func (r *Redis) ExecutedTasksCount(ctx context.Context) (uint64, error) {
	countString, err := r.Get(ctx, redisTasksExecutedCountKey).Result()
	if err == redis.Nil {
		return 0, nil
	}

	if err != nil {
		return 0, err
	}

	var c uint64
	_, err = fmt.Sscan(countString, &c)

	return c, err
}
