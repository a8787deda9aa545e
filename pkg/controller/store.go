package controller

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/helvethink/deploy-orchestrator/pkg/apierror"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

// repositoryError wraps a store failure once, keeping its transient nature.
func repositoryError(err error) error {
	if err == nil {
		return nil
	}

	var e *apierror.Error
	if errors.As(err, &e) {
		return err
	}

	return apierror.Repository(err, store.IsTransient(err))
}

func (c *Controller) getDeployment(ctx context.Context, id string) (schemas.Deployment, error) {
	d, err := c.Store.GetDeployment(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return d, apierror.NotFound("deployment", id)
	}

	return d, repositoryError(err)
}

func (c *Controller) getApproval(ctx context.Context, id string) (schemas.Approval, error) {
	a, err := c.Store.GetApproval(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return a, apierror.NotFound("approval", id)
	}

	return a, repositoryError(err)
}

// updateDeployment applies the compare-and-swap update of d. Losing the race
// against a concurrent writer is a state conflict.
func (c *Controller) updateDeployment(ctx context.Context, d schemas.Deployment) (schemas.Deployment, error) {
	d.UpdatedAt = c.Now()

	updated, err := c.Store.UpdateDeployment(ctx, d)
	switch {
	case errors.Is(err, store.ErrRevisionConflict):
		return d, apierror.StateConflict("deployment '%s' was modified concurrently", d.ID)
	case errors.Is(err, store.ErrNotFound):
		return d, apierror.NotFound("deployment", d.ID)
	case err != nil:
		return d, repositoryError(err)
	}

	return updated, nil
}

// mergeJobs returns all with the jobs of updated replacing those sharing their ref.
func mergeJobs(all, updated []schemas.Job) []schemas.Job {
	byRef := make(map[schemas.JobRef]schemas.Job, len(updated))
	for _, j := range updated {
		byRef[j.Ref] = j
	}

	out := make([]schemas.Job, len(all))
	for i, j := range all {
		if u, ok := byRef[j.Ref]; ok {
			j = u
		}
		out[i] = j
	}

	return out
}

// recordJobs merges jobs into the stored deployment, refetching on conflicts.
// It is used to keep track of cancellations happening after a status change.
func (c *Controller) recordJobs(ctx context.Context, id string, jobs []schemas.Job) (d schemas.Deployment, err error) {
	for attempt := 0; attempt < 3; attempt++ {
		if d, err = c.getDeployment(ctx, id); err != nil {
			return
		}

		known := make(map[schemas.JobRef]struct{}, len(d.Jobs))
		for _, j := range d.Jobs {
			known[j.Ref] = struct{}{}
		}

		next := d.Clone()
		next.Jobs = mergeJobs(next.Jobs, jobs)
		for _, j := range jobs {
			if _, ok := known[j.Ref]; !ok {
				next.Jobs = append(next.Jobs, j)
			}
		}

		if d, err = c.updateDeployment(ctx, next); !errors.Is(err, &apierror.Error{Kind: apierror.KindStateConflict}) {
			return
		}
	}

	return
}

// lockDeployment serializes writers of one deployment within this process.
func (c *Controller) lockDeployment(id string) func() {
	v, _ := c.deploymentLocks.LoadOrStore(id, &sync.Mutex{})
	m := v.(*sync.Mutex)
	m.Lock()

	return m.Unlock
}
