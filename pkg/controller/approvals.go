package controller

import (
	"context"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/deploy-orchestrator/pkg/apierror"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

// requestApproval creates one approval per approver. Calling it again for the
// same deployment does nothing.
func (c *Controller) requestApproval(ctx context.Context, d schemas.Deployment, approvers []schemas.Approver) error {
	now := c.Now()

	approvals := make([]schemas.Approval, 0, len(approvers))
	audience := make([]string, 0, len(approvers))
	levels := map[int]struct{}{}

	for _, a := range approvers {
		approvals = append(approvals, schemas.Approval{
			ID:           uuid.NewString(),
			DeploymentID: d.ID,
			ApproverID:   a.UserID,
			Level:        a.Level,
			Status:       schemas.ApprovalStatusPending,
			CreatedAt:    now,
		})
		audience = append(audience, a.UserID)
		levels[a.Level] = struct{}{}
	}

	created, err := c.Store.CreateApprovals(ctx, d.ID, approvals)
	if err != nil {
		return repositoryError(err)
	}

	if !created {
		log.WithContext(ctx).
			WithField("deployment-id", d.ID).
			Debug("approvals already requested")

		return nil
	}

	c.publishDeploymentEvent(ctx, d, d.AuthorID, schemas.ApprovalRequested{
		DeploymentRef: c.deploymentRef(ctx, d),
		Levels:        len(levels),
	}, audience...)

	return nil
}

// DecideApproval records the decision of an approver. Decisions on the same
// deployment are serialized within a process and reconciled through the store
// across replicas. Levels are decided in ascending order; approvers sharing a
// level decide independently.
func (c *Controller) DecideApproval(
	ctx context.Context,
	approvalID, approverID string,
	decision schemas.Decision,
	comment string,
) (a schemas.Approval, err error) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "controller:DecideApproval")
	defer span.End()
	span.SetAttributes(attribute.String("approval_id", approvalID))

	if !decision.Valid() {
		return a, apierror.Validation("invalid decision '%s'", decision)
	}

	if a, err = c.getApproval(ctx, approvalID); err != nil {
		return
	}

	if a.ApproverID != approverID {
		return a, apierror.ErrUnauthorized
	}

	defer c.lockDeployment(a.DeploymentID)()

	// Refetch under the lock, a concurrent decision may have landed.
	if a, err = c.getApproval(ctx, approvalID); err != nil {
		return
	}

	if a.Status != schemas.ApprovalStatusPending {
		return a, apierror.ErrAlreadyDecided
	}

	d, err := c.getDeployment(ctx, a.DeploymentID)
	if err != nil {
		return a, err
	}

	if d.Status != schemas.DeploymentStatusPending {
		return a, apierror.StateConflict("deployment '%s' is %s", d.ID, d.Status)
	}

	approvals, err := c.Store.DeploymentApprovals(ctx, d.ID)
	if err != nil {
		return a, repositoryError(err)
	}

	if level, found := schemas.LowestPendingLevel(approvals); found && level < a.Level {
		return a, apierror.ErrOutOfOrder.With("level %d is still pending", level)
	}

	now := c.Now()
	decided := a
	decided.Comment = comment
	decided.DecidedAt = &now
	decided.Status = schemas.ApprovalStatusApproved
	if decision == schemas.DecisionReject {
		decided.Status = schemas.ApprovalStatusRejected
	}

	if err = c.Store.UpdateApproval(ctx, decided); errors.Is(err, store.ErrRevisionConflict) {
		return a, apierror.ErrAlreadyDecided
	} else if err != nil {
		return a, repositoryError(err)
	}

	log.WithContext(ctx).
		WithFields(log.Fields{
			"approval-id":   a.ID,
			"deployment-id": d.ID,
			"level":         a.Level,
			"decision":      decision,
		}).
		Info("approval decided")

	// The outcome is read back after our own write so that it includes the
	// decisions other replicas stored meanwhile.
	if approvals, err = c.Store.DeploymentApprovals(ctx, d.ID); err != nil {
		return decided, repositoryError(err)
	}

	allApproved, anyRejected := schemas.ApprovalsOutcome(approvals)

	var (
		status  schemas.DeploymentStatus
		payload schemas.EventPayload
	)

	switch {
	case anyRejected:
		status = schemas.DeploymentStatusRejected
		payload = schemas.ApprovalRejected{Approver: approverID, Comment: comment}
	case allApproved:
		status = schemas.DeploymentStatusApproved
		payload = schemas.ApprovalApproved{Approver: approverID, Comment: comment}
	default:
		return decided, nil
	}

	updated, changed, err := c.transitionDeployment(ctx, d, status)
	if err != nil || !changed {
		return decided, err
	}

	ref := c.deploymentRef(ctx, updated)
	switch p := payload.(type) {
	case schemas.ApprovalRejected:
		p.DeploymentRef = ref
		payload = p
	case schemas.ApprovalApproved:
		p.DeploymentRef = ref
		payload = p
	}

	c.publish(ctx, schemas.ResourceTypeApproval, decided.ID, updated, approverID, payload)

	return decided, nil
}

// transitionDeployment sets the status of d, retrying on concurrent updates
// which left the deployment pending, such as job or log bookkeeping. changed is
// false when a concurrent writer already moved the deployment to status.
func (c *Controller) transitionDeployment(
	ctx context.Context,
	d schemas.Deployment,
	status schemas.DeploymentStatus,
) (updated schemas.Deployment, changed bool, err error) {
	for attempt := 0; attempt < 3; attempt++ {
		if d.Status == status {
			return d, false, nil
		}

		if !d.Status.CanTransitionTo(status) {
			return d, false, apierror.StateConflict("deployment '%s' cannot go from %s to %s", d.ID, d.Status, status)
		}

		next := d.Clone()
		next.Status = status

		updated, err = c.updateDeployment(ctx, next)
		if err == nil {
			return updated, true, nil
		}

		if !errors.Is(err, &apierror.Error{Kind: apierror.KindStateConflict}) {
			return
		}

		if d, err = c.getDeployment(ctx, d.ID); err != nil {
			return
		}
	}

	return
}
