package controller

import (
	"context"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// deploymentRef returns the fields every deployment event carries.
func (c *Controller) deploymentRef(ctx context.Context, d schemas.Deployment) schemas.DeploymentRef {
	project := d.ProjectID
	if p, err := c.Store.GetProject(ctx, d.ProjectID); err == nil && p.Name != "" {
		project = p.Name
	}

	return schemas.DeploymentRef{
		Project:     project,
		Deployment:  d.ID,
		Environment: d.Environment,
		Version:     d.Version,
	}
}

func (c *Controller) actor(ctx context.Context, userID string) schemas.Actor {
	a := schemas.Actor{ID: userID, Name: userID}
	if userID == "" {
		return a
	}

	if u, err := c.Store.GetUser(ctx, userID); err == nil && u.Name != "" {
		a.Name = u.Name
	}

	return a
}

// publish hands a lifecycle event over to the notifier. It never fails the caller.
func (c *Controller) publish(
	ctx context.Context,
	rt schemas.ResourceType,
	resourceID string,
	d schemas.Deployment,
	actingUserID string,
	p schemas.EventPayload,
	audience ...string,
) {
	if c.Notifier == nil {
		return
	}

	c.Notifier.Publish(ctx, schemas.NewEvent(
		p,
		schemas.Resource{Type: rt, ID: resourceID, Name: d.Name},
		c.actor(ctx, actingUserID),
		audience...,
	))
}

func (c *Controller) publishDeploymentEvent(ctx context.Context, d schemas.Deployment, actingUserID string, p schemas.EventPayload, audience ...string) {
	c.publish(ctx, schemas.ResourceTypeDeployment, d.ID, d, actingUserID, p, audience...)
}
