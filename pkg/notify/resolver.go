package notify

import (
	"context"
	"sort"
	"sync"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

const tracerName = "deploy-orchestrator"

// Directory is the read-only view of the store the notification layer needs.
type Directory interface {
	GetDeployment(ctx context.Context, id string) (schemas.Deployment, error)
	GetApproval(ctx context.Context, id string) (schemas.Approval, error)
	GetProject(ctx context.Context, id string) (schemas.Project, error)
	GetUser(ctx context.Context, id string) (schemas.User, error)
}

// Resolver computes who must be told about an event.
type Resolver struct {
	dir    Directory
	logger log.FieldLogger

	// deployment id -> audience, and approval id -> deployment id.
	// Both never change once resolved.
	deployments sync.Map
	approvals   sync.Map
}

type deploymentAudience struct {
	authorID  string
	creatorID string
}

// NewResolver returns a Resolver looking identities up in dir.
func NewResolver(dir Directory, logger log.FieldLogger) *Resolver {
	return &Resolver{
		dir:    dir,
		logger: logger,
	}
}

// Resolve returns the deduplicated, sorted recipients of e: the acting user,
// the event audience, the deployment author and the project creator.
// Lookup failures are logged and the identities found so far are returned.
func (r *Resolver) Resolve(ctx context.Context, e schemas.Event) []string {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "notify:Resolve")
	defer span.End()
	span.SetAttributes(attribute.String("event_kind", string(e.Kind)))

	set := make(map[string]struct{})
	add := func(id string) {
		if id != "" {
			set[id] = struct{}{}
		}
	}

	add(e.ActingUserID)
	for _, id := range e.Audience {
		add(id)
	}

	deploymentID := e.ResourceID
	switch e.ResourceType {
	case schemas.ResourceTypeDeployment, schemas.ResourceTypeTask:
	case schemas.ResourceTypeApproval:
		deploymentID = r.approvalDeployment(ctx, e.ResourceID)
	default:
		deploymentID = ""
	}

	if deploymentID != "" {
		a := r.deploymentAudience(ctx, deploymentID)
		add(a.authorID)
		add(a.creatorID)
	}

	recipients := make([]string, 0, len(set))
	for id := range set {
		recipients = append(recipients, id)
	}
	sort.Strings(recipients)

	return recipients
}

func (r *Resolver) approvalDeployment(ctx context.Context, approvalID string) string {
	if v, ok := r.approvals.Load(approvalID); ok {
		return v.(string)
	}

	a, err := r.dir.GetApproval(ctx, approvalID)
	if err != nil {
		r.logger.
			WithFields(log.Fields{"approval-id": approvalID}).
			WithError(err).
			Warn("resolving approval recipients")

		return ""
	}

	r.approvals.Store(approvalID, a.DeploymentID)

	return a.DeploymentID
}

func (r *Resolver) deploymentAudience(ctx context.Context, deploymentID string) (a deploymentAudience) {
	if v, ok := r.deployments.Load(deploymentID); ok {
		return v.(deploymentAudience)
	}

	d, err := r.dir.GetDeployment(ctx, deploymentID)
	if err != nil {
		r.logger.
			WithFields(log.Fields{"deployment-id": deploymentID}).
			WithError(err).
			Warn("resolving deployment recipients")

		return
	}

	a.authorID = d.AuthorID

	p, err := r.dir.GetProject(ctx, d.ProjectID)
	if err != nil {
		r.logger.
			WithFields(log.Fields{
				"deployment-id": deploymentID,
				"project-id":    d.ProjectID,
			}).
			WithError(err).
			Warn("resolving project recipients")

		// not cached, the project may come back
		return
	}

	a.creatorID = p.CreatorID
	r.deployments.Store(deploymentID, a)

	return
}
