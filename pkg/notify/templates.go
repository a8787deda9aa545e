package notify

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"dario.cat/mergo"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Template renders the notifications of one event kind.
type Template struct {
	Channels []schemas.Channel
	Expiry   time.Duration // zero keeps in-app items forever

	title *template.Template
	body  *template.Template
}

// Templates maps every event kind of the taxonomy to its template.
type Templates map[schemas.EventKind]*Template

// defaultTemplates are rendered against a renderData whose Payload is the
// event kind's payload struct.
var defaultTemplates = map[schemas.EventKind]config.NotificationTemplate{
	schemas.EventKindDeploymentStarted: {
		Title: `Deployment {{.ResourceName}} started`,
		Body: `{{.ActingUserName}} started deploying version {{.Payload.Version}} of {{.Payload.Project}} to {{.Payload.Environment}}.` +
			`{{if .Payload.Rollback}} This is a rollback to {{.Payload.TargetVersion}}.{{end}}`,
		Channels:    []string{"in_app", "email"},
		ExpiryHours: 72,
	},
	schemas.EventKindDeploymentCompleted: {
		Title:       `Deployment {{.ResourceName}} {{if .Payload.RolledBack}}rolled back{{else}}succeeded{{end}}`,
		Body:        `Version {{.Payload.Version}} of {{.Payload.Project}} is live on {{.Payload.Environment}} after {{.Payload.Duration}}.`,
		Channels:    []string{"in_app", "email"},
		ExpiryHours: 72,
	},
	schemas.EventKindDeploymentFailed: {
		Title: `Deployment {{.ResourceName}} {{if .Payload.Stopped}}stopped{{else}}failed{{end}}`,
		Body: `Deploying version {{.Payload.Version}} of {{.Payload.Project}} to {{.Payload.Environment}} did not complete.` +
			`{{if .Payload.FailedJobs}} Failed jobs: {{join .Payload.FailedJobs ", "}}.{{end}}` +
			`{{if .Payload.Error}} Error: {{.Payload.Error}}{{end}}`,
		Channels:    []string{"in_app", "email"},
		ExpiryHours: 168,
	},
	schemas.EventKindApprovalRequested: {
		Title:       `Approval requested for {{.ResourceName}}`,
		Body:        `{{.ActingUserName}} requests your approval to deploy version {{.Payload.Version}} of {{.Payload.Project}} to {{.Payload.Environment}} ({{.Payload.Levels}} level(s)).`,
		Channels:    []string{"in_app", "email"},
		ExpiryHours: 168,
	},
	schemas.EventKindApprovalApproved: {
		Title:       `Deployment {{.ResourceName}} approved`,
		Body:        `{{.Payload.Approver}} approved version {{.Payload.Version}} of {{.Payload.Project}} for {{.Payload.Environment}}.{{if .Payload.Comment}} "{{.Payload.Comment}}"{{end}}`,
		Channels:    []string{"in_app"},
		ExpiryHours: 72,
	},
	schemas.EventKindApprovalRejected: {
		Title:       `Deployment {{.ResourceName}} rejected`,
		Body:        `{{.Payload.Approver}} rejected version {{.Payload.Version}} of {{.Payload.Project}} for {{.Payload.Environment}}.{{if .Payload.Comment}} "{{.Payload.Comment}}"{{end}}`,
		Channels:    []string{"in_app", "email"},
		ExpiryHours: 72,
	},
	schemas.EventKindTaskScheduled: {
		Title:       `Deployment {{.ResourceName}} scheduled`,
		Body:        `Version {{.Payload.Version}} of {{.Payload.Project}} will be deployed to {{.Payload.Environment}} at {{.Payload.ScheduledAt.Format "2006-01-02 15:04 MST"}}.`,
		Channels:    []string{"in_app"},
		ExpiryHours: 24,
	},
	schemas.EventKindTaskExecuted: {
		Title:       `Scheduled deployment {{.ResourceName}} started`,
		Body:        `The deployment of version {{.Payload.Version}} of {{.Payload.Project}} to {{.Payload.Environment}} planned for {{.Payload.ScheduledAt.Format "2006-01-02 15:04 MST"}} has started.`,
		Channels:    []string{"in_app"},
		ExpiryHours: 24,
	},
	schemas.EventKindTaskFailed: {
		Title:       `Scheduled deployment {{.ResourceName}} could not start`,
		Body:        `Starting version {{.Payload.Version}} of {{.Payload.Project}} on {{.Payload.Environment}} failed: {{.Payload.Error}}`,
		Channels:    []string{"in_app", "email"},
		ExpiryHours: 72,
	},
}

var funcs = template.FuncMap{
	"join": strings.Join,
}

type renderData struct {
	schemas.Event
}

// NewTemplates compiles the built-in templates with overrides merged on top.
// Unknown kinds and templates referencing fields their payload does not
// carry are rejected.
func NewTemplates(overrides map[string]config.NotificationTemplate) (Templates, error) {
	for k := range overrides {
		if _, ok := defaultTemplates[schemas.EventKind(k)]; !ok {
			return nil, fmt.Errorf("unknown event kind '%s' in notification templates", k)
		}
	}

	t := make(Templates, len(defaultTemplates))

	for kind, def := range defaultTemplates {
		tpl := overrides[string(kind)]
		if err := mergo.Merge(&tpl, def); err != nil {
			return nil, err
		}

		compiled, err := compile(kind, tpl)
		if err != nil {
			return nil, err
		}

		t[kind] = compiled
	}

	return t, nil
}

func compile(kind schemas.EventKind, tpl config.NotificationTemplate) (*Template, error) {
	var (
		c   = &Template{Expiry: time.Duration(tpl.ExpiryHours) * time.Hour}
		err error
	)

	if c.title, err = template.New(string(kind) + ".title").Funcs(funcs).Parse(tpl.Title); err != nil {
		return nil, fmt.Errorf("parsing title of '%s': %w", kind, err)
	}

	if c.body, err = template.New(string(kind) + ".body").Funcs(funcs).Parse(tpl.Body); err != nil {
		return nil, fmt.Errorf("parsing body of '%s': %w", kind, err)
	}

	for _, ch := range tpl.Channels {
		c.Channels = append(c.Channels, schemas.Channel(ch))
	}
	sort.Slice(c.Channels, func(i, j int) bool { return c.Channels[i] < c.Channels[j] })

	sample, _ := schemas.SamplePayload(kind)
	if _, _, err = c.Render(schemas.Event{Kind: kind, Payload: sample}); err != nil {
		return nil, fmt.Errorf("checking template of '%s': %w", kind, err)
	}

	return c, nil
}

// Render returns the title and body of the notification for e.
func (t *Template) Render(e schemas.Event) (title, body string, err error) {
	var buf bytes.Buffer

	data := renderData{Event: e}

	if err = t.title.Execute(&buf, data); err != nil {
		return
	}
	title = buf.String()

	buf.Reset()
	if err = t.body.Execute(&buf, data); err != nil {
		return
	}
	body = buf.String()

	return
}

// HasChannel reports whether the template delivers on c.
func (t *Template) HasChannel(c schemas.Channel) bool {
	for _, ch := range t.Channels {
		if ch == c {
			return true
		}
	}

	return false
}
