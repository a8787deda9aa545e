package ui

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	log "github.com/sirupsen/logrus"
	"github.com/xeonx/timeago"

	"github.com/helvethink/deploy-orchestrator/pkg/monitor"
	"github.com/helvethink/deploy-orchestrator/pkg/monitor/client"
)

// tab represents the type for tab identifiers.
type tab string

const (
	tabTelemetry tab = "telemetry" // Tab identifier for telemetry view
	tabConfig    tab = "config"    // Tab identifier for configuration view
)

var tabs = [...]tab{
	tabTelemetry,
	tabConfig,
}

// Styling variables for UI elements
var (
	subtle    = lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#383838"}
	highlight = lipgloss.AdaptiveColor{Light: "#874BFD", Dark: "#7D56F4"}

	dataStyle = lipgloss.NewStyle().
			MarginLeft(1).
			MarginRight(5).
			Padding(0, 1).
			Bold(true).
			Foreground(lipgloss.Color("#000000")).
			Background(lipgloss.Color("#a9a9a9"))

	// Tab styling
	activeTabBorder = lipgloss.Border{
		Top: "─", Bottom: " ", Left: "│", Right: "│",
		TopLeft: "╭", TopRight: "╮", BottomLeft: "┘", BottomRight: "└",
	}

	tabBorder = lipgloss.Border{
		Top: "─", Bottom: "─", Left: "│", Right: "│",
		TopLeft: "╭", TopRight: "╮", BottomLeft: "┴", BottomRight: "┴",
	}

	inactiveTab = lipgloss.NewStyle().
			Border(tabBorder, true).
			BorderForeground(highlight).
			Padding(0, 1)

	activeTab = inactiveTab.Copy().Border(activeTabBorder, true)

	tabGap = inactiveTab.Copy().
		BorderTop(false).
		BorderLeft(false).
		BorderRight(false)

	// List styling
	entityStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), true, false, false, false).
			BorderForeground(subtle)

	// Status Bar styling
	statusStyle = lipgloss.NewStyle().
			Inherit(statusBarStyle).
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#003d80")).
			Padding(0, 1).
			MarginRight(1)

	statusNugget = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Foreground(lipgloss.AdaptiveColor{Light: "#343433", Dark: "#C1C6B2"}).
			Background(lipgloss.AdaptiveColor{Light: "#D9DCCF", Dark: "#353533"})

	statusText = lipgloss.NewStyle().Inherit(statusBarStyle)

	versionStyle = statusNugget.Copy().
			Background(lipgloss.Color("#0062cc"))

	// Page styling
	docStyle = lipgloss.NewStyle()
)

// model represents the application model for the UI.
type model struct {
	ctx             context.Context
	version         string
	client          *client.Client
	vp              viewport.Model
	progress        *progress.Model
	telemetry       *monitor.Telemetry
	telemetryStream <-chan monitor.Telemetry
	tabID           int
}

// renderConfigViewport renders the configuration viewport content.
func (m *model) renderConfigViewport() string {
	config, err := m.client.GetConfig(m.ctx)
	if err != nil {
		log.WithError(err).Fatal()
	}

	return config.Content
}

func gauge(label string, p *progress.Model, v float64) string {
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		" "+label+strings.Repeat(" ", max(0, 24-len(label))),
		p.ViewAs(v),
		"\n",
	)
}

func counter(label string, v uint64) string {
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		" "+label+strings.Repeat(" ", max(0, 23-len(label))),
		dataStyle.SetString(strconv.FormatUint(v, 10)).String(),
		"\n",
	)
}

// renderTelemetryViewport renders the telemetry viewport content.
func (m *model) renderTelemetryViewport() string {
	if m.telemetry == nil {
		return "\nloading data.."
	}

	t := m.telemetry

	return strings.Join([]string{
		"",
		gauge("Build server usage", m.progress, t.BuildServerUsage),
		counter("Build server requests", t.BuildServerRequestsCount),
		gauge("Build server quota", m.progress, t.BuildServerRateLimit),
		counter("Quota remaining", t.BuildServerLimitRemaining),
		gauge("Tasks buffer usage", m.progress, t.TasksBufferUsage),
		counter("Tasks executed", t.TasksExecutedCount),
		counter("Events published", t.EventsPublished),
		counter("Events dropped", t.EventsDropped),
		renderDeployments(t.Deployments),
		renderTasks(t.Tasks),
	}, "\n")
}

// renderDeployments lists the deployment count of every status.
func renderDeployments(counts map[string]int64) string {
	statuses := make([]string, 0, len(counts))
	for s := range counts {
		statuses = append(statuses, s)
	}
	sort.Strings(statuses)

	lines := make([]string, 0, len(statuses))
	for _, s := range statuses {
		lines = append(lines, s+strings.Repeat(" ", max(1, 13-len(s)))+dataStyle.SetString(strconv.FormatInt(counts[s], 10)).String()+"\n")
	}

	return renderEntity("Deployments", lines)
}

// renderTasks lists the last and next run of every periodic task.
func renderTasks(tasks map[string]monitor.TaskSchedulingStatus) string {
	names := make([]string, 0, len(tasks))
	for n := range tasks {
		names = append(names, n)
	}
	sort.Strings(names)

	lines := make([]string, 0, 2*len(names))
	for _, n := range names {
		lines = append(lines,
			n+"\n",
			"  Last  "+dataStyle.SetString(prettyTimeago(tasks[n].Last)).String()+
				"Next  "+dataStyle.SetString(prettyTimeago(tasks[n].Next)).String()+"\n",
		)
	}

	return renderEntity("Tasks", lines)
}

// renderEntity renders a titled block of lines.
func renderEntity(name string, lines []string) string {
	if len(lines) == 0 {
		lines = []string{"N/A\n"}
	}

	return entityStyle.Render(lipgloss.JoinHorizontal(
		lipgloss.Top,
		" "+name+strings.Repeat(" ", 24-len(name)),
		lipgloss.JoinVertical(lipgloss.Left, lines...),
		"\n",
	))
}

// prettyTimeago formats a time into a human-readable string.
func prettyTimeago(t time.Time) string {
	if t.IsZero() {
		return "N/A"
	}

	return timeago.English.Format(t)
}

// newModel initializes a new model instance.
func newModel(ctx context.Context, version string, endpoint *url.URL) (m *model) {
	p := progress.New(progress.WithScaledGradient("#80c904", "#ff9d5c"))

	m = &model{
		ctx:      ctx,
		version:  version,
		vp:       viewport.Model{},
		progress: &p,
		client:   client.NewClient(endpoint),
	}

	return
}

// Init starts the telemetry stream and waits for the first snapshot.
func (m *model) Init() tea.Cmd {
	m.streamTelemetry()

	return waitForTelemetryUpdate(m.telemetryStream)
}

// Update handles messages and updates the model accordingly.
func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.vp.Width = msg.Width
		m.vp.Height = msg.Height - 4
		m.progress.Width = msg.Width - 27
		m.setPaneContent()

		return m, nil
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyLeft:
			if m.tabID > 0 {
				m.tabID--
				m.setPaneContent()
			}
			return m, nil
		case tea.KeyRight:
			if m.tabID < len(tabs)-1 {
				m.tabID++
				m.setPaneContent()
			}
			return m, nil
		case tea.KeyUp, tea.KeyDown, tea.KeyPgDown, tea.KeyPgUp:
			vp, cmd := m.vp.Update(msg)
			m.vp = vp
			return m, cmd
		}
	case monitor.Telemetry:
		m.telemetry = &msg
		m.setPaneContent()
		return m, waitForTelemetryUpdate(m.telemetryStream)
	}

	return m, nil
}

// View renders the UI view.
func (m *model) View() string {
	doc := strings.Builder{}

	// Render tabs
	{
		renderedTabs := []string{}
		for tabID, t := range tabs {
			if m.tabID == tabID {
				renderedTabs = append(renderedTabs, activeTab.Render(string(t)))
				continue
			}
			renderedTabs = append(renderedTabs, inactiveTab.Render(string(t)))
		}

		row := lipgloss.JoinHorizontal(lipgloss.Top, renderedTabs...)
		gap := tabGap.Render(strings.Repeat(" ", max(0, m.vp.Width-lipgloss.Width(row))))
		row = lipgloss.JoinHorizontal(lipgloss.Bottom, row, gap)
		doc.WriteString(row + "\n")
	}

	// Render pane
	{
		doc.WriteString(m.vp.View() + "\n")
	}

	// Render status bar
	{
		bar := lipgloss.JoinHorizontal(lipgloss.Top,
			statusStyle.Render("github.com/helvethink/deploy-orchestrator"),
			statusText.Copy().
				Width(max(0, m.vp.Width-(56+len(m.version)))).
				Render(""),
			versionStyle.Render(m.version),
		)

		doc.WriteString(statusBarStyle.Width(m.vp.Width).Render(bar))
	}

	return docStyle.Render(doc.String())
}

// streamTelemetry subscribes to the server telemetry stream. Losing the
// stream ends the program.
func (m *model) streamTelemetry() {
	telemetry, errs := m.client.StreamTelemetry(m.ctx)
	m.telemetryStream = telemetry

	go func() {
		if err, ok := <-errs; ok && err != nil {
			log.WithError(err).Fatal()
		}
	}()
}

// waitForTelemetryUpdate waits for a telemetry update and returns a command.
func waitForTelemetryUpdate(t <-chan monitor.Telemetry) tea.Cmd {
	return func() tea.Msg {
		telemetry, ok := <-t
		if !ok {
			return nil
		}

		return telemetry
	}
}

// Start initializes and starts the UI program.
func Start(ctx context.Context, version string, listenerAddress *url.URL) {
	if _, err := tea.NewProgram(
		newModel(ctx, version, listenerAddress),
		tea.WithAltScreen(),
	).Run(); err != nil {
		fmt.Println("Error running program:", err)
		os.Exit(1)
	}
}

// setPaneContent sets the content of the viewport pane based on the current tab.
func (m *model) setPaneContent() {
	switch tabs[m.tabID] {
	case tabTelemetry:
		m.vp.SetContent(m.renderTelemetryViewport())
	case tabConfig:
		m.vp.SetContent(m.renderConfigViewport())
	}
}
