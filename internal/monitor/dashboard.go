// Package monitor renders a terminal dashboard of the goals recorded for
// one commit, polling a running sdmd's goal API.
package monitor

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/NimbleMarkets/ntcharts/sparkline"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
)

const (
	sparklineWidth  = 30
	sparklineHeight = 3
	historySize     = 30
)

// GoalSource lists the goals for a commit.
type GoalSource interface {
	Goals(ctx context.Context, t Target) ([]goal.Event, error)
}

// Model is the BubbleTea dashboard model.
type Model struct {
	source     GoalSource
	target     Target
	interval   time.Duration
	exitSettle bool
	lastUpdate time.Time
	events     []goal.Event
	err        error
	quitting   bool

	progress progress.Model
	// history holds the settled goal count of each refresh.
	history []float64
}

// Lipgloss styles (k9s-inspired color scheme)
var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("0")).
			Background(lipgloss.Color("51")).
			Bold(true).
			Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("45"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("231")).
			Bold(true)

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245"))

	healthyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("226")).
			Bold(true)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	containerStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("238")).
			Padding(1, 2)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			MarginTop(1)

	footerKeyStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51")).
			Bold(true)

	sparklineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("51"))
)

// NewModel creates a dashboard for target that refreshes every interval.
// With exitWhenSettled the program quits once every goal is terminal.
func NewModel(source GoalSource, target Target, interval time.Duration, exitWhenSettled bool) Model {
	return Model{
		source:     source,
		target:     target,
		interval:   interval,
		exitSettle: exitWhenSettled,
		progress: progress.New(
			progress.WithGradient("#00ffff", "#00ff00"),
			progress.WithWidth(40),
		),
		history: make([]float64, 0, historySize),
	}
}

// Events returns the goals from the last refresh.
func (m Model) Events() []goal.Event { return m.events }

// Err returns the last refresh error.
func (m Model) Err() error { return m.err }

// stateBadge renders a goal state with a unicode symbol.
func stateBadge(s goal.State) string {
	switch s {
	case goal.StateSuccess:
		return healthyStyle.Render("[✓]")
	case goal.StateFailure:
		return errorStyle.Render("[✗]")
	case goal.StateStopped:
		return dimStyle.Render("[■]")
	case goal.StateWaitingForApproval:
		return warningStyle.Render("[?]")
	case goal.StateInProcess:
		return warningStyle.Render("[…]")
	default:
		return dimStyle.Render("[ ]")
	}
}

// overallBadge summarizes the goal set.
func overallBadge(s Summary) string {
	switch {
	case s.Total == 0:
		return dimStyle.Render("… WAITING")
	case s.ByState[goal.StateFailure] > 0:
		return errorStyle.Render("✗ FAILING")
	case s.Settled() == s.Total:
		return healthyStyle.Render("✓ SETTLED")
	case s.ByState[goal.StateWaitingForApproval] > 0:
		return warningStyle.Render("? APPROVAL")
	default:
		return warningStyle.Render("⚠ RUNNING")
	}
}

// appendToHistory appends a value to history, maintaining max size
func appendToHistory(history []float64, value float64) []float64 {
	history = append(history, value)
	if len(history) > historySize {
		history = history[1:]
	}
	return history
}

// createSparkline creates a sparkline chart from historical data
func createSparkline(data []float64) string {
	if len(data) == 0 {
		return dimStyle.Render(fmt.Sprintf("%*s", sparklineWidth, "no data"))
	}

	spark := sparkline.New(sparklineWidth, sparklineHeight)
	for _, v := range data {
		spark.Push(v)
	}
	spark.Draw()

	return sparklineStyle.Render(spark.View())
}

type tickMsg time.Time
type goalsMsg []goal.Event
type errMsg error

// GoalsMsg delivers events fetched outside the program.
func GoalsMsg(events []goal.Event) tea.Msg { return goalsMsg(events) }

func (m Model) Init() tea.Cmd {
	return tea.Batch(
		tick(m.interval),
		fetchGoals(m.source, m.target),
	)
}

func tick(interval time.Duration) tea.Cmd {
	return tea.Tick(interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func fetchGoals(source GoalSource, target Target) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		events, err := source.Goals(ctx, target)
		if err != nil {
			return errMsg(err)
		}
		return goalsMsg(events)
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "r":
			return m, fetchGoals(m.source, m.target)
		}

	case tickMsg:
		return m, tea.Batch(
			tick(m.interval),
			fetchGoals(m.source, m.target),
		)

	case goalsMsg:
		events := append([]goal.Event(nil), msg...)
		SortEvents(events)
		m.events = events
		m.lastUpdate = time.Now()
		m.err = nil

		s := Summarize(events)
		m.history = appendToHistory(m.history, float64(s.Settled()))
		if m.exitSettle && s.Total > 0 && s.Settled() == s.Total {
			m.quitting = true
			return m, tea.Quit
		}
		return m, nil

	case errMsg:
		m.err = error(msg)
		return m, nil
	}

	return m, nil
}

// View renders the dashboard. A model quit because its goals settled
// keeps rendering so the final state stays on screen.
func (m Model) View() string {
	if m.quitting && !m.exitSettle {
		return ""
	}
	if m.err != nil {
		return m.renderError()
	}
	return m.Render()
}

func (m Model) renderError() string {
	header := headerStyle.Render(" sdmd Goals ")

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(errorStyle.Render("⚠ Cannot read goals") + "\n\n")
	b.WriteString(dimStyle.Render("Commit: ") + valueStyle.Render(m.target.String()) + "\n")
	b.WriteString(dimStyle.Render("Error: ") + errorStyle.Render(m.err.Error()) + "\n\n")
	b.WriteString(footerStyle.Render("[q] quit  [r] retry") + "\n")

	return containerStyle.Render(header + "\n" + b.String())
}

// Render draws the goal set grouped by environment.
func (m Model) Render() string {
	var b strings.Builder

	lastUpdateStr := "Never"
	if !m.lastUpdate.IsZero() {
		lastUpdateStr = m.lastUpdate.Format("3:04:05 PM")
	}
	s := Summarize(m.events)

	b.WriteString(headerStyle.Render(" sdmd Goals ") + "\n")
	fmt.Fprintf(&b, "%s   %s   %s   %s\n",
		overallBadge(s),
		dimStyle.Render("Commit:"),
		valueStyle.Render(m.target.String()),
		dimStyle.Render(lastUpdateStr))

	if len(m.events) == 0 {
		b.WriteString("\n" + dimStyle.Render("  no goals recorded yet") + "\n")
	}

	var env goal.Environment
	for i, ev := range m.events {
		if i == 0 || ev.Key.Environment != env {
			env = ev.Key.Environment
			b.WriteString("\n" + sectionStyle.Render("┃ "+env.Name()) + "\n")
		}
		name := ev.DisplayName
		if name == "" {
			name = ev.Key.Name
		}
		line := "  " + stateBadge(ev.State) + " " + labelStyle.Render(name)
		if ev.Description != "" {
			line += "  " + dimStyle.Render(ev.Description)
		}
		if ev.Phase != "" {
			line += dimStyle.Render(" ("+ev.Phase+")")
		}
		b.WriteString(line + "\n")
		if ev.URL != "" {
			b.WriteString("      " + dimStyle.Render(ev.URL) + "\n")
		}
	}

	b.WriteString("\n" + sectionStyle.Render("┃ Progress") + "\n")
	b.WriteString(labelStyle.Render("  Settled: ") +
		valueStyle.Render(fmt.Sprintf("%d/%d", s.Settled(), s.Total)) +
		"   " + createSparkline(m.history) + "\n")
	b.WriteString("  " + m.progress.ViewAs(s.Fraction()) +
		" " + dimStyle.Render(FormatPercentage(s.Fraction())) + "\n")
	if !m.lastUpdate.IsZero() && len(m.events) > 0 {
		oldest := m.events[0].Ts
		for _, ev := range m.events {
			if ev.Ts.Before(oldest) {
				oldest = ev.Ts
			}
		}
		if !oldest.IsZero() {
			b.WriteString(labelStyle.Render("  Since first update: ") +
				valueStyle.Render(FormatDuration(int64(m.lastUpdate.Sub(oldest).Seconds()))) + "\n")
		}
	}

	footer := footerKeyStyle.Render("[q]") + footerStyle.Render(" quit  ") +
		footerKeyStyle.Render("[r]") + footerStyle.Render(" refresh  ") +
		footerStyle.Render(fmt.Sprintf("Auto: %v", m.interval))
	b.WriteString("\n" + footer)

	return containerStyle.Render(b.String())
}
