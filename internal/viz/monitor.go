package viz

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/guptarohit/asciigraph"

	"github.com/san-kum/mlipal/internal/events"
)

const (
	logCapacity = 8
	sparkWidth  = 24
	historyCap  = 600
	graphWidth  = 40
	graphHeight = 6
	frameRate   = 10
)

type TickMsg time.Time

// EventMsg carries one run event into the program.
type EventMsg events.Event

// DoneMsg reports that the run finished, with its error if any.
type DoneMsg struct{ Err error }

type member struct {
	name   string
	epoch  int
	loss   []float64
	maeF   []float64
	lastE  float64
	status string
}

// Model is the live view of a running active-learning loop.
type Model struct {
	runID     string
	theme     Theme
	styles    Styles
	iteration int
	phase     string
	started   time.Time
	members   []*member
	selected  int
	logs      []string
	errors    []string
	frame     int
	done      bool
	err       error
	showHelp  bool
}

func NewModel(runID, themeName string) Model {
	theme := GetTheme(themeName)
	return Model{
		runID:   runID,
		theme:   theme,
		styles:  NewStyles(theme),
		started: time.Now(),
	}
}

func (m Model) Init() tea.Cmd { return tick() }

func tick() tea.Cmd {
	return tea.Tick(time.Second/frameRate, func(t time.Time) tea.Msg { return TickMsg(t) })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			if len(m.members) > 0 {
				m.selected = (m.selected + 1) % len(m.members)
			}
		case "t":
			m.theme = NextTheme(m.theme.Name)
			m.styles = NewStyles(m.theme)
		case "?":
			m.showHelp = !m.showHelp
		}
	case TickMsg:
		m.frame++
		if m.done {
			return m, nil
		}
		return m, tick()
	case EventMsg:
		m.apply(events.Event(msg))
	case DoneMsg:
		m.done = true
		m.err = msg.Err
		return m, tea.Quit
	}
	return m, nil
}

func (m *Model) apply(e events.Event) {
	if e.Iteration > m.iteration {
		m.iteration = e.Iteration
		m.members = nil
		m.selected = 0
	}
	switch e.Kind {
	case events.KindPhase:
		m.phase = e.Phase
		m.log(fmt.Sprintf("iter %d: %s", e.Iteration, phaseText(e)))
	case events.KindProgress:
		mb := m.member(e.Member)
		mb.epoch = e.Epoch
		mb.status = "training"
		mb.lastE = e.MAEEnergy
		mb.loss = appendCapped(mb.loss, e.Loss)
		mb.maeF = appendCapped(mb.maeF, e.MAEForce)
	case events.KindDone:
		if e.Member != "" {
			m.member(e.Member).status = "done"
		}
		if e.Message != "" {
			m.log(e.Message)
		}
	case events.KindError:
		if e.Member != "" {
			m.member(e.Member).status = "failed"
		}
		m.errors = append(m.errors, e.Message)
		m.log("error: " + e.Message)
	case events.KindLog:
		m.log(e.Message)
	}
}

func phaseText(e events.Event) string {
	if e.Message != "" {
		return e.Phase + " " + e.Message
	}
	return e.Phase
}

func (m *Model) member(name string) *member {
	if name == "" {
		name = "-"
	}
	for _, mb := range m.members {
		if mb.name == name {
			return mb
		}
	}
	mb := &member{name: name, status: "waiting"}
	m.members = append(m.members, mb)
	return mb
}

func (m *Model) log(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	m.logs = append(m.logs, line)
	if len(m.logs) > logCapacity {
		m.logs = m.logs[len(m.logs)-logCapacity:]
	}
}

func appendCapped(s []float64, v float64) []float64 {
	s = append(s, v)
	if len(s) > historyCap {
		s = s[len(s)-historyCap:]
	}
	return s
}

func (m Model) status() string {
	switch {
	case m.done && m.err != nil:
		return m.styles.Failed.Render("FAILED")
	case m.done:
		return m.styles.Done.Render("FINISHED")
	default:
		return m.styles.Running.Render(AnimatedSpinner(m.frame) + " RUNNING")
	}
}

// View renders the TUI interface.
func (m Model) View() string {
	st := m.styles
	var s strings.Builder

	s.WriteString(st.Header.Render("ACTIVE LEARNING  "+m.runID) + "\n")
	s.WriteString(m.status() + "\n\n")
	s.WriteString(st.Label.Render("Iteration") + st.Value.Render(fmt.Sprintf("%d", m.iteration)) + "\n")
	phase := m.phase
	if phase == "" {
		phase = "starting"
	}
	s.WriteString(st.Label.Render("Phase") + st.Value.Render(phase) + "\n")
	s.WriteString(st.Label.Render("Elapsed") + st.Value.Render(time.Since(m.started).Truncate(time.Second).String()) + "\n")
	if len(m.errors) > 0 {
		s.WriteString(st.Label.Render("Errors") + st.Failed.Render(fmt.Sprintf("%d", len(m.errors))) + "\n")
	}

	s.WriteString("\nCOMMITTEE\n")
	if len(m.members) == 0 {
		s.WriteString(st.Label.Render("  (none)") + "\n")
	}
	for i, mb := range m.members {
		line := fmt.Sprintf("%-4s %-8s ep %-4d %s", mb.name, mb.status, mb.epoch, st.Sparkline(mb.loss, sparkWidth))
		if len(mb.maeF) > 0 {
			line += fmt.Sprintf(" F %.1f E %.2f", mb.maeF[len(mb.maeF)-1], mb.lastE)
		}
		if i == m.selected {
			s.WriteString(st.Active.Render("> ") + line + "\n")
		} else {
			s.WriteString("  " + line + "\n")
		}
	}

	if m.selected < len(m.members) {
		if mb := m.members[m.selected]; len(mb.maeF) > 1 {
			chart := asciigraph.Plot(mb.maeF,
				asciigraph.Height(graphHeight),
				asciigraph.Width(graphWidth),
				asciigraph.Caption(mb.name+" force MAE (meV/Å)"))
			s.WriteString(st.Graph.Render(chart) + "\n")
		}
	}

	s.WriteString("\n" + st.Separator(graphWidth+10) + "\n")
	for _, l := range m.logs {
		s.WriteString(st.Subtle.Render(truncate(l, graphWidth+10)) + "\n")
	}
	if m.err != nil {
		s.WriteString("\n" + st.Failed.Render(m.err.Error()) + "\n")
	}

	s.WriteString(st.Subtle.Render("\nTAB:Member T:Theme ?:Help Q:Quit"))
	view := st.Panel.Render(s.String())
	if m.showHelp {
		help := lipgloss.JoinVertical(lipgloss.Left,
			"TAB  cycle committee member",
			"T    cycle themes ("+strings.Join(ThemeNames(), ", ")+")",
			"Q    quit the monitor and cancel the run",
			"?    toggle this help",
		)
		return st.Panel.Render(help) + "\n" + view
	}
	return view
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}

// Sink forwards events to a running program.
func Sink(p *tea.Program) events.Sink {
	return events.SinkFunc(func(e events.Event) { p.Send(EventMsg(e)) })
}

// Run executes fn in a goroutine while the monitor renders its events.
// Quitting the monitor cancels the context passed to fn; Run returns fn's
// error once fn has finished.
func Run(ctx context.Context, runID, themeName string, fn func(context.Context, events.Sink) error, opts ...tea.ProgramOption) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(NewModel(runID, themeName), opts...)
	result := make(chan error, 1)
	go func() {
		err := fn(ctx, Sink(p))
		result <- err
		p.Send(DoneMsg{Err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-result
		return fmt.Errorf("monitor: %w", err)
	}
	cancel()
	return <-result
}
