package tui

import (
	"context"
	"errors"
	"strings"

	"vigil/internal/jobstate"
	"vigil/internal/logtail"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

type pane int

const (
	paneJobs pane = iota
	paneLog
)

type jobsViewMsg struct {
	view jobstate.View
	ok   bool
}

type jobsDoneMsg struct {
	err error
}

type logViewMsg struct {
	tailID int64
	view   logtail.View
	ok     bool
}

type logDoneMsg struct {
	tailID int64
	err    error
}

// Deps 界面需要的组件，由 cmd 组装
type Deps struct {
	Jobs    *jobstate.Store
	RunJobs func(ctx context.Context) error // nil 时不显示任务表
	NewTail func(jid string) *logtail.Controller
}

type Model struct {
	ctx  context.Context
	deps Deps

	ready  bool
	width  int
	height int
	pane   pane

	jobsCh    <-chan jobstate.View
	unsubJobs func()
	jobs      jobstate.View
	cursor    int
	jobsErr   error
	fatal     error

	tailID     int64
	tail       *logtail.Controller
	tailCh     <-chan logtail.View
	tailCtx    context.Context
	tailCancel context.CancelFunc
	unsubTail  func()
	logView    logtail.View

	logPort viewport.Model
	spinner spinner.Model
}

// New 任务表模式；jid 非空时直接进入日志页，esc 不返回任务表
func New(ctx context.Context, deps Deps, jid string) Model {
	spin := spinner.New()
	spin.Spinner = spinner.MiniDot
	spin.Style = lipgloss.NewStyle().Foreground(accentSecondary)

	m := Model{
		ctx:     ctx,
		deps:    deps,
		logPort: viewport.New(80, 20),
		spinner: spin,
		jobs:    jobstate.View{Link: jobstate.LinkConnecting},
	}
	if deps.RunJobs != nil && deps.Jobs != nil {
		// 先订阅再启动，不会漏掉第一条快照
		m.jobsCh, m.unsubJobs = deps.Jobs.Subscribe()
	}
	if jid != "" {
		m.pane = paneLog
		m.openTail(jid)
	}
	return m
}

func (m Model) Init() tea.Cmd {
	cmds := []tea.Cmd{m.spinner.Tick}
	if m.jobsCh != nil {
		cmds = append(cmds, runJobsCmd(m.ctx, m.deps.RunJobs), waitForJobsCmd(m.jobsCh))
	}
	if m.tail != nil {
		cmds = append(cmds, m.tailCmds()...)
	}
	return tea.Batch(cmds...)
}

// Err 推送内容无法解析时界面退出，main 用它决定退出码
func (m Model) Err() error { return m.fatal }

func runJobsCmd(ctx context.Context, run func(context.Context) error) tea.Cmd {
	return func() tea.Msg {
		return jobsDoneMsg{err: run(ctx)}
	}
}

func waitForJobsCmd(ch <-chan jobstate.View) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		return jobsViewMsg{view: v, ok: ok}
	}
}

func runTailCmd(ctx context.Context, tailID int64, c *logtail.Controller) tea.Cmd {
	return func() tea.Msg {
		return logDoneMsg{tailID: tailID, err: c.Run(ctx)}
	}
}

func waitForTailCmd(tailID int64, ch <-chan logtail.View) tea.Cmd {
	return func() tea.Msg {
		v, ok := <-ch
		return logViewMsg{tailID: tailID, view: v, ok: ok}
	}
}

func (m *Model) openTail(jid string) {
	m.closeTail()
	m.tailID++
	m.tailCtx, m.tailCancel = context.WithCancel(m.ctx)
	m.tail = m.deps.NewTail(jid)
	m.tailCh, m.unsubTail = m.tail.Subscribe()
	m.logView = m.tail.View()
	m.logPort.SetContent("")
	m.logPort.GotoTop()
}

func (m Model) tailCmds() []tea.Cmd {
	return []tea.Cmd{
		runTailCmd(m.tailCtx, m.tailID, m.tail),
		waitForTailCmd(m.tailID, m.tailCh),
	}
}

func (m *Model) closeTail() {
	if m.tailCancel != nil {
		m.tailCancel()
		m.tailCancel = nil
	}
	if m.unsubTail != nil {
		m.unsubTail()
		m.unsubTail = nil
	}
	m.tail = nil
	m.tailCh = nil
	m.tailCtx = nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.ready = true
		m.logPort.Width = max(20, msg.Width-4)
		m.logPort.Height = max(5, msg.Height-7)
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case jobsViewMsg:
		if !msg.ok {
			return m, nil
		}
		m.jobs = msg.view
		if m.cursor >= len(m.jobs.Rows) {
			m.cursor = max(0, len(m.jobs.Rows)-1)
		}
		return m, waitForJobsCmd(m.jobsCh)

	case jobsDoneMsg:
		m.jobsErr = msg.err
		var pe *jobstate.ParseError
		if errors.As(msg.err, &pe) {
			// 上游契约坏了，不做局部渲染
			m.fatal = msg.err
			m.shutdown()
			return m, tea.Quit
		}
		return m, nil

	case logViewMsg:
		if msg.tailID != m.tailID || !msg.ok || m.tail == nil {
			return m, nil
		}
		m.setLogView(msg.view)
		return m, waitForTailCmd(m.tailID, m.tailCh)

	case logDoneMsg:
		if msg.tailID == m.tailID && m.tail != nil {
			m.setLogView(m.tail.View())
		}
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}

	if m.pane == paneLog {
		var cmd tea.Cmd
		m.logPort, cmd = m.logPort.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) setLogView(v logtail.View) {
	follow := m.logPort.AtBottom()
	m.logView = v
	m.logPort.SetContent(logBody(v))
	if follow {
		m.logPort.GotoBottom()
	}
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c", "q":
		m.shutdown()
		return m, tea.Quit
	}

	if m.pane == paneLog {
		switch msg.String() {
		case "esc", "backspace":
			if m.jobsCh == nil {
				return m, nil
			}
			m.closeTail()
			m.pane = paneJobs
			return m, nil
		}
		var cmd tea.Cmd
		m.logPort, cmd = m.logPort.Update(msg)
		return m, cmd
	}

	switch msg.String() {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.jobs.Rows)-1 {
			m.cursor++
		}
	case "enter":
		if m.cursor < len(m.jobs.Rows) && m.deps.NewTail != nil {
			m.openTail(m.jobs.Rows[m.cursor].JID)
			m.pane = paneLog
			return m, tea.Batch(m.tailCmds()...)
		}
	}
	return m, nil
}

func (m *Model) shutdown() {
	m.closeTail()
	if m.unsubJobs != nil {
		m.unsubJobs()
		m.unsubJobs = nil
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Starting vigil..."
	}
	if m.pane == paneLog {
		return m.logPane()
	}
	return m.jobsPane()
}

func (m Model) jobsPane() string {
	parts := []string{
		headerStyle.Render("Jobs"),
		renderLink(m.jobs),
	}
	if m.jobsErr != nil && m.jobs.Link != jobstate.LinkError {
		parts = append(parts, errorStyle.Render(m.jobsErr.Error()))
	}
	if !m.jobs.HasData {
		parts = append(parts, m.spinner.View()+" waiting for the first snapshot")
	} else {
		parts = append(parts,
			renderCounts(m.jobs),
			renderPanel("All jobs", renderTable(m.jobs.Rows, m.cursor), m.width))
	}
	parts = append(parts, helpStyle.Render("up/down select | enter view log | q quit"))
	return strings.Join(parts, "\n")
}

func (m Model) logPane() string {
	status := logStatus(m.logView)
	if !m.logView.State.Terminal() {
		status = m.spinner.View() + " " + status
	}
	title := "Log " + m.logView.JID
	help := "up/down scroll | q quit"
	if m.jobsCh != nil {
		help = "up/down scroll | esc back | q quit"
	}
	return strings.Join([]string{
		headerStyle.Render(title) + " " + statusStyle.Render(status),
		renderPanel("Output", m.logPort.View(), m.width),
		helpStyle.Render(help),
	}, "\n")
}
