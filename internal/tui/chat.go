// Package tui provides the terminal chat interface.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/eachlabs/vaultagent/internal/agent"
	"github.com/eachlabs/vaultagent/internal/chat"
	"github.com/eachlabs/vaultagent/internal/chunk"
)

var (
	// Colors for chat
	chatPurple    = lipgloss.Color("#A855F7")
	chatGreen     = lipgloss.Color("#22C55E")
	chatYellow    = lipgloss.Color("#FBBF24")
	chatRed       = lipgloss.Color("#EF4444")
	chatGray      = lipgloss.Color("#6B7280")
	chatDarkGray  = lipgloss.Color("#374151")
	chatLightGray = lipgloss.Color("#9CA3AF")
	chatWhite     = lipgloss.Color("#F9FAFB")

	// Styles for chat
	chatTitleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(chatPurple)

	chatUserMsgStyle = lipgloss.NewStyle().
				Foreground(chatWhite).
				Background(chatPurple).
				Padding(0, 1)

	chatUserLabelStyle = lipgloss.NewStyle().
				Foreground(chatPurple).
				Bold(true)

	chatAssistantLabelStyle = lipgloss.NewStyle().
				Foreground(chatGreen).
				Bold(true)

	chatAssistantMsgStyle = lipgloss.NewStyle().
				Foreground(chatWhite)

	chatToolStyle = lipgloss.NewStyle().
			Foreground(chatYellow).
			Bold(true)

	chatToolOutputStyle = lipgloss.NewStyle().
				Foreground(chatLightGray).
				Background(chatDarkGray).
				Padding(0, 1)

	chatNestedStyle = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder(), false, false, false, true).
			BorderForeground(chatDarkGray).
			PaddingLeft(1).
			MarginLeft(2)

	chatErrorMsgStyle = lipgloss.NewStyle().
				Foreground(chatRed).
				Bold(true)

	chatInputBoxStyle = lipgloss.NewStyle().
				Border(lipgloss.RoundedBorder()).
				BorderForeground(chatPurple).
				Padding(0, 1)

	chatInputBoxFocusedStyle = lipgloss.NewStyle().
					Border(lipgloss.RoundedBorder()).
					BorderForeground(chatGreen).
					Padding(0, 1)

	chatStatusStyle = lipgloss.NewStyle().
			Foreground(chatGray)

	chatHelpStyle = lipgloss.NewStyle().
			Foreground(chatGray)
)

// Updates carries change notifications from the chat controller to the
// UI. Notify never blocks; bursts collapse into one redraw.
type Updates chan struct{}

// NewUpdates creates an update channel.
func NewUpdates() Updates {
	return make(Updates, 1)
}

// Notify has the signature of chat.Config.OnUpdate.
func (u Updates) Notify(chunk.Key) {
	select {
	case u <- struct{}{}:
	default:
	}
}

// ChatOptions configure the chat UI.
type ChatOptions struct {
	Controller *chat.Controller
	Updates    Updates
	Thread     string
	ActiveNote string
	Vault      string
	Plain      bool // no Markdown rendering
}

// ChatModel is the bubbletea model for chat UI
type ChatModel struct {
	// UI components
	textarea textarea.Model
	viewport viewport.Model
	spinner  spinner.Model
	renderer *Renderer

	opts   ChatOptions
	ctrl   *chat.Controller
	ctx    context.Context
	cancel context.CancelFunc

	// State
	agent    string // agent whose conversation is shown
	thread   string
	thinking bool
	notice   string
	isError  bool
	width    int
	height   int
	ready    bool
}

// Messages
type refreshMsg struct{}
type replyMsg struct {
	reply *chat.Reply
	err   error
}
type clearedMsg struct{ thread string }

// NewChatModel creates a new chat TUI model
func NewChatModel(opts ChatOptions) ChatModel {
	ta := textarea.New()
	ta.Placeholder = "Ask about your notes... (@agent to address one, /help for commands)"
	ta.Focus()
	ta.CharLimit = 4000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.ShowLineNumbers = false
	ta.KeyMap.InsertNewline.SetEnabled(false) // Enter sends message

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(chatPurple)

	thread := opts.Thread
	if thread == "" {
		thread = chat.DefaultThread
	}

	ctx, cancel := context.WithCancel(context.Background())

	return ChatModel{
		textarea: ta,
		viewport: viewport.New(80, 20),
		spinner:  sp,
		renderer: NewRenderer(opts.Controller.Registry(), 78, opts.Plain),
		opts:     opts,
		ctrl:     opts.Controller,
		ctx:      ctx,
		cancel:   cancel,
		agent:    opts.Controller.DefaultAgent(),
		thread:   thread,
	}
}

func (m ChatModel) Init() tea.Cmd {
	return tea.Batch(
		textarea.Blink,
		m.spinner.Tick,
		m.waitForUpdate(),
	)
}

func (m ChatModel) waitForUpdate() tea.Cmd {
	return func() tea.Msg {
		select {
		case <-m.ctx.Done():
			return nil
		case <-m.opts.Updates:
			return refreshMsg{}
		}
	}
}

func (m ChatModel) send(text string) tea.Cmd {
	ctrl, ctx := m.ctrl, m.ctx
	req := chat.Request{Text: text, Thread: m.thread, ActiveNote: m.opts.ActiveNote}
	return func() tea.Msg {
		reply, err := ctrl.Send(ctx, req)
		return replyMsg{reply: reply, err: err}
	}
}

func (m ChatModel) cancelRequest() tea.Cmd {
	ctrl := m.ctrl
	return func() tea.Msg {
		ctrl.Cancel()
		return nil
	}
}

func (m ChatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			m.cancel()
			m.ctrl.Cancel()
			return m, tea.Quit

		case tea.KeyEsc:
			if m.thinking {
				return m, m.cancelRequest()
			}
			m.cancel()
			return m, tea.Quit

		case tea.KeyEnter:
			input := strings.TrimSpace(m.textarea.Value())
			if input == "" {
				return m, nil
			}
			m.textarea.Reset()
			return m.submit(input)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		headerHeight := 2
		inputHeight := 5
		helpHeight := 2
		viewportHeight := m.height - headerHeight - inputHeight - helpHeight - 1
		if viewportHeight < 3 {
			viewportHeight = 3
		}

		if !m.ready {
			m.viewport = viewport.New(m.width-2, viewportHeight)
			m.viewport.YPosition = headerHeight
			m.ready = true
		} else {
			m.viewport.Width = m.width - 2
			m.viewport.Height = viewportHeight
		}

		m.textarea.SetWidth(m.width - 4)
		m.renderer = NewRenderer(m.ctrl.Registry(), m.width-6, m.opts.Plain)
		m.updateViewport()

	case refreshMsg:
		m.updateViewport()
		cmds = append(cmds, m.waitForUpdate())

	case replyMsg:
		m.thinking = m.ctrl.Busy()
		switch {
		case msg.err == nil:
			m.notice, m.isError = usageNotice(msg.reply), false
		case agent.IsCancelled(msg.err):
			m.notice, m.isError = chat.Describe(msg.err), false
		default:
			m.notice, m.isError = chat.Describe(msg.err), true
		}
		m.updateViewport()

	case clearedMsg:
		m.thinking = false
		m.notice, m.isError = fmt.Sprintf("cleared thread %s", msg.thread), false
		m.updateViewport()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.textarea, cmd = m.textarea.Update(msg)
	cmds = append(cmds, cmd)

	var vcmd tea.Cmd
	m.viewport, vcmd = m.viewport.Update(msg)
	cmds = append(cmds, vcmd)

	return m, tea.Batch(cmds...)
}

// submit handles a line of input. A new message while a request is in
// flight replaces that request.
func (m ChatModel) submit(input string) (tea.Model, tea.Cmd) {
	if cmd, ok := chat.ParseCommand(input); ok {
		return m.command(cmd)
	}

	parsed := chat.ParseMessage(input)
	if parsed.TargetAgent != "" {
		m.agent = parsed.TargetAgent
	}
	m.thinking = true
	m.notice = ""
	return m, m.send(input)
}

func (m ChatModel) command(cmd chat.Command) (tea.Model, tea.Cmd) {
	switch cmd.Name {
	case "clear":
		ctrl, thread := m.ctrl, m.thread
		return m, func() tea.Msg {
			ctrl.Clear(thread)
			return clearedMsg{thread: thread}
		}

	case "cancel":
		return m, m.cancelRequest()

	case "agents":
		m.notice, m.isError = "agents: "+strings.Join(m.ctrl.Agents(), ", "), false

	case "thread":
		if cmd.Args == "" {
			m.notice, m.isError = "thread: "+m.thread, false
			break
		}
		m.thread = cmd.Args
		m.notice, m.isError = "switched to thread "+m.thread, false
		m.updateViewport()

	case "quit", "exit":
		m.cancel()
		m.ctrl.Cancel()
		return m, tea.Quit

	case "help":
		m.notice, m.isError = "/clear  /cancel  /agents  /thread [name]  /quit  ·  @agent message", false

	default:
		m.notice, m.isError = "unknown command /"+cmd.Name, true
	}
	return m, nil
}

func usageNotice(reply *chat.Reply) string {
	if reply == nil || reply.Result == nil {
		return ""
	}
	u := reply.Result.Usage
	return fmt.Sprintf("%d steps · %d in / %d out tokens", len(reply.Result.Steps), u.InputTokens, u.OutputTokens)
}

func (m *ChatModel) updateViewport() {
	content := m.renderer.Render(chunk.Key{Agent: m.agent, Thread: m.thread})
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

func (m ChatModel) View() string {
	if !m.ready {
		return "Loading..."
	}

	var b strings.Builder

	header := chatTitleStyle.Render("vaultagent") + "  " +
		chatStatusStyle.Render(fmt.Sprintf("%s · thread %s · %s", m.agent, m.thread, m.opts.Vault))
	b.WriteString(header + "\n")
	b.WriteString(strings.Repeat("─", max(m.width-2, 0)) + "\n")

	b.WriteString(m.viewport.View() + "\n")

	switch {
	case m.thinking:
		b.WriteString(m.spinner.View() + " " + chatStatusStyle.Render("Thinking... (Esc to cancel)") + "\n")
	case m.notice != "" && m.isError:
		b.WriteString(chatErrorMsgStyle.Render(m.notice) + "\n")
	case m.notice != "":
		b.WriteString(chatStatusStyle.Render(m.notice) + "\n")
	default:
		b.WriteString("\n")
	}

	inputStyle := chatInputBoxFocusedStyle
	if m.thinking {
		inputStyle = chatInputBoxStyle
	}
	b.WriteString(inputStyle.Render(m.textarea.View()) + "\n")

	b.WriteString(chatHelpStyle.Render("Enter to send • Esc to cancel or quit • /help"))

	return b.String()
}

// RunChat starts the chat TUI
func RunChat(ctx context.Context, opts ChatOptions) error {
	model := NewChatModel(opts)
	p := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
