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

	"github.com/harun/mailpilot/pkg/chat"
)

// maxWelcomeSuggestions is how many quick-start prompts get a number key.
const maxWelcomeSuggestions = 4

// stateChangedMsg reports that the session emitted at least one event
// since the last one was handled.
type stateChangedMsg struct{}

// Model is the Bubble Tea model of one chat session.
type Model struct {
	ctx       context.Context
	manager   *chat.Manager
	session   *chat.Session
	backend   string
	changes   chan struct{}
	markdown  *markdownRenderer
	snapshot  chat.Snapshot
	notice    error
	ready     bool
	width     int
	height    int
	viewport  viewport.Model
	textarea  textarea.Model
	spinner   spinner.Model
	unsubFunc func()
}

// NewModel binds a model to the session id held by manager. The context
// bounds every dispatch started from the terminal.
func NewModel(ctx context.Context, manager *chat.Manager, sessionID, backendName string) (Model, error) {
	session, err := manager.Get(sessionID)
	if err != nil {
		return Model{}, err
	}

	ta := textarea.New()
	ta.Placeholder = "Ask about your inbox..."
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	// Enter belongs to the input gate; newlines come from alt+enter and ctrl+j.
	ta.KeyMap.InsertNewline.SetEnabled(false)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.FocusedStyle.Base = lipgloss.NewStyle().Foreground(colorText)
	ta.FocusedStyle.Placeholder = lipgloss.NewStyle().Foreground(colorTextDim)
	ta.BlurredStyle = ta.FocusedStyle
	ta.Focus()

	s := spinner.New()
	s.Spinner = spinner.Points
	s.Style = loadingStyle

	changes := make(chan struct{}, 1)
	unsub := session.Subscribe(func(chat.Event) {
		select {
		case changes <- struct{}{}:
		default:
		}
	})

	m := Model{
		ctx:       ctx,
		manager:   manager,
		session:   session,
		backend:   backendName,
		changes:   changes,
		markdown:  newMarkdownRenderer("dark"),
		snapshot:  session.Snapshot(),
		textarea:  ta,
		spinner:   s,
		unsubFunc: unsub,
	}
	m.textarea.SetValue(m.snapshot.Draft)
	return m, nil
}

// Close stops listening to the session.
func (m Model) Close() {
	if m.unsubFunc != nil {
		m.unsubFunc()
	}
}

// Init starts the cursor blink and the session listener.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.waitForChange())
}

func (m Model) waitForChange() tea.Cmd {
	changes := m.changes
	return func() tea.Msg {
		<-changes
		return stateChangedMsg{}
	}
}

// Update handles terminal input and session events.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	var cmd tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)

	case stateChangedMsg:
		wasPending := m.snapshot.Pending
		m.refresh()
		cmds = append(cmds, m.waitForChange())
		if m.snapshot.Pending && !wasPending {
			cmds = append(cmds, m.spinner.Tick)
		}
		return m, tea.Batch(cmds...)

	case spinner.TickMsg:
		if m.snapshot.Pending {
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit

		case "enter":
			m.session.SetDraft(m.textarea.Value())
			submitted, err := m.session.PressEnter(m.ctx, false)
			m.notice = visibleError(err)
			if submitted {
				m.textarea.Reset()
			}
			m.refresh()
			if m.snapshot.Pending {
				cmds = append(cmds, m.spinner.Tick)
			}
			return m, tea.Batch(cmds...)

		case "alt+enter", "ctrl+j":
			m.session.SetDraft(m.textarea.Value())
			if _, err := m.session.PressEnter(m.ctx, true); err != nil {
				m.notice = err
			}
			m.textarea.SetValue(m.session.Draft())
			return m, nil

		case "ctrl+n":
			if _, err := m.manager.NewChat(m.ctx, m.session.ID()); err != nil {
				m.notice = err
			} else {
				m.notice = nil
			}
			m.textarea.Reset()
			m.refresh()
			return m, nil
		}

		if idx, ok := m.suggestionKey(msg); ok {
			if _, err := m.manager.PrefillSuggestion(m.session.ID(), idx); err == nil {
				m.textarea.SetValue(m.session.Draft())
				m.refresh()
				return m, nil
			}
		}

		m.textarea, cmd = m.textarea.Update(msg)
		cmds = append(cmds, cmd)
		m.session.SetDraft(m.textarea.Value())
		m.snapshot.Draft = m.textarea.Value()
		return m, tea.Batch(cmds...)
	}

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// suggestionKey maps the number keys to quick-start prompts while the
// conversation and the draft are both empty.
func (m Model) suggestionKey(msg tea.KeyMsg) (int, bool) {
	if len(m.snapshot.Timeline) > 0 || m.textarea.Value() != "" {
		return 0, false
	}
	if msg.Type != tea.KeyRunes || len(msg.Runes) != 1 {
		return 0, false
	}
	r := msg.Runes[0]
	if r < '1' || r > '0'+maxWelcomeSuggestions {
		return 0, false
	}
	return int(r - '1'), true
}

// visibleError drops the rejections that need no explanation.
func visibleError(err error) error {
	if err == nil || errors.Is(err, chat.ErrEmptyMessage) {
		return nil
	}
	return err
}

func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	headerHeight := 3
	inputHeight := 7
	statusHeight := 2
	vpHeight := height - headerHeight - inputHeight - statusHeight
	if vpHeight < 5 {
		vpHeight = 5
	}
	contentWidth := width - 4
	if contentWidth < 20 {
		contentWidth = 20
	}

	// Border and padding of the messages panel take four columns.
	if !m.ready {
		m.viewport = viewport.New(contentWidth-4, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = contentWidth - 4
		m.viewport.Height = vpHeight
	}
	m.textarea.SetWidth(contentWidth - 4)
	m.renderTimeline()
}

// refresh re-reads the session and redraws the conversation.
func (m *Model) refresh() {
	m.snapshot = m.session.Snapshot()
	if m.ready {
		m.renderTimeline()
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderTimeline() {
	var content strings.Builder
	bubbleWidth := m.viewport.Width - 6

	for i, msg := range m.snapshot.Timeline {
		if i > 0 {
			content.WriteString("\n")
		}

		if msg.Role == chat.RoleUser {
			content.WriteString(userLabelStyle.Render("You"))
			content.WriteString("\n")
			if msg.Failed() {
				body := msg.Content + "\n" + errorStyle.Render("Not delivered: "+msg.Error)
				content.WriteString(failedBubbleStyle.Width(bubbleWidth).Render(body))
			} else {
				content.WriteString(userBubbleStyle.Width(bubbleWidth).Render(msg.Content))
			}
		} else {
			content.WriteString(assistantLabelStyle.Render("Mailpilot"))
			content.WriteString("\n")
			rendered := m.markdown.Render(msg.Content, bubbleWidth-4)
			content.WriteString(assistantBubbleStyle.Width(bubbleWidth).Render(rendered))
		}
		content.WriteString("\n")
	}

	m.viewport.SetContent(content.String())
}

// View renders the TUI.
func (m Model) View() string {
	if !m.ready {
		return loadingStyle.Render("  Initializing...")
	}

	contentWidth := m.viewport.Width + 4
	var sections []string

	header := lipgloss.JoinHorizontal(lipgloss.Center,
		titleStyle.Render("Mailpilot"),
		hintStyle.Render("  |  "),
		subtitleStyle.Render(m.snapshot.Title),
		hintStyle.Render("  |  "),
		subtitleStyle.Render(m.backend),
	)
	sections = append(sections, headerStyle.Width(contentWidth).Render(header))

	var body string
	if len(m.snapshot.Timeline) == 0 {
		body = m.renderWelcome()
	} else {
		body = m.viewport.View()
	}
	sections = append(sections, messagesAreaStyle.Width(contentWidth).Height(m.viewport.Height).Render(body))

	var input string
	if m.snapshot.Pending {
		input = lipgloss.JoinVertical(lipgloss.Left,
			loadingStyle.Render(m.spinner.View()+" Mailpilot is thinking..."),
			m.textarea.View(),
		)
	} else {
		input = lipgloss.JoinVertical(lipgloss.Left, inputLabelStyle.Render("You"), m.textarea.View())
	}
	sections = append(sections, inputPanelStyle.Width(contentWidth).Render(input))

	if m.notice != nil {
		sections = append(sections, errorStyle.Render(fmt.Sprintf("! %v", m.notice)))
	}
	sections = append(sections, m.renderStatusBar(contentWidth))

	return lipgloss.JoinVertical(lipgloss.Left, sections...)
}

func (m Model) renderWelcome() string {
	lines := []string{
		welcomeTitleStyle.Render("Welcome to Mailpilot"),
		subtitleStyle.Render("Your Gmail assistant. Pick a suggestion or type a message below."),
		"",
	}
	for i, s := range m.manager.Suggestions().List() {
		if i >= maxWelcomeSuggestions {
			break
		}
		lines = append(lines,
			suggestionKeyStyle.Render(fmt.Sprintf("[%d]", i+1))+" "+suggestionTextStyle.Render(s.Text),
			"    "+suggestionDescStyle.Render(s.Description),
		)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func (m Model) renderStatusBar(width int) string {
	shortcuts := []struct {
		key  string
		desc string
	}{
		{"Enter", "Send"},
		{"Alt+Enter", "Newline"},
		{"Ctrl+N", "New chat"},
		{"Esc", "Quit"},
	}

	items := make([]string, 0, len(shortcuts))
	for _, s := range shortcuts {
		items = append(items, statusKeyStyle.Render(s.key)+statusDescStyle.Render(" "+s.desc))
	}
	return statusBarStyle.Width(width).Align(lipgloss.Center).Render(strings.Join(items, "  |  "))
}

// Run starts the chat TUI on the given session and blocks until the user
// quits.
func Run(ctx context.Context, manager *chat.Manager, sessionID, backendName string) error {
	m, err := NewModel(ctx, manager, sessionID, backendName)
	if err != nil {
		return err
	}
	defer m.Close()

	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err = p.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}
