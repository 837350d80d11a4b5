// Package tui is the render boundary: a bubbletea program that
// consumes immutable snapshots of the conversation registry and the
// open session, and turns key presses into operations on them. It
// never reaches into core state directly.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	"github.com/healthmon/healthchat/internal/chat"
	"github.com/healthmon/healthchat/internal/client"
	"github.com/healthmon/healthchat/internal/models"
)

// FocusRegion identifies which pane has keyboard focus.
type FocusRegion int

const (
	// FocusList means navigation keys move the conversation cursor.
	FocusList FocusRegion = iota
	// FocusInput means keystrokes go to the message textarea.
	FocusInput
	// FocusRename means keystrokes go to the rename input.
	FocusRename
	// FocusConfirmDelete means a delete is awaiting an explicit y/n.
	// Deletion is never silent.
	FocusConfirmDelete
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	userStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	botStyle      = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("13"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	sidebarStyle  = lipgloss.NewStyle().Border(lipgloss.NormalBorder(), false, true, false, false).PaddingRight(1)
)

const sidebarWidth = 32

// Messages delivered by asynchronous operation commands.

type listRefreshedMsg struct{ err error }

type openedMsg struct {
	id  string
	err error
}

type createdMsg struct {
	id  string
	err error
}

type sentMsg struct{ err error }

type renamedMsg struct{ err error }

type deletedMsg struct {
	id  string
	err error
}

// sessionInvalidMsg is delivered once when the client observes an
// authorization failure. The program exits; main reports the forced
// logout.
type sessionInvalidMsg struct{}

// Model is the bubbletea model for the chat screen.
type Model struct {
	registry *chat.Registry
	session  *chat.Session
	api      *client.Client
	logger   *zap.Logger

	focus         FocusRegion
	conversations []models.Conversation
	cursor        int
	timeline      chat.Snapshot
	opts          models.SendOptions

	input         textarea.Model
	rename        textinput.Model
	view          viewport.Model
	spin          spinner.Model
	width         int
	height        int
	ready         bool
	status        string
	pendingDelete string

	// SessionExpired is set when the program quits because the server
	// invalidated the session.
	SessionExpired bool
}

func NewModel(registry *chat.Registry, session *chat.Session, api *client.Client, logger *zap.Logger) Model {
	input := textarea.New()
	input.Placeholder = "Type a message..."
	input.SetHeight(3)
	input.CharLimit = 0
	input.ShowLineNumbers = false

	rename := textinput.New()
	rename.Placeholder = "New name"
	rename.CharLimit = 120

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return Model{
		registry: registry,
		session:  session,
		api:      api,
		logger:   logger,
		opts:     models.SendOptions{InsightType: models.InsightRawData},
		input:    input,
		rename:   rename,
		spin:     spin,
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.refreshCmd(), m.watchInvalidCmd(), m.spin.Tick)
}

func (m Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		return listRefreshedMsg{err: m.registry.Refresh(context.Background())}
	}
}

func (m Model) openCmd(id string) tea.Cmd {
	return func() tea.Msg {
		return openedMsg{id: id, err: m.session.Open(context.Background(), id)}
	}
}

func (m Model) createCmd() tea.Cmd {
	return func() tea.Msg {
		id, err := m.registry.Create(context.Background(), "")
		return createdMsg{id: id, err: err}
	}
}

func (m Model) sendCmd(text string) tea.Cmd {
	return func() tea.Msg {
		return sentMsg{err: m.session.Send(context.Background(), text, m.opts)}
	}
}

func (m Model) renameCmd(id, name string) tea.Cmd {
	return func() tea.Msg {
		return renamedMsg{err: m.registry.Rename(context.Background(), id, name)}
	}
}

func (m Model) deleteCmd(id string) tea.Cmd {
	return func() tea.Msg {
		return deletedMsg{id: id, err: m.registry.Delete(context.Background(), id)}
	}
}

func (m Model) watchInvalidCmd() tea.Cmd {
	return func() tea.Msg {
		<-m.api.Invalidated()
		return sessionInvalidMsg{}
	}
}

func (m *Model) syncSnapshots() {
	m.conversations = m.registry.Conversations()
	if m.cursor >= len(m.conversations) {
		m.cursor = len(m.conversations) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
	m.timeline = m.session.Snapshot()
	if m.ready {
		m.view.SetContent(m.renderTimeline())
		m.view.GotoBottom()
	}
}

func (m *Model) selectedID() string {
	if m.cursor >= 0 && m.cursor < len(m.conversations) {
		return m.conversations[m.cursor].ID
	}
	return ""
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		vw := msg.Width - sidebarWidth - 2
		vh := msg.Height - m.input.Height() - 4
		if !m.ready {
			m.view = viewport.New(vw, vh)
			m.ready = true
		} else {
			m.view.Width = vw
			m.view.Height = vh
		}
		m.input.SetWidth(vw)
		m.syncSnapshots()
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case sessionInvalidMsg:
		m.SessionExpired = true
		return m, tea.Quit

	case listRefreshedMsg:
		m.noteError(msg.err)
		m.syncSnapshots()
		return m, nil

	case openedMsg:
		if msg.err != nil {
			if client.IsNotFound(msg.err) {
				m.status = "conversation not found"
			} else {
				m.noteError(msg.err)
			}
		} else {
			m.status = ""
			m.focus = FocusInput
			m.input.Focus()
		}
		m.syncSnapshots()
		return m, nil

	case createdMsg:
		m.noteError(msg.err)
		m.syncSnapshots()
		if msg.err == nil {
			m.cursor = 0
			return m, m.openCmd(msg.id)
		}
		return m, nil

	case sentMsg:
		m.noteError(msg.err)
		m.syncSnapshots()
		return m, nil

	case renamedMsg:
		m.noteError(msg.err)
		m.focus = FocusList
		m.syncSnapshots()
		return m, nil

	case deletedMsg:
		m.noteError(msg.err)
		m.focus = FocusList
		m.pendingDelete = ""
		m.syncSnapshots()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) noteError(err error) {
	if err == nil {
		m.status = ""
		return
	}
	m.status = err.Error()
	m.logger.Warn("operation failed", zap.Error(err))
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if msg.Type == tea.KeyCtrlC {
		return m, tea.Quit
	}

	switch m.focus {
	case FocusConfirmDelete:
		switch msg.String() {
		case "y", "Y":
			id := m.pendingDelete
			return m, m.deleteCmd(id)
		case "n", "N", "esc":
			m.focus = FocusList
			m.pendingDelete = ""
		}
		return m, nil

	case FocusRename:
		switch msg.Type {
		case tea.KeyEnter:
			return m, m.renameCmd(m.selectedID(), m.rename.Value())
		case tea.KeyEsc:
			m.focus = FocusList
			return m, nil
		}
		var cmd tea.Cmd
		m.rename, cmd = m.rename.Update(msg)
		return m, cmd

	case FocusInput:
		switch msg.Type {
		case tea.KeyEnter:
			text := strings.TrimSpace(m.input.Value())
			if text == "" || m.timeline.SendPending {
				return m, nil
			}
			m.input.Reset()
			return m, m.sendCmd(text)
		case tea.KeyEsc, tea.KeyTab:
			m.focus = FocusList
			m.input.Blur()
			return m, nil
		case tea.KeyCtrlG:
			m.opts.UseHealthData = !m.opts.UseHealthData
			return m, nil
		case tea.KeyCtrlT:
			m.opts.InsightType = nextInsight(m.opts.InsightType)
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	default: // FocusList
		switch msg.String() {
		case "q":
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.conversations)-1 {
				m.cursor++
			}
		case "enter":
			if id := m.selectedID(); id != "" {
				return m, m.openCmd(id)
			}
		case "tab":
			if m.timeline.State != chat.StateClosed {
				m.focus = FocusInput
				m.input.Focus()
			}
		case "n":
			return m, m.createCmd()
		case "r":
			if m.cursor < len(m.conversations) {
				m.rename.SetValue(m.conversations[m.cursor].Name)
				m.rename.Focus()
				m.focus = FocusRename
			}
		case "d":
			if id := m.selectedID(); id != "" {
				m.pendingDelete = id
				m.focus = FocusConfirmDelete
			}
		case "R":
			return m, m.refreshCmd()
		}
		return m, nil
	}
}

func nextInsight(t models.InsightType) models.InsightType {
	order := []models.InsightType{
		models.InsightRawData,
		models.InsightTrendSummary,
		models.InsightConsistency,
		models.InsightCorrelations,
		models.InsightComprehensive,
	}
	for i, v := range order {
		if v == t {
			return order[(i+1)%len(order)]
		}
	}
	return models.InsightRawData
}

// relativeDate renders a list timestamp the way the web client did:
// Today, Yesterday, N days ago, then short month/day.
func relativeDate(t time.Time, now time.Time) string {
	if t.IsZero() {
		return ""
	}
	days := int(now.Sub(t).Hours() / 24)
	switch {
	case days <= 0:
		return "Today"
	case days == 1:
		return "Yesterday"
	case days < 7:
		return fmt.Sprintf("%d days ago", days)
	default:
		return t.Format("Jan 2")
	}
}

func (m Model) renderTimeline() string {
	if m.timeline.State == chat.StateClosed {
		return dimStyle.Render("No conversation open. Select one and press enter, or press n for a new one.")
	}
	var b strings.Builder
	for _, msg := range m.timeline.Messages {
		label := botStyle.Render("assistant")
		if msg.Role == models.RoleUser {
			label = userStyle.Render("you")
		}
		suffix := ""
		if msg.Pending {
			suffix = dimStyle.Render(" (sending...)")
		} else if !msg.CreatedAt.IsZero() {
			suffix = dimStyle.Render(" " + msg.CreatedAt.Local().Format("3:04 PM"))
		}
		b.WriteString(label + suffix + "\n")
		b.WriteString(msg.Content + "\n\n")
	}
	if m.timeline.SendPending {
		b.WriteString(m.spin.View() + dimStyle.Render(" waiting for reply"))
	}
	return b.String()
}

func (m Model) renderSidebar() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Conversations") + "\n\n")
	if len(m.conversations) == 0 {
		b.WriteString(dimStyle.Render("No chats yet.\nPress n to create one."))
	}
	now := time.Now()
	for i, conv := range m.conversations {
		name := conv.Name
		if len(name) > sidebarWidth-4 {
			name = name[:sidebarWidth-5] + "…"
		}
		line := name
		if conv.ID == m.timeline.ConversationID {
			line = "* " + line
		} else {
			line = "  " + line
		}
		if i == m.cursor && m.focus == FocusList {
			b.WriteString(selectedStyle.Render(line))
		} else {
			b.WriteString(line)
		}
		b.WriteString("\n" + dimStyle.Render("  "+relativeDate(conv.UpdatedAt, now)) + "\n")
	}
	return b.String()
}

func (m Model) statusLine() string {
	if m.focus == FocusConfirmDelete {
		return errorStyle.Render("Delete this chat? This cannot be undone. (y/n)")
	}
	if m.focus == FocusRename {
		return "Rename: " + m.rename.View()
	}
	if m.status != "" {
		return errorStyle.Render(m.status)
	}
	mode := "off"
	if m.opts.UseHealthData {
		mode = string(m.opts.InsightType)
	}
	return dimStyle.Render(fmt.Sprintf(
		"health data: %s · ctrl+g toggle · ctrl+t insight · n new · r rename · d delete · q quit",
		mode))
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}
	sidebar := sidebarStyle.Width(sidebarWidth).Height(m.height - 2).Render(m.renderSidebar())
	main := lipgloss.JoinVertical(lipgloss.Left,
		m.view.View(),
		m.input.View(),
		m.statusLine(),
	)
	return lipgloss.JoinHorizontal(lipgloss.Top, sidebar, main)
}
