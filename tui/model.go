package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/mindsgn-studio/leecher/config"
	"github.com/mindsgn-studio/leecher/engine"
)

// FailedHint is shown in place of the state label for failed torrents.
const FailedHint = "download failed: press d to remove"

const actionTimeout = 30 * time.Second

// View types
type viewType int

const (
	viewMain viewType = iota
	viewDetails
	viewSettings
	viewAdd
)

// Session is the part of the engine the dashboard drives.
type Session interface {
	Statuses() []engine.Status
	AddTorrentFile(ctx context.Context, path string, hint engine.ResumeHint) (engine.Handle, error)
	AddMagnet(ctx context.Context, uri string, hint engine.ResumeHint) (engine.Handle, error)
	Pause(ctx context.Context, h engine.Handle) error
	Resume(h engine.Handle) error
	Remove(ctx context.Context, h engine.Handle, deleteData bool) error
}

// Model is the main TUI model
type Model struct {
	session Session
	cfg     config.Config

	currentView viewType

	torrents    []engine.Status
	selectedIdx int

	// Components
	mainTable   table.Model
	progressBar progress.Model
	input       textinput.Model

	// message is the outcome of the last action
	message string

	width  int
	height int

	styles Styles
}

// Styles contains all lipgloss styles
type Styles struct {
	Title     lipgloss.Style
	Subtitle  lipgloss.Style
	StatusBar lipgloss.Style
	Table     lipgloss.Style
	Error     lipgloss.Style
	Help      lipgloss.Style
}

func defaultStyles() Styles {
	return Styles{
		Title: lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7D56F4")).
			MarginBottom(1),
		Subtitle: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")),
		StatusBar: lipgloss.NewStyle().
			Background(lipgloss.Color("#7D56F4")).
			Foreground(lipgloss.Color("#FFFFFF")).
			Padding(0, 1),
		Table: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")),
		Error: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF5F87")),
		Help: lipgloss.NewStyle().
			Foreground(lipgloss.Color("#888888")).
			MarginTop(1),
	}
}

// NewModel creates a dashboard over session. cfg is only displayed.
func NewModel(session Session, cfg config.Config) Model {
	columns := []table.Column{
		{Title: "Name", Width: 36},
		{Title: "Progress", Width: 9},
		{Title: "Down", Width: 11},
		{Title: "Up", Width: 11},
		{Title: "Peers", Width: 6},
		{Title: "Status", Width: 42},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#7D56F4")).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#7D56F4")).
		Bold(false)
	t.SetStyles(s)

	prog := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)

	in := textinput.New()
	in.Placeholder = "path/to/file.torrent or magnet:?xt=urn:btih:..."
	in.CharLimit = 4096
	in.Width = 60

	m := Model{
		session:     session,
		cfg:         cfg,
		currentView: viewMain,
		mainTable:   t,
		progressBar: prog,
		input:       in,
		styles:      defaultStyles(),
	}
	m.refresh()
	return m
}

func (m Model) Init() tea.Cmd {
	return tickCmd()
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tickMsg:
		m.refresh()
		return m, tickCmd()

	case actionMsg:
		if msg.err != nil {
			m.message = msg.err.Error()
		} else {
			m.message = msg.done
		}
		m.refresh()
		return m, nil
	}

	switch m.currentView {
	case viewMain:
		var cmd tea.Cmd
		m.mainTable, cmd = m.mainTable.Update(msg)
		return m, cmd
	case viewAdd:
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}
	return m, nil
}

// refresh polls the session and rebuilds the table rows.
func (m *Model) refresh() {
	m.torrents = m.session.Statuses()
	rows := make([]table.Row, len(m.torrents))
	for i, st := range m.torrents {
		rows[i] = table.Row{
			st.Name,
			fmt.Sprintf("%.1f%%", st.Fraction*100),
			formatRate(st.DownloadRate),
			formatRate(st.UploadRate),
			fmt.Sprintf("%d", st.Peers),
			statusText(st),
		}
	}
	m.mainTable.SetRows(rows)
	if c := m.mainTable.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.mainTable.SetCursor(len(rows) - 1)
	}
}

func statusText(st engine.Status) string {
	if st.State == engine.Failed {
		return FailedHint
	}
	return st.Label
}

func (m Model) View() string {
	switch m.currentView {
	case viewMain:
		return m.renderMainView()
	case viewDetails:
		return m.renderDetailsView()
	case viewSettings:
		return m.renderSettingsView()
	case viewAdd:
		return m.renderAddView()
	}
	return ""
}

func (m Model) renderMainView() string {
	title := m.styles.Title.Render("leecher")
	subtitle := m.styles.Subtitle.Render(fmt.Sprintf("Torrents: %d", len(m.torrents)))

	tableView := m.styles.Table.Render(m.mainTable.View())

	help := m.styles.Help.Render(
		"[a] Add  [enter] Details  [p] Pause/Resume  [d] Remove  [D] Remove+data  [s] Settings  [q] Quit",
	)

	parts := []string{title, subtitle, "", tableView}
	if m.message != "" {
		parts = append(parts, m.styles.StatusBar.Render(m.message))
	}
	parts = append(parts, help)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

// renderDetailsView shows detailed info for selected torrent
func (m Model) renderDetailsView() string {
	st, ok := m.selected()
	if !ok {
		return "No torrent selected"
	}

	title := m.styles.Title.Render(st.Name)

	lines := []string{
		fmt.Sprintf("Info hash: %s", st.InfoHash),
		fmt.Sprintf("Status: %s", statusText(st)),
		fmt.Sprintf("Progress: %s", m.progressBar.ViewAs(st.Fraction)),
		fmt.Sprintf("Size: %s", humanize.IBytes(uint64(st.TotalSize))),
		fmt.Sprintf("Downloaded: %s", humanize.IBytes(uint64(st.Downloaded))),
		fmt.Sprintf("Uploaded: %s", humanize.IBytes(uint64(st.Uploaded))),
		fmt.Sprintf("Rates: %s down, %s up", formatRate(st.DownloadRate), formatRate(st.UploadRate)),
		fmt.Sprintf("Peers: %d (%d known)  Trackers: %d", st.Peers, st.KnownPeers, st.Trackers),
		fmt.Sprintf("Availability: %.2f copies", st.Availability),
		fmt.Sprintf("Pieces: %d / %d", st.VerifiedPieces, st.Pieces),
		fmt.Sprintf("Piece Size: %s", humanize.IBytes(uint64(st.PieceLength))),
		fmt.Sprintf("Save path: %s", st.SavePath),
	}
	if st.Err != nil {
		lines = append(lines, m.styles.Error.Render("Error: "+st.Err.Error()))
	}

	help := m.styles.Help.Render("[esc] Back  [p] Pause/Resume  [d] Remove")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		"",
		lipgloss.JoinVertical(lipgloss.Left, lines...),
		"",
		help,
	)
}

func (m Model) renderSettingsView() string {
	title := m.styles.Title.Render("Settings")

	limit := func(bps int64) string {
		if bps == 0 {
			return "Unlimited"
		}
		return formatRate(float64(bps))
	}
	onOff := func(b bool) string {
		if b {
			return "Enabled"
		}
		return "Disabled"
	}
	settings := lipgloss.JoinVertical(
		lipgloss.Left,
		fmt.Sprintf("Download Directory: %s", m.cfg.SavePath),
		fmt.Sprintf("Listen Ports: %s", m.cfg.ListenPorts),
		fmt.Sprintf("Max Download Speed: %s", limit(m.cfg.DownloadRateLimit)),
		fmt.Sprintf("Max Upload Speed: %s", limit(m.cfg.UploadRateLimit)),
		fmt.Sprintf("Max Peers: %d", m.cfg.MaxConnections),
		fmt.Sprintf("Strategy: %s", m.cfg.Strategy),
		fmt.Sprintf("DHT: %s", onOff(m.cfg.DHT.Enabled)),
		fmt.Sprintf("Trackers: %s", onOff(m.cfg.Trackers.Enabled)),
	)

	help := m.styles.Help.Render("[esc] Back")

	return lipgloss.JoinVertical(
		lipgloss.Left,
		title,
		"",
		settings,
		"",
		help,
	)
}

func (m Model) renderAddView() string {
	title := m.styles.Title.Render("Add torrent")
	help := m.styles.Help.Render("[enter] Add  [esc] Cancel")
	return lipgloss.JoinVertical(lipgloss.Left, title, "", m.input.View(), "", help)
}

func (m Model) selected() (engine.Status, bool) {
	if m.selectedIdx < 0 || m.selectedIdx >= len(m.torrents) {
		return engine.Status{}, false
	}
	return m.torrents[m.selectedIdx], true
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.currentView == viewAdd {
		switch msg.Type {
		case tea.KeyEsc:
			m.currentView = viewMain
			m.input.Blur()
			return m, nil
		case tea.KeyEnter:
			src := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			m.input.Blur()
			m.currentView = viewMain
			if src == "" {
				return m, nil
			}
			return m, m.addCmd(src)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd
	}

	if m.currentView == viewMain {
		m.selectedIdx = m.mainTable.Cursor()
	}

	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "a":
		m.currentView = viewAdd
		m.message = ""
		return m, m.input.Focus()

	case "enter":
		if m.currentView == viewMain && len(m.torrents) > 0 {
			m.currentView = viewDetails
		}
		return m, nil

	case "s":
		if m.currentView == viewMain {
			m.currentView = viewSettings
		}
		return m, nil

	case "esc":
		m.currentView = viewMain
		return m, nil

	case "p":
		st, ok := m.selected()
		if !ok {
			return m, nil
		}
		return m, m.toggleCmd(st)

	case "d", "D":
		st, ok := m.selected()
		if !ok || m.currentView == viewSettings {
			return m, nil
		}
		m.currentView = viewMain
		return m, m.removeCmd(st, msg.String() == "D")
	}

	if m.currentView == viewMain {
		var cmd tea.Cmd
		m.mainTable, cmd = m.mainTable.Update(msg)
		m.selectedIdx = m.mainTable.Cursor()
		return m, cmd
	}
	return m, nil
}

// Messages
type tickMsg time.Time

type actionMsg struct {
	done string
	err  error
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m Model) addCmd(src string) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		var err error
		if strings.HasPrefix(src, "magnet:") {
			_, err = session.AddMagnet(ctx, src, engine.ResumeAuto)
		} else {
			_, err = session.AddTorrentFile(ctx, src, engine.ResumeAuto)
		}
		return actionMsg{done: "added " + src, err: err}
	}
}

func (m Model) toggleCmd(st engine.Status) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		if st.State == engine.Paused {
			return actionMsg{done: "resumed " + st.Name, err: session.Resume(st.Handle)}
		}
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionMsg{done: "paused " + st.Name, err: session.Pause(ctx, st.Handle)}
	}
}

func (m Model) removeCmd(st engine.Status, deleteData bool) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		defer cancel()
		return actionMsg{done: "removed " + st.Name, err: session.Remove(ctx, st.Handle, deleteData)}
	}
}

func formatRate(bps float64) string {
	if bps < 0 {
		bps = 0
	}
	return humanize.IBytes(uint64(bps)) + "/s"
}
