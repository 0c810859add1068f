package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"pgbranch/internal/controlplane"
	"pgbranch/internal/project"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57")).
			Bold(true)

	normalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))

	primaryStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241")).
			MarginTop(1)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("46"))
)

// Service is what the browser needs from the project manager
type Service interface {
	ListBranches(ctx context.Context) ([]controlplane.Branch, error)
	Provision(ctx context.Context, name string, force, migrate bool) (*project.ProvisionInfo, error)
	DeleteBranch(ctx context.Context, name string) error
}

type view int

const (
	viewBranches view = iota
	viewNewBranch
	viewConfirmDelete
	viewConnection
)

type model struct {
	svc      Service
	keys     KeyMap
	help     help.Model
	spinner  spinner.Model
	input    textinput.Model
	branches []controlplane.Branch
	cursor   int
	view     view
	busy     string // non-empty while a remote call is running
	info     *project.ProvisionInfo
	err      error
	message  string
	width    int
	height   int
}

func initialModel(svc Service) model {
	s := spinner.New()
	s.Spinner = spinner.Dot

	in := textinput.New()
	in.Placeholder = "branch name"
	in.CharLimit = 256

	return model{
		svc:     svc,
		keys:    DefaultKeyMap(),
		help:    help.New(),
		spinner: s,
		input:   in,
		view:    viewBranches,
	}
}

type branchesLoadedMsg []controlplane.Branch
type provisionedMsg struct{ info *project.ProvisionInfo }
type deletedMsg string
type errMsg struct{ err error }

func loadBranches(svc Service) tea.Cmd {
	return func() tea.Msg {
		branches, err := svc.ListBranches(context.Background())
		if err != nil {
			return errMsg{err}
		}
		return branchesLoadedMsg(branches)
	}
}

func provisionBranch(svc Service, name string, force bool) tea.Cmd {
	return func() tea.Msg {
		info, err := svc.Provision(context.Background(), name, force, false)
		if err != nil {
			return errMsg{err}
		}
		return provisionedMsg{info}
	}
}

func deleteBranch(svc Service, name string) tea.Cmd {
	return func() tea.Msg {
		if err := svc.DeleteBranch(context.Background(), name); err != nil {
			return errMsg{err}
		}
		return deletedMsg(name)
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(loadBranches(m.svc), m.spinner.Tick)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.busy != "" {
			if key.Matches(msg, m.keys.Quit) && msg.String() == "ctrl+c" {
				return m, tea.Quit
			}
			return m, nil
		}
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case branchesLoadedMsg:
		m.branches = msg
		if m.cursor >= len(m.branches) {
			m.cursor = 0
		}
		m.err = nil
		m.busy = ""
		return m, nil

	case provisionedMsg:
		m.busy = ""
		m.err = nil
		m.info = msg.info
		m.view = viewConnection
		m.message = fmt.Sprintf("Branch %s %s", msg.info.BranchName, msg.info.Outcome)
		return m, loadBranches(m.svc)

	case deletedMsg:
		m.busy = ""
		m.err = nil
		m.view = viewBranches
		m.message = fmt.Sprintf("Branch %s deleted", string(msg))
		return m, loadBranches(m.svc)

	case errMsg:
		m.busy = ""
		m.err = msg.err
		m.message = ""
		if m.view == viewConfirmDelete {
			m.view = viewBranches
		}
		return m, nil
	}

	return m, nil
}

func (m model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.view {
	case viewNewBranch:
		return m.handleInput(msg)
	case viewConfirmDelete:
		return m.handleConfirm(msg)
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.view == viewBranches {
			return m, tea.Quit
		}
		m.view = viewBranches
		return m, nil

	case key.Matches(msg, m.keys.Back):
		m.view = viewBranches
		m.info = nil
		return m, nil

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}

	if m.view != viewBranches {
		return m, nil
	}

	switch {
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.branches)-1 {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Refresh):
		m.message = ""
		return m, loadBranches(m.svc)

	case key.Matches(msg, m.keys.New):
		m.view = viewNewBranch
		m.input.SetValue("")
		return m, m.input.Focus()

	case key.Matches(msg, m.keys.Provision), key.Matches(msg, m.keys.Replace):
		b := m.selected()
		if b == nil {
			return m, nil
		}
		force := key.Matches(msg, m.keys.Replace)
		if force && b.Primary {
			m.err = fmt.Errorf("the primary branch cannot be replaced")
			return m, nil
		}
		m.busy = "Provisioning " + b.Name
		return m, tea.Batch(provisionBranch(m.svc, b.Name, force), m.spinner.Tick)

	case key.Matches(msg, m.keys.Delete):
		b := m.selected()
		if b == nil {
			return m, nil
		}
		if b.Primary {
			m.err = fmt.Errorf("the primary branch cannot be deleted")
			return m, nil
		}
		m.view = viewConfirmDelete
	}

	return m, nil
}

func (m model) handleInput(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "esc":
		m.input.Blur()
		m.view = viewBranches
		return m, nil
	case "enter":
		name := strings.TrimSpace(m.input.Value())
		if name == "" {
			return m, nil
		}
		m.input.Blur()
		m.view = viewBranches
		m.busy = "Provisioning " + name
		return m, tea.Batch(provisionBranch(m.svc, name, false), m.spinner.Tick)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m model) handleConfirm(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	b := m.selected()
	if msg.String() != "y" || b == nil {
		m.view = viewBranches
		return m, nil
	}
	m.busy = "Deleting " + b.Name
	return m, tea.Batch(deleteBranch(m.svc, b.Name), m.spinner.Tick)
}

func (m model) selected() *controlplane.Branch {
	if m.cursor < 0 || m.cursor >= len(m.branches) {
		return nil
	}
	return &m.branches[m.cursor]
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("pgbranch"))
	s.WriteString("\n")

	if m.err != nil {
		s.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		s.WriteString("\n\n")
	}

	if m.message != "" {
		s.WriteString(successStyle.Render(m.message))
		s.WriteString("\n\n")
	}

	if m.busy != "" {
		s.WriteString(m.spinner.View() + " " + m.busy + "...\n\n")
	}

	switch m.view {
	case viewBranches:
		s.WriteString(m.renderBranchesView())
	case viewNewBranch:
		s.WriteString("New branch:\n\n  ")
		s.WriteString(m.input.View())
		s.WriteString("\n\n")
		s.WriteString(helpStyle.Render("enter provision • esc cancel"))
		return s.String()
	case viewConfirmDelete:
		if b := m.selected(); b != nil {
			s.WriteString(fmt.Sprintf("Delete branch %s (%s)? [y/N]\n", b.Name, b.ID))
		}
		return s.String()
	case viewConnection:
		s.WriteString(m.renderConnectionView())
	}

	s.WriteString("\n")
	s.WriteString(helpStyle.Render(m.help.View(m.keys)))

	return s.String()
}

func (m model) renderBranchesView() string {
	var s strings.Builder

	if len(m.branches) == 0 {
		s.WriteString("No branches loaded. Press n to create one.\n")
		return s.String()
	}

	s.WriteString("Branches:\n\n")
	for i, b := range m.branches {
		cursor := "  "
		style := normalStyle
		if i == m.cursor {
			cursor = "> "
			style = selectedStyle
		}
		created := ""
		if !b.CreatedAt.IsZero() {
			created = b.CreatedAt.Format("2006-01-02")
		}
		line := fmt.Sprintf("%s%-30s %-24s %s", cursor, b.Name, b.ID, created)
		s.WriteString(style.Render(line))
		if b.Primary {
			s.WriteString(" " + primaryStyle.Render("primary"))
		}
		s.WriteString("\n")
	}

	return s.String()
}

func (m model) renderConnectionView() string {
	if m.info == nil {
		return "No branch selected\n"
	}

	var s strings.Builder
	s.WriteString("Branch Information:\n\n")
	s.WriteString(fmt.Sprintf("  Name:    %s\n", m.info.BranchName))
	s.WriteString(fmt.Sprintf("  ID:      %s\n", m.info.BranchID))
	s.WriteString(fmt.Sprintf("  Outcome: %s\n", m.info.Outcome))
	s.WriteString("\n")
	s.WriteString("Connection String:\n")
	s.WriteString(fmt.Sprintf("  %s\n", m.info.ConnectionString))

	return s.String()
}

// Run starts the TUI application
func Run(svc Service) error {
	p := tea.NewProgram(initialModel(svc), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
