package cmd

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/steveyegge/rigwatch/internal/metrics"
	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/world"
)

// watchRefresh is the TUI poll cadence. The daemon itself polls faster;
// this only paces the terminal.
const watchRefresh = 2 * time.Second

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Live fleet view in the terminal",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		// Fail fast before entering the alternate screen.
		if err := c.get("/health", nil); err != nil {
			return err
		}
		m := newWatchModel(c)
		_, err = tea.NewProgram(m, tea.WithAltScreen()).Run()
		return err
	},
}

func init() {
	rootCmd.AddCommand(watchCmd)
}

type watchKeys struct {
	Quit    key.Binding
	Refresh key.Binding
}

var watchKeyMap = watchKeys{
	Quit:    key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	Refresh: key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
}

type stateMsg struct {
	state   world.FleetState
	summary metrics.Summary
	err     error
}

type tickMsg time.Time

type watchModel struct {
	client  *apiClient
	table   table.Model
	state   world.FleetState
	summary metrics.Summary
	err     error
	width   int
}

func newWatchModel(c *apiClient) watchModel {
	t := table.New(
		table.WithColumns(watchColumns()),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return watchModel{client: c, table: t}
}

func watchColumns() []table.Column {
	return []table.Column{
		{Title: "Rig", Width: 14},
		{Title: "Agent", Width: 16},
		{Title: "Role", Width: 10},
		{Title: "Status", Width: 10},
		{Title: "Hook", Width: 18},
		{Title: "Session", Width: 22},
	}
}

func (m watchModel) Init() tea.Cmd {
	return tea.Batch(m.fetch(), m.tick())
}

func (m watchModel) fetch() tea.Cmd {
	c := m.client
	return func() tea.Msg {
		var msg stateMsg
		if err := c.get("/api/state", &msg.state); err != nil {
			msg.err = err
			return msg
		}
		// Summary failures leave the gauge blank rather than killing the UI.
		_ = c.get("/api/metrics/summary", &msg.summary)
		return msg
	}
}

func (m watchModel) tick() tea.Cmd {
	return tea.Tick(watchRefresh, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m watchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch {
		case key.Matches(msg, watchKeyMap.Quit):
			return m, tea.Quit
		case key.Matches(msg, watchKeyMap.Refresh):
			return m, m.fetch()
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.table.SetHeight(msg.Height - 6)

	case tickMsg:
		return m, tea.Batch(m.fetch(), m.tick())

	case stateMsg:
		m.err = msg.err
		if msg.err == nil {
			m.state = msg.state
			m.summary = msg.summary
			m.table.SetRows(agentRows(msg.state))
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func agentRows(state world.FleetState) []table.Row {
	rows := make([]table.Row, 0, len(state.Agents))
	for _, a := range state.Agents {
		hook := a.HookBead
		if hook == "" {
			hook = "-"
		}
		rows = append(rows, table.Row{
			a.Rig, a.Name, string(a.Role), string(a.Status), hook, a.SessionID,
		})
	}
	return rows
}

func (m watchModel) View() string {
	title := rigStyle.Render("rigwatch") + dimStyle.Render("  "+time.Now().Format("15:04:05"))
	if m.err != nil {
		return title + "\n\n" + errorStyle.Render("error: "+m.err.Error()) + "\n\npress q to quit\n"
	}

	var counts [4]int
	for _, a := range m.state.Agents {
		switch a.Status {
		case model.StatusRunning:
			counts[0]++
		case model.StatusIdle:
			counts[1]++
		case model.StatusStopped:
			counts[2]++
		case model.StatusError:
			counts[3]++
		}
	}
	status := fmt.Sprintf("%d rigs  %s running  %s idle  %s stopped  %s error  health %s",
		len(m.state.Rigs),
		runningStyle.Render(fmt.Sprint(counts[0])),
		idleStyle.Render(fmt.Sprint(counts[1])),
		stoppedStyle.Render(fmt.Sprint(counts[2])),
		errorStyle.Render(fmt.Sprint(counts[3])),
		renderHealth(m.summary.HealthScore),
	)

	return title + "\n" + status + "\n\n" + m.table.View() + "\n" +
		dimStyle.Render("q quit · r refresh") + "\n"
}
