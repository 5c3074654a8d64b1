package cmd

import (
	"fmt"
	"os"
	"sort"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/steveyegge/rigwatch/internal/model"
	"github.com/steveyegge/rigwatch/internal/world"
)

var (
	headerStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	rigStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("14"))
	runningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	idleStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	stoppedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var jsonCmd = &cobra.Command{
	Use:   "json",
	Short: "Print the current fleet state as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		data, err := c.raw("/api/state")
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	},
}

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "List beads currently on hooks, fleet-wide",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := client()
		if err != nil {
			return err
		}
		var state world.FleetState
		if err := c.get("/api/state", &state); err != nil {
			return err
		}

		beads := make(map[string]model.Bead, len(state.Beads))
		for _, b := range state.Beads {
			beads[b.ID] = b
		}

		keys := make([]string, 0, len(state.Hooks))
		for k := range state.Hooks {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		if len(keys) == 0 {
			fmt.Println("no beads on hooks")
			return nil
		}
		fmt.Println(headerStyle.Render(fmt.Sprintf("%-28s %-16s %-10s %s", "AGENT", "BEAD", "STATUS", "TITLE")))
		for _, agent := range keys {
			id := state.Hooks[agent]
			b := beads[id]
			fmt.Printf("%-28s %-16s %-10s %s\n", agent, id, b.Status, b.Title)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(jsonCmd, tasksCmd)
}

// runStatusTable renders the default fleet table.
func runStatusTable(cmd *cobra.Command) error {
	c, err := client()
	if err != nil {
		return err
	}
	var state world.FleetState
	if err := c.get("/api/state", &state); err != nil {
		return err
	}

	if len(state.Rigs) == 0 {
		fmt.Println("no rigs observed yet")
		return nil
	}

	byRig := make(map[string][]model.Agent)
	for _, a := range state.Agents {
		byRig[a.Rig] = append(byRig[a.Rig], a)
	}

	for _, rig := range state.Rigs {
		fmt.Println(rigStyle.Render("== " + rig + " =="))
		fmt.Println(headerStyle.Render(fmt.Sprintf("  %-16s %-10s %-10s %s", "NAME", "ROLE", "STATUS", "HOOK")))
		for _, a := range byRig[rig] {
			hook := a.HookBead
			if hook == "" {
				hook = dimStyle.Render("-")
			}
			fmt.Printf("  %-16s %-10s %s %s\n",
				a.Name, a.Role, renderStatus(a.Status), hook)
		}
		fmt.Println()
	}

	mailCount := len(state.Mail)
	if mailCount > 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("%d recent mail", mailCount)))
	}
	return nil
}

// renderStatus pads to the table column before coloring: ANSI escapes
// confuse %-10s width math.
func renderStatus(s model.AgentStatus) string {
	padded := fmt.Sprintf("%-10s", string(s))
	switch s {
	case model.StatusRunning:
		return runningStyle.Render(padded)
	case model.StatusIdle:
		return idleStyle.Render(padded)
	case model.StatusError:
		return errorStyle.Render(padded)
	case model.StatusStopped:
		return stoppedStyle.Render(padded)
	default:
		return dimStyle.Render(padded)
	}
}

// renderHealth formats a health score with a severity color.
func renderHealth(score float64) string {
	text := fmt.Sprintf("%.1f", score)
	switch {
	case score >= 90:
		return runningStyle.Render(text)
	case score >= 60:
		return idleStyle.Render(text)
	default:
		return errorStyle.Render(text)
	}
}
