package main

import (
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/sdmd/internal/goal"
	"github.com/fyrsmithlabs/sdmd/internal/monitor"
)

var (
	statusServer   string
	statusInterval time.Duration
	statusOnce     bool
	statusExit     bool
)

var statusCmd = &cobra.Command{
	Use:   "status owner/repo@sha",
	Short: "Show the goals recorded for a commit",
	Long: `Status polls a running sdmd's goal API and renders the commit's goals
grouped by environment.

Examples:
  # Live dashboard until q is pressed
  sdmd status acme/widgets@4f2c...

  # Wait for the goals to settle, then exit (CI)
  sdmd status --exit-when-settled acme/widgets@4f2c...

  # Print once and exit
  sdmd status --once acme/widgets@4f2c...`,
	Args: cobra.ExactArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusServer, "server", "http://localhost:9090", "sdmd base URL")
	statusCmd.Flags().DurationVar(&statusInterval, "interval", 2*time.Second, "refresh interval")
	statusCmd.Flags().BoolVar(&statusOnce, "once", false, "print the goals once and exit")
	statusCmd.Flags().BoolVar(&statusExit, "exit-when-settled", false, "exit once every goal is settled")
}

func runStatus(cmd *cobra.Command, args []string) error {
	target, err := monitor.ParseTarget(args[0])
	if err != nil {
		return err
	}
	client := monitor.NewGoalClient(statusServer)

	if statusOnce {
		events, err := client.Goals(cmd.Context(), target)
		if err != nil {
			return err
		}
		model := monitor.NewModel(client, target, statusInterval, false)
		updated, _ := model.Update(monitor.GoalsMsg(events))
		fmt.Fprintln(cmd.OutOrStdout(), updated.(monitor.Model).Render())
		return nil
	}

	p := tea.NewProgram(monitor.NewModel(client, target, statusInterval, statusExit), tea.WithContext(cmd.Context()))
	final, err := p.Run()
	if err != nil {
		return fmt.Errorf("dashboard: %w", err)
	}
	if m, ok := final.(monitor.Model); ok && statusExit {
		if n := monitor.Summarize(m.Events()).ByState[goal.StateFailure]; n > 0 {
			return fmt.Errorf("%d goals failed", n)
		}
	}
	return nil
}
