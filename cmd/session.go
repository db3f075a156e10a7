package cmd

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/devcoord/devcoord/internal/models"
	"github.com/devcoord/devcoord/internal/output"
)

var sessionProject string

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect coordination sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(sessionProject)
	},
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions across projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return sessionListRun(sessionProject)
	},
}

func init() {
	sessionCmd.PersistentFlags().StringVar(&sessionProject, "project", "", "Filter by project")
	sessionCmd.AddCommand(sessionListCmd)
	rootCmd.AddCommand(sessionCmd)
}

// sessionListRun shows the persisted session table. State written by a
// running daemon is eventually consistent with its in-memory view.
func sessionListRun(projectID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	states, err := s.LoadProjectStates(context.Background())
	if err != nil {
		return err
	}

	type row struct {
		project string
		session *models.Session
	}
	var rows []row
	for id, st := range states {
		if projectID != "" && id != projectID {
			continue
		}
		for _, sess := range st.Sessions {
			rows = append(rows, row{project: id, session: sess})
		}
	}

	if len(rows) == 0 {
		ui.Info("No sessions recorded. Connect one via the API or 'devcoord mcp'.")
		return nil
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].project != rows[j].project {
			return rows[i].project < rows[j].project
		}
		return rows[i].session.StartedAt.Before(rows[j].session.StartedAt)
	})

	table := ui.Table([]string{"Project", "Session", "User", "Status", "Primary", "Branch", "Last Active"})
	for _, r := range rows {
		primary := ""
		if r.session.IsPrimary {
			primary = "*"
		}
		table.Append([]string{
			r.project,
			r.session.ID,
			r.session.UserID,
			output.StatusColor(string(r.session.Status)),
			primary,
			r.session.CurrentBranch,
			formatAge(r.session.LastActive),
		})
	}
	if err := table.Render(); err != nil {
		return err
	}

	fmt.Fprintln(ui.Out)
	ui.VerboseLog("%d session(s)", len(rows))
	return nil
}

// formatAge renders a timestamp as a short relative age.
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
