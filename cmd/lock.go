package cmd

import (
	"context"
	"sort"

	"github.com/spf13/cobra"

	"github.com/devcoord/devcoord/internal/output"
)

var lockProject string

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Inspect resource locks",
	RunE: func(cmd *cobra.Command, args []string) error {
		return lockListRun(lockProject)
	},
}

var lockListCmd = &cobra.Command{
	Use:   "list",
	Short: "List held locks across projects",
	RunE: func(cmd *cobra.Command, args []string) error {
		return lockListRun(lockProject)
	},
}

func init() {
	lockCmd.PersistentFlags().StringVar(&lockProject, "project", "", "Filter by project")
	lockCmd.AddCommand(lockListCmd)
	rootCmd.AddCommand(lockCmd)
}

func lockListRun(projectID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	states, err := s.LoadProjectStates(context.Background())
	if err != nil {
		return err
	}

	type row struct {
		project, resource, session, lockType, age string
	}
	var rows []row
	for id, st := range states {
		if projectID != "" && id != projectID {
			continue
		}
		for resource, locks := range st.Locks {
			for _, l := range locks {
				rows = append(rows, row{
					project:  id,
					resource: resource,
					session:  l.SessionID,
					lockType: string(l.Type),
					age:      formatAge(l.AcquiredAt),
				})
			}
		}
	}

	if len(rows) == 0 {
		ui.Info("No locks held.")
		return nil
	}

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].project != rows[j].project {
			return rows[i].project < rows[j].project
		}
		return rows[i].resource < rows[j].resource
	})

	table := ui.Table([]string{"Project", "Resource", "Session", "Type", "Held"})
	for _, r := range rows {
		table.Append([]string{r.project, r.resource, r.session, output.LockColor(r.lockType), r.age})
	}
	return table.Render()
}
