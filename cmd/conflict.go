package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devcoord/devcoord/internal/advisor"
	"github.com/devcoord/devcoord/internal/models"
	"github.com/devcoord/devcoord/internal/output"
	"github.com/devcoord/devcoord/internal/store"
)

var (
	conflictProject    string
	conflictUnresolved bool
	conflictStrategy   string
	conflictWinner     string
)

var conflictCmd = &cobra.Command{
	Use:   "conflict",
	Short: "Inspect and resolve coordination conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictListRun()
	},
}

var conflictListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictListRun()
	},
}

var conflictResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve a conflict through the running daemon",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictResolveRun(args[0], conflictStrategy, conflictWinner)
	},
}

var conflictSuggestCmd = &cobra.Command{
	Use:   "suggest <conflict-id>",
	Short: "Ask the LLM advisor for a resolution strategy",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return conflictSuggestRun(cmd.Context(), args[0])
	},
}

func init() {
	conflictCmd.PersistentFlags().StringVar(&conflictProject, "project", "", "Filter by project")
	conflictListCmd.Flags().BoolVar(&conflictUnresolved, "unresolved", false, "Show only unresolved conflicts")
	conflictResolveCmd.Flags().StringVar(&conflictStrategy, "strategy", models.StrategyManual, "Resolution strategy: manual, primary_wins, last_writer_wins, merge")
	conflictResolveCmd.Flags().StringVar(&conflictWinner, "winner", "", "Winning session id (required for manual)")

	conflictCmd.AddCommand(conflictListCmd)
	conflictCmd.AddCommand(conflictResolveCmd)
	conflictCmd.AddCommand(conflictSuggestCmd)
	rootCmd.AddCommand(conflictCmd)
}

func conflictListRun() error {
	s, err := getStore()
	if err != nil {
		return err
	}

	conflicts, err := s.ListConflicts(context.Background(), store.ConflictListFilter{
		ProjectID:  conflictProject,
		Unresolved: conflictUnresolved,
	})
	if err != nil {
		return err
	}

	if len(conflicts) == 0 {
		ui.Info("No conflicts.")
		return nil
	}

	sort.Slice(conflicts, func(i, j int) bool {
		return conflicts[i].DetectedAt.Before(conflicts[j].DetectedAt)
	})

	table := ui.Table([]string{"ID", "Project", "Type", "Resource", "Sessions", "State", "Detected"})
	for _, c := range conflicts {
		state := output.ConflictColor(c.Resolved)
		if c.Resolved && c.ResolutionStrategy != "" {
			state += " (" + c.ResolutionStrategy + ")"
		}
		table.Append([]string{
			c.ID,
			c.ProjectID,
			string(c.Type),
			c.Resource,
			strings.Join(c.SessionIDs, ","),
			state,
			formatAge(c.DetectedAt),
		})
	}
	return table.Render()
}

// conflictResolveRun posts the resolution to the daemon so lock re-grants
// take effect in the live engine, not just the database.
func conflictResolveRun(conflictID, strategy, winner string) error {
	if dryRun {
		ui.DryRunMsg("Would resolve conflict %s with strategy %s", conflictID, strategy)
		return nil
	}

	body, err := json.Marshal(map[string]string{
		"strategy":   strategy,
		"session_id": winner,
	})
	if err != nil {
		return err
	}

	url := apiBaseURL() + "/api/v1/conflicts/" + conflictID + "/resolve"
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s (is 'devcoord serve' running?): %w",
			viper.GetString("listen_addr"), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusNoContent {
		var apiErr struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&apiErr)
		if apiErr.Message != "" {
			return fmt.Errorf("resolve failed: %s", apiErr.Message)
		}
		return fmt.Errorf("resolve failed: HTTP %d", resp.StatusCode)
	}

	ui.Success("Conflict %s resolved (%s)", conflictID, strategy)
	return nil
}

func conflictSuggestRun(ctx context.Context, conflictID string) error {
	s, err := getStore()
	if err != nil {
		return err
	}

	conflict, err := s.GetConflict(ctx, conflictID)
	if err != nil {
		return fmt.Errorf("load conflict: %w", err)
	}
	if conflict.Resolved {
		ui.Info("Conflict %s is already resolved (%s)", conflictID, conflict.ResolutionStrategy)
		return nil
	}

	// Gather involved session records for context.
	var sessions []*models.Session
	if states, err := s.LoadProjectStates(ctx); err == nil {
		if st, ok := states[conflict.ProjectID]; ok {
			for _, sess := range st.Sessions {
				if conflict.HasSession(sess.ID) {
					sessions = append(sessions, sess)
				}
			}
		}
	}

	client := advisor.NewClient(viper.GetString("anthropic.api_key"), viper.GetString("anthropic.model"))
	suggestion, err := client.SuggestResolution(ctx, conflict, sessions)
	if err != nil {
		return fmt.Errorf("advisor: %w", err)
	}

	ui.Info("Suggested strategy: %s", output.Cyan(suggestion.Strategy))
	if suggestion.Winner != "" {
		ui.Info("Suggested winner:   %s", suggestion.Winner)
	}
	fmt.Fprintf(ui.Out, "\n%s\n\n", suggestion.Rationale)

	cmdline := fmt.Sprintf("devcoord conflict resolve %s --strategy %s", conflictID, suggestion.Strategy)
	if suggestion.Winner != "" {
		cmdline += " --winner " + suggestion.Winner
	}
	ui.Info("Apply with: %s", cmdline)
	return nil
}
