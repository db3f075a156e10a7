package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/devcoord/devcoord/internal/engine"
	"github.com/devcoord/devcoord/internal/output"
	"github.com/devcoord/devcoord/internal/store"
)

// Package-level shared dependencies, initialized in cobra.OnInitialize.
var (
	ui        *output.UI
	dataStore store.Store

	verbose bool
	dryRun  bool

	buildVersion = "dev"
	buildCommit  = "none"
	buildDate    = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "devcoord",
	Short: "Session coordinator for parallel development",
	Long: `devcoord coordinates concurrent development sessions in a shared codebase.
It tracks sessions, arbitrates shared/exclusive resource locks with FIFO
wait queues, detects edit and merge conflicts, and streams project state
to connected clients and AI agents.`,
	SilenceUsage:      true,
	SilenceErrors:     true,
	DisableAutoGenTag: true,
}

// Execute is the main entry point called from main.go.
func Execute(version, commit, date string) {
	buildVersion = version
	buildCommit = commit
	buildDate = date

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig, initDeps)

	rootCmd.RunE = func(cmd *cobra.Command, args []string) error {
		return sessionListRun("")
	}

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output")
	rootCmd.PersistentFlags().BoolVarP(&dryRun, "dry-run", "n", false, "Show what would happen without making changes")
	rootCmd.PersistentFlags().String("config", "", "Config file (default ~/.config/devcoord/config.yaml)")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "devcoord %s (commit %s, built %s)\n", buildVersion, buildCommit, buildDate)
		},
	})
}

func initConfig() {
	// If --config is explicitly set, use that file
	if cfgFile, _ := rootCmd.PersistentFlags().GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: cannot find home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".config", "devcoord")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DEVCOORD")
	viper.AutomaticEnv()

	// Defaults via viper.SetDefault()
	home, _ := os.UserHomeDir()
	defaultConfigDir := filepath.Join(home, ".config", "devcoord")

	viper.SetDefault("state_dir", defaultConfigDir)
	viper.SetDefault("db_path", filepath.Join(defaultConfigDir, "devcoord.db"))
	viper.SetDefault("listen_addr", "127.0.0.1:7420")
	viper.SetDefault("session.idle_threshold", "30s")
	viper.SetDefault("session.disconnect_threshold", "90s")
	viper.SetDefault("session.sweep_interval", "10s")
	viper.SetDefault("api.rate_limit", 0)
	viper.SetDefault("api.rate_burst", 20)
	viper.SetDefault("anthropic.api_key", "")
	viper.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")

	// Read config file if it exists (optional)
	_ = viper.ReadInConfig()
}

func initDeps() {
	ui = output.New()
	ui.Verbose = verbose
	ui.DryRun = dryRun

	// Store is initialized lazily so config/version commands run without a db.
}

// getStore returns the shared store, initializing it on first call.
func getStore() (store.Store, error) {
	if dataStore != nil {
		return dataStore, nil
	}

	dbPath := viper.GetString("db_path")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := s.Migrate(rootCmd.Context()); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}

	dataStore = s
	return dataStore, nil
}

// engineConfig builds the engine configuration from viper values.
func engineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	if d := viper.GetDuration("session.idle_threshold"); d > 0 {
		cfg.IdleThreshold = d
	}
	if d := viper.GetDuration("session.disconnect_threshold"); d > 0 {
		cfg.DisconnectThreshold = d
	}
	if d := viper.GetDuration("session.sweep_interval"); d > 0 {
		cfg.SweepInterval = d
	}
	return cfg
}

// apiBaseURL returns the daemon API base URL for client commands.
func apiBaseURL() string {
	return "http://" + viper.GetString("listen_addr")
}
