// Package main is the entry point for the Conductor CLI.
// Conductor routes each command to a direct model call, a checkpointed
// workflow or a planning loop, and reports the outcome as one envelope.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/logging"
)

var (
	version     = "0.1.0"
	cfgPath     string
	backendName string
	offline     bool
	jsonOut     bool
	noColor     bool
	verbose     bool

	cfg *config.Config
	log zerolog.Logger = zerolog.Nop()
)

// errNotOK is returned after an envelope with ok=false has been printed, so
// the process exits non-zero without printing the error twice.
var errNotOK = errors.New("command did not succeed")

func main() {
	rootCmd := &cobra.Command{
		Use:   "conductor",
		Short: "Conductor - tiered command orchestration",
		Long: `Conductor scores every command for complexity and runs it at one of
three tiers:
  • A: a single model call
  • B: a checkpointed workflow that can pause for human review
  • C: a planning loop with reflection, replanning and budgets

Run a command:       conductor run --type GENERATE --text "release notes for 1.4"
Resume a thread:     conductor resume <thread> --approve
Dry-run routing:     conductor route --type ANSWER --tools 3
Configuration:       conductor config show`,
		PersistentPreRunE: initRuntime,
		PersistentPostRun: func(cmd *cobra.Command, args []string) { _ = logging.Close() },
		SilenceUsage:      true,
		SilenceErrors:     true,
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "config file path (default ~/.conductor/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&backendName, "backend", "", "persistence backend: sqlite, nats or memory (default from config)")
	rootCmd.PersistentFlags().BoolVar(&offline, "offline", false, "answer every model call with the echo provider and plan heuristically")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "print envelopes as JSON")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Conductor v%s\n", version)
		},
	})

	// Command lifecycle
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(resumeCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(cancelCmd())
	rootCmd.AddCommand(statusCmd())

	// Inspection
	rootCmd.AddCommand(routeCmd())
	rootCmd.AddCommand(metricsCmd())
	rootCmd.AddCommand(configCmd())

	if err := rootCmd.Execute(); err != nil {
		if !errors.Is(err, errNotOK) {
			fmt.Fprintln(os.Stderr, errorStyle().Render("Error: ")+err.Error())
		}
		os.Exit(1)
	}
}

// ═══════════════════════════════════════════════════════════════════════════════
// INITIALIZATION
// ═══════════════════════════════════════════════════════════════════════════════

func initRuntime(cmd *cobra.Command, args []string) error {
	setColorProfile()

	c, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = c

	lc := logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		File:    cfg.Logging.File,
		NoColor: noColor,
	}
	if verbose {
		lc.Level = "debug"
	}
	if err := logging.Setup(lc); err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	log = logging.Component("cli")

	if needsValidConfig(cmd) {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config %s: %w", getConfigPath(), err)
		}
	}

	log.Debug().
		Str("config", getConfigPath()).
		Str("backend", cfg.Store.Backend).
		Bool("offline", offline).
		Msg("conductor started")
	return nil
}

func loadConfig() (*config.Config, error) {
	c, err := config.LoadFromPath(getConfigPath())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if backendName != "" {
		c.Store.Backend = backendName
	}
	return c, nil
}

// needsValidConfig reports whether cmd runs against the config. The config
// and version commands must work on a broken file.
func needsValidConfig(cmd *cobra.Command) bool {
	for c := cmd; c != nil; c = c.Parent() {
		if c.Name() == "config" || c.Name() == "version" {
			return false
		}
	}
	return true
}

func getConfigPath() string {
	if cfgPath != "" {
		return cfgPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ".conductor/config.yaml"
	}
	return filepath.Join(home, ".conductor", "config.yaml")
}

// setColorProfile follows the terminal unless color is switched off.
func setColorProfile() {
	if noColor || os.Getenv("NO_COLOR") != "" {
		lipgloss.SetColorProfile(termenv.Ascii)
		return
	}
	lipgloss.SetColorProfile(termenv.NewOutput(os.Stdout).EnvColorProfile())
}
