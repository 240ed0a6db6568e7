package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"followsync/pkg/config"
	"followsync/pkg/logger"
	"followsync/pkg/ui"
)

var (
	// Version information
	version   = "1.0.0"
	gitCommit = "unknown"
	buildDate = "unknown"

	// Global flags
	configFile string
	logLevel   string
	logFormat  string
	noColor    bool
)

// exitError ends the process with code. A nil err prints nothing.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "followsync",
	Short: "Mirror follow relationships into a record store",
	Long: `followsync reads the "following" listing of each target account in a
headless browser, works out which follows are new, and links the accounts
in the record store on both sides of every edge.

Runs are incremental: accounts the store already links to a target are
never written again, and existing links are never removed.`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildDate),
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		code := 1
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
			if ee.err == nil {
				os.Exit(code)
			}
		}
		ui.NewPrinter(os.Stderr, colorEnabled(os.Stderr, !noColor)).Error("Error", err)
		os.Exit(code)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default is ./followsync.yaml or $XDG_CONFIG_HOME/followsync/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (console, json)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.SetVersionTemplate(`followsync {{.Version}}
Go Version: ` + runtime.Version() + `
OS/Arch: ` + runtime.GOOS + `/` + runtime.GOARCH + `
`)

	rootCmd.CompletionOptions.DisableDefaultCmd = true
}

// globalFlags collects the persistent flags the user actually set
func globalFlags(cmd *cobra.Command) map[string]interface{} {
	flags := make(map[string]interface{})
	if cmd.Flags().Changed("log-level") {
		flags["log-level"] = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		flags["log-format"] = logFormat
	}
	if noColor {
		flags["no-color"] = true
	}
	return flags
}

// loadConfig loads configuration and installs the global logger
func loadConfig(cmd *cobra.Command, flags map[string]interface{}) (*config.Config, logger.Logger, error) {
	all := globalFlags(cmd)
	for k, v := range flags {
		all[k] = v
	}

	cfg, err := config.Load(configFile, all)
	if err != nil {
		return nil, nil, err
	}

	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	logger.SetLogger(log)
	return cfg, log, nil
}

func newPrinter(cfg *config.Config) *ui.Printer {
	return ui.NewPrinter(os.Stdout, colorEnabled(os.Stdout, cfg.Output.Color))
}

// colorEnabled is true only when wanted and f is a terminal
func colorEnabled(f *os.File, want bool) bool {
	return want && term.IsTerminal(int(f.Fd()))
}
