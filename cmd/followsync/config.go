package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"followsync/pkg/auth"
	"followsync/pkg/config"
	"followsync/pkg/ui"
)

var forceInit bool

// configCmd represents the config command
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage configuration files",
	Long: `Manage followsync configuration files.

Configuration can be loaded from:
  - Command line flags (highest priority)
  - Environment variables (FOLLOWSYNC_*, AIRTABLE_*)
  - .env file
  - Configuration file
  - Default values (lowest priority)`,
}

// initCmd represents the config init command
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with every default",
	Long: `Write a configuration file populated with the default value of every option.

The file is created as 'followsync.yaml' in the current directory unless a
different path is given with --config.`,
	RunE: runConfigInit,
}

// showCmd represents the config show command
var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration",
	Long:  `Show the configuration after merging every source. Secrets are masked.`,
	RunE:  runConfigShow,
}

// validateCmd represents the config validate command
var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration",
	Long: `Load and validate the configuration.

This command checks:
  - YAML syntax
  - Required fields and value ranges
  - Store credentials (warning only)
  - Cookie jar presence (warning only)`,
	RunE: runConfigValidate,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(initCmd)
	configCmd.AddCommand(showCmd)
	configCmd.AddCommand(validateCmd)

	initCmd.Flags().BoolVar(&forceInit, "force", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = "followsync.yaml"
	}
	p := ui.NewPrinter(os.Stdout, colorEnabled(os.Stdout, !noColor))

	if _, err := os.Stat(path); err == nil && !forceInit {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}

	if err := config.DefaultConfig().Save(path); err != nil {
		return err
	}

	p.Success("Configuration file created: " + path)
	p.Dim("Next steps:")
	p.Dim("  1. Set store.base_id and the field names of your accounts table")
	p.Dim("  2. Store the API token with 'followsync auth set-token'")
	p.Dim("  3. Export your browser cookies to " + config.DefaultConfig().Browser.CookiePath)
	p.Dim("  4. Run 'followsync config validate', then 'followsync sync <handle>'")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig(cmd, nil)
	if err != nil {
		return err
	}

	display := *cfg
	if display.Store.Token != "" {
		display.Store.Token = auth.Mask(display.Store.Token)
	}
	if display.Ledger.DSN != "" {
		display.Ledger.DSN = auth.Mask(display.Ledger.DSN)
	}

	data, err := yaml.Marshal(&display)
	if err != nil {
		return fmt.Errorf("failed to format configuration: %w", err)
	}

	p := newPrinter(cfg)
	source := configFile
	if source == "" {
		source = config.FindConfigFile()
	}
	if source == "" {
		source = "(none, defaults and environment only)"
	}
	p.Info("Configuration file", source)
	fmt.Println()
	fmt.Print(string(data))
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := configFile
	if path == "" {
		path = config.FindConfigFile()
	}
	if path == "" {
		return fmt.Errorf("no configuration file found; specify one with --config")
	}
	p := ui.NewPrinter(os.Stdout, colorEnabled(os.Stdout, !noColor))
	p.Info("Validating configuration", path)

	prev := configFile
	configFile = path
	cfg, _, err := loadConfig(cmd, nil)
	configFile = prev
	if err != nil {
		return err
	}

	var warnings []string
	if err := loadToken(cfg, auth.DefaultProfile, nil); err != nil {
		warnings = append(warnings, err.Error())
	}
	if err := cfg.ValidateCredentials(); err != nil {
		warnings = append(warnings, err.Error())
	}
	if _, err := os.Stat(cfg.Browser.CookiePath); err != nil {
		warnings = append(warnings, "cookie jar not found: "+cfg.Browser.CookiePath)
	}
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0755); err != nil {
			warnings = append(warnings, fmt.Sprintf("cannot create log directory: %v", err))
		}
	}

	for _, w := range warnings {
		p.Warning("warning: " + w)
	}
	p.Success("Configuration is valid")

	p.Info("Store table", cfg.Store.Table)
	p.Info("Batch size", fmt.Sprint(cfg.Store.BatchSize))
	p.Info("Rate limit", fmt.Sprintf("%d requests per %s (%s)", cfg.RateLimit.Requests, cfg.RateLimit.Window, cfg.RateLimit.Strategy))
	p.Info("Cache", cfg.Cache.Backend+" at "+cfg.Cache.Path)
	p.Info("Stale rounds", fmt.Sprint(cfg.Scrape.StaleRounds))
	return nil
}
