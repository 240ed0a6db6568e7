package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"followsync/pkg/auth"
	"followsync/pkg/ui"
)

var authProfile string

// authCmd represents the auth command
var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage the record store API token",
	Long: `Manage the record store API token.

The token is looked up in this order:
  - Environment (FOLLOWSYNC_STORE_TOKEN, then AIRTABLE_TOKEN)
  - System keychain (when available)
  - Encrypted file with PBKDF2 key derivation

A token in the configuration file takes precedence over all of them.`,
}

var setTokenCmd = &cobra.Command{
	Use:   "set-token",
	Short: "Store the API token securely",
	Long: `Store the API token in the system keychain, or in the encrypted file when
no keychain is available. The token is read without echo from a terminal,
or as a single line when standard input is piped.`,
	Example: `  # Interactive
  followsync auth set-token

  # From a secret manager
  vault read -field=token secret/airtable | followsync auth set-token`,
	Args: cobra.NoArgs,
	RunE: runSetToken,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show which stores hold a token",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

var clearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored token",
	Args:  cobra.NoArgs,
	RunE:  runClear,
}

func init() {
	rootCmd.AddCommand(authCmd)
	authCmd.AddCommand(setTokenCmd)
	authCmd.AddCommand(authStatusCmd)
	authCmd.AddCommand(clearCmd)

	authCmd.PersistentFlags().StringVar(&authProfile, "profile", auth.DefaultProfile, "token profile")
}

func authPrinter() *ui.Printer {
	return ui.NewPrinter(os.Stdout, colorEnabled(os.Stdout, !noColor))
}

func runSetToken(cmd *cobra.Command, args []string) error {
	mgr, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("initialize credential manager: %w", err)
	}

	token, err := auth.PromptToken(os.Stdin, os.Stderr)
	if err != nil {
		return err
	}

	store, err := mgr.SetToken(authProfile, token)
	if err != nil {
		return err
	}
	authPrinter().Success(fmt.Sprintf("Token %s saved to %s (profile %s)", auth.Mask(token), store, authProfile))
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	mgr, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("initialize credential manager: %w", err)
	}

	p := authPrinter()
	p.Info("Profile", authProfile)
	for _, st := range mgr.Status(authProfile) {
		state := "empty"
		if st.HasToken {
			state = "token stored"
		}
		p.Info("  "+st.Name, state)
	}

	if token, source, err := mgr.Token(authProfile); err == nil {
		p.Success(fmt.Sprintf("Active token %s from %s", auth.Mask(token), source))
	} else {
		p.Warning("No token available; run 'followsync auth set-token'")
	}
	return nil
}

func runClear(cmd *cobra.Command, args []string) error {
	mgr, err := auth.NewManager()
	if err != nil {
		return fmt.Errorf("initialize credential manager: %w", err)
	}
	if err := mgr.Clear(authProfile); err != nil {
		return err
	}
	authPrinter().Success("Token removed for profile " + authProfile)
	return nil
}
