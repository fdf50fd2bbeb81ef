package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/models"
)

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "Manage cloud provider accounts",
}

var providersListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured provider accounts",
	RunE:  runProvidersList,
}

var providersSetCmd = &cobra.Command{
	Use:   "set <provider>",
	Short: "Store credentials for a provider",
	Long: `Set stores a provider account in the encrypted credential store.
Provider-specific settings (server URL, bucket, folder id) go in the
config blob; bearer tokens are obtained out of band.`,
	Example: `  keyfold providers set webdav --config '{"base_url":"https://dav.example.com","username":"u","password":"p"}'
  keyfold providers set s3 --config '{"bucket":"my-vaults","region":"eu-central-1"}'
  keyfold providers set gdrive --token ya29.token --config '{"folder_id":"abc123"}'`,
	Args: cobra.ExactArgs(1),
	RunE: runProvidersSet,
}

var providersRemoveCmd = &cobra.Command{
	Use:   "remove <provider>",
	Short: "Remove stored credentials for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runProvidersRemove,
}

var (
	providerToken        string
	providerRefreshToken string
	providerExpiresAt    string
	providerConfig       string
	providerConfigFile   string
)

func init() {
	rootCmd.AddCommand(providersCmd)
	providersCmd.AddCommand(providersListCmd, providersSetCmd, providersRemoveCmd)

	providersSetCmd.Flags().StringVar(&providerToken, "token", "",
		"Bearer token")
	providersSetCmd.Flags().StringVar(&providerRefreshToken, "refresh-token", "",
		"Refresh token")
	providersSetCmd.Flags().StringVar(&providerExpiresAt, "expires-at", "",
		"Token expiry (RFC 3339)")
	providersSetCmd.Flags().StringVar(&providerConfig, "config", "",
		"Provider config as inline JSON")
	providersSetCmd.Flags().StringVar(&providerConfigFile, "config-file", "",
		"Provider config as a JSON file")
}

func runProvidersList(cmd *cobra.Command, args []string) error {
	providers, err := engine.ListProviderAccounts()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "providers": providers})
		return nil
	}

	if len(providers) == 0 {
		printInfo("No provider accounts configured")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER")
	for _, p := range providers {
		fmt.Fprintln(w, p)
	}
	return w.Flush()
}

func runProvidersSet(cmd *cobra.Command, args []string) error {
	account := &models.ProviderAccount{
		Provider:     args[0],
		Token:        providerToken,
		RefreshToken: providerRefreshToken,
	}

	if providerExpiresAt != "" {
		expiry, err := time.Parse(time.RFC3339, providerExpiresAt)
		if err != nil {
			return fmt.Errorf("parse expiry: %w", err)
		}
		account.ExpiresAt = expiry
	}

	switch {
	case providerConfig != "" && providerConfigFile != "":
		return fmt.Errorf("--config and --config-file are mutually exclusive")
	case providerConfig != "":
		account.Config = []byte(providerConfig)
	case providerConfigFile != "":
		data, err := os.ReadFile(providerConfigFile)
		if err != nil {
			return fmt.Errorf("read config file: %w", err)
		}
		account.Config = data
	}
	if len(account.Config) > 0 && !json.Valid(account.Config) {
		return fmt.Errorf("provider config is not valid JSON")
	}

	if err := engine.SetProviderAccount(account); err != nil {
		return err
	}
	printSuccess("Stored account for %s", args[0])
	return nil
}

func runProvidersRemove(cmd *cobra.Command, args []string) error {
	if err := engine.RemoveProviderAccount(args[0]); err != nil {
		return err
	}
	printSuccess("Removed account for %s", args[0])
	return nil
}
