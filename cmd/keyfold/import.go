package main

import (
	"crypto/sha256"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a legacy vault file",
	Long: `Import decrypts a legacy vault file and re-creates it as a native
vault under a new master password. Both legacy container generations
are supported, with an optional key file.`,
	Example: `  keyfold import old-vault.kdbx
  keyfold import old-vault.kdbx --key-file backup.key`,
	Args: cobra.ExactArgs(1),
	RunE: runImport,
}

var importKeyFile string

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringVar(&importKeyFile, "key-file", "",
		"Key file that was part of the legacy composite key")
}

func runImport(cmd *cobra.Command, args []string) error {
	path := args[0]

	var keyFileHash []byte
	if importKeyFile != "" {
		data, err := os.ReadFile(importKeyFile)
		if err != nil {
			return fmt.Errorf("read key file: %w", err)
		}
		sum := sha256.Sum256(data)
		keyFileHash = sum[:]
	}

	legacyPassword, err := promptPassword("Legacy vault password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	newPassword, err := promptPassword("New master password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	confirm, err := promptPassword("Confirm new password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if confirm != newPassword {
		return fmt.Errorf("passwords do not match")
	}

	vaultID, err := engine.ImportLegacy(path, legacyPassword, keyFileHash, newPassword)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "vault_id": vaultID})
	} else {
		printSuccess("Imported %s as vault %s", path, vaultID)
	}
	return nil
}
