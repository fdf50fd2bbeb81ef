package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/models"
	syncengine "github.com/keyfold/keyfold/internal/sync"
)

var syncCmd = &cobra.Command{
	Use:   "sync <vault-id>",
	Short: "Synchronize a vault with a cloud provider",
	Long: `Sync replicates the encrypted vault container to the configured
provider. When both the local and remote copies changed since the last
sync, the conflict is reported and nothing is overwritten; rerun with
--resolve to pick a side.`,
	Example: `  keyfold sync vault-123 --provider webdav
  keyfold sync vault-123 --provider s3 --resolve keep-both`,
	Args: cobra.ExactArgs(1),
	RunE: runSyncVault,
}

var (
	syncProvider string
	syncResolve  string
)

func init() {
	rootCmd.AddCommand(syncCmd)

	syncCmd.Flags().StringVarP(&syncProvider, "provider", "P", "localdir",
		"Provider tag (localdir, webdav, s3, gdrive)")
	syncCmd.Flags().StringVar(&syncResolve, "resolve", "",
		"Resolve a reported conflict: keep-local, keep-remote, keep-both")
	syncCmd.Flags().StringVarP(&vaultPassword, "password", "p", "",
		"Master password (will prompt if not provided)")
}

func runSyncVault(cmd *cobra.Command, args []string) error {
	vaultID := args[0]

	password, err := passwordFlagOrPrompt(vaultPassword, "Master password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if _, err := engine.Unlock(vaultID, password); err != nil {
		return err
	}
	defer engine.Lock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		printWarning("Sync interrupted, cancelling...")
		cancel()
	}()

	start := time.Now()

	var result *syncengine.Result
	if syncResolve != "" {
		result, err = engine.ResolveConflict(ctx, vaultID, syncProvider,
			syncengine.Resolution(syncResolve))
	} else {
		result, err = engine.SyncVault(ctx, vaultID, syncProvider)
	}

	var conflict *models.ConflictError
	if errors.As(err, &conflict) {
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success":     false,
				"conflict":    true,
				"vault_id":    conflict.VaultID,
				"provider":    conflict.Provider,
				"remote_id":   conflict.RemoteID,
				"remote_etag": conflict.RemoteEtag,
			})
			return err
		}
		printError("Both the local and remote copies changed since the last sync.")
		printInfo("Rerun with --resolve keep-local, keep-remote, or keep-both.")
		return err
	}
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":     true,
			"vault_id":    result.VaultID,
			"provider":    result.Provider,
			"outcome":     result.Outcome,
			"remote_etag": result.RemoteEtag,
			"duration":    time.Since(start).Round(time.Millisecond).String(),
		})
		return nil
	}

	switch result.Outcome {
	case syncengine.OutcomeUpToDate:
		printInfo("Already up to date")
	case syncengine.OutcomeUploaded:
		printSuccess("Uploaded to %s (%s)", result.Provider, time.Since(start).Round(time.Millisecond))
	case syncengine.OutcomeDownloaded:
		printSuccess("Downloaded from %s (%s)", result.Provider, time.Since(start).Round(time.Millisecond))
	}
	return nil
}
