package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var createCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new vault",
	Example: `  keyfold create personal
  keyfold create work --password-stdin`,
	Args: cobra.ExactArgs(1),
	RunE: runCreate,
}

var openCmd = &cobra.Command{
	Use:   "open <vault-id>",
	Short: "Open a vault and show its contents",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpen,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List known vaults",
	RunE:  runList,
}

var passwdCmd = &cobra.Command{
	Use:   "passwd <vault-id>",
	Short: "Change a vault's master password",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswd,
}

var lockCmd = &cobra.Command{
	Use:   "lock",
	Short: "Lock the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		engine.Lock()
		printSuccess("Session locked")
		return nil
	},
}

var rotateCmd = &cobra.Command{
	Use:   "rotate <vault-id>",
	Short: "Rotate a vault's data keyset",
	Long: `Rotate generates a new data key; existing records stay readable
and new writes use the new key.`,
	Args: cobra.ExactArgs(1),
	RunE: runRotate,
}

var deleteCmd = &cobra.Command{
	Use:   "delete <vault-id>",
	Short: "Delete a vault and its sync metadata",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var (
	vaultPassword string
	deleteForce   bool
)

func init() {
	rootCmd.AddCommand(createCmd, openCmd, listCmd, passwdCmd, lockCmd, rotateCmd, deleteCmd)

	for _, cmd := range []*cobra.Command{createCmd, openCmd, rotateCmd} {
		cmd.Flags().StringVarP(&vaultPassword, "password", "p", "",
			"Master password (will prompt if not provided)")
	}
	deleteCmd.Flags().BoolVarP(&deleteForce, "force", "f", false,
		"Skip confirmation")
}

func runCreate(cmd *cobra.Command, args []string) error {
	password, err := passwordFlagOrPrompt(vaultPassword, "Master password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if vaultPassword == "" {
		confirm, err := promptPassword("Confirm password: ")
		if err != nil {
			return fmt.Errorf("read password: %w", err)
		}
		if confirm != password {
			return fmt.Errorf("passwords do not match")
		}
	}

	vaultID, err := engine.CreateVault(args[0], password)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "vault_id": vaultID, "name": args[0]})
	} else {
		printSuccess("Created vault %s (%s)", args[0], vaultID)
	}
	return nil
}

func runOpen(cmd *cobra.Command, args []string) error {
	vaultID := args[0]
	password, err := passwordFlagOrPrompt(vaultPassword, "Master password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	payload, err := engine.Unlock(vaultID, password)
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{
			"success":  true,
			"vault_id": vaultID,
			"groups":   len(payload.Groups),
			"entries":  payload.Entries,
		})
		return nil
	}

	printSuccess("Unlocked vault %s", vaultID)
	if len(payload.Entries) == 0 {
		printInfo("Vault is empty")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tUSERNAME\tURL")
	for _, e := range payload.Entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.ID, e.Title, e.Username, e.URL)
	}
	return w.Flush()
}

func runList(cmd *cobra.Command, args []string) error {
	listings, err := engine.ListVaults()
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "vaults": listings})
		return nil
	}

	if len(listings) == 0 {
		printInfo("No vaults found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tPATH\tSTATUS")
	for _, l := range listings {
		status := "ok"
		if l.IsMissing {
			status = "missing"
		} else if l.IsExternal {
			status = "external"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", l.ID, l.Name, l.Path, status)
	}
	return w.Flush()
}

func runPasswd(cmd *cobra.Command, args []string) error {
	oldPassword, err := promptPassword("Current password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	newPassword, err := promptPassword("New password: ")
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

	if err := engine.ChangePassword(args[0], oldPassword, newPassword); err != nil {
		return err
	}
	printSuccess("Password changed for vault %s", args[0])
	return nil
}

func runRotate(cmd *cobra.Command, args []string) error {
	vaultID := args[0]
	password, err := passwordFlagOrPrompt(vaultPassword, "Master password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}

	if _, err := engine.Unlock(vaultID, password); err != nil {
		return err
	}
	defer engine.Lock()

	if err := engine.RotateKeyset(); err != nil {
		return err
	}
	printSuccess("Rotated keyset for vault %s", vaultID)
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	vaultID := args[0]
	if !deleteForce {
		fmt.Fprintf(os.Stderr, "Delete vault %s? This cannot be undone. [y/N] ", vaultID)
		var answer string
		fmt.Scanln(&answer)
		if answer != "y" && answer != "Y" {
			printWarning("Aborted")
			return nil
		}
	}

	if err := engine.DeleteVault(vaultID); err != nil {
		return err
	}
	printSuccess("Deleted vault %s", vaultID)
	return nil
}
