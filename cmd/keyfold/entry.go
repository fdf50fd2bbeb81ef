package main

import (
	"fmt"
	"time"

	"github.com/atotto/clipboard"
	"github.com/spf13/cobra"

	"github.com/keyfold/keyfold/internal/models"
)

var getCmd = &cobra.Command{
	Use:   "get <vault-id> <entry-id>",
	Short: "Show an entry",
	Long: `Get prints an entry's fields. The secret itself is only shown
with --show, or placed on the clipboard with --copy.`,
	Example: `  keyfold get vault-123 entry-456 --copy
  keyfold get vault-123 entry-456 --otp`,
	Args: cobra.ExactArgs(2),
	RunE: runGet,
}

var addCmd = &cobra.Command{
	Use:   "add <vault-id> <title>",
	Short: "Add an entry to a vault",
	Example: `  keyfold add vault-123 "Mail account" --username alice
  keyfold add vault-123 VPN --otp-secret JBSWY3DPEHPK3PXP`,
	Args: cobra.ExactArgs(2),
	RunE: runAdd,
}

var (
	getCopy bool
	getShow bool
	getOTP  bool

	addUsername  string
	addURL       string
	addNotes     string
	addOTPSecret string
	addSecret    string
)

func init() {
	rootCmd.AddCommand(getCmd, addCmd)

	getCmd.Flags().StringVarP(&vaultPassword, "password", "p", "",
		"Master password (will prompt if not provided)")
	getCmd.Flags().BoolVarP(&getCopy, "copy", "c", false,
		"Copy the secret to the clipboard")
	getCmd.Flags().BoolVar(&getShow, "show", false,
		"Print the secret to stdout")
	getCmd.Flags().BoolVar(&getOTP, "otp", false,
		"Print the current one-time code")

	addCmd.Flags().StringVarP(&vaultPassword, "password", "p", "",
		"Master password (will prompt if not provided)")
	addCmd.Flags().StringVarP(&addUsername, "username", "u", "", "Username")
	addCmd.Flags().StringVar(&addURL, "url", "", "URL")
	addCmd.Flags().StringVar(&addNotes, "notes", "", "Notes")
	addCmd.Flags().StringVar(&addOTPSecret, "otp-secret", "",
		"TOTP secret or otpauth:// URI")
	addCmd.Flags().StringVar(&addSecret, "secret", "",
		"Entry secret (will prompt if not provided)")
}

func runGet(cmd *cobra.Command, args []string) error {
	vaultID, entryID := args[0], args[1]

	password, err := passwordFlagOrPrompt(vaultPassword, "Master password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if _, err := engine.Unlock(vaultID, password); err != nil {
		return err
	}
	defer engine.Lock()

	entry, err := engine.GetEntry(entryID)
	if err != nil {
		return err
	}

	if getOTP {
		code, err := engine.EntryCode(entryID)
		if err != nil {
			return err
		}
		if jsonOutput {
			printJSON(map[string]interface{}{
				"success":   true,
				"code":      code.Value,
				"remaining": code.Remaining.Round(time.Second).String(),
			})
		} else {
			fmt.Println(code.Value)
			printInfo("Valid for %s", code.Remaining.Round(time.Second))
		}
		return nil
	}

	if getCopy {
		if err := clipboard.WriteAll(entry.Secret); err != nil {
			return fmt.Errorf("copy to clipboard: %w", err)
		}
		printSuccess("Secret copied to clipboard")
	}

	if jsonOutput {
		out := map[string]interface{}{
			"success":  true,
			"id":       entry.ID,
			"title":    entry.Title,
			"username": entry.Username,
			"url":      entry.URL,
			"notes":    entry.Notes,
		}
		if getShow {
			out["secret"] = entry.Secret
		}
		printJSON(out)
		return nil
	}

	fmt.Printf("Title:    %s\n", entry.Title)
	if entry.Username != "" {
		fmt.Printf("Username: %s\n", entry.Username)
	}
	if entry.URL != "" {
		fmt.Printf("URL:      %s\n", entry.URL)
	}
	if entry.Notes != "" {
		fmt.Printf("Notes:    %s\n", entry.Notes)
	}
	if getShow {
		fmt.Printf("Secret:   %s\n", entry.Secret)
	} else if !getCopy {
		printInfo("Use --show or --copy for the secret")
	}
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	vaultID, title := args[0], args[1]

	password, err := passwordFlagOrPrompt(vaultPassword, "Master password: ")
	if err != nil {
		return fmt.Errorf("read password: %w", err)
	}
	if _, err := engine.Unlock(vaultID, password); err != nil {
		return err
	}
	defer engine.Lock()

	secret, err := passwordFlagOrPrompt(addSecret, "Entry secret: ")
	if err != nil {
		return fmt.Errorf("read secret: %w", err)
	}

	if addOTPSecret != "" {
		if err := engine.TOTP.CheckSecret(addOTPSecret); err != nil {
			return fmt.Errorf("invalid otp secret: %w", err)
		}
	}

	entryID, err := engine.AddEntry(models.Entry{
		Title:     title,
		Username:  addUsername,
		Secret:    secret,
		URL:       addURL,
		Notes:     addNotes,
		OTPSecret: addOTPSecret,
	})
	if err != nil {
		return err
	}

	if jsonOutput {
		printJSON(map[string]interface{}{"success": true, "entry_id": entryID})
	} else {
		printSuccess("Added entry %s (%s)", title, entryID)
	}
	return nil
}
