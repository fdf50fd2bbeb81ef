package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/keyfold/keyfold/internal/client"
	"github.com/keyfold/keyfold/internal/config"
	"github.com/keyfold/keyfold/internal/events"
)

var rootCmd = &cobra.Command{
	Use:   "keyfold",
	Short: "Encrypted credential vault",
	Long: `Keyfold manages encrypted credential vaults: local storage,
legacy imports, one-time codes, and replication to cloud providers.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return setup()
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if engine != nil {
			_ = engine.Close()
		}
	},
}

var (
	cfgPath    string
	jsonOutput bool
	verbose    bool

	cfg    *config.Config
	logger *events.Logger
	engine *client.Client
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "",
		"Config file path")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"Enable debug logging")
}

func setup() error {
	var err error
	cfg, err = config.Load(cfgPath)
	if err != nil {
		return err
	}

	level := cfg.Log.Level
	if verbose {
		level = "debug"
	}
	parsed := events.ParseLevel(level)

	var output io.Writer = os.Stderr
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		output = f
	}
	logger = events.New(parsed, cfg.Log.Format, output)

	engine, err = client.New(cfg, logger)
	return err
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		if jsonOutput {
			printJSON(map[string]interface{}{"success": false, "error": err.Error()})
		} else {
			printError("%v", err)
		}
		os.Exit(1)
	}
}

// promptPassword reads a password without echo.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	password, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(password), nil
}

// passwordFlagOrPrompt prefers a flag value, prompting otherwise.
func passwordFlagOrPrompt(flagValue, prompt string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	return promptPassword(prompt)
}

func printSuccess(format string, args ...interface{}) {
	color.New(color.FgGreen).Fprintf(os.Stderr, format+"\n", args...)
}

func printError(format string, args ...interface{}) {
	color.New(color.FgRed).Fprintf(os.Stderr, "Error: "+format+"\n", args...)
}

func printWarning(format string, args ...interface{}) {
	color.New(color.FgYellow).Fprintf(os.Stderr, format+"\n", args...)
}

func printInfo(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
}

func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
