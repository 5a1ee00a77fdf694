package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/phsym/zeroslog"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// Environment variables that provide flag defaults.
const (
	EnvAddress  = "CATSNAKE_ADDRESS"
	EnvName     = "CATSNAKE_NAME"
	EnvClientID = "CATSNAKE_CLIENT_ID"
)

// DefaultAddress is used when neither --address nor CATSNAKE_ADDRESS is set.
const DefaultAddress = "ws://localhost:3000/ps"

// Version is set at build time.
var Version = "dev"

// Debug enables verbose debug output.
var Debug bool

// JSONOutput enables JSON output format (default is text).
var JSONOutput bool

// NoColor disables color output.
var NoColor bool

// Connection flags.
var (
	Address        string
	CommonName     string
	ClientID       string
	BypassThrottle bool
	Timeout        time.Duration
)

var rootCmd = &cobra.Command{
	Use:               "catsnake",
	Short:             "Command line client for CatSnake pub/sub brokers",
	Long:              "catsnake publishes, subscribes and manages channel access on a CatSnake broker over a websocket connection.",
	Version:           Version,
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: applyEnvDefaults,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVar(&Debug, "debug", false, "Enable verbose debug output")
	flags.BoolVar(&JSONOutput, "json", false, "Output in JSON format (default is text)")
	flags.BoolVar(&NoColor, "no-color", false, "Disable color output")
	flags.StringVar(&Address, "address", DefaultAddress, "Broker websocket address (env "+EnvAddress+")")
	flags.StringVar(&CommonName, "name", "", "Display name sent with every message (env "+EnvName+")")
	flags.StringVar(&ClientID, "client-id", "", "Reuse a client identifier (env "+EnvClientID+")")
	flags.BoolVar(&BypassThrottle, "bypass-throttle", false, "Disable client-side throttling")
	flags.DurationVar(&Timeout, "timeout", 10*time.Second, "Time to wait for the connection and broker replies")
	rootCmd.SetVersionTemplate(`catsnake version {{.Version}}
Repository: https://github.com/grantcarthew/catsnake
Report issues: https://github.com/grantcarthew/catsnake/issues/new
`)
}

// applyEnvDefaults fills connection flags the user did not set from the
// environment.
func applyEnvDefaults(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	for flag, env := range map[string]string{
		"address":   EnvAddress,
		"name":      EnvName,
		"client-id": EnvClientID,
	} {
		if flags.Changed(flag) {
			continue
		}
		value, ok := os.LookupEnv(env)
		if !ok || value == "" {
			continue
		}
		if err := flags.Set(flag, value); err != nil {
			return fmt.Errorf("invalid %s: %w", env, err)
		}
		debugf("%s=%s from environment", flag, value)
	}
	return nil
}

// debugf logs a debug message if debug mode is enabled.
func debugf(format string, args ...any) {
	if Debug {
		fmt.Fprintf(os.Stderr, "[DEBUG] "+format+"\n", args...)
	}
}

// newLogger returns the library logger: a zerolog console writer on stderr,
// at debug level with --debug and warn level otherwise.
func newLogger(w io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if Debug {
		level = slog.LevelDebug
	}
	output := zerolog.ConsoleWriter{Out: w, TimeFormat: time.Stamp, NoColor: !shouldUseColor()}
	log := zerolog.New(output).With().Timestamp().Logger()
	return slog.New(zeroslog.NewHandler(log, &zeroslog.HandlerOptions{Level: level}))
}

// Execute runs the root command.
// Supports command abbreviation via unique prefix matching.
func Execute() error {
	// Try abbreviation expansion for CLI commands
	args := os.Args[1:]
	if len(args) > 0 {
		if expanded := tryExpandCommand(args[0]); expanded != "" {
			args[0] = expanded
			rootCmd.SetArgs(args)
		}
	}
	return rootCmd.Execute()
}

// tryExpandCommand attempts to expand a command abbreviation.
// Returns the expanded command if exactly one match is found, empty string otherwise.
func tryExpandCommand(prefix string) string {
	var matches []string
	for _, cmd := range rootCmd.Commands() {
		name := cmd.Name()
		if name == prefix {
			// Exact match, no expansion needed
			return ""
		}
		if len(prefix) < len(name) && name[:len(prefix)] == prefix {
			matches = append(matches, name)
		}
	}

	if len(matches) == 1 {
		return matches[0]
	}
	return ""
}

// printedError marks an error already written to stderr.
type printedError struct {
	msg string
}

func (e *printedError) Error() string { return e.msg }

// IsPrintedError reports whether err was already written by a command.
func IsPrintedError(err error) bool {
	var p *printedError
	return errors.As(err, &p)
}

// isStdoutTTY returns true if stdout is a terminal.
func isStdoutTTY() bool {
	return term.IsTerminal(int(os.Stdout.Fd()))
}

// outputJSON writes a JSON response to the given writer.
// Pretty prints if stdout is a TTY, compact otherwise.
func outputJSON(w io.Writer, data any) error {
	enc := json.NewEncoder(w)
	if isStdoutTTY() {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(data)
}

// outputSuccess writes a successful response to stdout.
// Uses text format by default, JSON if --json flag is set.
// For action commands (no data), outputs "OK" in text mode.
func outputSuccess(w io.Writer, data any) error {
	if JSONOutput {
		resp := map[string]any{
			"ok": true,
		}
		if data != nil {
			resp["data"] = data
		}
		return outputJSON(w, resp)
	}

	if data == nil {
		if shouldUseColor() {
			color.New(color.FgGreen).Fprintln(w, "OK")
		} else {
			fmt.Fprintln(w, "OK")
		}
		return nil
	}

	return outputText(w, data)
}

// outputText writes data as a single compact JSON line, or verbatim when it
// is a string.
func outputText(w io.Writer, data any) error {
	if s, ok := data.(string); ok {
		_, err := fmt.Fprintln(w, s)
		return err
	}
	b, err := json.Marshal(data)
	if err != nil {
		_, err = fmt.Fprintf(w, "%v\n", data)
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", b)
	return err
}

// outputError writes an error response to stderr and returns an error.
// Uses text format by default, JSON if --json flag is set.
func outputError(w io.Writer, msg string) error {
	if JSONOutput {
		resp := map[string]any{
			"ok":    false,
			"error": msg,
		}
		_ = outputJSON(w, resp)
	} else {
		if shouldUseColor() {
			color.New(color.FgRed).Fprint(w, "Error:")
			fmt.Fprintf(w, " %s\n", msg)
		} else {
			fmt.Fprintf(w, "Error: %s\n", msg)
		}
	}
	return &printedError{msg: msg}
}

// outputNotice writes a notice message to stderr without "Error:" prefix.
// Used for informational messages that still result in non-zero exit code.
func outputNotice(w io.Writer, msg string) error {
	if JSONOutput {
		resp := map[string]any{
			"ok":      false,
			"message": msg,
		}
		_ = outputJSON(w, resp)
	} else {
		fmt.Fprintln(w, msg)
	}
	return &printedError{msg: msg}
}

// shouldUseColor determines if color output should be used based on flags and environment.
func shouldUseColor() bool {
	if JSONOutput {
		return false
	}
	if NoColor {
		return false
	}
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}
