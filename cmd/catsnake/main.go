package main

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	_ "github.com/joho/godotenv/autoload"

	"github.com/grantcarthew/catsnake/internal/cli"
)

// formatCobraError converts verbose Cobra errors to user-friendly messages.
func formatCobraError(err error) string {
	msg := err.Error()

	// "accepts 2 arg(s), received 1"
	re := regexp.MustCompile(`accepts (\d+) arg\(s\), received (\d+)`)
	if matches := re.FindStringSubmatch(msg); len(matches) > 2 {
		return fmt.Sprintf("expected %s arguments, got %s (see --help)", matches[1], matches[2])
	}

	return msg
}

func main() {
	if err := cli.Execute(); err != nil {
		// Print error if not already printed by command handler
		if !cli.IsPrintedError(err) {
			msg := formatCobraError(err)
			if cli.JSONOutput {
				resp := map[string]any{
					"ok":    false,
					"error": msg,
				}
				_ = json.NewEncoder(os.Stderr).Encode(resp)
			} else {
				fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
			}
		}
		os.Exit(1)
	}
}
