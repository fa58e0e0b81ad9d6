package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/webtap/webtap/internal/browser"
)

var targetsCmd = &cobra.Command{
	Use:   "targets",
	Short: "List the browser's debuggable targets",
	RunE:  runTargets,
}

var (
	targetsHost string
	targetsPort int
)

func init() {
	targetsCmd.Flags().StringVar(&targetsHost, "host", "127.0.0.1", "CDP endpoint host")
	targetsCmd.Flags().IntVar(&targetsPort, "port", browser.DefaultPort, "CDP endpoint port")
	rootCmd.AddCommand(targetsCmd)
}

func runTargets(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	endpoint := browser.Endpoint{Host: targetsHost, Port: targetsPort}
	targets, err := endpoint.Targets(ctx)
	if err != nil {
		return outputError(fmt.Sprintf("fetch targets: %v", err))
	}

	if JSONOutput {
		return outputJSON(os.Stdout, map[string]any{"ok": true, "targets": targets})
	}

	if len(targets) == 0 {
		fmt.Println("No targets")
		return nil
	}

	pageStyle := func(s string) string { return s }
	if shouldUseColor() {
		pageStyle = func(s string) string { return color.New(color.FgGreen).Sprint(s) }
	}
	for _, t := range targets {
		kind := t.Type
		if t.Type == "page" {
			kind = pageStyle(t.Type)
		}
		title := t.Title
		if title == "" {
			title = "(untitled)"
		}
		fmt.Printf("%-16s %s  %s\n", kind, t.ID, title)
		if t.URL != "" {
			fmt.Printf("%-16s   %s\n", "", t.URL)
		}
	}
	return nil
}
