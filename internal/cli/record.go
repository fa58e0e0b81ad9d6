package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/webtap/webtap/internal/browser"
	"github.com/webtap/webtap/internal/capture"
	"github.com/webtap/webtap/internal/sink"
)

var recordCmd = &cobra.Command{
	Use:   "record",
	Short: "Record a browser session",
	Long:  "Attaches to a running browser (or launches one) and records the session until interrupted or the duration elapses. Events are streamed to a session directory as JSONL, with a consolidated transaction list and HAR written on exit.",
	RunE:  runRecord,
}

var (
	recordWS       string
	recordURL      string
	recordHost     string
	recordPort     int
	recordOut      string
	recordLaunch   bool
	recordHeadless bool
	recordDuration time.Duration
	recordTypes    []string
)

func init() {
	recordCmd.Flags().StringVar(&recordWS, "ws", "", "Page WebSocket URL to attach to (skips target discovery)")
	recordCmd.Flags().StringVar(&recordURL, "url", "", "Open this URL in a new tab and record it")
	recordCmd.Flags().StringVar(&recordHost, "host", "127.0.0.1", "CDP endpoint host")
	recordCmd.Flags().IntVar(&recordPort, "port", browser.DefaultPort, "CDP endpoint port")
	recordCmd.Flags().StringVar(&recordOut, "out", "", "Session output directory (default webtap-<timestamp>)")
	recordCmd.Flags().BoolVar(&recordLaunch, "launch", false, "Launch a browser instead of attaching to a running one")
	recordCmd.Flags().BoolVar(&recordHeadless, "headless", false, "Launch the browser headless (with --launch)")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "Stop after this long (default: record until interrupted)")
	recordCmd.Flags().StringSliceVar(&recordTypes, "types", nil, "Resource types whose bodies are captured (default XHR,Fetch,Document)")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	log := newLogger()

	endpoint := browser.Endpoint{Host: recordHost, Port: recordPort}

	var launched *browser.Browser
	if recordLaunch {
		b, err := browser.Launch(browser.LaunchOptions{
			Headless: recordHeadless,
			Port:     recordPort,
			StartURL: recordURL,
		})
		if err != nil {
			return outputError(fmt.Sprintf("launch browser: %v", err))
		}
		launched = b
		endpoint = b.Endpoint()
		defer launched.Close()
	}

	wsURL, err := resolveTarget(cmd.Context(), endpoint)
	if err != nil {
		return outputError(err.Error())
	}

	outDir := recordOut
	if outDir == "" {
		outDir = "webtap-" + time.Now().Format("20060102-150405")
	}
	writer, err := sink.NewWriter(outDir, log)
	if err != nil {
		return outputError(fmt.Sprintf("create session directory: %v", err))
	}

	cfg := capture.DefaultConfig()
	if len(recordTypes) > 0 {
		cfg.CaptureResourceTypes = recordTypes
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if recordDuration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, recordDuration)
		defer cancel()
	}

	if !JSONOutput {
		fmt.Fprintf(os.Stderr, "Recording %s into %s (Ctrl-C to stop)\n", wsURL, outDir)
	}

	session := capture.NewSession(cfg, writer.Write, log)
	summary, err := session.Run(ctx, wsURL)
	if closeErr := writer.Close(); closeErr != nil {
		log.WithError(closeErr).Warn("flush session directory")
	}
	if err != nil {
		return outputError(fmt.Sprintf("record session: %v", err))
	}

	if JSONOutput {
		return outputJSON(os.Stdout, map[string]any{
			"ok":      true,
			"dir":     outDir,
			"summary": summary,
		})
	}
	printSummary(summary, outDir)
	return nil
}

// resolveTarget picks the page WebSocket URL: an explicit --ws wins, then
// --url opens a fresh tab, then the browser's first page target is used.
func resolveTarget(ctx context.Context, endpoint browser.Endpoint) (string, error) {
	if recordWS != "" {
		return recordWS, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if recordURL != "" && !recordLaunch {
		target, err := endpoint.NewTab(ctx, recordURL)
		if err != nil {
			return "", fmt.Errorf("open tab: %v", err)
		}
		if target.WebSocketURL == "" {
			return "", fmt.Errorf("new tab %s has no WebSocket URL", target.ID)
		}
		return target.WebSocketURL, nil
	}

	wsURL, err := endpoint.PageWebSocketURL(ctx)
	if err != nil {
		return "", fmt.Errorf("find page target: %v", err)
	}
	return wsURL, nil
}

func printSummary(summary capture.Summary, outDir string) {
	heading := func(s string) string { return s }
	if shouldUseColor() {
		heading = func(s string) string { return color.New(color.Bold).Sprint(s) }
	}

	fmt.Println(heading("Session saved to " + outDir))
	fmt.Print(formatSummary(summary))
}

// formatSummary renders the per-monitor counts as aligned text lines.
func formatSummary(summary capture.Summary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "  network:           %d completed, %d failed\n",
		summary.Network.Completed, summary.Network.Failed)
	fmt.Fprintf(&b, "  storage:           %d cookie, %d localStorage, %d sessionStorage timelines\n",
		summary.Storage.Cookies, summary.Storage.Local, summary.Storage.Session)
	fmt.Fprintf(&b, "  window properties: %d paths, %d history entries\n",
		summary.WindowProperties.Paths, summary.WindowProperties.HistoryEntries)
	fmt.Fprintf(&b, "  interactions:      %d\n", summary.Interactions.Count)
	return b.String()
}
