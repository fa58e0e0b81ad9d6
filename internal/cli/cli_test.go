package cli

import (
	"strings"
	"testing"

	"github.com/webtap/webtap/internal/capture"
)

func TestFormatSummary(t *testing.T) {
	summary := capture.Summary{}
	summary.Network.Completed = 12
	summary.Network.Failed = 2
	summary.Storage.Cookies = 3
	summary.Storage.Local = 4
	summary.WindowProperties.Paths = 7
	summary.WindowProperties.HistoryEntries = 19
	summary.Interactions.Count = 5

	out := formatSummary(summary)

	for _, want := range []string{
		"12 completed, 2 failed",
		"3 cookie, 4 localStorage, 0 sessionStorage",
		"7 paths, 19 history entries",
		"interactions:      5",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("summary missing %q:\n%s", want, out)
		}
	}
}

func TestRootCommandRegistration(t *testing.T) {
	names := map[string]bool{}
	for _, cmd := range rootCmd.Commands() {
		names[cmd.Name()] = true
	}
	for _, want := range []string{"record", "targets", "version"} {
		if !names[want] {
			t.Errorf("command %q not registered", want)
		}
	}
}
