package cli

import (
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/spf13/cobra"
)

// Overridden with -ldflags "-X github.com/compemperor/engram/internal/cli.Version=..."
var (
	Version   = "dev"
	Commit    = ""
	BuildDate = ""
)

// buildInfo fills a missing commit and date from the VCS stamp that
// `go build` embeds.
func buildInfo() (commit, date string) {
	commit, date = Commit, BuildDate
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return commit, date
	}
	for _, s := range info.Settings {
		switch {
		case s.Key == "vcs.revision" && commit == "":
			commit = s.Value[:min(len(s.Value), 12)]
		case s.Key == "vcs.time" && date == "":
			date = s.Value
		}
	}
	return commit, date
}

// VersionString is the short form reported by /api/health.
func VersionString() string {
	if commit, _ := buildInfo(); commit != "" {
		return Version + "+" + commit
	}
	return Version
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		commit, date := buildInfo()
		fmt.Fprintf(cmd.OutOrStdout(), "engram %s\n", Version)
		if commit != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  commit: %s\n", commit)
		}
		if date != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "  built:  %s\n", date)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "  go:     %s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	},
}
