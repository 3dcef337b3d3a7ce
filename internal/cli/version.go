package cli

import (
	"runtime"

	"github.com/spf13/cobra"
)

// Build metadata, injected at build time via -ldflags "-X ...".
// Plain "go build" leaves these at their zero-value defaults.
var (
	BuildDate = "unknown"
	GitCommit = "unknown"
	GoVersion = runtime.Version()
)

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version and build information",
		Long: `Display wsintercept version, build date, commit hash, and Go version.

The build metadata is injected at build time via -ldflags.
When building with plain "go build", default values are shown.`,
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("wsintercept version %s\n", Version)
			cmd.Printf("  build date: %s\n", BuildDate)
			cmd.Printf("  git commit: %s\n", GitCommit)
			cmd.Printf("  go version: %s\n", GoVersion)
		},
	}
}
