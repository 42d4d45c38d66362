package version

import (
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

const Name = "github-autorun"

// Set at build time via -ldflags
var version = "devel"

// Returns the version string of the binary
func Version() string {
	result := fmt.Sprintf("%s:\n", Name)
	result += fmt.Sprintf("    Version: %s\n", version)
	result += fmt.Sprintf("    Go:      %s\n", runtime.Version())
	return result
}

func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Print(Version())
		},
	}
}
