package version

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/version"
)

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of peersync.",
		Long: "Print the version of peersync, and the version of the wire\n" +
			"protocol it speaks. Both peers must speak the same protocol version.",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("peersync version: %s\n", version.Version)
			fmt.Printf("protocol version: %d\n", protocol.Version)
		},
	}
}
