package cmd

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	configCmd "github.com/sidkik/peersync/cmd/config"
	"github.com/sidkik/peersync/cmd/peers"
	"github.com/sidkik/peersync/cmd/status"
	syncCmd "github.com/sidkik/peersync/cmd/sync"
	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/cmd/version"
)

// verboseLogKey is the environment variable used to enable verbose logging.
// When it's set to `true`, Debug events are logged, rather than just Info and
// above.
const verboseLogKey = "PEERSYNC_LOG_VERBOSE"

// Execute runs the main CLI process.
func Execute() {
	if os.Getenv(verboseLogKey) == "true" {
		log.SetLevel(log.DebugLevel)
	}

	if err := newRootCmd().Execute(); err != nil {
		util.HandleFatalError(err)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "peersync",
		Short: "Keep a directory in sync with a peer.",
		Long: `Keep a directory in sync with a peer.

File contents are encrypted with a passphrase that both peers share. File
names, modification times, and listings are sent unencrypted.`,
		SilenceUsage: true,

		// The call to rootCmd.Execute prints the error, so we silence errors
		// here to avoid double printing.
		SilenceErrors: true,
	}
	rootCmd.AddCommand(
		configCmd.New(),
		peers.New(),
		status.New(),
		syncCmd.New(),
		version.New(),
	)
	return rootCmd
}
