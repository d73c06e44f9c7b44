package peers

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/buger/goterm"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/discovery"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/version"
)

// Mocked for unit testing.
var (
	stdout      io.Writer = os.Stdout
	browsePeers           = discovery.Browse
)

// New creates a new `peers` command.
func New() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List the peers announced on the local network",
		Long: "List the peersync instances that were started with `peersync sync --announce`\n" +
			"on the local network.",
		Run: func(_ *cobra.Command, _ []string) {
			if err := run(timeout); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Second,
		"How long to look for peers.")
	return cmd
}

func run(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	pp := util.NewProgressPrinter(stdout, "Looking for peers..")
	go pp.Run()
	peers, err := browsePeers(ctx)
	pp.StopWithPrint(util.ClearProgress)
	if err != nil {
		return errors.WithContext(err, "browse")
	}

	if len(peers) == 0 {
		fmt.Fprintln(stdout, "No peers found.")
		return nil
	}

	printPeers(stdout, peers)
	return nil
}

func printPeers(out io.Writer, peers []discovery.Peer) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "INSTANCE\tADDRESS\tPORT\tAGENT\tCOMPATIBLE")
	for _, peer := range peers {
		compatible := goterm.Color("yes", goterm.GREEN)
		if !peer.Compatible() {
			compatible = goterm.Color(fmt.Sprintf("no (protocol %s)", peer.Version), goterm.RED)
		}

		agent := describeAgent(peer.Agent)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", peer.Instance, peer.Address(),
			strconv.Itoa(peer.Port), agent, compatible)
	}
	w.Flush()
}

// describeAgent notes whether the peer is running a different release of
// peersync than we are.
func describeAgent(agent string) string {
	if agent == "" {
		return "-"
	}

	compare, ok := version.CompareAgent(agent)
	switch {
	case !ok || compare == 0:
		return agent
	case compare > 0:
		return agent + " (newer)"
	default:
		return agent + " (older)"
	}
}
