package status

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/buger/goterm"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fileinfo"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/sharing"
)

// Mocked for unit testing.
var (
	fs                        = afero.NewOsFs()
	stdout          io.Writer = os.Stdout
	parseUserConfig           = config.ParseUserOrDefault
	getwd                     = os.Getwd
)

// listingPeer is the subset of *protocol.Conn used to fetch the peer's
// listing.
type listingPeer interface {
	SendFileListRequest() error
	SendFileList(listing []fileinfo.Descriptor) error
	ReceiveData() (protocol.Message, error)
	PushTimeout(timeout time.Duration) (pop func())
}

// New creates a new `status` command.
func New() *cobra.Command {
	var overrides config.User
	var all bool
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "status [peer]",
		Short: "Show how the local directory differs from the peer's",
		Long: `Connect to the peer, and compare its file listing with the local one.
No files are transferred.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if len(args) == 1 {
				overrides.Peer = args[0]
			}

			userConfig, err := parseUserConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			if err := run(userConfig.WithOverrides(overrides), all, timeout); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
	cmd.Flags().StringVar(&overrides.Root, "root", "",
		"The directory to compare. Defaults to the root in the user config, "+
			"or the current directory.")
	cmd.Flags().IntVar(&overrides.Port, "port", 0,
		"The port that both peers use to connect.")
	cmd.Flags().BoolVarP(&all, "all", "a", false,
		"Also show paths that are identical on both peers.")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second,
		"How long to wait for the peer to respond.")
	return cmd
}

func run(cfg config.User, all bool, timeout time.Duration) error {
	if cfg.Peer == "" {
		return errors.NewFriendlyError("No peer to compare with. " +
			"Pass the peer's address as an argument, or set a default peer " +
			"with `peersync config`.")
	}

	root, err := getRoot(cfg)
	if err != nil {
		return err
	}

	local, err := fileinfo.NewCache(fs).Walk(root)
	if err != nil {
		return errors.WithContext(err, "list local files")
	}

	conn, err := util.ConnectToPeer(context.Background(), cfg.Peer, cfg.GetPort())
	if err != nil {
		return err
	}
	defer conn.Close()

	remote, err := fetchRemoteListing(conn, local, timeout)
	if err != nil {
		return err
	}

	entries := sharing.Compare(local, remote)
	printStatus(stdout, entries, all)
	return nil
}

func getRoot(cfg config.User) (string, error) {
	root := cfg.Root
	if root == "" {
		var err error
		root, err = getwd()
		if err != nil {
			return "", errors.WithContext(err, "get current directory")
		}
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return "", errors.WithContext(err, "get absolute path")
	}

	if _, err := fs.Stat(root); os.IsNotExist(err) {
		return "", errors.NewFriendlyError("The directory to compare (%s) doesn't exist.", root)
	}
	return root, nil
}

// fetchRemoteListing asks the peer for its listing. The peer may be running
// `peersync sync`, so its own requests for our listing are answered while we
// wait. Any other message is ignored.
func fetchRemoteListing(peer listingPeer, local []fileinfo.Descriptor,
	timeout time.Duration) ([]fileinfo.Descriptor, error) {
	pop := peer.PushTimeout(timeout)
	defer pop()

	if err := peer.SendFileListRequest(); err != nil {
		return nil, errors.WithContext(err, "send list request")
	}

	for {
		msg, err := peer.ReceiveData()
		if err != nil {
			if errors.IsTimeout(err) {
				return nil, errors.NewFriendlyError(
					"The peer didn't send its file listing within %s.", timeout)
			}
			return nil, errors.WithContext(err, "receive")
		}

		switch msg.Kind {
		case protocol.KindResList:
			return msg.Listing, nil
		case protocol.KindReqList:
			if err := peer.SendFileList(local); err != nil {
				return nil, errors.WithContext(err, "send listing")
			}
		default:
			log.WithFields(log.Fields{
				"kind":     msg.Kind,
				"filename": msg.Filename,
			}).Debug("Ignoring message while waiting for the peer's listing")
		}
	}
}

var statusColors = map[sharing.Status]int{
	sharing.Identical:   goterm.GREEN,
	sharing.LocalOnly:   goterm.YELLOW,
	sharing.LocalNewer:  goterm.YELLOW,
	sharing.RemoteOnly:  goterm.CYAN,
	sharing.RemoteNewer: goterm.CYAN,
}

var statusNames = map[sharing.Status]string{
	sharing.Missing:     "missing",
	sharing.Identical:   "identical",
	sharing.LocalOnly:   "local only",
	sharing.LocalNewer:  "local newer",
	sharing.RemoteOnly:  "remote only",
	sharing.RemoteNewer: "remote newer",
}

func printStatus(out io.Writer, entries []sharing.Entry, all bool) {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tLOCAL\tREMOTE\tSTATUS")
	for _, entry := range entries {
		if entry.Status == sharing.Identical && !all {
			continue
		}

		path := entry.Path
		if isDir(entry) {
			path += "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", path,
			formatModTime(entry.Local), formatModTime(entry.Remote),
			goterm.Color(statusNames[entry.Status], statusColors[entry.Status]))
	}
	w.Flush()

	fmt.Fprintln(out)
	fmt.Fprintln(out, summarize(sharing.Summary(entries)))
}

func isDir(entry sharing.Entry) bool {
	return (entry.Local != nil && entry.Local.IsDir) ||
		(entry.Remote != nil && entry.Remote.IsDir)
}

func formatModTime(desc *fileinfo.Descriptor) string {
	if desc == nil {
		return "-"
	}
	return desc.Modified().Local().Format("2006-01-02 15:04:05")
}

// summarize describes the counts in a single line, such as
// "2 identical, 1 remote newer".
func summarize(counts map[sharing.Status]int) string {
	var statuses []sharing.Status
	for status, count := range counts {
		if count > 0 {
			statuses = append(statuses, status)
		}
	}
	if len(statuses) == 0 {
		return "No files on either peer."
	}

	sort.Slice(statuses, func(i, j int) bool {
		return statuses[i] < statuses[j]
	})

	var parts []string
	for _, status := range statuses {
		parts = append(parts, fmt.Sprintf("%d %s", counts[status], statusNames[status]))
	}
	return strings.Join(parts, ", ")
}
