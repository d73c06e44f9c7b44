package sync

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/sidkik/peersync/cmd/util"
	"github.com/sidkik/peersync/pkg/config"
	"github.com/sidkik/peersync/pkg/crypt"
	"github.com/sidkik/peersync/pkg/discovery"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fswatch"
	"github.com/sidkik/peersync/pkg/session"
)

// Mocked for unit testing.
var (
	fs               = afero.NewOsFs()
	parseUserConfig  = config.ParseUserOrDefault
	getwd            = os.Getwd
	promptPassphrase = util.PromptPassphrase
)

type syncCmd struct {
	overrides    config.User
	listInterval time.Duration
	logFile      string
	announce     bool
}

// settings are the resolved options for a sync.
type settings struct {
	root         string
	peer         string
	port         int
	passphrase   string
	listInterval time.Duration
}

// New creates a new `sync` command.
func New() *cobra.Command {
	var cmd syncCmd
	cobraCmd := &cobra.Command{
		Use:   "sync [peer]",
		Short: "Keep a directory in sync with a peer",
		Long: `Connect to the peer, and keep the local directory in sync with the peer's.

Both peers run "sync" with each other's address. Whichever starts first waits
for the other to connect. Files that are missing or older locally are copied
from the peer, and files are never deleted.`,
		Args: cobra.MaximumNArgs(1),
		Run: func(_ *cobra.Command, args []string) {
			if len(args) == 1 {
				cmd.overrides.Peer = args[0]
			}
			if cmd.listInterval != 0 {
				cmd.overrides.ListInterval = cmd.listInterval.String()
			}

			userConfig, err := parseUserConfig()
			if err != nil {
				util.HandleFatalError(errors.WithContext(err, "parse user config"))
			}

			opts, err := getSettings(userConfig.WithOverrides(cmd.overrides))
			if err != nil {
				util.HandleFatalError(err)
			}

			if cmd.logFile != "" {
				closeLog, err := logToFile(cmd.logFile)
				if err != nil {
					util.HandleFatalError(err)
				}
				defer closeLog()
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			if err := cmd.run(ctx, opts); err != nil {
				util.HandleFatalError(err)
			}
		},
	}

	cobraCmd.Flags().StringVar(&cmd.overrides.Root, "root", "",
		"The directory to sync. Defaults to the root in the user config, "+
			"or the current directory.")
	cobraCmd.Flags().IntVar(&cmd.overrides.Port, "port", 0,
		"The port that both peers use to connect.")
	cobraCmd.Flags().StringVar(&cmd.overrides.Passphrase, "passphrase", "",
		"The passphrase used to encrypt file contents. It can also be set "+
			"with the "+config.PassphraseEnvVar+" environment variable.")
	cobraCmd.Flags().DurationVar(&cmd.listInterval, "list-interval", 0,
		"How often to ask the peer for its file listing.")
	cobraCmd.Flags().StringVar(&cmd.logFile, "log-file", "",
		"Write logs to this file rather than the terminal.")
	cobraCmd.Flags().BoolVar(&cmd.announce, "announce", false,
		"Announce this peer on the local network so that `peersync peers` "+
			"can find it.")
	return cobraCmd
}

// getSettings validates the merged user config and command line options.
func getSettings(cfg config.User) (settings, error) {
	if cfg.Peer == "" {
		return settings{}, errors.NewFriendlyError("No peer to sync with. " +
			"Pass the peer's address as an argument, or set a default peer " +
			"with `peersync config`.")
	}

	passphrase := cfg.GetPassphrase()
	if passphrase == "" {
		var err error
		passphrase, err = promptPassphrase("Passphrase")
		switch {
		case err == util.ErrNotTerminal || (err == nil && passphrase == ""):
			return settings{}, errors.NewFriendlyError("A passphrase is required " +
				"to encrypt file contents. Set it with --passphrase, the " +
				config.PassphraseEnvVar + " environment variable, or " +
				"`peersync config --passphrase`.")
		case err != nil:
			return settings{}, err
		}
	}

	listInterval, err := cfg.GetListInterval()
	if err != nil {
		return settings{}, err
	}

	root := cfg.Root
	if root == "" {
		root, err = getwd()
		if err != nil {
			return settings{}, errors.WithContext(err, "get current directory")
		}
	}

	root, err = filepath.Abs(root)
	if err != nil {
		return settings{}, errors.WithContext(err, "get absolute path")
	}

	info, err := fs.Stat(root)
	switch {
	case os.IsNotExist(err):
		return settings{}, errors.NewFriendlyError(
			"The directory to sync (%s) doesn't exist.", root)
	case err != nil:
		return settings{}, errors.WithContext(err, "stat root")
	case !info.IsDir():
		return settings{}, errors.NewFriendlyError(
			"The path to sync (%s) must be a directory.", root)
	}

	return settings{
		root:         root,
		peer:         cfg.Peer,
		port:         cfg.GetPort(),
		passphrase:   passphrase,
		listInterval: listInterval,
	}, nil
}

// logToFile redirects the standard logger to `path`. The returned function
// closes the file.
func logToFile(path string) (func(), error) {
	log.SetFormatter(&log.TextFormatter{
		// Show the full timestamp rather than the time elapsed since peersync
		// started, so that the logs of both peers can be correlated.
		FullTimestamp: true,

		// Disable colors since we'll be logging to a file.
		DisableColors: true,
	})

	logFile, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
	if err != nil {
		return nil, errors.WithContext(err, "open log file")
	}
	log.SetOutput(logFile)
	return func() { logFile.Close() }, nil
}

func (cmd syncCmd) run(ctx context.Context, opts settings) error {
	if err := setOpenFilesLimit(); err != nil {
		log.WithError(err).Warn("Failed to increase the kernel limit on open files. " +
			"Watching large directories may fail.")
	}

	cipher, err := crypt.New(opts.passphrase)
	if err != nil {
		return errors.WithContext(err, "create cipher")
	}

	watcher, err := fswatch.Watch(opts.root)
	if err != nil {
		return errors.WithContext(err, "watch root")
	}
	defer watcher.Close()

	if cmd.announce {
		server, err := discovery.Publish(opts.port)
		if err != nil {
			log.WithError(err).Warn("Failed to announce on the local network")
		} else {
			defer server.Shutdown()
		}
	}

	conn, err := util.ConnectToPeer(ctx, opts.peer, opts.port)
	if err != nil {
		return err
	}
	defer conn.Close()

	sess := session.New(log.StandardLogger(), conn, fs, cipher, session.Config{
		Root:         opts.root,
		ListInterval: opts.listInterval,
		Changes:      watcher.C,
	})
	if err := sess.Run(ctx); err != nil {
		if errors.IsBrokenConnection(err) {
			return errors.NewFriendlyError("Lost the connection to %s. "+
				"Run `peersync sync` again to reconnect.", opts.peer)
		}
		return errors.WithContext(err, "sync")
	}

	log.Info("Stopped syncing")
	return nil
}

// The max file limit is 10240, even though the max returned by Getrlimit is
// higher on macOS.
const osxMaxSoftOpenFilesLimit = 10240

// setOpenFilesLimit raises the soft limit on open files, since the watcher
// holds a descriptor for every watched directory.
func setOpenFilesLimit() error {
	var rLimit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &rLimit); err != nil {
		return errors.WithContext(err, "get limit")
	}

	if rLimit.Max < osxMaxSoftOpenFilesLimit {
		rLimit.Cur = rLimit.Max
	} else {
		rLimit.Cur = osxMaxSoftOpenFilesLimit
	}
	return syscall.Setrlimit(syscall.RLIMIT_NOFILE, &rLimit)
}
