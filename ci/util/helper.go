package util

import (
	"context"
	"fmt"
	"io/ioutil"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/crypt"
	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fileinfo"
	"github.com/sidkik/peersync/pkg/fswatch"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/session"
	"github.com/sidkik/peersync/pkg/sharing"
	"github.com/sidkik/peersync/pkg/transport"
)

const (
	// listInterval is short so that changes propagate quickly.
	listInterval = 200 * time.Millisecond

	// listenDelay gives the first peer time to start listening before the
	// second one dials.
	listenDelay = 500 * time.Millisecond
)

// Peer is a peersync session running in the test process.
type Peer struct {
	Name string
	Root string

	errs chan error
}

// TestHelper runs two peers that sync with each other over the loopback
// interface.
type TestHelper struct {
	A, B *Peer

	port       int
	passphrase string
	log        *logrus.Logger
	tmpDir     string
	cancel     context.CancelFunc
}

// NewTestHelper creates the directories for both peers. The peers aren't
// started until Start is called.
func NewTestHelper(artifactsDir string) (*TestHelper, error) {
	tmpDir, err := ioutil.TempDir("", "peersync-ci")
	if err != nil {
		return nil, errors.WithContext(err, "make temp dir")
	}

	port, err := freePort()
	if err != nil {
		return nil, errors.WithContext(err, "get free port")
	}

	helper := &TestHelper{
		port:       port,
		passphrase: "ci passphrase",
		log:        logrus.New(),
		tmpDir:     tmpDir,
	}
	helper.log.SetLevel(logrus.DebugLevel)

	if artifactsDir != "" {
		if err := os.MkdirAll(artifactsDir, 0755); err != nil {
			return nil, errors.WithContext(err, "make artifacts dir")
		}

		logPath := filepath.Join(artifactsDir, fmt.Sprintf("peersync-%d.log", port))
		logFile, err := os.OpenFile(logPath, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			return nil, errors.WithContext(err, "open log file")
		}
		helper.log.SetOutput(logFile)
	}

	for _, name := range []string{"a", "b"} {
		root := filepath.Join(tmpDir, name)
		if err := os.MkdirAll(root, 0755); err != nil {
			return nil, errors.WithContext(err, "make peer root")
		}

		peer := &Peer{Name: name, Root: root, errs: make(chan error, 1)}
		if name == "a" {
			helper.A = peer
		} else {
			helper.B = peer
		}
	}
	return helper, nil
}

// Start starts both peers. Peer A starts first, so it ends up listening.
func (helper *TestHelper) Start(ctx context.Context) error {
	ctx, helper.cancel = context.WithCancel(ctx)

	if err := helper.start(ctx, helper.A); err != nil {
		return errors.WithContext(err, "start a")
	}

	time.Sleep(listenDelay)
	if err := helper.start(ctx, helper.B); err != nil {
		return errors.WithContext(err, "start b")
	}
	return nil
}

func (helper *TestHelper) start(ctx context.Context, peer *Peer) error {
	cipher, err := crypt.New(helper.passphrase)
	if err != nil {
		return errors.WithContext(err, "create cipher")
	}

	watcher, err := fswatch.Watch(peer.Root)
	if err != nil {
		return errors.WithContext(err, "watch")
	}

	log := helper.log.WithField("peer", peer.Name)
	go func() {
		defer watcher.Close()

		conn := protocol.New(transport.New())
		if err := conn.Connect(ctx, "127.0.0.1", helper.port); err != nil {
			peer.errs <- errors.WithContext(err, "connect")
			return
		}
		defer conn.Close()
		log.WithField("role", conn.Role()).Info("Connected")

		sess := session.New(helper.log, conn, afero.NewOsFs(), cipher, session.Config{
			Root:         peer.Root,
			ListInterval: listInterval,
			Changes:      watcher.C,
		})
		peer.errs <- sess.Run(ctx)
	}()
	return nil
}

// Stop stops both peers, and removes their directories. Connection errors
// are expected while the peers shut down, and are ignored.
func (helper *TestHelper) Stop() error {
	if helper.cancel != nil {
		helper.cancel()
		for _, peer := range []*Peer{helper.A, helper.B} {
			select {
			case err := <-peer.errs:
				if err != nil && !errors.IsBrokenConnection(err) {
					return errors.WithContext(err, peer.Name)
				}
			case <-time.After(10 * time.Second):
				return errors.New("timed out waiting for " + peer.Name + " to stop")
			}
		}
	}
	return os.RemoveAll(helper.tmpDir)
}

// Diff returns the paths that aren't identical between the two peers.
func (helper *TestHelper) Diff() ([]string, error) {
	fs := afero.NewOsFs()
	aListing, err := fileinfo.NewCache(fs).Walk(helper.A.Root)
	if err != nil {
		return nil, errors.WithContext(err, "list a")
	}

	bListing, err := fileinfo.NewCache(fs).Walk(helper.B.Root)
	if err != nil {
		return nil, errors.WithContext(err, "list b")
	}

	var diff []string
	for _, entry := range sharing.Compare(aListing, bListing) {
		if entry.Status != sharing.Identical {
			diff = append(diff, fmt.Sprintf("%s (%s)", entry.Path, entry.Status))
		}
	}
	return diff, nil
}

// WaitUntilSynced waits until both peers have identical directories.
func (helper *TestHelper) WaitUntilSynced(ctx context.Context) error {
	var lastDiff []string
	synced := TestWithRetry(ctx, nil, func() bool {
		diff, err := helper.Diff()
		if err != nil {
			helper.log.WithError(err).Warn("Failed to diff peers")
			return false
		}
		lastDiff = diff
		return len(diff) == 0
	})

	if !synced {
		return errors.New("peers never converged. Differing paths: " +
			strings.Join(lastDiff, ", "))
	}
	return nil
}

// TestWithRetry runs `test` until it passes, backing off between attempts.
// Receiving on `trigger` runs the test immediately. The last attempt is made
// after `ctx` is done.
func TestWithRetry(ctx context.Context, trigger chan struct{}, test func() bool) bool {
	maxSleepTime := 5 * time.Second
	sleepTime := 100 * time.Millisecond
	for {
		select {
		case <-ctx.Done():
			return test()
		case <-time.After(sleepTime):
			sleepTime *= 2
			if sleepTime > maxSleepTime {
				sleepTime = maxSleepTime
			}
		case <-trigger:
		}

		if test() {
			return true
		}
	}
}

func freePort() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port, nil
}
