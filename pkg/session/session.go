// Package session keeps a local directory in sync with a peer's. A Session
// polls the connection for requests from the peer, periodically asks the
// peer for its listing, and pulls the files that are missing or older
// locally.
package session

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fileinfo"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/sharing"
)

const (
	// DefaultListInterval is how often the peer's listing is requested if
	// Config.ListInterval isn't set.
	DefaultListInterval = 10 * time.Second

	// RequestTimeout is how long we wait for a requested file before
	// requesting it again.
	RequestTimeout = time.Minute
)

// Peer is the connection to the remote host. It's implemented by
// *protocol.Conn.
type Peer interface {
	CheckForRequest() (protocol.Message, error)
	SendFileListRequest() error
	SendFileRequest(name string) error
	SendFile(name string, contents []byte) error
	SendFileList(listing []fileinfo.Descriptor) error
}

// Transformer encrypts file contents before they're sent, and decrypts them
// when they're received. It's implemented by *crypt.Cipher.
type Transformer interface {
	Encrypt(plain []byte) ([]byte, error)
	Decrypt(sealed []byte) ([]byte, error)
}

// Config contains the optional settings for a Session.
type Config struct {
	// Root is the directory that's synced.
	Root string

	// ListInterval is how often the peer's listing is requested.
	ListInterval time.Duration

	// Changes signals that something beneath Root changed, and the cache
	// should be rebuilt. It may be nil.
	Changes <-chan struct{}

	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// Session syncs files with a single peer. It is not safe for concurrent use.
type Session struct {
	log    *logrus.Logger
	peer   Peer
	fs     afero.Fs
	cache  *fileinfo.Cache
	cipher Transformer

	root         string
	listInterval time.Duration
	changes      <-chan struct{}
	clock        clockwork.Clock

	listRequested   bool
	lastListRequest time.Time

	// inFlight maps the files that we've requested to when we requested
	// them.
	inFlight map[string]time.Time

	// remote is the most recent listing from the peer, keyed by path.
	remote map[string]fileinfo.Descriptor
}

// New creates a Session that syncs `cfg.Root` on `fs` with `peer`.
func New(log *logrus.Logger, peer Peer, fs afero.Fs, cipher Transformer, cfg Config) *Session {
	if cfg.ListInterval == 0 {
		cfg.ListInterval = DefaultListInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	return &Session{
		log:          log,
		peer:         peer,
		fs:           fs,
		cache:        fileinfo.NewCache(fs),
		cipher:       cipher,
		root:         cfg.Root,
		listInterval: cfg.ListInterval,
		changes:      cfg.Changes,
		clock:        cfg.Clock,
		inFlight:     map[string]time.Time{},
		remote:       map[string]fileinfo.Descriptor{},
	}
}

// Cache returns the metadata cache for the synced directory.
func (s *Session) Cache() *fileinfo.Cache {
	return s.cache
}

// Run calls Step until `ctx` is done, or the connection fails.
func (s *Session) Run(ctx context.Context) error {
	s.log.WithField("root", s.root).Info("Syncing files with peer")
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if err := s.Step(); err != nil {
			return err
		}
	}
}

// Step handles at most one message from the peer. It returns an error if the
// connection can no longer be used. Errors with the local filesystem are
// logged rather than returned.
func (s *Session) Step() error {
	s.refreshIfChanged()

	if err := s.maybeRequestList(); err != nil {
		return errors.WithContext(err, "request file list")
	}

	msg, err := s.peer.CheckForRequest()
	if err != nil {
		return errors.WithContext(err, "check for request")
	}

	switch msg.Kind {
	case protocol.KindNone:
		return nil
	case protocol.KindReqList:
		return s.sendListing()
	case protocol.KindReqFile:
		return s.sendFile(msg.Filename)
	case protocol.KindResList:
		return s.pullChanges(msg.Listing)
	case protocol.KindResFile:
		s.receiveFile(msg.Filename, msg.Contents)
		return nil
	default:
		s.log.WithField("tag", string(msg.Raw)).Warn("Ignoring unrecognized message from peer")
		return nil
	}
}

func (s *Session) refreshIfChanged() {
	select {
	case <-s.changes:
	default:
		return
	}

	if err := s.cache.ForceRefresh(s.root); err != nil {
		s.log.WithError(err).Warn("Failed to refresh local file metadata")
	}
}

func (s *Session) maybeRequestList() error {
	now := s.clock.Now()
	if s.listRequested && now.Sub(s.lastListRequest) < s.listInterval {
		return nil
	}

	if err := s.peer.SendFileListRequest(); err != nil {
		return err
	}
	s.listRequested = true
	s.lastListRequest = now
	return nil
}

func (s *Session) sendListing() error {
	// The peer is waiting for a response, so it gets an empty listing if ours
	// can't be sent.
	listing, err := s.cache.Walk(s.root)
	if err != nil {
		s.log.WithError(err).Error("Failed to list local files")
		listing = nil
	}

	err = s.peer.SendFileList(listing)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		s.log.WithField("files", len(listing)).Error("Local file list is too large to send")
		listing = nil
		err = s.peer.SendFileList(listing)
	}
	if err != nil {
		return errors.WithContext(err, "send file list")
	}
	s.log.WithField("files", len(listing)).Debug("Sent file list")
	return nil
}

func (s *Session) sendFile(name string) error {
	log := s.log.WithField("path", name)
	localPath, ok := s.localPath(name)
	if !ok {
		log.Warn("Refusing request for a path outside of the sync root")
		return nil
	}

	fi, err := s.fs.Stat(localPath)
	if err != nil {
		log.WithError(err).Warn("Failed to read requested file")
		return nil
	}

	if fi.Size() >= protocol.MaxFrameSize {
		log.WithField("size", fi.Size()).Warn("Refusing request for a file that's too large to send")
		return nil
	}

	contents, err := afero.ReadFile(s.fs, localPath)
	if err != nil {
		log.WithError(err).Warn("Failed to read requested file")
		return nil
	}

	sealed, err := s.cipher.Encrypt(contents)
	if err != nil {
		log.WithError(err).Error("Failed to encrypt requested file")
		return nil
	}

	err = s.peer.SendFile(name, sealed)
	if errors.Is(err, protocol.ErrFrameTooLarge) {
		log.WithField("size", len(sealed)).Warn("Refusing request for a file that's too large to send")
		return nil
	}
	if err != nil {
		return errors.WithContext(err, "send file")
	}
	log.Debug("Sent file")
	return nil
}

// pullChanges requests every file in the peer's listing that's missing or
// older locally.
func (s *Session) pullChanges(listing []fileinfo.Descriptor) error {
	s.remote = map[string]fileinfo.Descriptor{}
	for _, d := range listing {
		s.remote[d.Path] = d
	}

	local, err := s.cache.Walk(s.root)
	if err != nil {
		s.log.WithError(err).Error("Failed to list local files")
		return nil
	}

	var requested int
	for _, entry := range sharing.Compare(local, listing) {
		if entry.Status != sharing.RemoteOnly && entry.Status != sharing.RemoteNewer {
			continue
		}

		log := s.log.WithField("path", entry.Path)
		localPath, ok := s.localPath(entry.Path)
		if !ok {
			log.Warn("Ignoring remote path outside of the sync root")
			continue
		}

		if entry.Remote.IsDir {
			// Directories with contents are created along with their
			// files, so only empty ones need to be created here.
			if entry.Status == sharing.RemoteOnly {
				if err := s.fs.MkdirAll(localPath, 0755); err != nil {
					log.WithError(err).Warn("Failed to create directory")
				}
			}
			continue
		}

		if entry.Local != nil && entry.Local.IsDir {
			log.Warn("Peer has a file where we have a directory. Skipping.")
			continue
		}

		if s.isInFlight(entry.Path) {
			continue
		}

		if err := s.peer.SendFileRequest(entry.Path); err != nil {
			return errors.WithContext(err, "request "+entry.Path)
		}
		s.inFlight[entry.Path] = s.clock.Now()
		requested++
	}

	if requested > 0 {
		s.log.WithField("count", requested).Info("Requested changed files from peer")
	}
	return nil
}

func (s *Session) isInFlight(name string) bool {
	requestedAt, ok := s.inFlight[name]
	if !ok {
		return false
	}

	if s.clock.Now().Sub(requestedAt) >= RequestTimeout {
		delete(s.inFlight, name)
		return false
	}
	return true
}

func (s *Session) receiveFile(name string, sealed []byte) {
	log := s.log.WithField("path", name)
	if _, ok := s.inFlight[name]; !ok {
		log.Warn("Ignoring file that wasn't requested")
		return
	}
	delete(s.inFlight, name)

	localPath, ok := s.localPath(name)
	if !ok {
		log.Warn("Ignoring file outside of the sync root")
		return
	}

	contents, err := s.cipher.Decrypt(sealed)
	if err != nil {
		log.WithError(err).Error("Failed to decrypt file. " +
			"Do both peers use the same passphrase?")
		return
	}

	if err := s.fs.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		log.WithError(err).Error("Failed to create parent directory")
		return
	}

	if err := afero.WriteFile(s.fs, localPath, contents, 0644); err != nil {
		log.WithError(err).Error("Failed to write file")
		return
	}

	// Match the peer's modification time so that the file doesn't look newer
	// than the peer's copy.
	if remote, ok := s.remote[name]; ok {
		modTime := remote.Modified()
		if err := s.fs.Chtimes(localPath, modTime, modTime); err != nil {
			log.WithError(err).Warn("Failed to set modification time")
		}
	}

	if err := s.refreshAncestors(localPath); err != nil {
		log.WithError(err).Warn("Failed to refresh file metadata")
	}
	log.Info("Received file")
}

// refreshAncestors refreshes `localPath` and each of its parents up to the
// root. Overwriting a file doesn't change its parent's modification time, so
// the parents' hashes must be recomputed explicitly.
func (s *Session) refreshAncestors(localPath string) error {
	for p := localPath; ; p = filepath.Dir(p) {
		if err := s.cache.ShallowRefresh(p); err != nil {
			return err
		}

		if p == s.root || p == filepath.Dir(p) {
			return nil
		}
	}
}

// localPath converts a slash-separated path from the peer into a path
// beneath the root. Paths that would escape the root are rejected, including
// paths that pass through a symbolic link.
func (s *Session) localPath(name string) (string, bool) {
	if name == "" || path.IsAbs(name) || strings.Contains(name, "\\") {
		return "", false
	}

	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", false
	}

	local := filepath.Join(s.root, filepath.FromSlash(clean))
	for p := local; p != s.root && p != filepath.Dir(p); p = filepath.Dir(p) {
		fi, err := fileinfo.Lstat(s.fs, p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil || fi.Mode()&os.ModeSymlink != 0 {
			return "", false
		}
	}
	return local, true
}
