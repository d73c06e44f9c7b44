package session

import (
	"bytes"
	"crypto/sha256"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	logrusTest "github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fileinfo"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/session/mocks"
)

const root = "/sync"

// prefixCipher "encrypts" by adding a prefix, so that tests can check that
// contents pass through the Transformer.
type prefixCipher struct{}

var prefix = []byte("sealed:")

func (prefixCipher) Encrypt(plain []byte) ([]byte, error) {
	return append(append([]byte{}, prefix...), plain...), nil
}

func (prefixCipher) Decrypt(sealed []byte) ([]byte, error) {
	if !bytes.HasPrefix(sealed, prefix) {
		return nil, errors.New("bad seal")
	}
	return sealed[len(prefix):], nil
}

type testSession struct {
	*Session
	peer    *mocks.Peer
	fs      afero.Fs
	clock   clockwork.FakeClock
	logHook *logrusTest.Hook
}

func newTestSession(t *testing.T, files map[string]string) testSession {
	return newTestSessionWithFs(t, files, nil)
}

// newTestSessionWithFs is like newTestSession, except that the session sees
// the filesystem through `wrap`.
func newTestSessionWithFs(t *testing.T, files map[string]string,
	wrap func(afero.Fs) afero.Fs) testSession {
	var fs afero.Fs = afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll(root, 0755))
	for path, contents := range files {
		require.NoError(t, fs.MkdirAll(parent(path), 0755))
		require.NoError(t, afero.WriteFile(fs, path, []byte(contents), 0644))
	}

	if wrap != nil {
		fs = wrap(fs)
	}

	logger, logHook := logrusTest.NewNullLogger()
	clock := clockwork.NewFakeClock()
	peer := &mocks.Peer{}
	s := New(logger, peer, fs, prefixCipher{}, Config{Root: root, Clock: clock})
	return testSession{s, peer, fs, clock, logHook}
}

// fakeInfoFs reports some paths as special files, symbolic links, or files
// of a different size.
type fakeInfoFs struct {
	afero.Fs
	special map[string]bool
	links   map[string]bool
	sizes   map[string]int64
}

type fakeInfo struct {
	os.FileInfo
	mode os.FileMode
	size int64
}

func (fi fakeInfo) Mode() os.FileMode { return fi.mode }
func (fi fakeInfo) IsDir() bool       { return fi.mode.IsDir() }
func (fi fakeInfo) Size() int64       { return fi.size }

func (fs fakeInfoFs) Stat(name string) (os.FileInfo, error) {
	fi, err := fs.Fs.Stat(name)
	if err != nil {
		return nil, err
	}

	if fs.special[name] {
		return fakeInfo{fi, os.ModeSocket | 0644, 0}, nil
	}
	if size, ok := fs.sizes[name]; ok {
		return fakeInfo{fi, fi.Mode(), size}, nil
	}
	return fi, nil
}

func (fs fakeInfoFs) LstatIfPossible(name string) (os.FileInfo, bool, error) {
	fi, err := fs.Stat(name)
	if err == nil && fs.links[name] {
		return fakeInfo{fi, os.ModeSymlink | 0777, fi.Size()}, true, nil
	}
	return fi, true, err
}

func hasLog(hook *logrusTest.Hook, level logrus.Level, msg string) bool {
	for _, entry := range hook.AllEntries() {
		if entry.Level == level && entry.Message == msg {
			return true
		}
	}
	return false
}

func isEmpty(listing []fileinfo.Descriptor) bool {
	return len(listing) == 0
}

func parent(path string) string {
	for i := len(path) - 1; i > 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "/"
}

func digest(contents string) fileinfo.Digest {
	return fileinfo.Digest(sha256.Sum256([]byte(contents)))
}

func paths(listing []fileinfo.Descriptor) (paths []string) {
	for _, d := range listing {
		paths = append(paths, d.Path)
	}
	return paths
}

func TestListRequestInterval(t *testing.T) {
	s := newTestSession(t, nil)
	s.peer.On("SendFileListRequest").Return(nil).Times(2)
	s.peer.On("CheckForRequest").Return(protocol.Message{Kind: protocol.KindNone}, nil)

	// The first step always asks for the peer's listing.
	assert.NoError(t, s.Step())
	assert.NoError(t, s.Step())

	s.clock.Advance(DefaultListInterval - time.Second)
	assert.NoError(t, s.Step())

	s.clock.Advance(time.Second)
	assert.NoError(t, s.Step())
	assert.NoError(t, s.Step())

	s.peer.AssertExpectations(t)
	s.peer.AssertNumberOfCalls(t, "SendFileListRequest", 2)
	s.peer.AssertNumberOfCalls(t, "CheckForRequest", 5)
}

func TestServeListRequest(t *testing.T) {
	s := newTestSession(t, map[string]string{
		"/sync/a":     "1",
		"/sync/sub/b": "2",
	})
	s.peer.On("SendFileListRequest").Return(nil)
	s.peer.On("CheckForRequest").Return(protocol.Message{Kind: protocol.KindReqList}, nil)
	s.peer.On("SendFileList", mock.MatchedBy(func(listing []fileinfo.Descriptor) bool {
		return assert.ObjectsAreEqual([]string{"a", "sub", "sub/b"}, paths(listing)) &&
			listing[0].Hash == digest("1") && listing[1].IsDir
	})).Return(nil).Once()

	assert.NoError(t, s.Step())
	s.peer.AssertExpectations(t)
}

func TestServeListRequestSkipsSpecialFiles(t *testing.T) {
	s := newTestSessionWithFs(t, map[string]string{
		"/sync/notes.txt":          "notes",
		"/sync/.cache/daemon.sock": "",
	}, func(fs afero.Fs) afero.Fs {
		return fakeInfoFs{Fs: fs, special: map[string]bool{"/sync/.cache/daemon.sock": true}}
	})
	s.peer.On("SendFileListRequest").Return(nil)
	s.peer.On("CheckForRequest").Return(protocol.Message{Kind: protocol.KindReqList}, nil)
	s.peer.On("SendFileList", mock.MatchedBy(func(listing []fileinfo.Descriptor) bool {
		return assert.ObjectsAreEqual([]string{".cache", "notes.txt"}, paths(listing))
	})).Return(nil).Once()

	assert.NoError(t, s.Step())
	s.peer.AssertExpectations(t)
}

func TestServeListRequestAlwaysResponds(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s testSession)
		expLog string
	}{
		{
			name: "Listing fails",
			setup: func(s testSession) {
				require.NoError(t, s.fs.RemoveAll(root))
			},
			expLog: "Failed to list local files",
		},
		{
			name: "Listing too large",
			setup: func(s testSession) {
				s.peer.On("SendFileList", mock.MatchedBy(func(listing []fileinfo.Descriptor) bool {
					return len(listing) == 1
				})).Return(protocol.ErrFrameTooLarge).Once()
			},
			expLog: "Local file list is too large to send",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			s := newTestSession(t, map[string]string{"/sync/a": "1"})
			s.peer.On("SendFileListRequest").Return(nil)
			s.peer.On("CheckForRequest").Return(protocol.Message{Kind: protocol.KindReqList}, nil)
			test.setup(s)
			s.peer.On("SendFileList", mock.MatchedBy(isEmpty)).Return(nil).Once()

			assert.NoError(t, s.Step())
			s.peer.AssertExpectations(t)
			assert.True(t, hasLog(s.logHook, logrus.ErrorLevel, test.expLog))
		})
	}
}

func TestServeFileTooLarge(t *testing.T) {
	tests := []struct {
		name    string
		size    int64
		sendErr error
	}{
		{
			name: "Stat",
			size: protocol.MaxFrameSize,
		},
		{
			name:    "Sealed",
			size:    1,
			sendErr: protocol.ErrFrameTooLarge,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			s := newTestSessionWithFs(t, map[string]string{"/sync/big": "x"},
				func(fs afero.Fs) afero.Fs {
					return fakeInfoFs{Fs: fs, sizes: map[string]int64{"/sync/big": test.size}}
				})
			s.peer.On("SendFileListRequest").Return(nil)
			s.peer.On("CheckForRequest").Return(protocol.Message{
				Kind:     protocol.KindReqFile,
				Filename: "big",
			}, nil)
			if test.sendErr != nil {
				s.peer.On("SendFile", "big", []byte("sealed:x")).Return(test.sendErr).Once()
			}

			assert.NoError(t, s.Step())
			s.peer.AssertExpectations(t)
			if test.sendErr == nil {
				s.peer.AssertNotCalled(t, "SendFile", mock.Anything, mock.Anything)
			}

			entry := s.logHook.LastEntry()
			if assert.NotNil(t, entry) {
				assert.Equal(t, logrus.WarnLevel, entry.Level)
				assert.Equal(t, "Refusing request for a file that's too large to send", entry.Message)
			}
		})
	}
}

func TestSymlinkedPathsAreRefused(t *testing.T) {
	s := newTestSessionWithFs(t, map[string]string{
		"/sync/file":               "x",
		"/sync/outside/secret.txt": "s3cret",
	}, func(fs afero.Fs) afero.Fs {
		return fakeInfoFs{Fs: fs, links: map[string]bool{"/sync/outside": true}}
	})

	for _, name := range []string{"outside", "outside/secret.txt", "outside/new/file"} {
		_, ok := s.localPath(name)
		assert.False(t, ok, name)
	}
	for _, name := range []string{"file", "new/file"} {
		_, ok := s.localPath(name)
		assert.True(t, ok, name)
	}

	s.inFlight["outside/new.txt"] = s.clock.Now()
	s.peer.On("SendFileListRequest").Return(nil)
	s.peer.On("CheckForRequest").Return(protocol.Message{
		Kind:     protocol.KindReqFile,
		Filename: "outside/secret.txt",
	}, nil).Once()
	s.peer.On("CheckForRequest").Return(protocol.Message{
		Kind:     protocol.KindResFile,
		Filename: "outside/new.txt",
		Contents: []byte("sealed:contents"),
	}, nil).Once()

	require.NoError(t, s.Step())
	s.peer.AssertNotCalled(t, "SendFile", mock.Anything, mock.Anything)
	assert.True(t, hasLog(s.logHook, logrus.WarnLevel,
		"Refusing request for a path outside of the sync root"))

	require.NoError(t, s.Step())
	assert.True(t, hasLog(s.logHook, logrus.WarnLevel, "Ignoring file outside of the sync root"))
	_, err := s.fs.Stat("/sync/outside/new.txt")
	assert.True(t, os.IsNotExist(err))
}

func TestServeFileRequest(t *testing.T) {
	tests := []struct {
		name     string
		request  string
		expSent  []byte
		expLevel logrus.Level
		expLog   string
	}{
		{
			name:    "Nested file",
			request: "sub/b",
			expSent: []byte("sealed:2"),
		},
		{
			name:     "Escapes root",
			request:  "../etc/passwd",
			expLevel: logrus.WarnLevel,
			expLog:   "Refusing request for a path outside of the sync root",
		},
		{
			name:     "Absolute path",
			request:  "/etc/passwd",
			expLevel: logrus.WarnLevel,
			expLog:   "Refusing request for a path outside of the sync root",
		},
		{
			name:     "Missing file",
			request:  "missing",
			expLevel: logrus.WarnLevel,
			expLog:   "Failed to read requested file",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			s := newTestSession(t, map[string]string{"/sync/sub/b": "2"})
			s.peer.On("SendFileListRequest").Return(nil)
			s.peer.On("CheckForRequest").Return(protocol.Message{
				Kind:     protocol.KindReqFile,
				Filename: test.request,
			}, nil)
			if test.expSent != nil {
				s.peer.On("SendFile", test.request, test.expSent).Return(nil).Once()
			}

			assert.NoError(t, s.Step())
			s.peer.AssertExpectations(t)
			if test.expSent == nil {
				s.peer.AssertNotCalled(t, "SendFile", mock.Anything, mock.Anything)
			}

			if test.expLog != "" {
				entry := s.logHook.LastEntry()
				if assert.NotNil(t, entry) {
					assert.Equal(t, test.expLevel, entry.Level)
					assert.Equal(t, test.expLog, entry.Message)
					assert.Equal(t, test.request, entry.Data["path"])
				}
			}
		})
	}
}

func TestPullChanges(t *testing.T) {
	s := newTestSession(t, map[string]string{
		"/sync/stale":      "old",
		"/sync/same":       "same",
		"/sync/newer-here": "mine",
	})

	staleInfo, err := s.cache.Info("/sync/stale")
	require.NoError(t, err)
	later := staleInfo.ModTime + int64(time.Hour)
	earlier := staleInfo.ModTime - int64(time.Hour)

	listing := []fileinfo.Descriptor{
		{Path: "stale", Hash: digest("new"), ModTime: later},
		{Path: "same", Hash: digest("same"), ModTime: earlier},
		{Path: "newer-here", Hash: digest("theirs"), ModTime: earlier},
		{Path: "remote-only", Hash: digest("fresh"), ModTime: earlier},
		{Path: "empty-dir", IsDir: true, ModTime: earlier},
		{Path: "../outside", Hash: digest("evil"), ModTime: later},
	}

	s.peer.On("SendFileListRequest").Return(nil)
	s.peer.On("CheckForRequest").Return(protocol.Message{
		Kind:    protocol.KindResList,
		Listing: listing,
	}, nil)
	s.peer.On("SendFileRequest", "remote-only").Return(nil).Times(2)
	s.peer.On("SendFileRequest", "stale").Return(nil).Times(2)

	require.NoError(t, s.Step())
	s.peer.AssertNumberOfCalls(t, "SendFileRequest", 2)

	fi, err := s.fs.Stat("/sync/empty-dir")
	require.NoError(t, err)
	assert.True(t, fi.IsDir())

	// Files that are already in flight aren't requested again.
	require.NoError(t, s.Step())
	s.peer.AssertNumberOfCalls(t, "SendFileRequest", 2)

	// Unless the request timed out.
	s.clock.Advance(RequestTimeout)
	require.NoError(t, s.Step())
	s.peer.AssertNumberOfCalls(t, "SendFileRequest", 4)
	s.peer.AssertExpectations(t)
}

func TestReceiveFile(t *testing.T) {
	s := newTestSession(t, map[string]string{"/sync/dir/existing": "x"})
	remoteModTime := time.Date(2019, 8, 27, 0, 0, 0, 0, time.UTC)
	listing := []fileinfo.Descriptor{
		{Path: "dir/new", Hash: digest("contents"), ModTime: remoteModTime.UnixNano()},
	}

	// Warm the cache so that we can check that the parents are refreshed.
	require.NoError(t, s.cache.ForceRefresh(root))
	oldRoot, _ := s.cache.Cached(root)

	s.peer.On("SendFileListRequest").Return(nil)
	s.peer.On("CheckForRequest").Return(protocol.Message{
		Kind:    protocol.KindResList,
		Listing: listing,
	}, nil).Once()
	s.peer.On("SendFileRequest", "dir/new").Return(nil).Once()
	s.peer.On("CheckForRequest").Return(protocol.Message{
		Kind:     protocol.KindResFile,
		Filename: "dir/new",
		Contents: []byte("sealed:contents"),
	}, nil).Once()

	require.NoError(t, s.Step())
	require.NoError(t, s.Step())
	s.peer.AssertExpectations(t)

	contents, err := afero.ReadFile(s.fs, "/sync/dir/new")
	require.NoError(t, err)
	assert.Equal(t, "contents", string(contents))

	fi, err := s.fs.Stat("/sync/dir/new")
	require.NoError(t, err)
	assert.True(t, remoteModTime.Equal(fi.ModTime()))

	cached, ok := s.cache.Cached("/sync/dir/new")
	require.True(t, ok)
	assert.Equal(t, digest("contents"), cached.Hash)

	newRoot, _ := s.cache.Cached(root)
	assert.NotEqual(t, oldRoot.Hash, newRoot.Hash)

	entry := s.logHook.LastEntry()
	assert.Equal(t, "Received file", entry.Message)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
}

func TestReceiveFileRejected(t *testing.T) {
	tests := []struct {
		name     string
		request  bool
		contents []byte
		expLevel logrus.Level
		expLog   string
	}{
		{
			name:     "Not requested",
			contents: []byte("sealed:contents"),
			expLevel: logrus.WarnLevel,
			expLog:   "Ignoring file that wasn't requested",
		},
		{
			name:     "Bad seal",
			request:  true,
			contents: []byte("tampered"),
			expLevel: logrus.ErrorLevel,
			expLog:   "Failed to decrypt file. Do both peers use the same passphrase?",
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			s := newTestSession(t, nil)
			if test.request {
				s.inFlight["file"] = s.clock.Now()
			}

			s.peer.On("SendFileListRequest").Return(nil)
			s.peer.On("CheckForRequest").Return(protocol.Message{
				Kind:     protocol.KindResFile,
				Filename: "file",
				Contents: test.contents,
			}, nil)

			assert.NoError(t, s.Step())

			_, err := s.fs.Stat("/sync/file")
			assert.Error(t, err)

			entry := s.logHook.LastEntry()
			if assert.NotNil(t, entry) {
				assert.Equal(t, test.expLevel, entry.Level)
				assert.Equal(t, test.expLog, entry.Message)
			}
		})
	}
}

func TestStepConnectionErrors(t *testing.T) {
	s := newTestSession(t, nil)
	s.peer.On("SendFileListRequest").Return(nil)
	s.peer.On("CheckForRequest").Return(protocol.Message{},
		errors.BrokenConnection{Cause: assert.AnError})

	err := s.Step()
	assert.True(t, errors.IsBrokenConnection(err))

	s = newTestSession(t, nil)
	s.peer.On("SendFileListRequest").Return(errors.BrokenConnection{})
	err = s.Step()
	assert.True(t, errors.IsBrokenConnection(err))
	s.peer.AssertNotCalled(t, "CheckForRequest")
}

func TestChangesTriggerRefresh(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/sync/a", []byte("1"), 0644))

	changes := make(chan struct{}, 1)
	logger, _ := logrusTest.NewNullLogger()
	peer := &mocks.Peer{}
	peer.On("SendFileListRequest").Return(nil)
	peer.On("CheckForRequest").Return(protocol.Message{Kind: protocol.KindNone}, nil)

	s := New(logger, peer, fs, prefixCipher{}, Config{
		Root:    root,
		Changes: changes,
		Clock:   clockwork.NewFakeClock(),
	})

	require.NoError(t, s.Step())
	assert.Equal(t, 0, s.Cache().Len())

	changes <- struct{}{}
	require.NoError(t, s.Step())
	assert.Equal(t, 2, s.Cache().Len())
}

func TestLocalPath(t *testing.T) {
	s := newTestSession(t, nil)

	tests := []struct {
		name  string
		exp   string
		expOK bool
	}{
		{"file", "/sync/file", true},
		{"dir/file", "/sync/dir/file", true},
		{"dir/../file", "/sync/file", true},
		{"", "", false},
		{".", "", false},
		{"..", "", false},
		{"../file", "", false},
		{"dir/../../file", "", false},
		{"/etc/passwd", "", false},
		{`dir\..\..\file`, "", false},
	}

	for _, test := range tests {
		actual, ok := s.localPath(test.name)
		assert.Equal(t, test.expOK, ok, test.name)
		assert.Equal(t, test.exp, actual, test.name)
	}
}
