package protocol

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fileinfo"
	"github.com/sidkik/peersync/pkg/transport"
)

// mockTransport replays `in` to the Conn, and records everything that the
// Conn sends in `out`. Reading past the end of `in` times out if a timeout
// is in effect, and breaks the connection otherwise.
type mockTransport struct {
	role       transport.Role
	connectErr error

	in  *bytes.Buffer
	out bytes.Buffer

	timeout      time.Duration
	stack        []time.Duration
	recvTimeouts []time.Duration
	setTimeouts  []time.Duration
	closed       bool
}

func newMockTransport(in ...[]byte) *mockTransport {
	return &mockTransport{in: bytes.NewBuffer(bytes.Join(in, nil))}
}

func (t *mockTransport) Connect(context.Context, string, int) (transport.Role, error) {
	return t.role, t.connectErr
}

func (t *mockTransport) SendExact(b []byte) error {
	t.out.Write(b)
	return nil
}

func (t *mockTransport) RecvExact(n int) ([]byte, error) {
	t.recvTimeouts = append(t.recvTimeouts, t.timeout)
	if t.in.Len() < n {
		if t.timeout != 0 {
			return nil, errors.Timeout{}
		}
		return nil, errors.BrokenConnection{}
	}
	return t.in.Next(n), nil
}

func (t *mockTransport) PushTimeout(timeout time.Duration) func() {
	t.stack = append(t.stack, t.timeout)
	t.timeout = timeout
	popped := false
	return func() {
		if popped {
			return
		}
		popped = true
		t.timeout = t.stack[len(t.stack)-1]
		t.stack = t.stack[:len(t.stack)-1]
	}
}

func (t *mockTransport) SetTimeout(timeout time.Duration) {
	t.setTimeouts = append(t.setTimeouts, timeout)
	t.timeout = timeout
}

func (t *mockTransport) Close() error {
	t.closed = true
	return nil
}

func uint32Bytes(v uint32) []byte {
	return appendUint32(nil, v)
}

func framed(s string) []byte {
	return appendFramed(nil, []byte(s))
}

func TestKindFromByte(t *testing.T) {
	tests := []struct {
		b   byte
		exp Kind
	}{
		{'l', KindReqList},
		{'f', KindReqFile},
		{'L', KindResList},
		{'F', KindResFile},
		{'Y', KindUnknown},
		{0, KindUnknown},
	}

	for _, test := range tests {
		assert.Equal(t, test.exp, KindFromByte(test.b), "byte %q", test.b)
		if test.exp != KindUnknown {
			assert.Equal(t, test.b, test.exp.Tag())
		}
	}
}

func TestHandshake(t *testing.T) {
	tests := []struct {
		name       string
		role       transport.Role
		version    uint32
		in         []byte
		expOut     []byte
		expErr     error
		expState   State
		expTimeout []time.Duration
	}{
		{
			name:     "InitiatorSuccess",
			role:     transport.RoleInitiator,
			version:  1,
			in:       append([]byte("WotorPTF"), uint32Bytes(1)...),
			expOut:   append([]byte("FTProtoW"), uint32Bytes(1)...),
			expState: StateReady,
		},
		{
			name:     "InitiatorBadMagic",
			role:     transport.RoleInitiator,
			version:  1,
			in:       append([]byte("FTProtoW"), uint32Bytes(1)...),
			expOut:   append([]byte("FTProtoW"), uint32Bytes(1)...),
			expErr:   ErrHandshakeFailed,
			expState: StateFailed,
		},
		{
			name:     "InitiatorVersionMismatch",
			role:     transport.RoleInitiator,
			version:  1,
			in:       append([]byte("WotorPTF"), uint32Bytes(2)...),
			expOut:   append([]byte("FTProtoW"), uint32Bytes(1)...),
			expErr:   ErrHandshakeFailed,
			expState: StateFailed,
		},
		{
			name:     "ListenerSuccess",
			role:     transport.RoleListener,
			version:  1,
			in:       append([]byte("FTProtoW"), uint32Bytes(1)...),
			expOut:   append([]byte("WotorPTF"), uint32Bytes(1)...),
			expState: StateReady,
		},
		{
			// The listener echoes whatever it received, reversed.
			name:     "ListenerBadMagic",
			role:     transport.RoleListener,
			version:  1,
			in:       append([]byte("ABCDEFGH"), uint32Bytes(1)...),
			expOut:   append([]byte("HGFEDCBA"), uint32Bytes(1)...),
			expErr:   ErrHandshakeFailed,
			expState: StateFailed,
		},
		{
			name:     "ListenerVersionMismatch",
			role:     transport.RoleListener,
			version:  2,
			in:       append([]byte("FTProtoW"), uint32Bytes(1)...),
			expOut:   append([]byte("WotorPTF"), uint32Bytes(2)...),
			expErr:   ErrHandshakeFailed,
			expState: StateFailed,
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			mock := newMockTransport(test.in)
			mock.role = test.role
			conn := New(mock, WithVersion(test.version))

			err := conn.Connect(context.Background(), "peer", 1234)
			assert.Equal(t, test.expErr, err)
			assert.Equal(t, test.expState, conn.State())
			assert.Equal(t, test.role, conn.Role())
			assert.Equal(t, test.expOut, mock.out.Bytes())
			assert.Equal(t, []time.Duration{HandshakeTimeout, 0}, mock.setTimeouts)
			assert.False(t, mock.closed)
		})
	}
}

func TestHandshakeTruncated(t *testing.T) {
	mock := newMockTransport([]byte("WotorPTF"), []byte{0, 0})
	conn := New(mock)

	// The handshake runs under HandshakeTimeout, so the missing bytes time
	// out rather than breaking the connection.
	err := conn.Connect(context.Background(), "peer", 1234)
	assert.True(t, errors.IsTimeout(err), "unexpected error: %v", err)
	assert.Equal(t, StateFailed, conn.State())
}

func TestConnectTransportError(t *testing.T) {
	mock := newMockTransport()
	mock.connectErr = errors.New("refused")
	conn := New(mock)

	err := conn.Connect(context.Background(), "peer", 1234)
	assert.Equal(t, mock.connectErr, errors.RootCause(err))
	assert.Equal(t, StateUnconnected, conn.State())
	assert.Empty(t, mock.out.Bytes())
}

func TestCheckForRequest(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		exp    Message
		expErr error
	}{
		{
			name: "Nothing",
			exp:  Message{Kind: KindNone},
		},
		{
			name: "ListRequest",
			in:   []byte("l"),
			exp:  Message{Kind: KindReqList, Raw: 'l'},
		},
		{
			name: "FileRequest",
			in:   append([]byte("f"), framed("dir/HAM")...),
			exp:  Message{Kind: KindReqFile, Raw: 'f', Filename: "dir/HAM"},
		},
		{
			name: "FileResponse",
			in:   bytes.Join([][]byte{[]byte("F"), framed("HAM"), framed("sandwich")}, nil),
			exp: Message{Kind: KindResFile, Raw: 'F', Filename: "HAM",
				Contents: []byte("sandwich")},
		},
		{
			name: "UnknownTag",
			in:   []byte("Y"),
			expErr: errors.UnexpectedValue{
				Expected: "one of 'l', 'f', 'L' or 'F'",
				Got:      `'Y' (Unknown)`,
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			mock := newMockTransport(test.in)
			msg, err := New(mock).CheckForRequest()
			assert.Equal(t, test.expErr, err)
			assert.Equal(t, test.exp, msg)

			// The poll timeout is always popped.
			assert.Empty(t, mock.stack)
			assert.Equal(t, time.Duration(0), mock.timeout)
		})
	}
}

func TestCheckForRequestPayloadTimeout(t *testing.T) {
	mock := newMockTransport(append([]byte("f"), framed("slow")...))
	mock.timeout = 5 * time.Second

	msg, err := New(mock).CheckForRequest()
	require.NoError(t, err)
	assert.Equal(t, "slow", msg.Filename)

	// Only the tag is read under the poll timeout. The payload uses the
	// timeout that was in effect beforehand.
	assert.Equal(t, []time.Duration{PollTimeout, 5 * time.Second, 5 * time.Second},
		mock.recvTimeouts)
	assert.Equal(t, 5*time.Second, mock.timeout)
}

func TestReceiveData(t *testing.T) {
	msg, err := New(newMockTransport([]byte("Y"))).ReceiveData()
	assert.NoError(t, err)
	assert.Equal(t, Message{Kind: KindUnknown, Raw: 'Y'}, msg)

	msg, err = New(newMockTransport([]byte("l"))).ReceiveData()
	assert.NoError(t, err)
	assert.Equal(t, Message{Kind: KindReqList, Raw: 'l'}, msg)

	_, err = New(newMockTransport()).ReceiveData()
	assert.True(t, errors.IsBrokenConnection(err))
}

func TestReceiveDataWithTimeout(t *testing.T) {
	mock := newMockTransport([]byte("l"))
	conn := New(mock)

	pop := conn.PushTimeout(time.Second)
	_, err := conn.ReceiveData()
	assert.NoError(t, err)

	_, err = conn.ReceiveData()
	assert.True(t, errors.IsTimeout(err))
	pop()

	_, err = conn.ReceiveData()
	assert.True(t, errors.IsBrokenConnection(err))
	assert.Equal(t, []time.Duration{time.Second, time.Second, 0}, mock.recvTimeouts)
}

func TestListingRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		listing []fileinfo.Descriptor
	}{
		{
			name:    "Empty",
			listing: []fileinfo.Descriptor{},
		},
		{
			name: "Entries",
			listing: []fileinfo.Descriptor{
				{Path: "zeta", Hash: fileinfo.Digest{9, 8, 7}, ModTime: 1566864000123456789},
				{Path: "dir", Hash: fileinfo.Digest{1}, IsDir: true, ModTime: 42},
				{Path: "dir/ünïcode", Hash: fileinfo.Digest{31: 0xff}, ModTime: -1},
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			sender := newMockTransport()
			require.NoError(t, New(sender).SendFileList(test.listing))

			msg, err := New(newMockTransport(sender.out.Bytes())).ReceiveData()
			require.NoError(t, err)
			assert.Equal(t, KindResList, msg.Kind)
			assert.Equal(t, test.listing, msg.Listing)
		})
	}
}

func TestSendWireFormat(t *testing.T) {
	mock := newMockTransport()
	conn := New(mock)

	require.NoError(t, conn.SendFileListRequest())
	require.NoError(t, conn.SendFileRequest("a"))
	require.NoError(t, conn.SendFile("b", []byte("xy")))
	require.NoError(t, conn.SendFileList([]fileinfo.Descriptor{
		{Path: "c", Hash: fileinfo.Digest{0xaa}, IsDir: true, ModTime: 258},
	}))

	exp := bytes.Join([][]byte{
		[]byte("l"),
		[]byte("f"), {0, 0, 0, 1}, []byte("a"),
		[]byte("F"), {0, 0, 0, 1}, []byte("b"), {0, 0, 0, 2}, []byte("xy"),
		[]byte("L"), {0, 0, 0, 1},
		{0, 0, 0, 1}, []byte("c"),
		append([]byte{0xaa}, make([]byte, 31)...),
		{1},
		{0, 0, 0, 0, 0, 0, 1, 2},
	}, nil)
	assert.Equal(t, exp, mock.out.Bytes())
}

func TestRequestFile(t *testing.T) {
	tests := []struct {
		name   string
		in     []byte
		exp    []byte
		expErr error
	}{
		{
			name: "Success",
			in:   bytes.Join([][]byte{[]byte("F"), framed("HAM"), framed("sandwich")}, nil),
			exp:  []byte("sandwich"),
		},
		{
			name: "WrongTag",
			in:   []byte("L"),
			expErr: errors.UnexpectedValue{
				Expected: `'F' (ResFile)`,
				Got:      `'L' (ResList)`,
			},
		},
		{
			name: "WrongFile",
			in:   bytes.Join([][]byte{[]byte("F"), framed("EGGS"), framed("with toast")}, nil),
			expErr: errors.UnexpectedValue{
				Expected: `contents of "HAM"`,
				Got:      `contents of "EGGS"`,
			},
		},
	}

	for _, test := range tests {
		test := test
		t.Run(test.name, func(t *testing.T) {
			mock := newMockTransport(test.in)
			contents, err := New(mock).RequestFile("HAM")
			assert.Equal(t, test.expErr, err)
			assert.Equal(t, test.exp, contents)
			assert.Equal(t, append([]byte("f"), framed("HAM")...), mock.out.Bytes())
		})
	}
}

func TestRequestFileList(t *testing.T) {
	listing := []fileinfo.Descriptor{{Path: "HAM", Hash: fileinfo.Digest{3}, ModTime: 7}}

	mock := newMockTransport(encodeListing(listing))
	actual, err := New(mock).RequestFileList()
	assert.NoError(t, err)
	assert.Equal(t, listing, actual)
	assert.Equal(t, []byte("l"), mock.out.Bytes())

	// A file response isn't a valid reply, even though it's a known kind.
	_, err = New(newMockTransport([]byte("F"))).RequestFileList()
	assert.Equal(t, errors.UnexpectedValue{
		Expected: `'L' (ResList)`,
		Got:      `'F' (ResFile)`,
	}, err)
}

func TestOversizedFrame(t *testing.T) {
	mock := newMockTransport([]byte("f"), uint32Bytes(MaxFrameSize+1))
	_, err := New(mock).CheckForRequest()

	var unexpected errors.UnexpectedValue
	assert.True(t, errors.As(err, &unexpected), "unexpected error: %v", err)
}

func TestSendFrameTooLarge(t *testing.T) {
	maxFrameSize = 8
	defer func() { maxFrameSize = MaxFrameSize }()

	mock := newMockTransport()
	conn := New(mock)

	assert.Equal(t, ErrFrameTooLarge, conn.SendFile("name", []byte("too large")))
	assert.Equal(t, ErrFrameTooLarge, conn.SendFile("long filename", []byte("ok")))
	assert.Equal(t, ErrFrameTooLarge, conn.SendFileRequest("long filename"))
	assert.Equal(t, ErrFrameTooLarge, conn.SendFileList([]fileinfo.Descriptor{{Path: "a"}}))
	assert.Empty(t, mock.out.Bytes())

	// Frames at the limit are sent, and accepted by the receiver.
	require.NoError(t, conn.SendFile("name", []byte("12345678")))
	msg, err := New(newMockTransport(mock.out.Bytes())).ReceiveData()
	require.NoError(t, err)
	assert.Equal(t, []byte("12345678"), msg.Contents)

	// Empty listings always fit.
	assert.NoError(t, conn.SendFileList(nil))
}

// fixedRole is a Socket that skips the symmetric connect, and reports a
// predetermined role.
type fixedRole struct {
	*transport.Socket
	role transport.Role
}

func (f fixedRole) Connect(context.Context, string, int) (transport.Role, error) {
	return f.role, nil
}

func connectPair(t *testing.T, initiatorVersion, listenerVersion uint32) (
	initiator, listener *Conn, initiatorErr, listenerErr error) {

	left, right := net.Pipe()
	initiator = New(fixedRole{transport.NewSocket(left), transport.RoleInitiator},
		WithVersion(initiatorVersion))
	listener = New(fixedRole{transport.NewSocket(right), transport.RoleListener},
		WithVersion(listenerVersion))

	listenerErrs := make(chan error, 1)
	go func() {
		listenerErrs <- listener.Connect(context.Background(), "peer", 0)
	}()
	initiatorErr = initiator.Connect(context.Background(), "peer", 0)
	return initiator, listener, initiatorErr, <-listenerErrs
}

func TestTwoPeers(t *testing.T) {
	initiator, listener, initiatorErr, listenerErr := connectPair(t, Version, Version)
	defer initiator.Close()
	defer listener.Close()
	require.NoError(t, initiatorErr)
	require.NoError(t, listenerErr)
	assert.Equal(t, StateReady, initiator.State())
	assert.Equal(t, StateReady, listener.State())

	// The listener serves requests in the background.
	listing := []fileinfo.Descriptor{{Path: "HAM", Hash: fileinfo.Digest{1}, ModTime: 10}}
	served := make(chan error, 1)
	go func() {
		for handled := 0; handled < 2; {
			msg, err := listener.CheckForRequest()
			if err != nil {
				served <- err
				return
			}

			switch msg.Kind {
			case KindNone:
				continue
			case KindReqList:
				err = listener.SendFileList(listing)
			case KindReqFile:
				err = listener.SendFile(msg.Filename, []byte("sandwich"))
			}
			if err != nil {
				served <- err
				return
			}
			handled++
		}
		served <- nil
	}()

	actualListing, err := initiator.RequestFileList()
	assert.NoError(t, err)
	assert.Equal(t, listing, actualListing)

	contents, err := initiator.RequestFile("HAM")
	assert.NoError(t, err)
	assert.Equal(t, []byte("sandwich"), contents)

	assert.NoError(t, <-served)
}

func TestTwoPeersVersionMismatch(t *testing.T) {
	initiator, listener, initiatorErr, listenerErr := connectPair(t, 1, 2)
	defer initiator.Close()
	defer listener.Close()

	assert.Equal(t, ErrHandshakeFailed, initiatorErr)
	assert.Equal(t, ErrHandshakeFailed, listenerErr)
	assert.Equal(t, StateFailed, initiator.State())
	assert.Equal(t, StateFailed, listener.State())
}
