package protocol

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/fileinfo"
	"github.com/sidkik/peersync/pkg/transport"
)

const (
	// Magic is sent by the initiator at the start of the handshake. The
	// listener echoes it back reversed.
	Magic = "FTProtoW"

	// Version is the protocol version spoken by this package.
	Version uint32 = 1

	// HandshakeTimeout bounds each read and write during the handshake.
	HandshakeTimeout = 10 * time.Second

	// PollTimeout is how long CheckForRequest waits for a message to start.
	PollTimeout = 100 * time.Millisecond
)

// ErrHandshakeFailed is returned by Connect when the peer's magic or version
// doesn't match ours.
var ErrHandshakeFailed = errors.New("handshake failed")

// Transport is the byte stream that the protocol runs over. It's implemented
// by *transport.Socket.
type Transport interface {
	Connect(ctx context.Context, host string, port int) (transport.Role, error)
	SendExact(b []byte) error
	RecvExact(n int) ([]byte, error)
	PushTimeout(timeout time.Duration) (pop func())
	SetTimeout(timeout time.Duration)
	Close() error
}

// State is the lifecycle state of a Conn.
type State int

const (
	// StateUnconnected means that Connect hasn't been called, or the
	// transport failed to connect.
	StateUnconnected State = iota

	// StateHandshaking means that the transport is connected, and the
	// handshake is in progress.
	StateHandshaking

	// StateFailed means that the peer failed the handshake.
	StateFailed

	// StateReady means that the handshake succeeded and messages can be
	// exchanged.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateUnconnected:
		return "Unconnected"
	case StateHandshaking:
		return "Handshaking"
	case StateFailed:
		return "Failed"
	case StateReady:
		return "Ready"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Message is a single decoded message from the peer. Only the fields that
// are relevant to the Kind are set.
type Message struct {
	Kind Kind

	// Raw is the tag byte as it was received.
	Raw byte

	// Filename is set for KindReqFile and KindResFile.
	Filename string

	// Contents is set for KindResFile.
	Contents []byte

	// Listing is set for KindResList.
	Listing []fileinfo.Descriptor
}

// Conn speaks the file transfer protocol with a single peer. It is not safe
// for concurrent use. In particular, a request and a poll for incoming
// requests must not be interleaved by different goroutines.
type Conn struct {
	t       Transport
	version uint32
	role    transport.Role
	state   State
}

// Option configures a Conn.
type Option func(*Conn)

// WithVersion overrides the protocol version sent during the handshake.
func WithVersion(version uint32) Option {
	return func(c *Conn) {
		c.version = version
	}
}

// New returns a Conn that runs over `t`.
func New(t Transport, opts ...Option) *Conn {
	c := &Conn{t: t, version: Version}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return c.state
}

// Role returns which side of the connection we ended up on. It's only
// meaningful once Connect has connected the transport.
func (c *Conn) Role() transport.Role {
	return c.role
}

// Close closes the underlying transport.
func (c *Conn) Close() error {
	c.state = StateUnconnected
	return c.t.Close()
}

// Connect connects the transport to the peer at host:port, and then performs
// the handshake. If the handshake fails, ErrHandshakeFailed is returned and
// the transport is left connected, so the caller is responsible for closing
// it.
func (c *Conn) Connect(ctx context.Context, host string, port int) error {
	c.state = StateUnconnected
	role, err := c.t.Connect(ctx, host, port)
	if err != nil {
		return errors.WithContext(err, "connect")
	}

	c.role = role
	c.state = StateHandshaking
	if err := c.handshake(); err != nil {
		c.state = StateFailed
		return err
	}

	c.state = StateReady
	log.WithFields(log.Fields{
		"role":    role,
		"version": c.version,
	}).Debug("Handshake succeeded")
	return nil
}

func (c *Conn) handshake() error {
	c.t.SetTimeout(HandshakeTimeout)
	defer c.t.SetTimeout(0)

	if c.role == transport.RoleInitiator {
		return c.initiateHandshake()
	}
	return c.answerHandshake()
}

func (c *Conn) initiateHandshake() error {
	if err := c.t.SendExact(c.handshakeMessage([]byte(Magic))); err != nil {
		return errors.WithContext(err, "send handshake")
	}

	magic, version, err := c.recvHandshake()
	if err != nil {
		return err
	}

	if string(magic) != string(reverse([]byte(Magic))) || version != c.version {
		log.WithFields(log.Fields{
			"magic":           string(magic),
			"version":         version,
			"expectedVersion": c.version,
		}).Debug("Listener sent an unexpected handshake")
		return ErrHandshakeFailed
	}
	return nil
}

func (c *Conn) answerHandshake() error {
	magic, version, err := c.recvHandshake()
	if err != nil {
		return err
	}

	// The reply echoes whatever we received, so the initiator is the one to
	// detect a bad magic.
	if err := c.t.SendExact(c.handshakeMessage(reverse(magic))); err != nil {
		return errors.WithContext(err, "send handshake")
	}

	if string(magic) != Magic || version != c.version {
		log.WithFields(log.Fields{
			"magic":           string(magic),
			"version":         version,
			"expectedVersion": c.version,
		}).Debug("Initiator sent an unexpected handshake")
		return ErrHandshakeFailed
	}
	return nil
}

func (c *Conn) handshakeMessage(magic []byte) []byte {
	return appendUint32(append([]byte{}, magic...), c.version)
}

func (c *Conn) recvHandshake() (magic []byte, version uint32, err error) {
	magic, err = c.t.RecvExact(len(Magic))
	if err != nil {
		return nil, 0, errors.WithContext(err, "read handshake magic")
	}

	versionBytes, err := c.t.RecvExact(4)
	if err != nil {
		return nil, 0, errors.WithContext(err, "read handshake version")
	}
	return magic, binary.BigEndian.Uint32(versionBytes), nil
}

func reverse(b []byte) []byte {
	reversed := make([]byte, len(b))
	for i := range b {
		reversed[len(b)-1-i] = b[i]
	}
	return reversed
}

// CheckForRequest polls for a message from the peer for up to PollTimeout.
// If nothing arrives, it returns a Message with KindNone. Once a tag arrives,
// the rest of the message is read with the timeout that was in effect before
// the poll. Unlike ReceiveData, an unrecognized tag is returned as an
// UnexpectedValue error.
func (c *Conn) CheckForRequest() (Message, error) {
	tag, err := c.pollTag()
	if err != nil {
		if errors.IsTimeout(err) {
			return Message{Kind: KindNone}, nil
		}
		return Message{}, err
	}

	kind := KindFromByte(tag)
	if kind == KindUnknown {
		return Message{}, errors.UnexpectedValue{
			Expected: "one of 'l', 'f', 'L' or 'F'",
			Got:      describeTag(tag),
		}
	}
	return c.readPayload(tag)
}

func (c *Conn) pollTag() (byte, error) {
	pop := c.t.PushTimeout(PollTimeout)
	defer pop()

	b, err := c.t.RecvExact(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// PushTimeout bounds every read and write until the returned function is
// called, which restores the previous timeout.
func (c *Conn) PushTimeout(timeout time.Duration) (pop func()) {
	return c.t.PushTimeout(timeout)
}

// ReceiveData reads a single message using the transport's current timeout.
// An unrecognized tag is returned as a Message with KindUnknown and the raw
// byte, rather than as an error, so that callers can log it and keep going.
func (c *Conn) ReceiveData() (Message, error) {
	b, err := c.t.RecvExact(1)
	if err != nil {
		return Message{}, err
	}

	if KindFromByte(b[0]) == KindUnknown {
		return Message{Kind: KindUnknown, Raw: b[0]}, nil
	}
	return c.readPayload(b[0])
}

// readPayload reads the payload that follows a recognized tag.
func (c *Conn) readPayload(tag byte) (Message, error) {
	msg := Message{Kind: KindFromByte(tag), Raw: tag}
	switch msg.Kind {
	case KindReqList:
	case KindReqFile:
		name, err := c.recvFramed()
		if err != nil {
			return Message{}, errors.WithContext(err, "read requested filename")
		}
		msg.Filename = string(name)
	case KindResList:
		listing, err := c.recvListing()
		if err != nil {
			return Message{}, err
		}
		msg.Listing = listing
	case KindResFile:
		name, contents, err := c.recvFile()
		if err != nil {
			return Message{}, err
		}
		msg.Filename = name
		msg.Contents = contents
	}
	return msg, nil
}

func (c *Conn) recvFile() (string, []byte, error) {
	name, err := c.recvFramed()
	if err != nil {
		return "", nil, errors.WithContext(err, "read filename")
	}

	contents, err := c.recvFramed()
	if err != nil {
		return "", nil, errors.WithContext(err, "read file contents")
	}
	return string(name), contents, nil
}

// SendFileListRequest asks the peer for a listing of its files.
func (c *Conn) SendFileListRequest() error {
	return c.t.SendExact([]byte{tagReqList})
}

// SendFileRequest asks the peer for the contents of `name`.
func (c *Conn) SendFileRequest(name string) error {
	if err := checkFrame(len(name)); err != nil {
		return err
	}
	return c.t.SendExact(appendFramed([]byte{tagReqFile}, []byte(name)))
}

// SendFile sends the contents of `name` to the peer. If either is larger than
// MaxFrameSize, it returns ErrFrameTooLarge without sending anything.
func (c *Conn) SendFile(name string, contents []byte) error {
	if err := checkFrame(len(name)); err != nil {
		return err
	}
	if err := checkFrame(len(contents)); err != nil {
		return err
	}

	header := appendFramed([]byte{tagResFile}, []byte(name))
	header = appendUint32(header, uint32(len(contents)))
	if err := c.t.SendExact(header); err != nil {
		return err
	}
	return c.t.SendExact(contents)
}

// SendFileList sends a listing of files to the peer.
func (c *Conn) SendFileList(listing []fileinfo.Descriptor) error {
	if err := checkListing(listing); err != nil {
		return err
	}
	return c.t.SendExact(encodeListing(listing))
}

// RequestFile requests the contents of `name`, and waits for the response.
// Any response other than the contents of `name` is an UnexpectedValue.
func (c *Conn) RequestFile(name string) ([]byte, error) {
	if err := c.SendFileRequest(name); err != nil {
		return nil, errors.WithContext(err, "send file request")
	}

	if err := c.expectTag(tagResFile); err != nil {
		return nil, err
	}

	gotName, contents, err := c.recvFile()
	if err != nil {
		return nil, err
	}

	if gotName != name {
		return nil, errors.UnexpectedValue{
			Expected: fmt.Sprintf("contents of %q", name),
			Got:      fmt.Sprintf("contents of %q", gotName),
		}
	}
	return contents, nil
}

// RequestFileList requests a listing of the peer's files, and waits for the
// response.
func (c *Conn) RequestFileList() ([]fileinfo.Descriptor, error) {
	if err := c.SendFileListRequest(); err != nil {
		return nil, errors.WithContext(err, "send list request")
	}

	if err := c.expectTag(tagResList); err != nil {
		return nil, err
	}
	return c.recvListing()
}

func (c *Conn) expectTag(exp byte) error {
	b, err := c.t.RecvExact(1)
	if err != nil {
		return errors.WithContext(err, "read response")
	}

	if !bytes.Equal(b, []byte{exp}) {
		return errors.UnexpectedValue{
			Expected: describeTag(exp),
			Got:      describeTag(b[0]),
		}
	}
	return nil
}
