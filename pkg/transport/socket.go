package transport

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
)

const (
	// ListenTimeout is the longest we'll wait for the peer to connect to us
	// after falling back to listening.
	ListenTimeout = 5 * time.Minute

	// DialTimeout bounds the initial outbound connection attempt.
	DialTimeout = 30 * time.Second

	// readChunkSize is the largest single read issued by RecvExact.
	readChunkSize = 2048
)

// Role is the side of the connection that the local host ended up on after
// the symmetric connect.
type Role int

const (
	// RoleInitiator means that we dialed the peer.
	RoleInitiator Role = iota

	// RoleListener means that the dial was refused, so we waited for the
	// peer to dial us.
	RoleListener
)

func (role Role) String() string {
	switch role {
	case RoleInitiator:
		return "Initiator"
	case RoleListener:
		return "Listener"
	default:
		return fmt.Sprintf("Role(%d)", int(role))
	}
}

// Variables mocked for unit testing.
var (
	listen   = net.Listen
	dial     = (&net.Dialer{Timeout: DialTimeout}).DialContext
	lookupIP = net.DefaultResolver.LookupIPAddr
)

// ErrNotConnected is the cause of the BrokenConnection returned when sending
// or receiving on a Socket that was never connected.
var ErrNotConnected = errors.New("socket is not connected")

// Socket wraps a stream connection to provide whole-buffer sends and
// receives, a stack of timeouts, and symmetric connection establishment.
//
// A Socket is not safe for concurrent use.
type Socket struct {
	conn net.Conn

	// timeout is the effective timeout applied to each blocking operation.
	// Zero means that operations block indefinitely.
	timeout      time.Duration
	timeoutStack []time.Duration
}

// New returns an unconnected Socket. Call Connect to establish the
// connection.
func New() *Socket {
	return &Socket{}
}

// NewSocket returns a Socket that wraps an already established connection.
func NewSocket(conn net.Conn) *Socket {
	return &Socket{conn: conn}
}

// Connect connects to the peer at host:port without knowing in advance
// whether the peer is dialing or listening. It first dials the peer. If the
// peer refuses the connection, it isn't listening yet, so we listen on `port`
// and wait for it to dial us instead. Connections from any address other
// than `host` are rejected while waiting.
func (s *Socket) Connect(ctx context.Context, host string, port int) (Role, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := dial(ctx, "tcp", addr)
	if err == nil {
		s.setConn(conn)
		log.WithField("peer", addr).Debug("Connected to peer as initiator")
		return RoleInitiator, nil
	}

	if !isConnectionRefused(err) {
		return RoleInitiator, errors.WithContext(err, "dial")
	}

	log.WithField("peer", addr).Debug("Peer isn't listening. Waiting for it to connect to us.")
	conn, err = s.waitForPeer(ctx, host, port)
	if err != nil {
		return RoleListener, errors.WithContext(err, "wait for peer")
	}

	s.setConn(conn)
	log.WithField("peer", conn.RemoteAddr().String()).Debug("Accepted connection from peer")
	return RoleListener, nil
}

func (s *Socket) waitForPeer(ctx context.Context, host string, port int) (net.Conn, error) {
	allowed, err := resolve(ctx, host)
	if err != nil {
		return nil, errors.WithContext(err, "resolve peer address")
	}

	ln, err := listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.WithContext(err, "listen")
	}
	defer ln.Close()

	return acceptFrom(ctx, ln, allowed, time.Now().Add(ListenTimeout))
}

type deadlineSetter interface {
	SetDeadline(time.Time) error
}

// acceptFrom accepts connections on `ln` until one arrives from one of the
// `allowed` addresses. Other connections are closed immediately.
func acceptFrom(ctx context.Context, ln net.Listener, allowed []net.IP,
	deadline time.Time) (net.Conn, error) {

	if dl, ok := ln.(deadlineSetter); ok {
		if err := dl.SetDeadline(deadline); err != nil {
			return nil, errors.WithContext(err, "set accept deadline")
		}
	}

	// Closing the listener is the only way to interrupt a blocked Accept.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			ln.Close()
		case <-done:
		}
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isTimeout(err) {
				return nil, errors.Timeout{Cause: err}
			}
			return nil, errors.WithContext(err, "accept")
		}

		if addrAllowed(conn.RemoteAddr(), allowed) {
			return conn, nil
		}

		log.WithField("addr", conn.RemoteAddr().String()).Warn(
			"Rejected connection from unexpected host")
		conn.Close()
	}
}

func resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	addrs, err := lookupIP(ctx, host)
	if err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, addr := range addrs {
		ips = append(ips, addr.IP)
	}
	return ips, nil
}

func addrAllowed(addr net.Addr, allowed []net.IP) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		return false
	}

	for _, ip := range allowed {
		if ip.Equal(tcpAddr.IP) {
			return true
		}
	}
	return false
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func (s *Socket) setConn(conn net.Conn) {
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			log.WithError(err).Debug("Failed to close previous connection")
		}
	}
	s.conn = conn
}

// Close closes the underlying connection, if any.
func (s *Socket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// RemoteAddr returns the address of the peer, or nil if the Socket isn't
// connected.
func (s *Socket) RemoteAddr() net.Addr {
	if s.conn == nil {
		return nil
	}
	return s.conn.RemoteAddr()
}

// PushTimeout saves the current timeout and installs `timeout` in its place.
// The returned function restores the saved timeout. It's safe to call more
// than once, so it can be deferred and also called early:
//
//	pop := sock.PushTimeout(100 * time.Millisecond)
//	defer pop()
func (s *Socket) PushTimeout(timeout time.Duration) (pop func()) {
	s.timeoutStack = append(s.timeoutStack, s.timeout)
	s.timeout = timeout

	popped := false
	return func() {
		if popped {
			return
		}
		popped = true
		s.PopTimeout()
	}
}

// PopTimeout restores the timeout from before the most recent PushTimeout,
// and returns the timeout that was in effect. If the stack is empty,
// operations go back to blocking indefinitely.
func (s *Socket) PopTimeout() time.Duration {
	old := s.timeout
	if n := len(s.timeoutStack); n > 0 {
		s.timeout = s.timeoutStack[n-1]
		s.timeoutStack = s.timeoutStack[:n-1]
	} else {
		s.timeout = 0
	}
	return old
}

// SetTimeout sets the effective timeout without touching the timeout stack.
func (s *Socket) SetTimeout(timeout time.Duration) {
	s.timeout = timeout
}

// Timeout returns the effective timeout. Zero means no timeout.
func (s *Socket) Timeout() time.Duration {
	return s.timeout
}

func (s *Socket) applyDeadline() error {
	var deadline time.Time
	if s.timeout > 0 {
		deadline = time.Now().Add(s.timeout)
	}
	return s.conn.SetDeadline(deadline)
}

// SendExact sends all of `b`, looping over partial writes.
func (s *Socket) SendExact(b []byte) error {
	if s.conn == nil {
		return errors.BrokenConnection{Cause: ErrNotConnected}
	}

	if err := s.applyDeadline(); err != nil {
		return errors.BrokenConnection{Cause: err}
	}

	for sent := 0; sent < len(b); {
		n, err := s.conn.Write(b[sent:])
		sent += n
		if err != nil {
			return convertError(err)
		}

		// The peer closed the connection.
		if n == 0 {
			return errors.BrokenConnection{}
		}
	}
	return nil
}

// RecvExact reads exactly `n` bytes. If the stream ends first, it returns a
// BrokenConnection. If the timeout expires first, it returns a Timeout, and
// any bytes read so far are discarded.
func (s *Socket) RecvExact(n int) ([]byte, error) {
	if s.conn == nil {
		return nil, errors.BrokenConnection{Cause: ErrNotConnected}
	}

	if n == 0 {
		return []byte{}, nil
	}

	if err := s.applyDeadline(); err != nil {
		return nil, errors.BrokenConnection{Cause: err}
	}

	// The buffer grows as data arrives, so a large length from the peer
	// doesn't allocate anything until the peer actually sends it.
	chunk := make([]byte, readChunkSize)
	buf := make([]byte, 0, minInt(n, readChunkSize))
	for len(buf) < n {
		want := minInt(n-len(buf), readChunkSize)

		m, err := s.conn.Read(chunk[:want])
		buf = append(buf, chunk[:m]...)
		if err != nil {
			if len(buf) == n && err == io.EOF {
				break
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, convertError(err)
		}
	}
	return buf, nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// convertError converts socket errors into either a Timeout or a
// BrokenConnection.
func convertError(err error) error {
	if isTimeout(err) {
		return errors.Timeout{Cause: err}
	}
	return errors.BrokenConnection{Cause: err}
}
