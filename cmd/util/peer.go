package util

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/transport"
)

// Mocked for unit testing.
var newTransport = func() protocol.Transport {
	return transport.New()
}

// ConnectToPeer connects to the peersync instance at `host`, and completes
// the handshake. Whichever peer starts first waits for the other, so this
// blocks until the peer shows up, the listen timeout expires, or `ctx` is
// done.
func ConnectToPeer(ctx context.Context, host string, port int) (*protocol.Conn, error) {
	conn := protocol.New(newTransport())

	pp := NewProgressPrinter(stdout, fmt.Sprintf("Waiting for %s..", host))
	go pp.Run()
	err := conn.Connect(ctx, host, port)
	pp.StopWithPrint(ClearProgress)
	if err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			log.WithError(closeErr).Debug("Failed to close connection")
		}
		return nil, connectError(err, host, port)
	}

	log.WithFields(log.Fields{
		"peer": host,
		"role": conn.Role(),
	}).Info("Connected to peer")
	return conn, nil
}

func connectError(err error, host string, port int) error {
	switch {
	case errors.Is(err, protocol.ErrHandshakeFailed):
		return errors.NewFriendlyError("The peer at %s isn't running a "+
			"compatible version of peersync. Both peers must speak protocol "+
			"version %d.", host, protocol.Version)
	case errors.IsTimeout(err):
		return errors.NewFriendlyError("Timed out waiting for %s on port %d.\n"+
			"Make sure that peersync is running on the peer, and that both "+
			"peers use the same port.", host, port)
	}
	return errors.WithContext(err, "connect to peer")
}
