// Package discovery announces and finds peersync peers on the local network
// using multicast DNS.
package discovery

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"
	log "github.com/sirupsen/logrus"

	"github.com/sidkik/peersync/pkg/errors"
	"github.com/sidkik/peersync/pkg/protocol"
	"github.com/sidkik/peersync/pkg/version"
)

const (
	// ServiceName is the DNS-SD service type that peers announce.
	ServiceName = "_peersync._tcp"

	// ServiceDomain is the domain that peers announce in.
	ServiceDomain = "local."

	versionKey = "version="
	agentKey   = "agent="
)

// Peer is a peer that was found on the network.
type Peer struct {
	Instance string
	Host     string
	Addrs    []net.IP
	Port     int
	Version  string
	Agent    string
}

// Address returns the address that should be used to connect to the peer.
// IPv4 addresses are preferred over the advertised hostname.
func (p Peer) Address() string {
	for _, ip := range p.Addrs {
		if ip.To4() != nil {
			return ip.String()
		}
	}
	if len(p.Addrs) > 0 {
		return p.Addrs[0].String()
	}
	return p.Host
}

// Publish announces that we're accepting peersync connections on `port`.
// The caller should call Shutdown on the returned server when done.
func Publish(port int) (*zeroconf.Server, error) {
	instance := fmt.Sprintf("peersync-%s", uuid.New().String())
	txt := []string{
		fmt.Sprintf("%s%d", versionKey, protocol.Version),
		agentKey + version.UserAgent(),
	}
	server, err := zeroconf.Register(instance, ServiceName, ServiceDomain, port, txt, nil)
	if err != nil {
		return nil, errors.WithContext(err, "register service")
	}

	log.WithFields(log.Fields{
		"instance": instance,
		"port":     port,
	}).Debug("Announced peersync service")
	return server, nil
}

// Browse looks for peers until `ctx` is done, and returns the peers that were
// found, sorted by instance name.
func Browse(ctx context.Context) ([]Peer, error) {
	resolver, err := zeroconf.NewResolver()
	if err != nil {
		return nil, errors.WithContext(err, "create resolver")
	}

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceName, ServiceDomain, entries); err != nil {
		return nil, errors.WithContext(err, "browse")
	}
	return collect(ctx, entries), nil
}

func collect(ctx context.Context, entries <-chan *zeroconf.ServiceEntry) []Peer {
	byInstance := map[string]Peer{}
	for {
		select {
		case entry, ok := <-entries:
			if !ok {
				return sortPeers(byInstance)
			}
			if entry == nil {
				continue
			}

			peer := toPeer(entry)
			log.WithField("peer", peer.Instance).Debug("Discovered peer")
			byInstance[peer.Instance] = peer
		case <-ctx.Done():
			return sortPeers(byInstance)
		}
	}
}

func sortPeers(byInstance map[string]Peer) []Peer {
	var peers []Peer
	for _, peer := range byInstance {
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool {
		return peers[i].Instance < peers[j].Instance
	})
	return peers
}

func toPeer(entry *zeroconf.ServiceEntry) Peer {
	peer := Peer{
		Instance: entry.Instance,
		Host:     entry.HostName,
		Port:     entry.Port,
	}
	peer.Addrs = append(peer.Addrs, entry.AddrIPv4...)
	peer.Addrs = append(peer.Addrs, entry.AddrIPv6...)

	for _, txt := range entry.Text {
		if strings.HasPrefix(txt, versionKey) {
			peer.Version = strings.TrimPrefix(txt, versionKey)
		} else if strings.HasPrefix(txt, agentKey) {
			peer.Agent = strings.TrimPrefix(txt, agentKey)
		}
	}
	return peer
}

// Compatible returns whether the peer advertises our protocol version. Peers
// that don't advertise a version are assumed to be compatible.
func (p Peer) Compatible() bool {
	return p.Version == "" || p.Version == strconv.FormatUint(uint64(protocol.Version), 10)
}
