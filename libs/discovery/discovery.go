// Package discovery lets a sender find its receiver on the local network.
// The receiver broadcasts beacons; the sender listens for a while and picks
// the peer on the best-looking link.
package discovery

import (
	"bytes"
	"net"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/rlp"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Magic identifies beacons.
const Magic = "KNOX_DISCOVERY"

// Version is the beacon format version.
const Version = 1

// LegacyVersion marks a bare "KNOX_DISCOVERY_v1" string beacon, which carries
// no port.
const LegacyVersion = 0

const (
	// DefaultInterval is how often the receiver announces itself.
	DefaultInterval = 1500 * time.Millisecond
	// DefaultWindow is how long the sender listens.
	DefaultWindow = 2500 * time.Millisecond
	readTimeout   = 800 * time.Millisecond
	// a peer silent for longer than this is forgotten
	peerTTL = DefaultInterval + readTimeout
)

// ErrNoPeer is returned by Browse when no usable beacon was heard.
var ErrNoPeer = errors.New("no receiver found")

// Beacon is the datagram a receiver broadcasts.
type Beacon struct {
	Magic   string
	Version uint
	Port    uint
}

// EncodeBeacon serializes a beacon for the given stream port.
func EncodeBeacon(port int) []byte {
	bts, err := rlp.EncodeToBytes(Beacon{Magic, Version, uint(port)})
	if err != nil {
		panic(err)
	}
	return bts
}

// DecodeBeacon parses a beacon, rejecting foreign traffic. Bare string
// beacons from older receivers decode with LegacyVersion and no port.
func DecodeBeacon(pkt []byte) (b Beacon, err error) {
	if bytes.HasPrefix(pkt, []byte(Magic+"_v")) {
		b = Beacon{Magic: Magic, Version: LegacyVersion}
		return
	}
	err = rlp.DecodeBytes(pkt, &b)
	if err != nil {
		return
	}
	if b.Magic != Magic {
		err = errors.Errorf("bad magic %q", b.Magic)
		return
	}
	if b.Version != Version {
		err = errors.Errorf("unsupported version %v", b.Version)
	}
	return
}

// Rank scores a peer address. Direct cables (10/8, link-local) beat
// 192.168/16, which is usually Wi-Fi; anything else is unusable.
func Rank(ip net.IP) int {
	ip4 := ip.To4()
	if ip4 == nil {
		return 0
	}
	s := ip4.String()
	switch {
	case strings.HasPrefix(s, "10."), strings.HasPrefix(s, "169.254."):
		return 2
	case strings.HasPrefix(s, "192.168."):
		return 1
	}
	return 0
}

// Announce writes a beacon to dest every interval until dying is closed.
func Announce(conn net.PacketConn, dest net.Addr, port int, every time.Duration, dying <-chan struct{}) error {
	beacon := EncodeBeacon(port)
	tick := time.NewTicker(every)
	defer tick.Stop()
	for {
		if _, err := conn.WriteTo(beacon, dest); err != nil {
			return errors.Wrap(err, "announce")
		}
		select {
		case <-tick.C:
		case <-dying:
			return nil
		}
	}
}

// Browse listens on conn for up to window and returns the best peer heard.
// A cabled peer ends the search immediately; otherwise the Wi-Fi peer heard
// most recently wins.
func Browse(conn net.PacketConn, window time.Duration) (net.IP, error) {
	peers := cache.New(peerTTL, cache.NoExpiration)
	deadline := time.Now().Add(window)
	buf := make([]byte, 256)
	for time.Now().Before(deadline) {
		rd := time.Now().Add(readTimeout)
		if rd.After(deadline) {
			rd = deadline
		}
		conn.SetReadDeadline(rd)
		n, addr, err := conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			return nil, errors.Wrap(err, "browse")
		}
		if _, err := DecodeBeacon(buf[:n]); err != nil {
			continue
		}
		uaddr, ok := addr.(*net.UDPAddr)
		if !ok {
			continue
		}
		rank := Rank(uaddr.IP)
		if rank == 0 {
			log.Debugln("discovery: ignoring beacon from", uaddr.IP)
			continue
		}
		if rank == 2 {
			return uaddr.IP, nil
		}
		peers.SetDefault(uaddr.IP.String(), uaddr.IP)
	}
	best := latest(peers)
	if best == nil {
		return nil, ErrNoPeer
	}
	log.Warnf("discovery: using Wi-Fi peer %v because no cable was found", best)
	return best, nil
}

// latest returns the live peer refreshed most recently. Every entry shares one
// TTL, so the furthest expiration is the newest beacon.
func latest(peers *cache.Cache) net.IP {
	var best net.IP
	var bestExp int64
	for _, item := range peers.Items() {
		if best == nil || item.Expiration > bestExp {
			best = item.Object.(net.IP)
			bestExp = item.Expiration
		}
	}
	return best
}
