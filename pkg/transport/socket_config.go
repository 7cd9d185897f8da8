package transport

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/dd0wney/gnn-halo/pkg/validation"
)

// SocketConfig configures the socket backends (NNG and ZMQ).
type SocketConfig struct {
	Rank int
	Size int
	// Addresses holds one base endpoint per rank, e.g. tcp://10.0.0.4:7100,
	// ipc:///tmp/halo-4 or inproc://halo-4. Per-peer endpoints are derived
	// from it with PeerAddress.
	Addresses []string
	// Peers are the ranks this rank exchanges with; links are symmetric so
	// each peer must list this rank too.
	Peers []int
	// PollInterval bounds how long a blocked send or receive goes without
	// checking for cancellation.
	PollInterval time.Duration
	DeviceDirect bool
}

// DefaultSocketConfig returns defaults for a rank of size.
func DefaultSocketConfig(rank, size int) SocketConfig {
	return SocketConfig{
		Rank:         rank,
		Size:         size,
		PollInterval: 50 * time.Millisecond,
	}
}

// ApplyDefaults fills zero values.
func (c *SocketConfig) ApplyDefaults() {
	c.PollInterval = validation.DefaultOr(c.PollInterval, 50*time.Millisecond)
}

// Validate validates the socket configuration.
func (c *SocketConfig) Validate() error {
	v := validation.NewConfigValidator("SocketConfig")
	v.Positive("Size", c.Size).
		RangeInt("Rank", c.Rank, 0, c.Size-1).
		LenEqual("Addresses", len(c.Addresses), c.Size).
		Custom("PollInterval", func() error {
			if c.PollInterval <= 0 {
				return fmt.Errorf("duration %v must be positive", c.PollInterval)
			}
			return nil
		})
	for i, a := range c.Addresses {
		if !validation.Endpoint(a) {
			v.Custom(fmt.Sprintf("Addresses[%d]", i), func() error {
				return fmt.Errorf("%q is not a tcp://, ipc:// or inproc:// endpoint", a)
			})
		}
	}
	seen := make(map[int]bool, len(c.Peers))
	for _, p := range c.Peers {
		v.RangeInt("Peers", p, 0, c.Size-1)
		if p == c.Rank {
			v.Custom("Peers", func() error { return fmt.Errorf("rank %d lists itself", p) })
		}
		if seen[p] {
			v.Custom("Peers", func() error { return fmt.Errorf("duplicate peer %d", p) })
		}
		seen[p] = true
	}
	return v.Validate()
}

// PeerAddress derives the endpoint a rank listens on for one peer. TCP
// endpoints offset the port by the peer rank; ipc and inproc endpoints get
// a ".peer" or "/peer" suffix.
func PeerAddress(base string, peer int) (string, error) {
	scheme, rest, ok := strings.Cut(base, "://")
	if !ok {
		return "", fmt.Errorf("endpoint %q has no scheme", base)
	}
	switch scheme {
	case "tcp":
		host, port, err := net.SplitHostPort(rest)
		if err != nil {
			return "", fmt.Errorf("endpoint %q: %w", base, err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return "", fmt.Errorf("endpoint %q: bad port: %w", base, err)
		}
		if p+peer > 65535 {
			return "", fmt.Errorf("endpoint %q: port %d for peer %d out of range", base, p+peer, peer)
		}
		return "tcp://" + net.JoinHostPort(host, strconv.Itoa(p+peer)), nil
	case "ipc":
		return fmt.Sprintf("ipc://%s.%d", rest, peer), nil
	case "inproc":
		return fmt.Sprintf("inproc://%s/%d", rest, peer), nil
	default:
		return "", fmt.Errorf("endpoint %q: unsupported scheme %q", base, scheme)
	}
}

// link is the endpoint of the pair socket between rank and peer. The lower
// rank listens and the higher rank dials.
func (c *SocketConfig) link(peer int) (addr string, listen bool, err error) {
	lo, hi := c.Rank, peer
	if lo > hi {
		lo, hi = hi, lo
	}
	addr, err = PeerAddress(c.Addresses[lo], hi)
	return addr, c.Rank == lo, err
}
