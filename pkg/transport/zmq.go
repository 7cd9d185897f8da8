//go:build zmq
// +build zmq

package transport

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	zmq "github.com/pebbe/zmq4"

	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
)

// zmqConn is one ZeroMQ PAIR socket. ZeroMQ sockets are not safe for
// concurrent use, so send and receive take turns under mu, each bounded by
// the socket timeouts. A monitor socket watches for the peer disconnecting.
type zmqConn struct {
	mu   sync.Mutex
	sock *zmq.Socket
	link *peerLink

	monitor *zmq.Socket
	stop    chan struct{}
	done    chan struct{}
}

// watch starts the disconnect monitor. Monitor events arrive on an inproc
// PAIR socket owned by the monitor goroutine alone.
func (c *zmqConn) watch(addr string, poll time.Duration) error {
	if err := c.sock.Monitor(addr, zmq.EVENT_CONNECTED|zmq.EVENT_ACCEPTED|zmq.EVENT_DISCONNECTED); err != nil {
		return fmt.Errorf("failed to monitor socket: %w", err)
	}
	mon, err := zmq.NewSocket(zmq.PAIR)
	if err != nil {
		return fmt.Errorf("failed to create monitor socket: %w", err)
	}
	if err := mon.SetRcvtimeo(poll); err != nil {
		mon.Close()
		return fmt.Errorf("failed to set monitor timeout: %w", err)
	}
	if err := mon.Connect(addr); err != nil {
		mon.Close()
		return fmt.Errorf("failed to connect monitor %s: %w", addr, err)
	}
	c.monitor = mon
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	go c.watchLoop()
	return nil
}

func (c *zmqConn) watchLoop() {
	defer close(c.done)
	defer c.monitor.Close()
	for {
		ev, _, _, err := c.monitor.RecvEvent(0)
		select {
		case <-c.stop:
			return
		default:
		}
		if err != nil {
			if isAgain(err) {
				continue
			}
			return
		}
		switch ev {
		case zmq.EVENT_CONNECTED, zmq.EVENT_ACCEPTED:
			c.link.attach(0)
		case zmq.EVENT_DISCONNECTED:
			c.link.detach(0)
		}
	}
}

func isAgain(err error) bool {
	return zmq.AsErrno(err) == zmq.Errno(syscall.EAGAIN)
}

func (c *zmqConn) Send(ctx context.Context, frame []byte) error {
	if err := c.link.err(); err != nil {
		return err
	}
	for {
		c.mu.Lock()
		_, err := c.sock.SendBytes(frame, 0)
		c.mu.Unlock()
		if err == nil {
			return nil
		}
		if !isAgain(err) {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.link.err(); err != nil {
			return err
		}
	}
}

func (c *zmqConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		c.mu.Lock()
		b, err := c.sock.RecvBytes(0)
		c.mu.Unlock()
		if err == nil {
			return b, nil
		}
		if !isAgain(err) {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := c.link.err(); err != nil {
			return nil, err
		}
	}
}

func (c *zmqConn) Close() error {
	if c.stop != nil {
		select {
		case <-c.stop:
		default:
			close(c.stop)
		}
		<-c.done
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sock.Close()
}

// NewZMQ connects rank to each configured peer with a ZeroMQ PAIR socket.
func NewZMQ(cfg SocketConfig, reg *metrics.Registry, logger logging.Logger) (*Endpoint, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	logger = logger.With(logging.Component("transport"), logging.Rank(cfg.Rank))

	cleanup := newResourceCleanup(logger)
	defer cleanup.Cleanup()

	conns := make(map[int]Conn, len(cfg.Peers))
	for _, peer := range cfg.Peers {
		sock, err := zmq.NewSocket(zmq.PAIR)
		if err != nil {
			return nil, fmt.Errorf("failed to create PAIR socket for rank %d: %w", peer, err)
		}
		conn := &zmqConn{sock: sock, link: newPeerLink()}
		cleanup.Add(conn, fmt.Sprintf("pair socket to rank %d", peer))

		if err := sock.SetLinger(0); err != nil {
			return nil, fmt.Errorf("failed to set linger: %w", err)
		}
		if err := sock.SetRcvtimeo(cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("failed to set receive timeout: %w", err)
		}
		if err := sock.SetSndtimeo(cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("failed to set send timeout: %w", err)
		}

		if err := conn.watch(fmt.Sprintf("inproc://gnn-halo-monitor-%d-%d-%p", cfg.Rank, peer, conn), cfg.PollInterval); err != nil {
			return nil, err
		}

		addr, listen, err := cfg.link(peer)
		if err != nil {
			return nil, err
		}
		if listen {
			if err := sock.Bind(addr); err != nil {
				return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
			}
		} else {
			if err := sock.Connect(addr); err != nil {
				return nil, fmt.Errorf("failed to connect %s: %w", addr, err)
			}
		}
		logger.Debug("zmq pair socket ready", logging.Peer(peer), logging.String("addr", addr), logging.Bool("bound", listen))
		conns[peer] = conn
	}

	cleanup.Clear()
	return NewEndpoint(cfg.Rank, cfg.Size, conns, Capabilities{Backend: "zmq", DeviceDirect: cfg.DeviceDirect}, reg), nil
}
