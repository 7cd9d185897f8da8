package transport

import (
	"context"
	"errors"
	"fmt"

	"go.nanomsg.org/mangos/v3"
	"go.nanomsg.org/mangos/v3/protocol/pair"

	// Register all transports
	_ "go.nanomsg.org/mangos/v3/transport/all"

	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
)

// nngConn is one mangos PAIR socket. Deadlines are the poll interval so
// blocked calls come back to check the context and the peer's pipe.
type nngConn struct {
	sock mangos.Socket
	link *peerLink
}

func newNNGConn(sock mangos.Socket) *nngConn {
	c := &nngConn{sock: sock, link: newPeerLink()}
	sock.SetPipeEventHook(func(ev mangos.PipeEvent, p mangos.Pipe) {
		switch ev {
		case mangos.PipeEventAttached:
			c.link.attach(p.ID())
		case mangos.PipeEventDetached:
			c.link.detach(p.ID())
		}
	})
	return c
}

func (c *nngConn) Send(ctx context.Context, frame []byte) error {
	if err := c.link.err(); err != nil {
		return err
	}
	for {
		err := c.sock.Send(frame)
		if err == nil {
			return nil
		}
		if !errors.Is(err, mangos.ErrSendTimeout) {
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

func (c *nngConn) Recv(ctx context.Context) ([]byte, error) {
	for {
		b, err := c.sock.Recv()
		if err == nil {
			return b, nil
		}
		if !errors.Is(err, mangos.ErrRecvTimeout) {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		// frames queued before the pipe went away were returned above
		if err := c.link.err(); err != nil {
			return nil, err
		}
	}
}

func (c *nngConn) Close() error {
	return c.sock.Close()
}

// NewNNG connects rank to each configured peer with its own mangos PAIR
// socket. Dials are asynchronous, so ranks may start in any order. Once a
// peer's pipe has attached, its detachment fails every later call to that
// peer instead of waiting on the context.
func NewNNG(cfg SocketConfig, reg *metrics.Registry, logger logging.Logger) (*Endpoint, error) {
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
		sock, err := pair.NewSocket()
		if err != nil {
			return nil, fmt.Errorf("failed to create PAIR socket for rank %d: %w", peer, err)
		}
		cleanup.Add(sock, fmt.Sprintf("pair socket to rank %d", peer))
		conn := newNNGConn(sock)

		if err := sock.SetOption(mangos.OptionRecvDeadline, cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("failed to set recv deadline: %w", err)
		}
		if err := sock.SetOption(mangos.OptionSendDeadline, cfg.PollInterval); err != nil {
			return nil, fmt.Errorf("failed to set send deadline: %w", err)
		}

		addr, listen, err := cfg.link(peer)
		if err != nil {
			return nil, err
		}
		if listen {
			if err := sock.Listen(addr); err != nil {
				return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
			}
			logger.Debug("pair socket listening", logging.Peer(peer), logging.String("addr", addr))
		} else {
			if err := sock.DialOptions(addr, map[string]interface{}{mangos.OptionDialAsynch: true}); err != nil {
				return nil, fmt.Errorf("failed to dial %s: %w", addr, err)
			}
			logger.Debug("pair socket dialing", logging.Peer(peer), logging.String("addr", addr))
		}
		conns[peer] = conn
	}

	cleanup.Clear()
	return NewEndpoint(cfg.Rank, cfg.Size, conns, Capabilities{Backend: "nng", DeviceDirect: cfg.DeviceDirect}, reg), nil
}
