package cluster

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/dd0wney/gnn-halo/pkg/transport"
	"github.com/dd0wney/gnn-halo/pkg/wire"
)

func TestWorldConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *WorldConfig)
		wantErr error
	}{
		{"default", func(c *WorldConfig) {}, nil},
		{"zero size", func(c *WorldConfig) { c.Size = 0 }, ErrInvalidWorld},
		{"unknown backend", func(c *WorldConfig) { c.Transport = "mpi" }, ErrInvalidWorld},
		{"rank beyond size", func(c *WorldConfig) { c.Local = false; c.Rank = 4 }, ErrInvalidRank},
		{"fabric across processes", func(c *WorldConfig) { c.Local = false }, ErrFabricNotLocal},
		{"nng without addresses", func(c *WorldConfig) { c.Transport = BackendNNG }, ErrMissingAddresses},
		{"bad address", func(c *WorldConfig) {
			c.Transport = BackendNNG
			c.Addresses = []string{"tcp://a:1", "b:2", "tcp://c:3", "tcp://d:4"}
		}, ErrInvalidWorld},
		{"nng with addresses", func(c *WorldConfig) {
			c.Transport = BackendNNG
			c.Addresses = []string{"tcp://a:1", "tcp://b:2", "ipc:///tmp/c", "inproc://d"}
		}, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultWorldConfig(4)
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestWorldConfig_HostedRanks(t *testing.T) {
	c := DefaultWorldConfig(3)
	if got := c.HostedRanks(); len(got) != 3 || got[2] != 2 {
		t.Errorf("local HostedRanks() = %v", got)
	}
	c.Local = false
	c.Rank = 1
	if got := c.HostedRanks(); len(got) != 1 || got[0] != 1 {
		t.Errorf("HostedRanks() = %v, want [1]", got)
	}
}

func ring(size int) PeerFunc {
	return func(rank int) []int {
		var peers []int
		for _, p := range []int{(rank + size - 1) % size, (rank + 1) % size} {
			if p != rank && (len(peers) == 0 || peers[0] != p) {
				peers = append(peers, p)
			}
		}
		return peers
	}
}

// passAround sends each rank's number to the next rank of a ring.
func passAround(ctx context.Context, t transport.Transport) error {
	size := t.Size()
	next, prev := (t.Rank()+1)%size, (t.Rank()+size-1)%size
	tag := wire.Tag{Step: 1, Phase: wire.PhaseForward}
	got := make([]float64, 1)
	if err := transport.SendRecv(ctx, t, next, tag, []float64{float64(t.Rank())}, nil); err != nil {
		return err
	}
	if err := transport.SendRecv(ctx, t, prev, tag, nil, got); err != nil {
		return err
	}
	if got[0] != float64(prev) {
		return fmt.Errorf("rank %d got %v from %d", t.Rank(), got[0], prev)
	}
	return nil
}

func TestRunLocal_Ring(t *testing.T) {
	if err := RunLocal(context.Background(), 3, nil, passAround); err != nil {
		t.Fatal(err)
	}
}

func TestRunLocal_FailureStopsPeers(t *testing.T) {
	boom := errors.New("boom")
	done := make(chan error, 1)
	go func() {
		done <- RunLocal(context.Background(), 3, nil, func(ctx context.Context, tr transport.Transport) error {
			if tr.Rank() == 1 {
				return boom
			}
			// blocks until the failure propagates
			buf := make([]float64, 1)
			return tr.Recv(ctx, 1, wire.Tag{Phase: wire.PhaseForward}, buf)
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Errorf("RunLocal() = %v, want %v", err, boom)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("peers kept waiting on the failed rank")
	}
}

func TestRun_RecoversPanic(t *testing.T) {
	err := RunLocal(context.Background(), 2, nil, func(ctx context.Context, tr transport.Transport) error {
		if tr.Rank() == 0 {
			panic("rank zero")
		}
		return nil
	})
	if !errors.Is(err, ErrRankPanicked) {
		t.Errorf("RunLocal() = %v, want ErrRankPanicked", err)
	}
}

func TestOpen_NNGInproc(t *testing.T) {
	c := DefaultWorldConfig(3)
	c.Transport = BackendNNG
	c.DeviceDirect = false
	base := "inproc://cluster-" + uuid.NewString()
	for r := 0; r < 3; r++ {
		c.Addresses = append(c.Addresses, fmt.Sprintf("%s-%d", base, r))
	}

	ts, err := Open(c, ring(3), nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 3 {
		t.Fatalf("opened %d transports, want 3", len(ts))
	}
	if ts[0].Capabilities().Backend != "nng" {
		t.Errorf("backend = %q", ts[0].Capabilities().Backend)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := Run(ctx, ts, passAround); err != nil {
		t.Fatal(err)
	}
}

func TestOpen_Fabric(t *testing.T) {
	c := DefaultWorldConfig(2)
	ts, err := Open(c, nil, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !ts[0].Capabilities().DeviceDirect {
		t.Error("default fabric world should offer device-direct buffers")
	}
	if err := Run(context.Background(), ts, passAround); err != nil {
		t.Fatal(err)
	}
}
