package cluster

import (
	"fmt"
	"time"

	"github.com/dd0wney/gnn-halo/pkg/transport"
	"github.com/dd0wney/gnn-halo/pkg/validation"
)

// Transport backends.
const (
	BackendFabric = "fabric"
	BackendNNG    = "nng"
	BackendZMQ    = "zmq"
)

// WorldConfig describes the ranks of a run and how they reach each other.
type WorldConfig struct {
	Size int `yaml:"size" validate:"min=1"`
	// Rank is the rank this process hosts; ignored when Local is set.
	Rank      int    `yaml:"rank" validate:"gte=0"`
	Transport string `yaml:"transport" validate:"oneof=fabric nng zmq"`
	// Addresses holds one base endpoint per rank for the socket backends.
	Addresses []string `yaml:"addresses" validate:"omitempty,dive,endpoint"`
	// Local hosts every rank in this process.
	Local        bool          `yaml:"local"`
	PollInterval time.Duration `yaml:"poll_interval"`
	// DeviceDirect declares that the socket backend can take device buffers.
	DeviceDirect bool `yaml:"device_direct"`
}

// DefaultWorldConfig returns a single-process, in-memory world of size ranks.
func DefaultWorldConfig(size int) WorldConfig {
	return WorldConfig{
		Size:         size,
		Transport:    BackendFabric,
		Local:        true,
		PollInterval: 50 * time.Millisecond,
		DeviceDirect: true,
	}
}

// ApplyDefaults fills zero values.
func (c *WorldConfig) ApplyDefaults() {
	c.Transport = validation.DefaultOr(c.Transport, BackendFabric)
	c.PollInterval = validation.DefaultOr(c.PollInterval, 50*time.Millisecond)
}

// Validate checks if configuration is valid.
func (c *WorldConfig) Validate() error {
	if err := validation.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidWorld, err)
	}
	if !c.Local && c.Rank >= c.Size {
		return fmt.Errorf("%w: rank %d, size %d", ErrInvalidRank, c.Rank, c.Size)
	}
	if c.Transport == BackendFabric && !c.Local && c.Size > 1 {
		return ErrFabricNotLocal
	}
	if c.Transport != BackendFabric && len(c.Addresses) != c.Size {
		return fmt.Errorf("%w: %d addresses for %d ranks", ErrMissingAddresses, len(c.Addresses), c.Size)
	}
	return nil
}

// HostedRanks lists the ranks this process runs.
func (c *WorldConfig) HostedRanks() []int {
	if !c.Local {
		return []int{c.Rank}
	}
	ranks := make([]int, c.Size)
	for i := range ranks {
		ranks[i] = i
	}
	return ranks
}

// SocketConfig is the socket backend configuration of rank.
func (c *WorldConfig) SocketConfig(rank int, peers []int) transport.SocketConfig {
	sc := transport.DefaultSocketConfig(rank, c.Size)
	sc.Addresses = c.Addresses
	sc.Peers = peers
	sc.PollInterval = c.PollInterval
	sc.DeviceDirect = c.DeviceDirect
	return sc
}
