//go:build !zmq
// +build !zmq

package transport

import (
	"errors"

	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
)

// ErrZMQUnavailable is returned by NewZMQ in builds without the zmq tag.
var ErrZMQUnavailable = errors.New("zmq transport not compiled in (build with -tags zmq)")

// NewZMQ is only available with the zmq build tag.
func NewZMQ(cfg SocketConfig, reg *metrics.Registry, logger logging.Logger) (*Endpoint, error) {
	return nil, ErrZMQUnavailable
}
