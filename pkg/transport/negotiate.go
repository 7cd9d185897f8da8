package transport

import (
	"os"
	"strconv"
	"strings"

	"github.com/dd0wney/gnn-halo/pkg/logging"
	"github.com/dd0wney/gnn-halo/pkg/metrics"
)

// Mode is the buffer path chosen for a run.
type Mode uint8

const (
	ModeDeviceDirect Mode = iota + 1
	ModeHostStaged
)

func (m Mode) String() string {
	switch m {
	case ModeDeviceDirect:
		return "device-direct"
	case ModeHostStaged:
		return "host-staged"
	default:
		return "unknown"
	}
}

// Environment markers consulted by DetectDeviceDirect.
const (
	EnvDeviceDirect = "GNNHALO_DEVICE_DIRECT"
	EnvOpenMPICUDA  = "OMPI_MCA_opal_cuda_support"
	EnvMVAPICHCUDA  = "MV2_USE_CUDA"
)

// NegotiateOptions controls capability negotiation.
type NegotiateOptions struct {
	ForceHostStaged bool
	// Getenv defaults to os.Getenv.
	Getenv func(string) string
}

// DetectDeviceDirect reports whether t can take device buffers directly. The backend's
// own capability is required; an explicit GNNHALO_DEVICE_DIRECT value or an
// MPI launcher marker set to false turns it off.
func DetectDeviceDirect(t Transport, getenv func(string) string) (bool, string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if !t.Capabilities().DeviceDirect {
		return false, "backend has no device-direct path"
	}
	if v := getenv(EnvDeviceDirect); v != "" {
		ok, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil || !ok {
			return false, EnvDeviceDirect + "=" + v
		}
		return true, EnvDeviceDirect + "=" + v
	}
	for _, name := range []string{EnvOpenMPICUDA, EnvMVAPICHCUDA} {
		if v := getenv(name); v != "" {
			if ok, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil && !ok {
				return false, name + "=" + v
			}
		}
	}
	return true, "backend capability"
}

// Negotiate picks the buffer path for the run and returns the transport to
// use: t itself when device-direct is usable, otherwise t wrapped in
// Staged. It writes exactly one diagnostics line, a warning when degraded.
func Negotiate(t Transport, opts NegotiateOptions, logger logging.Logger, reg *metrics.Registry) (Transport, Mode) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	ok, reason := DetectDeviceDirect(t, opts.Getenv)
	if opts.ForceHostStaged {
		ok, reason = false, "force_host_staged"
	}

	fields := []logging.Field{
		logging.Component("transport"),
		logging.Rank(t.Rank()),
		logging.String("backend", t.Capabilities().Backend),
		logging.String("reason", reason),
	}
	reg.SetTransportMode(ok)

	if ok {
		logger.Info("transport mode device-direct", append(fields, logging.String("mode", ModeDeviceDirect.String()))...)
		return t, ModeDeviceDirect
	}
	logger.Warn("transport degraded to host-staged buffers", append(fields, logging.String("mode", ModeHostStaged.String()))...)
	return NewStaged(t, reg), ModeHostStaged
}
