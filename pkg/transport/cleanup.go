package transport

import (
	"io"

	"github.com/dd0wney/gnn-halo/pkg/logging"
)

// resourceCleanup closes registered sockets in reverse order unless the
// constructor that owns it reaches Clear. It keeps partially built
// endpoints from leaking sockets when a later listen or dial fails.
//
//	cleanup := newResourceCleanup(logger)
//	defer cleanup.Cleanup()
//	...
//	cleanup.Add(sock, "pair socket to rank 3")
//	...
//	cleanup.Clear()
type resourceCleanup struct {
	resources []namedCloser
	logger    logging.Logger
}

type namedCloser struct {
	closer io.Closer
	name   string
}

func newResourceCleanup(logger logging.Logger) *resourceCleanup {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &resourceCleanup{resources: make([]namedCloser, 0, 8), logger: logger}
}

// Add registers a resource to be cleaned up.
func (rc *resourceCleanup) Add(closer io.Closer, name string) {
	rc.resources = append(rc.resources, namedCloser{closer: closer, name: name})
}

// Cleanup closes all registered resources, last added first. Close errors
// are logged and do not stop the sweep.
func (rc *resourceCleanup) Cleanup() {
	for i := len(rc.resources) - 1; i >= 0; i-- {
		r := rc.resources[i]
		if err := r.closer.Close(); err != nil {
			rc.logger.Warn("failed to close during cleanup",
				logging.String("resource", r.name), logging.Error(err))
		}
	}
	rc.resources = rc.resources[:0]
}

// Clear forgets all resources without closing them.
func (rc *resourceCleanup) Clear() {
	rc.resources = rc.resources[:0]
}

// Len returns the number of registered resources.
func (rc *resourceCleanup) Len() int {
	return len(rc.resources)
}
