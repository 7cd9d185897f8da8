package cluster

import "errors"

// Configuration errors.
var (
	ErrInvalidWorld     = errors.New("invalid world configuration")
	ErrInvalidRank      = errors.New("rank must be below world size")
	ErrFabricNotLocal   = errors.New("the in-memory fabric only connects ranks of one process")
	ErrMissingAddresses = errors.New("socket transports need one address per rank")
	ErrUnknownBackend   = errors.New("unknown transport backend")
)

// Run errors.
var (
	ErrRankPanicked = errors.New("rank panicked")
)
