package transfer

import "errors"

var (
	// ErrNoItems indicates a transfer was requested with nothing to move.
	ErrNoItems = errors.New("transfer has no items")

	// ErrEndpointNotReady indicates an endpoint is inactive or its lease is
	// about to expire.
	ErrEndpointNotReady = errors.New("endpoint not ready")

	// ErrTaskNotFound indicates an unknown task id.
	ErrTaskNotFound = errors.New("transfer task not found")
)
