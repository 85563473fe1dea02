package entity

import "errors"

var (
	ErrInvalidRecord       = errors.New("invalid record")
	ErrOutOfOrderRecord    = errors.New("out of order record")
	ErrStaleRead           = errors.New("stale read")
	ErrCircuitOpen         = errors.New("circuit open")
	ErrCommandRejected     = errors.New("command rejected")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	ErrDuplicateCommand = errors.New("duplicate command")
	ErrCommandNotFound  = errors.New("command not found")
	ErrSymbolNotFound   = errors.New("symbol not found")
	ErrShuttingDown     = errors.New("bridge shutting down")
	ErrSubscriberClosed = errors.New("subscriber closed")
	ErrHubClosed        = errors.New("distribution hub closed")
)
