package task

import "errors"

var (
	ErrNotFound             = errors.New("not found")
	ErrInvalidArgument      = errors.New("invalid argument")
	ErrAmbiguousMatch       = errors.New("ambiguous match")
	ErrConcurrencyExhausted = errors.New("concurrency retries exhausted")
	ErrNoActiveContext      = errors.New("no active execution context")
	ErrTerminal             = errors.New("target is in a terminal state")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrStoreUnavailable     = errors.New("store unavailable")
	ErrReporterActive       = errors.New("another reporter is active on this host")
)
