package core

import "errors"

var (
	// ErrNegativeBalance is returned when an append would take a balance below zero
	// and the ledger policy rejects it.
	ErrNegativeBalance = errors.New("append would make balance negative")

	// ErrIdempotencyConflict is returned when a key is reused with a different delta.
	ErrIdempotencyConflict = errors.New("idempotency key reused with a different delta")

	ErrInvalidDelta      = errors.New("invalid delta")
	ErrInvalidSourceType = errors.New("unknown source type")

	// ErrGrantExists is returned by stores when a non-revoked grant already exists.
	ErrGrantExists       = errors.New("non-revoked grant already exists")
	ErrGrantNotFound     = errors.New("grant not found")
	ErrInvalidTransition = errors.New("invalid grant transition")

	// ErrLedgerBusy is returned when a reconcile kept losing to concurrent appends.
	ErrLedgerBusy = errors.New("ledger changed while reconciling")

	ErrUnknownBadge = errors.New("unknown badge")
	ErrUnknownQuest = errors.New("unknown quest")
)
