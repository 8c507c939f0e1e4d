package authz

import "context"

// Source provides the authorization records the reconciler works from.
type Source interface {
	Authorizations(ctx context.Context) (Snapshot, error)
}

// Linker completes the out-of-band verification exchange.
type Linker interface {
	// RedeemAuthCode binds memberID to the account holding code. It returns
	// ErrUnknownCode when no unredeemed row carries the code.
	RedeemAuthCode(ctx context.Context, code, memberID string) error
	IsLinked(ctx context.Context, memberID string) (bool, error)
	// Character returns the main character of the account linked to memberID.
	Character(ctx context.Context, memberID string) (Character, error)
}

// WindowStore persists a member's preferred ping window.
type WindowStore interface {
	UpdatePingWindow(ctx context.Context, memberID string, w Window) error
}
