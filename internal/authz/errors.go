package authz

import "errors"

var (
	ErrNotFound      = errors.New("authz: not found")
	ErrAlreadyLinked = errors.New("authz: already linked")
	ErrInvalidWindow = errors.New("authz: invalid window")
	ErrUnknownCode   = errors.New("authz: unknown auth code")
)
