package vfs

import "context"

// AuthType describes how a backend authenticates.
type AuthType int

const (
	AuthNone AuthType = iota
	AuthCredentials
	AuthExternalInteractive
	AuthSystemPermission
)

func (t AuthType) String() string {
	switch t {
	case AuthNone:
		return "None"
	case AuthCredentials:
		return "Credentials"
	case AuthExternalInteractive:
		return "ExternalInteractive"
	case AuthSystemPermission:
		return "SystemPermission"
	}
	return "Unknown"
}

// Authenticator owns the auth state of one backend instance. It is owned by
// the provider that created it and never shared.
//
// Methods that return error return a *Error or nil.
type Authenticator interface {
	AuthType() AuthType
	Authority() Authority
	IsAuthenticationRequired() bool

	// StartInteractiveAuth fires the interactive auth hook and returns without
	// awaiting it; callers re-check IsAuthenticationRequired afterwards. Only
	// valid for AuthExternalInteractive, IncorrectUse otherwise.
	StartInteractiveAuth(ctx context.Context) error

	// SetCredentials replaces the credentials of a credential-backed authority.
	// IncorrectUse for authorities that do not use credentials.
	SetCredentials(creds Credentials) error
}

// InteractiveAuthHook is the UI side of interactive authentication.
type InteractiveAuthHook interface {
	StartInteractiveAuth(ctx context.Context, authority Authority)
}

// InteractiveAuthFunc adapts a function to InteractiveAuthHook.
type InteractiveAuthFunc func(ctx context.Context, authority Authority)

func (f InteractiveAuthFunc) StartInteractiveAuth(ctx context.Context, authority Authority) {
	f(ctx, authority)
}
