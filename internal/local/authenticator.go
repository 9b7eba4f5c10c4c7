package local

import (
	"context"

	"kpvault-go/internal/vfs"
)

// Permission is the app-level storage grant of the external storage backend.
type Permission interface {
	IsGranted() bool
	Grant() error
}

// AlwaysGranted is a Permission for platforms without a storage grant.
type AlwaysGranted struct{}

func (AlwaysGranted) IsGranted() bool { return true }
func (AlwaysGranted) Grant() error    { return nil }

// NoneAuthenticator serves the internal storage backend. There is nothing to
// authenticate.
type NoneAuthenticator struct {
	authority vfs.Authority
}

var _ vfs.Authenticator = (*NoneAuthenticator)(nil)

func NewNoneAuthenticator(authority vfs.Authority) *NoneAuthenticator {
	return &NoneAuthenticator{authority: authority}
}

func (a *NoneAuthenticator) AuthType() vfs.AuthType         { return vfs.AuthNone }
func (a *NoneAuthenticator) Authority() vfs.Authority       { return a.authority }
func (a *NoneAuthenticator) IsAuthenticationRequired() bool { return false }

func (a *NoneAuthenticator) StartInteractiveAuth(context.Context) error {
	return vfs.IncorrectUse("StartInteractiveAuth on " + string(a.authority.Kind))
}

func (a *NoneAuthenticator) SetCredentials(vfs.Credentials) error {
	return vfs.IncorrectUse("SetCredentials on " + string(a.authority.Kind))
}

// StorageAuthenticator serves the external storage backend. With the broad
// grant capability the user is sent to an interactive grant screen; without it
// the permission is a system prompt the caller triggers itself.
type StorageAuthenticator struct {
	authority  vfs.Authority
	permission Permission
	broadGrant bool
	hook       vfs.InteractiveAuthHook
}

var _ vfs.Authenticator = (*StorageAuthenticator)(nil)

func NewStorageAuthenticator(authority vfs.Authority, permission Permission, broadGrant bool, hook vfs.InteractiveAuthHook) *StorageAuthenticator {
	return &StorageAuthenticator{
		authority:  authority,
		permission: permission,
		broadGrant: broadGrant,
		hook:       hook,
	}
}

func (a *StorageAuthenticator) AuthType() vfs.AuthType {
	if a.broadGrant {
		return vfs.AuthExternalInteractive
	}
	return vfs.AuthSystemPermission
}

func (a *StorageAuthenticator) Authority() vfs.Authority { return a.authority }

func (a *StorageAuthenticator) IsAuthenticationRequired() bool {
	return !a.permission.IsGranted()
}

// StartInteractiveAuth fires the hook in the background and returns immediately.
func (a *StorageAuthenticator) StartInteractiveAuth(ctx context.Context) error {
	if a.AuthType() != vfs.AuthExternalInteractive {
		return vfs.IncorrectUse("StartInteractiveAuth with auth type " + a.AuthType().String())
	}
	if a.hook == nil {
		return vfs.IncorrectUse("StartInteractiveAuth without an interactive auth hook")
	}
	go a.hook.StartInteractiveAuth(ctx, a.authority)
	return nil
}

func (a *StorageAuthenticator) SetCredentials(vfs.Credentials) error {
	return vfs.IncorrectUse("SetCredentials on " + string(a.authority.Kind))
}
