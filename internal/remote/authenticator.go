package remote

import (
	"context"
	"sync/atomic"

	"kpvault-go/internal/vfs"
)

// CredentialsAuthenticator holds the authority of a credential-backed
// backend in an atomically swapped cell. Readers always see a complete
// authority; concurrent updates are last-write-wins.
type CredentialsAuthenticator struct {
	initial vfs.Authority
	current atomic.Pointer[vfs.Authority]
	store   vfs.CredentialStore
	purpose string
}

var _ vfs.Authenticator = (*CredentialsAuthenticator)(nil)

// NewCredentialsAuthenticator starts from authority. When store is not nil,
// credential updates are persisted under purpose.
func NewCredentialsAuthenticator(authority vfs.Authority, store vfs.CredentialStore, purpose string) *CredentialsAuthenticator {
	a := &CredentialsAuthenticator{initial: authority, store: store, purpose: purpose}
	a.current.Store(&authority)
	return a
}

func (a *CredentialsAuthenticator) AuthType() vfs.AuthType { return vfs.AuthCredentials }

func (a *CredentialsAuthenticator) Authority() vfs.Authority { return *a.current.Load() }

// IsAuthenticationRequired reflects the authority the backend was configured
// with, not later in-memory updates.
func (a *CredentialsAuthenticator) IsAuthenticationRequired() bool {
	return a.initial.IsRequireCredentials()
}

func (a *CredentialsAuthenticator) StartInteractiveAuth(context.Context) error {
	return vfs.IncorrectUse("StartInteractiveAuth on " + string(a.initial.Kind))
}

// SetCredentials swaps the credentials in and persists them. A nil creds
// clears them.
func (a *CredentialsAuthenticator) SetCredentials(creds vfs.Credentials) error {
	if !a.initial.Kind.UsesCredentials() {
		return vfs.IncorrectUse("SetCredentials on " + string(a.initial.Kind))
	}
	if err := checkVariant(a.initial.Kind, creds); err != nil {
		return err
	}

	next := a.Authority().WithCredentials(creds)
	a.current.Store(&next)

	if a.store == nil {
		return nil
	}
	ctx := context.Background()
	var err error
	if creds == nil {
		err = a.store.ClearCredentials(ctx, next, a.purpose)
	} else {
		err = a.store.SetCredentials(ctx, next, a.purpose, creds)
	}
	if err != nil {
		return vfs.WrapError(vfs.KindGenericIO, err, "persisting credentials for %s", next.Key())
	}
	return nil
}

// checkVariant rejects credentials of the wrong shape for kind.
func checkVariant(kind vfs.BackendKind, creds vfs.Credentials) *vfs.Error {
	switch creds.(type) {
	case nil:
		return nil
	case vfs.BasicCredentials:
		if kind == vfs.WebDAV || kind == vfs.S3 || kind == vfs.Git {
			return nil
		}
	case vfs.GitCredentials:
		if kind == vfs.Git {
			return nil
		}
	}
	return vfs.NewError(vfs.KindIncorrectUse, "%T not accepted by %s", creds, kind)
}
