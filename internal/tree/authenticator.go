package tree

import (
	"context"

	"kpvault-go/internal/vfs"
)

// Authenticator reports the tree backend as unauthenticated until at least
// one tree is granted. The interactive hook is expected to show a directory
// picker and call Provider.Grant with the choice.
type Authenticator struct {
	grants vfs.TreeGrantStore
	hook   vfs.InteractiveAuthHook
}

var _ vfs.Authenticator = (*Authenticator)(nil)

func NewAuthenticator(grants vfs.TreeGrantStore, hook vfs.InteractiveAuthHook) *Authenticator {
	return &Authenticator{grants: grants, hook: hook}
}

func (a *Authenticator) AuthType() vfs.AuthType   { return vfs.AuthExternalInteractive }
func (a *Authenticator) Authority() vfs.Authority { return vfs.TreeAuthority }

// IsAuthenticationRequired treats an unreadable grant store as no grants.
func (a *Authenticator) IsAuthenticationRequired() bool {
	grants, err := a.grants.ListTreeGrants(context.Background())
	return err != nil || len(grants) == 0
}

func (a *Authenticator) StartInteractiveAuth(ctx context.Context) error {
	if a.hook == nil {
		return vfs.IncorrectUse("StartInteractiveAuth without a tree picker")
	}
	go a.hook.StartInteractiveAuth(ctx, vfs.TreeAuthority)
	return nil
}

func (a *Authenticator) SetCredentials(vfs.Credentials) error {
	return vfs.IncorrectUse("SetCredentials on " + string(vfs.StorageAccessFramework))
}
