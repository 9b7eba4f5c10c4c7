package fake

import (
	"kpvault-go/internal/local"
	"kpvault-go/internal/remote"
	"kpvault-go/internal/vfs"
)

// Authority returns the authority of the fake backend instance called name.
func Authority(name string) vfs.Authority {
	return vfs.Authority{Kind: vfs.Fake, Browsable: true, Instance: name}
}

// NewBackend wires store as the remote of a provider and sync processor.
func NewBackend(authority vfs.Authority, store *Store, cache *remote.FileCache, logger vfs.Logger) (*remote.Provider, *remote.SyncProcessor) {
	provider := remote.NewProvider(remote.Options{
		Authenticator: local.NewNoneAuthenticator(authority),
		Factory: func(vfs.Credentials) (remote.Client, error) {
			return store, nil
		},
		Cache:  cache,
		Logger: logger,
	})
	return provider, remote.NewSyncProcessor(provider)
}
