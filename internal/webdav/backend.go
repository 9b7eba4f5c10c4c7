package webdav

import (
	"time"

	"kpvault-go/internal/remote"
	"kpvault-go/internal/vfs"
)

// Purpose keys WebDAV credentials in the credential store.
const Purpose = "webdav"

// Options configures a WebDAV backend instance.
type Options struct {
	Authority   vfs.Authority
	Credentials vfs.CredentialStore
	Cache       *remote.FileCache
	Timeout     time.Duration
	Logger      vfs.Logger
}

// NewBackend builds the provider and sync processor of one WebDAV server.
func NewBackend(opts Options) (*remote.Provider, *remote.SyncProcessor) {
	provider := remote.NewProvider(remote.Options{
		Authenticator: remote.NewCredentialsAuthenticator(opts.Authority, opts.Credentials, Purpose),
		Factory:       NewClientFactory(opts.Timeout),
		Cache:         opts.Cache,
		Logger:        opts.Logger,
	})
	return provider, remote.NewSyncProcessor(provider)
}
