package s3fs

import (
	"kpvault-go/internal/remote"
	"kpvault-go/internal/vfs"
)

// Purpose keys S3 access keys in the credential store.
const Purpose = "s3"

type BackendOptions struct {
	Authority   vfs.Authority
	Credentials vfs.CredentialStore
	Cache       *remote.FileCache
	Client      Options
	Logger      vfs.Logger
}

// NewBackend builds the provider and sync processor of one S3 bucket prefix.
func NewBackend(opts BackendOptions) (*remote.Provider, *remote.SyncProcessor) {
	provider := remote.NewProvider(remote.Options{
		Authenticator: remote.NewCredentialsAuthenticator(opts.Authority, opts.Credentials, Purpose),
		Factory:       NewClientFactory(opts.Client),
		Cache:         opts.Cache,
		Logger:        opts.Logger,
	})
	return provider, remote.NewSyncProcessor(provider)
}
