package vfs

import (
	"fmt"
	"net/url"
	"strings"
)

// BackendKind identifies a storage backend type. The string values are
// persisted in the ledger and in configuration and must stay stable.
type BackendKind string

const (
	InternalStorage        BackendKind = "INTERNAL_STORAGE"
	ExternalStorage        BackendKind = "EXTERNAL_STORAGE"
	WebDAV                 BackendKind = "WEBDAV"
	StorageAccessFramework BackendKind = "STORAGE_ACCESS_FRAMEWORK"
	Git                    BackendKind = "GIT"
	S3                     BackendKind = "S3"
	Fake                   BackendKind = "FAKE"
	Undefined              BackendKind = "UNDEFINED"
)

var allBackendKinds = []BackendKind{
	InternalStorage, ExternalStorage, WebDAV, StorageAccessFramework, Git, S3, Fake,
}

// ParseBackendKind parses a persisted identifier, returning Undefined on failure.
func ParseBackendKind(s string) BackendKind {
	s = strings.ToUpper(strings.TrimSpace(s))
	for _, k := range allBackendKinds {
		if string(k) == s {
			return k
		}
	}
	return Undefined
}

// UsesCredentials reports whether authorities of this kind carry credentials.
func (k BackendKind) UsesCredentials() bool {
	switch k {
	case WebDAV, Git, S3:
		return true
	}
	return false
}

// IsRemote reports whether the backend is reached over the network and has a sync processor
// with real conflict detection.
func (k BackendKind) IsRemote() bool {
	switch k {
	case WebDAV, Git, S3, Fake:
		return true
	}
	return false
}

// Credentials is a closed union: BasicCredentials or GitCredentials.
// Consumers switch over the concrete type and treat anything else as a bug.
type Credentials interface {
	isCredentials()
	// ID identifies the credentials without their secret parts.
	ID() string
}

// BasicCredentials are WebDAV-style url/username/password credentials.
type BasicCredentials struct {
	URL      string
	Username string
	Password string
}

func (BasicCredentials) isCredentials() {}

func (c BasicCredentials) ID() string {
	return "basic:" + c.Username + "@" + strings.TrimRight(c.URL, "/")
}

// GitCredentials point at a Git remote. Salt disambiguates remotes that share
// a URL; IsSecretURL masks the URL when rendered for display.
type GitCredentials struct {
	URL         string
	IsSecretURL bool
	Salt        string
}

func (GitCredentials) isCredentials() {}

func (c GitCredentials) ID() string {
	return "git:" + c.Salt + ":" + stripUserinfo(c.URL)
}

// DisplayURL renders the URL of any credentials variant for humans.
func DisplayURL(c Credentials) string {
	switch v := c.(type) {
	case BasicCredentials:
		return v.URL
	case GitCredentials:
		if v.IsSecretURL {
			return maskURL(v.URL)
		}
		return v.URL
	case nil:
		return ""
	default:
		panic(fmt.Sprintf("vfs: unknown credentials type %T", c))
	}
}

func stripUserinfo(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.User == nil {
		return raw
	}
	u.User = nil
	return u.String()
}

func maskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Scheme + "://" + u.Host + "/***"
}

// Authority identifies a backend instance plus the credentials used to reach it.
// It is an immutable value; copy it freely.
//
// Instance optionally names a configured backend. When set it is the identity
// of the authority, so a configured backend keeps its key while its
// credentials are missing or change.
type Authority struct {
	Credentials Credentials
	Kind        BackendKind
	Browsable   bool
	Instance    string
}

var (
	InternalStorageAuthority = Authority{Kind: InternalStorage, Browsable: true}
	ExternalStorageAuthority = Authority{Kind: ExternalStorage, Browsable: true}
	TreeAuthority            = Authority{Kind: StorageAccessFramework, Browsable: false}
)

// IsRequireCredentials is true for credential-backed kinds that have none yet.
func (a Authority) IsRequireCredentials() bool {
	return a.Kind.UsesCredentials() && a.Credentials == nil
}

// WithCredentials returns a copy carrying creds.
func (a Authority) WithCredentials(creds Credentials) Authority {
	a.Credentials = creds
	return a
}

// Key is a stable identifier of the backend instance that never contains secrets.
// Two authorities that differ only by password share a key.
func (a Authority) Key() string {
	if a.Instance != "" {
		return string(a.Kind) + "|" + a.Instance
	}
	if a.Credentials == nil {
		return string(a.Kind)
	}
	return string(a.Kind) + "|" + a.Credentials.ID()
}

// SameInstance reports whether a and b address the same backend instance.
func (a Authority) SameInstance(b Authority) bool {
	return a.Key() == b.Key()
}

func (a Authority) String() string {
	if a.Instance != "" {
		return string(a.Kind) + " " + a.Instance
	}
	if a.Credentials == nil {
		return string(a.Kind)
	}
	return string(a.Kind) + " " + DisplayURL(a.Credentials)
}
