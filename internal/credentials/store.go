// Package credentials persists backend credentials encrypted in the ledger.
// Writing needs only the public key; reading needs the session's unlocked
// decryption context.
package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/BurntSushi/toml"

	"kpvault-go/internal/vfs"
)

// ErrLocked is returned by reads before Unlock.
var ErrLocked = errors.New("credential store is locked")

// SecretStore is the ledger table holding encrypted blobs.
type SecretStore interface {
	// GetSecret returns nil when nothing is stored.
	GetSecret(ctx context.Context, authorityKey, purpose string) ([]byte, error)
	PutSecret(ctx context.Context, authorityKey, purpose string, ciphertext []byte) error
	DeleteSecret(ctx context.Context, authorityKey, purpose string) error
}

// record is the TOML form of a credentials value.
type record struct {
	Type        string `toml:"type"` // "basic" or "git"
	URL         string `toml:"url"`
	Username    string `toml:"username,omitempty"`
	Password    string `toml:"password,omitempty"`
	IsSecretURL bool   `toml:"is_secret_url,omitempty"`
	Salt        string `toml:"salt,omitempty"`
}

// Store implements vfs.CredentialStore. Entries are keyed by the authority
// key, so configured backends should carry an Instance name.
type Store struct {
	secrets   SecretStore
	encryptor vfs.Encryptor

	mu        sync.RWMutex
	decryptor vfs.DecryptionContext
}

var _ vfs.CredentialStore = (*Store)(nil)

func NewStore(secrets SecretStore, encryptor vfs.Encryptor) *Store {
	return &Store{secrets: secrets, encryptor: encryptor}
}

// Unlock enables reads for the rest of the session.
func (s *Store) Unlock(passphrase string) error {
	dc, err := s.encryptor.Unlock(passphrase)
	if err != nil {
		return fmt.Errorf("unlocking credential store: %w", err)
	}
	s.mu.Lock()
	s.decryptor = dc
	s.mu.Unlock()
	return nil
}

func (s *Store) IsUnlocked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.decryptor != nil
}

func (s *Store) GetCredentials(ctx context.Context, authority vfs.Authority, purpose string) (vfs.Credentials, error) {
	blob, err := s.secrets.GetSecret(ctx, authority.Key(), purpose)
	if err != nil {
		return nil, fmt.Errorf("reading credentials: %w", err)
	}
	if blob == nil {
		return nil, nil
	}

	s.mu.RLock()
	dc := s.decryptor
	s.mu.RUnlock()
	if dc == nil {
		return nil, ErrLocked
	}

	var plain bytes.Buffer
	if err := dc.Decrypt(bytes.NewReader(blob), &plain); err != nil {
		return nil, fmt.Errorf("decrypting credentials: %w", err)
	}
	var rec record
	if _, err := toml.NewDecoder(&plain).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decoding credentials: %w", err)
	}
	return rec.credentials()
}

func (s *Store) SetCredentials(ctx context.Context, authority vfs.Authority, purpose string, creds vfs.Credentials) error {
	rec, err := toRecord(creds)
	if err != nil {
		return err
	}
	var plain bytes.Buffer
	if err := toml.NewEncoder(&plain).Encode(rec); err != nil {
		return fmt.Errorf("encoding credentials: %w", err)
	}
	var sealed bytes.Buffer
	if err := s.encryptor.Encrypt(&plain, &sealed); err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := s.secrets.PutSecret(ctx, authority.Key(), purpose, sealed.Bytes()); err != nil {
		return fmt.Errorf("storing credentials: %w", err)
	}
	return nil
}

func (s *Store) ClearCredentials(ctx context.Context, authority vfs.Authority, purpose string) error {
	if err := s.secrets.DeleteSecret(ctx, authority.Key(), purpose); err != nil {
		return fmt.Errorf("clearing credentials: %w", err)
	}
	return nil
}

func toRecord(creds vfs.Credentials) (record, error) {
	switch c := creds.(type) {
	case vfs.BasicCredentials:
		return record{Type: "basic", URL: c.URL, Username: c.Username, Password: c.Password}, nil
	case vfs.GitCredentials:
		return record{Type: "git", URL: c.URL, IsSecretURL: c.IsSecretURL, Salt: c.Salt}, nil
	case nil:
		return record{}, errors.New("no credentials to store")
	default:
		return record{}, fmt.Errorf("unknown credentials type %T", creds)
	}
}

func (r record) credentials() (vfs.Credentials, error) {
	switch r.Type {
	case "basic":
		return vfs.BasicCredentials{URL: r.URL, Username: r.Username, Password: r.Password}, nil
	case "git":
		return vfs.GitCredentials{URL: r.URL, IsSecretURL: r.IsSecretURL, Salt: r.Salt}, nil
	}
	return nil, fmt.Errorf("unknown stored credentials type %q", r.Type)
}

// Load fills in the stored credentials of authority. Authorities that do not
// use credentials, or already carry them, are returned unchanged.
func (s *Store) Load(ctx context.Context, authority vfs.Authority, purpose string) (vfs.Authority, error) {
	if !authority.IsRequireCredentials() {
		return authority, nil
	}
	creds, err := s.GetCredentials(ctx, authority, purpose)
	if err != nil || creds == nil {
		return authority, err
	}
	return authority.WithCredentials(creds), nil
}
