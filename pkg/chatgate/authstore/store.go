// Package authstore keeps per-account credential material ("auth blobs")
// under a provider's credential root. Each account owns one directory;
// wiping an account removes and recreates that directory so a fresh login
// starts from a clean state. Blobs can be sealed at rest with a passphrase
// derived key (see Sealer).
package authstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jholhewres/chatgate/pkg/chatgate/channels"
)

const blobFile = "auth.json"

var (
	// ErrNotFound is returned when an account has no stored auth blob.
	ErrNotFound = errors.New("auth blob not found")

	// ErrCorrupt wraps channels.ErrCorruptAuthState for unreadable blobs.
	ErrCorrupt = fmt.Errorf("authstore: %w", channels.ErrCorruptAuthState)
)

// Store is a credential root directory.
type Store struct {
	root   string
	sealer *Sealer
	mu     sync.Mutex
}

// New opens (creating if needed) the credential root. sealer may be nil to
// store blobs in plain JSON.
func New(root string, sealer *Sealer) (*Store, error) {
	if root == "" {
		return nil, fmt.Errorf("authstore: empty credential root")
	}
	if err := os.MkdirAll(root, 0o700); err != nil {
		return nil, fmt.Errorf("authstore: creating root: %w", err)
	}
	return &Store{root: root, sealer: sealer}, nil
}

// Root returns the credential root path.
func (s *Store) Root() string { return s.root }

// Dir returns the directory owned by account.
func (s *Store) Dir(account string) string {
	return filepath.Join(s.root, channels.NormalizeAccountKey(account))
}

// Exists reports whether account has a stored blob.
func (s *Store) Exists(account string) bool {
	_, err := os.Stat(filepath.Join(s.Dir(account), blobFile))
	return err == nil
}

// Load decodes the blob of account into v.
func (s *Store) Load(account string, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(filepath.Join(s.Dir(account), blobFile))
	if err != nil {
		if os.IsNotExist(err) {
			return ErrNotFound
		}
		return fmt.Errorf("authstore: reading blob: %w", err)
	}

	if s.sealer != nil {
		raw, err = s.sealer.Open(raw)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrCorrupt, err)
		}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return nil
}

// Save encodes v as the blob of account, replacing any previous blob.
func (s *Store) Save(account string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("authstore: encoding blob: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sealer != nil {
		data, err = s.sealer.Seal(data)
		if err != nil {
			return fmt.Errorf("authstore: sealing blob: %w", err)
		}
	}

	dir := s.Dir(account)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("authstore: creating account dir: %w", err)
	}

	tmp := filepath.Join(dir, blobFile+".tmp")
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("authstore: writing blob: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, blobFile)); err != nil {
		return fmt.Errorf("authstore: replacing blob: %w", err)
	}
	return nil
}

// Wipe removes the account directory and recreates it empty.
func (s *Store) Wipe(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(account)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("authstore: wiping %s: %w", account, err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("authstore: recreating %s: %w", account, err)
	}
	return nil
}

// Delete removes the account directory entirely.
func (s *Store) Delete(account string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.RemoveAll(s.Dir(account)); err != nil {
		return fmt.Errorf("authstore: deleting %s: %w", account, err)
	}
	return nil
}

// Accounts lists the accounts that have a stored blob, sorted.
func (s *Store) Accounts() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("authstore: listing root: %w", err)
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.root, e.Name(), blobFile)); err == nil {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
