// Package identity persists the username/password digest mapping used by
// the /register and /login commands: a JSON file on disk keyed by
// lower-cased username, rewritten atomically on every change, with bcrypt
// hashes so a leaked file never exposes a usable password.
package identity

import (
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/bcrypt"

	"github.com/StoreStation/rleclassic/pkg/classicerr"
)

// Store is a persistent, concurrency-safe mapping from lower-cased
// username to a bcrypt password hash.
type Store struct {
	mu   sync.Mutex
	path string
	hash map[string]string // lower-cased username -> bcrypt hash in bcrypt's own "$2a$..." text form, not hex
}

// Open loads path if it exists, or starts empty if it doesn't; the file
// is created on first successful Register.
func Open(path string) (*Store, error) {
	s := &Store{path: path, hash: make(map[string]string)}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, errors.Wrapf(classicerr.ErrIdentityIO, "open %s: %v", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&s.hash); err != nil {
		return nil, errors.Wrapf(classicerr.ErrIdentityIO, "decode %s: %v", path, err)
	}
	return s, nil
}

// Exists reports whether username is already registered.
func (s *Store) Exists(username string) bool {
	key := strings.ToLower(username)
	s.mu.Lock()
	_, ok := s.hash[key]
	s.mu.Unlock()
	return ok
}

// Register stores a new salted digest for username, failing if the name
// is already registered.
func (s *Store) Register(username, password string) error {
	key := strings.ToLower(username)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.hash[key]; exists {
		return errors.New("username already registered")
	}

	digest, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return errors.Wrap(classicerr.ErrIdentityIO, err.Error())
	}
	s.hash[key] = string(digest)
	return s.saveLocked()
}

// Verify reports whether password matches the stored digest for username.
func (s *Store) Verify(username, password string) bool {
	key := strings.ToLower(username)
	s.mu.Lock()
	digest, ok := s.hash[key]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(password)) == nil
}

// saveLocked writes the current map to disk. Callers must hold s.mu.
func (s *Store) saveLocked() error {
	tmp := s.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return errors.Wrapf(classicerr.ErrIdentityIO, "create %s: %v", tmp, err)
	}

	enc := json.NewEncoder(f)
	enc.SetIndent("", "\t")
	if err := enc.Encode(s.hash); err != nil {
		f.Close()
		return errors.Wrapf(classicerr.ErrIdentityIO, "encode %s: %v", tmp, err)
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(classicerr.ErrIdentityIO, err.Error())
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrapf(classicerr.ErrIdentityIO, "rename %s: %v", tmp, err)
	}
	return nil
}
