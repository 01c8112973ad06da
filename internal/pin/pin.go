// Package pin stores the operator PIN as an argon2id hash in pin.json under
// the instance root, mode 0600. Permission responses of type "pin" verify
// against it.
package pin

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/argon2"
)

// ErrNotSet is returned by Verify when no PIN has been configured.
var ErrNotSet = errors.New("pin: not set")

const (
	argonTime    = 1
	argonMemory  = 64 * 1024
	argonThreads = 4
	argonKeyLen  = 32
	saltLen      = 16
)

type record struct {
	Hash    []byte `json:"hash"`
	Salt    []byte `json:"salt"`
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"`
	Threads uint8  `json:"threads"`
}

// Store reads and writes pin.json.
type Store struct {
	path string
}

// NewStore returns a store rooted at dir (the instance root).
func NewStore(dir string) *Store {
	return &Store{path: filepath.Join(dir, "pin.json")}
}

// Set hashes the pin and writes pin.json with 0600 permissions.
func (s *Store) Set(pin string) error {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("pin: salt: %w", err)
	}
	rec := record{
		Hash:    argon2.IDKey([]byte(pin), salt, argonTime, argonMemory, argonThreads, argonKeyLen),
		Salt:    salt,
		Time:    argonTime,
		Memory:  argonMemory,
		Threads: argonThreads,
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Verify reports whether pin matches the stored hash.
func (s *Store) Verify(pin string) (bool, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, ErrNotSet
		}
		return false, err
	}
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return false, fmt.Errorf("pin: corrupt pin.json: %w", err)
	}
	got := argon2.IDKey([]byte(pin), rec.Salt, rec.Time, rec.Memory, rec.Threads, uint32(len(rec.Hash)))
	return subtle.ConstantTimeCompare(got, rec.Hash) == 1, nil
}

// Exists reports whether a PIN is configured.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}
