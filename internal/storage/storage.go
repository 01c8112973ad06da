// Package storage provides the best-effort local persistence used by the
// session core. Writes are append-then-overwrite, last-writer-wins; there is
// no transaction log. Two backends exist: JSON files (default) and sqlite.
package storage

import "errors"

// ErrNotFound is returned by Read when no value exists at the key.
var ErrNotFound = errors.New("storage: key not found")

// Storage is a hierarchical key → JSON document store. Keys are path
// segments, e.g. ["message", sessionID, messageID].
type Storage interface {
	// Read unmarshals the value at path into dest.
	Read(dest any, path ...string) error

	// Write marshals value and stores it at path, creating parents.
	Write(value any, path ...string) error

	// Remove deletes the value at path. Removing a missing key is a no-op.
	Remove(path ...string) error

	// RemoveAll deletes every key under the prefix.
	RemoveAll(prefix ...string) error

	// List returns the immediate child key segments under the prefix in
	// ascending lexicographic order. With time-sortable IDs this is creation
	// order.
	List(prefix ...string) ([]string, error)

	Close() error
}
