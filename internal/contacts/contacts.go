// Package contacts stores metadata about remote identifiers. The group
// engine only reads the alias to annotate conversation messages.
package contacts

import (
	"encoding/json"
	"fmt"

	"Conclave/internal/storage"
)

const keyPrefix = "c:"

// Contact is what the agent knows about a remote prefix.
type Contact struct {
	Prefix string            `json:"id"`               // Prefix is the remote identifier
	Alias  string            `json:"alias"`            // Alias is the human readable name
	Fields map[string]string `json:"fields,omitempty"` // Fields hold free-form metadata
}

// Directory resolves contacts by prefix.
type Directory interface {
	Get(prefix string) (*Contact, error)
}

// Store is a Directory backed by storage.
type Store struct {
	db *storage.Storage // db persists contacts
}

// New creates a contact store over db.
func New(db *storage.Storage) *Store {
	return &Store{db: db}
}

// Get returns the contact for prefix, or nil when unknown.
func (s *Store) Get(prefix string) (*Contact, error) {
	data, err := s.db.Get([]byte(keyPrefix + prefix))
	if err != nil || data == nil {
		return nil, err
	}

	var c Contact
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decode contact:\n%w", err)
	}

	return &c, nil
}

// Set stores c under its prefix.
func (s *Store) Set(c Contact) error {
	if c.Prefix == "" {
		return fmt.Errorf("contact has no prefix")
	}

	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal contact:\n%w", err)
	}

	return s.db.Set([]byte(keyPrefix+c.Prefix), data)
}
