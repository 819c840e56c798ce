package datastore

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidKey is returned when a key path cannot be parsed or a key
// component contains the path separator.
var ErrInvalidKey = errors.New("invalid key")

// Key addresses one document: a kind, a name and an optional parent.
// Keys render to slash-separated paths such as
// "User/jane/Service/withings" which double as the primary key in the
// backing table and as the wire form inside task payloads.
type Key struct {
	Kind   string
	Name   string
	Parent *Key
}

// NewKey builds a key. Kind and name must not contain "/".
func NewKey(kind, name string, parent *Key) *Key {
	return &Key{Kind: kind, Name: name, Parent: parent}
}

// Path renders the full hierarchical path of the key.
func (k *Key) Path() string {
	if k == nil {
		return ""
	}

	if k.Parent == nil {
		return k.Kind + "/" + k.Name
	}

	return k.Parent.Path() + "/" + k.Kind + "/" + k.Name
}

func (k *Key) String() string {
	return k.Path()
}

// Valid reports whether every component is non-empty and separator-free.
func (k *Key) Valid() bool {
	for cur := k; cur != nil; cur = cur.Parent {
		if cur.Kind == "" || cur.Name == "" {
			return false
		}

		if strings.Contains(cur.Kind, "/") || strings.Contains(cur.Name, "/") {
			return false
		}
	}

	return k != nil
}

// Equal reports whether two keys address the same document.
func (k *Key) Equal(other *Key) bool {
	if k == nil || other == nil {
		return k == other
	}

	return k.Path() == other.Path()
}

// ParseKey rebuilds a key from its path form.
func ParseKey(path string) (*Key, error) {
	parts := strings.Split(path, "/")
	if len(parts) == 0 || len(parts)%2 != 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, path)
	}

	var key *Key

	for i := 0; i < len(parts); i += 2 {
		if parts[i] == "" || parts[i+1] == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidKey, path)
		}

		key = NewKey(parts[i], parts[i+1], key)
	}

	return key, nil
}
