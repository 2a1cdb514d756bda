package users

import (
	"fmt"
	"strings"
)

// Identity is the logical user behind one connection.
type Identity struct {
	UserID    string
	Username  string
	Email     string
	Anonymous bool
}

// AnonymousNames is the display-name pool for connections without a valid credential.
var AnonymousNames = []string{
	"Anonymous Fox",
	"Anonymous Owl",
	"Anonymous Otter",
	"Anonymous Panda",
	"Anonymous Koala",
	"Anonymous Heron",
	"Anonymous Lynx",
	"Anonymous Badger",
	"Anonymous Falcon",
	"Anonymous Walrus",
}

// UniqueAnonymousName keeps preferred when nobody in the room uses it, then
// tries the pool in order, then numbers the preferred name.
func UniqueAnonymousName(preferred string, taken func(name string) bool) string {
	if taken == nil || !taken(preferred) {
		return preferred
	}
	for _, name := range AnonymousNames {
		if !taken(name) {
			return name
		}
	}
	for suffix := 2; ; suffix++ {
		candidate := fmt.Sprintf("%s %d", preferred, suffix)
		if !taken(candidate) {
			return candidate
		}
	}
}

// normalize value helper used across the package.
func normalize(value string) string {
	return strings.TrimSpace(value)
}
