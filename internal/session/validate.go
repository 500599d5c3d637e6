package session

import (
	"fmt"
	"regexp"
)

// Session names become directory names under ~/.chatlink/sessions, so the
// charset is restricted to lowercase path-safe characters.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,64}$`)

// ValidateName reports whether name is usable as a session name.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("invalid session name %q: want 1-64 chars of [a-z0-9_-]", name)
	}
	return nil
}
