package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string for use as a session identifier.
func NewID() string {
	return ulid.Make().String()
}

// ValidID reports whether s is a well-formed session identifier. Workspace
// directories are named after session ids, so anything else found under the
// workspace root was not created by kiln.
func ValidID(s string) bool {
	_, err := ulid.ParseStrict(s)
	return err == nil
}
