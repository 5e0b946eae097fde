// Package uuid generates the opaque identifiers used for sessions and records.
package uuid

import "github.com/google/uuid"

// New returns a random (version 4) UUID string.
func New() string {
	return uuid.NewString()
}
