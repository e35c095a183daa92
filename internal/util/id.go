package util

import "github.com/google/uuid"

// NewID returns a random UUID string used for all entity identities.
func NewID() string {
	return uuid.NewString()
}
