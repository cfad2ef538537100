package models

import "github.com/google/uuid"

// NewID returns a time-ordered UUIDv7 string.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// IsID reports whether s parses as a UUID.
func IsID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
