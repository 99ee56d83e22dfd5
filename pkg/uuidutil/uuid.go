// Package uuidutil generates identifiers for devices, boots and log records.
package uuidutil

import "github.com/google/uuid"

// NewV4 generates a random UUID v4 string.
func NewV4() string {
	return uuid.NewString()
}

// NewV7 generates a time-ordered UUID v7 string. Log record IDs use it so
// lexical order follows append order.
func NewV7() string {
	id, err := uuid.NewV7()
	if err != nil {
		// uuid.NewV7 only fails when the random source does.
		panic("ibgate: uuid v7: " + err.Error())
	}
	return id.String()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	return uuid.Validate(s) == nil
}
