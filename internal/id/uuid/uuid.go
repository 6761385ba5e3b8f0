// Package uuid generates job and request identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID strings. Job IDs are v7 so they sort by creation
// time; request IDs are random v4.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a UUIDv7 string.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// NewRequestID returns a UUIDv4 string for correlating HTTP requests.
func (Generator) NewRequestID() string {
	return uuid.NewString()
}
