// Package uuid issues job identifiers backed by google/uuid.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator hands out UUIDv7 strings. v7 embeds the creation time, so ids
// listed lexically come back in submission order.
type Generator struct{}

// New returns a Generator.
func New() Generator { return Generator{} }

// NewID implements pipeline.IDGenerator.
func (Generator) NewID() (string, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("new job id: %w", err)
	}
	return u.String(), nil
}
