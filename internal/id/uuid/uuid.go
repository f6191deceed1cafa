// Package uuid provides run identifiers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/JakeFAU/crypko-downloader/internal/download"
)

var _ download.IDGenerator = (*Generator)(nil)

// Generator creates UUIDv7 strings. v7 ids sort by creation time, so run ids
// in aggregated logs line up with wall-clock order.
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
