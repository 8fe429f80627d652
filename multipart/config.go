package multipart

import (
	"fmt"

	"github.com/docker/go-units"
)

const (
	// DefaultPartSize is the size of every part but the last.
	DefaultPartSize = 512 * units.MiB
	// DefaultMinPartSize is the smallest tail allowed to stand as its own part.
	DefaultMinPartSize = 128 * units.MiB
)

// Config holds configuration for the uploader.
type Config struct {
	// PartSize is the size of each part except the last one.
	// Default: 512 MiB
	PartSize int64

	// MinPartSize is the smallest size a trailing part may have; a shorter tail is merged into
	// the part before it. 0 disables merging.
	// Default: 128 MiB
	MinPartSize int64

	// TempDir is where staged parts and the part manifest are written.
	// Default: the directory of the input file
	TempDir string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		PartSize:    DefaultPartSize,
		MinPartSize: DefaultMinPartSize,
	}
}

// Validate checks that 0 <= MinPartSize <= PartSize. A MinPartSize of 0 disables merging of
// short tails.
func (c Config) Validate() error {
	if c.PartSize <= 0 {
		return fmt.Errorf("part size must be positive, got %d", c.PartSize)
	}
	if c.MinPartSize < 0 {
		return fmt.Errorf("minimum part size must not be negative, got %d", c.MinPartSize)
	}
	if c.MinPartSize > c.PartSize {
		return fmt.Errorf("minimum part size %d exceeds part size %d", c.MinPartSize, c.PartSize)
	}
	return nil
}
