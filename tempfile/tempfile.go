// Package tempfile creates uniquely named temporary files without relying on locking:
// uniqueness comes from random names and exclusive creation.
package tempfile

import (
	"encoding/base32"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
)

const (
	// DefaultMaxRetries is the number of extra attempts made after a name collision.
	DefaultMaxRetries = 5

	// FallbackDir is used when neither the caller nor the environment names a directory.
	FallbackDir = "/tmp"

	runtimeDirEnvKey = "XDG_RUNTIME_DIR"
	tmpDirEnvKey     = "TMPDIR"

	randomKeySize = 16
)

// ErrNamingExhausted is returned when every attempt to pick a fresh name collided with an
// existing file. Usually a sign of a misconfigured directory rather than bad luck.
var ErrNamingExhausted = errors.New("too many attempts at opening temporary file")

var nameEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// Namer ...
type Namer struct {
	rand       io.Reader
	envRepo    env.Repository
	logger     log.Logger
	maxRetries int
}

// Option ...
type Option func(*Namer)

// WithMaxRetries overrides DefaultMaxRetries.
func WithMaxRetries(n int) Option {
	return func(n2 *Namer) {
		if n >= 0 {
			n2.maxRetries = n
		}
	}
}

// NewNamer creates a Namer reading its randomness from rand (crypto/rand.Reader in production).
func NewNamer(rand io.Reader, envRepo env.Repository, logger log.Logger, opts ...Option) *Namer {
	n := &Namer{
		rand:       rand,
		envRepo:    envRepo,
		logger:     logger,
		maxRetries: DefaultMaxRetries,
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// ResolveDir returns dir if it is set, otherwise $XDG_RUNTIME_DIR, $TMPDIR or FallbackDir.
func (n *Namer) ResolveDir(dir string) string {
	if dir != "" {
		return dir
	}
	if s := n.envRepo.Get(runtimeDirEnvKey); s != "" {
		return s
	}
	if s := n.envRepo.Get(tmpDirEnvKey); s != "" {
		return s
	}
	return FallbackDir
}

// NewName returns a random, filesystem safe file name.
func (n *Namer) NewName() (string, error) {
	key := make([]byte, randomKeySize)
	if _, err := io.ReadFull(n.rand, key); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return nameEncoding.EncodeToString(key), nil
}

// CreateUniqueFile creates a new file with a random name in the resolved directory.
// The file is opened for writing with 0600 permissions; the caller owns the descriptor
// and the path (f.Name()).
func (n *Namer) CreateUniqueFile(dir string) (*os.File, error) {
	dir = n.ResolveDir(dir)

	for attempt := 0; ; attempt++ {
		name, err := n.NewName()
		if err != nil {
			return nil, err
		}

		path := joinPath(dir, name)
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_TRUNC, 0600)
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, fmt.Errorf("create temporary file: %w", err)
		}
		if attempt >= n.maxRetries {
			return nil, fmt.Errorf("%s: %w", dir, ErrNamingExhausted)
		}
		n.logger.Debugf("Temporary file name collision: %s", path)
	}
}

func joinPath(dir, name string) string {
	if strings.HasSuffix(dir, "/") {
		return dir + name
	}
	return filepath.Join(dir, name)
}
