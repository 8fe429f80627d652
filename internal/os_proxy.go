package internal

import (
	"os"
)

// OsProxy defines the subset of os package functions the uploader touches directly.
type OsProxy interface {
	Stat(name string) (os.FileInfo, error)
	Open(name string) (*os.File, error)
	Remove(name string) error
}

// RealOS is the default implementation that delegates to the real os package.
type RealOS struct{}

func (RealOS) Stat(name string) (os.FileInfo, error) { return os.Stat(name) }   //nolint:revive
func (RealOS) Open(name string) (*os.File, error)    { return os.Open(name) }   //nolint:revive
func (RealOS) Remove(name string) error              { return os.Remove(name) } //nolint:revive
