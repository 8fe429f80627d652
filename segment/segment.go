// Package segment copies byte ranges of an open file into other files or descriptors using
// sendfile(2), and materializes ranges as staged temporary files.
package segment

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/blackav/aws-uploader/tempfile"
	"golang.org/x/sys/unix"
)

// MaxCopyChunk bounds a single sendfile call; well under the kernel's per-call limit.
const MaxCopyChunk = 1 << 30

// ErrInvalidRange is returned for ranges that are reversed or reach past the end of the source.
var ErrInvalidRange = errors.New("invalid byte range")

// ExtractError ...
type ExtractError struct {
	Op   string
	Path string
	Err  error
}

func (e *ExtractError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("extract %s: %s", e.Op, e.Err)
	}
	return fmt.Sprintf("extract %s %s: %s", e.Op, e.Path, e.Err)
}

func (e *ExtractError) Unwrap() error {
	return e.Err
}

// ExtractTo copies src[beg:end) to the current position of dst. dst may be a regular file or
// a pipe. An empty range is a no-op.
func ExtractTo(dst, src *os.File, beg, end int64) error {
	return extractTo(dst, src, beg, end, MaxCopyChunk)
}

func extractTo(dst, src *os.File, beg, end, chunk int64) error {
	if end == beg {
		return nil
	}
	if err := checkRange(src, beg, end); err != nil {
		return err
	}

	dstFd := int(dst.Fd())
	srcFd := int(src.Fd())
	off := beg
	remaining := end - beg

	for remaining > 0 {
		port := remaining
		if port > chunk {
			port = chunk
		}

		for port > 0 {
			n, err := unix.Sendfile(dstFd, srcFd, &off, int(port))
			if err != nil {
				if errors.Is(err, unix.EINTR) {
					continue
				}
				if errors.Is(err, unix.EAGAIN) {
					if err := waitWritable(dstFd); err != nil {
						return &ExtractError{Op: "poll", Path: dst.Name(), Err: err}
					}
					continue
				}
				return &ExtractError{Op: "sendfile", Path: dst.Name(), Err: err}
			}
			if n == 0 {
				// The range was checked against the file size, so the source cannot be at EOF.
				panic(fmt.Sprintf("sendfile made no progress copying %s at offset %d", src.Name(), off))
			}
			port -= int64(n)
			remaining -= int64(n)
		}
	}

	return nil
}

// ExtractFile materializes src[beg:end) as a new file at path. The file must not exist yet.
// On any failure the partially written file is removed.
func ExtractFile(path string, src *os.File, beg, end int64) error {
	return extractFile(path, src, beg, end, MaxCopyChunk)
}

func extractFile(path string, src *os.File, beg, end, chunk int64) error {
	if end < beg {
		return &ExtractError{Op: "range", Path: path, Err: ErrInvalidRange}
	}

	dst, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL|os.O_TRUNC, 0600)
	if err != nil {
		return &ExtractError{Op: "create", Path: path, Err: err}
	}

	return fill(dst, src, beg, end, chunk)
}

// fill sizes dst, copies the range into it, flushes it to disk and closes it. dst is removed
// unless every step succeeded.
func fill(dst *os.File, src *os.File, beg, end, chunk int64) (err error) {
	path := dst.Name()
	defer func() {
		if cerr := dst.Close(); cerr != nil && err == nil {
			err = &ExtractError{Op: "close", Path: path, Err: cerr}
		}
		if err != nil {
			_ = os.Remove(path)
		}
	}()

	if err := dst.Truncate(end - beg); err != nil {
		return &ExtractError{Op: "truncate", Path: path, Err: err}
	}
	if err := extractTo(dst, src, beg, end, chunk); err != nil {
		return err
	}
	if err := dst.Sync(); err != nil {
		return &ExtractError{Op: "fsync", Path: path, Err: err}
	}

	return nil
}

// Segment is a temporary file holding one byte range of a larger file.
type Segment struct {
	Path string
	Beg  int64
	End  int64

	removed bool
}

// Size ...
func (s *Segment) Size() int64 {
	return s.End - s.Beg
}

// Remove deletes the staged file. Calling it more than once is safe, and a call after a
// failed one tries again.
func (s *Segment) Remove() error {
	if s == nil || s.removed {
		return nil
	}
	if err := os.Remove(s.Path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	s.removed = true
	return nil
}

// Stage copies src[beg:end) into a new uniquely named file inside dir.
func Stage(namer *tempfile.Namer, dir string, src *os.File, beg, end int64) (*Segment, error) {
	if end < beg {
		return nil, &ExtractError{Op: "range", Err: ErrInvalidRange}
	}

	dst, err := namer.CreateUniqueFile(dir)
	if err != nil {
		return nil, err
	}

	path := dst.Name()
	if err := fill(dst, src, beg, end, MaxCopyChunk); err != nil {
		return nil, err
	}

	return &Segment{Path: path, Beg: beg, End: end}, nil
}

// Dirname returns the directory part of path including the trailing slash, or "./" when path
// has no slash.
func Dirname(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "./"
	}
	return path[:i+1]
}

func checkRange(src *os.File, beg, end int64) error {
	if beg < 0 || end < beg {
		return &ExtractError{Op: "range", Path: src.Name(), Err: ErrInvalidRange}
	}

	info, err := src.Stat()
	if err != nil {
		return &ExtractError{Op: "stat", Path: src.Name(), Err: err}
	}
	if info.Mode().IsRegular() && end > info.Size() {
		return &ExtractError{
			Op:   "range",
			Path: src.Name(),
			Err:  fmt.Errorf("%w: [%d, %d) exceeds size %d", ErrInvalidRange, beg, end, info.Size()),
		}
	}

	return nil
}

func waitWritable(fd int) error {
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	for {
		_, err := unix.Poll(fds, -1)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		return err
	}
}
