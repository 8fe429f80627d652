// Package checksum computes the Content-MD5 value of a byte range of a file.
package checksum

import (
	"crypto/md5"
	"encoding/base64"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MaxWindow is the largest region mapped at once.
const MaxWindow = 64 << 20

// MD5Base64Range returns base64(md5(f[beg:end))), the form S3 expects in Content-MD5.
func MD5Base64Range(f *os.File, beg, end int64) (string, error) {
	sum, err := MD5Range(f, beg, end)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sum), nil
}

// MD5Range returns the raw MD5 digest of f[beg:end).
func MD5Range(f *os.File, beg, end int64) ([]byte, error) {
	if beg < 0 || end < beg {
		return nil, fmt.Errorf("checksum %s: invalid range [%d, %d)", f.Name(), beg, end)
	}
	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("checksum %s: %w", f.Name(), err)
	}
	// Touching a mapping past EOF raises SIGBUS.
	if end > info.Size() {
		return nil, fmt.Errorf("checksum %s: range end %d exceeds size %d", f.Name(), end, info.Size())
	}

	h := md5.New()
	pageMask := int64(unix.Getpagesize() - 1)
	fd := int(f.Fd())

	for beg < end {
		mapOff := beg &^ pageMask
		length := end - mapOff
		if length > MaxWindow {
			length = MaxWindow
		}

		data, err := unix.Mmap(fd, mapOff, int(length), unix.PROT_READ, unix.MAP_SHARED)
		if err != nil {
			return nil, fmt.Errorf("checksum %s: mmap at %d: %w", f.Name(), mapOff, err)
		}
		_ = unix.Madvise(data, unix.MADV_SEQUENTIAL)

		h.Write(data[beg-mapOff:])
		beg = mapOff + length

		if err := unix.Munmap(data); err != nil {
			return nil, fmt.Errorf("checksum %s: munmap: %w", f.Name(), err)
		}
	}

	return h.Sum(nil), nil
}
