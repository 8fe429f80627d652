package subprocess

import "golang.org/x/sys/unix"

// fd owns a raw descriptor. Close is idempotent.
type fd struct {
	n int
}

func newFd(n int) *fd {
	return &fd{n: n}
}

func (f *fd) valid() bool {
	return f != nil && f.n >= 0
}

func (f *fd) Close() error {
	if !f.valid() {
		return nil
	}
	err := unix.Close(f.n)
	f.n = -1
	return err
}

type pipe struct {
	r *fd
	w *fd
}

func newPipe() (pipe, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return pipe{}, err
	}
	return pipe{r: newFd(p[0]), w: newFd(p[1])}, nil
}

func (p pipe) Close() {
	_ = p.r.Close()
	_ = p.w.Close()
}
