package subprocess

import (
	"errors"

	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sys/unix"
)

// session is the state of one supervised child while its pipes are open.
type session struct {
	logger   log.Logger
	epfd     int
	stdin    *fd
	stdout   *fd
	stderr   *fd
	notifier exitNotifier

	input     Input
	written   int
	spliceOff int64
	chunk     int64

	buf    []byte
	out    []byte
	errOut []byte

	exited bool
}

func (s *session) register() error {
	if s.input == nil || s.input.size() == 0 {
		_ = s.stdin.Close()
	}

	for _, f := range []*fd{s.stdin, s.stdout, s.stderr} {
		if !f.valid() {
			continue
		}
		if err := unix.SetNonblock(f.n, true); err != nil {
			return err
		}
	}

	if s.stdin.valid() {
		if err := s.add(s.stdin.n, unix.EPOLLOUT); err != nil {
			return err
		}
	}
	if err := s.add(s.stdout.n, unix.EPOLLIN); err != nil {
		return err
	}
	if err := s.add(s.stderr.n, unix.EPOLLIN); err != nil {
		return err
	}
	return s.add(s.notifier.pollFd(), unix.EPOLLIN)
}

func (s *session) add(n int, events uint32) error {
	return unix.EpollCtl(s.epfd, unix.EPOLL_CTL_ADD, n, &unix.EpollEvent{Events: events, Fd: int32(n)})
}

// drop deregisters and closes a pipe end.
func (s *session) drop(f *fd) {
	if !f.valid() {
		return
	}
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, f.n, nil)
	_ = f.Close()
}

func (s *session) open() bool {
	return s.stdin.valid() || s.stdout.valid() || s.stderr.valid()
}

func (s *session) loop() error {
	events := make([]unix.EpollEvent, maxEvents)

	for s.open() {
		n, err := unix.EpollWait(s.epfd, events, -1)
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return err
		}

		for _, ev := range events[:n] {
			switch int(ev.Fd) {
			case s.stdin.n:
				if s.stdin.valid() {
					s.feed()
				}
			case s.stdout.n:
				if s.stdout.valid() {
					s.out = s.drain(s.stdout, s.out, "stdout")
				}
			case s.stderr.n:
				if s.stderr.valid() {
					s.errOut = s.drain(s.stderr, s.errOut, "stderr")
				}
			case s.notifier.pollFd():
				s.onExitEvent()
			}
		}
	}

	return nil
}

func (s *session) onExitEvent() {
	exited, err := s.notifier.exited()
	if err != nil {
		s.logger.Warnf("Child exit notification failed: %s", err)
		_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, s.notifier.pollFd(), nil)
		return
	}
	if !exited {
		return
	}

	// A pidfd stays readable after exit.
	s.exited = true
	_ = unix.EpollCtl(s.epfd, unix.EPOLL_CTL_DEL, s.notifier.pollFd(), nil)
	s.logger.Debugf("Child exited, waiting for its pipes to drain")
}

// feed writes as much pending input as the pipe accepts.
func (s *session) feed() {
	for s.stdin.valid() {
		var (
			n   int
			err error
		)
		switch in := s.input.(type) {
		case BytesInput:
			n, err = unix.Write(s.stdin.n, in[s.written:])
			if n > 0 {
				s.written += n
			}
			if err == nil && s.written >= len(in) {
				s.drop(s.stdin)
				return
			}
		case FileRangeInput:
			chunk := in.End - s.spliceOff
			if chunk > s.chunk {
				chunk = s.chunk
			}
			var m int64
			m, err = unix.Splice(int(in.File.Fd()), &s.spliceOff, s.stdin.n, nil, int(chunk),
				unix.SPLICE_F_NONBLOCK|unix.SPLICE_F_MOVE)
			if err == nil && m == 0 {
				s.logger.Warnf("Input file %s ended early at offset %d", in.File.Name(), s.spliceOff)
				s.drop(s.stdin)
				return
			}
			if err == nil && s.spliceOff >= in.End {
				s.drop(s.stdin)
				return
			}
		default:
			s.drop(s.stdin)
			return
		}

		switch {
		case err == nil:
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return
		case errors.Is(err, unix.EPIPE):
			// The child closed its stdin; whatever it did not read is discarded.
			s.drop(s.stdin)
			return
		default:
			s.logger.Warnf("Writing child stdin failed: %s", err)
			s.drop(s.stdin)
			return
		}
	}
}

// drain reads everything currently available from f into dst. EOF or an error closes f.
func (s *session) drain(f *fd, dst []byte, name string) []byte {
	for {
		n, err := unix.Read(f.n, s.buf)
		if n > 0 {
			dst = append(dst, s.buf[:n]...)
			continue
		}
		switch {
		case err == nil:
			s.drop(f)
			return dst
		case errors.Is(err, unix.EINTR):
		case errors.Is(err, unix.EAGAIN):
			return dst
		default:
			s.logger.Warnf("Reading child %s failed: %s", name, err)
			s.drop(f)
			return dst
		}
	}
}
