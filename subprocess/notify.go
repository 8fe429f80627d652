package subprocess

import (
	"encoding/binary"
	"errors"
	"os"
	"os/signal"
	"sync"

	"golang.org/x/sys/unix"
)

// exitNotifier exposes a pollable descriptor that becomes readable once the child may have
// terminated. It never reaps the child.
type exitNotifier interface {
	// attach binds the notifier to the spawned child.
	attach(pid int) error
	pollFd() int
	// exited consumes the pending event and reports whether the child is now waitable.
	exited() (bool, error)
	kill() error
	Close() error
}

var (
	pidfdOnce      sync.Once
	pidfdAvailable bool
)

func pidfdSupported() bool {
	pidfdOnce.Do(func() {
		n, err := unix.PidfdOpen(os.Getpid(), 0)
		if err == nil {
			_ = unix.Close(n)
			pidfdAvailable = true
		}
	})
	return pidfdAvailable
}

// pidfdNotifier uses a process descriptor, which turns readable when the child exits and
// stays readable afterwards.
type pidfdNotifier struct {
	pidfd *fd
}

func (n *pidfdNotifier) attach(pid int) error {
	p, err := unix.PidfdOpen(pid, 0)
	if err != nil {
		return err
	}
	n.pidfd = newFd(p)
	return nil
}

func (n *pidfdNotifier) pollFd() int {
	return n.pidfd.n
}

func (n *pidfdNotifier) exited() (bool, error) {
	return true, nil
}

func (n *pidfdNotifier) kill() error {
	err := unix.PidfdSendSignal(n.pidfd.n, unix.SIGKILL, nil, 0)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (n *pidfdNotifier) Close() error {
	return n.pidfd.Close()
}

// sigchldNotifier is used on kernels without pidfd_open. It turns SIGCHLD deliveries into
// eventfd increments; since SIGCHLD is not per child, every event is checked with a
// non-reaping waitid.
type sigchldNotifier struct {
	efd  *fd
	sigs chan os.Signal
	done chan struct{}
	wg   sync.WaitGroup
	pid  int
}

// newSigchldNotifier must be called before the child is forked so its SIGCHLD is not missed.
func newSigchldNotifier() (*sigchldNotifier, error) {
	e, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, err
	}

	n := &sigchldNotifier{
		efd:  newFd(e),
		sigs: make(chan os.Signal, 1),
		done: make(chan struct{}),
	}
	signal.Notify(n.sigs, unix.SIGCHLD)

	n.wg.Add(1)
	go n.forward()

	return n, nil
}

func (n *sigchldNotifier) forward() {
	defer n.wg.Done()

	var one [8]byte
	binary.LittleEndian.PutUint64(one[:], 1)
	for {
		select {
		case <-n.sigs:
			for {
				_, err := unix.Write(n.efd.n, one[:])
				if !errors.Is(err, unix.EINTR) {
					break
				}
			}
		case <-n.done:
			return
		}
	}
}

func (n *sigchldNotifier) attach(pid int) error {
	n.pid = pid
	return nil
}

func (n *sigchldNotifier) pollFd() int {
	return n.efd.n
}

func (n *sigchldNotifier) exited() (bool, error) {
	var buf [8]byte
	for {
		_, err := unix.Read(n.efd.n, buf[:])
		if err == nil || errors.Is(err, unix.EAGAIN) {
			break
		}
		if !errors.Is(err, unix.EINTR) {
			return false, err
		}
	}

	var info unix.Siginfo
	for {
		err := unix.Waitid(unix.P_PID, n.pid, &info, unix.WEXITED|unix.WNOHANG|unix.WNOWAIT, nil)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EINTR) {
			return false, err
		}
	}
	return info.Signo == int32(unix.SIGCHLD), nil
}

func (n *sigchldNotifier) kill() error {
	err := unix.Kill(n.pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

func (n *sigchldNotifier) Close() error {
	signal.Stop(n.sigs)
	close(n.done)
	n.wg.Wait()
	return n.efd.Close()
}
