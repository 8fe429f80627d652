// Package subprocess runs a child process, feeds it input and captures its output with a
// single epoll loop, then reaps it and collects its resource usage.
package subprocess

import (
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	"golang.org/x/sys/unix"
)

const (
	readBufferSize = 192 << 10
	maxSpliceChunk = 1 << 30
	maxEvents      = 4
)

// Runner starts child processes. It keeps no per-run state, so one Runner can be shared
// between goroutines.
type Runner struct {
	logger  log.Logger
	envRepo env.Repository

	lookPath     func(string) (string, error)
	forceSigchld bool
	spliceChunk  int64
}

// NewRunner ...
func NewRunner(logger log.Logger, envRepo env.Repository) *Runner {
	return &Runner{
		logger:      logger,
		envRepo:     envRepo,
		lookPath:    exec.LookPath,
		spliceChunk: maxSpliceChunk,
	}
}

// Run starts the child described by inv, streams inv.Input to it and collects its output
// until both output pipes are closed, then reaps it.
//
// A child that exits non-zero or dies from a signal is not an error: check
// Result.Successful. Run returns an error when the child could not be set up, and
// ctx.Err() alongside the result when the child was killed because ctx ended.
func (r *Runner) Run(ctx context.Context, inv Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if rng, ok := inv.Input.(FileRangeInput); ok && (rng.Beg < 0 || rng.End < rng.Beg) {
		return nil, &SetupError{Op: "input", Err: unix.EINVAL}
	}

	path, err := r.lookPath(inv.Command)
	if err != nil {
		return nil, &SetupError{Op: "lookup", Err: err}
	}

	var pipes [3]pipe
	defer func() {
		for _, p := range pipes {
			p.Close()
		}
	}()
	for i := range pipes {
		if pipes[i], err = newPipe(); err != nil {
			return nil, &SetupError{Op: "pipe", Err: err}
		}
	}
	stdin, stdout, stderr := pipes[0], pipes[1], pipes[2]

	ep, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &SetupError{Op: "epoll_create", Err: err}
	}
	epfd := newFd(ep)
	defer func() { _ = epfd.Close() }()

	var notifier exitNotifier
	if r.forceSigchld || !pidfdSupported() {
		n, err := newSigchldNotifier()
		if err != nil {
			return nil, &SetupError{Op: "eventfd", Err: err}
		}
		notifier = n
	} else {
		notifier = &pidfdNotifier{}
	}
	defer func() { _ = notifier.Close() }()

	argv := append([]string{inv.Command}, inv.Args...)
	pid, err := syscall.ForkExec(path, argv, &syscall.ProcAttr{
		Dir:   inv.Dir,
		Env:   r.envRepo.List(),
		Files: []uintptr{uintptr(stdin.r.n), uintptr(stdout.w.n), uintptr(stderr.w.n)},
	})
	if err != nil {
		return nil, &SetupError{Op: "fork/exec", Err: err}
	}

	_ = stdin.r.Close()
	_ = stdout.w.Close()
	_ = stderr.w.Close()

	if err := notifier.attach(pid); err != nil {
		r.abandon(pid)
		return nil, &SetupError{Op: "pidfd_open", Err: err}
	}

	s := &session{
		logger:   r.logger,
		epfd:     epfd.n,
		stdin:    stdin.w,
		stdout:   stdout.r,
		stderr:   stderr.r,
		notifier: notifier,
		input:    inv.Input,
		chunk:    r.spliceChunk,
		buf:      make([]byte, readBufferSize),
	}
	if rng, ok := inv.Input.(FileRangeInput); ok {
		s.spliceOff = rng.Beg
	}
	if err := s.register(); err != nil {
		r.abandon(pid)
		return nil, &SetupError{Op: "epoll_ctl", Err: err}
	}

	wd := &watchdog{kill: notifier.kill}
	stop := context.AfterFunc(ctx, wd.fire)

	loopErr := s.loop()
	if loopErr != nil {
		// The loop only fails if epoll itself breaks; make sure the reap below returns.
		r.logger.Errorf("Supervising %s (pid %d) failed: %s", inv.Command, pid, loopErr)
		_ = notifier.kill()
	}

	ws, ru, err := wd.reap(pid)
	stop()
	if err != nil {
		return nil, &SetupError{Op: "wait4", Err: err}
	}

	res := &Result{
		Invocation: inv,
		Pid:        pid,
		Stdout:     s.out,
		Stderr:     s.errOut,
		Status:     newExitStatus(ws),
		Usage:      newUsage(&ru),
		Killed:     wd.fired,
	}
	if loopErr != nil {
		return res, &SetupError{Op: "epoll_wait", Err: loopErr}
	}
	if res.Killed {
		return res, ctx.Err()
	}
	return res, nil
}

// abandon kills and reaps a child that cannot be supervised.
func (r *Runner) abandon(pid int) {
	_ = unix.Kill(pid, unix.SIGKILL)
	var ws unix.WaitStatus
	for {
		_, err := unix.Wait4(pid, &ws, 0, nil)
		if !errors.Is(err, unix.EINTR) {
			return
		}
	}
}

// watchdog kills the child when the run's context ends. It never signals after the reap.
type watchdog struct {
	mu     sync.Mutex
	kill   func() error
	reaped bool
	fired  bool
}

func (w *watchdog) fire() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.reaped {
		return
	}
	w.fired = true
	_ = w.kill()
}

// reap waits for the child without reaping it first, so that a concurrent kill only ever
// hits our child or its zombie, then collects its status and usage.
func (w *watchdog) reap(pid int) (unix.WaitStatus, unix.Rusage, error) {
	var (
		ws   unix.WaitStatus
		ru   unix.Rusage
		info unix.Siginfo
	)
	for {
		err := unix.Waitid(unix.P_PID, pid, &info, unix.WEXITED|unix.WNOWAIT, nil)
		if err == nil {
			break
		}
		if !errors.Is(err, unix.EINTR) {
			return ws, ru, err
		}
	}

	w.mu.Lock()
	w.reaped = true
	w.mu.Unlock()

	for {
		got, err := unix.Wait4(pid, &ws, 0, &ru)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return ws, ru, err
		}
		if got != pid {
			return ws, ru, errors.New("wait4 returned wrong pid")
		}
		return ws, ru, nil
	}
}
