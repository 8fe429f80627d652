package subprocess

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"
)

// Input is what the child reads on its standard input: BytesInput or FileRangeInput.
type Input interface {
	size() int64
}

// BytesInput feeds an in-memory buffer to the child.
type BytesInput []byte

func (b BytesInput) size() int64 { return int64(len(b)) }

// FileRangeInput feeds File[Beg:End) to the child without copying it through user space.
// The file offset of File is not used or changed.
type FileRangeInput struct {
	File *os.File
	Beg  int64
	End  int64
}

func (r FileRangeInput) size() int64 { return r.End - r.Beg }

// Invocation describes a single child process run.
type Invocation struct {
	Command string
	Args    []string
	Dir     string
	// Input may be nil, in which case the child sees EOF on stdin immediately.
	Input Input
}

// PrintableCommandArgs ...
func (inv Invocation) PrintableCommandArgs() string {
	return strings.Join(append([]string{inv.Command}, inv.Args...), " ")
}

// ExitStatus is how the child terminated.
type ExitStatus struct {
	Exited   bool
	Code     int
	Signaled bool
	Signal   unix.Signal
}

func newExitStatus(ws unix.WaitStatus) ExitStatus {
	s := ExitStatus{Exited: ws.Exited(), Signaled: ws.Signaled()}
	if s.Exited {
		s.Code = ws.ExitStatus()
	}
	if s.Signaled {
		s.Signal = ws.Signal()
	}
	return s
}

func (s ExitStatus) String() string {
	switch {
	case s.Exited:
		return fmt.Sprintf("exit status %d", s.Code)
	case s.Signaled:
		return fmt.Sprintf("signal: %s", s.Signal)
	default:
		return "unknown status"
	}
}

// Usage is the resource usage of the reaped child.
type Usage struct {
	UserTime   time.Duration
	SystemTime time.Duration

	// MaxRSS is in kilobytes.
	MaxRSS                 int64
	VoluntaryCtxSwitches   int64
	InvoluntaryCtxSwitches int64
}

func newUsage(ru *unix.Rusage) Usage {
	return Usage{
		UserTime:               time.Duration(ru.Utime.Nano()),
		SystemTime:             time.Duration(ru.Stime.Nano()),
		MaxRSS:                 ru.Maxrss,
		VoluntaryCtxSwitches:   ru.Nvcsw,
		InvoluntaryCtxSwitches: ru.Nivcsw,
	}
}

// String renders the usage as " utime=.. stime=.. maxrss=.. nvcsw=.. nivcsw=..", times in
// milliseconds, suitable for appending to a diagnostic line.
func (u Usage) String() string {
	return fmt.Sprintf(" utime=%d stime=%d maxrss=%d nvcsw=%d nivcsw=%d",
		u.UserTime.Milliseconds(), u.SystemTime.Milliseconds(), u.MaxRSS,
		u.VoluntaryCtxSwitches, u.InvoluntaryCtxSwitches)
}

// Result holds everything captured from one child.
type Result struct {
	Invocation Invocation
	Pid        int
	Stdout     []byte
	Stderr     []byte
	Status     ExitStatus
	Usage      Usage
	// Killed is set when the child was killed because the run's context ended.
	Killed bool
}

// Successful reports whether the child exited normally with status 0.
func (r *Result) Successful() bool {
	return r.Status.Exited && r.Status.Code == 0
}

// ExitError returns nil for a successful child, otherwise an *ExitError describing it.
func (r *Result) ExitError() error {
	if r.Successful() {
		return nil
	}
	return &ExitError{Command: r.Invocation.PrintableCommandArgs(), Status: r.Status, Stderr: r.Stderr}
}

// ExitError reports a child that ran but did not succeed.
type ExitError struct {
	Command string
	Status  ExitStatus
	Stderr  []byte
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("%s: %s", e.Command, e.Status)
}

// SetupError is returned when the child could not be started or supervised.
type SetupError struct {
	Op  string
	Err error
}

func (e *SetupError) Error() string {
	return fmt.Sprintf("subprocess %s: %s", e.Op, e.Err)
}

func (e *SetupError) Unwrap() error {
	return e.Err
}
