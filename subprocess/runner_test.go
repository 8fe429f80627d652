package subprocess

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/bitrise-io/go-utils/v2/log"
	testutil "github.com/blackav/aws-uploader/internal/testing"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newTestRunner() *Runner {
	return NewRunner(log.NewLogger(), env.NewRepository())
}

func patternBytes(size int) []byte {
	b := make([]byte, size)
	for i := range b {
		b[i] = byte(i*31 + i>>12)
	}
	return b
}

func TestRunner_Run_BytesInputRoundTrip(t *testing.T) {
	for _, fallback := range []bool{false, true} {
		t.Run(fmt.Sprintf("sigchld fallback %v", fallback), func(t *testing.T) {
			r := newTestRunner()
			r.forceSigchld = fallback
			input := patternBytes(8 << 20)

			res, err := r.Run(context.Background(), Invocation{Command: "cat", Input: BytesInput(input)})

			require.NoError(t, err)
			require.True(t, res.Successful())
			require.NoError(t, res.ExitError())
			require.True(t, bytes.Equal(input, res.Stdout), "stdout differs from input")
			require.Empty(t, res.Stderr)
			require.Greater(t, res.Pid, 0)
		})
	}
}

func TestRunner_Run_FileRangeInput(t *testing.T) {
	path, data, err := testutil.PatternFile(t.TempDir(), "input.bin", 3<<20+5)
	require.NoError(t, err)
	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { _ = f.Close() }()

	tests := []struct {
		name  string
		beg   int64
		end   int64
		chunk int64
	}{
		{name: "single splice", beg: 1000, end: int64(len(data)) - 3},
		{name: "several splices with short tail", beg: 7, end: 7 + 9*4093 + 123, chunk: 4093},
		{name: "many splices", beg: 1, end: int64(len(data)), chunk: 65521},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner()
			if tt.chunk > 0 {
				r.spliceChunk = tt.chunk
			}

			res, err := r.Run(context.Background(), Invocation{
				Command: "cat",
				Input:   FileRangeInput{File: f, Beg: tt.beg, End: tt.end},
			})

			require.NoError(t, err)
			require.True(t, res.Successful())
			require.True(t, bytes.Equal(data[tt.beg:tt.end], res.Stdout), "stdout differs from the input range")
		})
	}
}

func TestRunner_Run_ReadAllThenWriteBoth(t *testing.T) {
	for _, fallback := range []bool{false, true} {
		t.Run(fmt.Sprintf("sigchld fallback %v", fallback), func(t *testing.T) {
			r := newTestRunner()
			r.forceSigchld = fallback
			input := patternBytes(8 << 20)
			script := `cat >"$0/x"; cat "$0/x"; head -c 1048576 "$0/x" >&2; exit 3`

			res, err := r.Run(context.Background(), Invocation{
				Command: "sh",
				Args:    []string{"-c", script, t.TempDir()},
				Input:   BytesInput(input),
			})

			require.NoError(t, err)
			require.False(t, res.Successful())
			require.Equal(t, ExitStatus{Exited: true, Code: 3}, res.Status)
			require.True(t, bytes.Equal(input, res.Stdout), "stdout differs from input")
			require.True(t, bytes.Equal(input[:1<<20], res.Stderr), "stderr differs from the input prefix")

			var exitErr *ExitError
			require.ErrorAs(t, res.ExitError(), &exitErr)
			require.Equal(t, 3, exitErr.Status.Code)
		})
	}
}

func TestRunner_Run_NoInput(t *testing.T) {
	tests := []struct {
		name  string
		input Input
	}{
		{name: "nil", input: nil},
		{name: "empty buffer", input: BytesInput{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := newTestRunner().Run(context.Background(), Invocation{Command: "cat", Input: tt.input})

			require.NoError(t, err)
			require.True(t, res.Successful())
			require.Empty(t, res.Stdout)
		})
	}
}

func TestRunner_Run_ChildFailures(t *testing.T) {
	tests := []struct {
		name       string
		script     string
		wantStatus ExitStatus
		wantStdout string
		wantStderr string
	}{
		{
			name:       "exit code",
			script:     "echo out; echo err >&2; exit 3",
			wantStatus: ExitStatus{Exited: true, Code: 3},
			wantStdout: "out\n",
			wantStderr: "err\n",
		},
		{
			name:       "exit code 1",
			script:     "exit 1",
			wantStatus: ExitStatus{Exited: true, Code: 1},
		},
		{
			name:       "killed by signal",
			script:     "echo partial; kill -9 $$",
			wantStatus: ExitStatus{Signaled: true, Signal: unix.SIGKILL},
			wantStdout: "partial\n",
		},
	}
	for _, fallback := range []bool{false, true} {
		for _, tt := range tests {
			t.Run(fmt.Sprintf("%s (sigchld fallback %v)", tt.name, fallback), func(t *testing.T) {
				r := newTestRunner()
				r.forceSigchld = fallback

				res, err := r.Run(context.Background(), Invocation{Command: "sh", Args: []string{"-c", tt.script}})

				require.NoError(t, err)
				require.False(t, res.Successful())
				require.Equal(t, tt.wantStatus, res.Status)
				require.Equal(t, tt.wantStdout, string(res.Stdout))
				require.Equal(t, tt.wantStderr, string(res.Stderr))

				var exitErr *ExitError
				require.ErrorAs(t, res.ExitError(), &exitErr)
				require.Equal(t, tt.wantStatus, exitErr.Status)
			})
		}
	}
}

func TestRunner_Run_ChildIgnoresInput(t *testing.T) {
	res, err := newTestRunner().Run(context.Background(), Invocation{
		Command: "true",
		Input:   BytesInput(patternBytes(4 << 20)),
	})

	require.NoError(t, err)
	require.True(t, res.Successful())
}

func TestRunner_Run_Dir(t *testing.T) {
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	res, err := newTestRunner().Run(context.Background(), Invocation{Command: "pwd", Dir: dir})

	require.NoError(t, err)
	require.Equal(t, dir, strings.TrimSpace(string(res.Stdout)))
}

func TestRunner_Run_SetupErrors(t *testing.T) {
	r := newTestRunner()

	_, err := r.Run(context.Background(), Invocation{Command: "no-such-command-aws-uploader"})
	var setupErr *SetupError
	require.ErrorAs(t, err, &setupErr)
	require.Equal(t, "lookup", setupErr.Op)

	_, err = r.Run(context.Background(), Invocation{Command: "cat", Input: FileRangeInput{Beg: 10, End: 5}})
	require.ErrorAs(t, err, &setupErr)
	require.Equal(t, "input", setupErr.Op)

	_, err = r.Run(context.Background(), Invocation{Command: "cat", Dir: "/no/such/dir"})
	require.ErrorAs(t, err, &setupErr)
	require.Equal(t, "fork/exec", setupErr.Op)
}

func TestRunner_Run_ContextCancelKillsChild(t *testing.T) {
	for _, fallback := range []bool{false, true} {
		t.Run(fmt.Sprintf("sigchld fallback %v", fallback), func(t *testing.T) {
			r := newTestRunner()
			r.forceSigchld = fallback
			ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
			defer cancel()

			start := time.Now()
			res, err := r.Run(ctx, Invocation{Command: "sleep", Args: []string{"30"}})

			require.ErrorIs(t, err, context.DeadlineExceeded)
			require.NotNil(t, res)
			require.True(t, res.Killed)
			require.Equal(t, ExitStatus{Signaled: true, Signal: unix.SIGKILL}, res.Status)
			require.Less(t, time.Since(start), 10*time.Second)
		})
	}
}

func TestRunner_Run_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := newTestRunner().Run(ctx, Invocation{Command: "cat"})

	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, res)
}

func TestRunner_Run_Concurrent(t *testing.T) {
	r := newTestRunner()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			input := bytes.Repeat([]byte{byte('a' + i)}, 512<<10+i)
			res, err := r.Run(context.Background(), Invocation{Command: "cat", Input: BytesInput(input)})
			if err != nil {
				errs[i] = err
				return
			}
			if !bytes.Equal(input, res.Stdout) {
				errs[i] = fmt.Errorf("run %d: stdout differs from input", i)
			}
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
}

func TestUsage_String(t *testing.T) {
	u := Usage{
		UserTime:               1500 * time.Millisecond,
		SystemTime:             20 * time.Millisecond,
		MaxRSS:                 4096,
		VoluntaryCtxSwitches:   7,
		InvoluntaryCtxSwitches: 2,
	}

	require.Equal(t, " utime=1500 stime=20 maxrss=4096 nvcsw=7 nivcsw=2", u.String())
}

func TestInvocation_PrintableCommandArgs(t *testing.T) {
	inv := Invocation{Command: "aws", Args: []string{"s3api", "abort-multipart-upload", "--bucket", "b"}}

	require.Equal(t, "aws s3api abort-multipart-upload --bucket b", inv.PrintableCommandArgs())
}
