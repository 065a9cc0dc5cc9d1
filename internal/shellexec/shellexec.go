// Package shellexec is the governor's single gateway to privileged
// networking utilities (ip, tc, iptables, ip6tables, nmcli, sysctl,
// modprobe, speedtest-cli). Every kernel-touching component calls through
// the Executor interface so tests can substitute FakeExecutor instead of
// spawning real subprocesses.
package shellexec

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

var errNoArgv = errors.New("shellexec: empty argv")

// DefaultTimeout is applied when a caller does not set a context deadline.
const DefaultTimeout = 10 * time.Second

// Result holds the outcome of a single command invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Executor runs argv vectors. It never returns an error for a non-zero
// exit code — only when the process could not be started or the timeout
// elapsed — leaving the decision to the caller, per spec.
type Executor interface {
	Run(ctx context.Context, argv ...string) (Result, error)
}

// New returns the real Executor, which shells out via os/exec using
// DefaultTimeout for calls that don't set their own context deadline.
func New() Executor {
	return execExecutor{timeout: DefaultTimeout}
}

// NewWithTimeout is New, but with a caller-supplied fallback timeout (e.g.
// config.Config.ShellTimeout()) instead of DefaultTimeout.
func NewWithTimeout(timeout time.Duration) Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return execExecutor{timeout: timeout}
}

type execExecutor struct {
	timeout time.Duration
}

func (e execExecutor) Run(ctx context.Context, argv ...string) (Result, error) {
	if len(argv) == 0 {
		return Result{}, errNoArgv
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	// Run the child in its own process group so a timeout kills the whole
	// subtree (a privileged tool like nmcli can itself fork helpers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	res := Result{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}

	if ctx.Err() == context.DeadlineExceeded {
		killGroup(cmd)
		return res, ctx.Err()
	}

	if runErr == nil {
		res.ExitCode = 0
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	}

	// Process never started (binary missing, permission denied, etc.)
	return res, runErr
}

func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	pgid, err := unix.Getpgid(cmd.Process.Pid)
	if err != nil {
		_ = cmd.Process.Kill()
		return
	}
	_ = unix.Kill(-pgid, unix.SIGKILL)
}
