package bdcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/steveyegge/beadsboard/internal/errs"
)

// Runner executes one bd invocation and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner spawns the bd binary directly from an argv slice. No shell is
// involved, so arguments are never re-parsed.
type ExecRunner struct {
	// Path is the bd executable (default: "bd" on PATH).
	Path string

	// Dir is the workspace every command runs in.
	Dir string

	// Timeout bounds each invocation's wall time (default: 30s).
	Timeout time.Duration

	// MaxOutput caps stdout and stderr each; exceeding it kills the
	// process (default: 10 MiB).
	MaxOutput int64
}

// Run executes bd with args.
//
// Example:
//
//	out, err := r.Run(ctx, "list", "--json", "--all")
func (r *ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	path := r.Path
	if path == "" {
		path = "bd"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := r.MaxOutput
	if limit <= 0 {
		limit = 10 << 20
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = r.Dir
	cmd.WaitDelay = time.Second

	stdout := &cappedBuffer{limit: limit, onOverflow: cancel}
	stderr := &cappedBuffer{limit: limit, onOverflow: cancel}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	op := "bd " + commandName(args)
	switch {
	case stdout.overflowed() || stderr.overflowed():
		return nil, errs.E(errs.KindResource, op,
			fmt.Errorf("%w: more than %d bytes", errs.ErrOutputLimit, limit))
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return nil, errs.E(errs.KindResource, op,
			fmt.Errorf("%w after %v", errs.ErrTimeout, timeout))
	case errors.Is(ctx.Err(), context.Canceled):
		return nil, errs.E(errs.KindTransient, op, ctx.Err())
	case errors.Is(err, exec.ErrNotFound):
		return nil, errs.Connectivity(op, "bd executable not found (install beads or set bd.path)")
	case err != nil:
		return nil, classifyFailure(op, err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// classifyFailure maps a failed bd run to an error kind by its stderr.
func classifyFailure(op string, err error, stderr string) error {
	msg := stderr
	if msg == "" {
		msg = err.Error()
	}
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "not found") || strings.Contains(lower, "no issue"):
		return errs.E(errs.KindValidation, op, fmt.Errorf("%w: %s", errs.ErrNotFound, msg))
	case strings.Contains(lower, "invalid") || strings.Contains(lower, "unknown flag") ||
		strings.Contains(lower, "required"):
		return errs.E(errs.KindValidation, op, errors.New(msg))
	case strings.Contains(lower, "no beads database") || strings.Contains(lower, "not initialized") ||
		strings.Contains(lower, "connection refused") || strings.Contains(lower, "daemon"):
		return errs.E(errs.KindConnectivity, op, errors.New(msg))
	case strings.Contains(lower, "locked") || strings.Contains(lower, "busy"):
		return errs.E(errs.KindTransient, op, errors.New(msg))
	}
	return errs.E(errs.KindTransient, op, fmt.Errorf("%s (exit %d)", msg, exitCode(err)))
}

func exitCode(err error) int {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// commandName returns the bd subcommand for logs and metrics, e.g.
// "comments add".
func commandName(args []string) string {
	var parts []string
	for _, a := range args {
		if strings.HasPrefix(a, "-") || len(parts) == 2 {
			break
		}
		parts = append(parts, a)
		if !hasSubcommands(a) {
			break
		}
	}
	return strings.Join(parts, " ")
}

func hasSubcommands(cmd string) bool {
	switch cmd {
	case "comments", "label", "dep":
		return true
	}
	return false
}

// cappedBuffer is an io.Writer that stops accepting data past limit and
// reports the overflow once.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int64
	over       bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.over {
		return 0, errOverflow
	}
	if int64(b.buf.Len()+len(p)) > b.limit {
		b.over = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return 0, errOverflow
	}
	return b.buf.Write(p)
}

var errOverflow = errors.New("output limit exceeded")

func (b *cappedBuffer) overflowed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.over
}

func (b *cappedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Bytes()
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
