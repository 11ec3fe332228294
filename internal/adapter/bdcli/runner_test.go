package bdcli

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/steveyegge/beadsboard/internal/errs"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	return sh
}

// TestExecRunner_Output tests that stdout is returned and stderr ignored
func TestExecRunner_Output(t *testing.T) {
	r := &ExecRunner{Path: requireShell(t), Dir: t.TempDir()}
	out, err := r.Run(context.Background(), "-c", "echo '[]'; echo noise >&2")
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	if strings.TrimSpace(string(out)) != "[]" {
		t.Errorf("Run() = %q, want []", out)
	}
}

// TestExecRunner_Timeout tests the wall-clock budget
func TestExecRunner_Timeout(t *testing.T) {
	r := &ExecRunner{Path: requireShell(t), Timeout: 100 * time.Millisecond}
	start := time.Now()
	_, err := r.Run(context.Background(), "-c", "sleep 5")
	if !errors.Is(err, errs.ErrTimeout) {
		t.Fatalf("Run() error = %v, want ErrTimeout", err)
	}
	if errs.KindOf(err) != errs.KindResource {
		t.Errorf("kind = %v, want resource", errs.KindOf(err))
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Run() took %v", elapsed)
	}
}

// TestExecRunner_OutputLimit tests that oversized output kills the process
func TestExecRunner_OutputLimit(t *testing.T) {
	r := &ExecRunner{Path: requireShell(t), MaxOutput: 1024}
	_, err := r.Run(context.Background(), "-c", "i=0; while [ $i -lt 2000 ]; do echo 0123456789; i=$((i+1)); done")
	if !errors.Is(err, errs.ErrOutputLimit) {
		t.Fatalf("Run() error = %v, want ErrOutputLimit", err)
	}
}

// TestExecRunner_NotFound tests a missing executable
func TestExecRunner_NotFound(t *testing.T) {
	r := &ExecRunner{Path: "bd-definitely-not-installed"}
	_, err := r.Run(context.Background(), "list")
	if !errs.Is(err, errs.KindConnectivity) {
		t.Fatalf("Run() error = %v, want connectivity", err)
	}
}

// TestExecRunner_Cancelled tests that a cancelled caller gets a transient
// error rather than a classified failure
func TestExecRunner_Cancelled(t *testing.T) {
	r := &ExecRunner{Path: requireShell(t)}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := r.Run(ctx, "-c", "sleep 5")
	if !errs.IsRetryable(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() error = %v, want transient cancellation", err)
	}
}

// TestClassifyFailure tests error kinds derived from bd's stderr
func TestClassifyFailure(t *testing.T) {
	tests := []struct {
		stderr string
		want   errs.Kind
	}{
		{"Error: issue bd-9 not found", errs.KindValidation},
		{"Error: invalid priority", errs.KindValidation},
		{"Error: unknown flag: --bogus", errs.KindValidation},
		{"Error: no beads database found", errs.KindConnectivity},
		{"dial unix .beads/bd.sock: connection refused", errs.KindConnectivity},
		{"database is locked", errs.KindTransient},
		{"something odd happened", errs.KindTransient},
	}
	for _, tt := range tests {
		t.Run(tt.stderr, func(t *testing.T) {
			err := classifyFailure("bd show", errors.New("exit status 1"), tt.stderr)
			if got := errs.KindOf(err); got != tt.want {
				t.Errorf("kind = %v, want %v", got, tt.want)
			}
		})
	}
	if err := classifyFailure("bd show", errors.New("exit"), "no issue bd-1"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("not-found failure should wrap ErrNotFound: %v", err)
	}
}

// TestCommandName tests subcommand extraction for logs and metrics
func TestCommandName(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"list", "--json"}, "list"},
		{[]string{"show", "bd-1", "bd-2", "--json"}, "show"},
		{[]string{"comments", "add", "bd-1", "--", "text"}, "comments add"},
		{[]string{"dep", "remove", "bd-2", "bd-1"}, "dep remove"},
		{[]string{"--version"}, ""},
	}
	for _, tt := range tests {
		if got := commandName(tt.args); got != tt.want {
			t.Errorf("commandName(%v) = %q, want %q", tt.args, got, tt.want)
		}
	}
}
