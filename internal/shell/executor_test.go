package shell

import (
	"context"
	"errors"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires a POSIX userland")
	}
}

func TestExecutor_Execute(t *testing.T) {
	skipOnWindows(t)

	tests := []struct {
		name    string
		config  Config
		command string
		want    string
	}{
		{"direct echo", Config{}, "echo hello", "hello\n"},
		{"direct quoted argument", Config{}, `echo "a  b"`, "a  b\n"},
		{"direct no shell expansion", Config{}, "echo $HOME", "$HOME\n"},
		{"interpreter", Config{Program: "/bin/sh"}, "echo one; echo two", "one\ntwo\n"},
		{"interpreter stderr", Config{Program: "/bin/sh"}, "echo out; echo err 1>&2", "out\nerr\n"},
		{"nonzero exit keeps output", Config{Program: "/bin/sh"}, "echo partial; exit 3", "partial\n"},
		{"no output", Config{}, "true", ""},
		{"utf-8 output", Config{}, "echo héllo", "héllo\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(tt.config)
			got, err := e.Execute(context.Background(), tt.command)
			if err != nil {
				t.Fatalf("Execute(%q) error = %v", tt.command, err)
			}
			if got != tt.want {
				t.Errorf("Execute(%q) = %q, want %q", tt.command, got, tt.want)
			}
		})
	}
}

func TestExecutor_WorkDir(t *testing.T) {
	skipOnWindows(t)

	dir := t.TempDir()
	e := NewExecutor(Config{WorkDir: dir})
	got, err := e.Execute(context.Background(), "pwd")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	// macOS temp dirs live behind a /private symlink.
	if !strings.HasSuffix(strings.TrimSpace(got), strings.TrimPrefix(dir, "/private")) {
		t.Errorf("pwd = %q, want %q", got, dir)
	}
}

func TestExecutor_Errors(t *testing.T) {
	skipOnWindows(t)

	tests := []struct {
		name    string
		config  Config
		command string
		op      string
		target  error
	}{
		{"empty", Config{}, "", "parse", ErrEmptyCommand},
		{"blank", Config{}, "   ", "parse", ErrEmptyCommand},
		{"unterminated quote", Config{}, `echo "oops`, "parse", nil},
		{"missing program", Config{}, "definitely-not-a-real-command-xyz", "exec", nil},
		{"missing interpreter", Config{Program: "/nonexistent/sh"}, "echo hi", "exec", nil},
		{"invalid utf-8 output", Config{Program: "/bin/sh"}, `printf '\377\376'`, "decode", ErrInvalidOutput},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewExecutor(tt.config)
			out, err := e.Execute(context.Background(), tt.command)

			var shellErr *Error
			if !errors.As(err, &shellErr) {
				t.Fatalf("Execute(%q) error = %v, want *Error", tt.command, err)
			}
			if shellErr.Op != tt.op {
				t.Errorf("Op = %q, want %q", shellErr.Op, tt.op)
			}
			if tt.target != nil && !errors.Is(err, tt.target) {
				t.Errorf("error = %v, want %v", err, tt.target)
			}
			if out != "" {
				t.Errorf("output = %q, want empty", out)
			}
		})
	}
}

func TestExecutor_Timeout(t *testing.T) {
	skipOnWindows(t)

	e := NewExecutor(Config{Timeout: 100 * time.Millisecond})
	start := time.Now()
	_, err := e.Execute(context.Background(), "sleep 5")

	var shellErr *Error
	if !errors.As(err, &shellErr) || shellErr.Op != "timeout" {
		t.Fatalf("Execute() error = %v, want timeout *Error", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error should wrap context.DeadlineExceeded")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestExecutor_TimeoutKillsChildren(t *testing.T) {
	skipOnWindows(t)

	e := NewExecutor(Config{Program: "/bin/sh", Timeout: 200 * time.Millisecond})
	start := time.Now()
	_, err := e.Execute(context.Background(), "sleep 5 & sleep 5; wait")

	var shellErr *Error
	if !errors.As(err, &shellErr) || shellErr.Op != "timeout" {
		t.Fatalf("Execute() error = %v, want timeout *Error", err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("background child kept the command alive for %v", elapsed)
	}
}

func TestExecutor_Metrics(t *testing.T) {
	skipOnWindows(t)

	before := testutil.ToFloat64(CommandsTotal.WithLabelValues(ResultNonZeroExit))

	e := NewExecutor(Config{Program: "/bin/sh"})
	if _, err := e.Execute(context.Background(), "exit 1"); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if got := testutil.ToFloat64(CommandsTotal.WithLabelValues(ResultNonZeroExit)); got != before+1 {
		t.Errorf("commands_total{nonzero_exit} = %v, want %v", got, before+1)
	}
	if got := testutil.ToFloat64(CommandsActive); got != 0 {
		t.Errorf("commands_active = %v, want 0", got)
	}
}

func TestErrorMessage(t *testing.T) {
	err := &Error{Command: "ls", Op: "exec", Err: errors.New("not found")}
	if got := err.Error(); got != `exec "ls": not found` {
		t.Errorf("Error() = %q", got)
	}
}
