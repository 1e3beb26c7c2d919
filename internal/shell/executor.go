// Package shell runs command strings received from a host and captures their
// combined output.
package shell

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/anmitsu/go-shlex"
)

var (
	// ErrEmptyCommand is returned for blank command strings.
	ErrEmptyCommand = errors.New("empty command")

	// ErrInvalidOutput is returned when a command writes non UTF-8 output.
	ErrInvalidOutput = errors.New("command output is not valid UTF-8")
)

// Runner executes one command string and returns its combined stdout and
// stderr. Failures to run the command are reported as *Error.
type Runner interface {
	Execute(ctx context.Context, command string) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, command string) (string, error)

// Execute calls f(ctx, command).
func (f RunnerFunc) Execute(ctx context.Context, command string) (string, error) {
	return f(ctx, command)
}

// Error describes a command that could not be run to completion. A command
// that runs and exits with a non-zero status is not an Error.
type Error struct {
	Command string
	Op      string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %q: %v", e.Op, e.Command, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Config contains shell configuration.
type Config struct {
	// Program is the interpreter used as "<program> -c <command>".
	// Empty runs the command directly after splitting it into words.
	Program string `yaml:"program"`

	// Timeout is the optional command timeout (0 = no timeout).
	Timeout time.Duration `yaml:"timeout"`

	// WorkDir is the working directory of commands. Empty inherits the
	// process working directory.
	WorkDir string `yaml:"work_dir"`
}

// DefaultConfig returns the default shell configuration: direct execution,
// no timeout.
func DefaultConfig() Config {
	return Config{}
}

// waitDelay bounds how long output pipes held open by orphaned children
// delay a cancelled command.
const waitDelay = time.Second

// Executor is the Runner backed by os/exec.
type Executor struct {
	config Config
}

// NewExecutor creates a new shell executor.
func NewExecutor(cfg Config) *Executor {
	return &Executor{config: cfg}
}

// Execute runs command and returns its combined output.
func (e *Executor) Execute(ctx context.Context, command string) (string, error) {
	start := time.Now()
	CommandStarted()

	out, result, err := e.execute(ctx, command)

	CommandEnded(result, time.Since(start).Seconds())
	RecordOutputBytes(len(out))
	return out, err
}

func (e *Executor) execute(ctx context.Context, command string) (string, string, error) {
	argv, err := e.argv(command)
	if err != nil {
		return "", ResultRejected, &Error{Command: command, Op: "parse", Err: err}
	}

	if e.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.config.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = e.config.WorkDir
	cmd.WaitDelay = waitDelay
	configureProcess(cmd)

	output, err := cmd.CombinedOutput()
	result := ResultSuccess
	if err != nil {
		var exitErr *exec.ExitError
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			return "", ResultTimeout, &Error{Command: command, Op: "timeout", Err: ctx.Err()}
		case errors.As(err, &exitErr):
			result = ResultNonZeroExit
		default:
			return "", ResultError, &Error{Command: command, Op: "exec", Err: err}
		}
	}

	if !utf8.Valid(output) {
		return "", ResultError, &Error{Command: command, Op: "decode", Err: ErrInvalidOutput}
	}
	return string(output), result, nil
}

func (e *Executor) argv(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, ErrEmptyCommand
	}
	if e.config.Program != "" {
		return []string{e.config.Program, "-c", command}, nil
	}

	words, err := shlex.Split(command, true)
	if err != nil {
		return nil, err
	}
	if len(words) == 0 {
		return nil, ErrEmptyCommand
	}
	return words, nil
}
