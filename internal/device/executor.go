// Package device implements the command-executing side of remote-shell: the
// per-connection executor, the accepting server and the outbound connector.
package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/postalsys/remote-shell/internal/logging"
	"github.com/postalsys/remote-shell/internal/shell"
	"github.com/postalsys/remote-shell/internal/transport"
)

// ShellErrorPrefix starts the output sent back when a command cannot be run.
const ShellErrorPrefix = "Shell error: "

type frameSource interface {
	Next(ctx context.Context) (transport.Frame, error)
}

type frameSink interface {
	Send(ctx context.Context, payload []byte) error
}

// Executor serves one framed connection: every binary frame is a command,
// and its output goes back as one binary frame.
type Executor struct {
	runner shell.Runner
	logger *slog.Logger
}

// NewExecutor creates an executor running commands through runner.
func NewExecutor(runner shell.Runner, logger *slog.Logger) *Executor {
	return &Executor{
		runner: runner,
		logger: logging.OrNop(logger),
	}
}

// Serve implements transport.Service. It returns nil when the peer closes
// the connection.
func (e *Executor) Serve(ctx context.Context, conn *transport.Conn) error {
	source, sink, err := conn.Split()
	if err != nil {
		return err
	}
	logger := e.logger.With(logging.KeyRemoteAddr, conn.RemoteAddr().String())
	return e.run(ctx, logger, source, sink)
}

func (e *Executor) run(ctx context.Context, logger *slog.Logger, source frameSource, sink frameSink) error {
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch frame.Kind {
		case transport.FrameClose:
			logger.Debug("peer closed connection", logging.KeyStatus, frame.Status.String())
			return nil
		case transport.FrameBinary:
		default:
			return fmt.Errorf("%w: %s", transport.ErrUnexpectedFrame, frame.Kind)
		}

		command, err := frame.Text()
		if err != nil {
			return err
		}

		output := e.execute(ctx, logger, command)
		if err := sink.Send(ctx, []byte(output)); err != nil {
			return fmt.Errorf("send: %w", err)
		}
	}
}

// execute runs command and renders runner failures as output.
func (e *Executor) execute(ctx context.Context, logger *slog.Logger, command string) string {
	logger.Debug("executing command", logging.KeyCommand, command)

	output, err := e.runner.Execute(ctx, command)
	if err != nil {
		logger.Warn("command failed", logging.KeyCommand, command, logging.KeyError, err)
		return ShellErrorPrefix + err.Error() + "\n"
	}
	return output
}
