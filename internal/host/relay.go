package host

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/term"

	"github.com/postalsys/remote-shell/internal/logging"
	"github.com/postalsys/remote-shell/internal/metrics"
	"github.com/postalsys/remote-shell/internal/supervisor"
	"github.com/postalsys/remote-shell/internal/transport"
)

// DefaultPrompt is shown before each command when input is a terminal.
const DefaultPrompt = "remote-shell> "

type frameSource interface {
	Next(ctx context.Context) (transport.Frame, error)
}

type frameSink interface {
	Send(ctx context.Context, payload []byte) error
	Close() error
}

// RelayConfig configures the interactive relay.
type RelayConfig struct {
	// Input supplies one command per line. Defaults to os.Stdin.
	Input io.Reader

	// Output receives command output. Defaults to os.Stdout.
	Output io.Writer

	// Prompt is written to PromptOutput before each command when Input is a
	// terminal. Defaults to DefaultPrompt.
	Prompt       string
	PromptOutput io.Writer

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Relay sends local input lines as commands and writes the responses to
// local output, one command in flight at a time.
type Relay struct {
	input        io.Reader
	output       io.Writer
	prompt       string
	promptOutput io.Writer
	interactive  bool
	logger       *slog.Logger
	metrics      *metrics.Metrics
}

// NewRelay creates a relay.
func NewRelay(cfg RelayConfig) *Relay {
	r := &Relay{
		input:        cfg.Input,
		output:       cfg.Output,
		prompt:       cfg.Prompt,
		promptOutput: cfg.PromptOutput,
		logger:       logging.OrNop(cfg.Logger),
		metrics:      metrics.OrDefault(cfg.Metrics),
	}
	if r.input == nil {
		r.input = os.Stdin
	}
	if r.output == nil {
		r.output = os.Stdout
	}
	if r.prompt == "" {
		r.prompt = DefaultPrompt
	}
	if r.promptOutput == nil {
		r.promptOutput = os.Stderr
	}
	if f, ok := r.input.(*os.File); ok {
		r.interactive = term.IsTerminal(int(f.Fd()))
	}
	return r
}

// Serve implements transport.Service. It returns nil when the device closes
// the connection or local input ends after the last response.
func (r *Relay) Serve(ctx context.Context, conn *transport.Conn) error {
	source, sink, err := conn.Split()
	if err != nil {
		return err
	}
	return r.run(ctx, source, sink)
}

type sessionStats struct {
	commands int
	frames   int
	bytes    int
}

func (r *Relay) run(ctx context.Context, source frameSource, sink frameSink) error {
	start := time.Now()
	queue := NewOutputQueue()
	out := bufio.NewWriter(r.output)
	stats := &sessionStats{}

	var drainErr error
	sup := supervisor.New(ctx, supervisor.Config{
		Name:     "host-relay",
		Capacity: 1,
		Logger:   r.logger,
		Metrics:  r.metrics,
		Drain: func() {
			queue.Close()
			frames, n, err := queue.DrainTo(out)
			stats.frames += frames
			stats.bytes += n
			if frames > 0 {
				r.logger.Debug("drained queued output", logging.KeyCount, frames)
			}
			drainErr = err
		},
	})

	commands := make(chan string)

	// Input reads ignore ctx, so this task is aborted but never joined.
	sup.Go("input", func(ctx context.Context) error {
		return r.readInput(ctx, commands)
	})
	intake := sup.Go("intake", func(ctx context.Context) error {
		return r.intake(ctx, source, queue)
	}, supervisor.StopOnReturn())
	control := sup.Go("control", func(ctx context.Context) error {
		return r.control(ctx, commands, sink, queue, out, stats)
	}, supervisor.StopOnReturn())

	err := sup.Wait()
	sup.Terminate(intake, control)

	if err == nil {
		err = drainErr
	}

	r.logger.Info("session ended",
		"commands", stats.commands,
		"responses", stats.frames,
		"received", humanize.Bytes(uint64(stats.bytes)),
		logging.KeyDuration, time.Since(start).Round(time.Millisecond))

	return err
}

// readInput forwards input lines to commands and closes it at EOF.
func (r *Relay) readInput(ctx context.Context, commands chan<- string) error {
	defer close(commands)

	scanner := bufio.NewScanner(r.input)
	scanner.Buffer(make([]byte, 0, 64*1024), transport.MaxMessageSize)
	for scanner.Scan() {
		select {
		case commands <- scanner.Text():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	r.logger.Debug("input closed")
	return nil
}

// intake queues every data frame until the device closes the connection.
func (r *Relay) intake(ctx context.Context, source frameSource, queue *OutputQueue) error {
	for {
		frame, err := source.Next(ctx)
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}
		if frame.Kind == transport.FrameClose {
			r.logger.Info("device closed connection", logging.KeyStatus, frame.Status.String())
			return nil
		}
		if err := queue.Push(frame.Payload); err != nil {
			return err
		}
	}
}

// control owns the sink and the output writer. It sends the next command
// only once the previous response has been written.
func (r *Relay) control(ctx context.Context, commands <-chan string, sink frameSink, queue *OutputQueue, out *bufio.Writer, stats *sessionStats) error {
	pending := 0
	inputDone := false
	r.showPrompt()

	for {
		if inputDone && pending == 0 {
			if err := sink.Close(); err != nil {
				return fmt.Errorf("close: %w", err)
			}
			return nil
		}

		var next <-chan string
		if pending == 0 {
			next = commands
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case line, ok := <-next:
			if !ok {
				inputDone = true
				continue
			}
			if strings.TrimSpace(line) == "" {
				r.showPrompt()
				continue
			}
			if err := sink.Send(ctx, []byte(line)); err != nil {
				return fmt.Errorf("send: %w", err)
			}
			stats.commands++
			pending++

		case <-queue.Ready():
			frames, n, err := queue.DrainTo(out)
			stats.frames += frames
			stats.bytes += n
			if err != nil {
				return fmt.Errorf("write output: %w", err)
			}
			if frames == 0 {
				continue
			}
			pending -= frames
			if pending < 0 {
				pending = 0
			}
			if pending == 0 {
				r.showPrompt()
			}
		}
	}
}

func (r *Relay) showPrompt() {
	if r.interactive {
		fmt.Fprint(r.promptOutput, r.prompt)
	}
}
