package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// LaunchSpec describes how to start a server process whose stdin/stdout carry the protocol.
type LaunchSpec struct {
	// Command is the executable path or name resolved through PATH.
	Command string
	// Args are the arguments passed to Command.
	Args []string
	// Env holds extra "KEY=value" entries appended to the parent's environment.
	Env []string
	// Dir is the working directory of the process. Empty means the parent's.
	Dir string
}

// CommandTransport is a ClientTransport that spawns the server described by a LaunchSpec and
// talks to it over the child's standard input and output. The child's standard error is forwarded,
// so server logs stay visible without corrupting the protocol stream.
type CommandTransport struct {
	spec        LaunchSpec
	stderr      io.Writer
	stopTimeout time.Duration
	logger      *slog.Logger
}

// CommandOption configures a CommandTransport.
type CommandOption func(*CommandTransport)

type commandConn struct {
	*stdIOConn

	cmd         *exec.Cmd
	stopTimeout time.Duration
	logger      *slog.Logger

	closeOnce sync.Once
	exited    chan struct{}
	waitErr   error
}

var defaultCommandStopTimeout = 5 * time.Second

// NewCommandTransport creates a transport that launches spec on every Open.
func NewCommandTransport(spec LaunchSpec, options ...CommandOption) CommandTransport {
	c := CommandTransport{
		spec:   spec,
		stderr: os.Stderr,
		logger: slog.Default(),
	}
	for _, opt := range options {
		opt(&c)
	}
	if c.stopTimeout == 0 {
		c.stopTimeout = defaultCommandStopTimeout
	}
	return c
}

// WithCommandStderr sets where the child's standard error is written. Nil discards it.
func WithCommandStderr(w io.Writer) CommandOption {
	return func(c *CommandTransport) {
		if w == nil {
			w = io.Discard
		}
		c.stderr = w
	}
}

// WithCommandStopTimeout sets how long Close waits for the child to exit after its stdin is closed
// before killing it.
func WithCommandStopTimeout(timeout time.Duration) CommandOption {
	return func(c *CommandTransport) {
		c.stopTimeout = timeout
	}
}

// WithCommandLogger sets the logger of the transport.
func WithCommandLogger(logger *slog.Logger) CommandOption {
	return func(c *CommandTransport) {
		c.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "command"),
		)
	}
}

// Open implements the ClientTransport interface. The process is not tied to ctx: it lives until
// the returned Conn is closed.
func (c CommandTransport) Open(ctx context.Context) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransportError{Op: "start", Err: err}
	}
	if c.spec.Command == "" {
		return nil, &TransportError{Op: "start", Err: errors.New("empty command")}
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	cmd.Dir = c.spec.Dir
	if len(c.spec.Env) > 0 {
		cmd.Env = append(cmd.Environ(), c.spec.Env...)
	}
	cmd.Stderr = c.stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to acquire stdin: %w", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		_ = stdin.Close()
		return nil, &TransportError{Op: "start", Err: fmt.Errorf("failed to acquire stdout: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		_ = stdout.Close()
		return nil, &TransportError{Op: "start", Err: err}
	}

	logger := c.logger.With(slog.Int("pid", cmd.Process.Pid))
	logger.Info("server process started", slog.String("command", c.spec.Command))

	conn := &commandConn{
		stdIOConn:   newStdIOConn(stdout, stdin),
		cmd:         cmd,
		stopTimeout: c.stopTimeout,
		logger:      logger,
		exited:      make(chan struct{}),
	}
	conn.stdIOConn.logger = logger
	conn.start()

	go func() {
		conn.waitErr = cmd.Wait()
		close(conn.exited)
	}()

	return conn, nil
}

// Pid returns the process id of the server process.
func (c *commandConn) Pid() int {
	return c.cmd.Process.Pid
}

// Exited returns a channel that is closed once the server process has exited and was reaped.
func (c *commandConn) Exited() <-chan struct{} {
	return c.exited
}

// Close closes the child's stdin, which asks a well-behaved server to exit, waits up to the stop
// timeout and kills the process if it is still running. The process is always reaped on return.
func (c *commandConn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.stdIOConn.Close()

		select {
		case <-c.exited:
		case <-time.After(c.stopTimeout):
			c.logger.Warn("server process did not exit in time, killing it")
			if err := c.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				c.logger.Error("failed to kill server process", slog.String("err", err.Error()))
			}
			<-c.exited
		}

		var exitErr *exec.ExitError
		switch {
		case c.waitErr == nil:
			c.logger.Info("server process exited")
		case errors.As(c.waitErr, &exitErr):
			c.logger.Warn("server process exited", slog.String("status", exitErr.String()))
		default:
			c.logger.Warn("server process wait failed", slog.String("err", c.waitErr.Error()))
		}
	})
	return nil
}
