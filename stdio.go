package mcp

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"
)

// StdIO implements a standard input/output transport layer for MCP communication using
// newline-delimited frames over stdin/stdout or similar io.Reader/io.Writer pairs. It
// provides a single persistent connection and handles writes through an internal queue,
// processing frames sequentially.
//
// StdIO can be used as either ServerTransport or ClientTransport. Proper initialization
// requires using the NewStdIO constructor function to create new instances.
type StdIO struct {
	conn   *stdIOConn
	closed chan struct{}
}

// StdIOOption configures a StdIO transport.
type StdIOOption func(*stdIOConn)

type stdIOConn struct {
	id     string
	reader io.Reader
	writer io.Writer
	logger *slog.Logger

	writeFrames chan stdIOFrame

	startOnce   sync.Once
	closeOnce   sync.Once
	done        chan struct{}
	writeClosed chan struct{}
}

type stdIOFrame struct {
	frame []byte
	errs  chan error
}

type frameWithErr struct {
	frame []byte
	err   error
}

// NewStdIO creates a new StdIO instance configured with the provided reader and writer. If the
// reader or writer implements io.Closer, it is closed when the connection closes, which is how a
// blocked read is released.
func NewStdIO(reader io.Reader, writer io.Writer, options ...StdIOOption) StdIO {
	return StdIO{
		conn:   newStdIOConn(reader, writer, options...),
		closed: make(chan struct{}),
	}
}

// WithStdIOLogger sets the logger of the StdIO transport.
func WithStdIOLogger(logger *slog.Logger) StdIOOption {
	return func(c *stdIOConn) {
		c.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "stdio"),
		)
	}
}

func newStdIOConn(reader io.Reader, writer io.Writer, options ...StdIOOption) *stdIOConn {
	c := &stdIOConn{
		id:          uuid.New().String(),
		reader:      reader,
		writer:      writer,
		logger:      slog.Default(),
		writeFrames: make(chan stdIOFrame),
		done:        make(chan struct{}),
		writeClosed: make(chan struct{}),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Conns implements the ServerTransport interface by providing an iterator that yields a single
// persistent connection, and returns once that connection is closed.
func (s StdIO) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		s.conn.start()

		// StdIO only supports a single connection, so we yield it and wait until it's done.
		if !yield(s.conn) {
			return
		}
		<-s.conn.done
	}
}

// Shutdown implements the ServerTransport interface by waiting for the Conns loop to return.
func (s StdIO) Shutdown(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
	}
	return nil
}

// Open implements the ClientTransport interface by returning the underlying connection.
func (s StdIO) Open(_ context.Context) (Conn, error) {
	s.conn.start()
	return s.conn, nil
}

func (c *stdIOConn) ID() string { return c.id }

func (c *stdIOConn) Send(ctx context.Context, frame []byte) error {
	if bytes.IndexByte(frame, '\n') >= 0 {
		return fmt.Errorf("frame contains a newline")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// Append newline to maintain message framing protocol
	bs := make([]byte, 0, len(frame)+1)
	bs = append(bs, frame...)
	bs = append(bs, '\n')

	ioFrame := stdIOFrame{
		frame: bs,
		errs:  make(chan error, 1),
	}

	// Queue the frame for writing so concurrent senders never interleave.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTransportClosed
	case c.writeFrames <- ioFrame:
	}

	select {
	case err := <-ioFrame.errs:
		if err != nil {
			c.logger.Error("failed to write frame", slog.String("err", err.Error()))
			return &TransportError{Op: "write", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTransportClosed
	}
}

func (c *stdIOConn) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		frames := make(chan frameWithErr)

		// Reads happen in their own goroutine so the iteration can return on Close while a read blocks.
		go c.readFrames(frames)

		for {
			var fwe frameWithErr
			select {
			case <-c.done:
				return
			case fwe = <-frames:
			}

			if fwe.err != nil {
				yield(nil, fwe.err)
				return
			}

			if !yield(fwe.frame, nil) {
				return
			}
		}
	}
}

func (c *stdIOConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)

		if rc, ok := c.reader.(io.Closer); ok {
			_ = rc.Close()
		}
		if wc, ok := c.writer.(io.Closer); ok {
			_ = wc.Close()
		}

		// The writer goroutine only runs once the connection was started.
		c.startOnce.Do(func() { close(c.writeClosed) })
		<-c.writeClosed
	})
	return nil
}

func (c *stdIOConn) start() {
	c.startOnce.Do(func() {
		go c.processWriteFrames()
	})
}

func (c *stdIOConn) readFrames(frames chan<- frameWithErr) {
	// Use bufio.Reader instead of bufio.Scanner to avoid max token size errors.
	reader := bufio.NewReader(c.reader)
	for {
		line, err := reader.ReadBytes('\n')
		line = bytes.TrimRight(line, "\r\n")

		if len(line) > 0 {
			select {
			case frames <- frameWithErr{frame: line}:
			case <-c.done:
				return
			}
		}

		if err != nil {
			select {
			case <-c.done:
				// Reads fail once Close released the reader; that is not a peer failure.
				return
			default:
			}

			ferr := ErrTransportClosed
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrClosedPipe) && !errors.Is(err, os.ErrClosed) {
				c.logger.Error("failed to read frame", slog.String("err", err.Error()))
				ferr = &TransportError{Op: "read", Err: err}
			}

			select {
			case frames <- frameWithErr{err: ferr}:
			case <-c.done:
			}
			return
		}
	}
}

func (c *stdIOConn) processWriteFrames() {
	defer close(c.writeClosed)

	for {
		// Process writing the frame queue until the connection is closed.
		var f stdIOFrame
		select {
		case <-c.done:
			return
		case f = <-c.writeFrames:
		}

		_, err := c.writer.Write(f.frame)

		f.errs <- err
	}
}
