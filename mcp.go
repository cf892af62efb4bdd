package mcp

import (
	"context"
	"iter"
)

// ServerTransport provides the server-side communication layer in the MCP protocol.
type ServerTransport interface {
	// Conns returns an iterator that yields new client connections as they are established.
	// Each yielded Conn represents one peer. The implementation must guarantee that each Conn ID
	// is unique across all active connections.
	//
	// The implementation should exit the iteration when the Shutdown method is called.
	Conns() iter.Seq[Conn]

	// Shutdown gracefully shuts down the ServerTransport to clean up resources. The implementations should not
	// close the Conns it produced, the caller would already do that when calling this method. The caller
	// is guaranteed to call this method only once.
	Shutdown(ctx context.Context) error
}

// ClientTransport provides the client-side communication layer in the MCP protocol.
type ClientTransport interface {
	// Open starts or connects to the peer and returns the connection to it. It fails with a
	// *TransportError if the peer cannot be started or its streams cannot be acquired. The context
	// only bounds the opening itself, not the lifetime of the returned Conn.
	Open(ctx context.Context) (Conn, error)
}

// Conn is one bidirectional, framed byte channel between two peers. Frames are delivered in the
// order they were sent, one-to-one.
type Conn interface {
	// ID returns the unique identifier for this connection.
	ID() string

	// Send writes one complete frame. The frame must not contain a newline. It fails with a
	// *TransportError if the peer is gone, or ErrTransportClosed after Close.
	Send(ctx context.Context, frame []byte) error

	// Frames returns an iterator over received frames. When the peer ends the stream the iterator
	// yields ErrTransportClosed as its final element; a read failure yields a *TransportError. The
	// iteration stops silently after Close. Frames must be consumed by a single caller.
	Frames() iter.Seq2[[]byte, error]

	// Close releases both stream halves. It is idempotent, and repeated calls return nil.
	Close() error
}
