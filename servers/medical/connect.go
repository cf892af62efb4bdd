package medical

import (
	"context"
	"errors"
	"log/slog"
	"os"

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
)

// Target tells clients where the medical server lives: a command to launch over stdio, or the
// URL of a running SSE server.
type Target struct {
	Command string   `long:"command" description:"server executable launched over stdio" default:"medbot-server"`
	Args    []string `long:"arg" description:"argument passed to the server executable (repeatable)"`
	Env     []string `long:"env" description:"extra KEY=value environment entry for the server (repeatable)"`
	SSEURL  string   `long:"sse-url" description:"connect to a running SSE server instead of launching one"`
}

// Transport returns the client transport reaching t.
func (t Target) Transport(logger *slog.Logger) (mcp.ClientTransport, error) {
	if t.SSEURL != "" {
		return mcp.NewSSEClient(t.SSEURL, nil, mcp.WithSSEClientLogger(logger)), nil
	}
	if t.Command == "" {
		return nil, errors.New("no server command or SSE URL given")
	}
	return mcp.NewCommandTransport(mcp.LaunchSpec{
		Command: t.Command,
		Args:    t.Args,
		Env:     t.Env,
	}, mcp.WithCommandStderr(os.Stderr), mcp.WithCommandLogger(logger)), nil
}

// Connect opens a session with the server described by t.
func Connect(ctx context.Context, t Target, logger *slog.Logger, options ...mcp.SessionOption) (*mcp.Session, error) {
	transport, err := t.Transport(logger)
	if err != nil {
		return nil, err
	}

	options = append([]mcp.SessionOption{
		mcp.WithSessionInfo(mcp.Info{Name: "medbot-client", Version: "0.1.0"}),
		mcp.WithSessionLogger(logger),
	}, options...)

	return mcp.Open(ctx, transport, options...)
}
