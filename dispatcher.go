package mcp

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"
)

// Dispatcher routes capability requests to the handlers of a Registry and turns every outcome
// into a Response. Handler failures, including panics, become Failure responses so that one bad
// request never takes the connection down.
type Dispatcher struct {
	registry *Registry
	logger   *slog.Logger
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// NewDispatcher creates a Dispatcher serving the capabilities of registry.
func NewDispatcher(registry *Registry, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		registry: registry,
		logger:   slog.Default(),
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// WithDispatcherLogger sets the logger of the dispatcher.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "dispatcher"),
		)
	}
}

// Dispatch looks up the capability addressed by req, invokes it and returns its Response. It
// always returns a Response with req's id and kind.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	resp = Response{ID: req.ID, Kind: req.Kind}

	c, bound, ok := d.registry.lookup(req.Kind, req.Name)
	if !ok {
		d.logger.Warn("capability not found", slog.String("kind", req.Kind.String()), slog.String("name", req.Name))
		resp.Failure = &Failure{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("%s: %s", ErrCapabilityNotFound, req.Name),
		}
		return resp
	}

	args := make(Arguments, len(req.Arguments)+len(bound))
	for k, v := range req.Arguments {
		args[k] = v
	}
	for k, v := range bound {
		args[k] = v
	}

	if missing := c.missingArguments(args); len(missing) > 0 {
		resp.Failure = &Failure{
			Code:    jsonRPCInvalidParamsCode,
			Message: fmt.Sprintf("missing required arguments for %s %q: %s", req.Kind, c.name, strings.Join(missing, ", ")),
		}
		return resp
	}

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("handler panicked",
				slog.String("kind", req.Kind.String()),
				slog.String("name", req.Name),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			resp = Response{
				ID:      req.ID,
				Kind:    req.Kind,
				Failure: &Failure{Code: jsonRPCInternalErrorCode, Message: fmt.Sprintf("handler panicked: %v", r)},
			}
		}
	}()

	start := time.Now()
	payload, err := c.handler(ctx, args)
	if err != nil {
		d.logger.Warn("handler failed",
			slog.String("kind", req.Kind.String()),
			slog.String("name", req.Name),
			slog.String("err", err.Error()))
		resp.Failure = &Failure{Code: jsonRPCInternalErrorCode, Message: err.Error()}
		return resp
	}

	d.logger.Debug("handler completed",
		slog.String("kind", req.Kind.String()),
		slog.String("name", req.Name),
		slog.Duration("elapsed", time.Since(start)))

	resp.Payload = payload
	return resp
}
