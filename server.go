package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ServerOption is a function that configures a server.
type ServerOption func(*Server)

// Server implements the server side of the Model Context Protocol. It accepts connections from a
// ServerTransport, performs the initialize handshake with each client, and serves the
// capabilities of a Registry through a Dispatcher.
//
// Capability requests of one connection run concurrently, each in its own goroutine, and can be
// cancelled by the client with a cancellation notification.
type Server struct {
	info         Info
	instructions string
	transport    ServerTransport
	registry     *Registry
	dispatcher   *Dispatcher

	sendTimeout time.Duration
	logger      *slog.Logger

	onClientConnected    func(string, Info)
	onClientDisconnected func(string)

	sessionsWaitGroup *sync.WaitGroup
	done              chan struct{}
}

type serverSession struct {
	conn       Conn
	logger     *slog.Logger
	dispatcher *Dispatcher
	registry   *Registry

	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string
	sendTimeout        time.Duration

	onClientConnected func(string, Info)
}

var defaultServerSendTimeout = 30 * time.Second

// NewServer creates a server that serves the capabilities of registry to every connection
// produced by transport.
func NewServer(info Info, transport ServerTransport, registry *Registry, options ...ServerOption) Server {
	s := Server{
		info:              info,
		transport:         transport,
		registry:          registry,
		logger:            slog.Default(),
		sessionsWaitGroup: &sync.WaitGroup{},
		done:              make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	if s.sendTimeout == 0 {
		s.sendTimeout = defaultServerSendTimeout
	}

	s.dispatcher = NewDispatcher(registry, WithDispatcherLogger(s.logger))

	return s
}

// WithInstructions sets the usage instructions sent to clients during the handshake.
func WithInstructions(instructions string) ServerOption {
	return func(s *Server) {
		s.instructions = instructions
	}
}

// WithServerSendTimeout sets the timeout for sending one message to a client.
func WithServerSendTimeout(timeout time.Duration) ServerOption {
	return func(s *Server) {
		s.sendTimeout = timeout
	}
}

// WithServerOnClientConnected sets the callback invoked once a client completed the handshake,
// with the connection id and the client info.
func WithServerOnClientConnected(onClientConnected func(string, Info)) ServerOption {
	return func(s *Server) {
		s.onClientConnected = onClientConnected
	}
}

// WithServerOnClientDisconnected sets the callback invoked when a client connection ended.
func WithServerOnClientDisconnected(onClientDisconnected func(string)) ServerOption {
	return func(s *Server) {
		s.onClientDisconnected = onClientDisconnected
	}
}

// WithServerLogger sets the logger for the server.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "server"),
		)
	}
}

// Serve freezes the registry and serves every connection of the transport until the transport
// stops producing them. For a StdIO transport that is when the client closed its end.
//
// Serve blocks until the transport is exhausted, and returns after every connection finished.
func (s Server) Serve() {
	s.registry.Freeze()
	capabilities := s.capabilities()

	// This loop would break when the transport is shut down.
	for conn := range s.transport.Conns() {
		ss := serverSession{
			conn:               conn,
			logger:             s.logger.With(slog.String("connID", conn.ID())),
			dispatcher:         s.dispatcher,
			registry:           s.registry,
			serverInfo:         s.info,
			serverCapabilities: capabilities,
			instructions:       s.instructions,
			sendTimeout:        s.sendTimeout,
			onClientConnected:  s.onClientConnected,
		}

		s.sessionsWaitGroup.Add(1)
		go func() {
			defer s.sessionsWaitGroup.Done()

			ss.serve(s.done)

			if err := conn.Close(); err != nil {
				ss.logger.Warn("failed to close connection", slog.String("err", err.Error()))
			}
			if s.onClientDisconnected != nil {
				s.onClientDisconnected(conn.ID())
			}
		}()
	}

	s.sessionsWaitGroup.Wait()
}

// Shutdown terminates all connections, waits for their in-flight requests and shuts the transport
// down. It returns an error if the transport fails to shut down or ctx ends first.
func (s Server) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown and terminates all sessions
	close(s.done)

	sessionsDone := make(chan struct{})
	go func() {
		s.sessionsWaitGroup.Wait()
		close(sessionsDone)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to wait for sessions: %w", ctx.Err())
	case <-sessionsDone:
	}

	if err := s.transport.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown transport: %w", err)
	}

	return nil
}

func (s Server) capabilities() ServerCapabilities {
	var caps ServerCapabilities
	if len(s.registry.Prompts()) > 0 {
		caps.Prompts = &PromptsCapability{}
	}
	if len(s.registry.Resources()) > 0 || len(s.registry.ResourceTemplates()) > 0 {
		caps.Resources = &ResourcesCapability{}
	}
	if len(s.registry.Tools()) > 0 {
		caps.Tools = &ToolsCapability{}
	}
	return caps
}

func (s serverSession) serve(done <-chan struct{}) {
	finished := make(chan struct{})
	defer close(finished)

	// The frames loop below only ends when the connection does, so shutting the server down closes it.
	go func() {
		select {
		case <-done:
			_ = s.conn.Close()
		case <-finished:
		}
	}()

	// This base context is to make sure all the handlers are cancelled when the loop is broken.
	baseCtx, baseCancel := context.WithCancel(context.Background())
	handlers := &sync.WaitGroup{}
	cancels := &requestCancels{cancels: make(map[MustString]context.CancelFunc)}

	defer func() {
		baseCancel()
		handlers.Wait()
	}()

	// This flag indicates whether the initialize request was answered. Before that, other than ping
	// and initialize, requests are rejected.
	initialized := false

	for frame, err := range s.conn.Frames() {
		if err != nil {
			if errors.Is(err, ErrTransportClosed) {
				s.logger.Info("client closed the connection")
			} else {
				s.logger.Error("failed to read frame", slog.String("err", err.Error()))
			}
			return
		}

		msg, err := Decode(frame)
		if err != nil {
			s.logger.Warn("failed to decode message", slog.String("err", err.Error()))
			s.sendParseError()
			continue
		}

		switch {
		case msg.isResponse():
			s.logger.Debug("ignoring response from client", slog.String("id", string(msg.ID)))
		case msg.Method == methodPing:
			go s.sendResult(msg.ID, struct{}{})
		case msg.Method == methodInitialize:
			initialized = s.handleInitialize(msg) || initialized
		case msg.Method == methodNotificationsInitialized:
			s.logger.Debug("client initialized")
		case msg.Method == methodNotificationsCancelled:
			var params notificationsCancelledParams
			if err := json.Unmarshal(msg.Params, &params); err != nil {
				s.logger.Warn("failed to unmarshal cancellation params", slog.String("err", err.Error()))
				continue
			}
			if cancels.cancel(params.RequestID) {
				s.logger.Info("request cancelled by client",
					slog.String("id", string(params.RequestID)),
					slog.String("reason", params.Reason))
			}
		case msg.isNotification():
			s.logger.Debug("ignoring notification", slog.String("method", msg.Method))
		case !initialized:
			s.sendError(msg.ID, jsonRPCInvalidRequestCode, errMsgNotInitialized)
		case msg.Method == MethodPromptsList:
			if !s.acceptListParams(msg, &ListPromptsParams{}) {
				continue
			}
			go s.sendResult(msg.ID, ListPromptResult{Prompts: nonNil(s.registry.Prompts())})
		case msg.Method == MethodResourcesList:
			if !s.acceptListParams(msg, &ListResourcesParams{}) {
				continue
			}
			go s.sendResult(msg.ID, ListResourcesResult{Resources: nonNil(s.registry.Resources())})
		case msg.Method == MethodResourcesTemplatesList:
			if !s.acceptListParams(msg, &ListResourceTemplatesParams{}) {
				continue
			}
			go s.sendResult(msg.ID, ListResourceTemplatesResult{Templates: nonNil(s.registry.ResourceTemplates())})
		case msg.Method == MethodToolsList:
			if !s.acceptListParams(msg, &ListToolsParams{}) {
				continue
			}
			go s.sendResult(msg.ID, ListToolsResult{Tools: nonNil(s.registry.Tools())})
		case msg.Method == MethodResourcesRead, msg.Method == MethodPromptsGet, msg.Method == MethodToolsCall:
			req, err := DecodeRequest(msg)
			if err != nil {
				s.logger.Warn("invalid capability request", slog.String("err", err.Error()))
				s.sendError(msg.ID, jsonRPCInvalidParamsCode, err.Error())
				continue
			}

			ctx, cancel := context.WithCancel(baseCtx)
			cancels.add(req.ID, cancel)
			handlers.Add(1)
			go func() {
				defer handlers.Done()
				defer cancels.remove(req.ID)
				defer cancel()

				s.handleRequest(ctx, req)
			}()
		default:
			s.sendError(msg.ID, jsonRPCMethodNotFoundCode, errMsgMethodNotFound)
		}
	}
}

// handleInitialize answers an initialize request and reports whether the handshake succeeded.
func (s serverSession) handleInitialize(msg JSONRPCMessage) bool {
	var params initializeParams
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.logger.Info("invalid initialization request", slog.String("err", err.Error()))
		s.sendError(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("invalid initialize params: %s", err))
		return false
	}

	if params.ProtocolVersion != protocolVersion {
		s.logger.Info("unsupported protocol version", slog.String("version", params.ProtocolVersion))
		s.send(JSONRPCMessage{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Error: &JSONRPCError{
				Code:    jsonRPCInvalidParamsCode,
				Message: errMsgUnsupportedProtocolVersion,
				Data: map[string]any{
					"supported": []string{protocolVersion},
					"requested": params.ProtocolVersion,
				},
			},
		})
		return false
	}

	if !s.sendResult(msg.ID, initializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities:    s.serverCapabilities,
		ServerInfo:      s.serverInfo,
		Instructions:    s.instructions,
	}) {
		return false
	}

	s.logger.Info("client connected",
		slog.String("client", params.ClientInfo.Name),
		slog.String("clientVersion", params.ClientInfo.Version))
	if s.onClientConnected != nil {
		s.onClientConnected(s.conn.ID(), params.ClientInfo)
	}

	return true
}

func (s serverSession) handleRequest(ctx context.Context, req Request) {
	resp := s.dispatcher.Dispatch(ctx, req)

	// A cancelled request gets no response.
	if ctx.Err() != nil {
		s.logger.Debug("dropping response of cancelled request", slog.String("id", string(req.ID)))
		return
	}

	uri := ""
	if req.Kind == KindResourceRead {
		uri = req.Name
	}
	msg, err := responseMessage(resp, uri)
	if err != nil {
		s.logger.Error("failed to encode response", slog.String("err", err.Error()))
		s.sendError(req.ID, jsonRPCInternalErrorCode, err.Error())
		return
	}
	s.send(msg)
}

func (s serverSession) sendResult(id MustString, result any) bool {
	bs, err := json.Marshal(result)
	if err != nil {
		s.logger.Error("failed to marshal result", slog.String("err", err.Error()))
		s.sendError(id, jsonRPCInternalErrorCode, err.Error())
		return false
	}
	return s.send(JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: id, Result: bs})
}

// acceptListParams decodes the params of a list request into params. Every list is answered in a
// single page, so a request carrying a cursor is rejected.
func (s serverSession) acceptListParams(msg JSONRPCMessage, params interface{ cursor() string }) bool {
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, params); err != nil {
			s.sendError(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("invalid %s params: %s", msg.Method, err))
			return false
		}
	}
	if cursor := params.cursor(); cursor != "" {
		s.sendError(msg.ID, jsonRPCInvalidParamsCode, fmt.Sprintf("invalid cursor %q", cursor))
		return false
	}
	return true
}

// sendParseError answers a frame that could not be decoded. Its id is unknown, so it is null.
func (s serverSession) sendParseError() {
	frame, err := json.Marshal(struct {
		JSONRPC string        `json:"jsonrpc"`
		ID      *MustString   `json:"id"`
		Error   *JSONRPCError `json:"error"`
	}{
		JSONRPC: JSONRPCVersion,
		Error:   &JSONRPCError{Code: jsonRPCParseErrorCode, Message: errMsgInvalidJSON},
	})
	if err != nil {
		s.logger.Error("failed to encode parse error", slog.String("err", err.Error()))
		return
	}
	s.sendFrame("", frame)
}

func (s serverSession) sendError(id MustString, code int, message string) {
	s.send(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Error:   &JSONRPCError{Code: code, Message: message},
	})
}

func (s serverSession) send(msg JSONRPCMessage) bool {
	frame, err := Encode(msg)
	if err != nil {
		s.logger.Error("failed to encode message", slog.String("err", err.Error()))
		return false
	}
	return s.sendFrame(msg.ID, frame)
}

func (s serverSession) sendFrame(id MustString, frame []byte) bool {
	ctx, cancel := context.WithTimeout(context.Background(), s.sendTimeout)
	defer cancel()

	if err := s.conn.Send(ctx, frame); err != nil {
		s.logger.Error("failed to send message", slog.String("id", string(id)), slog.String("err", err.Error()))
		return false
	}
	return true
}

type requestCancels struct {
	mu      sync.Mutex
	cancels map[MustString]context.CancelFunc
}

func (r *requestCancels) add(id MustString, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancels[id] = cancel
}

func (r *requestCancels) remove(id MustString) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cancels, id)
}

func (r *requestCancels) cancel(id MustString) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cancel, ok := r.cancels[id]
	if ok {
		cancel()
		delete(r.cancels, id)
	}
	return ok
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
