package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SessionState is the lifecycle state of a Session.
type SessionState int32

// SessionState values.
const (
	StateUnopened SessionState = iota
	StateHandshaking
	StateReady
	StateClosing
	StateClosed
)

// Session is the client side of one MCP connection. It performs the initialize handshake, issues
// capability requests and correlates each response to the caller that issued it by request id.
//
// A Session must be created with Open, and is safe for concurrent use: several requests may be in
// flight at once, and responses are delivered by id regardless of their arrival order. Close
// releases the connection and may be called from any goroutine, any number of times.
type Session struct {
	id   string
	info Info
	conn Conn

	serverInfo         Info
	serverCapabilities ServerCapabilities
	instructions       string

	state  atomic.Int32
	nextID atomic.Uint64

	requestTimeout time.Duration
	writeTimeout   time.Duration
	strayHandler   func(JSONRPCMessage)
	logger         *slog.Logger

	registers   chan pendingRegistration
	unregisters chan MustString
	inbound     chan inboundMessage

	closeOnce sync.Once
	done      chan struct{}
	loopDone  chan struct{}
}

// SessionOption configures a Session.
type SessionOption func(*Session)

type pendingRequest struct {
	method    string
	submitted time.Time
	results   chan pendingResult
}

type pendingResult struct {
	msg JSONRPCMessage
	err error
}

type pendingRegistration struct {
	id  MustString
	req *pendingRequest
}

type inboundMessage struct {
	msg JSONRPCMessage
	err error
}

var (
	defaultSessionRequestTimeout = 30 * time.Second
	defaultSessionWriteTimeout   = 30 * time.Second

	defaultSessionInfo = Info{Name: "go-mcp-medbot", Version: "0.1.0"}
)

// WithSessionInfo sets the client info sent during the handshake.
func WithSessionInfo(info Info) SessionOption {
	return func(s *Session) {
		s.info = info
	}
}

// WithRequestTimeout sets how long a request waits for its response. A request that times out
// fails with ErrTimeout and does not affect other requests. Zero or less disables the timeout.
func WithRequestTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.requestTimeout = timeout
	}
}

// WithSessionWriteTimeout sets the timeout for writing one frame to the transport.
func WithSessionWriteTimeout(timeout time.Duration) SessionOption {
	return func(s *Session) {
		s.writeTimeout = timeout
	}
}

// WithSessionLogger sets the logger of the session.
func WithSessionLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "session"),
		)
	}
}

// WithStrayResponseHandler sets a hook that receives responses whose id matches no outstanding
// request. Each call runs on its own goroutine, so the hook may block or close the session.
func WithStrayResponseHandler(handler func(JSONRPCMessage)) SessionOption {
	return func(s *Session) {
		s.strayHandler = handler
	}
}

// Open opens a connection with transport and performs the initialize handshake. On success the
// returned Session is in StateReady.
//
// Any failure during the handshake, including a transport that cannot be opened, is reported as a
// *HandshakeError wrapping the cause, and everything acquired so far is released before returning.
func Open(ctx context.Context, transport ClientTransport, options ...SessionOption) (*Session, error) {
	s := &Session{
		id:             uuid.New().String(),
		info:           defaultSessionInfo,
		requestTimeout: defaultSessionRequestTimeout,
		writeTimeout:   defaultSessionWriteTimeout,
		logger:         slog.Default(),
		registers:      make(chan pendingRegistration),
		unregisters:    make(chan MustString),
		inbound:        make(chan inboundMessage),
		done:           make(chan struct{}),
		loopDone:       make(chan struct{}),
	}
	for _, opt := range options {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("sessionID", s.id))

	s.state.Store(int32(StateHandshaking))

	conn, err := transport.Open(ctx)
	if err != nil {
		s.state.Store(int32(StateClosed))
		return nil, &HandshakeError{Err: err}
	}
	s.conn = conn

	go s.readFrames()
	go s.listen()

	if err := s.handshake(ctx); err != nil {
		s.logger.Error("handshake failed", slog.String("err", err.Error()))
		_ = s.Close()
		return nil, &HandshakeError{Err: err}
	}

	if !s.state.CompareAndSwap(int32(StateHandshaking), int32(StateReady)) {
		_ = s.Close()
		return nil, &HandshakeError{Err: ErrTransportClosed}
	}
	s.logger.Info("session ready",
		slog.String("server", s.serverInfo.Name),
		slog.String("serverVersion", s.serverInfo.Version))

	return s, nil
}

// ID returns the random identifier of the session.
func (s *Session) ID() string {
	return s.id
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// ServerInfo returns the server info received during the handshake.
func (s *Session) ServerInfo() Info {
	return s.serverInfo
}

// ServerCapabilities returns the capabilities the server advertised during the handshake.
func (s *Session) ServerCapabilities() ServerCapabilities {
	return s.serverCapabilities
}

// Instructions returns the usage instructions the server sent during the handshake, if any.
func (s *Session) Instructions() string {
	return s.instructions
}

// Call issues one capability request and waits for its response. A Failure outcome is returned
// as a *RemoteError alongside the decoded Response.
func (s *Session) Call(ctx context.Context, kind Kind, name string, args map[string]string) (Response, error) {
	if s.State() != StateReady {
		return Response{}, ErrSessionNotReady
	}

	msg, err := requestMessage(Request{Kind: kind, Name: name, Arguments: args})
	if err != nil {
		return Response{}, err
	}

	res, err := s.roundTrip(ctx, msg)
	if err != nil {
		return Response{}, err
	}

	resp, err := DecodeResponse(res, kind)
	if err != nil {
		return Response{}, err
	}
	if resp.Failure != nil {
		return resp, &RemoteError{Code: resp.Failure.Code, Message: resp.Failure.Message}
	}
	return resp, nil
}

// ReadResource reads the resource at uri and returns its text.
func (s *Session) ReadResource(ctx context.Context, uri string) (string, error) {
	resp, err := s.Call(ctx, KindResourceRead, uri, nil)
	if err != nil {
		return "", err
	}
	return JoinText(resp.Payload.Chunks), nil
}

// RenderPrompt renders the named prompt with args and returns the prompt text. Framing lines and
// other non-text content are dropped. When the server returned no messages, the prompt description
// is returned instead, and failing that the raw result.
func (s *Session) RenderPrompt(ctx context.Context, name string, args map[string]string) (string, error) {
	resp, err := s.Call(ctx, KindPromptRender, name, args)
	if err != nil {
		return "", err
	}

	var texts []string
	for _, c := range resp.Payload.Chunks {
		if tc, ok := c.(TextChunk); ok {
			texts = append(texts, tc.Text)
		}
	}
	if len(texts) > 0 {
		return strings.TrimSpace(strings.Join(texts, "\n")), nil
	}

	if resp.Payload.Description != "" {
		return strings.TrimSpace(resp.Payload.Description), nil
	}
	return strings.TrimSpace(string(resp.Payload.Raw)), nil
}

// CallTool calls the named tool with args and returns its text output.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]string) (string, error) {
	resp, err := s.Call(ctx, KindToolCall, name, args)
	if err != nil {
		return "", err
	}
	return JoinText(resp.Payload.Chunks), nil
}

// Ping checks that the server is responsive.
func (s *Session) Ping(ctx context.Context) error {
	_, err := s.request(ctx, methodPing, nil)
	return err
}

// ListTools lists the tools of the server.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	var result ListToolsResult
	if err := s.list(ctx, MethodToolsList, ListToolsParams{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// ListPrompts lists the prompts of the server.
func (s *Session) ListPrompts(ctx context.Context) ([]Prompt, error) {
	var result ListPromptResult
	if err := s.list(ctx, MethodPromptsList, ListPromptsParams{}, &result); err != nil {
		return nil, err
	}
	return result.Prompts, nil
}

// ListResources lists the concrete resources of the server.
func (s *Session) ListResources(ctx context.Context) ([]Resource, error) {
	var result ListResourcesResult
	if err := s.list(ctx, MethodResourcesList, ListResourcesParams{}, &result); err != nil {
		return nil, err
	}
	return result.Resources, nil
}

// ListResourceTemplates lists the resource templates of the server.
func (s *Session) ListResourceTemplates(ctx context.Context) ([]ResourceTemplate, error) {
	var result ListResourceTemplatesResult
	if err := s.list(ctx, MethodResourcesTemplatesList, ListResourceTemplatesParams{}, &result); err != nil {
		return nil, err
	}
	return result.Templates, nil
}

// Close ends the session and releases the transport. Outstanding requests fail with
// ErrTransportClosed. Close is idempotent and never fails on repeated calls.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosing))
		close(s.done)

		if err := s.conn.Close(); err != nil {
			s.logger.Warn("failed to close connection", slog.String("err", err.Error()))
		}
		<-s.loopDone

		s.state.Store(int32(StateClosed))
		s.logger.Info("session closed")
	})
	return nil
}

func (s *Session) handshake(ctx context.Context) error {
	params, err := json.Marshal(initializeParams{
		ProtocolVersion: protocolVersion,
		Capabilities:    ClientCapabilities{},
		ClientInfo:      s.info,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal initialize params: %w", err)
	}

	res, err := s.roundTrip(ctx, JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		Method:  methodInitialize,
		Params:  params,
	})
	if err != nil {
		return err
	}
	if res.Error != nil {
		return &RemoteError{Code: res.Error.Code, Message: res.Error.Message}
	}

	var result initializeResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		return &DecodeError{Frame: res.Result, Err: err}
	}
	if result.ProtocolVersion != protocolVersion {
		return fmt.Errorf("unsupported protocol version %q", result.ProtocolVersion)
	}

	s.serverInfo = result.ServerInfo
	s.serverCapabilities = result.Capabilities
	s.instructions = result.Instructions

	return s.notify(ctx, methodNotificationsInitialized, nil)
}

func (s *Session) request(ctx context.Context, method string, params any) (JSONRPCMessage, error) {
	if s.State() != StateReady {
		return JSONRPCMessage{}, ErrSessionNotReady
	}

	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	res, err := s.roundTrip(ctx, msg)
	if err != nil {
		return JSONRPCMessage{}, err
	}
	if res.Error != nil {
		return JSONRPCMessage{}, &RemoteError{Code: res.Error.Code, Message: res.Error.Message}
	}
	return res, nil
}

func (s *Session) list(ctx context.Context, method string, params, result any) error {
	res, err := s.request(ctx, method, params)
	if err != nil {
		return err
	}
	if err := unmarshalResult(res.Result, result); err != nil {
		return fmt.Errorf("failed to decode %s result: %w", method, err)
	}
	return nil
}

// roundTrip assigns msg the next request id, records it as pending, sends it and waits for the
// response carrying the same id.
func (s *Session) roundTrip(ctx context.Context, msg JSONRPCMessage) (JSONRPCMessage, error) {
	id := MustString(strconv.FormatUint(s.nextID.Add(1), 10))
	msg.ID = id

	frame, err := Encode(msg)
	if err != nil {
		return JSONRPCMessage{}, err
	}

	req := &pendingRequest{
		method:    msg.Method,
		submitted: time.Now(),
		results:   make(chan pendingResult, 1),
	}

	// The entry is owned by the dispatch goroutine from here on, and is in place before the frame
	// leaves, so the response can't outrun it.
	select {
	case <-ctx.Done():
		return JSONRPCMessage{}, ctx.Err()
	case <-s.done:
		return JSONRPCMessage{}, ErrTransportClosed
	case s.registers <- pendingRegistration{id: id, req: req}:
	}

	if err := s.send(ctx, frame); err != nil {
		s.unregister(id)
		return JSONRPCMessage{}, err
	}

	var timeout <-chan time.Time
	if s.requestTimeout > 0 {
		timer := time.NewTimer(s.requestTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case res := <-req.results:
		return res.msg, res.err
	case <-timeout:
		s.unregister(id)
		s.logger.Warn("request timed out",
			slog.String("id", string(id)),
			slog.String("method", msg.Method),
			slog.Duration("timeout", s.requestTimeout))
		return JSONRPCMessage{}, ErrTimeout
	case <-ctx.Done():
		s.unregister(id)
		err := ctx.Err()
		if errors.Is(err, context.Canceled) {
			nErr := s.notify(context.WithoutCancel(ctx), methodNotificationsCancelled, notificationsCancelledParams{
				RequestID: id,
				Reason:    userCancelledReason,
			})
			if nErr != nil {
				err = fmt.Errorf("%w: failed to send notification: %w", err, nErr)
			}
		}
		return JSONRPCMessage{}, err
	case <-s.done:
		select {
		case res := <-req.results:
			return res.msg, res.err
		default:
		}
		return JSONRPCMessage{}, ErrTransportClosed
	}
}

func (s *Session) unregister(id MustString) {
	select {
	case s.unregisters <- id:
	case <-s.done:
	}
}

func (s *Session) notify(ctx context.Context, method string, params any) error {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, Method: method}
	if params != nil {
		bs, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to marshal params: %w", err)
		}
		msg.Params = bs
	}

	frame, err := Encode(msg)
	if err != nil {
		return err
	}
	return s.send(ctx, frame)
}

func (s *Session) send(ctx context.Context, frame []byte) error {
	sCtx, sCancel := context.WithTimeout(ctx, s.writeTimeout)
	defer sCancel()

	return s.conn.Send(sCtx, frame)
}

func (s *Session) readFrames() {
	for frame, err := range s.conn.Frames() {
		in := inboundMessage{err: err}
		if err == nil {
			in.msg, in.err = Decode(frame)
		}

		select {
		case s.inbound <- in:
		case <-s.done:
			return
		}

		if in.err != nil {
			return
		}
	}
}

// listen owns the pending map. Every registration, removal and response delivery goes through it.
func (s *Session) listen() {
	defer close(s.loopDone)

	pending := make(map[MustString]*pendingRequest)

	for {
		select {
		case <-s.done:
			failPending(pending, ErrTransportClosed)
			return
		case reg := <-s.registers:
			pending[reg.id] = reg.req
		case id := <-s.unregisters:
			delete(pending, id)
		case in := <-s.inbound:
			if in.err != nil {
				if errors.Is(in.err, ErrTransportClosed) {
					s.logger.Info("server closed the connection")
				} else {
					s.logger.Error("failed to receive message", slog.String("err", in.err.Error()))
				}
				s.state.Store(int32(StateClosing))
				failPending(pending, in.err)
				go s.Close()
				return
			}
			s.handleMessage(pending, in.msg)
		}
	}
}

func (s *Session) handleMessage(pending map[MustString]*pendingRequest, msg JSONRPCMessage) {
	switch {
	case msg.isResponse():
		req, ok := pending[msg.ID]
		if !ok {
			s.logger.Warn("received response for unknown request", slog.String("id", string(msg.ID)))
			if s.strayHandler != nil {
				go s.strayHandler(msg)
			}
			return
		}
		delete(pending, msg.ID)
		req.results <- pendingResult{msg: msg}
		s.logger.Debug("request completed",
			slog.String("id", string(msg.ID)),
			slog.String("method", req.method),
			slog.Duration("elapsed", time.Since(req.submitted)))
	case msg.isNotification():
		s.logger.Debug("received notification", slog.String("method", msg.Method))
	case msg.Method == methodPing:
		go s.reply(msg.ID, json.RawMessage("{}"), nil)
	case msg.Method != "":
		s.logger.Warn("received unsupported request", slog.String("method", msg.Method))
		go s.reply(msg.ID, nil, &JSONRPCError{Code: jsonRPCMethodNotFoundCode, Message: errMsgMethodNotFound})
	default:
		s.logger.Warn("received message without id or method")
		if s.strayHandler != nil {
			go s.strayHandler(msg)
		}
	}
}

func (s *Session) reply(id MustString, result json.RawMessage, rpcErr *JSONRPCError) {
	frame, err := Encode(JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      id,
		Result:  result,
		Error:   rpcErr,
	})
	if err != nil {
		s.logger.Error("failed to encode reply", slog.String("err", err.Error()))
		return
	}
	if err := s.send(context.Background(), frame); err != nil {
		s.logger.Warn("failed to send reply", slog.String("id", string(id)), slog.String("err", err.Error()))
	}
}

func failPending(pending map[MustString]*pendingRequest, err error) {
	for id, req := range pending {
		req.results <- pendingResult{err: err}
		delete(pending, id)
	}
}

func (s SessionState) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateHandshaking:
		return "handshaking"
	case StateReady:
		return "ready"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}
