package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tmaxmax/go-sse"
)

// SSEServer implements a framework-agnostic Server-Sent Events (SSE) ServerTransport. Frames to
// the client are streamed as "message" events, and frames from the client arrive as HTTP POST
// requests on the message endpoint announced by the first "endpoint" event.
//
// The server provides connection management and frame routing through its HandleSSE and
// HandleMessage http.Handlers. These handlers can be integrated with any HTTP framework.
//
// Instances should be created using NewSSEServer and shut down using Shutdown when no longer
// needed.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	conns          chan *sseServerConn
	removedConns   chan string
	receivedFrames chan sseConnFrame

	done   chan struct{}
	closed chan struct{}
}

// SSEServerOption represents the options for the SSEServer.
type SSEServerOption func(*SSEServer)

// SSEClient implements a Server-Sent Events (SSE) ClientTransport. Open connects to the SSE
// stream, waits for the message endpoint and returns a Conn that posts frames to it.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

type sseServerConn struct {
	id       string
	sess     *sse.Session
	logger   *slog.Logger
	received chan []byte

	sendFrames chan sseSendFrame

	closeOnce  sync.Once
	goneOnce   sync.Once
	done       chan struct{}
	peerGone   chan struct{}
	sendClosed chan struct{}
}

type sseConnFrame struct {
	connID   string
	frame    []byte
	accepted chan bool
}

type sseSendFrame struct {
	msg  *sse.Message
	errs chan error
}

type sseClientConn struct {
	id         string
	httpClient *http.Client
	messageURL string
	logger     *slog.Logger

	body   io.ReadCloser
	cancel context.CancelFunc

	ready  chan error
	frames chan frameWithErr

	closeOnce sync.Once
	done      chan struct{}
}

// NewSSEServer creates and initializes a new SSE server that tells clients to post their frames
// to messageURL. The server is immediately operational upon creation. The returned SSEServer must
// be shut down using Shutdown when no longer needed.
func NewSSEServer(messageURL string, options ...SSEServerOption) SSEServer {
	s := SSEServer{
		messageURL:     messageURL,
		logger:         slog.Default(),
		conns:          make(chan *sseServerConn),
		removedConns:   make(chan string),
		receivedFrames: make(chan sseConnFrame),
		done:           make(chan struct{}),
		closed:         make(chan struct{}),
	}
	for _, opt := range options {
		opt(&s)
	}
	return s
}

// WithSSEServerLogger sets the logger of the SSE server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "sse-server"),
		)
	}
}

// NewSSEClient creates an SSE client that connects to the specified connectURL. The optional
// httpClient parameter allows custom HTTP client configuration - if nil, the default HTTP
// client is used.
func NewSSEClient(connectURL string, httpClient *http.Client, options ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	s := &SSEClient{
		connectURL: connectURL,
		httpClient: cli,
		logger:     slog.Default(),
	}

	for _, opt := range options {
		opt(s)
	}

	return s
}

// WithSSEClientMaxPayloadSize sets the maximum size of the payload that can be received
// from the server. If the payload size exceeds this limit, the error will be logged and
// the connection ends with a *TransportError.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(s *SSEClient) {
		s.maxPayloadSize = size
	}
}

// WithSSEClientLogger sets the logger of the SSE client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(s *SSEClient) {
		s.logger = logger.With(
			slog.String("package", "go-mcp"),
			slog.String("component", "sse-client"),
		)
	}
}

// Conns implements the ServerTransport interface. The iterator yields a Conn for every client
// that connects through HandleSSE, and returns when the server is shut down.
func (s SSEServer) Conns() iter.Seq[Conn] {
	return func(yield func(Conn) bool) {
		defer close(s.closed)

		// Store all active connections in a map for easy lookup when we receive a new frame.
		connsMap := make(map[string]*sseServerConn)

		for {
			select {
			case <-s.done:
				return
			case conn := <-s.conns:
				connsMap[conn.id] = conn

				if !yield(conn) {
					return
				}
			case connID := <-s.removedConns:
				delete(connsMap, connID)
			case f := <-s.receivedFrames:
				conn, ok := connsMap[f.connID]
				if !ok {
					f.accepted <- false
					continue
				}

				// Forward the frame to the connection, and drop it if the connection is already closed.
				select {
				case <-s.done:
					f.accepted <- false
					return
				case <-conn.done:
					f.accepted <- false
				case conn.received <- f.frame:
					f.accepted <- true
				}
			}
		}
	}
}

// Shutdown implements the ServerTransport interface. It stops the Conns iteration and blocks until
// it returned, or until ctx ends. Open HandleSSE streams are terminated.
func (s SSEServer) Shutdown(ctx context.Context) error {
	// Signal the server to shutdown.
	close(s.done)

	// Wait for main loop to finish.
	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to close SSE server: %w", ctx.Err())
	case <-s.closed:
	}
	return nil
}

// HandleSSE returns an http.Handler for managing SSE connections over GET requests.
// The handler upgrades HTTP connections to SSE, assigns unique connection IDs, and
// provides clients with their message endpoints. The connection remains active until
// the client disconnects, the Conn is closed or the server shuts down.
func (s SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		connID := uuid.New().String()

		conn := &sseServerConn{
			id:         connID,
			sess:       sess,
			logger:     s.logger.With(slog.String("connID", connID)),
			received:   make(chan []byte, 5),
			sendFrames: make(chan sseSendFrame),
			done:       make(chan struct{}),
			peerGone:   make(chan struct{}),
			sendClosed: make(chan struct{}),
		}
		go conn.processSendFrames()

		// The connection is registered before the client learns its endpoint, so the first POST
		// always finds it.
		select {
		case s.conns <- conn:
		case <-s.done:
			_ = conn.Close()
			return
		case <-r.Context().Done():
			_ = conn.Close()
			return
		}

		// Form an url for the client that can be used to communicate with this connection.
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, connID)

		// Use the type "endpoint" to indicate the endpoint URL.
		msg := &sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := conn.sendEvent(r.Context(), msg); err != nil {
			s.logger.Error("failed to write endpoint", slog.String("err", err.Error()))
			_ = conn.Close()
		}

		// Block until the connection ends, so the stream is left open. The send loop must be stopped
		// before returning, since it writes to w.
		select {
		case <-conn.done:
		case <-s.done:
		case <-r.Context().Done():
			conn.goneOnce.Do(func() { close(conn.peerGone) })
		}
		_ = conn.Close()

		// Notify the main loop that this connection is closed.
		select {
		case s.removedConns <- connID:
		case <-s.done:
		}
	})
}

// HandleMessage returns an http.Handler for processing client frames sent via POST requests. The
// handler expects a sessionID query parameter and a JSON body, and answers 202 Accepted once the
// frame was routed to its connection.
func (s SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		connID := r.URL.Query().Get("sessionID")
		if connID == "" {
			nErr := fmt.Errorf("missing sessionID query parameter")
			s.logger.Warn("missing sessionID query parameter", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			nErr := fmt.Errorf("failed to read body: %w", err)
			s.logger.Warn("failed to read body", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusBadRequest)
			return
		}
		body = bytes.TrimSpace(body)
		if !json.Valid(body) {
			s.logger.Warn("received invalid json", slog.String("connID", connID))
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}

		f := sseConnFrame{connID: connID, frame: body, accepted: make(chan bool, 1)}

		// Feed the receivedFrames channel so the Conns loop can route it to the correct connection.
		select {
		case <-s.done:
			http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		case s.receivedFrames <- f:
		}

		var accepted bool
		select {
		case <-s.done:
		case <-r.Context().Done():
			return
		case accepted = <-f.accepted:
		}
		if !accepted {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		w.WriteHeader(http.StatusAccepted)
	})
}

// Open implements the ClientTransport interface. It connects to the SSE stream and waits for the
// endpoint event. The stream lives until the returned Conn is closed.
func (s *SSEClient) Open(ctx context.Context) (Conn, error) {
	streamCtx, cancel := context.WithCancel(context.Background())

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, s.connectURL, nil)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		cancel()
		return nil, &TransportError{Op: "connect", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	conn := &sseClientConn{
		id:         uuid.New().String(),
		httpClient: s.httpClient,
		logger:     s.logger,
		body:       resp.Body,
		cancel:     cancel,
		ready:      make(chan error, 1),
		frames:     make(chan frameWithErr),
		done:       make(chan struct{}),
	}

	var config *sse.ReadConfig
	if s.maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: s.maxPayloadSize,
		}
	}

	go conn.listen(s.connectURL, config)

	select {
	case err := <-conn.ready:
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
	case <-ctx.Done():
		_ = conn.Close()
		return nil, &TransportError{Op: "connect", Err: ctx.Err()}
	}

	return conn, nil
}

func (c *sseServerConn) ID() string { return c.id }

func (c *sseServerConn) Send(ctx context.Context, frame []byte) error {
	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(frame))

	return c.sendEvent(ctx, msg)
}

func (c *sseServerConn) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case frame := <-c.received:
				if !yield(frame, nil) {
					return
				}
			case <-c.peerGone:
				yield(nil, ErrTransportClosed)
				return
			case <-c.done:
				select {
				case <-c.peerGone:
					yield(nil, ErrTransportClosed)
				default:
				}
				return
			}
		}
	}
}

func (c *sseServerConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		<-c.sendClosed
	})
	return nil
}

func (c *sseServerConn) processSendFrames() {
	defer close(c.sendClosed)

	for {
		select {
		case sf := <-c.sendFrames:
			// Send and flush the frame to the client.
			err := c.sess.Send(sf.msg)
			if err == nil {
				err = c.sess.Flush()
			}
			if err != nil {
				c.logger.Warn("failed to send frame", slog.String("err", err.Error()))
			}
			sf.errs <- err
		case <-c.done:
			return
		}
	}
}

func (c *sseServerConn) sendEvent(ctx context.Context, msg *sse.Message) error {
	errs := make(chan error, 1)

	// Queue the event for sending to avoid race in the sse library
	select {
	case c.sendFrames <- sseSendFrame{msg: msg, errs: errs}:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTransportClosed
	}

	// Wait and return the error if any
	select {
	case err := <-errs:
		if err != nil {
			return &TransportError{Op: "write", Err: err}
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrTransportClosed
	}
}

func (c *sseClientConn) ID() string { return c.id }

func (c *sseClientConn) Send(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrTransportClosed
	default:
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.messageURL, bytes.NewReader(frame))
	if err != nil {
		return &TransportError{Op: "write", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "write", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return &TransportError{Op: "write", Err: fmt.Errorf("unexpected status code: %d", resp.StatusCode)}
	}

	return nil
}

func (c *sseClientConn) Frames() iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			var fwe frameWithErr
			select {
			case <-c.done:
				return
			case fwe = <-c.frames:
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

func (c *sseClientConn) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.cancel()
		_ = c.body.Close()
	})
	return nil
}

func (c *sseClientConn) listen(connectURL string, config *sse.ReadConfig) {
	endpointSet := false
	end := error(ErrTransportClosed)

	for ev, err := range sse.Read(c.body, config) {
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			c.logger.Error("failed to read SSE event", slog.String("err", err.Error()))
			end = &TransportError{Op: "read", Err: err}
			break
		}

		switch ev.Type {
		case "endpoint":
			if endpointSet {
				c.logger.Warn("ignoring repeated endpoint event", slog.String("endpoint", ev.Data))
				continue
			}
			endpoint, err := resolveEndpoint(connectURL, ev.Data)
			if err != nil {
				c.ready <- &TransportError{Op: "connect", Err: err}
				return
			}
			c.messageURL = endpoint
			endpointSet = true
			c.ready <- nil
		case "message":
			if !endpointSet {
				c.logger.Error("received message before endpoint URL")
				continue
			}

			select {
			case c.frames <- frameWithErr{frame: []byte(ev.Data)}:
			case <-c.done:
				return
			}
		default:
			c.logger.Warn("unhandled event type", slog.String("type", ev.Type))
		}
	}

	if !endpointSet {
		c.ready <- &TransportError{Op: "connect", Err: errors.New("stream ended before the endpoint event")}
		return
	}

	select {
	case c.frames <- frameWithErr{err: end}:
	case <-c.done:
	}
}

// resolveEndpoint resolves the announced endpoint against the connect URL, so servers may announce
// a path only.
func resolveEndpoint(connectURL, endpoint string) (string, error) {
	if endpoint == "" {
		return "", errors.New("empty endpoint URL")
	}
	base, err := url.Parse(connectURL)
	if err != nil {
		return "", fmt.Errorf("parse connect URL: %w", err)
	}
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint URL: %w", err)
	}
	return base.ResolveReference(ref).String(), nil
}
