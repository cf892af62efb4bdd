package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
)

type testSuite struct {
	server     mcp.Server
	session    *mcp.Session
	httpServer *httptest.Server
	served     chan struct{}
}

var transportNames = []string{"SSE", "StdIO"}

func TestSessionOpen(t *testing.T) {
	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			s := setupSuite(t, transportName, newTestRegistry(nil))

			assert.Equal(t, mcp.StateReady, s.session.State())
			assert.NotEmpty(t, s.session.ID())
			assert.Equal(t, "test-server", s.session.ServerInfo().Name)
			assert.Equal(t, "Use the tools wisely.", s.session.Instructions())

			caps := s.session.ServerCapabilities()
			assert.NotNil(t, caps.Prompts)
			assert.NotNil(t, caps.Resources)
			assert.NotNil(t, caps.Tools)

			require.NoError(t, s.session.Ping(context.Background()))
		})
	}
}

func TestSessionCapabilityRequests(t *testing.T) {
	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			s := setupSuite(t, transportName, newTestRegistry(nil))
			ctx := context.Background()

			greeting, err := s.session.ReadResource(ctx, "greeting://patient/Ada")
			require.NoError(t, err)
			assert.Equal(t, "Hello Ada", greeting)

			info, err := s.session.ReadResource(ctx, "info://server")
			require.NoError(t, err)
			assert.Equal(t, "test server", info)

			prompt, err := s.session.RenderPrompt(ctx, "assess_symptoms", map[string]string{"symptoms": "fever and cough"})
			require.NoError(t, err)
			assert.Contains(t, prompt, "fever and cough")
			assert.NotContains(t, prompt, "<module")

			echo, err := s.session.CallTool(ctx, "echo", map[string]string{"text": "  hello  "})
			require.NoError(t, err)
			assert.Equal(t, "hello", echo)
		})
	}
}

func TestSessionUnknownCapability(t *testing.T) {
	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			s := setupSuite(t, transportName, newTestRegistry(nil))
			ctx := context.Background()

			_, err := s.session.CallTool(ctx, "nope", nil)
			var remoteErr *mcp.RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Contains(t, remoteErr.Message, "capability not found")
			assert.Equal(t, mcp.StateReady, s.session.State())

			_, err = s.session.ReadResource(ctx, "unknown://resource")
			require.ErrorAs(t, err, &remoteErr)
			assert.Contains(t, remoteErr.Message, "capability not found")

			// The session keeps serving after the failure.
			echo, err := s.session.CallTool(ctx, "echo", map[string]string{"text": "still here"})
			require.NoError(t, err)
			assert.Equal(t, "still here", echo)
		})
	}
}

func TestSessionHandlerFailures(t *testing.T) {
	tests := []struct {
		name        string
		tool        string
		args        map[string]string
		wantMessage string
	}{
		{name: "handler error", tool: "fail", wantMessage: "model unavailable"},
		{name: "handler panic", tool: "panic", wantMessage: "boom"},
		{name: "missing argument", tool: "echo", args: map[string]string{}, wantMessage: "missing required arguments"},
	}

	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			s := setupSuite(t, transportName, newTestRegistry(nil))
			ctx := context.Background()

			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					_, err := s.session.CallTool(ctx, tt.tool, tt.args)
					var remoteErr *mcp.RemoteError
					require.ErrorAs(t, err, &remoteErr)
					assert.Contains(t, remoteErr.Message, tt.wantMessage)

					echo, err := s.session.CallTool(ctx, "echo", map[string]string{"text": "alive"})
					require.NoError(t, err)
					assert.Equal(t, "alive", echo)
				})
			}
		})
	}
}

func TestSessionListings(t *testing.T) {
	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			s := setupSuite(t, transportName, newTestRegistry(nil))
			ctx := context.Background()

			tools, err := s.session.ListTools(ctx)
			require.NoError(t, err)
			names := make([]string, 0, len(tools))
			for _, tool := range tools {
				names = append(names, tool.Name)
			}
			assert.Equal(t, []string{"echo", "fail", "panic"}, names)

			var schema struct {
				Type       string                     `json:"type"`
				Properties map[string]json.RawMessage `json:"properties"`
				Required   []string                   `json:"required"`
			}
			require.NoError(t, json.Unmarshal(tools[0].InputSchema, &schema))
			assert.Equal(t, "object", schema.Type)
			assert.Contains(t, schema.Properties, "text")
			assert.Equal(t, []string{"text"}, schema.Required)

			prompts, err := s.session.ListPrompts(ctx)
			require.NoError(t, err)
			require.Len(t, prompts, 1)
			assert.Equal(t, "assess_symptoms", prompts[0].Name)
			assert.Equal(t, []mcp.PromptArgument{{
				Name:        "symptoms",
				Description: "Symptoms reported by the patient",
				Required:    true,
			}}, prompts[0].Arguments)

			templates, err := s.session.ListResourceTemplates(ctx)
			require.NoError(t, err)
			require.Len(t, templates, 1)
			assert.Equal(t, "greeting://patient/{name}", templates[0].URITemplate)

			resources, err := s.session.ListResources(ctx)
			require.NoError(t, err)
			require.Len(t, resources, 1)
			assert.Equal(t, "info://server", resources[0].URI)
		})
	}
}

func TestSessionConcurrentRequests(t *testing.T) {
	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			s := setupSuite(t, transportName, newTestRegistry(nil))

			const n = 16
			results := make([]string, n)
			errs := make([]error, n)

			var wg sync.WaitGroup
			for i := range n {
				wg.Add(1)
				go func() {
					defer wg.Done()
					results[i], errs[i] = s.session.CallTool(context.Background(), "echo",
						map[string]string{"text": fmt.Sprintf("msg-%d", i)})
				}()
			}
			wg.Wait()

			for i := range n {
				require.NoError(t, errs[i])
				assert.Equal(t, fmt.Sprintf("msg-%d", i), results[i])
			}
		})
	}
}

func TestSessionCancelRequest(t *testing.T) {
	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			probe := newBlockProbe()
			s := setupSuite(t, transportName, newTestRegistry(probe))

			ctx, cancel := context.WithCancel(context.Background())
			errs := make(chan error, 1)
			go func() {
				_, err := s.session.CallTool(ctx, "block", nil)
				errs <- err
			}()

			select {
			case <-probe.started:
			case <-time.After(5 * time.Second):
				t.Fatal("blocking tool was not invoked")
			}
			cancel()

			select {
			case err := <-errs:
				require.ErrorIs(t, err, context.Canceled)
			case <-time.After(5 * time.Second):
				t.Fatal("cancelled request did not return")
			}

			select {
			case <-probe.cancelled:
			case <-time.After(5 * time.Second):
				t.Fatal("server handler was not cancelled")
			}

			echo, err := s.session.CallTool(context.Background(), "echo", map[string]string{"text": "after cancel"})
			require.NoError(t, err)
			assert.Equal(t, "after cancel", echo)
		})
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	for _, transportName := range transportNames {
		t.Run(transportName, func(t *testing.T) {
			s := setupSuite(t, transportName, newTestRegistry(nil))

			require.NoError(t, s.session.Close())
			require.NoError(t, s.session.Close())
			assert.Equal(t, mcp.StateClosed, s.session.State())

			_, err := s.session.ReadResource(context.Background(), "greeting://patient/Ada")
			require.ErrorIs(t, err, mcp.ErrSessionNotReady)

			// A stdio server has a single peer, so it stops serving once the client went away.
			if transportName != "StdIO" {
				return
			}
			select {
			case <-s.served:
			case <-time.After(5 * time.Second):
				t.Fatal("server kept serving after the client closed")
			}
		})
	}
}

func setupSuite(t *testing.T, transportName string, registry *mcp.Registry) *testSuite {
	t.Helper()

	s := &testSuite{served: make(chan struct{})}

	var serverTransport mcp.ServerTransport
	var clientTransport mcp.ClientTransport
	if transportName == "SSE" {
		serverTransport, clientTransport, s.httpServer = setupSSE()
	} else {
		serverTransport, clientTransport = setupStdIO()
	}

	s.server = mcp.NewServer(
		mcp.Info{Name: "test-server", Version: "1.0"},
		serverTransport,
		registry,
		mcp.WithInstructions("Use the tools wisely."),
	)
	go func() {
		defer close(s.served)
		s.server.Serve()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sess, err := mcp.Open(ctx, clientTransport, mcp.WithSessionInfo(mcp.Info{Name: "test-client", Version: "1.0"}))
	require.NoError(t, err)
	s.session = sess

	t.Cleanup(s.teardown)

	return s
}

func setupSSE() (mcp.SSEServer, *mcp.SSEClient, *httptest.Server) {
	mux := http.NewServeMux()
	httpSrv := httptest.NewServer(mux)
	connectURL := fmt.Sprintf("%s/sse", httpSrv.URL)
	msgURL := fmt.Sprintf("%s/message", httpSrv.URL)

	srv := mcp.NewSSEServer(msgURL)

	mux.Handle("/sse", srv.HandleSSE())
	mux.Handle("/message", srv.HandleMessage())

	cli := mcp.NewSSEClient(connectURL, httpSrv.Client())

	return srv, cli, httpSrv
}

func setupStdIO() (mcp.StdIO, mcp.StdIO) {
	srvReader, srvWriter := io.Pipe()
	cliReader, cliWriter := io.Pipe()

	// server's output is client's input
	srvIO := mcp.NewStdIO(srvReader, cliWriter)
	// client's output is server's input
	cliIO := mcp.NewStdIO(cliReader, srvWriter)

	return srvIO, cliIO
}

func (s *testSuite) teardown() {
	_ = s.session.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		panic(err)
	}
	<-s.served

	if s.httpServer != nil {
		s.httpServer.Close()
	}
}
