package mcp_test

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
)

// scriptedPeer plays the server side of a session frame by frame, so tests control exactly what
// the session receives and in which order.
type scriptedPeer struct {
	t      *testing.T
	reader *bufio.Reader
	writer *io.PipeWriter
}

func newScriptedPeer(t *testing.T) (*scriptedPeer, mcp.StdIO) {
	t.Helper()

	clientReader, peerWriter := io.Pipe()
	peerReader, clientWriter := io.Pipe()

	p := &scriptedPeer{
		t:      t,
		reader: bufio.NewReader(peerReader),
		writer: peerWriter,
	}
	t.Cleanup(func() {
		_ = peerWriter.Close()
		_ = peerReader.Close()
	})

	return p, mcp.NewStdIO(clientReader, clientWriter)
}

func (p *scriptedPeer) next() mcp.JSONRPCMessage {
	p.t.Helper()

	type lineWithErr struct {
		line []byte
		err  error
	}
	lines := make(chan lineWithErr, 1)
	go func() {
		line, err := p.reader.ReadBytes('\n')
		lines <- lineWithErr{line: line, err: err}
	}()

	select {
	case l := <-lines:
		require.NoError(p.t, l.err)
		var msg mcp.JSONRPCMessage
		require.NoError(p.t, json.Unmarshal(l.line, &msg))
		return msg
	case <-time.After(5 * time.Second):
		p.t.Fatal("timeout waiting for a frame from the session")
	}
	return mcp.JSONRPCMessage{}
}

func (p *scriptedPeer) send(frame string) {
	p.t.Helper()

	_, err := io.WriteString(p.writer, frame+"\n")
	require.NoError(p.t, err)
}

func (p *scriptedPeer) reply(id mcp.MustString, result string) {
	p.t.Helper()

	p.send(fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":%s}`, string(id), result))
}

// acceptHandshake answers the initialize request and consumes the initialized notification.
func (p *scriptedPeer) acceptHandshake() {
	p.t.Helper()

	init := p.next()
	require.Equal(p.t, "initialize", init.Method)
	p.reply(init.ID, `{"protocolVersion":"2024-11-05","capabilities":{"tools":{},"prompts":{}},"serverInfo":{"name":"scripted","version":"0.0.1"}}`)

	notif := p.next()
	require.Equal(p.t, "notifications/initialized", notif.Method)
}

func openScripted(t *testing.T, options ...mcp.SessionOption) (*mcp.Session, *scriptedPeer) {
	t.Helper()

	peer, transport := newScriptedPeer(t)

	type openResult struct {
		sess *mcp.Session
		err  error
	}
	opened := make(chan openResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		sess, err := mcp.Open(ctx, transport, options...)
		opened <- openResult{sess: sess, err: err}
	}()

	peer.acceptHandshake()

	res := <-opened
	require.NoError(t, res.err)
	t.Cleanup(func() { _ = res.sess.Close() })

	return res.sess, peer
}

func TestSessionHandshakeUsesFirstID(t *testing.T) {
	peer, transport := newScriptedPeer(t)

	opened := make(chan error, 1)
	go func() {
		sess, err := mcp.Open(context.Background(), transport)
		if err == nil {
			defer sess.Close()
		}
		opened <- err
	}()

	init := peer.next()
	assert.Equal(t, mcp.MustString("1"), init.ID)

	var params struct {
		ProtocolVersion string   `json:"protocolVersion"`
		ClientInfo      mcp.Info `json:"clientInfo"`
	}
	require.NoError(t, json.Unmarshal(init.Params, &params))
	assert.Equal(t, "2024-11-05", params.ProtocolVersion)
	assert.NotEmpty(t, params.ClientInfo.Name)

	peer.reply(init.ID, `{"protocolVersion":"2024-11-05","capabilities":{},"serverInfo":{"name":"scripted","version":"0.0.1"}}`)
	assert.Equal(t, "notifications/initialized", peer.next().Method)

	require.NoError(t, <-opened)
}

func TestSessionOutOfOrderResponses(t *testing.T) {
	strays := make(chan mcp.JSONRPCMessage, 1)
	sess, peer := openScripted(t, mcp.WithStrayResponseHandler(func(msg mcp.JSONRPCMessage) {
		strays <- msg
	}))

	type callResult struct {
		text string
		err  error
	}
	first := make(chan callResult, 1)
	second := make(chan callResult, 1)

	go func() {
		text, err := sess.CallTool(context.Background(), "first", nil)
		first <- callResult{text, err}
	}()
	reqA := peer.next()

	go func() {
		text, err := sess.CallTool(context.Background(), "second", nil)
		second <- callResult{text, err}
	}()
	reqB := peer.next()

	require.NotEqual(t, reqA.ID, reqB.ID)

	// A response for an id nobody waits for goes to the stray hook and resolves nothing.
	peer.reply("999", `{"content":[{"type":"text","text":"stray"}]}`)
	select {
	case stray := <-strays:
		assert.Equal(t, mcp.MustString("999"), stray.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("stray response was not reported")
	}

	// Answer the later request first.
	nameOf := func(msg mcp.JSONRPCMessage) string {
		var params struct {
			Name string `json:"name"`
		}
		require.NoError(t, json.Unmarshal(msg.Params, &params))
		return params.Name
	}
	peer.reply(reqB.ID, fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, nameOf(reqB)+" answer"))
	peer.reply(reqA.ID, fmt.Sprintf(`{"content":[{"type":"text","text":%q}]}`, nameOf(reqA)+" answer"))

	a := <-first
	b := <-second
	require.NoError(t, a.err)
	require.NoError(t, b.err)
	assert.Equal(t, "first answer", a.text)
	assert.Equal(t, "second answer", b.text)
}

func TestSessionRequestTimeout(t *testing.T) {
	sess, peer := openScripted(t, mcp.WithRequestTimeout(100*time.Millisecond))

	errs := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(context.Background(), "slow", nil)
		errs <- err
	}()
	slow := peer.next()

	select {
	case err := <-errs:
		require.ErrorIs(t, err, mcp.ErrTimeout)
	case <-time.After(5 * time.Second):
		t.Fatal("request did not time out")
	}

	// A late answer is a stray, and the session keeps working.
	peer.reply(slow.ID, `{"content":[]}`)

	pinged := make(chan error, 1)
	go func() { pinged <- sess.Ping(context.Background()) }()
	ping := peer.next()
	assert.Equal(t, "ping", ping.Method)
	peer.reply(ping.ID, `{}`)
	require.NoError(t, <-pinged)
	assert.Equal(t, mcp.StateReady, sess.State())
}

func TestSessionHandshakeRejected(t *testing.T) {
	tests := []struct {
		name   string
		answer func(id mcp.MustString) string
		check  func(t *testing.T, err error)
	}{
		{
			name: "error response",
			answer: func(id mcp.MustString) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"error":{"code":-32602,"message":"Unsupported protocol version"}}`, string(id))
			},
			check: func(t *testing.T, err error) {
				var remoteErr *mcp.RemoteError
				require.ErrorAs(t, err, &remoteErr)
				assert.Equal(t, "Unsupported protocol version", remoteErr.Message)
			},
		},
		{
			name: "protocol mismatch",
			answer: func(id mcp.MustString) string {
				return fmt.Sprintf(`{"jsonrpc":"2.0","id":%q,"result":{"protocolVersion":"1999-01-01","capabilities":{},"serverInfo":{"name":"old","version":"0"}}}`, string(id))
			},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "unsupported protocol version")
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer, transport := newScriptedPeer(t)

			opened := make(chan error, 1)
			go func() {
				_, err := mcp.Open(context.Background(), transport)
				opened <- err
			}()

			init := peer.next()
			peer.send(tt.answer(init.ID))

			var err error
			select {
			case err = <-opened:
			case <-time.After(5 * time.Second):
				t.Fatal("open did not return")
			}

			var hErr *mcp.HandshakeError
			require.ErrorAs(t, err, &hErr)
			tt.check(t, err)
		})
	}
}

func TestSessionPeerClosed(t *testing.T) {
	sess, peer := openScripted(t)

	errs := make(chan error, 1)
	go func() {
		_, err := sess.ReadResource(context.Background(), "greeting://patient/Ada")
		errs <- err
	}()
	_ = peer.next()

	require.NoError(t, peer.writer.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, mcp.ErrTransportClosed)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not failed")
	}

	assert.Eventually(t, func() bool {
		return sess.State() == mcp.StateClosed
	}, 5*time.Second, 10*time.Millisecond)

	_, err := sess.CallTool(context.Background(), "echo", nil)
	require.ErrorIs(t, err, mcp.ErrSessionNotReady)
}

func TestSessionMalformedFrame(t *testing.T) {
	sess, peer := openScripted(t)

	errs := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(context.Background(), "echo", nil)
		errs <- err
	}()
	_ = peer.next()

	peer.send(`{"jsonrpc":"2.0","id":`)

	select {
	case err := <-errs:
		var dErr *mcp.DecodeError
		require.ErrorAs(t, err, &dErr)
	case <-time.After(5 * time.Second):
		t.Fatal("pending request was not failed")
	}

	assert.Eventually(t, func() bool {
		return sess.State() == mcp.StateClosed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSessionAnswersServerRequests(t *testing.T) {
	_, peer := openScripted(t)

	peer.send(`{"jsonrpc":"2.0","id":"srv-1","method":"ping"}`)
	pong := peer.next()
	assert.Equal(t, mcp.MustString("srv-1"), pong.ID)
	assert.Nil(t, pong.Error)
	assert.JSONEq(t, `{}`, string(pong.Result))

	peer.send(`{"jsonrpc":"2.0","id":"srv-2","method":"sampling/createMessage"}`)
	unsupported := peer.next()
	assert.Equal(t, mcp.MustString("srv-2"), unsupported.ID)
	require.NotNil(t, unsupported.Error)
	assert.Equal(t, -32601, unsupported.Error.Code)
}

func TestSessionRenderPrompt(t *testing.T) {
	tests := []struct {
		name   string
		result string
		want   string
	}{
		{
			name:   "messages",
			result: `{"messages":[{"role":"user","content":{"type":"text","text":"  first  "}},{"role":"assistant","content":{"type":"text","text":"second"}}]}`,
			want:   "first  \nsecond",
		},
		{
			name:   "framing line",
			result: `{"messages":[{"role":"user","content":{"type":"text","text":"<module 'base' from '/srv/prompts/base.py'>\nThe patient reports cough"}}]}`,
			want:   "The patient reports cough",
		},
		{
			name:   "description fallback",
			result: `{"description":"Assess the symptoms","messages":[]}`,
			want:   "Assess the symptoms",
		},
	}

	sess, peer := openScripted(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			type renderResult struct {
				text string
				err  error
			}
			rendered := make(chan renderResult, 1)
			go func() {
				text, err := sess.RenderPrompt(context.Background(), "assess_symptoms", map[string]string{"symptoms": "cough"})
				rendered <- renderResult{text, err}
			}()

			req := peer.next()
			assert.Equal(t, "prompts/get", req.Method)
			peer.reply(req.ID, tt.result)

			res := <-rendered
			require.NoError(t, res.err)
			assert.Equal(t, tt.want, res.text)
			assert.NotContains(t, res.text, "<module")
		})
	}
}

func TestSessionCancelSendsNotification(t *testing.T) {
	sess, peer := openScripted(t)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := sess.CallTool(ctx, "slow", nil)
		errs <- err
	}()
	req := peer.next()

	cancel()

	notif := peer.next()
	assert.Equal(t, "notifications/cancelled", notif.Method)
	var params struct {
		RequestID mcp.MustString `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(notif.Params, &params))
	assert.Equal(t, req.ID, params.RequestID)

	err := <-errs
	require.True(t, errors.Is(err, context.Canceled), "unexpected error: %v", err)
}

func TestSessionListSendsListParams(t *testing.T) {
	sess, peer := openScripted(t)

	type listResult struct {
		tools []mcp.Tool
		err   error
	}
	listed := make(chan listResult, 1)
	go func() {
		tools, err := sess.ListTools(context.Background())
		listed <- listResult{tools, err}
	}()

	req := peer.next()
	assert.Equal(t, "tools/list", req.Method)
	assert.JSONEq(t, `{}`, string(req.Params))

	var params mcp.ListToolsParams
	require.NoError(t, json.Unmarshal(req.Params, &params))
	assert.Empty(t, params.Cursor)

	peer.reply(req.ID, `{"tools":[{"name":"chat","inputSchema":{"type":"object"}}]}`)

	res := <-listed
	require.NoError(t, res.err)
	require.Len(t, res.tools, 1)
	assert.Equal(t, "chat", res.tools[0].Name)
}

func TestSessionStrayHookMayClose(t *testing.T) {
	var sess *mcp.Session
	hookDone := make(chan struct{})
	sess, peer := openScripted(t, mcp.WithStrayResponseHandler(func(mcp.JSONRPCMessage) {
		defer close(hookDone)
		_ = sess.Close()
	}))

	peer.reply("42", `{}`)

	select {
	case <-hookDone:
	case <-time.After(5 * time.Second):
		t.Fatal("closing the session from the stray hook did not return")
	}
	assert.Equal(t, mcp.StateClosed, sess.State())
}
