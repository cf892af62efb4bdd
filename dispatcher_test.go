package mcp_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcp "github.com/MegaGrindStone/go-mcp-medbot"
)

func TestDispatcherDispatch(t *testing.T) {
	r := mcp.NewRegistry()
	require.NoError(t, r.RegisterResource("greeting://patient/{name}", func(_ context.Context, args mcp.Arguments) (mcp.Payload, error) {
		return mcp.Text("Hello " + args.Get("name")), nil
	}))
	require.NoError(t, r.RegisterResource("greeting://patient/admin", func(context.Context, mcp.Arguments) (mcp.Payload, error) {
		return mcp.Text("Hello administrator"), nil
	}))
	require.NoError(t, r.RegisterResource("record://{patient}/{field}", func(_ context.Context, args mcp.Arguments) (mcp.Payload, error) {
		return mcp.Text(args.Get("patient") + ":" + args.Get("field")), nil
	}))
	require.NoError(t, r.RegisterPrompt("assess_symptoms", func(_ context.Context, args mcp.Arguments) (mcp.Payload, error) {
		return mcp.Messages("Symptoms: " + args.Get("symptoms")), nil
	}, mcp.WithArguments(assessArgs{})))
	require.NoError(t, r.RegisterTool("fail", func(context.Context, mcp.Arguments) (mcp.Payload, error) {
		return mcp.Payload{}, errors.New("model unavailable")
	}))
	require.NoError(t, r.RegisterTool("panic", func(context.Context, mcp.Arguments) (mcp.Payload, error) {
		panic("boom")
	}))

	d := mcp.NewDispatcher(r)

	tests := []struct {
		name string
		req  mcp.Request
		want mcp.Response
	}{
		{
			name: "template binds variable",
			req:  mcp.Request{ID: "1", Kind: mcp.KindResourceRead, Name: "greeting://patient/Ada"},
			want: mcp.Response{ID: "1", Kind: mcp.KindResourceRead, Payload: mcp.Text("Hello Ada")},
		},
		{
			name: "fixed uri wins over template",
			req:  mcp.Request{ID: "2", Kind: mcp.KindResourceRead, Name: "greeting://patient/admin"},
			want: mcp.Response{ID: "2", Kind: mcp.KindResourceRead, Payload: mcp.Text("Hello administrator")},
		},
		{
			name: "several variables",
			req:  mcp.Request{ID: "3", Kind: mcp.KindResourceRead, Name: "record://ada/allergies"},
			want: mcp.Response{ID: "3", Kind: mcp.KindResourceRead, Payload: mcp.Text("ada:allergies")},
		},
		{
			name: "prompt with arguments",
			req: mcp.Request{
				ID: "4", Kind: mcp.KindPromptRender, Name: "assess_symptoms",
				Arguments: map[string]string{"symptoms": "headache"},
			},
			want: mcp.Response{ID: "4", Kind: mcp.KindPromptRender, Payload: mcp.Messages("Symptoms: headache")},
		},
		{
			name: "unknown resource",
			req:  mcp.Request{ID: "5", Kind: mcp.KindResourceRead, Name: "unknown://resource"},
			want: mcp.Response{ID: "5", Kind: mcp.KindResourceRead, Failure: &mcp.Failure{
				Code: -32602, Message: "capability not found: unknown://resource",
			}},
		},
		{
			name: "same name under another kind",
			req:  mcp.Request{ID: "6", Kind: mcp.KindToolCall, Name: "assess_symptoms"},
			want: mcp.Response{ID: "6", Kind: mcp.KindToolCall, Failure: &mcp.Failure{
				Code: -32602, Message: "capability not found: assess_symptoms",
			}},
		},
		{
			name: "handler error",
			req:  mcp.Request{ID: "7", Kind: mcp.KindToolCall, Name: "fail"},
			want: mcp.Response{ID: "7", Kind: mcp.KindToolCall, Failure: &mcp.Failure{
				Code: -32603, Message: "model unavailable",
			}},
		},
		{
			name: "handler panic",
			req:  mcp.Request{ID: "8", Kind: mcp.KindToolCall, Name: "panic"},
			want: mcp.Response{ID: "8", Kind: mcp.KindToolCall, Failure: &mcp.Failure{
				Code: -32603, Message: "handler panicked: boom",
			}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := d.Dispatch(context.Background(), tt.req)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Dispatch() mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestDispatcherMissingArguments(t *testing.T) {
	r := mcp.NewRegistry()
	called := false
	require.NoError(t, r.RegisterPrompt("assess_symptoms", func(context.Context, mcp.Arguments) (mcp.Payload, error) {
		called = true
		return mcp.Messages("never"), nil
	}, mcp.WithArguments(assessArgs{})))

	resp := mcp.NewDispatcher(r).Dispatch(context.Background(), mcp.Request{
		ID: "1", Kind: mcp.KindPromptRender, Name: "assess_symptoms",
	})

	require.NotNil(t, resp.Failure)
	assert.Equal(t, -32602, resp.Failure.Code)
	assert.Contains(t, resp.Failure.Message, "symptoms")
	assert.False(t, called)
}

func TestDispatcherPassesContext(t *testing.T) {
	type ctxKey struct{}

	r := mcp.NewRegistry()
	require.NoError(t, r.RegisterTool("whoami", func(ctx context.Context, _ mcp.Arguments) (mcp.Payload, error) {
		v, _ := ctx.Value(ctxKey{}).(string)
		return mcp.Text(v), nil
	}))

	ctx := context.WithValue(context.Background(), ctxKey{}, "nurse")
	resp := mcp.NewDispatcher(r).Dispatch(ctx, mcp.Request{ID: "1", Kind: mcp.KindToolCall, Name: "whoami"})

	require.Nil(t, resp.Failure)
	assert.Equal(t, "nurse", mcp.JoinText(resp.Payload.Chunks))
}

func TestDispatcherBindsOneSegment(t *testing.T) {
	r := mcp.NewRegistry()
	require.NoError(t, r.RegisterResource("greeting://patient/{name}", func(_ context.Context, args mcp.Arguments) (mcp.Payload, error) {
		return mcp.Text(args.Get("name")), nil
	}))
	require.NoError(t, r.RegisterResource("search://{?q}", func(_ context.Context, args mcp.Arguments) (mcp.Payload, error) {
		return mcp.Text(args.Get("q")), nil
	}))
	d := mcp.NewDispatcher(r)

	tests := []struct {
		uri      string
		want     string
		notFound bool
	}{
		{uri: "greeting://patient/a+b", want: "a+b"},
		{uri: "greeting://patient/Tom&Jerry", want: "Tom&Jerry"},
		{uri: "greeting://patient/a@b", want: "a@b"},
		{uri: "greeting://patient/x=$y:z;w,v", want: "x=$y:z;w,v"},
		{uri: "greeting://patient/Ada Lovelace", want: "Ada Lovelace"},
		{uri: "greeting://patient/Ada%20Lovelace", want: "Ada Lovelace"},
		{uri: "greeting://patient/José", want: "José"},
		{uri: "greeting://patient/Jos%c3%a9", want: "José"},
		{uri: "greeting://patient/O'Brien", want: "O'Brien"},
		{uri: "greeting://patient/100%", want: "100%"},
		{uri: "greeting://patient/", notFound: true},
		{uri: "greeting://patient/Ada/Lovelace", notFound: true},
		{uri: "greeting:/patient/Ada", notFound: true},
		{uri: "search://?q=fever", want: "fever"},
	}

	for _, tt := range tests {
		t.Run(tt.uri, func(t *testing.T) {
			resp := d.Dispatch(context.Background(), mcp.Request{ID: "1", Kind: mcp.KindResourceRead, Name: tt.uri})
			if tt.notFound {
				require.NotNil(t, resp.Failure)
				assert.Equal(t, "capability not found: "+tt.uri, resp.Failure.Message)
				return
			}
			require.Nil(t, resp.Failure)
			assert.Equal(t, tt.want, mcp.JoinText(resp.Payload.Chunks))
		})
	}
}
