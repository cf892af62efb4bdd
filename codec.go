package mcp

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind identifies the capability kind a Request addresses.
type Kind int

// Kind values.
const (
	KindResourceRead Kind = iota + 1
	KindPromptRender
	KindToolCall
)

// Request is the typed envelope for the three capability requests.
type Request struct {
	ID        MustString
	Kind      Kind
	Name      string
	Arguments map[string]string
}

// Response is the typed envelope answering a Request. Exactly one of Payload and Failure is
// meaningful: a non-nil Failure is the Failure outcome.
type Response struct {
	ID      MustString
	Kind    Kind
	Payload Payload
	Failure *Failure
}

// Failure is the error outcome of a Response.
type Failure struct {
	Code    int
	Message string
}

// Payload is the successful outcome of a Response.
type Payload struct {
	// Chunks holds the ordered content of the response.
	Chunks []Chunk
	// Description is only carried by prompt renders.
	Description string
	// Raw is the result as it was received. It is not encoded.
	Raw json.RawMessage
}

// Chunk is one piece of a Payload: either a TextChunk or an OpaqueChunk.
type Chunk interface {
	chunk()
}

// TextChunk is a piece of textual content.
type TextChunk struct {
	Role Role
	Text string
}

// OpaqueChunk is a piece of content that carries no text for the reader, such as binary data or
// a framing line emitted by a template renderer.
type OpaqueChunk struct {
	Role    Role
	Content Content
}

func (TextChunk) chunk()   {}
func (OpaqueChunk) chunk() {}

// framingArtifact matches a leading line that is the printed representation of a module object
// rather than prompt content, e.g. "<module 'base' from '/srv/prompts/base.py'>".
var framingArtifact = regexp.MustCompile(`^\s*<module\s[^>]*>\s*$`)

// Text returns a Payload holding a single TextChunk.
func Text(text string) Payload {
	return Payload{Chunks: []Chunk{TextChunk{Text: text}}}
}

// Messages returns a prompt Payload holding one user TextChunk per text.
func Messages(texts ...string) Payload {
	p := Payload{Chunks: make([]Chunk, 0, len(texts))}
	for _, t := range texts {
		p.Chunks = append(p.Chunks, TextChunk{Role: RoleUser, Text: t})
	}
	return p
}

// Method returns the protocol method that carries requests of this kind.
func (k Kind) Method() string {
	switch k {
	case KindResourceRead:
		return MethodResourcesRead
	case KindPromptRender:
		return MethodPromptsGet
	case KindToolCall:
		return MethodToolsCall
	default:
		return ""
	}
}

func (k Kind) String() string {
	switch k {
	case KindResourceRead:
		return "resource"
	case KindPromptRender:
		return "prompt"
	case KindToolCall:
		return "tool"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// KindOf maps a protocol method to the capability kind it carries.
func KindOf(method string) (Kind, bool) {
	switch method {
	case MethodResourcesRead:
		return KindResourceRead, true
	case MethodPromptsGet:
		return KindPromptRender, true
	case MethodToolsCall:
		return KindToolCall, true
	default:
		return 0, false
	}
}

// Encode serializes msg into one frame.
func Encode(msg JSONRPCMessage) ([]byte, error) {
	bs, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return bs, nil
}

// Decode parses one frame. It fails with a *DecodeError on malformed JSON or a wrong protocol version.
func Decode(frame []byte) (JSONRPCMessage, error) {
	var msg JSONRPCMessage
	if err := json.Unmarshal(frame, &msg); err != nil {
		return JSONRPCMessage{}, &DecodeError{Frame: frame, Err: err}
	}
	if msg.JSONRPC != JSONRPCVersion {
		return JSONRPCMessage{}, &DecodeError{
			Frame: frame,
			Err:   fmt.Errorf("invalid jsonrpc version: %q", msg.JSONRPC),
		}
	}
	return msg, nil
}

// EncodeRequest serializes req into one frame.
func EncodeRequest(req Request) ([]byte, error) {
	msg, err := requestMessage(req)
	if err != nil {
		return nil, err
	}
	return Encode(msg)
}

// DecodeRequest converts a request message into its typed envelope.
func DecodeRequest(msg JSONRPCMessage) (Request, error) {
	kind, ok := KindOf(msg.Method)
	if !ok {
		return Request{}, &DecodeError{Err: fmt.Errorf("method %q is not a capability request", msg.Method)}
	}

	req := Request{ID: msg.ID, Kind: kind, Arguments: map[string]string{}}

	switch kind {
	case KindResourceRead:
		var params ReadResourceParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return Request{}, err
		}
		req.Name = params.URI
	case KindPromptRender:
		var params GetPromptParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return Request{}, err
		}
		req.Name = params.Name
		for k, v := range params.Arguments {
			req.Arguments[k] = v
		}
	case KindToolCall:
		var params CallToolParams
		if err := unmarshalParams(msg.Params, &params); err != nil {
			return Request{}, err
		}
		req.Name = params.Name
		args, err := decodeToolArguments(params.Arguments)
		if err != nil {
			return Request{}, err
		}
		req.Arguments = args
	}

	if req.Name == "" {
		return Request{}, &DecodeError{Err: fmt.Errorf("%s request without a name", kind)}
	}

	return req, nil
}

// EncodeResponse serializes resp into one frame, shaping the payload after resp.Kind.
func EncodeResponse(resp Response) ([]byte, error) {
	msg, err := responseMessage(resp, "")
	if err != nil {
		return nil, err
	}
	return Encode(msg)
}

// DecodeResponse converts a response message into its typed envelope. kind must be the kind of
// the request the message answers, since responses do not carry it on the wire.
//
// Decoding is lenient: content entries may be objects or bare strings, and a leading framing line
// in the first prompt message is separated into an OpaqueChunk.
func DecodeResponse(msg JSONRPCMessage, kind Kind) (Response, error) {
	resp := Response{ID: msg.ID, Kind: kind}

	if msg.Error != nil {
		resp.Failure = &Failure{Code: msg.Error.Code, Message: msg.Error.Message}
		return resp, nil
	}

	resp.Payload.Raw = msg.Result

	switch kind {
	case KindResourceRead:
		var result struct {
			Contents []ResourceContents `json:"contents"`
		}
		if err := unmarshalResult(msg.Result, &result); err != nil {
			return Response{}, err
		}
		for _, c := range result.Contents {
			if c.Blob != "" && c.Text == "" {
				rc := c
				resp.Payload.Chunks = append(resp.Payload.Chunks, OpaqueChunk{
					Content: Content{Type: ContentTypeResource, Resource: &rc},
				})
				continue
			}
			resp.Payload.Chunks = append(resp.Payload.Chunks, TextChunk{Text: c.Text})
		}
	case KindPromptRender:
		var result struct {
			Messages    []json.RawMessage `json:"messages"`
			Description string            `json:"description"`
		}
		if err := unmarshalResult(msg.Result, &result); err != nil {
			return Response{}, err
		}
		resp.Payload.Description = result.Description
		for i, raw := range result.Messages {
			role, content := decodePromptMessage(raw)
			chunks := contentChunks(role, content)
			if i == 0 {
				chunks = splitFramingArtifact(chunks)
			}
			resp.Payload.Chunks = append(resp.Payload.Chunks, chunks...)
		}
	case KindToolCall:
		var result struct {
			Content []json.RawMessage `json:"content"`
			IsError bool              `json:"isError"`
		}
		if err := unmarshalResult(msg.Result, &result); err != nil {
			return Response{}, err
		}
		for _, raw := range result.Content {
			resp.Payload.Chunks = append(resp.Payload.Chunks, contentChunks("", decodeContent(raw))...)
		}
		if result.IsError {
			resp.Failure = &Failure{Code: jsonRPCInternalErrorCode, Message: JoinText(resp.Payload.Chunks)}
			resp.Payload = Payload{}
		}
	default:
		return Response{}, &DecodeError{Err: fmt.Errorf("unknown request kind %d", int(kind))}
	}

	return resp, nil
}

// JoinText joins the TextChunks of chunks, each trimmed of surrounding whitespace, with a single
// newline. OpaqueChunks are skipped.
func JoinText(chunks []Chunk) string {
	parts := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if tc, ok := c.(TextChunk); ok {
			parts = append(parts, strings.TrimSpace(tc.Text))
		}
	}
	return strings.Join(parts, "\n")
}

func requestMessage(req Request) (JSONRPCMessage, error) {
	var params any
	switch req.Kind {
	case KindResourceRead:
		params = ReadResourceParams{URI: req.Name}
	case KindPromptRender:
		params = GetPromptParams{Name: req.Name, Arguments: req.Arguments}
	case KindToolCall:
		args := req.Arguments
		if args == nil {
			args = map[string]string{}
		}
		argsBs, err := json.Marshal(args)
		if err != nil {
			return JSONRPCMessage{}, fmt.Errorf("failed to marshal arguments: %w", err)
		}
		params = CallToolParams{Name: req.Name, Arguments: argsBs}
	default:
		return JSONRPCMessage{}, fmt.Errorf("unknown request kind %d", int(req.Kind))
	}

	paramsBs, err := json.Marshal(params)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal params: %w", err)
	}

	return JSONRPCMessage{
		JSONRPC: JSONRPCVersion,
		ID:      req.ID,
		Method:  req.Kind.Method(),
		Params:  paramsBs,
	}, nil
}

// responseMessage shapes resp into a message. uri fills the locator of resource contents when the
// payload does not carry one.
func responseMessage(resp Response, uri string) (JSONRPCMessage, error) {
	msg := JSONRPCMessage{JSONRPC: JSONRPCVersion, ID: resp.ID}

	if resp.Failure != nil {
		msg.Error = &JSONRPCError{Code: resp.Failure.Code, Message: resp.Failure.Message}
		return msg, nil
	}

	var result any
	switch resp.Kind {
	case KindResourceRead:
		contents := make([]ResourceContents, 0, len(resp.Payload.Chunks))
		for _, c := range resp.Payload.Chunks {
			switch c := c.(type) {
			case TextChunk:
				contents = append(contents, ResourceContents{URI: uri, MimeType: "text/plain", Text: c.Text})
			case OpaqueChunk:
				if c.Content.Resource != nil {
					contents = append(contents, *c.Content.Resource)
				}
			}
		}
		result = ReadResourceResult{Contents: contents}
	case KindPromptRender:
		messages := make([]PromptMessage, 0, len(resp.Payload.Chunks))
		for _, c := range resp.Payload.Chunks {
			switch c := c.(type) {
			case TextChunk:
				messages = append(messages, PromptMessage{
					Role:    roleOrUser(c.Role),
					Content: Content{Type: ContentTypeText, Text: c.Text},
				})
			case OpaqueChunk:
				messages = append(messages, PromptMessage{Role: roleOrUser(c.Role), Content: c.Content})
			}
		}
		result = GetPromptResult{Messages: messages, Description: resp.Payload.Description}
	case KindToolCall:
		content := make([]Content, 0, len(resp.Payload.Chunks))
		for _, c := range resp.Payload.Chunks {
			switch c := c.(type) {
			case TextChunk:
				content = append(content, Content{Type: ContentTypeText, Text: c.Text})
			case OpaqueChunk:
				content = append(content, c.Content)
			}
		}
		result = CallToolResult{Content: content}
	default:
		return JSONRPCMessage{}, fmt.Errorf("unknown request kind %d", int(resp.Kind))
	}

	resBs, err := json.Marshal(result)
	if err != nil {
		return JSONRPCMessage{}, fmt.Errorf("failed to marshal result: %w", err)
	}
	msg.Result = resBs

	return msg, nil
}

func unmarshalParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return &DecodeError{Err: errors.New("missing params")}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Frame: raw, Err: fmt.Errorf("invalid params: %w", err)}
	}
	return nil
}

func unmarshalResult(raw json.RawMessage, v any) error {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &DecodeError{Frame: raw, Err: fmt.Errorf("invalid result: %w", err)}
	}
	return nil
}

// decodeToolArguments accepts any JSON object. Non-string values are kept as their JSON text.
func decodeToolArguments(raw json.RawMessage) (map[string]string, error) {
	args := map[string]string{}
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return args, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, &DecodeError{Frame: raw, Err: fmt.Errorf("tool arguments must be an object: %w", err)}
	}
	for k, v := range obj {
		var s string
		if err := json.Unmarshal(v, &s); err == nil {
			args[k] = s
			continue
		}
		args[k] = string(v)
	}
	return args, nil
}

func decodePromptMessage(raw json.RawMessage) (Role, Content) {
	var msg struct {
		Role    Role            `json:"role"`
		Content json.RawMessage `json:"content"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil || msg.Content == nil {
		// Not a message object; treat the whole entry as its content.
		return "", decodeContent(raw)
	}
	return msg.Role, decodeContent(msg.Content)
}

// decodeContent unwraps a content entry that may be a content object or a bare string. Anything
// else is kept as its JSON text so no retrievable text is lost.
func decodeContent(raw json.RawMessage) Content {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return Content{Type: ContentTypeText, Text: s}
	}

	var c Content
	if err := json.Unmarshal(raw, &c); err == nil {
		if c.Type != "" {
			return c
		}
		if c.Text != "" {
			c.Type = ContentTypeText
			return c
		}
	}

	return Content{Type: ContentTypeText, Text: string(raw)}
}

func contentChunks(role Role, c Content) []Chunk {
	if c.Type == ContentTypeText {
		return []Chunk{TextChunk{Role: role, Text: c.Text}}
	}
	return []Chunk{OpaqueChunk{Role: role, Content: c}}
}

// splitFramingArtifact separates a leading framing line of the first text chunk into an OpaqueChunk.
func splitFramingArtifact(chunks []Chunk) []Chunk {
	if len(chunks) == 0 {
		return chunks
	}
	tc, ok := chunks[0].(TextChunk)
	if !ok {
		return chunks
	}

	first, rest, found := strings.Cut(tc.Text, "\n")
	if !framingArtifact.MatchString(first) {
		return chunks
	}

	out := make([]Chunk, 0, len(chunks)+1)
	out = append(out, OpaqueChunk{Role: tc.Role, Content: Content{Type: ContentTypeText, Text: first}})
	if found {
		out = append(out, TextChunk{Role: tc.Role, Text: rest})
	}
	return append(out, chunks[1:]...)
}

func roleOrUser(r Role) Role {
	if r == "" {
		return RoleUser
	}
	return r
}
