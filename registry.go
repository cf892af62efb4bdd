package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"slices"
	"strings"
	"sync"

	"github.com/invopop/jsonschema"
	"github.com/yosida95/uritemplate/v3"
)

// Arguments holds the string arguments of a capability request. For resources they are the
// variables bound by the matched URI template.
type Arguments map[string]string

// Handler produces the Payload of a capability request. A returned error becomes a Failure outcome
// carrying the error text; it never tears down the session.
type Handler func(ctx context.Context, args Arguments) (Payload, error)

// Registry maps capability names to handlers. Resources are registered under RFC 6570 URI
// templates such as "greeting://patient/{name}"; prompts and tools under exact names.
//
// All registration must happen before serving starts. Once frozen, the Registry is read-only and
// safe for concurrent lookups.
type Registry struct {
	mu      sync.RWMutex
	frozen  bool
	entries []*capability
	byName  map[Kind]map[string]*capability
}

// CapabilityOption configures a registered capability.
type CapabilityOption func(*capability)

type capability struct {
	kind        Kind
	name        string
	description string
	mimeType    string
	handler     Handler

	template *uritemplate.Template
	schema   *jsonschema.Schema

	// matcher is template with its literal text normalized by encodeLocator. segments reports
	// whether locators are normalized the same way before matching.
	matcher  *uritemplate.Template
	segments bool
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byName: map[Kind]map[string]*capability{
			KindResourceRead: {},
			KindPromptRender: {},
			KindToolCall:     {},
		},
	}
}

// WithDescription sets the human-readable description of a capability.
func WithDescription(description string) CapabilityOption {
	return func(c *capability) {
		c.description = description
	}
}

// WithMIMEType sets the MIME type advertised for a resource.
func WithMIMEType(mimeType string) CapabilityOption {
	return func(c *capability) {
		c.mimeType = mimeType
	}
}

// WithArguments describes the arguments of a prompt or tool with the exported fields of the struct
// v. Field names come from json tags, descriptions from jsonschema tags, and fields without
// omitempty are required:
//
//	type assessArgs struct {
//		Symptoms string `json:"symptoms" jsonschema:"description=What the patient reports"`
//	}
func WithArguments(v any) CapabilityOption {
	return func(c *capability) {
		r := &jsonschema.Reflector{
			DoNotReference: true,
			ExpandedStruct: true,
			Anonymous:      true,
		}
		s := r.Reflect(v)
		if s == nil || s.Type != "object" {
			return
		}
		s.Version = ""
		c.schema = s
	}
}

// Register adds a capability of kind under name. For KindResourceRead, name is a URI template.
// It fails with a *DuplicateCapabilityError if the kind and name are taken, and with
// ErrRegistryFrozen once serving started.
func (r *Registry) Register(kind Kind, name string, handler Handler, options ...CapabilityOption) error {
	if kind.Method() == "" {
		return fmt.Errorf("unknown capability kind %d", int(kind))
	}
	if name == "" {
		return fmt.Errorf("%s name is empty", kind)
	}
	if handler == nil {
		return fmt.Errorf("%s %q has no handler", kind, name)
	}

	c := &capability{
		kind:    kind,
		name:    name,
		handler: handler,
	}
	for _, opt := range options {
		opt(c)
	}

	if kind == KindResourceRead {
		tmpl, err := uritemplate.New(name)
		if err != nil {
			return fmt.Errorf("invalid resource template %q: %w", name, err)
		}
		c.template = tmpl

		matcher, segments, err := segmentMatcher(name)
		if err != nil {
			return fmt.Errorf("invalid resource template %q: %w", name, err)
		}
		c.matcher = matcher
		c.segments = segments
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return ErrRegistryFrozen
	}
	if _, ok := r.byName[kind][name]; ok {
		return &DuplicateCapabilityError{Kind: kind, Name: name}
	}

	r.byName[kind][name] = c
	r.entries = append(r.entries, c)

	return nil
}

// RegisterResource registers a resource under the URI template pattern.
func (r *Registry) RegisterResource(pattern string, handler Handler, options ...CapabilityOption) error {
	return r.Register(KindResourceRead, pattern, handler, options...)
}

// RegisterPrompt registers a prompt template under name.
func (r *Registry) RegisterPrompt(name string, handler Handler, options ...CapabilityOption) error {
	return r.Register(KindPromptRender, name, handler, options...)
}

// RegisterTool registers a tool under name.
func (r *Registry) RegisterTool(name string, handler Handler, options ...CapabilityOption) error {
	return r.Register(KindToolCall, name, handler, options...)
}

// Freeze makes the Registry read-only. It is called when serving starts.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}

// Tools returns the descriptors of the registered tools in registration order.
func (r *Registry) Tools() []Tool {
	var tools []Tool
	for c := range r.all(KindToolCall) {
		tools = append(tools, Tool{
			Name:        c.name,
			Description: c.description,
			InputSchema: c.inputSchema(),
		})
	}
	return tools
}

// Prompts returns the descriptors of the registered prompts in registration order.
func (r *Registry) Prompts() []Prompt {
	var prompts []Prompt
	for c := range r.all(KindPromptRender) {
		prompts = append(prompts, Prompt{
			Name:        c.name,
			Description: c.description,
			Arguments:   c.promptArguments(),
		})
	}
	return prompts
}

// ResourceTemplates returns the descriptors of the resources registered with template variables.
func (r *Registry) ResourceTemplates() []ResourceTemplate {
	var templates []ResourceTemplate
	for c := range r.all(KindResourceRead) {
		if len(c.template.Varnames()) == 0 {
			continue
		}
		templates = append(templates, ResourceTemplate{
			URITemplate: c.name,
			Name:        c.name,
			Description: c.description,
			MimeType:    c.mimeType,
		})
	}
	return templates
}

// Resources returns the descriptors of the resources registered under a fixed URI.
func (r *Registry) Resources() []Resource {
	var resources []Resource
	for c := range r.all(KindResourceRead) {
		if len(c.template.Varnames()) > 0 {
			continue
		}
		resources = append(resources, Resource{
			URI:         c.name,
			Name:        c.name,
			Description: c.description,
			MimeType:    c.mimeType,
		})
	}
	return resources
}

// lookup finds the capability serving kind and name. For resources the URI is matched against
// every template in registration order, and the bound variables are returned as arguments.
func (r *Registry) lookup(kind Kind, name string) (*capability, Arguments, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if kind != KindResourceRead {
		c, ok := r.byName[kind][name]
		return c, nil, ok
	}

	// A fixed URI always wins over a template that also matches it.
	if c, ok := r.byName[kind][name]; ok && len(c.template.Varnames()) == 0 {
		return c, Arguments{}, true
	}

	for _, c := range r.entries {
		if c.kind != KindResourceRead || len(c.template.Varnames()) == 0 {
			continue
		}
		if args, ok := c.bind(name); ok {
			return c, args, true
		}
	}

	return nil, nil, false
}

func (r *Registry) all(kind Kind) iter.Seq[*capability] {
	return func(yield func(*capability) bool) {
		r.mu.RLock()
		entries := slices.Clone(r.entries)
		r.mu.RUnlock()

		for _, c := range entries {
			if c.kind != kind {
				continue
			}
			if !yield(c) {
				return
			}
		}
	}
}

// bind matches locator against the capability's template. A template made only of simple
// expressions binds each variable to one non-empty path segment, percent-decoded, so
// "greeting://patient/Tom&Jerry" and "greeting://patient/Tom%26Jerry" both bind name to "Tom&Jerry".
func (c *capability) bind(locator string) (Arguments, bool) {
	if c.segments {
		locator = encodeLocator(locator)
	}
	values := c.matcher.Match(locator)
	if values == nil {
		return nil, false
	}

	args := Arguments{}
	for _, v := range c.matcher.Varnames() {
		args[v] = values.Get(v).String()
		if c.segments && args[v] == "" {
			return nil, false
		}
	}
	return args, true
}

// segmentMatcher compiles the template used to match locators against pattern. When every
// expression of pattern is a single simple variable, the literal text is normalized by
// encodeLocator and segments is true. Otherwise the operators themselves produce reserved
// characters, and pattern is compiled as written.
func segmentMatcher(pattern string) (*uritemplate.Template, bool, error) {
	var b strings.Builder
	for rest := pattern; rest != ""; {
		start := strings.IndexByte(rest, '{')
		if start < 0 {
			b.WriteString(encodeLocator(rest))
			break
		}
		end := strings.IndexByte(rest[start:], '}')
		if end < 0 {
			return nil, false, fmt.Errorf("unterminated expression in %q", pattern)
		}
		expr := rest[start+1 : start+end]
		if expr == "" || strings.ContainsAny(expr[:1], "+#./;?&=,!@|") || strings.ContainsAny(expr, ",:*") {
			tmpl, err := uritemplate.New(pattern)
			return tmpl, false, err
		}

		b.WriteString(encodeLocator(rest[:start]))
		b.WriteString(rest[start : start+end+1])
		rest = rest[start+end+1:]
	}

	tmpl, err := uritemplate.New(b.String())
	return tmpl, true, err
}

// encodeLocator percent-encodes every byte of s except unreserved characters and '/'. Existing
// percent-encoded octets are kept, with their hex digits upper-cased.
func encodeLocator(s string) string {
	const hexDigits = "0123456789ABCDEF"

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case isUnreserved(c) || c == '/':
			b.WriteByte(c)
		case c == '%' && i+2 < len(s) && isHexDigit(s[i+1]) && isHexDigit(s[i+2]):
			b.WriteByte('%')
			b.WriteByte(upperHex(s[i+1]))
			b.WriteByte(upperHex(s[i+2]))
			i += 2
		default:
			b.WriteByte('%')
			b.WriteByte(hexDigits[c>>4])
			b.WriteByte(hexDigits[c&0x0f])
		}
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '-' || c == '.' || c == '_' || c == '~'
}

func isHexDigit(c byte) bool {
	return '0' <= c && c <= '9' || 'a' <= c && c <= 'f' || 'A' <= c && c <= 'F'
}

func upperHex(c byte) byte {
	if 'a' <= c && c <= 'f' {
		return c - 'a' + 'A'
	}
	return c
}

// Get returns the argument called name, or an empty string.
func (a Arguments) Get(name string) string {
	return a[name]
}

func (c *capability) inputSchema() json.RawMessage {
	if c.schema == nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	bs, err := json.Marshal(c.schema)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return bs
}

func (c *capability) promptArguments() []PromptArgument {
	if c.schema == nil || c.schema.Properties == nil {
		return nil
	}

	var args []PromptArgument
	for el := c.schema.Properties.Oldest(); el != nil; el = el.Next() {
		args = append(args, PromptArgument{
			Name:        el.Key,
			Description: el.Value.Description,
			Required:    slices.Contains(c.schema.Required, el.Key),
		})
	}
	return args
}

// missingArguments returns the required arguments absent from args.
func (c *capability) missingArguments(args Arguments) []string {
	if c.schema == nil {
		return nil
	}

	var missing []string
	for _, name := range c.schema.Required {
		if _, ok := args[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
