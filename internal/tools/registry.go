package tools

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Registry maps tool names to implementations.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry registers the given tools. A later tool with the same name
// replaces an earlier one.
func NewRegistry(ts ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(ts))}
	for _, t := range ts {
		r.tools[t.Name()] = t
	}
	return r
}

// Get returns the named tool.
func (r *Registry) Get(name string) (Tool, error) {
	t, ok := r.tools[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	return t, nil
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for n := range r.tools {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Decode builds the typed input for a tool from JSON. Unknown fields are
// rejected.
func (r *Registry) Decode(name string, raw json.RawMessage) (Input, error) {
	var in Input
	switch name {
	case NameBash:
		in = &BashInput{}
	case NameBrowser:
		in = &BrowserInput{}
	case NameMCP:
		in = &MCPInput{}
	case NameFiles:
		in = &FilesInput{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownTool, name)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(in); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrInvalidInput, name, err)
	}
	return deref(in), nil
}

// deref turns *XInput into XInput so tools can type-switch on values.
func deref(in Input) Input {
	switch v := in.(type) {
	case *BashInput:
		return *v
	case *BrowserInput:
		return *v
	case *MCPInput:
		return *v
	case *FilesInput:
		return *v
	}
	return in
}
