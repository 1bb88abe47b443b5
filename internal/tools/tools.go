// Package tools provides the tool registry and execution framework.
//
// A tool is an opaque named function with a JSON-serializable
// input/output contract. The engine never inspects what a tool does;
// it only enforces the dispatch preconditions (no unresolved template
// placeholders, known name) and paces side-effecting calls.
package tools

import (
	"context"
	"log/slog"
	"time"

	"github.com/helderperez-dev/navreach-desktop-sub003/internal/llm"
)

// Category classifies a tool's side-effect profile for pacing. Heavier
// page-level actions get longer settle delays after execution.
type Category int

const (
	// CategoryInspection is read-only: DOM queries, data reads.
	CategoryInspection Category = iota
	// CategoryInteraction mutates page or remote state: clicks, form
	// fills, outbound API calls.
	CategoryInteraction
	// CategoryNavigation loads a new page and needs the longest settle.
	CategoryNavigation
)

// Base settle delays per category at normal speed.
const (
	inspectionDelay  = 200 * time.Millisecond
	interactionDelay = 800 * time.Millisecond
	navigationDelay  = 1500 * time.Millisecond
)

func (c Category) baseDelay() time.Duration {
	switch c {
	case CategoryNavigation:
		return navigationDelay
	case CategoryInteraction:
		return interactionDelay
	default:
		return inspectionDelay
	}
}

// Speed is the session-level pacing multiplier selected by the user.
type Speed string

// Recognized speed settings.
const (
	SpeedSlow   Speed = "slow"
	SpeedNormal Speed = "normal"
	SpeedFast   Speed = "fast"
)

// Multiplier returns the delay scale factor. Unknown values fall back
// to normal.
func (s Speed) Multiplier() float64 {
	switch s {
	case SpeedSlow:
		return 2.0
	case SpeedFast:
		return 0.5
	default:
		return 1.0
	}
}

// Output is what a tool invocation produces. Content is conventionally
// a JSON object with a "success" field; non-JSON content is tolerated
// and wrapped by the dispatch layer. Images carry screenshots for
// vision-capable models.
type Output struct {
	Content string
	Images  []llm.Image
}

// InvokeFunc executes one tool call.
type InvokeFunc func(ctx context.Context, args map[string]any) (*Output, error)

// Descriptor describes one callable tool.
type Descriptor struct {
	Name        string
	Description string
	Schema      map[string]any // JSON Schema for the arguments object
	Category    Category
	Invoke      InvokeFunc
}

// Provider contributes a set of tools to a registry. Registries are
// built once per request from composable providers (browser tools,
// data tools, integration tools) rather than a shared mutable set.
type Provider func() []*Descriptor

// Registry holds the tool set for one request. Not safe for concurrent
// mutation; built up front, then read-only during the loop.
type Registry struct {
	order  []string
	tools  map[string]*Descriptor
	logger *slog.Logger
}

// NewRegistry creates a registry populated from the given providers in
// order.
func NewRegistry(logger *slog.Logger, providers ...Provider) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Descriptor),
		logger: logger.With("component", "tools"),
	}
	for _, p := range providers {
		r.Register(p()...)
	}
	return r
}

// Register adds tools, deduplicating by exact name. The first
// registration wins; later duplicates are dropped and logged. This
// guards against multiple tool-providing modules accidentally exposing
// the same capability name.
func (r *Registry) Register(descs ...*Descriptor) {
	for _, d := range descs {
		if d == nil || d.Name == "" {
			continue
		}
		if _, exists := r.tools[d.Name]; exists {
			r.logger.Warn("dropping duplicate tool registration", "tool", d.Name)
			continue
		}
		r.tools[d.Name] = d
		r.order = append(r.order, d.Name)
	}
}

// Resolve returns the tool for a name.
func (r *Registry) Resolve(name string) (*Descriptor, bool) {
	d, ok := r.tools[name]
	return d, ok
}

// Names returns tool names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of registered tools.
func (r *Registry) Len() int { return len(r.order) }

// Specs returns the provider-neutral tool definitions for the model,
// in registration order.
func (r *Registry) Specs() []llm.ToolSpec {
	specs := make([]llm.ToolSpec, 0, len(r.order))
	for _, name := range r.order {
		d := r.tools[name]
		specs = append(specs, llm.ToolSpec{
			Name:        d.Name,
			Description: d.Description,
			Schema:      d.Schema,
		})
	}
	return specs
}
