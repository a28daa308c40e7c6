// Package pluginsdk defines the callback interface every audit plugin
// implements, and the BasePlugin embed that gives every plugin a default
// no-op for whichever subset it doesn't care about: default-method
// embedding over a large optional interface.
package pluginsdk

import (
	"fmt"
	"sync"

	"github.com/riftsec/auditcore/internal/data"
	"github.com/riftsec/auditcore/internal/netlimit"
)

// Context is what the worker re-establishes before every call, under its
// per-call isolation contract: the audit name, this plugin's own
// descriptor name, the descriptor's configuration key/values, and a
// Publish handle back to the bus for anything the plugin needs to publish
// directly. It carries neither the audit's configuration nor the scope
// evaluator. Slots and NetCache give a plugin the
// connection-slot/network-cache surface without it ever touching the
// orchestrator directly. NetCache is a fresh netlimit.CallView per call —
// its writes discard when the call returns — and Scratch is a fresh
// temp-data store for the same call, discarded the same way; neither
// persists past the single RecvInfo invocation it was built for.
type Context struct {
	AuditName  string
	PluginName string
	Config     map[string]string
	Publish    func(msg any)

	Slots    *netlimit.SlotManager
	NetCache netlimit.View
	Scratch  *Scratch

	mu       sync.Mutex
	warnings []string
}

// Warn records a non-fatal warning raised during this call. The worker
// pool collects every warning recorded this way into the call's Result
// and the orchestrator forwards them as a single CONTROL/WARNING message.
func (c *Context) Warn(message string) {
	c.mu.Lock()
	c.warnings = append(c.warnings, message)
	c.mu.Unlock()
}

// Warnings returns every warning recorded so far via Warn.
func (c *Context) Warnings() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.warnings))
	copy(out, c.warnings)
	return out
}

// Scratch is a plugin's fresh, call-scoped key/value store: written
// freely during one RecvInfo call and discarded with the Context that
// owns it once the call returns. It never persists to the audit database
// and is never shared across calls, even for the same item and plugin.
type Scratch struct {
	mu   sync.Mutex
	data map[string]any
}

// NewScratch returns an empty Scratch.
func NewScratch() *Scratch {
	return &Scratch{data: make(map[string]any)}
}

// Get returns the value stored under key, if any.
func (s *Scratch) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[key]
	return v, ok
}

// Set stores value under key, overwriting any previous value.
func (s *Scratch) Set(key string, value any) {
	s.mu.Lock()
	s.data[key] = value
	s.mu.Unlock()
}

// Plugin is the full callback surface a plugin may implement. A plugin's
// category (Testing/Report/UI) decides which methods the core actually
// calls.
type Plugin interface {
	// RecvInfo processes one data item and returns any new items it
	// discovered, or nil. Only called for testing plugins.
	RecvInfo(ctx *Context, item *data.Item) ([]*data.Item, error)

	// RecvMsg is called for every bus message a plugin is subscribed to
	// (e.g. a UI plugin observing STATUS traffic).
	RecvMsg(ctx *Context, msgType, code string, payload any) error

	// GenerateReport is called once per report plugin during the report
	// stage, writing output to path.
	GenerateReport(ctx *Context, path string) error

	// GetAcceptedInfo returns the (kind, subtype) tags this plugin wants
	// to see in RecvInfo, or nil to mean "all".
	GetAcceptedInfo() []data.Tag

	// DisplayHelp returns the plugin's human-readable help text.
	DisplayHelp() string
}

// BasePlugin gives every field a harmless default; a concrete plugin
// embeds this and overrides only the methods it needs.
type BasePlugin struct {
	Name string
}

func (p *BasePlugin) RecvInfo(ctx *Context, item *data.Item) ([]*data.Item, error) { return nil, nil }
func (p *BasePlugin) RecvMsg(ctx *Context, msgType, code string, payload any) error { return nil }
func (p *BasePlugin) GenerateReport(ctx *Context, path string) error                { return nil }
func (p *BasePlugin) GetAcceptedInfo() []data.Tag                                    { return nil }
func (p *BasePlugin) DisplayHelp() string {
	return fmt.Sprintf("%s: no help available", p.Name)
}

// Factory builds a fresh Plugin instance. Go has no dynamic module
// import, so a plugin's descriptor Module/Class fields are validated for
// shape only; the actual instance comes from whatever Factory was
// registered under the descriptor's plugin name, a compiled-in
// registration map rather than runtime discovery.
type Factory func() Plugin

var factories = make(map[string]Factory)

// Register associates a plugin name (the descriptor's "<category>/<path>"
// name) with the factory that builds its instance. Called from plugin
// package init() functions.
func Register(name string, factory Factory) {
	factories[name] = factory
}

// Lookup returns the factory registered under name, if any.
func Lookup(name string) (Factory, bool) {
	f, ok := factories[name]
	return f, ok
}

// RegisteredNames returns every plugin name with a registered factory.
func RegisteredNames() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	return names
}
