// Package core implements the gateway's session manager: session lifecycle
// driven over the message bus, the per-session screen update loop, interactive
// key routing and AST dispatch.
package core

import (
	"pkt.systems/pslog"
	"pkt.systems/tngate/ast"
	"pkt.systems/tngate/bus"
	"pkt.systems/tngate/host"
	"pkt.systems/tngate/schema"
)

// EngineProvider creates protocol engines for new sessions. Engines are
// returned unconnected; the service owns connect and close.
type EngineProvider interface {
	NewEngine(id schema.SessionID) host.Engine
}

// EngineProviderFunc adapts a function to the EngineProvider interface.
type EngineProviderFunc func(id schema.SessionID) host.Engine

// NewEngine implements EngineProvider.
func (f EngineProviderFunc) NewEngine(id schema.SessionID) host.Engine { return f(id) }

// ServiceDeps captures the service's collaborators.
type ServiceDeps struct {
	Bus     bus.PubSub
	Engines EngineProvider
	// Registry resolves AST names. Nil falls back to the default registry.
	Registry *ast.Registry
	// Recorder persists execution history. Nil disables persistence.
	Recorder ast.Recorder
	Logger   pslog.Logger
}
