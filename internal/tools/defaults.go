// Package tools assembles the built-in tool set. Registration is an
// explicit call from the composition root; importing this package has
// no side effects.
package tools

import (
	"github.com/iHeyTang/heyfun/internal/agent"
	"github.com/iHeyTang/heyfun/internal/providers"
	"github.com/iHeyTang/heyfun/internal/tools/paintboard"
	"github.com/iHeyTang/heyfun/internal/tools/system"
)

// Deps carries everything the default tool set needs.
type Deps struct {
	// Provider backs the chat-completion sub-call tool. Nil skips it.
	Provider providers.Provider

	// Paintboard wires the generation tools. A nil store skips them.
	Paintboard paintboard.Deps
}

// RegisterDefaults registers the built-in tools on reg.
func RegisterDefaults(reg *agent.Registry, deps Deps) {
	reg.RegisterTool(system.Complete())
	if deps.Provider != nil {
		reg.RegisterTool(system.ChatCompletion(deps.Provider))
	}
	if deps.Paintboard.Store != nil {
		reg.RegisterTools(paintboard.Tools(deps.Paintboard)...)
	}
}
