// Package router maintains the mapping between downstream tool names and the
// spells that own them.
//
// The router is the single source of truth for "which spell do I forward
// this tool call to". It holds no connections itself; the lifecycle manager
// registers a spell's tools on activation and unregisters them on kill, so
// the registered set can be recomputed from the active spells at any time.
package router

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/google/jsonschema-go/jsonschema"
)

// ToolDescriptor describes a single downstream tool as projected from a
// spell server's listTools response.
type ToolDescriptor struct {
	// Name is the tool's identifier, unique within its spell.
	Name string `json:"name"`

	// Description is the tool's human/LLM-facing description. Steering
	// injection derives new descriptors; the original is never mutated.
	Description string `json:"description"`

	// InputSchema is the JSON-Schema-shaped argument description.
	InputSchema *jsonschema.Schema `json:"inputSchema,omitempty"`
}

// Router maps tool names to owning spells and back. All methods are safe for
// concurrent use.
//
// Tool-name collisions across spells follow last-writer-wins: registering a
// tool name already owned by another spell silently re-points it (with a
// logged warning), matching the gateway's single flat tool namespace.
type Router struct {
	mu           sync.RWMutex
	toolToSpell  map[string]string
	spellToTools map[string][]ToolDescriptor
}

// New creates an empty Router.
func New() *Router {
	return &Router{
		toolToSpell:  make(map[string]string),
		spellToTools: make(map[string][]ToolDescriptor),
	}
}

// RegisterTools inserts or overwrites the tool set for spell. Conflicting
// tool names from other spells are re-pointed to spell (last writer wins).
func (r *Router) RegisterTools(spell string, tools []ToolDescriptor) {
	copied := make([]ToolDescriptor, len(tools))
	copy(copied, tools)

	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop reverse entries of a previous registration for this spell.
	for _, t := range r.spellToTools[spell] {
		if r.toolToSpell[t.Name] == spell {
			delete(r.toolToSpell, t.Name)
		}
	}

	r.spellToTools[spell] = copied
	for _, t := range copied {
		if owner, ok := r.toolToSpell[t.Name]; ok && owner != spell {
			slog.Warn("router: tool name collision, last writer wins",
				"tool", t.Name, "previous", owner, "now", spell)
		}
		r.toolToSpell[t.Name] = spell
	}
}

// UnregisterTools removes the spell's tools and every reverse entry pointing
// to it.
func (r *Router) UnregisterTools(spell string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, t := range r.spellToTools[spell] {
		if r.toolToSpell[t.Name] == spell {
			delete(r.toolToSpell, t.Name)
		}
	}
	delete(r.spellToTools, spell)
}

// SpellForTool returns the spell owning toolName.
func (r *Router) SpellForTool(toolName string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spell, ok := r.toolToSpell[toolName]
	return spell, ok
}

// HasTool reports whether toolName is registered.
func (r *Router) HasTool(toolName string) bool {
	_, ok := r.SpellForTool(toolName)
	return ok
}

// ToolsForSpell returns a snapshot copy of the spell's registered tools.
func (r *Router) ToolsForSpell(spell string) []ToolDescriptor {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools, ok := r.spellToTools[spell]
	if !ok {
		return nil
	}
	out := make([]ToolDescriptor, len(tools))
	copy(out, tools)
	return out
}

// ActiveSpellNames returns the sorted names of all spells with registered
// tools.
func (r *Router) ActiveSpellNames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.spellToTools))
	for name := range r.spellToTools {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
