// Package gateway is Grimoire's public MCP surface.
//
// It exposes exactly two meta-tools, resolve_intent and activate_spell, and
// behind them orchestrates the resolver, the lifecycle manager and the tool
// router. Once a spell activates, its downstream tools are re-exported on the
// gateway's own server with the spell's steering guidance appended to each
// description, and calls to them proxy through the spell's session.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/antzucaro/matchr"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/grimoire-sh/grimoire/internal/lifecycle"
	"github.com/grimoire-sh/grimoire/internal/observe"
	"github.com/grimoire-sh/grimoire/internal/resolver"
	"github.com/grimoire-sh/grimoire/internal/router"
	"github.com/grimoire-sh/grimoire/internal/spell"
)

// steeringMarker separates a tool's original description from the owning
// spell's steering text. The exact marker is part of the downstream contract.
const steeringMarker = "\n--- EXPERT GUIDANCE ---\n"

// Confidence tier boundaries for resolve_intent.
const (
	tierActivate = 0.85
	tierMultiple = 0.5
)

// Result status values.
const (
	StatusActivated       = "activated"
	StatusMultipleMatches = "multiple_matches"
	StatusWeakMatches     = "weak_matches"
	StatusNotFound        = "not_found"
)

// suggestionFloor is the minimum Jaro-Winkler similarity for a "did you
// mean" hint on an unknown spell name.
const suggestionFloor = 0.8

// MatchSummary is one resolution candidate in a multiple/weak matches result.
type MatchSummary struct {
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Confidence  float64 `json:"confidence"`
	MatchType   string  `json:"matchType"`
}

// SpellSummary names a known spell.
type SpellSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ResolveResult is the structured outcome of resolve_intent. Exactly one of
// the four statuses is set; the populated fields depend on it.
type ResolveResult struct {
	Status          string                  `json:"status"`
	Message         string                  `json:"message,omitempty"`
	Spell           string                  `json:"spell,omitempty"`
	Confidence      float64                 `json:"confidence,omitempty"`
	MatchType       string                  `json:"matchType,omitempty"`
	Tools           []router.ToolDescriptor `json:"tools,omitempty"`
	Matches         []MatchSummary          `json:"matches,omitempty"`
	AvailableSpells []SpellSummary          `json:"availableSpells,omitempty"`
}

// ActivateResult is the structured outcome of a successful activate_spell.
type ActivateResult struct {
	Status string                  `json:"status"`
	Spell  SpellSummary            `json:"spell"`
	Tools  []router.ToolDescriptor `json:"tools"`
}

// SpellNotFoundError is raised by activate_spell for names with no known
// config. When a known spell name is close, Suggestion carries it.
type SpellNotFoundError struct {
	Name       string
	Suggestion string
}

// Error implements the error interface.
func (e *SpellNotFoundError) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("gateway: spell %q not found (did you mean %q?)", e.Name, e.Suggestion)
	}
	return fmt.Sprintf("gateway: spell %q not found", e.Name)
}

// Option configures a [Gateway].
type Option func(*Gateway)

// WithMetrics attaches metric instruments.
func WithMetrics(met *observe.Metrics) Option {
	return func(g *Gateway) { g.metrics = met }
}

// Gateway wires the resolver, lifecycle manager and router behind the two
// public meta-tools. All methods are safe for concurrent use.
type Gateway struct {
	dir      string
	resolver *resolver.Resolver
	manager  *lifecycle.Manager
	router   *router.Router
	metrics  *observe.Metrics

	server *mcpsdk.Server

	mu         sync.Mutex
	configs    map[string]*spell.Config
	pathToName map[string]string

	// activateExposed tracks whether activate_spell is currently registered
	// on the server; it is only exposed while at least one spell is known.
	activateExposed bool
}

// New creates a gateway over the spell directory dir. Call
// [Gateway.LoadSpells] to index the directory and [Gateway.Serve] to start
// answering MCP requests.
func New(dir string, res *resolver.Resolver, mgr *lifecycle.Manager, rt *router.Router, opts ...Option) *Gateway {
	g := &Gateway{
		dir:        dir,
		resolver:   res,
		manager:    mgr,
		router:     rt,
		configs:    make(map[string]*spell.Config),
		pathToName: make(map[string]string),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.initServer()
	return g
}

// LoadSpells loads every spell file in the directory and indexes it. Invalid
// files are skipped by the loader; indexing failures are logged and skipped
// so one broken embedding cannot hide the rest of the grimoire.
func (g *Gateway) LoadSpells(ctx context.Context) error {
	loaded, err := spell.LoadDirEntries(g.dir)
	if err != nil {
		return fmt.Errorf("gateway: load spell directory: %w", err)
	}

	for _, l := range loaded {
		if err := g.resolver.Index(ctx, l.Config); err != nil {
			slog.Warn("gateway: indexing spell failed, skipping", "spell", l.Config.Name, "err", err)
			continue
		}
		g.mu.Lock()
		g.configs[l.Config.Name] = l.Config
		g.pathToName[l.Path] = l.Config.Name
		g.mu.Unlock()
	}

	slog.Info("gateway: spells loaded", "dir", g.dir, "count", len(loaded))
	g.refreshActivateTool()
	return nil
}

// KnownSpells returns a summary of every known spell, sorted by name.
func (g *Gateway) KnownSpells() []SpellSummary {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.knownSpellsLocked()
}

func (g *Gateway) knownSpellsLocked() []SpellSummary {
	out := make([]SpellSummary, 0, len(g.configs))
	for _, cfg := range g.configs {
		out = append(out, SpellSummary{Name: cfg.Name, Description: cfg.Description})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// configFor returns the known config for name.
func (g *Gateway) configFor(name string) (*spell.Config, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cfg, ok := g.configs[name]
	return cfg, ok
}

// ResolveIntent resolves query and applies the confidence tiers. It never
// returns an error: every failure mode degrades to a structured not_found.
func (g *Gateway) ResolveIntent(ctx context.Context, query string) *ResolveResult {
	if strings.TrimSpace(query) == "" {
		return g.notFound(ctx, "query must be a non-empty string describing what you want to do")
	}

	matches, err := g.resolver.ResolveTopN(ctx, query, 5, resolver.DefaultMinConfidence)
	if err != nil {
		slog.Warn("gateway: resolution failed", "err", err)
		return g.notFound(ctx, fmt.Sprintf("no spell matches %q", query))
	}
	if len(matches) == 0 {
		return g.notFound(ctx, fmt.Sprintf("no spell matches %q", query))
	}

	top := matches[0]
	switch {
	case top.Confidence >= tierActivate:
		return g.activateTop(ctx, top)

	case top.Confidence >= tierMultiple:
		g.recordResolution(ctx, StatusMultipleMatches)
		return &ResolveResult{
			Status:  StatusMultipleMatches,
			Message: "multiple spells match; call activate_spell with the one you want",
			Matches: g.summarize(matches, 3),
		}

	default:
		g.recordResolution(ctx, StatusWeakMatches)
		return &ResolveResult{
			Status:  StatusWeakMatches,
			Message: "only weak matches found; call activate_spell if one of these fits",
			Matches: g.summarize(matches, 5),
		}
	}
}

// activateTop runs the Tier 1 path: activate the winning spell and return its
// steered tool catalogue. An activation failure degrades to not_found with
// the remediation hint as the message.
func (g *Gateway) activateTop(ctx context.Context, top resolver.Match) *ResolveResult {
	cfg := top.Config
	if cfg == nil {
		// Matched purely on a stored embedding of a spell whose file is gone.
		var ok bool
		if cfg, ok = g.configFor(top.Name); !ok {
			slog.Warn("gateway: top match has no config", "spell", top.Name)
			return g.notFound(ctx, "")
		}
	}

	tools, err := g.activate(ctx, cfg)
	if err != nil {
		slog.Error("gateway: activation failed", "spell", cfg.Name, "err", err)
		return g.notFound(ctx, activationMessage(err))
	}

	g.manager.IncrementTurn()
	g.manager.MarkUsed(cfg.Name)

	g.recordResolution(ctx, StatusActivated)
	return &ResolveResult{
		Status:     StatusActivated,
		Spell:      cfg.Name,
		Confidence: top.Confidence,
		MatchType:  string(top.MatchType),
		Tools:      tools,
	}
}

// ActivateSpell activates name directly, bypassing resolution. Unknown names
// raise [*SpellNotFoundError]; an already active spell returns its cached
// catalogue.
func (g *Gateway) ActivateSpell(ctx context.Context, name string) (*ActivateResult, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("gateway: spell name must be a non-empty string")
	}

	cfg, ok := g.configFor(name)
	if !ok {
		return nil, &SpellNotFoundError{Name: name, Suggestion: g.nearestSpell(name)}
	}

	tools, err := g.activate(ctx, cfg)
	if err != nil {
		return nil, err
	}

	g.manager.MarkUsed(cfg.Name)
	return &ActivateResult{
		Status: StatusActivated,
		Spell:  SpellSummary{Name: cfg.Name, Description: cfg.Description},
		Tools:  tools,
	}, nil
}

// activate spawns cfg's server (a no-op when already active), exposes its
// tools on the gateway's MCP surface and returns the steered catalogue.
func (g *Gateway) activate(ctx context.Context, cfg *spell.Config) ([]router.ToolDescriptor, error) {
	tools, err := g.manager.Spawn(ctx, cfg)
	if err != nil {
		return nil, err
	}
	steered := injectSteering(cfg, tools)
	g.exposeSpellTools(cfg.Name, steered)
	return steered, nil
}

// nearestSpell returns the known spell name most similar to name, or "" when
// nothing clears the similarity floor.
func (g *Gateway) nearestSpell(name string) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	best := ""
	bestScore := suggestionFloor
	for known := range g.configs {
		if score := matchr.JaroWinkler(name, known, false); score >= bestScore {
			best = known
			bestScore = score
		}
	}
	return best
}

func (g *Gateway) notFound(ctx context.Context, message string) *ResolveResult {
	g.recordResolution(ctx, StatusNotFound)
	return &ResolveResult{
		Status:          StatusNotFound,
		Message:         message,
		AvailableSpells: g.KnownSpells(),
	}
}

func (g *Gateway) summarize(matches []resolver.Match, n int) []MatchSummary {
	if len(matches) > n {
		matches = matches[:n]
	}
	out := make([]MatchSummary, 0, len(matches))
	for _, m := range matches {
		summary := MatchSummary{
			Name:       m.Name,
			Confidence: m.Confidence,
			MatchType:  string(m.MatchType),
		}
		if m.Config != nil {
			summary.Description = m.Config.Description
		}
		out = append(out, summary)
	}
	return out
}

func (g *Gateway) recordResolution(ctx context.Context, tier string) {
	if g.metrics != nil {
		g.metrics.RecordResolution(ctx, tier)
	}
}

// activationMessage renders an activation failure for the caller, preferring
// the remediation hint when one was classified.
func activationMessage(err error) string {
	var actErr *lifecycle.ActivationError
	if errors.As(err, &actErr) {
		return fmt.Sprintf("spell %q failed to activate: %s", actErr.Spell, actErr.Fix)
	}
	return "spell activation failed: " + err.Error()
}

// injectSteering derives a new tool list with the spell's steering appended
// to every description. The input descriptors are never mutated. Empty or
// whitespace-only steering returns the catalogue unchanged (still copied).
func injectSteering(cfg *spell.Config, tools []router.ToolDescriptor) []router.ToolDescriptor {
	out := make([]router.ToolDescriptor, len(tools))
	copy(out, tools)

	if strings.TrimSpace(cfg.Steering) == "" {
		return out
	}
	for i := range out {
		out[i].Description = out[i].Description + steeringMarker + cfg.Steering
	}
	return out
}
