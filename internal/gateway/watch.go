package gateway

import (
	"context"
	"log/slog"

	"github.com/grimoire-sh/grimoire/internal/spell"
	"github.com/grimoire-sh/grimoire/internal/watcher"
)

// The gateway is the watcher's handler: spell file edits flow back into the
// resolver index and, for active spells, through the kill path so the next
// activation picks up the new config.
var _ watcher.Handler = (*Gateway)(nil)

// OnSpellAdded implements [watcher.Handler].
func (g *Gateway) OnSpellAdded(ctx context.Context, path string) {
	cfg, err := spell.LoadFile(path)
	if err != nil {
		slog.Warn("gateway: new spell file invalid, ignoring", "path", path, "err", err)
		return
	}

	if owner, taken := g.nameOwner(cfg.Name); taken && owner != path {
		slog.Warn("gateway: duplicate spell name, keeping first occurrence",
			"name", cfg.Name, "kept", owner, "skipped", path)
		return
	}

	if err := g.resolver.Index(ctx, cfg); err != nil {
		slog.Warn("gateway: indexing new spell failed", "spell", cfg.Name, "err", err)
		return
	}

	g.mu.Lock()
	g.configs[cfg.Name] = cfg
	g.pathToName[path] = cfg.Name
	g.mu.Unlock()

	slog.Info("gateway: spell added", "spell", cfg.Name, "path", path)
	g.refreshActivateTool()
}

// OnSpellChanged implements [watcher.Handler]. An active spell is killed so
// the next activation spawns against the new config; it is not pre-emptively
// respawned.
func (g *Gateway) OnSpellChanged(ctx context.Context, path string) {
	g.mu.Lock()
	oldName, known := g.pathToName[path]
	g.mu.Unlock()

	cfg, err := spell.LoadFile(path)
	if err != nil {
		// Keep the previous config live; a half-saved file should not evict a
		// working spell.
		slog.Warn("gateway: changed spell file invalid, keeping previous config", "path", path, "err", err)
		return
	}

	if owner, taken := g.nameOwner(cfg.Name); taken && owner != path {
		slog.Warn("gateway: duplicate spell name, keeping first occurrence",
			"name", cfg.Name, "kept", owner, "skipped", path)
		return
	}

	if known {
		if g.manager.IsActive(oldName) {
			g.manager.Kill(ctx, oldName)
		}
		g.resolver.Remove(ctx, oldName)
		g.mu.Lock()
		delete(g.configs, oldName)
		g.mu.Unlock()
	}

	if err := g.resolver.Index(ctx, cfg); err != nil {
		slog.Warn("gateway: re-indexing changed spell failed", "spell", cfg.Name, "err", err)
		g.refreshActivateTool()
		return
	}

	g.mu.Lock()
	g.configs[cfg.Name] = cfg
	g.pathToName[path] = cfg.Name
	g.mu.Unlock()

	slog.Info("gateway: spell updated", "spell", cfg.Name, "path", path)
	g.refreshActivateTool()
}

// OnSpellRemoved implements [watcher.Handler].
func (g *Gateway) OnSpellRemoved(ctx context.Context, path string) {
	g.mu.Lock()
	name, known := g.pathToName[path]
	if known {
		delete(g.pathToName, path)
		delete(g.configs, name)
	}
	g.mu.Unlock()
	if !known {
		return
	}

	if g.manager.IsActive(name) {
		g.manager.Kill(ctx, name)
	}
	g.resolver.Remove(ctx, name)

	slog.Info("gateway: spell removed", "spell", name, "path", path)
	g.refreshActivateTool()
}

// nameOwner reports which file currently declares name, if any.
func (g *Gateway) nameOwner(name string) (path string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for p, n := range g.pathToName {
		if n == name {
			return p, true
		}
	}
	return "", false
}
