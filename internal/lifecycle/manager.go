// Package lifecycle manages the running spell server processes.
//
// The manager owns every downstream MCP session: it spawns spell servers on
// demand (stdio children or remote connections), imports their tool
// catalogues into the router, tracks per-spell usage in conversation turns,
// reaps servers that have gone quiet, and persists its state through the
// embedding store so a crashed gateway can recover orphaned child processes
// on the next start.
//
// Persistence is debounced: state mutations schedule a save a few seconds
// out, and rapid mutation bursts collapse into one write.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/grimoire-sh/grimoire/internal/embedstore"
	"github.com/grimoire-sh/grimoire/internal/observe"
	"github.com/grimoire-sh/grimoire/internal/router"
	"github.com/grimoire-sh/grimoire/internal/spell"
)

// DefaultReapThreshold is how many turns a spell may sit unused before the
// reaper considers it inactive.
const DefaultReapThreshold = 5

// saveDebounce is the quiet period between a state mutation and the
// resulting persistence write.
const saveDebounce = 5 * time.Second

// activeSpell is the manager's record of one running spell server.
type activeSpell struct {
	config  *spell.Config
	session *mcpsdk.ClientSession
	cmd     *exec.Cmd // nil for remote spells
	tools   []router.ToolDescriptor
}

// Option configures a [Manager].
type Option func(*Manager)

// WithReapThreshold overrides [DefaultReapThreshold].
func WithReapThreshold(turns uint64) Option {
	return func(m *Manager) { m.reapThreshold = turns }
}

// WithMetrics attaches metric instruments. Without it the manager records
// nothing.
func WithMetrics(met *observe.Metrics) Option {
	return func(m *Manager) { m.metrics = met }
}

// WithOnKilled registers a hook invoked during Kill, before the spell's tools
// leave the router and before its session closes. The gateway uses it to
// retract the spell's proxied tools from its own MCP surface.
func WithOnKilled(fn func(name string)) Option {
	return func(m *Manager) { m.onKilled = fn }
}

// Manager spawns, tracks and kills spell servers. All methods are safe for
// concurrent use.
//
// The zero value is not usable; create instances with [New].
type Manager struct {
	store         embedstore.Store
	router        *router.Router
	metrics       *observe.Metrics
	reapThreshold uint64
	onKilled      func(string)

	mu          sync.Mutex
	active      map[string]*activeSpell
	currentTurn uint64
	usage       map[string]embedstore.UsageEntry

	// flight collapses concurrent Spawn calls for the same spell into one
	// activation; both callers get the same result.
	flight singleflight.Group

	saveMu    sync.Mutex
	saveTimer *time.Timer
	closed    bool
}

// New creates a manager persisting through store and registering tools in rt.
func New(store embedstore.Store, rt *router.Router, opts ...Option) *Manager {
	m := &Manager{
		store:         store,
		router:        rt,
		reapThreshold: DefaultReapThreshold,
		active:        make(map[string]*activeSpell),
		usage:         make(map[string]embedstore.UsageEntry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Spawn activates cfg's server and returns its tool catalogue. An already
// active spell returns its cached catalogue without touching the process.
// Concurrent spawns of the same spell share a single activation attempt.
//
// Failures come back as [*ActivationError] carrying a remediation hint.
func (m *Manager) Spawn(ctx context.Context, cfg *spell.Config) ([]router.ToolDescriptor, error) {
	if tools, ok := m.cachedTools(cfg.Name); ok {
		return tools, nil
	}

	v, err, _ := m.flight.Do(cfg.Name, func() (any, error) {
		// Re-check under the flight: a concurrent caller may have finished
		// the activation while this one queued.
		if tools, ok := m.cachedTools(cfg.Name); ok {
			return tools, nil
		}
		return m.spawn(ctx, cfg)
	})
	if err != nil {
		return nil, err
	}
	return v.([]router.ToolDescriptor), nil
}

func (m *Manager) cachedTools(name string) ([]router.ToolDescriptor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	as, ok := m.active[name]
	if !ok {
		return nil, false
	}
	tools := make([]router.ToolDescriptor, len(as.tools))
	copy(tools, as.tools)
	return tools, true
}

func (m *Manager) spawn(ctx context.Context, cfg *spell.Config) ([]router.ToolDescriptor, error) {
	start := time.Now()
	transportKind := string(cfg.Server.Kind())

	transport, cmd, err := buildTransport(ctx, cfg)
	if err != nil {
		m.recordActivation(ctx, transportKind, "error", start)
		return nil, newActivationError(cfg, err)
	}

	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "grimoire-" + cfg.Name, Version: "1.0.0"},
		nil,
	)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		m.recordActivation(ctx, transportKind, "error", start)
		return nil, newActivationError(cfg, err)
	}

	var tools []router.ToolDescriptor
	for tool, err := range session.Tools(ctx, nil) {
		if err != nil {
			_ = session.Close()
			m.recordActivation(ctx, transportKind, "error", start)
			return nil, newActivationError(cfg, fmt.Errorf("list tools: %w", err))
		}
		tools = append(tools, router.ToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: tool.InputSchema.(*jsonschema.Schema),
		})
	}

	m.router.RegisterTools(cfg.Name, tools)

	m.mu.Lock()
	m.active[cfg.Name] = &activeSpell{
		config:  cfg,
		session: session,
		cmd:     cmd,
		tools:   tools,
	}
	// Activation counts as use.
	m.usage[cfg.Name] = embedstore.UsageEntry{LastUsedTurn: m.currentTurn}
	m.mu.Unlock()

	pid := 0
	if cmd != nil && cmd.Process != nil {
		pid = cmd.Process.Pid
	}
	slog.Info("lifecycle: spell activated",
		"spell", cfg.Name, "transport", transportKind, "tools", len(tools),
		"pid", pid, "took", time.Since(start))

	m.recordActivation(ctx, transportKind, "ok", start)
	if m.metrics != nil {
		m.metrics.ActiveSpells.Add(ctx, 1)
	}
	m.scheduleSave()

	out := make([]router.ToolDescriptor, len(tools))
	copy(out, tools)
	return out, nil
}

func (m *Manager) recordActivation(ctx context.Context, transport, status string, start time.Time) {
	if m.metrics == nil {
		return
	}
	m.metrics.RecordActivation(ctx, transport, status, time.Since(start).Seconds())
}

// Kill deactivates name: tools are unregistered, the session closes, and a
// surviving child process is killed as a backstop. Unknown or inactive names
// are a no-op. Teardown errors are logged, not returned; the spell is always
// gone from the active set afterwards.
func (m *Manager) Kill(ctx context.Context, name string) {
	m.mu.Lock()
	as, ok := m.active[name]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.active, name)
	delete(m.usage, name)
	m.mu.Unlock()

	// The hook runs while the router still lists the spell's tools, so the
	// gateway can read the catalogue it is about to retract.
	if m.onKilled != nil {
		m.onKilled(name)
	}
	m.router.UnregisterTools(name)

	if as.session != nil {
		if err := as.session.Close(); err != nil {
			slog.Warn("lifecycle: session close failed", "spell", name, "err", err)
		}
	}
	if as.cmd != nil && as.cmd.Process != nil {
		// Closing the session normally ends the child; Kill covers a stuck one.
		if err := as.cmd.Process.Kill(); err != nil && !isAlreadyFinished(err) {
			slog.Warn("lifecycle: process kill failed", "spell", name, "err", err)
		}
	}

	slog.Info("lifecycle: spell killed", "spell", name)
	if m.metrics != nil {
		m.metrics.ActiveSpells.Add(ctx, -1)
	}
	m.scheduleSave()
}

func isAlreadyFinished(err error) bool {
	return errors.Is(err, os.ErrProcessDone)
}

// KillAll tears down every active spell concurrently.
func (m *Manager) KillAll(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range m.ActiveNames() {
		g.Go(func() error {
			m.Kill(ctx, name)
			return nil
		})
	}
	_ = g.Wait()
}

// IncrementTurn advances the conversation turn counter.
func (m *Manager) IncrementTurn() uint64 {
	m.mu.Lock()
	m.currentTurn++
	turn := m.currentTurn
	m.mu.Unlock()
	m.scheduleSave()
	return turn
}

// CurrentTurn returns the conversation turn counter.
func (m *Manager) CurrentTurn() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentTurn
}

// MarkUsed stamps name with the current turn. Marking an inactive spell is a
// logged no-op.
func (m *Manager) MarkUsed(name string) {
	m.mu.Lock()
	if _, ok := m.active[name]; !ok {
		m.mu.Unlock()
		slog.Warn("lifecycle: mark-used on inactive spell", "spell", name)
		return
	}
	m.usage[name] = embedstore.UsageEntry{LastUsedTurn: m.currentTurn}
	m.mu.Unlock()
	m.scheduleSave()
}

// IsActive reports whether name has a live server.
func (m *Manager) IsActive(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.active[name]
	return ok
}

// ActiveNames returns the names of all active spells.
func (m *Manager) ActiveNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.active))
	for name := range m.active {
		names = append(names, name)
	}
	return names
}

// InactiveSpells returns, in sorted order, the active spells whose last use
// is at least the reap threshold behind the current turn. A spell with no
// recorded usage is never considered inactive.
func (m *Manager) InactiveSpells() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	var names []string
	for name := range m.active {
		entry, ok := m.usage[name]
		if !ok {
			continue
		}
		if m.currentTurn-entry.LastUsedTurn >= m.reapThreshold {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// ReapInactive kills every spell reported by [Manager.InactiveSpells] and
// returns their names.
func (m *Manager) ReapInactive(ctx context.Context) []string {
	names := m.InactiveSpells()
	if len(names) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		g.Go(func() error {
			m.Kill(gctx, name)
			return nil
		})
	}
	_ = g.Wait()

	slog.Info("lifecycle: reaped inactive spells", "spells", names)
	if m.metrics != nil {
		m.metrics.ReapedSpells.Add(ctx, int64(len(names)))
	}
	return names
}

// CallTool proxies a tool call to the spell's session.
func (m *Manager) CallTool(ctx context.Context, spellName, toolName string, args map[string]any) (*mcpsdk.CallToolResult, error) {
	m.mu.Lock()
	as, ok := m.active[spellName]
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("lifecycle: spell %q is not active", spellName)
	}

	start := time.Now()
	result, err := as.session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      toolName,
		Arguments: args,
	})
	if m.metrics != nil {
		m.metrics.ToolCallDuration.Record(ctx, time.Since(start).Seconds(),
			metric.WithAttributes(
				attribute.String("spell", spellName),
				attribute.String("tool", toolName),
			))
	}
	if err != nil {
		return nil, fmt.Errorf("lifecycle: call tool %q on spell %q: %w", toolName, spellName, err)
	}
	return result, nil
}

// LoadFromStorage hydrates the turn counter and usage map from the persisted
// lifecycle metadata and reclaims orphaned child processes left behind by a
// previous gateway that died without cleanup. The orphan PID list is cleared
// and re-persisted afterwards.
func (m *Manager) LoadFromStorage(ctx context.Context) error {
	if err := m.store.Load(ctx); err != nil {
		return fmt.Errorf("lifecycle: load store: %w", err)
	}

	meta := m.store.LifecycleMetadata()
	if meta == nil {
		return nil
	}

	m.mu.Lock()
	m.currentTurn = meta.CurrentTurn
	m.usage = make(map[string]embedstore.UsageEntry, len(meta.UsageTracking))
	for name, entry := range meta.UsageTracking {
		m.usage[name] = entry
	}
	m.mu.Unlock()

	terminated := 0
	for name, pid := range meta.ActivePIDs {
		if reapOrphan(name, pid) {
			terminated++
		}
	}
	if len(meta.ActivePIDs) > 0 {
		slog.Info("lifecycle: recovered from previous run",
			"turn", meta.CurrentTurn, "orphan_pids", len(meta.ActivePIDs), "terminated", terminated)
	}

	m.store.UpdateLifecycleMetadata(func(lm *embedstore.LifecycleMetadata) {
		lm.ActivePIDs = make(map[string]int)
		lm.LastSaved = time.Now().UnixMilli()
	})
	if err := m.store.Save(ctx); err != nil {
		slog.Warn("lifecycle: persist recovery state failed", "err", err)
	}
	return nil
}

// reapOrphan probes pid and terminates it if still alive, reporting whether a
// signal was sent. Signal 0 is the liveness probe; a live orphan gets SIGTERM
// so it can shut down cleanly.
func reapOrphan(name string, pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false // already gone
	}
	slog.Info("lifecycle: terminating orphaned spell process", "spell", name, "pid", pid)
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		slog.Warn("lifecycle: terminate orphan failed", "spell", name, "pid", pid, "err", err)
		return false
	}
	return true
}

// scheduleSave arms (or re-arms) the debounced persistence timer.
func (m *Manager) scheduleSave() {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()
	if m.closed {
		return
	}
	if m.saveTimer == nil {
		m.saveTimer = time.AfterFunc(saveDebounce, m.persist)
		return
	}
	m.saveTimer.Reset(saveDebounce)
}

// persist writes the current lifecycle state through the store. Failures are
// logged; the next mutation schedules a retry.
func (m *Manager) persist() {
	m.mu.Lock()
	turn := m.currentTurn
	usage := make(map[string]embedstore.UsageEntry, len(m.usage))
	for name, entry := range m.usage {
		usage[name] = entry
	}
	pids := make(map[string]int)
	for name, as := range m.active {
		if as.cmd != nil && as.cmd.Process != nil {
			pids[name] = as.cmd.Process.Pid
		}
	}
	m.mu.Unlock()

	m.store.UpdateLifecycleMetadata(func(lm *embedstore.LifecycleMetadata) {
		lm.CurrentTurn = turn
		lm.UsageTracking = usage
		lm.ActivePIDs = pids
		lm.LastSaved = time.Now().UnixMilli()
	})

	ctx := context.Background()
	err := m.store.Save(ctx)
	if m.metrics != nil {
		m.metrics.RecordStoreSave(ctx, err)
	}
	if err != nil {
		slog.Warn("lifecycle: persist state failed", "err", err)
	}
}

// Close kills every active spell and writes a final state snapshot. The
// manager must not be used afterwards.
func (m *Manager) Close(ctx context.Context) {
	m.saveMu.Lock()
	m.closed = true
	if m.saveTimer != nil {
		m.saveTimer.Stop()
	}
	m.saveMu.Unlock()

	m.KillAll(ctx)
	m.persist()
}
