// Package collapse layers user-toggleable collapse flags and a
// critical-path-only lock on top of branch decomposition, persisting the
// choices per plan.
package collapse

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/rendis/plangraph/internal/analysis"
	"github.com/rendis/plangraph/internal/store"
)

// Defaults for the preference namespace and lock key binding.
const (
	DefaultNamespace = "plangraph"
	DefaultLockKey   = "L"
)

// Key returns the preference key holding a plan's collapsed roots.
func Key(namespace, planID string) string {
	return namespace + ":branch-collapse:" + planID
}

// Option configures a Controller.
type Option func(*Controller)

// WithNamespace sets the preference key namespace.
func WithNamespace(ns string) Option {
	return func(c *Controller) { c.namespace = ns }
}

// WithLockKey sets the key that toggles lock mode.
func WithLockKey(key string) Option {
	return func(c *Controller) { c.lockKey = key }
}

// WithLogger sets the controller logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// Controller tracks which branch roots are collapsed for the open plan.
type Controller struct {
	mu        sync.Mutex
	prefs     store.Store
	namespace string
	lockKey   string
	logger    *slog.Logger

	planID    string
	collapsed map[string]bool
	known     map[string]bool // roots seen by the last reconciling Sync
	hydrated  bool            // collapse set was restored from storage
	synced    bool            // at least one Sync reconciled roots
	locked    bool
	saved     map[string]bool // collapse set captured when lock engaged
}

// New creates a controller persisting to prefs. A nil prefs keeps state in memory only.
func New(prefs store.Store, opts ...Option) *Controller {
	c := &Controller{
		prefs:     prefs,
		namespace: DefaultNamespace,
		lockKey:   DefaultLockKey,
		collapsed: make(map[string]bool),
		known:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return c
}

// Open binds the controller to planID and restores its stored collapse set.
// A missing or unparsable value leaves the default: every branch collapsed,
// not hydrated. Lock mode is released.
func (c *Controller) Open(ctx context.Context, planID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.planID = planID
	c.collapsed = make(map[string]bool)
	c.known = make(map[string]bool)
	c.hydrated = false
	c.synced = false
	c.locked = false
	c.saved = nil

	if c.prefs == nil || planID == "" {
		return
	}
	raw, err := c.prefs.Get(ctx, Key(c.namespace, planID))
	if err != nil {
		if !store.IsNotFound(err) {
			c.logger.Warn("collapse state unreadable, using defaults",
				slog.String("plan_id", planID), slog.String("error", err.Error()))
		}
		return
	}
	var roots []string
	if err := json.Unmarshal(raw, &roots); err != nil {
		c.logger.Warn("collapse state corrupt, using defaults",
			slog.String("plan_id", planID), slog.String("error", err.Error()))
		return
	}
	for _, r := range roots {
		c.collapsed[r] = true
	}
	c.hydrated = true
}

// Sync reconciles the collapse set with the current branch roots. New roots
// collapse by default; vanished roots are dropped. On the first Sync after a
// hydrating Open, stored roots stay collapsed and the rest start expanded.
// An empty branch list is ignored so a transiently empty graph cannot wipe
// stored choices. While locked every root is kept collapsed.
func (c *Controller) Sync(ctx context.Context, branches []analysis.Branch) {
	if len(branches) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	roots := make(map[string]bool, len(branches))
	for _, b := range branches {
		roots[b.RootID] = true
	}

	if c.locked {
		for r := range roots {
			c.collapsed[r] = true
		}
		return
	}

	next := make(map[string]bool, len(roots))
	for r := range roots {
		switch {
		case !c.synced && c.hydrated:
			next[r] = c.collapsed[r]
		case !c.synced, !c.known[r]:
			next[r] = true
		default:
			next[r] = c.collapsed[r]
		}
	}
	changed := !c.synced || !sameSet(onlyTrue(next), c.collapsed)
	c.collapsed = onlyTrue(next)
	c.known = roots
	c.synced = true
	if changed {
		c.persist(ctx)
	}
}

// Toggle flips rootID's collapsed flag. It is a no-op, returning false,
// while locked or for a root not seen by Sync.
func (c *Controller) Toggle(ctx context.Context, rootID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.locked || !c.known[rootID] {
		return false
	}
	if c.collapsed[rootID] {
		delete(c.collapsed, rootID)
	} else {
		c.collapsed[rootID] = true
	}
	c.persist(ctx)
	return true
}

// ToggleLock engages or releases critical-path-only mode and returns the new
// state. Engaging snapshots the collapse set and collapses every branch;
// releasing restores the snapshot exactly and persists it.
func (c *Controller) ToggleLock(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.locked {
		c.saved = cloneSet(c.collapsed)
		for r := range c.known {
			c.collapsed[r] = true
		}
		c.locked = true
		return true
	}

	c.collapsed = cloneSet(c.saved)
	c.saved = nil
	c.locked = false
	c.persist(ctx)
	return false
}

// HandleKey toggles lock mode when key matches the binding
// (case-insensitive) and focus is not inside a text input.
func (c *Controller) HandleKey(ctx context.Context, key string, inTextInput bool) bool {
	if inTextInput || !strings.EqualFold(key, c.lockKey) {
		return false
	}
	c.ToggleLock(ctx)
	return true
}

// Locked reports whether critical-path-only mode is engaged.
func (c *Controller) Locked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.locked
}

// PlanID returns the plan the controller is bound to.
func (c *Controller) PlanID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.planID
}

// Hydrated reports whether the collapse set was restored from storage.
func (c *Controller) Hydrated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hydrated
}

// IsCollapsed reports whether rootID is collapsed.
func (c *Controller) IsCollapsed(rootID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.collapsed[rootID]
}

// CollapsedRoots returns the collapsed root ids in sorted order.
func (c *Controller) CollapsedRoots() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return sortedKeys(c.collapsed)
}

// persist writes the collapse set. Failures are logged, never surfaced.
// Callers hold c.mu.
func (c *Controller) persist(ctx context.Context) {
	if c.prefs == nil || c.planID == "" || c.locked {
		return
	}
	data, err := json.Marshal(sortedKeys(c.collapsed))
	if err != nil {
		return
	}
	if err := c.prefs.Put(ctx, Key(c.namespace, c.planID), data); err != nil {
		c.logger.Warn("collapse state not saved",
			slog.String("plan_id", c.planID), slog.String("error", err.Error()))
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k, v := range set {
		if v {
			keys = append(keys, k)
		}
	}
	slices.Sort(keys)
	return keys
}

func onlyTrue(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for k, v := range set {
		if v {
			out[k] = true
		}
	}
	return out
}

func cloneSet(set map[string]bool) map[string]bool {
	out := make(map[string]bool, len(set))
	for k, v := range set {
		out[k] = v
	}
	return out
}

func sameSet(a, b map[string]bool) bool {
	return slices.Equal(sortedKeys(a), sortedKeys(b))
}
