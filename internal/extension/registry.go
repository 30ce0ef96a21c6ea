package extension

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hotbox/internal/logging"
)

var (
	// ErrDuplicate is returned when an extension id is registered twice.
	ErrDuplicate = errors.New("extension already registered")
	// ErrNotFound is returned for an unknown extension id.
	ErrNotFound = errors.New("extension not found")
)

// Handle is a non-owning reference to an enabled extension, valid for one job.
type Handle struct {
	Extension Extension
	// Order is the declaration order; lower sorts first on ties.
	Order int
}

// ID is shorthand for h.Extension.ID().
func (h Handle) ID() string { return h.Extension.ID() }

// Info describes a registered extension.
type Info struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Order   int    `json:"order"`
	Hooks   bool   `json:"session_hooks"`
}

type entry struct {
	ext     Extension
	order   int
	enabled bool
}

// Registry holds the loaded extensions in declaration order. Safe for
// concurrent use; mutations are visible to the next Enabled call.
type Registry struct {
	mu        sync.RWMutex
	entries   []*entry
	byID      map[string]*entry
	seq       int
	listeners []func(id string)
	logger    *slog.Logger
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		byID:   make(map[string]*entry),
		logger: logging.ForComponent(logging.CompRegistry),
	}
}

// Register appends ext, enabled, after every previously registered extension.
func (r *Registry) Register(ext Extension) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := ext.ID()
	if id == "" {
		return fmt.Errorf("registering %q: empty id", ext.Name())
	}
	if _, exists := r.byID[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, id)
	}
	e := &entry{ext: ext, order: r.seq, enabled: true}
	r.seq++
	r.entries = append(r.entries, e)
	r.byID[id] = e
	return nil
}

// Unregister removes id. An in-flight job for it is cancelled as on disable,
// and the extension is closed if it implements io.Closer.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.byID, id)
	for i, cur := range r.entries {
		if cur == e {
			r.entries = append(r.entries[:i], r.entries[i+1:]...)
			break
		}
	}
	wasEnabled := e.enabled
	listeners := r.listeners
	r.mu.Unlock()

	if wasEnabled {
		notify(listeners, id)
	}
	if c, ok := e.ext.(io.Closer); ok {
		if err := c.Close(); err != nil {
			return fmt.Errorf("closing %s: %w", id, err)
		}
	}
	return nil
}

// SetEnabled flips the enabled flag. Disabling notifies OnDisable listeners
// after the flag is visible.
func (r *Registry) SetEnabled(id string, enabled bool) error {
	r.mu.Lock()
	e, ok := r.byID[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	changed := e.enabled != enabled
	e.enabled = enabled
	listeners := r.listeners
	r.mu.Unlock()

	if changed {
		r.logger.Info("extension toggled", "id", id, "enabled", enabled)
		if !enabled {
			notify(listeners, id)
		}
	}
	return nil
}

// OnDisable registers fn to be called with the id of every extension that is
// disabled or unregistered.
func (r *Registry) OnDisable(fn func(id string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners[:len(r.listeners):len(r.listeners)], fn)
}

func notify(listeners []func(string), id string) {
	for _, fn := range listeners {
		fn(id)
	}
}

// Enabled returns a snapshot of the enabled extensions in declaration order.
func (r *Registry) Enabled() []Handle {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Handle, 0, len(r.entries))
	for _, e := range r.entries {
		if e.enabled {
			out = append(out, Handle{Extension: e.ext, Order: e.order})
		}
	}
	return out
}

// IsEnabled reports whether id is registered and enabled.
func (r *Registry) IsEnabled(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	return ok && e.enabled
}

// Get returns the extension registered under id.
func (r *Registry) Get(id string) (Extension, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.byID[id]
	if !ok {
		return nil, false
	}
	return e.ext, true
}

// List describes every registered extension in declaration order.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Info, 0, len(r.entries))
	for _, e := range r.entries {
		_, hooks := e.ext.(SessionHook)
		out = append(out, Info{
			ID:      e.ext.ID(),
			Name:    e.ext.Name(),
			Enabled: e.enabled,
			Order:   e.order,
			Hooks:   hooks,
		})
	}
	return out
}

// Load registers every extension produced by sources, in order. Duplicates
// are logged and skipped; source failures are collected and returned.
func (r *Registry) Load(ctx context.Context, sources ...Source) error {
	var errs []error
	for _, src := range sources {
		exts, err := src.Extensions(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("loading extensions: %w", err))
			continue
		}
		for _, ext := range exts {
			if err := r.Register(ext); err != nil {
				r.logger.Warn("skipping extension", "id", ext.ID(), "error", err)
			}
		}
	}
	return errors.Join(errs...)
}

// Init runs Init on every Initializable extension concurrently. An extension
// whose Init fails is disabled and its error included in the result.
func (r *Registry) Init(ctx context.Context) error {
	r.mu.RLock()
	var targets []Initializable
	var ids []string
	for _, e := range r.entries {
		if in, ok := e.ext.(Initializable); ok {
			targets = append(targets, in)
			ids = append(ids, e.ext.ID())
		}
	}
	r.mu.RUnlock()

	errs := make([]error, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range targets {
		g.Go(func() error {
			if err := targets[i].Init(gctx); err != nil {
				errs[i] = fmt.Errorf("initializing %s: %w", ids[i], err)
			}
			return nil
		})
	}
	_ = g.Wait() // failures are collected in errs

	for i, err := range errs {
		if err == nil {
			continue
		}
		r.logger.Error("extension init failed, disabling", "id", ids[i], "error", err)
		if err := r.SetEnabled(ids[i], false); err != nil {
			errs[i] = errors.Join(errs[i], err)
		}
	}
	return errors.Join(errs...)
}

// Close closes every io.Closer extension in reverse declaration order.
func (r *Registry) Close() error {
	r.mu.RLock()
	entries := make([]*entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	var errs []error
	for i := len(entries) - 1; i >= 0; i-- {
		if c, ok := entries[i].ext.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("closing %s: %w", entries[i].ext.ID(), err))
			}
		}
	}
	return errors.Join(errs...)
}
