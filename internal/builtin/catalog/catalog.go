// Package catalog keeps an in-memory index of files under a set of
// directories, rescanned when the directories change.
package catalog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sahilm/fuzzy"
	"golang.org/x/time/rate"
)

// Entry is anything the catalog can fuzzy match.
type Entry interface {
	MatchText() string
}

// ScanFunc builds the full entry list from dirs.
type ScanFunc[T Entry] func(ctx context.Context, dirs []string) ([]T, error)

// Options configure a Catalog.
type Options[T Entry] struct {
	Dirs []string
	Scan ScanFunc[T]
	// Relevant filters watcher events by path. Nil accepts everything.
	Relevant func(path string) bool
	// MinInterval is the minimum time between two rescans (default 2s).
	MinInterval time.Duration
	Logger      *slog.Logger
}

// Catalog holds the latest scan result and swaps it atomically on rescan.
type Catalog[T Entry] struct {
	opts    Options[T]
	entries atomic.Pointer[[]T]
	limiter *rate.Limiter
	watcher *fsnotify.Watcher
	kick    chan struct{}
	scans   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a catalog for opts. Scanning begins with Start.
func New[T Entry](opts Options[T]) *Catalog[T] {
	if opts.MinInterval <= 0 {
		opts.MinInterval = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	c := &Catalog[T]{
		opts:    opts,
		limiter: rate.NewLimiter(rate.Every(opts.MinInterval), 1),
		kick:    make(chan struct{}, 1),
	}
	empty := make([]T, 0)
	c.entries.Store(&empty)
	return c
}

// Start runs the initial scan and begins watching the directories. Missing
// directories are skipped.
func (c *Catalog[T]) Start(ctx context.Context) error {
	if err := c.Rescan(ctx); err != nil {
		return err
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	c.watcher = watcher
	for _, dir := range c.opts.Dirs {
		if err := c.watchTree(dir); err != nil {
			c.opts.Logger.Debug("not watching directory", "dir", dir, "error", err)
		}
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.wg.Add(2)
	go c.watcherLoop()
	go c.rescanLoop()
	return nil
}

func (c *Catalog[T]) watchTree(root string) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return c.watcher.Add(path)
		}
		return nil
	})
}

// Rescan replaces the entries with a fresh scan.
func (c *Catalog[T]) Rescan(ctx context.Context) error {
	entries, err := c.opts.Scan(ctx, c.opts.Dirs)
	if err != nil {
		return err
	}
	c.entries.Store(&entries)
	c.scans.Add(1)
	c.opts.Logger.Debug("catalog rescanned", "entries", len(entries))
	return nil
}

// Snapshot returns the current entries. The slice must not be modified.
func (c *Catalog[T]) Snapshot() []T {
	return *c.entries.Load()
}

// Scans returns how many scans have completed.
func (c *Catalog[T]) Scans() int64 {
	return c.scans.Load()
}

func (c *Catalog[T]) watcherLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = c.watchTree(event.Name)
				}
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if c.opts.Relevant != nil && !c.opts.Relevant(event.Name) {
				continue
			}
			select {
			case c.kick <- struct{}{}:
			default:
			}
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.opts.Logger.Warn("catalog watcher error", "error", err)
		}
	}
}

// rescanLoop coalesces change notifications into rescans no more often than
// MinInterval.
func (c *Catalog[T]) rescanLoop() {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.kick:
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		// Events that arrived while throttled are covered by this scan.
		select {
		case <-c.kick:
		default:
		}
		if err := c.Rescan(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.opts.Logger.Warn("catalog rescan failed", "error", err)
		}
	}
}

// Close stops watching.
func (c *Catalog[T]) Close() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	err := c.watcher.Close()
	c.wg.Wait()
	return err
}

// Match is one fuzzy hit.
type Match[T Entry] struct {
	Entry T
	Score int
}

type source[T Entry] []T

func (s source[T]) String(i int) string { return s[i].MatchText() }
func (s source[T]) Len() int            { return len(s) }

// Find fuzzy matches query against entries, best first. An empty query
// matches nothing.
func Find[T Entry](query string, entries []T) []Match[T] {
	if query == "" || len(entries) == 0 {
		return nil
	}
	matches := fuzzy.FindFrom(query, source[T](entries))
	out := make([]Match[T], len(matches))
	for i, m := range matches {
		out[i] = Match[T]{Entry: entries[m.Index], Score: m.Score}
	}
	return out
}
