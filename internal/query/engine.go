// Package query dispatches launcher input to the enabled extensions, merges
// and ranks their results, and enforces one active session at a time.
package query

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/logging"
	"github.com/kalambet/hotbox/internal/ranking"
)

var (
	// ErrNoSession is returned for session operations while inactive.
	ErrNoSession = errors.New("no active session")
	// ErrUnknownResult is returned when activating a key that is not in the
	// most recently emitted list.
	ErrUnknownResult = errors.New("unknown result")
)

// DefaultCoalesceWindow bounds how often partial lists are published.
const DefaultCoalesceWindow = 25 * time.Millisecond

// Scorer returns the usage score of a qualified result key for an input.
type Scorer interface {
	Score(itemID, input string) float64
}

// Store is the slice of the usage store the engine needs.
type Store interface {
	Scorer
	RecordUsage(input, itemID string)
	RecordRuntime(extensionID string, micros int64)
}

type nopStore struct{}

func (nopStore) Score(string, string) float64 { return 0 }
func (nopStore) RecordUsage(string, string)   {}
func (nopStore) RecordRuntime(string, int64)  {}

// Options tune an Engine. Zero values select defaults.
type Options struct {
	Weights        ranking.Weights
	CoalesceWindow time.Duration
	Logger         *slog.Logger
}

// Engine is the launcher's query context: it owns the active session and
// publishes its ranked lists to subscribers.
type Engine struct {
	registry *extension.Registry
	store    Store
	weights  ranking.Weights
	window   time.Duration
	logger   *slog.Logger
	disp     *dispatcher

	mu      sync.Mutex
	session *Session
	latest  *Emission
	results map[string]extension.Result
	subs    map[int]chan Emission
	nextSub int
}

// New creates an Engine over reg. store may be nil, in which case ranking
// falls back to base priority and nothing is recorded.
func New(reg *extension.Registry, store Store, opts Options) *Engine {
	if store == nil {
		store = nopStore{}
	}
	if opts.Weights == (ranking.Weights{}) {
		opts.Weights = ranking.DefaultWeights()
	}
	if opts.CoalesceWindow == 0 {
		opts.CoalesceWindow = DefaultCoalesceWindow
	}
	if opts.Logger == nil {
		opts.Logger = logging.ForComponent(logging.CompEngine)
	}

	e := &Engine{
		registry: reg,
		store:    store,
		weights:  opts.Weights,
		window:   opts.CoalesceWindow,
		logger:   opts.Logger,
		disp:     &dispatcher{store: store, logger: logging.ForComponent(logging.CompDispatch)},
		subs:     make(map[int]chan Emission),
	}
	reg.OnDisable(e.extensionDisabled)
	return e
}

// Activate opens a session, running SessionHook.Setup of every enabled
// extension. While a session is active it returns that session unchanged.
func (e *Engine) Activate(ctx context.Context) (SessionInfo, error) {
	e.mu.Lock()
	if e.session != nil {
		s := e.session
		e.mu.Unlock()
		return s.info(), nil
	}
	s := newSession(e.registry, e.disp, e.newMerger, e.logger)
	e.session = s
	e.latest = nil
	e.results = nil
	e.mu.Unlock()

	s.setup(ctx)
	e.logger.Info("session activated", "session", s.ID())
	return s.info(), nil
}

func (e *Engine) newMerger(sessionID string) *merger {
	return newMerger(sessionID, e.window, e.weights, e.store, e.publish, e.logger)
}

// Deactivate closes the active session. It reports whether one was active.
func (e *Engine) Deactivate() bool {
	e.mu.Lock()
	s := e.session
	e.session = nil
	e.latest = nil
	e.results = nil
	e.mu.Unlock()

	if s == nil {
		return false
	}
	s.close()

	e.mu.Lock()
	e.broadcast(Emission{SessionID: s.ID(), Generation: s.generationNow(), Done: true, Closed: true})
	e.mu.Unlock()

	e.logger.Info("session deactivated", "session", s.ID())
	return true
}

// Toggle deactivates an active session or activates a new one. It reports
// whether a session is active afterwards.
func (e *Engine) Toggle(ctx context.Context) (SessionInfo, bool, error) {
	if e.Deactivate() {
		return SessionInfo{}, false, nil
	}
	info, err := e.Activate(ctx)
	if err != nil {
		return SessionInfo{}, false, err
	}
	return info, true, nil
}

// Session describes the active session, if any.
func (e *Engine) Session() (SessionInfo, bool) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return SessionInfo{}, false
	}
	return s.info(), true
}

// InputChanged starts a new generation for text and returns its number.
func (e *Engine) InputChanged(text string) (uint64, error) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s == nil {
		return 0, ErrNoSession
	}
	return s.setInput(text)
}

// ActivateResult runs the action of key, which must be in the most recently
// emitted list, and records the selection for the input that produced it.
// Usage is recorded only when the action succeeds.
func (e *Engine) ActivateResult(ctx context.Context, key string) error {
	e.mu.Lock()
	s := e.session
	if s == nil {
		e.mu.Unlock()
		return ErrNoSession
	}
	res, ok := e.results[key]
	var input string
	var shown uint64
	if e.latest != nil {
		input = e.latest.Input
		shown = e.latest.Generation
	}
	e.mu.Unlock()

	// A list for an input that has since changed is no longer selectable.
	if !ok || shown < s.generationNow() {
		return fmt.Errorf("%w: %s", ErrUnknownResult, key)
	}
	if res.Action != nil {
		if err := safely(func() error { return res.Action(ctx) }); err != nil {
			e.logger.Warn("result action failed", "key", key, "error", err)
			return fmt.Errorf("activating %s: %w", key, err)
		}
	}
	e.store.RecordUsage(input, key)
	e.logger.Debug("result activated", "key", key, "input", input)
	return nil
}

// Latest returns the most recent emission of the active session.
func (e *Engine) Latest() (Emission, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.latest == nil {
		return Emission{}, false
	}
	return *e.latest, true
}

// Subscribe returns a channel receiving emissions. The channel holds only the
// newest undelivered emission; slow readers skip intermediate lists. Call the
// returned function to unsubscribe.
func (e *Engine) Subscribe() (<-chan Emission, func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextSub
	e.nextSub++
	ch := make(chan Emission, 1)
	e.subs[id] = ch
	if e.latest != nil {
		ch <- *e.latest
	}

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.subs, id)
			e.mu.Unlock()
		})
	}
}

// Close deactivates any active session.
func (e *Engine) Close() {
	e.Deactivate()
}

// publish is called by a session's merger. Emissions of a session that is no
// longer active, or older than the current list, are dropped.
func (e *Engine) publish(em Emission, results map[string]extension.Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.session == nil || e.session.ID() != em.SessionID {
		return
	}
	if e.latest != nil && em.Generation < e.latest.Generation {
		return
	}
	e.latest = &em
	e.results = results
	e.broadcast(em)
}

// broadcast hands em to every subscriber, replacing an undelivered older
// emission. Caller holds e.mu.
func (e *Engine) broadcast(em Emission) {
	for _, ch := range e.subs {
		select {
		case ch <- em:
			continue
		default:
		}
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- em:
		default:
		}
	}
}

func (e *Engine) extensionDisabled(id string) {
	e.mu.Lock()
	s := e.session
	e.mu.Unlock()
	if s != nil {
		s.cancelJob(id)
	}
}
