package query

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/hotbox/internal/extension"
)

// SessionInfo describes the active session.
type SessionInfo struct {
	ID         string    `json:"id"`
	Generation uint64    `json:"generation"`
	Input      string    `json:"input"`
	StartedAt  time.Time `json:"started_at"`
}

// Session spans one activation. It owns the generation counter, the
// cancellation handles of outstanding jobs and the per-extension scratch
// caches.
type Session struct {
	id        string
	startedAt time.Time
	registry  *extension.Registry
	disp      *dispatcher
	merger    *merger
	logger    *slog.Logger

	ctx        context.Context
	cancel     context.CancelFunc
	mergerDone chan struct{}

	mu         sync.Mutex
	closed     bool
	generation uint64
	input      string
	genCancel  context.CancelFunc
	jobs       map[string]context.CancelFunc
	scratch    map[string]*extension.Scratch
	hooks      []hooked
}

type hooked struct {
	id   string
	hook extension.SessionHook
}

func newSession(reg *extension.Registry, disp *dispatcher, mk func(id string) *merger, logger *slog.Logger) *Session {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		startedAt:  time.Now(),
		registry:   reg,
		disp:       disp,
		merger:     mk(id),
		logger:     logger.With("session", id),
		ctx:        ctx,
		cancel:     cancel,
		mergerDone: make(chan struct{}),
		jobs:       make(map[string]context.CancelFunc),
		scratch:    make(map[string]*extension.Scratch),
	}
	go s.merger.run(ctx, s.mergerDone)
	return s
}

// ID returns the session's unique id.
func (s *Session) ID() string { return s.id }

func (s *Session) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionInfo{ID: s.id, Generation: s.generation, Input: s.input, StartedAt: s.startedAt}
}

// scratchFor returns the scratch cache of an extension, creating it. Caller
// holds s.mu.
func (s *Session) scratchFor(id string) *extension.Scratch {
	sc, ok := s.scratch[id]
	if !ok {
		sc = extension.NewScratch()
		s.scratch[id] = sc
	}
	return sc
}

// setup runs SessionHook.Setup of the enabled extensions in declaration order.
// A failing hook is logged and skipped; it gets no Teardown.
func (s *Session) setup(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, h := range s.registry.Enabled() {
		hook, ok := h.Extension.(extension.SessionHook)
		if !ok {
			continue
		}
		id := h.ID()
		sc := s.scratchFor(id)
		err := safely(func() error { return hook.Setup(ctx, sc) })
		if err != nil {
			s.logger.Warn("session setup failed", "extension", id, "error", err)
			continue
		}
		s.hooks = append(s.hooks, hooked{id: id, hook: hook})
	}
}

// setInput starts a new generation: cancels the previous one's jobs and
// dispatches text to every enabled extension.
func (s *Session) setInput(text string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrNoSession
	}

	s.generation++
	gen := s.generation
	s.input = text
	if s.genCancel != nil {
		s.genCancel()
	}
	genCtx, genCancel := context.WithCancel(s.ctx)
	s.genCancel = genCancel

	handles := s.registry.Enabled()
	ids := make([]string, len(handles))
	for i, h := range handles {
		ids[i] = h.ID()
	}

	// The reset must reach the merger before any item of this generation.
	select {
	case s.merger.in <- mergeMsg{kind: msgReset, generation: gen, input: text, jobs: ids}:
	case <-s.ctx.Done():
		return 0, ErrNoSession
	}

	s.jobs = make(map[string]context.CancelFunc, len(handles))
	for _, h := range handles {
		jobCtx, jobCancel := context.WithCancel(genCtx)
		s.jobs[h.ID()] = jobCancel
		go s.disp.run(jobCtx, job{
			handle: h,
			query:  extension.Query{Input: text, Generation: gen, Scratch: s.scratchFor(h.ID())},
			out:    s.merger.in,
			closed: s.ctx.Done(),
		})
	}

	s.logger.Debug("dispatched", "generation", gen, "jobs", len(handles))
	return gen, nil
}

// cancelJob cancels the current generation's job for id and tells the merger
// not to wait for it. Results it already delivered stay in the list.
func (s *Session) cancelJob(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	cancel, ok := s.jobs[id]
	if !ok {
		return
	}
	cancel()
	delete(s.jobs, id)

	select {
	case s.merger.in <- mergeMsg{kind: msgAbandon, generation: s.generation, ext: id}:
	case <-s.ctx.Done():
	}
	s.logger.Debug("job cancelled", "extension", id, "generation", s.generation)
}

// close cancels every job, stops the merger, runs Teardown hooks in reverse
// setup order and releases the scratch caches.
func (s *Session) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.cancel()
	hooks := s.hooks
	scratch := s.scratch
	s.hooks, s.scratch, s.jobs = nil, nil, nil
	s.mu.Unlock()

	<-s.mergerDone

	for i := len(hooks) - 1; i >= 0; i-- {
		h := hooks[i]
		sc := scratch[h.id]
		if err := safely(func() error { h.hook.Teardown(sc); return nil }); err != nil {
			s.logger.Warn("session teardown failed", "extension", h.id, "error", err)
		}
	}
	for id, sc := range scratch {
		if err := sc.Release(); err != nil {
			s.logger.Warn("releasing scratch failed", "extension", id, "error", err)
		}
	}
}

// generationNow returns the current generation.
func (s *Session) generationNow() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.generation
}

// safely runs fn, turning a panic into an error.
func safely(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
