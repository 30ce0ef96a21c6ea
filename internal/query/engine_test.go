package query

import (
	"context"
	"errors"
	"iter"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hotbox/internal/extension"
)

type fakeStore struct {
	mu       sync.Mutex
	scores   map[string]float64
	usages   [][2]string
	runtimes map[string]int
}

func newFakeStore() *fakeStore {
	return &fakeStore{scores: make(map[string]float64), runtimes: make(map[string]int)}
}

func (s *fakeStore) Score(itemID, input string) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scores[itemID]
}

func (s *fakeStore) RecordUsage(input, itemID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usages = append(s.usages, [2]string{input, itemID})
}

func (s *fakeStore) RecordRuntime(extensionID string, micros int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runtimes[extensionID]++
}

func (s *fakeStore) runtimeCount(id string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runtimes[id]
}

func (s *fakeStore) recorded() [][2]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]string(nil), s.usages...)
}

// fixed returns an extension yielding rs for every query.
func fixed(id string, rs ...extension.Result) *extension.Func {
	return &extension.Func{ExtID: id, Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		return extension.Results(ctx, rs...)
	}}
}

func newTestEngine(t *testing.T, store Store, exts ...extension.Extension) (*Engine, *extension.Registry) {
	t.Helper()
	reg := extension.NewRegistry()
	for _, ext := range exts {
		require.NoError(t, reg.Register(ext))
	}
	e := New(reg, store, Options{CoalesceWindow: 5 * time.Millisecond})
	t.Cleanup(e.Close)
	return e, reg
}

// waitDone waits until the latest emission is the finished list of gen.
func waitDone(t *testing.T, e *Engine, gen uint64) Emission {
	t.Helper()
	var em Emission
	require.Eventually(t, func() bool {
		var ok bool
		em, ok = e.Latest()
		return ok && em.Generation == gen && em.Done
	}, 2*time.Second, 2*time.Millisecond)
	return em
}

func keys(em Emission) []string {
	out := make([]string, len(em.Items))
	for i, v := range em.Items {
		out[i] = v.Key
	}
	return out
}

func TestInputChanged_NoSession(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.InputChanged("fi")
	assert.ErrorIs(t, err, ErrNoSession)
	assert.ErrorIs(t, e.ActivateResult(context.Background(), "a/1"), ErrNoSession)
}

func TestActivate_SingleSession(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	s1, err := e.Activate(ctx)
	require.NoError(t, err)
	s2, err := e.Activate(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1.ID, s2.ID, "reactivation returns the active session")

	assert.True(t, e.Deactivate())
	assert.False(t, e.Deactivate())

	s3, err := e.Activate(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, s1.ID, s3.ID)
	assert.Zero(t, s3.Generation)
}

func TestToggle(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	ctx := context.Background()

	info, active, err := e.Toggle(ctx)
	require.NoError(t, err)
	assert.True(t, active)
	assert.NotEmpty(t, info.ID)

	_, active, err = e.Toggle(ctx)
	require.NoError(t, err)
	assert.False(t, active)
	_, ok := e.Session()
	assert.False(t, ok)
}

func TestGenerationIncrements(t *testing.T) {
	e, _ := newTestEngine(t, nil, fixed("a"))
	_, err := e.Activate(context.Background())
	require.NoError(t, err)

	for want := uint64(1); want <= 3; want++ {
		gen, err := e.InputChanged("x")
		require.NoError(t, err)
		assert.Equal(t, want, gen)
	}
}

func TestEmptyInputIsDispatched(t *testing.T) {
	var seen sync.Map
	ext := &extension.Func{ExtID: "a", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		seen.Store(q.Input, true)
		return extension.Results(ctx, extension.Result{ID: "empty", Text: "empty"})
	}}
	e, _ := newTestEngine(t, nil, ext)
	_, err := e.Activate(context.Background())
	require.NoError(t, err)

	gen, err := e.InputChanged("")
	require.NoError(t, err)
	em := waitDone(t, e, gen)
	assert.Equal(t, []string{"a/empty"}, keys(em))
	_, ok := seen.Load("")
	assert.True(t, ok)
}

func TestNoExtensions_EmitsEmptyDone(t *testing.T) {
	e, _ := newTestEngine(t, nil)
	_, err := e.Activate(context.Background())
	require.NoError(t, err)

	gen, err := e.InputChanged("fi")
	require.NoError(t, err)
	em := waitDone(t, e, gen)
	assert.Empty(t, em.Items)
}

// A (priority 10) and B (priority 5): A leads without history; B leads once
// its usage score outweighs the priority gap.
func TestRanking_PriorityVersusUsage(t *testing.T) {
	store := newFakeStore()
	a := fixed("A", extension.Result{ID: "a1", Text: "alpha", Priority: 10})
	b := fixed("B", extension.Result{ID: "b1", Text: "beta", Priority: 5})
	e, _ := newTestEngine(t, store, a, b)
	_, err := e.Activate(context.Background())
	require.NoError(t, err)

	gen, err := e.InputChanged("fi")
	require.NoError(t, err)
	em := waitDone(t, e, gen)
	assert.Equal(t, []string{"A/a1", "B/b1"}, keys(em))

	store.mu.Lock()
	store.scores["B/b1"] = 6
	store.mu.Unlock()

	gen, err = e.InputChanged("fi")
	require.NoError(t, err)
	em = waitDone(t, e, gen)
	assert.Equal(t, []string{"B/b1", "A/a1"}, keys(em))
	assert.InDelta(t, 11.0, em.Items[0].Score, 1e-9)
}

func TestRanking_TieBreaks(t *testing.T) {
	first := fixed("first", extension.Result{ID: "z", Priority: 1}, extension.Result{ID: "m", Priority: 1})
	second := fixed("second", extension.Result{ID: "a", Priority: 1})
	e, _ := newTestEngine(t, nil, first, second)
	_, err := e.Activate(context.Background())
	require.NoError(t, err)

	gen, err := e.InputChanged("q")
	require.NoError(t, err)
	em := waitDone(t, e, gen)
	assert.Equal(t, []string{"first/m", "first/z", "second/a"}, keys(em))
}

func TestDuplicateKeysDeduped(t *testing.T) {
	ext := fixed("a", extension.Result{ID: "1", Text: "one"}, extension.Result{ID: "1", Text: "again"})
	e, _ := newTestEngine(t, nil, ext)
	_, err := e.Activate(context.Background())
	require.NoError(t, err)

	gen, err := e.InputChanged("q")
	require.NoError(t, err)
	em := waitDone(t, e, gen)
	require.Len(t, em.Items, 1)
	assert.Equal(t, "one", em.Items[0].Text)
}

// A generation-1 result delivered after generation 2 finished never shows up.
func TestStaleness_LateResultDiscarded(t *testing.T) {
	release := make(chan struct{})
	finished := make(chan struct{})
	slow := &extension.Func{ExtID: "slow", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		return func(yield func(extension.Result, error) bool) {
			if q.Generation == 1 {
				defer close(finished)
				<-release // ignores ctx on purpose
				yield(extension.Result{ID: "late", Text: "late"}, nil)
				return
			}
			yield(extension.Result{ID: "fresh", Text: "fresh"}, nil)
		}
	}}
	store := newFakeStore()
	e, _ := newTestEngine(t, store, slow)

	var gens []uint64
	ch, unsub := e.Subscribe()
	defer unsub()
	var wg sync.WaitGroup
	wg.Add(1)
	stop := make(chan struct{})
	go func() {
		defer wg.Done()
		for {
			select {
			case em := <-ch:
				gens = append(gens, em.Generation)
				for _, it := range em.Items {
					assert.NotEqual(t, "slow/late", it.Key)
				}
			case <-stop:
				return
			}
		}
	}()

	_, err := e.Activate(context.Background())
	require.NoError(t, err)
	_, err = e.InputChanged("f")
	require.NoError(t, err)
	gen, err := e.InputChanged("fi")
	require.NoError(t, err)
	require.Equal(t, uint64(2), gen)

	em := waitDone(t, e, 2)
	assert.Equal(t, []string{"slow/fresh"}, keys(em))

	close(release)
	<-finished
	assert.Never(t, func() bool {
		em, _ := e.Latest()
		return em.Generation != 2 || len(em.Items) != 1
	}, 50*time.Millisecond, 5*time.Millisecond)

	close(stop)
	wg.Wait()
	for i := 1; i < len(gens); i++ {
		assert.GreaterOrEqual(t, gens[i], gens[i-1], "emissions went back a generation")
	}

	// The superseded job was cancelled and must not be recorded.
	assert.Equal(t, 1, store.runtimeCount("slow"))
}

func TestIsolation_FaultyExtensions(t *testing.T) {
	panicky := &extension.Func{ExtID: "panicky", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		return func(yield func(extension.Result, error) bool) {
			if !yield(extension.Result{ID: "before", Priority: 1}, nil) {
				return
			}
			panic("boom")
		}
	}}
	failing := &extension.Func{ExtID: "failing", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		return func(yield func(extension.Result, error) bool) {
			yield(extension.Result{}, errors.New("index missing"))
		}
	}}
	good := fixed("good", extension.Result{ID: "ok", Priority: 5})
	store := newFakeStore()
	e, _ := newTestEngine(t, store, panicky, failing, good)

	_, err := e.Activate(context.Background())
	require.NoError(t, err)
	gen, err := e.InputChanged("q")
	require.NoError(t, err)

	em := waitDone(t, e, gen)
	assert.Equal(t, []string{"good/ok", "panicky/before"}, keys(em))

	// Faulted jobs still report runtime.
	require.Eventually(t, func() bool {
		return store.runtimeCount("panicky") == 1 && store.runtimeCount("failing") == 1 && store.runtimeCount("good") == 1
	}, time.Second, 2*time.Millisecond)
}

func TestDisable_CancelsInFlightJob(t *testing.T) {
	started := make(chan struct{})
	cancelled := make(chan struct{})
	blocking := &extension.Func{ExtID: "blocking", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		return func(yield func(extension.Result, error) bool) {
			if !yield(extension.Result{ID: "first", Priority: 1}, nil) {
				return
			}
			close(started)
			<-ctx.Done()
			close(cancelled)
		}
	}}
	good := fixed("good", extension.Result{ID: "ok", Priority: 5})
	store := newFakeStore()
	e, reg := newTestEngine(t, store, blocking, good)

	_, err := e.Activate(context.Background())
	require.NoError(t, err)
	gen, err := e.InputChanged("q")
	require.NoError(t, err)
	<-started

	require.NoError(t, reg.SetEnabled("blocking", false))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("disabled extension's job was not cancelled")
	}

	em := waitDone(t, e, gen)
	assert.Equal(t, []string{"good/ok", "blocking/first"}, keys(em), "already merged results stay")
	assert.Never(t, func() bool { return store.runtimeCount("blocking") > 0 }, 30*time.Millisecond, 5*time.Millisecond)

	gen, err = e.InputChanged("q")
	require.NoError(t, err)
	em = waitDone(t, e, gen)
	assert.Equal(t, []string{"good/ok"}, keys(em))
}

func TestActivateResult(t *testing.T) {
	var ran []string
	var mu sync.Mutex
	ext := fixed("apps",
		extension.Result{ID: "firefox", Text: "Firefox", Action: func(context.Context) error {
			mu.Lock()
			ran = append(ran, "firefox")
			mu.Unlock()
			return nil
		}},
		extension.Result{ID: "broken", Text: "Broken", Action: func(context.Context) error {
			return errors.New("exec failed")
		}},
	)
	store := newFakeStore()
	e, _ := newTestEngine(t, store, ext)
	ctx := context.Background()

	_, err := e.Activate(ctx)
	require.NoError(t, err)
	gen, err := e.InputChanged("fi")
	require.NoError(t, err)
	waitDone(t, e, gen)

	require.NoError(t, e.ActivateResult(ctx, "apps/firefox"))
	assert.Equal(t, []string{"firefox"}, ran)
	assert.Equal(t, [][2]string{{"fi", "apps/firefox"}}, store.recorded())

	assert.ErrorIs(t, e.ActivateResult(ctx, "apps/nope"), ErrUnknownResult)
	assert.Error(t, e.ActivateResult(ctx, "apps/broken"))
	assert.Len(t, store.recorded(), 1, "failed actions are not recorded")
}

type hookExt struct {
	*extension.Func
	log *[]string
	mu  *sync.Mutex
}

type closeCounter struct{ n *int }

func (c closeCounter) Close() error { *c.n++; return nil }

func (h *hookExt) Setup(ctx context.Context, sc *extension.Scratch) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.log = append(*h.log, "setup:"+h.ID())
	return nil
}

func (h *hookExt) Teardown(sc *extension.Scratch) {
	h.mu.Lock()
	defer h.mu.Unlock()
	*h.log = append(*h.log, "teardown:"+h.ID())
}

func TestSessionHooks_Ordering(t *testing.T) {
	var log []string
	var mu sync.Mutex
	mk := func(id string) *hookExt { return &hookExt{Func: fixed(id), log: &log, mu: &mu} }
	e, _ := newTestEngine(t, nil, mk("a"), fixed("plain"), mk("b"), mk("c"))

	_, err := e.Activate(context.Background())
	require.NoError(t, err)
	e.Deactivate()

	assert.Equal(t, []string{
		"setup:a", "setup:b", "setup:c",
		"teardown:c", "teardown:b", "teardown:a",
	}, log)
}

func TestDeactivate_ReleasesScratchAndDropsLateResults(t *testing.T) {
	closes := 0
	put := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	ext := &extension.Func{ExtID: "a", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		q.Scratch.Put("handle", closeCounter{n: &closes})
		close(put)
		return func(yield func(extension.Result, error) bool) {
			defer close(done)
			<-release
			yield(extension.Result{ID: "late"}, nil)
		}
	}}
	e, _ := newTestEngine(t, nil, ext)

	ch, unsub := e.Subscribe()
	defer unsub()

	_, err := e.Activate(context.Background())
	require.NoError(t, err)
	_, err = e.InputChanged("q")
	require.NoError(t, err)
	<-put

	e.Deactivate()
	assert.Equal(t, 1, closes)

	close(release)
	<-done

	_, ok := e.Latest()
	assert.False(t, ok)

	var last Emission
	require.Eventually(t, func() bool {
		select {
		case last = <-ch:
		default:
		}
		return last.Closed
	}, time.Second, 2*time.Millisecond)
	assert.Empty(t, last.Items)
}

func TestCoalescing_FinalEmissionHasEverything(t *testing.T) {
	var rs []extension.Result
	for _, id := range []string{"1", "2", "3", "4", "5"} {
		rs = append(rs, extension.Result{ID: id, Text: id})
	}
	e, _ := newTestEngine(t, nil, fixed("a", rs...))
	ch, unsub := e.Subscribe()
	defer unsub()

	_, err := e.Activate(context.Background())
	require.NoError(t, err)
	gen, err := e.InputChanged("q")
	require.NoError(t, err)

	var final Emission
	require.Eventually(t, func() bool {
		select {
		case final = <-ch:
		default:
		}
		return final.Done && final.Generation == gen
	}, time.Second, time.Millisecond)
	assert.Len(t, final.Items, 5)
}

func TestInputChange_ClearsPreviousListWhileJobsHang(t *testing.T) {
	a := &extension.Func{ExtID: "a", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		if q.Input == "ab" {
			return extension.Results(ctx, extension.Result{ID: "1", Text: "one"})
		}
		return extension.Results(ctx)
	}}
	hang := &extension.Func{ExtID: "hang", Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
		return func(yield func(extension.Result, error) bool) {
			<-ctx.Done()
		}
	}}
	e, _ := newTestEngine(t, nil, a, hang)
	ctx := context.Background()

	_, err := e.Activate(ctx)
	require.NoError(t, err)
	_, err = e.InputChanged("ab")
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		em, ok := e.Latest()
		return ok && len(em.Items) == 1
	}, time.Second, time.Millisecond)

	gen, err := e.InputChanged("abc")
	require.NoError(t, err)

	// The old list is not selectable from the moment the input changes.
	assert.ErrorIs(t, e.ActivateResult(ctx, "a/1"), ErrUnknownResult)

	require.Eventually(t, func() bool {
		em, ok := e.Latest()
		return ok && em.Generation == gen
	}, time.Second, time.Millisecond)
	em, _ := e.Latest()
	assert.Equal(t, "abc", em.Input)
	assert.Empty(t, em.Items)
	assert.False(t, em.Done)
	assert.ErrorIs(t, e.ActivateResult(ctx, "a/1"), ErrUnknownResult)
}
