package query

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/ranking"
)

type recorder struct {
	mu  sync.Mutex
	ems []Emission
}

func (r *recorder) publish(em Emission, _ map[string]extension.Result) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ems = append(r.ems, em)
}

func (r *recorder) all() []Emission {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Emission(nil), r.ems...)
}

func startMerger(t *testing.T, window time.Duration, scorer Scorer) (*merger, *recorder) {
	t.Helper()
	rec := &recorder{}
	m := newMerger("s1", window, ranking.DefaultWeights(), scorer, rec.publish, slog.New(slog.NewTextHandler(io.Discard, nil)))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go m.run(ctx, done)
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return m, rec
}

func item(gen uint64, ext string, order int, id string, prio int) mergeMsg {
	return mergeMsg{kind: msgItem, generation: gen, ext: ext, order: order, result: extension.Result{ID: id, Priority: prio}}
}

func TestMerger_DiscardsStaleGeneration(t *testing.T) {
	m, rec := startMerger(t, time.Hour, nil)

	m.in <- mergeMsg{kind: msgReset, generation: 1, input: "f", jobs: []string{"a"}}
	m.in <- mergeMsg{kind: msgReset, generation: 2, input: "fi", jobs: []string{"a"}}
	m.in <- item(1, "a", 0, "old", 100)
	m.in <- mergeMsg{kind: msgDone, generation: 1, ext: "a"}
	m.in <- item(2, "a", 0, "new", 1)
	m.in <- mergeMsg{kind: msgDone, generation: 2, ext: "a"}

	// One empty list per reset, then the finished list.
	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, time.Millisecond)
	all := rec.all()
	for _, em := range all {
		assert.NotContains(t, keys(em), "a/old")
	}
	em := all[2]
	assert.Equal(t, uint64(2), em.Generation)
	assert.Equal(t, "fi", em.Input)
	assert.True(t, em.Done)
	assert.Equal(t, []string{"a/new"}, keys(em))
}

func TestMerger_CoalescesWithinWindow(t *testing.T) {
	m, rec := startMerger(t, 30*time.Millisecond, nil)

	m.in <- mergeMsg{kind: msgReset, generation: 1, jobs: []string{"a", "b"}}
	m.in <- item(1, "a", 0, "1", 0)
	m.in <- item(1, "a", 0, "2", 0)
	m.in <- item(1, "a", 0, "3", 0)

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	first := rec.all()[1]
	assert.False(t, first.Done)
	assert.Len(t, first.Items, 3)

	m.in <- mergeMsg{kind: msgDone, generation: 1, ext: "a"}
	m.in <- mergeMsg{kind: msgDone, generation: 1, ext: "b"}
	require.Eventually(t, func() bool { return len(rec.all()) == 3 }, time.Second, time.Millisecond)
	assert.True(t, rec.all()[2].Done)
}

func TestMerger_AbandonedJobStopsContributing(t *testing.T) {
	m, rec := startMerger(t, time.Hour, nil)

	m.in <- mergeMsg{kind: msgReset, generation: 1, jobs: []string{"a", "b"}}
	m.in <- item(1, "a", 0, "kept", 0)
	m.in <- mergeMsg{kind: msgAbandon, generation: 1, ext: "a"}
	m.in <- item(1, "a", 0, "dropped", 0)
	m.in <- item(1, "b", 1, "b1", 0)
	m.in <- mergeMsg{kind: msgDone, generation: 1, ext: "b"}

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, []string{"a/kept", "b/b1"}, keys(rec.all()[1]))
}

type mapScorer map[string]float64

func (s mapScorer) Score(key, _ string) float64 { return s[key] }

func TestMerger_UsageScoreBreaksPriority(t *testing.T) {
	m, rec := startMerger(t, time.Hour, mapScorer{"B/b1": 6})

	m.in <- mergeMsg{kind: msgReset, generation: 1, input: "fi", jobs: []string{"A", "B"}}
	m.in <- item(1, "A", 0, "a1", 10)
	m.in <- item(1, "B", 1, "b1", 5)
	m.in <- mergeMsg{kind: msgDone, generation: 1, ext: "A"}
	m.in <- mergeMsg{kind: msgDone, generation: 1, ext: "B"}

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	em := rec.all()[1]
	assert.Equal(t, []string{"B/b1", "A/a1"}, keys(em))
	assert.InDelta(t, 11.0, em.Items[0].Score, 1e-9)
	assert.InDelta(t, 10.0, em.Items[1].Score, 1e-9)
}

func TestMerger_ResetPublishesEmptyListAtOnce(t *testing.T) {
	m, rec := startMerger(t, time.Hour, nil)

	m.in <- mergeMsg{kind: msgReset, generation: 1, input: "ab", jobs: []string{"a", "slow"}}
	m.in <- item(1, "a", 0, "1", 0)
	m.in <- mergeMsg{kind: msgDone, generation: 1, ext: "a"}
	m.in <- mergeMsg{kind: msgReset, generation: 2, input: "abc", jobs: []string{"a", "slow"}}

	require.Eventually(t, func() bool { return len(rec.all()) == 2 }, time.Second, time.Millisecond)
	em := rec.all()[1]
	assert.Equal(t, uint64(2), em.Generation)
	assert.Equal(t, "abc", em.Input)
	assert.Empty(t, em.Items)
	assert.False(t, em.Done)
}
