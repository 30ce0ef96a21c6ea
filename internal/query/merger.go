package query

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/ranking"
)

// View is the frontend-facing shape of one ranked result.
type View struct {
	Key       string  `json:"key"`
	Text      string  `json:"text"`
	Subtext   string  `json:"subtext,omitempty"`
	Extension string  `json:"extension"`
	Score     float64 `json:"score"`
}

// Emission is one published state of the ranked list. Later emissions
// replace earlier ones.
type Emission struct {
	SessionID  string `json:"session_id"`
	Generation uint64 `json:"generation"`
	Input      string `json:"input"`
	Items      []View `json:"items"`
	// Done is set once every job of the generation has finished.
	Done bool `json:"done"`
	// Closed is set on the event sent when the session ends.
	Closed bool `json:"closed,omitempty"`
}

// Key qualifies a result id with its extension id.
func Key(extensionID, resultID string) string {
	return extensionID + "/" + resultID
}

type msgKind int

const (
	msgReset msgKind = iota
	msgItem
	msgDone
	msgAbandon
)

type mergeMsg struct {
	kind       msgKind
	generation uint64

	// reset
	input string
	jobs  []string

	// item, done, abandon
	ext    string
	order  int
	result extension.Result
}

type rankedItem struct {
	view   View
	cand   ranking.Candidate
	result extension.Result
}

type publishFunc func(em Emission, results map[string]extension.Result)

// merger owns the ranked list of one session. Everything it holds is touched
// only by its own goroutine.
type merger struct {
	in      chan mergeMsg
	session string
	window  time.Duration
	weights ranking.Weights
	scorer  Scorer
	publish publishFunc
	logger  *slog.Logger

	generation  uint64
	input       string
	outstanding map[string]bool
	items       []rankedItem
	keys        map[string]bool
	dirty       bool
}

func newMerger(session string, window time.Duration, w ranking.Weights, scorer Scorer, publish publishFunc, logger *slog.Logger) *merger {
	return &merger{
		in:          make(chan mergeMsg, 256),
		session:     session,
		window:      window,
		weights:     w,
		scorer:      scorer,
		publish:     publish,
		logger:      logger,
		outstanding: make(map[string]bool),
		keys:        make(map[string]bool),
	}
}

func (m *merger) run(ctx context.Context, done chan<- struct{}) {
	defer close(done)

	var timer *time.Timer
	var timerC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer, timerC = nil, nil
		}
	}
	defer stopTimer()

	for {
		select {
		case <-ctx.Done():
			return

		case <-timerC:
			timer, timerC = nil, nil
			if m.dirty {
				m.emit(false)
			}

		case msg := <-m.in:
			switch msg.kind {
			case msgReset:
				stopTimer()
				m.reset(msg)
				// The previous list must not outlive the input that produced it.
				m.emit(len(m.outstanding) == 0)

			case msgItem:
				if !m.accept(msg) {
					continue
				}
				if m.window <= 0 {
					m.emit(false)
				} else if timer == nil {
					timer = time.NewTimer(m.window)
					timerC = timer.C
				}

			case msgDone, msgAbandon:
				if msg.generation != m.generation || !m.outstanding[msg.ext] {
					continue
				}
				delete(m.outstanding, msg.ext)
				if len(m.outstanding) == 0 {
					stopTimer()
					m.emit(true)
				}
			}
		}
	}
}

func (m *merger) reset(msg mergeMsg) {
	m.generation = msg.generation
	m.input = msg.input
	m.items = m.items[:0:0]
	m.keys = make(map[string]bool)
	m.outstanding = make(map[string]bool, len(msg.jobs))
	for _, id := range msg.jobs {
		m.outstanding[id] = true
	}
	m.dirty = false
}

// accept merges an item into the list. Items from an older generation, from
// an abandoned job, or with a key already present are dropped.
func (m *merger) accept(msg mergeMsg) bool {
	if msg.generation != m.generation {
		m.logger.Debug("discarding stale result", "extension", msg.ext, "generation", msg.generation, "current", m.generation)
		return false
	}
	if !m.outstanding[msg.ext] {
		return false
	}
	key := Key(msg.ext, msg.result.ID)
	if m.keys[key] {
		return false
	}

	usage := 0.0
	if m.scorer != nil {
		usage = m.scorer.Score(key, m.input)
	}
	score := m.weights.Combined(msg.result.Priority, usage)

	it := rankedItem{
		view: View{
			Key:       key,
			Text:      msg.result.Text,
			Subtext:   msg.result.Subtext,
			Extension: msg.ext,
			Score:     score,
		},
		cand:   ranking.Candidate{Score: score, Order: msg.order, ID: msg.result.ID},
		result: msg.result,
	}
	i := sort.Search(len(m.items), func(i int) bool {
		return ranking.Less(it.cand, m.items[i].cand)
	})
	m.items = append(m.items, rankedItem{})
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = it

	m.keys[key] = true
	m.dirty = true
	return true
}

func (m *merger) emit(done bool) {
	views := make([]View, len(m.items))
	results := make(map[string]extension.Result, len(m.items))
	for i, it := range m.items {
		views[i] = it.view
		results[it.view.Key] = it.result
	}
	m.dirty = false
	m.publish(Emission{
		SessionID:  m.session,
		Generation: m.generation,
		Input:      m.input,
		Items:      views,
		Done:       done,
	}, results)
}
