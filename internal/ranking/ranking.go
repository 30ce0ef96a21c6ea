// Package ranking scores launcher results from their base priority and the
// history of past selections. Everything here is pure: no clocks, no I/O.
package ranking

import (
	"math"
	"strings"
	"time"
)

// Usage is one past selection of an item for a given input.
type Usage struct {
	Input     string
	ItemID    string
	Timestamp time.Time
}

// Weights tunes how base priority and usage history combine.
type Weights struct {
	// PriorityWeight multiplies the extension-declared base priority.
	PriorityWeight float64
	// UsageWeight multiplies the raw frecency sum.
	UsageWeight float64
	// HalfLife is the age at which a selection counts half as much.
	HalfLife time.Duration
	// Retention drops selections older than this from scoring. 0 keeps all.
	Retention time.Duration
}

// DefaultWeights returns the weights used when nothing is configured.
func DefaultWeights() Weights {
	return Weights{
		PriorityWeight: 1.0,
		UsageWeight:    5.0,
		HalfLife:       14 * 24 * time.Hour,
		Retention:      90 * 24 * time.Hour,
	}
}

// normalized fills zero fields with defaults so a partially configured
// Weights value still behaves.
func (w Weights) normalized() Weights {
	d := DefaultWeights()
	if w.HalfLife <= 0 {
		w.HalfLife = d.HalfLife
	}
	if w.UsageWeight < 0 {
		w.UsageWeight = 0
	}
	if w.PriorityWeight < 0 {
		w.PriorityWeight = 0
	}
	return w
}

// InputMatch reports how strongly a recorded input relates to the current one,
// in [0, 1]. Exact (case-insensitive) matches count fully; when one input is a
// prefix of the other the match is the ratio of their lengths.
func InputMatch(recorded, current string) float64 {
	r := strings.ToLower(strings.TrimSpace(recorded))
	c := strings.ToLower(strings.TrimSpace(current))
	if r == c {
		return 1
	}
	if r == "" || c == "" {
		return 0
	}
	short, long := r, c
	if len(short) > len(long) {
		short, long = long, short
	}
	if !strings.HasPrefix(long, short) {
		return 0
	}
	return float64(len(short)) / float64(len(long))
}

// Decay returns the weight of a selection made age ago: 1 for age <= 0,
// halving every half-life.
func (w Weights) Decay(age time.Duration) float64 {
	w = w.normalized()
	if age <= 0 {
		return 1
	}
	return math.Exp2(-float64(age) / float64(w.HalfLife))
}

// Frecency scores history against input at time now. Only rows whose
// recorded input relates to input contribute; each contributes its match
// strength times its recency decay. The result is >= 0, grows with every
// additional matching row, and grows as rows get more recent.
func (w Weights) Frecency(input string, history []Usage, now time.Time) float64 {
	w = w.normalized()
	var sum float64
	for _, u := range history {
		age := now.Sub(u.Timestamp)
		if w.Retention > 0 && age > w.Retention {
			continue
		}
		m := InputMatch(u.Input, input)
		if m == 0 {
			continue
		}
		sum += m * w.Decay(age)
	}
	return sum * w.UsageWeight
}

// Combined merges a base priority with a usage score.
func (w Weights) Combined(priority int, usage float64) float64 {
	w = w.normalized()
	if usage < 0 {
		usage = 0
	}
	return float64(priority)*w.PriorityWeight + usage
}

// Score is the full ranking function for one candidate: base priority plus
// the frecency of the candidate's own history rows.
func (w Weights) Score(priority int, itemID, input string, history []Usage, now time.Time) float64 {
	own := history[:0:0]
	for _, u := range history {
		if u.ItemID == itemID {
			own = append(own, u)
		}
	}
	return w.Combined(priority, w.Frecency(input, own, now))
}

// Candidate is what the comparator needs to order merged results.
type Candidate struct {
	Score float64
	// Order is the declaration order of the owning extension.
	Order int
	ID    string
}

// Less orders candidates by descending score, then ascending extension
// order, then ascending id, giving a total deterministic order.
func Less(a, b Candidate) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	if a.Order != b.Order {
		return a.Order < b.Order
	}
	return a.ID < b.ID
}
