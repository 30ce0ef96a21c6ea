package storage

import (
	"sync"
	"time"

	"github.com/kalambet/hotbox/internal/ranking"
)

// usageIndex mirrors committed usage rows grouped by item id. Readers see
// either all or none of a committed batch.
type usageIndex struct {
	mu    sync.RWMutex
	items map[string][]ranking.Usage
	total int
}

func newUsageIndex() *usageIndex {
	return &usageIndex{items: make(map[string][]ranking.Usage)}
}

func (x *usageIndex) add(recs []UsageRecord) {
	if len(recs) == 0 {
		return
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, r := range recs {
		x.items[r.ItemID] = append(x.items[r.ItemID], ranking.Usage{
			Input:     r.Input,
			ItemID:    r.ItemID,
			Timestamp: r.Timestamp,
		})
		x.total++
	}
}

// dropBefore removes rows with a timestamp strictly before cutoff.
func (x *usageIndex) dropBefore(cutoff time.Time) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for id, rows := range x.items {
		kept := rows[:0]
		for _, u := range rows {
			if !u.Timestamp.Before(cutoff) {
				kept = append(kept, u)
			}
		}
		x.total -= len(rows) - len(kept)
		if len(kept) == 0 {
			delete(x.items, id)
			continue
		}
		x.items[id] = kept
	}
}

func (x *usageIndex) score(w ranking.Weights, itemID, input string, now time.Time) float64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rows := x.items[itemID]
	if len(rows) == 0 {
		return 0
	}
	return w.Frecency(input, rows, now)
}

func (x *usageIndex) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.total
}
