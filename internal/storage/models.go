package storage

import (
	"errors"
	"time"
)

// ErrClosed is returned by operations on a Store after Close.
var ErrClosed = errors.New("store closed")

// Retention windows. Rows older than these are pruned.
const (
	UsageRetention   = 90 * 24 * time.Hour
	RuntimeRetention = 7 * 24 * time.Hour
)

// timeLayout sorts lexically in time order, so range predicates work on the
// TEXT column directly.
const timeLayout = "2006-01-02 15:04:05.000"

// UsageRecord is one selection of a result for an input.
type UsageRecord struct {
	Input     string
	ItemID    string
	Timestamp time.Time
}

// RuntimeRecord is one completed extension job.
type RuntimeRecord struct {
	ExtensionID string
	Micros      int64
	Timestamp   time.Time
}

// RuntimeStat summarizes recent runtimes of one extension.
type RuntimeStat struct {
	ExtensionID string  `json:"extension_id"`
	Count       int     `json:"count"`
	AvgMicros   float64 `json:"avg_micros"`
	MaxMicros   int64   `json:"max_micros"`
}

// PruneResult reports how many rows a prune removed.
type PruneResult struct {
	Usages   int64 `json:"usages"`
	Runtimes int64 `json:"runtimes"`
}

// Clock abstracts time for testability.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.ParseInLocation(timeLayout, s, time.UTC)
}
