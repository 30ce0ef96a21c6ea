package launch

import (
	"context"
	"sync"
)

// Recorder is a Launcher that only records what it was asked to do.
type Recorder struct {
	mu     sync.Mutex
	Opened []string
	Ran    [][]string
	Err    error
}

func (r *Recorder) Open(_ context.Context, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Opened = append(r.Opened, target)
	return r.Err
}

func (r *Recorder) Run(_ context.Context, argv []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Ran = append(r.Ran, append([]string(nil), argv...))
	return r.Err
}

// Snapshot returns copies of the recorded calls.
func (r *Recorder) Snapshot() (opened []string, ran [][]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.Opened...), append([][]string(nil), r.Ran...)
}
