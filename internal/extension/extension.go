// Package extension defines the capability interface launcher extensions
// implement and the registry that holds the loaded set.
package extension

import (
	"context"
	"iter"
)

// Extension answers queries with a lazy stream of results.
//
// Query must honour ctx: the engine stops pulling from the sequence once ctx
// is done, and an extension that keeps working after that only wastes CPU.
// The sequence is finite and is iterated at most once.
type Extension interface {
	ID() string
	Name() string
	Query(ctx context.Context, q Query) iter.Seq2[Result, error]
}

// Query is one dispatch of the current input to one extension.
type Query struct {
	Input      string
	Generation uint64
	// Scratch is the extension's session-scoped cache. Never nil.
	Scratch *Scratch
}

// Result is one actionable item. Immutable once yielded.
type Result struct {
	// ID is unique within the extension and stable across queries for the
	// same logical action; usage history is keyed on it.
	ID       string
	Text     string
	Subtext  string
	Priority int
	Action   func(ctx context.Context) error
}

// Initializable extensions are initialised once after registration.
type Initializable interface {
	Init(ctx context.Context) error
}

// SessionHook extensions are told when a session opens and closes. Setup
// runs in declaration order on activation, Teardown in reverse on
// deactivation.
type SessionHook interface {
	Setup(ctx context.Context, scratch *Scratch) error
	Teardown(scratch *Scratch)
}

// Source produces extension instances, e.g. the built-ins or a plugin loader.
type Source interface {
	Extensions(ctx context.Context) ([]Extension, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) ([]Extension, error)

func (f SourceFunc) Extensions(ctx context.Context) ([]Extension, error) { return f(ctx) }

// Static is a Source over a fixed list.
func Static(exts ...Extension) Source {
	return SourceFunc(func(context.Context) ([]Extension, error) { return exts, nil })
}

// Func is a minimal Extension built from a query function.
type Func struct {
	ExtID   string
	ExtName string
	Fn      func(ctx context.Context, q Query) iter.Seq2[Result, error]
}

func (f *Func) ID() string { return f.ExtID }

func (f *Func) Name() string {
	if f.ExtName == "" {
		return f.ExtID
	}
	return f.ExtName
}

func (f *Func) Query(ctx context.Context, q Query) iter.Seq2[Result, error] {
	return f.Fn(ctx, q)
}

// Results turns a fixed slice into a sequence that stops early when ctx ends.
func Results(ctx context.Context, rs ...Result) iter.Seq2[Result, error] {
	return func(yield func(Result, error) bool) {
		for _, r := range rs {
			if ctx.Err() != nil {
				return
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
