package api

import (
	"context"
	"errors"
	"iter"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/query"
	"github.com/kalambet/hotbox/internal/storage"
)

const testToken = "test-token"

type fixture struct {
	deps      Deps
	activated atomic.Int32
}

// newFixture wires an engine over two extensions: "apps" yields Firefox and
// a failing entry, "web" yields a search result.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{}

	store, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	reg := extension.NewRegistry()
	require.NoError(t, reg.Register(&extension.Func{
		ExtID: "apps",
		Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
			return extension.Results(ctx,
				extension.Result{ID: "firefox", Text: "Firefox", Priority: 10, Action: func(context.Context) error {
					f.activated.Add(1)
					return nil
				}},
				extension.Result{ID: "broken", Text: "Broken", Priority: 1, Action: func(context.Context) error {
					return errors.New("exec failed")
				}},
			)
		},
	}))
	require.NoError(t, reg.Register(&extension.Func{
		ExtID: "web",
		Fn: func(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
			return extension.Results(ctx, extension.Result{ID: "search", Text: "Search " + q.Input, Priority: -10})
		},
	}))

	eng := query.New(reg, store, query.Options{CoalesceWindow: 5 * time.Millisecond})
	t.Cleanup(eng.Close)

	f.deps = Deps{Engine: eng, Registry: reg, Store: store, Token: testToken}
	return f
}
