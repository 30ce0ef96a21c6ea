// Package apps is the built-in extension that finds and launches desktop
// applications.
package apps

import (
	"context"
	"iter"
	"log/slog"
	"os"
	"strings"

	"github.com/kalambet/hotbox/internal/builtin/catalog"
	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/launch"
	"github.com/kalambet/hotbox/internal/logging"
)

const (
	ID = "apps"

	basePriority = 10
	snapshotKey  = "apps.snapshot"
)

// Extension matches the query against installed applications.
type Extension struct {
	catalog  *catalog.Catalog[App]
	launcher launch.Launcher
	logger   *slog.Logger
}

// New creates the extension over dirs, which are scanned on Init.
func New(dirs []string, l launch.Launcher) *Extension {
	logger := logging.ForComponent(logging.CompApps)
	return &Extension{
		catalog: catalog.New(catalog.Options[App]{
			Dirs:     dirs,
			Scan:     Scan,
			Relevant: func(p string) bool { return strings.HasSuffix(p, ".desktop") },
			Logger:   logger,
		}),
		launcher: l,
		logger:   logger,
	}
}

func (e *Extension) ID() string   { return ID }
func (e *Extension) Name() string { return "Applications" }

func (e *Extension) Init(ctx context.Context) error {
	if err := e.catalog.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("applications indexed", "count", len(e.catalog.Snapshot()))
	return nil
}

func (e *Extension) Close() error {
	return e.catalog.Close()
}

// Setup pins the current index for the session so results stay consistent
// while the user types, even if a rescan lands mid-session.
func (e *Extension) Setup(_ context.Context, sc *extension.Scratch) error {
	sc.Put(snapshotKey, e.catalog.Snapshot())
	return nil
}

func (e *Extension) Teardown(*extension.Scratch) {}

func (e *Extension) entries(sc *extension.Scratch) []App {
	if sc != nil {
		if v, ok := sc.Get(snapshotKey); ok {
			if apps, ok := v.([]App); ok {
				return apps
			}
		}
	}
	return e.catalog.Snapshot()
}

func (e *Extension) Query(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
	return func(yield func(extension.Result, error) bool) {
		input := strings.TrimSpace(q.Input)
		for _, m := range catalog.Find(input, e.entries(q.Scratch)) {
			if ctx.Err() != nil {
				return
			}
			if !yield(e.result(m), nil) {
				return
			}
		}
	}
}

func (e *Extension) result(m catalog.Match[App]) extension.Result {
	app := m.Entry
	sub := app.Comment
	if sub == "" {
		sub = app.GenericName
	}
	return extension.Result{
		ID:       app.ID,
		Text:     app.Name,
		Subtext:  sub,
		Priority: basePriority + matchBonus(m.Score),
		Action: func(ctx context.Context) error {
			argv, err := ExecArgs(app.Exec)
			if err != nil {
				return err
			}
			if app.Terminal {
				argv = append(terminal(), argv...)
			}
			return e.launcher.Run(ctx, argv)
		},
	}
}

// matchBonus maps a fuzzy score onto a small priority range.
func matchBonus(score int) int {
	b := score / 4
	if b < 0 {
		return 0
	}
	if b > 20 {
		return 20
	}
	return b
}

func terminal() []string {
	if t := os.Getenv("TERMINAL"); t != "" {
		return []string{t, "-e"}
	}
	return []string{"x-terminal-emulator", "-e"}
}
