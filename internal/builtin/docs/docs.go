// Package docs is the built-in extension that finds PDF documents and opens
// them.
package docs

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/kalambet/hotbox/internal/builtin/catalog"
	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/launch"
	"github.com/kalambet/hotbox/internal/logging"
)

const (
	ID = "docs"

	basePriority = 5
)

// Doc is one indexed document.
type Doc struct {
	Path    string
	Title   string
	Snippet string
}

func (d Doc) MatchText() string {
	return d.Title + " " + filepath.Base(d.Path)
}

type extractFunc func(path string) (title, snippet string, err error)

// Extension matches the query against document titles and file names.
type Extension struct {
	catalog  *catalog.Catalog[Doc]
	launcher launch.Launcher
	extract  extractFunc
	logger   *slog.Logger
}

// New creates the extension over dirs, which are indexed on Init.
func New(dirs []string, l launch.Launcher) *Extension {
	e := &Extension{
		launcher: l,
		extract:  extractPDF,
		logger:   logging.ForComponent(logging.CompDocs),
	}
	e.catalog = catalog.New(catalog.Options[Doc]{
		Dirs:     dirs,
		Scan:     e.scan,
		Relevant: isPDF,
		Logger:   e.logger,
	})
	return e
}

func (e *Extension) ID() string   { return ID }
func (e *Extension) Name() string { return "Documents" }

func (e *Extension) Init(ctx context.Context) error {
	if err := e.catalog.Start(ctx); err != nil {
		return err
	}
	e.logger.Info("documents indexed", "count", len(e.catalog.Snapshot()))
	return nil
}

func (e *Extension) Close() error {
	return e.catalog.Close()
}

func isPDF(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".pdf")
}

// scan finds PDFs under dirs and extracts their metadata concurrently. A file
// that cannot be parsed is still indexed under its file name.
func (e *Extension) scan(ctx context.Context, dirs []string) ([]Doc, error) {
	var paths []string
	for _, root := range dirs {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				if path != root && strings.HasPrefix(d.Name(), ".") {
					return filepath.SkipDir
				}
				return nil
			}
			if isPDF(path) {
				paths = append(paths, path)
			}
			return nil
		})
		if err != nil && !errors.Is(err, filepath.SkipDir) {
			return nil, err
		}
	}

	docs := make([]Doc, len(paths))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			title, snippet, err := e.extract(path)
			if err != nil {
				e.logger.Debug("pdf metadata unavailable", "path", path, "error", err)
			}
			if title == "" {
				title = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
			}
			docs[i] = Doc{Path: path, Title: title, Snippet: snippet}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(docs, func(i, j int) bool { return docs[i].Path < docs[j].Path })
	return docs, nil
}

func (e *Extension) Query(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
	return func(yield func(extension.Result, error) bool) {
		input := strings.TrimSpace(q.Input)
		for _, m := range catalog.Find(input, e.catalog.Snapshot()) {
			if ctx.Err() != nil {
				return
			}
			doc := m.Entry
			sub := doc.Snippet
			if sub == "" {
				sub = doc.Path
			}
			r := extension.Result{
				ID:       doc.Path,
				Text:     doc.Title,
				Subtext:  sub,
				Priority: basePriority + min(max(m.Score/4, 0), 20),
				Action: func(ctx context.Context) error {
					return e.launcher.Open(ctx, doc.Path)
				},
			}
			if !yield(r, nil) {
				return
			}
		}
	}
}
