// Package builtin assembles the extensions shipped with hotbox.
package builtin

import (
	"context"

	"github.com/kalambet/hotbox/internal/builtin/apps"
	"github.com/kalambet/hotbox/internal/builtin/docs"
	"github.com/kalambet/hotbox/internal/builtin/websearch"
	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/launch"
)

// Options select what the built-ins index.
type Options struct {
	AppDirs      []string
	DocDirs      []string
	WebSearchURL string
	Launcher     launch.Launcher
}

// Source returns the built-in extensions in their declaration order:
// applications, documents, web search.
func Source(opts Options) extension.Source {
	return extension.SourceFunc(func(context.Context) ([]extension.Extension, error) {
		l := opts.Launcher
		if l == nil {
			l = launch.NewSystem()
		}
		appDirs := opts.AppDirs
		if len(appDirs) == 0 {
			appDirs = apps.DefaultDirs()
		}
		exts := []extension.Extension{apps.New(appDirs, l)}
		if len(opts.DocDirs) > 0 {
			exts = append(exts, docs.New(opts.DocDirs, l))
		}
		exts = append(exts, websearch.New(opts.WebSearchURL, l))
		return exts, nil
	})
}
