// Package websearch is the built-in fallback extension offering a web search
// for whatever was typed.
package websearch

import (
	"context"
	"fmt"
	"iter"
	"net/url"
	"strings"

	"github.com/kalambet/hotbox/internal/extension"
	"github.com/kalambet/hotbox/internal/launch"
)

const (
	ID = "websearch"

	// DefaultURL is used when no template is configured.
	DefaultURL = "https://duckduckgo.com/?q=%s"

	// Always below real matches.
	priority = -10
)

type Extension struct {
	template string
	launcher launch.Launcher
}

// New creates the extension. template must contain one %s, replaced by the
// query-escaped input.
func New(template string, l launch.Launcher) *Extension {
	if !strings.Contains(template, "%s") {
		template = DefaultURL
	}
	return &Extension{template: template, launcher: l}
}

func (e *Extension) ID() string   { return ID }
func (e *Extension) Name() string { return "Web search" }

// URL builds the search URL for input.
func (e *Extension) URL(input string) string {
	return strings.Replace(e.template, "%s", url.QueryEscape(input), 1)
}

func (e *Extension) Query(ctx context.Context, q extension.Query) iter.Seq2[extension.Result, error] {
	input := strings.TrimSpace(q.Input)
	if input == "" {
		return extension.Results(ctx)
	}
	target := e.URL(input)
	host := target
	if u, err := url.Parse(target); err == nil && u.Host != "" {
		host = u.Host
	}
	return extension.Results(ctx, extension.Result{
		// One stable id: usage accumulates on "search the web" itself.
		ID:       "search",
		Text:     fmt.Sprintf("Search the web for %q", input),
		Subtext:  host,
		Priority: priority,
		Action: func(ctx context.Context) error {
			return e.launcher.Open(ctx, target)
		},
	})
}
