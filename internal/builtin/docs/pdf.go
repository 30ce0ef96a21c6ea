package docs

import (
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// maxSnippet caps the subtext taken from the first page.
const maxSnippet = 120

// extractPDF returns the document title from the Info dictionary (may be
// empty) and a snippet of the first page's text.
func extractPDF(path string) (title, snippet string, err error) {
	defer func() {
		// The parser panics on some malformed files.
		if r := recover(); r != nil {
			err = fmt.Errorf("parsing %s: %v", path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	title = strings.TrimSpace(r.Trailer().Key("Info").Key("Title").Text())

	if r.NumPage() > 0 {
		page := r.Page(1)
		if !page.V.IsNull() {
			text, err := page.GetPlainText(nil)
			if err == nil {
				snippet = snip(text, maxSnippet)
			}
		}
	}
	return title, snippet, nil
}

// snip collapses whitespace and truncates to n runes.
func snip(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	rs := []rune(s)
	if len(rs) <= n {
		return s
	}
	return strings.TrimSpace(string(rs[:n])) + "…"
}
