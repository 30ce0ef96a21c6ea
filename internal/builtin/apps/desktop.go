package apps

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// App is one launchable freedesktop application entry.
type App struct {
	// ID is the desktop file id, e.g. "org.mozilla.firefox".
	ID          string
	Name        string
	GenericName string
	Comment     string
	Keywords    []string
	Exec        string
	Terminal    bool
	Path        string
}

func (a App) MatchText() string {
	parts := []string{a.Name}
	if a.GenericName != "" {
		parts = append(parts, a.GenericName)
	}
	parts = append(parts, a.Keywords...)
	return strings.Join(parts, " ")
}

var errNotLaunchable = errors.New("not a launchable application")

// ParseDesktopEntry reads the [Desktop Entry] group of a .desktop file.
// Entries that are hidden, not applications, or have no Exec line return
// errNotLaunchable.
func ParseDesktopEntry(r io.Reader) (App, error) {
	var app App
	var typ string
	var noDisplay, hidden bool

	inEntry := false
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			inEntry = line == "[Desktop Entry]"
			continue
		}
		if !inEntry {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		// Localized keys (Name[de]) are ignored.
		if strings.Contains(key, "[") {
			continue
		}
		switch key {
		case "Type":
			typ = value
		case "Name":
			app.Name = value
		case "GenericName":
			app.GenericName = value
		case "Comment":
			app.Comment = value
		case "Keywords":
			for _, k := range strings.Split(value, ";") {
				if k = strings.TrimSpace(k); k != "" {
					app.Keywords = append(app.Keywords, k)
				}
			}
		case "Exec":
			app.Exec = value
		case "Terminal":
			app.Terminal = value == "true"
		case "NoDisplay":
			noDisplay = value == "true"
		case "Hidden":
			hidden = value == "true"
		}
	}
	if err := sc.Err(); err != nil {
		return App{}, err
	}

	if typ != "Application" || noDisplay || hidden || app.Exec == "" || app.Name == "" {
		return App{}, errNotLaunchable
	}
	return app, nil
}

// ExecArgs splits an Exec value into argv, honouring double quotes and
// dropping field codes such as %f and %U.
func ExecArgs(exec string) ([]string, error) {
	var args []string
	var cur strings.Builder
	inQuote, inArg := false, false

	rs := []rune(exec)
	for i := 0; i < len(rs); i++ {
		c := rs[i]
		switch {
		case inQuote && c == '\\' && i+1 < len(rs):
			i++
			cur.WriteRune(rs[i])
		case c == '"':
			inQuote = !inQuote
			inArg = true
		case !inQuote && (c == ' ' || c == '\t'):
			if inArg {
				args = append(args, cur.String())
				cur.Reset()
				inArg = false
			}
		default:
			cur.WriteRune(c)
			inArg = true
		}
	}
	if inQuote {
		return nil, fmt.Errorf("unterminated quote in %q", exec)
	}
	if inArg {
		args = append(args, cur.String())
	}

	out := args[:0]
	for _, a := range args {
		a = stripFieldCodes(a)
		if a != "" {
			out = append(out, a)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("empty command in %q", exec)
	}
	return out, nil
}

func stripFieldCodes(arg string) string {
	if !strings.Contains(arg, "%") {
		return arg
	}
	var b strings.Builder
	rs := []rune(arg)
	for i := 0; i < len(rs); i++ {
		if rs[i] != '%' || i+1 >= len(rs) {
			b.WriteRune(rs[i])
			continue
		}
		i++
		if rs[i] == '%' {
			b.WriteRune('%')
		}
	}
	return b.String()
}

// DefaultDirs returns the XDG application directories, user dir first.
func DefaultDirs() []string {
	var dirs []string
	dataHome := os.Getenv("XDG_DATA_HOME")
	if dataHome == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dataHome = filepath.Join(home, ".local", "share")
		}
	}
	if dataHome != "" {
		dirs = append(dirs, filepath.Join(dataHome, "applications"))
	}
	dataDirs := os.Getenv("XDG_DATA_DIRS")
	if dataDirs == "" {
		dataDirs = "/usr/local/share:/usr/share"
	}
	for _, d := range filepath.SplitList(dataDirs) {
		if d != "" {
			dirs = append(dirs, filepath.Join(d, "applications"))
		}
	}
	return dirs
}

// Scan collects launchable entries from dirs. An id found in an earlier
// directory shadows the same id in later ones.
func Scan(ctx context.Context, dirs []string) ([]App, error) {
	seen := make(map[string]bool)
	var out []App
	for _, root := range dirs {
		err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				if path == root {
					return filepath.SkipDir
				}
				return nil
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if d.IsDir() || !strings.HasSuffix(path, ".desktop") {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return nil
			}
			id := strings.TrimSuffix(strings.ReplaceAll(filepath.ToSlash(rel), "/", "-"), ".desktop")
			if seen[id] {
				return nil
			}
			// Shadowing applies even when the overriding entry is hidden.
			seen[id] = true

			f, err := os.Open(path)
			if err != nil {
				return nil
			}
			app, err := ParseDesktopEntry(f)
			f.Close()
			if err != nil {
				return nil
			}
			app.ID = id
			app.Path = path
			out = append(out, app)
			return nil
		})
		if err != nil && !errors.Is(err, filepath.SkipDir) {
			return nil, err
		}
	}
	return out, nil
}
