package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
)

// fileBackend stores config in a TOML file with one table per section:
//
//	[server]
//	port = 4777
type fileBackend struct {
	path string

	mu sync.Mutex
}

func newFileBackend(path string) *fileBackend {
	return &fileBackend{path: path}
}

func (b *fileBackend) load() (map[string]any, error) {
	data := make(map[string]any)
	if _, err := toml.DecodeFile(b.path, &data); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return make(map[string]any), nil
		}
		return nil, fmt.Errorf("parsing %s: %w", b.path, err)
	}
	return data, nil
}

func (b *fileBackend) save(data map[string]any) error {
	if err := os.MkdirAll(filepath.Dir(b.path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}

	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(data); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replacing config: %w", err)
	}
	return nil
}

func splitKey(key string) (section, name string) {
	section, name, ok := strings.Cut(key, ".")
	if !ok {
		return "", key
	}
	return section, name
}

func (b *fileBackend) lookup(key string) (any, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.load()
	if err != nil {
		return nil, false, err
	}
	section, name := splitKey(key)
	table := data
	if section != "" {
		t, ok := data[section].(map[string]any)
		if !ok {
			return nil, false, nil
		}
		table = t
	}
	v, ok := table[name]
	return v, ok, nil
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok, err := b.lookup(key)
	if err != nil || !ok {
		return "", false, err
	}
	switch tv := v.(type) {
	case string:
		return tv, true, nil
	case float64:
		return strconv.FormatFloat(tv, 'f', -1, 64), true, nil
	case []any:
		parts := make([]string, 0, len(tv))
		for _, p := range tv {
			parts = append(parts, fmt.Sprint(p))
		}
		sep := ","
		if strings.HasSuffix(key, ".dirs") {
			sep = string(os.PathListSeparator)
		}
		return strings.Join(parts, sep), true, nil
	default:
		return fmt.Sprint(tv), true, nil
	}
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok, err := b.lookup(key)
	if err != nil || !ok {
		return 0, false, err
	}
	switch tv := v.(type) {
	case int64:
		return int(tv), true, nil
	case string:
		i, err := strconv.Atoi(tv)
		if err != nil {
			return 0, false, fmt.Errorf("%s: %w", key, err)
		}
		return i, true, nil
	default:
		return 0, false, fmt.Errorf("%s: expected integer, got %T", key, v)
	}
}

func (b *fileBackend) set(key string, v any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	data, err := b.load()
	if err != nil {
		return err
	}
	section, name := splitKey(key)
	table := data
	if section != "" {
		t, ok := data[section].(map[string]any)
		if !ok {
			t = make(map[string]any)
			data[section] = t
		}
		table = t
	}
	if v == nil {
		delete(table, name)
	} else {
		table[name] = v
	}
	return b.save(data)
}

func (b *fileBackend) SetString(key, val string) error { return b.set(key, val) }
func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, int64(val)) }
func (b *fileBackend) Delete(key string) error          { return b.set(key, nil) }
