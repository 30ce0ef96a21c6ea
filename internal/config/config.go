package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kalambet/hotbox/internal/ranking"
)

type Config struct {
	Server     ServerConfig
	Storage    StorageConfig
	Log        LogConfig
	Query      QueryConfig
	Ranking    RankingConfig
	Extensions ExtensionsConfig
	Apps       AppsConfig
	Docs       DocsConfig
	WebSearch  WebSearchConfig
}

type ServerConfig struct {
	Port     int
	MaxConns int
}

type StorageConfig struct {
	DataDir       string
	PruneInterval time.Duration
}

type LogConfig struct {
	Level  string
	Format string
	Dir    string
}

type QueryConfig struct {
	CoalesceWindow time.Duration
}

type RankingConfig struct {
	PriorityWeight float64
	UsageWeight    float64
	HalfLife       time.Duration
}

type ExtensionsConfig struct {
	// Disabled is a comma-separated list of extension ids disabled at start.
	Disabled string
}

type AppsConfig struct {
	// Dirs is an os.PathListSeparator-separated list; empty means the XDG
	// application directories.
	Dirs string
}

type DocsConfig struct {
	Dirs string
}

type WebSearchConfig struct {
	URL string
}

func defaults() Config {
	w := ranking.DefaultWeights()
	return Config{
		Server: ServerConfig{
			Port:     4777,
			MaxConns: 32,
		},
		Storage: StorageConfig{
			DataDir:       defaultDataDir(),
			PruneInterval: 6 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Query: QueryConfig{
			CoalesceWindow: 25 * time.Millisecond,
		},
		Ranking: RankingConfig{
			PriorityWeight: w.PriorityWeight,
			UsageWeight:    w.UsageWeight,
			HalfLife:       w.HalfLife,
		},
		Docs: DocsConfig{
			Dirs: defaultDocsDir(),
		},
		WebSearch: WebSearchConfig{
			URL: "https://duckduckgo.com/?q=%s",
		},
	}
}

// Load reads configuration from the TOML file at
// $XDG_CONFIG_HOME/hotbox/config.toml, then applies HOTBOX_* environment
// overrides.
func Load() (Config, error) {
	return loadWith(newFileBackend(FilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()
	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// Weights returns the ranking tunables.
func (c Config) Weights() ranking.Weights {
	w := ranking.DefaultWeights()
	w.PriorityWeight = c.Ranking.PriorityWeight
	w.UsageWeight = c.Ranking.UsageWeight
	if c.Ranking.HalfLife > 0 {
		w.HalfLife = c.Ranking.HalfLife
	}
	return w
}

// DisabledExtensions returns the ids listed in extensions.disabled.
func (c Config) DisabledExtensions() []string {
	return splitList(c.Extensions.Disabled, ",")
}

// AppDirs returns the configured application directories, or nil to use the
// platform defaults.
func (c Config) AppDirs() []string {
	return splitList(c.Apps.Dirs, string(os.PathListSeparator))
}

func (c Config) DocDirs() []string {
	return splitList(c.Docs.Dirs, string(os.PathListSeparator))
}

func splitList(s, sep string) []string {
	var out []string
	for _, part := range strings.Split(s, sep) {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultDataDir() string {
	dir := os.Getenv("XDG_DATA_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".local", "share")
		} else {
			return "hotbox-data"
		}
	}
	return filepath.Join(dir, "hotbox")
}

func defaultDocsDir() string {
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, "Documents")
	}
	return ""
}

// FilePath is where the config file lives.
func FilePath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		if home, err := os.UserHomeDir(); err == nil {
			dir = filepath.Join(home, ".config")
		} else {
			dir = "."
		}
	}
	return filepath.Join(dir, "hotbox", "config.toml")
}
