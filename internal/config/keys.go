package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type keyType int

const (
	kString keyType = iota
	kInt
	kBool
	kFloat
	kDuration
)

func (t keyType) String() string {
	switch t {
	case kInt:
		return "integer"
	case kBool:
		return "bool"
	case kFloat:
		return "float"
	case kDuration:
		return "duration"
	default:
		return "string"
	}
}

type keySpec struct {
	key     string
	typ     keyType
	env     string
	apply   func(cfg *Config, v any)
	extract func(cfg Config) any
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "HOTBOX_SERVER_PORT",
		apply:   func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.Port },
	},
	{
		key: "server.max_conns", typ: kInt, env: "HOTBOX_SERVER_MAX_CONNS",
		apply:   func(cfg *Config, v any) { cfg.Server.MaxConns = v.(int) },
		extract: func(cfg Config) any { return cfg.Server.MaxConns },
	},
	{
		key: "storage.data_dir", typ: kString, env: "HOTBOX_STORAGE_DATA_DIR",
		apply:   func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
		extract: func(cfg Config) any { return cfg.Storage.DataDir },
	},
	{
		key: "storage.prune_interval", typ: kDuration, env: "HOTBOX_STORAGE_PRUNE_INTERVAL",
		apply:   func(cfg *Config, v any) { cfg.Storage.PruneInterval = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Storage.PruneInterval },
	},
	{
		key: "log.level", typ: kString, env: "HOTBOX_LOG_LEVEL",
		apply:   func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Level },
	},
	{
		key: "log.format", typ: kString, env: "HOTBOX_LOG_FORMAT",
		apply:   func(cfg *Config, v any) { cfg.Log.Format = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Format },
	},
	{
		key: "log.dir", typ: kString, env: "HOTBOX_LOG_DIR",
		apply:   func(cfg *Config, v any) { cfg.Log.Dir = v.(string) },
		extract: func(cfg Config) any { return cfg.Log.Dir },
	},
	{
		key: "query.coalesce_window", typ: kDuration, env: "HOTBOX_QUERY_COALESCE_WINDOW",
		apply:   func(cfg *Config, v any) { cfg.Query.CoalesceWindow = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Query.CoalesceWindow },
	},
	{
		key: "ranking.priority_weight", typ: kFloat, env: "HOTBOX_RANKING_PRIORITY_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Ranking.PriorityWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ranking.PriorityWeight },
	},
	{
		key: "ranking.usage_weight", typ: kFloat, env: "HOTBOX_RANKING_USAGE_WEIGHT",
		apply:   func(cfg *Config, v any) { cfg.Ranking.UsageWeight = v.(float64) },
		extract: func(cfg Config) any { return cfg.Ranking.UsageWeight },
	},
	{
		key: "ranking.half_life", typ: kDuration, env: "HOTBOX_RANKING_HALF_LIFE",
		apply:   func(cfg *Config, v any) { cfg.Ranking.HalfLife = v.(time.Duration) },
		extract: func(cfg Config) any { return cfg.Ranking.HalfLife },
	},
	{
		key: "extensions.disabled", typ: kString, env: "HOTBOX_EXTENSIONS_DISABLED",
		apply:   func(cfg *Config, v any) { cfg.Extensions.Disabled = v.(string) },
		extract: func(cfg Config) any { return cfg.Extensions.Disabled },
	},
	{
		key: "apps.dirs", typ: kString, env: "HOTBOX_APPS_DIRS",
		apply:   func(cfg *Config, v any) { cfg.Apps.Dirs = v.(string) },
		extract: func(cfg Config) any { return cfg.Apps.Dirs },
	},
	{
		key: "docs.dirs", typ: kString, env: "HOTBOX_DOCS_DIRS",
		apply:   func(cfg *Config, v any) { cfg.Docs.Dirs = v.(string) },
		extract: func(cfg Config) any { return cfg.Docs.Dirs },
	},
	{
		key: "websearch.url", typ: kString, env: "HOTBOX_WEBSEARCH_URL",
		apply:   func(cfg *Config, v any) { cfg.WebSearch.URL = v.(string) },
		extract: func(cfg Config) any { return cfg.WebSearch.URL },
	},
}

func lookupSpec(key string) (keySpec, bool) {
	for _, s := range specs {
		if s.key == key {
			return s, true
		}
	}
	return keySpec{}, false
}

// parse converts raw into the Go type of s.
func (s keySpec) parse(raw string) (any, error) {
	switch s.typ {
	case kInt:
		return strconv.Atoi(raw)
	case kBool:
		return strconv.ParseBool(raw)
	case kFloat:
		return strconv.ParseFloat(raw, 64)
	case kDuration:
		return time.ParseDuration(raw)
	default:
		return raw, nil
	}
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		if s.typ == kInt {
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
			continue
		}

		raw, ok, err := b.GetString(s.key)
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.key, err)
		}
		if !ok || (raw == "" && s.typ != kString) {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from config key %s=%q: %v. Using default value.\n", s.typ, s.key, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		v, err := s.parse(raw)
		if err != nil {
			fmt.Fprintf(os.Stderr, "[WARN] could not parse %s from env var %s=%q: %v. Using default value.\n", s.typ, s.env, raw, err)
			continue
		}
		s.apply(cfg, v)
	}
}
