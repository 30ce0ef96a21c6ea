package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kalambet/hotbox/internal/logging"
	"github.com/kalambet/hotbox/internal/ranking"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Options tune a Store. Zero values select defaults.
type Options struct {
	Clock   Clock
	Weights ranking.Weights
	Logger  *slog.Logger

	// BatchSize and BatchTimeout bound how long appends wait before commit.
	BatchSize    int
	BatchTimeout time.Duration
	QueueSize    int
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = realClock{}
	}
	if o.Weights == (ranking.Weights{}) {
		o.Weights = ranking.DefaultWeights()
	}
	if o.Weights.Retention == 0 {
		o.Weights.Retention = UsageRetention
	}
	if o.Logger == nil {
		o.Logger = logging.ForComponent(logging.CompStorage)
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 64
	}
	if o.BatchTimeout <= 0 {
		o.BatchTimeout = 50 * time.Millisecond
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	return o
}

// Store is the durable usage and runtime log. Appends go through a single
// writer goroutine; score reads hit an in-memory mirror of committed usages.
type Store struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	index  *usageIndex

	queue   chan writeOp
	flushCh chan chan error
	pruneCh chan pruneReq
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	return OpenWith(dataDir, Options{})
}

// OpenWith is Open with explicit options.
func OpenWith(dataDir string, opts Options) (*Store, error) {
	opts = opts.withDefaults()

	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "hotbox.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: the writer and readers share it, and :memory: databases
	// are per-connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{
		db:      db,
		opts:    opts,
		logger:  opts.Logger,
		index:   newUsageIndex(),
		queue:   make(chan writeOp, opts.QueueSize),
		flushCh: make(chan chan error),
		pruneCh: make(chan pruneReq),
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	last, err := s.loadIndex()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("loading usage index: %w", err)
	}

	go s.writer(last)
	return s, nil
}

// Close drains queued appends, stops the writer and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// loadIndex fills the in-memory mirror with retained usages and returns the
// newest stored timestamp across both tables.
func (s *Store) loadIndex() (time.Time, error) {
	cutoff := s.opts.Clock.Now().Add(-UsageRetention)
	rows, err := s.db.Query(`SELECT input, itemId, timestamp FROM usages WHERE timestamp >= ? ORDER BY rowid`, formatTime(cutoff))
	if err != nil {
		return time.Time{}, err
	}
	defer rows.Close()

	var recs []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var ts string
		if err := rows.Scan(&r.Input, &r.ItemID, &ts); err != nil {
			return time.Time{}, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return time.Time{}, fmt.Errorf("parsing usage timestamp: %w", err)
		}
		recs = append(recs, r)
	}
	if err := rows.Err(); err != nil {
		return time.Time{}, err
	}
	s.index.add(recs)

	var newest sql.NullString
	if err := s.db.QueryRow(`SELECT MAX(ts) FROM (
		SELECT MAX(timestamp) AS ts FROM usages
		UNION ALL
		SELECT MAX(timestamp) AS ts FROM runtimes
	)`).Scan(&newest); err != nil {
		return time.Time{}, err
	}
	if !newest.Valid {
		return time.Time{}, nil
	}
	return parseTime(newest.String)
}

// Score returns the usage score of itemID for input over committed usages.
// It never blocks on the writer.
func (s *Store) Score(itemID, input string) float64 {
	return s.index.score(s.opts.Weights, itemID, input, s.opts.Clock.Now())
}

// Weights returns the ranking weights the store scores with.
func (s *Store) Weights() ranking.Weights {
	return s.opts.Weights
}

// Usages returns the stored usage rows for itemID, oldest first.
func (s *Store) Usages(ctx context.Context, itemID string) ([]UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT input, itemId, timestamp FROM usages WHERE itemId = ? ORDER BY rowid`, itemID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []UsageRecord
	for rows.Next() {
		var r UsageRecord
		var ts string
		if err := rows.Scan(&r.Input, &r.ItemID, &ts); err != nil {
			return nil, err
		}
		if r.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing usage timestamp: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UsageCount returns the number of stored usage rows.
func (s *Store) UsageCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usages`).Scan(&n)
	return n, err
}

// RuntimeCount returns the number of stored runtime rows.
func (s *Store) RuntimeCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runtimes`).Scan(&n)
	return n, err
}

// RuntimeStats summarizes stored runtimes per extension, slowest average first.
func (s *Store) RuntimeStats(ctx context.Context) ([]RuntimeStat, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT extensionId, COUNT(*), AVG(runtime), MAX(runtime)
		FROM runtimes GROUP BY extensionId ORDER BY AVG(runtime) DESC, extensionId ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RuntimeStat
	for rows.Next() {
		var st RuntimeStat
		if err := rows.Scan(&st.ExtensionID, &st.Count, &st.AvgMicros, &st.MaxMicros); err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
