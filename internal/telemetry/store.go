package telemetry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// Store persists CupcakeSpan records to SQLite or PostgreSQL, chosen by DSN
// prefix.
type Store struct {
	db         *sql.DB
	isPostgres bool
}

// StoreConfig configures the span store. DSN starting with "postgres://" or
// "postgresql://" selects the pgx backend; anything else (including empty,
// which defaults to "cupcake-telemetry.db") is treated as a SQLite path.
type StoreConfig struct {
	DSN string
}

// rebind rewrites ? placeholders into $N placeholders for PostgreSQL.
func rebind(isPostgres bool, query string) string {
	if !isPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, c := range query {
		if c == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
		} else {
			b.WriteRune(c)
		}
	}
	return b.String()
}

// NewStore opens (creating if necessary) the span store and ensures its
// schema exists.
func NewStore(cfg StoreConfig) (*Store, error) {
	dsn := cfg.DSN
	if dsn == "" {
		dsn = "cupcake-telemetry.db"
	}
	isPostgres := strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://")

	var db *sql.DB
	var err error
	if isPostgres {
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("open postgres telemetry store: %w", err)
		}
	} else {
		if dir := filepath.Dir(dsn); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create telemetry directory: %w", err)
			}
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("open sqlite telemetry store: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("enable WAL mode: %w", err)
		}
	}

	s := &Store{db: db, isPostgres: isPostgres}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("create telemetry tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	pkDef := "INTEGER PRIMARY KEY AUTOINCREMENT"
	createdAt := "TEXT DEFAULT CURRENT_TIMESTAMP"
	if s.isPostgres {
		pkDef = "BIGSERIAL PRIMARY KEY"
		createdAt = "TIMESTAMPTZ DEFAULT NOW()"
	}
	schema := fmt.Sprintf(`
	CREATE TABLE IF NOT EXISTS cupcake_spans (
		id %s,
		span_id TEXT UNIQUE NOT NULL,
		trace_id TEXT NOT NULL,
		session_id TEXT,
		harness TEXT NOT NULL,
		hook_event_name TEXT NOT NULL,
		tool_name TEXT,
		duration_ns INTEGER,
		final_decision_kind TEXT,
		final_decision_rule_ids TEXT,
		panicked BOOLEAN NOT NULL DEFAULT FALSE,
		raw_json TEXT NOT NULL,
		created_at %s
	);
	`, pkDef, createdAt)
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	indexes := `
	CREATE INDEX IF NOT EXISTS idx_spans_trace ON cupcake_spans(trace_id);
	CREATE INDEX IF NOT EXISTS idx_spans_session ON cupcake_spans(session_id);
	CREATE INDEX IF NOT EXISTS idx_spans_event ON cupcake_spans(hook_event_name);
	CREATE INDEX IF NOT EXISTS idx_spans_decision ON cupcake_spans(final_decision_kind);
	`
	_, err := s.db.Exec(indexes)
	return err
}

// Persist writes one finished span. Called by Writer's background goroutine,
// never on the decision-return path.
func (s *Store) Persist(ctx context.Context, span *CupcakeSpan) error {
	raw, err := json.Marshal(span)
	if err != nil {
		return fmt.Errorf("marshal span: %w", err)
	}
	_, err = s.db.ExecContext(ctx, rebind(s.isPostgres, `
		INSERT INTO cupcake_spans (
			span_id, trace_id, session_id, harness, hook_event_name, tool_name,
			duration_ns, final_decision_kind, final_decision_rule_ids, panicked, raw_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		span.SpanID,
		span.TraceID,
		span.SessionID,
		span.Harness,
		span.EventName,
		span.ToolName,
		span.Duration.Nanoseconds(),
		span.FinalDecisionKind,
		span.FinalDecisionRule,
		span.Panicked,
		string(raw),
	)
	if err != nil {
		return fmt.Errorf("insert span: %w", err)
	}
	return nil
}

// Close releases the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }
