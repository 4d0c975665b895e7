package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"keyindex/internal/index"
	"keyindex/internal/storage"
)

// Store implements storage.MappingStore for SQLite.
//
// Key design points vs Postgres:
//   - SQLite has a single usable schema per file ("main"), so any other
//     namespace is reported as unavailable and callers fall back to
//     DefaultNamespace.
//   - TEMP tables are per connection, so each merge pins one *sql.Conn for
//     the staging table and the transaction that drains it.
//   - "INSERT OR IGNORE" skips rows that violate either the key primary key
//     or the UNIQUE index column.
type Store struct {
	db   *sql.DB
	logf func(format string, v ...any)
}

func init() {
	storage.Register("sqlite", New)
}

// New opens the database at cfg.DSN. Use a file DSN with
// "_pragma=busy_timeout(5000)&_txlock=immediate" when several processes
// share the file.
func New(ctx context.Context, cfg storage.Config) (storage.MappingStore, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db, logf: storage.Logf(cfg.Logger)}, nil
}

func (s *Store) Close() { _ = s.db.Close() }

// DefaultNamespace is main.main.
func (s *Store) DefaultNamespace() storage.Namespace {
	return storage.Namespace{Catalog: "main", Schema: "main"}
}

func (s *Store) EnsureNamespace(ctx context.Context, ns storage.Namespace) error {
	if ns != s.DefaultNamespace() {
		return fmt.Errorf("%w: sqlite only provides %s, not %s", storage.ErrNamespaceUnavailable, s.DefaultNamespace(), ns)
	}
	return nil
}

func (s *Store) EnsureSchema(ctx context.Context, ref storage.TableRef) error {
	if err := s.EnsureNamespace(ctx, ref.Namespace); err != nil {
		return err
	}
	if _, err := s.db.ExecContext(ctx, buildCreateSQL(ref)); err != nil {
		return fmt.Errorf("create table %s: %w", ref, err)
	}
	return nil
}

func (s *Store) LoadPairs(ctx context.Context, ref storage.TableRef) ([]index.Pair, error) {
	rows, err := s.db.QueryContext(ctx, buildSelectSQL(ref))
	if err != nil {
		return nil, fmt.Errorf("LoadPairs: query %s: %w", ref, err)
	}
	defer rows.Close()

	var out []index.Pair
	for rows.Next() {
		var p index.Pair
		if err := rows.Scan(&p.Key, &p.Index); err != nil {
			return nil, fmt.Errorf("LoadPairs: scan %s: %w", ref, err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("LoadPairs: rows %s: %w", ref, err)
	}
	return out, nil
}

// stagingChunk keeps each staging INSERT well below SQLite's bound-parameter
// limit.
const stagingChunk = 400

// MergeInsertOnly stages pairs in a TEMP table and inserts the ones whose key
// and index are both new in a single statement.
func (s *Store) MergeInsertOnly(ctx context.Context, ref storage.TableRef, pairs []index.Pair) (n int64, err error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	conn, err := s.db.Conn(ctx)
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: conn: %w", err)
	}
	defer conn.Close()

	stg := storage.StagingName(ref.Kind)
	if _, err := conn.ExecContext(ctx, buildCreateStagingSQL(stg)); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: create staging %s: %w", stg, err)
	}
	defer func() {
		// ctx may already be cancelled here; teardown must still run.
		if _, derr := conn.ExecContext(context.Background(), buildDropStagingSQL(stg)); derr != nil {
			s.logf("level=warn stage=merge table=%s staging=%s drop failed: %v", ref, stg, derr)
		}
	}()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, part := range storage.Chunks(pairs, stagingChunk) {
		q, args := buildInsertStagingSQL(stg, part)
		if _, err = tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("MergeInsertOnly: stage %s: %w", ref, err)
		}
	}

	res, err := tx.ExecContext(ctx, buildMergeSQL(ref, stg))
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: merge %s: %w", ref, err)
	}
	if n, err = res.RowsAffected(); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: rows affected %s: %w", ref, err)
	}
	if err = tx.Commit(); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: commit %s: %w", ref, err)
	}
	return n, nil
}

func sqlIdent(id string) string {
	// SQLite supports "quoted identifiers"
	return `"` + strings.ReplaceAll(id, `"`, `""`) + `"`
}

func tableIdent(ref storage.TableRef) string {
	return sqlIdent(ref.Namespace.Schema) + "." + sqlIdent(ref.Table())
}

func buildCreateSQL(ref storage.TableRef) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (%s INTEGER NOT NULL UNIQUE, %s TEXT NOT NULL PRIMARY KEY)`,
		tableIdent(ref), sqlIdent(storage.IndexColumn), sqlIdent(ref.KeyColumn()),
	)
}

func buildSelectSQL(ref storage.TableRef) string {
	return fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY %s`,
		sqlIdent(ref.KeyColumn()), sqlIdent(storage.IndexColumn), tableIdent(ref), sqlIdent(storage.IndexColumn))
}

func buildCreateStagingSQL(stg string) string {
	return fmt.Sprintf(`CREATE TEMP TABLE %s ("key" TEXT NOT NULL, "index" INTEGER NOT NULL)`, sqlIdent(stg))
}

func buildDropStagingSQL(stg string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS temp.%s`, sqlIdent(stg))
}

func buildInsertStagingSQL(stg string, pairs []index.Pair) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO temp.")
	b.WriteString(sqlIdent(stg))
	b.WriteString(` ("key", "index") VALUES `)

	args := make([]any, 0, 2*len(pairs))
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString("(?, ?)")
		args = append(args, p.Key, p.Index)
	}
	return b.String(), args
}

func buildMergeSQL(ref storage.TableRef, stg string) string {
	return fmt.Sprintf(
		`INSERT OR IGNORE INTO %s (%s, %s) SELECT "index", "key" FROM temp.%s ORDER BY "index"`,
		tableIdent(ref), sqlIdent(storage.IndexColumn), sqlIdent(ref.KeyColumn()), sqlIdent(stg),
	)
}

var _ storage.MappingStore = (*Store)(nil)
