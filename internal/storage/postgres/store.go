package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"keyindex/internal/index"
	"keyindex/internal/storage"
)

/*
Store implements storage.MappingStore for Postgres.

It provides:
  - Schema and table creation (CREATE ... IF NOT EXISTS)
  - Insert-only merges: rows are COPYed into a transaction-scoped TEMP
    table and moved with INSERT ... ON CONFLICT DO NOTHING, which skips a
    row that collides on either the key primary key or the UNIQUE index

The catalog of a namespace is the connected database; Postgres cannot
reach another database from the same session.
*/
type Store struct {
	pool     *pgxpool.Pool
	database string
	logf     func(format string, v ...any)
}

// DefaultSchema is the schema of DefaultNamespace.
const DefaultSchema = "public"

// New creates a new Postgres-backed Store.
func New(ctx context.Context, cfg storage.Config) (storage.MappingStore, error) {
	pool, err := pgxpool.New(ctx, cfg.DSN)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	var db string
	if err := pool.QueryRow(ctx, `SELECT current_database()`).Scan(&db); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: current_database: %w", err)
	}
	return &Store{pool: pool, database: db, logf: storage.Logf(cfg.Logger)}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// DefaultNamespace is <current database>.public.
func (s *Store) DefaultNamespace() storage.Namespace {
	return storage.Namespace{Catalog: s.database, Schema: DefaultSchema}
}

// EnsureNamespace creates ns.Schema when ns.Catalog is the connected database.
func (s *Store) EnsureNamespace(ctx context.Context, ns storage.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if ns.Catalog != s.database {
		return fmt.Errorf("%w: connected to database %q, not %q", storage.ErrNamespaceUnavailable, s.database, ns.Catalog)
	}
	if _, err := s.pool.Exec(ctx, buildCreateSchemaSQL(ns)); err != nil {
		return fmt.Errorf("%w: create schema %s: %w", storage.ErrNamespaceUnavailable, ns.Schema, err)
	}
	return nil
}

// EnsureSchema creates the mapping table for ref.
func (s *Store) EnsureSchema(ctx context.Context, ref storage.TableRef) error {
	if ref.Namespace.Catalog != s.database {
		return fmt.Errorf("%w: table %s is outside database %q", storage.ErrNamespaceUnavailable, ref, s.database)
	}
	if _, err := s.pool.Exec(ctx, buildCreateSQL(ref)); err != nil {
		return fmt.Errorf("create table %s: %w", ref, err)
	}
	return nil
}

// LoadPairs returns every row of the mapping table ordered by index.
func (s *Store) LoadPairs(ctx context.Context, ref storage.TableRef) ([]index.Pair, error) {
	rows, err := s.pool.Query(ctx, buildSelectSQL(ref))
	if err != nil {
		return nil, fmt.Errorf("LoadPairs: query %s: %w", ref, err)
	}

	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (index.Pair, error) {
		var p index.Pair
		err := row.Scan(&p.Key, &p.Index)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("LoadPairs: scan %s: %w", ref, err)
	}
	return out, nil
}

// MergeInsertOnly stages pairs with COPY and inserts the new ones in the same
// transaction. The staging table is created ON COMMIT DROP, so it disappears
// with the transaction on every path.
func (s *Store) MergeInsertOnly(ctx context.Context, ref storage.TableRef, pairs []index.Pair) (int64, error) {
	if len(pairs) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: begin: %w", err)
	}
	defer func() {
		// Rollback after Commit is a no-op returning ErrTxClosed.
		if rerr := tx.Rollback(context.Background()); rerr != nil && !errors.Is(rerr, pgx.ErrTxClosed) {
			s.logf("level=warn stage=merge table=%s rollback failed: %v", ref, rerr)
		}
	}()

	stg := storage.StagingName(ref.Kind)
	if _, err := tx.Exec(ctx, buildCreateStagingSQL(stg)); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: create staging %s: %w", stg, err)
	}

	src := make([][]any, len(pairs))
	for i, p := range pairs {
		src[i] = []any{p.Key, p.Index}
	}
	if _, err := tx.CopyFrom(ctx, pgx.Identifier{stg}, []string{"key", "index"}, pgx.CopyFromRows(src)); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: copy into %s: %w", stg, err)
	}

	tag, err := tx.Exec(ctx, buildMergeSQL(ref, stg))
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: merge %s: %w", ref, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: commit %s: %w", ref, err)
	}
	return tag.RowsAffected(), nil
}

// pgIdent returns a double-quoted identifier, escaping '"' as '""'.
func pgIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func tableIdent(ref storage.TableRef) string {
	return pgIdent(ref.Namespace.Schema) + "." + pgIdent(ref.Table())
}

func buildCreateSchemaSQL(ns storage.Namespace) string {
	return fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s`, pgIdent(ns.Schema))
}

func buildCreateSQL(ref storage.TableRef) string {
	return fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (%s BIGINT NOT NULL UNIQUE, %s TEXT NOT NULL PRIMARY KEY)`,
		tableIdent(ref), pgIdent(storage.IndexColumn), pgIdent(ref.KeyColumn()),
	)
}

func buildSelectSQL(ref storage.TableRef) string {
	return fmt.Sprintf(`SELECT %s, %s FROM %s ORDER BY %s`,
		pgIdent(ref.KeyColumn()), pgIdent(storage.IndexColumn), tableIdent(ref), pgIdent(storage.IndexColumn))
}

func buildCreateStagingSQL(stg string) string {
	return fmt.Sprintf(`CREATE TEMP TABLE %s ("key" TEXT NOT NULL, "index" BIGINT NOT NULL) ON COMMIT DROP`, pgIdent(stg))
}

// buildMergeSQL inserts staged rows in index order. ON CONFLICT without a
// target skips violations of any unique constraint, i.e. key or index.
func buildMergeSQL(ref storage.TableRef, stg string) string {
	return fmt.Sprintf(
		`INSERT INTO %s (%s, %s) SELECT "index", "key" FROM %s ORDER BY "index" ON CONFLICT DO NOTHING`,
		tableIdent(ref), pgIdent(storage.IndexColumn), pgIdent(ref.KeyColumn()), pgIdent(stg),
	)
}

var _ storage.MappingStore = (*Store)(nil)
