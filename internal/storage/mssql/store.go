package mssql

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	_ "github.com/microsoft/go-mssqldb"

	"keyindex/internal/index"
	"keyindex/internal/storage"
)

// Store implements storage.MappingStore for Microsoft SQL Server.
//
// Merge semantics:
//   - Pairs are staged in a session temp table (#stg_...) inside one
//     transaction, so the staging table and the MERGE share a connection.
//   - MERGE ... WITH (HOLDLOCK) inserts a staged row only when its key is not
//     matched and its index does not exist yet. HOLDLOCK takes key-range locks,
//     so concurrent merges serialize instead of racing between the check and
//     the insert.
//   - Within one call, a key or index that appears twice keeps its first
//     occurrence in index order; MERGE rejects duplicate source matches.
//
// The catalog of a namespace is the connected database.
type Store struct {
	db       dbConn
	database string
	logf     func(format string, v ...any)
}

func init() {
	storage.Register("mssql", New)
}

// DefaultSchema is the schema of DefaultNamespace.
const DefaultSchema = "dbo"

// New constructs a Store using database/sql and the "sqlserver" driver.
//
// This method validates connectivity via PingContext and reads DB_NAME() to
// fix the catalog.
func New(ctx context.Context, cfg storage.Config) (storage.MappingStore, error) {
	raw, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, err
	}

	raw.SetMaxOpenConns(16)
	raw.SetMaxIdleConns(16)

	if err := raw.PingContext(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}

	var db string
	if err := raw.QueryRowContext(ctx, `SELECT DB_NAME()`).Scan(&db); err != nil {
		_ = raw.Close()
		return nil, fmt.Errorf("mssql: DB_NAME: %w", err)
	}
	return newStore(&sqlDB{db: raw}, db, cfg.Logger), nil
}

func newStore(db dbConn, database string, logger storage.Logger) *Store {
	return &Store{db: db, database: database, logf: storage.Logf(logger)}
}

// Close releases database resources held by this store.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// DefaultNamespace is <DB_NAME()>.dbo.
func (s *Store) DefaultNamespace() storage.Namespace {
	return storage.Namespace{Catalog: s.database, Schema: DefaultSchema}
}

// EnsureNamespace creates ns.Schema in the connected database.
func (s *Store) EnsureNamespace(ctx context.Context, ns storage.Namespace) error {
	if err := ns.Validate(); err != nil {
		return err
	}
	if !strings.EqualFold(ns.Catalog, s.database) {
		return fmt.Errorf("%w: connected to database %q, not %q", storage.ErrNamespaceUnavailable, s.database, ns.Catalog)
	}
	if _, err := s.db.ExecContext(ctx, buildCreateSchemaSQL(ns)); err != nil {
		return fmt.Errorf("%w: create schema %s: %w", storage.ErrNamespaceUnavailable, ns.Schema, err)
	}
	return nil
}

// EnsureSchema creates the mapping table when it does not exist.
//
// This method is idempotent and safe to run on every invocation.
func (s *Store) EnsureSchema(ctx context.Context, ref storage.TableRef) error {
	if _, err := s.db.ExecContext(ctx, buildCreateSQL(ref)); err != nil {
		return fmt.Errorf("create table %s: %w", ref, err)
	}
	return nil
}

// LoadPairs returns every stored row ordered by index.
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

// SQL Server has a hard limit of 2100 parameters. Two per pair keeps each
// staging insert comfortably below that.
const stagingChunk = 1000

// MergeInsertOnly stages pairs and merges the new ones in one transaction.
func (s *Store) MergeInsertOnly(ctx context.Context, ref storage.TableRef, pairs []index.Pair) (int64, error) {
	pairs = dedupePairs(pairs)
	if len(pairs) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: begin tx: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()

	stg := "#" + storage.StagingName(ref.Kind)
	if _, err := tx.ExecContext(ctx, buildCreateStagingSQL(stg)); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: create staging %s: %w", stg, err)
	}
	defer func() {
		if committed {
			return
		}
		if _, derr := tx.ExecContext(context.Background(), buildDropStagingSQL(stg)); derr != nil {
			s.logf("level=warn stage=merge table=%s staging=%s drop failed: %v", ref, stg, derr)
		}
	}()

	for _, part := range storage.Chunks(pairs, stagingChunk) {
		q, args := buildInsertStagingSQL(stg, part)
		if _, err := tx.ExecContext(ctx, q, args...); err != nil {
			return 0, fmt.Errorf("MergeInsertOnly: stage %s: %w", ref, err)
		}
	}

	res, err := tx.ExecContext(ctx, buildMergeSQL(ref, stg))
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: merge %s: %w", ref, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: rows affected %s: %w", ref, err)
	}

	if _, derr := tx.ExecContext(ctx, buildDropStagingSQL(stg)); derr != nil {
		s.logf("level=warn stage=merge table=%s staging=%s drop failed: %v", ref, stg, derr)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("MergeInsertOnly: commit %s: %w", ref, err)
	}
	committed = true
	return n, nil
}

// dedupePairs orders pairs by index and keeps the first occurrence of every
// key and every index.
func dedupePairs(pairs []index.Pair) []index.Pair {
	sorted := append([]index.Pair(nil), pairs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	keys := make(map[string]struct{}, len(sorted))
	ixs := make(map[int64]struct{}, len(sorted))
	out := sorted[:0]
	for _, p := range sorted {
		if _, dup := keys[p.Key]; dup {
			continue
		}
		if _, dup := ixs[p.Index]; dup {
			continue
		}
		keys[p.Key] = struct{}{}
		ixs[p.Index] = struct{}{}
		out = append(out, p)
	}
	return out
}

// mssqlIdent returns a bracket-quoted identifier, escaping ']' as ']]'.
func mssqlIdent(name string) string {
	return "[" + strings.ReplaceAll(name, "]", "]]") + "]"
}

// mssqlTableIdent returns the bracket-quoted three-part name of ref.
//
// Example:
//
//	sales.dbo.mapping__active_customers -> [sales].[dbo].[mapping__active_customers]
func mssqlTableIdent(ref storage.TableRef) string {
	return mssqlIdent(ref.Namespace.Catalog) + "." + mssqlIdent(ref.Namespace.Schema) + "." + mssqlIdent(ref.Table())
}

func buildCreateSchemaSQL(ns storage.Namespace) string {
	return fmt.Sprintf(
		"IF SCHEMA_ID(N'%s') IS NULL EXEC(N'CREATE SCHEMA %s');",
		ns.Schema, mssqlIdent(ns.Schema),
	)
}

// buildCreateSQL wraps CREATE TABLE in an OBJECT_ID guard.
//
// The key column is NVARCHAR(450) so the primary key stays within the
// 900-byte index key limit.
func buildCreateSQL(ref storage.TableRef) string {
	return fmt.Sprintf(
		"IF OBJECT_ID(N'%s', N'U') IS NULL BEGIN CREATE TABLE %s (%s BIGINT NOT NULL UNIQUE, %s NVARCHAR(450) NOT NULL PRIMARY KEY); END;",
		ref.Qualified(),
		mssqlTableIdent(ref),
		mssqlIdent(storage.IndexColumn),
		mssqlIdent(ref.KeyColumn()),
	)
}

func buildSelectSQL(ref storage.TableRef) string {
	return fmt.Sprintf("SELECT %s, %s FROM %s ORDER BY %s",
		mssqlIdent(ref.KeyColumn()), mssqlIdent(storage.IndexColumn), mssqlTableIdent(ref), mssqlIdent(storage.IndexColumn))
}

func buildCreateStagingSQL(stg string) string {
	return fmt.Sprintf("CREATE TABLE %s ([key] NVARCHAR(450) NOT NULL, [index] BIGINT NOT NULL);", mssqlIdent(stg))
}

func buildDropStagingSQL(stg string) string {
	return fmt.Sprintf("IF OBJECT_ID(N'tempdb..%s') IS NOT NULL DROP TABLE %s;", stg, mssqlIdent(stg))
}

func buildInsertStagingSQL(stg string, pairs []index.Pair) (string, []any) {
	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(mssqlIdent(stg))
	b.WriteString(" ([key], [index]) VALUES ")

	args := make([]any, 0, 2*len(pairs))
	for i, p := range pairs {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "(@p%d, @p%d)", 2*i+1, 2*i+2)
		args = append(args, p.Key, p.Index)
	}
	b.WriteString(";")
	return b.String(), args
}

func buildMergeSQL(ref storage.TableRef, stg string) string {
	tbl := mssqlTableIdent(ref)
	keyCol := mssqlIdent(ref.KeyColumn())
	ixCol := mssqlIdent(storage.IndexColumn)

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s WITH (HOLDLOCK) AS target ", tbl)
	fmt.Fprintf(&b, "USING (SELECT [key], [index] FROM %s) AS source ", mssqlIdent(stg))
	fmt.Fprintf(&b, "ON target.%s = source.[key] ", keyCol)
	fmt.Fprintf(&b, "WHEN NOT MATCHED BY TARGET AND NOT EXISTS (SELECT 1 FROM %s AS existing WITH (HOLDLOCK) WHERE existing.%s = source.[index]) ", tbl, ixCol)
	fmt.Fprintf(&b, "THEN INSERT (%s, %s) VALUES (source.[index], source.[key]);", ixCol, keyCol)
	return b.String()
}

// ---- database/sql seam types ----

// dbConn is a small interface over *sql.DB used to make this package testable.
//
// It intentionally includes only the methods this file needs.
type dbConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error)
	Close() error
}

// txConn is a small interface over *sql.Tx used for testability.
type txConn interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	Commit() error
	Rollback() error
}

// sqlDB wraps *sql.DB to implement dbConn.
type sqlDB struct {
	db *sql.DB
}

func (s *sqlDB) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}

func (s *sqlDB) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return s.db.QueryContext(ctx, query, args...)
}

// BeginTx begins a transaction and returns a txConn wrapper.
func (s *sqlDB) BeginTx(ctx context.Context, opts *sql.TxOptions) (txConn, error) {
	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

func (s *sqlDB) Close() error { return s.db.Close() }

var (
	_ dbConn               = (*sqlDB)(nil)
	_ txConn               = (*sql.Tx)(nil)
	_ storage.MappingStore = (*Store)(nil)
)
