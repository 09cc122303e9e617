// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/sitecrawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LinkStoreConfig controls the Postgres connection pool used for link rows.
type LinkStoreConfig struct {
	DSN string
	// Table prefixes the two tables written: <table>_pages and <table>_edges.
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Begin(context.Context) (pgx.Tx, error)
	Close()
}

// LinkStore upserts the link graph into Postgres. It implements
// crawler.LinkWriter.
type LinkStore struct {
	pool  pool
	table string
}

// NewLinkStore creates a Postgres-backed LinkStore using the provided config.
func NewLinkStore(ctx context.Context, cfg LinkStoreConfig) (*LinkStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &LinkStore{pool: p, table: table}, nil
}

// NewLinkStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewLinkStoreWithPool(p pool, table string) (*LinkStore, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	table, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &LinkStore{pool: p, table: table}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = "crawl"
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *LinkStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the pages and edges tables when missing.
func (s *LinkStore) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s_pages (
	session_id   TEXT        NOT NULL,
	url          TEXT        NOT NULL,
	host         TEXT        NOT NULL,
	status       TEXT        NOT NULL,
	depth        INTEGER     NOT NULL,
	parents      TEXT[]      NOT NULL DEFAULT '{}',
	status_code  INTEGER,
	content_type TEXT,
	content_hash TEXT,
	location     TEXT,
	link_count   INTEGER     NOT NULL DEFAULT 0,
	error        TEXT,
	fetched_at   TIMESTAMPTZ,
	PRIMARY KEY (session_id, url)
);
CREATE TABLE IF NOT EXISTS %[1]s_edges (
	session_id TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	source     TEXT    NOT NULL,
	target     TEXT    NOT NULL,
	PRIMARY KEY (session_id, seq)
);`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create link tables: %w", err)
	}
	return nil
}

// WriteLinkData upserts every record and edge of graph in one transaction.
// Rewriting the same session replaces its rows.
func (s *LinkStore) WriteLinkData(ctx context.Context, graph crawler.LinkGraph) (err error) {
	if s == nil || s.pool == nil {
		return fmt.Errorf("link store is not configured")
	}
	if graph.SessionID == "" {
		return fmt.Errorf("session id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin link tx: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				err = fmt.Errorf("%w (rollback: %v)", err, rbErr)
			}
		}
	}()

	pageQuery := fmt.Sprintf(`
INSERT INTO %s_pages (
	session_id, url, host, status, depth, parents, status_code,
	content_type, content_hash, location, link_count, error, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
ON CONFLICT (session_id, url) DO UPDATE SET
	status = EXCLUDED.status,
	depth = EXCLUDED.depth,
	parents = EXCLUDED.parents,
	status_code = EXCLUDED.status_code,
	content_type = EXCLUDED.content_type,
	content_hash = EXCLUDED.content_hash,
	location = EXCLUDED.location,
	link_count = EXCLUDED.link_count,
	error = EXCLUDED.error,
	fetched_at = EXCLUDED.fetched_at`, s.table)
	for _, rec := range graph.Records {
		parents := rec.Parents
		if parents == nil {
			parents = []string{}
		}
		if _, err = tx.Exec(ctx, pageQuery,
			graph.SessionID,
			rec.URL,
			crawler.HostOf(rec.URL),
			string(rec.Status),
			rec.Depth,
			parents,
			nullInt(rec.StatusCode),
			nullString(rec.ContentType),
			nullString(rec.ContentHash),
			nullString(rec.Location),
			rec.LinkCount,
			nullString(rec.Error),
			nullTime(rec.FetchedAt),
		); err != nil {
			return fmt.Errorf("upsert page %s: %w", rec.URL, err)
		}
	}

	edgeQuery := fmt.Sprintf(`
INSERT INTO %s_edges (session_id, seq, source, target)
VALUES ($1,$2,$3,$4)
ON CONFLICT (session_id, seq) DO NOTHING`, s.table)
	for i, edge := range graph.Edges {
		if _, err = tx.Exec(ctx, edgeQuery, graph.SessionID, i, edge.Source, edge.Target); err != nil {
			return fmt.Errorf("insert edge %d: %w", i, err)
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit link tx: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
