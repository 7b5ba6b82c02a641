package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvector "github.com/pgvector/pgvector-go"
	"github.com/seanblong/hybridsearch/pkg/models"
)

// Store is the Postgres corpus: pg_trgm for text similarity, pgvector for
// nearest-neighbour search.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

var (
	_ Corpus      = (*Store)(nil)
	_ ChunkWriter = (*Store)(nil)
)

// New creates a new Store connected to the given database URL. dim is the
// corpus embedding dimensionality.
func New(ctx context.Context, url string, dim int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}
	p, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{pool: p, dim: dim}, nil
}

func (s *Store) Close() { s.pool.Close() }

// Dim returns the corpus embedding dimensionality.
func (s *Store) Dim() int { return s.dim }

// Migrate applies the schema. Ingestion normally owns it; the search engine
// only needs it for development databases.
func (s *Store) Migrate(ctx context.Context) error {
	if s.dim <= 0 {
		return errors.New("embedding dimension must be set")
	}
	q := `
CREATE EXTENSION IF NOT EXISTS vector;
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS code_chunks (
  id             TEXT PRIMARY KEY,
  repository     TEXT NOT NULL,
  path           TEXT NOT NULL,
  language       TEXT NOT NULL DEFAULT '',
  kind           TEXT NOT NULL,
  name           TEXT NOT NULL DEFAULT '',
  source         TEXT NOT NULL,
  line_start     INT NOT NULL DEFAULT 0,
  line_end       INT NOT NULL DEFAULT 0,
  embedding_text vector(%[1]d),
  embedding_code vector(%[1]d),
  metadata       JSONB NOT NULL DEFAULT '{}'::jsonb,
  indexed_at     TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT now(),
  source_norm    TEXT GENERATED ALWAYS AS (
    lower(regexp_replace(regexp_replace(source, '([a-z0-9])([A-Z])', '\1 \2', 'g'), '[^A-Za-z0-9]+', ' ', 'g'))
  ) STORED,
  name_norm      TEXT GENERATED ALWAYS AS (
    lower(regexp_replace(regexp_replace(name, '([a-z0-9])([A-Z])', '\1 \2', 'g'), '[^A-Za-z0-9]+', ' ', 'g'))
  ) STORED
);

CREATE INDEX IF NOT EXISTS code_chunks_repository_idx ON code_chunks (repository);
CREATE INDEX IF NOT EXISTS code_chunks_language_idx ON code_chunks (language);

CREATE INDEX IF NOT EXISTS code_chunks_source_trgm
  ON code_chunks USING GIN (source_norm gin_trgm_ops);
CREATE INDEX IF NOT EXISTS code_chunks_name_trgm
  ON code_chunks USING GIN (name_norm gin_trgm_ops);

CREATE INDEX IF NOT EXISTS code_chunks_embedding_text_idx
  ON code_chunks USING hnsw (embedding_text vector_cosine_ops);
CREATE INDEX IF NOT EXISTS code_chunks_embedding_code_idx
  ON code_chunks USING hnsw (embedding_code vector_cosine_ops);
`
	_, err := s.pool.Exec(ctx, fmt.Sprintf(q, s.dim))
	return err
}

// UpsertChunk inserts or replaces a chunk.
func (s *Store) UpsertChunk(ctx context.Context, c models.CodeChunk) error {
	tv, err := s.vectorArg(c.EmbeddingText)
	if err != nil {
		return fmt.Errorf("chunk %s text embedding: %w", c.ID, err)
	}
	cv, err := s.vectorArg(c.EmbeddingCode)
	if err != nil {
		return fmt.Errorf("chunk %s code embedding: %w", c.ID, err)
	}
	meta, err := json.Marshal(c.Metadata)
	if err != nil {
		return err
	}
	indexed := c.IndexedAt
	if indexed.IsZero() {
		indexed = time.Now()
	}

	const q = `
		INSERT INTO code_chunks (
			id, repository, path, language, kind, name, source,
			line_start, line_end, embedding_text, embedding_code, metadata, indexed_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::jsonb,$13)
		ON CONFLICT (id) DO UPDATE SET
			repository     = EXCLUDED.repository,
			path           = EXCLUDED.path,
			language       = EXCLUDED.language,
			kind           = EXCLUDED.kind,
			name           = EXCLUDED.name,
			source         = EXCLUDED.source,
			line_start     = EXCLUDED.line_start,
			line_end       = EXCLUDED.line_end,
			embedding_text = EXCLUDED.embedding_text,
			embedding_code = EXCLUDED.embedding_code,
			metadata       = EXCLUDED.metadata,
			indexed_at     = EXCLUDED.indexed_at;`

	_, err = s.pool.Exec(ctx, q,
		c.ID, c.Repository, c.Path, c.Language, string(c.Kind), c.Name, c.Source,
		c.LineStart, c.LineEnd, tv, cv, string(meta), indexed,
	)
	return err
}

func (s *Store) vectorArg(v []float32) (any, error) {
	if v == nil {
		return (*pgvector.Vector)(nil), nil
	}
	if len(v) != s.dim {
		return nil, fmt.Errorf("expected %d dimensions, got %d", s.dim, len(v))
	}
	vec := pgvector.NewVector(v)
	return &vec, nil
}

// LexicalSearch ranks chunks by trigram similarity of the normalised query
// against source text (word similarity) and display name (similarity).
func (s *Store) LexicalSearch(ctx context.Context, text string, opt LexicalOpts) ([]LexicalMatch, error) {
	norm := NormalizeText(text)
	if norm == "" || opt.Limit <= 0 {
		return []LexicalMatch{}, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Thresholds drive the index-backed <% and % operators for this transaction only.
	floor := strconv.FormatFloat(opt.MinScore, 'f', -1, 64)
	if _, err := tx.Exec(ctx,
		`SELECT set_config('pg_trgm.word_similarity_threshold', $1, true),
		        set_config('pg_trgm.similarity_threshold', $1, true)`, floor); err != nil {
		return nil, classify(err)
	}

	args := []any{norm, opt.MinScore, opt.Limit}
	where, args := filterClause(opt.Filter, args)

	q := fmt.Sprintf(`
SELECT id, sim, src_len FROM (
  SELECT id,
         length(source) AS src_len,
         GREATEST(word_similarity($1, source_norm), similarity($1, name_norm)) AS sim
  FROM code_chunks
  WHERE ($1 <%% source_norm OR name_norm %% $1) AND %s
) c
WHERE sim >= $2
ORDER BY sim DESC, src_len ASC, id ASC
LIMIT $3`, where)

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []LexicalMatch{}
	for rows.Next() {
		var m LexicalMatch
		var sim float32
		if err := rows.Scan(&m.ID, &sim, &m.SourceLength); err != nil {
			return nil, err
		}
		m.Similarity = float64(sim)
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// VectorSearch returns the k nearest chunks to vec in the given domain.
func (s *Store) VectorSearch(ctx context.Context, domain models.Domain, vec []float32, k int, f Filter) ([]VectorMatch, error) {
	col, err := embeddingColumn(domain)
	if err != nil {
		return nil, err
	}
	if len(vec) != s.dim {
		return nil, fmt.Errorf("query vector: expected %d dimensions, got %d", s.dim, len(vec))
	}
	if k <= 0 {
		return []VectorMatch{}, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, classify(err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// An HNSW scan yields at most ef_search tuples and filters afterwards.
	// Widen it to k and let filtered scans continue past the first batch.
	if _, err := tx.Exec(ctx, vectorScanSettings(f), strconv.Itoa(efSearch(k))); err != nil {
		return nil, classify(err)
	}

	args := []any{pgvector.NewVector(vec), k}
	where, args := filterClause(f, args)

	q := fmt.Sprintf(`
SELECT id, %[1]s <=> $1 AS dist
FROM code_chunks
WHERE %[1]s IS NOT NULL AND %[2]s
ORDER BY %[1]s <=> $1, id
LIMIT $2`, col, where)

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []VectorMatch{}
	for rows.Next() {
		var m VectorMatch
		if err := rows.Scan(&m.ID, &m.Distance); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, classify(rows.Err())
}

// pgvector caps hnsw.ef_search at 1000.
const (
	minEfSearch = 40
	maxEfSearch = 1000
)

func efSearch(k int) int {
	return max(minEfSearch, min(k, maxEfSearch))
}

// vectorScanSettings returns the per-transaction settings for a vector scan
// with filter f. $1 is ef_search.
func vectorScanSettings(f Filter) string {
	q := `SELECT set_config('hnsw.ef_search', $1, true)`
	if f.Repository != "" || f.Language != "" || len(f.Kinds) > 0 || f.Complexity != nil {
		q += `, set_config('hnsw.iterative_scan', 'strict_order', true)`
	}
	return q
}

// FilterSearch lists chunk ids matching the filter in a stable order.
func (s *Store) FilterSearch(ctx context.Context, f Filter, limit int) ([]string, error) {
	if limit <= 0 {
		return []string{}, nil
	}
	args := []any{limit}
	where, args := filterClause(f, args)
	q := fmt.Sprintf(`
SELECT id FROM code_chunks
WHERE %s
ORDER BY repository, path, line_start, id
LIMIT $1`, where)

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, classify(rows.Err())
}

// GetChunks loads chunk records by id. Ids that no longer exist are simply
// absent from the result. Embeddings are not loaded.
func (s *Store) GetChunks(ctx context.Context, ids []string) (map[string]models.CodeChunk, error) {
	out := make(map[string]models.CodeChunk, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	const q = `
SELECT id, repository, path, language, kind, name, source, line_start, line_end, metadata, indexed_at
FROM code_chunks
WHERE id = ANY($1)`

	rows, err := s.pool.Query(ctx, q, ids)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	for rows.Next() {
		var c models.CodeChunk
		var kind string
		if err := rows.Scan(
			&c.ID, &c.Repository, &c.Path, &c.Language, &kind, &c.Name, &c.Source,
			&c.LineStart, &c.LineEnd, &c.Metadata, &c.IndexedAt,
		); err != nil {
			return nil, err
		}
		c.Kind = models.ChunkKind(kind)
		out[c.ID] = c
	}
	return out, classify(rows.Err())
}

// GetRepositories returns a list of all unique repositories in the database.
func (s *Store) GetRepositories(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT repository FROM code_chunks ORDER BY repository")
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var repos []string
	for rows.Next() {
		var repo string
		if err := rows.Scan(&repo); err != nil {
			return nil, err
		}
		repos = append(repos, repo)
	}

	return repos, rows.Err()
}

// Ping checks the database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	return classify(s.pool.Ping(ctx))
}

// filterClause appends the pushable filters to args and returns the SQL
// predicate. Placeholders continue after the existing args.
func filterClause(f Filter, args []any) (string, []any) {
	ai := len(args) + 1
	where := "TRUE"
	if f.Repository != "" {
		where += fmt.Sprintf(" AND repository = $%d", ai)
		args = append(args, f.Repository)
		ai++
	}
	if f.Language != "" {
		where += fmt.Sprintf(" AND language = $%d", ai)
		args = append(args, strings.ToLower(f.Language))
		ai++
	}
	if len(f.Kinds) > 0 {
		kinds := make([]string, len(f.Kinds))
		for i, k := range f.Kinds {
			kinds[i] = string(k)
		}
		where += fmt.Sprintf(" AND kind = ANY($%d)", ai)
		args = append(args, kinds)
		ai++
	}
	if r := f.Complexity; r != nil {
		if r.Min != nil {
			where += fmt.Sprintf(" AND COALESCE((metadata->>'complexity')::int, 0) >= $%d", ai)
			args = append(args, *r.Min)
			ai++
		}
		if r.Max != nil {
			where += fmt.Sprintf(" AND COALESCE((metadata->>'complexity')::int, 0) <= $%d", ai)
			args = append(args, *r.Max)
		}
	}
	return where, args
}

func embeddingColumn(d models.Domain) (string, error) {
	switch d {
	case models.DomainText:
		return "embedding_text", nil
	case models.DomainCode:
		return "embedding_code", nil
	}
	return "", fmt.Errorf("unknown embedding domain %q", d)
}

// classify marks connectivity and missing-schema failures as ErrUnavailable.
func classify(err error) error {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42P01", // undefined_table
			"42883", // undefined_function (pg_trgm / vector missing)
			"53300", // too_many_connections
			"57P01", // admin_shutdown
			"57P03": // cannot_connect_now
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return err
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.SafeToRetry(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if strings.Contains(err.Error(), "closed pool") {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

var (
	camelBoundary = regexp.MustCompile(`([a-z0-9])([A-Z])`)
	nonAlnum      = regexp.MustCompile(`[^A-Za-z0-9]+`)
)

// NormalizeText splits camelCase and snake_case identifiers into words,
// lowercases, and collapses separators to single spaces. It mirrors the
// generated source_norm/name_norm columns.
func NormalizeText(s string) string {
	s = camelBoundary.ReplaceAllString(s, "$1 $2")
	s = nonAlnum.ReplaceAllString(s, " ")
	return strings.TrimSpace(strings.ToLower(s))
}
