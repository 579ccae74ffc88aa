// Package retrieval serves portfolio passages to the engine's Retrieve node.
//
// Passages live in a passages table next to the checkpoint tables. Vectors
// are stored as little-endian float32 blobs and ranked by cosine similarity
// in process, which is plenty for a corpus of a few hundred records.
package retrieval

import (
	"cmp"
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/Gurpartap/agentgraph/agent"
	"github.com/Gurpartap/agentgraph/checkpointstore/sqlstore"
)

const DefaultIngestConcurrency = 4

// passageNamespace scopes deterministic passage ids so re-ingesting a
// manifest updates rows instead of duplicating them.
var passageNamespace = uuid.MustParse("0d9f3f7a-77a4-4f0e-9a53-1f1c6f2c8b44")

// Document is one record to ingest.
type Document struct {
	Source  string
	Title   string
	Content string
}

// ID derives the stable passage id for the document.
func (d Document) ID() string {
	return uuid.NewSHA1(passageNamespace, []byte(d.Source+"\x00"+d.Title)).String()
}

func (d Document) text() string {
	if d.Title == "" {
		return strings.TrimSpace(d.Content)
	}
	return d.Title + "\n" + strings.TrimSpace(d.Content)
}

// Index implements agent.Retriever over the passages table.
type Index struct {
	db       *sql.DB
	dialect  sqlstore.Dialect
	embedder Embedder
	logger   *slog.Logger
	now      func() time.Time
}

var _ agent.Retriever = (*Index)(nil)

func NewIndex(db *sql.DB, dialect sqlstore.Dialect, embedder Embedder, logger *slog.Logger) (*Index, error) {
	if db == nil {
		return nil, errors.New("new index: nil db")
	}
	if embedder == nil {
		return nil, errors.New("new index: nil embedder")
	}
	if _, err := sqlstore.ParseDialect(string(dialect)); err != nil {
		return nil, fmt.Errorf("new index: %w", err)
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Index{db: db, dialect: dialect, embedder: embedder, logger: logger, now: time.Now}, nil
}

// Migrate creates the passages table when missing.
func (x *Index) Migrate(ctx context.Context) error {
	blob, bigint := "BYTEA", "BIGINT"
	if x.dialect == sqlstore.DialectSQLite {
		blob, bigint = "BLOB", "INTEGER"
	}
	_, err := x.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS passages (
	id         TEXT PRIMARY KEY,
	source     TEXT NOT NULL,
	title      TEXT NOT NULL DEFAULT '',
	content    TEXT NOT NULL,
	embedder   TEXT NOT NULL,
	embedding  `+blob+` NOT NULL,
	updated_at `+bigint+` NOT NULL
)`)
	if err != nil {
		return fmt.Errorf("retrieval migrate: %w", err)
	}
	return nil
}

// Ingest embeds and upserts documents. Embedding runs concurrently; the
// first failure cancels the rest.
func (x *Index) Ingest(ctx context.Context, documents []Document, concurrency int) (int, error) {
	if concurrency <= 0 {
		concurrency = DefaultIngestConcurrency
	}
	for i, document := range documents {
		if strings.TrimSpace(document.Content) == "" {
			return 0, fmt.Errorf("ingest: document %d (%s) has no text", i, document.Title)
		}
	}
	vectors := make([][]float32, len(documents))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(concurrency)
	for i, document := range documents {
		group.Go(func() error {
			embedded, err := x.embedder.Embed(groupCtx, []string{document.text()}, TaskDocument)
			if err != nil {
				return fmt.Errorf("embed %q: %w", document.Title, err)
			}
			vectors[i] = embedded[0]
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return 0, fmt.Errorf("ingest: %w", err)
	}

	tx, err := x.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("ingest: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	upsert := x.dialect.Rebind(`INSERT INTO passages (id, source, title, content, embedder, embedding, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO UPDATE SET
	content = excluded.content,
	embedder = excluded.embedder,
	embedding = excluded.embedding,
	updated_at = excluded.updated_at`)
	updatedAt := x.now().UTC().UnixMicro()
	for i, document := range documents {
		if _, err := tx.ExecContext(ctx, upsert,
			document.ID(),
			document.Source,
			document.Title,
			strings.TrimSpace(document.Content),
			x.embedder.Name(),
			encodeVector(vectors[i]),
			updatedAt,
		); err != nil {
			return 0, fmt.Errorf("ingest %q: %w", document.Title, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("ingest: commit: %w", err)
	}
	x.logger.InfoContext(ctx, "ingested passages",
		slog.Int("count", len(documents)),
		slog.String("embedder", x.embedder.Name()),
	)
	return len(documents), nil
}

// Retrieve returns the k passages most similar to query, best first.
// Passages embedded by a different embedder are skipped.
func (x *Index) Retrieve(ctx context.Context, query string, k int) ([]agent.Passage, error) {
	if k <= 0 {
		return nil, nil
	}
	embedded, err := x.embedder.Embed(ctx, []string{query}, TaskQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	target := embedded[0]

	rows, err := x.db.QueryContext(ctx, x.dialect.Rebind(
		`SELECT id, source, title, content, embedding FROM passages WHERE embedder = ?`,
	), x.embedder.Name())
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer rows.Close()

	var ranked []agent.Passage
	for rows.Next() {
		var (
			passage agent.Passage
			title   string
			raw     []byte
		)
		if err := rows.Scan(&passage.ID, &passage.Source, &title, &passage.Content, &raw); err != nil {
			return nil, fmt.Errorf("scan passage: %w", err)
		}
		vector, err := decodeVector(raw)
		if err != nil {
			x.logger.WarnContext(ctx, "skipping corrupt passage", slog.String("id", passage.ID), slog.Any("error", err))
			continue
		}
		if title != "" {
			passage.Content = title + ": " + passage.Content
		}
		passage.Score = cosine(target, vector)
		ranked = append(ranked, passage)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}

	slices.SortStableFunc(ranked, func(a, b agent.Passage) int {
		return cmp.Compare(b.Score, a.Score)
	})
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}

// Count reports how many passages the index holds.
func (x *Index) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count passages: %w", err)
	}
	return n, nil
}

func encodeVector(vector []float32) []byte {
	out := make([]byte, 4*len(vector))
	for i, v := range vector {
		binary.LittleEndian.PutUint32(out[4*i:], math.Float32bits(v))
	}
	return out
}

func decodeVector(raw []byte) ([]float32, error) {
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector blob length %d is not a multiple of 4", len(raw))
	}
	out := make([]float32, len(raw)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return out, nil
}
