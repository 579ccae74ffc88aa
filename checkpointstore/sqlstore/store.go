// Package sqlstore persists checkpoints through database/sql.
//
// Three tables hold a thread: checkpoints (one row per checkpoint),
// checkpoint_blobs (the message history payload) and checkpoint_writes (the
// pending tool call, retrieval request and reply payloads). SQLite is served
// by modernc.org/sqlite and Postgres by github.com/lib/pq.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"time"

	"github.com/Gurpartap/agentgraph/agent"
)

const (
	DefaultMaxOpenConns = 5
	DefaultPageSize     = 32

	channelMessages        = "messages"
	channelPendingToolCall = "pending_tool_call"
	channelRetrieval       = "retrieval"
	channelReply           = "reply"
)

// Options tunes pool and paging behavior.
type Options struct {
	// MaxOpenConns bounds the Postgres pool; callers queue when it is
	// exhausted. SQLite always uses a single connection.
	MaxOpenConns int
	// PageSize is the number of checkpoints History reads per query.
	PageSize int
}

// Store implements agent.CheckpointStore.
type Store struct {
	db       *sql.DB
	dialect  Dialect
	pageSize int

	// hook runs after each write statement inside a transaction. Tests use it
	// to inject failures.
	hook func(stage string) error
}

var _ agent.CheckpointStore = (*Store)(nil)

// Open connects to dsn, applies connection settings and migrates the schema.
func Open(ctx context.Context, dialect Dialect, dsn string, opts Options) (*Store, error) {
	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", dialect, err)
	}

	switch dialect {
	case DialectSQLite:
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		for _, pragma := range []string{`PRAGMA journal_mode=WAL;`, `PRAGMA busy_timeout=5000;`} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				_ = db.Close()
				return nil, fmt.Errorf("sqlite %s: %w", pragma, err)
			}
		}
	default:
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = DefaultMaxOpenConns
		}
		db.SetMaxOpenConns(maxOpen)
		db.SetMaxIdleConns(maxOpen)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", dialect, err)
	}
	store, err := New(db, dialect, opts)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing pool. The caller owns db unless Close is called.
func New(db *sql.DB, dialect Dialect, opts Options) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: nil db")
	}
	if _, err := ParseDialect(string(dialect)); err != nil {
		return nil, err
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	return &Store{db: db, dialect: dialect, pageSize: pageSize}, nil
}

// DB exposes the pool so sibling stores share one bounded set of connections.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect reports the store's SQL dialect.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Migrate creates the checkpoint tables when missing.
func (s *Store) Migrate(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migrate: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, statement := range schema(s.dialect) {
		if _, err := tx.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("migrate: commit: %w", err)
	}
	return nil
}

const insertCheckpointSQL = `
INSERT INTO checkpoints (thread_id, seq, parent_seq, turn, node, pending_node, fingerprint, reply_source, attachment, created_at)
SELECT CAST(? AS TEXT), CAST(? AS BIGINT), CAST(? AS BIGINT), CAST(? AS INTEGER), CAST(? AS TEXT),
       CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS TEXT), CAST(? AS BIGINT)
WHERE (SELECT COALESCE(MAX(seq), -1) FROM checkpoints WHERE thread_id = ?) = ?
`

// Append inserts the checkpoint row and its payloads in one transaction. The
// row is only written when its sequence directly follows the stored latest.
func (s *Store) Append(ctx context.Context, checkpoint agent.Checkpoint) error {
	if err := agent.ValidateCheckpoint(checkpoint); err != nil {
		return err
	}
	payloads, err := encodePayloads(checkpoint)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx, s.dialect.Rebind(insertCheckpointSQL),
		string(checkpoint.ThreadID),
		checkpoint.Seq,
		checkpoint.Parent,
		checkpoint.Turn,
		string(checkpoint.Node),
		string(checkpoint.PendingNode),
		checkpoint.Fingerprint,
		checkpoint.ReplySource,
		checkpoint.Attachment,
		checkpoint.CreatedAt.UTC().UnixMicro(),
		string(checkpoint.ThreadID),
		checkpoint.Seq-1,
	)
	if err != nil {
		if IsUniqueViolation(err) {
			return s.conflict(checkpoint, err)
		}
		return fmt.Errorf("append: insert checkpoint: %w", err)
	}
	inserted, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("append: rows affected: %w", err)
	}
	if inserted == 0 {
		return s.conflict(checkpoint, nil)
	}
	if err := s.runHook("append:checkpoints"); err != nil {
		return err
	}

	for _, payload := range payloads {
		query := `INSERT INTO ` + payload.table + ` (thread_id, seq, channel, payload) VALUES (?, ?, ?, ?)`
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(query),
			string(checkpoint.ThreadID),
			checkpoint.Seq,
			payload.channel,
			payload.body,
		); err != nil {
			if IsUniqueViolation(err) {
				return s.conflict(checkpoint, err)
			}
			return fmt.Errorf("append: insert %s/%s: %w", payload.table, payload.channel, err)
		}
		if err := s.runHook("append:" + payload.table); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		if IsUniqueViolation(err) {
			return s.conflict(checkpoint, err)
		}
		return fmt.Errorf("append: commit: %w", err)
	}
	return nil
}

func (s *Store) conflict(checkpoint agent.Checkpoint, cause error) error {
	if cause != nil {
		return fmt.Errorf("%w: thread %q seq %d: %w", agent.ErrSequenceConflict, checkpoint.ThreadID, checkpoint.Seq, cause)
	}
	return fmt.Errorf("%w: thread %q seq %d does not follow latest", agent.ErrSequenceConflict, checkpoint.ThreadID, checkpoint.Seq)
}

const selectCheckpointsSQL = `
SELECT c.seq, c.parent_seq, c.turn, c.node, c.pending_node, c.fingerprint, c.reply_source, c.attachment, c.created_at,
       b.payload, wc.payload, wr.payload, wy.payload
FROM checkpoints c
LEFT JOIN checkpoint_blobs b ON b.thread_id = c.thread_id AND b.seq = c.seq AND b.channel = 'messages'
LEFT JOIN checkpoint_writes wc ON wc.thread_id = c.thread_id AND wc.seq = c.seq AND wc.channel = 'pending_tool_call'
LEFT JOIN checkpoint_writes wr ON wr.thread_id = c.thread_id AND wr.seq = c.seq AND wr.channel = 'retrieval'
LEFT JOIN checkpoint_writes wy ON wy.thread_id = c.thread_id AND wy.seq = c.seq AND wy.channel = 'reply'
WHERE c.thread_id = ? AND c.seq < ?
ORDER BY c.seq DESC
LIMIT ?
`

func (s *Store) Latest(ctx context.Context, threadID agent.ThreadID) (agent.Checkpoint, error) {
	page, err := s.page(ctx, threadID, math.MaxInt64, 1)
	if err != nil {
		return agent.Checkpoint{}, err
	}
	if len(page) == 0 {
		return agent.Checkpoint{}, fmt.Errorf("%w: %q", agent.ErrThreadNotFound, threadID)
	}
	return page[0], nil
}

// History pages newest first with a keyset cursor on seq. Each page is read
// fully before it is yielded, so consumers may call the store while iterating.
func (s *Store) History(ctx context.Context, threadID agent.ThreadID) iter.Seq2[agent.Checkpoint, error] {
	return func(yield func(agent.Checkpoint, error) bool) {
		cursor := int64(math.MaxInt64)
		for {
			page, err := s.page(ctx, threadID, cursor, s.pageSize)
			if err != nil {
				yield(agent.Checkpoint{}, err)
				return
			}
			for _, checkpoint := range page {
				if !yield(checkpoint, nil) {
					return
				}
			}
			if len(page) < s.pageSize {
				return
			}
			cursor = page[len(page)-1].Seq
		}
	}
}

func (s *Store) page(ctx context.Context, threadID agent.ThreadID, before int64, limit int) ([]agent.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(selectCheckpointsSQL), string(threadID), before, limit)
	if err != nil {
		return nil, fmt.Errorf("query checkpoints thread %q: %w", threadID, err)
	}
	defer rows.Close()

	out := make([]agent.Checkpoint, 0, limit)
	for rows.Next() {
		var (
			checkpoint agent.Checkpoint
			node       string
			pending    string
			createdAt  int64
			messages   sql.NullString
			call       sql.NullString
			retrieval  sql.NullString
			reply      sql.NullString
		)
		if err := rows.Scan(
			&checkpoint.Seq,
			&checkpoint.Parent,
			&checkpoint.Turn,
			&node,
			&pending,
			&checkpoint.Fingerprint,
			&checkpoint.ReplySource,
			&checkpoint.Attachment,
			&createdAt,
			&messages,
			&call,
			&retrieval,
			&reply,
		); err != nil {
			return nil, fmt.Errorf("scan checkpoint thread %q: %w", threadID, err)
		}
		checkpoint.ThreadID = threadID
		checkpoint.Node = agent.Node(node)
		checkpoint.PendingNode = agent.Node(pending)
		checkpoint.CreatedAt = time.UnixMicro(createdAt).UTC()
		if err := decodePayloads(&checkpoint, messages, call, retrieval, reply); err != nil {
			return nil, err
		}
		out = append(out, checkpoint)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate checkpoints thread %q: %w", threadID, err)
	}
	return out, nil
}

// DeleteThread removes the thread from all three tables in one transaction.
// Any failure rolls back and leaves the thread intact.
func (s *Store) DeleteThread(ctx context.Context, threadID agent.ThreadID) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("delete thread: begin: %w", err)
	}
	defer func() {
		if err != nil {
			if rollbackErr := tx.Rollback(); rollbackErr != nil && !errors.Is(rollbackErr, sql.ErrTxDone) {
				err = errors.Join(err, fmt.Errorf("rollback: %w", rollbackErr))
			}
		}
	}()

	for _, table := range []string{"checkpoint_writes", "checkpoint_blobs", "checkpoints"} {
		if _, err := tx.ExecContext(ctx, s.dialect.Rebind(`DELETE FROM `+table+` WHERE thread_id = ?`), string(threadID)); err != nil {
			return fmt.Errorf("delete thread %q from %s: %w", threadID, table, err)
		}
		if err := s.runHook("delete:" + table); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("delete thread: commit: %w", err)
	}
	return nil
}

func (s *Store) runHook(stage string) error {
	if s.hook == nil {
		return nil
	}
	if err := s.hook(stage); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}

type payload struct {
	table   string
	channel string
	body    string
}

func encodePayloads(checkpoint agent.Checkpoint) ([]payload, error) {
	messages := checkpoint.Messages
	if messages == nil {
		messages = []agent.Message{}
	}
	out := make([]payload, 0, 4)
	add := func(table, channel string, value any) error {
		body, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode %s: %w", channel, err)
		}
		out = append(out, payload{table: table, channel: channel, body: string(body)})
		return nil
	}

	if err := add("checkpoint_blobs", channelMessages, messages); err != nil {
		return nil, err
	}
	if checkpoint.PendingToolCall != nil {
		if err := add("checkpoint_writes", channelPendingToolCall, checkpoint.PendingToolCall); err != nil {
			return nil, err
		}
	}
	if checkpoint.Retrieval != nil {
		if err := add("checkpoint_writes", channelRetrieval, checkpoint.Retrieval); err != nil {
			return nil, err
		}
	}
	if checkpoint.Reply != nil {
		if err := add("checkpoint_writes", channelReply, checkpoint.Reply); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func decodePayloads(checkpoint *agent.Checkpoint, messages, call, retrieval, reply sql.NullString) error {
	decode := func(channel string, raw sql.NullString, target any) error {
		if !raw.Valid {
			return nil
		}
		if err := json.Unmarshal([]byte(raw.String), target); err != nil {
			return fmt.Errorf("decode %s thread %q seq %d: %w", channel, checkpoint.ThreadID, checkpoint.Seq, err)
		}
		return nil
	}

	if err := decode(channelMessages, messages, &checkpoint.Messages); err != nil {
		return err
	}
	if call.Valid {
		checkpoint.PendingToolCall = &agent.ToolCall{}
		if err := decode(channelPendingToolCall, call, checkpoint.PendingToolCall); err != nil {
			return err
		}
	}
	if retrieval.Valid {
		checkpoint.Retrieval = &agent.RetrievalRequest{}
		if err := decode(channelRetrieval, retrieval, checkpoint.Retrieval); err != nil {
			return err
		}
	}
	if reply.Valid {
		checkpoint.Reply = &agent.Reply{}
		if err := decode(channelReply, reply, checkpoint.Reply); err != nil {
			return err
		}
	}
	return nil
}
