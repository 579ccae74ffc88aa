package sqlstore

func schema(dialect Dialect) []string {
	bigint := "BIGINT"
	if dialect == DialectSQLite {
		bigint = "INTEGER"
	}
	return []string{
		`CREATE TABLE IF NOT EXISTS checkpoints (
	thread_id    TEXT NOT NULL,
	seq          ` + bigint + ` NOT NULL,
	parent_seq   ` + bigint + ` NOT NULL,
	turn         INTEGER NOT NULL,
	node         TEXT NOT NULL,
	pending_node TEXT NOT NULL,
	fingerprint  TEXT NOT NULL DEFAULT '',
	reply_source TEXT NOT NULL DEFAULT '',
	attachment   TEXT NOT NULL DEFAULT '',
	created_at   ` + bigint + ` NOT NULL,
	PRIMARY KEY (thread_id, seq)
)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_blobs (
	thread_id TEXT NOT NULL,
	seq       ` + bigint + ` NOT NULL,
	channel   TEXT NOT NULL,
	payload   TEXT NOT NULL,
	PRIMARY KEY (thread_id, seq, channel)
)`,
		`CREATE TABLE IF NOT EXISTS checkpoint_writes (
	thread_id TEXT NOT NULL,
	seq       ` + bigint + ` NOT NULL,
	channel   TEXT NOT NULL,
	payload   TEXT NOT NULL,
	PRIMARY KEY (thread_id, seq, channel)
)`,
	}
}
