package ledger

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/glebarez/go-sqlite"
)

// sqliteIndex provides fast filtered queries over the ledger using SQLite.
// The JSONL files are the source of truth; the index is a queryable
// projection that can be rebuilt from them at any time.
type sqliteIndex struct {
	db *sql.DB
}

// openIndex opens (or creates) the SQLite index database.
func openIndex(path string) (*sqliteIndex, error) {
	db, err := sql.Open("sqlite", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite index %s: %w", path, err)
	}

	// WAL mode allows the CLI to query while the service appends.
	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS entries (
			seq       INTEGER PRIMARY KEY,
			ts        TEXT NOT NULL,
			actor     TEXT NOT NULL DEFAULT '',
			action    TEXT NOT NULL DEFAULT '',
			subject   TEXT NOT NULL DEFAULT '',
			detail    TEXT NOT NULL DEFAULT '',
			prev_hash TEXT NOT NULL DEFAULT '',
			hash      TEXT NOT NULL DEFAULT ''
		);
		CREATE INDEX IF NOT EXISTS idx_actor ON entries(actor);
		CREATE INDEX IF NOT EXISTS idx_action ON entries(action);
		CREATE INDEX IF NOT EXISTS idx_subject ON entries(subject);
		CREATE INDEX IF NOT EXISTS idx_ts ON entries(ts);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating sqlite schema: %w", err)
	}

	return &sqliteIndex{db: db}, nil
}

// insert adds an entry to the index. Errors are logged but don't affect
// the primary JSONL ledger — the index can always be rebuilt.
func (idx *sqliteIndex) insert(e *Entry) {
	_, err := idx.db.Exec(
		`INSERT OR REPLACE INTO entries (seq, ts, actor, action, subject, detail, prev_hash, hash)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Seq, e.Timestamp, e.Actor, string(e.Action), e.SubjectID, e.Detail, e.PrevHash, e.Hash,
	)
	if err != nil {
		slog.Error("sqlite index insert failed", "seq", e.Seq, "error", err)
	}
}

// query retrieves entries matching the given params, most recent first.
func (idx *sqliteIndex) query(params QueryParams) ([]Entry, error) {
	query := "SELECT seq, ts, actor, action, subject, detail, prev_hash, hash FROM entries WHERE 1=1"
	var args []any

	if params.Actor != "" {
		query += " AND actor = ?"
		args = append(args, params.Actor)
	}
	if params.Action != "" {
		query += " AND action = ?"
		args = append(args, string(params.Action))
	}
	if params.Subject != "" {
		query += " AND subject = ?"
		args = append(args, params.Subject)
	}
	if params.Since != "" {
		// Since is an ISO timestamp string, computed by the caller.
		query += " AND ts >= ?"
		args = append(args, params.Since)
	}

	query += " ORDER BY seq DESC"

	if params.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, params.Limit)
	}

	rows, err := idx.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying sqlite index: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var action string
		err := rows.Scan(&e.Seq, &e.Timestamp, &e.Actor, &action, &e.SubjectID, &e.Detail, &e.PrevHash, &e.Hash)
		if err != nil {
			return nil, fmt.Errorf("scanning sqlite row: %w", err)
		}
		e.Action = Action(action)
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// tail returns the N most recent entries from the index.
func (idx *sqliteIndex) tail(limit int) ([]Entry, error) {
	return idx.query(QueryParams{Limit: limit})
}

// lastSeq returns the highest sequence number in the index, or false if
// the index is empty.
func (idx *sqliteIndex) lastSeq() (uint64, bool) {
	var seq sql.NullInt64
	err := idx.db.QueryRow("SELECT MAX(seq) FROM entries").Scan(&seq)
	if err != nil || !seq.Valid {
		return 0, false
	}
	return uint64(seq.Int64), true
}

// close closes the SQLite database connection.
func (idx *sqliteIndex) close() error {
	return idx.db.Close()
}
