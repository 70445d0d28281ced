package ledger

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned by Open when another process already holds the
// ledger directory's writer lock.
var ErrLocked = errors.New("ledger is locked by another process")

// ErrReadOnly is returned by Append on a ledger opened with OpenReadOnly.
var ErrReadOnly = errors.New("ledger is read-only")

// QueryParams defines filters for querying the ledger.
// All fields are optional — empty/zero values mean "no filter".
type QueryParams struct {
	Actor   string // Filter by actor (exact match).
	Action  Action // Filter by action tag.
	Subject string // Filter by subject ID (exact match).
	Since   string // ISO timestamp or duration string (e.g. "1h", "24h").
	Limit   int    // Maximum entries to return.
}

// Ledger manages the hash-chained, append-only custody ledger.
//
// Storage layout:
//
//	<data-dir>/ledger/
//	├── 2026-09-01.jsonl    # Today's entries (append-only)
//	└── index.db            # SQLite index for fast queries
//
// The JSONL files are the source of truth; the SQLite index is a
// queryable projection that can be rebuilt from them.
//
// Thread-safe — Append serializes callers so that "read latest hash,
// compute new hash, write" is one atomic step. Two concurrent appends can
// never chain from the same predecessor, which is what keeps the chain a
// total order rather than a fork.
//
// The same guarantee holds across processes: Open takes an exclusive
// flock on the ledger directory, so a second writer (say, a CLI command
// against a data dir a running server already holds) fails fast with
// ErrLocked instead of forking the chain from stale in-memory state.
// OpenReadOnly skips the lock for read-only access alongside a live
// writer.
type Ledger struct {
	mu       sync.Mutex
	dir      string       // Path to the ledger directory.
	nextSeq  uint64       // Sequence number of the next entry.
	lastHash string       // Hash of the last entry (genesis sentinel when empty).
	index    *sqliteIndex // SQLite index for fast queries.
	file     *os.File     // Currently open daily JSONL file.
	fileDate string       // Date string of the currently open file (YYYY-MM-DD).
	lock     *flock.Flock // Process-level writer lock (nil when read-only).
	readOnly bool
}

// Open opens or creates a ledger in the given directory, taking the
// exclusive writer lock. On restart it scans existing JSONL files so the
// chain continues from the last appended entry. Returns ErrLocked when
// another process holds the directory.
func Open(dir string) (*Ledger, error) {
	return open(dir, false)
}

// OpenReadOnly opens the ledger without the writer lock. Appends are
// rejected with ErrReadOnly; reads are safe alongside a live writer.
func OpenReadOnly(dir string) (*Ledger, error) {
	return open(dir, true)
}

func open(dir string, readOnly bool) (*Ledger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
	}

	l := &Ledger{
		dir:      dir,
		lastHash: GenesisHash,
		readOnly: readOnly,
	}

	if !readOnly {
		// One writer per data dir. A second writer would append from a
		// stale predecessor and fork the chain, so it must not get past
		// Open.
		lk := flock.New(filepath.Join(dir, "ledger.lock"))
		locked, err := lk.TryLock()
		if err != nil {
			return nil, fmt.Errorf("locking ledger directory %s: %w", dir, err)
		}
		if !locked {
			return nil, fmt.Errorf("ledger directory %s: %w", dir, ErrLocked)
		}
		l.lock = lk
	}

	idx, err := openIndex(filepath.Join(dir, "index.db"))
	if err != nil {
		l.unlock()
		return nil, fmt.Errorf("opening ledger index: %w", err)
	}
	l.index = idx

	if err := l.recoverState(); err != nil {
		idx.close()
		l.unlock()
		return nil, err
	}

	slog.Info("ledger opened", "dir", dir, "next_seq", l.nextSeq, "read_only", readOnly)
	return l, nil
}

func (l *Ledger) unlock() {
	if l.lock != nil {
		l.lock.Unlock()
	}
}

// Close flushes and closes the ledger file and SQLite index.
func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var errs []error
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.index != nil {
		if err := l.index.close(); err != nil {
			errs = append(errs, err)
		}
	}
	if l.lock != nil {
		if err := l.lock.Unlock(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("closing ledger: %v", errs)
	}
	return nil
}

// Append binds a new entry to the chain and persists it. The sequence
// number, timestamp, predecessor hash, and content hash are all assigned
// here, under the lock. A persistence failure aborts the append — the
// in-memory chain state only advances after the entry is durable.
func (l *Ledger) Append(actor string, action Action, subjectID, detail string) (Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.readOnly {
		return Entry{}, fmt.Errorf("appending ledger entry: %w", ErrReadOnly)
	}

	e := Entry{
		Seq:       l.nextSeq,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Actor:     actor,
		Action:    action,
		SubjectID: subjectID,
		Detail:    detail,
		PrevHash:  l.lastHash,
	}
	e.Hash = computeHash(&e)

	if err := l.writeToFile(&e); err != nil {
		return Entry{}, fmt.Errorf("appending ledger entry: %w", err)
	}

	// Update the SQLite index (errors logged internally — the JSONL
	// write above is the durability point).
	if l.index != nil {
		l.index.insert(&e)
	}

	l.nextSeq++
	l.lastHash = e.Hash
	return e, nil
}

// Latest returns the most recent entry, or false if the ledger is empty.
func (l *Ledger) Latest() (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.nextSeq == 0 {
		return Entry{}, false
	}
	files, err := l.listFiles()
	if err != nil || len(files) == 0 {
		return Entry{}, false
	}
	last, err := readLastEntry(files[len(files)-1])
	if err != nil || last == nil {
		return Entry{}, false
	}
	return *last, true
}

// All returns every entry, oldest first.
func (l *Ledger) All() ([]Entry, error) {
	return l.readAllEntries(0)
}

// Tail returns the N most recent entries, newest first.
func (l *Ledger) Tail(limit int) ([]Entry, error) {
	if l.index != nil {
		return l.index.tail(limit)
	}
	entries, err := l.readAllEntries(limit)
	if err != nil {
		return nil, err
	}
	reverseEntries(entries)
	return entries, nil
}

// Query retrieves entries matching the given filter parameters, most
// recent first. Uses the SQLite index when available.
func (l *Ledger) Query(params QueryParams) ([]Entry, error) {
	// Convert "since" duration strings (e.g. "1h", "24h") to ISO timestamps.
	if params.Since != "" && !strings.Contains(params.Since, "T") {
		d, err := time.ParseDuration(params.Since)
		if err != nil {
			return nil, fmt.Errorf("invalid since duration %q: %w", params.Since, err)
		}
		params.Since = time.Now().UTC().Add(-d).Format(time.RFC3339Nano)
	}

	if l.index != nil {
		return l.index.query(params)
	}
	return l.readAllEntriesFiltered(params)
}

// VerifyChain reads the full history and verifies hash chain integrity.
// Read-only — safe to run while appends continue.
func (l *Ledger) VerifyChain() (VerifyResult, error) {
	entries, err := l.readAllEntries(0)
	if err != nil {
		return VerifyResult{}, fmt.Errorf("reading entries for verification: %w", err)
	}
	return VerifyEntries(entries), nil
}

// Export writes all entries to the given writer in the specified format.
// Supported formats: "jsonl" (default), "json", "csv".
func (l *Ledger) Export(w io.Writer, format string) error {
	entries, err := l.readAllEntries(0)
	if err != nil {
		return fmt.Errorf("reading entries for export: %w", err)
	}

	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)

	case "csv":
		cw := csv.NewWriter(w)
		defer cw.Flush()
		if err := cw.Write([]string{"seq", "ts", "actor", "action", "subject", "detail", "prev_hash", "hash"}); err != nil {
			return err
		}
		for _, e := range entries {
			if err := cw.Write([]string{
				fmt.Sprintf("%d", e.Seq),
				e.Timestamp,
				e.Actor,
				string(e.Action),
				e.SubjectID,
				e.Detail,
				e.PrevHash,
				e.Hash,
			}); err != nil {
				return err
			}
		}
		return nil

	case "jsonl", "":
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("unsupported export format: %s (use json, jsonl, or csv)", format)
	}
}

// writeToFile appends the entry as a single JSON line to today's JSONL
// file, rotating to a new file when the UTC date changes.
func (l *Ledger) writeToFile(e *Entry) error {
	today := time.Now().UTC().Format("2006-01-02")

	if l.file == nil || l.fileDate != today {
		if l.file != nil {
			l.file.Close()
		}

		path := filepath.Join(l.dir, today+".jsonl")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening ledger file %s: %w", path, err)
		}
		l.file = f
		l.fileDate = today
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling ledger entry: %w", err)
	}

	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing ledger entry: %w", err)
	}

	// Flush immediately — ledger entries must survive crashes.
	return l.file.Sync()
}

// recoverState scans existing JSONL files for the last seq and hash so
// the chain continues correctly after a restart.
func (l *Ledger) recoverState() error {
	files, err := l.listFiles()
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return nil
	}

	// Files are date-named, so lexical order is chronological. Only the
	// last entry of the newest file is needed to continue the chain.
	lastFile := files[len(files)-1]
	last, err := readLastEntry(lastFile)
	if err != nil {
		return fmt.Errorf("recovering ledger state from %s: %w", lastFile, err)
	}

	if last != nil {
		l.nextSeq = last.Seq + 1
		l.lastHash = last.Hash

		// Re-index entries the SQLite index may have missed (e.g. a crash
		// between the JSONL write and the index insert). Read-only opens
		// leave the index to the writer process.
		if l.index != nil && !l.readOnly {
			l.reindex(files)
		}
	}

	return nil
}

// reindex scans JSONL files and inserts any entries missing from the
// SQLite index.
func (l *Ledger) reindex(files []string) {
	indexLastSeq, indexed := l.index.lastSeq()

	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			slog.Error("reindex: error reading file", "file", file, "error", err)
			continue
		}
		for i := range entries {
			if !indexed || entries[i].Seq > indexLastSeq {
				l.index.insert(&entries[i])
			}
		}
	}
}

// listFiles returns the ledger's JSONL files in chronological order.
func (l *Ledger) listFiles() ([]string, error) {
	files, err := filepath.Glob(filepath.Join(l.dir, "*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("listing ledger files: %w", err)
	}
	return files, nil
}

// readLastEntry reads the last non-empty line from a JSONL file and
// parses it as an Entry. Returns nil if the file is empty.
func readLastEntry(path string) (*Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lastLine string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) != "" {
			lastLine = line
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if lastLine == "" {
		return nil, nil
	}

	var entry Entry
	if err := json.Unmarshal([]byte(lastLine), &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// readEntriesFromFile reads all entries from a single JSONL file.
func readEntriesFromFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			slog.Warn("skipping malformed ledger entry", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// readAllEntries reads entries from all JSONL files, oldest first. If
// limit > 0, returns only the last N entries.
func (l *Ledger) readAllEntries(limit int) ([]Entry, error) {
	files, err := l.listFiles()
	if err != nil {
		return nil, err
	}

	var all []Entry
	for _, file := range files {
		entries, err := readEntriesFromFile(file)
		if err != nil {
			return nil, err
		}
		all = append(all, entries...)
	}

	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	return all, nil
}

// reverseEntries flips a slice in place. The JSONL files hold entries
// oldest first; query results are reported newest first like the index.
func reverseEntries(entries []Entry) {
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
}

// readAllEntriesFiltered reads all entries and applies filters in
// memory, newest first. Used as a fallback when the SQLite index is
// unavailable.
func (l *Ledger) readAllEntriesFiltered(params QueryParams) ([]Entry, error) {
	entries, err := l.readAllEntries(0)
	if err != nil {
		return nil, err
	}

	var filtered []Entry
	for _, e := range entries {
		if params.Actor != "" && e.Actor != params.Actor {
			continue
		}
		if params.Action != "" && e.Action != params.Action {
			continue
		}
		if params.Subject != "" && e.SubjectID != params.Subject {
			continue
		}
		if params.Since != "" && e.Timestamp < params.Since {
			continue
		}
		filtered = append(filtered, e)
	}

	if params.Limit > 0 && len(filtered) > params.Limit {
		filtered = filtered[len(filtered)-params.Limit:]
	}
	reverseEntries(filtered)
	return filtered, nil
}
