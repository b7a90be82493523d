package storage

import (
	"database/sql"
	"embed"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeFormat is RFC 3339 with fixed-width nanoseconds so the TEXT columns
// sort chronologically under lexicographic ORDER BY.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// Store wraps a SQLite database holding the task queue, documents, and
// segment embeddings.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending
// migrations. Pass ":memory:" as dataDir for an in-memory database (used by
// tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "memoir.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors. The
	// single writer also serializes concurrent claims (see ClaimNext).
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for components that share the database.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't
// been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var version int
		if _, err := fmt.Sscanf(entry.Name(), "%d_", &version); err != nil {
			return fmt.Errorf("parsing migration version from %q: %w", entry.Name(), err)
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

// --- Queue ---

const taskColumns = "id, collection, task_type, payload, status, error, num_retries, task_output, created_at, updated_at"

// Enqueue inserts a Queued row and returns it with the generated id.
func (s *Store) Enqueue(collection string, taskType TaskType, payload TaskPayload) (Task, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return Task{}, fmt.Errorf("marshaling payload: %w", err)
	}

	now := time.Now().UTC().Format(timeFormat)
	res, err := s.db.Exec(`
		INSERT INTO queue (collection, task_type, payload, status, num_retries, created_at, updated_at)
		VALUES (?, ?, ?, ?, 0, ?, ?)`,
		collection, string(taskType), string(payloadJSON), string(StatusQueued), now, now,
	)
	if err != nil {
		return Task{}, fmt.Errorf("inserting task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return Task{}, fmt.Errorf("reading task id: %w", err)
	}
	return s.GetTask(id)
}

// ClaimNext atomically transitions the oldest Queued row to Processing and
// returns it. Ties on created_at break by ascending id. Returns nil when no
// Queued row exists.
//
// The claim is a single UPDATE RETURNING statement; SQLite's single-writer
// serialization makes it safe under concurrent schedulers.
func (s *Store) ClaimNext() (*Task, error) {
	now := time.Now().UTC().Format(timeFormat)
	row := s.db.QueryRow(`
		UPDATE queue
		SET status = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM queue
			WHERE status = ?
			ORDER BY created_at ASC, id ASC
			LIMIT 1
		)
		RETURNING `+taskColumns,
		string(StatusProcessing), now, string(StatusQueued),
	)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claiming task: %w", err)
	}
	return &task, nil
}

// MarkDone sets status=Completed and stores the handler's structured output.
func (s *Store) MarkDone(id int64, output []byte) error {
	now := time.Now().UTC().Format(timeFormat)

	var outputArg any
	if len(output) > 0 {
		outputArg = string(output)
	}
	res, err := s.db.Exec(`UPDATE queue SET status = ?, task_output = ?, updated_at = ? WHERE id = ?`,
		string(StatusCompleted), outputArg, now, id)
	if err != nil {
		return fmt.Errorf("marking task %d done: %w", id, err)
	}
	return checkAffected(res)
}

// MarkFailed records a failure. When retry is true and the retry budget is
// not exhausted, the row re-enters the queue with num_retries incremented;
// created_at is untouched so the task keeps its place in the FIFO.
func (s *Store) MarkFailed(id int64, retry bool, taskErr TaskError) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var numRetries int
	err = tx.QueryRow(`SELECT num_retries FROM queue WHERE id = ?`, id).Scan(&numRetries)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading task %d: %w", id, err)
	}

	errJSON, err := json.Marshal(taskErr)
	if err != nil {
		return fmt.Errorf("marshaling task error: %w", err)
	}

	now := time.Now().UTC().Format(timeFormat)
	if retry && numRetries < MaxRetries {
		_, err = tx.Exec(`UPDATE queue SET status = ?, num_retries = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(StatusQueued), numRetries+1, string(errJSON), now, id)
	} else {
		_, err = tx.Exec(`UPDATE queue SET status = ?, error = ?, updated_at = ? WHERE id = ?`,
			string(StatusFailed), string(errJSON), now, id)
	}
	if err != nil {
		return fmt.Errorf("updating task %d: %w", id, err)
	}

	return tx.Commit()
}

// GetTask reads one queue row by id.
func (s *Store) GetTask(id int64) (Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM queue WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return Task{}, ErrNotFound
	}
	if err != nil {
		return Task{}, fmt.Errorf("reading task %d: %w", id, err)
	}
	return task, nil
}

// RequeueStale moves Processing rows whose updated_at is older than the
// lease back to Queued without touching num_retries. Rows stranded by a
// worker that died are picked up again by the scheduler.
func (s *Store) RequeueStale(lease time.Duration) (int64, error) {
	now := time.Now().UTC()
	cutoff := now.Add(-lease).Format(timeFormat)
	res, err := s.db.Exec(`UPDATE queue SET status = ?, updated_at = ? WHERE status = ? AND updated_at < ?`,
		string(StatusQueued), now.Format(timeFormat), string(StatusProcessing), cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeueing stale tasks: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns how many queue rows hold the given status.
func (s *Store) CountByStatus(status TaskStatus) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM queue WHERE status = ?`, string(status)).Scan(&count)
	return count, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var taskType, status, payloadJSON, createdAt, updatedAt string
	var errJSON, output sql.NullString

	err := row.Scan(&t.ID, &t.Collection, &taskType, &payloadJSON, &status, &errJSON, &t.NumRetries, &output, &createdAt, &updatedAt)
	if err != nil {
		return Task{}, err
	}

	t.TaskType = TaskType(taskType)
	t.Status = TaskStatus(status)
	if err := json.Unmarshal([]byte(payloadJSON), &t.Payload); err != nil {
		return Task{}, fmt.Errorf("parsing payload: %w", err)
	}
	if errJSON.Valid && errJSON.String != "" {
		var taskErr TaskError
		if err := json.Unmarshal([]byte(errJSON.String), &taskErr); err != nil {
			return Task{}, fmt.Errorf("parsing task error: %w", err)
		}
		t.Error = &taskErr
	}
	if output.Valid {
		t.Output = []byte(output.String)
	}
	if t.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Task{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if t.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Task{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return t, nil
}

func checkAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Documents & segments ---

// InsertDocumentWithSegments writes the document row and all of its segment
// rows in one transaction. Callers observe the segments all-or-none.
func (s *Store) InsertDocumentWithSegments(doc Document, segments []Segment) error {
	now := time.Now().UTC().Format(timeFormat)

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning ingest transaction: %w", err)
	}
	defer tx.Rollback()

	var metaArg any
	if len(doc.Metadata) > 0 {
		metaArg = string(doc.Metadata)
	}
	if _, err := tx.Exec(`
		INSERT INTO documents (uuid, task_id, content, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.UUID, doc.TaskID, doc.Content, metaArg, now, now,
	); err != nil {
		return fmt.Errorf("inserting document %s: %w", doc.UUID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO embeddings (uuid, document_id, segment, content, vector, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing segment insert: %w", err)
	}
	defer stmt.Close()

	for _, seg := range segments {
		var segMeta any
		if len(seg.Metadata) > 0 {
			segMeta = string(seg.Metadata)
		}
		blob := encodeFloat32s(seg.Vector)
		if _, err := stmt.Exec(seg.UUID, seg.DocumentID, seg.Segment, seg.Content, blob, segMeta, now, now); err != nil {
			return fmt.Errorf("inserting segment %s: %w", seg.UUID, err)
		}
	}

	return tx.Commit()
}

// GetDocument reads one document row by uuid.
func (s *Store) GetDocument(uuid string) (Document, error) {
	var d Document
	var meta sql.NullString
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, uuid, task_id, content, metadata, created_at, updated_at
		FROM documents WHERE uuid = ?`, uuid,
	).Scan(&d.ID, &d.UUID, &d.TaskID, &d.Content, &meta, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("reading document %s: %w", uuid, err)
	}
	if meta.Valid {
		d.Metadata = []byte(meta.String)
	}
	if d.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Document{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Document{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return d, nil
}

// GetSegment reads one segment row by uuid.
func (s *Store) GetSegment(uuid string) (Segment, error) {
	row := s.db.QueryRow(`
		SELECT id, uuid, document_id, segment, content, vector, metadata, created_at, updated_at
		FROM embeddings WHERE uuid = ?`, uuid)
	seg, err := scanSegment(row)
	if err == sql.ErrNoRows {
		return Segment{}, ErrNotFound
	}
	if err != nil {
		return Segment{}, fmt.Errorf("reading segment %s: %w", uuid, err)
	}
	return seg, nil
}

// SegmentsByDocument returns all segments of a document ordered by segment
// index.
func (s *Store) SegmentsByDocument(documentUUID string) ([]Segment, error) {
	rows, err := s.db.Query(`
		SELECT id, uuid, document_id, segment, content, vector, metadata, created_at, updated_at
		FROM embeddings WHERE document_id = ? ORDER BY segment ASC`, documentUUID)
	if err != nil {
		return nil, fmt.Errorf("querying segments for %s: %w", documentUUID, err)
	}
	defer rows.Close()

	var segments []Segment
	for rows.Next() {
		seg, err := scanSegment(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

func scanSegment(row rowScanner) (Segment, error) {
	var seg Segment
	var blob []byte
	var meta sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(&seg.ID, &seg.UUID, &seg.DocumentID, &seg.Segment, &seg.Content, &blob, &meta, &createdAt, &updatedAt)
	if err != nil {
		return Segment{}, err
	}
	if seg.Vector, err = decodeFloat32s(blob); err != nil {
		return Segment{}, fmt.Errorf("decoding vector for %s: %w", seg.UUID, err)
	}
	if meta.Valid {
		seg.Metadata = []byte(meta.String)
	}
	if seg.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return Segment{}, fmt.Errorf("parsing created_at: %w", err)
	}
	if seg.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return Segment{}, fmt.Errorf("parsing updated_at: %w", err)
	}
	return seg, nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32s deserializes little-endian bytes into a new float32 slice.
func decodeFloat32s(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return v, nil
}
