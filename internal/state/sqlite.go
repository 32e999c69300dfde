package state

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS student_state_versions (
	version_id        TEXT PRIMARY KEY,
	student_id        TEXT NOT NULL,
	parent_id         TEXT,
	knowledge_vector  BLOB NOT NULL,
	learning_velocity BLOB NOT NULL,
	context_version   INTEGER NOT NULL DEFAULT 0,
	context_vector    BLOB,
	interaction_count INTEGER NOT NULL,
	last_updated      TEXT NOT NULL,
	created_at        TEXT NOT NULL,
	FOREIGN KEY (parent_id) REFERENCES student_state_versions(version_id)
);

CREATE INDEX IF NOT EXISTS idx_student_state_versions_student
	ON student_state_versions(student_id, created_at);

CREATE TABLE IF NOT EXISTS active_student_state (
	student_id  TEXT PRIMARY KEY,
	version_id  TEXT NOT NULL,
	FOREIGN KEY (version_id) REFERENCES student_state_versions(version_id)
);
`

// #endregion schema

// #region store-struct

// SQLiteStore keeps every committed state as an immutable version row and
// an active pointer per student.
type SQLiteStore struct {
	db    *sql.DB
	opts  Options
	locks *keyLocks
}

// #endregion store-struct

// #region constructor

// NewSQLiteStore opens a SQLite database and runs migrations.
func NewSQLiteStore(dbPath string, opts Options) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// One connection: writers queue in database/sql instead of failing busy.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma fk: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db, opts: opts, locks: newKeyLocks()}, nil
}

// #endregion constructor

// #region close

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying *sql.DB so the provenance log and tier memory
// can share the file.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

// #endregion close

// #region get

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, studentID string) (StudentState, error) {
	st, err := s.current(ctx, s.db, studentID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return StudentState{}, err
	}

	unlock, err := s.locks.lock(ctx, studentID)
	if err != nil {
		return StudentState{}, err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StudentState{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	st, err = s.loadOrCreate(ctx, tx, studentID)
	if err != nil {
		return StudentState{}, err
	}
	if err := tx.Commit(); err != nil {
		return StudentState{}, fmt.Errorf("commit: %w", err)
	}
	return st, nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) current(ctx context.Context, q querier, studentID string) (StudentState, error) {
	var versionID string
	err := q.QueryRowContext(ctx,
		`SELECT version_id FROM active_student_state WHERE student_id = ?`, studentID,
	).Scan(&versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StudentState{}, err
		}
		return StudentState{}, fmt.Errorf("get active %s: %w", studentID, err)
	}
	return s.version(ctx, q, versionID)
}

func (s *SQLiteStore) loadOrCreate(ctx context.Context, tx *sql.Tx, studentID string) (StudentState, error) {
	st, err := s.current(ctx, tx, studentID)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return StudentState{}, err
	}
	st = NewDefault(studentID, s.opts.Concepts)
	st.VersionID = uuid.New().String()
	if err := s.insertVersion(ctx, tx, st); err != nil {
		return StudentState{}, err
	}
	return st, nil
}

// #endregion get

// #region update

// Update implements Store. Each change commits a new version whose parent
// is the previous active one.
func (s *SQLiteStore) Update(ctx context.Context, studentID string, mutator Mutator) (StudentState, error) {
	unlock, err := s.locks.lock(ctx, studentID)
	if err != nil {
		return StudentState{}, err
	}
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return StudentState{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cur, err := s.loadOrCreate(ctx, tx, studentID)
	if err != nil {
		return StudentState{}, err
	}
	next, changed, err := mutate(cur, mutator, s.opts)
	if err != nil {
		return StudentState{}, fmt.Errorf("update %s: %w", studentID, err)
	}
	if changed {
		next.ParentID = cur.VersionID
		next.VersionID = uuid.New().String()
		if err := s.insertVersion(ctx, tx, next); err != nil {
			return StudentState{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return StudentState{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

func (s *SQLiteStore) insertVersion(ctx context.Context, tx *sql.Tx, st StudentState) error {
	var parentPtr interface{}
	if st.ParentID != "" {
		parentPtr = st.ParentID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO student_state_versions
		 (version_id, student_id, parent_id, knowledge_vector, learning_velocity,
		  context_version, context_vector, interaction_count, last_updated, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.VersionID, st.StudentID, parentPtr,
		encodeVector(st.KnowledgeVector), encodeVector(st.LearningVelocity),
		st.AdaptationContext.Version, encodeVector(st.AdaptationContext.Vector),
		st.InteractionCount, st.LastUpdated.Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO active_student_state (student_id, version_id) VALUES (?, ?)
		 ON CONFLICT(student_id) DO UPDATE SET version_id = excluded.version_id`,
		st.StudentID, st.VersionID,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	return nil
}

// #endregion update

// #region get-version

const versionColumns = `version_id, student_id, parent_id, knowledge_vector, learning_velocity,
	context_version, context_vector, interaction_count, last_updated`

type scanner interface {
	Scan(dest ...any) error
}

func scanVersion(row scanner) (StudentState, error) {
	var st StudentState
	var parentID sql.NullString
	var knowledge, velocity, ctxVec []byte
	var updated string

	if err := row.Scan(&st.VersionID, &st.StudentID, &parentID, &knowledge, &velocity,
		&st.AdaptationContext.Version, &ctxVec, &st.InteractionCount, &updated); err != nil {
		return StudentState{}, err
	}
	if parentID.Valid {
		st.ParentID = parentID.String
	}
	st.KnowledgeVector = decodeVector(knowledge)
	st.LearningVelocity = decodeVector(velocity)
	st.AdaptationContext.Vector = decodeVector(ctxVec)
	st.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return st, nil
}

func (s *SQLiteStore) version(ctx context.Context, q querier, id string) (StudentState, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+versionColumns+` FROM student_state_versions WHERE version_id = ?`, id)
	st, err := scanVersion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StudentState{}, fmt.Errorf("version %s: %w", id, ErrVersionNotFound)
		}
		return StudentState{}, fmt.Errorf("get version %s: %w", id, err)
	}
	return st, nil
}

// #endregion get-version

// #region rollback

// Rollback restores the adaptation data of an earlier version as a new
// version. The interaction count is carried forward so it never decreases.
func (s *SQLiteStore) Rollback(ctx context.Context, studentID, versionID string) (StudentState, error) {
	target, err := s.version(ctx, s.db, versionID)
	if err != nil {
		return StudentState{}, err
	}
	if target.StudentID != studentID {
		return StudentState{}, fmt.Errorf("version %s belongs to %s: %w", versionID, target.StudentID, ErrVersionNotFound)
	}
	return s.Update(ctx, studentID, func(cur StudentState) (StudentState, error) {
		next := target.Clone()
		next.InteractionCount = cur.InteractionCount
		next.AdaptationContext.Version = cur.AdaptationContext.Version
		next.LastUpdated = time.Now().UTC()
		return next, nil
	})
}

// #endregion rollback

// #region list-versions

// ListVersions returns a student's most recent versions, newest first.
func (s *SQLiteStore) ListVersions(ctx context.Context, studentID string, limit int) ([]StudentState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+versionColumns+` FROM student_state_versions
		 WHERE student_id = ? ORDER BY rowid DESC LIMIT ?`, studentID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	var records []StudentState
	for rows.Next() {
		st, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		records = append(records, st)
	}
	return records, rows.Err()
}

// #endregion list-versions

// #region vector-encoding
func encodeVector(v []float64) []byte {
	buf := make([]byte, len(v)*8)
	for i, f := range v {
		binary.LittleEndian.PutUint64(buf[i*8:], math.Float64bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float64 {
	if len(b) == 0 {
		return nil
	}
	v := make([]float64, len(b)/8)
	for i := range v {
		v[i] = math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:]))
	}
	return v
}

// #endregion vector-encoding
