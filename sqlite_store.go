package fieldsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	// SQLite driver using pure Go implementation
	_ "modernc.org/sqlite"
)

// SQLiteStore implements LocalStore on a single SQLite database file.
// Records are stored as encoded payload blobs next to the indexed
// identifier columns, so the on-disk format follows the wire structs.
// WAL journaling makes writes durable before the call returns.
type SQLiteStore struct {
	db        *sql.DB
	config    LocalStoreConfig
	codec     payloadCodec
	mu        sync.RWMutex
	closed    bool
	writeLock sync.Mutex // serializes writers; SQLite allows one at a time
}

// NewSQLiteStore opens (creating if needed) the local store at
// config.Path.
func NewSQLiteStore(config LocalStoreConfig, enc *Encryptor) (*SQLiteStore, error) {
	if config.Path == "" {
		config.Path = "fieldsync.db"
	}
	if config.BusyTimeout <= 0 {
		config.BusyTimeout = 5000
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		config.Path, config.BusyTimeout)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, newPersistenceError("open database", config.Path, err)
	}
	db.SetMaxOpenConns(1)

	store := &SQLiteStore{
		db:     db,
		config: config,
		codec:  payloadCodec{compress: config.Compress, encryptor: enc},
	}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// initSchema creates the database schema.
func (s *SQLiteStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL,
			status TEXT NOT NULL,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS submissions (
			id TEXT PRIMARY KEY,
			payload BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS observations (
			id TEXT PRIMARY KEY,
			submission_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			created_at INTEGER NOT NULL,
			payload BLOB NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_images (
			key TEXT PRIMARY KEY,
			blob BLOB NOT NULL,
			created_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_submission ON sessions(submission_id);
		CREATE INDEX IF NOT EXISTS idx_observations_submission ON observations(submission_id);
		CREATE INDEX IF NOT EXISTS idx_intents_created ON intents(created_at);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return newPersistenceError("create schema", s.config.Path, err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *SQLiteStore) SaveSession(ctx context.Context, session *SubmissionSession) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if session.SessionID == "" {
		return newFieldError("session_id", "must not be empty")
	}
	payload, err := s.codec.encode(session)
	if err != nil {
		return newPersistenceError("encode session", session.SessionID, err)
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO sessions (session_id, submission_id, status, payload, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		session.SessionID, session.SubmissionID, string(session.SessionStatus),
		payload, time.Now().UnixNano())
	if err != nil {
		return newPersistenceError("save session", session.SessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SubmissionSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM sessions WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, newPersistenceError("read session", sessionID, err)
	}
	var session SubmissionSession
	if err := s.codec.decode(payload, &session); err != nil {
		return nil, newPersistenceError("decode session", sessionID, err)
	}
	return &session, nil
}

func (s *SQLiteStore) ListSessions(ctx context.Context) ([]*SubmissionSession, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, newPersistenceError("list sessions", "", err)
	}
	defer rows.Close()

	var out []*SubmissionSession
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, newPersistenceError("scan session", "", err)
		}
		var session SubmissionSession
		if err := s.codec.decode(payload, &session); err != nil {
			return nil, newPersistenceError("decode session", "", err)
		}
		out = append(out, &session)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		return newPersistenceError("delete session", sessionID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSubmission(ctx context.Context, submissionID string) (*Submission, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM submissions WHERE id = ?`, submissionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, newPersistenceError("read submission", submissionID, err)
	}
	var sub Submission
	if err := s.codec.decode(payload, &sub); err != nil {
		return nil, newPersistenceError("decode submission", submissionID, err)
	}
	return &sub, nil
}

func (s *SQLiteStore) SaveSubmissionOffline(ctx context.Context, submission *Submission, petris, gasifiers []Observation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if submission.ID == "" {
		return newFieldError("submission_id", "must not be empty")
	}

	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newPersistenceError("begin transaction", submission.ID, err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()
	payload, err := s.codec.encode(submission)
	if err != nil {
		return newPersistenceError("encode submission", submission.ID, err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO submissions (id, payload, updated_at) VALUES (?, ?, ?)`,
		submission.ID, payload, now); err != nil {
		return newPersistenceError("save submission", submission.ID, err)
	}
	for _, obs := range append(append([]Observation{}, petris...), gasifiers...) {
		if err := s.upsertObservationTx(ctx, tx, obs, now); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return newPersistenceError("commit submission", submission.ID, err)
	}
	return nil
}

func (s *SQLiteStore) upsertObservationTx(ctx context.Context, tx *sql.Tx, obs Observation, now int64) error {
	payload, err := s.codec.encode(obs)
	if err != nil {
		return newPersistenceError("encode observation", obs.ID, err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO observations (id, submission_id, kind, updated_at, payload)
		VALUES (?, ?, ?, ?, ?)`,
		obs.ID, obs.SubmissionID, string(obs.Kind), now, payload); err != nil {
		return newPersistenceError("save observation", obs.ID, err)
	}
	return nil
}

func (s *SQLiteStore) SaveObservation(ctx context.Context, obs Observation) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := s.codec.encode(obs)
	if err != nil {
		return newPersistenceError("encode observation", obs.ID, err)
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO observations (id, submission_id, kind, updated_at, payload)
		VALUES (?, ?, ?, ?, ?)`,
		obs.ID, obs.SubmissionID, string(obs.Kind), time.Now().UnixNano(), payload)
	if err != nil {
		return newPersistenceError("save observation", obs.ID, err)
	}
	return nil
}

func (s *SQLiteStore) ListObservations(ctx context.Context, submissionID string) ([]Observation, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM observations WHERE submission_id = ? ORDER BY id`, submissionID)
	if err != nil {
		return nil, newPersistenceError("list observations", submissionID, err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, newPersistenceError("scan observation", submissionID, err)
		}
		var obs Observation
		if err := s.codec.decode(payload, &obs); err != nil {
			return nil, newPersistenceError("decode observation", submissionID, err)
		}
		out = append(out, obs)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSubmission(ctx context.Context, submissionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newPersistenceError("begin transaction", submissionID, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM observations WHERE submission_id = ?`, submissionID); err != nil {
		return newPersistenceError("delete observations", submissionID, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, submissionID); err != nil {
		return newPersistenceError("delete submission", submissionID, err)
	}
	if err := tx.Commit(); err != nil {
		return newPersistenceError("commit delete", submissionID, err)
	}
	return nil
}

// RemapSubmissionID rewrites every record referencing the synthetic
// identifiers to the canonical ones inside a single transaction, payload
// blobs included, so a crash mid-remap leaves either all old or all new
// identifiers.
func (s *SQLiteStore) RemapSubmissionID(ctx context.Context, oldSubmissionID, newSubmissionID, oldSessionID, newSessionID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return newPersistenceError("begin transaction", oldSubmissionID, err)
	}
	defer tx.Rollback()

	now := time.Now().UnixNano()

	// Submission row.
	var subPayload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM submissions WHERE id = ?`, oldSubmissionID).Scan(&subPayload)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newPersistenceError("read submission", oldSubmissionID, err)
	}
	if err == nil {
		var sub Submission
		if err := s.codec.decode(subPayload, &sub); err != nil {
			return newPersistenceError("decode submission", oldSubmissionID, err)
		}
		sub.ID = newSubmissionID
		payload, err := s.codec.encode(&sub)
		if err != nil {
			return newPersistenceError("encode submission", newSubmissionID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO submissions (id, payload, updated_at) VALUES (?, ?, ?)`,
			newSubmissionID, payload, now); err != nil {
			return newPersistenceError("save submission", newSubmissionID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM submissions WHERE id = ?`, oldSubmissionID); err != nil {
			return newPersistenceError("delete submission", oldSubmissionID, err)
		}
	}

	// Observation rows referencing the synthetic submission id.
	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload FROM observations WHERE submission_id = ?`, oldSubmissionID)
	if err != nil {
		return newPersistenceError("list observations", oldSubmissionID, err)
	}
	type obsRow struct {
		id      string
		payload []byte
	}
	var obsRows []obsRow
	for rows.Next() {
		var r obsRow
		if err := rows.Scan(&r.id, &r.payload); err != nil {
			rows.Close()
			return newPersistenceError("scan observation", oldSubmissionID, err)
		}
		obsRows = append(obsRows, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return newPersistenceError("list observations", oldSubmissionID, err)
	}
	for _, r := range obsRows {
		var obs Observation
		if err := s.codec.decode(r.payload, &obs); err != nil {
			return newPersistenceError("decode observation", r.id, err)
		}
		obs.SubmissionID = newSubmissionID
		payload, err := s.codec.encode(obs)
		if err != nil {
			return newPersistenceError("encode observation", r.id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE observations SET submission_id = ?, payload = ?, updated_at = ? WHERE id = ?`,
			newSubmissionID, payload, now, r.id); err != nil {
			return newPersistenceError("update observation", r.id, err)
		}
	}

	// Session row.
	var sessPayload []byte
	err = tx.QueryRowContext(ctx, `SELECT payload FROM sessions WHERE session_id = ?`, oldSessionID).Scan(&sessPayload)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return newPersistenceError("read session", oldSessionID, err)
	}
	if err == nil {
		var session SubmissionSession
		if err := s.codec.decode(sessPayload, &session); err != nil {
			return newPersistenceError("decode session", oldSessionID, err)
		}
		session.SessionID = newSessionID
		session.SubmissionID = newSubmissionID
		payload, err := s.codec.encode(&session)
		if err != nil {
			return newPersistenceError("encode session", newSessionID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO sessions (session_id, submission_id, status, payload, updated_at)
			VALUES (?, ?, ?, ?, ?)`,
			newSessionID, newSubmissionID, string(session.SessionStatus), payload, now); err != nil {
			return newPersistenceError("save session", newSessionID, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, oldSessionID); err != nil {
			return newPersistenceError("delete session", oldSessionID, err)
		}
	}

	// Queued intents reference the session by id too; a completion or
	// cancellation recorded offline must replay under the canonical id.
	intentRows, err := tx.QueryContext(ctx, `SELECT id, payload FROM intents`)
	if err != nil {
		return newPersistenceError("list intents", oldSubmissionID, err)
	}
	type intentRow struct {
		id      string
		payload []byte
	}
	var pending []intentRow
	for intentRows.Next() {
		var r intentRow
		if err := intentRows.Scan(&r.id, &r.payload); err != nil {
			intentRows.Close()
			return newPersistenceError("scan intent", oldSubmissionID, err)
		}
		pending = append(pending, r)
	}
	intentRows.Close()
	if err := intentRows.Err(); err != nil {
		return newPersistenceError("list intents", oldSubmissionID, err)
	}
	for _, r := range pending {
		var intent Intent
		if err := json.Unmarshal(r.payload, &intent); err != nil {
			return newPersistenceError("decode intent", r.id, err)
		}
		if intent.SessionID != oldSessionID && intent.SubmissionID != oldSubmissionID {
			continue
		}
		if intent.SessionID == oldSessionID {
			intent.SessionID = newSessionID
		}
		if intent.SubmissionID == oldSubmissionID {
			intent.SubmissionID = newSubmissionID
		}
		payload, err := json.Marshal(intent)
		if err != nil {
			return newPersistenceError("encode intent", r.id, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE intents SET payload = ? WHERE id = ?`, payload, r.id); err != nil {
			return newPersistenceError("update intent", r.id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return newPersistenceError("commit remap", oldSubmissionID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendIntent(ctx context.Context, intent Intent) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	payload, err := json.Marshal(intent)
	if err != nil {
		return newPersistenceError("encode intent", intent.ID, err)
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO intents (id, created_at, payload) VALUES (?, ?, ?)`,
		intent.ID, intent.CreatedAt.UnixNano(), payload)
	if err != nil {
		return newPersistenceError("append intent", intent.ID, err)
	}
	return nil
}

func (s *SQLiteStore) PendingIntents(ctx context.Context) ([]Intent, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM intents ORDER BY created_at, id`)
	if err != nil {
		return nil, newPersistenceError("list intents", "", err)
	}
	defer rows.Close()

	var out []Intent
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, newPersistenceError("scan intent", "", err)
		}
		var intent Intent
		if err := json.Unmarshal(payload, &intent); err != nil {
			return nil, newPersistenceError("decode intent", "", err)
		}
		out = append(out, intent)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) RemoveIntent(ctx context.Context, intentID string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM intents WHERE id = ?`, intentID); err != nil {
		return newPersistenceError("remove intent", intentID, err)
	}
	return nil
}

func (s *SQLiteStore) AddPendingImage(ctx context.Context, key string, blob []byte) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pending_images (key, blob, created_at) VALUES (?, ?, ?)`,
		key, blob, time.Now().UnixNano())
	if err != nil {
		return newPersistenceError("add pending image", key, err)
	}
	return nil
}

func (s *SQLiteStore) PendingImageKeys(ctx context.Context) ([]string, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM pending_images ORDER BY created_at, key`)
	if err != nil {
		return nil, newPersistenceError("list pending images", "", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, newPersistenceError("scan pending image", "", err)
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *SQLiteStore) GetPendingImage(ctx context.Context, key string) ([]byte, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	var blob []byte
	err := s.db.QueryRowContext(ctx, `SELECT blob FROM pending_images WHERE key = ?`, key).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, newPersistenceError("read pending image", key, ErrImageNotFound)
	}
	if err != nil {
		return nil, newPersistenceError("read pending image", key, err)
	}
	return blob, nil
}

func (s *SQLiteStore) RemovePendingImage(ctx context.Context, key string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	s.writeLock.Lock()
	defer s.writeLock.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM pending_images WHERE key = ?`, key); err != nil {
		return newPersistenceError("remove pending image", key, err)
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}
