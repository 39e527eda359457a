package cache

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"
)

// SQLiteProvider stores entries in the entries table of a database opened with sqlitedb.Open.
// Responses are stored in their HTTP/1.1 wire format.
type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteProvider(db *sql.DB) *SQLiteProvider {
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLiteProvider) Get(ctx context.Context, generation, key string) (Entry, bool, error) {
	var bytes []byte
	err := s.db.QueryRowContext(ctx,
		"SELECT bytes FROM entries WHERE generation = ? AND key = ?",
		generation, key,
	).Scan(&bytes)
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, err
	}
	entry, err := bytesToEntry(generation, key, bytes)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (s *SQLiteProvider) Put(ctx context.Context, entry Entry) error {
	bytes, err := entryToBytes(entry)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	result, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO entries
		(generation, key, stored_at, bytes)
		SELECT ?, ?, ?, ? WHERE EXISTS (SELECT 1 FROM generations WHERE name = ?)`,
		entry.Generation, entry.Key, entry.StoredAt.UnixNano(), bytes, entry.Generation)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrUnknownGeneration
	}
	return nil
}

func (s *SQLiteProvider) PutAll(ctx context.Context, generation string, entries []Entry) error {
	// serialize before taking the lock
	rows := make([][]byte, len(entries))
	for i, entry := range entries {
		bytes, err := entryToBytes(entry)
		if err != nil {
			return err
		}
		rows[i] = bytes
	}

	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := insertGeneration(ctx, tx, generation); err != nil {
		return err
	}
	for i, entry := range entries {
		_, err := tx.ExecContext(ctx, `INSERT OR REPLACE INTO entries
			(generation, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			generation, entry.Key, entry.StoredAt.UnixNano(), rows[i])
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func insertGeneration(ctx context.Context, tx *sql.Tx, generation string) error {
	_, err := tx.ExecContext(ctx,
		"INSERT OR IGNORE INTO generations (name, created_at) VALUES (?, ?)",
		generation, time.Now().UnixNano())
	return err
}

func (s *SQLiteProvider) Keys(ctx context.Context, generation string, cb func(string)) error {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key FROM entries WHERE generation = ? ORDER BY key", generation)
	if err != nil {
		return err
	}
	// collect first, the callback may use the db itself
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			rows.Close()
			return err
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	rows.Close()
	for _, key := range keys {
		cb(key)
	}
	return nil
}

func (s *SQLiteProvider) Generations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name FROM (
			SELECT name, created_at FROM generations
			UNION
			SELECT DISTINCT generation, 0 FROM entries
				WHERE generation NOT IN (SELECT name FROM generations)
		) ORDER BY created_at, name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteProvider) Drop(ctx context.Context, generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE generation = ?", generation); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM generations WHERE name = ?", generation); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteProvider) Current(ctx context.Context) (string, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM generations WHERE current = 1 LIMIT 1").Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	return name, err
}

func (s *SQLiteProvider) SetCurrent(ctx context.Context, generation string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertGeneration(ctx, tx, generation); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE generations SET current = CASE WHEN name = ? THEN 1 ELSE 0 END", generation); err != nil {
		return err
	}
	return tx.Commit()
}
