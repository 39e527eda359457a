package queue

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"time"
)

// Backend persists pending mutations.
//
// Implementations must be thread-safe!
type Backend interface {
	// Put stores the mutation, replacing any mutation with the same id.
	Put(ctx context.Context, m Mutation) error
	// Get returns the mutation with the id, if it exists.
	Get(ctx context.Context, id string) (Mutation, bool, error)
	// List returns all mutations, dead ones included.
	List(ctx context.Context) ([]Mutation, error)
	// Delete removes the mutation with the id.
	// If enqueuedAt is not zero, the mutation is only removed if it was enqueued at that time,
	// i.e. it has not been replaced in the meantime.
	Delete(ctx context.Context, id string, enqueuedAt time.Time) (bool, error)
}

type MemBackend struct {
	mutex     *sync.Mutex
	mutations map[string]Mutation
}

func NewMemBackend() *MemBackend {
	return &MemBackend{
		mutex:     &sync.Mutex{},
		mutations: make(map[string]Mutation),
	}
}

func (m *MemBackend) Put(ctx context.Context, mutation Mutation) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	mutation.Payload = append([]byte(nil), mutation.Payload...)
	m.mutations[mutation.ID] = mutation
	return nil
}

func (m *MemBackend) Get(ctx context.Context, id string) (Mutation, bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	mutation, ok := m.mutations[id]
	return mutation, ok, nil
}

func (m *MemBackend) List(ctx context.Context) ([]Mutation, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	list := make([]Mutation, 0, len(m.mutations))
	for _, mutation := range m.mutations {
		list = append(list, mutation)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].EnqueuedAt.Before(list[j].EnqueuedAt)
	})
	return list, nil
}

func (m *MemBackend) Delete(ctx context.Context, id string, enqueuedAt time.Time) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	mutation, ok := m.mutations[id]
	if !ok || (!enqueuedAt.IsZero() && !mutation.EnqueuedAt.Equal(enqueuedAt)) {
		return false, nil
	}
	delete(m.mutations, id)
	return true, nil
}

// SQLiteBackend stores mutations in the mutations table of a database opened with sqlitedb.Open,
// so they survive process restarts.
type SQLiteBackend struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

func NewSQLiteBackend(db *sql.DB) *SQLiteBackend {
	return &SQLiteBackend{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s *SQLiteBackend) Put(ctx context.Context, m Mutation) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO mutations
		(id, target_url, payload, enqueued_at, attempts, last_error, next_attempt_at, dead)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.TargetURL, []byte(m.Payload), m.EnqueuedAt.UnixNano(),
		m.Attempts, m.LastError, unixNano(m.NextAttemptAt), m.Dead)
	return err
}

const selectMutation = `SELECT
	id, target_url, payload, enqueued_at, attempts, last_error, next_attempt_at, dead
	FROM mutations`

type scanner interface {
	Scan(dest ...any) error
}

func scanMutation(row scanner) (Mutation, error) {
	var m Mutation
	var payload []byte
	var enqueuedAt, nextAttemptAt int64
	err := row.Scan(&m.ID, &m.TargetURL, &payload, &enqueuedAt,
		&m.Attempts, &m.LastError, &nextAttemptAt, &m.Dead)
	if err != nil {
		return m, err
	}
	m.Payload = payload
	m.EnqueuedAt = time.Unix(0, enqueuedAt)
	if nextAttemptAt != 0 {
		m.NextAttemptAt = time.Unix(0, nextAttemptAt)
	}
	return m, nil
}

func (s *SQLiteBackend) Get(ctx context.Context, id string) (Mutation, bool, error) {
	m, err := scanMutation(s.db.QueryRowContext(ctx, selectMutation+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return Mutation{}, false, nil
	}
	if err != nil {
		return Mutation{}, false, err
	}
	return m, true, nil
}

func (s *SQLiteBackend) List(ctx context.Context) ([]Mutation, error) {
	rows, err := s.db.QueryContext(ctx, selectMutation+" ORDER BY enqueued_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list := make([]Mutation, 0)
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, m)
	}
	return list, rows.Err()
}

func (s *SQLiteBackend) Delete(ctx context.Context, id string, enqueuedAt time.Time) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	var (
		result sql.Result
		err    error
	)
	if enqueuedAt.IsZero() {
		result, err = s.db.ExecContext(ctx, "DELETE FROM mutations WHERE id = ?", id)
	} else {
		result, err = s.db.ExecContext(ctx,
			"DELETE FROM mutations WHERE id = ? AND enqueued_at = ?", id, enqueuedAt.UnixNano())
	}
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	return n > 0, err
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
