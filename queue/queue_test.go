package queue

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/offline-cache/pkg/fetch"
	"github.com/always-cache/offline-cache/pkg/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Backend {
	db, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Backend{
		"memory": NewMemBackend(),
		"sqlite": NewSQLiteBackend(db),
	}
}

// switchableNetwork fails at the transport level while offline is set.
type switchableNetwork struct {
	offline  atomic.Bool
	status   atomic.Int32
	calls    atomic.Int32
	mutex    sync.Mutex
	received []*http.Request
	bodies   []string
}

func (n *switchableNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	if n.offline.Load() {
		return nil, fetch.ErrNetwork
	}
	body, _ := io.ReadAll(req.Body)
	n.mutex.Lock()
	n.received = append(n.received, req)
	n.bodies = append(n.bodies, string(body))
	n.mutex.Unlock()
	status := int(n.status.Load())
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{StatusCode: status, Header: http.Header{}, Body: http.NoBody, Request: req}, nil
}

func mutation(id string) Mutation {
	return Mutation{
		ID:        id,
		TargetURL: "/submit",
		Payload:   json.RawMessage(`{"name":"Ada"}`),
	}
}

func TestDrainRemovesSuccesses(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			network := &switchableNetwork{}
			network.offline.Store(true)
			q := New(Config{Backend: backend, Fetcher: network})

			require.NoError(t, q.Enqueue(ctx, mutation("f1")))

			// still offline, stays queued
			report, err := q.DrainAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"f1"}, report.Failed)
			m, ok, err := q.Get(ctx, "f1")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, 1, m.Attempts)
			assert.NotEmpty(t, m.LastError)

			// connectivity restored, but still within backoff
			network.offline.Store(false)
			report, err = q.DrainAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"f1"}, report.Skipped)
			assert.Equal(t, int32(1), network.calls.Load())
		})
	}
}

func TestDrainResendsAsJSONPost(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			network := &switchableNetwork{}
			var resent []string
			q := New(Config{
				Backend:  backend,
				Fetcher:  network,
				OnResent: func(m Mutation, res *http.Response) { resent = append(resent, m.ID) },
			})
			require.NoError(t, q.Enqueue(ctx, mutation("f1")))

			report, err := q.DrainAll(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"f1"}, report.Sent)
			assert.Equal(t, []string{"f1"}, resent)

			require.Len(t, network.received, 1)
			req := network.received[0]
			assert.Equal(t, http.MethodPost, req.Method)
			assert.Equal(t, "/submit", req.URL.Path)
			assert.Equal(t, "application/json", req.Header.Get("Content-Type"))
			assert.JSONEq(t, `{"name":"Ada"}`, network.bodies[0])

			_, ok, err := q.Get(ctx, "f1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDrainKeepsNonSuccessStatus(t *testing.T) {
	ctx := context.Background()
	network := &switchableNetwork{}
	network.status.Store(http.StatusServiceUnavailable)
	q := New(Config{Backend: NewMemBackend(), Fetcher: network})
	require.NoError(t, q.Enqueue(ctx, mutation("f1")))
	require.NoError(t, q.Enqueue(ctx, mutation("f2")))

	report, err := q.DrainAll(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"f1", "f2"}, report.Failed)
	// each mutation was tried exactly once
	assert.Equal(t, int32(2), network.calls.Load())

	list, err := q.List(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestBackoffAndDeadLetter(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	network := &switchableNetwork{}
	network.offline.Store(true)
	q := New(Config{
		Backend:         NewMemBackend(),
		Fetcher:         network,
		MaxAttempts:     3,
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		Now:             func() time.Time { return now },
	})
	require.NoError(t, q.Enqueue(ctx, mutation("f1")))

	expected := []time.Duration{time.Second, 2 * time.Second}
	for i, delay := range expected {
		_, err := q.DrainAll(ctx)
		require.NoError(t, err)
		m, _, _ := q.Get(ctx, "f1")
		assert.Equal(t, i+1, m.Attempts)
		assert.Equal(t, now.Add(delay), m.NextAttemptAt)
		assert.False(t, m.Dead)
		now = m.NextAttemptAt
	}

	report, err := q.DrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, report.Dead)
	m, ok, _ := q.Get(ctx, "f1")
	require.True(t, ok)
	assert.True(t, m.Dead)

	// dead mutations are not resent anymore
	network.offline.Store(false)
	now = now.Add(time.Hour)
	calls := network.calls.Load()
	report, err = q.DrainAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.Sent)
	assert.Equal(t, calls, network.calls.Load())

	// until resubmitted
	require.NoError(t, q.Enqueue(ctx, mutation("f1")))
	report, err = q.DrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, report.Sent)
}

func TestEnqueueOverwrites(t *testing.T) {
	ctx := context.Background()
	for name, backend := range backends(t) {
		t.Run(name, func(t *testing.T) {
			q := New(Config{Backend: backend, Fetcher: &switchableNetwork{}})
			require.NoError(t, q.Enqueue(ctx, mutation("f1")))
			second := mutation("f1")
			second.Payload = json.RawMessage(`{"name":"Grace"}`)
			require.NoError(t, q.Enqueue(ctx, second))

			list, err := q.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 1)
			assert.JSONEq(t, `{"name":"Grace"}`, string(list[0].Payload))
		})
	}
}

func TestEnqueueValidates(t *testing.T) {
	q := New(Config{Backend: NewMemBackend()})
	assert.ErrorIs(t, q.Enqueue(context.Background(), Mutation{TargetURL: "/submit", Payload: json.RawMessage(`{}`)}), ErrInvalidMutation)
	bad := mutation("f1")
	bad.Payload = json.RawMessage(`{nope`)
	assert.ErrorIs(t, q.Enqueue(context.Background(), bad), ErrInvalidMutation)
}

func TestSQLiteQueueSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "queue.db")
	db, err := sqlitedb.Open(ctx, filename)
	require.NoError(t, err)
	q := New(Config{Backend: NewSQLiteBackend(db)})
	require.NoError(t, q.Enqueue(ctx, mutation("f1")))
	require.NoError(t, db.Close())

	db, err = sqlitedb.Open(ctx, filename)
	require.NoError(t, err)
	defer db.Close()
	network := &switchableNetwork{}
	q = New(Config{Backend: NewSQLiteBackend(db), Fetcher: network})
	report, err := q.DrainAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"f1"}, report.Sent)
}

// blockingNetwork holds every request until released.
type blockingNetwork struct {
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (n *blockingNetwork) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	n.calls.Add(1)
	n.entered <- struct{}{}
	<-n.release
	return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody, Request: req}, nil
}

func TestConcurrentDrainsSendOnce(t *testing.T) {
	ctx := context.Background()
	network := &blockingNetwork{entered: make(chan struct{}, 2), release: make(chan struct{})}
	q := New(Config{Backend: NewMemBackend(), Fetcher: network})
	require.NoError(t, q.Enqueue(ctx, mutation("f1")))

	var wg sync.WaitGroup
	reports := make([]Report, 2)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = q.DrainAll(ctx)
	}()
	<-network.entered
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[1], _ = q.DrainAll(ctx)
	}()
	time.Sleep(100 * time.Millisecond)
	close(network.release)
	wg.Wait()

	assert.Equal(t, int32(1), network.calls.Load())
	assert.Equal(t, []string{"f1"}, reports[0].Sent)
	_, ok, _ := q.Get(ctx, "f1")
	assert.False(t, ok)
}

func TestDrainDoesNotShareOutcomeWithReplacedCopy(t *testing.T) {
	ctx := context.Background()
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	var mutex sync.Mutex
	var bodies []string
	network := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		body, _ := io.ReadAll(req.Body)
		if string(body) == `{"v":1}` {
			entered <- struct{}{}
			<-release
		}
		mutex.Lock()
		bodies = append(bodies, string(body))
		mutex.Unlock()
		return &http.Response{StatusCode: http.StatusOK, Header: http.Header{}, Body: http.NoBody, Request: req}, nil
	})
	var clock atomic.Int64
	q := New(Config{
		Backend: NewMemBackend(),
		Fetcher: network,
		Now:     func() time.Time { return time.Unix(clock.Add(1), 0) },
	})
	first := mutation("f1")
	first.Payload = json.RawMessage(`{"v":1}`)
	require.NoError(t, q.Enqueue(ctx, first))

	firstDrain := make(chan Report, 1)
	go func() {
		report, _ := q.DrainAll(ctx)
		firstDrain <- report
	}()
	<-entered
	second := mutation("f1")
	second.Payload = json.RawMessage(`{"v":2}`)
	require.NoError(t, q.Enqueue(ctx, second))

	secondDrain := make(chan Report, 1)
	go func() {
		report, _ := q.DrainAll(ctx)
		secondDrain <- report
	}()
	var report Report
	select {
	case report = <-secondDrain:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatalf("Drain waited for the replaced copy")
	}
	close(release)
	<-firstDrain

	assert.Equal(t, []string{"f1"}, report.Sent)
	_, ok, err := q.Get(ctx, "f1")
	require.NoError(t, err)
	assert.False(t, ok)
	mutex.Lock()
	defer mutex.Unlock()
	assert.ElementsMatch(t, []string{`{"v":1}`, `{"v":2}`}, bodies)
}

func TestPayload(t *testing.T) {
	payload, err := Payload("application/x-www-form-urlencoded", []byte("name=Ada&tag=a&tag=b"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"name":"Ada","tag":["a","b"]}`, string(payload))

	payload, err = Payload("application/json; charset=utf-8", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(payload))

	_, err = Payload("multipart/form-data; boundary=x", []byte("--x--"))
	assert.ErrorIs(t, err, ErrUnsupportedPayload)
}

func TestIDIsStable(t *testing.T) {
	a := ID("/submit", []byte(`{"a":1}`))
	assert.Equal(t, a, ID("/submit", []byte(`{"a":1}`)))
	assert.NotEqual(t, a, ID("/other", []byte(`{"a":1}`)))
	assert.Len(t, a, 32)
}
