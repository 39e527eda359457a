package cache

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/always-cache/offline-cache/pkg/fetch"
	"github.com/always-cache/offline-cache/pkg/sqlitedb"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func providers(t *testing.T) map[string]Provider {
	db, err := sqlitedb.Open(context.Background(), filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return map[string]Provider{
		"memory": NewMemProvider(0),
		"sqlite": NewSQLiteProvider(db),
	}
}

// network serves every path with its own name as body, except for the ones in failing.
func network(calls *int32, failing map[string]int) fetch.Fetcher {
	return fetch.HandlerFetcher{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(calls, 1)
		if status, ok := failing[r.URL.Path]; ok {
			w.WriteHeader(status)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("content of " + r.URL.Path))
	})}
}

func snapshot(body string) Snapshot {
	return Snapshot{
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(body),
	}
}

func TestPutLookupOverwrite(t *testing.T) {
	ctx := context.Background()
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(StoreConfig{Provider: provider})

			_, ok, err := store.Lookup(ctx, "v1", "/a.css")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, store.Prime(ctx, "v1", nil))
			require.NoError(t, store.Prime(ctx, "v2", nil))
			require.NoError(t, store.Put(ctx, "v1", "/a.css", snapshot("first")))
			require.NoError(t, store.Put(ctx, "v1", "/a.css", snapshot("second")))
			require.NoError(t, store.Put(ctx, "v2", "/a.css", snapshot("other generation")))

			entry, ok, err := store.Lookup(ctx, "v1", "/a.css")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "second", string(entry.Snapshot.Body))
			assert.Equal(t, http.StatusOK, entry.Snapshot.StatusCode)
			assert.Equal(t, "text/plain", entry.Snapshot.Header.Get("Content-Type"))
			assert.False(t, entry.StoredAt.IsZero())

			keys, err := store.Keys(ctx, "v1")
			require.NoError(t, err)
			assert.Equal(t, []string{"/a.css"}, keys)
		})
	}
}

func TestPrimeStoresAllKeys(t *testing.T) {
	ctx := context.Background()
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var calls int32
			store := NewStore(StoreConfig{Provider: provider, Fetcher: network(&calls, nil)})
			manifest := []string{"/", "/a.css", "/b.js", "/a.css"}

			require.NoError(t, store.Prime(ctx, "v1", manifest))

			assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
			for _, key := range manifest {
				entry, ok, err := store.Lookup(ctx, "v1", key)
				require.NoError(t, err)
				require.True(t, ok, key)
				assert.Equal(t, http.StatusOK, entry.Snapshot.StatusCode)
				assert.Equal(t, "content of "+key, string(entry.Snapshot.Body))
			}
		})
	}
}

func TestPrimeIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			var calls int32
			store := NewStore(StoreConfig{
				Provider: provider,
				Fetcher:  network(&calls, map[string]int{"/missing.js": http.StatusNotFound}),
			})
			require.NoError(t, store.Prime(ctx, "v1", []string{"/a.css"}))
			require.NoError(t, store.SetCurrent(ctx, "v1"))

			err := store.Prime(ctx, "v2", []string{"/a.css", "/missing.js", "/b.js"})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrPrime))
			assert.True(t, errors.Is(err, ErrStatus))

			keys, err := store.Keys(ctx, "v2")
			require.NoError(t, err)
			assert.Empty(t, keys)
			current, err := store.Current(ctx)
			require.NoError(t, err)
			assert.Equal(t, "v1", current)
		})
	}
}

func TestPrimeNetworkFailure(t *testing.T) {
	offline := fetch.FetcherFunc(func(ctx context.Context, req *http.Request) (*http.Response, error) {
		return nil, fetch.ErrNetwork
	})
	store := NewStore(StoreConfig{Provider: NewMemProvider(0), Fetcher: offline})

	err := store.Prime(context.Background(), "v1", []string{"/a.css"})
	assert.ErrorIs(t, err, ErrPrime)
	assert.ErrorIs(t, err, fetch.ErrNetwork)
}

func TestPurgeExcept(t *testing.T) {
	ctx := context.Background()
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(StoreConfig{Provider: provider})
			require.NoError(t, store.Prime(ctx, "genA", nil))
			require.NoError(t, store.Prime(ctx, "genB", nil))
			require.NoError(t, store.Put(ctx, "genA", "/a.css", snapshot("a")))
			require.NoError(t, store.Put(ctx, "genA", "/b.js", snapshot("b")))
			require.NoError(t, store.Put(ctx, "genB", "/a.css", snapshot("a2")))
			require.NoError(t, store.SetCurrent(ctx, "genB"))

			purged, err := store.PurgeExcept(ctx, "genB")
			require.NoError(t, err)
			assert.Equal(t, []string{"genA"}, purged)

			generations, err := store.Generations(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"genB"}, generations)
			keys, err := store.Keys(ctx, "genA")
			require.NoError(t, err)
			assert.Empty(t, keys)
			for _, key := range []string{"/a.css", "/b.js"} {
				_, ok, err := store.Lookup(ctx, "genA", key)
				require.NoError(t, err)
				assert.False(t, ok)
			}
			entry, ok, err := store.Lookup(ctx, "genB", "/a.css")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "a2", string(entry.Snapshot.Body))
		})
	}
}

func TestSQLiteCurrentSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	filename := filepath.Join(t.TempDir(), "cache.db")

	db, err := sqlitedb.Open(ctx, filename)
	require.NoError(t, err)
	store := NewStore(StoreConfig{Provider: NewSQLiteProvider(db)})
	require.NoError(t, store.SetCurrent(ctx, "v7"))
	require.NoError(t, store.Put(ctx, "v7", "/a.css", snapshot("body { }")))
	require.NoError(t, db.Close())

	db, err = sqlitedb.Open(ctx, filename)
	require.NoError(t, err)
	defer db.Close()
	store = NewStore(StoreConfig{Provider: NewSQLiteProvider(db)})
	current, err := store.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, "v7", current)
	entry, ok, err := store.Lookup(ctx, current, "/a.css")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("body { }"), entry.Snapshot.Body)
}

func TestMemProviderEvictsLeastRecentlyUsed(t *testing.T) {
	ctx := context.Background()
	provider := NewMemProvider(2)
	store := NewStore(StoreConfig{Provider: provider})
	require.NoError(t, store.Prime(ctx, "v1", nil))
	require.NoError(t, store.Put(ctx, "v1", "/1", snapshot("1")))
	require.NoError(t, store.Put(ctx, "v1", "/2", snapshot("2")))
	require.NoError(t, store.Put(ctx, "v1", "/3", snapshot("3")))

	_, ok, _ := store.Lookup(ctx, "v1", "/1")
	assert.False(t, ok)
	_, ok, _ = store.Lookup(ctx, "v1", "/3")
	assert.True(t, ok)
}

func TestMemProviderKeepsPrimedEntries(t *testing.T) {
	ctx := context.Background()
	var calls int32
	store := NewStore(StoreConfig{Provider: NewMemProvider(2), Fetcher: network(&calls, nil)})
	primed := []string{"/a.css", "/b.js", "/c.png"}
	require.NoError(t, store.Prime(ctx, "v1", primed))

	for _, key := range []string{"/x", "/y", "/z"} {
		require.NoError(t, store.Put(ctx, "v1", key, snapshot(key)))
	}
	require.NoError(t, store.Put(ctx, "v1", "/a.css", snapshot("refreshed")))

	for _, key := range primed {
		_, ok, err := store.Lookup(ctx, "v1", key)
		require.NoError(t, err)
		assert.True(t, ok, key)
	}
	entry, _, _ := store.Lookup(ctx, "v1", "/a.css")
	assert.Equal(t, "refreshed", string(entry.Snapshot.Body))
	_, ok, _ := store.Lookup(ctx, "v1", "/x")
	assert.False(t, ok)
	keys, err := store.Keys(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, []string{"/a.css", "/b.js", "/c.png", "/y", "/z"}, keys)
}

func TestPutIntoUnknownGeneration(t *testing.T) {
	ctx := context.Background()
	for name, provider := range providers(t) {
		t.Run(name, func(t *testing.T) {
			store := NewStore(StoreConfig{Provider: provider})
			err := store.Put(ctx, "gone", "/a.css", snapshot("late"))
			assert.ErrorIs(t, err, ErrUnknownGeneration)

			require.NoError(t, store.Prime(ctx, "genA", nil))
			_, err = store.PurgeExcept(ctx, "genB")
			require.NoError(t, err)
			err = store.Put(ctx, "genA", "/a.css", snapshot("late"))
			assert.ErrorIs(t, err, ErrUnknownGeneration)

			generations, err := store.Generations(ctx)
			require.NoError(t, err)
			assert.Empty(t, generations)
			_, ok, err := store.Lookup(ctx, "genA", "/a.css")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}
