package cache

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/pkg/fetch"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrPrime is returned when a generation could not be fully populated.
	ErrPrime = errors.New("prime failed")
	// ErrStatus is wrapped when the network answered with a non-success status.
	ErrStatus = errors.New("non-success status")
	// ErrUnknownGeneration is returned when writing into a generation that was never created or was dropped.
	ErrUnknownGeneration = errors.New("unknown generation")
)

const defaultPrimeConcurrency = 8

type StoreConfig struct {
	Provider Provider
	// Network used for priming and refreshing entries.
	Fetcher fetch.Fetcher
	// Logger to use. Nothing is logged if nil.
	Logger *zerolog.Logger
	// Number of concurrent fetches while priming.
	PrimeConcurrency int
}

// Store is the versioned cache store: response snapshots keyed by request key,
// namespaced by generation.
type Store struct {
	provider         Provider
	fetcher          fetch.Fetcher
	log              zerolog.Logger
	primeConcurrency int
}

func NewStore(config StoreConfig) *Store {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "cache").Logger()
	}
	s := &Store{
		provider:         config.Provider,
		fetcher:          config.Fetcher,
		log:              logger,
		primeConcurrency: config.PrimeConcurrency,
	}
	if s.primeConcurrency <= 0 {
		s.primeConcurrency = defaultPrimeConcurrency
	}
	return s
}

// Prime fetches every key from the network and stores all of them in the generation.
// If any fetch fails or returns a non-success status nothing is stored and the error wraps ErrPrime.
func (s *Store) Prime(ctx context.Context, generation string, keys []string) error {
	keys = unique(keys)
	log := s.log.With().Str("generation", generation).Logger()
	log.Debug().Int("keys", len(keys)).Msg("Priming generation")

	entries := make([]Entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.primeConcurrency)
	for i, key := range keys {
		i, key := i, key
		g.Go(func() error {
			snapshot, err := s.FetchSnapshot(gctx, key)
			if err != nil {
				return fmt.Errorf("%w: %s: %w", ErrPrime, key, err)
			}
			entries[i] = Entry{
				Generation: generation,
				Key:        key,
				Snapshot:   snapshot,
				StoredAt:   time.Now(),
			}
			log.Trace().Str("key", key).Int("bytes", len(snapshot.Body)).Msg("Fetched for priming")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Could not prime generation")
		return err
	}
	if err := s.provider.PutAll(ctx, generation, entries); err != nil {
		log.Error().Err(err).Msg("Could not store primed entries")
		return fmt.Errorf("%w: %w", ErrPrime, err)
	}
	log.Info().Int("keys", len(keys)).Msg("Primed generation")
	return nil
}

// FetchSnapshot fetches the key from the network.
// Non-success statuses are returned as errors wrapping ErrStatus.
func (s *Store) FetchSnapshot(ctx context.Context, key string) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return Snapshot{}, err
	}
	res, err := s.fetcher.Fetch(ctx, req)
	if err != nil {
		return Snapshot{}, err
	}
	snapshot, err := SnapshotFromResponse(res)
	if err != nil {
		return Snapshot{}, err
	}
	if !snapshot.OK() {
		return Snapshot{}, fmt.Errorf("%w: %d", ErrStatus, snapshot.StatusCode)
	}
	return snapshot, nil
}

// Lookup returns the entry for the key in the generation.
func (s *Store) Lookup(ctx context.Context, generation, key string) (Entry, bool, error) {
	if generation == "" {
		return Entry{}, false, nil
	}
	return s.provider.Get(ctx, generation, key)
}

// Put stores the snapshot under the key, overwriting what was there.
// Concurrent puts to the same key are resolved by the last write.
func (s *Store) Put(ctx context.Context, generation, key string, snapshot Snapshot) error {
	return s.provider.Put(ctx, Entry{
		Generation: generation,
		Key:        key,
		Snapshot:   snapshot,
		StoredAt:   time.Now(),
	})
}

// Keys returns all keys stored in the generation.
func (s *Store) Keys(ctx context.Context, generation string) ([]string, error) {
	keys := make([]string, 0)
	err := s.provider.Keys(ctx, generation, func(key string) {
		keys = append(keys, key)
	})
	return keys, err
}

// Generations returns all known generations.
func (s *Store) Generations(ctx context.Context) ([]string, error) {
	return s.provider.Generations(ctx)
}

// PurgeExcept deletes every generation but the given one and returns the deleted ones.
func (s *Store) PurgeExcept(ctx context.Context, current string) ([]string, error) {
	generations, err := s.provider.Generations(ctx)
	if err != nil {
		return nil, err
	}
	purged := make([]string, 0, len(generations))
	for _, generation := range generations {
		if generation == current {
			continue
		}
		if err := s.provider.Drop(ctx, generation); err != nil {
			return purged, fmt.Errorf("drop generation %s: %w", generation, err)
		}
		s.log.Debug().Str("generation", generation).Msg("Purged generation")
		purged = append(purged, generation)
	}
	return purged, nil
}

// Current returns the current generation, or an empty string before the first activation.
func (s *Store) Current(ctx context.Context) (string, error) {
	return s.provider.Current(ctx)
}

// SetCurrent makes the generation the current one.
func (s *Store) SetCurrent(ctx context.Context, generation string) error {
	return s.provider.SetCurrent(ctx, generation)
}

func unique(keys []string) []string {
	seen := make(map[string]bool, len(keys))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		if !seen[key] {
			seen[key] = true
			out = append(out, key)
		}
	}
	return out
}
