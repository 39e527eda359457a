// Package lifecycle installs and activates cache generations
// and reacts to the triggers of the host environment.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

var (
	// ErrBusy is returned when a generation is already being installed.
	ErrBusy = errors.New("lifecycle transition in progress")
	// ErrNoPendingGeneration is returned when activating without a successfully installed generation.
	ErrNoPendingGeneration = errors.New("no installed generation to activate")
)

type State int

const (
	// No generation has ever been activated.
	StateIdle State = iota
	// The first generation is being installed.
	StateInstalling
	// A generation is installed and waits for activation.
	StateInstalled
	StateActive
	// A new generation is being installed while the current one keeps serving.
	StateUpdating
)

func (s State) String() string {
	switch s {
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActive:
		return "active"
	case StateUpdating:
		return "updating"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

const defaultRefreshConcurrency = 4

type Config struct {
	Store *cache.Store
	// Queue drained on sync. Sync is a no-op if nil.
	Queue *queue.Queue
	// Host receiving notifications and window requests. Defaults to a LogHost.
	Host Host
	// Static assets of the current generation, refreshed on periodic sync.
	// Replaced by the asset list of every activated generation.
	Assets []string
	// Defaults for notifications shown on push.
	Notification Notification
	// Number of concurrent fetches while refreshing.
	RefreshConcurrency int
	// Logger to use. Nothing is logged if nil.
	Logger *zerolog.Logger
}

// Controller owns the current generation pointer and drives the lifecycle transitions.
type Controller struct {
	store              *cache.Store
	queue              *queue.Queue
	host               Host
	defaults           Notification
	refreshConcurrency int
	log                zerolog.Logger

	mutex         sync.RWMutex
	state         State
	current       string
	assets        []string
	pending       string
	pendingAssets []string
}

// New creates a controller that continues serving the generation activated last.
func New(ctx context.Context, config Config) (*Controller, error) {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "lifecycle").Logger()
	}
	c := &Controller{
		store:              config.Store,
		queue:              config.Queue,
		host:               config.Host,
		defaults:           config.Notification.withDefaults(DefaultNotification()),
		refreshConcurrency: config.RefreshConcurrency,
		log:                logger,
		assets:             append([]string(nil), config.Assets...),
	}
	if c.host == nil {
		c.host = LogHost{Logger: logger}
	}
	if c.refreshConcurrency <= 0 {
		c.refreshConcurrency = defaultRefreshConcurrency
	}
	current, err := c.store.Current(ctx)
	if err != nil {
		return nil, fmt.Errorf("read current generation: %w", err)
	}
	c.current = current
	if current != "" {
		c.state = StateActive
		c.log.Info().Str("generation", current).Msg("Serving generation")
	}
	return c, nil
}

// Current returns the generation requests are served from.
func (c *Controller) Current() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.current
}

func (c *Controller) State() State {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.state
}

// Pending returns the installed generation waiting for activation, if any.
func (c *Controller) Pending() string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.pending
}

// Assets returns the static assets of the current generation.
func (c *Controller) Assets() []string {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return append([]string(nil), c.assets...)
}

// Install primes the generation with the assets.
// On failure the generation does not become pending and the current generation keeps serving.
func (c *Controller) Install(ctx context.Context, generation string, assets []string) error {
	if generation == "" {
		return fmt.Errorf("install: empty generation")
	}
	c.mutex.Lock()
	if c.state == StateInstalling || c.state == StateUpdating {
		c.mutex.Unlock()
		return ErrBusy
	}
	previous := c.state
	if c.current == "" {
		c.state = StateInstalling
	} else {
		c.state = StateUpdating
	}
	c.mutex.Unlock()

	log := c.log.With().Str("generation", generation).Logger()
	log.Info().Int("assets", len(assets)).Msg("Installing generation")
	err := c.store.Prime(ctx, generation, assets)

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if err != nil {
		c.state = previous
		log.Error().Err(err).Msg("Installation failed")
		return fmt.Errorf("install %s: %w", generation, err)
	}
	c.pending = generation
	c.pendingAssets = append([]string(nil), assets...)
	c.state = StateInstalled
	log.Info().Msg("Installed generation")
	return nil
}

// Activate makes the installed generation current and deletes all other generations.
func (c *Controller) Activate(ctx context.Context) error {
	c.mutex.Lock()
	if c.state == StateInstalling || c.state == StateUpdating {
		c.mutex.Unlock()
		return ErrBusy
	}
	if c.pending == "" {
		c.mutex.Unlock()
		return ErrNoPendingGeneration
	}
	generation := c.pending
	if err := c.store.SetCurrent(ctx, generation); err != nil {
		c.mutex.Unlock()
		return fmt.Errorf("activate %s: %w", generation, err)
	}
	c.current = generation
	c.assets = c.pendingAssets
	c.pending = ""
	c.pendingAssets = nil
	c.state = StateActive
	c.mutex.Unlock()

	log := c.log.With().Str("generation", generation).Logger()
	log.Info().Msg("Activated generation")
	purged, err := c.store.PurgeExcept(ctx, generation)
	if err != nil {
		log.Error().Err(err).Msg("Could not purge stale generations")
		return fmt.Errorf("activate %s: %w", generation, err)
	}
	if len(purged) > 0 {
		log.Info().Strs("purged", purged).Msg("Purged stale generations")
	}
	return nil
}

// RefreshReport lists the assets a refresh did and did not update.
type RefreshReport struct {
	Generation string   `json:"generation"`
	Refreshed  []string `json:"refreshed"`
	Failed     []string `json:"failed"`
}

// Refresh re-fetches every static asset and overwrites its entry in the current generation.
// Assets that fail are logged and keep their previous entry.
func (c *Controller) Refresh(ctx context.Context) RefreshReport {
	c.mutex.RLock()
	generation := c.current
	assets := append([]string(nil), c.assets...)
	c.mutex.RUnlock()

	report := RefreshReport{Generation: generation, Refreshed: []string{}, Failed: []string{}}
	if generation == "" {
		c.log.Debug().Msg("Nothing to refresh, no generation active")
		return report
	}
	log := c.log.With().Str("generation", generation).Logger()
	var mutex sync.Mutex
	p := pool.New().WithMaxGoroutines(c.refreshConcurrency)
	for _, key := range assets {
		key := key
		p.Go(func() {
			err := c.refreshKey(ctx, generation, key)
			mutex.Lock()
			defer mutex.Unlock()
			if err != nil {
				log.Warn().Err(err).Str("key", key).Msg("Could not refresh asset")
				report.Failed = append(report.Failed, key)
				return
			}
			report.Refreshed = append(report.Refreshed, key)
		})
	}
	p.Wait()
	sort.Strings(report.Refreshed)
	sort.Strings(report.Failed)
	log.Info().
		Int("refreshed", len(report.Refreshed)).
		Int("failed", len(report.Failed)).
		Msg("Refreshed assets")
	return report
}

func (c *Controller) refreshKey(ctx context.Context, generation, key string) error {
	snapshot, err := c.store.FetchSnapshot(ctx, key)
	if err != nil {
		return err
	}
	// skip writing into a generation that was replaced while fetching
	if c.Current() != generation {
		return nil
	}
	err = c.store.Put(ctx, generation, key, snapshot)
	if errors.Is(err, cache.ErrUnknownGeneration) {
		return nil
	}
	return err
}

// Sync drains the retry queue.
func (c *Controller) Sync(ctx context.Context) (queue.Report, error) {
	if c.queue == nil {
		return queue.Report{}, nil
	}
	return c.queue.DrainAll(ctx)
}

// Push shows a notification for the pushed payload. The cache is not touched.
func (c *Controller) Push(ctx context.Context, payload []byte) (Notification, error) {
	n := c.defaults.fromPayload(payload)
	c.log.Debug().Str("title", n.Title).Msg("Showing notification")
	if err := c.host.ShowNotification(ctx, n); err != nil {
		return n, fmt.Errorf("show notification: %w", err)
	}
	return n, nil
}

// NotificationClick opens the clicked notification's URL, unless it was the close action.
// It returns the URL that was opened.
func (c *Controller) NotificationClick(ctx context.Context, click Click) (string, error) {
	if click.Action == ActionClose {
		return "", nil
	}
	target := click.URL
	if target == "" {
		target = c.defaults.URL
	}
	if err := c.host.OpenWindow(ctx, target); err != nil {
		return "", fmt.Errorf("open window: %w", err)
	}
	return target, nil
}
