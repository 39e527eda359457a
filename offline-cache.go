package offlinecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/lifecycle"
	"github.com/always-cache/offline-cache/manifest"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	"github.com/always-cache/offline-cache/pkg/fetch"
	routerules "github.com/always-cache/offline-cache/pkg/route-rules"
	"github.com/always-cache/offline-cache/policy"
	"github.com/always-cache/offline-cache/queue"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

type Config struct {
	// Storage for cache entries. Entries are kept in memory if nil.
	Provider cache.Provider
	// Storage for queued submissions. Submissions are kept in memory if nil.
	QueueBackend queue.Backend
	// URL of the origin server.
	// Origins with paths are not supported.
	OriginURL url.URL
	// Hostname to use for HTTP requests and TLS negotiation.
	// Use if needed if e.g. the origin URL is just an IP address.
	OriginHost string
	// Additional host names requests for the origin can arrive with,
	// e.g. the address this layer listens on when used as a forward proxy.
	Aliases []string
	// Network to use. Requests are sent to the origin URL if nil.
	Fetcher fetch.Fetcher
	// Environment receiving notifications. Notifications are only logged if nil.
	Host lifecycle.Host
	// Static assets of the generation that was activated last, refreshed periodically.
	Assets []string
	// Path prefix of API requests.
	APIPrefix string
	// Key of the page shown for navigations when neither network nor cache can answer.
	OfflinePage string
	// Rules forcing a strategy for matching requests.
	Rules routerules.Rules
	// Proxy requests for other origins instead of refusing them with 421 Misdirected Request.
	Passthrough bool
	// Retry policy for queued submissions. Zero values use the queue defaults.
	MaxAttempts         int
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
	// Defaults for notifications shown on push.
	Notification lifecycle.Notification
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// OfflineCache is the interception layer: an http.Handler serving every request
// through the fetch policy, plus the lifecycle hook endpoints under HookPrefix.
type OfflineCache struct {
	store       *cache.Store
	queue       *queue.Queue
	policy      *policy.Policy
	controller  *lifecycle.Controller
	dispatcher  *lifecycle.Dispatcher
	keyer       cachekey.Keyer
	fetcher     fetch.Fetcher
	passthrough bool
	hooks       chi.Router
	log         zerolog.Logger
}

// New creates the offline cache. It continues serving the generation activated last.
func New(ctx context.Context, config Config) (*OfflineCache, error) {
	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}
	// create a child logger and add defaults
	logger = logger.With().
		Str("origin", config.OriginURL.String()).
		Logger()

	oc := &OfflineCache{
		keyer:       cachekey.NewKeyer(config.OriginURL, config.Aliases...),
		fetcher:     config.Fetcher,
		passthrough: config.Passthrough,
		log:         logger,
	}
	if oc.fetcher == nil {
		if config.OriginURL.Host == "" {
			return nil, errors.New("origin URL or fetcher required")
		}
		oc.fetcher = fetch.NewOriginFetcher(config.OriginURL, config.OriginHost, logger)
	}
	provider := config.Provider
	if provider == nil {
		provider = cache.NewMemProvider(cache.DefaultMemCapacity)
	}
	backend := config.QueueBackend
	if backend == nil {
		backend = queue.NewMemBackend()
	}

	oc.store = cache.NewStore(cache.StoreConfig{
		Provider: provider,
		Fetcher:  oc.fetcher,
		Logger:   &logger,
	})
	oc.queue = queue.New(queue.Config{
		Backend:             backend,
		Fetcher:             oc.fetcher,
		Logger:              &logger,
		MaxAttempts:         config.MaxAttempts,
		InitialInterval:     config.InitialInterval,
		MaxInterval:         config.MaxInterval,
		RandomizationFactor: config.RandomizationFactor,
		OnResent:            oc.resent,
	})
	controller, err := lifecycle.New(ctx, lifecycle.Config{
		Store:        oc.store,
		Queue:        oc.queue,
		Host:         config.Host,
		Assets:       config.Assets,
		Notification: config.Notification,
		Logger:       &logger,
	})
	if err != nil {
		return nil, err
	}
	oc.controller = controller
	oc.policy = policy.New(policy.Config{
		Store:       oc.store,
		Fetcher:     oc.fetcher,
		Queue:       oc.queue,
		Keyer:       oc.keyer,
		Current:     controller.Current,
		Rules:       config.Rules,
		APIPrefix:   config.APIPrefix,
		OfflinePage: config.OfflinePage,
		Logger:      &logger,
	})

	oc.dispatcher = lifecycle.NewDispatcher(&logger)
	controller.Register(oc.dispatcher)
	oc.dispatcher.Register(lifecycle.HookFetch, func(ctx context.Context, event lifecycle.Event) (any, error) {
		return oc.policy.Handle(ctx, event.Request)
	})
	oc.hooks = oc.hookRouter()
	return oc, nil
}

// NewMiddleware creates an offline cache in front of next instead of an origin server.
func NewMiddleware(ctx context.Context, config Config, next http.Handler) (*OfflineCache, error) {
	config.Fetcher = fetch.HandlerFetcher{Handler: next}
	return New(ctx, config)
}

// Dispatch fires the hook. Use the returned task to wait for the result.
func (oc *OfflineCache) Dispatch(ctx context.Context, event lifecycle.Event) *lifecycle.Task {
	return oc.dispatcher.Dispatch(ctx, event)
}

// Keyer maps request URLs of the origin to cache keys.
func (oc *OfflineCache) Keyer() cachekey.Keyer {
	return oc.keyer
}

// Deploy installs the generation with the assets and activates it.
// Assets are paths or URLs of the origin.
func (oc *OfflineCache) Deploy(ctx context.Context, generation string, assets []string) error {
	keys, err := manifest.Manifest{Version: generation, Assets: assets}.Keys(oc.keyer)
	if err != nil {
		return err
	}
	if _, err := oc.Dispatch(ctx, lifecycle.Event{Hook: lifecycle.HookInstall, Generation: generation, Assets: keys}).Wait(ctx); err != nil {
		return err
	}
	_, err = oc.Dispatch(ctx, lifecycle.Event{Hook: lifecycle.HookActivate}).Wait(ctx)
	return err
}

func (oc *OfflineCache) Controller() *lifecycle.Controller {
	return oc.controller
}

func (oc *OfflineCache) Queue() *queue.Queue {
	return oc.queue
}

func (oc *OfflineCache) Store() *cache.Store {
	return oc.store
}

// Wait blocks until all background work started so far has finished.
func (oc *OfflineCache) Wait() {
	oc.dispatcher.Wait()
	oc.policy.Wait()
}

// Close waits for background work. The offline cache must not be used afterwards.
func (oc *OfflineCache) Close() {
	oc.dispatcher.Wait()
	oc.policy.Close()
}

// resent applies the Cache-Update header of the origin's answer to a resent submission.
func (oc *OfflineCache) resent(m queue.Mutation, res *http.Response) {
	req, err := http.NewRequest(http.MethodPost, m.TargetURL, nil)
	if err != nil {
		return
	}
	oc.policy.ApplyCacheUpdates(context.Background(), req, res)
}

// ServeHTTP implements the http.Handler interface.
func (oc *OfflineCache) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.Path, HookPrefix) {
		oc.hooks.ServeHTTP(w, r)
		return
	}
	defer oc.recover(w, r)
	oc.handle(w, r)
}

// recover recovers from panics and sends the request to the escape hatch.
func (oc *OfflineCache) recover(w http.ResponseWriter, r *http.Request) {
	if err := recover(); err != nil {
		oc.log.WithLevel(zerolog.PanicLevel).Interface("error", err).Msg("Panic in cache handler")
		oc.escapeHatch(w, r)
	}
}

// escapeHatch just proxies the request to the network.
func (oc *OfflineCache) escapeHatch(w http.ResponseWriter, r *http.Request) {
	res, err := oc.fetcher.Fetch(r.Context(), r)
	if err != nil {
		oc.log.Error().Err(err).Msg("Error connecting to origin")
		http.Error(w, "Could not connect to origin", http.StatusBadGateway)
		return
	}
	var cs cachestatus.CacheStatus
	cs.Forward(cachestatus.FwdBypass)
	cs.Detail("error")
	oc.send(w, r, res, cs)
}

func (oc *OfflineCache) handle(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	value, err := oc.dispatcher.Dispatch(ctx, lifecycle.Event{Hook: lifecycle.HookFetch, Request: r}).Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			oc.log.Trace().Str("url", r.URL.String()).Msg("Request canceled")
			return
		}
		panic(err)
	}
	result := value.(policy.Result)
	if result.Passthrough {
		oc.handleForeign(w, r, result.CacheStatus)
		return
	}
	if result.Response == nil {
		oc.logRequest(r, result.CacheStatus, http.StatusBadGateway)
		w.Header().Add(cachestatus.HeaderName, result.CacheStatus.String())
		http.Error(w, "No response available", http.StatusBadGateway)
		return
	}
	oc.send(w, r, result.Response, result.CacheStatus)
}

// handleForeign answers requests for other origins: they are proxied untouched if configured,
// and refused otherwise.
func (oc *OfflineCache) handleForeign(w http.ResponseWriter, r *http.Request, cs cachestatus.CacheStatus) {
	if !oc.passthrough {
		oc.logRequest(r, cs, http.StatusMisdirectedRequest)
		http.Error(w, fmt.Sprintf("Not serving %s", r.URL.Host), http.StatusMisdirectedRequest)
		return
	}
	req := r.Clone(r.Context())
	req.RequestURI = ""
	req.Header = fetch.ForwardHeader(r.Header)
	res, err := http.DefaultTransport.RoundTrip(req)
	if err != nil {
		oc.log.Warn().Err(err).Str("url", r.URL.String()).Msg("Could not pass request through")
		http.Error(w, "Could not connect to host", http.StatusBadGateway)
		return
	}
	oc.send(w, r, res, cs)
}

func (oc *OfflineCache) send(w http.ResponseWriter, r *http.Request, res *http.Response, cs cachestatus.CacheStatus) {
	if res.Body != nil {
		defer res.Body.Close()
	}
	copyHeader(w.Header(), fetch.ForwardHeader(res.Header))
	w.Header().Add(cachestatus.HeaderName, cs.String())
	w.WriteHeader(res.StatusCode)
	var bytesWritten int64
	if res.Body != nil {
		var err error
		bytesWritten, err = io.Copy(w, res.Body)
		if err != nil {
			oc.log.Error().Err(err).Msg("Could not write response body to client")
		}
	}
	oc.logRequest(r, cs, res.StatusCode)
	oc.log.Trace().Msgf("Wrote body (%d bytes)", bytesWritten)
}

func (oc *OfflineCache) logRequest(r *http.Request, cs cachestatus.CacheStatus, status int) {
	isHit := 0
	if cs.IsHit() {
		isHit = 1
	}
	oc.log.Debug().
		Str("method", r.Method).
		Str("url", r.URL.String()).
		Str("sourceIp", getRequestSourceIp(r)).
		Int("status", status).
		Str("fwd", string(cs.Reason())).
		Str("cacheStatus", cs.String()).
		Int("hit", isHit).
		Msg("Sending response to client")
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	return ipAndPort[:portSepIdx]
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		// remove default headers sent by an upstream proxy
		// some clients do not like the presence of these headers in the response
		if k != "X-Forwarded-For" && k != "X-Forwarded-Proto" && k != "X-Forwarded-Host" {
			for _, v := range vv {
				dst.Add(k, v)
			}
		}
	}
}
