// Package policy decides, per intercepted request, where the response comes from:
// the network, the current cache generation, or a synthesized fallback.
package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	cachestatus "github.com/always-cache/offline-cache/pkg/cache-status"
	cacheupdate "github.com/always-cache/offline-cache/pkg/cache-update"
	"github.com/always-cache/offline-cache/pkg/fetch"
	routerules "github.com/always-cache/offline-cache/pkg/route-rules"
	"github.com/always-cache/offline-cache/queue"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

const (
	DefaultAPIPrefix   = "/api/"
	DefaultOfflinePage = "/offline.html"
	// Request header carrying the client's id for a submission.
	MutationIDHeader = "X-Mutation-Id"
)

type Config struct {
	Store   *cache.Store
	Fetcher fetch.Fetcher
	// Queue for form submissions that could not reach the network.
	// Failed submissions are not queued if nil.
	Queue *queue.Queue
	Keyer cachekey.Keyer
	// Current returns the generation to serve from. Nothing is served from the cache if it returns "".
	Current func() string
	Rules   routerules.Rules
	// Path prefix of API requests. Zero value means DefaultAPIPrefix.
	APIPrefix string
	// Key of the page shown for navigations when neither network nor cache can answer.
	// Zero value means DefaultOfflinePage.
	OfflinePage string
	// Logger to use. Nothing is logged if nil.
	Logger *zerolog.Logger
}

// Policy applies the caching strategies.
// Cache writes happen in background tasks that outlive the request.
type Policy struct {
	store       *cache.Store
	fetcher     fetch.Fetcher
	queue       *queue.Queue
	keyer       cachekey.Keyer
	current     func() string
	rules       routerules.Rules
	apiPrefix   string
	offlinePage string
	log         zerolog.Logger

	tasks      conc.WaitGroup
	taskErrors chan error
	done       chan struct{}
	// closed when Close is called, ends pending delays
	closing    chan struct{}
	closeOnce  sync.Once
}

// Result is the outcome of handling a request.
type Result struct {
	Request  InterceptedRequest
	Strategy routerules.Strategy
	// Response to send. Nil if there is no response at all,
	// in which case the host's own failure handling takes over.
	Response    *http.Response
	CacheStatus cachestatus.CacheStatus
	// The request targets another origin and was not handled.
	Passthrough bool
	// The request was a submission that was queued for a later resend.
	Queued bool
}

func New(config Config) *Policy {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "policy").Logger()
	}
	p := &Policy{
		store:       config.Store,
		fetcher:     config.Fetcher,
		queue:       config.Queue,
		keyer:       config.Keyer,
		current:     config.Current,
		rules:       config.Rules,
		apiPrefix:   config.APIPrefix,
		offlinePage: config.OfflinePage,
		log:         logger,
		taskErrors:  make(chan error, 16),
		done:        make(chan struct{}),
		closing:     make(chan struct{}),
	}
	if p.current == nil {
		p.current = func() string { return "" }
	}
	if p.apiPrefix == "" {
		p.apiPrefix = DefaultAPIPrefix
	}
	if p.offlinePage == "" {
		p.offlinePage = DefaultOfflinePage
	}
	go p.logTaskErrors()
	return p
}

// Handle serves the request according to its classification.
// The returned error is only set if the request could not be handled at all,
// e.g. because its context was canceled.
func (p *Policy) Handle(ctx context.Context, r *http.Request) (Result, error) {
	ir := Classify(r, p.keyer, p.apiPrefix)
	result := Result{Request: ir}
	if !ir.SameOrigin {
		result.Passthrough = true
		result.CacheStatus.Forward(cachestatus.FwdBypass)
		return result, nil
	}
	log := p.log.With().
		Str("method", r.Method).
		Str("key", ir.Key).
		Str("kind", ir.Kind.String()).
		Logger()

	if r.Method != http.MethodGet {
		return p.forward(ctx, r, result, log)
	}

	result.Strategy = p.strategy(r, ir)
	log = log.With().Str("strategy", string(result.Strategy)).Logger()
	log.Trace().Msg("Handling request")
	// read once, so that the whole request is served from one generation
	generation := p.current()
	switch result.Strategy {
	case routerules.StrategyBypass:
		return p.bypass(ctx, r, result)
	case routerules.StrategyNetworkFirst:
		return p.networkFirst(ctx, r, result, generation, log)
	default:
		return p.cacheFirst(ctx, r, result, generation, log)
	}
}

// strategy returns the strategy forced by route rules, or the one the classification calls for.
func (p *Policy) strategy(r *http.Request, ir InterceptedRequest) routerules.Strategy {
	if s := p.rules.Strategy(r); s != routerules.StrategyDefault {
		return s
	}
	if ir.Navigation() {
		return routerules.StrategyNetworkFirst
	}
	return routerules.StrategyCacheFirst
}

func (p *Policy) bypass(ctx context.Context, r *http.Request, result Result) (Result, error) {
	result.CacheStatus.Forward(cachestatus.FwdBypass)
	res, err := p.fetcher.Fetch(ctx, r)
	if err != nil {
		return result, ctx.Err()
	}
	result.CacheStatus.ForwardStatus(res.StatusCode)
	result.Response = res
	return result, nil
}

// networkFirst returns the network response if there is one,
// then the cached entry, and finally the offline page.
func (p *Policy) networkFirst(ctx context.Context, r *http.Request, result Result, generation string, log zerolog.Logger) (Result, error) {
	result.CacheStatus.Forward(cachestatus.FwdRequest)
	res, err := p.fetcher.Fetch(ctx, r)
	if err == nil && res.StatusCode < 500 {
		result.CacheStatus.ForwardStatus(res.StatusCode)
		if res.StatusCode == http.StatusOK && p.mirror(ctx, generation, result.Request.Key, res) {
			result.CacheStatus.Stored()
		}
		result.Response = res
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	if err != nil {
		log.Debug().Err(err).Msg("Network failed, falling back to cache")
	} else {
		log.Debug().Int("status", res.StatusCode).Msg("Network answered with server error, falling back to cache")
		drain(res)
	}

	if entry, ok := p.lookup(ctx, generation, result.Request.Key, log); ok {
		result.CacheStatus.Hit()
		result.Response = entry.Snapshot.Response(r)
		return result, nil
	}
	result.CacheStatus.Forward(cachestatus.FwdUriMiss)
	result.CacheStatus.Detail("offline")
	result.Response = p.offlineResponse(ctx, r, generation, log)
	return result, nil
}

// cacheFirst returns the cached entry without touching the network.
// On a miss the network response is returned, and stored if it is safe to replay.
func (p *Policy) cacheFirst(ctx context.Context, r *http.Request, result Result, generation string, log zerolog.Logger) (Result, error) {
	if entry, ok := p.lookup(ctx, generation, result.Request.Key, log); ok {
		result.CacheStatus.Hit()
		result.Response = entry.Snapshot.Response(r)
		return result, nil
	}
	result.CacheStatus.Forward(cachestatus.FwdUriMiss)
	res, err := p.fetcher.Fetch(ctx, r)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return result, ctxErr
		}
		log.Debug().Err(err).Msg("Network failed, synthesizing fallback")
		result.CacheStatus.Detail("fallback")
		result.Response = fallbackResponse(r, result.Request.Destination)
		return result, nil
	}
	result.CacheStatus.ForwardStatus(res.StatusCode)
	if p.replayable(res) && p.mirror(ctx, generation, result.Request.Key, res) {
		result.CacheStatus.Stored()
	}
	result.Response = res
	return result, nil
}

// replayable reports whether the response is a plain same-origin success that can be stored.
// Error, redirect and partial responses are passed on but never cached.
func (p *Policy) replayable(res *http.Response) bool {
	if res.StatusCode != http.StatusOK {
		return false
	}
	return res.Request == nil || p.keyer.SameOrigin(res.Request)
}

func (p *Policy) lookup(ctx context.Context, generation, key string, log zerolog.Logger) (cache.Entry, bool) {
	entry, ok, err := p.store.Lookup(ctx, generation, key)
	if err != nil {
		// storage failures are cache misses
		log.Error().Err(err).Str("generation", generation).Msg("Could not read from cache")
		return cache.Entry{}, false
	}
	return entry, ok
}

// mirror snapshots the response and writes it to the generation in the background.
// The response body is replaced so that it can still be sent.
func (p *Policy) mirror(ctx context.Context, generation, key string, res *http.Response) bool {
	if generation == "" {
		return false
	}
	snapshot, err := cache.SnapshotFromResponse(res)
	if err != nil {
		p.log.Warn().Err(err).Str("key", key).Msg("Could not read response for caching")
		return false
	}
	p.background(ctx, func(ctx context.Context) error {
		if p.current() != generation {
			return nil
		}
		err := p.store.Put(ctx, generation, key, snapshot)
		if errors.Is(err, cache.ErrUnknownGeneration) {
			// purged in the meantime
			return nil
		}
		if err != nil {
			return fmt.Errorf("mirror %s: %w", key, err)
		}
		p.log.Trace().Str("key", key).Str("generation", generation).Msg("Mirrored response")
		return nil
	})
	return true
}

func (p *Policy) offlineResponse(ctx context.Context, r *http.Request, generation string, log zerolog.Logger) *http.Response {
	if entry, ok := p.lookup(ctx, generation, p.offlinePage, log); ok {
		return entry.Snapshot.Response(r)
	}
	return placeholderResponse(r)
}

// forward sends a mutating request on to the network untouched.
// A form or JSON POST that cannot reach the network is queued and answered with 202 Accepted.
func (p *Policy) forward(ctx context.Context, r *http.Request, result Result, log zerolog.Logger) (Result, error) {
	result.CacheStatus.Forward(cachestatus.FwdMethod)

	queueable := r.Method == http.MethodPost && p.queue != nil && r.Body != nil
	var body []byte
	if queueable {
		var err error
		body, err = io.ReadAll(r.Body)
		r.Body.Close()
		if err != nil {
			return result, fmt.Errorf("read request body: %w", err)
		}
		r.Body = io.NopCloser(bytes.NewReader(body))
		r.ContentLength = int64(len(body))
	}

	res, err := p.fetcher.Fetch(ctx, r)
	if err == nil {
		result.CacheStatus.ForwardStatus(res.StatusCode)
		p.ApplyCacheUpdates(ctx, r, res)
		result.Response = res
		return result, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return result, ctxErr
	}
	log.Warn().Err(err).Msg("Could not forward request")
	if !queueable {
		return result, nil
	}

	m, err := p.enqueue(ctx, r, body)
	if err != nil {
		if errors.Is(err, queue.ErrUnsupportedPayload) {
			log.Debug().Err(err).Msg("Not queueing request")
		} else {
			log.Error().Err(err).Msg("Could not queue request")
		}
		return result, nil
	}
	result.Queued = true
	result.CacheStatus.Detail("queued")
	result.Response = queuedResponse(r, m.ID)
	return result, nil
}

func (p *Policy) enqueue(ctx context.Context, r *http.Request, body []byte) (queue.Mutation, error) {
	payload, err := queue.Payload(r.Header.Get("Content-Type"), body)
	if err != nil {
		return queue.Mutation{}, err
	}
	target := r.URL.RequestURI()
	id := r.Header.Get(MutationIDHeader)
	if id == "" {
		id = queue.ID(target, payload)
	}
	m := queue.Mutation{
		ID:        id,
		TargetURL: target,
		Payload:   payload,
	}
	return m, p.queue.Enqueue(ctx, m)
}

// ApplyCacheUpdates refreshes the entries an answer to a mutating request made stale:
// the paths listed in its Cache-Update header and the stored responses it invalidates.
// Refreshes run in the background.
func (p *Policy) ApplyCacheUpdates(ctx context.Context, req *http.Request, res *http.Response) {
	p.revalidate(ctx, req, res)
	for _, update := range cacheupdate.GetCacheUpdates(req, res) {
		key, err := p.keyer.Canonical(update.Path)
		if err != nil {
			p.log.Warn().Err(err).Str("update", update.Path).Msg("Ignoring cache update")
			continue
		}
		delay := update.Delay
		p.log.Trace().Str("update", key).Dur("delay", delay).Msg("Updating cache based on header")
		p.background(ctx, func(ctx context.Context) error {
			if delay > 0 {
				timer := time.NewTimer(delay)
				defer timer.Stop()
				select {
				case <-timer.C:
				case <-p.closing:
					return nil
				}
			}
			return p.Refresh(ctx, key)
		})
	}
}

// Refresh fetches the key from the network and overwrites its entry in the current generation.
func (p *Policy) Refresh(ctx context.Context, key string) error {
	generation := p.current()
	if generation == "" {
		return nil
	}
	snapshot, err := p.store.FetchSnapshot(ctx, key)
	if err != nil {
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	err = p.store.Put(ctx, generation, key, snapshot)
	if errors.Is(err, cache.ErrUnknownGeneration) {
		p.log.Debug().Str("key", key).Str("generation", generation).Msg("Generation purged during refresh")
		return nil
	}
	if err != nil {
		return fmt.Errorf("refresh %s: %w", key, err)
	}
	p.log.Debug().Str("key", key).Str("generation", generation).Msg("Refreshed entry")
	return nil
}

// background runs the task detached from the request's cancellation.
// Errors are logged, never returned to the request.
func (p *Policy) background(ctx context.Context, task func(context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	p.tasks.Go(func() {
		if err := task(ctx); err != nil {
			p.taskErrors <- err
		}
	})
}

func (p *Policy) logTaskErrors() {
	defer close(p.done)
	for err := range p.taskErrors {
		p.log.Warn().Err(err).Msg("Background cache write failed")
	}
}

// Wait blocks until all background cache writes have finished.
func (p *Policy) Wait() {
	if recovered := p.tasks.WaitAndRecover(); recovered != nil {
		p.log.Error().Err(recovered.AsError()).Msg("Background cache write panicked")
	}
}

// Close cancels pending delayed refreshes and waits for background cache writes.
// The policy must not be used afterwards.
func (p *Policy) Close() {
	p.closeOnce.Do(func() {
		close(p.closing)
		p.Wait()
		close(p.taskErrors)
		<-p.done
	})
}

func drain(res *http.Response) {
	if res.Body != nil {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
	}
}

const placeholderPage = `<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available right now. Please try again once you are back online.</p></body>
</html>
`

// placeholderResponse is the built-in offline page, used when no offline page is cached.
func placeholderResponse(r *http.Request) *http.Response {
	return syntheticResponse(r, http.StatusServiceUnavailable, "text/html; charset=utf-8", []byte(placeholderPage))
}

// fallbackResponse returns an empty but valid body for stylesheets and scripts,
// and nil for anything else.
func fallbackResponse(r *http.Request, dest Destination) *http.Response {
	switch dest {
	case DestinationStyle:
		return syntheticResponse(r, http.StatusOK, "text/css", nil)
	case DestinationScript:
		return syntheticResponse(r, http.StatusOK, "application/javascript", nil)
	}
	return nil
}

func queuedResponse(r *http.Request, id string) *http.Response {
	body, _ := json.Marshal(struct {
		Queued bool   `json:"queued"`
		ID     string `json:"id"`
	}{true, id})
	return syntheticResponse(r, http.StatusAccepted, "application/json", body)
}

func syntheticResponse(r *http.Request, status int, contentType string, body []byte) *http.Response {
	snapshot := cache.Snapshot{
		StatusCode: status,
		Header:     http.Header{},
		Body:       body,
	}
	snapshot.Header.Set("Content-Type", contentType)
	snapshot.Header.Set("Cache-Control", "no-store")
	return snapshot.Response(r)
}
