package offlinecache

import (
	"context"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/lifecycle"
)

// RunPeriodicRefresh fires the periodic sync hook every interval until the context is done,
// which refreshes the static assets of the current generation.
func (oc *OfflineCache) RunPeriodicRefresh(ctx context.Context, interval time.Duration) {
	oc.log.Info().Msgf("Starting periodic refresh with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := oc.Dispatch(ctx, lifecycle.Event{Hook: lifecycle.HookPeriodicSync}).Wait(ctx); err != nil && ctx.Err() == nil {
				oc.log.Error().Err(err).Msg("Periodic refresh failed")
			}
		}
	}
}

// RunConnectivityProbe checks every interval whether the origin can be reached,
// and fires the sync hook whenever it becomes reachable.
// The first successful probe counts as becoming reachable.
func (oc *OfflineCache) RunConnectivityProbe(ctx context.Context, interval time.Duration) {
	oc.log.Info().Msgf("Starting connectivity probe with interval %s", interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	online := false
	for {
		reachable := oc.probe(ctx, interval)
		if ctx.Err() != nil {
			return
		}
		if reachable != online {
			oc.log.Info().Bool("online", reachable).Msg("Origin connectivity changed")
		}
		if reachable && !online {
			oc.sync(ctx)
		}
		online = reachable
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// probe sends a HEAD request for the root to the network.
// Any answer, even an error status, means the origin is reachable.
func (oc *OfflineCache) probe(ctx context.Context, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, "/", nil)
	if err != nil {
		return false
	}
	res, err := oc.fetcher.Fetch(ctx, req)
	if err != nil {
		oc.log.Trace().Err(err).Msg("Origin not reachable")
		return false
	}
	if res.Body != nil {
		res.Body.Close()
	}
	return true
}

func (oc *OfflineCache) sync(ctx context.Context) {
	result, err := oc.Dispatch(ctx, lifecycle.Event{Hook: lifecycle.HookSync}).Wait(ctx)
	if err != nil {
		if ctx.Err() == nil {
			oc.log.Error().Err(err).Msg("Sync failed")
		}
		return
	}
	oc.log.Debug().Interface("report", result).Msg("Synced queued submissions")
}
