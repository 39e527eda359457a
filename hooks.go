package offlinecache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/always-cache/offline-cache/lifecycle"
	"github.com/always-cache/offline-cache/manifest"
	"github.com/always-cache/offline-cache/queue"

	"github.com/go-chi/chi/v5"
)

// HookPrefix is the path prefix of the endpoints the host environment fires lifecycle hooks through.
// Requests below it are never passed on to the origin.
const HookPrefix = "/.offline/"

// maxHookPayload limits the size of hook request bodies.
const maxHookPayload = 1 << 20

type installRequest struct {
	Generation string   `json:"generation"`
	Assets     []string `json:"assets"`
}

type statusResponse struct {
	State       lifecycle.State `json:"state"`
	Current     string          `json:"current"`
	Pending     string          `json:"pending,omitempty"`
	Assets      []string        `json:"assets"`
	Generations []string        `json:"generations"`
	Queued      int             `json:"queued"`
}

type queuedMutation struct {
	ID            string          `json:"id"`
	TargetURL     string          `json:"targetUrl"`
	Payload       json.RawMessage `json:"payload"`
	EnqueuedAt    string          `json:"enqueuedAt"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"lastError,omitempty"`
	NextAttemptAt string          `json:"nextAttemptAt,omitempty"`
	Dead          bool            `json:"dead"`
}

func (oc *OfflineCache) hookRouter() chi.Router {
	r := chi.NewRouter()
	r.Route("/.offline", func(r chi.Router) {
		r.Get("/status", oc.handleStatus)
		r.Get("/queue", oc.handleQueue)
		r.Post("/install", oc.handleInstall)
		r.Post("/activate", oc.hook(lifecycle.HookActivate))
		r.Post("/sync", oc.hook(lifecycle.HookSync))
		r.Post("/periodic-sync", oc.hook(lifecycle.HookPeriodicSync))
		r.Post("/push", oc.hook(lifecycle.HookPush))
		r.Post("/notification-click", oc.hook(lifecycle.HookNotificationClick))
		r.Post("/signals/role-changed", oc.hook(lifecycle.HookRoleChanged))
		r.Post("/signals/content-refresh", oc.hook(lifecycle.HookContentRefresh))
	})
	return r
}

// hook returns a handler dispatching the hook with the request body as payload
// and answering with the result as JSON.
func (oc *OfflineCache) hook(hook lifecycle.Hook) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, maxHookPayload))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		oc.dispatchHook(w, r, lifecycle.Event{Hook: hook, Payload: payload})
	}
}

func (oc *OfflineCache) dispatchHook(w http.ResponseWriter, r *http.Request, event lifecycle.Event) {
	ctx := r.Context()
	result, err := oc.Dispatch(ctx, event).Wait(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		oc.log.Warn().Err(err).Str("hook", string(event.Hook)).Msg("Hook failed")
		writeError(w, hookErrorStatus(err), err)
		return
	}
	if event.Hook == lifecycle.HookActivate {
		result = map[string]any{"current": result}
	}
	writeJSON(w, http.StatusOK, result)
}

func hookErrorStatus(err error) int {
	switch {
	case errors.Is(err, lifecycle.ErrBusy), errors.Is(err, lifecycle.ErrNoPendingGeneration):
		return http.StatusConflict
	case errors.Is(err, lifecycle.ErrUnknownHook):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (oc *OfflineCache) handleInstall(w http.ResponseWriter, r *http.Request) {
	var body installRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxHookPayload)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if body.Generation == "" {
		writeError(w, http.StatusBadRequest, errors.New("generation is required"))
		return
	}
	keys, err := manifest.Manifest{Version: body.Generation, Assets: body.Assets}.Keys(oc.keyer)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	oc.dispatchHook(w, r, lifecycle.Event{Hook: lifecycle.HookInstall, Generation: body.Generation, Assets: keys})
}

func (oc *OfflineCache) handleStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	generations, err := oc.store.Generations(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	mutations, err := oc.queue.List(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		State:       oc.controller.State(),
		Current:     oc.controller.Current(),
		Pending:     oc.controller.Pending(),
		Assets:      oc.controller.Assets(),
		Generations: generations,
		Queued:      len(mutations),
	})
}

func (oc *OfflineCache) handleQueue(w http.ResponseWriter, r *http.Request) {
	mutations, err := oc.queue.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]queuedMutation, 0, len(mutations))
	for _, m := range mutations {
		out = append(out, toQueuedMutation(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func toQueuedMutation(m queue.Mutation) queuedMutation {
	qm := queuedMutation{
		ID:         m.ID,
		TargetURL:  m.TargetURL,
		Payload:    m.Payload,
		EnqueuedAt: m.EnqueuedAt.Format(time.RFC3339),
		Attempts:   m.Attempts,
		LastError:  m.LastError,
		Dead:       m.Dead,
	}
	if !m.NextAttemptAt.IsZero() {
		qm.NextAttemptAt = m.NextAttemptAt.Format(time.RFC3339)
	}
	return qm
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
