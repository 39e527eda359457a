package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
)

// ErrUnknownHook is returned by tasks dispatched to a hook without handler.
var ErrUnknownHook = errors.New("no handler for hook")

// Hook is a trigger the host environment fires.
type Hook string

const (
	HookInstall           Hook = "install"
	HookActivate          Hook = "activate"
	HookFetch             Hook = "fetch"
	HookSync              Hook = "sync"
	HookPeriodicSync      Hook = "periodic-sync"
	HookPush              Hook = "push"
	HookNotificationClick Hook = "notification-click"
	HookRoleChanged       Hook = "role-changed"
	HookContentRefresh    Hook = "content-refresh"
)

// Event is a fired trigger with its payload.
type Event struct {
	Hook Hook
	// Raw payload, for push and notification-click.
	// Signals only need to be present; their payload is ignored.
	Payload []byte
	// Intercepted request, for fetch.
	Request *http.Request
	// Generation and its static assets, for install.
	Generation string
	Assets     []string
}

// Handler handles an event. Its result is delivered through the event's task.
type Handler func(ctx context.Context, event Event) (any, error)

// Task is the pending result of a dispatched event.
type Task struct {
	done   chan struct{}
	result any
	err    error
}

// Done is closed once the result is available.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Wait blocks until the handler has finished or the context is done.
func (t *Task) Wait(ctx context.Context) (any, error) {
	select {
	case <-t.done:
		return t.result, t.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *Task) finish(result any, err error) {
	t.result, t.err = result, err
	close(t.done)
}

// Dispatcher is the table of hook handlers.
// Every dispatched event runs in its own goroutine.
type Dispatcher struct {
	mutex    sync.RWMutex
	handlers map[Hook]Handler
	tasks    conc.WaitGroup
	log      zerolog.Logger
}

func NewDispatcher(logger *zerolog.Logger) *Dispatcher {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "dispatch").Logger()
	}
	return &Dispatcher{
		handlers: make(map[Hook]Handler),
		log:      l,
	}
}

// Register sets the handler for the hook, replacing any previous one.
func (d *Dispatcher) Register(hook Hook, handler Handler) {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	d.handlers[hook] = handler
}

// Handles reports whether a handler is registered for the hook.
func (d *Dispatcher) Handles(hook Hook) bool {
	d.mutex.RLock()
	defer d.mutex.RUnlock()
	_, ok := d.handlers[hook]
	return ok
}

// Dispatch starts the handler for the event and returns its task.
// A panicking handler fails its task instead of the process.
func (d *Dispatcher) Dispatch(ctx context.Context, event Event) *Task {
	task := &Task{done: make(chan struct{})}
	d.mutex.RLock()
	handler, ok := d.handlers[event.Hook]
	d.mutex.RUnlock()
	if !ok {
		task.finish(nil, fmt.Errorf("%w: %s", ErrUnknownHook, event.Hook))
		return task
	}
	d.log.Trace().Str("hook", string(event.Hook)).Msg("Dispatching event")
	d.tasks.Go(func() {
		var (
			result any
			err    error
			pc     panics.Catcher
		)
		pc.Try(func() {
			result, err = handler(ctx, event)
		})
		if recovered := pc.Recovered(); recovered != nil {
			d.log.Error().Str("hook", string(event.Hook)).Str("stack", string(recovered.Stack)).Msg("Handler panicked")
			err = recovered.AsError()
		}
		task.finish(result, err)
	})
	return task
}

// Wait blocks until all dispatched tasks have finished.
func (d *Dispatcher) Wait() {
	d.tasks.Wait()
}

// Register adds the controller's handlers to the dispatcher.
// Role changes and content refresh requests trigger the same refresh as the periodic sync.
func (c *Controller) Register(d *Dispatcher) {
	d.Register(HookInstall, func(ctx context.Context, event Event) (any, error) {
		return event.Generation, c.Install(ctx, event.Generation, event.Assets)
	})
	d.Register(HookActivate, func(ctx context.Context, event Event) (any, error) {
		if err := c.Activate(ctx); err != nil {
			return nil, err
		}
		return c.Current(), nil
	})
	d.Register(HookSync, func(ctx context.Context, event Event) (any, error) {
		return c.Sync(ctx)
	})
	refresh := func(ctx context.Context, event Event) (any, error) {
		return c.Refresh(ctx), nil
	}
	d.Register(HookPeriodicSync, refresh)
	d.Register(HookRoleChanged, refresh)
	d.Register(HookContentRefresh, refresh)
	d.Register(HookPush, func(ctx context.Context, event Event) (any, error) {
		return c.Push(ctx, event.Payload)
	})
	d.Register(HookNotificationClick, func(ctx context.Context, event Event) (any, error) {
		var click Click
		if len(event.Payload) > 0 {
			if err := json.Unmarshal(event.Payload, &click); err != nil {
				return nil, fmt.Errorf("notification click: %w", err)
			}
		}
		return c.NotificationClick(ctx, click)
	})
}
