package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/always-cache/offline-cache/pkg/fetch"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultMaxAttempts         = 8
	DefaultInitialInterval     = 5 * time.Second
	DefaultMaxInterval         = 10 * time.Minute
	DefaultRandomizationFactor = 0.5
)

var ErrInvalidMutation = errors.New("invalid mutation")

type Config struct {
	Backend Backend
	// Network the mutations are resent to.
	Fetcher fetch.Fetcher
	// Logger to use. Nothing is logged if nil.
	Logger *zerolog.Logger
	// Failed resends after which a mutation is marked dead. Zero means DefaultMaxAttempts.
	MaxAttempts int
	// Backoff between failed resends of the same mutation.
	// Zero intervals use the defaults, a zero randomization factor disables jitter.
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64
	// Optional function called with the network response of every successful resend.
	OnResent func(Mutation, *http.Response)
	// Clock, for testing.
	Now func() time.Time
}

// Queue is the durable retry queue for mutating requests.
// It does not poll: mutations are only resent when DrainAll is called.
type Queue struct {
	backend     Backend
	fetcher     fetch.Fetcher
	log         zerolog.Logger
	maxAttempts int
	backoff     func() *backoff.ExponentialBackOff
	onResent    func(Mutation, *http.Response)
	now         func() time.Time
	inflight    singleflight.Group
}

func New(config Config) *Queue {
	logger := zerolog.Nop()
	if config.Logger != nil {
		logger = config.Logger.With().Str("component", "queue").Logger()
	}
	q := &Queue{
		backend:     config.Backend,
		fetcher:     config.Fetcher,
		log:         logger,
		maxAttempts: config.MaxAttempts,
		onResent:    config.OnResent,
		now:         config.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.now == nil {
		q.now = time.Now
	}
	initial, maxInterval, randomization := config.InitialInterval, config.MaxInterval, config.RandomizationFactor
	if initial <= 0 {
		initial = DefaultInitialInterval
	}
	if maxInterval <= 0 {
		maxInterval = DefaultMaxInterval
	}
	if randomization < 0 || randomization > 1 {
		randomization = DefaultRandomizationFactor
	}
	q.backoff = func() *backoff.ExponentialBackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = initial
		b.MaxInterval = maxInterval
		b.RandomizationFactor = randomization
		b.Multiplier = 2
		b.Reset()
		return b
	}
	return q
}

// Enqueue stores the mutation. A mutation with the same id is replaced,
// including its attempt count.
func (q *Queue) Enqueue(ctx context.Context, m Mutation) error {
	if m.ID == "" || m.TargetURL == "" {
		return fmt.Errorf("%w: id and target are required", ErrInvalidMutation)
	}
	if !json.Valid(m.Payload) {
		return fmt.Errorf("%w: payload is not JSON", ErrInvalidMutation)
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = q.now()
	}
	m.Attempts = 0
	m.LastError = ""
	m.NextAttemptAt = time.Time{}
	m.Dead = false
	if err := q.backend.Put(ctx, m); err != nil {
		return err
	}
	q.log.Info().Str("id", m.ID).Str("target", m.TargetURL).Msg("Queued mutation")
	return nil
}

// Get returns the mutation with the id.
func (q *Queue) Get(ctx context.Context, id string) (Mutation, bool, error) {
	return q.backend.Get(ctx, id)
}

// List returns all queued mutations, dead ones included.
func (q *Queue) List(ctx context.Context) ([]Mutation, error) {
	return q.backend.List(ctx)
}

// Remove deletes the mutation without resending it.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	return q.backend.Delete(ctx, id, time.Time{})
}

// Report lists what a drain did with each mutation id.
type Report struct {
	Sent    []string `json:"sent"`
	Failed  []string `json:"failed"`
	Skipped []string `json:"skipped"`
	// Mutations that ran out of attempts during this drain.
	Dead []string `json:"dead"`
}

type resendResult struct {
	sent bool
	dead bool
	// removed or replaced by someone else before it could be sent
	gone bool
}

// DrainAll resends every pending mutation once, in no particular order.
// Successfully resent mutations are removed; failed ones stay queued until the next drain.
// Mutations that failed before are skipped until their backoff has passed.
// Concurrent drains never resend the same mutation at the same time.
func (q *Queue) DrainAll(ctx context.Context) (Report, error) {
	report := Report{
		Sent:    []string{},
		Failed:  []string{},
		Skipped: []string{},
		Dead:    []string{},
	}
	mutations, err := q.backend.List(ctx)
	if err != nil {
		return report, err
	}
	q.log.Debug().Int("mutations", len(mutations)).Msg("Draining queue")
	for _, m := range mutations {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if m.Dead {
			continue
		}
		if m.Attempts > 0 && m.NextAttemptAt.After(q.now()) {
			report.Skipped = append(report.Skipped, m.ID)
			continue
		}
		v, err, _ := q.inflight.Do(flightKey(m), func() (any, error) {
			return q.resend(ctx, m)
		})
		if err != nil {
			return report, err
		}
		result := v.(resendResult)
		switch {
		case result.gone:
		case result.sent:
			report.Sent = append(report.Sent, m.ID)
		case result.dead:
			report.Failed = append(report.Failed, m.ID)
			report.Dead = append(report.Dead, m.ID)
		default:
			report.Failed = append(report.Failed, m.ID)
		}
	}
	q.log.Info().
		Int("sent", len(report.Sent)).
		Int("failed", len(report.Failed)).
		Int("skipped", len(report.Skipped)).
		Msg("Drained queue")
	return report, nil
}

// flightKey identifies one enqueued copy of a mutation.
// A resubmission under the same id is a different copy and must not share its outcome.
func flightKey(m Mutation) string {
	return m.ID + "@" + strconv.FormatInt(m.EnqueuedAt.UnixNano(), 10)
}

// resend posts the mutation and records the outcome.
// Only storage errors are returned; network failures are recorded on the mutation.
func (q *Queue) resend(ctx context.Context, m Mutation) (resendResult, error) {
	log := q.log.With().Str("id", m.ID).Str("target", m.TargetURL).Logger()
	if current, ok, err := q.backend.Get(ctx, m.ID); err != nil {
		return resendResult{}, err
	} else if !ok || !current.EnqueuedAt.Equal(m.EnqueuedAt) {
		log.Trace().Msg("Mutation gone before resend")
		return resendResult{gone: true}, nil
	}
	sendErr := q.post(ctx, m)
	if sendErr == nil {
		if _, err := q.backend.Delete(ctx, m.ID, m.EnqueuedAt); err != nil {
			return resendResult{}, err
		}
		log.Info().Msg("Resent mutation")
		return resendResult{sent: true}, nil
	}
	if errors.Is(sendErr, context.Canceled) {
		return resendResult{}, sendErr
	}

	// the mutation might have been replaced by a new submission while sending
	current, ok, err := q.backend.Get(ctx, m.ID)
	if err != nil {
		return resendResult{}, err
	}
	if !ok || !current.EnqueuedAt.Equal(m.EnqueuedAt) {
		return resendResult{gone: true}, nil
	}
	current.Attempts++
	current.LastError = sendErr.Error()
	current.NextAttemptAt = q.now().Add(q.delay(current.Attempts))
	current.Dead = current.Attempts >= q.maxAttempts
	if err := q.backend.Put(ctx, current); err != nil {
		return resendResult{}, err
	}
	evt := log.Warn()
	if current.Dead {
		evt = log.Error()
	}
	evt.Err(sendErr).
		Int("attempts", current.Attempts).
		Time("next", current.NextAttemptAt).
		Bool("dead", current.Dead).
		Msg("Could not resend mutation")
	return resendResult{dead: current.Dead}, nil
}

func (q *Queue) post(ctx context.Context, m Mutation) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.TargetURL, bytes.NewReader(m.Payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := q.fetcher.Fetch(ctx, req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		io.Copy(io.Discard, res.Body)
		return fmt.Errorf("resend answered with status %d", res.StatusCode)
	}
	if q.onResent != nil {
		q.onResent(m, res)
	}
	return nil
}

// delay returns the backoff after the given number of failed attempts.
func (q *Queue) delay(attempts int) time.Duration {
	b := q.backoff()
	var d time.Duration
	for i := 0; i < attempts; i++ {
		d = b.NextBackOff()
	}
	return d
}
