package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/orbitdesk/sync-infra/internal/auth"
	"github.com/orbitdesk/sync-infra/internal/provider"
	syncpkg "github.com/orbitdesk/sync-infra/internal/sync"
)

const (
	// maxAttempts bounds redeliveries of one unit before JetStream
	// dead-letters it via the advisory stream.
	maxAttempts = 5
	// ackWait must outlast one orchestrator execution, which is itself
	// bounded by the hand-off threshold.
	ackWait = 5 * time.Minute

	durableName = "sync-workers"
)

// Unit is the unit-of-work payload: a fresh run carries only identity and
// budget, a continuation also carries the checkpoint fields.
type Unit struct {
	PrincipalID   string             `json:"principal_id"`
	Source        syncpkg.SourceType `json:"source"`
	Fresh         bool               `json:"fresh"`
	Cursor        string             `json:"cursor,omitempty"`
	TotalSynced   int                `json:"total_synced,omitempty"`
	OldestSeen    time.Time          `json:"oldest_seen,omitempty"`
	Max           int                `json:"max,omitempty"`
	PageSize      int                `json:"page_size,omitempty"`
	ModifiedSince time.Time          `json:"modified_since,omitempty"`
}

// Runner consumes sync units from the job stream on a bounded worker pool
// and drives the sync manager. Retry counting and give-up live here, not in
// the orchestrator.
type Runner struct {
	publisher *Publisher
	manager   *syncpkg.Manager
	workers   int

	subs []*nats.Subscription
}

// NewRunner creates a job runner with the given worker count.
func NewRunner(publisher *Publisher, manager *syncpkg.Manager, workers int) *Runner {
	if workers <= 0 {
		workers = 4
	}
	return &Runner{publisher: publisher, manager: manager, workers: workers}
}

// Enqueue publishes a fresh unit of work. uniquenessKey deduplicates
// duplicate submissions inside the stream's duplicate window.
func (r *Runner) Enqueue(unit *Unit, uniquenessKey string) error {
	payload, err := json.Marshal(unit)
	if err != nil {
		return fmt.Errorf("marshal unit: %w", err)
	}
	subject := fmt.Sprintf("jobs.sync.%s.%s", unit.PrincipalID, unit.Source)
	return r.publisher.Publish(subject, payload, uniquenessKey)
}

// EnqueueContinuation implements sync.Enqueuer: a continuation is a unit
// keyed by its cursor position, so redelivered hand-offs collapse.
func (r *Runner) EnqueueContinuation(cont *syncpkg.Continuation) error {
	unit := &Unit{
		PrincipalID: cont.PrincipalID,
		Source:      cont.Source,
		Cursor:      cont.Cursor,
		TotalSynced: cont.TotalSynced,
		OldestSeen:  cont.OldestSeen,
		Max:         cont.Max,
		PageSize:    cont.PageSize,
	}
	key := fmt.Sprintf("sync|%s|%s|%s|%d", cont.PrincipalID, cont.Source, cont.Cursor, cont.TotalSynced)
	return r.Enqueue(unit, key)
}

// Start subscribes the worker pool to the job stream. Workers run until ctx
// is cancelled.
func (r *Runner) Start(ctx context.Context) error {
	sub, err := r.publisher.JetStream().PullSubscribe(
		"jobs.sync.>",
		durableName,
		nats.BindStream(JobStream),
		nats.AckExplicit(),
		nats.AckWait(ackWait),
		nats.MaxDeliver(maxAttempts),
	)
	if err != nil {
		return fmt.Errorf("failed to subscribe to job stream: %w", err)
	}
	r.subs = append(r.subs, sub)

	for i := 0; i < r.workers; i++ {
		go r.workerLoop(ctx, sub)
	}

	log.Printf("job runner started with %d workers", r.workers)
	return nil
}

func (r *Runner) workerLoop(ctx context.Context, sub *nats.Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := sub.Fetch(1, nats.Context(ctx))
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			if !errors.Is(err, nats.ErrTimeout) {
				log.Printf("job fetch error: %v", err)
				time.Sleep(time.Second)
			}
			continue
		}

		for _, msg := range msgs {
			r.handle(ctx, msg)
		}
	}
}

// handle executes one unit and translates the outcome into ack semantics:
// success, duplicates, and terminal token failures ack; retryable failures
// nak with growing delay until the delivery budget runs out.
func (r *Runner) handle(ctx context.Context, msg *nats.Msg) {
	var unit Unit
	if err := json.Unmarshal(msg.Data, &unit); err != nil {
		log.Printf("malformed unit, dropping: %v", err)
		_ = msg.Term()
		return
	}

	params := syncpkg.Params{
		PrincipalID:   unit.PrincipalID,
		Source:        unit.Source,
		PageSize:      unit.PageSize,
		Max:           unit.Max,
		ModifiedSince: unit.ModifiedSince,
	}
	if params.PageSize <= 0 {
		params.PageSize = 100
	}

	var resume *syncpkg.Continuation
	if !unit.Fresh {
		resume = &syncpkg.Continuation{
			PrincipalID: unit.PrincipalID,
			Source:      unit.Source,
			Cursor:      unit.Cursor,
			TotalSynced: unit.TotalSynced,
			OldestSeen:  unit.OldestSeen,
			Max:         unit.Max,
			PageSize:    unit.PageSize,
		}
	}

	outcome, err := r.manager.Execute(ctx, params, resume)
	if err != nil {
		switch {
		case errors.Is(err, syncpkg.ErrAlreadyRunning):
			// Merged into the run already holding the lock.
			_ = msg.Ack()
		case auth.IsTerminalRefresh(err):
			// Reauthentication required; retrying cannot help.
			log.Printf("unit %s/%s terminated: %v", unit.PrincipalID, unit.Source, err)
			_ = msg.Term()
		default:
			delay := retryDelay(msg)
			log.Printf("unit %s/%s failed (%s), retry in %s: %v",
				unit.PrincipalID, unit.Source, classifyProviderError(err), delay, err)
			_ = msg.NakWithDelay(delay)
		}
		return
	}

	log.Printf("unit %s/%s done: %s", unit.PrincipalID, unit.Source, outcome)
	_ = msg.Ack()
}

// retryDelay backs off by delivery attempt; rate-limited calls get the
// same treatment since the provider error carries no retry-after here.
func retryDelay(msg *nats.Msg) time.Duration {
	attempt := 1
	if meta, err := msg.Metadata(); err == nil {
		attempt = int(meta.NumDelivered)
	}
	delay := time.Duration(attempt) * 30 * time.Second
	if delay > 5*time.Minute {
		delay = 5 * time.Minute
	}
	return delay
}

// Drain unsubscribes the worker pool.
func (r *Runner) Drain() {
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

// classifyProviderError names the failure class for logs.
func classifyProviderError(err error) string {
	var authErr *provider.AuthError
	var apiErr *provider.APIError
	var reqErr *provider.RequestError
	switch {
	case auth.IsTerminalRefresh(err):
		return "terminal"
	case errors.As(err, &authErr):
		return "auth"
	case errors.As(err, &apiErr) && apiErr.RateLimited():
		return "rate_limited"
	case errors.As(err, &apiErr):
		return "api"
	case errors.As(err, &reqErr):
		return "request"
	default:
		return "unknown"
	}
}
