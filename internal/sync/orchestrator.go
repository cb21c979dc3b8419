package sync

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/orbitdesk/sync-infra/internal/store"
)

// Sync state labels persisted to sync_state.status.
const (
	StatusSyncing  = "SYNCING"
	StatusComplete = "COMPLETE"
	StatusError    = "ERROR"
)

const (
	// defaultHandoffPages bounds how many pages one execution processes
	// before persisting the checkpoint and handing off a continuation.
	defaultHandoffPages = 10
	// defaultReportEvery also forces a hand-off whenever the running total
	// crosses a multiple of this, so long backfills surface progress.
	defaultReportEvery = 1000
	// defaultPageDelay is the fixed self-imposed rate-limit pause between
	// pages within one execution.
	defaultPageDelay = 100 * time.Millisecond
)

// CheckpointStore is the durable progress slice of the local store.
type CheckpointStore interface {
	LoadCheckpoint(ctx context.Context, source string) (*store.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error
	UpdateSyncStatus(ctx context.Context, source, status, errorMsg string) error
}

// Orchestrator is the resumable batch driver: it composes the walker,
// filter, and pipeline into bounded units of work and decides whether to
// loop in-process, hand off a continuation, or finish.
type Orchestrator struct {
	walker      *Walker
	filter      *Filter
	pipeline    *Pipeline
	checkpoints CheckpointStore
	enqueuer    Enqueuer

	handoffPages int
	reportEvery  int
	pageDelay    time.Duration
}

// NewOrchestrator wires an orchestrator from its collaborators.
func NewOrchestrator(walker *Walker, filter *Filter, pipeline *Pipeline, checkpoints CheckpointStore, enqueuer Enqueuer) *Orchestrator {
	return &Orchestrator{
		walker:       walker,
		filter:       filter,
		pipeline:     pipeline,
		checkpoints:  checkpoints,
		enqueuer:     enqueuer,
		handoffPages: defaultHandoffPages,
		reportEvery:  defaultReportEvery,
		pageDelay:    defaultPageDelay,
	}
}

// Run executes one invocation of the sync state machine. resume carries a
// prior execution's checkpoint, or nil for a fresh run. Errors escalate to
// the invoking job runner, which owns cross-invocation retry counting.
func (o *Orchestrator) Run(ctx context.Context, params Params, resume *Continuation) (Outcome, *store.Checkpoint, error) {
	cp, err := o.loadCheckpoint(ctx, params, resume)
	if err != nil {
		return "", nil, err
	}

	if err := o.checkpoints.UpdateSyncStatus(ctx, string(params.Source), StatusSyncing, ""); err != nil {
		log.Printf("sync %s/%s: update status: %v", params.PrincipalID, params.Source, err)
	}

	pagesProcessed := 0
	for {
		if params.Bounded() && cp.TotalSynced >= params.Max {
			return o.complete(ctx, params, cp)
		}

		page, err := o.walker.FetchPage(ctx, cp.Cursor, params.PageSize, params.ModifiedSince)
		if err != nil {
			return o.fail(ctx, params, cp, fmt.Errorf("fetch page: %w", err))
		}

		if len(page.IDs) == 0 && page.NextCursor == "" {
			return o.complete(ctx, params, cp)
		}

		candidates := page.IDs
		if params.Bounded() {
			if remaining := params.Max - cp.TotalSynced; len(candidates) > remaining {
				candidates = candidates[:remaining]
			}
		}

		survivors, err := o.filter.FilterNew(ctx, params.Source.Kind(), candidates)
		if err != nil {
			return o.fail(ctx, params, cp, fmt.Errorf("filter candidates: %w", err))
		}

		batch, err := o.pipeline.RunBatch(ctx, survivors)
		if err != nil {
			o.advance(cp, batch)
			return o.fail(ctx, params, cp, fmt.Errorf("run batch: %w", err))
		}
		if len(batch.Errors) > 0 {
			log.Printf("sync %s/%s: %d of %d records failed in batch",
				params.PrincipalID, params.Source, len(batch.Errors), len(survivors))
		}

		o.advance(cp, batch)
		cp.Cursor = page.NextCursor
		pagesProcessed++

		if (params.Bounded() && cp.TotalSynced >= params.Max) || page.NextCursor == "" {
			return o.complete(ctx, params, cp)
		}

		if pagesProcessed >= o.handoffPages || o.crossedReportingMultiple(cp.TotalSynced, len(batch.Successes)) {
			return o.handoff(ctx, params, cp)
		}

		select {
		case <-ctx.Done():
			return o.fail(ctx, params, cp, ctx.Err())
		case <-time.After(o.pageDelay):
		}
	}
}

// loadCheckpoint restores progress from a continuation payload, or from the
// persisted row when resuming without one, or starts fresh.
func (o *Orchestrator) loadCheckpoint(ctx context.Context, params Params, resume *Continuation) (*store.Checkpoint, error) {
	if resume != nil {
		return &store.Checkpoint{
			Source:      string(params.Source),
			Cursor:      resume.Cursor,
			TotalSynced: resume.TotalSynced,
			OldestSeen:  resume.OldestSeen,
		}, nil
	}

	if params.Bounded() {
		// A fresh backfill starts its own budget and walks from the top;
		// resumption mid-backfill always rides a continuation payload.
		return &store.Checkpoint{Source: string(params.Source)}, nil
	}

	// Fresh incremental runs pick up from the persisted cursor.
	cp, err := o.checkpoints.LoadCheckpoint(ctx, string(params.Source))
	if err != nil {
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	cp.Completed = false
	return cp, nil
}

// advance folds a batch result into the checkpoint: the running total grows
// by the success count and the oldest-seen marker tracks the earliest
// reliably-dated success.
func (o *Orchestrator) advance(cp *store.Checkpoint, batch *BatchResult) {
	if batch == nil {
		return
	}
	cp.TotalSynced += len(batch.Successes)
	for _, rec := range batch.Successes {
		if rec.DateInferred || rec.OccurredAt.IsZero() {
			// Fallback dates are lossy; letting them drive the marker
			// corrupts resume ordering.
			continue
		}
		if cp.OldestSeen.IsZero() || rec.OccurredAt.Before(cp.OldestSeen) {
			cp.OldestSeen = rec.OccurredAt
		}
	}
}

// crossedReportingMultiple reports whether the last batch pushed the total
// across a reporting boundary.
func (o *Orchestrator) crossedReportingMultiple(total, lastBatch int) bool {
	if lastBatch == 0 {
		return false
	}
	return total/o.reportEvery != (total-lastBatch)/o.reportEvery
}

func (o *Orchestrator) complete(ctx context.Context, params Params, cp *store.Checkpoint) (Outcome, *store.Checkpoint, error) {
	cp.Completed = true
	cp.Status = StatusComplete
	if err := o.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return "", cp, fmt.Errorf("save checkpoint: %w", err)
	}
	log.Printf("sync %s/%s complete: %d synced", params.PrincipalID, params.Source, cp.TotalSynced)
	return OutcomeCompleted, cp, nil
}

// handoff persists the checkpoint, then enqueues the continuation unit.
// Strictly in that order: a crash between the two re-runs at most the
// in-flight batch, never loses progress.
func (o *Orchestrator) handoff(ctx context.Context, params Params, cp *store.Checkpoint) (Outcome, *store.Checkpoint, error) {
	cp.Status = StatusSyncing
	if err := o.checkpoints.SaveCheckpoint(ctx, cp); err != nil {
		return "", cp, fmt.Errorf("save checkpoint: %w", err)
	}

	cont := &Continuation{
		PrincipalID: params.PrincipalID,
		Source:      params.Source,
		Cursor:      cp.Cursor,
		TotalSynced: cp.TotalSynced,
		OldestSeen:  cp.OldestSeen,
		Max:         params.Max,
		PageSize:    params.PageSize,
	}
	if err := o.enqueuer.EnqueueContinuation(cont); err != nil {
		return "", cp, fmt.Errorf("enqueue continuation: %w", err)
	}

	log.Printf("sync %s/%s handing off at %d synced", params.PrincipalID, params.Source, cp.TotalSynced)
	return OutcomeContinuing, cp, nil
}

func (o *Orchestrator) fail(ctx context.Context, params Params, cp *store.Checkpoint, err error) (Outcome, *store.Checkpoint, error) {
	if saveErr := o.checkpoints.SaveCheckpoint(ctx, cp); saveErr != nil {
		log.Printf("sync %s/%s: save checkpoint on failure: %v", params.PrincipalID, params.Source, saveErr)
	}
	if statusErr := o.checkpoints.UpdateSyncStatus(ctx, string(params.Source), StatusError, err.Error()); statusErr != nil {
		log.Printf("sync %s/%s: update status on failure: %v", params.PrincipalID, params.Source, statusErr)
	}
	return "", cp, err
}
