package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/orbitdesk/sync-infra/internal/provider"
	"github.com/orbitdesk/sync-infra/internal/record"
)

// RecordStore is the persistence slice the pipeline needs: an idempotent
// upsert that also queues the downstream indexing notification.
type RecordStore interface {
	UpsertRecord(ctx context.Context, rec *record.CanonicalRecord, natsSubject, eventType string, payload []byte, msgID string) (int64, error)
}

// Pipeline runs the fetch-parse-store stages for one principal and source.
type Pipeline struct {
	source      provider.Source
	store       RecordStore
	principalID string
}

// NewPipeline creates a pipeline over the given source and store.
func NewPipeline(source provider.Source, store RecordStore, principalID string) *Pipeline {
	return &Pipeline{source: source, store: store, principalID: principalID}
}

// FetchRecord performs the authenticated detail call for one record.
func (p *Pipeline) FetchRecord(ctx context.Context, id string) (*provider.RawRecord, error) {
	return p.source.GetRecord(ctx, id)
}

// StoreRecord upserts a parsed record, queueing the indexing notification
// for the downstream collaborator in the same transaction.
func (p *Pipeline) StoreRecord(ctx context.Context, rec *record.CanonicalRecord) (*record.CanonicalRecord, error) {
	eventID := uuid.NewString()
	event := map[string]interface{}{
		"event_id":     eventID,
		"ts":           time.Now().Unix(),
		"principal_id": p.principalID,
		"provider":     string(rec.Provider),
		"kind":         string(rec.Kind),
		"source_id":    rec.SourceID,
		"occurred_at":  rec.OccurredAt.Unix(),
	}
	payload, _ := json.Marshal(event)

	msgID := fmt.Sprintf("record.stored|%s|%s", rec.Provider, rec.SourceID)
	subject := fmt.Sprintf("principal.%s.record.stored", p.principalID)

	if _, err := p.store.UpsertRecord(ctx, rec, subject, "record.stored", payload, msgID); err != nil {
		return nil, fmt.Errorf("failed to store record %s: %w", rec.SourceID, err)
	}

	return rec, nil
}

// RunBatch fetches, parses, and stores each surviving candidate. A single
// record's failure never aborts the batch; the result partitions successes
// from errors. Only an auth failure aborts, since every remaining fetch
// would fail the same way; the partial result still reports what landed.
func (p *Pipeline) RunBatch(ctx context.Context, candidates []provider.ExternalID) (*BatchResult, error) {
	result := &BatchResult{}

	for _, c := range candidates {
		raw, err := p.FetchRecord(ctx, c.ID)
		if err != nil {
			var authErr *provider.AuthError
			if errors.As(err, &authErr) {
				return result, err
			}
			log.Printf("fetch record %s failed: %v", c.ID, err)
			result.Errors = append(result.Errors, ItemError{ID: c.ID, Err: err})
			continue
		}

		rec := record.Parse(raw)
		if rec.LastModified.IsZero() {
			rec.LastModified = c.LastModified
		}

		if _, err := p.StoreRecord(ctx, rec); err != nil {
			log.Printf("store record %s failed: %v", c.ID, err)
			result.Errors = append(result.Errors, ItemError{ID: c.ID, Err: err})
			continue
		}

		result.Successes = append(result.Successes, rec)
	}

	return result, nil
}
