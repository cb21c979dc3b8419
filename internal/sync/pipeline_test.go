package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdesk/sync-infra/internal/provider"
	"github.com/orbitdesk/sync-infra/internal/record"
)

// fakeSource serves canned pages and records, and can fail specific IDs.
type fakeSource struct {
	pages     []provider.Page
	records   map[string]*provider.RawRecord
	failIDs   map[string]error
	listCalls int
	listErr   error
}

func (s *fakeSource) ListIDs(_ context.Context, cursor string, _ int, _ time.Time) (*provider.Page, error) {
	s.listCalls++
	if s.listErr != nil {
		return nil, s.listErr
	}

	idx := 0
	if cursor != "" {
		fmt.Sscanf(cursor, "page-%d", &idx)
	}
	if idx >= len(s.pages) {
		return &provider.Page{}, nil
	}
	return &s.pages[idx], nil
}

func (s *fakeSource) GetRecord(_ context.Context, id string) (*provider.RawRecord, error) {
	if err, ok := s.failIDs[id]; ok {
		return nil, err
	}
	if raw, ok := s.records[id]; ok {
		return raw, nil
	}
	return &provider.RawRecord{
		Provider: provider.NameGoogle,
		Kind:     provider.KindMessage,
		ID:       id,
		Fields:   map[string]string{"Date": "2023-06-15T10:00:00Z", "Subject": "s-" + id},
	}, nil
}

func (s *fakeSource) Kind() provider.Kind { return provider.KindMessage }
func (s *fakeSource) Name() provider.Name { return provider.NameGoogle }

// fakeRecordStore captures upserts in memory.
type fakeRecordStore struct {
	stored []*record.CanonicalRecord
	msgIDs []string
	errFor map[string]error
}

func (s *fakeRecordStore) UpsertRecord(_ context.Context, rec *record.CanonicalRecord, _, _ string, _ []byte, msgID string) (int64, error) {
	if err, ok := s.errFor[rec.SourceID]; ok {
		return 0, err
	}
	s.stored = append(s.stored, rec)
	s.msgIDs = append(s.msgIDs, msgID)
	return int64(len(s.stored)), nil
}

func TestRunBatchStoresEverySurvivor(t *testing.T) {
	source := &fakeSource{}
	recs := &fakeRecordStore{}
	p := NewPipeline(source, recs, "p1")

	result, err := p.RunBatch(context.Background(), ids("m1", "m2", "m3"))
	require.NoError(t, err)

	assert.Len(t, result.Successes, 3)
	assert.Empty(t, result.Errors)
	assert.Len(t, recs.stored, 3)
	assert.Equal(t, "record.stored|GOOGLE|m1", recs.msgIDs[0])
}

func TestRunBatchPartialFailureContinues(t *testing.T) {
	source := &fakeSource{
		failIDs: map[string]error{
			"m2": &provider.APIError{Provider: provider.NameGoogle, Status: 500, Body: "boom"},
		},
	}
	recs := &fakeRecordStore{errFor: map[string]error{"m4": errors.New("disk full")}}
	p := NewPipeline(source, recs, "p1")

	result, err := p.RunBatch(context.Background(), ids("m1", "m2", "m3", "m4"))
	require.NoError(t, err, "per-record failures never abort the batch")

	assert.Len(t, result.Successes, 2)
	require.Len(t, result.Errors, 2)
	assert.Equal(t, "m2", result.Errors[0].ID)
	assert.Equal(t, "m4", result.Errors[1].ID)
}

func TestRunBatchAuthErrorAborts(t *testing.T) {
	source := &fakeSource{
		failIDs: map[string]error{
			"m2": &provider.AuthError{Provider: provider.NameGoogle, Err: errors.New("401")},
		},
	}
	recs := &fakeRecordStore{}
	p := NewPipeline(source, recs, "p1")

	result, err := p.RunBatch(context.Background(), ids("m1", "m2", "m3"))
	require.Error(t, err)

	var authErr *provider.AuthError
	assert.True(t, errors.As(err, &authErr))
	assert.Len(t, result.Successes, 1, "work done before the abort is reported")
	assert.Len(t, recs.stored, 1, "no fetches after a rejected token")
}

func TestRunBatchMergesCandidateModificationTime(t *testing.T) {
	mod := time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC)
	source := &fakeSource{
		records: map[string]*provider.RawRecord{
			"c1": {
				Provider: provider.NameHubSpot,
				Kind:     provider.KindContact,
				ID:       "c1",
				Fields:   map[string]string{"Date": "2023-06-15T10:00:00Z"},
			},
		},
	}
	recs := &fakeRecordStore{}
	p := NewPipeline(source, recs, "p1")

	result, err := p.RunBatch(context.Background(), []provider.ExternalID{{ID: "c1", LastModified: mod}})
	require.NoError(t, err)

	require.Len(t, result.Successes, 1)
	assert.Equal(t, mod, result.Successes[0].LastModified, "listing timestamp backfills a missing record one")
}
