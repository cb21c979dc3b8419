package sync

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdesk/sync-infra/internal/auth"
	"github.com/orbitdesk/sync-infra/internal/provider"
	"github.com/orbitdesk/sync-infra/internal/store"
)

type fakeTokens struct {
	err error
}

func (f *fakeTokens) EnsureValid(_ context.Context, _ string, _ auth.Provider) (auth.Token, error) {
	if f.err != nil {
		return auth.Token{}, f.err
	}
	return auth.Token{AccessToken: "at"}, nil
}

type fakeCheckpoints struct {
	saved    []store.Checkpoint
	statuses []string
	current  *store.Checkpoint
}

func (f *fakeCheckpoints) LoadCheckpoint(_ context.Context, source string) (*store.Checkpoint, error) {
	if f.current != nil {
		cp := *f.current
		return &cp, nil
	}
	return &store.Checkpoint{Source: source}, nil
}

func (f *fakeCheckpoints) SaveCheckpoint(_ context.Context, cp *store.Checkpoint) error {
	snapshot := *cp
	f.saved = append(f.saved, snapshot)
	f.current = &snapshot
	return nil
}

func (f *fakeCheckpoints) UpdateSyncStatus(_ context.Context, _, status, _ string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeCheckpoints) last() store.Checkpoint {
	return f.saved[len(f.saved)-1]
}

type fakeEnqueuer struct {
	continuations []*Continuation
	onEnqueue     func()
}

func (f *fakeEnqueuer) EnqueueContinuation(cont *Continuation) error {
	if f.onEnqueue != nil {
		f.onEnqueue()
	}
	f.continuations = append(f.continuations, cont)
	return nil
}

// makePages builds a cursor-chained page sequence with the given sizes; the
// last page carries no next cursor.
func makePages(sizes ...int) []provider.Page {
	pages := make([]provider.Page, len(sizes))
	seq := 0
	for i, size := range sizes {
		for j := 0; j < size; j++ {
			seq++
			pages[i].IDs = append(pages[i].IDs, provider.ExternalID{ID: fmt.Sprintf("m%d", seq)})
		}
		if i < len(sizes)-1 {
			pages[i].NextCursor = fmt.Sprintf("page-%d", i+1)
		}
	}
	return pages
}

func newTestOrchestrator(source *fakeSource, checkpoints *fakeCheckpoints, enqueuer *fakeEnqueuer) *Orchestrator {
	walker := NewWalker(&fakeTokens{}, source, "p1", SourceGmailMessages)
	filter := NewFilter(&fakeRefs{})
	pipeline := NewPipeline(source, &fakeRecordStore{}, "p1")

	o := NewOrchestrator(walker, filter, pipeline, checkpoints, enqueuer)
	o.pageDelay = 0
	return o
}

func TestRunBoundedBackfillStopsAtBudget(t *testing.T) {
	source := &fakeSource{pages: makePages(100, 100, 100)}
	checkpoints := &fakeCheckpoints{}
	enqueuer := &fakeEnqueuer{}
	o := newTestOrchestrator(source, checkpoints, enqueuer)

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 100, Max: 200}
	outcome, cp, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 200, cp.TotalSynced, "exactly the budget, never more")
	assert.True(t, cp.Completed)
	assert.Equal(t, 2, source.listCalls, "the third page is never fetched")
	assert.Empty(t, enqueuer.continuations)
	assert.Equal(t, StatusComplete, checkpoints.last().Status)
}

func TestRunBudgetTruncatesMidPage(t *testing.T) {
	source := &fakeSource{pages: makePages(100, 100)}
	checkpoints := &fakeCheckpoints{}
	o := newTestOrchestrator(source, checkpoints, &fakeEnqueuer{})

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 100, Max: 150}
	outcome, cp, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 150, cp.TotalSynced)
}

func TestRunEmptySourceCompletes(t *testing.T) {
	source := &fakeSource{}
	checkpoints := &fakeCheckpoints{}
	o := newTestOrchestrator(source, checkpoints, &fakeEnqueuer{})

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 100, Max: 500}
	outcome, cp, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Zero(t, cp.TotalSynced)
	assert.True(t, cp.Completed)
}

func TestRunHandsOffAfterPageThreshold(t *testing.T) {
	source := &fakeSource{pages: makePages(10, 10, 10, 10)}
	checkpoints := &fakeCheckpoints{}

	enqueuer := &fakeEnqueuer{}
	enqueuer.onEnqueue = func() {
		require.NotEmpty(t, checkpoints.saved, "checkpoint persists before the continuation is enqueued")
		assert.Equal(t, 20, checkpoints.last().TotalSynced)
	}

	o := newTestOrchestrator(source, checkpoints, enqueuer)
	o.handoffPages = 2

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10, Max: 100}
	outcome, cp, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeContinuing, outcome)
	require.Len(t, enqueuer.continuations, 1)

	cont := enqueuer.continuations[0]
	assert.Equal(t, "page-2", cont.Cursor)
	assert.Equal(t, 20, cont.TotalSynced)
	assert.Equal(t, 100, cont.Max)
	assert.Equal(t, cp.Cursor, cont.Cursor)
}

func TestRunResumeFromContinuation(t *testing.T) {
	source := &fakeSource{pages: makePages(10, 10, 10, 10)}
	checkpoints := &fakeCheckpoints{}
	o := newTestOrchestrator(source, checkpoints, &fakeEnqueuer{})

	oldest := time.Date(2021, 2, 3, 0, 0, 0, 0, time.UTC)
	resume := &Continuation{
		PrincipalID: "p1",
		Source:      SourceGmailMessages,
		Cursor:      "page-2",
		TotalSynced: 20,
		OldestSeen:  oldest,
		Max:         35,
		PageSize:    10,
	}

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10, Max: 35}
	outcome, cp, err := o.Run(context.Background(), params, resume)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 35, cp.TotalSynced, "carried total plus the remaining budget")
	assert.Equal(t, 2, source.listCalls)
}

func TestRunReportingMultipleForcesHandoff(t *testing.T) {
	source := &fakeSource{pages: makePages(10, 10, 10, 10)}
	checkpoints := &fakeCheckpoints{}
	enqueuer := &fakeEnqueuer{}
	o := newTestOrchestrator(source, checkpoints, enqueuer)
	o.reportEvery = 15

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10, Max: 100}
	outcome, _, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeContinuing, outcome)
	require.Len(t, enqueuer.continuations, 1)
	assert.Equal(t, 20, enqueuer.continuations[0].TotalSynced, "total crossed the reporting boundary")
}

func TestRunOldestSeenIgnoresInferredDates(t *testing.T) {
	source := &fakeSource{
		pages: makePages(3),
		records: map[string]*provider.RawRecord{
			"m1": rawWithDate("m1", "2022-05-01T00:00:00Z"),
			"m2": rawWithDate("m2", "sometime in 2010"),
			"m3": rawWithDate("m3", "2023-01-01T00:00:00Z"),
		},
	}
	checkpoints := &fakeCheckpoints{}
	o := newTestOrchestrator(source, checkpoints, &fakeEnqueuer{})

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10, Max: 10}
	_, cp, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, 3, cp.TotalSynced, "inferred-date records still count as synced")
	assert.Equal(t, time.Date(2022, 5, 1, 0, 0, 0, 0, time.UTC), cp.OldestSeen,
		"fallback dates never drive the oldest-seen marker")
}

func TestRunFetchFailurePersistsErrorState(t *testing.T) {
	source := &fakeSource{listErr: &provider.APIError{Provider: provider.NameGoogle, Status: 429, Body: "slow down"}}
	checkpoints := &fakeCheckpoints{}
	o := newTestOrchestrator(source, checkpoints, &fakeEnqueuer{})

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10, Max: 100}
	_, _, err := o.Run(context.Background(), params, nil)
	require.Error(t, err)

	var apiErr *provider.APIError
	assert.True(t, errors.As(err, &apiErr), "provider classification survives wrapping")
	assert.Contains(t, checkpoints.statuses, StatusError)
	assert.NotEmpty(t, checkpoints.saved, "progress persists even on failure")
}

func TestRunTerminalTokenFailureSurfaces(t *testing.T) {
	source := &fakeSource{pages: makePages(10)}
	checkpoints := &fakeCheckpoints{}

	walker := NewWalker(&fakeTokens{err: &auth.RefreshError{Provider: auth.ProviderGoogle, Terminal: true, Err: errors.New("invalid_grant")}},
		source, "p1", SourceGmailMessages)
	o := NewOrchestrator(walker, NewFilter(&fakeRefs{}), NewPipeline(source, &fakeRecordStore{}, "p1"), checkpoints, &fakeEnqueuer{})
	o.pageDelay = 0

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10, Max: 100}
	_, _, err := o.Run(context.Background(), params, nil)
	require.Error(t, err)
	assert.True(t, auth.IsTerminalRefresh(err))
	assert.Zero(t, source.listCalls, "no provider traffic on a dead credential")
}

func TestRunFreshIncrementalResumesPersistedCursor(t *testing.T) {
	source := &fakeSource{pages: makePages(10, 10, 10)}
	checkpoints := &fakeCheckpoints{current: &store.Checkpoint{
		Source:      string(SourceGmailMessages),
		Cursor:      "page-2",
		TotalSynced: 20,
		Completed:   true,
		Status:      StatusComplete,
	}}
	o := newTestOrchestrator(source, checkpoints, &fakeEnqueuer{})

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10}
	outcome, cp, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 30, cp.TotalSynced, "picked up from the persisted cursor")
	assert.Equal(t, 1, source.listCalls)
}

func TestRunFreshBackfillIgnoresPersistedCursor(t *testing.T) {
	source := &fakeSource{pages: makePages(10)}
	checkpoints := &fakeCheckpoints{current: &store.Checkpoint{
		Source: string(SourceGmailMessages),
		Cursor: "page-9",
	}}
	o := newTestOrchestrator(source, checkpoints, &fakeEnqueuer{})

	params := Params{PrincipalID: "p1", Source: SourceGmailMessages, PageSize: 10, Max: 100}
	outcome, cp, err := o.Run(context.Background(), params, nil)
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, outcome)
	assert.Equal(t, 10, cp.TotalSynced, "a new backfill walks from the top")
}

func rawWithDate(id, date string) *provider.RawRecord {
	return &provider.RawRecord{
		Provider: provider.NameGoogle,
		Kind:     provider.KindMessage,
		ID:       id,
		Fields:   map[string]string{"Date": date},
	}
}
