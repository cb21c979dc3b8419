package sync

import (
	"context"
	"time"

	"github.com/orbitdesk/sync-infra/internal/auth"
	"github.com/orbitdesk/sync-infra/internal/provider"
	"github.com/orbitdesk/sync-infra/internal/record"
)

// SourceType names a syncable record stream.
type SourceType string

const (
	SourceGmailMessages   SourceType = "gmail_messages"
	SourceOutlookMessages SourceType = "outlook_messages"
	SourceHubSpotContacts SourceType = "hubspot_contacts"
)

// AuthProvider maps a source to the OAuth provider whose token drives it.
func (s SourceType) AuthProvider() auth.Provider {
	switch s {
	case SourceGmailMessages:
		return auth.ProviderGoogle
	case SourceOutlookMessages:
		return auth.ProviderMicrosoft
	case SourceHubSpotContacts:
		return auth.ProviderHubSpot
	}
	return ""
}

// Outcome is the terminal state of one orchestrator invocation.
type Outcome string

const (
	// OutcomeCompleted means the source is exhausted or the bounded budget
	// is reached.
	OutcomeCompleted Outcome = "completed"
	// OutcomeContinuing means a continuation unit was enqueued to resume
	// from the persisted checkpoint.
	OutcomeContinuing Outcome = "continuing"
)

// Params configures one sync run.
type Params struct {
	PrincipalID string
	Source      SourceType
	PageSize    int
	// Max bounds a historical backfill; 0 means unbounded incremental.
	Max int
	// ModifiedSince narrows listing for sources that support it.
	ModifiedSince time.Time
}

// Bounded reports whether this run has an item budget.
func (p Params) Bounded() bool { return p.Max > 0 }

// Continuation is the unit-of-work payload handed to the job runner to
// resume a run in a later execution.
type Continuation struct {
	PrincipalID string     `json:"principal_id"`
	Source      SourceType `json:"source"`
	Cursor      string     `json:"cursor"`
	TotalSynced int        `json:"total_synced"`
	OldestSeen  time.Time  `json:"oldest_seen,omitempty"`
	Max         int        `json:"max,omitempty"`
	PageSize    int        `json:"page_size,omitempty"`
}

// ItemError pairs a record ID with the error that kept it out of a batch.
type ItemError struct {
	ID  string
	Err error
}

// BatchResult partitions a pipeline batch into stored records and
// per-record failures. A mixed result is normal; the orchestrator advances
// checkpoints on successes only.
type BatchResult struct {
	Successes []*record.CanonicalRecord
	Errors    []ItemError
}

// Enqueuer hands continuation units to the external job runner.
type Enqueuer interface {
	EnqueueContinuation(cont *Continuation) error
}

// TokenEnsurer is the slice of the token lifecycle manager the sync path
// needs: a guarantee that a live credential backs the next provider call.
type TokenEnsurer interface {
	EnsureValid(ctx context.Context, principalID string, p auth.Provider) (auth.Token, error)
}

// Kind maps a source type to the record shape it yields.
func (s SourceType) Kind() provider.Kind {
	if s == SourceHubSpotContacts {
		return provider.KindContact
	}
	return provider.KindMessage
}
