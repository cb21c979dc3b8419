package record

import (
	"time"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

// CanonicalRecord is the parsed, provider-agnostic record persisted locally.
// Uniquely keyed by (principal, SourceID); upserts replace, never append.
type CanonicalRecord struct {
	SourceID     string
	Provider     provider.Name
	Kind         provider.Kind
	ThreadID     string
	Subject      string
	SenderName   string
	SenderEmail  string
	To           []string
	Cc           []string
	Body         string
	Snippet      string
	Labels       []string
	Headers      map[string]string
	OccurredAt   time.Time
	LastModified time.Time
	// DateInferred marks OccurredAt as a lossy fallback (bare year or now);
	// inferred dates are excluded from oldest-seen accounting.
	DateInferred bool
}

// ExternalRef is the durable sourceID -> local row mapping used for
// deduplication, with the last modification seen for mutable kinds.
type ExternalRef struct {
	SourceID     string
	LocalID      int64
	LastModified time.Time
}
