package sync

import (
	"context"
	"time"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

// Walker fetches one page of remote record identifiers at a time. It is
// stateless beyond the cursor it is given and never retries; failure
// classification comes from the provider error taxonomy.
type Walker struct {
	tokens      TokenEnsurer
	source      provider.Source
	principalID string
	sourceType  SourceType
}

// NewWalker creates a walker for one principal and source.
func NewWalker(tokens TokenEnsurer, source provider.Source, principalID string, st SourceType) *Walker {
	return &Walker{tokens: tokens, source: source, principalID: principalID, sourceType: st}
}

// FetchPage lists one page of IDs from the current cursor. The token
// lifecycle manager is consulted first so the call rides a live credential;
// a terminal token state surfaces here before any provider traffic.
func (w *Walker) FetchPage(ctx context.Context, cursor string, pageSize int, modifiedSince time.Time) (*provider.Page, error) {
	if _, err := w.tokens.EnsureValid(ctx, w.principalID, w.sourceType.AuthProvider()); err != nil {
		return nil, err
	}
	return w.source.ListIDs(ctx, cursor, pageSize, modifiedSince)
}
