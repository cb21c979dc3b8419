package sync

import (
	"context"
	"time"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

// RefLookup is the dedup slice of the local store.
type RefLookup interface {
	ExistingRefs(ctx context.Context, kind provider.Kind, ids []string) (map[string]time.Time, error)
}

// Filter trims candidate ID sets down to the records worth fetching.
type Filter struct {
	refs RefLookup
}

// NewFilter creates a dedup filter over the given store.
func NewFilter(refs RefLookup) *Filter {
	return &Filter{refs: refs}
}

// FilterNew returns the candidates not already present locally. For
// immutable kinds presence alone excludes. For mutable kinds a candidate
// survives when its remote modification time is strictly newer than the
// local one; a missing remote timestamp keeps the candidate, syncing to be
// safe.
func (f *Filter) FilterNew(ctx context.Context, kind provider.Kind, candidates []provider.ExternalID) ([]provider.ExternalID, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.ID
	}

	existing, err := f.refs.ExistingRefs(ctx, kind, ids)
	if err != nil {
		return nil, err
	}

	survivors := make([]provider.ExternalID, 0, len(candidates))
	for _, c := range candidates {
		localMod, present := existing[c.ID]
		if !present {
			survivors = append(survivors, c)
			continue
		}
		if kind == provider.KindMessage {
			continue
		}
		if c.LastModified.IsZero() || localMod.IsZero() || c.LastModified.After(localMod) {
			survivors = append(survivors, c)
		}
	}

	return survivors, nil
}
