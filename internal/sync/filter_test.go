package sync

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orbitdesk/sync-infra/internal/provider"
)

type fakeRefs struct {
	refs map[string]time.Time
	err  error
}

func (f *fakeRefs) ExistingRefs(_ context.Context, _ provider.Kind, ids []string) (map[string]time.Time, error) {
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]time.Time)
	for _, id := range ids {
		if mod, ok := f.refs[id]; ok {
			out[id] = mod
		}
	}
	return out, nil
}

func ids(values ...string) []provider.ExternalID {
	out := make([]provider.ExternalID, len(values))
	for i, v := range values {
		out[i] = provider.ExternalID{ID: v}
	}
	return out
}

func TestFilterNewDropsExistingMessages(t *testing.T) {
	refs := &fakeRefs{refs: map[string]time.Time{
		"m1": {},
		"m3": {},
	}}
	f := NewFilter(refs)

	survivors, err := f.FilterNew(context.Background(), provider.KindMessage, ids("m1", "m2", "m3", "m4"))
	require.NoError(t, err)

	assert.Equal(t, ids("m2", "m4"), survivors)
}

func TestFilterNewMutableKindsResyncWhenModified(t *testing.T) {
	base := time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC)
	refs := &fakeRefs{refs: map[string]time.Time{
		"stale":     base,
		"current":   base,
		"unstamped": {},
	}}
	f := NewFilter(refs)

	candidates := []provider.ExternalID{
		{ID: "stale", LastModified: base.Add(time.Hour)},
		{ID: "current", LastModified: base},
		{ID: "unstamped", LastModified: base.Add(time.Hour)},
		{ID: "no-remote-stamp"},
		{ID: "brand-new", LastModified: base},
	}

	survivors, err := f.FilterNew(context.Background(), provider.KindContact, candidates)
	require.NoError(t, err)

	var got []string
	for _, s := range survivors {
		got = append(got, s.ID)
	}
	assert.Equal(t, []string{"stale", "unstamped", "no-remote-stamp", "brand-new"}, got)
}

func TestFilterNewOutputIsSubsetOfInput(t *testing.T) {
	refs := &fakeRefs{refs: map[string]time.Time{"m2": {}}}
	f := NewFilter(refs)

	input := ids("m1", "m2", "m3")
	survivors, err := f.FilterNew(context.Background(), provider.KindMessage, input)
	require.NoError(t, err)

	inputSet := map[string]bool{}
	for _, c := range input {
		inputSet[c.ID] = true
	}
	for _, s := range survivors {
		assert.True(t, inputSet[s.ID], "survivor %s not in input", s.ID)
		assert.NotEqual(t, "m2", s.ID, "existing record must not survive")
	}
}

func TestFilterNewEmptyInput(t *testing.T) {
	f := NewFilter(&fakeRefs{})

	survivors, err := f.FilterNew(context.Background(), provider.KindMessage, nil)
	require.NoError(t, err)
	assert.Empty(t, survivors)
}
