package relation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestAuthorizer(fetcher *stubFetcher, rels ...*Relation) *Authorizer {
	s := NewSynchronizer(newMemoryRepository(rels...), fetcher, &recordingScheduler{})
	return NewAuthorizer(NewEvaluator(s))
}

func growiURIs(rels []*Relation) []string {
	var out []string
	for _, r := range rels {
		out = append(out, r.GrowiURI)
	}
	return out
}

func TestAuthorizeMixedRelations(t *testing.T) {
	a1 := fresh("a1")
	a1.PermissionsForSingleUseCommands = PermissionMap{"search": Allowed()}
	a2 := fresh("a2")
	a2.PermissionsForSingleUseCommands = PermissionMap{"search": AllowedInChannels("random")}
	a3 := fresh("a3")
	a3.PermissionsForSingleUseCommands = PermissionMap{"note": Allowed()}

	a := newTestAuthorizer(&stubFetcher{}, a1, a2, a3)
	res := a.Authorize(context.Background(), []*Relation{a1, a2, a3}, "search:showNextResults", "", "general", baseTime)

	assert.Equal(t, []string{a1.GrowiURI}, growiURIs(res.AllowedRelations))
	assert.Equal(t, []string{a2.GrowiURI}, res.DisallowedGrowiURIList())
	assert.Equal(t, "search", res.CommandName)
	require.Len(t, res.Decisions, 3)
	assert.False(t, res.Decisions[2].Matched)
}

func TestAuthorizeMatchesCallbackID(t *testing.T) {
	rel := fresh("r1")
	rel.PermissionsForBroadcastUseCommands = PermissionMap{"search": Allowed()}
	a := newTestAuthorizer(&stubFetcher{}, rel)

	res := a.Authorize(context.Background(), []*Relation{rel}, "", "search", "general", baseTime)
	assert.Len(t, res.AllowedRelations, 1)
	assert.Equal(t, "search", res.CommandName)
}

func TestAuthorizePatternIsAnchored(t *testing.T) {
	rel := fresh("r1")
	rel.PermissionsForSingleUseCommands = PermissionMap{"search": Allowed(), "a.b": Allowed()}
	a := newTestAuthorizer(&stubFetcher{}, rel)
	ctx := context.Background()

	tests := []struct {
		actionID string
		matched  bool
	}{
		{"search", true},
		{"search:next", true},
		{"search:", false},
		{"searchAll", false},
		{"research", false},
		{"xsearch:next", false},
		{"a.b", true},
		{"aXb", false},
	}
	for _, tt := range tests {
		t.Run(tt.actionID, func(t *testing.T) {
			res := a.Authorize(ctx, []*Relation{rel}, tt.actionID, "", "general", baseTime)
			require.Len(t, res.Decisions, 1)
			assert.Equal(t, tt.matched, res.Decisions[0].Matched)
		})
	}
}

func TestAuthorizeSingleUseTakesPrecedence(t *testing.T) {
	rel := fresh("r1")
	rel.PermissionsForSingleUseCommands = PermissionMap{"search": Denied()}
	rel.PermissionsForBroadcastUseCommands = PermissionMap{"search": Allowed()}
	a := newTestAuthorizer(&stubFetcher{}, rel)

	res := a.Authorize(context.Background(), []*Relation{rel}, "search", "", "general", baseTime)
	assert.Empty(t, res.AllowedRelations)
	assert.Contains(t, res.DisallowedGrowiURIs, rel.GrowiURI)
}

func TestAuthorizeEmptyAndNilInput(t *testing.T) {
	a := newTestAuthorizer(&stubFetcher{})

	res := a.Authorize(context.Background(), nil, "search", "", "general", baseTime)
	assert.Empty(t, res.AllowedRelations)
	assert.Empty(t, res.DisallowedGrowiURIs)
	assert.Empty(t, res.CommandName)

	res = a.Authorize(context.Background(), []*Relation{nil}, "search", "", "general", baseTime)
	assert.Empty(t, res.AllowedRelations)
	assert.Empty(t, res.DisallowedGrowiURIs)
}

func TestAuthorizeCommandNameFromFirstMatchInInputOrder(t *testing.T) {
	first := fresh("r1")
	first.PermissionsForSingleUseCommands = PermissionMap{"keep": Denied()}
	second := fresh("r2")
	second.PermissionsForSingleUseCommands = PermissionMap{"keep:sub": Allowed()}
	a := newTestAuthorizer(&stubFetcher{}, first, second)

	// only "keep" can match "keep:open"; "keep:sub" cannot match it
	res := a.Authorize(context.Background(), []*Relation{second, first}, "keep:open", "", "general", baseTime)
	assert.Equal(t, "keep", res.CommandName)
	assert.Empty(t, res.AllowedRelations)
	assert.Equal(t, []string{first.GrowiURI}, res.DisallowedGrowiURIList())
}

func TestAuthorizeKeepsInputOrder(t *testing.T) {
	var rels []*Relation
	for _, id := range []string{"r5", "r1", "r4", "r2", "r3"} {
		r := fresh(id)
		r.PermissionsForSingleUseCommands = PermissionMap{"note": Allowed()}
		rels = append(rels, r)
	}
	a := newTestAuthorizer(&stubFetcher{}, rels...)

	res := a.Authorize(context.Background(), rels, "note", "", "general", baseTime)
	assert.Equal(t, growiURIs(rels), growiURIs(res.AllowedRelations))
}

func TestAuthorizeSyncFailure(t *testing.T) {
	expired := newTestRelation("r1", baseTime.Add(-time.Hour))
	expired.PermissionsForSingleUseCommands = PermissionMap{"search": Allowed()}
	fetcher := &stubFetcher{err: errors.New("unreachable")}

	t.Run("stale permissions by default", func(t *testing.T) {
		a := newTestAuthorizer(fetcher, expired)
		res := a.Authorize(context.Background(), []*Relation{expired}, "search", "", "general", baseTime)
		assert.Len(t, res.AllowedRelations, 1)
	})

	t.Run("fail closed marks the relation disallowed", func(t *testing.T) {
		s := NewSynchronizer(newMemoryRepository(expired), fetcher, &recordingScheduler{})
		a := NewAuthorizer(NewEvaluator(s, WithFailClosedOnSyncError()))
		res := a.Authorize(context.Background(), []*Relation{expired}, "search", "", "general", baseTime)
		assert.Empty(t, res.AllowedRelations)
		assert.Contains(t, res.DisallowedGrowiURIs, expired.GrowiURI)
		assert.ErrorIs(t, res.Decisions[0].Err, ErrSyncFailed)
	})
}

func TestAuthorizeDeduplicatesDisallowedURIs(t *testing.T) {
	r1 := fresh("r1")
	r1.PermissionsForSingleUseCommands = PermissionMap{"search": Denied()}
	r2 := fresh("r2")
	r2.GrowiURI = r1.GrowiURI
	r2.PermissionsForSingleUseCommands = PermissionMap{"search": AllowedInChannels("random")}
	a := newTestAuthorizer(&stubFetcher{}, r1, r2)

	res := a.Authorize(context.Background(), []*Relation{r1, r2}, "search", "", "general", baseTime)
	assert.Len(t, res.DisallowedGrowiURIs, 1)
}
