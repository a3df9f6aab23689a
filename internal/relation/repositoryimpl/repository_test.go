package repositoryimpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/growilabs/slackbot-proxy/internal/relation"
	"github.com/growilabs/slackbot-proxy/pkg/cerr"
)

var testTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newRelation(id, installationID string) *relation.Relation {
	return &relation.Relation{
		ID:             id,
		InstallationID: installationID,
		GrowiURI:       "https://" + id + ".example.com",
		TokenGtoP:      "gtop-" + id,
		TokenPtoG:      "ptog-" + id,
		PermissionsForSingleUseCommands: relation.PermissionMap{
			"note":   relation.Allowed(),
			"keep":   relation.AllowedInChannels("general", "dev"),
			"hidden": relation.Denied(),
		},
		PermissionsForBroadcastUseCommands: relation.PermissionMap{"search": relation.Allowed()},
		ExpiredAtCommands:                  testTime.Add(48 * time.Hour),
		CreatedAt:                          testTime,
		UpdatedAt:                          testTime,
	}
}

func assertSameRelation(t *testing.T, want, got *relation.Relation) {
	t.Helper()
	assert.Equal(t, want.ID, got.ID)
	assert.Equal(t, want.InstallationID, got.InstallationID)
	assert.Equal(t, want.GrowiURI, got.GrowiURI)
	assert.Equal(t, want.TokenGtoP, got.TokenGtoP)
	assert.Equal(t, want.TokenPtoG, got.TokenPtoG)
	assert.True(t, want.ExpiredAtCommands.Equal(got.ExpiredAtCommands), "expired_at %s != %s", want.ExpiredAtCommands, got.ExpiredAtCommands)
	assert.True(t, want.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(got.UpdatedAt))
	for _, scope := range []relation.Scope{relation.ScopeSingleUse, relation.ScopeBroadcastUse} {
		wm, gm := want.Permissions(scope), got.Permissions(scope)
		require.Len(t, gm, len(wm), scope.String())
		for name, p := range wm {
			assert.True(t, p.Equal(gm[name]), "%s %s: %s != %s", scope, name, p, gm[name])
		}
	}
}

// testRepository checks the behavior every relation.Repository must share.
func testRepository(t *testing.T, repo relation.Repository) {
	ctx := context.Background()

	t.Run("get missing", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing")
		assert.True(t, cerr.IsCode(err, cerr.NotFound), "got %v", err)
	})

	r1 := newRelation("01HZ0000000000000000000001", "T1")
	r2 := newRelation("01HZ0000000000000000000002", "T1")
	r3 := newRelation("01HZ0000000000000000000003", "T2")
	r3.PermissionsForSingleUseCommands = relation.PermissionMap{}

	t.Run("create and get", func(t *testing.T) {
		for _, r := range []*relation.Relation{r2, r1, r3} {
			require.NoError(t, repo.Create(ctx, r))
		}
		got, err := repo.Get(ctx, r1.ID)
		require.NoError(t, err)
		assertSameRelation(t, r1, got)
	})

	t.Run("create duplicate", func(t *testing.T) {
		err := repo.Create(ctx, r1)
		assert.True(t, cerr.IsCode(err, cerr.AlreadyExists), "got %v", err)
	})

	t.Run("list", func(t *testing.T) {
		all, err := repo.List(ctx)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, []string{r1.ID, r2.ID, r3.ID}, []string{all[0].ID, all[1].ID, all[2].ID})

		t1, err := repo.ListByInstallation(ctx, "T1")
		require.NoError(t, err)
		require.Len(t, t1, 2)
		assert.Equal(t, r1.ID, t1[0].ID)

		none, err := repo.ListByInstallation(ctx, "T9")
		require.NoError(t, err)
		assert.Empty(t, none)
	})

	t.Run("upsert replaces", func(t *testing.T) {
		updated := r1.Clone()
		updated.PermissionsForSingleUseCommands = relation.PermissionMap{"keep": relation.AllowedInChannels("random")}
		updated.ExpiredAtCommands = testTime.Add(96 * time.Hour)
		updated.UpdatedAt = testTime.Add(time.Hour)
		require.NoError(t, repo.Upsert(ctx, updated))

		got, err := repo.Get(ctx, r1.ID)
		require.NoError(t, err)
		assertSameRelation(t, updated, got)
	})

	t.Run("upsert inserts", func(t *testing.T) {
		r4 := newRelation("01HZ0000000000000000000004", "T2")
		require.NoError(t, repo.Upsert(ctx, r4))
		got, err := repo.Get(ctx, r4.ID)
		require.NoError(t, err)
		assertSameRelation(t, r4, got)
	})
}
