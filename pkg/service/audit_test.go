package service

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestViewLogReads(t *testing.T) {
	w := newGateWorld(t)
	ctx := context.Background()

	// A second owner with an unviewed link.
	other := w.seedUser(t, "9123456789")
	w.grantPremium(t, other, nil)
	otherLink, err := w.links.CreateOrGet(ctx, Identity{UserID: other}, w.seedProperty(t, uuid.New()))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		require.NoError(t, w.views.Record(ctx, w.linkID, "198.51.100.4", "Mozilla/5.0"))
	}

	t.Run("list mine", func(t *testing.T) {
		mine, err := w.views.ListMine(ctx, w.owner)
		require.NoError(t, err)
		require.Len(t, mine, 1)
		assert.Equal(t, w.token, mine[0].Token)
		assert.Equal(t, w.property, mine[0].PropertyID)
		assert.Equal(t, int64(2), mine[0].ViewCount)
		assert.NotNil(t, mine[0].LastViewedAt)
	})

	t.Run("history is owner scoped", func(t *testing.T) {
		h, err := w.views.History(ctx, w.owner, w.token)
		require.NoError(t, err)
		assert.Len(t, h.Views, 2)
		assert.False(t, h.Views[1].ViewedAt.Before(h.Views[0].ViewedAt))

		_, err = w.views.History(ctx, other, w.token)
		assert.ErrorIs(t, err, ErrLinkNotFound)

		_, err = w.views.History(ctx, w.owner, "bogus")
		assert.ErrorIs(t, err, ErrLinkNotFound)
	})

	t.Run("admin list all", func(t *testing.T) {
		all, err := w.views.ListAll(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)

		counts := map[string]int{}
		for _, a := range all {
			counts[a.Token] = a.ViewCount
			assert.Len(t, a.Views, a.ViewCount)
		}
		assert.Equal(t, 2, counts[w.token])
		assert.Equal(t, 0, counts[otherLink.Token])
	})
}
