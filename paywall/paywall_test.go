package paywall_test

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
	"github.com/inkstone/coin-engine/paywall"
	"github.com/inkstone/coin-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestService(t *testing.T) (*paywall.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return paywall.NewService(store), store
}

// seedUser creates a user and, when coins > 0, funds them through the
// sanctioned deposit path so cached and derived balances agree.
func seedUser(t *testing.T, svc *paywall.Service, store *sqlite.Store, id string, role catalog.Role, coins ledger.Coins) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.CreateUser(ctx, catalog.User{
		ID:   ledger.UserID(id),
		Name: "user " + id,
		Role: role,
	}))
	if coins > 0 {
		_, _, err := svc.Credit(ctx, ledger.UserID(id), coins, ledger.KindDeposit, nil, "test funding")
		require.NoError(t, err)
	}
}

// seedChapter creates an author, a story and one chapter in the given state.
func seedChapter(t *testing.T, svc *paywall.Service, store *sqlite.Store, authorID, storyID, chapterID string, price ledger.Coins, state catalog.ChapterState) {
	t.Helper()
	ctx := context.Background()
	seedUser(t, svc, store, authorID, catalog.RoleAuthor, 0)
	require.NoError(t, store.CreateStory(ctx, catalog.Story{
		ID:       storyID,
		Title:    "story " + storyID,
		AuthorID: ledger.UserID(authorID),
	}))
	require.NoError(t, store.CreateChapter(ctx, catalog.Chapter{
		ID:         chapterID,
		StoryID:    storyID,
		Seq:        1,
		Title:      "chapter " + chapterID,
		PriceCoins: price,
		State:      state,
		Body:       "Full chapter text for " + chapterID,
	}))
}

func decimalFromString(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	require.NoError(t, err)
	return d
}
