/*
handlers_test.go - HTTP-level tests for the paywall API

Requests go through NewRouter so routing, identity extraction, and the
status-code mapping are exercised exactly as a client sees them.
*/
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
	"github.com/inkstone/coin-engine/paywall"
	"github.com/inkstone/coin-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

type testAPI struct {
	router http.Handler
	store  *sqlite.Store
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return &testAPI{
		router: NewRouter(NewHandler(store), []string{"*"}),
		store:  store,
	}
}

// do runs a request as the given user ("" for anonymous) and decodes the
// JSON response into out when out is non-nil.
func (a *testAPI) do(t *testing.T, method, path, userID string, body, out any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	if out != nil {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(out),
			"decoding %s %s response (status %d)", method, path, rec.Code)
	}
	return rec
}

func adjustmentWithNote(note string) paywall.Adjustment {
	return paywall.Adjustment{Note: &note}
}

func adjustmentWithStatus(status ledger.Status) paywall.Adjustment {
	return paywall.Adjustment{Status: &status}
}

func (a *testAPI) seedUser(t *testing.T, id string, role catalog.Role, coins ledger.Coins) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/users/", "", CreateUserRequest{
		ID: id, Name: id, Role: string(role),
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	if coins > 0 {
		rec = a.do(t, http.MethodPost, fmt.Sprintf("/api/users/%s/credits", id), "",
			CreditRequest{Amount: coins, Note: "seed"}, nil)
		require.Equal(t, http.StatusCreated, rec.Code)
	}
}

func (a *testAPI) seedChapter(t *testing.T, authorID, storyID, chapterID string, price ledger.Coins, state catalog.ChapterState) {
	t.Helper()
	a.seedUser(t, authorID, catalog.RoleAuthor, 0)
	rec := a.do(t, http.MethodPost, "/api/stories/", "", CreateStoryRequest{
		ID: storyID, Title: "story " + storyID, AuthorID: authorID,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = a.do(t, http.MethodPost, "/api/chapters/", "", CreateChapterRequest{
		ID: chapterID, StoryID: storyID, Seq: 1, Title: "chapter " + chapterID,
		PriceCoins: price, State: string(state), Body: "Full text of " + chapterID,
	}, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
}

// =============================================================================
// CHAPTER READ
// =============================================================================

func TestGetChapterContent_LocksAndGrants(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 7, catalog.StatePublished)
	api.seedUser(t, "reader-1", catalog.RoleReader, 10)

	// Locked read: 402 with price and balance, no body.
	var locked ChapterContentResponse
	rec := api.do(t, http.MethodGet, "/api/chapters/ch-1/content", "reader-1", nil, &locked)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Empty(t, locked.Body)
	require.NotNil(t, locked.Locked)
	assert.Equal(t, ledger.Coins(7), locked.Locked.Price)
	assert.Equal(t, ledger.Coins(10), locked.Locked.Balance)
	assert.False(t, locked.Locked.NeedsLogin)

	// Purchase, then the same read is granted.
	rec = api.do(t, http.MethodPost, "/api/chapters/ch-1/purchase", "reader-1", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var granted ChapterContentResponse
	rec = api.do(t, http.MethodGet, "/api/chapters/ch-1/content", "reader-1", nil, &granted)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Full text of ch-1", granted.Body)
	assert.Nil(t, granted.Locked)
}

func TestGetChapterContent_AnonymousLockNeedsLogin(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 7, catalog.StatePublished)

	var resp ChapterContentResponse
	rec := api.do(t, http.MethodGet, "/api/chapters/ch-1/content", "", nil, &resp)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	require.NotNil(t, resp.Locked)
	assert.True(t, resp.Locked.NeedsLogin)
	assert.Equal(t, ledger.Coins(7), resp.Locked.Price)
}

func TestGetChapterContent_FreeChapterOpenToAll(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 0, catalog.StatePublished)

	var resp ChapterContentResponse
	rec := api.do(t, http.MethodGet, "/api/chapters/ch-1/content", "", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Full text of ch-1", resp.Body)
}

func TestGetChapterContent_UnpublishedIsNot402(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 7, catalog.StateDraft)
	api.seedUser(t, "reader-1", catalog.RoleReader, 100)

	// A draft is hidden (403), never presented as a payment lock.
	rec := api.do(t, http.MethodGet, "/api/chapters/ch-1/content", "reader-1", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// The author still sees their own draft.
	var resp ChapterContentResponse
	rec = api.do(t, http.MethodGet, "/api/chapters/ch-1/content", "author-1", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "Full text of ch-1", resp.Body)

	// Missing chapters are 404, also never a payment lock.
	rec = api.do(t, http.MethodGet, "/api/chapters/no-such/content", "reader-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// PURCHASE
// =============================================================================

func TestPurchaseChapter_FullFlow(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 7, catalog.StatePublished)
	api.seedUser(t, "reader-1", catalog.RoleReader, 10)

	var resp PurchaseResponse
	rec := api.do(t, http.MethodPost, "/api/chapters/ch-1/purchase", "reader-1", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "purchased", resp.Outcome)
	assert.Equal(t, ledger.Coins(3), resp.NewBalance)
	require.NotNil(t, resp.Transaction)
	assert.Equal(t, "purchase", resp.Transaction.Kind)

	// Repeat purchase: still 200, already_owned, no second debit.
	rec = api.do(t, http.MethodPost, "/api/chapters/ch-1/purchase", "reader-1", nil, &resp)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "already_owned", resp.Outcome)
	assert.Equal(t, ledger.Coins(3), resp.NewBalance)
}

func TestPurchaseChapter_ErrorStatuses(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 50, catalog.StatePublished)
	api.seedUser(t, "reader-1", catalog.RoleReader, 10)

	// No identity.
	rec := api.do(t, http.MethodPost, "/api/chapters/ch-1/purchase", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Insufficient funds.
	var errResp ErrorResponse
	rec = api.do(t, http.MethodPost, "/api/chapters/ch-1/purchase", "reader-1", nil, &errResp)
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Equal(t, "Insufficient funds", errResp.Error)
	assert.Contains(t, errResp.Details, "need 50 coins")

	// Missing chapter.
	rec = api.do(t, http.MethodPost, "/api/chapters/no-such/purchase", "reader-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	// Unpublished chapter.
	api.do(t, http.MethodPost, "/api/chapters/", "", CreateChapterRequest{
		ID: "ch-draft", StoryID: "story-1", Seq: 2, Title: "draft", PriceCoins: 5,
	}, nil)
	rec = api.do(t, http.MethodPost, "/api/chapters/ch-draft/purchase", "reader-1", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

// =============================================================================
// BALANCE, HISTORY, CREDITS
// =============================================================================

func TestBalanceAndCredits(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser(t, "reader-1", catalog.RoleReader, 0)

	var credit CreditResponse
	rec := api.do(t, http.MethodPost, "/api/users/reader-1/credits", "",
		CreditRequest{Amount: 100, Kind: "deposit", Note: "top-up"}, &credit)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, ledger.Coins(100), credit.NewBalance)
	assert.Equal(t, "deposit", credit.Transaction.Kind)

	var balance BalanceResponse
	rec = api.do(t, http.MethodGet, "/api/users/reader-1/balance", "", nil, &balance)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Coins(100), balance.Balance)
	assert.True(t, balance.Match)

	var history []TransactionDTO
	rec = api.do(t, http.MethodGet, "/api/users/reader-1/transactions", "", nil, &history)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, history, 1)

	// Invalid credit amounts are 422; unknown users are 404.
	rec = api.do(t, http.MethodPost, "/api/users/reader-1/credits", "",
		CreditRequest{Amount: -5}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/users/ghost/credits", "",
		CreditRequest{Amount: 5}, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/users/ghost/balance", "", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// COIN PACKAGES
// =============================================================================

func TestPackages_CreateListBuy(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser(t, "admin-1", catalog.RoleAdmin, 0)
	api.seedUser(t, "reader-1", catalog.RoleReader, 0)

	createReq := CreatePackageRequest{
		ID: "pkg-500", Name: "Inkwell 500", Coins: 500, BonusCoins: 50,
		Price: "4.99", Currency: "USD",
	}

	// Package creation is admin-only.
	rec := api.do(t, http.MethodPost, "/api/packages/", "reader-1", createReq, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = api.do(t, http.MethodPost, "/api/packages/", "admin-1", createReq, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)

	var packages []PackageDTO
	rec = api.do(t, http.MethodGet, "/api/packages/", "", nil, &packages)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, packages, 1)
	assert.Equal(t, "4.99", packages[0].Price)

	var bought CreditResponse
	rec = api.do(t, http.MethodPost, "/api/packages/pkg-500/buy", "reader-1", nil, &bought)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, ledger.Coins(550), bought.NewBalance)

	rec = api.do(t, http.MethodPost, "/api/packages/no-such/buy", "reader-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// =============================================================================
// MODERATION
// =============================================================================

func TestChapterModeration_Transitions(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 7, catalog.StateDraft)
	api.seedUser(t, "admin-1", catalog.RoleAdmin, 0)

	// Approving a draft out of order is rejected.
	rec := api.do(t, http.MethodPost, "/api/chapters/ch-1/approve", "admin-1", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/chapters/ch-1/submit", "author-1", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	// Approval is admin-only.
	rec = api.do(t, http.MethodPost, "/api/chapters/ch-1/approve", "author-1", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var chapter catalog.Chapter
	rec = api.do(t, http.MethodPost, "/api/chapters/ch-1/approve", "admin-1", nil, &chapter)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, catalog.StatePublished, chapter.State)
}

// =============================================================================
// ADMIN LEDGER
// =============================================================================

func TestAdminLedger_AuthAndCorrections(t *testing.T) {
	api := newTestAPI(t)
	api.seedChapter(t, "author-1", "story-1", "ch-1", 7, catalog.StatePublished)
	api.seedUser(t, "admin-1", catalog.RoleAdmin, 0)
	api.seedUser(t, "reader-1", catalog.RoleReader, 10)

	var purchase PurchaseResponse
	rec := api.do(t, http.MethodPost, "/api/chapters/ch-1/purchase", "reader-1", nil, &purchase)
	require.Equal(t, http.StatusOK, rec.Code)

	// Admin routes reject missing and non-admin identities.
	rec = api.do(t, http.MethodGet, "/api/admin/transactions", "", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = api.do(t, http.MethodGet, "/api/admin/transactions", "reader-1", nil, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	var txs []TransactionDTO
	rec = api.do(t, http.MethodGet, "/api/admin/transactions?user=reader-1&kind=purchase", "admin-1", nil, &txs)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, txs, 1)
	purchaseID := txs[0].ID

	// Deleting the spent deposit is blocked without force.
	rec = api.do(t, http.MethodGet, "/api/admin/transactions?user=reader-1&kind=deposit", "admin-1", nil, &txs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, txs, 1)
	depositID := txs[0].ID

	rec = api.do(t, http.MethodDelete, "/api/admin/transactions/"+depositID, "admin-1", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Deleting the purchase refunds it.
	var correction CorrectionResponse
	rec = api.do(t, http.MethodDelete, "/api/admin/transactions/"+purchaseID, "admin-1", nil, &correction)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Coins(10), correction.Result.Balance)
	assert.False(t, correction.Result.Clamped)

	// Forced deletion of the deposit now clamps at zero.
	rec = api.do(t, http.MethodDelete, "/api/admin/transactions/"+depositID+"?force=true", "admin-1", nil, &correction)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Coins(0), correction.Result.Balance)

	rec = api.do(t, http.MethodDelete, "/api/admin/transactions/no-such", "admin-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminAdjustTransaction_HTTP(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser(t, "admin-1", catalog.RoleAdmin, 0)
	api.seedUser(t, "reader-1", catalog.RoleReader, 10)

	var txs []TransactionDTO
	rec := api.do(t, http.MethodGet, "/api/admin/transactions?user=reader-1", "admin-1", nil, &txs)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, txs, 1)

	note := "ticket #4812"
	var correction CorrectionResponse
	rec = api.do(t, http.MethodPatch, "/api/admin/transactions/"+txs[0].ID, "admin-1",
		AdjustTransactionRequest{Adjustment: adjustmentWithNote(note)}, &correction)
	assert.Equal(t, http.StatusOK, rec.Code)
	require.NotNil(t, correction.Transaction)
	assert.Equal(t, note, correction.Transaction.Note)

	// A disallowed status move surfaces as 422.
	rec = api.do(t, http.MethodPatch, "/api/admin/transactions/"+txs[0].ID, "admin-1",
		AdjustTransactionRequest{Adjustment: adjustmentWithStatus(ledger.StatusPending)}, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestAdminVerifyBalance_HTTP(t *testing.T) {
	api := newTestAPI(t)
	api.seedUser(t, "admin-1", catalog.RoleAdmin, 0)
	api.seedUser(t, "reader-1", catalog.RoleReader, 10)

	rec := api.do(t, http.MethodPost, "/api/users/reader-1/verify", "admin-1", nil, nil)
	// The verify route lives under /api/admin.
	assert.Equal(t, http.StatusNotFound, rec.Code)

	var report struct {
		Cached  ledger.Coins `json:"cached"`
		Derived ledger.Coins `json:"derived"`
		Match   bool         `json:"match"`
	}
	rec = api.do(t, http.MethodPost, "/api/admin/users/reader-1/verify", "admin-1", nil, &report)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, ledger.Coins(10), report.Cached)
	assert.True(t, report.Match)
}
