/*
handlers.go - HTTP handlers for the coin paywall

PURPOSE:
  Exposes the paywall and ledger via REST. Handles HTTP request/response,
  JSON serialization, and delegates to the paywall service.

IDENTITY:
  Authentication is an external collaborator; requests arrive with the
  caller's identity in the X-User-ID header. Admin-only routes verify
  the header's user holds the admin role - nothing more. Session and
  token mechanics live outside this service.

ERROR MAPPING:
  404  missing chapter/user/transaction/package
  403  chapter not published (distinct from the payment lock)
  402  payment required - locked content, or purchase with insufficient funds
  409  lost purchase race / blocked correction
  422  invalid input (bad amounts, bad kinds, bad transitions)
  503  storage unavailable (retryable; nothing was applied)

SEE ALSO:
  - dto.go: Request/response shapes
  - server.go: Router and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
	"github.com/inkstone/coin-engine/paywall"
)

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store   paywall.Store
	Catalog catalog.Store
	Paywall *paywall.Service
}

// NewHandler creates a handler over a store that implements both the
// paywall and catalog interfaces (the sqlite store does).
func NewHandler(store interface {
	paywall.Store
	catalog.Store
}) *Handler {
	return &Handler{
		Store:   store,
		Catalog: store,
		Paywall: paywall.NewService(store),
	}
}

// =============================================================================
// CHAPTER CONTENT AND PURCHASE
// =============================================================================

// GetChapterContent serves the entitlement-gated chapter read.
// Anonymous callers are allowed; X-User-ID is optional here.
func (h *Handler) GetChapterContent(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "id")
	userID := ledger.UserID(r.Header.Get("X-User-ID"))

	result, err := h.Paywall.CheckEntitlement(r.Context(), userID, chapterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := ChapterContentResponse{
		ChapterID: result.Chapter.ID,
		Title:     result.Chapter.Title,
		Decision:  string(result.Decision),
	}
	if result.Granted() {
		resp.Body = result.Chapter.Body
		writeJSON(w, http.StatusOK, resp)
		return
	}

	// Payment lock: a dedicated status, never a plain 200 the client has
	// to inspect, and never conflated with 403/404.
	resp.Locked = &LockedInfo{
		Price:      result.Price,
		Balance:    result.Balance,
		NeedsLogin: result.Decision == paywall.DecisionRequiresLogin,
	}
	writeJSON(w, http.StatusPaymentRequired, resp)
}

// PurchaseChapter unlocks a priced chapter for the authenticated user.
func (h *Handler) PurchaseChapter(w http.ResponseWriter, r *http.Request) {
	chapterID := chi.URLParam(r, "id")
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	result, err := h.Paywall.Purchase(r.Context(), userID, chapterID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := PurchaseResponse{
		Outcome:    string(result.Outcome),
		ChapterID:  result.ChapterID,
		Price:      result.Price,
		NewBalance: result.NewBalance,
	}
	if result.Transaction != nil {
		dto := toTransactionDTO(*result.Transaction)
		resp.Transaction = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

// =============================================================================
// BALANCES, HISTORY, CREDITS
// =============================================================================

// GetBalance returns the cached balance alongside its reconciled value.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	report, err := h.Paywall.VerifyBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		UserID:  string(report.UserID),
		Balance: report.Cached,
		Derived: report.Derived,
		Match:   report.Match,
	})
}

// GetUserTransactions returns a user's ledger history, oldest first.
func (h *Handler) GetUserTransactions(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	txs, err := h.Paywall.History(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// CreditUser applies a deposit or reward credit. This is the entry point
// the coin-package payment collaborator calls on payment success.
func (h *Handler) CreditUser(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	kind := ledger.Kind(req.Kind)
	if kind == "" {
		kind = ledger.KindDeposit
	}

	tx, newBalance, err := h.Paywall.Credit(r.Context(), userID, req.Amount, kind, nil, req.Note)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreditResponse{
		Transaction: toTransactionDTO(tx),
		NewBalance:  newBalance,
	})
}

// =============================================================================
// COIN PACKAGES
// =============================================================================

// ListPackages returns the purchasable coin packages.
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	packages, err := h.Catalog.ListPackages(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list packages", err)
		return
	}
	dtos := make([]PackageDTO, len(packages))
	for i, p := range packages {
		dtos[i] = toPackageDTO(p)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// BuyPackage runs the coin-package deposit flow for the authenticated user.
func (h *Handler) BuyPackage(w http.ResponseWriter, r *http.Request) {
	packageID := chi.URLParam(r, "id")
	userID, ok := h.requireUser(w, r)
	if !ok {
		return
	}

	tx, newBalance, err := h.Paywall.BuyPackage(r.Context(), userID, packageID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreditResponse{
		Transaction: toTransactionDTO(tx),
		NewBalance:  newBalance,
	})
}

// CreatePackage creates a coin package (admin).
func (h *Handler) CreatePackage(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	var req CreatePackageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	price, err := decimal.NewFromString(req.Price)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "Invalid price", err)
		return
	}
	pkg := catalog.CoinPackage{
		ID:         req.ID,
		Name:       req.Name,
		Coins:      req.Coins,
		BonusCoins: req.BonusCoins,
		Price:      price,
		Currency:   req.Currency,
	}
	if err := h.Catalog.CreatePackage(r.Context(), pkg); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create package", err)
		return
	}
	writeJSON(w, http.StatusCreated, toPackageDTO(pkg))
}

// =============================================================================
// ADMIN LEDGER
// =============================================================================

// ListLedger returns transactions for the admin ledger UI.
func (h *Handler) ListLedger(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	f := ledger.Filter{
		UserID: ledger.UserID(r.URL.Query().Get("user")),
		Kind:   ledger.Kind(r.URL.Query().Get("kind")),
		Status: ledger.Status(r.URL.Query().Get("status")),
	}
	txs, err := h.Paywall.ListLedger(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list transactions", err)
		return
	}
	writeJSON(w, http.StatusOK, toTransactionDTOs(txs))
}

// DeleteTransaction removes a ledger record and reconciles the owner's
// balance. ?force=true overrides the negative-balance guard.
func (h *Handler) DeleteTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := ledger.TransactionID(chi.URLParam(r, "id"))
	force := r.URL.Query().Get("force") == "true"

	result, err := h.Paywall.DeleteTransaction(r.Context(), id, force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CorrectionResponse{Result: result})
}

// AdjustTransaction edits a ledger record through the correction path.
func (h *Handler) AdjustTransaction(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := ledger.TransactionID(chi.URLParam(r, "id"))

	var req AdjustTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	tx, result, err := h.Paywall.AdjustTransaction(r.Context(), id, req.Adjustment, req.Force)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	dto := toTransactionDTO(tx)
	writeJSON(w, http.StatusOK, CorrectionResponse{Result: result, Transaction: &dto})
}

// VerifyUserBalance runs the consistency check for one user (admin).
func (h *Handler) VerifyUserBalance(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	userID := ledger.UserID(chi.URLParam(r, "id"))
	report, err := h.Paywall.VerifyBalance(r.Context(), userID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// =============================================================================
// CATALOG (collaborator CRUD)
// =============================================================================

// CreateUser creates a user record.
func (h *Handler) CreateUser(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	user := catalog.User{
		ID:   ledger.UserID(req.ID),
		Name: req.Name,
		Role: catalog.Role(req.Role),
	}
	if err := h.Catalog.CreateUser(r.Context(), user); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

// CreateStory creates a story record.
func (h *Handler) CreateStory(w http.ResponseWriter, r *http.Request) {
	var req CreateStoryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	story := catalog.Story{
		ID:       req.ID,
		Title:    req.Title,
		AuthorID: ledger.UserID(req.AuthorID),
	}
	if err := h.Catalog.CreateStory(r.Context(), story); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create story", err)
		return
	}
	writeJSON(w, http.StatusCreated, story)
}

// CreateChapter creates a chapter record.
func (h *Handler) CreateChapter(w http.ResponseWriter, r *http.Request) {
	var req CreateChapterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.PriceCoins < 0 {
		writeError(w, http.StatusUnprocessableEntity, "Price cannot be negative", nil)
		return
	}
	state := catalog.ChapterState(req.State)
	if state == "" {
		state = catalog.StateDraft
	}
	chapter := catalog.Chapter{
		ID:         req.ID,
		StoryID:    req.StoryID,
		Seq:        req.Seq,
		Title:      req.Title,
		PriceCoins: req.PriceCoins,
		State:      state,
		Body:       req.Body,
	}
	if err := h.Catalog.CreateChapter(r.Context(), chapter); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to create chapter", err)
		return
	}
	writeJSON(w, http.StatusCreated, chapter)
}

// ListChapters returns a story's chapters.
func (h *Handler) ListChapters(w http.ResponseWriter, r *http.Request) {
	storyID := chi.URLParam(r, "id")
	chapters, err := h.Catalog.ListChapters(r.Context(), storyID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list chapters", err)
		return
	}
	writeJSON(w, http.StatusOK, chapters)
}

// chapterTransition builds a moderation-transition handler.
func (h *Handler) chapterTransition(next catalog.ChapterState, adminOnly bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if adminOnly && !h.requireAdmin(w, r) {
			return
		}
		id := chi.URLParam(r, "id")
		chapter, err := h.Catalog.SetChapterState(r.Context(), id, next)
		if err != nil {
			if errors.Is(err, catalog.ErrInvalidTransition) {
				writeError(w, http.StatusUnprocessableEntity, "Invalid state transition", err)
				return
			}
			writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, chapter)
	}
}

// SubmitChapter moves a chapter into the review queue.
func (h *Handler) SubmitChapter(w http.ResponseWriter, r *http.Request) {
	h.chapterTransition(catalog.StatePendingReview, false)(w, r)
}

// ApproveChapter publishes a chapter from the review queue (admin).
func (h *Handler) ApproveChapter(w http.ResponseWriter, r *http.Request) {
	h.chapterTransition(catalog.StatePublished, true)(w, r)
}

// RejectChapter rejects a chapter from the review queue (admin).
func (h *Handler) RejectChapter(w http.ResponseWriter, r *http.Request) {
	h.chapterTransition(catalog.StateRejected, true)(w, r)
}

// =============================================================================
// IDENTITY HELPERS
// =============================================================================

// requireUser extracts the caller's identity from X-User-ID.
func (h *Handler) requireUser(w http.ResponseWriter, r *http.Request) (ledger.UserID, bool) {
	userID := ledger.UserID(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusUnauthorized, "X-User-ID header required", nil)
		return "", false
	}
	return userID, true
}

// requireAdmin verifies the caller holds the admin role.
func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	userID, ok := h.requireUser(w, r)
	if !ok {
		return false
	}
	user, err := h.Store.GetUser(r.Context(), userID)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "Unknown user", err)
		return false
	}
	if !user.IsAdmin() {
		writeError(w, http.StatusForbidden, "Admin role required", nil)
		return false
	}
	return true
}

// =============================================================================
// RESPONSE HELPERS
// =============================================================================

// writeDomainError maps ledger/paywall errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrChapterNotPublished):
		writeError(w, http.StatusForbidden, "Chapter is not published", err)
	case errors.Is(err, ledger.ErrInsufficientFunds):
		var fundsErr *ledger.InsufficientFundsError
		resp := ErrorResponse{Error: "Insufficient funds"}
		if errors.As(err, &fundsErr) {
			resp.Details = fundsErr.Error()
		}
		writeJSON(w, http.StatusPaymentRequired, resp)
	case errors.Is(err, ledger.ErrCorrectionBlocked):
		writeError(w, http.StatusConflict, "Correction blocked", err)
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "Concurrent modification, retry", err)
	case errors.Is(err, ledger.ErrStorageUnavailable):
		writeError(w, http.StatusServiceUnavailable, "Storage unavailable, retry later", err)
	case errors.Is(err, ledger.ErrImmutableTransaction),
		errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrInvalidKind):
		writeError(w, http.StatusUnprocessableEntity, "Invalid operation", err)
	default:
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
