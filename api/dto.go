/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for API communication, decoupling the internal domain
  model from the external contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

VALIDATION:
  Validation is done in handlers, not in DTOs. DTOs are pure data carriers.
*/
package api

import (
	"time"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
	"github.com/inkstone/coin-engine/paywall"
)

// ErrorResponse is the JSON shape of every error.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// =============================================================================
// CHAPTER CONTENT
// =============================================================================

// ChapterContentResponse is the entitlement-gated read. On a grant Body is
// the full content; on a payment lock Body is empty and Locked carries the
// price the UI needs.
type ChapterContentResponse struct {
	ChapterID string `json:"chapter_id"`
	Title     string `json:"title"`
	Decision  string `json:"decision"`
	Body      string `json:"body,omitempty"`
	Locked    *LockedInfo `json:"locked,omitempty"`
}

// LockedInfo explains a payment lock: exact price plus the caller's
// balance so the UI can offer a purchase or a top-up.
type LockedInfo struct {
	Price      ledger.Coins `json:"price"`
	Balance    ledger.Coins `json:"balance"`
	NeedsLogin bool         `json:"needs_login,omitempty"`
}

// =============================================================================
// PURCHASES AND CREDITS
// =============================================================================

// PurchaseResponse reports a purchase outcome.
type PurchaseResponse struct {
	Outcome    string          `json:"outcome"`
	ChapterID  string          `json:"chapter_id"`
	Price      ledger.Coins    `json:"price"`
	NewBalance ledger.Coins    `json:"new_balance"`
	Transaction *TransactionDTO `json:"transaction,omitempty"`
}

// CreditRequest credits coins to a user (deposit or reward).
type CreditRequest struct {
	Amount ledger.Coins `json:"amount"`
	Kind   string       `json:"kind"` // "deposit" or "reward"
	Note   string       `json:"note,omitempty"`
}

// CreditResponse reports an applied credit.
type CreditResponse struct {
	Transaction TransactionDTO `json:"transaction"`
	NewBalance  ledger.Coins   `json:"new_balance"`
}

// BalanceResponse pairs the cached balance with its reconciled value.
type BalanceResponse struct {
	UserID  string       `json:"user_id"`
	Balance ledger.Coins `json:"balance"`
	Derived ledger.Coins `json:"derived"`
	Match   bool         `json:"match"`
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

// TransactionDTO represents a ledger transaction in API responses.
type TransactionDTO struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	Kind         string            `json:"kind"`
	Amount       ledger.Coins      `json:"amount"`
	Direction    string            `json:"direction,omitempty"`
	Status       string            `json:"status"`
	Target       *ledger.TargetRef `json:"target,omitempty"`
	Note         string            `json:"note,omitempty"`
	CreatedAt    string            `json:"created_at"`
	CompletedAt  string            `json:"completed_at,omitempty"`
	CancelledAt  string            `json:"cancelled_at,omitempty"`
	CancelReason string            `json:"cancel_reason,omitempty"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	dto := TransactionDTO{
		ID:           string(tx.ID),
		UserID:       string(tx.UserID),
		Kind:         string(tx.Kind),
		Amount:       tx.Amount,
		Direction:    string(tx.Direction),
		Status:       string(tx.Status),
		Target:       tx.Target,
		Note:         tx.Note,
		CreatedAt:    tx.CreatedAt.Format(time.RFC3339),
		CancelReason: tx.CancelReason,
	}
	if tx.CompletedAt != nil {
		dto.CompletedAt = tx.CompletedAt.Format(time.RFC3339)
	}
	if tx.CancelledAt != nil {
		dto.CancelledAt = tx.CancelledAt.Format(time.RFC3339)
	}
	return dto
}

func toTransactionDTOs(txs []ledger.Transaction) []TransactionDTO {
	dtos := make([]TransactionDTO, len(txs))
	for i, tx := range txs {
		dtos[i] = toTransactionDTO(tx)
	}
	return dtos
}

// AdjustTransactionRequest edits a transaction through the admin path.
type AdjustTransactionRequest struct {
	Adjustment paywall.Adjustment `json:"adjustment"`
	Force      bool               `json:"force,omitempty"`
}

// CorrectionResponse reports a correction plus the reconciled balance.
type CorrectionResponse struct {
	Result      ledger.CorrectionResult `json:"result"`
	Transaction *TransactionDTO         `json:"transaction,omitempty"`
}

// =============================================================================
// CATALOG (collaborator CRUD)
// =============================================================================

// CreateUserRequest creates a user.
type CreateUserRequest struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`
}

// CreateStoryRequest creates a story.
type CreateStoryRequest struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	AuthorID string `json:"author_id"`
}

// CreateChapterRequest creates a chapter.
type CreateChapterRequest struct {
	ID         string       `json:"id"`
	StoryID    string       `json:"story_id"`
	Seq        int          `json:"seq"`
	Title      string       `json:"title"`
	PriceCoins ledger.Coins `json:"price_coins"`
	State      string       `json:"state,omitempty"`
	Body       string       `json:"body,omitempty"`
}

// PackageDTO represents a coin package in API responses.
type PackageDTO struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Coins      ledger.Coins `json:"coins"`
	BonusCoins ledger.Coins `json:"bonus_coins"`
	Price      string       `json:"price"`
	Currency   string       `json:"currency"`
}

func toPackageDTO(p catalog.CoinPackage) PackageDTO {
	return PackageDTO{
		ID:         p.ID,
		Name:       p.Name,
		Coins:      p.Coins,
		BonusCoins: p.BonusCoins,
		Price:      p.Price.StringFixed(2),
		Currency:   p.Currency,
	}
}

// CreatePackageRequest creates a coin package.
type CreatePackageRequest struct {
	ID         string       `json:"id"`
	Name       string       `json:"name"`
	Coins      ledger.Coins `json:"coins"`
	BonusCoins ledger.Coins `json:"bonus_coins"`
	Price      string       `json:"price"` // decimal string, e.g. "4.99"
	Currency   string       `json:"currency,omitempty"`
}
