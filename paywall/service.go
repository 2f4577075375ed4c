/*
Package paywall implements the coin paywall: entitlement decisions,
chapter purchases, deposit crediting, and admin ledger corrections.

PURPOSE:
  This is the service layer between the HTTP surface and the stores. It
  owns the business rules:
  - who may read a chapter (entitlement)
  - the check-funds -> debit -> record sequence (purchase)
  - the only sanctioned ways a balance ever increases (credit, correction)
  - the guard rails on editing history (admin correction)

INVARIANTS ENFORCED HERE (and backed by the store):
  1. At most one completed purchase per (user, chapter) - idempotent
     purchase, unique-index backstop for races.
  2. A balance never goes negative through purchase - conditional debit.
  3. The cached balance always equals Reconcile over the completed set -
     every mutation goes through an atomic store operation that either
     guards the decrement or re-derives the full balance.
  4. Completed transactions only change through the correction path,
     which re-reconciles and refuses to strand already-spent coins
     unless forced.

SEE ALSO:
  - entitlement.go: Read-side decision
  - purchase.go: Purchase and credit paths
  - admin.go: Ledger corrections and the consistency check
*/
package paywall

import (
	"context"
	"time"

	"github.com/inkstone/coin-engine/catalog"
	"github.com/inkstone/coin-engine/ledger"
)

// Store is everything the paywall needs from persistence: the atomic
// ledger operations plus read access to the content catalog.
type Store interface {
	ledger.AtomicStore

	GetUser(ctx context.Context, id ledger.UserID) (catalog.User, error)
	GetStory(ctx context.Context, id string) (catalog.Story, error)
	GetChapter(ctx context.Context, id string) (catalog.Chapter, error)
	GetPackage(ctx context.Context, id string) (catalog.CoinPackage, error)
}

// Service carries the paywall business logic.
type Service struct {
	store Store
}

// NewService creates a paywall service over the given store.
func NewService(store Store) *Service {
	return &Service{store: store}
}

func nowUTC() time.Time { return time.Now().UTC() }
