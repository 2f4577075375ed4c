/*
ledger.go - Transaction persistence and the atomic balance operations

PURPOSE:
  The ledger half of the SQLite store: plain transaction reads/appends
  plus the compound operations that pair a balance write with a ledger
  write inside one database transaction.

THE TWO-WRITE BUG THIS FILE EXISTS TO PREVENT:
  Debiting a balance and recording the transaction as two independent
  writes means a crash between them either double-charges the user or
  hands out free entitlement. Every balance-affecting operation here is
  one BEGIN..COMMIT: conditional decrement + insert for purchases,
  insert + full reconcile for credits, delete/update + full reconcile
  for corrections.

RECONCILIATION:
  The cached users.coin_balance is never patched incrementally by the
  correction paths. They reload the user's full transaction set inside
  the same database transaction and overwrite the cache with
  ledger.Reconcile's output. The purchase path uses the guarded
  decrement instead (so the "balance covers price" check and the debit
  are one statement), with the CHECK constraint and the unique purchase
  index backing it up.
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/inkstone/coin-engine/ledger"
)

const transactionColumns = `id, user_id, kind, amount, direction, status,
	target_type, target_id, note, created_at, completed_at, cancelled_at, cancel_reason`

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// PLAIN READS AND APPENDS
// =============================================================================

// AppendTransaction persists a transaction without touching any balance.
// Balance-affecting writes go through the atomic operations below.
func (s *Store) AppendTransaction(ctx context.Context, tx ledger.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return insertTransaction(ctx, s.db, tx)
}

func insertTransaction(ctx context.Context, q querier, tx ledger.Transaction) error {
	var targetType, targetID sql.NullString
	if tx.Target != nil {
		targetType = nullString(string(tx.Target.Type))
		targetID = nullString(tx.Target.ID)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO transactions
		(id, user_id, kind, amount, direction, status,
		 target_type, target_id, note, created_at, completed_at, cancelled_at, cancel_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.UserID, tx.Kind, tx.Amount, nullString(string(tx.Direction)), tx.Status,
		targetType, targetID, tx.Note,
		tx.CreatedAt.UTC().Format(time.RFC3339),
		nullTime(tx.CompletedAt), nullTime(tx.CancelledAt), tx.CancelReason,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicatePurchase
		}
		if isBusyError(err) {
			return ledger.ErrStorageUnavailable
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}
	return nil
}

// GetTransaction returns a transaction by ID.
func (s *Store) GetTransaction(ctx context.Context, id ledger.TransactionID) (ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`, id)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("failed to load transaction: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if len(txs) == 0 {
		return ledger.Transaction{}, ledger.ErrTransactionNotFound
	}
	return txs[0], nil
}

// TransactionsByUser returns all of a user's transactions, oldest first.
func (s *Store) TransactionsByUser(ctx context.Context, user ledger.UserID) ([]ledger.Transaction, error) {
	return loadUserTransactions(ctx, s.db, user)
}

func loadUserTransactions(ctx context.Context, q querier, user ledger.UserID) ([]ledger.Transaction, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = ? ORDER BY created_at, id`, user)
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// ListTransactions returns transactions matching the filter, newest first.
func (s *Store) ListTransactions(ctx context.Context, f ledger.Filter) ([]ledger.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE 1=1`
	var args []any
	if f.UserID != "" {
		query += ` AND user_id = ?`
		args = append(args, f.UserID)
	}
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, f.Status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()
	return scanTransactions(rows)
}

// FindCompletedPurchase returns the completed purchase for (user, target),
// or nil if the user doesn't own the target.
func (s *Store) FindCompletedPurchase(ctx context.Context, user ledger.UserID, target ledger.TargetRef) (*ledger.Transaction, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+transactionColumns+` FROM transactions
		 WHERE user_id = ? AND target_type = ? AND target_id = ?
		   AND kind = ? AND status = ?`,
		user, target.Type, target.ID, ledger.KindPurchase, ledger.StatusCompleted)
	if err != nil {
		return nil, fmt.Errorf("failed to look up purchase: %w", err)
	}
	defer rows.Close()

	txs, err := scanTransactions(rows)
	if err != nil {
		return nil, err
	}
	if len(txs) == 0 {
		return nil, nil
	}
	return &txs[0], nil
}

// =============================================================================
// ATOMIC OPERATIONS
// =============================================================================

// PerformPurchase atomically debits the user and records the purchase.
//
// The decrement is conditional on the balance covering the price, so the
// funds check and the debit are a single statement - there is no window
// where another writer can spend the same coins. The unique purchase
// index rejects a second completed purchase for the same target, rolling
// back the decrement with it.
func (s *Store) PerformPurchase(ctx context.Context, tx ledger.Transaction) (ledger.Coins, error) {
	if tx.Kind != ledger.KindPurchase || tx.Status != ledger.StatusCompleted || tx.Target == nil {
		return 0, fmt.Errorf("PerformPurchase requires a completed purchase transaction")
	}
	if tx.Amount <= 0 {
		return 0, ledger.ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ledger.ErrStorageUnavailable
	}
	defer dbTx.Rollback()

	// Ownership check inside the transaction: a caller that lost a race
	// must hear "duplicate", not "insufficient funds", even though the
	// winner already spent the coins.
	var owned int
	err = dbTx.QueryRowContext(ctx, `
		SELECT 1 FROM transactions
		WHERE user_id = ? AND target_type = ? AND target_id = ?
		  AND kind = ? AND status = ?`,
		tx.UserID, tx.Target.Type, tx.Target.ID, ledger.KindPurchase, ledger.StatusCompleted,
	).Scan(&owned)
	if err == nil {
		return 0, ledger.ErrDuplicatePurchase
	}
	if err != sql.ErrNoRows {
		return 0, fmt.Errorf("failed to check ownership: %w", err)
	}

	// Conditional decrement: only applies when the balance covers the price.
	res, err := dbTx.ExecContext(ctx, `
		UPDATE users SET coin_balance = coin_balance - ?
		WHERE id = ? AND coin_balance >= ?`,
		tx.Amount, tx.UserID, tx.Amount,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to debit balance: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		// Missing user or insufficient funds; look to tell them apart.
		var balance ledger.Coins
		err := dbTx.QueryRowContext(ctx, `SELECT coin_balance FROM users WHERE id = ?`, tx.UserID).Scan(&balance)
		if err == sql.ErrNoRows {
			return 0, ledger.ErrUserNotFound
		}
		if err != nil {
			return 0, fmt.Errorf("failed to read balance: %w", err)
		}
		return 0, &ledger.InsufficientFundsError{UserID: tx.UserID, Needed: tx.Amount, Available: balance}
	}

	if err := insertTransaction(ctx, dbTx, tx); err != nil {
		// ErrDuplicatePurchase here means a concurrent purchase won; the
		// rollback undoes our decrement and the caller re-reads ownership.
		return 0, err
	}

	var newBalance ledger.Coins
	if err := dbTx.QueryRowContext(ctx, `SELECT coin_balance FROM users WHERE id = ?`, tx.UserID).Scan(&newBalance); err != nil {
		return 0, fmt.Errorf("failed to read new balance: %w", err)
	}

	if err := dbTx.Commit(); err != nil {
		if isBusyError(err) {
			return 0, ledger.ErrStorageUnavailable
		}
		return 0, fmt.Errorf("failed to commit purchase: %w", err)
	}
	return newBalance, nil
}

// PerformCredit atomically records a credit and overwrites the cached
// balance with a full reconciliation.
func (s *Store) PerformCredit(ctx context.Context, tx ledger.Transaction) (ledger.Coins, error) {
	if ledger.SignedAmount(tx) <= 0 {
		return 0, fmt.Errorf("PerformCredit requires a completed credit transaction")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, ledger.ErrStorageUnavailable
	}
	defer dbTx.Rollback()

	// The user must exist before we append to their ledger.
	var exists int
	if err := dbTx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, tx.UserID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return 0, ledger.ErrUserNotFound
		}
		return 0, fmt.Errorf("failed to check user: %w", err)
	}

	if err := insertTransaction(ctx, dbTx, tx); err != nil {
		return 0, err
	}

	balance, err := reconcileWithin(ctx, dbTx, tx.UserID)
	if err != nil {
		return 0, err
	}
	if err := dbTx.Commit(); err != nil {
		if isBusyError(err) {
			return 0, ledger.ErrStorageUnavailable
		}
		return 0, fmt.Errorf("failed to commit credit: %w", err)
	}
	return balance, nil
}

// DeleteTransactionAndReconcile removes a transaction and re-derives the
// owner's balance from what remains, guarding against retroactively
// invalidating already-spent coins.
func (s *Store) DeleteTransactionAndReconcile(ctx context.Context, id ledger.TransactionID, force bool) (ledger.CorrectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.CorrectionResult{}, ledger.ErrStorageUnavailable
	}
	defer dbTx.Rollback()

	var userID ledger.UserID
	err = dbTx.QueryRowContext(ctx, `SELECT user_id FROM transactions WHERE id = ?`, id).Scan(&userID)
	if err == sql.ErrNoRows {
		return ledger.CorrectionResult{}, ledger.ErrTransactionNotFound
	}
	if err != nil {
		return ledger.CorrectionResult{}, fmt.Errorf("failed to load transaction: %w", err)
	}

	txs, err := loadUserTransactions(ctx, dbTx, userID)
	if err != nil {
		return ledger.CorrectionResult{}, err
	}
	derived := ledger.ReconcileExcluding(txs, id)
	if derived < 0 && !force {
		return ledger.CorrectionResult{}, &ledger.CorrectionBlockedError{
			TransactionID: id,
			UserID:        userID,
			Shortfall:     -derived,
		}
	}

	if _, err := dbTx.ExecContext(ctx, `DELETE FROM transactions WHERE id = ?`, id); err != nil {
		return ledger.CorrectionResult{}, fmt.Errorf("failed to delete transaction: %w", err)
	}

	result, err := storeReconciled(ctx, dbTx, userID, derived)
	if err != nil {
		return ledger.CorrectionResult{}, err
	}
	if err := dbTx.Commit(); err != nil {
		if isBusyError(err) {
			return ledger.CorrectionResult{}, ledger.ErrStorageUnavailable
		}
		return ledger.CorrectionResult{}, fmt.Errorf("failed to commit correction: %w", err)
	}
	return result, nil
}

// UpdateTransactionAndReconcile overwrites a transaction record and
// re-derives the owner's balance, with the same guard as deletion.
func (s *Store) UpdateTransactionAndReconcile(ctx context.Context, tx ledger.Transaction, force bool) (ledger.CorrectionResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.CorrectionResult{}, ledger.ErrStorageUnavailable
	}
	defer dbTx.Rollback()

	var targetType, targetID sql.NullString
	if tx.Target != nil {
		targetType = nullString(string(tx.Target.Type))
		targetID = nullString(tx.Target.ID)
	}
	res, err := dbTx.ExecContext(ctx, `
		UPDATE transactions SET
			kind = ?, amount = ?, direction = ?, status = ?,
			target_type = ?, target_id = ?, note = ?,
			completed_at = ?, cancelled_at = ?, cancel_reason = ?
		WHERE id = ?`,
		tx.Kind, tx.Amount, nullString(string(tx.Direction)), tx.Status,
		targetType, targetID, tx.Note,
		nullTime(tx.CompletedAt), nullTime(tx.CancelledAt), tx.CancelReason,
		tx.ID,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.CorrectionResult{}, ledger.ErrDuplicatePurchase
		}
		return ledger.CorrectionResult{}, fmt.Errorf("failed to update transaction: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ledger.CorrectionResult{}, ledger.ErrTransactionNotFound
	}

	txs, err := loadUserTransactions(ctx, dbTx, tx.UserID)
	if err != nil {
		return ledger.CorrectionResult{}, err
	}
	derived := ledger.Reconcile(txs)
	if derived < 0 && !force {
		return ledger.CorrectionResult{}, &ledger.CorrectionBlockedError{
			TransactionID: tx.ID,
			UserID:        tx.UserID,
			Shortfall:     -derived,
		}
	}

	result, err := storeReconciled(ctx, dbTx, tx.UserID, derived)
	if err != nil {
		return ledger.CorrectionResult{}, err
	}
	if err := dbTx.Commit(); err != nil {
		if isBusyError(err) {
			return ledger.CorrectionResult{}, ledger.ErrStorageUnavailable
		}
		return ledger.CorrectionResult{}, fmt.Errorf("failed to commit correction: %w", err)
	}
	return result, nil
}

// ReconciledBalance derives the user's balance from the ledger without
// modifying anything, alongside the cached value.
func (s *Store) ReconciledBalance(ctx context.Context, user ledger.UserID) (derived, cached ledger.Coins, err error) {
	err = s.db.QueryRowContext(ctx, `SELECT coin_balance FROM users WHERE id = ?`, user).Scan(&cached)
	if err == sql.ErrNoRows {
		return 0, 0, ledger.ErrUserNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("failed to read balance: %w", err)
	}

	txs, err := loadUserTransactions(ctx, s.db, user)
	if err != nil {
		return 0, 0, err
	}
	return ledger.Reconcile(txs), cached, nil
}

// reconcileWithin recomputes and stores the user's balance inside dbTx.
func reconcileWithin(ctx context.Context, dbTx *sql.Tx, user ledger.UserID) (ledger.Coins, error) {
	txs, err := loadUserTransactions(ctx, dbTx, user)
	if err != nil {
		return 0, err
	}
	derived := ledger.Reconcile(txs)
	result, err := storeReconciled(ctx, dbTx, user, derived)
	if err != nil {
		return 0, err
	}
	return result.Balance, nil
}

// storeReconciled overwrites the cached balance with the derived value,
// clamping at zero. A clamp means coins were already spent against a
// record a forced correction removed; the anomaly is surfaced, never
// silently absorbed.
func storeReconciled(ctx context.Context, dbTx *sql.Tx, user ledger.UserID, derived ledger.Coins) (ledger.CorrectionResult, error) {
	stored := derived
	clamped := false
	if stored < 0 {
		stored = 0
		clamped = true
	}
	if _, err := dbTx.ExecContext(ctx, `UPDATE users SET coin_balance = ? WHERE id = ?`, stored, user); err != nil {
		return ledger.CorrectionResult{}, fmt.Errorf("failed to store reconciled balance: %w", err)
	}
	return ledger.CorrectionResult{
		UserID:  user,
		Balance: stored,
		Derived: derived,
		Clamped: clamped,
	}, nil
}

// =============================================================================
// ROW SCANNING
// =============================================================================

func scanTransactions(rows *sql.Rows) ([]ledger.Transaction, error) {
	var txs []ledger.Transaction
	for rows.Next() {
		var tx ledger.Transaction
		var direction, targetType, targetID, completedAt, cancelledAt sql.NullString
		var createdAt string
		err := rows.Scan(
			&tx.ID, &tx.UserID, &tx.Kind, &tx.Amount, &direction, &tx.Status,
			&targetType, &targetID, &tx.Note, &createdAt, &completedAt, &cancelledAt, &tx.CancelReason,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		tx.Direction = ledger.Direction(direction.String)
		if targetType.Valid && targetID.Valid {
			tx.Target = &ledger.TargetRef{Type: ledger.TargetType(targetType.String), ID: targetID.String}
		}
		tx.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		if completedAt.Valid {
			t, _ := time.Parse(time.RFC3339, completedAt.String)
			tx.CompletedAt = &t
		}
		if cancelledAt.Valid {
			t, _ := time.Parse(time.RFC3339, cancelledAt.String)
			tx.CancelledAt = &t
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}
