// Package memory provides an in-memory loyalty.TxStore for tests and
// local development. Transactionality is simulated with a snapshot
// taken before the callback and restored on error.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/glowdesk/lifecycle-engine/loyalty"
)

// Compile-time check that Store implements loyalty.TxStore.
var _ loyalty.TxStore = (*Store)(nil)

type Store struct {
	mu           sync.RWMutex
	balances     map[string]loyalty.Balance
	transactions map[string][]loyalty.Transaction // keyed by balance ID
	byID         map[string]*loyalty.Transaction
	idempotency  map[string]bool
}

func New() *Store {
	return &Store{
		balances:     make(map[string]loyalty.Balance),
		transactions: make(map[string][]loyalty.Transaction),
		byID:         make(map[string]*loyalty.Transaction),
		idempotency:  make(map[string]bool),
	}
}

// SeedBalance installs a balance directly, for test setup.
func (m *Store) SeedBalance(b loyalty.Balance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balances[b.ID] = b
}

func (m *Store) GetBalance(_ context.Context, balanceID string) (*loyalty.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.getBalanceLocked(balanceID)
}

func (m *Store) getBalanceLocked(balanceID string) (*loyalty.Balance, error) {
	b, ok := m.balances[balanceID]
	if !ok {
		return nil, loyalty.ErrBalanceNotFound
	}
	return &b, nil
}

func (m *Store) UpdateBalance(_ context.Context, b loyalty.Balance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updateBalanceLocked(b)
}

func (m *Store) updateBalanceLocked(b loyalty.Balance) error {
	if _, ok := m.balances[b.ID]; !ok {
		return loyalty.ErrBalanceNotFound
	}
	m.balances[b.ID] = b
	return nil
}

func (m *Store) AppendTransaction(_ context.Context, tx loyalty.Transaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(tx)
}

func (m *Store) appendLocked(tx loyalty.Transaction) error {
	if tx.IdempotencyKey != "" && m.idempotency[tx.IdempotencyKey] {
		return loyalty.ErrDuplicateIdempotencyKey
	}
	txs := append(m.transactions[tx.BalanceID], tx)
	sort.SliceStable(txs, func(i, j int) bool {
		return txs[i].CreatedAt.Before(txs[j].CreatedAt)
	})
	m.transactions[tx.BalanceID] = txs
	stored := tx
	m.byID[tx.ID] = &stored
	if tx.IdempotencyKey != "" {
		m.idempotency[tx.IdempotencyKey] = true
	}
	return nil
}

func (m *Store) TransactionsForBalance(_ context.Context, balanceID string) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make([]loyalty.Transaction, len(m.transactions[balanceID]))
	copy(result, m.transactions[balanceID])
	return result, nil
}

func (m *Store) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.idempotency[idempotencyKey], nil
}

func (m *Store) ExpiredEarnedTransactions(_ context.Context, now time.Time) ([]loyalty.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []loyalty.Transaction
	for _, txs := range m.transactions {
		for _, tx := range txs {
			if tx.Type != loyalty.TxEarned || tx.ExpiresAt == nil || tx.ExpiredAt != nil {
				continue
			}
			if !tx.ExpiresAt.After(now) {
				result = append(result, tx)
			}
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (m *Store) MarkTransactionExpired(_ context.Context, txID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markExpiredLocked(txID, at)
}

func (m *Store) markExpiredLocked(txID string, at time.Time) error {
	stored, ok := m.byID[txID]
	if !ok {
		return loyalty.ErrTransactionNotFound
	}
	stamped := at
	stored.ExpiredAt = &stamped

	txs := m.transactions[stored.BalanceID]
	for i := range txs {
		if txs[i].ID == txID {
			txs[i].ExpiredAt = &stamped
		}
	}
	return nil
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// WithTx executes fn against a snapshot-backed view; on error the
// pre-callback state is restored.
func (m *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&txView{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type snapshot struct {
	balances     map[string]loyalty.Balance
	transactions map[string][]loyalty.Transaction
	byID         map[string]*loyalty.Transaction
	idempotency  map[string]bool
}

func (m *Store) snapshot() snapshot {
	s := snapshot{
		balances:     make(map[string]loyalty.Balance, len(m.balances)),
		transactions: make(map[string][]loyalty.Transaction, len(m.transactions)),
		byID:         make(map[string]*loyalty.Transaction, len(m.byID)),
		idempotency:  make(map[string]bool, len(m.idempotency)),
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.transactions {
		s.transactions[k] = append([]loyalty.Transaction{}, v...)
	}
	for k, v := range m.byID {
		cp := *v
		s.byID[k] = &cp
	}
	for k, v := range m.idempotency {
		s.idempotency[k] = v
	}
	return s
}

func (m *Store) restore(s snapshot) {
	m.balances = s.balances
	m.transactions = s.transactions
	m.byID = s.byID
	m.idempotency = s.idempotency
}

type txView struct {
	parent *Store
}

func (v *txView) GetBalance(_ context.Context, balanceID string) (*loyalty.Balance, error) {
	return v.parent.getBalanceLocked(balanceID)
}

func (v *txView) UpdateBalance(_ context.Context, b loyalty.Balance) error {
	return v.parent.updateBalanceLocked(b)
}

func (v *txView) AppendTransaction(_ context.Context, tx loyalty.Transaction) error {
	return v.parent.appendLocked(tx)
}

func (v *txView) TransactionsForBalance(_ context.Context, balanceID string) ([]loyalty.Transaction, error) {
	return v.parent.transactions[balanceID], nil
}

func (v *txView) TransactionExists(_ context.Context, idempotencyKey string) (bool, error) {
	return v.parent.idempotency[idempotencyKey], nil
}

func (v *txView) ExpiredEarnedTransactions(ctx context.Context, now time.Time) ([]loyalty.Transaction, error) {
	var result []loyalty.Transaction
	for _, txs := range v.parent.transactions {
		for _, tx := range txs {
			if tx.Type == loyalty.TxEarned && tx.ExpiresAt != nil && tx.ExpiredAt == nil && !tx.ExpiresAt.After(now) {
				result = append(result, tx)
			}
		}
	}
	return result, nil
}

func (v *txView) MarkTransactionExpired(_ context.Context, txID string, at time.Time) error {
	return v.parent.markExpiredLocked(txID, at)
}
