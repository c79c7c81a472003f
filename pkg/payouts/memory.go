package payouts

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kombina-app/kombina/pkg/subscription"
)

// MemoryStore is a mutex-guarded in-memory Store for tests and local
// development.
type MemoryStore struct {
	mu           sync.RWMutex
	transactions map[string]*PayoutTransaction
	validations  map[string]*PendingKeyValidation
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		transactions: make(map[string]*PayoutTransaction),
		validations:  make(map[string]*PendingKeyValidation),
	}
}

func (m *MemoryStore) CreateTransaction(_ context.Context, tx *PayoutTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.transactions[tx.ID]; exists {
		return fmt.Errorf("payout transaction %s: %w", tx.ID, subscription.ErrConflict)
	}
	now := time.Now()
	tx.CreatedAt, tx.UpdatedAt = now, now
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) GetTransaction(_ context.Context, id string) (*PayoutTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	tx, ok := m.transactions[id]
	if !ok {
		return nil, fmt.Errorf("payout transaction %s: %w", id, subscription.ErrNotFound)
	}
	cp := *tx
	return &cp, nil
}

func (m *MemoryStore) UpdateTransaction(_ context.Context, tx *PayoutTransaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.transactions[tx.ID]; !ok {
		return fmt.Errorf("payout transaction %s: %w", tx.ID, subscription.ErrNotFound)
	}
	tx.UpdatedAt = time.Now()
	cp := *tx
	m.transactions[tx.ID] = &cp
	return nil
}

func (m *MemoryStore) SucceededForCharge(_ context.Context, chargeID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, tx := range m.transactions {
		if tx.ChargeID == chargeID && tx.Status == StatusSucceeded {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ListRetryable(_ context.Context, driverID string) ([]*PayoutTransaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PayoutTransaction
	for _, tx := range m.transactions {
		if tx.DriverID != driverID {
			continue
		}
		retryable := tx.Status == StatusPendingRetry ||
			tx.MissingDestination() ||
			(tx.Status == StatusProcessing && tx.TransferID != "")
		if retryable {
			cp := *tx
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) CreateKeyValidation(_ context.Context, v *PendingKeyValidation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.validations[v.ID]; exists {
		return fmt.Errorf("key validation %s: %w", v.ID, subscription.ErrConflict)
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now()
	}
	cp := *v
	m.validations[v.ID] = &cp
	return nil
}

func (m *MemoryStore) ListKeyValidations(_ context.Context) ([]*PendingKeyValidation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*PendingKeyValidation
	for _, v := range m.validations {
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) DeleteKeyValidation(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.validations, id)
	return nil
}
