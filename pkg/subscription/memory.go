package subscription

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It backs unit tests and
// local development; the conditional-write semantics match the postgres
// store.
type MemoryStore struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	charges       map[string]*Charge
	riders        map[string]*Rider
	drivers       map[string]*Driver
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		subscriptions: make(map[string]*Subscription),
		charges:       make(map[string]*Charge),
		riders:        make(map[string]*Rider),
		drivers:       make(map[string]*Driver),
	}
}

func (m *MemoryStore) CreateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.subscriptions[sub.ID]; exists {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrConflict)
	}
	now := time.Now()
	sub.CreatedAt, sub.UpdatedAt = now, now
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSubscription(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscriptions[id]
	if !ok {
		return nil, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) UpdateSubscription(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[sub.ID]; !ok {
		return fmt.Errorf("subscription %s: %w", sub.ID, ErrNotFound)
	}
	sub.UpdatedAt = time.Now()
	cp := *sub
	m.subscriptions[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) ActiveSubscription(_ context.Context, driverID string) (*Subscription, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, sub := range m.subscriptions {
		if sub.DriverID == driverID && sub.Active {
			cp := *sub
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) DeactivateOthers(_ context.Context, driverID, keepID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, sub := range m.subscriptions {
		if sub.DriverID == driverID && sub.ID != keepID && sub.Active {
			sub.Active = false
			sub.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) ListActive(_ context.Context) ([]*Subscription, error) {
	return m.filterSubscriptions(func(s *Subscription) bool {
		return s.Active && s.Status == StatusActive
	}), nil
}

func (m *MemoryStore) ListOverdue(ctx context.Context, asOf time.Time) ([]*Subscription, error) {
	m.mu.RLock()
	overdue := make(map[string]bool)
	for _, ch := range m.charges {
		if ch.Status == ChargePending && ch.BillingType == BillingRenewal && ch.DueDate.Before(asOf) {
			overdue[ch.SubscriptionID] = true
		}
	}
	m.mu.RUnlock()

	return m.filterSubscriptions(func(s *Subscription) bool {
		return overdue[s.ID] && (s.Status == StatusActive || s.Status == StatusPendingPayment)
	}), nil
}

func (m *MemoryStore) ListSuspendedBefore(_ context.Context, cutoff time.Time) ([]*Subscription, error) {
	return m.filterSubscriptions(func(s *Subscription) bool {
		return s.Status == StatusSuspended && s.SuspendedAt != nil && s.SuspendedAt.Before(cutoff)
	}), nil
}

func (m *MemoryStore) ListPendingCancellation(_ context.Context, asOf time.Time) ([]*Subscription, error) {
	return m.filterSubscriptions(func(s *Subscription) bool {
		return s.PendingCancellation() && !s.PaidThrough(asOf).After(asOf)
	}), nil
}

func (m *MemoryStore) ListTrialsEnded(_ context.Context, asOf time.Time) ([]*Subscription, error) {
	return m.filterSubscriptions(func(s *Subscription) bool {
		return s.Status == StatusTrial && s.TrialEnd != nil && s.TrialEnd.Before(asOf)
	}), nil
}

func (m *MemoryStore) filterSubscriptions(keep func(*Subscription) bool) []*Subscription {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscription
	for _, sub := range m.subscriptions {
		if keep(sub) {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) CreateCharge(_ context.Context, ch *Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.charges[ch.ID]; exists {
		return fmt.Errorf("charge %s: %w", ch.ID, ErrConflict)
	}
	now := time.Now()
	ch.CreatedAt, ch.UpdatedAt = now, now
	cp := *ch
	m.charges[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) GetCharge(_ context.Context, id string) (*Charge, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.charges[id]
	if !ok {
		return nil, fmt.Errorf("charge %s: %w", id, ErrNotFound)
	}
	cp := *ch
	return &cp, nil
}

func (m *MemoryStore) GetChargeByExternalID(_ context.Context, externalID string) (*Charge, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.charges {
		if ch.ExternalTxID == externalID {
			cp := *ch
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) UpdateCharge(_ context.Context, ch *Charge) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.charges[ch.ID]; !ok {
		return fmt.Errorf("charge %s: %w", ch.ID, ErrNotFound)
	}
	ch.UpdatedAt = time.Now()
	cp := *ch
	m.charges[ch.ID] = &cp
	return nil
}

func (m *MemoryStore) MarkChargePaid(_ context.Context, id string, paidAmount float64, paidAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.charges[id]
	if !ok || ch.Status != ChargePending {
		// Same contract as the SQL conditional write: zero rows, no error.
		return false, nil
	}
	ch.Status = ChargePaid
	ch.PaidAmount = paidAmount
	paid := paidAt
	ch.PaidAt = &paid
	ch.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) CancelPendingCharge(_ context.Context, id, reason string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.charges[id]
	if !ok || ch.Status != ChargePending {
		return false, nil
	}
	ch.Status = ChargeCancelled
	ch.CancelReason = reason
	ch.UpdatedAt = time.Now()
	return true, nil
}

func (m *MemoryStore) PendingRenewalCharge(_ context.Context, subscriptionID string) (*Charge, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, ch := range m.charges {
		if ch.SubscriptionID == subscriptionID && ch.Status == ChargePending && ch.BillingType == BillingRenewal {
			cp := *ch
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemoryStore) ListPendingCharges(_ context.Context, driverID string) ([]*Charge, error) {
	return m.filterCharges(func(ch *Charge) bool {
		return ch.DriverID == driverID && ch.Status == ChargePending
	}), nil
}

func (m *MemoryStore) ListCancelledByReason(_ context.Context, reason string) ([]*Charge, error) {
	return m.filterCharges(func(ch *Charge) bool {
		return ch.Status == ChargeCancelled && ch.CancelReason == reason
	}), nil
}

func (m *MemoryStore) filterCharges(keep func(*Charge) bool) []*Charge {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Charge
	for _, ch := range m.charges {
		if keep(ch) {
			cp := *ch
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (m *MemoryStore) SetChargePayoutState(_ context.Context, id string, state PayoutState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch, ok := m.charges[id]
	if !ok {
		return fmt.Errorf("charge %s: %w", id, ErrNotFound)
	}
	ch.PayoutState = state
	ch.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryStore) AddRider(_ context.Context, r *Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.riders[r.ID]; exists {
		return fmt.Errorf("rider %s: %w", r.ID, ErrConflict)
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	m.riders[r.ID] = &cp
	return nil
}

func (m *MemoryStore) ListRiders(_ context.Context, subscriptionID string) ([]*Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Rider
	for _, r := range m.riders {
		if r.SubscriptionID == subscriptionID {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UpdateRider(_ context.Context, r *Rider) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.riders[r.ID]; !ok {
		return fmt.Errorf("rider %s: %w", r.ID, ErrNotFound)
	}
	cp := *r
	m.riders[r.ID] = &cp
	return nil
}

func (m *MemoryStore) SaveDriver(_ context.Context, d *Driver) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if existing, ok := m.drivers[d.ID]; ok {
		d.CreatedAt = existing.CreatedAt
	} else if d.CreatedAt.IsZero() {
		d.CreatedAt = now
	}
	d.UpdatedAt = now
	cp := *d
	m.drivers[d.ID] = &cp
	return nil
}

func (m *MemoryStore) GetDriver(_ context.Context, id string) (*Driver, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, fmt.Errorf("driver %s: %w", id, ErrNotFound)
	}
	cp := *d
	return &cp, nil
}
