package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockProvider is a test double satisfying Provider. Behavior is overridable
// per call through func fields; calls are recorded for assertions.
type MockProvider struct {
	mu sync.Mutex

	TokenFunc          func(ctx context.Context) (Token, error)
	CreateChargeFunc   func(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CancelChargeFunc   func(ctx context.Context, externalID string) error
	SendTransferFunc   func(ctx context.Context, req TransferRequest) (*TransferResult, error)
	TransferStatusFunc func(ctx context.Context, transferID string) (TransferState, error)

	CreatedCharges   []ChargeRequest
	CancelledCharges []string
	SentTransfers    []TransferRequest

	seq int
}

// NewMockProvider creates a MockProvider whose defaults succeed.
func NewMockProvider() *MockProvider {
	return &MockProvider{}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Token(ctx context.Context) (Token, error) {
	if m.TokenFunc != nil {
		return m.TokenFunc(ctx)
	}
	return Token{AccessToken: "mock-token", ExpiresAt: time.Now().Add(time.Hour)}, nil
}

func (m *MockProvider) CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error) {
	m.mu.Lock()
	m.CreatedCharges = append(m.CreatedCharges, req)
	m.mu.Unlock()

	if m.CreateChargeFunc != nil {
		return m.CreateChargeFunc(ctx, req)
	}
	return &ChargeResult{
		ExternalID:         req.ExternalID,
		PaymentInstruction: "00020126mock" + req.ExternalID,
		InstructionURL:     "https://mock.example/qr/" + req.ExternalID,
	}, nil
}

func (m *MockProvider) CancelCharge(ctx context.Context, externalID string) error {
	m.mu.Lock()
	m.CancelledCharges = append(m.CancelledCharges, externalID)
	m.mu.Unlock()

	if m.CancelChargeFunc != nil {
		return m.CancelChargeFunc(ctx, externalID)
	}
	return nil
}

func (m *MockProvider) SendTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error) {
	m.mu.Lock()
	m.SentTransfers = append(m.SentTransfers, req)
	m.seq++
	seq := m.seq
	m.mu.Unlock()

	if m.SendTransferFunc != nil {
		return m.SendTransferFunc(ctx, req)
	}
	return &TransferResult{
		TransferID: fmt.Sprintf("E2E%08d", seq),
		State:      TransferPaid,
	}, nil
}

func (m *MockProvider) TransferStatus(ctx context.Context, transferID string) (TransferState, error) {
	if m.TransferStatusFunc != nil {
		return m.TransferStatusFunc(ctx, transferID)
	}
	return TransferPaid, nil
}

// TransferCount returns how many transfers were sent.
func (m *MockProvider) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.SentTransfers)
}
