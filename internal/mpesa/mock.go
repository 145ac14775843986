package mpesa

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// MockGateway is an in-process stand-in for the Daraja client, used in
// development and tests. Every disbursement is acknowledged immediately; the
// asynchronous result callback has to be simulated by the caller (or via the
// sandbox callback endpoint).
type MockGateway struct {
	logger *slog.Logger
	seq    atomic.Int64

	mu       sync.Mutex
	requests []DisburseRequest
}

// NewMockGateway creates a MockGateway.
func NewMockGateway(logger *slog.Logger) *MockGateway {
	return &MockGateway{logger: logger.With("component", "mpesa_mock")}
}

// Disburse records the request and returns a synthetic acknowledgement.
func (m *MockGateway) Disburse(_ context.Context, dr DisburseRequest) (*Ack, error) {
	if _, err := NormalizePhone(dr.Phone); err != nil {
		return nil, &RejectError{Code: "invalid_phone", Desc: err.Error()}
	}

	m.mu.Lock()
	m.requests = append(m.requests, dr)
	m.mu.Unlock()

	n := m.seq.Add(1)
	ack := &Ack{
		ConversationID:           fmt.Sprintf("MOCK-CONV-%06d", n),
		OriginatorConversationID: dr.ExternalRef,
		ResponseCode:             "0",
		ResponseDescription:      "Accept the service request successfully.",
	}
	m.logger.Info("mock disbursement accepted",
		"ref", dr.ExternalRef, "amount", dr.Amount, "conversation_id", ack.ConversationID)
	return ack, nil
}

// Requests returns a copy of every disbursement seen so far.
func (m *MockGateway) Requests() []DisburseRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]DisburseRequest, len(m.requests))
	copy(out, m.requests)
	return out
}
