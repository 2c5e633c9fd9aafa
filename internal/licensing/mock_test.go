package licensing

import (
	"context"
	"sync/atomic"

	"github.com/poic/licensing/internal/oracle"
)

type mockOracle struct {
	FindPaymentPayment *oracle.Payment
	FindPaymentErr     error
	FindPaymentCalls   int32
	SendAnchorErr      error
	SendAnchorCalls    int32
}

func (m *mockOracle) FindPayment(ctx context.Context, memo string, minConf int) (*oracle.Payment, error) {
	atomic.AddInt32(&m.FindPaymentCalls, 1)
	return m.FindPaymentPayment, m.FindPaymentErr
}

func (m *mockOracle) SendAnchor(ctx context.Context, addr string, amount int64, memo string) error {
	atomic.AddInt32(&m.SendAnchorCalls, 1)
	return m.SendAnchorErr
}
