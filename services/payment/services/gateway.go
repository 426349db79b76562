package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
)

// DefaultCurrency is used for charges until multi-currency pricing lands.
const DefaultCurrency = "usd"

type ChargeRequest struct {
	OrderID        uuid.UUID
	Amount         int
	Currency       string
	IdempotencyKey string
}

type ChargeResult struct {
	Reference string
}

// Gateway abstracts the payment provider. Charge returns
// ErrPaymentDeclined for definitive rejections and ErrTransientGateway
// for failures worth retrying; the idempotency key makes retried calls
// safe on the provider side.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Refund(ctx context.Context, reference string) error
}

// FakeGateway approves everything unless told otherwise. It backs local
// runs without Stripe credentials and the service tests.
type FakeGateway struct {
	mu        sync.Mutex
	ChargeErr error
	RefundErr error
	Charges   []ChargeRequest
	Refunds   []string
}

func NewFakeGateway() *FakeGateway {
	return &FakeGateway{}
}

func (g *FakeGateway) Charge(_ context.Context, req ChargeRequest) (ChargeResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.ChargeErr != nil {
		return ChargeResult{}, g.ChargeErr
	}
	g.Charges = append(g.Charges, req)
	return ChargeResult{Reference: "fake_" + req.OrderID.String()[:8]}, nil
}

func (g *FakeGateway) Refund(_ context.Context, reference string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.RefundErr != nil {
		return g.RefundErr
	}
	g.Refunds = append(g.Refunds, reference)
	return nil
}

// ChargeCount returns how many charges went through.
func (g *FakeGateway) ChargeCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.Charges)
}

// Decline makes every subsequent charge fail definitively.
func (g *FakeGateway) Decline(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ChargeErr = commonerrors.Wrap(commonerrors.ErrPaymentDeclined, fmt.Errorf("%s", reason))
}
