package services

import (
	"context"

	"golang.org/x/time/rate"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
)

// ThrottledGateway caps the rate of provider calls so a burst of orders
// cannot trip the provider's own limits. Waiting callers respect their
// context deadline; hitting it surfaces as a transient error, which the
// bus redelivers.
type ThrottledGateway struct {
	inner   Gateway
	limiter *rate.Limiter
}

func NewThrottledGateway(inner Gateway, rps rate.Limit, burst int) *ThrottledGateway {
	if rps <= 0 {
		rps = 25
	}
	if burst <= 0 {
		burst = 10
	}
	return &ThrottledGateway{inner: inner, limiter: rate.NewLimiter(rps, burst)}
}

func (g *ThrottledGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return ChargeResult{}, commonerrors.Wrap(commonerrors.ErrTransientGateway, err)
	}
	return g.inner.Charge(ctx, req)
}

func (g *ThrottledGateway) Refund(ctx context.Context, reference string) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return commonerrors.Wrap(commonerrors.ErrTransientGateway, err)
	}
	return g.inner.Refund(ctx, reference)
}
