package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v80"
	"github.com/stripe/stripe-go/v80/paymentintent"
	"github.com/stripe/stripe-go/v80/refund"

	commonerrors "github.com/yashrajoria/order-saga/common/errors"
)

const stripeCallTimeout = 30 * time.Second

// StripeGateway charges through Stripe PaymentIntents, confirmed
// immediately against the configured payment method. The saga's
// idempotency key is forwarded so Stripe collapses retried charges.
type StripeGateway struct {
	paymentMethod string
}

func NewStripeGateway(secretKey, paymentMethod string) *StripeGateway {
	stripe.Key = secretKey
	if paymentMethod == "" {
		paymentMethod = "pm_card_visa"
	}
	return &StripeGateway{paymentMethod: paymentMethod}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(int64(req.Amount)),
		Currency:      stripe.String(req.Currency),
		Confirm:       stripe.Bool(true),
		PaymentMethod: stripe.String(g.paymentMethod),
	}
	params.Context = ctx
	params.AddMetadata("order_id", req.OrderID.String())
	params.SetIdempotencyKey(req.IdempotencyKey)

	pi, err := paymentintent.New(params)
	if err != nil {
		return ChargeResult{}, classifyStripeError(err)
	}
	if pi.Status != stripe.PaymentIntentStatusSucceeded {
		return ChargeResult{}, commonerrors.Wrap(commonerrors.ErrPaymentDeclined,
			fmt.Errorf("payment intent %s ended in status %s", pi.ID, pi.Status))
	}
	return ChargeResult{Reference: pi.ID}, nil
}

func (g *StripeGateway) Refund(ctx context.Context, reference string) error {
	ctx, cancel := context.WithTimeout(ctx, stripeCallTimeout)
	defer cancel()

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(reference),
	}
	params.Context = ctx

	if _, err := refund.New(params); err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Code == stripe.ErrorCodeChargeAlreadyRefunded {
			return nil
		}
		return classifyStripeError(err)
	}
	return nil
}

// classifyStripeError splits definitive card rejections from failures a
// retry can heal.
func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return commonerrors.Wrap(commonerrors.ErrTransientGateway, err)
	}
	switch stripeErr.Type {
	case stripe.ErrorTypeCard, stripe.ErrorTypeInvalidRequest:
		return commonerrors.Wrap(commonerrors.ErrPaymentDeclined, err)
	default:
		return commonerrors.Wrap(commonerrors.ErrTransientGateway, err)
	}
}
