package settlement

import (
	"context"
	"fmt"

	"promptgate/internal/models"
)

// CheckoutMode matches the payment processor's mode for recurring plans.
const CheckoutMode = "subscription"

// CheckoutRequest is what the checkout-session endpoint needs.
type CheckoutRequest struct {
	PlanTier   models.PlanTier `json:"plan_tier" validate:"required,oneof=monthly yearly"`
	SuccessURL string          `json:"success_url" validate:"required,url"`
	CancelURL  string          `json:"cancel_url" validate:"required,url"`
	Mode       string          `json:"mode" validate:"required,eq=subscription"`
}

type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// PaymentGateway creates hosted checkout sessions.
type PaymentGateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
}

// PaymentError is shown to the user as is.
type PaymentError struct {
	Tier models.PlanTier
	Err  error
}

func (e *PaymentError) Error() string {
	return fmt.Sprintf("could not start checkout for the %s plan: %v", e.Tier, e.Err)
}

func (e *PaymentError) Unwrap() error { return e.Err }

type Checkout struct {
	gateway PaymentGateway
	appURL  string
}

// NewCheckout builds redirect targets under appURL.
func NewCheckout(gateway PaymentGateway, appURL string) *Checkout {
	return &Checkout{gateway: gateway, appURL: appURL}
}

// Start returns the hosted checkout URL the user must be sent to.
func (c *Checkout) Start(ctx context.Context, tier models.PlanTier) (CheckoutSession, error) {
	if !tier.Paid() {
		return CheckoutSession{}, &PaymentError{Tier: tier, Err: fmt.Errorf("plan %q is not purchasable", tier)}
	}
	req := CheckoutRequest{
		PlanTier:   tier,
		SuccessURL: c.appURL + SuccessPath + "?session_id={CHECKOUT_SESSION_ID}",
		CancelURL:  c.appURL + "/?canceled=true",
		Mode:       CheckoutMode,
	}
	sess, err := c.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		return CheckoutSession{}, &PaymentError{Tier: tier, Err: err}
	}
	if sess.URL == "" {
		return CheckoutSession{}, &PaymentError{Tier: tier, Err: fmt.Errorf("checkout session %q has no redirect url", sess.ID)}
	}
	return sess, nil
}
