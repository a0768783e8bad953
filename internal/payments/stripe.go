package payments

import (
	"context"
	"fmt"
	"os"
	"sync"

	stripe "github.com/stripe/stripe-go/v74"
	"github.com/stripe/stripe-go/v74/paymentintent"
)

// StripeClient holds a delivery fee at order creation and resolves the
// hold when the order terminates: capture on completion, cancel on
// cancellation. The PaymentIntent id is tracked per order.
type StripeClient struct {
	mu      sync.Mutex
	intents map[string]string // order id -> payment intent id
}

// NewStripeClient initializes the stripe client with the STRIPE_API_KEY env var.
func NewStripeClient() *StripeClient {
	stripe.Key = os.Getenv("STRIPE_API_KEY")
	return &StripeClient{intents: make(map[string]string)}
}

// Hold creates a PaymentIntent with capture_method=manual for the fee.
func (s *StripeClient) Hold(ctx context.Context, orderID string, amountCents int64, currency, customerID string) error {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amountCents),
		Currency: stripe.String(currency),
	}
	if customerID != "" {
		params.Customer = stripe.String(customerID)
	}
	params.CaptureMethod = stripe.String(string(stripe.PaymentIntentCaptureMethodManual))
	pi, err := paymentintent.New(params)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.intents[orderID] = pi.ID
	s.mu.Unlock()
	return nil
}

// Capture finalizes the held fee after delivery.
func (s *StripeClient) Capture(ctx context.Context, orderID string) error {
	id, err := s.take(orderID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Capture(id, nil)
	return err
}

// Release cancels the hold for a cancelled order.
func (s *StripeClient) Release(ctx context.Context, orderID string) error {
	id, err := s.take(orderID)
	if err != nil {
		return err
	}
	_, err = paymentintent.Cancel(id, nil)
	return err
}

func (s *StripeClient) take(orderID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.intents[orderID]
	if !ok {
		return "", fmt.Errorf("no payment hold for order %s", orderID)
	}
	delete(s.intents, orderID)
	return id, nil
}
