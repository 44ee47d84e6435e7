package stripe

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"

	"github.com/maaun-app/maaun-server/internal/metrics"
)

// CheckoutConfig describes the single subscription product sold through the
// hosted checkout page.
type CheckoutConfig struct {
	// Currency is the ISO currency code, e.g. "sar".
	Currency string
	// UnitAmount is the price in the currency's smallest unit.
	UnitAmount int64
	// IntervalMonths is the billing period length.
	IntervalMonths int64
	// ProductName is shown on the hosted checkout page.
	ProductName string
	// SuccessURL is the post-payment redirect target; the device id is
	// appended as a query parameter so the app can confirm the purchase.
	SuccessURL string
	CancelURL  string
}

// CheckoutService creates hosted checkout sessions tagged with the device
// they should entitle.
type CheckoutService struct {
	client ProcessorClient
	cfg    CheckoutConfig
}

func NewCheckoutService(client ProcessorClient, cfg CheckoutConfig) *CheckoutService {
	if cfg.Currency == "" {
		cfg.Currency = "sar"
	}
	if cfg.UnitAmount <= 0 {
		cfg.UnitAmount = 1200
	}
	if cfg.IntervalMonths <= 0 {
		cfg.IntervalMonths = 3
	}
	if cfg.ProductName == "" {
		cfg.ProductName = "اشتراك ماعون"
	}
	return &CheckoutService{client: client, cfg: cfg}
}

// Create builds a subscription-mode checkout session carrying the device id
// in session metadata, which is how the completed payment is later linked
// back to the device.
func (s *CheckoutService) Create(ctx context.Context, deviceID string) (string, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		metrics.CheckoutSessionsTotal.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("device id is required")
	}

	params := &stripelib.CheckoutSessionParams{
		Mode: stripelib.String(string(stripelib.CheckoutSessionModeSubscription)),
		LineItems: []*stripelib.CheckoutSessionLineItemParams{
			{
				PriceData: &stripelib.CheckoutSessionLineItemPriceDataParams{
					Currency:   stripelib.String(s.cfg.Currency),
					UnitAmount: stripelib.Int64(s.cfg.UnitAmount),
					ProductData: &stripelib.CheckoutSessionLineItemPriceDataProductDataParams{
						Name: stripelib.String(s.cfg.ProductName),
					},
					Recurring: &stripelib.CheckoutSessionLineItemPriceDataRecurringParams{
						Interval:      stripelib.String("month"),
						IntervalCount: stripelib.Int64(s.cfg.IntervalMonths),
					},
				},
				Quantity: stripelib.Int64(1),
			},
		},
		SuccessURL: stripelib.String(s.cfg.SuccessURL + "?device=" + url.QueryEscape(deviceID)),
		CancelURL:  stripelib.String(s.cfg.CancelURL),
		Metadata:   map[string]string{"device_id": deviceID},
	}
	// Metadata on the session alone is not enough: subscription events carry
	// subscription metadata, not session metadata.
	params.SubscriptionData = &stripelib.CheckoutSessionSubscriptionDataParams{
		Metadata: map[string]string{"device_id": deviceID},
	}

	session, err := s.client.NewCheckoutSession(ctx, params)
	if err != nil {
		metrics.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	if session == nil || session.URL == "" {
		metrics.CheckoutSessionsTotal.WithLabelValues("error").Inc()
		return "", fmt.Errorf("checkout session has no redirect url")
	}

	metrics.CheckoutSessionsTotal.WithLabelValues("created").Inc()
	return session.URL, nil
}
