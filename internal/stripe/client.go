// Package stripe integrates the entitlement server with the payment
// processor: checkout session creation, webhook event handling, and the
// narrow set of API reads the reconciliation and linking services need.
package stripe

import (
	"context"
	"strings"

	stripelib "github.com/stripe/stripe-go/v82"
	checkoutsession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/customer"
	"github.com/stripe/stripe-go/v82/subscription"
)

// Customer is the slice of a processor customer this system cares about.
type Customer struct {
	ID    string
	Email string
}

// Subscription is the slice of a processor subscription this system cares
// about. CurrentPeriodEnd is seconds since epoch; zero means the processor
// did not report one.
type Subscription struct {
	ID                string
	CustomerID        string
	Status            string
	ProductID         string
	CurrentPeriodEnd  int64
	CancelAtPeriodEnd bool
}

// ProcessorClient is the processor API surface used by the entitlement
// server. Lookups that find nothing return (nil, nil) / ("", nil); errors are
// reserved for transport and processor failures.
type ProcessorClient interface {
	// CustomerByEmail returns the first customer matching the email exactly,
	// in processor list order.
	CustomerByEmail(ctx context.Context, email string) (*Customer, error)
	// ListCustomers returns up to limit customers, used as a bounded scan
	// when the processor's email search index lags.
	ListCustomers(ctx context.Context, limit int64) ([]Customer, error)
	// ActiveSubscription returns the customer's first active subscription.
	ActiveSubscription(ctx context.Context, customerID string) (*Subscription, error)
	// Subscription fetches a subscription by id.
	Subscription(ctx context.Context, id string) (*Subscription, error)
	// CancelSubscription cancels immediately, or schedules cancellation at
	// period end.
	CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error)
	// ExtendSubscription pushes the subscription's paid period out to
	// newPeriodEnd (seconds since epoch) without charging for the gap.
	ExtendSubscription(ctx context.Context, id string, newPeriodEnd int64) (*Subscription, error)
	// CustomerEmail resolves a customer's billing email.
	CustomerEmail(ctx context.Context, customerID string) (string, error)
	// NewCheckoutSession creates a hosted checkout session.
	NewCheckoutSession(ctx context.Context, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error)
}

// LiveClient implements ProcessorClient against the real Stripe API.
type LiveClient struct{}

// NewLiveClient configures the global Stripe key and returns a live client.
func NewLiveClient(apiKey string) *LiveClient {
	stripelib.Key = strings.TrimSpace(apiKey)
	return &LiveClient{}
}

func (c *LiveClient) CustomerByEmail(ctx context.Context, email string) (*Customer, error) {
	params := &stripelib.CustomerListParams{Email: stripelib.String(email)}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	iter := customer.List(params)
	for iter.Next() {
		return customerFromStripe(iter.Customer()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *LiveClient) ListCustomers(ctx context.Context, limit int64) ([]Customer, error) {
	params := &stripelib.CustomerListParams{}
	params.Context = ctx
	params.Limit = stripelib.Int64(limit)

	var out []Customer
	iter := customer.List(params)
	for iter.Next() {
		if cu := customerFromStripe(iter.Customer()); cu != nil {
			out = append(out, *cu)
		}
		if int64(len(out)) >= limit {
			break
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *LiveClient) ActiveSubscription(ctx context.Context, customerID string) (*Subscription, error) {
	params := &stripelib.SubscriptionListParams{
		Customer: stripelib.String(customerID),
		Status:   stripelib.String(string(stripelib.SubscriptionStatusActive)),
	}
	params.Context = ctx
	params.Limit = stripelib.Int64(1)

	iter := subscription.List(params)
	for iter.Next() {
		return subscriptionFromStripe(iter.Subscription()), nil
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (c *LiveClient) Subscription(ctx context.Context, id string) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{}
	params.Context = ctx
	sub, err := subscription.Get(id, params)
	if err != nil {
		return nil, err
	}
	return subscriptionFromStripe(sub), nil
}

func (c *LiveClient) CancelSubscription(ctx context.Context, id string, atPeriodEnd bool) (*Subscription, error) {
	if atPeriodEnd {
		params := &stripelib.SubscriptionParams{
			CancelAtPeriodEnd: stripelib.Bool(true),
		}
		params.Context = ctx
		sub, err := subscription.Update(id, params)
		if err != nil {
			return nil, err
		}
		return subscriptionFromStripe(sub), nil
	}

	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx
	sub, err := subscription.Cancel(id, params)
	if err != nil {
		return nil, err
	}
	return subscriptionFromStripe(sub), nil
}

// ExtendSubscription moves the billing clock forward by setting a trial end
// at the new period end with proration disabled, so the customer is not
// charged for the granted time.
func (c *LiveClient) ExtendSubscription(ctx context.Context, id string, newPeriodEnd int64) (*Subscription, error) {
	params := &stripelib.SubscriptionParams{
		TrialEnd:          stripelib.Int64(newPeriodEnd),
		ProrationBehavior: stripelib.String("none"),
	}
	params.Context = ctx
	sub, err := subscription.Update(id, params)
	if err != nil {
		return nil, err
	}
	return subscriptionFromStripe(sub), nil
}

func (c *LiveClient) CustomerEmail(ctx context.Context, customerID string) (string, error) {
	params := &stripelib.CustomerParams{}
	params.Context = ctx
	cu, err := customer.Get(customerID, params)
	if err != nil {
		return "", err
	}
	if cu == nil {
		return "", nil
	}
	return strings.TrimSpace(cu.Email), nil
}

func (c *LiveClient) NewCheckoutSession(ctx context.Context, params *stripelib.CheckoutSessionParams) (*stripelib.CheckoutSession, error) {
	params.Context = ctx
	return checkoutsession.New(params)
}

func customerFromStripe(cu *stripelib.Customer) *Customer {
	if cu == nil {
		return nil
	}
	return &Customer{ID: cu.ID, Email: strings.TrimSpace(cu.Email)}
}

func subscriptionFromStripe(sub *stripelib.Subscription) *Subscription {
	if sub == nil {
		return nil
	}
	out := &Subscription{
		ID:                sub.ID,
		Status:            string(sub.Status),
		CancelAtPeriodEnd: sub.CancelAtPeriodEnd,
	}
	if sub.Customer != nil {
		out.CustomerID = sub.Customer.ID
	}
	if sub.Items != nil {
		for _, item := range sub.Items.Data {
			if item == nil {
				continue
			}
			if out.CurrentPeriodEnd == 0 && item.CurrentPeriodEnd > 0 {
				out.CurrentPeriodEnd = item.CurrentPeriodEnd
			}
			if out.ProductID == "" && item.Price != nil && item.Price.Product != nil {
				out.ProductID = item.Price.Product.ID
			}
		}
	}
	return out
}

// IsSafeStripeID validates that a Stripe ID (cus_..., sub_...) is safe for
// use as a lookup key.
func IsSafeStripeID(stripeID string) bool {
	if len(stripeID) < 5 || len(stripeID) > 128 {
		return false
	}
	for i := 0; i < len(stripeID); i++ {
		c := stripeID[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' || c == '-' {
			continue
		}
		return false
	}
	return true
}
