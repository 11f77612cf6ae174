// Package stripe talks to the billing provider: webhook signature
// verification and the read-only fetches the reconciliation sweep uses.
package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	ErrInvalidSignature = errors.New("invalid_signature")
	ErrNotFound         = errors.New("provider_record_not_found")
	ErrTransient        = errors.New("provider_transient_error")
)

// SubscriptionSnapshot is the provider's current view of a subscription.
type SubscriptionSnapshot struct {
	ID                 string
	Status             string
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         *time.Time
	Metadata           map[string]string
}

// ChargeSnapshot is the provider's current view of a one-time charge.
type ChargeSnapshot struct {
	ID        string
	Status    string
	Amount    int64
	Currency  string
	Refunded  bool
	Created   *time.Time
	Metadata  map[string]string
	PriceID   string
	InvoiceID string
}

// PaymentIntentSnapshot is the provider's current view of a payment intent.
type PaymentIntentSnapshot struct {
	ID           string
	Status       string
	Amount       int64
	Currency     string
	LatestCharge string
}

// CheckoutSessionSnapshot carries the line-item detail that the webhook
// payload itself omits.
type CheckoutSessionSnapshot struct {
	ID      string
	PriceID string
}

// Provider is the outbound surface toward the billing provider.
type Provider interface {
	VerifySignature(payload []byte, header string) error
	FetchSubscription(ctx context.Context, providerSubscriptionID string) (*SubscriptionSnapshot, error)
	FetchCharge(ctx context.Context, providerChargeID string) (*ChargeSnapshot, error)
	FetchPaymentIntent(ctx context.Context, providerPaymentIntentID string) (*PaymentIntentSnapshot, error)
	FetchCheckoutSession(ctx context.Context, providerSessionID string) (*CheckoutSessionSnapshot, error)
}

type Client struct {
	baseURL       string
	secretKey     string
	webhookSecret string
	httpClient    *http.Client
}

func NewClient(baseURL, secretKey, webhookSecret string) *Client {
	return &Client{
		baseURL:       strings.TrimRight(baseURL, "/"),
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		httpClient:    &http.Client{Timeout: 15 * time.Second},
	}
}

// VerifySignature checks the Stripe-Signature header against the payload.
// The signed payload is "<timestamp>.<body>" HMAC-SHA256 keyed with the
// endpoint secret; any v1 signature in the header may match.
func (c *Client) VerifySignature(payload []byte, header string) error {
	sigHeader := strings.TrimSpace(header)
	if sigHeader == "" {
		return ErrInvalidSignature
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(c.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return ErrInvalidSignature
}

func (c *Client) FetchSubscription(ctx context.Context, providerSubscriptionID string) (*SubscriptionSnapshot, error) {
	var raw subscriptionObject
	if err := c.get(ctx, "/v1/subscriptions/"+providerSubscriptionID, &raw); err != nil {
		return nil, err
	}
	return raw.snapshot(), nil
}

func (c *Client) FetchCharge(ctx context.Context, providerChargeID string) (*ChargeSnapshot, error) {
	var raw chargeObject
	if err := c.get(ctx, "/v1/charges/"+providerChargeID, &raw); err != nil {
		return nil, err
	}
	return raw.snapshot(), nil
}

func (c *Client) FetchPaymentIntent(ctx context.Context, providerPaymentIntentID string) (*PaymentIntentSnapshot, error) {
	var raw paymentIntentObject
	if err := c.get(ctx, "/v1/payment_intents/"+providerPaymentIntentID, &raw); err != nil {
		return nil, err
	}
	return raw.snapshot(), nil
}

func (c *Client) FetchCheckoutSession(ctx context.Context, providerSessionID string) (*CheckoutSessionSnapshot, error) {
	var raw checkoutSessionObject
	if err := c.get(ctx, "/v1/checkout/sessions/"+providerSessionID+"?expand[]=line_items", &raw); err != nil {
		return nil, err
	}
	return raw.snapshot(), nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrTransient, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider request failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrTransient, err)
	}
	return nil
}

type subscriptionObject struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CancelAtPeriodEnd  bool              `json:"cancel_at_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	Metadata           map[string]string `json:"metadata"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

func (o subscriptionObject) snapshot() *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                 o.ID,
		Status:             o.Status,
		CurrentPeriodStart: unixTime(o.CurrentPeriodStart),
		CurrentPeriodEnd:   unixTime(o.CurrentPeriodEnd),
		CancelAtPeriodEnd:  o.CancelAtPeriodEnd,
		CanceledAt:         unixTime(o.CanceledAt),
		Metadata:           o.Metadata,
	}
	if len(o.Items.Data) > 0 {
		snap.PriceID = o.Items.Data[0].Price.ID
	}
	return snap
}

type chargeObject struct {
	ID       string            `json:"id"`
	Status   string            `json:"status"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Refunded bool              `json:"refunded"`
	Created  int64             `json:"created"`
	Metadata map[string]string `json:"metadata"`
	Invoice  string            `json:"invoice"`
}

func (o chargeObject) snapshot() *ChargeSnapshot {
	return &ChargeSnapshot{
		ID:        o.ID,
		Status:    o.Status,
		Amount:    o.Amount,
		Currency:  strings.ToUpper(strings.TrimSpace(o.Currency)),
		Refunded:  o.Refunded,
		Created:   unixTime(o.Created),
		Metadata:  o.Metadata,
		PriceID:   o.Metadata["price_id"],
		InvoiceID: o.Invoice,
	}
}

type paymentIntentObject struct {
	ID           string `json:"id"`
	Status       string `json:"status"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	LatestCharge string `json:"latest_charge"`
}

func (o paymentIntentObject) snapshot() *PaymentIntentSnapshot {
	return &PaymentIntentSnapshot{
		ID:           o.ID,
		Status:       o.Status,
		Amount:       o.Amount,
		Currency:     strings.ToLower(strings.TrimSpace(o.Currency)),
		LatestCharge: o.LatestCharge,
	}
}

type checkoutSessionObject struct {
	ID        string `json:"id"`
	LineItems struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
		} `json:"data"`
	} `json:"line_items"`
}

func (o checkoutSessionObject) snapshot() *CheckoutSessionSnapshot {
	snap := &CheckoutSessionSnapshot{ID: o.ID}
	if len(o.LineItems.Data) > 0 {
		snap.PriceID = o.LineItems.Data[0].Price.ID
	}
	return snap
}

func parseSignatureHeader(header string) (string, []string, error) {
	parts := strings.Split(header, ",")
	var timestamp string
	signatures := []string{}
	for _, part := range parts {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		if key == "t" {
			timestamp = value
		}
		if key == "v1" {
			signatures = append(signatures, value)
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, errors.New("malformed signature header")
	}
	return timestamp, signatures, nil
}

func unixTime(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
