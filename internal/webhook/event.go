package webhook

import (
	"encoding/json"
	"errors"
	"strings"
)

// The handled provider event types. Everything else parses to Unhandled
// and is acknowledged without side effects.
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventInvoicePaymentSucceeded  = "invoice.payment_succeeded"
	EventSubscriptionUpdated      = "customer.subscription.updated"
	EventSubscriptionDeleted      = "customer.subscription.deleted"
	EventChargeRefunded           = "charge.refunded"
)

var ErrInvalidPayload = errors.New("invalid_event_payload")

// Event is one parsed provider event. Exactly one of the typed object
// fields is set, matching Type; Unhandled events carry only the envelope.
type Event struct {
	ID      string
	Type    string
	Created int64

	CheckoutSession *CheckoutSessionObject
	Invoice         *InvoiceObject
	Subscription    *SubscriptionObject
	Charge          *ChargeObject
	Unhandled       bool
}

// CheckoutSessionObject is the session detail carried in the event payload.
type CheckoutSessionObject struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	Subscription  string            `json:"subscription"`
	PaymentIntent string            `json:"payment_intent"`
	Metadata      map[string]string `json:"metadata"`
}

type InvoiceObject struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
	PeriodStart  int64  `json:"period_start"`
	PeriodEnd    int64  `json:"period_end"`
}

type SubscriptionObject struct {
	ID                 string `json:"id"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	CancelAtPeriodEnd  bool   `json:"cancel_at_period_end"`
	CanceledAt         int64  `json:"canceled_at"`
}

type ChargeObject struct {
	ID             string `json:"id"`
	AmountRefunded int64  `json:"amount_refunded"`
	Refunded       bool   `json:"refunded"`
}

type envelope struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// ParseEvent decodes a provider payload into its typed form. An event id
// and type are required; the object shape is validated only for handled
// types.
func ParseEvent(payload []byte) (Event, error) {
	var raw envelope
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Event{}, ErrInvalidPayload
	}
	if strings.TrimSpace(raw.ID) == "" || strings.TrimSpace(raw.Type) == "" {
		return Event{}, ErrInvalidPayload
	}

	event := Event{
		ID:      raw.ID,
		Type:    strings.TrimSpace(raw.Type),
		Created: raw.Created,
	}

	switch event.Type {
	case EventCheckoutSessionCompleted:
		var object CheckoutSessionObject
		if err := json.Unmarshal(raw.Data.Object, &object); err != nil {
			return Event{}, ErrInvalidPayload
		}
		event.CheckoutSession = &object
	case EventInvoicePaymentSucceeded:
		var object InvoiceObject
		if err := json.Unmarshal(raw.Data.Object, &object); err != nil {
			return Event{}, ErrInvalidPayload
		}
		event.Invoice = &object
	case EventSubscriptionUpdated, EventSubscriptionDeleted:
		var object SubscriptionObject
		if err := json.Unmarshal(raw.Data.Object, &object); err != nil {
			return Event{}, ErrInvalidPayload
		}
		event.Subscription = &object
	case EventChargeRefunded:
		var object ChargeObject
		if err := json.Unmarshal(raw.Data.Object, &object); err != nil {
			return Event{}, ErrInvalidPayload
		}
		event.Charge = &object
	default:
		event.Unhandled = true
	}

	return event, nil
}
