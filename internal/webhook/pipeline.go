// Package webhook ingests provider events: signature verification, redis
// dedupe, a durable audit row, and routing to the per-type handlers.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/entitled/internal/clock"
	"github.com/smallbiznis/entitled/internal/observability/metrics"
	"github.com/smallbiznis/entitled/internal/stripe"
	webhookdomain "github.com/smallbiznis/entitled/internal/webhook/domain"
	"github.com/smallbiznis/entitled/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Outcome labels for the webhook events counter.
const (
	OutcomeProcessed        = "processed"
	OutcomeDuplicate        = "duplicate"
	OutcomeUnhandled        = "unhandled"
	OutcomePermanentFailure = "permanent_failure"
	OutcomeTransientFailure = "transient_failure"
)

// PermanentError marks a failure that retrying cannot fix: missing
// correlation metadata, an unknown project, a price with no catalog row.
// The pipeline records it on the audit row and acknowledges the event so
// the provider stops retrying.
type PermanentError struct {
	Reason string
}

func (e *PermanentError) Error() string { return e.Reason }

// Permanent builds a PermanentError with a formatted reason.
func Permanent(format string, args ...any) *PermanentError {
	return &PermanentError{Reason: fmt.Sprintf(format, args...)}
}

type Pipeline struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock

	provider stripe.Provider
	guard    *Guard
	repo     webhookdomain.Repository
	handlers *Handlers
	metrics  *metrics.Metrics
}

type PipelineParam struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock

	Provider stripe.Provider
	Guard    *Guard
	Repo     webhookdomain.Repository
	Handlers *Handlers
	Metrics  *metrics.Metrics
}

func NewPipeline(p PipelineParam) *Pipeline {
	return &Pipeline{
		db:       p.DB,
		log:      p.Log.Named("webhook.pipeline"),
		genID:    p.GenID,
		clock:    p.Clock,
		provider: p.Provider,
		guard:    p.Guard,
		repo:     p.Repo,
		handlers: p.Handlers,
		metrics:  p.Metrics,
	}
}

// Process runs one raw provider delivery through the pipeline. A nil
// return acknowledges the event; returned errors map to the retryable
// HTTP responses (bad signature or payload, or a transient failure).
func (p *Pipeline) Process(ctx context.Context, payload []byte, signatureHeader string) error {
	if err := p.provider.VerifySignature(payload, signatureHeader); err != nil {
		p.log.Warn("rejected event with invalid signature")
		return err
	}

	event, err := ParseEvent(payload)
	if err != nil {
		return err
	}

	log := p.log.With(
		zap.String("event_id", event.ID),
		zap.String("event_type", event.Type),
	)

	if p.guard.Seen(ctx, event.ID) {
		p.metrics.IncWebhookEvent(event.Type, OutcomeDuplicate)
		log.Info("duplicate event, skipping")
		return nil
	}

	audit, err := p.ensureAuditRow(ctx, event)
	if err != nil {
		p.metrics.IncWebhookEvent(event.Type, OutcomeTransientFailure)
		return fmt.Errorf("webhook audit row: %w", err)
	}
	if audit == nil {
		// Lost the insert race or the row is already processed.
		p.metrics.IncWebhookEvent(event.Type, OutcomeDuplicate)
		p.guard.Mark(ctx, event.ID)
		log.Info("duplicate event, skipping")
		return nil
	}

	if event.Unhandled {
		if err := p.acknowledge(ctx, audit.ID, event.ID, nil); err != nil {
			p.metrics.IncWebhookEvent(event.Type, OutcomeTransientFailure)
			return err
		}
		p.metrics.IncWebhookEvent(event.Type, OutcomeUnhandled)
		log.Info("no handler for event type, acknowledged")
		return nil
	}

	handleErr := p.dispatch(ctx, event)

	var perm *PermanentError
	switch {
	case handleErr == nil:
		if err := p.acknowledge(ctx, audit.ID, event.ID, nil); err != nil {
			p.metrics.IncWebhookEvent(event.Type, OutcomeTransientFailure)
			return err
		}
		p.metrics.IncWebhookEvent(event.Type, OutcomeProcessed)
		log.Info("event processed")
		return nil

	case errors.As(handleErr, &perm):
		reason := perm.Reason
		if err := p.acknowledge(ctx, audit.ID, event.ID, &reason); err != nil {
			p.metrics.IncWebhookEvent(event.Type, OutcomeTransientFailure)
			return err
		}
		p.metrics.IncWebhookEvent(event.Type, OutcomePermanentFailure)
		log.Warn("event failed permanently, acknowledged", zap.String("reason", reason))
		return nil

	default:
		// Audit row stays unprocessed so the provider retry can land.
		p.metrics.IncWebhookEvent(event.Type, OutcomeTransientFailure)
		log.Error("event failed, leaving for retry", zap.Error(handleErr))
		return handleErr
	}
}

// dispatch routes to the handler, converting panics into transient errors
// so one bad payload cannot take the server down or get acknowledged.
func (p *Pipeline) dispatch(ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return p.handlers.Handle(ctx, event)
}

// ensureAuditRow inserts the audit row for a first delivery. It returns
// nil when the event was already recorded as processed or another delivery
// holds the row.
func (p *Pipeline) ensureAuditRow(ctx context.Context, event Event) (*webhookdomain.WebhookEvent, error) {
	existing, err := p.repo.FindByProviderEventID(ctx, p.db, event.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if existing.Processed {
			return nil, nil
		}
		// Unprocessed row from an earlier failed delivery; reuse it.
		return existing, nil
	}

	row := &webhookdomain.WebhookEvent{
		ID:              p.genID.Generate(),
		ProviderEventID: event.ID,
		EventType:       event.Type,
		CreatedAt:       p.clock.Now(),
	}
	if err := p.repo.Insert(ctx, p.db, row); err != nil {
		if db.IsDuplicateKeyErr(err) {
			return nil, nil
		}
		return nil, err
	}
	return row, nil
}

func (p *Pipeline) acknowledge(ctx context.Context, auditID snowflake.ID, eventID string, errorMessage *string) error {
	now := p.clock.Now()
	if err := p.repo.MarkProcessed(ctx, p.db, auditID, errorMessage, now); err != nil {
		return fmt.Errorf("mark event processed: %w", err)
	}
	p.guard.Mark(ctx, eventID)
	return nil
}

func unixPtr(value int64) *time.Time {
	if value == 0 {
		return nil
	}
	t := time.Unix(value, 0).UTC()
	return &t
}
