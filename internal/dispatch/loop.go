package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"wa-dispatch/internal/media"
	"wa-dispatch/internal/metrics"
	"wa-dispatch/internal/repo"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// QueueStore is the part of the store the dispatch loop works against.
type QueueStore interface {
	ClaimNext(ctx context.Context, sourceID, token string, lease time.Duration) (*repo.QueuedMessage, error)
	ReleaseClaim(ctx context.Context, messageID, token string) error
	MarkSent(ctx context.Context, messageID, token string) error
	MarkFailed(ctx context.Context, messageID, token, reason string, refund bool) error
	GetRecipient(ctx context.Context, id string) (*repo.Recipient, error)
	GetTemplate(ctx context.Context, id string) (*repo.Template, error)
	CountQueued(ctx context.Context, sourceID string) (int, error)
}

// AttachmentLoader resolves attachment names to file contents.
type AttachmentLoader interface {
	Load(ctx context.Context, name string) (*media.Attachment, error)
}

// LoopConfig tunes the dispatch loop.
type LoopConfig struct {
	CountryCode     string
	ClaimLease      time.Duration
	SendTimeout     time.Duration
	RefundOnFailure bool
}

// DrainStats counts the outcomes of one drain pass.
type DrainStats struct {
	Sent   int
	Failed int
}

// Loop drains the queue of one source through its transport session, one
// message at a time in insertion order.
type Loop struct {
	store        QueueStore
	attachments  AttachmentLoader
	cfg          LoopConfig
	metrics      *metrics.Metrics
	logger       *slog.Logger
	retryBackoff time.Duration
}

// NewLoop builds a Loop. attachments and m may be nil.
func NewLoop(store QueueStore, attachments AttachmentLoader, cfg LoopConfig, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = 2 * time.Minute
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	return &Loop{
		store:        store,
		attachments:  attachments,
		cfg:          cfg,
		metrics:      m,
		logger:       logger.With("component", "dispatch_loop"),
		retryBackoff: 200 * time.Millisecond,
	}
}

const markSentAttempts = 3

type outcome int

const (
	outcomeSent outcome = iota
	outcomeFailed
	outcomeReleased
)

func (o outcome) String() string {
	switch o {
	case outcomeSent:
		return "sent"
	case outcomeFailed:
		return "failed"
	default:
		return "released"
	}
}

// Drain claims and sends messages for source until the queue is empty or
// ctx is cancelled. A cancelled ctx stops further claims; the message in
// flight is still resolved. It returns an error wrapping
// ErrTransportAuthLost when the session is no longer usable, or a store
// error that prevented claiming.
func (l *Loop) Drain(ctx context.Context, conn Conn, source repo.Source, limiter *rate.Limiter) (DrainStats, error) {
	var stats DrainStats
	for {
		if ctx.Err() != nil {
			return stats, nil
		}
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				return stats, nil
			}
		}

		token := uuid.NewString()
		msg, err := l.store.ClaimNext(ctx, source.ID, token, l.cfg.ClaimLease)
		if errors.Is(err, repo.ErrNoPending) {
			return stats, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return stats, nil
			}
			return stats, fmt.Errorf("claim next: %w", err)
		}

		res, err := l.process(ctx, conn, msg, token)
		switch res {
		case outcomeSent:
			stats.Sent++
		case outcomeFailed:
			stats.Failed++
		}
		if l.metrics != nil {
			l.metrics.MessagesProcessed.WithLabelValues(res.String()).Inc()
		}
		if err != nil {
			return stats, err
		}
	}
}

// process resolves one claimed message. Storage work after the claim runs
// on a context detached from ctx so a stop request never strands a claim.
func (l *Loop) process(ctx context.Context, conn Conn, msg *repo.QueuedMessage, token string) (outcome, error) {
	bg := context.WithoutCancel(ctx)
	log := l.logger.With("message_id", msg.ID, "source_id", msg.SourceID)

	out, reason, err := l.compose(bg, msg)
	if err != nil {
		// Storage is unavailable: hand the message back for a later pass.
		l.release(bg, log, msg, token)
		return outcomeReleased, err
	}
	if reason != "" {
		l.fail(bg, log, msg, token, reason, false)
		return outcomeFailed, nil
	}

	sendCtx, cancel := context.WithTimeout(bg, l.cfg.SendTimeout)
	start := time.Now()
	err = conn.Send(sendCtx, out)
	cancel()

	switch {
	case err == nil:
		l.observe("sent", start)
		l.markSent(bg, log, msg, token)
		return outcomeSent, nil
	case errors.Is(err, ErrTransportAuthLost):
		l.observe("auth_lost", start)
		l.release(bg, log, msg, token)
		return outcomeReleased, fmt.Errorf("send message %s: %w", msg.ID, err)
	default:
		l.observe("failed", start)
		l.fail(bg, log, msg, token, err.Error(), l.cfg.RefundOnFailure)
		return outcomeFailed, nil
	}
}

// compose resolves the recipient, template and attachment of msg. A
// non-empty reason means the message can never be delivered.
func (l *Loop) compose(ctx context.Context, msg *repo.QueuedMessage) (Outbound, string, error) {
	recipient, err := l.store.GetRecipient(ctx, msg.RecipientID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return Outbound{}, "recipient not found", nil
	case err != nil:
		return Outbound{}, "", fmt.Errorf("get recipient: %w", err)
	case recipient.CompanyID != msg.CompanyID:
		return Outbound{}, "recipient not found", nil
	case !strings.EqualFold(recipient.ContactMedium, repo.MediumWhatsApp):
		return Outbound{}, fmt.Sprintf("unsupported contact medium %q", recipient.ContactMedium), nil
	}

	tmpl, err := l.store.GetTemplate(ctx, msg.TemplateID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return Outbound{}, "template not found", nil
	case err != nil:
		return Outbound{}, "", fmt.Errorf("get template: %w", err)
	case tmpl.CompanyID != msg.CompanyID:
		return Outbound{}, "template not found", nil
	}

	address := Address(l.cfg.CountryCode, recipient.ContactInformation)
	if address == "" {
		return Outbound{}, "invalid contact address", nil
	}
	out := Outbound{Address: address, Body: tmpl.Body}

	name := msg.AttachmentFilename
	if name == "" {
		name = tmpl.AttachmentFilename
	}
	if name != "" {
		if l.attachments == nil {
			return Outbound{}, "attachments unavailable", nil
		}
		att, err := l.attachments.Load(ctx, name)
		if err != nil {
			return Outbound{}, fmt.Sprintf("attachment: %v", err), nil
		}
		out.Attachment = att
	}
	return out, "", nil
}

// markSent retries the Sent transition. A row left Queued after a delivered
// send is claimed again once its lease expires.
func (l *Loop) markSent(ctx context.Context, log *slog.Logger, msg *repo.QueuedMessage, token string) {
	var err error
	for attempt := 1; attempt <= markSentAttempts; attempt++ {
		err = l.store.MarkSent(ctx, msg.ID, token)
		if err == nil {
			log.Info("message sent", "attempt", msg.Attempts)
			return
		}
		if errors.Is(err, repo.ErrStatusConflict) || errors.Is(err, repo.ErrNotFound) {
			break
		}
		log.Warn("mark sent", "error", err, "try", attempt)
		if attempt < markSentAttempts {
			time.Sleep(l.retryBackoff * time.Duration(attempt))
		}
	}
	log.Error("message delivered but not marked sent", "message_id", msg.ID, "error", err)
	if l.metrics != nil {
		l.metrics.Errors.WithLabelValues("dispatch_mark_sent").Inc()
	}
}

func (l *Loop) fail(ctx context.Context, log *slog.Logger, msg *repo.QueuedMessage, token, reason string, refund bool) {
	if err := l.store.MarkFailed(ctx, msg.ID, token, reason, refund); err != nil {
		log.Warn("mark failed", "error", err)
		return
	}
	if refund && l.metrics != nil {
		l.metrics.CreditsRefunded.Inc()
	}
	log.Warn("message failed", "reason", reason, "refunded", refund)
}

func (l *Loop) release(ctx context.Context, log *slog.Logger, msg *repo.QueuedMessage, token string) {
	if err := l.store.ReleaseClaim(ctx, msg.ID, token); err != nil {
		log.Warn("release claim", "error", err)
		return
	}
	log.Info("claim released")
}

func (l *Loop) observe(result string, start time.Time) {
	if l.metrics == nil {
		return
	}
	l.metrics.SendLatency.WithLabelValues(result).Observe(time.Since(start).Seconds())
}
