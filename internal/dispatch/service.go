package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"wa-dispatch/internal/authz"
	"wa-dispatch/internal/ledger"
	"wa-dispatch/internal/media"
	"wa-dispatch/internal/metrics"
	"wa-dispatch/internal/repo"
)

// Notifier signals that work was enqueued for a source.
type Notifier interface {
	Notify(ctx context.Context, sourceID string) error
}

// EnqueueRequest asks for one templated message per recipient through a
// source.
type EnqueueRequest struct {
	CompanyID          string
	SourceID           string
	TemplateID         string
	RecipientIDs       []string
	AttachmentFilename string
}

// EnqueueResult reports the accepted rows.
type EnqueueResult struct {
	Accepted   int
	MessageIDs []string
}

// Service is the authorization-gated entry point to the dispatch engine.
type Service struct {
	store    repo.Store
	guard    *authz.Guard
	ledger   *ledger.Ledger
	sessions *Manager
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewService wires the service. m may be nil.
func NewService(store repo.Store, guard *authz.Guard, l *ledger.Ledger, sessions *Manager, notifier Notifier, m *metrics.Metrics, logger *slog.Logger) *Service {
	return &Service{
		store:    store,
		guard:    guard,
		ledger:   l,
		sessions: sessions,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With("component", "dispatch"),
	}
}

// Enqueue validates req, checks membership and stores one Queued row per
// distinct recipient while debiting one credit each, all or nothing.
func (s *Service) Enqueue(ctx context.Context, subject string, req EnqueueRequest) (EnqueueResult, error) {
	req.CompanyID = strings.TrimSpace(req.CompanyID)
	req.SourceID = strings.TrimSpace(req.SourceID)
	req.TemplateID = strings.TrimSpace(req.TemplateID)
	req.AttachmentFilename = strings.TrimSpace(req.AttachmentFilename)
	if req.CompanyID == "" || req.SourceID == "" || req.TemplateID == "" {
		return EnqueueResult{}, fmt.Errorf("%w: company, source and template are required", ErrInvalidInput)
	}
	recipients, err := uniqueIDs(req.RecipientIDs)
	if err != nil {
		return EnqueueResult{}, err
	}
	if req.AttachmentFilename != "" && !media.ValidName(req.AttachmentFilename) {
		return EnqueueResult{}, fmt.Errorf("%w: attachment must be a file name", ErrInvalidInput)
	}

	if err := s.guard.RequireMember(ctx, req.CompanyID, subject); err != nil {
		return EnqueueResult{}, err
	}

	source, err := s.store.GetSource(ctx, req.SourceID)
	if err != nil {
		return EnqueueResult{}, err
	}
	if source.CompanyID != req.CompanyID {
		return EnqueueResult{}, fmt.Errorf("source %s: %w", req.SourceID, repo.ErrNotFound)
	}

	msgs, err := s.store.EnqueueMessages(ctx, repo.EnqueueBatch{
		CompanyID:          req.CompanyID,
		SourceID:           req.SourceID,
		TemplateID:         req.TemplateID,
		RecipientIDs:       recipients,
		AttachmentFilename: req.AttachmentFilename,
	})
	if err != nil {
		return EnqueueResult{}, err
	}

	if s.metrics != nil {
		s.metrics.MessagesEnqueued.WithLabelValues(strings.ToLower(source.Transport)).Add(float64(len(msgs)))
		s.metrics.CreditsReserved.Add(float64(len(msgs)))
	}
	s.logger.Info("messages enqueued", "company_id", req.CompanyID, "source_id", req.SourceID, "count", len(msgs))

	if s.notifier != nil {
		if err := s.notifier.Notify(ctx, req.SourceID); err != nil {
			s.logger.Warn("notify enqueue", "source_id", req.SourceID, "error", err)
		}
	}

	ids := make([]string, 0, len(msgs))
	for _, m := range msgs {
		ids = append(ids, m.ID)
	}
	return EnqueueResult{Accepted: len(msgs), MessageIDs: ids}, nil
}

// MessageStatus returns a queued message visible to subject.
func (s *Service) MessageStatus(ctx context.Context, subject, messageID string) (*repo.QueuedMessage, error) {
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.RequireMember(ctx, msg.CompanyID, subject); err != nil {
		return nil, err
	}
	return msg, nil
}

// SourceMessages lists the most recent messages of a source, newest first.
func (s *Service) SourceMessages(ctx context.Context, subject, sourceID string, limit int) ([]repo.QueuedMessage, error) {
	if _, err := s.memberSource(ctx, subject, sourceID); err != nil {
		return nil, err
	}
	return s.store.ListMessagesBySource(ctx, sourceID, limit)
}

// StartSession starts the transport session of a source.
func (s *Service) StartSession(ctx context.Context, subject, sourceID string) (StartResult, error) {
	source, err := s.memberSource(ctx, subject, sourceID)
	if err != nil {
		return StartResult{}, err
	}
	if !strings.EqualFold(source.Transport, repo.MediumWhatsApp) {
		return StartResult{}, fmt.Errorf("%w: unsupported transport %q", ErrInvalidInput, source.Transport)
	}
	return s.sessions.Start(ctx, *source)
}

// SessionStatus reports the session state of a source.
func (s *Service) SessionStatus(ctx context.Context, subject, sourceID string) (Snapshot, error) {
	if _, err := s.memberSource(ctx, subject, sourceID); err != nil {
		return Snapshot{}, err
	}
	return s.sessions.Status(sourceID), nil
}

// StopSession terminates the session of a source. Admin only.
func (s *Service) StopSession(ctx context.Context, subject, sourceID string) error {
	source, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return err
	}
	if err := s.guard.RequireAdmin(ctx, source.CompanyID, subject); err != nil {
		return err
	}
	return s.sessions.Stop(ctx, sourceID)
}

// TopUp adds credits to a company. Admin only.
func (s *Service) TopUp(ctx context.Context, subject, companyID string, amount int64) (int64, error) {
	if err := s.guard.RequireAdmin(ctx, companyID, subject); err != nil {
		return 0, err
	}
	return s.ledger.TopUp(ctx, companyID, amount)
}

// Balance returns the credit balance of a company.
func (s *Service) Balance(ctx context.Context, subject, companyID string) (int64, error) {
	if err := s.guard.RequireMember(ctx, companyID, subject); err != nil {
		return 0, err
	}
	return s.ledger.Balance(ctx, companyID)
}

func (s *Service) memberSource(ctx context.Context, subject, sourceID string) (*repo.Source, error) {
	source, err := s.store.GetSource(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if err := s.guard.RequireMember(ctx, source.CompanyID, subject); err != nil {
		return nil, err
	}
	return source, nil
}

func uniqueIDs(ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: recipient list is empty", ErrInvalidInput)
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			return nil, fmt.Errorf("%w: blank recipient id", ErrInvalidInput)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out, nil
}
