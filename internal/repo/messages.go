package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

const queuedMessageColumns = `id, seq, company_id, recipient_id, template_id, source_id, attachment_filename,
       status, failure_reason, COALESCE(claim_token, ''), attempts, created_at, sent_at`

// EnqueueMessages validates every reference against the owning company,
// debits one credit per recipient and inserts one Queued row per recipient in
// a single transaction.
func (r *PostgresStore) EnqueueMessages(ctx context.Context, batch EnqueueBatch) ([]QueuedMessage, error) {
	if len(batch.RecipientIDs) == 0 {
		return nil, fmt.Errorf("enqueue messages: empty recipient list")
	}

	var inserted []QueuedMessage
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		if err := ownedTx(ctx, tx, "message_sources", batch.CompanyID, batch.SourceID); err != nil {
			return fmt.Errorf("source %s: %w", batch.SourceID, err)
		}
		if err := ownedTx(ctx, tx, "message_templates", batch.CompanyID, batch.TemplateID); err != nil {
			return fmt.Errorf("template %s: %w", batch.TemplateID, err)
		}

		var found int
		if err := tx.QueryRow(ctx, `
SELECT COUNT(*) FROM recipients WHERE company_id = $1 AND id = ANY($2);
`, batch.CompanyID, batch.RecipientIDs).Scan(&found); err != nil {
			return fmt.Errorf("count recipients: %w", err)
		}
		if found != len(batch.RecipientIDs) {
			return fmt.Errorf("recipients: %d of %d unknown: %w", len(batch.RecipientIDs)-found, len(batch.RecipientIDs), ErrNotFound)
		}

		if _, err := debitTx(ctx, tx, batch.CompanyID, int64(len(batch.RecipientIDs))); err != nil {
			return err
		}

		const q = `
INSERT INTO queued_messages (id, company_id, recipient_id, template_id, source_id, attachment_filename, status)
VALUES ($1, $2, $3, $4, $5, $6, 'Queued')
RETURNING ` + queuedMessageColumns + `;
`
		inserted = make([]QueuedMessage, 0, len(batch.RecipientIDs))
		for _, recipientID := range batch.RecipientIDs {
			row := tx.QueryRow(ctx, q, newID(), batch.CompanyID, recipientID, batch.TemplateID, batch.SourceID, batch.AttachmentFilename)
			msg, err := scanQueuedMessage(row)
			if err != nil {
				return fmt.Errorf("insert queued message: %w", err)
			}
			inserted = append(inserted, *msg)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue messages: %w", err)
	}
	return inserted, nil
}

// ClaimNext leases the oldest claimable Queued message of a source to token.
// Rows locked by a concurrent claimer are skipped, and a lease older than
// lease is considered abandoned.
func (r *PostgresStore) ClaimNext(ctx context.Context, sourceID, token string, lease time.Duration) (*QueuedMessage, error) {
	const q = `
UPDATE queued_messages q
SET claim_token = $2, claimed_at = NOW(), attempts = q.attempts + 1, updated_at = NOW()
FROM (
    SELECT id FROM queued_messages
    WHERE source_id = $1
      AND status = 'Queued'
      AND (claimed_at IS NULL OR claimed_at < NOW() - make_interval(secs => $3))
    ORDER BY seq ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
) next
WHERE q.id = next.id
RETURNING q.id, q.seq, q.company_id, q.recipient_id, q.template_id, q.source_id, q.attachment_filename,
          q.status, q.failure_reason, COALESCE(q.claim_token, ''), q.attempts, q.created_at, q.sent_at;
`
	msg, err := scanQueuedMessage(r.pool.QueryRow(ctx, q, sourceID, token, lease.Seconds()))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPending
		}
		return nil, fmt.Errorf("claim next message: %w", err)
	}
	return msg, nil
}

// ReleaseClaim makes a claimed message visible to the next claimer again.
func (r *PostgresStore) ReleaseClaim(ctx context.Context, messageID, token string) error {
	const q = `
UPDATE queued_messages
SET claim_token = NULL, claimed_at = NULL, updated_at = NOW()
WHERE id = $1 AND claim_token = $2 AND status = 'Queued';
`
	ct, err := r.pool.Exec(ctx, q, messageID, token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("release claim %s: %w", messageID, ErrStatusConflict)
	}
	return nil
}

// MarkSent moves a claimed message from Queued to Sent.
func (r *PostgresStore) MarkSent(ctx context.Context, messageID, token string) error {
	const q = `
UPDATE queued_messages
SET status = 'Sent', sent_at = NOW(), updated_at = NOW()
WHERE id = $1 AND claim_token = $2 AND status = 'Queued';
`
	ct, err := r.pool.Exec(ctx, q, messageID, token)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("mark sent %s: %w", messageID, ErrStatusConflict)
	}
	return nil
}

// MarkFailed moves a claimed message from Queued to Failed, returning its
// credit to the company in the same transaction when refund is set.
func (r *PostgresStore) MarkFailed(ctx context.Context, messageID, token, reason string, refund bool) error {
	return r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
UPDATE queued_messages
SET status = 'Failed', failure_reason = $3, updated_at = NOW()
WHERE id = $1 AND claim_token = $2 AND status = 'Queued'
RETURNING company_id;
`
		var companyID string
		if err := tx.QueryRow(ctx, q, messageID, token, reason).Scan(&companyID); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("mark failed %s: %w", messageID, ErrStatusConflict)
			}
			return fmt.Errorf("mark failed: %w", err)
		}
		if !refund {
			return nil
		}
		if _, err := tx.Exec(ctx, `UPDATE companies SET credits = credits + 1, updated_at = NOW() WHERE id = $1`, companyID); err != nil {
			return fmt.Errorf("refund credit: %w", err)
		}
		return nil
	})
}

// GetMessage returns a queued message by identifier.
func (r *PostgresStore) GetMessage(ctx context.Context, messageID string) (*QueuedMessage, error) {
	q := `SELECT ` + queuedMessageColumns + ` FROM queued_messages WHERE id = $1 LIMIT 1;`
	msg, err := scanQueuedMessage(r.pool.QueryRow(ctx, q, messageID))
	if err != nil {
		return nil, notFound(err, "get message")
	}
	return msg, nil
}

// ListMessagesBySource returns the most recent messages routed through a source.
func (r *PostgresStore) ListMessagesBySource(ctx context.Context, sourceID string, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + queuedMessageColumns + ` FROM queued_messages WHERE source_id = $1 ORDER BY seq DESC LIMIT $2;`
	rows, err := r.pool.Query(ctx, q, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []QueuedMessage
	for rows.Next() {
		msg, err := scanQueuedMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		res = append(res, *msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return res, nil
}

// CountQueued returns how many messages of a source are still Queued.
func (r *PostgresStore) CountQueued(ctx context.Context, sourceID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM queued_messages WHERE source_id = $1 AND status = 'Queued'`, sourceID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

func scanQueuedMessage(row pgx.Row) (*QueuedMessage, error) {
	var msg QueuedMessage
	var status string
	if err := row.Scan(
		&msg.ID,
		&msg.Seq,
		&msg.CompanyID,
		&msg.RecipientID,
		&msg.TemplateID,
		&msg.SourceID,
		&msg.AttachmentFilename,
		&status,
		&msg.FailureReason,
		&msg.ClaimToken,
		&msg.Attempts,
		&msg.CreatedAt,
		&msg.SentAt,
	); err != nil {
		return nil, err
	}
	msg.Status = MessageStatus(status)
	return &msg, nil
}

// ownedTx checks that id exists in table and belongs to companyID. table is
// always a package constant.
func ownedTx(ctx context.Context, tx pgx.Tx, table, companyID, id string) error {
	var exists bool
	q := `SELECT EXISTS (SELECT 1 FROM ` + table + ` WHERE id = $1 AND company_id = $2)`
	if err := tx.QueryRow(ctx, q, id, companyID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}
