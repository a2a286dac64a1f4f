package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// -- Ledger --

func (r *SQLiteStore) GetCredits(ctx context.Context, companyID string) (int64, error) {
	var credits int64
	if err := r.db.QueryRowContext(ctx, `SELECT credits FROM companies WHERE id = ?`, companyID).Scan(&credits); err != nil {
		return 0, sqliteNotFound(err, "get credits")
	}
	return credits, nil
}

func (r *SQLiteStore) DebitCredits(ctx context.Context, companyID string, amount int64) (int64, error) {
	var credits int64
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		credits, err = r.debitTx(ctx, tx, companyID, amount)
		return err
	})
	return credits, err
}

func (r *SQLiteStore) CreditCredits(ctx context.Context, companyID string, amount int64) (int64, error) {
	const q = `
UPDATE companies SET credits = credits + ?, updated_at = ?
WHERE id = ?
RETURNING credits;
`
	var credits int64
	if err := r.db.QueryRowContext(ctx, q, amount, r.stamp(), companyID).Scan(&credits); err != nil {
		return 0, sqliteNotFound(err, "credit credits")
	}
	return credits, nil
}

func (r *SQLiteStore) ApplyPurchase(ctx context.Context, purchase CreditPurchase) (bool, int64, error) {
	var (
		applied bool
		credits int64
	)
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT INTO credit_purchases (reference, company_id, credits, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (reference) DO NOTHING;
`, purchase.Reference, purchase.CompanyID, purchase.Credits, r.stamp())
		if err != nil {
			if isSQLiteConstraint(err, "FOREIGN KEY") {
				return fmt.Errorf("company %s: %w", purchase.CompanyID, ErrNotFound)
			}
			return fmt.Errorf("insert credit purchase: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if err := tx.QueryRowContext(ctx, `SELECT credits FROM companies WHERE id = ?`, purchase.CompanyID).Scan(&credits); err != nil {
				return sqliteNotFound(err, "get credits")
			}
			return nil
		}
		applied = true
		return tx.QueryRowContext(ctx, `
UPDATE companies SET credits = credits + ?, updated_at = ?
WHERE id = ?
RETURNING credits;
`, purchase.Credits, r.stamp(), purchase.CompanyID).Scan(&credits)
	})
	if err != nil {
		return false, 0, fmt.Errorf("apply purchase: %w", err)
	}
	return applied, credits, nil
}

func (r *SQLiteStore) debitTx(ctx context.Context, tx *sql.Tx, companyID string, amount int64) (int64, error) {
	const q = `
UPDATE companies SET credits = credits - ?, updated_at = ?
WHERE id = ? AND credits >= ?
RETURNING credits;
`
	var credits int64
	err := tx.QueryRowContext(ctx, q, amount, r.stamp(), companyID, amount).Scan(&credits)
	if err == nil {
		return credits, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM companies WHERE id = ?`, companyID).Scan(&exists); err != nil {
		return 0, fmt.Errorf("debit credits: %w", err)
	}
	if exists == 0 {
		return 0, fmt.Errorf("debit credits: company %s: %w", companyID, ErrNotFound)
	}
	return 0, fmt.Errorf("debit credits: %w", ErrInsufficientCredits)
}

// -- Queue --

const sqliteMessageColumns = `id, seq, company_id, recipient_id, template_id, source_id, attachment_filename,
       status, failure_reason, COALESCE(claim_token, ''), attempts, created_at, sent_at`

func (r *SQLiteStore) EnqueueMessages(ctx context.Context, batch EnqueueBatch) ([]QueuedMessage, error) {
	if len(batch.RecipientIDs) == 0 {
		return nil, fmt.Errorf("enqueue messages: empty recipient list")
	}

	var inserted []QueuedMessage
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		if err := sqliteOwnedTx(ctx, tx, "message_sources", batch.CompanyID, batch.SourceID); err != nil {
			return fmt.Errorf("source %s: %w", batch.SourceID, err)
		}
		if err := sqliteOwnedTx(ctx, tx, "message_templates", batch.CompanyID, batch.TemplateID); err != nil {
			return fmt.Errorf("template %s: %w", batch.TemplateID, err)
		}

		args := make([]any, 0, len(batch.RecipientIDs)+1)
		args = append(args, batch.CompanyID)
		for _, id := range batch.RecipientIDs {
			args = append(args, id)
		}
		var found int
		countQ := `SELECT COUNT(*) FROM recipients WHERE company_id = ? AND id IN (` + placeholders(len(batch.RecipientIDs)) + `)`
		if err := tx.QueryRowContext(ctx, countQ, args...).Scan(&found); err != nil {
			return fmt.Errorf("count recipients: %w", err)
		}
		if found != len(batch.RecipientIDs) {
			return fmt.Errorf("recipients: %d of %d unknown: %w", len(batch.RecipientIDs)-found, len(batch.RecipientIDs), ErrNotFound)
		}

		if _, err := r.debitTx(ctx, tx, batch.CompanyID, int64(len(batch.RecipientIDs))); err != nil {
			return err
		}

		const q = `
INSERT INTO queued_messages (id, company_id, recipient_id, template_id, source_id, attachment_filename, status, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, 'Queued', ?, ?)
RETURNING ` + sqliteMessageColumns + `;
`
		inserted = make([]QueuedMessage, 0, len(batch.RecipientIDs))
		for _, recipientID := range batch.RecipientIDs {
			now := r.stamp()
			row := tx.QueryRowContext(ctx, q, newID(), batch.CompanyID, recipientID, batch.TemplateID, batch.SourceID, batch.AttachmentFilename, now, now)
			msg, err := scanSQLiteMessage(row)
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

func (r *SQLiteStore) ClaimNext(ctx context.Context, sourceID, token string, lease time.Duration) (*QueuedMessage, error) {
	now := r.now().UTC()
	const q = `
UPDATE queued_messages
SET claim_token = ?, claimed_at = ?, attempts = attempts + 1, updated_at = ?
WHERE seq = (
    SELECT seq FROM queued_messages
    WHERE source_id = ?
      AND status = 'Queued'
      AND (claimed_at IS NULL OR claimed_at < ?)
    ORDER BY seq ASC
    LIMIT 1
)
RETURNING ` + sqliteMessageColumns + `;
`
	row := r.db.QueryRowContext(ctx, q, token, now.UnixNano(), now.UnixNano(), sourceID, now.Add(-lease).UnixNano())
	msg, err := scanSQLiteMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoPending
		}
		return nil, fmt.Errorf("claim next message: %w", err)
	}
	return msg, nil
}

func (r *SQLiteStore) ReleaseClaim(ctx context.Context, messageID, token string) error {
	const q = `
UPDATE queued_messages
SET claim_token = NULL, claimed_at = NULL, updated_at = ?
WHERE id = ? AND claim_token = ? AND status = 'Queued';
`
	res, err := r.db.ExecContext(ctx, q, r.stamp(), messageID, token)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("release claim %s: %w", messageID, ErrStatusConflict)
	}
	return nil
}

func (r *SQLiteStore) MarkSent(ctx context.Context, messageID, token string) error {
	now := r.stamp()
	const q = `
UPDATE queued_messages
SET status = 'Sent', sent_at = ?, updated_at = ?
WHERE id = ? AND claim_token = ? AND status = 'Queued';
`
	res, err := r.db.ExecContext(ctx, q, now, now, messageID, token)
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("mark sent %s: %w", messageID, ErrStatusConflict)
	}
	return nil
}

func (r *SQLiteStore) MarkFailed(ctx context.Context, messageID, token, reason string, refund bool) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
UPDATE queued_messages
SET status = 'Failed', failure_reason = ?, updated_at = ?
WHERE id = ? AND claim_token = ? AND status = 'Queued'
RETURNING company_id;
`
		var companyID string
		if err := tx.QueryRowContext(ctx, q, reason, r.stamp(), messageID, token).Scan(&companyID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("mark failed %s: %w", messageID, ErrStatusConflict)
			}
			return fmt.Errorf("mark failed: %w", err)
		}
		if !refund {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE companies SET credits = credits + 1, updated_at = ? WHERE id = ?`, r.stamp(), companyID); err != nil {
			return fmt.Errorf("refund credit: %w", err)
		}
		return nil
	})
}

func (r *SQLiteStore) GetMessage(ctx context.Context, messageID string) (*QueuedMessage, error) {
	q := `SELECT ` + sqliteMessageColumns + ` FROM queued_messages WHERE id = ? LIMIT 1;`
	msg, err := scanSQLiteMessage(r.db.QueryRowContext(ctx, q, messageID))
	if err != nil {
		return nil, sqliteNotFound(err, "get message")
	}
	return msg, nil
}

func (r *SQLiteStore) ListMessagesBySource(ctx context.Context, sourceID string, limit int) ([]QueuedMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + sqliteMessageColumns + ` FROM queued_messages WHERE source_id = ? ORDER BY seq DESC LIMIT ?;`
	rows, err := r.db.QueryContext(ctx, q, sourceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var res []QueuedMessage
	for rows.Next() {
		msg, err := scanSQLiteMessage(rows)
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

func (r *SQLiteStore) CountQueued(ctx context.Context, sourceID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queued_messages WHERE source_id = ? AND status = 'Queued'`, sourceID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count queued: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteMessage(row rowScanner) (*QueuedMessage, error) {
	var (
		msg       QueuedMessage
		status    string
		createdAt int64
		sentAt    sql.NullInt64
	)
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
		&createdAt,
		&sentAt,
	); err != nil {
		return nil, err
	}
	msg.Status = MessageStatus(status)
	msg.CreatedAt = fromStamp(createdAt)
	if sentAt.Valid {
		t := fromStamp(sentAt.Int64)
		msg.SentAt = &t
	}
	return &msg, nil
}

func sqliteOwnedTx(ctx context.Context, tx *sql.Tx, table, companyID, id string) error {
	var n int
	q := `SELECT COUNT(*) FROM ` + table + ` WHERE id = ? AND company_id = ?`
	if err := tx.QueryRowContext(ctx, q, id, companyID).Scan(&n); err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// -- Users --

func (r *SQLiteStore) EnsureUser(ctx context.Context, user User) (*User, error) {
	const q = `
INSERT INTO users (id, subject, display_name, email, phone, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (subject) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, newID(), user.Subject, user.DisplayName, user.Email, user.Phone, r.stamp()); err != nil {
		if isSQLiteConstraint(err, "UNIQUE") {
			return nil, fmt.Errorf("ensure user: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return r.GetUserBySubject(ctx, user.Subject)
}

func (r *SQLiteStore) GetUserBySubject(ctx context.Context, subject string) (*User, error) {
	const q = `
SELECT id, subject, display_name, email, phone, created_at
FROM users
WHERE subject = ?
LIMIT 1;
`
	var (
		u         User
		createdAt int64
	)
	if err := r.db.QueryRowContext(ctx, q, subject).Scan(&u.ID, &u.Subject, &u.DisplayName, &u.Email, &u.Phone, &createdAt); err != nil {
		return nil, sqliteNotFound(err, "get user")
	}
	u.CreatedAt = fromStamp(createdAt)
	return &u, nil
}

// -- Companies --

const sqliteCompanyColumns = `id, name, description, primary_email, primary_phone, credits, admin_subject, created_at, updated_at`

func (r *SQLiteStore) CreateCompany(ctx context.Context, company Company) (*Company, error) {
	id := newID()
	now := r.stamp()
	var created *Company
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		const q = `
INSERT INTO companies (id, name, description, primary_email, primary_phone, credits, admin_subject, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
RETURNING ` + sqliteCompanyColumns + `;
`
		row := tx.QueryRowContext(ctx, q, id, company.Name, company.Description, company.PrimaryEmail, company.PrimaryPhone, company.Credits, company.AdminSubject, now, now)
		c, err := scanSQLiteCompany(row)
		if err != nil {
			return fmt.Errorf("insert company: %w", err)
		}
		created = c
		if _, err := tx.ExecContext(ctx, `INSERT INTO memberships (company_id, subject, created_at) VALUES (?, ?, ?)`, id, company.AdminSubject, now); err != nil {
			return fmt.Errorf("insert admin membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create company: %w", err)
	}
	return created, nil
}

func (r *SQLiteStore) GetCompany(ctx context.Context, id string) (*Company, error) {
	q := `SELECT ` + sqliteCompanyColumns + ` FROM companies WHERE id = ? LIMIT 1;`
	c, err := scanSQLiteCompany(r.db.QueryRowContext(ctx, q, id))
	if err != nil {
		return nil, sqliteNotFound(err, "get company")
	}
	return c, nil
}

func (r *SQLiteStore) UpdateCompany(ctx context.Context, id string, profile CompanyProfile) (*Company, error) {
	q := `
UPDATE companies
SET name = ?, description = ?, primary_email = ?, primary_phone = ?, updated_at = ?
WHERE id = ?
RETURNING ` + sqliteCompanyColumns + `;
`
	c, err := scanSQLiteCompany(r.db.QueryRowContext(ctx, q, profile.Name, profile.Description, profile.PrimaryEmail, profile.PrimaryPhone, r.stamp(), id))
	if err != nil {
		return nil, sqliteNotFound(err, "update company")
	}
	return c, nil
}

func scanSQLiteCompany(row rowScanner) (*Company, error) {
	var (
		c                    Company
		createdAt, updatedAt int64
	)
	if err := row.Scan(&c.ID, &c.Name, &c.Description, &c.PrimaryEmail, &c.PrimaryPhone, &c.Credits, &c.AdminSubject, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	c.CreatedAt = fromStamp(createdAt)
	c.UpdatedAt = fromStamp(updatedAt)
	return &c, nil
}

// -- Memberships --

func (r *SQLiteStore) AddMember(ctx context.Context, companyID, subject string) error {
	const q = `
INSERT INTO memberships (company_id, subject, created_at)
VALUES (?, ?, ?)
ON CONFLICT (company_id, subject) DO NOTHING;
`
	if _, err := r.db.ExecContext(ctx, q, companyID, subject, r.stamp()); err != nil {
		if isSQLiteConstraint(err, "FOREIGN KEY") {
			return fmt.Errorf("add member: company %s: %w", companyID, ErrNotFound)
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

func (r *SQLiteStore) RemoveMember(ctx context.Context, companyID, subject string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM memberships WHERE company_id = ? AND subject = ?`, companyID, subject)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("remove member: %w", ErrNotFound)
	}
	return nil
}

func (r *SQLiteStore) IsMember(ctx context.Context, companyID, subject string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memberships WHERE company_id = ? AND subject = ?`, companyID, subject).Scan(&n); err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return n > 0, nil
}

func (r *SQLiteStore) IsAdmin(ctx context.Context, companyID, subject string) (bool, error) {
	var n int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM companies WHERE id = ? AND admin_subject = ?`, companyID, subject).Scan(&n); err != nil {
		return false, fmt.Errorf("is admin: %w", err)
	}
	return n > 0, nil
}

// -- Recipients --

func (r *SQLiteStore) CreateRecipient(ctx context.Context, recipient Recipient) (*Recipient, error) {
	out := recipient
	out.ID = newID()
	now := r.stamp()
	const q = `
INSERT INTO recipients (id, company_id, name, contact_medium, contact_information, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, out.ID, out.CompanyID, out.Name, out.ContactMedium, out.ContactInformation, now); err != nil {
		if isSQLiteConstraint(err, "FOREIGN KEY") {
			return nil, fmt.Errorf("create recipient: company %s: %w", out.CompanyID, ErrNotFound)
		}
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	out.CreatedAt = fromStamp(now)
	return &out, nil
}

func (r *SQLiteStore) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	const q = `
SELECT id, company_id, name, contact_medium, contact_information, created_at
FROM recipients
WHERE id = ?
LIMIT 1;
`
	var (
		out       Recipient
		createdAt int64
	)
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&out.ID, &out.CompanyID, &out.Name, &out.ContactMedium, &out.ContactInformation, &createdAt); err != nil {
		return nil, sqliteNotFound(err, "get recipient")
	}
	out.CreatedAt = fromStamp(createdAt)
	return &out, nil
}

func (r *SQLiteStore) ListRecipients(ctx context.Context, companyID string) ([]Recipient, error) {
	const q = `
SELECT id, company_id, name, contact_medium, contact_information, created_at
FROM recipients
WHERE company_id = ?
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var res []Recipient
	for rows.Next() {
		var (
			out       Recipient
			createdAt int64
		)
		if err := rows.Scan(&out.ID, &out.CompanyID, &out.Name, &out.ContactMedium, &out.ContactInformation, &createdAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out.CreatedAt = fromStamp(createdAt)
		res = append(res, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return res, nil
}

func (r *SQLiteStore) DeleteRecipient(ctx context.Context, companyID, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM recipients WHERE id = ? AND company_id = ?`, id, companyID)
	if err != nil {
		return fmt.Errorf("delete recipient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("delete recipient: %w", ErrNotFound)
	}
	return nil
}

// -- Templates --

func (r *SQLiteStore) CreateTemplate(ctx context.Context, tmpl Template) (*Template, error) {
	out := tmpl
	out.ID = newID()
	now := r.stamp()
	const q = `
INSERT INTO message_templates (id, company_id, template_name, message_template, attachment_filename, created_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, out.ID, out.CompanyID, out.Name, out.Body, out.AttachmentFilename, now); err != nil {
		if isSQLiteConstraint(err, "FOREIGN KEY") {
			return nil, fmt.Errorf("create template: company %s: %w", out.CompanyID, ErrNotFound)
		}
		return nil, fmt.Errorf("create template: %w", err)
	}
	out.CreatedAt = fromStamp(now)
	return &out, nil
}

func (r *SQLiteStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	const q = `
SELECT id, company_id, template_name, message_template, attachment_filename, created_at
FROM message_templates
WHERE id = ?
LIMIT 1;
`
	var (
		out       Template
		createdAt int64
	)
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&out.ID, &out.CompanyID, &out.Name, &out.Body, &out.AttachmentFilename, &createdAt); err != nil {
		return nil, sqliteNotFound(err, "get template")
	}
	out.CreatedAt = fromStamp(createdAt)
	return &out, nil
}

func (r *SQLiteStore) ListTemplates(ctx context.Context, companyID string) ([]Template, error) {
	const q = `
SELECT id, company_id, template_name, message_template, attachment_filename, created_at
FROM message_templates
WHERE company_id = ?
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var res []Template
	for rows.Next() {
		var (
			out       Template
			createdAt int64
		)
		if err := rows.Scan(&out.ID, &out.CompanyID, &out.Name, &out.Body, &out.AttachmentFilename, &createdAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		out.CreatedAt = fromStamp(createdAt)
		res = append(res, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return res, nil
}

// -- Sources --

func (r *SQLiteStore) CreateSource(ctx context.Context, source Source) (*Source, error) {
	out := source
	out.ID = newID()
	now := r.stamp()
	const q = `
INSERT INTO message_sources (id, company_id, transport, connection_value, created_at)
VALUES (?, ?, ?, ?, ?);
`
	if _, err := r.db.ExecContext(ctx, q, out.ID, out.CompanyID, out.Transport, out.ConnectionValue, now); err != nil {
		if isSQLiteConstraint(err, "FOREIGN KEY") {
			return nil, fmt.Errorf("create source: company %s: %w", out.CompanyID, ErrNotFound)
		}
		return nil, fmt.Errorf("create source: %w", err)
	}
	out.CreatedAt = fromStamp(now)
	return &out, nil
}

func (r *SQLiteStore) GetSource(ctx context.Context, id string) (*Source, error) {
	const q = `
SELECT id, company_id, transport, connection_value, created_at
FROM message_sources
WHERE id = ?
LIMIT 1;
`
	var (
		out       Source
		createdAt int64
	)
	if err := r.db.QueryRowContext(ctx, q, id).Scan(&out.ID, &out.CompanyID, &out.Transport, &out.ConnectionValue, &createdAt); err != nil {
		return nil, sqliteNotFound(err, "get source")
	}
	out.CreatedAt = fromStamp(createdAt)
	return &out, nil
}

func (r *SQLiteStore) ListSources(ctx context.Context, companyID string) ([]Source, error) {
	const q = `
SELECT id, company_id, transport, connection_value, created_at
FROM message_sources
WHERE company_id = ?
ORDER BY created_at ASC;
`
	rows, err := r.db.QueryContext(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var res []Source
	for rows.Next() {
		var (
			out       Source
			createdAt int64
		)
		if err := rows.Scan(&out.ID, &out.CompanyID, &out.Transport, &out.ConnectionValue, &createdAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		out.CreatedAt = fromStamp(createdAt)
		res = append(res, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return res, nil
}
