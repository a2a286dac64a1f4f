package repo

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// EnsureUser creates the user for a verified subject once. Identity fields of
// an existing user are never overwritten.
func (r *PostgresStore) EnsureUser(ctx context.Context, user User) (*User, error) {
	const q = `
INSERT INTO users (id, subject, display_name, email, phone)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (subject) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, newID(), user.Subject, user.DisplayName, user.Email, user.Phone); err != nil {
		if isUniqueViolation(err) {
			return nil, fmt.Errorf("ensure user: %w", ErrDuplicate)
		}
		return nil, fmt.Errorf("ensure user: %w", err)
	}
	return r.GetUserBySubject(ctx, user.Subject)
}

// GetUserBySubject returns the user registered for a subject.
func (r *PostgresStore) GetUserBySubject(ctx context.Context, subject string) (*User, error) {
	const q = `
SELECT id, subject, display_name, email, phone, created_at
FROM users
WHERE subject = $1
LIMIT 1;
`
	var u User
	if err := r.pool.QueryRow(ctx, q, subject).Scan(&u.ID, &u.Subject, &u.DisplayName, &u.Email, &u.Phone, &u.CreatedAt); err != nil {
		return nil, notFound(err, "get user")
	}
	return &u, nil
}

// CreateCompany inserts the company and the admin's membership together.
func (r *PostgresStore) CreateCompany(ctx context.Context, company Company) (*Company, error) {
	company.ID = newID()
	var created Company
	err := r.WithTx(ctx, func(tx pgx.Tx) error {
		const q = `
INSERT INTO companies (id, name, description, primary_email, primary_phone, credits, admin_subject)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING id, name, description, primary_email, primary_phone, credits, admin_subject, created_at, updated_at;
`
		row := tx.QueryRow(ctx, q, company.ID, company.Name, company.Description, company.PrimaryEmail, company.PrimaryPhone, company.Credits, company.AdminSubject)
		if err := scanCompany(row, &created); err != nil {
			return fmt.Errorf("insert company: %w", err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO memberships (company_id, subject) VALUES ($1, $2)`, company.ID, company.AdminSubject); err != nil {
			return fmt.Errorf("insert admin membership: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("create company: %w", err)
	}
	return &created, nil
}

// GetCompany returns a company by identifier.
func (r *PostgresStore) GetCompany(ctx context.Context, id string) (*Company, error) {
	const q = `
SELECT id, name, description, primary_email, primary_phone, credits, admin_subject, created_at, updated_at
FROM companies
WHERE id = $1
LIMIT 1;
`
	var c Company
	if err := scanCompany(r.pool.QueryRow(ctx, q, id), &c); err != nil {
		return nil, notFound(err, "get company")
	}
	return &c, nil
}

// UpdateCompany replaces the profile fields of a company.
func (r *PostgresStore) UpdateCompany(ctx context.Context, id string, profile CompanyProfile) (*Company, error) {
	const q = `
UPDATE companies
SET name = $2, description = $3, primary_email = $4, primary_phone = $5, updated_at = NOW()
WHERE id = $1
RETURNING id, name, description, primary_email, primary_phone, credits, admin_subject, created_at, updated_at;
`
	var c Company
	if err := scanCompany(r.pool.QueryRow(ctx, q, id, profile.Name, profile.Description, profile.PrimaryEmail, profile.PrimaryPhone), &c); err != nil {
		return nil, notFound(err, "update company")
	}
	return &c, nil
}

// AddMember grants subject access to the company. Adding an existing member is a no-op.
func (r *PostgresStore) AddMember(ctx context.Context, companyID, subject string) error {
	const q = `
INSERT INTO memberships (company_id, subject)
VALUES ($1, $2)
ON CONFLICT (company_id, subject) DO NOTHING;
`
	if _, err := r.pool.Exec(ctx, q, companyID, subject); err != nil {
		if isForeignKeyViolation(err) {
			return fmt.Errorf("add member: company %s: %w", companyID, ErrNotFound)
		}
		return fmt.Errorf("add member: %w", err)
	}
	return nil
}

// RemoveMember revokes access immediately.
func (r *PostgresStore) RemoveMember(ctx context.Context, companyID, subject string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM memberships WHERE company_id = $1 AND subject = $2`, companyID, subject)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("remove member: %w", ErrNotFound)
	}
	return nil
}

// IsMember reports whether subject holds a membership in the company.
func (r *PostgresStore) IsMember(ctx context.Context, companyID, subject string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM memberships WHERE company_id = $1 AND subject = $2)`, companyID, subject).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("is member: %w", err)
	}
	return ok, nil
}

// IsAdmin reports whether subject is the admin of the company.
func (r *PostgresStore) IsAdmin(ctx context.Context, companyID, subject string) (bool, error) {
	var ok bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM companies WHERE id = $1 AND admin_subject = $2)`, companyID, subject).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("is admin: %w", err)
	}
	return ok, nil
}

// CreateRecipient stores a new recipient.
func (r *PostgresStore) CreateRecipient(ctx context.Context, recipient Recipient) (*Recipient, error) {
	const q = `
INSERT INTO recipients (id, company_id, name, contact_medium, contact_information)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, company_id, name, contact_medium, contact_information, created_at;
`
	var out Recipient
	row := r.pool.QueryRow(ctx, q, newID(), recipient.CompanyID, recipient.Name, recipient.ContactMedium, recipient.ContactInformation)
	if err := row.Scan(&out.ID, &out.CompanyID, &out.Name, &out.ContactMedium, &out.ContactInformation, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("create recipient: %w", err)
	}
	return &out, nil
}

// GetRecipient returns a recipient by identifier.
func (r *PostgresStore) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	const q = `
SELECT id, company_id, name, contact_medium, contact_information, created_at
FROM recipients
WHERE id = $1
LIMIT 1;
`
	var out Recipient
	if err := r.pool.QueryRow(ctx, q, id).Scan(&out.ID, &out.CompanyID, &out.Name, &out.ContactMedium, &out.ContactInformation, &out.CreatedAt); err != nil {
		return nil, notFound(err, "get recipient")
	}
	return &out, nil
}

// ListRecipients returns all recipients of a company.
func (r *PostgresStore) ListRecipients(ctx context.Context, companyID string) ([]Recipient, error) {
	const q = `
SELECT id, company_id, name, contact_medium, contact_information, created_at
FROM recipients
WHERE company_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("list recipients: %w", err)
	}
	defer rows.Close()

	var res []Recipient
	for rows.Next() {
		var out Recipient
		if err := rows.Scan(&out.ID, &out.CompanyID, &out.Name, &out.ContactMedium, &out.ContactInformation, &out.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		res = append(res, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate recipients: %w", err)
	}
	return res, nil
}

// DeleteRecipient removes a recipient owned by the company.
func (r *PostgresStore) DeleteRecipient(ctx context.Context, companyID, id string) error {
	ct, err := r.pool.Exec(ctx, `DELETE FROM recipients WHERE id = $1 AND company_id = $2`, id, companyID)
	if err != nil {
		return fmt.Errorf("delete recipient: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("delete recipient: %w", ErrNotFound)
	}
	return nil
}

// CreateTemplate stores a new message template.
func (r *PostgresStore) CreateTemplate(ctx context.Context, tmpl Template) (*Template, error) {
	const q = `
INSERT INTO message_templates (id, company_id, template_name, message_template, attachment_filename)
VALUES ($1, $2, $3, $4, $5)
RETURNING id, company_id, template_name, message_template, attachment_filename, created_at;
`
	var out Template
	row := r.pool.QueryRow(ctx, q, newID(), tmpl.CompanyID, tmpl.Name, tmpl.Body, tmpl.AttachmentFilename)
	if err := row.Scan(&out.ID, &out.CompanyID, &out.Name, &out.Body, &out.AttachmentFilename, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("create template: %w", err)
	}
	return &out, nil
}

// GetTemplate returns a template by identifier.
func (r *PostgresStore) GetTemplate(ctx context.Context, id string) (*Template, error) {
	const q = `
SELECT id, company_id, template_name, message_template, attachment_filename, created_at
FROM message_templates
WHERE id = $1
LIMIT 1;
`
	var out Template
	if err := r.pool.QueryRow(ctx, q, id).Scan(&out.ID, &out.CompanyID, &out.Name, &out.Body, &out.AttachmentFilename, &out.CreatedAt); err != nil {
		return nil, notFound(err, "get template")
	}
	return &out, nil
}

// ListTemplates returns all templates of a company.
func (r *PostgresStore) ListTemplates(ctx context.Context, companyID string) ([]Template, error) {
	const q = `
SELECT id, company_id, template_name, message_template, attachment_filename, created_at
FROM message_templates
WHERE company_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var res []Template
	for rows.Next() {
		var out Template
		if err := rows.Scan(&out.ID, &out.CompanyID, &out.Name, &out.Body, &out.AttachmentFilename, &out.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		res = append(res, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate templates: %w", err)
	}
	return res, nil
}

// CreateSource stores a new message source.
func (r *PostgresStore) CreateSource(ctx context.Context, source Source) (*Source, error) {
	const q = `
INSERT INTO message_sources (id, company_id, transport, connection_value)
VALUES ($1, $2, $3, $4)
RETURNING id, company_id, transport, connection_value, created_at;
`
	var out Source
	row := r.pool.QueryRow(ctx, q, newID(), source.CompanyID, source.Transport, source.ConnectionValue)
	if err := row.Scan(&out.ID, &out.CompanyID, &out.Transport, &out.ConnectionValue, &out.CreatedAt); err != nil {
		return nil, fmt.Errorf("create source: %w", err)
	}
	return &out, nil
}

// GetSource returns a message source by identifier.
func (r *PostgresStore) GetSource(ctx context.Context, id string) (*Source, error) {
	const q = `
SELECT id, company_id, transport, connection_value, created_at
FROM message_sources
WHERE id = $1
LIMIT 1;
`
	var out Source
	if err := r.pool.QueryRow(ctx, q, id).Scan(&out.ID, &out.CompanyID, &out.Transport, &out.ConnectionValue, &out.CreatedAt); err != nil {
		return nil, notFound(err, "get source")
	}
	return &out, nil
}

// ListSources returns all message sources of a company.
func (r *PostgresStore) ListSources(ctx context.Context, companyID string) ([]Source, error) {
	const q = `
SELECT id, company_id, transport, connection_value, created_at
FROM message_sources
WHERE company_id = $1
ORDER BY created_at ASC;
`
	rows, err := r.pool.Query(ctx, q, companyID)
	if err != nil {
		return nil, fmt.Errorf("list sources: %w", err)
	}
	defer rows.Close()

	var res []Source
	for rows.Next() {
		var out Source
		if err := rows.Scan(&out.ID, &out.CompanyID, &out.Transport, &out.ConnectionValue, &out.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan source: %w", err)
		}
		res = append(res, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sources: %w", err)
	}
	return res, nil
}

func scanCompany(row pgx.Row, c *Company) error {
	return row.Scan(&c.ID, &c.Name, &c.Description, &c.PrimaryEmail, &c.PrimaryPhone, &c.Credits, &c.AdminSubject, &c.CreatedAt, &c.UpdatedAt)
}
