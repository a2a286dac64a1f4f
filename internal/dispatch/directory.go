package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"wa-dispatch/internal/authz"
	"wa-dispatch/internal/media"
	"wa-dispatch/internal/repo"
)

// Directory manages users, companies and the resources companies own.
type Directory struct {
	store          repo.Directory
	guard          *authz.Guard
	initialCredits int64
	logger         *slog.Logger
}

// NewDirectory builds a Directory granting initialCredits to new companies.
func NewDirectory(store repo.Directory, guard *authz.Guard, initialCredits int64, logger *slog.Logger) *Directory {
	return &Directory{
		store:          store,
		guard:          guard,
		initialCredits: initialCredits,
		logger:         logger.With("component", "directory"),
	}
}

// EnsureUser registers the verified subject once.
func (d *Directory) EnsureUser(ctx context.Context, user repo.User) (*repo.User, error) {
	user.Subject = strings.TrimSpace(user.Subject)
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	user.Phone = strings.TrimSpace(user.Phone)
	user.DisplayName = strings.TrimSpace(user.DisplayName)
	if user.Subject == "" {
		return nil, fmt.Errorf("%w: subject is required", ErrInvalidInput)
	}
	if user.Email == "" && user.Phone == "" {
		if existing, err := d.store.GetUserBySubject(ctx, user.Subject); err == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: email or phone is required", ErrInvalidInput)
	}
	u, err := d.store.EnsureUser(ctx, user)
	if errors.Is(err, repo.ErrDuplicate) {
		return nil, fmt.Errorf("%w: email or phone already registered", ErrInvalidInput)
	}
	return u, err
}

// CreateCompany creates a company administered by subject.
func (d *Directory) CreateCompany(ctx context.Context, subject string, profile repo.CompanyProfile) (*repo.Company, error) {
	profile = cleanProfile(profile)
	if profile.Name == "" {
		return nil, fmt.Errorf("%w: company name is required", ErrInvalidInput)
	}
	if _, err := d.store.GetUserBySubject(ctx, subject); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("%w: user is not registered", ErrInvalidInput)
		}
		return nil, err
	}
	company, err := d.store.CreateCompany(ctx, repo.Company{
		Name:         profile.Name,
		Description:  profile.Description,
		PrimaryEmail: profile.PrimaryEmail,
		PrimaryPhone: profile.PrimaryPhone,
		Credits:      d.initialCredits,
		AdminSubject: subject,
	})
	if err != nil {
		return nil, err
	}
	d.logger.Info("company created", "company_id", company.ID, "admin", subject, "credits", company.Credits)
	return company, nil
}

// GetCompany returns a company to one of its members.
func (d *Directory) GetCompany(ctx context.Context, subject, companyID string) (*repo.Company, error) {
	if err := d.guard.RequireMember(ctx, companyID, subject); err != nil {
		return nil, err
	}
	return d.store.GetCompany(ctx, companyID)
}

// UpdateCompany replaces the profile fields. Admin only.
func (d *Directory) UpdateCompany(ctx context.Context, subject, companyID string, profile repo.CompanyProfile) (*repo.Company, error) {
	if err := d.guard.RequireAdmin(ctx, companyID, subject); err != nil {
		return nil, err
	}
	profile = cleanProfile(profile)
	if profile.Name == "" {
		return nil, fmt.Errorf("%w: company name is required", ErrInvalidInput)
	}
	return d.store.UpdateCompany(ctx, companyID, profile)
}

// AddMember grants member access to the company. Admin only.
func (d *Directory) AddMember(ctx context.Context, subject, companyID, member string) error {
	if err := d.guard.RequireAdmin(ctx, companyID, subject); err != nil {
		return err
	}
	member = strings.TrimSpace(member)
	if member == "" {
		return fmt.Errorf("%w: member subject is required", ErrInvalidInput)
	}
	return d.store.AddMember(ctx, companyID, member)
}

// RemoveMember revokes access immediately. Messages already claimed are not
// affected. Admin only; the admin cannot be removed.
func (d *Directory) RemoveMember(ctx context.Context, subject, companyID, member string) error {
	if err := d.guard.RequireAdmin(ctx, companyID, subject); err != nil {
		return err
	}
	company, err := d.store.GetCompany(ctx, companyID)
	if err != nil {
		return err
	}
	if member == company.AdminSubject {
		return fmt.Errorf("%w: the company admin cannot be removed", ErrInvalidInput)
	}
	return d.store.RemoveMember(ctx, companyID, member)
}

func (d *Directory) CreateRecipient(ctx context.Context, subject string, recipient repo.Recipient) (*repo.Recipient, error) {
	if err := d.guard.RequireMember(ctx, recipient.CompanyID, subject); err != nil {
		return nil, err
	}
	recipient.Name = strings.TrimSpace(recipient.Name)
	recipient.ContactMedium = strings.TrimSpace(recipient.ContactMedium)
	recipient.ContactInformation = strings.TrimSpace(recipient.ContactInformation)
	if recipient.ContactMedium == "" || recipient.ContactInformation == "" {
		return nil, fmt.Errorf("%w: contact medium and information are required", ErrInvalidInput)
	}
	return d.store.CreateRecipient(ctx, recipient)
}

func (d *Directory) ListRecipients(ctx context.Context, subject, companyID string) ([]repo.Recipient, error) {
	if err := d.guard.RequireMember(ctx, companyID, subject); err != nil {
		return nil, err
	}
	return d.store.ListRecipients(ctx, companyID)
}

func (d *Directory) DeleteRecipient(ctx context.Context, subject, companyID, recipientID string) error {
	if err := d.guard.RequireMember(ctx, companyID, subject); err != nil {
		return err
	}
	return d.store.DeleteRecipient(ctx, companyID, recipientID)
}

func (d *Directory) CreateTemplate(ctx context.Context, subject string, tmpl repo.Template) (*repo.Template, error) {
	if err := d.guard.RequireMember(ctx, tmpl.CompanyID, subject); err != nil {
		return nil, err
	}
	tmpl.Name = strings.TrimSpace(tmpl.Name)
	tmpl.AttachmentFilename = strings.TrimSpace(tmpl.AttachmentFilename)
	if tmpl.Name == "" || strings.TrimSpace(tmpl.Body) == "" {
		return nil, fmt.Errorf("%w: template name and body are required", ErrInvalidInput)
	}
	if tmpl.AttachmentFilename != "" && !media.ValidName(tmpl.AttachmentFilename) {
		return nil, fmt.Errorf("%w: attachment must be a file name", ErrInvalidInput)
	}
	return d.store.CreateTemplate(ctx, tmpl)
}

func (d *Directory) ListTemplates(ctx context.Context, subject, companyID string) ([]repo.Template, error) {
	if err := d.guard.RequireMember(ctx, companyID, subject); err != nil {
		return nil, err
	}
	return d.store.ListTemplates(ctx, companyID)
}

// CreateSource registers an outbound identity. Admin only.
func (d *Directory) CreateSource(ctx context.Context, subject string, source repo.Source) (*repo.Source, error) {
	if err := d.guard.RequireAdmin(ctx, source.CompanyID, subject); err != nil {
		return nil, err
	}
	source.Transport = strings.TrimSpace(source.Transport)
	if source.Transport == "" {
		source.Transport = repo.MediumWhatsApp
	}
	source.ConnectionValue = strings.TrimSpace(source.ConnectionValue)
	if source.ConnectionValue == "" {
		return nil, fmt.Errorf("%w: connection value is required", ErrInvalidInput)
	}
	return d.store.CreateSource(ctx, source)
}

func (d *Directory) ListSources(ctx context.Context, subject, companyID string) ([]repo.Source, error) {
	if err := d.guard.RequireMember(ctx, companyID, subject); err != nil {
		return nil, err
	}
	return d.store.ListSources(ctx, companyID)
}

func cleanProfile(p repo.CompanyProfile) repo.CompanyProfile {
	return repo.CompanyProfile{
		Name:         strings.TrimSpace(p.Name),
		Description:  strings.TrimSpace(p.Description),
		PrimaryEmail: strings.ToLower(strings.TrimSpace(p.PrimaryEmail)),
		PrimaryPhone: strings.TrimSpace(p.PrimaryPhone),
	}
}
