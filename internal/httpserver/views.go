package httpserver

import (
	"time"

	"wa-dispatch/internal/dispatch"
	"wa-dispatch/internal/repo"
)

type userView struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	DisplayName string    `json:"display_name,omitempty"`
	Email       string    `json:"email,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func newUserView(u *repo.User) userView {
	return userView{
		ID:          u.ID,
		Subject:     u.Subject,
		DisplayName: u.DisplayName,
		Email:       u.Email,
		Phone:       u.Phone,
		CreatedAt:   u.CreatedAt,
	}
}

type companyView struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	PrimaryEmail string    `json:"email,omitempty"`
	PrimaryPhone string    `json:"phone,omitempty"`
	Credits      int64     `json:"credits"`
	AdminSubject string    `json:"admin"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func newCompanyView(c *repo.Company) companyView {
	return companyView{
		ID:           c.ID,
		Name:         c.Name,
		Description:  c.Description,
		PrimaryEmail: c.PrimaryEmail,
		PrimaryPhone: c.PrimaryPhone,
		Credits:      c.Credits,
		AdminSubject: c.AdminSubject,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

type recipientView struct {
	ID                 string    `json:"id"`
	CompanyID          string    `json:"company_id"`
	Name               string    `json:"name"`
	ContactMedium      string    `json:"contact_medium"`
	ContactInformation string    `json:"contact_information"`
	CreatedAt          time.Time `json:"created_at"`
}

func newRecipientView(r repo.Recipient) recipientView {
	return recipientView{
		ID:                 r.ID,
		CompanyID:          r.CompanyID,
		Name:               r.Name,
		ContactMedium:      r.ContactMedium,
		ContactInformation: r.ContactInformation,
		CreatedAt:          r.CreatedAt,
	}
}

type templateView struct {
	ID                 string    `json:"id"`
	CompanyID          string    `json:"company_id"`
	Name               string    `json:"name"`
	Body               string    `json:"body"`
	AttachmentFilename string    `json:"attachment_filename,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func newTemplateView(t repo.Template) templateView {
	return templateView{
		ID:                 t.ID,
		CompanyID:          t.CompanyID,
		Name:               t.Name,
		Body:               t.Body,
		AttachmentFilename: t.AttachmentFilename,
		CreatedAt:          t.CreatedAt,
	}
}

type sourceView struct {
	ID              string    `json:"id"`
	CompanyID       string    `json:"company_id"`
	Transport       string    `json:"transport"`
	ConnectionValue string    `json:"connection_value"`
	CreatedAt       time.Time `json:"created_at"`
}

func newSourceView(s repo.Source) sourceView {
	return sourceView{
		ID:              s.ID,
		CompanyID:       s.CompanyID,
		Transport:       s.Transport,
		ConnectionValue: s.ConnectionValue,
		CreatedAt:       s.CreatedAt,
	}
}

type messageView struct {
	ID                 string             `json:"id"`
	CompanyID          string             `json:"company_id"`
	SourceID           string             `json:"source_id"`
	RecipientID        string             `json:"recipient_id"`
	TemplateID         string             `json:"template_id"`
	AttachmentFilename string             `json:"attachment_filename,omitempty"`
	Status             repo.MessageStatus `json:"status"`
	FailureReason      string             `json:"failure_reason,omitempty"`
	Attempts           int                `json:"attempts"`
	CreatedAt          time.Time          `json:"created_at"`
	SentAt             *time.Time         `json:"sent_at,omitempty"`
}

func newMessageView(m repo.QueuedMessage) messageView {
	return messageView{
		ID:                 m.ID,
		CompanyID:          m.CompanyID,
		SourceID:           m.SourceID,
		RecipientID:        m.RecipientID,
		TemplateID:         m.TemplateID,
		AttachmentFilename: m.AttachmentFilename,
		Status:             m.Status,
		FailureReason:      m.FailureReason,
		Attempts:           m.Attempts,
		CreatedAt:          m.CreatedAt,
		SentAt:             m.SentAt,
	}
}

type sessionView struct {
	SourceID     string         `json:"source_id"`
	State        dispatch.State `json:"state"`
	PairingCode  string         `json:"pairing_code,omitempty"`
	PairAttempts int            `json:"pair_attempts"`
	LastError    string         `json:"last_error,omitempty"`
	Sent         int            `json:"sent"`
	Failed       int            `json:"failed"`
	Since        time.Time      `json:"since"`
}

func newSessionView(s dispatch.Snapshot) sessionView {
	return sessionView{
		SourceID:     s.SourceID,
		State:        s.State,
		PairAttempts: s.PairAttempts,
		LastError:    s.LastError,
		Sent:         s.Sent,
		Failed:       s.Failed,
		Since:        s.Since,
	}
}

func mapSlice[T, V any](items []T, fn func(T) V) []V {
	out := make([]V, 0, len(items))
	for _, item := range items {
		out = append(out, fn(item))
	}
	return out
}
