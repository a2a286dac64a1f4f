package httpserver

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"wa-dispatch/internal/dispatch"
	"wa-dispatch/internal/identity"
	"wa-dispatch/internal/repo"

	"github.com/skip2/go-qrcode"
)

const (
	maxRequestBytes     = 1 << 20
	defaultMessageLimit = 50
	maxMessageLimit     = 500
	qrImageSize         = 256
)

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /users/me", s.authed(s.handleEnsureUser))

	mux.HandleFunc("POST /companies", s.authed(s.handleCreateCompany))
	mux.HandleFunc("GET /companies/{id}", s.authed(s.handleGetCompany))
	mux.HandleFunc("PATCH /companies/{id}", s.authed(s.handleUpdateCompany))
	mux.HandleFunc("POST /companies/{id}/members", s.authed(s.handleAddMember))
	mux.HandleFunc("DELETE /companies/{id}/members/{subject}", s.authed(s.handleRemoveMember))
	mux.HandleFunc("POST /companies/{id}/credits", s.authed(s.handleTopUp))
	mux.HandleFunc("GET /companies/{id}/credits", s.authed(s.handleBalance))
	mux.HandleFunc("POST /companies/{id}/recipients", s.authed(s.handleCreateRecipient))
	mux.HandleFunc("GET /companies/{id}/recipients", s.authed(s.handleListRecipients))
	mux.HandleFunc("DELETE /companies/{id}/recipients/{rid}", s.authed(s.handleDeleteRecipient))
	mux.HandleFunc("POST /companies/{id}/templates", s.authed(s.handleCreateTemplate))
	mux.HandleFunc("GET /companies/{id}/templates", s.authed(s.handleListTemplates))
	mux.HandleFunc("POST /companies/{id}/sources", s.authed(s.handleCreateSource))
	mux.HandleFunc("GET /companies/{id}/sources", s.authed(s.handleListSources))
	mux.HandleFunc("POST /companies/{id}/messages", s.authed(s.handleEnqueue))

	mux.HandleFunc("GET /messages/{id}", s.authed(s.handleGetMessage))
	mux.HandleFunc("GET /sources/{id}/messages", s.authed(s.handleSourceMessages))
	mux.HandleFunc("POST /sources/{id}/session", s.authed(s.handleStartSession))
	mux.HandleFunc("GET /sources/{id}/session", s.authed(s.handleSessionStatus))
	mux.HandleFunc("DELETE /sources/{id}/session", s.authed(s.handleStopSession))
}

// decodeBody reads a JSON body into dst. An empty body leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("%w: invalid json body: %v", dispatch.ErrInvalidInput, err)
	}
	return nil
}

type userRequest struct {
	DisplayName string `json:"display_name"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

func (s *Server) handleEnsureUser(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	req := userRequest{DisplayName: caller.Name, Email: caller.Email, Phone: caller.Phone}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	user, err := s.deps.Directory.EnsureUser(r.Context(), repo.User{
		Subject:     caller.Subject,
		DisplayName: req.DisplayName,
		Email:       req.Email,
		Phone:       req.Phone,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, newUserView(user))
}

type companyRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Email       string `json:"email"`
	Phone       string `json:"phone"`
}

func (c companyRequest) profile() repo.CompanyProfile {
	return repo.CompanyProfile{
		Name:         c.Name,
		Description:  c.Description,
		PrimaryEmail: c.Email,
		PrimaryPhone: c.Phone,
	}
}

func (s *Server) handleCreateCompany(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req companyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	company, err := s.deps.Directory.CreateCompany(r.Context(), caller.Subject, req.profile())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, newCompanyView(company))
}

func (s *Server) handleGetCompany(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	company, err := s.deps.Directory.GetCompany(r.Context(), caller.Subject, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, newCompanyView(company))
}

func (s *Server) handleUpdateCompany(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req companyRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	company, err := s.deps.Directory.UpdateCompany(r.Context(), caller.Subject, r.PathValue("id"), req.profile())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, newCompanyView(company))
}

func (s *Server) handleAddMember(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req struct {
		Subject string `json:"subject"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Directory.AddMember(r.Context(), caller.Subject, r.PathValue("id"), req.Subject); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRemoveMember(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	if err := s.deps.Directory.RemoveMember(r.Context(), caller.Subject, r.PathValue("id"), r.PathValue("subject")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type balanceView struct {
	CompanyID string `json:"company_id"`
	Credits   int64  `json:"credits"`
}

func (s *Server) handleTopUp(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req struct {
		Amount int64 `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	companyID := r.PathValue("id")
	balance, err := s.deps.Service.TopUp(r.Context(), caller.Subject, companyID, req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, balanceView{CompanyID: companyID, Credits: balance})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	companyID := r.PathValue("id")
	balance, err := s.deps.Service.Balance(r.Context(), caller.Subject, companyID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, balanceView{CompanyID: companyID, Credits: balance})
}

func (s *Server) handleCreateRecipient(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req struct {
		Name               string `json:"name"`
		ContactMedium      string `json:"contact_medium"`
		ContactInformation string `json:"contact_information"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	recipient, err := s.deps.Directory.CreateRecipient(r.Context(), caller.Subject, repo.Recipient{
		CompanyID:          r.PathValue("id"),
		Name:               req.Name,
		ContactMedium:      req.ContactMedium,
		ContactInformation: req.ContactInformation,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, newRecipientView(*recipient))
}

func (s *Server) handleListRecipients(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	recipients, err := s.deps.Directory.ListRecipients(r.Context(), caller.Subject, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, mapSlice(recipients, newRecipientView))
}

func (s *Server) handleDeleteRecipient(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	if err := s.deps.Directory.DeleteRecipient(r.Context(), caller.Subject, r.PathValue("id"), r.PathValue("rid")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req struct {
		Name               string `json:"name"`
		Body               string `json:"body"`
		AttachmentFilename string `json:"attachment_filename"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	tmpl, err := s.deps.Directory.CreateTemplate(r.Context(), caller.Subject, repo.Template{
		CompanyID:          r.PathValue("id"),
		Name:               req.Name,
		Body:               req.Body,
		AttachmentFilename: req.AttachmentFilename,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, newTemplateView(*tmpl))
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	templates, err := s.deps.Directory.ListTemplates(r.Context(), caller.Subject, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, mapSlice(templates, newTemplateView))
}

func (s *Server) handleCreateSource(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req struct {
		Transport       string `json:"transport"`
		ConnectionValue string `json:"connection_value"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	source, err := s.deps.Directory.CreateSource(r.Context(), caller.Subject, repo.Source{
		CompanyID:       r.PathValue("id"),
		Transport:       req.Transport,
		ConnectionValue: req.ConnectionValue,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusCreated, newSourceView(*source))
}

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	sources, err := s.deps.Directory.ListSources(r.Context(), caller.Subject, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, mapSlice(sources, newSourceView))
}

type enqueueView struct {
	Accepted   int      `json:"accepted"`
	MessageIDs []string `json:"message_ids"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req struct {
		SourceID           string   `json:"source_id"`
		TemplateID         string   `json:"template_id"`
		RecipientIDs       []string `json:"recipient_ids"`
		AttachmentFilename string   `json:"attachment_filename"`
	}
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	res, err := s.deps.Service.Enqueue(r.Context(), caller.Subject, dispatch.EnqueueRequest{
		CompanyID:          r.PathValue("id"),
		SourceID:           req.SourceID,
		TemplateID:         req.TemplateID,
		RecipientIDs:       req.RecipientIDs,
		AttachmentFilename: req.AttachmentFilename,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, enqueueView{Accepted: res.Accepted, MessageIDs: res.MessageIDs})
}

func (s *Server) handleGetMessage(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	msg, err := s.deps.Service.MessageStatus(r.Context(), caller.Subject, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, newMessageView(*msg))
}

func (s *Server) handleSourceMessages(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	limit := defaultMessageLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, r, fmt.Errorf("%w: limit must be a positive integer", dispatch.ErrInvalidInput))
			return
		}
		limit = min(n, maxMessageLimit)
	}
	msgs, err := s.deps.Service.SourceMessages(r.Context(), caller.Subject, r.PathValue("id"), limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, mapSlice(msgs, newMessageView))
}

// handleStartSession answers with a PNG QR code when the client asks for
// image/png and a pairing code was issued, JSON otherwise.
func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	sourceID := r.PathValue("id")
	res, err := s.deps.Service.StartSession(r.Context(), caller.Subject, sourceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if res.PairingCode != "" && strings.Contains(r.Header.Get("Accept"), "image/png") {
		png, err := qrcode.Encode(res.PairingCode, qrcode.Medium, qrImageSize)
		if err != nil {
			s.writeError(w, r, fmt.Errorf("encode qr: %w", err))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(png)
		return
	}

	writeJSON(w, sessionView{SourceID: sourceID, State: res.State, PairingCode: res.PairingCode})
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	snap, err := s.deps.Service.SessionStatus(r.Context(), caller.Subject, r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, newSessionView(snap))
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	if err := s.deps.Service.StopSession(r.Context(), caller.Subject, r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
