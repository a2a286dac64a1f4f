// Package billing receives confirmed credit purchases from the payment
// provider.
package billing

import (
	"context"
	"crypto/md5"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"wa-dispatch/internal/ledger"
	"wa-dispatch/internal/metrics"
	"wa-dispatch/internal/repo"
)

const maxBodyBytes = 64 << 10

// PurchaseApplier credits a company once per purchase reference.
type PurchaseApplier interface {
	ApplyPurchase(ctx context.Context, purchase repo.CreditPurchase) (bool, int64, error)
}

// Event is the JSON body posted by the provider.
type Event struct {
	CompanyID string `json:"company_id"`
	Credits   int64  `json:"credits"`
	Reference string `json:"reference"`
}

type response struct {
	Status  string `json:"status"`
	Applied bool   `json:"applied"`
	Balance int64  `json:"balance"`
}

// WebhookHandler verifies the provider's basic auth and applies purchases.
type WebhookHandler struct {
	logger      *slog.Logger
	metrics     *metrics.Metrics
	usernameMD5 string
	passwordMD5 string
	applier     PurchaseApplier
}

// NewWebhookHandler creates a webhook handler. The credentials are the hex MD5
// digests of the username and password the provider sends.
func NewWebhookHandler(logger *slog.Logger, m *metrics.Metrics, usernameMD5, passwordMD5 string, applier PurchaseApplier) *WebhookHandler {
	return &WebhookHandler{
		logger:      logger.With("component", "billing_webhook"),
		metrics:     m,
		usernameMD5: strings.ToLower(strings.TrimSpace(usernameMD5)),
		passwordMD5: strings.ToLower(strings.TrimSpace(passwordMD5)),
		applier:     applier,
	}
}

// ServeHTTP satisfies http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := h.validateAuth(r); err != nil {
		h.logger.Warn("rejected webhook", "error", err)
		h.countError("billing_webhook_auth")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	defer r.Body.Close()
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		h.countError("billing_webhook")
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	event.CompanyID = strings.TrimSpace(event.CompanyID)
	event.Reference = strings.TrimSpace(event.Reference)
	if event.CompanyID == "" || event.Reference == "" {
		http.Error(w, "company_id and reference are required", http.StatusBadRequest)
		return
	}

	applied, balance, err := h.applier.ApplyPurchase(r.Context(), repo.CreditPurchase{
		Reference: event.Reference,
		CompanyID: event.CompanyID,
		Credits:   event.Credits,
	})
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case errors.Is(err, repo.ErrNotFound):
		http.Error(w, "company not found", http.StatusNotFound)
		return
	case err != nil:
		h.logger.Error("failed applying purchase", "error", err, "reference", event.Reference)
		h.countError("billing_webhook_process")
		http.Error(w, "failed to process", http.StatusInternalServerError)
		return
	}

	h.logger.Info("purchase received", "company_id", event.CompanyID, "reference", event.Reference, "applied", applied, "balance", balance)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(response{Status: "ok", Applied: applied, Balance: balance})
}

func (h *WebhookHandler) validateAuth(r *http.Request) error {
	if h.usernameMD5 == "" || h.passwordMD5 == "" {
		return fmt.Errorf("webhook credentials not configured")
	}
	username, password, ok := r.BasicAuth()
	if !ok {
		return fmt.Errorf("missing basic auth")
	}
	if !equalHex(md5Hex(username), h.usernameMD5) {
		return fmt.Errorf("invalid username hash")
	}
	if !equalHex(md5Hex(password), h.passwordMD5) {
		return fmt.Errorf("invalid password hash")
	}
	return nil
}

func (h *WebhookHandler) countError(component string) {
	if h.metrics != nil {
		h.metrics.Errors.WithLabelValues(component).Inc()
	}
}

func md5Hex(val string) string {
	sum := md5.Sum([]byte(val))
	return hex.EncodeToString(sum[:])
}

func equalHex(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
