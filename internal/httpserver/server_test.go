package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"wa-dispatch/internal/authz"
	"wa-dispatch/internal/dispatch"
	"wa-dispatch/internal/identity"
	"wa-dispatch/internal/ledger"
	"wa-dispatch/internal/logging"
	"wa-dispatch/internal/repo"
	"wa-dispatch/migrations"

	"github.com/golang-jwt/jwt/v5"
)

const testSecret = "http-test-secret"

// pairingConn presents one pairing code and then waits to be closed.
type pairingConn struct {
	events chan dispatch.LoginEvent
}

func (c *pairingConn) Login(context.Context) (<-chan dispatch.LoginEvent, error) {
	return c.events, nil
}

func (c *pairingConn) Send(context.Context, dispatch.Outbound) error { return nil }

func (c *pairingConn) Logout(context.Context) error { return nil }

func (c *pairingConn) Close() {}

type pairingConnector struct{}

func (pairingConnector) Open(context.Context, repo.Source) (dispatch.Conn, error) {
	events := make(chan dispatch.LoginEvent, 1)
	events <- dispatch.LoginEvent{Kind: dispatch.LoginCode, Code: "2@pairing-code"}
	return &pairingConn{events: events}, nil
}

type testAPI struct {
	handler http.Handler
	store   *repo.SQLiteStore
}

func newTestAPI(t *testing.T, initialCredits int64) *testAPI {
	t.Helper()
	ctx := context.Background()
	logger := logging.Discard()

	store, err := repo.NewSQLite(ctx, filepath.Join(t.TempDir(), "api.db"), logger)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	guard := authz.NewGuard(store)
	credits := ledger.New(store, nil, logger)
	loop := dispatch.NewLoop(store, nil, dispatch.LoopConfig{CountryCode: "91"}, nil, logger)
	manager := dispatch.NewManager(dispatch.ManagerConfig{
		IdleGrace:       time.Second,
		MaxPairAttempts: 1,
		PairTimeout:     time.Minute,
		PollInterval:    time.Minute,
	}, store, pairingConnector{}, loop, nil, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	srv := New(":0", logger, nil, Dependencies{
		Service:   dispatch.NewService(store, guard, credits, manager, nil, nil, logger),
		Directory: dispatch.NewDirectory(store, guard, initialCredits, logger),
		Verifier:  identity.NewJWTVerifier(testSecret, ""),
	}, Handlers{}, "")
	return &testAPI{handler: srv.Handler(), store: store}
}

func token(t *testing.T, subject string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, identity.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (a *testAPI) do(t *testing.T, method, path, subject string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if subject != "" {
		req.Header.Set("Authorization", "Bearer "+token(t, subject))
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(rec.Body).Decode(&out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d: %s", rec.Code, want, rec.Body.String())
	}
}

type tenant struct {
	company    companyView
	source     sourceView
	template   templateView
	recipients []string
}

func (a *testAPI) seedTenant(t *testing.T, admin string, recipients int) tenant {
	t.Helper()
	expectStatus(t, a.do(t, http.MethodPost, "/users/me", admin, userRequest{Email: admin + "@example.com"}), http.StatusOK)

	rec := a.do(t, http.MethodPost, "/companies", admin, companyRequest{Name: "Acme"})
	expectStatus(t, rec, http.StatusCreated)
	ten := tenant{company: decode[companyView](t, rec)}
	base := "/companies/" + ten.company.ID

	rec = a.do(t, http.MethodPost, base+"/sources", admin, map[string]string{"connection_value": "9800000000"})
	expectStatus(t, rec, http.StatusCreated)
	ten.source = decode[sourceView](t, rec)

	rec = a.do(t, http.MethodPost, base+"/templates", admin, map[string]string{"name": "greeting", "body": "Hello"})
	expectStatus(t, rec, http.StatusCreated)
	ten.template = decode[templateView](t, rec)

	for i := 0; i < recipients; i++ {
		rec = a.do(t, http.MethodPost, base+"/recipients", admin, map[string]string{
			"name":                "r",
			"contact_medium":      repo.MediumWhatsApp,
			"contact_information": fmt.Sprintf("987654321%d", i),
		})
		expectStatus(t, rec, http.StatusCreated)
		ten.recipients = append(ten.recipients, decode[recipientView](t, rec).ID)
	}
	return ten
}

func TestHealthz(t *testing.T) {
	api := newTestAPI(t, 100)
	rec := api.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[map[string]string](t, rec); got["status"] != "ok" {
		t.Fatalf("unexpected body %v", got)
	}
}

func TestRoutesRequireBearerToken(t *testing.T) {
	api := newTestAPI(t, 100)
	for _, path := range []string{"/companies/x/credits", "/messages/x", "/sources/x/session"} {
		rec := api.do(t, http.MethodGet, path, "", nil)
		expectStatus(t, rec, http.StatusUnauthorized)
	}

	req := httptest.NewRequest(http.MethodGet, "/messages/x", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusUnauthorized)
}

func TestEnqueueFlow(t *testing.T) {
	api := newTestAPI(t, 3)
	ten := api.seedTenant(t, "alice", 4)
	base := "/companies/" + ten.company.ID

	rec := api.do(t, http.MethodPost, base+"/messages", "alice", map[string]any{
		"source_id":     ten.source.ID,
		"template_id":   ten.template.ID,
		"recipient_ids": ten.recipients[:2],
	})
	expectStatus(t, rec, http.StatusAccepted)
	res := decode[enqueueView](t, rec)
	if res.Accepted != 2 || len(res.MessageIDs) != 2 {
		t.Fatalf("unexpected enqueue result %+v", res)
	}

	rec = api.do(t, http.MethodGet, base+"/credits", "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	if bal := decode[balanceView](t, rec); bal.Credits != 1 {
		t.Fatalf("balance = %d, want 1", bal.Credits)
	}

	rec = api.do(t, http.MethodPost, base+"/messages", "alice", map[string]any{
		"source_id":     ten.source.ID,
		"template_id":   ten.template.ID,
		"recipient_ids": ten.recipients[2:],
	})
	expectStatus(t, rec, http.StatusPaymentRequired)

	rec = api.do(t, http.MethodGet, "/messages/"+res.MessageIDs[0], "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	if msg := decode[messageView](t, rec); msg.Status != repo.StatusQueued {
		t.Fatalf("status = %s, want Queued", msg.Status)
	}

	rec = api.do(t, http.MethodGet, "/sources/"+ten.source.ID+"/messages?limit=10", "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	if msgs := decode[[]messageView](t, rec); len(msgs) != 2 {
		t.Fatalf("listed %d messages, want 2", len(msgs))
	}
}

func TestErrorMapping(t *testing.T) {
	api := newTestAPI(t, 10)
	ten := api.seedTenant(t, "alice", 1)
	base := "/companies/" + ten.company.ID

	tests := []struct {
		name    string
		method  string
		path    string
		subject string
		body    any
		want    int
	}{
		{name: "non-member balance", method: http.MethodGet, path: base + "/credits", subject: "mallory", want: http.StatusForbidden},
		{name: "non-member message", method: http.MethodPost, path: base + "/messages", subject: "mallory", body: map[string]any{"source_id": ten.source.ID, "template_id": ten.template.ID, "recipient_ids": ten.recipients}, want: http.StatusForbidden},
		{name: "unknown message", method: http.MethodGet, path: "/messages/does-not-exist", subject: "alice", want: http.StatusNotFound},
		{name: "empty recipients", method: http.MethodPost, path: base + "/messages", subject: "alice", body: map[string]any{"source_id": ten.source.ID, "template_id": ten.template.ID}, want: http.StatusBadRequest},
		{name: "negative top up", method: http.MethodPost, path: base + "/credits", subject: "alice", body: map[string]int{"amount": -5}, want: http.StatusBadRequest},
		{name: "bad limit", method: http.MethodGet, path: "/sources/" + ten.source.ID + "/messages?limit=0", subject: "alice", want: http.StatusBadRequest},
		{name: "unknown field", method: http.MethodPost, path: base + "/credits", subject: "alice", body: map[string]int{"credits": 5}, want: http.StatusBadRequest},
		{name: "remove admin", method: http.MethodDelete, path: base + "/members/alice", subject: "alice", want: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			expectStatus(t, api.do(t, tt.method, tt.path, tt.subject, tt.body), tt.want)
		})
	}
}

func TestMembershipGrantsAccess(t *testing.T) {
	api := newTestAPI(t, 10)
	ten := api.seedTenant(t, "alice", 1)
	base := "/companies/" + ten.company.ID

	expectStatus(t, api.do(t, http.MethodPost, base+"/credits", "bob", map[string]int{"amount": 5}), http.StatusForbidden)
	expectStatus(t, api.do(t, http.MethodPost, base+"/members", "alice", map[string]string{"subject": "bob"}), http.StatusNoContent)
	expectStatus(t, api.do(t, http.MethodGet, base+"/credits", "bob", nil), http.StatusOK)
	expectStatus(t, api.do(t, http.MethodPost, base+"/credits", "bob", map[string]int{"amount": 5}), http.StatusForbidden)

	rec := api.do(t, http.MethodPost, base+"/credits", "alice", map[string]int{"amount": 5})
	expectStatus(t, rec, http.StatusOK)
	if bal := decode[balanceView](t, rec); bal.Credits != 15 {
		t.Fatalf("balance = %d, want 15", bal.Credits)
	}

	expectStatus(t, api.do(t, http.MethodDelete, base+"/members/bob", "alice", nil), http.StatusNoContent)
	expectStatus(t, api.do(t, http.MethodGet, base+"/credits", "bob", nil), http.StatusForbidden)
}

func TestStartSessionReturnsQRCode(t *testing.T) {
	api := newTestAPI(t, 10)
	ten := api.seedTenant(t, "alice", 0)

	req := httptest.NewRequest(http.MethodPost, "/sources/"+ten.source.ID+"/session", nil)
	req.Header.Set("Authorization", "Bearer "+token(t, "alice"))
	req.Header.Set("Accept", "image/png")
	rec := httptest.NewRecorder()
	api.handler.ServeHTTP(rec, req)

	expectStatus(t, rec, http.StatusOK)
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("content type = %q", ct)
	}
	if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
		t.Fatalf("body is not a png")
	}

	rec = api.do(t, http.MethodPost, "/sources/"+ten.source.ID+"/session", "alice", nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = api.do(t, http.MethodGet, "/sources/"+ten.source.ID+"/session", "alice", nil)
	expectStatus(t, rec, http.StatusOK)
	if view := decode[sessionView](t, rec); view.State != dispatch.StatePairing {
		t.Fatalf("state = %s, want pairing", view.State)
	}

	expectStatus(t, api.do(t, http.MethodDelete, "/sources/"+ten.source.ID+"/session", "alice", nil), http.StatusNoContent)
}

func TestBasePath(t *testing.T) {
	h := mountWithBasePath(normaliseBasePath("api/"), http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(r.URL.Path))
	}))
	tests := map[string]int{
		"/api/healthz": http.StatusOK,
		"/api":         http.StatusOK,
		"/apix":        http.StatusNotFound,
		"/healthz":     http.StatusNotFound,
	}
	for path, want := range tests {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != want {
			t.Errorf("%s: status = %d, want %d", path, rec.Code, want)
		}
	}
	if normaliseBasePath("/") != "" {
		t.Fatalf("root base path should normalise to empty")
	}
}
