package repo

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"wa-dispatch/internal/logging"
	"wa-dispatch/migrations"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	ctx := context.Background()
	store, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "test.db"), logging.Discard())
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(store.Close)
	if err := store.RunMigrations(ctx, migrations.Files); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

type fixture struct {
	company    *Company
	source     *Source
	template   *Template
	recipients []string
}

func seed(t *testing.T, store Store, credits int64, recipients int) fixture {
	t.Helper()
	ctx := context.Background()
	company, err := store.CreateCompany(ctx, Company{Name: "Acme", Credits: credits, AdminSubject: "admin"})
	if err != nil {
		t.Fatalf("create company: %v", err)
	}
	source, err := store.CreateSource(ctx, Source{CompanyID: company.ID, Transport: "WhatsApp", ConnectionValue: "9800000000"})
	if err != nil {
		t.Fatalf("create source: %v", err)
	}
	tmpl, err := store.CreateTemplate(ctx, Template{CompanyID: company.ID, Name: "hello", Body: "Hello there"})
	if err != nil {
		t.Fatalf("create template: %v", err)
	}
	f := fixture{company: company, source: source, template: tmpl}
	for i := 0; i < recipients; i++ {
		rc, err := store.CreateRecipient(ctx, Recipient{CompanyID: company.ID, Name: "r", ContactMedium: MediumWhatsApp, ContactInformation: "9811111111"})
		if err != nil {
			t.Fatalf("create recipient: %v", err)
		}
		f.recipients = append(f.recipients, rc.ID)
	}
	return f
}

func (f fixture) batch(ids ...string) EnqueueBatch {
	return EnqueueBatch{
		CompanyID:    f.company.ID,
		SourceID:     f.source.ID,
		TemplateID:   f.template.ID,
		RecipientIDs: ids,
	}
}

func TestConcurrentDebitsNeverOverdraw(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 10, 0)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < 25; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.DebitCredits(ctx, f.company.ID, 1)
			switch {
			case err == nil:
				mu.Lock()
				accepted++
				mu.Unlock()
			case errors.Is(err, ErrInsufficientCredits):
			default:
				t.Errorf("unexpected debit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if accepted != 10 {
		t.Fatalf("expected 10 accepted debits, got %d", accepted)
	}
	credits, err := store.GetCredits(ctx, f.company.ID)
	if err != nil {
		t.Fatalf("get credits: %v", err)
	}
	if credits != 0 {
		t.Fatalf("expected balance 0, got %d", credits)
	}
}

func TestDebitUnknownCompany(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.DebitCredits(context.Background(), "missing", 1); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEnqueueDebitsPerRecipient(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 5, 6)
	ctx := context.Background()

	msgs, err := store.EnqueueMessages(ctx, f.batch(f.recipients[:3]...))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 rows, got %d", len(msgs))
	}
	for _, m := range msgs {
		if m.Status != StatusQueued {
			t.Fatalf("expected Queued, got %s", m.Status)
		}
	}
	if credits, _ := store.GetCredits(ctx, f.company.ID); credits != 2 {
		t.Fatalf("expected balance 2, got %d", credits)
	}

	_, err = store.EnqueueMessages(ctx, f.batch(f.recipients[3:]...))
	if !errors.Is(err, ErrInsufficientCredits) {
		t.Fatalf("expected ErrInsufficientCredits, got %v", err)
	}
	if credits, _ := store.GetCredits(ctx, f.company.ID); credits != 2 {
		t.Fatalf("rejected batch changed balance to %d", credits)
	}
	if n, _ := store.CountQueued(ctx, f.source.ID); n != 3 {
		t.Fatalf("rejected batch left rows behind: %d queued", n)
	}
}

func TestEnqueueUnknownRecipientIsAtomic(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 5, 2)
	ctx := context.Background()

	_, err := store.EnqueueMessages(ctx, f.batch(f.recipients[0], "missing"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if credits, _ := store.GetCredits(ctx, f.company.ID); credits != 5 {
		t.Fatalf("expected untouched balance 5, got %d", credits)
	}
	if n, _ := store.CountQueued(ctx, f.source.ID); n != 0 {
		t.Fatalf("expected no rows, got %d", n)
	}
}

func TestEnqueueRejectsForeignSource(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 5, 1)
	other := seed(t, store, 5, 0)
	ctx := context.Background()

	batch := f.batch(f.recipients...)
	batch.SourceID = other.source.ID
	if _, err := store.EnqueueMessages(ctx, batch); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestClaimIsFIFOAndExclusive(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 20, 10)
	ctx := context.Background()

	msgs, err := store.EnqueueMessages(ctx, f.batch(f.recipients...))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	first, err := store.ClaimNext(ctx, f.source.ID, "tok-0", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first.ID != msgs[0].ID {
		t.Fatalf("expected oldest message %s, got %s", msgs[0].ID, first.ID)
	}
	if first.Attempts != 1 {
		t.Fatalf("expected attempts 1, got %d", first.Attempts)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]int{first.ID: 1}
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg, err := store.ClaimNext(ctx, f.source.ID, newID(), time.Minute)
			if errors.Is(err, ErrNoPending) {
				return
			}
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			claimed[msg.ID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(claimed) != len(msgs) {
		t.Fatalf("expected %d distinct claims, got %d", len(msgs), len(claimed))
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("message %s claimed %d times", id, n)
		}
	}
}

func TestStatusTransitionsAreMonotonic(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 5, 2)
	ctx := context.Background()

	if _, err := store.EnqueueMessages(ctx, f.batch(f.recipients...)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := store.ClaimNext(ctx, f.source.ID, "tok", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if err := store.MarkSent(ctx, msg.ID, "wrong"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected conflict for wrong token, got %v", err)
	}
	if err := store.MarkSent(ctx, msg.ID, "tok"); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := store.MarkFailed(ctx, msg.ID, "tok", "late", false); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected conflict after sent, got %v", err)
	}
	if err := store.MarkSent(ctx, msg.ID, "tok"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected conflict on second sent, got %v", err)
	}

	got, err := store.GetMessage(ctx, msg.ID)
	if err != nil {
		t.Fatalf("get message: %v", err)
	}
	if got.Status != StatusSent || got.SentAt == nil {
		t.Fatalf("expected Sent with timestamp, got %s %v", got.Status, got.SentAt)
	}
}

func TestMarkFailedRefund(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 2, 2)
	ctx := context.Background()

	if _, err := store.EnqueueMessages(ctx, f.batch(f.recipients...)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	a, _ := store.ClaimNext(ctx, f.source.ID, "a", time.Minute)
	b, _ := store.ClaimNext(ctx, f.source.ID, "b", time.Minute)
	if a == nil || b == nil {
		t.Fatal("expected two claims")
	}
	if err := store.MarkFailed(ctx, a.ID, "a", "no medium", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := store.MarkFailed(ctx, b.ID, "b", "send error", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if credits, _ := store.GetCredits(ctx, f.company.ID); credits != 1 {
		t.Fatalf("expected one refunded credit, got %d", credits)
	}
	got, _ := store.GetMessage(ctx, a.ID)
	if got.Status != StatusFailed || got.FailureReason != "no medium" {
		t.Fatalf("unexpected failed row: %+v", got)
	}
}

func TestReleaseAndLeaseExpiry(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 5, 1)
	ctx := context.Background()

	now := time.Now()
	store.now = func() time.Time { return now }

	if _, err := store.EnqueueMessages(ctx, f.batch(f.recipients...)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	msg, err := store.ClaimNext(ctx, f.source.ID, "first", time.Minute)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, err := store.ClaimNext(ctx, f.source.ID, "second", time.Minute); !errors.Is(err, ErrNoPending) {
		t.Fatalf("expected leased row to be hidden, got %v", err)
	}

	if err := store.ReleaseClaim(ctx, msg.ID, "first"); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := store.ClaimNext(ctx, f.source.ID, "second", time.Minute)
	if err != nil {
		t.Fatalf("claim after release: %v", err)
	}
	if again.ID != msg.ID {
		t.Fatalf("expected released row back, got %s", again.ID)
	}

	now = now.Add(2 * time.Minute)
	third, err := store.ClaimNext(ctx, f.source.ID, "third", time.Minute)
	if err != nil {
		t.Fatalf("claim after lease expiry: %v", err)
	}
	if third.Attempts != 3 {
		t.Fatalf("expected attempts 3, got %d", third.Attempts)
	}
	if err := store.MarkSent(ctx, msg.ID, "second"); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected stale token to conflict, got %v", err)
	}
}

func TestApplyPurchaseIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 0, 0)
	ctx := context.Background()

	purchase := CreditPurchase{Reference: "INV-1", CompanyID: f.company.ID, Credits: 50}
	applied, balance, err := store.ApplyPurchase(ctx, purchase)
	if err != nil || !applied || balance != 50 {
		t.Fatalf("first apply: applied=%v balance=%d err=%v", applied, balance, err)
	}
	applied, balance, err = store.ApplyPurchase(ctx, purchase)
	if err != nil || applied || balance != 50 {
		t.Fatalf("replay: applied=%v balance=%d err=%v", applied, balance, err)
	}

	_, _, err = store.ApplyPurchase(ctx, CreditPurchase{Reference: "INV-2", CompanyID: "missing", Credits: 5})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDirectoryMembership(t *testing.T) {
	store := newTestStore(t)
	f := seed(t, store, 0, 0)
	ctx := context.Background()

	ok, err := store.IsMember(ctx, f.company.ID, "admin")
	if err != nil || !ok {
		t.Fatalf("expected admin to be a member: %v %v", ok, err)
	}
	if ok, _ := store.IsAdmin(ctx, f.company.ID, "admin"); !ok {
		t.Fatal("expected admin flag")
	}
	if err := store.AddMember(ctx, f.company.ID, "bob"); err != nil {
		t.Fatalf("add member: %v", err)
	}
	if err := store.AddMember(ctx, f.company.ID, "bob"); err != nil {
		t.Fatalf("re-add member: %v", err)
	}
	if ok, _ := store.IsAdmin(ctx, f.company.ID, "bob"); ok {
		t.Fatal("member must not be admin")
	}
	if err := store.RemoveMember(ctx, f.company.ID, "bob"); err != nil {
		t.Fatalf("remove member: %v", err)
	}
	if err := store.RemoveMember(ctx, f.company.ID, "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := store.AddMember(ctx, "missing", "bob"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown company, got %v", err)
	}
}

func TestEnsureUserKeepsFirstProfile(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	u, err := store.EnsureUser(ctx, User{Subject: "sub-1", DisplayName: "Ana", Email: "ana@example.com"})
	if err != nil {
		t.Fatalf("ensure user: %v", err)
	}
	again, err := store.EnsureUser(ctx, User{Subject: "sub-1", DisplayName: "Other", Email: "other@example.com"})
	if err != nil {
		t.Fatalf("ensure user again: %v", err)
	}
	if again.ID != u.ID || again.DisplayName != "Ana" {
		t.Fatalf("expected original user, got %+v", again)
	}
	if _, err := store.EnsureUser(ctx, User{Subject: "sub-2", Email: "ana@example.com"}); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate for shared email, got %v", err)
	}
}
