package store

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tiger/blackbox-orchestrator/internal/runtime/funccall"
)

var testKDF = KDFParams{Time: 1, MemoryKiB: 64, Threads: 1}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func openTestStore(t *testing.T) (*Store, *fakeClock, string) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)}
	path := filepath.Join(t.TempDir(), "data", "blackbox.db")
	s, err := Open(context.Background(), Config{Path: path, Secret: "correct horse", KDF: testKDF, Now: clock.Now})
	if err != nil {
		t.Fatalf("unexpected open error: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s, clock, path
}

func TestRecordCRUD(t *testing.T) {
	t.Parallel()

	s, _, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Get(ctx, "prefs/default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if _, err := s.Put(ctx, "prefs/default", []byte(`{"voice":"amy"}`)); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if _, err := s.Put(ctx, "prefs/default", []byte(`{"voice":"brian"}`)); err != nil {
		t.Fatalf("unexpected overwrite error: %v", err)
	}
	rec, err := s.Get(ctx, "prefs/default")
	if err != nil || string(rec.Value) != `{"voice":"brian"}` {
		t.Fatalf("expected overwritten value, got %+v err=%v", rec, err)
	}
	if _, err := s.Delete(ctx, "prefs/default"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := s.Delete(ctx, "prefs/default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	if _, err := s.Put(ctx, " ", nil); err == nil {
		t.Fatalf("expected blank key to fail")
	}
}

func TestReopenRequiresSameSecret(t *testing.T) {
	t.Parallel()

	s, _, path := openTestStore(t)
	if _, err := s.Put(context.Background(), "k", []byte("v")); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	_ = s.Close()

	if _, err := Open(context.Background(), Config{Path: path, Secret: "wrong", KDF: testKDF}); !errors.Is(err, ErrWrongKey) {
		t.Fatalf("expected wrong key error, got %v", err)
	}
	again, err := Open(context.Background(), Config{Path: path, Secret: "correct horse", KDF: testKDF})
	if err != nil {
		t.Fatalf("unexpected reopen error: %v", err)
	}
	defer again.Close()
	if rec, err := again.Get(context.Background(), "k"); err != nil || string(rec.Value) != "v" {
		t.Fatalf("expected record to survive reopen, got %+v err=%v", rec, err)
	}
}

func TestHistoryKeepsNewestInOrder(t *testing.T) {
	t.Parallel()

	s, clock, _ := openTestStore(t)
	ctx := context.Background()
	for i, text := range []string{"one", "two", "three", "four"} {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		if err := s.AddMessage(ctx, "alice", role, text); err != nil {
			t.Fatalf("unexpected add error: %v", err)
		}
		clock.Advance(time.Second)
	}
	_ = s.AddMessage(ctx, "bob", "user", "other")

	got, err := s.RecentMessages(ctx, "alice", 3)
	if err != nil {
		t.Fatalf("unexpected history error: %v", err)
	}
	if len(got) != 3 || got[0].Content != "two" || got[2].Content != "four" || got[1].Role != "user" {
		t.Fatalf("unexpected history: %+v", got)
	}

	n, err := s.ClearMessages(ctx, "alice")
	if err != nil || n != 4 {
		t.Fatalf("expected 4 cleared, got %d err=%v", n, err)
	}
	if rest, _ := s.RecentMessages(ctx, "bob", 10); len(rest) != 1 {
		t.Fatalf("expected other user untouched, got %+v", rest)
	}
}

func TestRemindersLifecycle(t *testing.T) {
	t.Parallel()

	s, clock, _ := openTestStore(t)
	ctx := context.Background()
	due := clock.Now().Add(time.Hour)

	r, err := s.CreateReminder(ctx, Reminder{UserID: "alice", Title: "water plants", DueAt: due, Recurring: RecurWeekly})
	if err != nil || r.ID == 0 {
		t.Fatalf("unexpected create result %+v err=%v", r, err)
	}
	if _, err := s.CreateReminder(ctx, Reminder{UserID: "alice", Title: "x", DueAt: due, Recurring: "hourly"}); err == nil {
		t.Fatalf("expected unsupported recurrence to fail")
	}
	if _, err := s.CompleteReminder(ctx, "mallory", r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected other user to be refused, got %v", err)
	}

	done, err := s.CompleteReminder(ctx, "alice", r.ID)
	if err != nil || !done.Completed || done.CompletedAt == nil {
		t.Fatalf("unexpected complete result %+v err=%v", done, err)
	}
	active, err := s.ActiveReminders(ctx, "alice")
	if err != nil || len(active) != 1 {
		t.Fatalf("expected rescheduled reminder, got %+v err=%v", active, err)
	}
	if !active[0].DueAt.Equal(due.AddDate(0, 0, 7)) {
		t.Fatalf("expected next week, got %s", active[0].DueAt)
	}
}

func TestVaultPassphrase(t *testing.T) {
	t.Parallel()

	s, _, _ := openTestStore(t)
	ctx := context.Background()

	if _, err := s.VaultList(ctx, "alice", "pw"); !errors.Is(err, ErrVaultEmpty) {
		t.Fatalf("expected empty vault, got %v", err)
	}
	if err := s.VaultPut(ctx, "alice", "hunter2", "wifi", "s3cret"); err != nil {
		t.Fatalf("unexpected put error: %v", err)
	}
	if _, err := s.VaultGet(ctx, "alice", "wrong", "wifi"); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("expected wrong passphrase to be rejected, got %v", err)
	}
	if err := s.VaultPut(ctx, "alice", "wrong", "wifi", "overwrite"); !errors.Is(err, ErrVaultLocked) {
		t.Fatalf("expected put with wrong passphrase to be rejected, got %v", err)
	}
	got, err := s.VaultGet(ctx, "alice", "hunter2", "wifi")
	if err != nil || got != "s3cret" {
		t.Fatalf("expected stored secret, got %q err=%v", got, err)
	}
	if err := s.VaultDelete(ctx, "alice", "hunter2", "wifi"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}
	if _, err := s.VaultGet(ctx, "alice", "hunter2", "wifi"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected deleted item to be gone, got %v", err)
	}
}

func TestPassphraseHashRoundTrip(t *testing.T) {
	t.Parallel()

	encoded, err := HashPassphrase("open sesame", testKDF)
	if err != nil {
		t.Fatalf("unexpected hash error: %v", err)
	}
	if ok, err := VerifyPassphrase(encoded, "open sesame"); err != nil || !ok {
		t.Fatalf("expected match, got %v err=%v", ok, err)
	}
	if ok, _ := VerifyPassphrase(encoded, "open sesame!"); ok {
		t.Fatalf("expected mismatch")
	}
	if _, err := VerifyPassphrase("$bcrypt$x", "a"); err == nil {
		t.Fatalf("expected unsupported hash error")
	}
}

func TestActionsExecuteValidatedCalls(t *testing.T) {
	t.Parallel()

	s, clock, _ := openTestStore(t)
	actions := NewActions(s)
	validator := funccall.NewValidator(funccall.DefaultRegistry(), time.UTC)
	ctx := context.Background()

	run := func(raw string) (string, error) {
		t.Helper()
		res := validator.Validate(raw)
		if res.Class != funccall.ClassValidCall {
			t.Fatalf("expected valid call for %s, got %+v", raw, res)
		}
		return actions.Execute(ctx, "alice", *res.Call)
	}

	due := clock.Now().Add(2 * time.Hour).Format(time.RFC3339)
	if _, err := run(`<function>set_reminder({"title":"call mom","due_at":"` + due + `"})</function>`); err != nil {
		t.Fatalf("unexpected set_reminder error: %v", err)
	}
	active, _ := s.ActiveReminders(ctx, "alice")
	if len(active) != 1 || active[0].Title != "call mom" {
		t.Fatalf("expected stored reminder, got %+v", active)
	}

	if _, err := run(`<function>complete_reminder({"reminder_id": 1.5})</function>`); err == nil {
		t.Fatalf("expected fractional reminder id to fail")
	}
	if msg, err := run(`<function>access_vault({"action":"put","passphrase":"pw","item":"pin","content":"1234"})</function>`); err != nil || msg == "" {
		t.Fatalf("unexpected vault put result %q err=%v", msg, err)
	}
	if msg, err := run(`<function>access_vault({"action":"get","passphrase":"pw","item":"pin"})</function>`); err != nil || msg != "1234" {
		t.Fatalf("expected vault content, got %q err=%v", msg, err)
	}
	if msg, err := run(`<function>play_media({"media_type":"radio","query":"jazz fm"})</function>`); err != nil || msg != "Playing radio: jazz fm." {
		t.Fatalf("unexpected media response %q err=%v", msg, err)
	}
}

func TestMaintenancePruneAndSweep(t *testing.T) {
	t.Parallel()

	s, clock, _ := openTestStore(t)
	ctx := context.Background()
	_ = s.AddMessage(ctx, "alice", "user", "old")
	clock.Advance(31 * 24 * time.Hour)
	_ = s.AddMessage(ctx, "alice", "user", "new")
	_, _ = s.CreateReminder(ctx, Reminder{UserID: "alice", Title: "due now", DueAt: clock.Now().Add(-time.Minute)})
	_, _ = s.CreateReminder(ctx, Reminder{UserID: "alice", Title: "later", DueAt: clock.Now().Add(time.Hour)})

	var announced []string
	m, err := NewMaintenance(s, MaintenanceConfig{OnDue: func(r Reminder) { announced = append(announced, r.Title) }})
	if err != nil {
		t.Fatalf("unexpected maintenance error: %v", err)
	}
	if n, err := m.Prune(ctx); err != nil || n != 1 {
		t.Fatalf("expected one pruned message, got %d err=%v", n, err)
	}
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("unexpected sweep error: %v", err)
	}
	if _, err := m.Sweep(ctx); err != nil {
		t.Fatalf("unexpected second sweep error: %v", err)
	}
	if len(announced) != 1 || announced[0] != "due now" {
		t.Fatalf("expected one announcement, got %v", announced)
	}

	if _, err := NewMaintenance(s, MaintenanceConfig{PruneSchedule: "every day"}); err == nil {
		t.Fatalf("expected invalid cron expression to fail")
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected run error: %v", err)
	}
}
