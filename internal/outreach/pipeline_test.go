package outreach

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"reachbot/internal/notify"
	"reachbot/internal/platform"
	"reachbot/internal/platform/memory"
	"reachbot/internal/storage"
	"reachbot/internal/transport/transporttest"
	logx "reachbot/pkg/logx"
)

func testConfig() Config {
	return Config{
		Templates:       []string{"hello there"},
		MinDelay:        time.Millisecond,
		MaxDelay:        time.Millisecond,
		CatchUpMinDelay: time.Millisecond,
		CatchUpMaxDelay: time.Millisecond,
		AccountDelayMin: time.Millisecond,
		AccountDelayMax: time.Millisecond,
		FloodPause:      time.Millisecond,
		EmptyPoll:       time.Hour,
		CycleRetry:      time.Hour,
		SliceMax:        time.Minute,
		ActivityWindow:  8,
		DialogLimit:     50,
	}
}

func newTestStore(t *testing.T) storage.Store {
	t.Helper()
	st, err := storage.Open(storage.Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func newTestService(t *testing.T, st storage.Store, dialer *memory.Dialer, cfg Config) (*Service, *transporttest.Adapter) {
	t.Helper()
	adapter := transporttest.New()
	svc := New(st, dialer, notify.New(adapter, 100, logx.Nop()), cfg, logx.Nop())
	return svc, adapter
}

func senderAccount(t *testing.T, st storage.Store, groups ...storage.Group) *storage.Account {
	t.Helper()
	acct := &storage.Account{
		Number:     "15550001111",
		Username:   "sender_one",
		Role:       storage.RoleSender,
		OperatorID: 99,
		Session:    "sess-1",
		Groups:     groups,
	}
	if err := st.PutAccount(context.Background(), acct); err != nil {
		t.Fatalf("put account: %v", err)
	}
	return acct
}

func trackerCount(t *testing.T, st storage.Store, number, groupID string) int {
	t.Helper()
	acct, err := st.Account(context.Background(), number)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	for _, g := range acct.Groups {
		if g.ID == groupID {
			if tr := g.Tracker(storage.DateKey(time.Now())); tr != nil {
				return tr.MessageCount
			}
			return 0
		}
	}
	t.Fatalf("group %q not found", groupID)
	return 0
}

func TestProcessAccountSendsAndAdvances(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st, storage.Group{ID: "123", Name: "Devs"})

	client := memory.NewClient()
	client.SetDialogs(platform.Dialog{ID: 123, Username: "devs", Kind: platform.KindGroup})
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, _ := newTestService(t, st, dialer, testConfig())
	svc.processAccount(context.Background(), acct, testConfig())

	sent := client.SentMessages()
	if len(sent) != 1 {
		t.Fatalf("sent = %d, want 1", len(sent))
	}
	if sent[0].Entity.ID != 123 || sent[0].Text != "hello there" {
		t.Fatalf("unexpected send: %+v", sent[0])
	}
	if got := trackerCount(t, st, acct.Number, "123"); got != 1 {
		t.Fatalf("tracker count = %d, want 1", got)
	}
	stored, err := st.Account(context.Background(), acct.Number)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}
	if stored.TemplateCursor != 1 {
		t.Fatalf("template cursor = %d, want 1", stored.TemplateCursor)
	}
}

func TestProcessAccountSkipsWhenOwnMessageRecent(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st, storage.Group{ID: "123"})

	client := memory.NewClient()
	client.SetDialogs(platform.Dialog{ID: 123, Username: "devs", Kind: platform.KindGroup})
	client.SetRecent(123,
		platform.Message{ID: 10, Text: "hi"},
		platform.Message{ID: 9, Own: true, Text: "hello there"},
	)
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, _ := newTestService(t, st, dialer, testConfig())
	svc.processAccount(context.Background(), acct, testConfig())

	if sent := client.SentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %d, want 0", len(sent))
	}
	// The visible message occupies the slot: the tracker still advances.
	if got := trackerCount(t, st, acct.Number, "123"); got != 1 {
		t.Fatalf("tracker count = %d, want 1", got)
	}
}

func TestRandDelayStaysWithinBounds(t *testing.T) {
	min, max := 10*time.Millisecond, 50*time.Millisecond
	for range 100 {
		if d := randDelay(min, max); d < min || d > max {
			t.Fatalf("randDelay = %v, want within [%v, %v]", d, min, max)
		}
	}
	if d := randDelay(min, min); d != min {
		t.Fatalf("degenerate range = %v, want %v", d, min)
	}
}

func TestActivitySkipPausesBeforeNextGroup(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st, storage.Group{ID: "123"})

	client := memory.NewClient()
	client.SetDialogs(platform.Dialog{ID: 123, Username: "devs", Kind: platform.KindGroup})
	client.SetRecent(123, platform.Message{ID: 9, Own: true, Text: "hello there"})
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	cfg := testConfig()
	cfg.MinDelay = 20 * time.Millisecond
	cfg.MaxDelay = 40 * time.Millisecond

	svc, _ := newTestService(t, st, dialer, cfg)
	start := time.Now()
	svc.processAccount(context.Background(), acct, cfg)

	if elapsed := time.Since(start); elapsed < cfg.MinDelay {
		t.Fatalf("skip path returned after %v, want a pause of at least %v", elapsed, cfg.MinDelay)
	}
	if sent := client.SentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %d, want 0", len(sent))
	}
}

func TestProcessAccountSkipsExhaustedGroup(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st, storage.Group{ID: "123", MsgPerDay: 2})

	ctx := context.Background()
	for range 2 {
		if err := st.IncrementTracker(ctx, acct.Number, "123", storage.DateKey(time.Now()), time.Now()); err != nil {
			t.Fatalf("seed tracker: %v", err)
		}
	}
	reloaded, err := st.Account(ctx, acct.Number)
	if err != nil {
		t.Fatalf("load account: %v", err)
	}

	client := memory.NewClient()
	client.SetDialogs(platform.Dialog{ID: 123, Username: "devs", Kind: platform.KindGroup})
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, _ := newTestService(t, st, dialer, testConfig())
	svc.processAccount(ctx, reloaded, testConfig())

	if sent := client.SentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %d, want 0", len(sent))
	}
	if got := trackerCount(t, st, acct.Number, "123"); got != 2 {
		t.Fatalf("tracker count = %d, want 2", got)
	}
}

func TestGroupErrorContinuesWithNextGroup(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st,
		storage.Group{ID: "123"},
		storage.Group{ID: "456"},
	)

	client := memory.NewClient()
	client.SetDialogs(
		platform.Dialog{ID: 123, Username: "devs", Kind: platform.KindGroup},
		platform.Dialog{ID: 456, Username: "more_devs", Kind: platform.KindGroup},
	)
	client.FailSends(123, &platform.Error{Code: 403, Message: "CHAT_WRITE_FORBIDDEN"})
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, adapter := newTestService(t, st, dialer, testConfig())
	svc.processAccount(context.Background(), acct, testConfig())

	sent := client.SentMessages()
	if len(sent) != 1 || sent[0].Entity.ID != 456 {
		t.Fatalf("sent = %+v, want exactly one to 456", sent)
	}
	// Group-scoped failure: slot untouched, retried next pass, no alert.
	if got := trackerCount(t, st, acct.Number, "123"); got != 0 {
		t.Fatalf("failed group tracker = %d, want 0", got)
	}
	if got := trackerCount(t, st, acct.Number, "456"); got != 1 {
		t.Fatalf("healthy group tracker = %d, want 1", got)
	}
	if n := len(adapter.Sent()); n != 0 {
		t.Fatalf("operator notifications = %d, want 0", n)
	}
}

func TestFloodErrorPausesAndKeepsAccount(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st,
		storage.Group{ID: "123"},
		storage.Group{ID: "456"},
	)

	client := memory.NewClient()
	client.SetDialogs(
		platform.Dialog{ID: 123, Username: "devs", Kind: platform.KindGroup},
		platform.Dialog{ID: 456, Username: "more_devs", Kind: platform.KindGroup},
	)
	client.FailSends(123, &platform.Error{Code: 420, Message: "FLOOD_WAIT_30"})
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, _ := newTestService(t, st, dialer, testConfig())
	svc.processAccount(context.Background(), acct, testConfig())

	if got := trackerCount(t, st, acct.Number, "123"); got != 0 {
		t.Fatalf("flooded group tracker = %d, want 0", got)
	}
	sent := client.SentMessages()
	if len(sent) != 1 || sent[0].Entity.ID != 456 {
		t.Fatalf("sent = %+v, want exactly one to 456", sent)
	}
	if _, err := st.Account(context.Background(), acct.Number); err != nil {
		t.Fatalf("account should survive flood error: %v", err)
	}
}

func TestCriticalErrorRemovesAccount(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st,
		storage.Group{ID: "123"},
		storage.Group{ID: "456"},
	)

	client := memory.NewClient()
	client.SetDialogs(
		platform.Dialog{ID: 123, Username: "devs", Kind: platform.KindGroup},
		platform.Dialog{ID: 456, Username: "more_devs", Kind: platform.KindGroup},
	)
	client.FailSends(123, &platform.Error{Code: 401, Message: "AUTH_KEY_UNREGISTERED"})
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, adapter := newTestService(t, st, dialer, testConfig())
	svc.processAccount(context.Background(), acct, testConfig())

	// Remaining groups of the dead session are abandoned.
	if sent := client.SentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %d, want 0", len(sent))
	}
	if _, err := st.Account(context.Background(), acct.Number); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("account lookup err = %v, want ErrNotFound", err)
	}
	notes := adapter.Sent()
	if len(notes) != 1 || notes[0].To.ChatID != 99 {
		t.Fatalf("operator notifications = %+v, want one to 99", notes)
	}
}

func TestCriticalConnectErrorRemovesAccount(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st, storage.Group{ID: "123"})

	client := memory.NewClient()
	client.SetConnectErr(&platform.Error{Code: 401, Message: "SESSION_REVOKED"})
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, _ := newTestService(t, st, dialer, testConfig())
	svc.processAccount(context.Background(), acct, testConfig())

	if _, err := st.Account(context.Background(), acct.Number); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("account lookup err = %v, want ErrNotFound", err)
	}
}

func TestUnresolvableGroupLeavesTrackerUntouched(t *testing.T) {
	st := newTestStore(t)
	acct := senderAccount(t, st, storage.Group{ID: "789"})

	client := memory.NewClient() // no dialogs: nothing resolves
	dialer := memory.NewDialer()
	dialer.Add("sess-1", client)

	svc, _ := newTestService(t, st, dialer, testConfig())
	svc.processAccount(context.Background(), acct, testConfig())

	if sent := client.SentMessages(); len(sent) != 0 {
		t.Fatalf("sent = %d, want 0", len(sent))
	}
	if got := trackerCount(t, st, acct.Number, "789"); got != 0 {
		t.Fatalf("tracker count = %d, want 0", got)
	}
	if _, err := st.Account(context.Background(), acct.Number); err != nil {
		t.Fatalf("account should survive resolution failure: %v", err)
	}
}

// scanFailStore fails account listings while leaving the rest of the store
// intact, so operator lookups still work.
type scanFailStore struct {
	storage.Store
}

func (s *scanFailStore) Accounts(ctx context.Context, role storage.Role) ([]storage.Account, error) {
	return nil, errors.New("database offline")
}

func TestWaitNextScanFailureReportsToOperators(t *testing.T) {
	st := newTestStore(t)
	senderAccount(t, st, storage.Group{ID: "123"})

	cfg := testConfig()
	cfg.CycleRetry = time.Millisecond

	adapter := transporttest.New()
	svc := New(&scanFailStore{Store: st}, memory.NewDialer(),
		notify.New(adapter, 100, logx.Nop()), cfg, logx.Nop())

	svc.waitNext(context.Background(), cfg)

	notes := adapter.Sent()
	if len(notes) != 1 || notes[0].To.ChatID != 99 {
		t.Fatalf("operator notifications = %+v, want one to 99", notes)
	}
}

func TestStartIsIdempotent(t *testing.T) {
	st := newTestStore(t)
	dialer := memory.NewDialer()
	svc, _ := newTestService(t, st, dialer, testConfig())

	ctx := context.Background()
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := svc.Start(ctx); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("second stop: %v", err)
	}
	if err := svc.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatalf("final stop: %v", err)
	}
}
