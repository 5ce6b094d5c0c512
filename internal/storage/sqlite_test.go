package storage

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	logx "reachbot/pkg/logx"
)

func newTestStore(t *testing.T) Store {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "test.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func testAccount(number string) *Account {
	return &Account{
		Number:  number,
		Role:    RoleSender,
		Session: "sess-" + number,
		Groups: []Group{
			{ID: "100", Name: "alpha", MsgPerDay: 5},
			{ID: "200", Name: "beta", Link: "https://t.me/betachat", MsgPerDay: 3},
		},
	}
}

func TestAccountRoundTrip(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutAccount(ctx, testAccount("+111")); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := st.Account(ctx, "+111")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Session != "sess-+111" || got.Role != RoleSender {
		t.Fatalf("unexpected account %+v", got)
	}
	if len(got.Groups) != 2 || got.Groups[0].ID != "100" || got.Groups[1].Name != "beta" {
		t.Fatalf("groups not preserved in order: %+v", got.Groups)
	}

	if _, err := st.Account(ctx, "+404"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAccountsFilterByRole(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	sender := testAccount("+111")
	mon := &Account{Number: "+222", Role: RoleMonitor, Session: "m"}
	if err := st.PutAccount(ctx, sender); err != nil {
		t.Fatal(err)
	}
	if err := st.PutAccount(ctx, mon); err != nil {
		t.Fatal(err)
	}

	senders, err := st.Accounts(ctx, RoleSender)
	if err != nil {
		t.Fatal(err)
	}
	if len(senders) != 1 || senders[0].Number != "+111" {
		t.Fatalf("unexpected senders %+v", senders)
	}

	all, err := st.Accounts(ctx, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(all))
	}
}

func TestPutAccountValidation(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutAccount(ctx, &Account{Role: RoleSender}); err == nil {
		t.Fatal("expected validation error for empty number")
	}
	if err := st.PutAccount(ctx, &Account{Number: "+1", Role: "weird"}); err == nil {
		t.Fatal("expected validation error for bad role")
	}
	bad := testAccount("+1")
	bad.Groups = append(bad.Groups, Group{ID: "100"})
	if err := st.PutAccount(ctx, bad); err == nil {
		t.Fatal("expected validation error for duplicate group id")
	}

	// Validation applies on update too, not only on creation.
	if err := st.PutAccount(ctx, testAccount("+2")); err != nil {
		t.Fatal(err)
	}
	if err := st.ReplaceGroups(ctx, "+2", []Group{{ID: ""}}); err == nil {
		t.Fatal("expected validation error on group replace")
	}
}

func TestIncrementTrackerConcurrent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutAccount(ctx, testAccount("+111")); err != nil {
		t.Fatal(err)
	}

	const n = 25
	date := DateKey(time.Now())
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- st.IncrementTracker(ctx, "+111", "100", date, time.Now())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
	}

	acc, err := st.Account(ctx, "+111")
	if err != nil {
		t.Fatal(err)
	}
	tr := acc.Groups[0].Tracker(date)
	if tr == nil {
		t.Fatal("tracker not created")
	}
	if tr.MessageCount != n {
		t.Fatalf("lost or doubled updates: count = %d, want %d", tr.MessageCount, n)
	}
	if tr.LastSentAt.IsZero() {
		t.Fatal("last_sent_at not recorded")
	}
}

func TestDeleteAccountIdempotent(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutAccount(ctx, testAccount("+111")); err != nil {
		t.Fatal(err)
	}
	if err := st.PutAccount(ctx, testAccount("+222")); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementTracker(ctx, "+111", "100", DateKey(time.Now()), time.Now()); err != nil {
		t.Fatal(err)
	}

	if err := st.DeleteAccount(ctx, "+111"); err != nil {
		t.Fatalf("first delete: %v", err)
	}
	if err := st.DeleteAccount(ctx, "+111"); err != nil {
		t.Fatalf("second delete must be a no-op, got %v", err)
	}
	if err := st.DeleteAccount(ctx, "+never-existed"); err != nil {
		t.Fatalf("deleting absent account must be a no-op, got %v", err)
	}

	// Other accounts are untouched.
	other, err := st.Account(ctx, "+222")
	if err != nil || len(other.Groups) != 2 {
		t.Fatalf("sibling account corrupted: %+v err=%v", other, err)
	}
}

func TestReplaceGroups(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutAccount(ctx, testAccount("+111")); err != nil {
		t.Fatal(err)
	}
	repl := []Group{{ID: "300", Name: "gamma"}, {ID: "100", Name: "alpha2", MsgPerDay: 7}}
	if err := st.ReplaceGroups(ctx, "+111", repl); err != nil {
		t.Fatal(err)
	}

	acc, err := st.Account(ctx, "+111")
	if err != nil {
		t.Fatal(err)
	}
	if len(acc.Groups) != 2 || acc.Groups[0].ID != "300" || acc.Groups[1].MsgPerDay != 7 {
		t.Fatalf("replace not applied in order: %+v", acc.Groups)
	}
	// Quota default applies when unset.
	if acc.Groups[0].MsgPerDay != DefaultMsgPerDay {
		t.Fatalf("expected default quota, got %d", acc.Groups[0].MsgPerDay)
	}

	if err := st.ReplaceGroups(ctx, "+404", repl); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for absent account, got %v", err)
	}
}

func TestPruneTrackers(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	if err := st.PutAccount(ctx, testAccount("+111")); err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	today := DateKey(now)
	yesterday := DateKey(now.AddDate(0, 0, -1))

	if err := st.IncrementTracker(ctx, "+111", "100", yesterday, now.AddDate(0, 0, -1)); err != nil {
		t.Fatal(err)
	}
	if err := st.IncrementTracker(ctx, "+111", "100", today, now); err != nil {
		t.Fatal(err)
	}

	n, err := st.PruneTrackers(ctx, today)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pruned row, got %d", n)
	}

	acc, err := st.Account(ctx, "+111")
	if err != nil {
		t.Fatal(err)
	}
	if tr := acc.Groups[0].Tracker(today); tr == nil || tr.MessageCount != 1 {
		t.Fatalf("today's tracker must survive prune: %+v", acc.Groups[0].Trackers)
	}
	if tr := acc.Groups[0].Tracker(yesterday); tr != nil {
		t.Fatal("yesterday's tracker must be pruned")
	}
}

func TestLeadDedupe(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateLead(ctx, Lead{UserID: "42", Username: "@ada", Kind: LeadDM, Content: "hi"})
	if err != nil || !created {
		t.Fatalf("first create = (%v, %v), want (true, nil)", created, err)
	}
	// Same sender via a different monitor/kind: must not create a second record.
	created, err = st.CreateLead(ctx, Lead{UserID: "42", Kind: LeadKeyword, Content: "need a dev"})
	if err != nil || created {
		t.Fatalf("dup create = (%v, %v), want (false, nil)", created, err)
	}

	exists, err := st.LeadExists(ctx, "42")
	if err != nil || !exists {
		t.Fatalf("lead should exist: (%v, %v)", exists, err)
	}
	if err := st.CompleteLead(ctx, "42"); err != nil {
		t.Fatal(err)
	}

	if _, err := st.CreateLead(ctx, Lead{UserID: "43", Kind: "bogus"}); err == nil {
		t.Fatal("expected kind validation error")
	}
}

func TestForwardLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	f := &Forward{ChatID: -100123, MessageID: 77, SourceChatID: "-100456", SourceMessageID: 9,
		Link: "https://t.me/c/456/9", SenderID: "42", Preview: "need a dev"}
	if err := st.CreateForward(ctx, f); err != nil {
		t.Fatal(err)
	}
	if f.ID == 0 {
		t.Fatal("forward id not assigned")
	}

	got, err := st.Forward(ctx, f.ID)
	if err != nil || got.Done || got.Preview != "need a dev" {
		t.Fatalf("forward round trip: %+v err=%v", got, err)
	}
	if err := st.CompleteForward(ctx, f.ID); err != nil {
		t.Fatal(err)
	}
	got, err = st.Forward(ctx, f.ID)
	if err != nil || !got.Done {
		t.Fatalf("forward not completed: %+v err=%v", got, err)
	}

	if _, err := st.Forward(ctx, 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestOperatorIDsUnion(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	mon := &Account{Number: "+9", Role: RoleMonitor, OperatorID: 500}
	if err := st.PutAccount(ctx, mon); err != nil {
		t.Fatal(err)
	}
	if err := st.PutOperator(ctx, Operator{UserID: 500, Username: "boss"}); err != nil {
		t.Fatal(err)
	}
	if err := st.PutOperator(ctx, Operator{UserID: 501}); err != nil {
		t.Fatal(err)
	}

	ids, err := st.OperatorIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected deduplicated union of 2 ids, got %v", ids)
	}
}

func TestSettings(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	s, err := st.Settings(ctx)
	if err != nil || s.ForwardChatID != 0 {
		t.Fatalf("fresh settings should be zero: %+v err=%v", s, err)
	}
	if err := st.SetSettings(ctx, Settings{ForwardChatID: -100777, ReportChatID: 42}); err != nil {
		t.Fatal(err)
	}
	s, err = st.Settings(ctx)
	if err != nil || s.ForwardChatID != -100777 || s.ReportChatID != 42 {
		t.Fatalf("settings round trip: %+v err=%v", s, err)
	}
}
