package outreach

import (
	"context"
	"testing"

	"reachbot/internal/platform"
	"reachbot/internal/platform/memory"
	"reachbot/internal/storage"
)

func TestUsernameFromLink(t *testing.T) {
	cases := []struct {
		link string
		want string
	}{
		{"https://t.me/godevs", "godevs"},
		{"http://t.me/GoDevs", "godevs"},
		{"t.me/godevs", "godevs"},
		{"telegram.me/godevs", "godevs"},
		{"https://t.me/godevs?start=abc", "godevs"},
		{"https://t.me/godevs/42", "godevs"},
		{"@godevs", "godevs"},
		{"godevs", "godevs"},
		{"https://t.me/+AbCdEf123", ""},
		{"https://t.me/joinchat/AbCdEf", ""},
		{"https://example.com/godevs", ""},
		{"", ""},
	}
	for _, tc := range cases {
		if got := usernameFromLink(tc.link); got != tc.want {
			t.Errorf("usernameFromLink(%q) = %q, want %q", tc.link, got, tc.want)
		}
	}
}

func TestIDCandidates(t *testing.T) {
	got := idCandidates(12345)
	want := []int64{12345, -12345, -1_000_000_012_345, -999_999_987_655}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidate[%d] = %d, want %d", i, got[i], want[i])
		}
	}
	// Negative input normalizes to the same candidate set.
	neg := idCandidates(-12345)
	for i := range want {
		if neg[i] != want[i] {
			t.Fatalf("neg candidate[%d] = %d, want %d", i, neg[i], want[i])
		}
	}
}

func TestResolveGroupPrefersCache(t *testing.T) {
	client := memory.NewClient()
	client.FailResolution(platform.ErrNotFound) // any network call would fail

	cache := newEntityCache()
	cache.fill([]platform.Dialog{{ID: -1_000_000_012_345, Username: "godevs", Kind: platform.KindChannel}})

	svc := &Service{}
	g := &storage.Group{ID: "12345"}
	e, err := svc.resolveGroup(context.Background(), client, cache, g)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.ID != -1_000_000_012_345 {
		t.Fatalf("entity id = %d", e.ID)
	}
}

func TestResolveGroupByLinkUsername(t *testing.T) {
	client := memory.NewClient()
	client.SetDialogs(platform.Dialog{ID: 777, Username: "godevs", Kind: platform.KindGroup})

	svc := &Service{}
	cache := newEntityCache()
	g := &storage.Group{ID: "not-numeric", Link: "https://t.me/GoDevs"}
	e, err := svc.resolveGroup(context.Background(), client, cache, g)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.ID != 777 {
		t.Fatalf("entity id = %d, want 777", e.ID)
	}
	// Success is written back: a second resolve must not touch the network.
	client.FailResolution(platform.ErrNotFound)
	if _, err := svc.resolveGroup(context.Background(), client, cache, g); err != nil {
		t.Fatalf("cached resolve: %v", err)
	}
}

func TestResolveGroupByIDVariant(t *testing.T) {
	client := memory.NewClient()
	client.SetDialogs(platform.Dialog{ID: -1_000_000_012_345, Kind: platform.KindChannel})

	svc := &Service{}
	g := &storage.Group{ID: "12345"}
	e, err := svc.resolveGroup(context.Background(), client, newEntityCache(), g)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if e.ID != -1_000_000_012_345 {
		t.Fatalf("entity id = %d", e.ID)
	}
}

func TestResolveGroupExhaustion(t *testing.T) {
	client := memory.NewClient() // nothing scripted

	svc := &Service{}
	g := &storage.Group{ID: "12345", Link: "https://t.me/nowhere", Username: "nowhere"}
	if _, err := svc.resolveGroup(context.Background(), client, newEntityCache(), g); err == nil {
		t.Fatal("want error for unresolvable group")
	}
}

func TestPickTemplateAvoidsRepeat(t *testing.T) {
	templates := []string{"a", "b", "c"}
	for range 50 {
		text, id := pickTemplate(templates, 2)
		if id == 2 {
			t.Fatal("picked the cursor template again")
		}
		if id < 1 || id > 3 || templates[id-1] != text {
			t.Fatalf("bad pick: id=%d text=%q", id, text)
		}
	}
	// A single template is always returned, repeat or not.
	if text, id := pickTemplate([]string{"only"}, 1); text != "only" || id != 1 {
		t.Fatalf("single template pick = (%q, %d)", text, id)
	}
	if text, id := pickTemplate(nil, 0); text != "" || id != 0 {
		t.Fatalf("empty template pick = (%q, %d)", text, id)
	}
}
