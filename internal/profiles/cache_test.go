package profiles

import (
	"context"
	"errors"
	"testing"

	"github.com/sandwichfarm/chorus/internal/loop"
)

type fakeFetcher struct {
	calls    [][]string
	profiles map[string]Profile
	err      error
}

func (f *fakeFetcher) FetchProfiles(ctx context.Context, ids []string) (map[string]Profile, error) {
	f.calls = append(f.calls, append([]string(nil), ids...))
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]Profile)
	for _, id := range ids {
		if p, ok := f.profiles[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

const longID = "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

func TestResolveBatchesAndDedupes(t *testing.T) {
	f := &fakeFetcher{profiles: map[string]Profile{
		"alice": {Name: "Alice", AvatarURL: "https://img/alice.png"},
	}}
	m := loop.NewManual()
	c := NewCache(f, m, nil)

	var notified []string
	c.OnResolved(func(p Profile) { notified = append(notified, p.ID) })

	p := c.Resolve("alice")
	if !p.Placeholder || p.Name != "alice" {
		t.Errorf("expected placeholder, got %+v", p)
	}
	c.Resolve("alice")
	c.Resolve(longID)

	m.RunAll()

	if len(f.calls) != 1 {
		t.Fatalf("expected one batch fetch, got %d", len(f.calls))
	}
	if len(f.calls[0]) != 2 {
		t.Errorf("expected 2 ids in batch, got %v", f.calls[0])
	}

	got := c.Resolve("alice")
	if got.Placeholder || got.Name != "Alice" || got.ID != "alice" {
		t.Errorf("expected resolved alice, got %+v", got)
	}

	missing, ok := c.Lookup(longID)
	if !ok || missing.Name != "3bf0c63f...aefa459d" {
		t.Errorf("expected shortened fallback, got %+v", missing)
	}

	if len(notified) != 2 {
		t.Errorf("expected 2 notifications, got %v", notified)
	}

	c.Resolve("alice")
	m.RunAll()
	if len(f.calls) != 1 {
		t.Errorf("cached profile refetched")
	}
}

func TestResolveRetriesAfterFailure(t *testing.T) {
	f := &fakeFetcher{err: errors.New("relay timeout")}
	m := loop.NewManual()
	c := NewCache(f, m, nil)

	c.Resolve("bob")
	m.RunAll()

	if _, ok := c.Lookup("bob"); ok {
		t.Fatal("failed fetch must not cache")
	}

	f.err = nil
	f.profiles = map[string]Profile{"bob": {Name: "Bob"}}
	c.Resolve("bob")
	m.RunAll()

	if len(f.calls) != 2 {
		t.Fatalf("expected a retry fetch, got %d calls", len(f.calls))
	}
	if p, _ := c.Lookup("bob"); p.Name != "Bob" {
		t.Errorf("expected Bob, got %+v", p)
	}
}

func TestPrime(t *testing.T) {
	f := &fakeFetcher{}
	m := loop.NewManual()
	c := NewCache(f, m, nil)

	c.Prime(Profile{ID: "carol", Name: "Carol"}, Profile{})

	if p := c.Resolve("carol"); p.Name != "Carol" {
		t.Errorf("expected primed profile, got %+v", p)
	}
	m.RunAll()
	if len(f.calls) != 0 {
		t.Errorf("primed profile should not be fetched")
	}
	if c.Size() != 1 {
		t.Errorf("expected 1 profile, got %d", c.Size())
	}
}

func TestShortID(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"short", "short"},
		{longID, "3bf0c63f...aefa459d"},
	}
	for _, tt := range tests {
		if got := ShortID(tt.in); got != tt.want {
			t.Errorf("ShortID(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
