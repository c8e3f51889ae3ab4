package nostr

import (
	"context"
	"testing"

	"github.com/sandwichfarm/chorus/internal/config"
)

func TestParseProfile(t *testing.T) {
	pk := "3bf0c63fcb93463407af97a5e5ee64fa883d107ef9e558472c4eb9aaaefa459d"

	tests := []struct {
		name       string
		content    string
		wantName   string
		wantAvatar string
	}{
		{
			name:       "display name wins",
			content:    `{"display_name":"Alice A.","name":"alice","picture":"https://img.test/a.png"}`,
			wantName:   "Alice A.",
			wantAvatar: "https://img.test/a.png",
		},
		{
			name:     "name fallback",
			content:  `{"display_name":"  ","name":"alice"}`,
			wantName: "alice",
		},
		{
			name:     "nip05 fallback",
			content:  `{"nip05":"alice@example.com"}`,
			wantName: "alice@example.com",
		},
		{
			name:     "short id fallback",
			content:  `{}`,
			wantName: "3bf0c63f...aefa459d",
		},
		{
			name:     "invalid json",
			content:  `not json`,
			wantName: "3bf0c63f...aefa459d",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := ParseProfile(pk, tt.content)
			if p.ID != pk {
				t.Errorf("ID = %q", p.ID)
			}
			if p.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", p.Name, tt.wantName)
			}
			if p.AvatarURL != tt.wantAvatar {
				t.Errorf("AvatarURL = %q, want %q", p.AvatarURL, tt.wantAvatar)
			}
			if p.Placeholder {
				t.Error("parsed profile should not be a placeholder")
			}
		})
	}
}

func TestFetchProfilesSkipsNonKeys(t *testing.T) {
	client := New(context.Background(), &config.Relays{}, nil)
	defer client.Close()

	got, err := NewProfileFetcher(client).FetchProfiles(context.Background(), []string{"u1", "not-a-key"})
	if err != nil {
		t.Fatalf("FetchProfiles: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("got %d profiles, want 0", len(got))
	}
}
