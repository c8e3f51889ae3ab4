package nostr

import (
	"context"
	"fmt"
	"strings"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	"github.com/sandwichfarm/chorus/internal/profiles"
)

// ProfileFetcher resolves actor ids from kind 0 metadata events
type ProfileFetcher struct {
	client *Client
}

// NewProfileFetcher returns a fetcher reading metadata from the seed relays
func NewProfileFetcher(client *Client) *ProfileFetcher {
	return &ProfileFetcher{client: client}
}

// FetchProfiles implements profiles.Fetcher. Ids that are not hex pubkeys or
// have no metadata are left out of the result.
func (f *ProfileFetcher) FetchProfiles(ctx context.Context, ids []string) (map[string]profiles.Profile, error) {
	authors := make([]string, 0, len(ids))
	for _, id := range ids {
		if isHexKey(id) {
			authors = append(authors, id)
		}
	}
	if len(authors) == 0 {
		return map[string]profiles.Profile{}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.client.GetDefaultTimeout())
	defer cancel()

	evts, err := f.client.FetchEvents(ctx, f.client.GetSeedRelays(), nostr.Filter{
		Kinds:   []int{nostr.KindProfileMetadata},
		Authors: authors,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch profiles: %w", err)
	}

	// replaceable: keep the newest per author
	newest := make(map[string]*nostr.Event, len(evts))
	for _, evt := range evts {
		if cur, ok := newest[evt.PubKey]; !ok || evt.CreatedAt > cur.CreatedAt {
			newest[evt.PubKey] = evt
		}
	}

	result := make(map[string]profiles.Profile, len(newest))
	for pubkey, evt := range newest {
		result[pubkey] = ParseProfile(pubkey, evt.Content)
	}
	return result, nil
}

// ParseProfile reads display fields from kind 0 content. The name falls back
// through display_name, name and nip05 to the short id.
func ParseProfile(pubkey, content string) profiles.Profile {
	p := profiles.Profile{ID: pubkey}
	if gjson.Valid(content) {
		meta := gjson.Parse(content)
		for _, field := range []string{"display_name", "displayName", "name", "nip05"} {
			if v := strings.TrimSpace(meta.Get(field).String()); v != "" {
				p.Name = v
				break
			}
		}
		p.AvatarURL = strings.TrimSpace(meta.Get("picture").String())
	}
	if p.Name == "" {
		p.Name = profiles.ShortID(pubkey)
	}
	return p
}
