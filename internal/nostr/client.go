// Package nostr carries change events and actor profiles over Nostr relays.
package nostr

import (
	"context"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/chorus/internal/config"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// Client wraps a relay pool bound to the configured seed relays
type Client struct {
	pool        *nostr.SimplePool
	relayConfig *config.Relays
	logger      *ops.Logger
}

// New creates a client; the pool lives until ctx is cancelled or Close is called
func New(ctx context.Context, relayConfig *config.Relays, logger *ops.Logger) *Client {
	if logger == nil {
		logger = ops.Discard()
	}
	return &Client{
		pool:        nostr.NewSimplePool(ctx),
		relayConfig: relayConfig,
		logger:      logger.WithComponent("nostr"),
	}
}

// FetchEvents returns stored events matching filter, waiting for EOSE
func (c *Client) FetchEvents(ctx context.Context, relays []string, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays to fetch from")
	}

	events := make([]*nostr.Event, 0)
	for relayEvent := range c.pool.SubManyEose(ctx, relays, nostr.Filters{filter}) {
		if relayEvent.Event != nil {
			events = append(events, relayEvent.Event)
		}
	}

	if len(events) == 0 && ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return events, nil
}

// SubscribeEvents streams live events matching filters. The returned channel
// closes when ctx is cancelled or every relay drops the subscription.
func (c *Client) SubscribeEvents(ctx context.Context, relays []string, filters nostr.Filters) <-chan *nostr.Event {
	eventChan := make(chan *nostr.Event, 100)

	go func() {
		defer close(eventChan)

		c.logger.Debug("subscription opened", "relays", len(relays), "filters", len(filters))

		eventCount := 0
		for relayEvent := range c.pool.SubMany(ctx, relays, filters) {
			if relayEvent.Event == nil {
				continue
			}
			eventCount++
			if eventCount == 1 && relayEvent.Relay != nil {
				c.logger.LogRelayConnection(relayEvent.Relay.URL, true, nil)
			}

			select {
			case eventChan <- relayEvent.Event:
			case <-ctx.Done():
				c.logger.Debug("subscription cancelled", "events", eventCount)
				return
			}
		}

		c.logger.Debug("subscription closed", "events", eventCount)
	}()

	return eventChan
}

// Close closes all relay connections
func (c *Client) Close() {
	c.pool.Close("client shutting down")
}

// GetSeedRelays returns the configured seed relays
func (c *Client) GetSeedRelays() []string {
	if c.relayConfig == nil {
		return []string{}
	}
	return c.relayConfig.Seeds
}

// GetDefaultTimeout returns the configured connect timeout
func (c *Client) GetDefaultTimeout() time.Duration {
	if c.relayConfig == nil || c.relayConfig.Policy.ConnectTimeoutMs == 0 {
		return 30 * time.Second
	}
	return c.relayConfig.Policy.ConnectTimeout()
}

// BackendPubkey returns the key that signs change events
func (c *Client) BackendPubkey() string {
	if c.relayConfig == nil {
		return ""
	}
	return c.relayConfig.BackendPubkey
}
