package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fiatjaf/eventstore/sqlite3"
	"github.com/fiatjaf/khatru"
	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/chorus/internal/config"
)

// Storage holds the change-event journal and the sync cursors
type Storage struct {
	relay   *khatru.Relay
	backend *sqlite3.SQLite3Backend
	db      *sqlx.DB
	config  *config.Storage
	now     func() time.Time
}

// New opens storage with the given configuration
func New(ctx context.Context, cfg *config.Storage) (*Storage, error) {
	s := &Storage{
		config: cfg,
		now:    time.Now,
	}

	switch cfg.Driver {
	case "sqlite":
		if cfg.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite_path is required for the sqlite driver")
		}
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create storage directory: %w", err)
			}
		}
		if err := s.initSQLite(cfg.SQLitePath); err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite: %w", err)
		}
	case "memory":
		if err := s.initSQLite("file::memory:?cache=shared"); err != nil {
			return nil, fmt.Errorf("failed to initialize in-memory store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}

	if err := s.runMigrations(ctx); err != nil {
		s.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

func (s *Storage) initSQLite(url string) error {
	backend := &sqlite3.SQLite3Backend{DatabaseURL: url}
	if err := backend.Init(); err != nil {
		return err
	}

	relay := khatru.NewRelay()
	relay.StoreEvent = append(relay.StoreEvent, backend.SaveEvent)
	relay.QueryEvents = append(relay.QueryEvents, backend.QueryEvents)
	relay.DeleteEvent = append(relay.DeleteEvent, backend.DeleteEvent)

	s.backend = backend
	s.relay = relay
	s.db = backend.DB
	return nil
}

func (s *Storage) runMigrations(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS sync_state (
			key        TEXT PRIMARY KEY,
			since      INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`)
	return err
}

// Relay returns the underlying Khatru relay instance
func (s *Storage) Relay() *khatru.Relay {
	return s.relay
}

// DB returns the underlying database connection (for custom tables)
func (s *Storage) DB() *sqlx.DB {
	return s.db
}

// StoreEvent stores an event through the relay handlers
func (s *Storage) StoreEvent(ctx context.Context, event *nostr.Event) error {
	for _, handler := range s.relay.StoreEvent {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
	}
	return nil
}

// QueryEvents queries stored events
func (s *Storage) QueryEvents(ctx context.Context, filter nostr.Filter) ([]*nostr.Event, error) {
	if len(s.relay.QueryEvents) == 0 {
		return nil, fmt.Errorf("no query handlers configured")
	}

	ch, err := s.relay.QueryEvents[0](ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	var events []*nostr.Event
	for event := range ch {
		events = append(events, event)
	}
	return events, nil
}

// EventExists checks if an event is stored
func (s *Storage) EventExists(ctx context.Context, eventID string) (bool, error) {
	events, err := s.QueryEvents(ctx, nostr.Filter{IDs: []string{eventID}, Limit: 1})
	if err != nil {
		return false, err
	}
	return len(events) > 0, nil
}

// DeleteEvent deletes a stored event
func (s *Storage) DeleteEvent(ctx context.Context, event *nostr.Event) error {
	for _, handler := range s.relay.DeleteEvent {
		if err := handler(ctx, event); err != nil {
			return fmt.Errorf("failed to delete event: %w", err)
		}
	}
	return nil
}

// Close closes the storage connections
func (s *Storage) Close() error {
	if s.backend != nil {
		s.backend.Close()
	}
	return nil
}
