package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/sandwichfarm/chorus/internal/events"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// JournalStats counts journal entries per topic
func (s *Storage) JournalStats(ctx context.Context) (*ops.JournalStats, error) {
	var rows []struct {
		Kind   int   `db:"kind"`
		Count  int64 `db:"n"`
		Oldest int64 `db:"oldest"`
		Newest int64 `db:"newest"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT kind, COUNT(*) AS n, MIN(created_at) AS oldest, MAX(created_at) AS newest
		FROM event
		WHERE pubkey = ?
		GROUP BY kind`, journalAuthor)
	if err != nil {
		return nil, fmt.Errorf("failed to count journal entries: %w", err)
	}

	stats := &ops.JournalStats{
		Driver:         s.config.Driver,
		EntriesByTopic: make(map[string]int64, len(rows)),
	}

	var oldest, newest int64
	for _, r := range rows {
		name := "kind:" + strconv.Itoa(r.Kind)
		if topic, ok := events.TopicForKind(r.Kind); ok {
			name = string(topic)
		}
		stats.EntriesByTopic[name] += r.Count
		stats.TotalEntries += r.Count

		if oldest == 0 || r.Oldest < oldest {
			oldest = r.Oldest
		}
		if r.Newest > newest {
			newest = r.Newest
		}
	}

	if stats.TotalEntries > 0 {
		o, n := time.Unix(oldest, 0), time.Unix(newest, 0)
		stats.OldestEntry, stats.NewestEntry = &o, &n
	}
	return stats, nil
}

// CursorStats lists stored subscription cursors
func (s *Storage) CursorStats(ctx context.Context) ([]ops.CursorInfo, error) {
	states, err := s.GetAllSyncStates(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ops.CursorInfo, 0, len(states))
	for _, st := range states {
		out = append(out, ops.CursorInfo{
			Key:     st.Key,
			Since:   time.Unix(st.Since, 0),
			Updated: time.Unix(st.UpdatedAt, 0),
		})
	}
	return out, nil
}

var _ ops.StatsSource = (*Storage)(nil)
