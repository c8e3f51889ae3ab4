package ops

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"
	"time"
)

// SystemStats contains process statistics
type SystemStats struct {
	Version   string
	Commit    string
	Uptime    time.Duration
	StartTime time.Time

	GoVersion       string
	NumGoroutines   int
	MemAllocMB      float64
	MemTotalAllocMB float64
	MemSysMB        float64
	NumGC           uint32
}

// JournalStats describes the change-event journal
type JournalStats struct {
	Driver         string
	TotalEntries   int64
	EntriesByTopic map[string]int64
	OldestEntry    *time.Time
	NewestEntry    *time.Time
}

// CursorInfo is the stored resume point of one subscription
type CursorInfo struct {
	Key     string
	Since   time.Time
	Updated time.Time
}

// StatsSource is the storage view diagnostics read from
type StatsSource interface {
	JournalStats(ctx context.Context) (*JournalStats, error)
	CursorStats(ctx context.Context) ([]CursorInfo, error)
}

// Diagnostics is a complete diagnostics snapshot
type Diagnostics struct {
	CollectedAt time.Time
	System      *SystemStats
	Journal     *JournalStats
	Cursors     []CursorInfo
}

// DiagnosticsCollector collects diagnostics
type DiagnosticsCollector struct {
	version   string
	commit    string
	startTime time.Time
	source    StatsSource
}

// NewDiagnosticsCollector creates a collector; source may be nil
func NewDiagnosticsCollector(version, commit string, source StatsSource) *DiagnosticsCollector {
	return &DiagnosticsCollector{
		version:   version,
		commit:    commit,
		startTime: time.Now(),
		source:    source,
	}
}

// CollectSystemStats collects runtime statistics
func (d *DiagnosticsCollector) CollectSystemStats() *SystemStats {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	return &SystemStats{
		Version:   d.version,
		Commit:    d.commit,
		Uptime:    time.Since(d.startTime),
		StartTime: d.startTime,

		GoVersion:       runtime.Version(),
		NumGoroutines:   runtime.NumGoroutine(),
		MemAllocMB:      float64(m.Alloc) / 1024 / 1024,
		MemTotalAllocMB: float64(m.TotalAlloc) / 1024 / 1024,
		MemSysMB:        float64(m.Sys) / 1024 / 1024,
		NumGC:           m.NumGC,
	}
}

// CollectAll collects every available section
func (d *DiagnosticsCollector) CollectAll(ctx context.Context) (*Diagnostics, error) {
	diag := &Diagnostics{
		CollectedAt: time.Now(),
		System:      d.CollectSystemStats(),
	}
	if d.source == nil {
		return diag, nil
	}

	journal, err := d.source.JournalStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect journal stats: %w", err)
	}
	diag.Journal = journal

	cursors, err := d.source.CursorStats(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to collect cursors: %w", err)
	}
	diag.Cursors = cursors

	return diag, nil
}

// FormatAsText formats diagnostics for a terminal
func (d *Diagnostics) FormatAsText() string {
	var b strings.Builder

	b.WriteString("=== chorus Diagnostics ===\n")
	fmt.Fprintf(&b, "Collected: %s\n\n", d.CollectedAt.Format(time.RFC3339))

	b.WriteString("--- System ---\n")
	fmt.Fprintf(&b, "Version: %s (%s)\n", d.System.Version, d.System.Commit)
	fmt.Fprintf(&b, "Uptime: %s\n", d.System.Uptime.Round(time.Second))
	fmt.Fprintf(&b, "Go Version: %s\n", d.System.GoVersion)
	fmt.Fprintf(&b, "Goroutines: %d\n", d.System.NumGoroutines)
	fmt.Fprintf(&b, "Memory: %.2f MB allocated, %.2f MB system\n", d.System.MemAllocMB, d.System.MemSysMB)
	fmt.Fprintf(&b, "GC Runs: %d\n\n", d.System.NumGC)

	b.WriteString("--- Journal ---\n")
	if d.Journal == nil {
		b.WriteString("Not available\n")
	} else {
		fmt.Fprintf(&b, "Driver: %s\n", d.Journal.Driver)
		fmt.Fprintf(&b, "Total Entries: %d\n", d.Journal.TotalEntries)
		if d.Journal.OldestEntry != nil {
			fmt.Fprintf(&b, "Oldest Entry: %s\n", d.Journal.OldestEntry.Format(time.RFC3339))
		}
		if d.Journal.NewestEntry != nil {
			fmt.Fprintf(&b, "Newest Entry: %s\n", d.Journal.NewestEntry.Format(time.RFC3339))
		}

		topics := make([]string, 0, len(d.Journal.EntriesByTopic))
		for topic := range d.Journal.EntriesByTopic {
			topics = append(topics, topic)
		}
		sort.Strings(topics)
		for _, topic := range topics {
			fmt.Fprintf(&b, "  %s: %d\n", topic, d.Journal.EntriesByTopic[topic])
		}
	}

	b.WriteString("\n--- Cursors ---\n")
	if len(d.Cursors) == 0 {
		b.WriteString("None\n")
	}
	for _, c := range d.Cursors {
		fmt.Fprintf(&b, "%s: since %s (updated %s)\n", c.Key, c.Since.Format(time.RFC3339), c.Updated.Format(time.RFC3339))
	}

	return b.String()
}
