package conversations

import (
	"context"
	"time"
)

// BadgeReport is the outcome of a badge reconciliation
type BadgeReport struct {
	Local         int
	Authoritative int
	Drift         int
	CheckedAt     time.Time
	Err           error
}

// ReconcileBadge compares the incremental badge with the backend total and
// schedules a full refetch on drift. done, if set, receives the report on the loop.
func (s *Synchronizer) ReconcileBadge(done func(BadgeReport)) {
	var total int
	s.dispatch.Go(func(ctx context.Context) error {
		var err error
		total, err = s.backend.UnreadTotal(ctx)
		return err
	}, func(err error) {
		report := BadgeReport{
			Local:     s.badge,
			CheckedAt: s.now(),
			Err:       err,
		}

		if err != nil {
			s.logger.Warn("badge reconciliation failed", "error", err)
		} else {
			report.Authoritative = total
			report.Drift = total - s.badge
			if report.Drift != 0 {
				s.logger.Info("unread badge drifted", "local", s.badge, "authoritative", total)
				s.ScheduleRefetch("badge drift")
			}
		}

		if done != nil {
			done(report)
		}
	})
}
