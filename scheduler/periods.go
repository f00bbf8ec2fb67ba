package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/warp/promo-engine/promo"
)

const (
	JobConfirmationRequest = "period:confirmation-request"
	JobPeriodTick          = "period:tick"
)

// PeriodJobs drives an engine from the weekly calendar: a confirmation
// request lead before every anchor and the period tick at the anchor.
type PeriodJobs struct {
	Engine *promo.Engine
	Lead   time.Duration
	Logger *slog.Logger
}

// Register adds both recurring jobs to s, starting from the first anchor
// after now. A period that was confirmed but whose anchor passed while the
// process was down gets its tick right away.
func (p PeriodJobs) Register(s *Scheduler, now time.Time) error {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "period-jobs")
	cal := p.Engine.Calendar()
	lead := p.Lead
	if lead < 0 {
		lead = 0
	}

	// The request fires lead before the anchor, so the first one may already
	// be due this week or only next week.
	firstAnchor := cal.NextAnchor(now)
	firstRequest := firstAnchor.Add(-lead)
	if !firstRequest.After(now) {
		firstRequest = cal.NextAnchor(firstAnchor).Add(-lead)
	}
	nextRequest := func(prev time.Time) time.Time {
		return cal.NextAnchor(prev.Add(lead)).Add(-lead)
	}

	err := s.ScheduleRecurring(JobConfirmationRequest, firstRequest, nextRequest, func(ctx context.Context) {
		period := cal.Key(scheduledOr(ctx))
		if _, err := p.Engine.RequestConfirmation(ctx, period); err != nil {
			logger.Error("confirmation request failed", "period", period, "error", err)
		}
	})
	if err != nil {
		return err
	}

	firstTick := firstAnchor
	missed := firstAnchor.AddDate(0, 0, -7)
	switch st, err := p.Engine.State(context.Background(), cal.Key(missed)); {
	case err != nil:
		logger.Warn("could not check the previous period", "period", cal.Key(missed), "error", err)
	case st == promo.StateConfirmed:
		logger.Info("previous period confirmed but never ticked, catching up", "period", cal.Key(missed))
		firstTick = missed
	}

	err = s.ScheduleRecurring(JobPeriodTick, firstTick, cal.NextAnchor, func(ctx context.Context) {
		period := cal.Key(scheduledOr(ctx))
		res, err := p.Engine.OnPeriodTick(ctx, period)
		if err != nil {
			logger.Error("period tick failed", "period", period, "error", err)
			return
		}
		logger.Info("period tick", "period", period, "status", res.Status, "issued", len(res.Issued))
	})
	if err != nil {
		return err
	}

	logger.Info("period jobs registered",
		"next_request", firstRequest,
		"next_tick", firstTick,
		"lead", lead)
	return nil
}

func scheduledOr(ctx context.Context) time.Time {
	if t, ok := ScheduledAt(ctx); ok {
		return t
	}
	return time.Now()
}
