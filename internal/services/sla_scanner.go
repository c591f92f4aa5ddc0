package services

import (
	"context"
	"fmt"
	"time"

	"deskflow/internal/events"
	"deskflow/internal/models"

	"go.opentelemetry.io/otel/attribute"
)

// StartBreachScanner runs the periodic deadline sweep until ctx is
// cancelled. Scan errors are logged and the next tick proceeds.
func (s *SLAService) StartBreachScanner(ctx context.Context, interval time.Duration) {
	s.logger.Infof("Starting SLA breach scanner: interval=%s", interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("SLA breach scanner stopped")
			return
		case <-ticker.C:
			if err := s.CheckBreaches(ctx); err != nil {
				s.logger.Errorf("SLA breach scan error: %v", err)
			}
		}
	}
}

// CheckBreaches transitions every pending SLA event whose deadline has
// passed to breached and publishes a breach notification for each. The
// guarded update keeps overlapping sweeps from double-reporting a row.
func (s *SLAService) CheckBreaches(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "sla.check_breaches")
	defer span.End()

	now := time.Now().UTC()

	var due []models.SlaEvent
	if err := s.db.WithContext(ctx).
		Where("status = ? AND deadline_at <= ?", models.SlaStatusPending, now).
		Find(&due).Error; err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to query due SLA events: %w", err)
	}

	breached := 0
	for _, row := range due {
		result := s.db.WithContext(ctx).Model(&models.SlaEvent{}).
			Where("id = ? AND status = ?", row.ID, models.SlaStatusPending).
			Updates(map[string]interface{}{"status": models.SlaStatusBreached, "breached_at": now, "updated_at": now})
		if result.Error != nil {
			s.logger.Errorf("Failed to mark SLA event %d breached: %v", row.ID, result.Error)
			continue
		}
		if result.RowsAffected == 0 {
			// Settled by a concurrent writer between the query and the update.
			continue
		}
		breached++

		if err := s.refreshStatus(ctx, row.AppliedSlaID); err != nil {
			s.logger.Errorf("Failed to refresh applied SLA %d: %v", row.AppliedSlaID, err)
		}

		var applied models.AppliedSla
		if err := s.db.WithContext(ctx).First(&applied, row.AppliedSlaID).Error; err != nil {
			s.logger.Errorf("Failed to load applied SLA %d: %v", row.AppliedSlaID, err)
			continue
		}

		s.logger.Warnf("SLA breached: conversation=%d, type=%s, deadline=%s",
			applied.ConversationID, row.EventType, row.DeadlineAt.Format(time.RFC3339))

		if s.bus != nil {
			s.bus.Publish(ctx, events.Event{
				Type:           events.ConversationSlaBreached,
				ConversationID: applied.ConversationID,
				ActorID:        events.SystemActor,
				Payload: events.SlaBreachedPayload{
					SlaEventID:   row.ID,
					AppliedSlaID: applied.ID,
					SlaEventType: row.EventType,
					DeadlineAt:   row.DeadlineAt,
					BreachedAt:   now,
				},
			})
		}
	}

	s.logger.Infof("SLA breach scan completed: checked %d events, marked %d breached", len(due), breached)
	span.SetAttributes(
		attribute.Int("sla.scan.events_checked", len(due)),
		attribute.Int("sla.scan.events_breached", breached),
	)

	return nil
}
