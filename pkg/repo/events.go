package repo

import (
	"context"
	"time"
)

// ============================================================================
// DISASTER EVENT OPERATIONS
// ============================================================================

// CreateEvent persists a new disaster event and returns its ID.
func (s *GORMStore) CreateEvent(ctx context.Context, event *DisasterEvent) (string, error) {
	if event.Status == "" {
		event.Status = EventStatusDetecting
	}
	return createWithID(s.db, ctx, event,
		func(m *DisasterEvent, id string) { m.ID = id },
		event.ID, ErrDuplicateEvent)
}

// GetEvent retrieves a disaster event by ID.
func (s *GORMStore) GetEvent(ctx context.Context, id string) (*DisasterEvent, error) {
	return getByField[DisasterEvent](s.db, ctx, "id", id, ErrEventNotFound)
}

// ListEvents returns disaster events matching the filter, newest first.
func (s *GORMStore) ListEvents(ctx context.Context, filter EventFilter) ([]*DisasterEvent, error) {
	var events []*DisasterEvent
	q := s.db.WithContext(ctx).Order("detected_at DESC, id DESC")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Severity != "" {
		q = q.Where("severity = ?", filter.Severity)
	}
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if !filter.Since.IsZero() {
		q = q.Where("detected_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// UpdateEvent persists the mutable fields of a disaster event. The kind
// and detection time are immutable after creation.
func (s *GORMStore) UpdateEvent(ctx context.Context, event *DisasterEvent) error {
	updates := map[string]any{
		"severity":            event.Severity,
		"status":              event.Status,
		"message":             event.Message,
		"components":          event.Components,
		"rto_minutes":         event.RTOMinutes,
		"rpo_minutes":         event.RPOMinutes,
		"plan_id":             event.PlanID,
		"recovery_id":         event.RecoveryID,
		"recovery_started_at": event.RecoveryStartedAt,
		"resolved_at":         event.ResolvedAt,
		"recovery_minutes":    event.RecoveryMinutes,
		"data_loss_minutes":   event.DataLossMinutes,
		"notifications":       event.Notifications,
		"details":             event.Details,
	}
	return updateFields[DisasterEvent](s.db, ctx, "id", event.ID, updates, ErrEventNotFound)
}

// ResolveEvent marks an event completed at the given time.
func (s *GORMStore) ResolveEvent(ctx context.Context, id string, at time.Time) error {
	updates := map[string]any{
		"status":      EventStatusCompleted,
		"resolved_at": at,
	}
	return updateFields[DisasterEvent](s.db, ctx, "id", id, updates, ErrEventNotFound)
}
