package repo

import (
	"context"
)

// ============================================================================
// RECOVERY REPORT OPERATIONS
// ============================================================================

// CreateReport persists a new recovery report and returns its ID.
func (s *GORMStore) CreateReport(ctx context.Context, report *RecoveryReport) (string, error) {
	return createWithID(s.db, ctx, report,
		func(m *RecoveryReport, id string) { m.ID = id },
		report.ID, ErrDuplicateReport)
}

// GetReport retrieves a recovery report by ID.
func (s *GORMStore) GetReport(ctx context.Context, id string) (*RecoveryReport, error) {
	return getByField[RecoveryReport](s.db, ctx, "id", id, ErrReportNotFound)
}

// ListReports returns recovery reports matching the filter, newest first.
func (s *GORMStore) ListReports(ctx context.Context, filter ReportFilter) ([]*RecoveryReport, error) {
	var reports []*RecoveryReport
	q := s.db.WithContext(ctx).Order("created_at DESC, id DESC")
	if filter.Kind != "" {
		q = q.Where("kind = ?", filter.Kind)
	}
	if filter.TargetID != "" {
		q = q.Where("target_id = ?", filter.TargetID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if err := q.Find(&reports).Error; err != nil {
		return nil, err
	}
	return reports, nil
}
