package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/metrics"
)

// SLAService tracks the TTA/TTR clocks. Records are created atomically
// with their alert; actuals are stamped by the state machine's
// transition side effects. Both clocks measure from alert creation.
type SLAService struct {
	db       *gorm.DB
	policies *config.PolicyStore
}

// NewSLAService creates a new SLAService
func NewSLAService(db *gorm.DB, policies *config.PolicyStore) *SLAService {
	return &SLAService{db: db, policies: policies}
}

// createRecord inserts the SLARecord for a freshly created alert inside
// the caller's transaction. The unique alert_id index makes a duplicate
// insert impossible.
func (s *SLAService) createRecord(tx *gorm.DB, alert *database.Alert) error {
	target, err := s.policies.Current().SLATargetFor(alert.Severity)
	if err != nil {
		return err
	}
	record := database.SLARecord{
		AlertID:   alert.ID,
		Severity:  alert.Severity,
		TTATarget: target.TTA.Std(),
		TTRTarget: target.TTR.Std(),
	}
	if err := tx.Create(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: SLA record for alert %d already exists", apperrors.ErrConflict, alert.ID)
		}
		return err
	}
	return nil
}

// stampAcknowledged records the TTA actual on first acknowledgment. The
// tta_actual IS NULL guard makes re-acknowledgment (handoff back from
// investigating) a no-op.
func (s *SLAService) stampAcknowledged(tx *gorm.DB, alert *database.Alert, at time.Time) error {
	var record database.SLARecord
	if err := tx.Where("alert_id = ?", alert.ID).First(&record).Error; err != nil {
		return err
	}
	if record.TTAActual != nil {
		return nil
	}

	actual := at.Sub(alert.CreatedAt)
	breached := actual > record.TTATarget

	res := tx.Model(&database.SLARecord{}).
		Where("alert_id = ? AND tta_actual IS NULL", alert.ID).
		Updates(map[string]interface{}{
			"tta_actual":   actual,
			"tta_breached": record.TTABreached || breached,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 && breached {
		metrics.SLABreaches.WithLabelValues("tta").Inc()
	}
	return nil
}

// stampResolved records the TTR actual and breach. An alert that
// resolves without ever being acknowledged gets its TTA marked breached
// as well; the TTA actual stays empty.
func (s *SLAService) stampResolved(tx *gorm.DB, alert *database.Alert, at time.Time) error {
	var record database.SLARecord
	if err := tx.Where("alert_id = ?", alert.ID).First(&record).Error; err != nil {
		return err
	}
	if record.TTRActual != nil {
		return nil
	}

	actual := at.Sub(alert.CreatedAt)
	breached := actual > record.TTRTarget

	updates := map[string]interface{}{
		"ttr_actual":   actual,
		"ttr_breached": record.TTRBreached || breached,
	}
	neverAcked := record.TTAActual == nil
	if neverAcked {
		updates["tta_breached"] = true
	}

	res := tx.Model(&database.SLARecord{}).
		Where("alert_id = ? AND ttr_actual IS NULL", alert.ID).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		if breached {
			metrics.SLABreaches.WithLabelValues("ttr").Inc()
		}
		if neverAcked && !record.TTABreached {
			metrics.SLABreaches.WithLabelValues("tta").Inc()
		}
	}
	return nil
}

// GetRecord returns the SLA record for an alert
func (s *SLAService) GetRecord(alertID uint) (*database.SLARecord, error) {
	var record database.SLARecord
	if err := s.db.Where("alert_id = ?", alertID).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: SLA record for alert %d", apperrors.ErrNotFound, alertID)
		}
		return nil, err
	}
	return &record, nil
}

// ComplianceReport aggregates SLA performance over matching records
type ComplianceReport struct {
	Total       int64         `json:"total"`
	TTABreaches int64         `json:"tta_breaches"`
	TTRBreaches int64         `json:"ttr_breaches"`
	AvgTTA      time.Duration `json:"avg_tta"`
	AvgTTR      time.Duration `json:"avg_ttr"`
}

// Compliance aggregates over SLA records, optionally filtered by
// severity and record-creation time range. Averages cover records whose
// actual has been stamped.
func (s *SLAService) Compliance(severity *database.Severity, from, to *time.Time) (*ComplianceReport, error) {
	query := s.db.Model(&database.SLARecord{})
	if severity != nil {
		if !severity.IsValid() {
			return nil, fmt.Errorf("%w: unknown severity %q", apperrors.ErrValidation, *severity)
		}
		query = query.Where("severity = ?", *severity)
	}
	if from != nil {
		query = query.Where("created_at >= ?", *from)
	}
	if to != nil {
		query = query.Where("created_at < ?", *to)
	}

	var records []database.SLARecord
	if err := query.Find(&records).Error; err != nil {
		return nil, err
	}

	report := &ComplianceReport{Total: int64(len(records))}
	var ttaSum, ttrSum time.Duration
	var ttaCount, ttrCount int64
	for _, r := range records {
		if r.TTABreached {
			report.TTABreaches++
		}
		if r.TTRBreached {
			report.TTRBreaches++
		}
		if r.TTAActual != nil {
			ttaSum += *r.TTAActual
			ttaCount++
		}
		if r.TTRActual != nil {
			ttrSum += *r.TTRActual
			ttrCount++
		}
	}
	if ttaCount > 0 {
		report.AvgTTA = ttaSum / time.Duration(ttaCount)
	}
	if ttrCount > 0 {
		report.AvgTTR = ttrSum / time.Duration(ttrCount)
	}
	return report, nil
}

// ActiveBreaches returns alerts whose TTA or TTR target has elapsed
// without the corresponding actual being stamped: breaches in
// progress, not just the retroactively recorded ones.
func (s *SLAService) ActiveBreaches(asOf time.Time) ([]database.Alert, error) {
	// Unresolved records are the only candidates: resolution stamps
	// both clocks one way or another.
	var records []database.SLARecord
	if err := s.db.Where("ttr_actual IS NULL").Find(&records).Error; err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}

	byAlert := make(map[uint]database.SLARecord, len(records))
	ids := make([]uint, 0, len(records))
	for _, r := range records {
		byAlert[r.AlertID] = r
		ids = append(ids, r.AlertID)
	}

	var alerts []database.Alert
	if err := s.db.Where("id IN ?", ids).Order("created_at ASC").Find(&alerts).Error; err != nil {
		return nil, err
	}

	var breaching []database.Alert
	for _, alert := range alerts {
		record := byAlert[alert.ID]
		elapsed := asOf.Sub(alert.CreatedAt)
		ttaOverdue := record.TTAActual == nil && elapsed > record.TTATarget
		ttrOverdue := elapsed > record.TTRTarget
		if ttaOverdue || ttrOverdue {
			breaching = append(breaching, alert)
		}
	}
	return breaching, nil
}
