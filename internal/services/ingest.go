package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/metrics"
)

// AlertEvent is the normalized alert-create event handed in by the
// signal-ingestion layer.
type AlertEvent struct {
	Fingerprint string            `json:"fingerprint"`
	Severity    database.Severity `json:"severity"`
	Source      string            `json:"source"`
	Labels      database.JSONB    `json:"labels"`
	Payload     database.JSONB    `json:"payload"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// IngestResult reports what happened to one event
type IngestResult struct {
	AlertUUID string `json:"alert_uuid,omitempty"`
	GroupUUID string `json:"group_uuid"`
	IsNew     bool   `json:"is_new"`
}

// Ingestor is the single entry point for alert-create events: grouping
// decides new-group-vs-fold, and only a new group creates an alert,
// with its initial state record, SLA record and escalation run in one
// transaction.
type Ingestor struct {
	db          *gorm.DB
	policies    *config.PolicyStore
	grouping    *GroupingService
	sla         *SLAService
	escalations *EscalationService
}

// NewIngestor creates a new Ingestor
func NewIngestor(db *gorm.DB, policies *config.PolicyStore, grouping *GroupingService, sla *SLAService, escalations *EscalationService) *Ingestor {
	return &Ingestor{db: db, policies: policies, grouping: grouping, sla: sla, escalations: escalations}
}

// Ingest processes one alert-create event
func (i *Ingestor) Ingest(event AlertEvent) (*IngestResult, error) {
	if event.Fingerprint == "" {
		return nil, fmt.Errorf("%w: missing fingerprint", apperrors.ErrValidation)
	}
	if !event.Severity.IsValid() {
		return nil, fmt.Errorf("%w: unknown severity %q", apperrors.ErrValidation, event.Severity)
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	window := i.policies.Current().Grouping.Window.Std()
	decision, err := i.grouping.Ingest(event.Fingerprint, event.OccurredAt, window)
	if err != nil {
		return nil, err
	}

	result := &IngestResult{GroupUUID: decision.GroupUUID, IsNew: decision.IsNew}

	if !decision.IsNew {
		// Folded occurrence: the group metadata is already updated, no
		// new alert. Surface the existing alert if it has landed (the
		// creator's transaction may still be in flight).
		var alert database.Alert
		err := i.db.Where("group_id = ?", decision.GroupID).First(&alert).Error
		if err == nil {
			result.AlertUUID = alert.UUID
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		return result, nil
	}

	alert := database.Alert{
		UUID:        uuid.New().String(),
		Fingerprint: event.Fingerprint,
		Severity:    event.Severity,
		Source:      event.Source,
		Labels:      event.Labels,
		Payload:     event.Payload,
		GroupID:     &decision.GroupID,
		CreatedAt:   event.OccurredAt,
	}

	err = i.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&alert).Error; err != nil {
			return err
		}
		// Initial state record, atomic with the alert. The unique
		// (alert_id, seq) index rules out a duplicate initial state.
		initial := database.AlertStateRecord{
			AlertID:   alert.ID,
			Seq:       1,
			State:     database.AlertStateNew,
			Actor:     database.SystemActor,
			ChangedAt: event.OccurredAt,
		}
		if err := tx.Create(&initial).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: initial state for alert %s already exists", apperrors.ErrConflict, alert.UUID)
			}
			return err
		}
		if err := i.sla.createRecord(tx, &alert); err != nil {
			return err
		}
		return i.escalations.startRun(tx, &alert)
	})
	if err != nil {
		return nil, err
	}

	metrics.AlertsCreated.WithLabelValues(string(alert.Severity)).Inc()
	result.AlertUUID = alert.UUID
	return result, nil
}
