package services

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/database"
)

// allowedTransitions is the full transition set: the forward path
// new→acknowledged→investigating→resolved, the shortcuts
// new→investigating and new→resolved (auto-resolved conditions), the
// skip acknowledged→resolved, and the handoff investigating→acknowledged.
var allowedTransitions = map[database.AlertState][]database.AlertState{
	database.AlertStateNew:           {database.AlertStateAcknowledged, database.AlertStateInvestigating, database.AlertStateResolved},
	database.AlertStateAcknowledged:  {database.AlertStateInvestigating, database.AlertStateResolved},
	database.AlertStateInvestigating: {database.AlertStateResolved, database.AlertStateAcknowledged},
	database.AlertStateResolved:      {},
}

// TransitionAllowed reports whether from→to is a legal transition
func TransitionAllowed(from, to database.AlertState) bool {
	for _, t := range allowedTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// StateMachine validates and applies alert lifecycle transitions. Each
// transition appends to the alert's state history and applies the SLA
// and escalation side effects in the same transaction. Concurrent
// transitions on one alert serialize on the (alert_id, seq) unique
// index: the loser retries once against fresh state and then either
// fails validation or surfaces the conflict.
type StateMachine struct {
	db       *gorm.DB
	sla      *SLAService
	grouping *GroupingService
	now      func() time.Time
}

// NewStateMachine creates a new StateMachine
func NewStateMachine(db *gorm.DB, sla *SLAService, grouping *GroupingService) *StateMachine {
	return &StateMachine{db: db, sla: sla, grouping: grouping, now: time.Now}
}

// Transition moves an alert to targetState, recording actor and notes
func (m *StateMachine) Transition(alertUUID string, targetState database.AlertState, actor, notes string) (*database.AlertStateRecord, error) {
	record, err := m.transitionOnce(alertUUID, targetState, actor, notes)
	if errors.Is(err, apperrors.ErrConflict) {
		record, err = m.transitionOnce(alertUUID, targetState, actor, notes)
	}
	return record, err
}

func (m *StateMachine) transitionOnce(alertUUID string, targetState database.AlertState, actor, notes string) (*database.AlertStateRecord, error) {
	var record *database.AlertStateRecord

	err := m.db.Transaction(func(tx *gorm.DB) error {
		var alert database.Alert
		if err := tx.Where("uuid = ?", alertUUID).First(&alert).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("%w: alert %s", apperrors.ErrNotFound, alertUUID)
			}
			return err
		}

		var last database.AlertStateRecord
		if err := tx.Where("alert_id = ?", alert.ID).Order("seq DESC").First(&last).Error; err != nil {
			return err
		}

		if !TransitionAllowed(last.State, targetState) {
			return fmt.Errorf("%w: %s -> %s for alert %s", apperrors.ErrInvalidTransition, last.State, targetState, alertUUID)
		}

		now := m.now()
		next := database.AlertStateRecord{
			AlertID:   alert.ID,
			Seq:       last.Seq + 1,
			State:     targetState,
			Actor:     actor,
			Notes:     notes,
			ChangedAt: now,
		}
		if err := tx.Create(&next).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return fmt.Errorf("%w: concurrent transition on alert %s", apperrors.ErrConflict, alertUUID)
			}
			return err
		}

		switch targetState {
		case database.AlertStateAcknowledged:
			if err := m.sla.stampAcknowledged(tx, &alert, now); err != nil {
				return err
			}
			if err := cancelEscalationRun(tx, alert.ID); err != nil {
				return err
			}
		case database.AlertStateResolved:
			if err := m.sla.stampResolved(tx, &alert, now); err != nil {
				return err
			}
			if err := cancelEscalationRun(tx, alert.ID); err != nil {
				return err
			}
			if alert.GroupID != nil {
				if err := closeGroupInTx(tx, *alert.GroupID, now); err != nil {
					return err
				}
			}
		}

		record = &next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// closeGroupInTx closes the alert's group on resolution. Already-closed
// groups are left alone.
func closeGroupInTx(tx *gorm.DB, groupID uint, at time.Time) error {
	return tx.Model(&database.AlertGroup{}).
		Where("id = ? AND status = ?", groupID, database.GroupStatusActive).
		Updates(map[string]interface{}{
			"status":     database.GroupStatusClosed,
			"active_key": nil,
			"closed_at":  at,
		}).Error
}

// Acknowledge is a convenience wrapper for the acknowledged transition
func (m *StateMachine) Acknowledge(alertUUID, actor, notes string) (*database.AlertStateRecord, error) {
	return m.Transition(alertUUID, database.AlertStateAcknowledged, actor, notes)
}

// StartInvestigation is a convenience wrapper for the investigating transition
func (m *StateMachine) StartInvestigation(alertUUID, actor, notes string) (*database.AlertStateRecord, error) {
	return m.Transition(alertUUID, database.AlertStateInvestigating, actor, notes)
}

// Resolve is a convenience wrapper for the resolved transition
func (m *StateMachine) Resolve(alertUUID, actor, notes string) (*database.AlertStateRecord, error) {
	return m.Transition(alertUUID, database.AlertStateResolved, actor, notes)
}

// CurrentState returns the state of the most recent history record.
// Every alert has at least its initial record, created atomically with
// the alert itself.
func (m *StateMachine) CurrentState(alertUUID string) (database.AlertState, error) {
	alert, err := m.getAlert(alertUUID)
	if err != nil {
		return "", err
	}
	var last database.AlertStateRecord
	if err := m.db.Where("alert_id = ?", alert.ID).Order("seq DESC").First(&last).Error; err != nil {
		return "", err
	}
	return last.State, nil
}

// History returns the full ordered state history, the audit trail
func (m *StateMachine) History(alertUUID string) ([]database.AlertStateRecord, error) {
	alert, err := m.getAlert(alertUUID)
	if err != nil {
		return nil, err
	}
	var records []database.AlertStateRecord
	if err := m.db.Where("alert_id = ?", alert.ID).Order("seq ASC").Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

// GetAlert returns an alert by its public identifier
func (m *StateMachine) GetAlert(alertUUID string) (*database.Alert, error) {
	return m.getAlert(alertUUID)
}

func (m *StateMachine) getAlert(alertUUID string) (*database.Alert, error) {
	var alert database.Alert
	if err := m.db.Where("uuid = ?", alertUUID).First(&alert).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: alert %s", apperrors.ErrNotFound, alertUUID)
		}
		return nil, err
	}
	return &alert, nil
}
