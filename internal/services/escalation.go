package services

import (
	"errors"
	"fmt"
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/metrics"
	"github.com/vigilops/vigil/internal/notify"
)

// EscalationService drives tiered notifications for unacknowledged
// alerts. A run is created with the alert and advances tier by tier as
// the sweep finds its pending time elapsed; acknowledgment or
// resolution cancels it.
//
// Cancellation is a flag check directly before firing, so a tier can
// still fire moments after an acknowledgment lands. At most one extra
// notification; a best-effort guarantee rather than a hard invariant.
type EscalationService struct {
	db         *gorm.DB
	policies   *config.PolicyStore
	oncall     *OnCallService
	dispatcher *notify.Dispatcher
}

// NewEscalationService creates a new EscalationService. The service
// installs itself as the dispatcher's error handler so transport
// failures get recorded against the run they belong to.
func NewEscalationService(db *gorm.DB, policies *config.PolicyStore, oncall *OnCallService, dispatcher *notify.Dispatcher) *EscalationService {
	s := &EscalationService{db: db, policies: policies, oncall: oncall, dispatcher: dispatcher}
	dispatcher.SetErrorHandler(s.recordTransportError)
	return s
}

// startRun creates the escalation run for a freshly created alert
// inside the caller's transaction, tier 0 pending at creation plus the
// first tier's delay. Tier delays are measured from alert creation.
func (s *EscalationService) startRun(tx *gorm.DB, alert *database.Alert) error {
	policy, err := s.policies.Current().EscalationPolicyFor(alert.Severity)
	if err != nil {
		return err
	}

	pending := alert.CreatedAt.Add(policy.Tiers[0].Delay.Std())
	run := database.EscalationRun{
		AlertID:     alert.ID,
		PolicyName:  string(alert.Severity),
		Severity:    alert.Severity,
		CurrentTier: 0,
		PendingAt:   &pending,
	}
	if err := tx.Create(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("%w: escalation run for alert %d already exists", apperrors.ErrConflict, alert.ID)
		}
		return err
	}
	return nil
}

// cancelEscalationRun flags the alert's run as cancelled so no further
// tiers fire. Used by the state machine on acknowledge and resolve;
// re-opening an alert does not restart escalation.
func cancelEscalationRun(tx *gorm.DB, alertID uint) error {
	return tx.Model(&database.EscalationRun{}).
		Where("alert_id = ? AND cancelled = ?", alertID, false).
		Update("cancelled", true).Error
}

// GetRun returns the escalation run for an alert
func (s *EscalationService) GetRun(alertID uint) (*database.EscalationRun, error) {
	var run database.EscalationRun
	if err := s.db.Where("alert_id = ?", alertID).First(&run).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: escalation run for alert %d", apperrors.ErrNotFound, alertID)
		}
		return nil, err
	}
	return &run, nil
}

// Firings returns the fired-tier audit records for an alert
func (s *EscalationService) Firings(alertID uint) ([]database.EscalationFiring, error) {
	var firings []database.EscalationFiring
	err := s.db.Where("alert_id = ?", alertID).Order("tier ASC").Find(&firings).Error
	return firings, err
}

// Sweep fires every run whose pending time has elapsed. A run several
// tiers overdue fires all of them in one pass. Per-run errors are
// logged and the sweep proceeds; it never halts the loop.
func (s *EscalationService) Sweep(now time.Time) (int, error) {
	var runs []database.EscalationRun
	err := s.db.Where("cancelled = ? AND exhausted = ? AND pending_at IS NOT NULL AND pending_at <= ?",
		false, false, now).Find(&runs).Error
	if err != nil {
		return 0, err
	}

	fired := 0
	for i := range runs {
		n, err := s.fireDueTiers(&runs[i], now)
		fired += n
		if err != nil {
			log.Printf("Escalation sweep: alert %d: %v", runs[i].AlertID, err)
			continue
		}
	}
	return fired, nil
}

// fireDueTiers fires the run's due tiers one by one until the next
// pending time is in the future, the chain is exhausted, or the run is
// cancelled. Each iteration re-reads the run so a cancellation that
// lands mid-chain stops it.
func (s *EscalationService) fireDueTiers(run *database.EscalationRun, now time.Time) (int, error) {
	var alert database.Alert
	if err := s.db.First(&alert, run.AlertID).Error; err != nil {
		return 0, err
	}

	fired := 0
	for {
		var current database.EscalationRun
		if err := s.db.First(&current, run.ID).Error; err != nil {
			return fired, err
		}
		if current.Cancelled || current.Exhausted || current.PendingAt == nil || current.PendingAt.After(now) {
			return fired, nil
		}

		policy, err := s.policies.Current().EscalationPolicyFor(current.Severity)
		if err != nil {
			return fired, err
		}
		if current.CurrentTier >= len(policy.Tiers) {
			// Policy shrank on reload; nothing left to fire.
			err := s.db.Model(&current).Updates(map[string]interface{}{
				"exhausted": true, "pending_at": nil,
			}).Error
			return fired, err
		}

		if err := s.fireTier(&current, &alert, policy.Tiers[current.CurrentTier], now); err != nil {
			return fired, err
		}
		fired++

		if next := current.CurrentTier + 1; next < len(policy.Tiers) {
			pending := alert.CreatedAt.Add(policy.Tiers[next].Delay.Std())
			err = s.db.Model(&current).Updates(map[string]interface{}{
				"current_tier": next,
				"pending_at":   pending,
			}).Error
		} else {
			err = s.db.Model(&current).Updates(map[string]interface{}{
				"exhausted":  true,
				"pending_at": nil,
			}).Error
		}
		if err != nil {
			return fired, err
		}
	}
}

// fireTier resolves the tier's targets, records the firing, and hands
// the notification to the dispatcher. Dispatch is asynchronous; target
// resolution failures are recorded on the run and do not block tier
// advancement.
func (s *EscalationService) fireTier(run *database.EscalationRun, alert *database.Alert, tier config.Tier, now time.Time) error {
	targets, resolveErr := s.resolveTargets(tier.Targets, now)

	firing := database.EscalationFiring{
		RunID:    run.ID,
		AlertID:  alert.ID,
		Tier:     run.CurrentTier,
		FiredAt:  now,
		Channels: channelNames(tier.Channels),
		Targets:  targets,
	}
	if resolveErr != nil {
		firing.Error = resolveErr.Error()
	}
	if err := s.db.Create(&firing).Error; err != nil {
		return err
	}
	if resolveErr != nil {
		log.Printf("Escalation tier %d for alert %s: target resolution failed: %v", run.CurrentTier, alert.UUID, resolveErr)
		if err := s.db.Model(run).Update("last_error", resolveErr.Error()).Error; err != nil {
			return err
		}
	}

	metrics.TiersFired.WithLabelValues(string(alert.Severity)).Inc()

	s.dispatcher.Dispatch(tier.Channels, &notify.Request{
		AlertUUID:   alert.UUID,
		Fingerprint: alert.Fingerprint,
		Severity:    alert.Severity,
		Tier:        run.CurrentTier,
		Targets:     targets,
		Summary:     renderSummary(alert),
		FiredAt:     now,
	})
	return nil
}

// resolveTargets expands a tier's target spec at fire time: literal
// users as-is, on-call targets via the scheduler lookup at this instant.
func (s *EscalationService) resolveTargets(spec config.TierTargets, at time.Time) ([]string, error) {
	switch spec.Kind {
	case config.TargetUsers:
		return spec.Users, nil
	case config.TargetOnCall:
		holder, err := s.oncall.CurrentHolder(spec.Schedule, at)
		if err != nil {
			return nil, err
		}
		return []string{holder}, nil
	default:
		return nil, fmt.Errorf("%w: unknown target kind %q", apperrors.ErrValidation, spec.Kind)
	}
}

// recordTransportError stores an asynchronous delivery failure against
// the run and its firing record. Fire-and-continue: the error never
// rolls back tier advancement.
func (s *EscalationService) recordTransportError(req *notify.Request, channel config.Channel, sendErr error) {
	var alert database.Alert
	if err := s.db.Where("uuid = ?", req.AlertUUID).First(&alert).Error; err != nil {
		log.Printf("Failed to record transport error for alert %s: %v", req.AlertUUID, err)
		return
	}
	if err := s.db.Model(&database.EscalationRun{}).
		Where("alert_id = ?", alert.ID).
		Update("last_error", sendErr.Error()).Error; err != nil {
		log.Printf("Failed to record transport error for alert %s: %v", req.AlertUUID, err)
	}
	if err := s.db.Model(&database.EscalationFiring{}).
		Where("alert_id = ? AND tier = ?", alert.ID, req.Tier).
		Update("error", sendErr.Error()).Error; err != nil {
		log.Printf("Failed to record transport error for alert %s: %v", req.AlertUUID, err)
	}
}

func channelNames(channels []config.Channel) database.StringList {
	names := make(database.StringList, len(channels))
	for i, ch := range channels {
		names[i] = string(ch)
	}
	return names
}

// renderSummary builds the one-line summary carried on the dispatch request
func renderSummary(alert *database.Alert) string {
	summary := fmt.Sprintf("[%s] %s", alert.Severity, alert.Fingerprint)
	if alert.Source != "" {
		summary += " from " + alert.Source
	}
	if v, ok := alert.Labels["summary"].(string); ok && v != "" {
		summary += ": " + v
	}
	return summary
}
