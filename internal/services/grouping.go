package services

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/metrics"
)

// GroupingService folds repeated occurrences of the same condition into
// a single active group. The at-most-one-active-group-per-fingerprint
// invariant rests on the unique active_key column: find-or-create is a
// conditional insert, never a read-then-write pair.
type GroupingService struct {
	db *gorm.DB
}

// NewGroupingService creates a new GroupingService
func NewGroupingService(db *gorm.DB) *GroupingService {
	return &GroupingService{db: db}
}

// GroupDecision is the outcome of ingesting one occurrence
type GroupDecision struct {
	GroupID   uint   `json:"group_id"`
	GroupUUID string `json:"group_uuid"`
	IsNew     bool   `json:"is_new"`
}

// Ingest records one occurrence of a fingerprint. If an active group
// exists and the occurrence falls within the window of its last one,
// the occurrence is folded in; otherwise a fresh group is opened. A
// lost race is retried once with fresh state before surfacing.
func (s *GroupingService) Ingest(fingerprint string, occurredAt time.Time, window time.Duration) (*GroupDecision, error) {
	if fingerprint == "" {
		return nil, fmt.Errorf("%w: empty fingerprint", apperrors.ErrValidation)
	}

	decision, err := s.ingestOnce(fingerprint, occurredAt, window)
	if errors.Is(err, apperrors.ErrConflict) {
		decision, err = s.ingestOnce(fingerprint, occurredAt, window)
	}
	return decision, err
}

func (s *GroupingService) ingestOnce(fingerprint string, occurredAt time.Time, window time.Duration) (*GroupDecision, error) {
	var group database.AlertGroup
	err := s.db.Where("active_key = ?", fingerprint).First(&group).Error

	if errors.Is(err, gorm.ErrRecordNotFound) {
		return s.openGroup(fingerprint, occurredAt)
	}
	if err != nil {
		return nil, err
	}

	if occurredAt.Sub(group.LastOccurrenceAt) > window {
		// Idle beyond the window: this occurrence is a new incident.
		if err := s.closeGroup(&group, occurredAt); err != nil {
			return nil, err
		}
		return s.openGroup(fingerprint, occurredAt)
	}

	// Fold. The status guard makes the update conditional: if the group
	// was closed underneath us this affects zero rows and we retry.
	res := s.db.Model(&database.AlertGroup{}).
		Where("id = ? AND status = ?", group.ID, database.GroupStatusActive).
		Updates(map[string]interface{}{
			"last_occurrence_at": occurredAt,
			"occurrence_count":   gorm.Expr("occurrence_count + 1"),
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("%w: group %s closed during fold", apperrors.ErrConflict, group.UUID)
	}

	metrics.OccurrencesFolded.Inc()
	return &GroupDecision{GroupID: group.ID, GroupUUID: group.UUID, IsNew: false}, nil
}

// openGroup attempts the conditional insert. Losing the unique-index
// race on active_key means another writer opened the group first; the
// caller retries and folds into it.
func (s *GroupingService) openGroup(fingerprint string, occurredAt time.Time) (*GroupDecision, error) {
	key := fingerprint
	group := database.AlertGroup{
		UUID:              uuid.New().String(),
		Fingerprint:       fingerprint,
		ActiveKey:         &key,
		Status:            database.GroupStatusActive,
		FirstOccurrenceAt: occurredAt,
		LastOccurrenceAt:  occurredAt,
		OccurrenceCount:   1,
	}
	if err := s.db.Create(&group).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, fmt.Errorf("%w: active group for %q already exists", apperrors.ErrConflict, fingerprint)
		}
		return nil, err
	}
	return &GroupDecision{GroupID: group.ID, GroupUUID: group.UUID, IsNew: true}, nil
}

func (s *GroupingService) closeGroup(group *database.AlertGroup, at time.Time) error {
	res := s.db.Model(&database.AlertGroup{}).
		Where("id = ? AND status = ?", group.ID, database.GroupStatusActive).
		Updates(map[string]interface{}{
			"status":     database.GroupStatusClosed,
			"active_key": nil,
			"closed_at":  at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("%w: group %s already closed", apperrors.ErrConflict, group.UUID)
	}
	return nil
}

// Close marks a group closed. Closing an already-closed group is a
// no-op; a later occurrence of the fingerprint opens a fresh group.
func (s *GroupingService) Close(groupID uint, at time.Time) error {
	var group database.AlertGroup
	if err := s.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: group %d", apperrors.ErrNotFound, groupID)
		}
		return err
	}
	if group.Status == database.GroupStatusClosed {
		return nil
	}
	err := s.closeGroup(&group, at)
	if errors.Is(err, apperrors.ErrConflict) {
		// Lost the race to another closer; the group is closed either way.
		return nil
	}
	return err
}

// GetGroup returns a group by id
func (s *GroupingService) GetGroup(groupID uint) (*database.AlertGroup, error) {
	var group database.AlertGroup
	if err := s.db.First(&group, groupID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: group %d", apperrors.ErrNotFound, groupID)
		}
		return nil, err
	}
	return &group, nil
}

// NoiseReductionRate reports 1 - distinct_groups/total_occurrences over
// groups whose first occurrence falls in [from, to). 0 when nothing
// arrived in the range.
func (s *GroupingService) NoiseReductionRate(from, to time.Time) (float64, error) {
	type agg struct {
		Groups      int64
		Occurrences int64
	}
	var a agg
	err := s.db.Model(&database.AlertGroup{}).
		Select("COUNT(*) AS groups, COALESCE(SUM(occurrence_count), 0) AS occurrences").
		Where("first_occurrence_at >= ? AND first_occurrence_at < ?", from, to).
		Scan(&a).Error
	if err != nil {
		return 0, err
	}
	if a.Occurrences == 0 {
		return 0, nil
	}
	rate := 1 - float64(a.Groups)/float64(a.Occurrences)
	metrics.NoiseReductionRate.Set(rate)
	return rate, nil
}

// CloseExpired closes active groups whose last occurrence is older than
// window+grace. Returns the number of groups closed.
func (s *GroupingService) CloseExpired(now time.Time, window, grace time.Duration) (int, error) {
	cutoff := now.Add(-window - grace)

	var groups []database.AlertGroup
	if err := s.db.Where("status = ? AND last_occurrence_at < ?", database.GroupStatusActive, cutoff).Find(&groups).Error; err != nil {
		return 0, err
	}

	closed := 0
	for i := range groups {
		err := s.closeGroup(&groups[i], now)
		if errors.Is(err, apperrors.ErrConflict) {
			continue
		}
		if err != nil {
			return closed, err
		}
		closed++
	}
	return closed, nil
}
