package services

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/database"
)

// OnCallService answers "who is responsible right now" for a rotation
// schedule. The rotation math is a pure function of the schedule and a
// timestamp; the service only adds persistence around it, so lookups are
// safe to run concurrently without locking.
type OnCallService struct {
	db *gorm.DB
}

// NewOnCallService creates a new OnCallService
func NewOnCallService(db *gorm.DB) *OnCallService {
	return &OnCallService{db: db}
}

// Shift is one contiguous stretch of responsibility for a single holder
type Shift struct {
	Start  time.Time `json:"start"`
	End    time.Time `json:"end"`
	Holder string    `json:"holder"`
}

// CreateSchedule validates and persists a rotation schedule
func (s *OnCallService) CreateSchedule(name string, rotationType database.RotationType, participants []string, rotationStart time.Time, timezone string) (*database.OnCallSchedule, error) {
	if rotationType != database.RotationWeekly && rotationType != database.RotationDaily {
		return nil, fmt.Errorf("%w: unknown rotation type %q", apperrors.ErrValidation, rotationType)
	}
	if len(participants) == 0 {
		return nil, fmt.Errorf("%w: schedule %q has no participants", apperrors.ErrValidation, name)
	}
	if _, err := time.LoadLocation(timezone); err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", apperrors.ErrValidation, timezone)
	}

	schedule := &database.OnCallSchedule{
		Name:          name,
		RotationType:  rotationType,
		Participants:  participants,
		RotationStart: rotationStart,
		Timezone:      timezone,
	}
	if err := s.db.Create(schedule).Error; err != nil {
		return nil, err
	}
	return schedule, nil
}

// AddOverride pins a participant to a date range on a schedule
func (s *OnCallService) AddOverride(scheduleName, participant string, startsAt, endsAt time.Time) (*database.OnCallOverride, error) {
	if !endsAt.After(startsAt) {
		return nil, fmt.Errorf("%w: override range is empty", apperrors.ErrValidation)
	}
	schedule, err := s.GetScheduleByName(scheduleName)
	if err != nil {
		return nil, err
	}

	override := &database.OnCallOverride{
		ScheduleID:  schedule.ID,
		Participant: participant,
		StartsAt:    startsAt,
		EndsAt:      endsAt,
	}
	if err := s.db.Create(override).Error; err != nil {
		return nil, err
	}
	return override, nil
}

// GetScheduleByName loads a schedule with its overrides
func (s *OnCallService) GetScheduleByName(name string) (*database.OnCallSchedule, error) {
	var schedule database.OnCallSchedule
	err := s.db.Preload("Overrides", func(db *gorm.DB) *gorm.DB {
		return db.Order("id ASC")
	}).Where("name = ?", name).First(&schedule).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%w: schedule %q", apperrors.ErrNotFound, name)
		}
		return nil, err
	}
	return &schedule, nil
}

// CurrentHolder returns the participant responsible at the given instant
func (s *OnCallService) CurrentHolder(scheduleName string, at time.Time) (string, error) {
	schedule, err := s.GetScheduleByName(scheduleName)
	if err != nil {
		return "", err
	}
	return ResolveHolder(schedule, at)
}

// ResolveHolder computes the holder for an instant: the first override
// covering the instant wins, otherwise the base rotation slot. Pure;
// no side effects.
func ResolveHolder(schedule *database.OnCallSchedule, at time.Time) (string, error) {
	for _, ov := range schedule.Overrides {
		if !at.Before(ov.StartsAt) && at.Before(ov.EndsAt) {
			return ov.Participant, nil
		}
	}
	return rotationSlotHolder(schedule, at)
}

// rotationSlotHolder computes the base-rotation holder. The instant is
// normalized into the schedule's timezone before the floor division so
// slot boundaries land on local midnights.
func rotationSlotHolder(schedule *database.OnCallSchedule, at time.Time) (string, error) {
	k := len(schedule.Participants)
	if k == 0 {
		return "", fmt.Errorf("%w: schedule %q has no participants", apperrors.ErrValidation, schedule.Name)
	}
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return "", fmt.Errorf("%w: unknown timezone %q", apperrors.ErrValidation, schedule.Timezone)
	}

	days := calendarDaysBetween(schedule.RotationStart, at, loc)

	var slot int
	switch schedule.RotationType {
	case database.RotationWeekly:
		slot = floorDiv(days, 7)
	case database.RotationDaily:
		slot = days
	default:
		return "", fmt.Errorf("%w: unknown rotation type %q", apperrors.ErrValidation, schedule.RotationType)
	}

	idx := ((slot % k) + k) % k
	return schedule.Participants[idx], nil
}

// calendarDaysBetween counts local calendar days from a to b. Both are
// truncated to midnight in loc so DST shifts cannot skew the count.
func calendarDaysBetween(a, b time.Time, loc *time.Location) int {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	am0 := time.Date(ay, am, ad, 0, 0, 0, 0, loc)
	bm0 := time.Date(by, bm, bd, 0, 0, 0, 0, loc)
	// Round absorbs the ±1h a DST transition adds or removes.
	return int(roundToNearest(bm0.Sub(am0).Hours() / 24))
}

func roundToNearest(f float64) float64 {
	if f < 0 {
		return float64(int(f - 0.5))
	}
	return float64(int(f + 0.5))
}

func floorDiv(a, b int) int {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}

// Upcoming returns the finite shift sequence covering [from, from+horizon),
// honoring overrides that fall within it. Adjacent segments with the
// same holder are merged.
func (s *OnCallService) Upcoming(scheduleName string, from time.Time, horizon time.Duration) ([]Shift, error) {
	schedule, err := s.GetScheduleByName(scheduleName)
	if err != nil {
		return nil, err
	}
	return UpcomingShifts(schedule, from, horizon)
}

// UpcomingShifts is the pure computation behind Upcoming
func UpcomingShifts(schedule *database.OnCallSchedule, from time.Time, horizon time.Duration) ([]Shift, error) {
	if horizon <= 0 {
		return nil, fmt.Errorf("%w: horizon must be positive", apperrors.ErrValidation)
	}
	loc, err := time.LoadLocation(schedule.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown timezone %q", apperrors.ErrValidation, schedule.Timezone)
	}
	end := from.Add(horizon)

	slotDays := 1
	if schedule.RotationType == database.RotationWeekly {
		slotDays = 7
	}

	// Breakpoints: every instant the holder can change, rotation slot
	// boundaries plus override edges inside the window.
	points := []time.Time{from}

	days := calendarDaysBetween(schedule.RotationStart, from, loc)
	slotStartDays := floorDiv(days, slotDays) * slotDays
	sy, sm, sd := schedule.RotationStart.In(loc).Date()
	boundary := time.Date(sy, sm, sd, 0, 0, 0, 0, loc).AddDate(0, 0, slotStartDays)
	for t := boundary; t.Before(end); t = t.AddDate(0, 0, slotDays) {
		if t.After(from) {
			points = append(points, t)
		}
	}
	for _, ov := range schedule.Overrides {
		for _, edge := range []time.Time{ov.StartsAt, ov.EndsAt} {
			if edge.After(from) && edge.Before(end) {
				points = append(points, edge)
			}
		}
	}

	sort.Slice(points, func(i, j int) bool { return points[i].Before(points[j]) })
	uniq := points[:0]
	for _, p := range points {
		if len(uniq) == 0 || !p.Equal(uniq[len(uniq)-1]) {
			uniq = append(uniq, p)
		}
	}

	var shifts []Shift
	for i, start := range uniq {
		segEnd := end
		if i+1 < len(uniq) {
			segEnd = uniq[i+1]
		}
		holder, err := ResolveHolder(schedule, start)
		if err != nil {
			return nil, err
		}
		if n := len(shifts); n > 0 && shifts[n-1].Holder == holder && shifts[n-1].End.Equal(start) {
			shifts[n-1].End = segEnd
			continue
		}
		shifts = append(shifts, Shift{Start: start, End: segEnd, Holder: holder})
	}
	return shifts, nil
}
