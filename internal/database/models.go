package database

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"
)

// JSONB is a custom type for PostgreSQL JSONB columns
type JSONB map[string]interface{}

// Scan implements the sql.Scanner interface
func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(map[string]interface{})
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("type assertion to []byte failed")
		}
	}
	return json.Unmarshal(bytes, j)
}

// Value implements the driver.Valuer interface
func (j JSONB) Value() (driver.Value, error) {
	if j == nil {
		return nil, nil
	}
	return json.Marshal(j)
}

// StringList is an ordered list of strings stored as a JSON column.
// Used for rotation participants and tier target lists where order matters.
type StringList []string

// Scan implements the sql.Scanner interface
func (l *StringList) Scan(value interface{}) error {
	if value == nil {
		*l = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		if s, ok := value.(string); ok {
			bytes = []byte(s)
		} else {
			return errors.New("type assertion to []byte failed")
		}
	}
	return json.Unmarshal(bytes, l)
}

// Value implements the driver.Valuer interface
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return json.Marshal([]string{})
	}
	return json.Marshal(l)
}

// Severity represents normalized alert severity levels
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// ValidSeverities returns all severity levels in descending order of urgency
func ValidSeverities() []Severity {
	return []Severity{SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo}
}

// IsValid reports whether s is a known severity level
func (s Severity) IsValid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return true
	}
	return false
}

// GetSeverityEmoji returns an emoji for the alert severity
func GetSeverityEmoji(severity Severity) string {
	switch severity {
	case SeverityCritical:
		return ":red_circle:"
	case SeverityHigh:
		return ":large_orange_circle:"
	case SeverityMedium:
		return ":large_yellow_circle:"
	case SeverityLow:
		return ":large_blue_circle:"
	default:
		return ":white_circle:"
	}
}

// AlertState represents an alert lifecycle state
type AlertState string

const (
	AlertStateNew           AlertState = "new"
	AlertStateAcknowledged  AlertState = "acknowledged"
	AlertStateInvestigating AlertState = "investigating"
	AlertStateResolved      AlertState = "resolved"
)

// SystemActor is the actor recorded on state changes made by the engine itself
const SystemActor = "system"

// Alert is the durable record of a single alert. Immutable once created
// except for its group link; never deleted, only superseded by state.
type Alert struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UUID        string    `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Fingerprint string    `gorm:"size:255;not null;index" json:"fingerprint"`
	Severity    Severity  `gorm:"type:varchar(20);not null" json:"severity"`
	Source      string    `gorm:"size:255" json:"source"`
	Labels      JSONB     `gorm:"type:jsonb" json:"labels"`
	Payload     JSONB     `gorm:"type:jsonb" json:"payload"`
	GroupID     *uint     `gorm:"index" json:"group_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (Alert) TableName() string {
	return "alerts"
}

// AlertStateRecord is one append-only entry in an alert's state history.
// Seq is assigned per alert starting at 1; the unique (alert_id, seq)
// index is what serializes concurrent transitions: two writers racing on
// the same next seq collide on insert and exactly one wins.
type AlertStateRecord struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	AlertID   uint       `gorm:"not null;uniqueIndex:idx_alert_state_seq,priority:1" json:"alert_id"`
	Seq       int        `gorm:"not null;uniqueIndex:idx_alert_state_seq,priority:2" json:"seq"`
	State     AlertState `gorm:"type:varchar(20);not null" json:"state"`
	Actor     string     `gorm:"size:255;not null" json:"actor"`
	Notes     string     `gorm:"type:text" json:"notes"`
	Metadata  JSONB      `gorm:"type:jsonb" json:"metadata"`
	ChangedAt time.Time  `gorm:"not null" json:"changed_at"`
	CreatedAt time.Time  `json:"created_at"`
}

func (AlertStateRecord) TableName() string {
	return "alert_state_records"
}

// SLARecord tracks the TTA/TTR clocks for one alert. Created atomically
// with the alert. Actuals stay nil until the corresponding transition;
// breach flags, once set, are never reset.
type SLARecord struct {
	ID          uint           `gorm:"primaryKey" json:"id"`
	AlertID     uint           `gorm:"uniqueIndex;not null" json:"alert_id"`
	Severity    Severity       `gorm:"type:varchar(20);not null;index" json:"severity"`
	TTATarget   time.Duration  `gorm:"not null" json:"tta_target"`
	TTRTarget   time.Duration  `gorm:"not null" json:"ttr_target"`
	TTAActual   *time.Duration `json:"tta_actual,omitempty"`
	TTRActual   *time.Duration `json:"ttr_actual,omitempty"`
	TTABreached bool           `gorm:"default:false" json:"tta_breached"`
	TTRBreached bool           `gorm:"default:false" json:"ttr_breached"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (SLARecord) TableName() string {
	return "sla_records"
}

// EscalationRun is the per-alert escalation execution state. Created when
// the alert is created; cancelled on acknowledge/resolve; otherwise the
// sweep advances it tier by tier until exhausted.
type EscalationRun struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	AlertID     uint       `gorm:"uniqueIndex;not null" json:"alert_id"`
	PolicyName  string     `gorm:"size:128;not null" json:"policy_name"`
	Severity    Severity   `gorm:"type:varchar(20);not null" json:"severity"`
	CurrentTier int        `gorm:"not null;default:0" json:"current_tier"`
	PendingAt   *time.Time `gorm:"index" json:"pending_at,omitempty"`
	Cancelled   bool       `gorm:"default:false" json:"cancelled"`
	Exhausted   bool       `gorm:"default:false" json:"exhausted"`
	LastError   string     `gorm:"type:text" json:"last_error"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (EscalationRun) TableName() string {
	return "escalation_runs"
}

// EscalationFiring is the audit record of one fired tier: when it fired,
// on which channels, to whom, and any transport error reported back.
type EscalationFiring struct {
	ID        uint       `gorm:"primaryKey" json:"id"`
	RunID     uint       `gorm:"not null;index" json:"run_id"`
	AlertID   uint       `gorm:"not null;index" json:"alert_id"`
	Tier      int        `gorm:"not null" json:"tier"`
	FiredAt   time.Time  `gorm:"not null" json:"fired_at"`
	Channels  StringList `gorm:"type:jsonb" json:"channels"`
	Targets   StringList `gorm:"type:jsonb" json:"targets"`
	Error     string     `gorm:"type:text" json:"error"`
	CreatedAt time.Time  `json:"created_at"`
}

func (EscalationFiring) TableName() string {
	return "escalation_firings"
}

// GroupStatus represents the lifecycle status of an alert group
type GroupStatus string

const (
	GroupStatusActive GroupStatus = "active"
	GroupStatusClosed GroupStatus = "closed"
)

// AlertGroup folds repeated occurrences of the same condition into one
// incident. ActiveKey carries the fingerprint while the group is active
// and is nulled on close; its unique index is what guarantees at most
// one active group per fingerprint on both Postgres and SQLite.
type AlertGroup struct {
	ID                uint        `gorm:"primaryKey" json:"id"`
	UUID              string      `gorm:"uniqueIndex;size:36;not null" json:"uuid"`
	Fingerprint       string      `gorm:"size:255;not null;index" json:"fingerprint"`
	ActiveKey         *string     `gorm:"uniqueIndex;size:255" json:"-"`
	Status            GroupStatus `gorm:"type:varchar(20);not null;default:'active'" json:"status"`
	FirstOccurrenceAt time.Time   `gorm:"not null;index" json:"first_occurrence_at"`
	LastOccurrenceAt  time.Time   `gorm:"not null;index" json:"last_occurrence_at"`
	OccurrenceCount   int         `gorm:"not null;default:1" json:"occurrence_count"`
	ClosedAt          *time.Time  `json:"closed_at,omitempty"`
	CreatedAt         time.Time   `json:"created_at"`
	UpdatedAt         time.Time   `json:"updated_at"`
}

func (AlertGroup) TableName() string {
	return "alert_groups"
}

// RotationType represents the cadence of an on-call rotation
type RotationType string

const (
	RotationWeekly RotationType = "weekly"
	RotationDaily  RotationType = "daily"
)

// OnCallSchedule is a rotation: an ordered participant list cycled
// weekly or daily from RotationStart, interpreted in Timezone.
type OnCallSchedule struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	Name          string       `gorm:"uniqueIndex;size:128;not null" json:"name"`
	RotationType  RotationType `gorm:"type:varchar(20);not null" json:"rotation_type"`
	Participants  StringList   `gorm:"type:jsonb;not null" json:"participants"`
	RotationStart time.Time    `gorm:"not null" json:"rotation_start"`
	Timezone      string       `gorm:"size:64;not null;default:'UTC'" json:"timezone"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`

	Overrides []OnCallOverride `gorm:"foreignKey:ScheduleID" json:"overrides,omitempty"`
}

func (OnCallSchedule) TableName() string {
	return "oncall_schedules"
}

// OnCallOverride pins a specific participant to a date range, taking
// precedence over the base rotation. First matching override wins.
type OnCallOverride struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	ScheduleID  uint      `gorm:"not null;index" json:"schedule_id"`
	Participant string    `gorm:"size:255;not null" json:"participant"`
	StartsAt    time.Time `gorm:"not null;index" json:"starts_at"`
	EndsAt      time.Time `gorm:"not null" json:"ends_at"`
	CreatedAt   time.Time `json:"created_at"`
}

func (OnCallOverride) TableName() string {
	return "oncall_overrides"
}
