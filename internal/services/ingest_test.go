package services

import (
	"errors"
	"testing"
	"time"

	"github.com/vigilops/vigil/internal/apperrors"
	"github.com/vigilops/vigil/internal/database"
)

func TestIngest_ValidationErrors(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.ingestor.Ingest(AlertEvent{Severity: database.SeverityHigh, OccurredAt: t0})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for missing fingerprint, got %v", err)
	}

	_, err = e.ingestor.Ingest(AlertEvent{Fingerprint: "fp", Severity: "urgent", OccurredAt: t0})
	if !errors.Is(err, apperrors.ErrValidation) {
		t.Errorf("expected validation error for unknown severity, got %v", err)
	}
}

func TestIngest_NewAlertCreatesFullRecordSet(t *testing.T) {
	e := newTestEngine(t)
	result, err := e.ingestor.Ingest(AlertEvent{
		Fingerprint: "fp-full-set",
		Severity:    database.SeverityCritical,
		Source:      "prometheus",
		Labels:      database.JSONB{"summary": "disk full", "host": "db-1"},
		OccurredAt:  t0,
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if !result.IsNew || result.AlertUUID == "" || result.GroupUUID == "" {
		t.Fatalf("expected new alert with identifiers, got %+v", result)
	}

	alert, err := e.stateMachine.GetAlert(result.AlertUUID)
	if err != nil {
		t.Fatalf("failed to load alert: %v", err)
	}
	if alert.Severity != database.SeverityCritical || alert.Source != "prometheus" {
		t.Errorf("alert fields not persisted: %+v", alert)
	}
	if alert.Labels["host"] != "db-1" {
		t.Errorf("expected labels round-tripped, got %v", alert.Labels)
	}
	if alert.GroupID == nil {
		t.Fatalf("expected alert linked to its group")
	}

	// The initial state record, SLA record and escalation run are all
	// created with the alert.
	state, err := e.stateMachine.CurrentState(result.AlertUUID)
	if err != nil || state != database.AlertStateNew {
		t.Errorf("expected state new, got %s (%v)", state, err)
	}
	record, err := e.sla.GetRecord(alert.ID)
	if err != nil {
		t.Fatalf("expected SLA record, got %v", err)
	}
	if record.TTATarget != 5*time.Minute || record.TTRTarget != 30*time.Minute {
		t.Errorf("expected critical targets 5m/30m, got %v/%v", record.TTATarget, record.TTRTarget)
	}
	run, err := e.escalations.GetRun(alert.ID)
	if err != nil {
		t.Fatalf("expected escalation run, got %v", err)
	}
	if run.Severity != database.SeverityCritical {
		t.Errorf("expected run pinned to alert severity, got %s", run.Severity)
	}

	group, err := e.grouping.GetGroup(*alert.GroupID)
	if err != nil {
		t.Fatalf("failed to load group: %v", err)
	}
	if group.UUID != result.GroupUUID {
		t.Errorf("result group uuid does not match stored group")
	}
}

func TestIngest_FoldedOccurrenceReturnsExistingAlert(t *testing.T) {
	e := newTestEngine(t)

	first := e.ingestAt(t, "fp-folded", database.SeverityHigh, t0)
	second, err := e.ingestor.Ingest(AlertEvent{
		Fingerprint: "fp-folded",
		Severity:    database.SeverityHigh,
		OccurredAt:  t0.Add(2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("second ingest failed: %v", err)
	}
	if second.IsNew {
		t.Fatalf("expected second occurrence folded")
	}
	if second.AlertUUID != first.AlertUUID {
		t.Errorf("expected folded result to carry the existing alert uuid")
	}
	if second.GroupUUID != first.GroupUUID {
		t.Errorf("expected folded result to carry the same group uuid")
	}

	// Only one alert row exists for the fingerprint.
	var count int64
	e.db.Model(&database.Alert{}).Where("fingerprint = ?", "fp-folded").Count(&count)
	if count != 1 {
		t.Errorf("expected 1 alert, got %d", count)
	}
}

func TestIngest_SeparateFingerprintsSeparateGroups(t *testing.T) {
	e := newTestEngine(t)

	a := e.ingestAt(t, "fp-one", database.SeverityLow, t0)
	b := e.ingestAt(t, "fp-two", database.SeverityLow, t0)
	if a.GroupUUID == b.GroupUUID {
		t.Errorf("expected distinct groups for distinct fingerprints")
	}
	if !a.IsNew || !b.IsNew {
		t.Errorf("expected both fingerprints to open groups")
	}
}

func TestIngest_ZeroOccurredAtDefaultsToNow(t *testing.T) {
	e := newTestEngine(t)
	before := time.Now()
	result, err := e.ingestor.Ingest(AlertEvent{
		Fingerprint: "fp-now",
		Severity:    database.SeverityInfo,
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	alert, _ := e.stateMachine.GetAlert(result.AlertUUID)
	if alert.CreatedAt.Before(before.Add(-time.Second)) || alert.CreatedAt.After(time.Now().Add(time.Second)) {
		t.Errorf("expected creation stamped near now, got %v", alert.CreatedAt)
	}
}
