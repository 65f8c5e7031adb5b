package services

import (
	"testing"
	"time"

	"github.com/vigilops/vigil/internal/database"
)

func TestSLA_AcknowledgeStampsActualAndBreach(t *testing.T) {
	e := newTestEngine(t)
	// critical: TTA target 5m, TTR target 30m
	result := e.ingestAt(t, "fp-sla-breach", database.SeverityCritical, t0)

	e.setClock(t0.Add(7 * time.Minute))
	if _, err := e.stateMachine.Acknowledge(result.AlertUUID, "alice", ""); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	alert, _ := e.stateMachine.GetAlert(result.AlertUUID)
	record, err := e.sla.GetRecord(alert.ID)
	if err != nil {
		t.Fatalf("failed to load SLA record: %v", err)
	}
	if record.TTAActual == nil || *record.TTAActual != 7*time.Minute {
		t.Fatalf("expected TTA actual 7m, got %v", record.TTAActual)
	}
	if !record.TTABreached {
		t.Errorf("expected TTA breached (7m > 5m target)")
	}

	e.setClock(t0.Add(20 * time.Minute))
	if _, err := e.stateMachine.Resolve(result.AlertUUID, "alice", ""); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	record, _ = e.sla.GetRecord(alert.ID)
	if record.TTRActual == nil || *record.TTRActual != 20*time.Minute {
		t.Fatalf("expected TTR actual 20m, got %v", record.TTRActual)
	}
	if record.TTRBreached {
		t.Errorf("expected TTR not breached (20m < 30m target)")
	}
}

func TestSLA_FastAcknowledgeNoBreach(t *testing.T) {
	e := newTestEngine(t)
	result := e.ingestAt(t, "fp-sla-ok", database.SeverityCritical, t0)

	e.setClock(t0.Add(3 * time.Minute))
	if _, err := e.stateMachine.Acknowledge(result.AlertUUID, "alice", ""); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}

	alert, _ := e.stateMachine.GetAlert(result.AlertUUID)
	record, _ := e.sla.GetRecord(alert.ID)
	if record.TTABreached {
		t.Errorf("expected no TTA breach (3m < 5m target)")
	}
}

func TestSLA_ResolveWithoutAcknowledgeBreachesTTA(t *testing.T) {
	e := newTestEngine(t)
	result := e.ingestAt(t, "fp-sla-noack", database.SeverityCritical, t0)

	e.setClock(t0.Add(10 * time.Minute))
	if _, err := e.stateMachine.Resolve(result.AlertUUID, "watchdog", "auto-resolved"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}

	alert, _ := e.stateMachine.GetAlert(result.AlertUUID)
	record, _ := e.sla.GetRecord(alert.ID)
	if !record.TTABreached {
		t.Errorf("expected TTA breached when resolving without acknowledgment")
	}
	if record.TTAActual != nil {
		t.Errorf("expected no TTA actual, got %v", *record.TTAActual)
	}
	if record.TTRActual == nil || *record.TTRActual != 10*time.Minute {
		t.Errorf("expected TTR actual 10m, got %v", record.TTRActual)
	}
}

func TestSLA_HandoffDoesNotRestampTTA(t *testing.T) {
	e := newTestEngine(t)
	result := e.ingestAt(t, "fp-sla-handoff", database.SeverityHigh, t0)

	e.setClock(t0.Add(time.Minute))
	if _, err := e.stateMachine.Acknowledge(result.AlertUUID, "alice", ""); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	e.setClock(t0.Add(2 * time.Minute))
	if _, err := e.stateMachine.StartInvestigation(result.AlertUUID, "alice", ""); err != nil {
		t.Fatalf("start investigation failed: %v", err)
	}
	e.setClock(t0.Add(40 * time.Minute))
	if _, err := e.stateMachine.Acknowledge(result.AlertUUID, "bob", "handoff"); err != nil {
		t.Fatalf("handoff failed: %v", err)
	}

	alert, _ := e.stateMachine.GetAlert(result.AlertUUID)
	record, _ := e.sla.GetRecord(alert.ID)
	if record.TTAActual == nil || *record.TTAActual != time.Minute {
		t.Errorf("expected original TTA actual 1m preserved, got %v", record.TTAActual)
	}
	if record.TTABreached {
		t.Errorf("expected no TTA breach from handoff re-acknowledgment")
	}
}

func TestSLA_ComplianceReport(t *testing.T) {
	e := newTestEngine(t)

	// Two criticals: one breached ack at 7m, one clean ack at 1m.
	a := e.ingestAt(t, "fp-report-a", database.SeverityCritical, t0)
	b := e.ingestAt(t, "fp-report-b", database.SeverityCritical, t0)
	c := e.ingestAt(t, "fp-report-c", database.SeverityLow, t0)

	e.setClock(t0.Add(7 * time.Minute))
	if _, err := e.stateMachine.Acknowledge(a.AlertUUID, "alice", ""); err != nil {
		t.Fatal(err)
	}
	e.setClock(t0.Add(time.Minute))
	if _, err := e.stateMachine.Acknowledge(b.AlertUUID, "bob", ""); err != nil {
		t.Fatal(err)
	}
	_ = c

	sev := database.SeverityCritical
	report, err := e.sla.Compliance(&sev, nil, nil)
	if err != nil {
		t.Fatalf("compliance failed: %v", err)
	}
	if report.Total != 2 {
		t.Errorf("expected 2 critical records, got %d", report.Total)
	}
	if report.TTABreaches != 1 {
		t.Errorf("expected 1 TTA breach, got %d", report.TTABreaches)
	}
	if report.TTRBreaches != 0 {
		t.Errorf("expected 0 TTR breaches, got %d", report.TTRBreaches)
	}
	if report.AvgTTA != 4*time.Minute {
		t.Errorf("expected avg TTA 4m ((7m+1m)/2), got %v", report.AvgTTA)
	}

	all, err := e.sla.Compliance(nil, nil, nil)
	if err != nil {
		t.Fatalf("compliance failed: %v", err)
	}
	if all.Total != 3 {
		t.Errorf("expected 3 records without severity filter, got %d", all.Total)
	}
}

func TestSLA_ComplianceRejectsUnknownSeverity(t *testing.T) {
	e := newTestEngine(t)
	sev := database.Severity("catastrophic")
	if _, err := e.sla.Compliance(&sev, nil, nil); err == nil {
		t.Errorf("expected validation error for unknown severity")
	}
}

func TestSLA_ActiveBreachesArePredictive(t *testing.T) {
	e := newTestEngine(t)
	// critical TTA target is 5m
	result := e.ingestAt(t, "fp-active-breach", database.SeverityCritical, t0)

	breaches, err := e.sla.ActiveBreaches(t0.Add(4 * time.Minute))
	if err != nil {
		t.Fatalf("active breaches failed: %v", err)
	}
	if len(breaches) != 0 {
		t.Errorf("expected no active breaches at +4m, got %d", len(breaches))
	}

	breaches, err = e.sla.ActiveBreaches(t0.Add(6 * time.Minute))
	if err != nil {
		t.Fatalf("active breaches failed: %v", err)
	}
	if len(breaches) != 1 || breaches[0].UUID != result.AlertUUID {
		t.Fatalf("expected the unacknowledged alert at +6m, got %d", len(breaches))
	}

	// Acknowledged alerts leave the TTA list but stay on the TTR clock.
	e.setClock(t0.Add(7 * time.Minute))
	if _, err := e.stateMachine.Acknowledge(result.AlertUUID, "alice", ""); err != nil {
		t.Fatal(err)
	}
	breaches, _ = e.sla.ActiveBreaches(t0.Add(10 * time.Minute))
	if len(breaches) != 0 {
		t.Errorf("expected no active breaches at +10m after ack (TTR target 30m), got %d", len(breaches))
	}
	breaches, _ = e.sla.ActiveBreaches(t0.Add(31 * time.Minute))
	if len(breaches) != 1 {
		t.Errorf("expected TTR breach in progress at +31m, got %d", len(breaches))
	}

	// Resolution removes the alert entirely.
	e.setClock(t0.Add(32 * time.Minute))
	if _, err := e.stateMachine.Resolve(result.AlertUUID, "alice", ""); err != nil {
		t.Fatal(err)
	}
	breaches, _ = e.sla.ActiveBreaches(t0.Add(60 * time.Minute))
	if len(breaches) != 0 {
		t.Errorf("expected no active breaches after resolution, got %d", len(breaches))
	}
}
