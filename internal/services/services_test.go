package services

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/notify"
)

func setupTestDB(t *testing.T) *gorm.DB {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{TranslateError: true})
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	// One connection: every session sees the same in-memory database.
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to get sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(database.Models()...); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}
	return db
}

// testEngine wires the full service set against one test database
type testEngine struct {
	db           *gorm.DB
	policies     *config.PolicyStore
	dispatcher   *notify.Dispatcher
	oncall       *OnCallService
	grouping     *GroupingService
	sla          *SLAService
	escalations  *EscalationService
	stateMachine *StateMachine
	ingestor     *Ingestor
}

func newTestEngine(t *testing.T) *testEngine {
	return newTestEngineWithPolicy(t, config.DefaultPolicy())
}

func newTestEngineWithPolicy(t *testing.T, policy *config.Policy) *testEngine {
	db := setupTestDB(t)
	policies, err := config.NewStaticPolicyStore(policy)
	if err != nil {
		t.Fatalf("failed to build policy store: %v", err)
	}

	dispatcher := notify.NewDispatcher()
	oncall := NewOnCallService(db)
	grouping := NewGroupingService(db)
	sla := NewSLAService(db, policies)
	escalations := NewEscalationService(db, policies, oncall, dispatcher)
	stateMachine := NewStateMachine(db, sla, grouping)
	ingestor := NewIngestor(db, policies, grouping, sla, escalations)

	return &testEngine{
		db:           db,
		policies:     policies,
		dispatcher:   dispatcher,
		oncall:       oncall,
		grouping:     grouping,
		sla:          sla,
		escalations:  escalations,
		stateMachine: stateMachine,
		ingestor:     ingestor,
	}
}

// ingestAt pushes one occurrence through the full pipeline
func (e *testEngine) ingestAt(t *testing.T, fingerprint string, severity database.Severity, at time.Time) *IngestResult {
	t.Helper()
	result, err := e.ingestor.Ingest(AlertEvent{
		Fingerprint: fingerprint,
		Severity:    severity,
		Source:      "test",
		OccurredAt:  at,
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	return result
}

// setClock pins the state machine's clock
func (e *testEngine) setClock(at time.Time) {
	e.stateMachine.now = func() time.Time { return at }
}
