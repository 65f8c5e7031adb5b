package jobs

import (
	"log"
	"time"

	"github.com/vigilops/vigil/internal/services"
)

// EscalationSweeper periodically fires escalation runs whose pending
// time has elapsed.
type EscalationSweeper struct {
	escalations *services.EscalationService
}

// NewEscalationSweeper creates a new escalation sweeper
func NewEscalationSweeper(escalations *services.EscalationService) *EscalationSweeper {
	return &EscalationSweeper{escalations: escalations}
}

// RunOnce performs a single sweep pass
func (s *EscalationSweeper) RunOnce() (int, error) {
	return s.escalations.Sweep(time.Now())
}

// Start begins the periodic sweep
func (s *EscalationSweeper) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fired, err := s.RunOnce()
			if err != nil {
				log.Printf("Escalation sweep error: %v", err)
			} else if fired > 0 {
				log.Printf("Escalation sweep: fired %d tiers", fired)
			}
		case <-stop:
			log.Println("Escalation sweeper stopped")
			return
		}
	}
}
