package jobs

import (
	"log"
	"time"

	"gorm.io/gorm"

	"github.com/vigilops/vigil/internal/config"
	"github.com/vigilops/vigil/internal/database"
	"github.com/vigilops/vigil/internal/metrics"
	"github.com/vigilops/vigil/internal/services"
)

// GroupExpiryMonitor closes active groups that have been idle past the
// grouping window plus the grace period, so the next occurrence of
// their fingerprint opens a fresh incident.
type GroupExpiryMonitor struct {
	db       *gorm.DB
	policies *config.PolicyStore
	grouping *services.GroupingService
}

// NewGroupExpiryMonitor creates a new group expiry monitor
func NewGroupExpiryMonitor(db *gorm.DB, policies *config.PolicyStore, grouping *services.GroupingService) *GroupExpiryMonitor {
	return &GroupExpiryMonitor{db: db, policies: policies, grouping: grouping}
}

// CheckAndClose closes expired groups and refreshes the active-group gauge
func (m *GroupExpiryMonitor) CheckAndClose() (int, error) {
	policy := m.policies.Current()
	closed, err := m.grouping.CloseExpired(time.Now(), policy.Grouping.Window.Std(), policy.Grouping.GracePeriod.Std())
	if err != nil {
		return closed, err
	}

	var active int64
	if err := m.db.Model(&database.AlertGroup{}).
		Where("status = ?", database.GroupStatusActive).
		Count(&active).Error; err != nil {
		return closed, err
	}
	metrics.ActiveGroups.Set(float64(active))

	return closed, nil
}

// Start begins the periodic monitoring
func (m *GroupExpiryMonitor) Start(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			closed, err := m.CheckAndClose()
			if err != nil {
				log.Printf("Group expiry monitor error: %v", err)
			} else if closed > 0 {
				log.Printf("Group expiry monitor: closed %d idle groups", closed)
			}
		case <-stop:
			log.Println("Group expiry monitor stopped")
			return
		}
	}
}
