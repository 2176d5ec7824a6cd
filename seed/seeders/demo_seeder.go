package seeders

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

// DemoSeeder inserts a few hours of synthetic attempt traffic so the
// analytics endpoints have something to show on a fresh install.
type DemoSeeder struct {
	db *gorm.DB
}

func NewDemoSeeder(db *gorm.DB) *DemoSeeder {
	return &DemoSeeder{db: db}
}

func (s *DemoSeeder) SeedDemoTraffic() error {
	now := time.Now()
	count := 0

	for hoursAgo := 5; hoursAgo >= 0; hoursAgo-- {
		ts := now.Add(-time.Duration(hoursAgo) * time.Hour)
		hour := ts.Truncate(time.Hour)

		for i := 0; i < 8; i++ {
			ip := fmt.Sprintf("203.0.113.%d", 10+i)
			allowed := i < 6

			id, err := uuid.NewV7()
			if err != nil {
				return err
			}

			attempt := model.RateLimitAttempt{
				ID:             id.String(),
				Identifier:     ip,
				IdentifierKind: model.KindIP,
				Endpoint:       shared.EndpointChatSend,
				Allowed:        allowed,
				IPAddress:      ip,
				WindowStart:    hour,
				CreatedAt:      ts.Add(time.Duration(i) * time.Minute),
			}
			if err := s.db.Create(&attempt).Error; err != nil {
				return err
			}
			count++
		}
	}

	log.Printf("Seeded %d demo attempts", count)
	return nil
}
