package seeders

import (
	"log"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

// PolicySeeder installs the named rate limit policies.
type PolicySeeder struct {
	db *gorm.DB
}

func NewPolicySeeder(db *gorm.DB) *PolicySeeder {
	return &PolicySeeder{db: db}
}

type policySeed struct {
	Endpoint     string
	Limit        int
	Window       time.Duration
	OnStoreError string
	Description  string
}

var defaultPolicies = []policySeed{
	{shared.EndpointChatSend, 30, 5 * time.Minute, "fail_open", "Chat message sends per conversation participant"},
	{shared.EndpointChatSendEnterprise, 100, 5 * time.Minute, "fail_open", "Chat message sends, enterprise tier"},
	{shared.EndpointChatRead, 120, 5 * time.Minute, "fail_open", "Chat history reads"},
	{shared.EndpointCheckout, 5, 15 * time.Minute, "fail_open", "Checkout attempts per customer"},
	{shared.EndpointDashboardLink, 5, 15 * time.Minute, "fail_open", "Dashboard magic link requests"},
	{shared.EndpointAPIGeneral, 1000, time.Hour, "fail_open", "General API traffic per client IP"},
	{shared.EndpointAPIStrict, 100, 10 * time.Minute, "fail_closed", "Sensitive API surface, denies on store failure"},
}

// SeedPolicies upserts the default policy set. Existing rows keep their
// operator-tuned values; only missing endpoints are inserted.
func (s *PolicySeeder) SeedPolicies() error {
	now := time.Now()

	for _, p := range defaultPolicies {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}

		policy := model.RateLimitPolicy{
			ID:           id.String(),
			Endpoint:     p.Endpoint,
			Limit:        p.Limit,
			WindowMs:     p.Window.Milliseconds(),
			OnStoreError: p.OnStoreError,
			Description:  p.Description,
			IsActive:     true,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		err = s.db.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "endpoint"}},
			DoNothing: true,
		}).Create(&policy).Error
		if err != nil {
			return err
		}
	}

	log.Printf("Seeded %d rate limit policies", len(defaultPolicies))
	return nil
}
