package seeders

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

func newSeederTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:seeders_test?mode=memory&cache=shared"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.RateLimitRecord{},
		&model.RateLimitAttempt{},
		&model.RateLimitPolicy{},
	))

	return db
}

func TestSeedPolicies_KeepsOperatorTunedValues(t *testing.T) {
	db := newSeederTestDB(t)

	require.NoError(t, NewPolicySeeder(db).SeedPolicies())

	var count int64
	require.NoError(t, db.Model(&model.RateLimitPolicy{}).Count(&count).Error)
	assert.Equal(t, int64(len(defaultPolicies)), count)

	// An operator tunes a policy; re-seeding must not clobber it.
	require.NoError(t, db.Model(&model.RateLimitPolicy{}).
		Where("endpoint = ?", shared.EndpointCheckout).
		Update("limit", 20).Error)

	require.NoError(t, NewPolicySeeder(db).SeedPolicies())

	require.NoError(t, db.Model(&model.RateLimitPolicy{}).Count(&count).Error)
	assert.Equal(t, int64(len(defaultPolicies)), count, "re-seeding must not duplicate policies")

	var checkout model.RateLimitPolicy
	require.NoError(t, db.Where("endpoint = ?", shared.EndpointCheckout).First(&checkout).Error)
	assert.Equal(t, 20, checkout.Limit)
}
