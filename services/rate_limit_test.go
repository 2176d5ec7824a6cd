package services

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

var testDBSeq int

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestSQLService(t *testing.T) *PostgresService {
	t.Helper()

	testDBSeq++
	dsn := fmt.Sprintf("file:ratelimit_test_%d?mode=memory&cache=shared", testDBSeq)

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the shared in-memory database alive and
	// serializes writers, which sqlite requires anyway.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.RateLimitRecord{},
		&model.RateLimitAttempt{},
		&model.RateLimitPolicy{},
	))

	return &PostgresService{db: db}
}

func newTestRateLimitService(t *testing.T, clock *fakeClock) (*RateLimitService, *PostgresService) {
	t.Helper()

	sqlSvc := newTestSQLService(t)
	svc := &RateLimitService{
		configs: make(map[string]*dto.RateLimitConfig),
		store:   sqlSvc,
		sqlSvc:  sqlSvc,
		now:     clock.Now,
	}
	svc.initDefaultConfigs()

	return svc, sqlSvc
}

func testConfig(identifier string, limit int, window time.Duration) dto.RateLimitConfig {
	return dto.RateLimitConfig{
		Identifier:     identifier,
		IdentifierKind: model.KindIP,
		Endpoint:       shared.EndpointDefault,
		Limit:          limit,
		Window:         window,
	}
}

func TestCheckLimit_SequentialEnforcement(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	config := testConfig("198.51.100.7", 3, time.Minute)

	for i := 0; i < 3; i++ {
		result, err := svc.CheckLimit(config)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be allowed", i+1)
		assert.Equal(t, 2-i, result.Remaining)
	}

	result, err := svc.CheckLimit(config)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), result.ResetTime)
}

func TestCheckLimit_WindowExpiryResets(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	config := testConfig("198.51.100.8", 3, time.Minute)

	for i := 0; i < 3; i++ {
		result, err := svc.CheckLimit(config)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	clock.Advance(61 * time.Second)

	result, err := svc.CheckLimit(config)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 2, result.Remaining)
}

func TestCheckLimit_PenaltyBoxHoldsThroughWindow(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	config := testConfig("198.51.100.9", 2, time.Minute)

	for i := 0; i < 2; i++ {
		result, err := svc.CheckLimit(config)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	// Denial locks the identifier out for a full window from now.
	denied, err := svc.CheckLimit(config)
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	blockedUntil := denied.ResetTime
	assert.Equal(t, clock.Now().Add(time.Minute), blockedUntil)

	// Halfway through the original window the block still holds, even
	// though the counting window itself would have rolled over.
	clock.Advance(30 * time.Second)
	result, err := svc.CheckLimit(config)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.ResetTime.Equal(blockedUntil), "denied result should report the original block expiry")
}

func TestCheckLimit_ExpiredBlockGivesCleanSlate(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	config := testConfig("198.51.100.10", 2, time.Minute)

	for i := 0; i < 2; i++ {
		_, err := svc.CheckLimit(config)
		require.NoError(t, err)
	}
	denied, err := svc.CheckLimit(config)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	clock.Advance(61 * time.Second)

	result, err := svc.CheckLimit(config)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining, "expired block should reset the count, not inherit it")
}

func TestCheckLimit_ThreePerMinuteScenario(t *testing.T) {
	start := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	clock := newFakeClock(start)
	svc, _ := newTestRateLimitService(t, clock)

	config := testConfig("203.0.113.5", 3, time.Minute)

	for i := 0; i < 3; i++ {
		result, err := svc.CheckLimit(config)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}

	// Fourth request at +5s is denied and starts the penalty window.
	clock.Advance(5 * time.Second)
	denied, err := svc.CheckLimit(config)
	require.NoError(t, err)
	require.False(t, denied.Allowed)
	assert.Equal(t, start.Add(65*time.Second), denied.ResetTime)

	// +61s: the original counting window has passed, but the block from
	// the denial has not.
	clock.Advance(56 * time.Second)
	result, err := svc.CheckLimit(config)
	require.NoError(t, err)
	assert.False(t, result.Allowed)

	// +125s: block expired, fresh window.
	clock.Advance(64 * time.Second)
	result, err = svc.CheckLimit(config)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 2, result.Remaining)
}

func TestCheckLimit_ConcurrentRequestsBounded(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	const limit = 5
	const workers = 20

	config := testConfig("198.51.100.11", limit, time.Minute)

	var wg sync.WaitGroup
	results := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.CheckLimit(config)
			if err == nil {
				results[i] = result.Allowed
			}
		}(i)
	}
	wg.Wait()

	allowed := 0
	for _, ok := range results {
		if ok {
			allowed++
		}
	}

	assert.LessOrEqual(t, allowed, limit+1)
	assert.GreaterOrEqual(t, allowed, 1)
}

func TestCheckLimit_IdentifiersIndependent(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	first := testConfig("198.51.100.12", 2, time.Minute)
	second := testConfig("198.51.100.13", 2, time.Minute)

	for i := 0; i < 3; i++ {
		_, err := svc.CheckLimit(first)
		require.NoError(t, err)
	}

	result, err := svc.CheckLimit(second)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 1, result.Remaining)
}

func TestCheckLimit_EndpointsIndependent(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	config := testConfig("198.51.100.14", 1, time.Minute)

	_, err := svc.CheckLimit(config)
	require.NoError(t, err)
	denied, err := svc.CheckLimit(config)
	require.NoError(t, err)
	require.False(t, denied.Allowed)

	other := config
	other.Endpoint = shared.EndpointCheckout
	result, err := svc.CheckLimit(other)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestCheckLimit_InvalidConfig(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	_, err := svc.CheckLimit(testConfig("", 3, time.Minute))
	assert.ErrorIs(t, err, dto.ErrEmptyIdentifier)

	_, err = svc.CheckLimit(testConfig("198.51.100.15", 0, time.Minute))
	assert.ErrorIs(t, err, dto.ErrInvalidLimit)

	_, err = svc.CheckLimit(testConfig("198.51.100.15", 3, 0))
	assert.ErrorIs(t, err, dto.ErrInvalidWindow)
}

type erroringStore struct{}

var errStoreDown = errors.New("store unavailable")

func (s *erroringStore) GetOrCreateWindow(string, model.IdentifierKind, string, time.Time, time.Time) (*model.RateLimitRecord, error) {
	return nil, errStoreDown
}

func (s *erroringStore) IncrementIfAllowed(string, int, time.Time) (int, bool, error) {
	return 0, false, errStoreDown
}

func (s *erroringStore) BlockRecord(string, time.Time, time.Time) error { return errStoreDown }
func (s *erroringStore) ResetRecord(string, time.Time) error            { return errStoreDown }
func (s *erroringStore) InsertAttempt(*model.RateLimitAttempt) error    { return errStoreDown }

func TestCheckLimit_FailOpenOnStoreError(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := &RateLimitService{
		configs: make(map[string]*dto.RateLimitConfig),
		store:   &erroringStore{},
		now:     clock.Now,
	}

	config := testConfig("198.51.100.16", 3, time.Minute)

	result, err := svc.CheckLimit(config)
	require.NoError(t, err, "store errors must not surface to callers")
	assert.True(t, result.Allowed)
	assert.Equal(t, 3, result.Remaining)
	assert.Equal(t, clock.Now().Add(time.Minute), result.ResetTime)
}

func TestCheckLimit_FailClosedOnStoreError(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc := &RateLimitService{
		configs: make(map[string]*dto.RateLimitConfig),
		store:   &erroringStore{},
		now:     clock.Now,
	}

	config := testConfig("198.51.100.17", 3, time.Minute)
	config.OnStoreError = dto.FailClosed

	result, err := svc.CheckLimit(config)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
}

func TestCheckEndpoint_UnknownPolicyAllows(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	result, err := svc.CheckEndpoint("198.51.100.18", model.KindIP, "no_such_policy")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, -1, result.Remaining)
}

func TestCheckEndpoint_NamedPolicy(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	for i := 0; i < 5; i++ {
		result, err := svc.CheckEndpoint("buyer-77", model.KindUser, shared.EndpointCheckout)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
	}

	result, err := svc.CheckEndpoint("buyer-77", model.KindUser, shared.EndpointCheckout)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
}

func TestRecordAttempt(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 34, 56, 0, time.UTC))
	svc, sqlSvc := newTestRateLimitService(t, clock)

	require.NoError(t, svc.RecordAttempt("198.51.100.19", model.KindIP, false, "198.51.100.19", shared.EndpointChatSend))

	attempts, err := sqlSvc.GetAttemptsSince(clock.Now().Add(-time.Hour), "198.51.100.19")
	require.NoError(t, err)
	require.Len(t, attempts, 1)

	assert.Equal(t, shared.EndpointChatSend, attempts[0].Endpoint)
	assert.False(t, attempts[0].Allowed)
	assert.True(t, attempts[0].WindowStart.Equal(clock.Now().Truncate(time.Hour)))
}

func TestRecordAttempt_EmptyIdentifier(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	err := svc.RecordAttempt("", model.KindIP, true, "", shared.EndpointChatSend)
	assert.ErrorIs(t, err, dto.ErrEmptyIdentifier)
}

func TestUpdatePolicy(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	policy, err := svc.UpdatePolicy(shared.EndpointChatSend, dto.UpdatePolicyRequest{
		Limit:  60,
		Window: "10m",
	})
	require.NoError(t, err)
	assert.Equal(t, 60, policy.Limit)
	assert.Equal(t, (10 * time.Minute).Milliseconds(), policy.WindowMs)

	config, ok := svc.PolicyFor(shared.EndpointChatSend)
	require.True(t, ok)
	assert.Equal(t, 60, config.Limit)
	assert.Equal(t, 10*time.Minute, config.Window)
}

func TestUpdatePolicy_RejectedUpdateLeavesPoliciesUntouched(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	// Description-only update for an endpoint with no policy: nothing to
	// merge a limit or window from, so the update is rejected.
	_, err := svc.UpdatePolicy("new_surface", dto.UpdatePolicyRequest{Description: "oops"})
	require.ErrorIs(t, err, dto.ErrInvalidLimit)

	// The rejected update must not have installed a half-built policy; the
	// endpoint stays unmetered.
	_, ok := svc.PolicyFor("new_surface")
	assert.False(t, ok)

	result, err := svc.CheckEndpoint("198.51.100.21", model.KindIP, "new_surface")
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, -1, result.Remaining)

	// Same for an existing policy: a window-only rejected update must not
	// corrupt the live config.
	_, err = svc.UpdatePolicy("other_surface", dto.UpdatePolicyRequest{Window: "5m"})
	require.ErrorIs(t, err, dto.ErrInvalidLimit)

	before, ok := svc.PolicyFor(shared.EndpointCheckout)
	require.True(t, ok)
	_, err = svc.UpdatePolicy(shared.EndpointCheckout, dto.UpdatePolicyRequest{})
	require.NoError(t, err, "no-op update on a valid policy should succeed")
	after, ok := svc.PolicyFor(shared.EndpointCheckout)
	require.True(t, ok)
	assert.Equal(t, before, after)
}

func TestUpdatePolicy_Deactivate(t *testing.T) {
	clock := newFakeClock(time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC))
	svc, _ := newTestRateLimitService(t, clock)

	inactive := false
	_, err := svc.UpdatePolicy(shared.EndpointChatRead, dto.UpdatePolicyRequest{IsActive: &inactive})
	require.NoError(t, err)

	_, ok := svc.PolicyFor(shared.EndpointChatRead)
	assert.False(t, ok)

	// An unconfigured surface allows traffic.
	result, err := svc.CheckEndpoint("198.51.100.20", model.KindIP, shared.EndpointChatRead)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}
