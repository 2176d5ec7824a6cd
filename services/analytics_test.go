package services

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

func newTestAnalyticsService(t *testing.T, clock *fakeClock) (*AnalyticsService, *PostgresService) {
	t.Helper()

	sqlSvc := newTestSQLService(t)
	svc := &AnalyticsService{
		sqlSvc: sqlSvc,
		now:    clock.Now,
	}

	return svc, sqlSvc
}

func insertAttempt(t *testing.T, sqlSvc *PostgresService, identifier string, kind model.IdentifierKind, endpoint string, allowed bool, at time.Time) {
	t.Helper()

	err := sqlSvc.InsertAttempt(&model.RateLimitAttempt{
		Identifier:     identifier,
		IdentifierKind: kind,
		Endpoint:       endpoint,
		Allowed:        allowed,
		IPAddress:      identifier,
		WindowStart:    at.Truncate(time.Hour),
		CreatedAt:      at,
	})
	require.NoError(t, err)
}

func TestGetSummary(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	for i := 0; i < 10; i++ {
		insertAttempt(t, sqlSvc, "198.51.100.30", model.KindIP, shared.EndpointChatSend, true, now.Add(-time.Duration(i)*time.Minute))
	}
	insertAttempt(t, sqlSvc, "198.51.100.31", model.KindIP, shared.EndpointChatSend, false, now.Add(-2*time.Minute))
	insertAttempt(t, sqlSvc, "198.51.100.31", model.KindIP, shared.EndpointChatSend, false, now.Add(-1*time.Minute))

	summary, err := svc.GetSummary(24)
	require.NoError(t, err)

	assert.Equal(t, int64(10), summary.TotalRequests)
	assert.Equal(t, int64(2), summary.TotalBlocks)
	assert.Equal(t, 20.0, summary.BlockRate)

	require.Len(t, summary.TopBlockedIPs, 1)
	assert.Equal(t, "198.51.100.31", summary.TopBlockedIPs[0].Identifier)
	assert.Equal(t, int64(2), summary.TopBlockedIPs[0].BlockCount)
	assert.True(t, summary.TopBlockedIPs[0].LastBlocked.After(summary.TopBlockedIPs[0].FirstBlocked))
}

func TestGetSummary_HourlyBuckets(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	insertAttempt(t, sqlSvc, "198.51.100.32", model.KindIP, shared.EndpointChatSend, true, now.Add(-2*time.Hour))
	insertAttempt(t, sqlSvc, "198.51.100.32", model.KindIP, shared.EndpointChatSend, true, now.Add(-time.Hour))
	insertAttempt(t, sqlSvc, "198.51.100.32", model.KindIP, shared.EndpointChatSend, false, now.Add(-time.Hour))
	insertAttempt(t, sqlSvc, "198.51.100.32", model.KindIP, shared.EndpointChatSend, true, now)

	summary, err := svc.GetSummary(24)
	require.NoError(t, err)

	require.Len(t, summary.Hourly, 3)
	assert.True(t, summary.Hourly[0].Hour.Before(summary.Hourly[1].Hour))
	assert.True(t, summary.Hourly[1].Hour.Before(summary.Hourly[2].Hour))

	assert.Equal(t, int64(1), summary.Hourly[1].Requests)
	assert.Equal(t, int64(1), summary.Hourly[1].Blocks)
}

func TestGetSummary_HorizonExcludesOldAttempts(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	insertAttempt(t, sqlSvc, "198.51.100.33", model.KindIP, shared.EndpointChatSend, true, now.Add(-30*time.Hour))
	insertAttempt(t, sqlSvc, "198.51.100.33", model.KindIP, shared.EndpointChatSend, true, now.Add(-time.Hour))

	summary, err := svc.GetSummary(24)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.TotalRequests)
}

func TestGetSummary_BlockRateWithNoRequests(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	insertAttempt(t, sqlSvc, "198.51.100.34", model.KindIP, shared.EndpointChatSend, false, now)

	summary, err := svc.GetSummary(24)
	require.NoError(t, err)
	assert.Equal(t, 100.0, summary.BlockRate)
}

func TestGetBlockedIPs_NotCappedAtTen(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	for i := 0; i < 13; i++ {
		ip := fmt.Sprintf("198.51.100.%d", 100+i)
		insertAttempt(t, sqlSvc, ip, model.KindIP, shared.EndpointChatSend, false, now.Add(-time.Duration(i)*time.Minute))
	}

	blocked, err := svc.GetBlockedIPs(24)
	require.NoError(t, err)
	assert.Len(t, blocked, 13, "the listing view returns every blocked IP")

	summary, err := svc.GetSummary(24)
	require.NoError(t, err)
	assert.Len(t, summary.TopBlockedIPs, 10, "the summary keeps only the top 10")
}

func TestGetStats_GroupsByIdentifierAndWindow(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	insertAttempt(t, sqlSvc, "198.51.100.35", model.KindIP, shared.EndpointChatSend, true, now.Add(-time.Hour))
	insertAttempt(t, sqlSvc, "198.51.100.35", model.KindIP, shared.EndpointChatSend, true, now)
	insertAttempt(t, sqlSvc, "198.51.100.35", model.KindIP, shared.EndpointChatSend, false, now)
	insertAttempt(t, sqlSvc, "198.51.100.36", model.KindIP, shared.EndpointChatSend, true, now)

	stats, err := svc.GetStats("", 24)
	require.NoError(t, err)
	require.Len(t, stats, 3)

	// Newest window first, identifiers sorted within it.
	assert.Equal(t, "198.51.100.35", stats[0].Identifier)
	assert.Equal(t, int64(1), stats[0].RequestCount)
	assert.Equal(t, int64(1), stats[0].BlockCount)
	assert.Equal(t, "198.51.100.36", stats[1].Identifier)
	assert.Equal(t, "198.51.100.35", stats[2].Identifier)

	filtered, err := svc.GetStats("198.51.100.36", 24)
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "198.51.100.36", filtered[0].Identifier)
}

func TestGetRateLimitAnalytics_PerEndpoint(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	for i := 0; i < 4; i++ {
		insertAttempt(t, sqlSvc, "198.51.100.37", model.KindIP, shared.EndpointChatSend, true, now)
	}
	insertAttempt(t, sqlSvc, "198.51.100.37", model.KindIP, shared.EndpointChatSend, false, now)
	insertAttempt(t, sqlSvc, "198.51.100.37", model.KindIP, shared.EndpointCheckout, true, now)

	analytics, err := svc.GetRateLimitAnalytics(24)
	require.NoError(t, err)
	require.Len(t, analytics, 2)

	// Most blocked endpoint first.
	assert.Equal(t, shared.EndpointChatSend, analytics[0].Endpoint)
	assert.Equal(t, int64(4), analytics[0].TotalRequests)
	assert.Equal(t, int64(1), analytics[0].TotalBlocks)
	assert.Equal(t, 25.0, analytics[0].BlockRate)

	assert.Equal(t, shared.EndpointCheckout, analytics[1].Endpoint)
	assert.Equal(t, 0.0, analytics[1].BlockRate)
}

func TestGetBlockedIdentifiers(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	record, err := sqlSvc.GetOrCreateWindow("abuser@example.com", model.KindUser, shared.EndpointChatSend, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	require.NoError(t, sqlSvc.BlockRecord(record.ID, now.Add(10*time.Minute), now))

	expired, err := sqlSvc.GetOrCreateWindow("198.51.100.38", model.KindIP, shared.EndpointChatSend, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	require.NoError(t, sqlSvc.BlockRecord(expired.ID, now.Add(-time.Minute), now))

	blocked, err := svc.GetBlockedIdentifiers()
	require.NoError(t, err)
	require.Len(t, blocked, 1, "expired blocks should not be listed")

	assert.Equal(t, "abuser@example.com", blocked[0].Identifier)
	assert.Equal(t, string(model.KindUser), blocked[0].IdentifierKind)
	assert.Equal(t, "Authenticated user exceeded rate limits", blocked[0].Reason)
}

func TestClearLimit(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	record, err := sqlSvc.GetOrCreateWindow("198.51.100.39", model.KindIP, shared.EndpointChatSend, now.Add(-5*time.Minute), now)
	require.NoError(t, err)
	require.NoError(t, sqlSvc.BlockRecord(record.ID, now.Add(10*time.Minute), now))

	cleared, err := svc.ClearLimit("198.51.100.39")
	require.NoError(t, err)
	assert.Equal(t, int64(1), cleared)

	blocked, err := svc.GetBlockedIdentifiers()
	require.NoError(t, err)
	assert.Empty(t, blocked)

	_, err = svc.ClearLimit("")
	assert.Error(t, err)
}

func TestCleanup(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	insertAttempt(t, sqlSvc, "198.51.100.40", model.KindIP, shared.EndpointChatSend, true, now.Add(-10*24*time.Hour))
	insertAttempt(t, sqlSvc, "198.51.100.40", model.KindIP, shared.EndpointChatSend, true, now)

	_, err := sqlSvc.GetOrCreateWindow("198.51.100.41", model.KindIP, shared.EndpointChatSend, now.Add(-5*time.Minute), now.Add(-10*24*time.Hour))
	require.NoError(t, err)

	resp, err := svc.Cleanup(7)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.RecordsDeleted)
	assert.Equal(t, int64(1), resp.AttemptsDeleted)

	attempts, err := sqlSvc.GetAttemptsSince(now.Add(-30*24*time.Hour), "")
	require.NoError(t, err)
	assert.Len(t, attempts, 1)
}

func TestCleanup_KeepsBlockedRecords(t *testing.T) {
	now := time.Date(2026, 8, 1, 15, 30, 0, 0, time.UTC)
	clock := newFakeClock(now)
	svc, sqlSvc := newTestAnalyticsService(t, clock)

	created := now.Add(-10 * 24 * time.Hour)
	record, err := sqlSvc.GetOrCreateWindow("198.51.100.42", model.KindIP, shared.EndpointChatSend, created.Add(-5*time.Minute), created)
	require.NoError(t, err)
	require.NoError(t, sqlSvc.BlockRecord(record.ID, now.Add(time.Hour), now))

	resp, err := svc.Cleanup(7)
	require.NoError(t, err)
	assert.Equal(t, int64(0), resp.RecordsDeleted)

	blocked, err := svc.GetBlockedIdentifiers()
	require.NoError(t, err)
	assert.Len(t, blocked, 1)
}
