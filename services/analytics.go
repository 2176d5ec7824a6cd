package services

import (
	"math"
	"sort"
	"time"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

// AnalyticsService derives operational metrics from attempt history and
// block state. It is read-only apart from the explicit administrative
// ClearLimit and Cleanup operations, and never runs on the enforcement path.
type AnalyticsService struct {
	context.DefaultService

	sqlSvc *PostgresService

	now func() time.Time
}

const ANALYTICS_SVC = "analytics_svc"

func (svc AnalyticsService) Id() string {
	return ANALYTICS_SVC
}

func (svc *AnalyticsService) Configure(ctx *context.Context) error {
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *AnalyticsService) Start() error {
	svc.sqlSvc = svc.Service(POSTGRES_SVC).(*PostgresService)
	return nil
}

// ==================== REPORTING ====================

// GetStats groups attempts by (identifier, hour window) within the trailing
// horizon, newest first.
func (svc *AnalyticsService) GetStats(identifier string, hours int) ([]dto.RateLimitStatsEntry, error) {
	attempts, err := svc.attemptsWithin(hours, identifier)
	if err != nil {
		return nil, err
	}

	type groupKey struct {
		identifier  string
		windowStart time.Time
	}

	groups := make(map[groupKey]*dto.RateLimitStatsEntry)
	for _, attempt := range attempts {
		key := groupKey{attempt.Identifier, attempt.WindowStart}
		entry, ok := groups[key]
		if !ok {
			entry = &dto.RateLimitStatsEntry{
				Identifier:  attempt.Identifier,
				WindowStart: attempt.WindowStart,
			}
			groups[key] = entry
		}

		if attempt.Allowed {
			entry.RequestCount++
		} else {
			entry.BlockCount++
		}
	}

	stats := make([]dto.RateLimitStatsEntry, 0, len(groups))
	for _, entry := range groups {
		stats = append(stats, *entry)
	}

	sort.Slice(stats, func(i, j int) bool {
		if !stats[i].WindowStart.Equal(stats[j].WindowStart) {
			return stats[i].WindowStart.After(stats[j].WindowStart)
		}
		return stats[i].Identifier < stats[j].Identifier
	})

	return stats, nil
}

// GetSummary reports totals, the block rate as a percentage rounded to one
// decimal, the top 10 blocked IPs, and hourly buckets for charting.
func (svc *AnalyticsService) GetSummary(hours int) (*dto.RateLimitSummary, error) {
	attempts, err := svc.attemptsWithin(hours, "")
	if err != nil {
		return nil, err
	}

	summary := &dto.RateLimitSummary{
		TopBlockedIPs: []dto.BlockedIdentifier{},
		Hourly:        []dto.HourlyBucket{},
	}

	hourly := make(map[time.Time]*dto.HourlyBucket)

	for _, attempt := range attempts {
		bucket, ok := hourly[attempt.WindowStart]
		if !ok {
			bucket = &dto.HourlyBucket{Hour: attempt.WindowStart}
			hourly[attempt.WindowStart] = bucket
		}

		if attempt.Allowed {
			summary.TotalRequests++
			bucket.Requests++
		} else {
			summary.TotalBlocks++
			bucket.Blocks++
		}
	}

	summary.BlockRate = blockRate(summary.TotalBlocks, summary.TotalRequests)

	summary.TopBlockedIPs = aggregateBlockedIPs(attempts)
	if len(summary.TopBlockedIPs) > 10 {
		summary.TopBlockedIPs = summary.TopBlockedIPs[:10]
	}

	for _, bucket := range hourly {
		summary.Hourly = append(summary.Hourly, *bucket)
	}
	sort.Slice(summary.Hourly, func(i, j int) bool {
		return summary.Hourly[i].Hour.Before(summary.Hourly[j].Hour)
	})

	return summary, nil
}

// GetBlockedIPs lists every IP identifier denied within the trailing
// horizon. Unlike the summary's top-10, this is the complete listing.
func (svc *AnalyticsService) GetBlockedIPs(hours int) ([]dto.BlockedIdentifier, error) {
	attempts, err := svc.attemptsWithin(hours, "")
	if err != nil {
		return nil, err
	}
	return aggregateBlockedIPs(attempts), nil
}

// GetBlockedIdentifiers lists identifiers that are blocked right now,
// regardless of kind.
func (svc *AnalyticsService) GetBlockedIdentifiers() ([]dto.BlockedIdentifier, error) {
	records, err := svc.sqlSvc.GetBlockedRecords(svc.now())
	if err != nil {
		return nil, svc.sqlSvc.HandleError(err)
	}

	blocked := make([]dto.BlockedIdentifier, 0, len(records))
	for _, record := range records {
		kind := record.IdentifierKind
		if kind == "" {
			kind = model.InferIdentifierKind(record.Identifier)
		}

		blocked = append(blocked, dto.BlockedIdentifier{
			Identifier:     record.Identifier,
			IdentifierKind: string(kind),
			BlockCount:     1,
			FirstBlocked:   record.UpdatedAt,
			LastBlocked:    record.UpdatedAt,
			BlockedUntil:   record.BlockedUntil,
			Reason:         blockReason(kind),
		})
	}

	return blocked, nil
}

// GetRateLimitAnalytics is the per-endpoint view of the same attempt
// history, for "which routes are under attack" dashboards.
func (svc *AnalyticsService) GetRateLimitAnalytics(hours int) ([]dto.EndpointAnalytics, error) {
	attempts, err := svc.attemptsWithin(hours, "")
	if err != nil {
		return nil, err
	}

	endpoints := make(map[string]*dto.EndpointAnalytics)
	for _, attempt := range attempts {
		entry, ok := endpoints[attempt.Endpoint]
		if !ok {
			entry = &dto.EndpointAnalytics{Endpoint: attempt.Endpoint}
			endpoints[attempt.Endpoint] = entry
		}

		if attempt.Allowed {
			entry.TotalRequests++
		} else {
			entry.TotalBlocks++
		}
	}

	analytics := make([]dto.EndpointAnalytics, 0, len(endpoints))
	for _, entry := range endpoints {
		entry.BlockRate = blockRate(entry.TotalBlocks, entry.TotalRequests)
		analytics = append(analytics, *entry)
	}

	sort.Slice(analytics, func(i, j int) bool {
		if analytics[i].TotalBlocks != analytics[j].TotalBlocks {
			return analytics[i].TotalBlocks > analytics[j].TotalBlocks
		}
		return analytics[i].Endpoint < analytics[j].Endpoint
	})

	return analytics, nil
}

// ==================== ADMIN OPERATIONS ====================

// ClearLimit is the manual unblock: resets count and block state for every
// record matching the identifier. Unlike the enforcement path this fails
// closed; the operator needs to know when it didn't happen.
func (svc *AnalyticsService) ClearLimit(identifier string) (int64, error) {
	if identifier == "" {
		return 0, dto.ErrEmptyIdentifier
	}

	cleared, err := svc.sqlSvc.ClearLimit(identifier, svc.now())
	if err != nil {
		return 0, svc.sqlSvc.HandleError(err)
	}

	log.WithFields(log.Fields{
		"identifier": identifier,
		"cleared":    cleared,
	}).Info("Rate limit cleared by admin")

	return cleared, nil
}

// Cleanup purges records and attempts past the retention horizon.
func (svc *AnalyticsService) Cleanup(daysToKeep int) (*dto.CleanupResponse, error) {
	if daysToKeep <= 0 {
		daysToKeep = shared.DefaultRetentionDays
	}

	now := svc.now()
	cutoff := now.AddDate(0, 0, -daysToKeep)

	records, attempts, err := svc.sqlSvc.CleanupBefore(cutoff, now)
	if err != nil {
		return nil, svc.sqlSvc.HandleError(err)
	}

	return &dto.CleanupResponse{
		RecordsDeleted:  records,
		AttemptsDeleted: attempts,
	}, nil
}

// ==================== HELPERS ====================

func (svc *AnalyticsService) attemptsWithin(hours int, identifier string) ([]model.RateLimitAttempt, error) {
	if hours <= 0 {
		hours = 24
	}

	since := svc.now().Add(-time.Duration(hours) * time.Hour)
	attempts, err := svc.sqlSvc.GetAttemptsSince(since, identifier)
	if err != nil {
		return nil, svc.sqlSvc.HandleError(err)
	}
	return attempts, nil
}

// aggregateBlockedIPs folds denied ip-kind attempts into per-identifier
// entries, most blocked first.
func aggregateBlockedIPs(attempts []model.RateLimitAttempt) []dto.BlockedIdentifier {
	blockedIPs := make(map[string]*dto.BlockedIdentifier)

	for _, attempt := range attempts {
		if attempt.Allowed || attempt.IdentifierKind != model.KindIP {
			continue
		}

		blocked, ok := blockedIPs[attempt.Identifier]
		if !ok {
			blocked = &dto.BlockedIdentifier{
				Identifier:     attempt.Identifier,
				IdentifierKind: string(attempt.IdentifierKind),
				FirstBlocked:   attempt.CreatedAt,
				LastBlocked:    attempt.CreatedAt,
				Reason:         blockReason(attempt.IdentifierKind),
			}
			blockedIPs[attempt.Identifier] = blocked
		}
		blocked.BlockCount++
		if attempt.CreatedAt.Before(blocked.FirstBlocked) {
			blocked.FirstBlocked = attempt.CreatedAt
		}
		if attempt.CreatedAt.After(blocked.LastBlocked) {
			blocked.LastBlocked = attempt.CreatedAt
		}
	}

	out := make([]dto.BlockedIdentifier, 0, len(blockedIPs))
	for _, blocked := range blockedIPs {
		out = append(out, *blocked)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].BlockCount != out[j].BlockCount {
			return out[i].BlockCount > out[j].BlockCount
		}
		return out[i].Identifier < out[j].Identifier
	})

	return out
}

func blockRate(blocks, requests int64) float64 {
	if requests == 0 {
		if blocks > 0 {
			return 100.0
		}
		return 0
	}
	return math.Round(float64(blocks)/float64(requests)*1000) / 10
}

func blockReason(kind model.IdentifierKind) string {
	switch kind {
	case model.KindUser:
		return "Authenticated user exceeded rate limits"
	default:
		return "IP address exceeded rate limits"
	}
}
