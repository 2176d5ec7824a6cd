package handlers

import (
	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/model"
)

// LimitCheckerInterface is the enforcement contract. Both the record-backed
// and the Redis-backed limiter satisfy it; the HTTP layer picks one per
// deployment.
type LimitCheckerInterface interface {
	CheckLimit(config dto.RateLimitConfig) (*dto.RateLimitResult, error)
	CheckEndpoint(identifier string, kind model.IdentifierKind, endpoint string) (*dto.RateLimitResult, error)
}

type RateLimitServiceInterface interface {
	LimitCheckerInterface
	RecordAttempt(identifier string, kind model.IdentifierKind, allowed bool, ipAddress, endpoint string) error
	Policies() map[string]dto.RateLimitConfig
	UpdatePolicy(endpoint string, req dto.UpdatePolicyRequest) (*model.RateLimitPolicy, error)
}

type AnalyticsServiceInterface interface {
	GetStats(identifier string, hours int) ([]dto.RateLimitStatsEntry, error)
	GetSummary(hours int) (*dto.RateLimitSummary, error)
	GetBlockedIPs(hours int) ([]dto.BlockedIdentifier, error)
	GetBlockedIdentifiers() ([]dto.BlockedIdentifier, error)
	GetRateLimitAnalytics(hours int) ([]dto.EndpointAnalytics, error)
	ClearLimit(identifier string) (int64, error)
	Cleanup(daysToKeep int) (*dto.CleanupResponse, error)
}

type ExportServiceInterface interface {
	ExportSummary(hours int) (string, error)
}
