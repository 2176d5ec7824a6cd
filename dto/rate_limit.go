package dto

import (
	"errors"
	"time"

	"github.com/verdantcart/guard_api/model"
)

// FailPolicy controls what CheckLimit returns when the store itself errors.
// FailOpen admits the request so a degraded limiter never becomes an outage
// amplifier; FailClosed denies it.
type FailPolicy string

const (
	FailOpen   FailPolicy = "fail_open"
	FailClosed FailPolicy = "fail_closed"
)

// RateLimitConfig is the caller-supplied policy for a single check. It is a
// pure value object; nothing here is persisted.
type RateLimitConfig struct {
	Identifier     string
	IdentifierKind model.IdentifierKind
	Endpoint       string
	Limit          int
	Window         time.Duration
	OnStoreError   FailPolicy
}

var (
	ErrEmptyIdentifier = errors.New("rate limit identifier must not be empty")
	ErrInvalidLimit    = errors.New("rate limit must be a positive integer")
	ErrInvalidWindow   = errors.New("rate limit window must be a positive duration")
)

// Validate rejects caller bugs up front. An invalid config is a programming
// error, never a traffic-shaping outcome.
func (c RateLimitConfig) Validate() error {
	if c.Identifier == "" {
		return ErrEmptyIdentifier
	}
	if c.Limit <= 0 {
		return ErrInvalidLimit
	}
	if c.Window <= 0 {
		return ErrInvalidWindow
	}
	return nil
}

// RateLimitResult is the allow/deny decision plus backoff metadata.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Remaining int       `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
}

// ==================== HTTP REQUEST DTOs ====================

type CheckLimitRequest struct {
	Identifier     string `json:"identifier" validate:"required,max=255" example:"user:42"`
	IdentifierKind string `json:"identifier_kind" validate:"omitempty,oneof=user ip" example:"user"`
	Endpoint       string `json:"endpoint" validate:"omitempty,max=50" example:"chat_send"`
}

func (r CheckLimitRequest) Validate() error {
	return GetValidator().Struct(r)
}

type RecordAttemptRequest struct {
	Identifier     string `json:"identifier" validate:"required,max=255" example:"1.2.3.4"`
	IdentifierKind string `json:"identifier_kind" validate:"omitempty,oneof=user ip" example:"ip"`
	Endpoint       string `json:"endpoint" validate:"omitempty,max=50" example:"checkout"`
	Allowed        bool   `json:"allowed" example:"true"`
	IPAddress      string `json:"ip_address,omitempty" validate:"omitempty,max=64" example:"1.2.3.4"`
}

func (r RecordAttemptRequest) Validate() error {
	return GetValidator().Struct(r)
}

type UpdatePolicyRequest struct {
	Limit        int    `json:"limit,omitempty" validate:"omitempty,min=1" example:"30"`
	Window       string `json:"window,omitempty" validate:"omitempty,duration" example:"5m"`
	OnStoreError string `json:"on_store_error,omitempty" validate:"omitempty,oneof=fail_open fail_closed" example:"fail_open"`
	Description  string `json:"description,omitempty"`
	IsActive     *bool  `json:"is_active,omitempty" example:"true"`
}

func (r UpdatePolicyRequest) Validate() error {
	return GetValidator().Struct(r)
}

// ==================== ANALYTICS DTOs ====================

type RateLimitStatsEntry struct {
	Identifier   string    `json:"identifier"`
	WindowStart  time.Time `json:"window_start"`
	RequestCount int64     `json:"request_count"`
	BlockCount   int64     `json:"block_count"`
}

type HourlyBucket struct {
	Hour     time.Time `json:"hour"`
	Requests int64     `json:"requests"`
	Blocks   int64     `json:"blocks"`
}

type BlockedIdentifier struct {
	Identifier     string     `json:"identifier"`
	IdentifierKind string     `json:"identifier_kind"`
	BlockCount     int64      `json:"block_count"`
	FirstBlocked   time.Time  `json:"first_blocked"`
	LastBlocked    time.Time  `json:"last_blocked"`
	BlockedUntil   *time.Time `json:"blocked_until,omitempty"`
	Reason         string     `json:"reason"`
}

type RateLimitSummary struct {
	TotalRequests int64               `json:"total_requests"`
	TotalBlocks   int64               `json:"total_blocks"`
	BlockRate     float64             `json:"block_rate"`
	TopBlockedIPs []BlockedIdentifier `json:"top_blocked_ips"`
	Hourly        []HourlyBucket      `json:"hourly"`
}

type EndpointAnalytics struct {
	Endpoint      string  `json:"endpoint"`
	TotalRequests int64   `json:"total_requests"`
	TotalBlocks   int64   `json:"total_blocks"`
	BlockRate     float64 `json:"block_rate"`
}

type CleanupResponse struct {
	RecordsDeleted  int64 `json:"records_deleted"`
	AttemptsDeleted int64 `json:"attempts_deleted"`
}
