package model

import (
	"strings"
	"time"
)

// IdentifierKind tags what a rate limit identifier represents. Callers supply
// it explicitly; InferIdentifierKind exists only as a fallback for legacy rows.
type IdentifierKind string

const (
	KindUser IdentifierKind = "user"
	KindIP   IdentifierKind = "ip"
)

// InferIdentifierKind guesses the kind for identifiers recorded before kinds
// were tagged. User keys historically were email-shaped.
func InferIdentifierKind(identifier string) IdentifierKind {
	if strings.Contains(identifier, "@") {
		return KindUser
	}
	return KindIP
}

// RateLimitRecord is the authoritative counting window for one
// (identifier, endpoint) pair. Exactly one record per pair is current at any
// time; stale windows are deleted before a new one is considered.
type RateLimitRecord struct {
	ID             string         `json:"id" gorm:"primaryKey;type:text;not null"`
	Identifier     string         `json:"identifier" gorm:"not null;uniqueIndex:idx_rate_limit_pair;size:255"`
	IdentifierKind IdentifierKind `json:"identifier_kind" gorm:"not null;size:10"`
	Endpoint       string         `json:"endpoint" gorm:"not null;uniqueIndex:idx_rate_limit_pair;size:50"`
	RequestCount   int            `json:"request_count" gorm:"default:0;not null"`
	WindowStart    time.Time      `json:"window_start" gorm:"not null;index"`
	Blocked        bool           `json:"blocked" gorm:"default:false;not null"`
	BlockedUntil   *time.Time     `json:"blocked_until,omitempty" gorm:"index"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null;index"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"not null"`
}

// RateLimitAttempt is an append-only analytics row. It never participates in
// enforcement; WindowStart is aligned down to the hour for trend bucketing.
type RateLimitAttempt struct {
	ID             string         `json:"id" gorm:"primaryKey;type:text;not null"`
	Identifier     string         `json:"identifier" gorm:"not null;index;size:255"`
	IdentifierKind IdentifierKind `json:"identifier_kind" gorm:"not null;size:10"`
	Endpoint       string         `json:"endpoint" gorm:"not null;size:50"`
	Allowed        bool           `json:"allowed" gorm:"not null"`
	IPAddress      string         `json:"ip_address" gorm:"size:64"`
	WindowStart    time.Time      `json:"window_start" gorm:"not null;index"`
	CreatedAt      time.Time      `json:"created_at" gorm:"not null;index"`
}

// RateLimitPolicy is a persisted named policy. A denial blocks the identifier
// for one full window from the moment of denial.
type RateLimitPolicy struct {
	ID           string    `json:"id" gorm:"primaryKey;type:text;not null"`
	Endpoint     string    `json:"endpoint" gorm:"uniqueIndex;not null;size:50"`
	Limit        int       `json:"limit" gorm:"not null"`
	WindowMs     int64     `json:"window_ms" gorm:"not null"`
	OnStoreError string    `json:"on_store_error" gorm:"default:'fail_open';not null;size:20"`
	Description  string    `json:"description" gorm:"type:text"`
	IsActive     bool      `json:"is_active" gorm:"default:true;not null"`
	CreatedAt    time.Time `json:"created_at" gorm:"not null"`
	UpdatedAt    time.Time `json:"updated_at" gorm:"not null"`
}
