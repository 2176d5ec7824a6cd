package services

import (
	"context"
	"fmt"
	"time"

	appContext "github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"

	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

// RedisRateLimitService is the distributed variant of the limiter for
// multi-instance deployments. Counting uses INCR with a window-scoped TTL:
// the post-increment value comes back from the same command, so the
// increment-and-compare is atomic without any locking. The penalty box is a
// separate block key whose TTL is the remaining lockout.
type RedisRateLimitService struct {
	appContext.DefaultService

	redisSvc *RedisService
	rlSvc    *RateLimitService

	opTimeout time.Duration
	now       func() time.Time
}

const REDIS_RATE_LIMIT_SVC = "redis_rate_limit_svc"

func (svc RedisRateLimitService) Id() string {
	return REDIS_RATE_LIMIT_SVC
}

func (svc *RedisRateLimitService) Configure(ctx *appContext.Context) error {
	svc.opTimeout = 500 * time.Millisecond
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *RedisRateLimitService) Start() error {
	svc.redisSvc = svc.Service(REDIS_SVC).(*RedisService)
	svc.rlSvc = svc.Service(RATE_LIMIT_SVC).(*RateLimitService)
	return nil
}

func counterKey(endpoint, identifier string) string {
	return fmt.Sprintf("ratelimit:%s:%s", endpoint, identifier)
}

func blockKey(endpoint, identifier string) string {
	return fmt.Sprintf("ratelimit:block:%s:%s", endpoint, identifier)
}

// CheckLimit applies the config against Redis counters. Same contract and
// fail policy as the record-backed evaluator.
func (svc *RedisRateLimitService) CheckLimit(config dto.RateLimitConfig) (*dto.RateLimitResult, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	endpoint := config.Endpoint
	if endpoint == "" {
		endpoint = shared.EndpointDefault
	}

	now := svc.now()
	result, err := svc.evaluate(config, endpoint, now)
	if err != nil {
		rateLimitStoreErrors.Inc()

		if config.OnStoreError == dto.FailClosed {
			log.WithFields(log.Fields{
				"identifier": config.Identifier,
				"endpoint":   endpoint,
				"error":      err.Error(),
			}).Warn("Redis rate limit error, failing closed")

			return &dto.RateLimitResult{
				Allowed:   false,
				Remaining: 0,
				ResetTime: now.Add(config.Window),
			}, nil
		}

		log.WithFields(log.Fields{
			"identifier": config.Identifier,
			"endpoint":   endpoint,
			"error":      err.Error(),
		}).Warn("Redis rate limit error, failing open")

		rateLimitFailOpenTotal.Inc()
		return &dto.RateLimitResult{
			Allowed:   true,
			Remaining: config.Limit,
			ResetTime: now.Add(config.Window),
		}, nil
	}

	return result, nil
}

func (svc *RedisRateLimitService) evaluate(config dto.RateLimitConfig, endpoint string, now time.Time) (*dto.RateLimitResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), svc.opTimeout)
	defer cancel()

	// Blocked identifiers short-circuit before any counting.
	blockTTL, err := svc.redisSvc.PTTL(ctx, blockKey(endpoint, config.Identifier))
	if err != nil {
		return nil, err
	}
	if blockTTL > 0 {
		return &dto.RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetTime: now.Add(blockTTL),
		}, nil
	}

	key := counterKey(endpoint, config.Identifier)
	count, err := svc.redisSvc.Increment(ctx, key)
	if err != nil {
		return nil, err
	}

	if count == 1 {
		if err := svc.redisSvc.PExpire(ctx, key, config.Window); err != nil {
			return nil, err
		}
	}

	if count > int64(config.Limit) {
		// Penalty box: full fresh window from the moment of denial.
		if err := svc.redisSvc.Set(ctx, blockKey(endpoint, config.Identifier), "1", config.Window); err != nil {
			return nil, err
		}

		rateLimitBlocksTotal.WithLabelValues(endpoint).Inc()
		return &dto.RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetTime: now.Add(config.Window),
		}, nil
	}

	resetTime := now.Add(config.Window)
	if ttl, err := svc.redisSvc.PTTL(ctx, key); err == nil && ttl > 0 {
		resetTime = now.Add(ttl)
	}

	remaining := config.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}

	return &dto.RateLimitResult{
		Allowed:   true,
		Remaining: remaining,
		ResetTime: resetTime,
	}, nil
}

// CheckEndpoint resolves the named policy through the primary limiter's
// policy table, then counts in Redis.
func (svc *RedisRateLimitService) CheckEndpoint(identifier string, kind model.IdentifierKind, endpoint string) (*dto.RateLimitResult, error) {
	config, exists := svc.rlSvc.PolicyFor(endpoint)
	if !exists {
		return &dto.RateLimitResult{
			Allowed:   true,
			Remaining: -1,
		}, nil
	}

	config.Identifier = identifier
	config.IdentifierKind = kind
	return svc.CheckLimit(config)
}

// ClearLimit drops the counter and block keys for the identifier on the
// given endpoint. Admin path; errors surface.
func (svc *RedisRateLimitService) ClearLimit(identifier, endpoint string) error {
	ctx, cancel := context.WithTimeout(context.Background(), svc.opTimeout)
	defer cancel()

	return svc.redisSvc.Delete(ctx, counterKey(endpoint, identifier), blockKey(endpoint, identifier))
}
