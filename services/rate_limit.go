package services

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alphabatem/common/context"
	"github.com/gofiber/fiber/v2"
	log "github.com/sirupsen/logrus"

	"github.com/verdantcart/guard_api/dto"
	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"
)

// RateLimitStore is the persistence contract the limiter enforces through.
// The window tracker is the only writer of counting state; everything here is
// scoped to a single (identifier, endpoint) pair.
type RateLimitStore interface {
	GetOrCreateWindow(identifier string, kind model.IdentifierKind, endpoint string, windowStart, now time.Time) (*model.RateLimitRecord, error)
	IncrementIfAllowed(recordID string, limit int, now time.Time) (int, bool, error)
	BlockRecord(recordID string, until, now time.Time) error
	ResetRecord(recordID string, now time.Time) error
	InsertAttempt(attempt *model.RateLimitAttempt) error
}

type RateLimitService struct {
	context.DefaultService

	configs map[string]*dto.RateLimitConfig
	mutex   sync.RWMutex

	store  RateLimitStore
	sqlSvc *PostgresService

	now func() time.Time
}

const RATE_LIMIT_SVC = "rate_limit_svc"

func (svc RateLimitService) Id() string {
	return RATE_LIMIT_SVC
}

func (svc *RateLimitService) Configure(ctx *context.Context) error {
	svc.configs = make(map[string]*dto.RateLimitConfig)
	svc.now = time.Now
	return svc.DefaultService.Configure(ctx)
}

func (svc *RateLimitService) Start() error {
	svc.sqlSvc = svc.Service(POSTGRES_SVC).(*PostgresService)
	svc.store = svc.sqlSvc

	svc.initDefaultConfigs()
	svc.loadPersistedPolicies()

	return nil
}

// ==================== POLICY MANAGEMENT ====================

func (svc *RateLimitService) initDefaultConfigs() {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	svc.configs = map[string]*dto.RateLimitConfig{
		shared.EndpointChatSend: {
			Endpoint: shared.EndpointChatSend,
			Limit:    30,
			Window:   5 * time.Minute,
		},
		shared.EndpointChatSendEnterprise: {
			Endpoint: shared.EndpointChatSendEnterprise,
			Limit:    100,
			Window:   5 * time.Minute,
		},
		shared.EndpointChatRead: {
			Endpoint: shared.EndpointChatRead,
			Limit:    120,
			Window:   5 * time.Minute,
		},
		shared.EndpointCheckout: {
			Endpoint: shared.EndpointCheckout,
			Limit:    5,
			Window:   15 * time.Minute,
		},
		shared.EndpointDashboardLink: {
			Endpoint: shared.EndpointDashboardLink,
			Limit:    5,
			Window:   15 * time.Minute,
		},
		shared.EndpointAPIGeneral: {
			Endpoint: shared.EndpointAPIGeneral,
			Limit:    1000,
			Window:   time.Hour,
		},
		shared.EndpointAPIStrict: {
			Endpoint:     shared.EndpointAPIStrict,
			Limit:        100,
			Window:       10 * time.Minute,
			OnStoreError: dto.FailClosed,
		},
	}

	for _, config := range svc.configs {
		if config.OnStoreError == "" {
			config.OnStoreError = dto.FailOpen
		}
	}
}

// loadPersistedPolicies overlays DB-managed policies on the compiled-in
// defaults so admin edits survive restarts.
func (svc *RateLimitService) loadPersistedPolicies() {
	policies, err := svc.sqlSvc.GetPolicies()
	if err != nil {
		log.Printf("Failed to load rate limit policies, using defaults: %v", err)
		return
	}

	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	for _, policy := range policies {
		if !policy.IsActive {
			delete(svc.configs, policy.Endpoint)
			continue
		}

		svc.configs[policy.Endpoint] = &dto.RateLimitConfig{
			Endpoint:     policy.Endpoint,
			Limit:        policy.Limit,
			Window:       time.Duration(policy.WindowMs) * time.Millisecond,
			OnStoreError: dto.FailPolicy(policy.OnStoreError),
		}
	}
}

// PolicyFor returns a copy of the named policy, or false when no active
// policy covers the endpoint.
func (svc *RateLimitService) PolicyFor(endpoint string) (dto.RateLimitConfig, bool) {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()

	config, exists := svc.configs[endpoint]
	if !exists {
		return dto.RateLimitConfig{}, false
	}
	return *config, true
}

func (svc *RateLimitService) Policies() map[string]dto.RateLimitConfig {
	svc.mutex.RLock()
	defer svc.mutex.RUnlock()

	policies := make(map[string]dto.RateLimitConfig, len(svc.configs))
	for endpoint, config := range svc.configs {
		policies[endpoint] = *config
	}
	return policies
}

func (svc *RateLimitService) UpdatePolicy(endpoint string, req dto.UpdatePolicyRequest) (*model.RateLimitPolicy, error) {
	svc.mutex.Lock()
	defer svc.mutex.Unlock()

	// Merge onto a copy and validate it fully before the live map or the
	// store see anything; a rejected update must leave the policy table
	// exactly as it was.
	merged := dto.RateLimitConfig{
		Endpoint:     endpoint,
		OnStoreError: dto.FailOpen,
	}
	if existing, exists := svc.configs[endpoint]; exists {
		merged = *existing
	}

	if req.Limit > 0 {
		merged.Limit = req.Limit
	}
	if req.Window != "" {
		if duration, err := time.ParseDuration(req.Window); err == nil && duration > 0 {
			merged.Window = duration
		}
	}
	if req.OnStoreError != "" {
		merged.OnStoreError = dto.FailPolicy(req.OnStoreError)
	}

	if merged.Limit <= 0 {
		return nil, dto.ErrInvalidLimit
	}
	if merged.Window <= 0 {
		return nil, dto.ErrInvalidWindow
	}

	policy := &model.RateLimitPolicy{
		ID:           endpoint + "-policy",
		Endpoint:     endpoint,
		Limit:        merged.Limit,
		WindowMs:     merged.Window.Milliseconds(),
		OnStoreError: string(merged.OnStoreError),
		Description:  req.Description,
		IsActive:     req.IsActive == nil || *req.IsActive,
	}

	if err := svc.sqlSvc.SavePolicy(policy); err != nil {
		return nil, svc.sqlSvc.HandleError(err)
	}

	if policy.IsActive {
		svc.configs[endpoint] = &merged
	} else {
		delete(svc.configs, endpoint)
	}

	return policy, nil
}

// ==================== CORE RATE LIMITING LOGIC ====================

// CheckLimit applies the config to the identifier's current window and
// returns the allow/deny decision. Store failures never propagate to the
// caller: the configured fail policy decides the outcome instead.
func (svc *RateLimitService) CheckLimit(config dto.RateLimitConfig) (*dto.RateLimitResult, error) {
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
			}).Warn("Rate limit store error, failing closed")

			rateLimitChecksTotal.WithLabelValues(endpoint, "denied").Inc()
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
		}).Warn("Rate limit store error, failing open")

		rateLimitFailOpenTotal.Inc()
		rateLimitChecksTotal.WithLabelValues(endpoint, "allowed").Inc()
		return &dto.RateLimitResult{
			Allowed:   true,
			Remaining: config.Limit,
			ResetTime: now.Add(config.Window),
		}, nil
	}

	outcome := "allowed"
	if !result.Allowed {
		outcome = "denied"
	}
	rateLimitChecksTotal.WithLabelValues(endpoint, outcome).Inc()

	return result, nil
}

func (svc *RateLimitService) evaluate(config dto.RateLimitConfig, endpoint string, now time.Time) (*dto.RateLimitResult, error) {
	kind := config.IdentifierKind
	if kind == "" {
		kind = model.InferIdentifierKind(config.Identifier)
	}

	windowStart := now.Add(-config.Window)
	record, err := svc.store.GetOrCreateWindow(config.Identifier, kind, endpoint, windowStart, now)
	if err != nil {
		return nil, err
	}

	if record.Blocked {
		if record.BlockedUntil != nil && !record.BlockedUntil.After(now) {
			// Block expired: clean slate, fresh window from now.
			if err := svc.store.ResetRecord(record.ID, now); err != nil {
				return nil, err
			}
			record.Blocked = false
			record.BlockedUntil = nil
			record.RequestCount = 0
			record.WindowStart = now
		} else {
			resetTime := now.Add(config.Window)
			if record.BlockedUntil != nil {
				resetTime = *record.BlockedUntil
			}
			return &dto.RateLimitResult{
				Allowed:   false,
				Remaining: 0,
				ResetTime: resetTime,
			}, nil
		}
	}

	newCount, allowed, err := svc.store.IncrementIfAllowed(record.ID, config.Limit, now)
	if err != nil {
		return nil, err
	}

	if !allowed {
		// Penalty box: a denial locks the identifier out for a full fresh
		// window from the moment of denial, not from the window start.
		blockedUntil := now.Add(config.Window)
		if err := svc.store.BlockRecord(record.ID, blockedUntil, now); err != nil {
			return nil, err
		}

		rateLimitBlocksTotal.WithLabelValues(endpoint).Inc()
		return &dto.RateLimitResult{
			Allowed:   false,
			Remaining: 0,
			ResetTime: blockedUntil,
		}, nil
	}

	remaining := config.Limit - newCount
	if remaining < 0 {
		remaining = 0
	}

	return &dto.RateLimitResult{
		Allowed:   true,
		Remaining: remaining,
		ResetTime: record.WindowStart.Add(config.Window),
	}, nil
}

// CheckEndpoint evaluates the named policy for the identifier. Unknown or
// inactive policies allow the request, mirroring an unconfigured surface.
func (svc *RateLimitService) CheckEndpoint(identifier string, kind model.IdentifierKind, endpoint string) (*dto.RateLimitResult, error) {
	config, exists := svc.PolicyFor(endpoint)
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

// RecordAttempt appends an analytics-only row. It never touches counting
// state, so reporting volume cannot interfere with enforcement.
func (svc *RateLimitService) RecordAttempt(identifier string, kind model.IdentifierKind, allowed bool, ipAddress, endpoint string) error {
	if identifier == "" {
		return dto.ErrEmptyIdentifier
	}
	if endpoint == "" {
		endpoint = shared.EndpointDefault
	}
	if kind == "" {
		kind = model.InferIdentifierKind(identifier)
	}

	now := svc.now()
	attempt := &model.RateLimitAttempt{
		Identifier:     identifier,
		IdentifierKind: kind,
		Endpoint:       endpoint,
		Allowed:        allowed,
		IPAddress:      ipAddress,
		WindowStart:    now.Truncate(time.Hour),
		CreatedAt:      now,
	}

	if err := svc.store.InsertAttempt(attempt); err != nil {
		log.WithFields(log.Fields{
			"identifier": identifier,
			"endpoint":   endpoint,
			"error":      err.Error(),
		}).Warn("Failed to record rate limit attempt")
		return err
	}

	return nil
}

// ==================== MIDDLEWARE FUNCTIONS ====================

// RateLimit applies the named policy to requests, keyed by authenticated
// service subject when present and client IP otherwise.
func (svc *RateLimitService) RateLimit(endpoint string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		identifier, kind := requestIdentity(c)

		result, err := svc.CheckEndpoint(identifier, kind, endpoint)
		if err != nil {
			log.Printf("Rate limit check error for %s (%s): %v", endpoint, identifier, err)
			// Caller bug or unexpected failure; don't take user traffic down.
			return c.Next()
		}

		addRateLimitHeaders(c, result)

		if !result.Allowed {
			return handleRateLimitExceeded(c, endpoint, result)
		}

		return c.Next()
	}
}

// IPRateLimit applies the general per-IP policy.
func (svc *RateLimitService) IPRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getClientIP(c)

		result, err := svc.CheckEndpoint(ip, model.KindIP, shared.EndpointAPIGeneral)
		if err != nil {
			log.Printf("IP rate limit check error for %s: %v", ip, err)
			return c.Next()
		}

		addRateLimitHeaders(c, result)

		if !result.Allowed {
			return handleRateLimitExceeded(c, shared.EndpointAPIGeneral, result)
		}

		return c.Next()
	}
}

// StrictRateLimit protects sensitive surfaces; unlike the general
// middleware, evaluation errors here are surfaced rather than waved through.
func (svc *RateLimitService) StrictRateLimit() fiber.Handler {
	return func(c *fiber.Ctx) error {
		ip := getClientIP(c)

		result, err := svc.CheckEndpoint(ip, model.KindIP, shared.EndpointAPIStrict)
		if err != nil {
			log.Printf("Strict rate limit check error for %s: %v", ip, err)
			return shared.ResponseJSON(c, http.StatusInternalServerError, "Rate limit service unavailable", nil)
		}

		if !result.Allowed {
			return handleRateLimitExceeded(c, shared.EndpointAPIStrict, result)
		}

		return c.Next()
	}
}

// ==================== HELPER FUNCTIONS ====================

func requestIdentity(c *fiber.Ctx) (string, model.IdentifierKind) {
	serviceID := c.Locals(shared.ServiceID)
	if serviceID != nil {
		if serviceIDStr, ok := serviceID.(string); ok && serviceIDStr != "" {
			return serviceIDStr, model.KindUser
		}
	}
	return getClientIP(c), model.KindIP
}

func addRateLimitHeaders(c *fiber.Ctx, result *dto.RateLimitResult) {
	if result == nil {
		return
	}

	if result.Remaining >= 0 {
		c.Set(shared.HeaderRateLimitRemaining, strconv.Itoa(result.Remaining))
	}

	if !result.ResetTime.IsZero() {
		c.Set(shared.HeaderRateLimitReset, strconv.FormatInt(result.ResetTime.Unix(), 10))

		if !result.Allowed {
			retryAfter := int(time.Until(result.ResetTime).Seconds())
			if retryAfter > 0 {
				c.Set(shared.HeaderRetryAfter, strconv.Itoa(retryAfter))
			}
		}
	}
}

func handleRateLimitExceeded(c *fiber.Ctx, endpoint string, result *dto.RateLimitResult) error {
	message := getRateLimitMessage(endpoint)

	response := map[string]interface{}{
		"error":   "Rate limit exceeded",
		"message": message,
	}

	if !result.ResetTime.IsZero() {
		response["reset_time"] = result.ResetTime.Unix()
		retryAfter := int(time.Until(result.ResetTime).Seconds())
		if retryAfter > 0 {
			response["retry_after"] = retryAfter
		}
	}

	return shared.ResponseJSON(c, http.StatusTooManyRequests, message, response)
}

func getRateLimitMessage(endpoint string) string {
	messages := map[string]string{
		shared.EndpointChatSend:           "Too many messages. Please slow down.",
		shared.EndpointChatSendEnterprise: "Too many messages. Please slow down.",
		shared.EndpointChatRead:           "Too many requests. Please try again shortly.",
		shared.EndpointCheckout:           "Too many checkout attempts. Please try again later.",
		shared.EndpointDashboardLink:      "Too many dashboard link requests. Please try again later.",
		shared.EndpointAPIGeneral:         "Too many requests. Please slow down.",
		shared.EndpointAPIStrict:          "Rate limit exceeded. Access temporarily blocked.",
	}

	if message, exists := messages[endpoint]; exists {
		return message
	}

	return "Too many requests. Please try again later."
}

func getClientIP(c *fiber.Ctx) string {
	// Check for forwarded IP first (for load balancers/proxies)
	forwarded := c.Get("X-Forwarded-For")
	if forwarded != "" {
		ips := strings.Split(forwarded, ",")
		if len(ips) > 0 {
			ip := strings.TrimSpace(ips[0])
			if ip != "" {
				return ip
			}
		}
	}

	realIP := c.Get("X-Real-IP")
	if realIP != "" {
		return realIP
	}

	cfIP := c.Get("CF-Connecting-IP")
	if cfIP != "" {
		return cfIP
	}

	ip, _, err := net.SplitHostPort(c.Context().RemoteAddr().String())
	if err != nil {
		return c.Context().RemoteAddr().String()
	}

	return ip
}

// ==================== BACKEND SELECTION ====================

// StoreBackend reports which counting backend this deployment uses.
func StoreBackend() string {
	backend := os.Getenv("RATE_LIMIT_BACKEND")
	if backend == "" {
		return "postgres"
	}
	return backend
}
