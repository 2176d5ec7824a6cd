package services

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/shared"

	"github.com/alphabatem/common/context"
	log "github.com/sirupsen/logrus"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type PostgresService struct {
	context.DefaultService
	db *gorm.DB

	database string
}

const POSTGRES_SVC = "postgres_svc"

func (ds PostgresService) Id() string {
	return POSTGRES_SVC
}

func (ds PostgresService) Db() *gorm.DB {
	return ds.db
}

func (ds *PostgresService) Configure(ctx *context.Context) error {
	ds.database = os.Getenv("DATABASE_URL")
	if ds.database == "" {
		// Fallback to individual environment variables
		host := os.Getenv("DB_HOST")
		if host == "" {
			host = "localhost"
		}
		port := os.Getenv("DB_PORT")
		if port == "" {
			port = "5432"
		}
		user := os.Getenv("DB_USER")
		if user == "" {
			user = "postgres"
		}
		password := os.Getenv("DB_PASSWORD")
		if password == "" {
			password = "postgres"
		}
		dbname := os.Getenv("DB_NAME")
		if dbname == "" {
			dbname = "guard_api"
		}
		sslmode := os.Getenv("DB_SSLMODE")
		if sslmode == "" {
			sslmode = "disable"
		}
		timezone := os.Getenv("DB_TIMEZONE")
		if timezone == "" {
			timezone = "UTC"
		}

		ds.database = fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s TimeZone=%s",
			host, user, password, dbname, port, sslmode, timezone)
	}

	return ds.DefaultService.Configure(ctx)
}

func (ds *PostgresService) Start() (err error) {
	// Retry connection with exponential backoff
	maxRetries := 10
	retryDelay := time.Second

	for attempt := 1; attempt <= maxRetries; attempt++ {
		log.Printf("Attempting to connect to database (attempt %d/%d)...", attempt, maxRetries)

		ds.db, err = gorm.Open(postgres.Open(ds.database), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Error),
		})

		if err == nil {
			sqlDB, dbErr := ds.db.DB()
			if dbErr == nil {
				pingErr := sqlDB.Ping()
				if pingErr == nil {
					log.Println("Successfully connected to database")
					break
				}
				err = pingErr
			} else {
				err = dbErr
			}
		}

		if attempt == maxRetries {
			log.Printf("Failed to connect to database after %d attempts: %v", maxRetries, err)
			return err
		}

		log.Printf("Database connection failed: %v. Retrying in %v...", err, retryDelay)
		time.Sleep(retryDelay)

		retryDelay *= 2
		if retryDelay > 10*time.Second {
			retryDelay = 10 * time.Second
		}
	}

	if err := ds.Migrate(); err != nil {
		return err
	}

	// Hourly retention sweep. The limiter itself holds no timers; the store
	// owns record lifecycle.
	ticker := time.NewTicker(1 * time.Hour)
	go func() {
		for range ticker.C {
			cutoff := time.Now().AddDate(0, 0, -defaultRetentionDays())
			records, attempts, err := ds.CleanupBefore(cutoff, time.Now())
			if err != nil {
				log.Printf("Rate limit cleanup error: %v", err)
				continue
			}
			log.WithFields(log.Fields{
				"records_deleted":  records,
				"attempts_deleted": attempts,
			}).Info("Rate limit cleanup completed")
		}
	}()

	log.Println("Database connected and migrated successfully")
	return nil
}

func (ds *PostgresService) Migrate() error {
	models := []interface{}{
		&model.RateLimitRecord{},
		&model.RateLimitAttempt{},
		&model.RateLimitPolicy{},
	}

	if err := ds.db.AutoMigrate(models...); err != nil {
		log.Printf("Failed to migrate database: %v", err)
		return err
	}

	return ds.seedDefaultPolicies()
}

func (ds *PostgresService) Shutdown() {
}

func defaultRetentionDays() int {
	return shared.DefaultRetentionDays
}

// ==================== WINDOW TRACKING ====================

// GetOrCreateWindow removes stale windows for the pair, then returns the
// current record, creating a zero-count one when none exists. The unique
// (identifier, endpoint) index keeps concurrent first requests from forking
// two counting rows; the loser of the insert race re-reads the winner's row.
func (ds *PostgresService) GetOrCreateWindow(identifier string, kind model.IdentifierKind, endpoint string, windowStart, now time.Time) (*model.RateLimitRecord, error) {
	err := ds.db.Where("identifier = ? AND endpoint = ? AND window_start < ? AND blocked = ?", identifier, endpoint, windowStart, false).
		Delete(&model.RateLimitRecord{}).Error
	if err != nil {
		return nil, err
	}

	var record model.RateLimitRecord
	err = ds.db.Where("identifier = ? AND endpoint = ?", identifier, endpoint).
		Order("window_start DESC").
		First(&record).Error
	if err == nil {
		return &record, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}

	id, _ := uuid.NewV7()
	record = model.RateLimitRecord{
		ID:             id.String(),
		Identifier:     identifier,
		IdentifierKind: kind,
		Endpoint:       endpoint,
		RequestCount:   0,
		WindowStart:    now,
		Blocked:        false,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	tx := ds.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&record)
	if tx.Error != nil {
		return nil, tx.Error
	}
	if tx.RowsAffected == 0 {
		// Lost the insert race; another request created the window.
		err = ds.db.Where("identifier = ? AND endpoint = ?", identifier, endpoint).
			Order("window_start DESC").
			First(&record).Error
		if err != nil {
			return nil, err
		}
	}

	return &record, nil
}

// IncrementIfAllowed is the conditional atomic increment closing the
// check-then-increment race. The count only moves when the record is not
// blocked and still below the limit; the post-increment count comes back from
// the same statement, so two concurrent callers can never both see room for
// the last slot.
func (ds *PostgresService) IncrementIfAllowed(recordID string, limit int, now time.Time) (int, bool, error) {
	var newCount int

	tx := ds.db.Raw(
		`UPDATE rate_limit_records
		 SET request_count = request_count + 1, updated_at = ?
		 WHERE id = ? AND blocked = ? AND request_count < ?
		 RETURNING request_count`,
		now, recordID, false, limit,
	).Scan(&newCount)
	if tx.Error != nil {
		return 0, false, tx.Error
	}

	if tx.RowsAffected == 0 {
		return 0, false, nil
	}
	return newCount, true, nil
}

// BlockRecord puts the identifier in the penalty box until the given time.
func (ds *PostgresService) BlockRecord(recordID string, until time.Time, now time.Time) error {
	return ds.db.Model(&model.RateLimitRecord{}).Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"blocked":       true,
			"blocked_until": until,
			"updated_at":    now,
		}).Error
}

// ResetRecord clears an expired block and re-arms a fresh window. The
// identifier gets a clean slate rather than inheriting counts from the
// blocked period.
func (ds *PostgresService) ResetRecord(recordID string, now time.Time) error {
	return ds.db.Model(&model.RateLimitRecord{}).Where("id = ?", recordID).
		Updates(map[string]interface{}{
			"blocked":       false,
			"blocked_until": nil,
			"request_count": 0,
			"window_start":  now,
			"updated_at":    now,
		}).Error
}

func (ds *PostgresService) InsertAttempt(attempt *model.RateLimitAttempt) error {
	if attempt.ID == "" {
		id, _ := uuid.NewV7()
		attempt.ID = id.String()
	}
	if attempt.CreatedAt.IsZero() {
		attempt.CreatedAt = time.Now()
	}

	return ds.db.Create(attempt).Error
}

// ==================== ANALYTICS READS ====================

func (ds *PostgresService) GetAttemptsSince(since time.Time, identifier string) ([]model.RateLimitAttempt, error) {
	var attempts []model.RateLimitAttempt

	query := ds.db.Where("created_at >= ?", since)
	if identifier != "" {
		query = query.Where("identifier = ?", identifier)
	}

	err := query.Order("created_at DESC").Find(&attempts).Error
	return attempts, err
}

func (ds *PostgresService) GetBlockedRecords(now time.Time) ([]model.RateLimitRecord, error) {
	var records []model.RateLimitRecord

	err := ds.db.Where("blocked = ? AND (blocked_until IS NULL OR blocked_until > ?)", true, now).
		Order("updated_at DESC").
		Find(&records).Error
	return records, err
}

// ==================== ADMIN MUTATIONS ====================

// ClearLimit resets every record for the identifier across all endpoints.
func (ds *PostgresService) ClearLimit(identifier string, now time.Time) (int64, error) {
	tx := ds.db.Model(&model.RateLimitRecord{}).Where("identifier = ?", identifier).
		Updates(map[string]interface{}{
			"blocked":       false,
			"blocked_until": nil,
			"request_count": 0,
			"updated_at":    now,
		})
	return tx.RowsAffected, tx.Error
}

// CleanupBefore purges records and attempts past the retention horizon.
// Currently blocked records are kept so manual blocks survive the sweep.
func (ds *PostgresService) CleanupBefore(cutoff time.Time, now time.Time) (int64, int64, error) {
	recordsTx := ds.db.Where("created_at < ? AND (blocked_until IS NULL OR blocked_until < ?) AND blocked = ?", cutoff, now, false).
		Delete(&model.RateLimitRecord{})
	if recordsTx.Error != nil {
		return 0, 0, recordsTx.Error
	}

	attemptsTx := ds.db.Where("created_at < ?", cutoff).Delete(&model.RateLimitAttempt{})
	if attemptsTx.Error != nil {
		return recordsTx.RowsAffected, 0, attemptsTx.Error
	}

	return recordsTx.RowsAffected, attemptsTx.RowsAffected, nil
}

// ==================== POLICY STORAGE ====================

func (ds *PostgresService) GetPolicies() ([]model.RateLimitPolicy, error) {
	var policies []model.RateLimitPolicy
	err := ds.db.Order("endpoint").Find(&policies).Error
	return policies, err
}

func (ds *PostgresService) SavePolicy(policy *model.RateLimitPolicy) error {
	if policy.ID == "" {
		id, _ := uuid.NewV7()
		policy.ID = id.String()
	}

	now := time.Now()
	if policy.CreatedAt.IsZero() {
		policy.CreatedAt = now
	}
	policy.UpdatedAt = now

	return ds.db.Save(policy).Error
}

func (ds *PostgresService) seedDefaultPolicies() error {
	policies := []model.RateLimitPolicy{
		{
			ID:          "chat-send-policy",
			Endpoint:    "chat_send",
			Limit:       30,
			WindowMs:    (5 * time.Minute).Milliseconds(),
			Description: "Chat message sends, standard tier",
		},
		{
			ID:          "chat-send-enterprise-policy",
			Endpoint:    "chat_send_enterprise",
			Limit:       100,
			WindowMs:    (5 * time.Minute).Milliseconds(),
			Description: "Chat message sends, enterprise tiers",
		},
		{
			ID:          "chat-read-policy",
			Endpoint:    "chat_read",
			Limit:       120,
			WindowMs:    (5 * time.Minute).Milliseconds(),
			Description: "Chat history reads",
		},
		{
			ID:          "checkout-policy",
			Endpoint:    "checkout",
			Limit:       5,
			WindowMs:    (15 * time.Minute).Milliseconds(),
			Description: "Checkout session creation",
		},
		{
			ID:          "dashboard-link-policy",
			Endpoint:    "dashboard_link",
			Limit:       5,
			WindowMs:    (15 * time.Minute).Milliseconds(),
			Description: "Billing dashboard link creation",
		},
		{
			ID:          "api-general-policy",
			Endpoint:    "api_general",
			Limit:       1000,
			WindowMs:    time.Hour.Milliseconds(),
			Description: "General API rate limit per IP",
		},
		{
			ID:           "api-strict-policy",
			Endpoint:     "api_strict",
			Limit:        100,
			WindowMs:     (10 * time.Minute).Milliseconds(),
			OnStoreError: "fail_closed",
			Description:  "Strict rate limit for abuse prevention",
		},
	}

	for _, policy := range policies {
		var existing model.RateLimitPolicy
		err := ds.db.Where("endpoint = ?", policy.Endpoint).First(&existing).Error
		if err != nil {
			if policy.OnStoreError == "" {
				policy.OnStoreError = "fail_open"
			}
			policy.IsActive = true
			policy.CreatedAt = time.Now()
			policy.UpdatedAt = time.Now()

			if err := ds.db.Create(&policy).Error; err != nil {
				log.Printf("Failed to create rate limit policy for %s: %v", policy.Endpoint, err)
			}
		}
	}

	return nil
}

// ==================== ERROR MAPPING ====================

func (ds *PostgresService) HandleError(err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	var errorType string

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		statusCode = http.StatusNotFound
		errorType = "NOT_FOUND"
	case errors.Is(err, gorm.ErrDuplicatedKey):
		statusCode = http.StatusConflict
		errorType = "CONFLICT"
	case errors.Is(err, gorm.ErrInvalidTransaction):
		statusCode = http.StatusInternalServerError
		errorType = "TRANSACTION_ERROR"
	default:
		if strings.Contains(err.Error(), "duplicate key value") {
			statusCode = http.StatusConflict
			errorType = "UNIQUE_CONSTRAINT"
		} else {
			statusCode = http.StatusInternalServerError
			errorType = "INTERNAL_ERROR"
		}
	}

	logEntry := log.WithFields(log.Fields{
		"status_code": statusCode,
		"error_type":  errorType,
		"error":       err.Error(),
	})

	if statusCode >= 500 {
		logEntry.Error("Database error occurred")
	} else {
		logEntry.Warn("Database operation failed")
	}

	return fmt.Errorf("%s: %w", errorType, err)
}
