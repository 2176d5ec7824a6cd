package main

import (
	"flag"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/verdantcart/guard_api/model"
	"github.com/verdantcart/guard_api/seed/seeders"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var (
		seedType = flag.String("type", "all", "Type of seeding: all, policies, demo")
		dbPath   = flag.String("db", "", "SQLite path for local development (skips DATABASE_URL)")
	)
	flag.Parse()

	// Seed whatever the service itself runs on: the configured postgres
	// when DATABASE_URL is set, a local sqlite file otherwise.
	var dialector gorm.Dialector
	if dsn := os.Getenv("DATABASE_URL"); *dbPath == "" && dsn != "" {
		dialector = postgres.Open(dsn)
		log.Println("Seeding configured postgres database")
	} else {
		databasePath := *dbPath
		if databasePath == "" {
			databasePath = os.Getenv("DB_NAME")
			if databasePath == "" {
				databasePath = "guard.db"
			}
		}
		dialector = sqlite.Open(databasePath)
		log.Printf("Seeding local development database: %s", databasePath)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	err = db.AutoMigrate(
		&model.RateLimitRecord{},
		&model.RateLimitAttempt{},
		&model.RateLimitPolicy{},
	)
	if err != nil {
		log.Fatalf("Failed to migrate schema: %v", err)
	}

	mainSeeder := seeders.NewMainSeeder(db)

	switch *seedType {
	case "all":
		if err := mainSeeder.SeedAll(); err != nil {
			log.Fatalf("Failed to seed database: %v", err)
		}
	case "policies":
		if err := mainSeeder.SeedPoliciesOnly(); err != nil {
			log.Fatalf("Failed to seed policies: %v", err)
		}
	case "demo":
		if err := mainSeeder.SeedDemoOnly(); err != nil {
			log.Fatalf("Failed to seed demo traffic: %v", err)
		}
	default:
		log.Fatalf("Unknown seed type: %s. Use 'all', 'policies', or 'demo'", *seedType)
	}

	log.Println("Seeding operation completed successfully!")
}
