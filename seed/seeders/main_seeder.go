package seeders

import (
	"log"

	"gorm.io/gorm"
)

// MainSeeder coordinates all seeding operations
type MainSeeder struct {
	db *gorm.DB
}

// NewMainSeeder creates a new main seeder
func NewMainSeeder(db *gorm.DB) *MainSeeder {
	return &MainSeeder{db: db}
}

// SeedAll runs all seeders in the correct order
func (s *MainSeeder) SeedAll() error {
	log.Println("Starting database seeding...")

	if err := NewPolicySeeder(s.db).SeedPolicies(); err != nil {
		log.Printf("Policy seeding failed: %v", err)
		return err
	}

	if err := NewDemoSeeder(s.db).SeedDemoTraffic(); err != nil {
		log.Printf("Demo traffic seeding failed: %v", err)
		return err
	}

	log.Println("Database seeding completed successfully!")
	return nil
}

// SeedPoliciesOnly seeds only the policy table
func (s *MainSeeder) SeedPoliciesOnly() error {
	return NewPolicySeeder(s.db).SeedPolicies()
}

// SeedDemoOnly seeds only the synthetic attempt traffic
func (s *MainSeeder) SeedDemoOnly() error {
	return NewDemoSeeder(s.db).SeedDemoTraffic()
}
