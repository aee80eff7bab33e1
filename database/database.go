package database

import (
	"fmt"
	"log"

	config "github.com/unihive/unihive-server/configs"
	"github.com/unihive/unihive-server/models"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

var DB *gorm.DB

func ConnectDB() {
	var err error
	dsn := config.Config("DATABASE_URL")

	DB, err = gorm.Open(postgres.Open(dsn), &gorm.Config{
		SkipDefaultTransaction: true,
		TranslateError:         true,
	})
	if err != nil {
		log.Fatalf("🔥 Failed to connect to database: %v", err)
	}

	fmt.Println("✅ Database connected successfully")
}

func Migrate() {
	err := DB.AutoMigrate(
		&models.User{},
		&models.Conversation{},
		&models.Message{},
	)
	if err != nil {
		log.Fatalf("🔥 Failed to migrate database: %v", err)
	}
	fmt.Println("✅ Database migration successful")
}

// SeedDemoUsers creates two verified students for local development.
// Skipped unless SEED_DEMO_USERS=true and the users table is empty.
func SeedDemoUsers() {
	if config.Config("SEED_DEMO_USERS") != "true" {
		return
	}

	var count int64
	if err := DB.Model(&models.User{}).Count(&count).Error; err != nil {
		log.Printf("🔥 Failed to check for existing users: %v", err)
		return
	}
	if count > 0 {
		log.Println("Users already exist, skipping demo seed.")
		return
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(config.ConfigOr("SEED_PASSWORD", "unihive-dev")), bcrypt.DefaultCost)
	if err != nil {
		log.Printf("🔥 Failed to hash demo password: %v", err)
		return
	}

	campus := "Demo University"
	demo := []models.User{
		{FullName: "Ada Student", Email: "ada@unihive.dev", Password: string(hashed), University: &campus, IsVerified: true},
		{FullName: "Femi Student", Email: "femi@unihive.dev", Password: string(hashed), University: &campus, IsVerified: true},
	}
	if err := DB.Create(&demo).Error; err != nil {
		log.Printf("🔥 Failed to seed demo users: %v", err)
		return
	}

	log.Println("✅ Demo users seeded successfully")
}
