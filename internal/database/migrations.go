package database

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/sentinelsec/accountd/internal/models"
	"github.com/sentinelsec/accountd/pkg/crypto"
)

// AutoMigrate creates or updates the database schema for all models.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&models.User{},
		&models.OTPCode{},
	)
}

// AdminSeed describes the bootstrap administrator account.
type AdminSeed struct {
	Email    string
	Username string
	Password string
	FullName string
}

// EnsureAdmin creates the configured administrator account on first start.
// The account is created verified so it can log in without an emailed code.
// Existing accounts with the same email are left untouched.
func EnsureAdmin(db *gorm.DB, seed AdminSeed) error {
	email := strings.ToLower(strings.TrimSpace(seed.Email))
	username := strings.TrimSpace(seed.Username)
	if email == "" || username == "" || seed.Password == "" {
		return nil
	}

	var existing models.User
	err := db.Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("lookup admin user: %w", err)
	}

	hashed, err := crypto.HashPassword(seed.Password)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	fullName := strings.TrimSpace(seed.FullName)
	if fullName == "" {
		fullName = "Administrator"
	}

	admin := models.User{
		Email:      email,
		Username:   username,
		Password:   hashed,
		FullName:   fullName,
		Role:       models.RoleAdmin,
		IsActive:   true,
		IsVerified: true,
	}

	if err := db.Create(&admin).Error; err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}

	return nil
}
