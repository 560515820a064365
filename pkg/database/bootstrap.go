package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"communityshare/pkg/models"

	"gorm.io/gorm"
)

// Bootstrap migrates the schema, creates the default roles and, when
// adminEmail is set, an admin account eligible for auto-approval. It is safe
// to run on every start.
func Bootstrap(ctx context.Context, db *gorm.DB, adminEmail string) error {
	if err := Migrate(db.WithContext(ctx)); err != nil {
		return err
	}
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, name := range models.Roles {
			var role models.Role
			if err := tx.Where(models.Role{Name: name}).FirstOrCreate(&role).Error; err != nil {
				return fmt.Errorf("seed role %s: %w", name, err)
			}
		}

		email := strings.TrimSpace(adminEmail)
		if email == "" {
			return nil
		}

		var admin models.User
		err := tx.Where("email = ?", email).First(&admin).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			admin = models.User{
				Username:            email,
				Email:               email,
				FullName:            "Admin",
				Role:                models.RoleAdmin,
				AutoApproveEligible: true,
			}
			if err := tx.Create(&admin).Error; err != nil {
				return fmt.Errorf("create admin user: %w", err)
			}
			return nil
		}
		if err != nil {
			return fmt.Errorf("find admin user: %w", err)
		}

		if admin.Role != models.RoleAdmin {
			return tx.Model(&admin).Update("role", models.RoleAdmin).Error
		}
		return nil
	})
}
