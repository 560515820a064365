package circulation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"communityshare/pkg/models"

	"gorm.io/gorm"
)

func (e *Engine) FindUser(ctx context.Context, username string) (*models.User, error) {
	var user models.User
	err := e.db.WithContext(ctx).Where("username = ?", username).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("user %q: %w", username, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// CreateUser registers a member. Identity and credentials live elsewhere;
// this only records what circulation needs.
func (e *Engine) CreateUser(ctx context.Context, user models.User) (*models.User, error) {
	user.Username = strings.TrimSpace(user.Username)
	if user.Username == "" {
		return nil, fmt.Errorf("username required: %w", ErrInvalidInput)
	}
	if user.Role == "" {
		user.Role = models.RoleMember
	}
	if !validRole(user.Role) {
		return nil, fmt.Errorf("role %q: %w", user.Role, ErrInvalidInput)
	}
	if e.usernameTaken(ctx, user.Username) {
		return nil, fmt.Errorf("username %q taken: %w", user.Username, ErrInvalidInput)
	}
	if err := e.db.WithContext(ctx).Create(&user).Error; err != nil {
		if e.usernameTaken(ctx, user.Username) {
			return nil, fmt.Errorf("username %q taken: %w", user.Username, ErrInvalidInput)
		}
		return nil, err
	}
	return &user, nil
}

func (e *Engine) usernameTaken(ctx context.Context, username string) bool {
	var n int64
	err := e.db.WithContext(ctx).Model(&models.User{}).Where("username = ?", username).Count(&n).Error
	return err == nil && n > 0
}

type UserUpdate struct {
	FullName            *string `json:"fullName"`
	Role                *string `json:"role"`
	AutoApproveEligible *bool   `json:"autoApproveEligible"`
}

func (e *Engine) UpdateUser(ctx context.Context, id uint, upd UserUpdate) (*models.User, error) {
	var user models.User
	if err := e.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, notFound(err, "user", id)
	}
	updates := map[string]interface{}{}
	if upd.FullName != nil {
		updates["full_name"] = *upd.FullName
	}
	if upd.Role != nil {
		if !validRole(*upd.Role) {
			return nil, fmt.Errorf("role %q: %w", *upd.Role, ErrInvalidInput)
		}
		updates["role"] = *upd.Role
	}
	if upd.AutoApproveEligible != nil {
		updates["auto_approve_eligible"] = *upd.AutoApproveEligible
	}
	if len(updates) == 0 {
		return &user, nil
	}
	if err := e.db.WithContext(ctx).Model(&user).Updates(updates).Error; err != nil {
		return nil, err
	}
	if err := e.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func validRole(role string) bool {
	for _, r := range models.Roles {
		if r == role {
			return true
		}
	}
	return false
}
