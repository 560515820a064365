package circulation

import (
	"context"
	"fmt"

	"communityshare/pkg/models"
)

const maxRating = 4

// CanReview reports whether the user currently has the item checked out.
// It is a point-in-time check, not a standing grant.
func (e *Engine) CanReview(ctx context.Context, itemID, userID uint) (bool, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&models.Loan{}).
		Where("item_id = ? AND user_id = ? AND status = ?", itemID, userID, models.LoanCheckedOut).
		Count(&n).Error
	return n > 0, err
}

func (e *Engine) SubmitReview(ctx context.Context, itemID, userID uint, rating int, comment string) (review *models.Review, err error) {
	defer func() { e.observe("submit_review", err) }()

	if rating < 0 || rating > maxRating {
		return nil, fmt.Errorf("rating %d outside 0..%d: %w", rating, maxRating, ErrInvalidInput)
	}
	var item models.Item
	if err := e.db.WithContext(ctx).Select("id").First(&item, itemID).Error; err != nil {
		return nil, notFound(err, "item", itemID)
	}
	ok, err := e.CanReview(ctx, itemID, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("user %d has no open loan of item %d: %w", userID, itemID, ErrReviewNotAllowed)
	}

	review = &models.Review{ItemID: itemID, UserID: userID, Rating: rating, Comment: comment, CreatedAt: e.now()}
	if err := e.db.WithContext(ctx).Create(review).Error; err != nil {
		return nil, err
	}
	return review, nil
}

// ListReviews returns the item's reviews, newest first.
func (e *Engine) ListReviews(ctx context.Context, itemID uint) ([]models.Review, error) {
	var out []models.Review
	err := e.db.WithContext(ctx).Preload("User").
		Where("item_id = ?", itemID).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}
