package circulation

import (
	"context"
	"fmt"

	"communityshare/pkg/models"

	"gorm.io/gorm"
)

type Direction string

const (
	Up   Direction = "up"
	Down Direction = "down"
)

// Active holds of an item always occupy positions 1..N. Cancelling or
// fulfilling a hold shifts every hold behind it forward by one; the inactive
// row keeps its last position.
func closeGap(tx *gorm.DB, itemID uint, position int) error {
	return tx.Model(&models.HoldRequest{}).
		Where("item_id = ? AND is_active = ? AND position > ?", itemID, true, position).
		Update("position", gorm.Expr("position - 1")).Error
}

func deactivateHold(tx *gorm.DB, hold *models.HoldRequest) error {
	res := tx.Model(&models.HoldRequest{}).
		Where("id = ? AND is_active = ?", hold.ID, true).
		Update("is_active", false)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("hold %d inactive: %w", hold.ID, ErrInvalidState)
	}
	hold.IsActive = false
	return closeGap(tx, hold.ItemID, hold.Position)
}

// fulfillHold retires the borrower's own hold on an item they just got.
func fulfillHold(tx *gorm.DB, itemID, userID uint) error {
	var holds []models.HoldRequest
	err := tx.Where("item_id = ? AND user_id = ? AND is_active = ?", itemID, userID, true).
		Limit(1).Find(&holds).Error
	if err != nil || len(holds) == 0 {
		return err
	}
	return deactivateHold(tx, &holds[0])
}

func headHold(tx *gorm.DB, itemID uint) (*models.HoldRequest, error) {
	var holds []models.HoldRequest
	err := tx.Preload("User").
		Where("item_id = ? AND is_active = ?", itemID, true).
		Order("position").
		Limit(1).
		Find(&holds).Error
	if err != nil || len(holds) == 0 {
		return nil, err
	}
	return &holds[0], nil
}

// Join appends the user to the waitlist of an item that is currently lent out.
func (e *Engine) Join(ctx context.Context, itemID, userID uint) (hold *models.HoldRequest, err error) {
	defer func() { e.observe("join_waitlist", err) }()

	now := e.now()
	var user models.User
	var item *models.Item
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, userID).Error; err != nil {
			return notFound(err, "user", userID)
		}
		if err := lockItem(tx, itemID, now); err != nil {
			return err
		}
		var err error
		item, err = loadActiveItem(tx, itemID)
		if err != nil {
			return err
		}
		if item.IsAvailable {
			return fmt.Errorf("item %d: %w", itemID, ErrItemAvailable)
		}

		var borrowing int64
		err = tx.Model(&models.Loan{}).
			Where("item_id = ? AND user_id = ? AND status <> ?", itemID, userID, models.LoanReturned).
			Count(&borrowing).Error
		if err != nil {
			return err
		}
		if borrowing > 0 {
			return fmt.Errorf("user %d already borrows item %d: %w", userID, itemID, ErrInvalidState)
		}

		var existing int64
		err = tx.Model(&models.HoldRequest{}).
			Where("item_id = ? AND user_id = ? AND is_active = ?", itemID, userID, true).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			return fmt.Errorf("user %d already waiting for item %d: %w", userID, itemID, ErrInvalidState)
		}

		var active int64
		if err := tx.Model(&models.HoldRequest{}).Where("item_id = ? AND is_active = ?", itemID, true).Count(&active).Error; err != nil {
			return err
		}
		hold = &models.HoldRequest{
			ItemID:      itemID,
			UserID:      userID,
			RequestedAt: now,
			IsActive:    true,
			Position:    int(active) + 1,
		}
		return tx.Create(hold).Error
	})
	if err != nil {
		return nil, err
	}

	e.send(&user, "Waitlist Joined", fmt.Sprintf("You joined the waitlist for '%s'. Your position is %d.", item.Title, hold.Position))
	e.log.Info("waitlist joined", "hold_id", hold.ID, "item_id", itemID, "user_id", userID, "position", hold.Position)
	return hold, nil
}

// Move swaps a hold with its neighbour in the given direction. Moving the
// head up or the tail down is a no-op and reports false.
func (e *Engine) Move(ctx context.Context, holdID uint, direction Direction) (moved bool, err error) {
	defer func() { e.observe("move_hold", err) }()

	var delta int
	switch direction {
	case Up:
		delta = -1
	case Down:
		delta = 1
	default:
		return false, fmt.Errorf("direction %q: %w", direction, ErrInvalidInput)
	}

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var hold models.HoldRequest
		if err := tx.First(&hold, holdID).Error; err != nil {
			return notFound(err, "hold", holdID)
		}
		if err := lockItem(tx, hold.ItemID, now); err != nil {
			return err
		}
		// Re-read under the item lock; positions may have shifted.
		if err := tx.First(&hold, holdID).Error; err != nil {
			return notFound(err, "hold", holdID)
		}
		if !hold.IsActive {
			return fmt.Errorf("hold %d inactive: %w", holdID, ErrInvalidState)
		}

		target := hold.Position + delta
		if target < 1 {
			return nil
		}
		var neighbours []models.HoldRequest
		err := tx.Where("item_id = ? AND is_active = ? AND position = ?", hold.ItemID, true, target).
			Limit(1).Find(&neighbours).Error
		if err != nil || len(neighbours) == 0 {
			return err
		}

		if err := tx.Model(&models.HoldRequest{}).Where("id = ?", hold.ID).Update("position", target).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.HoldRequest{}).Where("id = ?", neighbours[0].ID).Update("position", hold.Position).Error; err != nil {
			return err
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

// NotifyNext tells the first active holder the item can be requested. The
// hold stays active; the holder still has to submit a loan request. A nil
// hold with a nil error means nobody is waiting.
func (e *Engine) NotifyNext(ctx context.Context, itemID uint) (hold *models.HoldRequest, err error) {
	defer func() { e.observe("notify_next", err) }()

	var item models.Item
	if err := e.db.WithContext(ctx).First(&item, itemID).Error; err != nil {
		return nil, notFound(err, "item", itemID)
	}
	hold, err = headHold(e.db.WithContext(ctx), itemID)
	if err != nil || hold == nil {
		return nil, err
	}

	e.send(hold.User, "Waitlist Available", fmt.Sprintf("You are next for '%s'. Please request the item.", item.Title))
	e.log.Info("next holder notified", "item_id", itemID, "hold_id", hold.ID, "user_id", hold.UserID)
	return hold, nil
}

// Cancel deactivates a hold and moves everyone behind it forward.
func (e *Engine) Cancel(ctx context.Context, holdID uint) (hold *models.HoldRequest, err error) {
	defer func() { e.observe("cancel_hold", err) }()

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.HoldRequest
		if err := tx.First(&current, holdID).Error; err != nil {
			return notFound(err, "hold", holdID)
		}
		if err := lockItem(tx, current.ItemID, now); err != nil {
			return err
		}
		if err := tx.First(&current, holdID).Error; err != nil {
			return notFound(err, "hold", holdID)
		}
		if !current.IsActive {
			return fmt.Errorf("hold %d inactive: %w", holdID, ErrInvalidState)
		}
		if err := deactivateHold(tx, &current); err != nil {
			return err
		}
		hold = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("hold cancelled", "hold_id", holdID, "item_id", hold.ItemID)
	return hold, nil
}

func (e *Engine) GetHold(ctx context.Context, holdID uint) (*models.HoldRequest, error) {
	var hold models.HoldRequest
	if err := e.db.WithContext(ctx).First(&hold, holdID).Error; err != nil {
		return nil, notFound(err, "hold", holdID)
	}
	return &hold, nil
}

func (e *Engine) ListUserHolds(ctx context.Context, userID uint) ([]models.HoldRequest, error) {
	var out []models.HoldRequest
	err := e.db.WithContext(ctx).Preload("Item").
		Where("user_id = ? AND is_active = ?", userID, true).
		Order("position").
		Find(&out).Error
	return out, err
}

type Waitlist struct {
	ItemID    uint                 `json:"itemId"`
	ItemTitle string               `json:"itemTitle"`
	Holds     []models.HoldRequest `json:"holds"`
}

// ListWaitlists groups every active hold by item, in position order.
func (e *Engine) ListWaitlists(ctx context.Context) ([]Waitlist, error) {
	var holds []models.HoldRequest
	err := e.db.WithContext(ctx).Preload("Item").Preload("User").
		Where("is_active = ?", true).
		Order("item_id").Order("position").
		Find(&holds).Error
	if err != nil {
		return nil, err
	}

	var out []Waitlist
	for _, h := range holds {
		if len(out) == 0 || out[len(out)-1].ItemID != h.ItemID {
			w := Waitlist{ItemID: h.ItemID}
			if h.Item != nil {
				w.ItemTitle = h.Item.Title
			}
			out = append(out, w)
		}
		out[len(out)-1].Holds = append(out[len(out)-1].Holds, h)
	}
	return out, nil
}
