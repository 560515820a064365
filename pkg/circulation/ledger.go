package circulation

import (
	"context"
	"fmt"
	"time"

	"communityshare/pkg/models"

	"gorm.io/gorm"
)

// markUnavailable flips the item to unavailable only if it is currently
// available. Zero affected rows means another loan won the item.
func markUnavailable(tx *gorm.DB, itemID uint, now time.Time) error {
	res := tx.Model(&models.Item{}).
		Where("id = ? AND is_available = ?", itemID, true).
		Updates(map[string]interface{}{"is_available": false, "updated_at": now})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("item %d: %w", itemID, ErrItemUnavailable)
	}
	return nil
}

// markAvailable runs in the transaction that closes the item's open loan.
// It reports whether the flag actually changed.
func markAvailable(tx *gorm.DB, itemID uint, now time.Time) (bool, error) {
	res := tx.Model(&models.Item{}).
		Where("id = ? AND is_available = ?", itemID, false).
		Updates(map[string]interface{}{"is_available": true, "updated_at": now})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

// lockItem touches the item row so that concurrent transactions on the same
// item queue behind this one.
func lockItem(tx *gorm.DB, itemID uint, now time.Time) error {
	res := tx.Model(&models.Item{}).Where("id = ?", itemID).Update("updated_at", now)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("item %d: %w", itemID, ErrNotFound)
	}
	return nil
}

// IsItemAvailable reports whether no open loan references the item.
func (e *Engine) IsItemAvailable(ctx context.Context, itemID uint) (bool, error) {
	var item models.Item
	if err := e.db.WithContext(ctx).Select("id", "is_available").First(&item, itemID).Error; err != nil {
		return false, notFound(err, "item", itemID)
	}
	return item.IsAvailable, nil
}

type LedgerMismatch struct {
	ItemID      uint  `json:"itemId"`
	IsAvailable bool  `json:"isAvailable"`
	OpenLoans   int64 `json:"openLoans"`
}

// VerifyLedger lists items whose availability flag disagrees with their open
// loans, or that have more than one open loan.
func (e *Engine) VerifyLedger(ctx context.Context) ([]LedgerMismatch, error) {
	var items []models.Item
	if err := e.db.WithContext(ctx).Select("id", "is_available").Find(&items).Error; err != nil {
		return nil, err
	}

	var counts []struct {
		ItemID    uint
		OpenCount int64
	}
	err := e.db.WithContext(ctx).Model(&models.Loan{}).
		Select("item_id, count(*) as open_count").
		Where("status <> ?", models.LoanReturned).
		Group("item_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	open := make(map[uint]int64, len(counts))
	for _, c := range counts {
		open[c.ItemID] = c.OpenCount
	}

	var mismatches []LedgerMismatch
	for _, item := range items {
		n := open[item.ID]
		if n > 1 || (item.IsAvailable && n > 0) || (!item.IsAvailable && n == 0) {
			mismatches = append(mismatches, LedgerMismatch{ItemID: item.ID, IsAvailable: item.IsAvailable, OpenLoans: n})
		}
	}
	return mismatches, nil
}
