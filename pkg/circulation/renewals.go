package circulation

import (
	"context"
	"fmt"
	"time"

	"communityshare/pkg/models"

	"gorm.io/gorm"
)

// RequestRenewal records a member's ask to extend an open loan they hold.
func (e *Engine) RequestRenewal(ctx context.Context, loanID, userID uint) (rr *models.RenewalRequest, err error) {
	defer func() { e.observe("request_renewal", err) }()

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loan models.Loan
		if err := tx.First(&loan, loanID).Error; err != nil {
			return notFound(err, "loan", loanID)
		}
		if loan.UserID != userID {
			return fmt.Errorf("loan %d for user %d: %w", loanID, userID, ErrNotFound)
		}
		if loan.Status == models.LoanReturned {
			return fmt.Errorf("loan %d returned: %w", loanID, ErrInvalidState)
		}
		if loan.RenewalCount >= loan.MaxRenewals {
			return fmt.Errorf("loan %d: %w", loanID, ErrRenewalLimitReached)
		}

		var open int64
		err := tx.Model(&models.RenewalRequest{}).
			Where("loan_id = ? AND status = ?", loanID, models.RequestRequested).
			Count(&open).Error
		if err != nil {
			return err
		}
		if open > 0 {
			return fmt.Errorf("loan %d already has a pending renewal: %w", loanID, ErrInvalidState)
		}

		rr = &models.RenewalRequest{
			LoanID:      loanID,
			UserID:      userID,
			Status:      models.RequestRequested,
			RequestedAt: now,
		}
		return tx.Create(rr).Error
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("renewal requested", "renewal_id", rr.ID, "loan_id", loanID, "user_id", userID)
	return rr, nil
}

func loadOpenRenewal(tx *gorm.DB, id uint) (*models.RenewalRequest, error) {
	var rr models.RenewalRequest
	if err := tx.First(&rr, id).Error; err != nil {
		return nil, notFound(err, "renewal request", id)
	}
	if rr.Status != models.RequestRequested {
		return nil, fmt.Errorf("renewal request %d is %s: %w", id, rr.Status, ErrInvalidState)
	}
	return &rr, nil
}

func decideRenewal(tx *gorm.DB, rr *models.RenewalRequest, status models.LoanRequestStatus, notes string, now time.Time) error {
	res := tx.Model(&models.RenewalRequest{}).
		Where("id = ? AND status = ?", rr.ID, models.RequestRequested).
		Updates(map[string]interface{}{
			"status":         status,
			"approved":       status == models.RequestApproved,
			"decision_at":    now,
			"decision_notes": notes,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("renewal request %d already decided: %w", rr.ID, ErrInvalidState)
	}
	rr.Status = status
	rr.Approved = status == models.RequestApproved
	rr.DecisionAt = &now
	rr.DecisionNotes = notes
	return nil
}

// ApproveRenewal renews the loan and approves the request in one
// transaction. If the loan can no longer be renewed the request stays
// pending and the reason is returned.
func (e *Engine) ApproveRenewal(ctx context.Context, id uint, notes string) (loan *models.Loan, err error) {
	defer func() { e.observe("approve_renewal", err) }()

	now := e.now()
	var user *models.User
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rr, err := loadOpenRenewal(tx, id)
		if err != nil {
			return err
		}
		loan, err = renewLoan(tx, rr.LoanID)
		if err != nil {
			return err
		}
		if err := decideRenewal(tx, rr, models.RequestApproved, notes, now); err != nil {
			return err
		}
		user = lookupUser(tx, rr.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.send(user, "Renewal Approved", fmt.Sprintf("Your loan has been renewed. It is now due on %s.", formatDate(loan.DueAt)))
	e.log.Info("renewal approved", "renewal_id", id, "loan_id", loan.ID, "due_at", loan.DueAt)
	return loan, nil
}

func (e *Engine) DenyRenewal(ctx context.Context, id uint, notes string) (rr *models.RenewalRequest, err error) {
	defer func() { e.observe("deny_renewal", err) }()

	now := e.now()
	var user *models.User
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		rr, err = loadOpenRenewal(tx, id)
		if err != nil {
			return err
		}
		if err := decideRenewal(tx, rr, models.RequestRejected, notes, now); err != nil {
			return err
		}
		user = lookupUser(tx, rr.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	body := "Your renewal request was denied."
	if notes != "" {
		body += " " + notes
	}
	e.send(user, "Renewal Denied", body)
	e.log.Info("renewal denied", "renewal_id", id)
	return rr, nil
}

func (e *Engine) ListPendingRenewals(ctx context.Context) ([]models.RenewalRequest, error) {
	var out []models.RenewalRequest
	err := e.db.WithContext(ctx).Preload("Loan.Item").Preload("User").
		Where("status = ?", models.RequestRequested).
		Order("requested_at").
		Find(&out).Error
	return out, err
}
