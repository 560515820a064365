package circulation

import (
	"context"
	"fmt"
	"time"

	"communityshare/pkg/models"

	"gorm.io/gorm"
)

type RequestResult struct {
	Request models.LoanRequest
	// Loan is set when the request was approved, automatically or by staff.
	Loan *models.Loan
}

// Submit records a member's request to borrow an available item. When both
// the member and the item allow auto-approval the request is created already
// approved and the loan is opened in the same transaction.
func (e *Engine) Submit(ctx context.Context, itemID, userID uint) (result *RequestResult, err error) {
	defer func() { e.observe("submit", err) }()

	now := e.now()
	var user models.User
	var item *models.Item
	result = &RequestResult{}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&user, userID).Error; err != nil {
			return notFound(err, "user", userID)
		}
		var err error
		item, err = loadActiveItem(tx, itemID)
		if err != nil {
			return err
		}
		if !item.IsAvailable {
			return fmt.Errorf("item %d: %w", itemID, ErrItemUnavailable)
		}

		req := models.LoanRequest{
			ItemID:      item.ID,
			UserID:      user.ID,
			Status:      models.RequestRequested,
			RequestedAt: now,
		}
		if user.AutoApproveEligible && item.AutoApproveAllowed {
			loan, err := createLoan(tx, item, user.ID, now)
			if err != nil {
				return err
			}
			req.Status = models.RequestApproved
			req.ApprovedAt = &now
			result.Loan = loan
		}
		if err := tx.Create(&req).Error; err != nil {
			return err
		}
		result.Request = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Loan != nil {
		e.send(&user, "Loan Approved", fmt.Sprintf("Your request for '%s' was approved automatically. It is due on %s.",
			item.Title, formatDate(result.Loan.DueAt)))
	} else {
		e.send(&user, "Loan Request Submitted", fmt.Sprintf("Your request for '%s' was submitted for approval.", item.Title))
	}
	e.log.Info("loan request submitted", "request_id", result.Request.ID, "item_id", itemID, "user_id", userID,
		"status", result.Request.Status)
	return result, nil
}

func loadOpenRequest(tx *gorm.DB, id uint) (*models.LoanRequest, error) {
	var req models.LoanRequest
	if err := tx.First(&req, id).Error; err != nil {
		return nil, notFound(err, "loan request", id)
	}
	if req.Status != models.RequestRequested {
		return nil, fmt.Errorf("loan request %d is %s: %w", id, req.Status, ErrInvalidState)
	}
	return &req, nil
}

// decideRequest moves a request out of Requested. The status condition makes
// a second decision on the same request a no-op reported as ErrInvalidState.
func decideRequest(tx *gorm.DB, req *models.LoanRequest, status models.LoanRequestStatus, notes string, now time.Time) error {
	updates := map[string]interface{}{"status": status, "decision_notes": notes, "updated_at": now}
	if status == models.RequestApproved {
		updates["approved_at"] = now
	}
	res := tx.Model(&models.LoanRequest{}).
		Where("id = ? AND status = ?", req.ID, models.RequestRequested).
		Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("loan request %d already decided: %w", req.ID, ErrInvalidState)
	}
	req.Status = status
	req.DecisionNotes = notes
	if status == models.RequestApproved {
		req.ApprovedAt = &now
	}
	return nil
}

// Approve opens a loan for a pending request. If the item was lent to
// someone else first the request stays pending and ErrItemUnavailable is
// returned so staff can decide.
func (e *Engine) Approve(ctx context.Context, requestID uint, notes string) (result *RequestResult, err error) {
	defer func() { e.observe("approve", err) }()

	now := e.now()
	var user *models.User
	var item *models.Item
	result = &RequestResult{}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		req, err := loadOpenRequest(tx, requestID)
		if err != nil {
			return err
		}
		var it models.Item
		if err := tx.First(&it, req.ItemID).Error; err != nil {
			return notFound(err, "item", req.ItemID)
		}
		item = &it
		if !item.IsActive || !item.IsAvailable {
			return fmt.Errorf("item %d: %w", item.ID, ErrItemUnavailable)
		}

		loan, err := createLoan(tx, item, req.UserID, now)
		if err != nil {
			return err
		}
		if err := decideRequest(tx, req, models.RequestApproved, notes, now); err != nil {
			return err
		}
		result.Request = *req
		result.Loan = loan
		user = lookupUser(tx, req.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.send(user, "Loan Approved", fmt.Sprintf("Your request for '%s' has been approved. It is due on %s.",
		item.Title, formatDate(result.Loan.DueAt)))
	e.log.Info("loan request approved", "request_id", requestID, "loan_id", result.Loan.ID, "item_id", item.ID)
	return result, nil
}

func (e *Engine) Deny(ctx context.Context, requestID uint, notes string) (req *models.LoanRequest, err error) {
	defer func() { e.observe("deny", err) }()

	now := e.now()
	var user *models.User
	var title string
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		req, err = loadOpenRequest(tx, requestID)
		if err != nil {
			return err
		}
		if err := decideRequest(tx, req, models.RequestRejected, notes, now); err != nil {
			return err
		}
		var item models.Item
		if tx.Select("title").Limit(1).Find(&item, req.ItemID).Error == nil {
			title = item.Title
		}
		user = lookupUser(tx, req.UserID)
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.send(user, "Loan Denied", fmt.Sprintf("Your request for '%s' was denied.", title))
	e.log.Info("loan request denied", "request_id", requestID)
	return req, nil
}

// CancelRequest lets the requester withdraw a pending request.
func (e *Engine) CancelRequest(ctx context.Context, requestID, userID uint) (req *models.LoanRequest, err error) {
	defer func() { e.observe("cancel_request", err) }()

	now := e.now()
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current models.LoanRequest
		if err := tx.First(&current, requestID).Error; err != nil {
			return notFound(err, "loan request", requestID)
		}
		if current.UserID != userID {
			return fmt.Errorf("loan request %d for user %d: %w", requestID, userID, ErrNotFound)
		}
		if current.Status != models.RequestRequested {
			return fmt.Errorf("loan request %d is %s: %w", requestID, current.Status, ErrInvalidState)
		}
		if err := decideRequest(tx, &current, models.RequestCancelled, current.DecisionNotes, now); err != nil {
			return err
		}
		req = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("loan request cancelled", "request_id", requestID, "user_id", userID)
	return req, nil
}

func (e *Engine) ListPendingRequests(ctx context.Context) ([]models.LoanRequest, error) {
	var out []models.LoanRequest
	err := e.db.WithContext(ctx).Preload("Item").Preload("User").
		Where("status = ?", models.RequestRequested).
		Order("requested_at").
		Find(&out).Error
	return out, err
}

// ListUserRequests returns every request the user made, newest first.
func (e *Engine) ListUserRequests(ctx context.Context, userID uint) ([]models.LoanRequest, error) {
	var out []models.LoanRequest
	err := e.db.WithContext(ctx).Preload("Item").
		Where("user_id = ?", userID).
		Order("requested_at DESC").
		Find(&out).Error
	return out, err
}
