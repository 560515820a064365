package circulation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"communityshare/pkg/models"

	"gorm.io/gorm"
)

const day = 24 * time.Hour

// EffectiveStatus projects the persisted status onto (dueAt, now). Overdue
// is never written to the store.
func EffectiveStatus(loan models.Loan, now time.Time) models.LoanStatus {
	if loan.Status == models.LoanReturned {
		return models.LoanReturned
	}
	if loan.DueAt.Before(now) {
		return models.LoanOverdue
	}
	return models.LoanCheckedOut
}

// LateFeeCents is the fee accrued by asOf: whole days past due times the
// per-day rate copied onto the loan. Zero for returned or not-yet-due loans.
func LateFeeCents(loan models.Loan, asOf time.Time) int64 {
	if loan.Status == models.LoanReturned || !asOf.After(loan.DueAt) {
		return 0
	}
	daysLate := int64(asOf.Sub(loan.DueAt) / day)
	return daysLate * int64(loan.LateFeePerDayCents)
}

// createLoan checks the item out to userID. It must run inside the caller's
// transaction; the ledger guard makes a second loan on the same item fail
// with ErrItemUnavailable.
func createLoan(tx *gorm.DB, item *models.Item, userID uint, now time.Time) (*models.Loan, error) {
	if err := markUnavailable(tx, item.ID, now); err != nil {
		return nil, err
	}
	loan := models.Loan{
		ItemID:             item.ID,
		UserID:             userID,
		CheckedOutAt:       now,
		DueAt:              now.AddDate(0, 0, item.LoanDurationDays),
		Status:             models.LoanCheckedOut,
		MaxRenewals:        item.MaxRenewals,
		LateFeePerDayCents: item.LateFeePerDayCents,
	}
	if err := tx.Create(&loan).Error; err != nil {
		return nil, err
	}
	item.IsAvailable = false

	if err := fulfillHold(tx, item.ID, userID); err != nil {
		return nil, err
	}
	return &loan, nil
}

type ReturnResult struct {
	Loan models.Loan
	// NextHold is the head of the item's waitlist, if any. The caller decides
	// whether to notify; returning never promotes a hold by itself.
	NextHold *models.HoldRequest
}

// Return closes an open loan and makes its item available again.
func (e *Engine) Return(ctx context.Context, loanID uint) (result *ReturnResult, err error) {
	defer func() { e.observe("return", err) }()

	now := e.now()
	result = &ReturnResult{}
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var loan models.Loan
		if err := tx.First(&loan, loanID).Error; err != nil {
			return notFound(err, "loan", loanID)
		}
		if loan.Status == models.LoanReturned {
			return fmt.Errorf("loan %d already returned: %w", loanID, ErrInvalidState)
		}

		res := tx.Model(&models.Loan{}).
			Where("id = ? AND status = ?", loan.ID, models.LoanCheckedOut).
			Updates(map[string]interface{}{"status": models.LoanReturned, "returned_at": now, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("loan %d already returned: %w", loanID, ErrInvalidState)
		}

		changed, err := markAvailable(tx, loan.ItemID, now)
		if err != nil {
			return err
		}
		if !changed {
			e.log.Warn("item was already available when its loan closed", "item_id", loan.ItemID, "loan_id", loan.ID)
		}

		loan.Status = models.LoanReturned
		loan.ReturnedAt = &now
		result.Loan = loan

		next, err := headHold(tx, loan.ItemID)
		if err != nil {
			return err
		}
		result.NextHold = next
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.log.Info("loan returned", "loan_id", loanID, "item_id", result.Loan.ItemID, "has_waitlist", result.NextHold != nil)
	return result, nil
}

// renewLoan extends the due date from the current due date by the item's
// loan duration. The update is conditional on the renewal count read, so
// concurrent renewals cannot push the count past the cap.
func renewLoan(tx *gorm.DB, loanID uint) (*models.Loan, error) {
	var loan models.Loan
	if err := tx.First(&loan, loanID).Error; err != nil {
		return nil, notFound(err, "loan", loanID)
	}
	if loan.Status == models.LoanReturned {
		return nil, fmt.Errorf("loan %d returned: %w", loanID, ErrInvalidState)
	}
	if loan.RenewalCount >= loan.MaxRenewals {
		return nil, fmt.Errorf("loan %d renewed %d of %d times: %w", loanID, loan.RenewalCount, loan.MaxRenewals, ErrRenewalLimitReached)
	}

	var item models.Item
	if err := tx.First(&item, loan.ItemID).Error; err != nil {
		return nil, notFound(err, "item", loan.ItemID)
	}

	dueAt := loan.DueAt.AddDate(0, 0, item.LoanDurationDays)
	res := tx.Model(&models.Loan{}).
		Where("id = ? AND status = ? AND renewal_count = ?", loan.ID, models.LoanCheckedOut, loan.RenewalCount).
		Updates(map[string]interface{}{"renewal_count": loan.RenewalCount + 1, "due_at": dueAt})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("loan %d changed concurrently: %w", loanID, ErrInvalidState)
	}

	loan.RenewalCount++
	loan.DueAt = dueAt
	return &loan, nil
}

func (e *Engine) Renew(ctx context.Context, loanID uint) (loan *models.Loan, err error) {
	defer func() { e.observe("renew", err) }()

	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		loan, err = renewLoan(tx, loanID)
		return err
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("loan renewed", "loan_id", loan.ID, "renewal_count", loan.RenewalCount, "due_at", loan.DueAt)
	return loan, nil
}

func (e *Engine) GetLoan(ctx context.Context, loanID uint) (*models.Loan, error) {
	var loan models.Loan
	if err := e.db.WithContext(ctx).Preload("Item").First(&loan, loanID).Error; err != nil {
		return nil, notFound(err, "loan", loanID)
	}
	return &loan, nil
}

// LoanView is a loan with its read-time classification.
type LoanView struct {
	models.Loan
	EffectiveStatus models.LoanStatus `json:"effectiveStatus"`
	LateFeeCents    int64             `json:"lateFeeCents"`
}

func viewLoans(loans []models.Loan, now time.Time) []LoanView {
	views := make([]LoanView, len(loans))
	for i, l := range loans {
		views[i] = LoanView{Loan: l, EffectiveStatus: EffectiveStatus(l, now), LateFeeCents: LateFeeCents(l, now)}
	}
	return views
}

// ListUserLoans returns the user's open loans, soonest due first.
func (e *Engine) ListUserLoans(ctx context.Context, userID uint) ([]LoanView, error) {
	now := e.now()
	var loans []models.Loan
	err := e.db.WithContext(ctx).Preload("Item").
		Where("user_id = ? AND status <> ?", userID, models.LoanReturned).
		Order("due_at").
		Find(&loans).Error
	if err != nil {
		return nil, err
	}
	return viewLoans(loans, now), nil
}

func (e *Engine) ListOverdueLoans(ctx context.Context) ([]LoanView, error) {
	now := e.now()
	loans, err := overdueLoans(e.db.WithContext(ctx), now)
	if err != nil {
		return nil, err
	}
	return viewLoans(loans, now), nil
}

// HistoryFilter narrows ListLoanHistory. Zero values match everything.
type HistoryFilter struct {
	UserEmail string
	ItemID    uint
}

// ListLoanHistory returns loans in any status, newest checkout first. The
// email filter matches any part of the borrower's address, ignoring case.
func (e *Engine) ListLoanHistory(ctx context.Context, filter HistoryFilter) ([]LoanView, error) {
	now := e.now()
	q := e.db.WithContext(ctx).Preload("Item").Preload("User")
	if email := strings.ToLower(strings.TrimSpace(filter.UserEmail)); email != "" {
		q = q.Where("user_id IN (?)", e.db.Model(&models.User{}).Select("id").Where("LOWER(email) LIKE ?", "%"+email+"%"))
	}
	if filter.ItemID != 0 {
		q = q.Where("item_id = ?", filter.ItemID)
	}
	var loans []models.Loan
	if err := q.Order("checked_out_at DESC").Order("id DESC").Find(&loans).Error; err != nil {
		return nil, err
	}
	return viewLoans(loans, now), nil
}

func overdueLoans(db *gorm.DB, now time.Time) ([]models.Loan, error) {
	var loans []models.Loan
	err := db.Preload("Item").Preload("User").
		Where("status <> ? AND due_at < ?", models.LoanReturned, now).
		Order("due_at").
		Find(&loans).Error
	return loans, err
}

func dueWithin(db *gorm.DB, cutoff time.Time) ([]models.Loan, error) {
	var loans []models.Loan
	err := db.Preload("Item").Preload("User").
		Where("status <> ? AND due_at <= ?", models.LoanReturned, cutoff).
		Order("due_at").
		Find(&loans).Error
	return loans, err
}

// ReminderBatch is classified against a single AsOf instant.
type ReminderBatch struct {
	AsOf    time.Time
	DueSoon []models.Loan
	Overdue []models.Loan
}

// SelectReminders returns open loans due within windowDays (overdue ones
// included) and, separately, the overdue subset.
func (e *Engine) SelectReminders(ctx context.Context, windowDays int) (*ReminderBatch, error) {
	if windowDays < 0 {
		return nil, fmt.Errorf("window of %d days: %w", windowDays, ErrInvalidInput)
	}
	now := e.now()
	db := e.db.WithContext(ctx)

	dueSoon, err := dueWithin(db, now.AddDate(0, 0, windowDays))
	if err != nil {
		return nil, err
	}
	overdue, err := overdueLoans(db, now)
	if err != nil {
		return nil, err
	}
	return &ReminderBatch{AsOf: now, DueSoon: dueSoon, Overdue: overdue}, nil
}

// SendReminders queues one reminder per open loan due within windowDays and
// returns how many were queued.
func (e *Engine) SendReminders(ctx context.Context, windowDays int) (sent int, err error) {
	defer func() { e.observe("send_reminders", err) }()

	batch, err := e.SelectReminders(ctx, windowDays)
	if err != nil {
		return 0, err
	}
	for _, loan := range batch.DueSoon {
		if loan.User == nil || loan.User.Email == "" {
			continue
		}
		title := ""
		if loan.Item != nil {
			title = loan.Item.Title
		}
		body := fmt.Sprintf("Your loan for '%s' is due on %s.", title, formatDate(loan.DueAt))
		if EffectiveStatus(loan, batch.AsOf) == models.LoanOverdue {
			fee := LateFeeCents(loan, batch.AsOf)
			body = fmt.Sprintf("Your loan for '%s' was due on %s and is overdue. Late fees so far: $%d.%02d.",
				title, formatDate(loan.DueAt), fee/100, fee%100)
		}
		e.send(loan.User, "Loan Reminder", body)
		sent++
	}
	e.log.Info("reminders queued", "count", sent, "overdue", len(batch.Overdue), "window_days", windowDays)
	return sent, nil
}

type Dashboard struct {
	ActiveLoans     int64 `json:"activeLoans"`
	OverdueLoans    int64 `json:"overdueLoans"`
	PendingRequests int64 `json:"pendingRequests"`
	PendingRenewals int64 `json:"pendingRenewals"`
}

func (e *Engine) Dashboard(ctx context.Context) (*Dashboard, error) {
	now := e.now()
	db := e.db.WithContext(ctx)
	d := &Dashboard{}

	if err := db.Model(&models.Loan{}).Where("status <> ?", models.LoanReturned).Count(&d.ActiveLoans).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.Loan{}).Where("status <> ? AND due_at < ?", models.LoanReturned, now).Count(&d.OverdueLoans).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.LoanRequest{}).Where("status = ?", models.RequestRequested).Count(&d.PendingRequests).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.RenewalRequest{}).Where("status = ?", models.RequestRequested).Count(&d.PendingRenewals).Error; err != nil {
		return nil, err
	}
	return d, nil
}
