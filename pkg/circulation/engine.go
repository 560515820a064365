// Package circulation implements the lending rules for shared items: the
// availability ledger, loan request approval, the loan lifecycle (renewals,
// returns, overdue classification, late fees) and per-item waitlists.
//
// Every mutating operation runs in a single store transaction. The only
// cross-request serialization point is the conditional "available ->
// unavailable" update on the item row, taken in the same transaction that
// creates the loan.
package circulation

import (
	"log/slog"
	"time"

	"communityshare/pkg/metrics"
	"communityshare/pkg/models"

	"gorm.io/gorm"
)

// Notifier queues a message for delivery. Implementations must not block on
// delivery; failures never affect the calling operation.
type Notifier interface {
	Notify(to, subject, body string)
}

type Engine struct {
	db       *gorm.DB
	notifier Notifier
	log      *slog.Logger
	now      func() time.Time
}

type Option func(*Engine)

// WithClock replaces the wall clock. Times are expected in UTC.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(db *gorm.DB, notifier Notifier, log *slog.Logger, opts ...Option) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		db:       db,
		notifier: notifier,
		log:      log,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) observe(operation string, err error) {
	result := Classify(err)
	metrics.ObserveOperation(operation, result)
	if result == "error" {
		e.log.Error("circulation operation failed", "operation", operation, "err", err)
	}
}

func (e *Engine) send(user *models.User, subject, body string) {
	if e.notifier == nil || user == nil || user.Email == "" {
		return
	}
	e.notifier.Notify(user.Email, subject, body)
}

// lookupUser returns nil when the user row is gone; users are weak references.
func lookupUser(tx *gorm.DB, id uint) *models.User {
	var users []models.User
	if err := tx.Limit(1).Find(&users, id).Error; err != nil || len(users) == 0 {
		return nil
	}
	return &users[0]
}

func loadActiveItem(tx *gorm.DB, id uint) (*models.Item, error) {
	var item models.Item
	if err := tx.Where("is_active = ?", true).First(&item, id).Error; err != nil {
		return nil, notFound(err, "item", id)
	}
	return &item, nil
}

func formatDate(t time.Time) string {
	return t.Format("2006-01-02")
}
