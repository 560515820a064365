package circulation

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// Expected, recoverable outcomes. Callers test them with errors.Is.
var (
	ErrNotFound            = errors.New("not found")
	ErrInvalidState        = errors.New("invalid state")
	ErrItemUnavailable     = errors.New("item unavailable")
	ErrItemAvailable       = errors.New("item available")
	ErrRenewalLimitReached = errors.New("renewal limit reached")
	ErrReviewNotAllowed    = errors.New("review not allowed")
	ErrInvalidInput        = errors.New("invalid input")
)

// Classify names the outcome of an operation for metrics and logs.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrItemUnavailable):
		return "item_unavailable"
	case errors.Is(err, ErrItemAvailable):
		return "item_available"
	case errors.Is(err, ErrRenewalLimitReached):
		return "renewal_limit_reached"
	case errors.Is(err, ErrReviewNotAllowed):
		return "review_not_allowed"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	default:
		return "error"
	}
}

func notFound(err error, entity string, id uint) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s %d: %w", entity, id, ErrNotFound)
	}
	return err
}
