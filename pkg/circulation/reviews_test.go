package circulation

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestSubmitReview_RequiresOpenLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "flo", true)

	ok, err := f.engine.CanReview(ctx, it.ID, u.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = f.engine.SubmitReview(ctx, it.ID, u.ID, 3, "")
	assert.ErrorIs(t, err, ErrReviewNotAllowed)

	loan := f.checkout(t, it, u)
	ok, err = f.engine.CanReview(ctx, it.ID, u.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	review, err := f.engine.SubmitReview(ctx, it.ID, u.ID, 4, "great read")
	require.NoError(t, err)
	assert.Equal(t, 4, review.Rating)
	sameInstant(t, testNow, review.CreatedAt)

	_, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	_, err = f.engine.SubmitReview(ctx, it.ID, u.ID, 2, "")
	assert.ErrorIs(t, err, ErrReviewNotAllowed)
}

func TestSubmitReview_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "gil", true)
	f.checkout(t, it, u)

	for _, rating := range []int{-1, 5} {
		_, err := f.engine.SubmitReview(ctx, it.ID, u.ID, rating, "")
		assert.ErrorIs(t, err, ErrInvalidInput, "rating %d", rating)
	}
	_, err := f.engine.SubmitReview(ctx, 999, u.ID, 2, "")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.engine.SubmitReview(ctx, it.ID, u.ID, 0, "")
	assert.NoError(t, err)
}

func TestListReviews_NewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "hed", true)
	f.checkout(t, it, u)

	first, err := f.engine.SubmitReview(ctx, it.ID, u.ID, 1, "first")
	require.NoError(t, err)
	f.clock.Advance(day)
	second, err := f.engine.SubmitReview(ctx, it.ID, u.ID, 3, "second")
	require.NoError(t, err)

	reviews, err := f.engine.ListReviews(ctx, it.ID)
	require.NoError(t, err)
	require.Len(t, reviews, 2)
	assert.Equal(t, second.ID, reviews[0].ID)
	assert.Equal(t, first.ID, reviews[1].ID)
	require.NotNil(t, reviews[0].User)
	assert.Equal(t, "hed", reviews[0].User.Username)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{fmt.Errorf("loan 1: %w", ErrNotFound), "not_found"},
		{ErrInvalidState, "invalid_state"},
		{ErrItemUnavailable, "item_unavailable"},
		{ErrItemAvailable, "item_available"},
		{ErrRenewalLimitReached, "renewal_limit_reached"},
		{ErrReviewNotAllowed, "review_not_allowed"},
		{ErrInvalidInput, "invalid_input"},
		{errors.New("disk full"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Classify(tt.err))
	}

	assert.ErrorIs(t, notFound(gorm.ErrRecordNotFound, "item", 7), ErrNotFound)
	other := errors.New("boom")
	assert.Equal(t, other, notFound(other, "item", 7))
}
