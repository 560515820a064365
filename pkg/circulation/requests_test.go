package circulation

import (
	"context"
	"errors"
	"sync"
	"testing"

	"communityshare/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_AutoApproveOpensLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "ana", true)

	res, err := f.engine.Submit(ctx, it.ID, u.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Loan)

	assert.Equal(t, models.RequestApproved, res.Request.Status)
	require.NotNil(t, res.Request.ApprovedAt)
	sameInstant(t, testNow, *res.Request.ApprovedAt)
	sameInstant(t, testNow.AddDate(0, 0, 14), res.Loan.DueAt)
	assert.Equal(t, models.LoanCheckedOut, res.Loan.Status)
	assert.Equal(t, 1, res.Loan.MaxRenewals)
	assert.Equal(t, 25, res.Loan.LateFeePerDayCents)

	assert.False(t, f.reloadItem(t, it.ID).IsAvailable)
	assert.Equal(t, int64(1), f.openLoans(t, it.ID))
	assert.Equal(t, []string{"Loan Approved"}, f.notifier.subjects())
	assert.Equal(t, "ana@example.org", f.notifier.messages()[0].To)
}

func TestSubmit_ManualStaysRequested(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("member not eligible", func(t *testing.T) {
		it := f.item(t)
		u := f.user(t, "ben", false)
		res, err := f.engine.Submit(ctx, it.ID, u.ID)
		require.NoError(t, err)
		assert.Nil(t, res.Loan)
		assert.Equal(t, models.RequestRequested, res.Request.Status)
		assert.Nil(t, res.Request.ApprovedAt)
		assert.True(t, f.reloadItem(t, it.ID).IsAvailable)
	})

	t.Run("item not auto-approvable", func(t *testing.T) {
		it := f.item(t, manualOnly)
		u := f.user(t, "cat", true)
		res, err := f.engine.Submit(ctx, it.ID, u.ID)
		require.NoError(t, err)
		assert.Nil(t, res.Loan)
		assert.Equal(t, models.RequestRequested, res.Request.Status)
		assert.True(t, f.reloadItem(t, it.ID).IsAvailable)
	})

	assert.Equal(t, []string{"Loan Request Submitted", "Loan Request Submitted"}, f.notifier.subjects())
}

func TestSubmit_Rejections(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	u := f.user(t, "dan", false)

	_, err := f.engine.Submit(ctx, 999, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	inactive := f.item(t, func(it *models.Item) { it.IsActive = false })
	_, err = f.engine.Submit(ctx, inactive.ID, u.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	it := f.item(t)
	_, err = f.engine.Submit(ctx, it.ID, 999)
	assert.ErrorIs(t, err, ErrNotFound)

	lent := f.item(t, func(it *models.Item) { it.IsAvailable = false })
	_, err = f.engine.Submit(ctx, lent.ID, u.ID)
	assert.ErrorIs(t, err, ErrItemUnavailable)

	var n int64
	require.NoError(t, f.db.Model(&models.LoanRequest{}).Count(&n).Error)
	assert.Zero(t, n)
	assert.Empty(t, f.notifier.subjects())
}

func TestSubmit_BackToBackSecondFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	first := f.user(t, "eve", true)
	second := f.user(t, "fay", true)

	_, err := f.engine.Submit(ctx, it.ID, first.ID)
	require.NoError(t, err)

	_, err = f.engine.Submit(ctx, it.ID, second.ID)
	assert.ErrorIs(t, err, ErrItemUnavailable)
	assert.Equal(t, int64(1), f.openLoans(t, it.ID))
}

func TestSubmit_ConcurrentAutoApprovalsYieldOneLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)

	const n = 8
	users := make([]models.User, n)
	for i := range users {
		users[i] = f.user(t, "racer"+string(rune('a'+i)), true)
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range users {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Submit(ctx, it.ID, users[i].ID)
		}(i)
	}
	wg.Wait()

	var ok, unavailable int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, ErrItemUnavailable):
			unavailable++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, n-1, unavailable)
	assert.Equal(t, int64(1), f.openLoans(t, it.ID))
	assert.False(t, f.reloadItem(t, it.ID).IsAvailable)
}

func TestApprove_OpensLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, manualOnly)
	u := f.user(t, "gus", false)

	submitted, err := f.engine.Submit(ctx, it.ID, u.ID)
	require.NoError(t, err)

	f.clock.Advance(3 * day)
	res, err := f.engine.Approve(ctx, submitted.Request.ID, "ok")
	require.NoError(t, err)
	require.NotNil(t, res.Loan)

	assert.Equal(t, models.RequestApproved, res.Request.Status)
	assert.Equal(t, "ok", res.Request.DecisionNotes)
	sameInstant(t, testNow.Add(3*day), res.Loan.CheckedOutAt)
	sameInstant(t, testNow.Add(3*day).AddDate(0, 0, 14), res.Loan.DueAt)
	assert.False(t, f.reloadItem(t, it.ID).IsAvailable)
	assert.Equal(t, []string{"Loan Request Submitted", "Loan Approved"}, f.notifier.subjects())

	_, err = f.engine.Approve(ctx, submitted.Request.ID, "again")
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Equal(t, int64(1), f.openLoans(t, it.ID))
}

func TestApprove_ItemAlreadyLentKeepsRequestPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, manualOnly)
	a := f.user(t, "hal", false)
	b := f.user(t, "ivy", false)

	ra, err := f.engine.Submit(ctx, it.ID, a.ID)
	require.NoError(t, err)
	rb, err := f.engine.Submit(ctx, it.ID, b.ID)
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, ra.Request.ID, "")
	require.NoError(t, err)

	_, err = f.engine.Approve(ctx, rb.Request.ID, "")
	assert.ErrorIs(t, err, ErrItemUnavailable)

	var pending models.LoanRequest
	require.NoError(t, f.db.First(&pending, rb.Request.ID).Error)
	assert.Equal(t, models.RequestRequested, pending.Status)
	assert.Equal(t, int64(1), f.openLoans(t, it.ID))
}

func TestApprove_ConcurrentDecisionsYieldOneLoan(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, manualOnly)

	const n = 6
	ids := make([]uint, n)
	for i := range ids {
		u := f.user(t, "queue"+string(rune('a'+i)), false)
		res, err := f.engine.Submit(ctx, it.ID, u.ID)
		require.NoError(t, err)
		ids[i] = res.Request.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Approve(ctx, ids[i], "")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrItemUnavailable)
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, int64(1), f.openLoans(t, it.ID))

	var approved int64
	require.NoError(t, f.db.Model(&models.LoanRequest{}).Where("status = ?", models.RequestApproved).Count(&approved).Error)
	assert.Equal(t, int64(1), approved)
}

func TestApprove_InactiveItem(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, manualOnly)
	u := f.user(t, "jon", false)

	res, err := f.engine.Submit(ctx, it.ID, u.ID)
	require.NoError(t, err)
	require.NoError(t, f.db.Model(&models.Item{}).Where("id = ?", it.ID).Update("is_active", false).Error)

	_, err = f.engine.Approve(ctx, res.Request.ID, "")
	assert.ErrorIs(t, err, ErrItemUnavailable)
	assert.True(t, f.reloadItem(t, it.ID).IsAvailable)
}

func TestDeny(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, manualOnly)
	u := f.user(t, "kim", false)

	res, err := f.engine.Submit(ctx, it.ID, u.ID)
	require.NoError(t, err)

	req, err := f.engine.Deny(ctx, res.Request.ID, "damaged")
	require.NoError(t, err)
	assert.Equal(t, models.RequestRejected, req.Status)
	assert.Equal(t, "damaged", req.DecisionNotes)
	assert.True(t, f.reloadItem(t, it.ID).IsAvailable)

	msgs := f.notifier.messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "Loan Denied", msgs[1].Subject)
	assert.Contains(t, msgs[1].Body, it.Title)

	_, err = f.engine.Deny(ctx, res.Request.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.Approve(ctx, res.Request.ID, "")
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.Deny(ctx, 999, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t, manualOnly)
	u := f.user(t, "lea", false)
	other := f.user(t, "max", false)

	res, err := f.engine.Submit(ctx, it.ID, u.ID)
	require.NoError(t, err)

	_, err = f.engine.CancelRequest(ctx, res.Request.ID, other.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	req, err := f.engine.CancelRequest(ctx, res.Request.ID, u.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.Status)

	_, err = f.engine.CancelRequest(ctx, res.Request.ID, u.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestListRequests(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.item(t, manualOnly)
	b := f.item(t, manualOnly)
	u := f.user(t, "ned", false)

	first, err := f.engine.Submit(ctx, a.ID, u.ID)
	require.NoError(t, err)
	f.clock.Advance(day)
	second, err := f.engine.Submit(ctx, b.ID, u.ID)
	require.NoError(t, err)
	_, err = f.engine.Deny(ctx, first.Request.ID, "")
	require.NoError(t, err)

	pending, err := f.engine.ListPendingRequests(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.Request.ID, pending[0].ID)
	require.NotNil(t, pending[0].Item)
	require.NotNil(t, pending[0].User)
	assert.Equal(t, "ned", pending[0].User.Username)

	mine, err := f.engine.ListUserRequests(ctx, u.ID)
	require.NoError(t, err)
	require.Len(t, mine, 2)
	assert.Equal(t, second.Request.ID, mine[0].ID)
	assert.Equal(t, first.Request.ID, mine[1].ID)
}
