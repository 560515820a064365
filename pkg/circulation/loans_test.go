package circulation

import (
	"context"
	"testing"
	"time"

	"communityshare/pkg/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectiveStatus(t *testing.T) {
	due := testNow
	open := models.Loan{Status: models.LoanCheckedOut, DueAt: due}

	assert.Equal(t, models.LoanCheckedOut, EffectiveStatus(open, due.Add(-time.Hour)))
	assert.Equal(t, models.LoanCheckedOut, EffectiveStatus(open, due))
	assert.Equal(t, models.LoanOverdue, EffectiveStatus(open, due.Add(time.Second)))

	returned := models.Loan{Status: models.LoanReturned, DueAt: due}
	assert.Equal(t, models.LoanReturned, EffectiveStatus(returned, due.Add(30*day)))
}

func TestLateFeeCents(t *testing.T) {
	loan := models.Loan{Status: models.LoanCheckedOut, DueAt: testNow, LateFeePerDayCents: 25}

	tests := []struct {
		name string
		asOf time.Time
		want int64
	}{
		{"before due", testNow.Add(-day), 0},
		{"at due", testNow, 0},
		{"partial day", testNow.Add(20 * time.Hour), 0},
		{"one and a half days", testNow.Add(36 * time.Hour), 25},
		{"ten days", testNow.Add(10 * day), 250},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LateFeeCents(loan, tt.asOf))
		})
	}

	loan.Status = models.LoanReturned
	assert.Zero(t, LateFeeCents(loan, testNow.Add(10*day)))
}

func TestReturn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "ola", true)
	loan := f.checkout(t, it, u)

	f.clock.Advance(5 * day)
	res, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, models.LoanReturned, res.Loan.Status)
	require.NotNil(t, res.Loan.ReturnedAt)
	sameInstant(t, testNow.Add(5*day), *res.Loan.ReturnedAt)
	assert.Nil(t, res.NextHold)

	assert.True(t, f.reloadItem(t, it.ID).IsAvailable)
	assert.Zero(t, f.openLoans(t, it.ID))
}

func TestReturn_AlreadyReturnedLeavesLoanUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "pam", true)
	loan := f.checkout(t, it, u)

	_, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	before := f.reloadLoan(t, loan.ID)

	f.clock.Advance(2 * day)
	_, err = f.engine.Return(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)

	after := f.reloadLoan(t, loan.ID)
	assert.Equal(t, before.Status, after.Status)
	require.NotNil(t, after.ReturnedAt)
	sameInstant(t, *before.ReturnedAt, *after.ReturnedAt)
	sameInstant(t, before.DueAt, after.DueAt)
	assert.Equal(t, before.RenewalCount, after.RenewalCount)
	assert.True(t, f.reloadItem(t, it.ID).IsAvailable)

	_, err = f.engine.Return(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReturn_ReportsHeadOfWaitlist(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	borrower := f.user(t, "quinn", true)
	waiting := f.user(t, "rae", false)
	loan := f.checkout(t, it, borrower)

	hold, err := f.engine.Join(ctx, it.ID, waiting.ID)
	require.NoError(t, err)

	res, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	require.NotNil(t, res.NextHold)
	assert.Equal(t, hold.ID, res.NextHold.ID)
	require.NotNil(t, res.NextHold.User)
	assert.Equal(t, "rae", res.NextHold.User.Username)

	// Returning never promotes a hold by itself.
	h, err := f.engine.GetHold(ctx, hold.ID)
	require.NoError(t, err)
	assert.True(t, h.IsActive)
}

func TestRenew_UpToLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "sam", true)
	loan := f.checkout(t, it, u)

	renewed, err := f.engine.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, renewed.RenewalCount)
	sameInstant(t, loan.DueAt.AddDate(0, 0, 14), renewed.DueAt)

	_, err = f.engine.Renew(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrRenewalLimitReached)

	stored := f.reloadLoan(t, loan.ID)
	assert.Equal(t, 1, stored.RenewalCount)
	sameInstant(t, renewed.DueAt, stored.DueAt)
}

func TestRenew_ReturnedOrMissing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "tia", true)
	loan := f.checkout(t, it, u)
	_, err := f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)

	_, err = f.engine.Renew(ctx, loan.ID)
	assert.ErrorIs(t, err, ErrInvalidState)
	_, err = f.engine.Renew(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoanPolicyIsCopiedAtCheckout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	u := f.user(t, "uma", true)
	loan := f.checkout(t, it, u)

	require.NoError(t, f.db.Model(&models.Item{}).Where("id = ?", it.ID).
		Updates(map[string]interface{}{"max_renewals": 0, "late_fee_per_day_cents": 100}).Error)

	renewed, err := f.engine.Renew(ctx, loan.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, renewed.LateFeePerDayCents)
}

// reminderLoans checks out three items at testNow and moves the clock three
// days ahead: one loan due tomorrow, one due in nine days, one two days late.
func reminderLoans(t *testing.T, f *fixture) (soon, later, late models.Loan) {
	t.Helper()
	u := f.user(t, "vic", true)
	soon = f.checkout(t, f.item(t, func(it *models.Item) { it.Title = "Soon"; it.LoanDurationDays = 4 }), u)
	later = f.checkout(t, f.item(t, func(it *models.Item) { it.Title = "Later"; it.LoanDurationDays = 12 }), u)
	late = f.checkout(t, f.item(t, func(it *models.Item) { it.Title = "Late"; it.LoanDurationDays = 1 }), u)
	f.clock.Advance(3 * day)
	return soon, later, late
}

func loanIDs(loans []models.Loan) []uint {
	ids := make([]uint, len(loans))
	for i, l := range loans {
		ids[i] = l.ID
	}
	return ids
}

func TestSelectReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon, _, late := reminderLoans(t, f)

	batch, err := f.engine.SelectReminders(ctx, 2)
	require.NoError(t, err)
	sameInstant(t, testNow.Add(3*day), batch.AsOf)
	assert.Equal(t, []uint{late.ID, soon.ID}, loanIDs(batch.DueSoon))
	assert.Equal(t, []uint{late.ID}, loanIDs(batch.Overdue))

	batch, err = f.engine.SelectReminders(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []uint{late.ID}, loanIDs(batch.DueSoon))

	_, err = f.engine.SelectReminders(ctx, -1)
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestSendReminders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	reminderLoans(t, f)
	before := len(f.notifier.messages())

	sent, err := f.engine.SendReminders(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, sent)

	msgs := f.notifier.messages()[before:]
	require.Len(t, msgs, 2)
	for _, m := range msgs {
		assert.Equal(t, "Loan Reminder", m.Subject)
		assert.Equal(t, "vic@example.org", m.To)
	}
	assert.Contains(t, msgs[0].Body, "'Late'")
	assert.Contains(t, msgs[0].Body, "$0.50")
	assert.Contains(t, msgs[1].Body, "'Soon'")
	assert.Contains(t, msgs[1].Body, "2026-03-06")
}

func TestListUserAndOverdueLoans(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon, later, late := reminderLoans(t, f)

	views, err := f.engine.ListUserLoans(ctx, soon.UserID)
	require.NoError(t, err)
	require.Len(t, views, 3)
	assert.Equal(t, late.ID, views[0].ID)
	assert.Equal(t, models.LoanOverdue, views[0].EffectiveStatus)
	assert.Equal(t, int64(50), views[0].LateFeeCents)
	assert.Equal(t, soon.ID, views[1].ID)
	assert.Equal(t, models.LoanCheckedOut, views[1].EffectiveStatus)
	assert.Equal(t, later.ID, views[2].ID)
	require.NotNil(t, views[2].Item)
	assert.Equal(t, "Later", views[2].Item.Title)

	// The persisted status never records the overdue projection.
	assert.Equal(t, models.LoanCheckedOut, f.reloadLoan(t, late.ID).Status)

	overdue, err := f.engine.ListOverdueLoans(ctx)
	require.NoError(t, err)
	require.Len(t, overdue, 1)
	assert.Equal(t, late.ID, overdue[0].ID)
}

func TestListLoanHistory(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	wren := f.user(t, "Wren", true)
	bo := f.user(t, "bo", true)
	shared := f.item(t)
	other := f.item(t, func(it *models.Item) { it.Title = "Lathe of Heaven" })

	first := f.checkout(t, shared, wren)
	f.clock.Advance(day)
	_, err := f.engine.Return(ctx, first.ID)
	require.NoError(t, err)
	f.clock.Advance(day)
	second := f.checkout(t, shared, bo)
	f.clock.Advance(day)
	third := f.checkout(t, other, wren)

	all, err := f.engine.ListLoanHistory(ctx, HistoryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, third.ID, all[0].ID)
	assert.Equal(t, second.ID, all[1].ID)
	assert.Equal(t, first.ID, all[2].ID)
	assert.Equal(t, models.LoanReturned, all[2].EffectiveStatus)
	require.NotNil(t, all[2].User)
	assert.Equal(t, "Wren@example.org", all[2].User.Email)

	byEmail, err := f.engine.ListLoanHistory(ctx, HistoryFilter{UserEmail: " WREN@ "})
	require.NoError(t, err)
	require.Len(t, byEmail, 2)
	assert.Equal(t, third.ID, byEmail[0].ID)
	assert.Equal(t, first.ID, byEmail[1].ID)

	byItem, err := f.engine.ListLoanHistory(ctx, HistoryFilter{ItemID: shared.ID})
	require.NoError(t, err)
	require.Len(t, byItem, 2)
	assert.Equal(t, second.ID, byItem[0].ID)
	assert.Equal(t, first.ID, byItem[1].ID)

	both, err := f.engine.ListLoanHistory(ctx, HistoryFilter{UserEmail: "wren", ItemID: shared.ID})
	require.NoError(t, err)
	require.Len(t, both, 1)
	assert.Equal(t, first.ID, both[0].ID)

	none, err := f.engine.ListLoanHistory(ctx, HistoryFilter{UserEmail: "nobody"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	soon, _, _ := reminderLoans(t, f)

	manual := f.item(t, manualOnly)
	member := f.user(t, "wes", false)
	_, err := f.engine.Submit(ctx, manual.ID, member.ID)
	require.NoError(t, err)
	_, err = f.engine.RequestRenewal(ctx, soon.ID, soon.UserID)
	require.NoError(t, err)

	d, err := f.engine.Dashboard(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Dashboard{ActiveLoans: 3, OverdueLoans: 1, PendingRequests: 1, PendingRenewals: 1}, d)
}

func TestVerifyLedger(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	it := f.item(t)
	idle := f.item(t)
	u := f.user(t, "xia", true)
	loan := f.checkout(t, it, u)

	mismatches, err := f.engine.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	ok, err := f.engine.IsItemAvailable(ctx, it.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = f.engine.IsItemAvailable(ctx, idle.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = f.engine.Return(ctx, loan.ID)
	require.NoError(t, err)
	mismatches, err = f.engine.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.Empty(t, mismatches)

	require.NoError(t, f.db.Model(&models.Item{}).Where("id = ?", idle.ID).Update("is_available", false).Error)
	mismatches, err = f.engine.VerifyLedger(ctx)
	require.NoError(t, err)
	assert.Equal(t, []LedgerMismatch{{ItemID: idle.ID, IsAvailable: false, OpenLoans: 0}}, mismatches)

	_, err = f.engine.IsItemAvailable(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}
