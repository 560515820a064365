package circulation

import (
	"context"
	"sync"
	"testing"
	"time"

	"communityshare/pkg/database"
	"communityshare/pkg/models"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

var testNow = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

type sentMessage struct {
	To      string
	Subject string
	Body    string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Notify(to, subject, body string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{To: to, Subject: subject, Body: body})
}

func (n *recordingNotifier) messages() []sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]sentMessage, len(n.sent))
	copy(out, n.sent)
	return out
}

func (n *recordingNotifier) subjects() []string {
	var out []string
	for _, m := range n.messages() {
		out = append(out, m.Subject)
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	db       *gorm.DB
	engine   *Engine
	notifier *recordingNotifier
	clock    *clock
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := setupTestDB(t)
	n := &recordingNotifier{}
	c := &clock{now: testNow}
	return &fixture{
		db:       db,
		engine:   New(db, n, nil, WithClock(c.Now)),
		notifier: n,
		clock:    c,
	}
}

func (f *fixture) user(t *testing.T, username string, autoApprove bool) models.User {
	t.Helper()
	u := models.User{
		Username:            username,
		Email:               username + "@example.org",
		Role:                models.RoleMember,
		AutoApproveEligible: autoApprove,
	}
	require.NoError(t, f.db.Create(&u).Error)
	return u
}

func (f *fixture) item(t *testing.T, mutate ...func(*models.Item)) models.Item {
	t.Helper()
	it := models.Item{
		Title:              "The Dispossessed",
		Condition:          models.ConditionGood,
		ItemType:           models.ItemTypeBook,
		IsActive:           true,
		IsAvailable:        true,
		AutoApproveAllowed: true,
		LoanDurationDays:   14,
		MaxRenewals:        1,
		LateFeePerDayCents: 25,
	}
	for _, m := range mutate {
		m(&it)
	}
	require.NoError(t, f.db.Create(&it).Error)
	return it
}

func manualOnly(it *models.Item) { it.AutoApproveAllowed = false }

func (f *fixture) reloadItem(t *testing.T, id uint) models.Item {
	t.Helper()
	var it models.Item
	require.NoError(t, f.db.First(&it, id).Error)
	return it
}

func (f *fixture) reloadLoan(t *testing.T, id uint) models.Loan {
	t.Helper()
	var l models.Loan
	require.NoError(t, f.db.First(&l, id).Error)
	return l
}

func (f *fixture) openLoans(t *testing.T, itemID uint) int64 {
	t.Helper()
	var n int64
	require.NoError(t, f.db.Model(&models.Loan{}).
		Where("item_id = ? AND status <> ?", itemID, models.LoanReturned).
		Count(&n).Error)
	return n
}

// checkout lends the item to the user through auto-approval.
func (f *fixture) checkout(t *testing.T, it models.Item, u models.User) models.Loan {
	t.Helper()
	require.True(t, u.AutoApproveEligible && it.AutoApproveAllowed, "checkout needs auto-approval")
	res, err := f.engine.Submit(context.Background(), it.ID, u.ID)
	require.NoError(t, err)
	require.NotNil(t, res.Loan)
	return *res.Loan
}

func (f *fixture) activePositions(t *testing.T, itemID uint) map[uint]int {
	t.Helper()
	var holds []models.HoldRequest
	require.NoError(t, f.db.Where("item_id = ? AND is_active = ?", itemID, true).Order("position").Find(&holds).Error)
	out := make(map[uint]int, len(holds))
	for _, h := range holds {
		out[h.ID] = h.Position
	}
	return out
}

func sameInstant(t *testing.T, expected, actual time.Time) {
	t.Helper()
	require.Truef(t, expected.Equal(actual), "expected %s, got %s", expected, actual)
}
