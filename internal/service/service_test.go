package service

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"bottle-rewards-api/internal/apperr"
	"bottle-rewards-api/internal/cache"
	"bottle-rewards-api/internal/database"
	"bottle-rewards-api/internal/events"
	"bottle-rewards-api/internal/models"
)

var testNow = time.Date(2025, 10, 21, 10, 0, 0, 0, time.UTC)

// testClock advances one second per reading so queue entries get distinct
// request times.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(time.Second)
	return c.t
}

func setupTestDB(t *testing.T) (*database.DB, func()) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	db, err := database.NewDB(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	cleanup := func() {
		db.Close()
	}

	return db, cleanup
}

func setupTestService(t *testing.T, opts Options) (*Service, func()) {
	db, cleanup := setupTestDB(t)
	if opts.Now == nil {
		clock := &testClock{t: testNow}
		opts.Now = clock.Now
	}
	return NewServiceWithOptions(db, opts), cleanup
}

func createUser(t *testing.T, svc *Service, first string, level models.UserLevel) string {
	t.Helper()
	user, err := svc.UpsertUser(context.Background(), models.User{
		ID:        uuid.New().String(),
		FirstName: first,
		LastName:  "Tester",
		Email:     first + "@example.com",
		Level:     level,
	})
	if err != nil {
		t.Fatalf("Failed to create user: %v", err)
	}
	return user.ID
}

func createReward(t *testing.T, svc *Service, points, stocks int64, from, until time.Time) models.Reward {
	t.Helper()
	reward, err := svc.UpsertReward(context.Background(), models.Reward{
		Name:           "Tumbler",
		PointsRequired: points,
		Stocks:         stocks,
		Category:       "Goods",
		ValidFrom:      from,
		ValidUntil:     until,
		Status:         models.RewardActive,
	})
	if err != nil {
		t.Fatalf("Failed to create reward: %v", err)
	}
	return reward
}

func deposit(t *testing.T, svc *Service, userID string, bottles int64) models.DisposalResponse {
	t.Helper()
	resp, err := svc.RecordDisposal(context.Background(), models.DisposalRequest{UserID: userID, BottleCount: bottles})
	if err != nil {
		t.Fatalf("Failed to record disposal: %v", err)
	}
	return resp
}

func availablePoints(t *testing.T, svc *Service, userID string) int64 {
	t.Helper()
	resp, err := svc.AvailablePoints(context.Background(), userID)
	if err != nil {
		t.Fatalf("Failed to get available points: %v", err)
	}
	return resp.AvailablePoints
}

func openWindow() (time.Time, time.Time) {
	return testNow.AddDate(0, 0, -7), testNow.AddDate(0, 0, 7)
}

func TestAvailablePoints_DisposalThenClaim(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	userID := createUser(t, svc, "Ana", models.LevelCitizen)
	resp := deposit(t, svc, userID, 50)
	if resp.PointsAccumulated != 50 {
		t.Fatalf("Expected 50 points for 50 bottles, got %d", resp.PointsAccumulated)
	}

	if got := availablePoints(t, svc, userID); got != 50 {
		t.Errorf("Expected 50 available points, got %d", got)
	}

	from, until := openWindow()
	reward := createReward(t, svc, 30, 5, from, until)

	claim, err := svc.ClaimReward(context.Background(), models.ClaimRequest{UserID: userID, RewardID: reward.ID})
	if err != nil {
		t.Fatalf("Failed to claim reward: %v", err)
	}
	if claim.PointsSpent != 30 || claim.RemainingStock != 4 {
		t.Errorf("Unexpected claim response: %+v", claim)
	}

	if got := availablePoints(t, svc, userID); got != 20 {
		t.Errorf("Expected 20 available points after claim, got %d", got)
	}
}

func TestRecordDisposal_UsesExchangeRate(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	userID := createUser(t, svc, "Ben", models.LevelCitizen)

	_, err := svc.SaveBotConfig(ctx, models.BotConfig{
		DefaultLocation: models.Location{Name: "Depot", Lat: 14.6, Lon: 121},
		BottleExchange:  models.BottleExchange{BaseWeight: 0.5, BaseUnit: "kg", EquivalentInPoints: 4},
	})
	if err != nil {
		t.Fatalf("Failed to save bot config: %v", err)
	}

	resp := deposit(t, svc, userID, 3)
	if resp.PointsAccumulated != 12 {
		t.Errorf("Expected 12 points, got %d", resp.PointsAccumulated)
	}

	bottles, err := svc.BottleCount(ctx, userID)
	if err != nil {
		t.Fatalf("Failed to count bottles: %v", err)
	}
	if bottles.BottleCount != 3 {
		t.Errorf("Expected 3 bottles, got %d", bottles.BottleCount)
	}

	weight, err := svc.PointsForWeight(ctx, 1.3)
	if err != nil {
		t.Fatalf("Failed to price weight: %v", err)
	}
	if weight.Points != 10 {
		t.Errorf("Expected floor(1.3/0.5*4)=10 points, got %d", weight.Points)
	}
}

func TestRecordDisposal_UnknownUser(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	_, err := svc.RecordDisposal(context.Background(), models.DisposalRequest{UserID: uuid.New().String(), BottleCount: 1})
	if apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not_found, got %v", err)
	}
}

func TestArchive_AdjustsLedger(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	userID := createUser(t, svc, "Cai", models.LevelCitizen)
	first := deposit(t, svc, userID, 40)
	deposit(t, svc, userID, 10)

	from, until := openWindow()
	reward := createReward(t, svc, 25, 2, from, until)
	claim, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: reward.ID})
	if err != nil {
		t.Fatalf("Failed to claim reward: %v", err)
	}

	if err := svc.ArchiveClaim(ctx, claim.ClaimID); err != nil {
		t.Fatalf("Failed to archive claim: %v", err)
	}
	if got := availablePoints(t, svc, userID); got != 50 {
		t.Errorf("Expected archived claim to refund points, got %d", got)
	}

	if err := svc.ArchiveDisposal(ctx, first.DisposalID); err != nil {
		t.Fatalf("Failed to archive disposal: %v", err)
	}
	if got := availablePoints(t, svc, userID); got != 10 {
		t.Errorf("Expected 10 points after archiving disposal, got %d", got)
	}

	history, err := svc.DisposalHistory(ctx, userID, true)
	if err != nil {
		t.Fatalf("Failed to list disposals: %v", err)
	}
	if len(history) != 2 {
		t.Errorf("Expected archived disposals in full history, got %d", len(history))
	}

	if err := svc.ArchiveDisposal(ctx, uuid.New().String()); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not_found for unknown disposal, got %v", err)
	}
}

func TestAvailablePoints_NeverNegative(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))
	userID := createUser(t, svc, "Dee", models.LevelCitizen)
	from, until := openWindow()

	var accrued, spent int64
	for i := 0; i < 30; i++ {
		if rng.Intn(2) == 0 {
			resp := deposit(t, svc, userID, int64(rng.Intn(20)+1))
			accrued += resp.PointsAccumulated
		} else {
			reward := createReward(t, svc, int64(rng.Intn(30)), 1, from, until)
			claim, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: reward.ID})
			switch {
			case err == nil:
				spent += claim.PointsSpent
			case !errors.Is(err, apperr.ErrInsufficientPoints):
				t.Fatalf("Unexpected claim error: %v", err)
			}
		}

		got := availablePoints(t, svc, userID)
		if got < 0 {
			t.Fatalf("Observed negative balance %d", got)
		}
		if got != accrued-spent {
			t.Fatalf("Expected balance %d, got %d", accrued-spent, got)
		}
	}
}

func TestClaimReward_Rejections(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	userID := createUser(t, svc, "Eve", models.LevelCitizen)
	deposit(t, svc, userID, 100)
	from, until := openWindow()

	inactive := createReward(t, svc, 10, 5, from, until)
	inactive.Status = models.RewardInactive
	if _, err := svc.UpsertReward(ctx, inactive); err != nil {
		t.Fatalf("Failed to deactivate reward: %v", err)
	}

	tests := []struct {
		name   string
		reward models.Reward
		want   error
	}{
		{"inactive", inactive, apperr.ErrRewardInactive},
		{"expired yesterday", createReward(t, svc, 10, 5, testNow.AddDate(0, 0, -30), testNow.AddDate(0, 0, -1)), apperr.ErrOutsideValidityWindow},
		{"starts tomorrow", createReward(t, svc, 10, 5, testNow.AddDate(0, 0, 1), testNow.AddDate(0, 0, 30)), apperr.ErrOutsideValidityWindow},
		{"too expensive", createReward(t, svc, 500, 5, from, until), apperr.ErrInsufficientPoints},
		{"no stock", createReward(t, svc, 10, 0, from, until), apperr.ErrOutOfStock},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: tt.reward.ID})
			if !errors.Is(err, tt.want) {
				t.Fatalf("Expected %v, got %v", tt.want, err)
			}
			if apperr.KindOf(err) != apperr.KindBusinessRejection {
				t.Errorf("Expected business rejection, got %s", apperr.KindOf(err))
			}

			after, err := svc.GetReward(ctx, tt.reward.ID)
			if err != nil {
				t.Fatalf("Failed to reload reward: %v", err)
			}
			if after.Stocks != tt.reward.Stocks {
				t.Errorf("Expected stock %d untouched, got %d", tt.reward.Stocks, after.Stocks)
			}
		})
	}

	if got := availablePoints(t, svc, userID); got != 100 {
		t.Errorf("Expected rejected claims to spend nothing, got %d", got)
	}

	if _, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: uuid.New().String()}); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not_found for unknown reward, got %v", err)
	}
	if _, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: "nope", RewardID: inactive.ID}); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Expected validation error for bad user id, got %v", err)
	}
}

func TestClaimReward_ValidityWindowEdges(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{Now: func() time.Time { return testNow }})
	defer cleanup()

	ctx := context.Background()
	userID := createUser(t, svc, "Fay", models.LevelCitizen)
	deposit(t, svc, userID, 100)

	midnight := time.Date(2025, 10, 21, 0, 0, 0, 0, time.UTC)
	lateToday := time.Date(2025, 10, 21, 23, 0, 0, 0, time.UTC)

	// Last valid day is today, earlier than now by the clock.
	endsToday := createReward(t, svc, 10, 1, midnight.AddDate(0, 0, -1), midnight)
	if _, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: endsToday.ID}); err != nil {
		t.Errorf("Expected claim on last valid day to succeed, got %v", err)
	}

	// First valid day is today, later than now by the clock.
	startsToday := createReward(t, svc, 10, 1, lateToday, lateToday.AddDate(0, 0, 1))
	if _, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: startsToday.ID}); err != nil {
		t.Errorf("Expected claim on first valid day to succeed, got %v", err)
	}
}

func TestWithinValidityWindow(t *testing.T) {
	day := func(d int, h int) time.Time { return time.Date(2025, 10, d, h, 0, 0, 0, time.UTC) }

	tests := []struct {
		name  string
		from  time.Time
		until time.Time
		now   time.Time
		want  bool
	}{
		{"inside", day(1, 0), day(31, 0), day(15, 12), true},
		{"same day window", day(15, 20), day(15, 1), day(15, 12), true},
		{"day after end", day(1, 0), day(14, 23), day(15, 0), false},
		{"day before start", day(16, 0), day(31, 0), day(15, 23), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := models.Reward{ValidFrom: tt.from, ValidUntil: tt.until}
			if got := WithinValidityWindow(r, tt.now); got != tt.want {
				t.Errorf("Expected %v, got %v", tt.want, got)
			}
		})
	}
}

func TestClaimReward_ConcurrentLastUnit(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	from, until := openWindow()
	reward := createReward(t, svc, 100, 1, from, until)

	users := []string{
		createUser(t, svc, "Gil", models.LevelCitizen),
		createUser(t, svc, "Hal", models.LevelCitizen),
	}
	for _, u := range users {
		deposit(t, svc, u, 150)
	}

	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, u := range users {
		wg.Add(1)
		go func(i int, userID string) {
			defer wg.Done()
			_, errs[i] = svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: reward.ID})
		}(i, u)
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case !errors.Is(err, apperr.ErrOutOfStock):
			t.Errorf("Expected losing claim to be out_of_stock, got %v", err)
		}
	}
	if committed != 1 {
		t.Fatalf("Expected exactly 1 committed claim, got %d", committed)
	}

	after, err := svc.GetReward(ctx, reward.ID)
	if err != nil {
		t.Fatalf("Failed to reload reward: %v", err)
	}
	if after.Stocks != 0 {
		t.Errorf("Expected final stock 0, got %d", after.Stocks)
	}
}

func TestClaimReward_ConcurrentNeverOversells(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	from, until := openWindow()
	reward := createReward(t, svc, 10, 3, from, until)

	var users []string
	for i := 0; i < 8; i++ {
		u := createUser(t, svc, "Ivy", models.LevelCitizen)
		deposit(t, svc, u, 20)
		users = append(users, u)
	}

	var wg sync.WaitGroup
	for _, u := range users {
		wg.Add(1)
		go func(userID string) {
			defer wg.Done()
			svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: reward.ID})
		}(u)
	}
	wg.Wait()

	n, err := svc.db.CountClaimsForReward(ctx, reward.ID)
	if err != nil {
		t.Fatalf("Failed to count claims: %v", err)
	}
	if n != 3 {
		t.Errorf("Expected 3 committed claims, got %d", n)
	}

	after, err := svc.GetReward(ctx, reward.ID)
	if err != nil {
		t.Fatalf("Failed to reload reward: %v", err)
	}
	if after.Stocks != 0 {
		t.Errorf("Expected final stock 0, got %d", after.Stocks)
	}
}

func TestClaimReward_ConcurrentSameUserCannotOverspend(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	from, until := openWindow()
	userID := createUser(t, svc, "Jo", models.LevelCitizen)
	deposit(t, svc, userID, 150)

	rewards := []models.Reward{
		createReward(t, svc, 100, 5, from, until),
		createReward(t, svc, 100, 5, from, until),
	}

	errs := make([]error, len(rewards))
	var wg sync.WaitGroup
	for i, r := range rewards {
		wg.Add(1)
		go func(i int, rewardID string) {
			defer wg.Done()
			_, errs[i] = svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: rewardID})
		}(i, r.ID)
	}
	wg.Wait()

	committed := 0
	for _, err := range errs {
		switch {
		case err == nil:
			committed++
		case !errors.Is(err, apperr.ErrInsufficientPoints):
			t.Errorf("Expected insufficient_points, got %v", err)
		}
	}
	if committed != 1 {
		t.Errorf("Expected exactly 1 committed claim, got %d", committed)
	}
	if got := availablePoints(t, svc, userID); got != 50 {
		t.Errorf("Expected 50 points left, got %d", got)
	}
}

func assertQueue(t *testing.T, snapshot models.QueueSnapshot, users []string, statuses []models.QueueStatus) {
	t.Helper()
	if len(snapshot.Entries) != len(users) {
		t.Fatalf("Expected %d entries, got %d", len(users), len(snapshot.Entries))
	}
	for i, e := range snapshot.Entries {
		if e.UserID != users[i] || e.Status != statuses[i] {
			t.Errorf("Entry %d: expected %s/%s, got %s/%s", i, users[i], statuses[i], e.UserID, e.Status)
		}
	}
}

func TestQueue_FIFOPromotion(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	a := createUser(t, svc, "Ann", models.LevelCitizen)
	b := createUser(t, svc, "Bob", models.LevelCitizen)
	c := createUser(t, svc, "Cy", models.LevelCitizen)

	var snapshot models.QueueSnapshot
	var err error
	for _, u := range []string{a, b, c} {
		snapshot, err = svc.Enqueue(ctx, models.EnqueueRequest{
			UserID:   u,
			Location: models.Location{Name: "Block " + u[:4], Lat: 14.5, Lon: 121},
		})
		if err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	assertQueue(t, snapshot, []string{a, b, c},
		[]models.QueueStatus{models.QueueInProgress, models.QueuePending, models.QueuePending})
	if snapshot.Entries[0].UserName != "Ann Tester" || snapshot.Entries[0].UserEmail != "Ann@example.com" {
		t.Errorf("Expected user display data, got %+v", snapshot.Entries[0])
	}

	snapshot, err = svc.Dequeue(ctx, snapshot.Entries[0].ID)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	assertQueue(t, snapshot, []string{b, c},
		[]models.QueueStatus{models.QueueInProgress, models.QueuePending})

	if _, err := svc.CompleteQueueEntry(ctx, snapshot.Entries[1].ID); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("Expected conflict completing a pending entry, got %v", err)
	}

	snapshot, err = svc.CompleteQueueEntry(ctx, snapshot.Entries[0].ID)
	if err != nil {
		t.Fatalf("Failed to complete: %v", err)
	}
	assertQueue(t, snapshot, []string{c}, []models.QueueStatus{models.QueueInProgress})

	if _, err := svc.Dequeue(ctx, uuid.New().String()); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not_found for unknown entry, got %v", err)
	}
}

func TestQueue_PendingCancelDoesNotPromote(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	a := createUser(t, svc, "Ann", models.LevelCitizen)
	b := createUser(t, svc, "Bob", models.LevelCitizen)
	c := createUser(t, svc, "Cy", models.LevelCitizen)

	var snapshot models.QueueSnapshot
	var err error
	for _, u := range []string{a, b, c} {
		snapshot, err = svc.Enqueue(ctx, models.EnqueueRequest{UserID: u, Location: models.Location{Name: "Gate", Lat: 1, Lon: 1}})
		if err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	snapshot, err = svc.Dequeue(ctx, snapshot.Entries[1].ID)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	assertQueue(t, snapshot, []string{a, c},
		[]models.QueueStatus{models.QueueInProgress, models.QueuePending})

	active, err := svc.QueueByStatus(ctx, models.QueueInProgress)
	if err != nil {
		t.Fatalf("Failed to list active entries: %v", err)
	}
	if len(active) != 1 {
		t.Errorf("Expected a single active entry, got %d", len(active))
	}
}

func TestQueue_ResetToDefault(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{
		BotDefaults: models.BotConfig{DefaultLocation: models.Location{Name: "Home Base", Lat: 10, Lon: 20}},
	})
	defer cleanup()

	ctx := context.Background()
	citizen := createUser(t, svc, "Kim", models.LevelCitizen)

	if _, err := svc.ResetQueue(ctx); apperr.KindOf(err) != apperr.KindNotFound {
		t.Errorf("Expected not_found without an admin user, got %v", err)
	}

	admin := createUser(t, svc, "Root", models.LevelAdmin)
	for i := 0; i < 2; i++ {
		if _, err := svc.Enqueue(ctx, models.EnqueueRequest{UserID: citizen, Location: models.Location{Name: "Park", Lat: 1, Lon: 1}}); err != nil {
			t.Fatalf("Failed to enqueue: %v", err)
		}
	}

	snapshot, err := svc.Enqueue(ctx, models.EnqueueRequest{ReturnToDefault: true})
	if err != nil {
		t.Fatalf("Failed to reset queue: %v", err)
	}
	assertQueue(t, snapshot, []string{admin}, []models.QueueStatus{models.QueueInProgress})
	if snapshot.Entries[0].Location.Name != "Home Base" {
		t.Errorf("Expected default location, got %+v", snapshot.Entries[0].Location)
	}
}

func TestQueueSnapshot_CacheInvalidatedOnMutation(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{Cache: cache.NewInMemoryCache()})
	defer cleanup()

	ctx := context.Background()
	userID := createUser(t, svc, "Lou", models.LevelCitizen)

	before, err := svc.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if len(before.Entries) != 0 {
		t.Fatalf("Expected empty queue, got %d entries", len(before.Entries))
	}

	if _, err := svc.Enqueue(ctx, models.EnqueueRequest{UserID: userID, Location: models.Location{Name: "Hall", Lat: 1, Lon: 1}}); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}

	after, err := svc.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if len(after.Entries) != 1 {
		t.Errorf("Expected cached snapshot to be invalidated, got %d entries", len(after.Entries))
	}
}

func TestAvailablePoints_CacheInvalidatedOnWrite(t *testing.T) {
	c := cache.NewInMemoryCache()
	svc, cleanup := setupTestService(t, Options{Cache: c})
	defer cleanup()

	userID := createUser(t, svc, "Max", models.LevelCitizen)
	deposit(t, svc, userID, 5)

	if got := availablePoints(t, svc, userID); got != 5 {
		t.Fatalf("Expected 5 points, got %d", got)
	}
	if _, err := c.Get(context.Background(), cache.BalanceKey(userID)); err != nil {
		t.Fatalf("Expected balance to be cached, got %v", err)
	}

	deposit(t, svc, userID, 7)
	if got := availablePoints(t, svc, userID); got != 12 {
		t.Errorf("Expected 12 points after invalidation, got %d", got)
	}
}

func TestEvents_PublishedAfterWrites(t *testing.T) {
	bus := events.NewManager(true)
	svc, cleanup := setupTestService(t, Options{Events: bus})
	defer cleanup()

	var mu sync.Mutex
	seen := map[events.EventType]int{}
	bus.Subscribe(func(_ context.Context, e events.Event) error {
		mu.Lock()
		defer mu.Unlock()
		seen[e.Type]++
		return nil
	}, events.EventDisposalRecorded, events.EventClaimCommitted, events.EventQueueChanged, events.EventBotTelemetry)

	ctx := context.Background()
	userID := createUser(t, svc, "Ned", models.LevelCitizen)
	deposit(t, svc, userID, 10)

	from, until := openWindow()
	reward := createReward(t, svc, 5, 1, from, until)
	if _, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: reward.ID}); err != nil {
		t.Fatalf("Failed to claim: %v", err)
	}
	// A rejected claim publishes nothing.
	svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: reward.ID})

	if _, err := svc.Enqueue(ctx, models.EnqueueRequest{UserID: userID, Location: models.Location{Name: "Lab", Lat: 1, Lon: 1}}); err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	if err := svc.ReportBotState(ctx, []byte(`{"battery":91}`)); err != nil {
		t.Fatalf("Failed to report bot state: %v", err)
	}
	if err := svc.ReportBotState(ctx, []byte(`{not json`)); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("Expected validation error for malformed telemetry, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, typ := range []events.EventType{events.EventDisposalRecorded, events.EventClaimCommitted, events.EventQueueChanged, events.EventBotTelemetry} {
		if seen[typ] != 1 {
			t.Errorf("Expected one %s event, got %d", typ, seen[typ])
		}
	}
}

func TestPointsForWeight(t *testing.T) {
	tests := []struct {
		name     string
		exchange models.BottleExchange
		weight   float64
		want     int64
	}{
		{"exact", models.BottleExchange{BaseWeight: 1, EquivalentInPoints: 10}, 2, 20},
		{"floors", models.BottleExchange{BaseWeight: 0.3, EquivalentInPoints: 1}, 1, 3},
		{"zero weight", models.BottleExchange{BaseWeight: 1, EquivalentInPoints: 10}, 0, 0},
		{"unset base", models.BottleExchange{EquivalentInPoints: 10}, 5, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := PointsForWeight(tt.exchange, tt.weight); got != tt.want {
				t.Errorf("Expected %d, got %d", tt.want, got)
			}
		})
	}
}

func TestBalance(t *testing.T) {
	if got := Balance(50, 30); got != 20 {
		t.Errorf("Expected 20, got %d", got)
	}
	if got := Balance(10, 30); got != 0 {
		t.Errorf("Expected floor at 0, got %d", got)
	}
}

func TestStoreTimeout_Transient(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	seed := NewServiceWithOptions(db, Options{Now: func() time.Time { return testNow }})
	userID := createUser(t, seed, "Ivy", models.LevelCitizen)
	from, until := openWindow()
	reward := createReward(t, seed, 10, 5, from, until)
	deposit(t, seed, userID, 20)

	svc := NewServiceWithOptions(db, Options{
		Now:          func() time.Time { return testNow },
		StoreTimeout: time.Nanosecond,
	})
	ctx := context.Background()

	_, err := svc.ClaimReward(ctx, models.ClaimRequest{UserID: userID, RewardID: reward.ID})
	if apperr.KindOf(err) != apperr.KindTransient {
		t.Errorf("Expected transient claim failure, got %v", err)
	}
	if !errors.Is(err, apperr.ErrTransient) || apperr.Retryable(err) {
		t.Errorf("Expected non-retryable transient error, got %v", err)
	}

	_, err = svc.Enqueue(ctx, models.EnqueueRequest{UserID: userID, Location: models.Location{Name: "Gate", Lat: 1, Lon: 1}})
	if apperr.KindOf(err) != apperr.KindTransient {
		t.Errorf("Expected transient enqueue failure, got %v", err)
	}

	// Nothing was committed by the timed-out calls.
	if got := availablePoints(t, seed, userID); got != 20 {
		t.Errorf("Expected 20 points after timeouts, got %d", got)
	}
	snapshot, err := seed.QueueSnapshot(ctx)
	if err != nil {
		t.Fatalf("Failed to read snapshot: %v", err)
	}
	if len(snapshot.Entries) != 0 {
		t.Errorf("Expected empty queue after timeout, got %d entries", len(snapshot.Entries))
	}
}

func TestQueueSnapshot_SeqIncreases(t *testing.T) {
	svc, cleanup := setupTestService(t, Options{})
	defer cleanup()

	ctx := context.Background()
	userID := createUser(t, svc, "Oli", models.LevelCitizen)

	first, err := svc.Enqueue(ctx, models.EnqueueRequest{UserID: userID, Location: models.Location{Name: "Gym", Lat: 1, Lon: 1}})
	if err != nil {
		t.Fatalf("Failed to enqueue: %v", err)
	}
	second, err := svc.Dequeue(ctx, first.Entries[0].ID)
	if err != nil {
		t.Fatalf("Failed to dequeue: %v", err)
	}
	if first.Seq == 0 || second.Seq <= first.Seq {
		t.Errorf("Expected increasing seq, got %d then %d", first.Seq, second.Seq)
	}
}
