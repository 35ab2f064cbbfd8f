package service

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatarforge/avatarforge/internal/config"
	"github.com/avatarforge/avatarforge/internal/models"
	"github.com/avatarforge/avatarforge/pkg/logger"
)

// fakeLedger is an in-memory QuotaLedger with the same atomicity guarantees
// the SQL implementation provides, guarded by one mutex.
type fakeLedger struct {
	mu         sync.Mutex
	siteCount  int
	userDaily  map[string]bool // userID|date
	credits    map[string]int
	everBought map[string]bool
	calls      int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		userDaily:  make(map[string]bool),
		credits:    make(map[string]int),
		everBought: make(map[string]bool),
	}
}

func (l *fakeLedger) TryConsumeDailyFree(_ context.Context, userID, date string, limit int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.everBought[userID] {
		return false, nil
	}
	key := userID + "|" + date
	if l.userDaily[key] {
		return false, nil
	}
	if l.siteCount >= limit {
		return false, nil
	}
	l.userDaily[key] = true
	l.siteCount++
	return true, nil
}

func (l *fakeLedger) RefundDailyFree(_ context.Context, userID, date string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	delete(l.userDaily, userID+"|"+date)
	if l.siteCount > 0 {
		l.siteCount--
	}
	return nil
}

func (l *fakeLedger) ConsumeCredits(_ context.Context, userID string, amount int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.credits[userID] < amount {
		return false, nil
	}
	l.credits[userID] -= amount
	return true, nil
}

func (l *fakeLedger) RefundCredits(_ context.Context, userID string, amount int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	l.credits[userID] += amount
	return nil
}

func (l *fakeLedger) RemainingCredits(_ context.Context, userID string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.credits[userID], nil
}

func (l *fakeLedger) EligibleForDailyFree(_ context.Context, userID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.everBought[userID], nil
}

func (l *fakeLedger) SiteFreeUsed(_ context.Context, _ string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.siteCount, nil
}

func (l *fakeLedger) UserDailyUsed(_ context.Context, userID, date string) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.userDaily[userID+"|"+date] {
		return 1, nil
	}
	return 0, nil
}

type fakeProvider struct {
	image string
	err   error
	calls int
}

func (p *fakeProvider) Generate(context.Context, models.GenerationMode, models.AvatarStyle, string) (string, error) {
	p.calls++
	if p.err != nil {
		return "", p.err
	}
	return p.image, nil
}

type fakeStore struct {
	path string
	err  error
}

func (s *fakeStore) UploadDataURL(context.Context, string, string) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	return s.path, nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	records []*models.UsageRecord
}

func (r *fakeRecorder) Record(_ context.Context, rec *models.UsageRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *fakeRecorder) ListForUser(_ context.Context, userID string, limit int) ([]models.UsageRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.UsageRecord
	for i := len(r.records) - 1; i >= 0 && len(out) < limit; i-- {
		if r.records[i].UserID == userID {
			out = append(out, *r.records[i])
		}
	}
	return out, nil
}

func testPricing() config.Pricing {
	return config.Pricing{
		SiteFreeDailyLimit:      10,
		CreditUSDValue:          0.05,
		ProfitMultiplier:        3,
		InputUSDPer1MTokens:     0.35,
		OutputUSDPer1MTokens:    0.7,
		MinCreditsPerGeneration: 1,
		OutputTokensEstimate:    2000,
	}
}

func newTestService(ledger QuotaLedger, provider Provider, store ArtifactStore, recorder UsageRecorder) *GenerationService {
	return NewGenerationService(testPricing(), logger.New(), ledger, provider, store, recorder)
}

func textRequest() GenerationRequest {
	return GenerationRequest{
		Mode:        models.ModeTextToAvatar,
		Style:       models.StyleNotion,
		Description: "hello",
	}
}

func TestGenerate_FreePath(t *testing.T) {
	ledger := newFakeLedger()
	provider := &fakeProvider{image: "data:image/png;base64,abc"}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, nil, recorder)

	result, err := svc.Generate(context.Background(), "user-1", textRequest())
	require.NoError(t, err)

	assert.True(t, result.UsedFree)
	assert.Equal(t, 0, result.CreditsCharged)
	assert.Equal(t, 1, ledger.siteCount)

	require.Len(t, recorder.records, 1)
	rec := recorder.records[0]
	assert.True(t, rec.UsedFree)
	assert.Equal(t, 0, rec.CreditsCharged)
	assert.Equal(t, models.InputText, rec.InputType)
	assert.Equal(t, 2702, rec.EstimatedTokens)
}

func TestGenerate_PaidPathAfterPurchase(t *testing.T) {
	ledger := newFakeLedger()
	ledger.everBought["user-1"] = true
	ledger.credits["user-1"] = 10
	provider := &fakeProvider{image: "data:image/png;base64,abc"}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, nil, recorder)

	result, err := svc.Generate(context.Background(), "user-1", textRequest())
	require.NoError(t, err)

	assert.False(t, result.UsedFree)
	assert.Equal(t, 1, result.CreditsCharged)
	assert.Equal(t, 9, ledger.credits["user-1"])
	assert.Equal(t, 0, ledger.siteCount, "buyers never consume the site-wide free quota")
}

func TestGenerate_InsufficientCreditsIsPaymentRequired(t *testing.T) {
	ledger := newFakeLedger()
	ledger.everBought["user-1"] = true
	provider := &fakeProvider{image: "x"}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, nil, recorder)

	_, err := svc.Generate(context.Background(), "user-1", textRequest())

	var paymentErr *PaymentRequiredError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, 1, paymentErr.RequiredCredits)
	assert.Zero(t, provider.calls, "provider must not run without a reservation")
	assert.Empty(t, recorder.records)
}

// racingLedger reports a sufficient balance but always loses the conditional
// deduction, as when a concurrent request spends the credits in between.
type racingLedger struct {
	*fakeLedger
}

func (l *racingLedger) ConsumeCredits(context.Context, string, int) (bool, error) {
	return false, nil
}

func TestGenerate_LostConsumeRaceIsInsufficientCredits(t *testing.T) {
	inner := newFakeLedger()
	inner.everBought["user-1"] = true
	inner.credits["user-1"] = 5
	provider := &fakeProvider{image: "x"}
	svc := newTestService(&racingLedger{fakeLedger: inner}, provider, nil, &fakeRecorder{})

	_, err := svc.Generate(context.Background(), "user-1", textRequest())

	var paymentErr *PaymentRequiredError
	require.ErrorAs(t, err, &paymentErr)
	assert.Equal(t, "Insufficient credits. Please recharge to continue.", paymentErr.Message)
	assert.Equal(t, 1, paymentErr.RequiredCredits)
	assert.Zero(t, provider.calls)
}

func TestGenerate_ProviderFailureRefundsCredits(t *testing.T) {
	ledger := newFakeLedger()
	ledger.everBought["user-1"] = true
	ledger.credits["user-1"] = 5
	provider := &fakeProvider{err: errors.New("model overloaded")}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, nil, recorder)

	_, err := svc.Generate(context.Background(), "user-1", textRequest())
	require.Error(t, err)

	assert.Equal(t, 5, ledger.credits["user-1"], "reservation and refund must be an identity transform")
	assert.Empty(t, recorder.records)
}

func TestGenerate_ProviderFailureRefundsFreeSlot(t *testing.T) {
	ledger := newFakeLedger()
	provider := &fakeProvider{err: errors.New("model overloaded")}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, nil, recorder)

	_, err := svc.Generate(context.Background(), "user-1", textRequest())
	require.Error(t, err)

	assert.Equal(t, 0, ledger.siteCount)

	// The slot is usable again after the refund.
	provider.err = nil
	result, err := svc.Generate(context.Background(), "user-1", textRequest())
	require.NoError(t, err)
	assert.True(t, result.UsedFree)
}

func TestGenerate_StorageFailureDoesNotFailRequest(t *testing.T) {
	ledger := newFakeLedger()
	provider := &fakeProvider{image: "data:image/png;base64,abc"}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, &fakeStore{err: errors.New("bucket gone")}, recorder)

	result, err := svc.Generate(context.Background(), "user-1", textRequest())
	require.NoError(t, err)

	assert.Equal(t, "data:image/png;base64,abc", result.Image)
	assert.Nil(t, result.ImagePath)
	require.Len(t, recorder.records, 1)
	assert.Nil(t, recorder.records[0].ImagePath)
}

func TestGenerate_StoresArtifactPath(t *testing.T) {
	ledger := newFakeLedger()
	provider := &fakeProvider{image: "data:image/png;base64,abc"}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, &fakeStore{path: "https://cdn.example/a.png"}, recorder)

	result, err := svc.Generate(context.Background(), "user-1", textRequest())
	require.NoError(t, err)

	require.NotNil(t, result.ImagePath)
	assert.Equal(t, "https://cdn.example/a.png", *result.ImagePath)
}

func TestGenerate_ValidationRejectsBeforeLedger(t *testing.T) {
	ledger := newFakeLedger()
	svc := newTestService(ledger, &fakeProvider{}, nil, &fakeRecorder{})

	cases := []GenerationRequest{
		{Mode: "watercolor"},
		{Mode: models.ModePhotoToAvatar},
		{Mode: models.ModeTextToAvatar},
	}
	for _, req := range cases {
		_, err := svc.Generate(context.Background(), "user-1", req)
		var validationErr *ValidationError
		assert.ErrorAs(t, err, &validationErr)
	}
	assert.Zero(t, ledger.calls, "malformed input must not touch the ledger")
}

func TestGenerate_NoDoubleSpendUnderConcurrency(t *testing.T) {
	ledger := newFakeLedger()
	ledger.everBought["user-1"] = true
	ledger.credits["user-1"] = 3
	provider := &fakeProvider{image: "x"}
	recorder := &fakeRecorder{}
	svc := newTestService(ledger, provider, nil, recorder)

	const requests = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, denied := 0, 0

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Generate(context.Background(), "user-1", textRequest())
			mu.Lock()
			defer mu.Unlock()
			var paymentErr *PaymentRequiredError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &paymentErr):
				denied++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 3, succeeded)
	assert.Equal(t, 7, denied)
	assert.Equal(t, 0, ledger.credits["user-1"])
}

func TestGenerate_SiteFreeLimitUnderConcurrency(t *testing.T) {
	ledger := newFakeLedger()
	provider := &fakeProvider{image: "x"}
	svc := newTestService(ledger, provider, nil, &fakeRecorder{})

	const users = 15 // limit is 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	free, denied := 0, 0

	for i := 0; i < users; i++ {
		userID := string(rune('a' + i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Generate(context.Background(), userID, textRequest())
			mu.Lock()
			defer mu.Unlock()
			if err == nil && result.UsedFree {
				free++
			} else {
				denied++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, free)
	assert.Equal(t, 5, denied)
	assert.Equal(t, 10, ledger.siteCount)
}
