package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/avatarforge/avatarforge/internal/auth"
	"github.com/avatarforge/avatarforge/internal/models"
	"github.com/avatarforge/avatarforge/internal/repository"
	"github.com/avatarforge/avatarforge/internal/service"
	"github.com/avatarforge/avatarforge/pkg/logger"
)

type stubGenerator struct {
	result *service.GenerationResult
	err    error
}

func (g *stubGenerator) Generate(context.Context, string, service.GenerationRequest) (*service.GenerationResult, error) {
	return g.result, g.err
}

type stubUsage struct {
	summary service.UsageSummary
	history []service.HistoryItem
}

func (u *stubUsage) Check(_ context.Context, userID string) (service.UsageSummary, error) {
	summary := u.summary
	summary.IsAuthenticated = userID != ""
	return summary, nil
}

func (u *stubUsage) History(context.Context, string) ([]service.HistoryItem, error) {
	return u.history, nil
}

type stubPromo struct {
	credits int
	err     error
}

func (p *stubPromo) Redeem(context.Context, string, string) (int, error) {
	return p.credits, p.err
}

type stubBilling struct {
	webhookErr error
	url        string
	sub        *models.Subscription
}

func (b *stubBilling) HandleWebhook(context.Context, []byte, string) error { return b.webhookErr }

func (b *stubBilling) CreateCheckoutSession(context.Context, string, string, string) (string, error) {
	return b.url, nil
}

func (b *stubBilling) Subscription(context.Context, string) (*models.Subscription, error) {
	return b.sub, nil
}

type stubAccounts struct {
	user *models.User
	err  error
}

func (a *stubAccounts) SignUp(context.Context, string, string) (*models.User, string, error) {
	return a.user, "token", a.err
}

func (a *stubAccounts) LogIn(context.Context, string, string) (*models.User, string, error) {
	return a.user, "token", a.err
}

func (a *stubAccounts) Find(context.Context, string) (*models.User, error) {
	return a.user, nil
}

type stubCredits struct {
	credits int
}

func (c *stubCredits) RemainingCredits(context.Context, string) (int, error) {
	return c.credits, nil
}

type serverFixture struct {
	generator *stubGenerator
	usage     *stubUsage
	promos    *stubPromo
	billing   *stubBilling
	accounts  *stubAccounts
	tokens    *auth.Manager
	handler   http.Handler
}

func newFixture() *serverFixture {
	f := &serverFixture{
		generator: &stubGenerator{},
		usage:     &stubUsage{},
		promos:    &stubPromo{},
		billing:   &stubBilling{},
		accounts:  &stubAccounts{},
		tokens:    auth.NewManager("test-secret", time.Hour),
	}
	srv := New(":0", logger.New(), f.tokens, f.accounts, f.generator, f.usage, f.promos, f.billing, &stubCredits{credits: 7})
	f.handler = srv.Handler()
	return f
}

func (f *serverFixture) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func (f *serverFixture) authToken(t *testing.T) string {
	t.Helper()
	token, err := f.tokens.IssueToken("user-1")
	require.NoError(t, err)
	return token
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestGenerate_RequiresAuth(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/ai/generate", `{"mode":"text2avatar","description":"hi"}`, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Please sign in to generate avatars", decode(t, rec)["error"])
}

func TestGenerate_ValidationErrorIs400(t *testing.T) {
	f := newFixture()
	f.generator.err = &service.ValidationError{Message: "Invalid generation mode"}

	rec := f.do(t, http.MethodPost, "/api/ai/generate", `{"mode":"bogus"}`, f.authToken(t))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "Invalid generation mode", decode(t, rec)["error"])
}

func TestGenerate_PaymentRequiredIs402(t *testing.T) {
	f := newFixture()
	f.generator.err = &service.PaymentRequiredError{
		Message:         "Insufficient credits. Please recharge to continue.",
		RequiredCredits: 3,
	}

	rec := f.do(t, http.MethodPost, "/api/ai/generate", `{"mode":"text2avatar","description":"hi"}`, f.authToken(t))

	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(3), body["requiredCredits"])
	assert.Equal(t, false, body["success"])
}

func TestGenerate_InternalErrorIsOpaque(t *testing.T) {
	f := newFixture()
	f.generator.err = errors.New("provider exploded: api key sk-123")

	rec := f.do(t, http.MethodPost, "/api/ai/generate", `{"mode":"text2avatar","description":"hi"}`, f.authToken(t))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "Internal Server Error", decode(t, rec)["error"])
	assert.NotContains(t, rec.Body.String(), "sk-123")
}

func TestGenerate_Success(t *testing.T) {
	f := newFixture()
	f.generator.result = &service.GenerationResult{
		Image:          "data:image/png;base64,abc",
		CreditsCharged: 2,
	}

	rec := f.do(t, http.MethodPost, "/api/ai/generate", `{"mode":"text2avatar","description":"hi"}`, f.authToken(t))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "data:image/png;base64,abc", body["image"])
	assert.Equal(t, float64(2), body["creditsCharged"])
}

func TestUsageCheck_AnonymousAllowed(t *testing.T) {
	f := newFixture()
	f.usage.summary = service.UsageSummary{Total: 1}

	rec := f.do(t, http.MethodGet, "/api/usage/check", "", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, false, body["isAuthenticated"])
	assert.Equal(t, float64(1), body["total"])
}

func TestUsageCheck_Authenticated(t *testing.T) {
	f := newFixture()
	f.usage.summary = service.UsageSummary{Remaining: 5, PaidCredits: 5}

	rec := f.do(t, http.MethodGet, "/api/usage/check", "", f.authToken(t))

	body := decode(t, rec)
	assert.Equal(t, true, body["isAuthenticated"])
	assert.Equal(t, float64(5), body["remaining"])
}

func TestUsageHistory_RequiresAuth(t *testing.T) {
	f := newFixture()
	f.usage.history = []service.HistoryItem{{Mode: "text2avatar", CreditsCharged: 2}}

	rec := f.do(t, http.MethodGet, "/api/usage/history", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/usage/history", "", f.authToken(t))
	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
}

func TestPromoRedeem_MapsFailureReasons(t *testing.T) {
	for _, sentinel := range []error{
		repository.ErrPromoNotFound,
		repository.ErrPromoExpired,
		repository.ErrPromoAlreadyRedeemed,
		repository.ErrPromoLimitReached,
	} {
		f := newFixture()
		f.promos.err = sentinel

		rec := f.do(t, http.MethodPost, "/api/promo/redeem", `{"code":"X"}`, f.authToken(t))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, sentinel.Error(), decode(t, rec)["error"])
	}
}

func TestPromoRedeem_Success(t *testing.T) {
	f := newFixture()
	f.promos.credits = 50

	rec := f.do(t, http.MethodPost, "/api/promo/redeem", `{"code":"WELCOME10"}`, f.authToken(t))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(50), body["credits"])
}

func TestPromoRedeem_RequiresAuthAndCode(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/promo/redeem", `{"code":"X"}`, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/promo/redeem", `{"code":""}`, f.authToken(t))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook_BadSignatureIs400(t *testing.T) {
	f := newFixture()
	f.billing.webhookErr = service.ErrInvalidSignature

	rec := f.do(t, http.MethodPost, "/api/stripe/webhook", `{"id":"evt_1"}`, "")

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStripeWebhook_Accepted(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodPost, "/api/stripe/webhook", `{"id":"evt_1"}`, "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, decode(t, rec)["received"])
}

func TestCheckout_ReturnsRedirectURL(t *testing.T) {
	f := newFixture()
	f.accounts.user = &models.User{ID: "user-1", Email: "alice@example.com"}
	f.billing.url = "https://checkout.stripe.com/pay/cs_test"

	rec := f.do(t, http.MethodPost, "/api/stripe/checkout", `{"packId":"medium"}`, f.authToken(t))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "https://checkout.stripe.com/pay/cs_test", decode(t, rec)["url"])
}

func TestSubscription_IncludesCreditBalance(t *testing.T) {
	f := newFixture()

	rec := f.do(t, http.MethodGet, "/api/user/subscription", "", f.authToken(t))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, float64(7), body["credits"])
	assert.Nil(t, body["subscription"])
}

func TestLogIn_InvalidCredentialsIs401(t *testing.T) {
	f := newFixture()
	f.accounts.err = service.ErrInvalidCredentials

	rec := f.do(t, http.MethodPost, "/api/auth/login", `{"email":"a@b.c","password":"x"}`, "")

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
