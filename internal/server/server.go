package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/avatarforge/avatarforge/internal/auth"
	"github.com/avatarforge/avatarforge/internal/models"
	"github.com/avatarforge/avatarforge/internal/repository"
	"github.com/avatarforge/avatarforge/internal/service"
)

const (
	maxGenerateBodyBytes = 10 << 20 // large base64 photo uploads
	maxWebhookBodyBytes  = 1 << 20
)

// Generator runs the generation workflow for one request.
type Generator interface {
	Generate(ctx context.Context, userID string, req service.GenerationRequest) (*service.GenerationResult, error)
}

// UsageChecker reports current allowance without mutating it, and reads back
// past generations.
type UsageChecker interface {
	Check(ctx context.Context, userID string) (service.UsageSummary, error)
	History(ctx context.Context, userID string) ([]service.HistoryItem, error)
}

// PromoRedeemer applies a promo code for a user.
type PromoRedeemer interface {
	Redeem(ctx context.Context, userID, code string) (int, error)
}

// Billing handles settlement webhooks and checkout/subscription queries.
type Billing interface {
	HandleWebhook(ctx context.Context, payload []byte, sigHeader string) error
	CreateCheckoutSession(ctx context.Context, userID, email, packID string) (string, error)
	Subscription(ctx context.Context, userID string) (*models.Subscription, error)
}

// Accounts covers signup/login and user lookup.
type Accounts interface {
	SignUp(ctx context.Context, email, password string) (*models.User, string, error)
	LogIn(ctx context.Context, email, password string) (*models.User, string, error)
	Find(ctx context.Context, id string) (*models.User, error)
}

// CreditBalance exposes the read side of the ledger the account page needs.
type CreditBalance interface {
	RemainingCredits(ctx context.Context, userID string) (int, error)
}

type Server struct {
	addr       string
	log        *slog.Logger
	tokens     *auth.Manager
	accounts   Accounts
	generation Generator
	usage      UsageChecker
	promos     PromoRedeemer
	billing    Billing
	credits    CreditBalance
	router     *chi.Mux
}

func New(addr string, log *slog.Logger, tokens *auth.Manager, accounts Accounts, generation Generator, usage UsageChecker, promos PromoRedeemer, billing Billing, credits CreditBalance) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:       addr,
		log:        log,
		tokens:     tokens,
		accounts:   accounts,
		generation: generation,
		usage:      usage,
		promos:     promos,
		billing:    billing,
		credits:    credits,
		router:     r,
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/stripe/webhook", s.handleStripeWebhook)
		r.Post("/auth/signup", s.handleSignUp)
		r.Post("/auth/login", s.handleLogIn)

		r.Group(func(r chi.Router) {
			r.Use(tokens.Middleware)
			r.Post("/ai/generate", s.handleGenerate)
			r.Get("/usage/check", s.handleUsageCheck)
			r.Get("/usage/history", s.handleUsageHistory)
			r.Post("/promo/redeem", s.handlePromoRedeem)
			r.Post("/stripe/checkout", s.handleCreateCheckout)
			r.Get("/user/subscription", s.handleSubscription)
		})
	})

	return s
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.addr,
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // generation responses can be slow
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("api listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("api listen: %w", err)
	}
	return nil
}

type generateRequest struct {
	Mode        string `json:"mode"`
	Style       string `json:"style"`
	Image       string `json:"image"`
	Description string `json:"description"`
}

type generateResponse struct {
	Success         bool   `json:"success"`
	Image           string `json:"image,omitempty"`
	Error           string `json:"error,omitempty"`
	RequiredCredits *int   `json:"requiredCredits,omitempty"`
	CreditsCharged  int    `json:"creditsCharged,omitempty"`
	UsedFree        bool   `json:"usedFree,omitempty"`
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxGenerateBodyBytes)

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, generateResponse{Success: false, Error: "Invalid request body"})
		return
	}

	userID := auth.UserID(r.Context())
	if userID == "" {
		s.writeJSON(w, http.StatusUnauthorized, generateResponse{Success: false, Error: "Please sign in to generate avatars"})
		return
	}

	result, err := s.generation.Generate(r.Context(), userID, service.GenerationRequest{
		Mode:        models.GenerationMode(req.Mode),
		Style:       models.AvatarStyle(req.Style),
		Image:       req.Image,
		Description: req.Description,
	})
	if err != nil {
		var validationErr *service.ValidationError
		var paymentErr *service.PaymentRequiredError
		switch {
		case errors.As(err, &validationErr):
			s.writeJSON(w, http.StatusBadRequest, generateResponse{Success: false, Error: validationErr.Message})
		case errors.As(err, &paymentErr):
			s.writeJSON(w, http.StatusPaymentRequired, generateResponse{
				Success:         false,
				Error:           paymentErr.Message,
				RequiredCredits: &paymentErr.RequiredCredits,
			})
		default:
			s.log.Error("generation failed", "user", userID, "err", err)
			s.writeJSON(w, http.StatusInternalServerError, generateResponse{Success: false, Error: "Internal Server Error"})
		}
		return
	}

	s.writeJSON(w, http.StatusOK, generateResponse{
		Success:        true,
		Image:          result.Image,
		CreditsCharged: result.CreditsCharged,
		UsedFree:       result.UsedFree,
	})
}

func (s *Server) handleUsageCheck(w http.ResponseWriter, r *http.Request) {
	summary, err := s.usage.Check(r.Context(), auth.UserID(r.Context()))
	if err != nil {
		s.log.Error("usage check failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to check usage")
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleUsageHistory(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	items, err := s.usage.History(r.Context(), userID)
	if err != nil {
		s.log.Error("usage history failed", "user", userID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to load usage history")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type promoRequest struct {
	Code string `json:"code"`
}

func (s *Server) handlePromoRedeem(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req promoRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		s.writeError(w, http.StatusBadRequest, "Invalid promo code")
		return
	}

	credits, err := s.promos.Redeem(r.Context(), userID, req.Code)
	if err != nil {
		if reason, ok := promoFailureReason(err); ok {
			s.writeError(w, http.StatusBadRequest, reason)
			return
		}
		s.log.Error("promo redeem failed", "user", userID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"credits": credits,
		"message": fmt.Sprintf("Successfully redeemed %d credits!", credits),
	})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read webhook body")
		return
	}

	if err := s.billing.HandleWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature")); err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			s.writeError(w, http.StatusBadRequest, "Webhook signature verification failed")
			return
		}
		s.log.Error("webhook handler failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "Webhook handler failed")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"received": true})
}

type checkoutRequest struct {
	PackID string `json:"packId"`
}

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.PackID == "" {
		req.PackID = "small"
	}

	user, err := s.accounts.Find(r.Context(), userID)
	if err != nil || user == nil {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	url, err := s.billing.CreateCheckoutSession(r.Context(), userID, user.Email, req.PackID)
	if err != nil {
		s.log.Error("checkout session failed", "user", userID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to create checkout session")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"url": url})
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request) {
	userID := auth.UserID(r.Context())
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	sub, err := s.billing.Subscription(r.Context(), userID)
	if err != nil {
		s.log.Error("subscription lookup failed", "user", userID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	credits, err := s.credits.RemainingCredits(r.Context(), userID)
	if err != nil {
		s.log.Error("credit balance lookup failed", "user", userID, "err", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"subscription": sub,
		"credits":      credits,
	})
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleSignUp(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, token, err := s.accounts.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		var validationErr *service.ValidationError
		if errors.As(err, &validationErr) {
			s.writeError(w, http.StatusBadRequest, validationErr.Message)
			return
		}
		s.log.Error("signup failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  map[string]any{"id": user.ID, "email": user.Email},
	})
}

func (s *Server) handleLogIn(w http.ResponseWriter, r *http.Request) {
	var req authRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	user, token, err := s.accounts.LogIn(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			s.writeError(w, http.StatusUnauthorized, "Invalid email or password")
			return
		}
		s.log.Error("login failed", "err", err)
		s.writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"token": token,
		"user":  map[string]any{"id": user.ID, "email": user.Email},
	})
}

// promoFailureReason maps the ledger's redemption failures onto the specific
// client-facing reason strings; anything else is an internal error.
func promoFailureReason(err error) (string, bool) {
	for _, sentinel := range []error{
		repository.ErrPromoNotFound,
		repository.ErrPromoExpired,
		repository.ErrPromoAlreadyRedeemed,
		repository.ErrPromoLimitReached,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error(), true
		}
	}
	return "", false
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]any{"error": message})
}
