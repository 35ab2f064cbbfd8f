package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the API server and supporting
// services. It is assembled once at startup and passed explicitly; nothing
// reads the environment after Load returns.
type Config struct {
	ListenAddr     string
	MySQLDSN       string
	JWTSecret      string
	RequestTimeout time.Duration

	GeminiAPIKey string
	GeminiModel  string
	UseMockAI    bool

	Pricing Pricing

	StripeSecretKey     string
	StripeWebhookSecret string
	CreditPacks         map[string]CreditPack
	CheckoutSuccessURL  string
	CheckoutCancelURL   string

	S3Endpoint      string
	S3Region        string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3PublicBaseURL string
	S3UsePathStyle  bool
	S3Prefix        string
}

// Pricing holds the unit economics used by the pricing calculator.
type Pricing struct {
	SiteFreeDailyLimit      int
	CreditUSDValue          float64
	ProfitMultiplier        float64
	InputUSDPer1MTokens     float64
	OutputUSDPer1MTokens    float64
	MinCreditsPerGeneration int
	OutputTokensEstimate    int
}

// CreditPack maps a purchasable pack to its Stripe price and credit amount.
type CreditPack struct {
	PriceID string
	Credits int
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	loadEnvFile()

	cfg := Config{
		ListenAddr:     getEnv("LISTEN_ADDR", ":8080"),
		RequestTimeout: time.Second * time.Duration(getInt("HTTP_TIMEOUT_SECONDS", 120)),

		GeminiAPIKey: os.Getenv("GEMINI_API_KEY"),
		GeminiModel:  getEnv("GEMINI_MODEL", "gemini-2.5-flash-image"),
		UseMockAI:    getBool("USE_MOCK_AI", false),

		Pricing: Pricing{
			SiteFreeDailyLimit:      getInt("SITE_FREE_DAILY_LIMIT", 10),
			CreditUSDValue:          getFloat("CREDIT_USD_VALUE", 0.05),
			ProfitMultiplier:        getFloat("PROFIT_MULTIPLIER", 3),
			InputUSDPer1MTokens:     getFloat("GEMINI_INPUT_USD_PER_1M", 0.35),
			OutputUSDPer1MTokens:    getFloat("GEMINI_OUTPUT_USD_PER_1M", 0.7),
			MinCreditsPerGeneration: getInt("MIN_CREDITS_PER_GENERATION", 1),
			OutputTokensEstimate:    getInt("AI_OUTPUT_TOKENS_ESTIMATE", 2000),
		},

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),
		CreditPacks: map[string]CreditPack{
			"small": {
				PriceID: os.Getenv("STRIPE_CREDITS_SMALL_PRICE_ID"),
				Credits: getInt("CREDITS_PACK_SMALL", 100),
			},
			"medium": {
				PriceID: os.Getenv("STRIPE_CREDITS_MEDIUM_PRICE_ID"),
				Credits: getInt("CREDITS_PACK_MEDIUM", 500),
			},
			"large": {
				PriceID: os.Getenv("STRIPE_CREDITS_LARGE_PRICE_ID"),
				Credits: getInt("CREDITS_PACK_LARGE", 2000),
			},
		},
		CheckoutSuccessURL: getEnv("CHECKOUT_SUCCESS_URL", "http://localhost:3000/ai-avatar?success=true"),
		CheckoutCancelURL:  getEnv("CHECKOUT_CANCEL_URL", "http://localhost:3000/pricing?canceled=true"),

		S3Endpoint:      getEnv("S3_ENDPOINT", ""),
		S3Region:        os.Getenv("S3_REGION"),
		S3AccessKey:     os.Getenv("S3_ACCESS_KEY"),
		S3SecretKey:     os.Getenv("S3_SECRET_KEY"),
		S3Bucket:        os.Getenv("S3_BUCKET"),
		S3PublicBaseURL: os.Getenv("S3_PUBLIC_BASE_URL"),
		S3UsePathStyle:  getBool("S3_USE_PATH_STYLE", false),
		S3Prefix:        getEnv("S3_PREFIX", "avatars"),
	}

	cfg.MySQLDSN = os.Getenv("MYSQL_DSN")
	cfg.JWTSecret = os.Getenv("JWT_SECRET")

	var missing []string
	if cfg.MySQLDSN == "" {
		missing = append(missing, "MYSQL_DSN")
	}
	if cfg.JWTSecret == "" {
		missing = append(missing, "JWT_SECRET")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

// StorageConfigured reports whether artifact storage can be wired. Storage is
// optional: generation still succeeds when no bucket is configured.
func (c Config) StorageConfigured() bool {
	return c.S3Bucket != "" && c.S3Region != "" && c.S3AccessKey != "" && c.S3SecretKey != "" && c.S3PublicBaseURL != ""
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func getFloat(key string, fallback float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return fallback
	}
	return f
}

func getBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func loadEnvFile() {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates,
		filepath.Join("configs", ".env"),
		".env",
	)

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			continue
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err == nil {
			return
		}
	}
}
