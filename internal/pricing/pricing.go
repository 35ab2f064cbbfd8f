package pricing

import (
	"math"
	"regexp"

	"github.com/avatarforge/avatarforge/internal/config"
	"github.com/avatarforge/avatarforge/internal/models"
)

// Base prompt tokens by mode: the style instructions dominate the prompt, and
// the photo variant carries a longer instruction block.
const (
	basePromptTokensText  = 700
	basePromptTokensPhoto = 850

	tokensPerImageKB = 8
)

var dataURLPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// Estimate is the outcome of pricing one generation request.
type Estimate struct {
	EstimatedTokens int
	RequiredCredits int
}

// EstimateGenerationUsage prices a generation request. Pure and deterministic:
// token counts are derived from input size only, never from provider responses.
func EstimateGenerationUsage(cfg config.Pricing, mode models.GenerationMode, input string) Estimate {
	base := basePromptTokensPhoto
	inputTokens := 0
	imageTokens := 0

	switch mode {
	case models.ModeTextToAvatar:
		base = basePromptTokensText
		inputTokens = estimateTokensFromText(input)
	case models.ModePhotoToAvatar:
		imageTokens = int(math.Ceil(float64(estimateBytesFromBase64(input))/1024)) * tokensPerImageKB
	}

	promptTokens := base + inputTokens + imageTokens
	outputTokens := cfg.OutputTokensEstimate

	inputCostUSD := float64(promptTokens) / 1_000_000 * cfg.InputUSDPer1MTokens
	outputCostUSD := float64(outputTokens) / 1_000_000 * cfg.OutputUSDPer1MTokens
	totalCostUSD := inputCostUSD + outputCostUSD

	required := int(math.Ceil(totalCostUSD * cfg.ProfitMultiplier / cfg.CreditUSDValue))
	if required < cfg.MinCreditsPerGeneration {
		required = cfg.MinCreditsPerGeneration
	}

	return Estimate{
		EstimatedTokens: promptTokens + outputTokens,
		RequiredCredits: required,
	}
}

// estimateTokensFromText approximates ~4 characters per token, never below 1.
func estimateTokensFromText(text string) int {
	tokens := (len(text) + 3) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}

// estimateBytesFromBase64 derives the decoded byte size of a base64 payload,
// stripping a data-URL prefix when present. Padding is ignored on purpose: the
// floor(len*3/4) approximation is what the charged amount is defined against.
func estimateBytesFromBase64(input string) int {
	base64 := dataURLPrefix.ReplaceAllString(input, "")
	return len(base64) * 3 / 4
}
