package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/avatarforge/avatarforge/internal/config"
	"github.com/avatarforge/avatarforge/internal/models"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Client calls the Gemini image-generation API. When mock mode is enabled (or
// no API key is configured) it returns a fixed placeholder avatar instead of
// hitting the network, which keeps local development free of charge.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	mock       bool
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg config.Config, log *slog.Logger) *Client {
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	return &Client{
		apiKey:  cfg.GeminiAPIKey,
		model:   cfg.GeminiModel,
		baseURL: defaultBaseURL,
		mock:    cfg.UseMockAI || cfg.GeminiAPIKey == "",
		httpClient: &http.Client{
			Timeout: timeout,
		},
		log: log,
	}
}

var dataURLPrefix = regexp.MustCompile(`^data:image/\w+;base64,`)

// Generate produces one avatar for the given mode/style and returns it as a
// base64 data URL.
func (c *Client) Generate(ctx context.Context, mode models.GenerationMode, style models.AvatarStyle, input string) (string, error) {
	if c.mock {
		c.log.Info("mock avatar generation", "mode", mode, "style", style)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(2 * time.Second):
		}
		return mockAvatarDataURL, nil
	}

	prompt, ok := prompts[style]
	if !ok {
		prompt = prompts[models.StyleNotion]
	}

	var parts []map[string]any
	if mode == models.ModePhotoToAvatar {
		base64Data := dataURLPrefix.ReplaceAllString(input, "")
		parts = []map[string]any{
			{"text": prompt.photo},
			{"inline_data": map[string]any{"mime_type": "image/jpeg", "data": base64Data}},
		}
	} else {
		parts = []map[string]any{
			{"text": prompt.text + input},
		}
	}

	payload := map[string]any{
		"contents": []map[string]any{
			{"role": "user", "parts": parts},
		},
		"generationConfig": map[string]any{
			"responseModalities": []string{"IMAGE"},
		},
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(c.baseURL, "/"), url.PathEscape(c.model), url.QueryEscape(c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("post gemini: %w", err)
	}
	defer resp.Body.Close()

	rawBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 300 {
		c.log.Error("gemini request failed", "status", resp.StatusCode, "body", truncateBody(rawBody))
		return "", fmt.Errorf("gemini error: status=%d body=%s", resp.StatusCode, truncateBody(rawBody))
	}

	var genResp struct {
		Candidates []struct {
			Content struct {
				Parts []struct {
					InlineData *struct {
						MimeType string `json:"mimeType"`
						Data     string `json:"data"`
					} `json:"inlineData"`
				} `json:"parts"`
			} `json:"content"`
		} `json:"candidates"`
	}
	if err := json.Unmarshal(rawBody, &genResp); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}

	if len(genResp.Candidates) == 0 {
		return "", fmt.Errorf("no image generated")
	}
	for _, part := range genResp.Candidates[0].Content.Parts {
		if part.InlineData != nil && part.InlineData.Data != "" {
			return fmt.Sprintf("data:%s;base64,%s", part.InlineData.MimeType, part.InlineData.Data), nil
		}
	}

	return "", fmt.Errorf("unexpected response format: no inline image part")
}

const mockAvatarSVG = `<svg viewBox="0 0 1080 1080" fill="none" xmlns="http://www.w3.org/2000/svg">
  <rect width="1080" height="1080" fill="#fffefc"/>
  <path d="M540 200C350 200 200 350 200 540C200 730 350 880 540 880C730 880 880 730 880 540C880 350 730 200 540 200Z" stroke="black" stroke-width="20"/>
  <circle cx="400" cy="450" r="50" fill="black"/>
  <circle cx="680" cy="450" r="50" fill="black"/>
  <path d="M400 700Q540 800 680 700" stroke="black" stroke-width="20" fill="none"/>
</svg>`

var mockAvatarDataURL = "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(mockAvatarSVG))

func truncateBody(body []byte) string {
	const limit = 512
	s := strings.TrimSpace(string(body))
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "…"
}
