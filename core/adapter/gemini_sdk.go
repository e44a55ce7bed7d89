package adapter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"tashkeel-gateway/models"

	"google.golang.org/genai"
)

// GeminiSDKGenerator 基于 google.golang.org/genai 的调用实现
// 每个 API Key 对应一个 Client，首次使用时创建并缓存
type GeminiSDKGenerator struct {
	baseURL    string
	httpClient *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

func NewGeminiSDKGenerator(baseURL string, httpClient *http.Client) *GeminiSDKGenerator {
	return &GeminiSDKGenerator{
		baseURL:    baseURL,
		httpClient: httpClient,
		clients:    make(map[string]*genai.Client),
	}
}

func (g *GeminiSDKGenerator) client(ctx context.Context, apiKey string) (*genai.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if c, ok := g.clients[apiKey]; ok {
		return c, nil
	}

	config := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: g.httpClient,
	}
	if g.baseURL != "" {
		config.HTTPOptions = genai.HTTPOptions{BaseURL: g.baseURL}
	}

	c, err := genai.NewClient(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	g.clients[apiKey] = c
	return c, nil
}

// Generate 单次 GenerateContent 调用
func (g *GeminiSDKGenerator) Generate(ctx context.Context, model, apiKey string, payload models.GeneratePayload) (string, error) {
	c, err := g.client(ctx, apiKey)
	if err != nil {
		return "", err
	}

	content := &genai.Content{Role: "user"}
	if payload.Image != nil {
		content.Parts = append(content.Parts, &genai.Part{
			InlineData: &genai.Blob{
				MIMEType: payload.Image.MimeType,
				Data:     payload.Image.Data,
			},
		})
	}
	content.Parts = append(content.Parts, &genai.Part{Text: payload.Prompt})

	resp, err := c.Models.GenerateContent(ctx, model, []*genai.Content{content}, nil)
	if err != nil {
		return "", sdkError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return "", nil
	}

	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part == nil || part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String(), nil
}

// sdkError 统一错误格式: "gemini: <code> <status>: <message>"
func sdkError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("gemini: %d %s: %s", apiErr.Code, apiErr.Status, apiErr.Message)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr != nil {
		return fmt.Errorf("gemini: %d %s: %s", apiErrPtr.Code, apiErrPtr.Status, apiErrPtr.Message)
	}
	return fmt.Errorf("gemini: %w", err)
}
