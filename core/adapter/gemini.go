package adapter

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"tashkeel-gateway/models"
)

const geminiDefaultBaseURL = "https://generativelanguage.googleapis.com"

// GeminiRESTGenerator 直接调用 Gemini REST 接口
type GeminiRESTGenerator struct {
	BaseURL string
	Client  *http.Client
}

func NewGeminiRESTGenerator(baseURL string, client *http.Client) *GeminiRESTGenerator {
	if client == nil {
		client = http.DefaultClient
	}
	return &GeminiRESTGenerator{BaseURL: baseURL, Client: client}
}

// Generate 发送 generateContent 请求，返回候选文本
func (a *GeminiRESTGenerator) Generate(ctx context.Context, model, apiKey string, payload models.GeneratePayload) (string, error) {
	req, err := a.buildRequest(ctx, model, apiKey, payload)
	if err != nil {
		return "", err
	}

	resp, err := a.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("gemini: request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("gemini: read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", upstreamError(resp.StatusCode, bodyBytes)
	}

	var geminiResp GeminiResponse
	if err := json.Unmarshal(bodyBytes, &geminiResp); err != nil {
		return "", fmt.Errorf("gemini: decode response: %w", err)
	}
	return responseText(geminiResp), nil
}

func (a *GeminiRESTGenerator) buildRequest(ctx context.Context, model, apiKey string, payload models.GeneratePayload) (*http.Request, error) {
	content := GeminiContent{Role: "user", Parts: make([]GeminiPart, 0, 2)}
	if payload.Image != nil {
		content.Parts = append(content.Parts, GeminiPart{
			InlineData: &GeminiInlineData{
				MimeType: payload.Image.MimeType,
				Data:     base64.StdEncoding.EncodeToString(payload.Image.Data),
			},
		})
	}
	content.Parts = append(content.Parts, GeminiPart{Text: payload.Prompt})

	body, err := json.Marshal(GeminiRequest{Contents: []GeminiContent{content}})
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal request: %w", err)
	}

	baseURL := a.BaseURL
	if baseURL == "" {
		baseURL = geminiDefaultBaseURL
	}
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + "/v1beta/models/" + url.PathEscape(model) + ":generateContent")
	if err != nil {
		return nil, fmt.Errorf("gemini: invalid upstream url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("gemini: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	// Key 放在 Header 里，传输错误信息中不会出现 URL 上的 key 参数
	req.Header.Set("x-goog-api-key", apiKey)
	return req, nil
}

// upstreamError 把非 200 响应转换成带状态码的错误信息（分类器依赖其中的关键字）
func upstreamError(statusCode int, body []byte) error {
	var errResp GeminiErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		text := strings.TrimSpace(string(body))
		if len(text) > 200 {
			text = text[:200]
		}
		return fmt.Errorf("gemini: %d %s: %s", statusCode, http.StatusText(statusCode), text)
	}
	status := errResp.Error.Status
	if status == "" {
		status = http.StatusText(statusCode)
	}
	return fmt.Errorf("gemini: %d %s: %s", statusCode, status, errResp.Error.Message)
}

// responseText 拼接第一个候选的文本（跳过思考过程）
func responseText(resp GeminiResponse) string {
	if len(resp.Candidates) == 0 {
		return ""
	}
	var sb strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if part.Thought {
			continue
		}
		sb.WriteString(part.Text)
	}
	return sb.String()
}
