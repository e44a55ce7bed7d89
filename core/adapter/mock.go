package adapter

import (
	"context"
	"strings"
	"tashkeel-gateway/models"
	"time"
)

// MockGenerator 离线开发用：原样返回提示词中的输入文本
type MockGenerator struct {
	Delay time.Duration
}

func (m *MockGenerator) Generate(ctx context.Context, model, apiKey string, payload models.GeneratePayload) (string, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if payload.Image != nil {
		return "[mock:" + model + "] " + payload.Image.MimeType, nil
	}
	text := payload.Prompt
	if idx := strings.LastIndex(text, "Text:"); idx >= 0 {
		text = text[idx+len("Text:"):]
	}
	return strings.TrimSpace(text), nil
}
