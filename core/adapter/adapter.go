package adapter

import (
	"context"
	"fmt"
	"net/http"
	"tashkeel-gateway/models"
)

// Transport 上游调用方式
const (
	TransportSDK  = "sdk"
	TransportREST = "rest"
	TransportMock = "mock"
)

// Generator 与 core.Generator 方法集一致，adapter 不反向依赖 core
type Generator interface {
	Generate(ctx context.Context, model, apiKey string, payload models.GeneratePayload) (string, error)
}

// New 根据 transport 名称创建对应的实现
func New(transport, baseURL string, client *http.Client) (Generator, error) {
	switch transport {
	case "", TransportSDK:
		return NewGeminiSDKGenerator(baseURL, client), nil
	case TransportREST:
		return NewGeminiRESTGenerator(baseURL, client), nil
	case TransportMock:
		return &MockGenerator{}, nil
	default:
		return nil, fmt.Errorf("unknown transport %q (expected sdk, rest or mock)", transport)
	}
}
