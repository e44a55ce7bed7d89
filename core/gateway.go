package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tashkeel-gateway/models"

	"github.com/sirupsen/logrus"
)

const (
	OperationRestore = "restoration"
	OperationExtract = "extraction"

	defaultAttemptTimeout = 60 * time.Second
)

// GatewayOptions 网关可选配置
type GatewayOptions struct {
	TextModels     []string      // 文本标音模型优先级，空则使用 DefaultModels
	ImageModels    []string      // 图片识别模型优先级，空则与 TextModels 相同
	AttemptTimeout time.Duration // 单次尝试超时，<=0 使用 60s
	Classifier     Classifier    // nil 使用默认关键字表
	Observer       AttemptObserver
}

// AttemptRecord 一次尝试的结果（供日志 / 指标使用）
type AttemptRecord struct {
	Operation       string
	Model           string
	CredentialIndex int
	Success         bool
	Class           FailureClass
	Message         string
	Duration        time.Duration
}

// Diagnostics 当前配置与状态的只读快照
type Diagnostics struct {
	CredentialCount        int
	CurrentCredentialIndex int
	Models                 []string
	ImageModels            []string
}

// ModelGateway 模型网关
// 负责在多个模型 / 多个 Key 之间做故障转移
type ModelGateway struct {
	ring           *CredentialRing
	generator      Generator
	logger         *logrus.Logger
	classifier     Classifier
	observer       AttemptObserver
	textModels     []string
	imageModels    []string
	attemptTimeout time.Duration
}

// NewModelGateway 构造函数强制要求依赖注入
func NewModelGateway(credentials []string, generator Generator, logger *logrus.Logger, opts GatewayOptions) *ModelGateway {
	if logger == nil {
		logger = logrus.New()
	}
	textModels := opts.TextModels
	if len(textModels) == 0 {
		textModels = DefaultModels
	}
	imageModels := opts.ImageModels
	if len(imageModels) == 0 {
		imageModels = textModels
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = NewKeywordClassifier()
	}
	timeout := opts.AttemptTimeout
	if timeout <= 0 {
		timeout = defaultAttemptTimeout
	}

	return &ModelGateway{
		ring:           NewCredentialRing(credentials),
		generator:      generator,
		logger:         logger,
		classifier:     classifier,
		observer:       opts.Observer,
		textModels:     append([]string(nil), textModels...),
		imageModels:    append([]string(nil), imageModels...),
		attemptTimeout: timeout,
	}
}

// RestoreDiacritics 为阿拉伯语文本恢复标音符号
// 输入由调用方保证非空
func (g *ModelGateway) RestoreDiacritics(ctx context.Context, text string) (string, error) {
	payload := models.GeneratePayload{Prompt: restorePrompt(text)}
	out, err := g.search(ctx, OperationRestore, g.textModels, payload)
	if err != nil {
		return "", err
	}
	if out == "" {
		return SentinelRestoreEmpty, nil
	}
	return out, nil
}

// ExtractAndRestore 识别图片中的阿拉伯语文本并恢复标音符号
// 图片字节由调用方保证为合法编码
func (g *ModelGateway) ExtractAndRestore(ctx context.Context, image []byte, mimeType string) (string, error) {
	payload := models.GeneratePayload{
		Prompt: extractInstruction,
		Image:  &models.ImagePayload{Data: image, MimeType: mimeType},
	}
	out, err := g.search(ctx, OperationExtract, g.imageModels, payload)
	if err != nil {
		return "", err
	}
	if out == "" {
		return SentinelExtractEmpty, nil
	}
	return out, nil
}

// CheckStatus 用一个短文本探测当前配置是否可用
func (g *ModelGateway) CheckStatus(ctx context.Context) error {
	_, err := g.RestoreDiacritics(ctx, ProbeText)
	return err
}

// GetDiagnostics 只读，不发起网络请求
func (g *ModelGateway) GetDiagnostics() Diagnostics {
	return Diagnostics{
		CredentialCount:        g.ring.Count(),
		CurrentCredentialIndex: g.ring.Index(),
		Models:                 append([]string(nil), g.textModels...),
		ImageModels:            append([]string(nil), g.imageModels...),
	}
}

// IsSentinel 判断结果是否为空响应占位文本
func IsSentinel(result string) bool {
	return result == SentinelRestoreEmpty || result == SentinelExtractEmpty
}

// search 执行故障转移状态机
func (g *ModelGateway) search(ctx context.Context, operation string, modelList []string, payload models.GeneratePayload) (string, error) {
	if g.ring.Count() == 0 {
		g.logger.Error("💀 No API keys configured")
		return "", ErrNoCredentials
	}

	s := newFallbackSearch(modelList, g.ring.Count())
	state := stateTryModel
	var (
		text string
		last AttemptError
	)

	for {
		switch state {
		case stateTryModel:
			s.enterModel()
			state = nextState(state, transitionInput{modelsLeft: s.modelsLeft()})

		case stateTryCredential:
			if err := ctx.Err(); err != nil {
				return "", fmt.Errorf("request cancelled: %w", err)
			}
			out, attemptErr, err := g.attempt(ctx, operation, s.model(), payload)
			if err != nil {
				return "", err
			}
			if attemptErr == nil {
				text = out
				state = nextState(state, transitionInput{succeeded: true})
				continue
			}
			last = *attemptErr
			s.record(last)
			state = nextState(state, transitionInput{class: last.Class})

		case stateRotate:
			idx := g.ring.Rotate(last.CredentialIndex)
			if idx != last.CredentialIndex {
				rotationsTotal.Inc()
				g.logger.Warnf("🔄 Rotating to API key index %d", idx)
			}
			state = nextState(state, transitionInput{budgetLeft: s.budgetLeft()})

		case stateNextModel:
			g.logger.Infof("⏭️ Skipping model [%s] after %d attempt(s)", s.model(), s.tries)
			s.advanceModel()
			state = nextState(state, transitionInput{})

		case stateSuccess:
			return text, nil

		case stateTerminalFailure:
			failure := s.failure()
			g.logger.Errorf("💀 Failed: all %d attempts exhausted", len(failure.Attempts))
			return "", failure
		}
	}
}

// attempt 执行一次上游调用
// 返回值：成功文本；或 attemptErr（可恢复的单次失败）；或 err（调用方取消，必须立即终止）
func (g *ModelGateway) attempt(ctx context.Context, operation, model string, payload models.GeneratePayload) (string, *AttemptError, error) {
	key, idx, ok := g.ring.Current()
	if !ok {
		return "", nil, ErrNoCredentials
	}

	g.logger.WithFields(logrus.Fields{
		"operation": operation,
		"model":     model,
		"key_index": idx,
	}).Infof("🎯 Attempt: Using [%s] (Key: %s)", model, maskKey(key))

	attemptCtx, cancel := context.WithTimeout(ctx, g.attemptTimeout)
	defer cancel()

	start := time.Now()
	out, err := g.generator.Generate(attemptCtx, model, key, payload)
	elapsed := time.Since(start)

	rec := AttemptRecord{
		Operation:       operation,
		Model:           model,
		CredentialIndex: idx,
		Duration:        elapsed,
	}

	if err == nil {
		rec.Success = true
		g.observe(rec)
		g.logger.Infof("✅ Success: [%s] | Latency: %dms", model, elapsed.Milliseconds())
		return strings.TrimSpace(out), nil, nil
	}

	// 调用方取消：不再尝试其它组合
	if ctx.Err() != nil {
		return "", nil, fmt.Errorf("request cancelled: %w", ctx.Err())
	}

	ae := AttemptError{Model: model, CredentialIndex: idx, Message: err.Error()}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		ae.Class = FailureUnavailable
		ae.Message = fmt.Sprintf("attempt timed out after %s", g.attemptTimeout)
	} else {
		ae.Class = g.classifier.Classify(ae.Message)
	}

	rec.Class = ae.Class
	rec.Message = ae.Message
	g.observe(rec)

	g.logger.WithFields(logrus.Fields{
		"model":     model,
		"key_index": idx,
		"class":     ae.Class.String(),
	}).Warnf("⚠️ Attempt Failed: %s", ae.Message)

	return "", &ae, nil
}

func (g *ModelGateway) observe(rec AttemptRecord) {
	if g.observer != nil {
		g.observer.ObserveAttempt(rec)
	}
}

// maskKey 脱敏 API Key
func maskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	if len(key) <= 8 {
		return key[:2] + "***" + key[len(key)-2:]
	}
	return key[:3] + "***" + key[len(key)-4:]
}
