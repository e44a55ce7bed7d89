package core

import (
	"context"
	"tashkeel-gateway/models"
)

// Generator 上游生成式语言服务的调用能力
// 每次调用对应一次尝试：指定模型 + 指定密钥，返回文本或失败信息
type Generator interface {
	Generate(ctx context.Context, model, credential string, payload models.GeneratePayload) (string, error)
}

// Classifier 将失败信息归类为密钥级 / 模型级失败
type Classifier interface {
	Classify(message string) FailureClass
}

// ClassifierFunc 函数适配器
type ClassifierFunc func(message string) FailureClass

func (f ClassifierFunc) Classify(message string) FailureClass { return f(message) }

// AttemptObserver 接收每一次尝试的结果 (日志 / 指标)
// 实现必须是非阻塞的，搜索循环同步调用它
type AttemptObserver interface {
	ObserveAttempt(rec AttemptRecord)
}

// SecretProvider 抽象密钥加解密
// 用于读取配置时自动解密 API Key
type SecretProvider interface {
	Decrypt(ciphertext string) (string, error)
	Encrypt(plaintext string) (string, error)
}
