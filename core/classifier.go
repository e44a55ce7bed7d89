package core

import "strings"

// FailureClass 失败类别
type FailureClass int

const (
	FailureUnknown     FailureClass = iota // 无法识别，按模型级处理
	FailureQuota                           // 额度 / 限流 / 鉴权：换 Key 重试同一模型
	FailureUnavailable                     // 模型不存在 / 下线 / 过载 / 超时：换模型
)

func (c FailureClass) String() string {
	switch c {
	case FailureQuota:
		return "quota"
	case FailureUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// CredentialScoped 是否为密钥级失败（换 Key 可能成功）
func (c FailureClass) CredentialScoped() bool {
	return c == FailureQuota
}

var (
	// DefaultQuotaKeywords 额度 / 鉴权类关键字
	DefaultQuotaKeywords = []string{"429", "quota", "limit", "key"}

	// DefaultUnavailableKeywords 可用性类关键字
	// 与 unknown 的处理方式相同，单独归类只为日志和统计
	DefaultUnavailableKeywords = []string{
		"404", "not found", "unavailable", "overloaded", "503", "500",
		"deadline exceeded", "timed out", "not supported",
	}
)

// KeywordClassifier 基于子串匹配的分类器（大小写不敏感）
// Quota 关键字优先匹配
type KeywordClassifier struct {
	QuotaKeywords       []string
	UnavailableKeywords []string
}

// NewKeywordClassifier 使用默认关键字表
func NewKeywordClassifier() *KeywordClassifier {
	return &KeywordClassifier{
		QuotaKeywords:       DefaultQuotaKeywords,
		UnavailableKeywords: DefaultUnavailableKeywords,
	}
}

func (k *KeywordClassifier) Classify(message string) FailureClass {
	msg := strings.ToLower(message)
	if containsAny(msg, k.QuotaKeywords) {
		return FailureQuota
	}
	if containsAny(msg, k.UnavailableKeywords) {
		return FailureUnavailable
	}
	return FailureUnknown
}

func containsAny(s string, keywords []string) bool {
	for _, kw := range keywords {
		if kw != "" && strings.Contains(s, strings.ToLower(kw)) {
			return true
		}
	}
	return false
}
