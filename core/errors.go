package core

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNoCredentials 未配置任何 API Key（配置错误，不会发起任何网络请求）
	ErrNoCredentials = errors.New("no API key configured, please check your settings")

	// ErrEmptyInput 输入为空（由调用方校验，网关本身不拒绝）
	ErrEmptyInput = errors.New("input is empty")
)

// AttemptError 单次尝试的失败信息
type AttemptError struct {
	Model           string
	CredentialIndex int
	Class           FailureClass
	Message         string
}

func (e AttemptError) Error() string {
	return fmt.Sprintf("Model %s (Key %d): %s", e.Model, e.CredentialIndex, e.Message)
}

// TerminalFailure 所有模型与 Key 组合都失败
// Attempts 按尝试顺序排列
type TerminalFailure struct {
	Attempts []AttemptError
}

func (e *TerminalFailure) Error() string {
	if len(e.Attempts) == 0 {
		return "All attempts failed: no models configured"
	}
	lines := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		lines = append(lines, a.Error())
	}
	return "All attempts failed.\nDetails:\n" + strings.Join(lines, "\n")
}

// IsTerminalFailure 判断 err 是否为 TerminalFailure
func IsTerminalFailure(err error) bool {
	var tf *TerminalFailure
	return errors.As(err, &tf)
}
