package models

import "time"

// ImagePayload 图片内容（原始字节 + MIME 类型）
type ImagePayload struct {
	Data     []byte
	MimeType string
}

// GeneratePayload 发往上游模型的单次请求内容
// Image 为 nil 时为纯文本请求；否则 Prompt 作为图片附带的指令
type GeneratePayload struct {
	Prompt string
	Image  *ImagePayload
}

// RestoreRequest 文本标音请求
type RestoreRequest struct {
	Text string `json:"text" binding:"required"`
}

// ExtractRequest 图片识别请求（JSON 形式，multipart 上传不走这里）
type ExtractRequest struct {
	ImageBase64 string `json:"image_base64" binding:"required"`
	MimeType    string `json:"mime_type,omitempty"`
}

// ResultResponse 标音结果
type ResultResponse struct {
	Result    string `json:"result"`
	Sentinel  bool   `json:"sentinel"` // 上游返回空文本时为 true
	ElapsedMs int64  `json:"elapsed_ms"`
}

// DiagnosticsResponse 诊断信息
type DiagnosticsResponse struct {
	CredentialCount        int      `json:"credential_count"`
	CurrentCredentialIndex int      `json:"current_credential_index"`
	Models                 []string `json:"models"`
	ImageModels            []string `json:"image_models"`
}

// CheckResponse API 状态探测结果
type CheckResponse struct {
	Status string `json:"status"` // success / error
	Error  string `json:"error,omitempty"`
}

// HistoryResponse 历史记录列表
type HistoryResponse struct {
	Items []HistoryEntry `json:"items"`
	Count int            `json:"count"`
}

// ModelStatsView 模型统计展示
type ModelStatsView struct {
	Model         string  `json:"model"`
	Success       int     `json:"success"`
	Error         int     `json:"error"`
	QuotaErrors   int     `json:"quota_errors"`
	AvgLatency    float64 `json:"avg_latency"`
	TotalRequests int64   `json:"total_requests"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status          string `json:"status"`
	Gateway         string `json:"gateway"`
	CredentialCount int    `json:"credential_count"`
	Timestamp       int64  `json:"timestamp"`
}

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail 错误详情
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// NewErrorResponse 创建错误响应
func NewErrorResponse(errType, message string) ErrorResponse {
	return ErrorResponse{Error: ErrorDetail{Message: message, Type: errType}}
}

// NewResultResponse 创建结果响应
func NewResultResponse(result string, sentinel bool, elapsed time.Duration) ResultResponse {
	return ResultResponse{
		Result:    result,
		Sentinel:  sentinel,
		ElapsedMs: elapsed.Milliseconds(),
	}
}
