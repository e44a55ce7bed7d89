package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"tashkeel-gateway/core"
	"tashkeel-gateway/models"
	"time"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	gatewayName = "Arabic Tashkeel Gateway"

	// maxImageBytes 上传图片大小上限
	maxImageBytes = 10 << 20
	// maxTextChars 单次标音文本长度上限（字符数）
	maxTextChars = 10000
	// checkTimeout 共享状态探测的总时长上限
	checkTimeout = 2 * time.Minute
	// extractionLabel 图片识别在历史记录里的输入描述
	extractionLabel = "Image Scan"
)

// maxExtractBodyBytes 请求体上限，按 base64 膨胀后的图片大小再留 1 MiB 余量
var maxExtractBodyBytes = int64(base64.StdEncoding.EncodedLen(maxImageBytes) + 1<<20)

// app 聚合 HTTP 层依赖
type app struct {
	gateway  *core.ModelGateway
	history  *core.HistoryStore
	attempts *core.AsyncAttemptLogger
	logger   *logrus.Logger

	// probe 合并并发的状态探测，同一时间只向上游发一次
	probe singleflight.Group
}

// handleRoot 处理根路径请求
func handleRoot() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, gin.H{
			"name": gatewayName,
			"endpoints": gin.H{
				"tashkeel":    "/v1/tashkeel",
				"ocr":         "/v1/ocr",
				"diagnostics": "/v1/diagnostics",
				"history":     "/v1/history",
				"stats":       "/v1/stats",
				"health":      "/health",
				"metrics":     "/metrics",
			},
			"timestamp": time.Now().Unix(),
		})
	}
}

// handleHealth 处理健康检查
func handleHealth(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(200, models.HealthResponse{
			Status:          "healthy",
			Gateway:         gatewayName,
			CredentialCount: a.gateway.GetDiagnostics().CredentialCount,
			Timestamp:       time.Now().Unix(),
		})
	}
}

// handleRestore POST /v1/tashkeel
func handleRestore(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req models.RestoreRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(400, models.NewErrorResponse("invalid_request_error", "Invalid request format: "+err.Error()))
			return
		}
		text := strings.TrimSpace(req.Text)
		if text == "" {
			c.JSON(400, models.NewErrorResponse("invalid_request_error", core.ErrEmptyInput.Error()))
			return
		}
		chars := utf8.RuneCountInString(text)
		if chars > maxTextChars {
			c.JSON(400, models.NewErrorResponse("invalid_request_error",
				fmt.Sprintf("text exceeds %d characters", maxTextChars)))
			return
		}
		core.InputChars.Observe(float64(chars))

		start := time.Now()
		result, err := a.gateway.RestoreDiacritics(c.Request.Context(), text)
		elapsed := time.Since(start)
		observeOperation(core.OperationRestore, result, err, elapsed)
		if err != nil {
			writeGatewayError(c, a.logger, err)
			return
		}

		sentinel := core.IsSentinel(result)
		if !sentinel {
			a.recordHistory(c.Request.Context(), models.HistoryRestoration, text, result)
		}
		c.JSON(200, models.NewResultResponse(result, sentinel, elapsed))
	}
}

// handleExtract POST /v1/ocr
// 支持 multipart 字段 image，或 JSON {image_base64, mime_type}
func handleExtract(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxExtractBodyBytes)

		data, err := readImage(c)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				c.JSON(413, models.NewErrorResponse("invalid_request_error",
					fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)))
				return
			}
			c.JSON(400, models.NewErrorResponse("invalid_request_error", err.Error()))
			return
		}
		if len(data) == 0 {
			c.JSON(400, models.NewErrorResponse("invalid_request_error", core.ErrEmptyInput.Error()))
			return
		}
		if len(data) > maxImageBytes {
			c.JSON(413, models.NewErrorResponse("invalid_request_error",
				fmt.Sprintf("image exceeds %d bytes", maxImageBytes)))
			return
		}

		// 以实际内容为准判断 MIME 类型
		mime := mimetype.Detect(data)
		if !strings.HasPrefix(mime.String(), "image/") {
			c.JSON(400, models.NewErrorResponse("invalid_request_error",
				fmt.Sprintf("unsupported content type %q: an image is required", mime.String())))
			return
		}
		mimeType := strings.SplitN(mime.String(), ";", 2)[0]

		start := time.Now()
		result, err := a.gateway.ExtractAndRestore(c.Request.Context(), data, mimeType)
		elapsed := time.Since(start)
		observeOperation(core.OperationExtract, result, err, elapsed)
		if err != nil {
			writeGatewayError(c, a.logger, err)
			return
		}

		sentinel := core.IsSentinel(result)
		if !sentinel {
			a.recordHistory(c.Request.Context(), models.HistoryExtraction,
				fmt.Sprintf("%s (%s, %d bytes)", extractionLabel, mimeType, len(data)), result)
		}
		c.JSON(200, models.NewResultResponse(result, sentinel, elapsed))
	}
}

// readImage 从 multipart 或 JSON 请求中取出图片字节
func readImage(c *gin.Context) ([]byte, error) {
	if strings.HasPrefix(c.ContentType(), "multipart/") {
		fh, err := c.FormFile("image")
		if err != nil {
			return nil, fmt.Errorf("missing image file: %w", err)
		}
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open upload: %w", err)
		}
		defer f.Close()
		return io.ReadAll(io.LimitReader(f, maxImageBytes+1))
	}

	var req models.ExtractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		return nil, fmt.Errorf("invalid request format: %w", err)
	}
	encoded := req.ImageBase64
	// 兼容 data URL: data:image/png;base64,....
	if strings.HasPrefix(encoded, "data:") {
		if idx := strings.Index(encoded, ","); idx >= 0 {
			encoded = encoded[idx+1:]
		}
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("image_base64 is not valid base64: %w", err)
	}
	return data, nil
}

// handleDiagnostics GET /v1/diagnostics
func handleDiagnostics(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		d := a.gateway.GetDiagnostics()
		c.JSON(200, models.DiagnosticsResponse{
			CredentialCount:        d.CredentialCount,
			CurrentCredentialIndex: d.CurrentCredentialIndex,
			Models:                 d.Models,
			ImageModels:            d.ImageModels,
		})
	}
}

// handleCheck POST /v1/diagnostics/check
// 探测结果放在响应体里，HTTP 状态始终为 200
func handleCheck(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		// 共享的探测不跟随任何一个调用方的取消
		base := context.WithoutCancel(c.Request.Context())
		ch := a.probe.DoChan("check", func() (interface{}, error) {
			ctx, cancel := context.WithTimeout(base, checkTimeout)
			defer cancel()
			return nil, a.gateway.CheckStatus(ctx)
		})

		var err error
		select {
		case res := <-ch:
			err = res.Err
			if res.Shared {
				a.logger.Debug("API status check shared with an in-flight probe")
			}
		case <-c.Request.Context().Done():
			err = fmt.Errorf("request cancelled: %w", c.Request.Context().Err())
		}
		if err != nil {
			a.logger.Warnf("⚠️ API status check failed: %v", err)
			c.JSON(200, models.CheckResponse{Status: "error", Error: err.Error()})
			return
		}
		c.JSON(200, models.CheckResponse{Status: "success"})
	}
}

// handleListHistory GET /v1/history?limit=N
func handleListHistory(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit := 0
		if v := c.Query("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				c.JSON(400, models.NewErrorResponse("invalid_request_error", "invalid limit: must be a non-negative number"))
				return
			}
			limit = n
		}

		entries, err := a.history.List(c.Request.Context(), limit)
		if err != nil {
			a.logger.Errorf("Failed to list history: %v", err)
			c.JSON(500, models.NewErrorResponse("internal_error", err.Error()))
			return
		}
		if entries == nil {
			entries = []models.HistoryEntry{}
		}
		c.JSON(200, models.HistoryResponse{Items: entries, Count: len(entries)})
	}
}

// handleClearHistory DELETE /v1/history
func handleClearHistory(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := a.history.Clear(c.Request.Context()); err != nil {
			a.logger.Errorf("Failed to clear history: %v", err)
			c.JSON(500, models.NewErrorResponse("internal_error", err.Error()))
			return
		}
		c.Status(204)
	}
}

// handleStats GET /v1/stats
func handleStats(a *app) gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := a.attempts.Stats(c.Request.Context())
		if err != nil {
			c.JSON(500, models.NewErrorResponse("internal_error", err.Error()))
			return
		}
		views := make([]models.ModelStatsView, 0, len(stats))
		for _, s := range stats {
			views = append(views, models.ModelStatsView{
				Model:         s.ModelName,
				Success:       s.Success,
				Error:         s.Error,
				QuotaErrors:   s.QuotaErrors,
				AvgLatency:    s.AvgLatency(),
				TotalRequests: s.TotalRequests,
			})
		}
		c.JSON(200, gin.H{"models": views})
	}
}

// recordHistory 写历史失败只记日志，不影响本次响应
func (a *app) recordHistory(ctx context.Context, kind models.HistoryKind, input, output string) {
	if a.history == nil {
		return
	}
	if _, err := a.history.Append(ctx, kind, input, output); err != nil {
		a.logger.Errorf("Failed to record history: %v", err)
	}
}

// writeGatewayError 把网关错误映射为 HTTP 响应
func writeGatewayError(c *gin.Context, log *logrus.Logger, err error) {
	switch {
	case errors.Is(err, core.ErrNoCredentials):
		c.JSON(503, models.NewErrorResponse("configuration_error", err.Error()))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		c.JSON(408, models.NewErrorResponse("request_cancelled", err.Error()))
	case core.IsTerminalFailure(err):
		c.JSON(502, models.NewErrorResponse("upstream_error", err.Error()))
	default:
		log.Errorf("Unexpected gateway error: %v", err)
		c.JSON(500, models.NewErrorResponse("internal_error", err.Error()))
	}
}

func observeOperation(operation, result string, err error, elapsed time.Duration) {
	outcome := "success"
	switch {
	case err != nil:
		outcome = "error"
	case core.IsSentinel(result):
		outcome = "empty"
	}
	core.OperationDuration.WithLabelValues(operation, outcome).Observe(elapsed.Seconds())
}
