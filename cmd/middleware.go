package main

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"tashkeel-gateway/models"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// requestIDMiddleware 为每个请求分配 ID（客户端已带则沿用）
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// requestLoggerMiddleware 请求日志中间件，只记录业务接口的错误请求
func requestLoggerMiddleware(log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		// 只缓存较小的 JSON 请求体，图片上传不进日志
		var bodyBytes []byte
		if c.Request.Body != nil &&
			strings.HasPrefix(c.ContentType(), "application/json") &&
			c.Request.ContentLength > 0 && c.Request.ContentLength <= 64*1024 {
			bodyBytes, _ = io.ReadAll(c.Request.Body)
			c.Request.Body.Close()
			c.Request.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
		}

		c.Next()

		latency := time.Since(start)
		statusCode := c.Writer.Status()

		if statusCode >= 400 {
			fields := logrus.Fields{
				"request_id":  c.GetString("request_id"),
				"method":      c.Request.Method,
				"path":        c.Request.URL.Path,
				"status":      statusCode,
				"latency":     latency,
				"client_ip":   c.ClientIP(),
				"user_agent":  c.Request.UserAgent(),
				"content_len": c.Request.ContentLength,
			}
			if len(bodyBytes) > 0 {
				bodyStr := string(bodyBytes)
				if len(bodyStr) > 1000 {
					bodyStr = bodyStr[:1000] + "...(truncated)"
				}
				fields["request_body"] = bodyStr
			}

			entry := log.WithFields(fields)
			if statusCode >= 500 {
				entry.Error("Server error")
			} else {
				entry.Warn("Client error")
			}
			return
		}

		log.Debugf("Request processed - %s %s (status: %d, latency: %v)",
			c.Request.Method, c.Request.URL.Path, statusCode, latency)
	}
}

// corsMiddleware CORS中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, Authorization, X-API-Key, X-Request-ID")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}

// gatewayTokenMiddleware 网关访问令牌校验，token 为空时不启用
// 支持 Authorization: Bearer、x-api-key 和 ?token= 三种方式
func gatewayTokenMiddleware(expected string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if expected == "" || c.Request.Method == "OPTIONS" {
			c.Next()
			return
		}

		var token string
		if authHeader := c.GetHeader("Authorization"); authHeader != "" {
			token = strings.TrimPrefix(authHeader, "Bearer ")
		}
		if token == "" {
			token = c.GetHeader("x-api-key")
		}
		if token == "" {
			token = c.Query("token")
		}

		if token == "" {
			c.AbortWithStatusJSON(401, models.NewErrorResponse("authentication_error",
				"Missing authentication token. Please provide token in Authorization header (Bearer <token>), x-api-key header, or ?token=<token> query parameter"))
			return
		}
		if token != expected {
			c.AbortWithStatusJSON(401, models.NewErrorResponse("authentication_error", "Invalid gateway token"))
			return
		}

		c.Next()
	}
}

// client 包装限流器及其最后访问时间
type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// IPRateLimiter 带有自动清理机制的 IP 限流器
type IPRateLimiter struct {
	clients map[string]*client
	mu      sync.Mutex
	rate    rate.Limit
	burst   int
	stop    chan struct{}
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	i := &IPRateLimiter{
		clients: make(map[string]*client),
		rate:    r,
		burst:   b,
		stop:    make(chan struct{}),
	}
	// 启动后台清理协程
	go i.cleanupClients()
	return i
}

// GetLimiter 获取或创建 IP 对应的限流器，并更新访问时间
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()

	c, exists := i.clients[ip]
	if !exists {
		c = &client{limiter: rate.NewLimiter(i.rate, i.burst)}
		i.clients[ip] = c
	}

	c.lastSeen = time.Now()
	return c.limiter
}

// cleanupClients 每分钟清理一次超过 3 分钟未活跃的 IP
func (i *IPRateLimiter) cleanupClients() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-i.stop:
			return
		case <-ticker.C:
		}
		i.mu.Lock()
		for ip, c := range i.clients {
			if time.Since(c.lastSeen) > 3*time.Minute {
				delete(i.clients, ip)
			}
		}
		i.mu.Unlock()
	}
}

// Stop 停止清理协程
func (i *IPRateLimiter) Stop() {
	close(i.stop)
}

// rateLimitMiddleware IP 限流中间件，limiter 为 nil 时不限流
func rateLimitMiddleware(limiter *IPRateLimiter, log *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		clientIP := c.ClientIP()
		if !limiter.GetLimiter(clientIP).Allow() {
			log.Warnf("Rate limit exceeded for IP: %s", clientIP)
			c.AbortWithStatusJSON(429, models.NewErrorResponse("rate_limit_error", "Too Many Requests"))
			return
		}

		c.Next()
	}
}
