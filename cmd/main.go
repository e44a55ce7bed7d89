package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tashkeel-gateway/config"
	"tashkeel-gateway/core"
	"tashkeel-gateway/core/adapter"
	"tashkeel-gateway/core/security"
	"tashkeel-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func main() {
	// 子命令：加密 API Key，输出可直接写入配置的 enc: 值
	if len(os.Args) > 1 && os.Args[1] == "encrypt" {
		os.Exit(runEncrypt(os.Args[2:]))
	}

	configPath := flag.String("config", "", "path to config.yaml")
	useMock := flag.Bool("mock", false, "use mock generator instead of Gemini")
	port := flag.Int("port", 0, "override listen port")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	if *useMock {
		cfg.Transport = adapter.TransportMock
	}
	if *port > 0 {
		cfg.Port = *port
	}

	// 创建日志器
	log, closeLog, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ %v\n", err)
		os.Exit(1)
	}
	defer closeLog()
	gin.SetMode(gin.ReleaseMode)

	// 初始化数据库
	db, err := initDatabase(cfg.DBPath, log)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}

	// 解析 API Key（支持 enc: 加密值）
	var sp core.SecretProvider = core.NewNoOpSecretProvider()
	if cfg.SecretKey != "" {
		aes, err := security.NewAESSecretProvider(cfg.SecretKey)
		if err != nil {
			log.Fatal("Failed to create secret provider:", err)
		}
		sp = aes
	}
	keys, err := core.ResolveCredentials(sp, cfg.APIKeys)
	if err != nil {
		log.Fatal("Failed to resolve API keys:", err)
	}
	if len(keys) == 0 {
		log.Warn("⚠️ No API keys configured, every request will fail until TASHKEEL_API_KEY is set")
	}

	generator, err := adapter.New(cfg.Transport, cfg.BaseURL, core.NewHTTPClient())
	if err != nil {
		log.Fatal("Failed to create generator:", err)
	}

	attemptLogger := core.NewAsyncAttemptLogger(db, log)
	defer attemptLogger.Close()

	gateway := core.NewModelGateway(keys, generator, log, core.GatewayOptions{
		TextModels:     cfg.TextModels,
		ImageModels:    cfg.ImageModels,
		AttemptTimeout: time.Duration(cfg.AttemptTimeoutSeconds) * time.Second,
		Observer:       core.MultiObserver{core.MetricsObserver{}, attemptLogger},
	})

	a := &app{
		gateway:  gateway,
		history:  core.NewHistoryStore(db, log, cfg.HistoryLimit),
		attempts: attemptLogger,
		logger:   log,
	}

	var limiter *IPRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = NewIPRateLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitBurst)
		defer limiter.Stop()
	}

	engine := newEngine(a, cfg.GatewayToken, limiter)

	// 创建HTTP服务器
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// 收到 SIGINT / SIGTERM 时优雅关闭
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d := gateway.GetDiagnostics()
		log.WithFields(logrus.Fields{
			"transport": cfg.Transport,
			"keys":      d.CredentialCount,
			"models":    d.Models,
		}).Infof("🚀 Starting %s on port %d", gatewayName, cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("failed to start server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error("Server stopped with error: ", err)
	}

	log.Info("Server exited")
}

// newEngine 组装路由与中间件
func newEngine(a *app, gatewayToken string, limiter *IPRateLimiter) *gin.Engine {
	engine := gin.New()
	engine.Use(gin.RecoveryWithWriter(a.logger.Writer()))
	engine.Use(corsMiddleware())
	engine.Use(requestIDMiddleware())

	// 公开路由 - 无需鉴权，无访问日志
	engine.GET("/", handleRoot())
	engine.GET("/health", handleHealth(a))
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := engine.Group("/v1")
	api.Use(requestLoggerMiddleware(a.logger))
	api.Use(gatewayTokenMiddleware(gatewayToken))
	api.Use(rateLimitMiddleware(limiter, a.logger))
	{
		api.POST("/tashkeel", handleRestore(a))
		api.POST("/ocr", handleExtract(a))
		api.GET("/diagnostics", handleDiagnostics(a))
		api.POST("/diagnostics/check", handleCheck(a))
		api.GET("/history", handleListHistory(a))
		api.DELETE("/history", handleClearHistory(a))
		api.GET("/stats", handleStats(a))
	}
	return engine
}

// newLogger JSON 格式日志，配置了 log_file 时同时写入带轮转的文件
func newLogger(cfg config.Config) (*logrus.Logger, func(), error) {
	log := logrus.New()
	log.SetFormatter(&logrus.JSONFormatter{})

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid log_level %q: %w", cfg.LogLevel, err)
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		return log, func() {}, nil
	}
	rotator, err := core.NewLogRotator(cfg.LogFile, cfg.LogMaxSizeMB)
	if err != nil {
		return nil, nil, err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, rotator))
	return log, func() { rotator.Close() }, nil
}

// initDatabase 初始化数据库
func initDatabase(path string, log *logrus.Logger) (*gorm.DB, error) {
	// 只记录错误，不打印 SQL 语句
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Error),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect database: %w", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	log.Info("Database initialized successfully")
	return db, nil
}

// runEncrypt 用法: tashkeel-gateway encrypt <plaintext>
// 密钥取自 TASHKEEL_SECRET_KEY
func runEncrypt(args []string) int {
	if len(args) != 1 || args[0] == "" {
		fmt.Fprintln(os.Stderr, "usage: tashkeel-gateway encrypt <plaintext>")
		return 2
	}
	secret := os.Getenv("TASHKEEL_SECRET_KEY")
	sp, err := security.NewAESSecretProvider(secret)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ TASHKEEL_SECRET_KEY: %v\n", err)
		return 1
	}
	ct, err := sp.Encrypt(args[0])
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ encrypt failed: %v\n", err)
		return 1
	}
	fmt.Println(core.EncryptedPrefix + ct)
	return 0
}
