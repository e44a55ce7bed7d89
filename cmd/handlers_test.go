package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"tashkeel-gateway/core"
	"tashkeel-gateway/models"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// 最小 PNG 文件头，足够让 mimetype 识别为 image/png
var pngHeader = []byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n', 0, 0, 0, 0x0d, 'I', 'H', 'D', 'R'}

// fakeGenerator 按 key 返回结果，记录每次调用的 payload
type fakeGenerator struct {
	mu       sync.Mutex
	payloads []models.GeneratePayload
	byKey    map[string]error
	output   string
}

func (f *fakeGenerator) Generate(ctx context.Context, model, key string, p models.GeneratePayload) (string, error) {
	f.mu.Lock()
	f.payloads = append(f.payloads, p)
	f.mu.Unlock()
	if err, ok := f.byKey[key]; ok && err != nil {
		return "", err
	}
	return f.output, nil
}

func (f *fakeGenerator) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestApp(t *testing.T, keys []string, gen core.Generator) (*app, *gin.Engine) {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))
	sqlDB, _ := db.DB()

	attempts := core.NewAsyncAttemptLogger(db, log)
	t.Cleanup(func() {
		attempts.Close()
		sqlDB.Close()
	})

	a := &app{
		gateway: core.NewModelGateway(keys, gen, log, core.GatewayOptions{
			TextModels: []string{"m1", "m2"},
			Observer:   attempts,
		}),
		history:  core.NewHistoryStore(db, log, 10),
		attempts: attempts,
		logger:   log,
	}
	return a, newEngine(a, "", nil)
}

func doJSON(engine *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)
	return w
}

func TestHandleRestore_Success(t *testing.T) {
	gen := &fakeGenerator{output: " مَرْحَبًا "}
	a, engine := newTestApp(t, []string{"k1"}, gen)

	w := doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: "مرحبا"})
	require.Equal(t, 200, w.Code, w.Body.String())

	var resp models.ResultResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "مَرْحَبًا", resp.Result)
	assert.False(t, resp.Sentinel)

	// 成功结果写入历史
	entries, err := a.history.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, models.HistoryRestoration, entries[0].Kind)
	assert.Equal(t, "مرحبا", entries[0].Input)
}

func TestHandleRestore_Validation(t *testing.T) {
	gen := &fakeGenerator{output: "x"}
	_, engine := newTestApp(t, []string{"k1"}, gen)

	w := doJSON(engine, "POST", "/v1/tashkeel", gin.H{})
	assert.Equal(t, 400, w.Code)

	w = doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: "   "})
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), core.ErrEmptyInput.Error())

	w = doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: strings.Repeat("ب", maxTextChars+1)})
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "exceeds")

	assert.Equal(t, 0, gen.calls())
}

func TestHandleRestore_NoCredentials(t *testing.T) {
	gen := &fakeGenerator{output: "x"}
	_, engine := newTestApp(t, nil, gen)

	w := doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: "نص"})
	assert.Equal(t, 503, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "configuration_error", resp.Error.Type)
	assert.Equal(t, 0, gen.calls())
}

func TestHandleRestore_TerminalFailure(t *testing.T) {
	gen := &fakeGenerator{byKey: map[string]error{"k1": errors.New("404 not found")}}
	_, engine := newTestApp(t, []string{"k1"}, gen)

	w := doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: "نص"})
	assert.Equal(t, 502, w.Code)

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "upstream_error", resp.Error.Type)
	assert.Contains(t, resp.Error.Message, "Model m1 (Key 0): 404 not found")
	assert.Contains(t, resp.Error.Message, "Model m2 (Key 0): 404 not found")
}

func TestHandleRestore_Sentinel(t *testing.T) {
	gen := &fakeGenerator{output: ""}
	a, engine := newTestApp(t, []string{"k1"}, gen)

	w := doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: "نص"})
	require.Equal(t, 200, w.Code)

	var resp models.ResultResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Sentinel)
	assert.Equal(t, core.SentinelRestoreEmpty, resp.Result)

	entries, _ := a.history.List(context.Background(), 0)
	assert.Empty(t, entries, "sentinel results are not recorded")
}

func TestHandleExtract_JSON(t *testing.T) {
	gen := &fakeGenerator{output: "نَصّ"}
	a, engine := newTestApp(t, []string{"k1"}, gen)

	w := doJSON(engine, "POST", "/v1/ocr", models.ExtractRequest{
		ImageBase64: "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngHeader),
		MimeType:    "image/jpeg", // 声明的类型被实际内容覆盖
	})
	require.Equal(t, 200, w.Code, w.Body.String())

	require.Equal(t, 1, gen.calls())
	img := gen.payloads[0].Image
	require.NotNil(t, img)
	assert.Equal(t, "image/png", img.MimeType)
	assert.Equal(t, pngHeader, img.Data)

	entries, _ := a.history.List(context.Background(), 0)
	require.Len(t, entries, 1)
	assert.Equal(t, models.HistoryExtraction, entries[0].Kind)
	assert.Equal(t, fmt.Sprintf("Image Scan (image/png, %d bytes)", len(pngHeader)), entries[0].Input)
}

// pngOfSize 以 PNG 文件头开头、总长为 n 的图片字节
func pngOfSize(n int) []byte {
	data := make([]byte, n)
	copy(data, pngHeader)
	return data
}

func TestHandleExtract_SizeLimits(t *testing.T) {
	gen := &fakeGenerator{output: "نَصّ"}
	_, engine := newTestApp(t, []string{"k1"}, gen)

	// 1. 略小于上限的图片经 base64 膨胀后仍可通过
	w := doJSON(engine, "POST", "/v1/ocr", models.ExtractRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(pngOfSize(maxImageBytes - 1024)),
	})
	require.Equal(t, 200, w.Code, w.Body.String())
	require.Equal(t, 1, gen.calls())
	assert.Len(t, gen.payloads[0].Image.Data, maxImageBytes-1024)

	// 2. 解码后超过上限 → 413
	w = doJSON(engine, "POST", "/v1/ocr", models.ExtractRequest{
		ImageBase64: base64.StdEncoding.EncodeToString(pngOfSize(maxImageBytes + 1)),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "image exceeds")

	// 3. 请求体本身超过读取上限 → 413，而不是 400
	w = doJSON(engine, "POST", "/v1/ocr", models.ExtractRequest{
		ImageBase64: strings.Repeat("A", int(maxExtractBodyBytes)+1),
	})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Contains(t, w.Body.String(), "request body exceeds")

	assert.Equal(t, 1, gen.calls())
}

func TestHandleExtract_Multipart(t *testing.T) {
	gen := &fakeGenerator{output: "نَصّ"}
	_, engine := newTestApp(t, []string{"k1"}, gen)

	body := &bytes.Buffer{}
	mw := multipart.NewWriter(body)
	fw, err := mw.CreateFormFile("image", "page.png")
	require.NoError(t, err)
	_, _ = fw.Write(pngHeader)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest("POST", "/v1/ocr", body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	w := httptest.NewRecorder()
	engine.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code, w.Body.String())
	var resp models.ResultResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "نَصّ", resp.Result)
}

func TestHandleExtract_RejectsNonImage(t *testing.T) {
	gen := &fakeGenerator{output: "x"}
	_, engine := newTestApp(t, []string{"k1"}, gen)

	w := doJSON(engine, "POST", "/v1/ocr", models.ExtractRequest{
		ImageBase64: base64.StdEncoding.EncodeToString([]byte("just some plain text")),
	})
	assert.Equal(t, 400, w.Code)
	assert.Contains(t, w.Body.String(), "an image is required")

	w = doJSON(engine, "POST", "/v1/ocr", models.ExtractRequest{ImageBase64: "%%%"})
	assert.Equal(t, 400, w.Code)

	assert.Equal(t, 0, gen.calls())
}

func TestHandleDiagnostics(t *testing.T) {
	gen := &fakeGenerator{byKey: map[string]error{"k1": errors.New("quota exceeded")}, output: "ok"}
	_, engine := newTestApp(t, []string{"k1", "k2"}, gen)

	w := doJSON(engine, "GET", "/v1/diagnostics", nil)
	require.Equal(t, 200, w.Code)
	var d models.DiagnosticsResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, 2, d.CredentialCount)
	assert.Equal(t, 0, d.CurrentCredentialIndex)
	assert.Equal(t, []string{"m1", "m2"}, d.Models)

	// 探测会触发一次轮换
	w = doJSON(engine, "POST", "/v1/diagnostics/check", nil)
	require.Equal(t, 200, w.Code)
	var check models.CheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.Equal(t, "success", check.Status)

	w = doJSON(engine, "GET", "/v1/diagnostics", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &d))
	assert.Equal(t, 1, d.CurrentCredentialIndex)
}

func TestHandleCheck_Error(t *testing.T) {
	_, engine := newTestApp(t, nil, &fakeGenerator{})

	w := doJSON(engine, "POST", "/v1/diagnostics/check", nil)
	require.Equal(t, 200, w.Code)
	var check models.CheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &check))
	assert.Equal(t, "error", check.Status)
	assert.Equal(t, core.ErrNoCredentials.Error(), check.Error)
}

// blockingGenerator 在 release 关闭前阻塞，started 通知第一次调用已开始
type blockingGenerator struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
	mu      sync.Mutex
	n       int
}

func (g *blockingGenerator) Generate(ctx context.Context, model, key string, p models.GeneratePayload) (string, error) {
	g.mu.Lock()
	g.n++
	g.mu.Unlock()
	g.once.Do(func() { close(g.started) })
	select {
	case <-g.release:
		return "مَرْحَبًا", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (g *blockingGenerator) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func TestHandleCheck_SharedProbeSurvivesCallerCancel(t *testing.T) {
	gen := &blockingGenerator{started: make(chan struct{}), release: make(chan struct{})}
	_, engine := newTestApp(t, []string{"k1"}, gen)

	check := func(ctx context.Context) models.CheckResponse {
		req := httptest.NewRequest("POST", "/v1/diagnostics/check", nil).WithContext(ctx)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		var resp models.CheckResponse
		_ = json.Unmarshal(w.Body.Bytes(), &resp)
		return resp
	}

	// 1. 第一个调用方发起探测，阻塞在上游
	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan models.CheckResponse, 1)
	go func() { firstDone <- check(firstCtx) }()
	<-gen.started

	// 2. 第二个调用方加入同一次探测
	secondDone := make(chan models.CheckResponse, 1)
	go func() { secondDone <- check(context.Background()) }()
	time.Sleep(50 * time.Millisecond)

	// 3. 第一个调用方断开，只影响它自己
	cancelFirst()
	first := <-firstDone
	assert.Equal(t, "error", first.Status)
	assert.Contains(t, first.Error, "request cancelled")

	// 4. 上游返回后，第二个调用方拿到成功结果
	close(gen.release)
	select {
	case second := <-secondDone:
		assert.Equal(t, "success", second.Status, second.Error)
	case <-time.After(5 * time.Second):
		t.Fatal("second caller did not receive the shared result")
	}
	assert.Equal(t, 1, gen.calls())
}

func TestHandleHistory_ListAndClear(t *testing.T) {
	gen := &fakeGenerator{output: "ok"}
	_, engine := newTestApp(t, []string{"k1"}, gen)

	for i := 0; i < 3; i++ {
		w := doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: fmt.Sprintf("t%d", i)})
		require.Equal(t, 200, w.Code)
	}

	w := doJSON(engine, "GET", "/v1/history?limit=2", nil)
	require.Equal(t, 200, w.Code)
	var hist models.HistoryResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 2, hist.Count)
	assert.Equal(t, "t2", hist.Items[0].Input)

	w = doJSON(engine, "GET", "/v1/history?limit=abc", nil)
	assert.Equal(t, 400, w.Code)

	w = doJSON(engine, "DELETE", "/v1/history", nil)
	assert.Equal(t, 204, w.Code)

	w = doJSON(engine, "GET", "/v1/history", nil)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &hist))
	assert.Equal(t, 0, hist.Count)
	assert.NotNil(t, hist.Items)
}

func TestHandleStats(t *testing.T) {
	gen := &fakeGenerator{byKey: map[string]error{"k1": errors.New("429 quota")}, output: "ok"}
	a, engine := newTestApp(t, []string{"k1", "k2"}, gen)

	w := doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: "نص"})
	require.Equal(t, 200, w.Code)

	// 关闭后台 Worker，确保统计已落库
	a.attempts.Close()

	w = doJSON(engine, "GET", "/v1/stats", nil)
	require.Equal(t, 200, w.Code)
	var body struct {
		Models []models.ModelStatsView `json:"models"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Models, 1)
	assert.Equal(t, "m1", body.Models[0].Model)
	assert.Equal(t, 1, body.Models[0].Success)
	assert.Equal(t, 1, body.Models[0].QuotaErrors)
	assert.Equal(t, int64(2), body.Models[0].TotalRequests)
}

func TestHealthAndMetrics(t *testing.T) {
	_, engine := newTestApp(t, []string{"k1", "k2", "k3"}, &fakeGenerator{output: "ok"})

	w := doJSON(engine, "GET", "/health", nil)
	require.Equal(t, 200, w.Code)
	var health models.HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, 3, health.CredentialCount)

	w = doJSON(engine, "POST", "/v1/tashkeel", models.RestoreRequest{Text: "نص"})
	require.Equal(t, 200, w.Code)

	w = doJSON(engine, "GET", "/metrics", nil)
	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "tashkeel_operation_duration_seconds")
	assert.Contains(t, w.Body.String(), "tashkeel_input_chars")
}

func TestWriteGatewayError_Cancelled(t *testing.T) {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	log := logrus.New()
	log.SetOutput(io.Discard)

	writeGatewayError(c, log, fmt.Errorf("request cancelled: %w", context.Canceled))
	assert.Equal(t, http.StatusRequestTimeout, w.Code)
	assert.Contains(t, w.Body.String(), "request_cancelled")

	w = httptest.NewRecorder()
	c, _ = gin.CreateTestContext(w)
	writeGatewayError(c, log, errors.New("boom"))
	assert.Equal(t, 500, w.Code)
}
