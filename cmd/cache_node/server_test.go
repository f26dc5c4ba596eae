package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tiercache/pkg/cache"
	"tiercache/pkg/logger"
	"tiercache/pkg/metrics"
	"tiercache/pkg/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	store   *storage.MemoryStore
	breaker *storage.BreakerStore
	cache   *cache.TieredCache
	router  *gin.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewMemoryStore(storage.MemoryStoreConfig{})
	breaker := storage.NewBreakerStore(store, storage.DefaultBreakerConfig(), logger.Discard("breaker_store"))
	prom := metrics.NewPrometheusObserver("tiercache")

	opts := cache.DefaultOptions()
	opts.Namespace = "admin"
	opts.SweepInterval = time.Hour
	opts.MetricsInterval = time.Hour
	opts.BroadcastInterval = time.Hour

	c, err := cache.New(breaker, opts, cache.WithLogger(logger.Discard("tiered_cache")), cache.WithObserver(prom))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	server := NewAdminServer(c, breaker, prom, logger.Discard("admin_server"))
	return &testEnv{store: store, breaker: breaker, cache: c, router: server.Router()}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// 测试写入、读取和删除
func TestAdminServer_EntryLifecycle(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/cache/u1?ttl=1m&tags=user,vip&priority=high", `{"name":"alice","age":30}`)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodGet, "/cache/u1", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"name":"alice","age":30}`, w.Body.String())

	w = env.do(http.MethodDelete, "/cache/u1", "")
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = env.do(http.MethodGet, "/cache/u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(http.MethodDelete, "/cache/u1", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

// 测试 version 查询参数写入远程记录
func TestAdminServer_PutWithVersion(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/cache/v?version=42", `"payload"`)
	require.Equal(t, http.StatusNoContent, w.Code)

	data, err := env.store.Get(context.Background(), "admin:d:v")
	require.NoError(t, err)
	var record struct {
		Version int64 `json:"version"`
	}
	require.NoError(t, json.Unmarshal(data, &record))
	assert.Equal(t, int64(42), record.Version)
}

// 测试超出大小限制的请求体在读取时被拒绝
func TestAdminServer_PutTooLarge(t *testing.T) {
	env := newTestEnv(t)

	body := `"` + strings.Repeat("a", maxValueBytes) + `"`
	w := env.do(http.MethodPut, "/cache/big", body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "too_large", resp.Error)
	assert.Equal(t, int64(0), env.cache.Stats().Sets)
}

// 测试无效请求
func TestAdminServer_BadRequests(t *testing.T) {
	env := newTestEnv(t)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"非法JSON", "/cache/k", `{not json`},
		{"非法TTL", "/cache/k?ttl=soon", `1`},
		{"负TTL", "/cache/k?ttl=-1s", `1`},
		{"非法优先级", "/cache/k?priority=urgent", `1`},
		{"非法版本", "/cache/k?version=v2", `1`},
		{"零版本", "/cache/k?version=0", `1`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPut, tt.path, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "bad_request", resp.Error)
		})
	}
	assert.Equal(t, int64(0), env.cache.Stats().Sets)
}

// 测试标签失效接口
func TestAdminServer_InvalidateTag(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPut, "/cache/u1?tags=user", `"a"`)
	env.do(http.MethodPut, "/cache/u2?tags=user", `"b"`)
	env.do(http.MethodPut, "/cache/p1?tags=project", `"c"`)

	w := env.do(http.MethodPost, "/tags/user/invalidate", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"tag":"user","removed":2}`, w.Body.String())

	assert.Equal(t, http.StatusNotFound, env.do(http.MethodGet, "/cache/u1", "").Code)
	assert.Equal(t, http.StatusOK, env.do(http.MethodGet, "/cache/p1", "").Code)
}

// 测试批量读取
func TestAdminServer_BatchGet(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPut, "/cache/a", `1`)
	env.do(http.MethodPut, "/cache/b", `{"x":2}`)

	w := env.do(http.MethodPost, "/batch/get", `{"keys":["a","b","missing"]}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"a":1,"b":{"x":2}}`, w.Body.String())

	w = env.do(http.MethodPost, "/batch/get", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// 测试健康检查和统计
func TestAdminServer_HealthAndStats(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, cache.HealthHealthy, health.Status)
	assert.Equal(t, env.cache.InstanceID(), health.Instance)
	require.NotNil(t, health.Breaker)
	assert.Equal(t, "closed", health.Breaker.State)

	env.do(http.MethodPut, "/cache/k", `"v"`)
	env.do(http.MethodGet, "/cache/k", "")

	w = env.do(http.MethodGet, "/stats", "")
	require.Equal(t, http.StatusOK, w.Code)
	var stats cache.Stats
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, int64(1), stats.Sets)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, 1, stats.Entries)
}

// 测试远程存储持续失败时健康检查返回 503
func TestAdminServer_Unhealthy(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailWith(errors.New("connection refused"))

	for i := 0; i < 12; i++ {
		_, _ = env.cache.GetRaw(context.Background(), "absent")
	}

	w := env.do(http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &health))
	assert.Equal(t, cache.HealthUnhealthy, health.Status)
	assert.Equal(t, "open", health.Breaker.State)
}

// 测试指标接口
func TestAdminServer_Metrics(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPut, "/cache/k", `"v"`)
	env.do(http.MethodGet, "/cache/k", "")
	env.cache.RefreshMetrics()

	w := env.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `tiercache_events_total{event="cache:hit",source="local"} 1`)
	assert.Contains(t, w.Body.String(), "tiercache_entries 1")
}

// 测试清空和跨域预检
func TestAdminServer_ClearAndCORS(t *testing.T) {
	env := newTestEnv(t)

	env.do(http.MethodPut, "/cache/k", `"v"`)
	assert.Equal(t, http.StatusNoContent, env.do(http.MethodDelete, "/cache", "").Code)
	assert.Equal(t, 0, env.cache.Stats().Entries)
	assert.Empty(t, env.store.Keys())

	w := env.do(http.MethodOptions, "/cache/k", "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
