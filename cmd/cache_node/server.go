package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"tiercache/pkg/cache"
	"tiercache/pkg/metrics"
	"tiercache/pkg/storage"
)

const maxValueBytes = 8 << 20

// ErrorResponse 错误响应
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	cache.HealthReport
	Instance string                `json:"instance"`
	Breaker  *storage.BreakerStats `json:"breaker,omitempty"`
}

// BatchGetRequest 批量读取请求
type BatchGetRequest struct {
	Keys []string `json:"keys" binding:"required"`
}

// AdminServer 缓存节点的管理接口
type AdminServer struct {
	cache   *cache.TieredCache
	breaker *storage.BreakerStore
	prom    *metrics.PrometheusObserver
	logger  *logrus.Entry
	server  *http.Server
}

// NewAdminServer 创建管理接口，breaker 和 prom 可以为 nil
func NewAdminServer(c *cache.TieredCache, breaker *storage.BreakerStore, prom *metrics.PrometheusObserver, logger *logrus.Entry) *AdminServer {
	return &AdminServer{
		cache:   c,
		breaker: breaker,
		prom:    prom,
		logger:  logger,
	}
}

// Router 构建路由
func (s *AdminServer) Router() *gin.Engine {
	router := gin.New()

	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(s.corsMiddleware())

	router.GET("/health", s.healthCheck)
	router.GET("/stats", s.getStats)
	if s.prom != nil {
		router.GET("/metrics", gin.WrapH(s.prom.Handler()))
	}

	router.GET("/cache/:key", s.getEntry)
	router.PUT("/cache/:key", s.putEntry)
	router.DELETE("/cache/:key", s.deleteEntry)
	router.DELETE("/cache", s.clear)
	router.POST("/batch/get", s.batchGet)
	router.POST("/tags/:tag/invalidate", s.invalidateTag)

	return router
}

// Start 在后台协程中启动 HTTP 服务
func (s *AdminServer) Start(port string) {
	s.server = &http.Server{
		Addr:              ":" + port,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.logger.WithField("port", port).Info("管理接口启动")

	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Fatal("管理接口启动失败")
		}
	}()
}

// Stop 优雅关闭 HTTP 服务
func (s *AdminServer) Stop(ctx context.Context) {
	if s.server == nil {
		return
	}
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.WithError(err).Error("管理接口关闭失败")
	}
}

func (s *AdminServer) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

func (s *AdminServer) healthCheck(c *gin.Context) {
	resp := HealthResponse{
		HealthReport: s.cache.HealthCheck(),
		Instance:     s.cache.InstanceID(),
	}
	if s.breaker != nil {
		stats := s.breaker.Stats()
		resp.Breaker = &stats
	}

	status := http.StatusOK
	if resp.Status == cache.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}

func (s *AdminServer) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.cache.Stats())
}

func (s *AdminServer) getEntry(c *gin.Context) {
	key := c.Param("key")

	raw, err := s.cache.GetRaw(c.Request.Context(), key)
	if err != nil {
		if cache.IsMiss(err) {
			c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "key not found"})
			return
		}
		s.logger.WithError(err).WithField("key", key).Error("读取缓存失败")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}

	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

// putEntry 写入请求体中的 JSON。查询参数 ttl、tags（逗号分隔）、priority、version 可选。
func (s *AdminServer) putEntry(c *gin.Context) {
	key := c.Param("key")

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxValueBytes)
	body, err := c.GetRawData()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: "too_large", Message: "value exceeds 8MB"})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "failed to read body"})
		return
	}
	if !json.Valid(body) {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: "body must be valid JSON"})
		return
	}

	opts, err := setOptionsFromQuery(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}

	if err := s.cache.Set(c.Request.Context(), key, json.RawMessage(body), opts...); err != nil {
		s.logger.WithError(err).WithField("key", key).Error("写入缓存失败")
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal_error", Message: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

func setOptionsFromQuery(c *gin.Context) ([]cache.SetOption, error) {
	var opts []cache.SetOption

	if v := c.Query("ttl"); v != "" {
		ttl, err := time.ParseDuration(v)
		if err != nil || ttl <= 0 {
			return nil, errors.New("invalid ttl: " + v)
		}
		opts = append(opts, cache.WithTTL(ttl))
	}
	if v := c.Query("tags"); v != "" {
		tags := make([]string, 0)
		for _, tag := range strings.Split(v, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				tags = append(tags, tag)
			}
		}
		opts = append(opts, cache.WithTags(tags...))
	}
	if v := c.Query("priority"); v != "" {
		p := cache.Priority(v)
		if !p.Valid() {
			return nil, errors.New("invalid priority: " + v)
		}
		opts = append(opts, cache.WithPriority(p))
	}
	if v := c.Query("version"); v != "" {
		version, err := strconv.ParseInt(v, 10, 64)
		if err != nil || version <= 0 {
			return nil, errors.New("invalid version: " + v)
		}
		opts = append(opts, cache.WithVersion(version))
	}
	return opts, nil
}

func (s *AdminServer) deleteEntry(c *gin.Context) {
	if !s.cache.Delete(c.Request.Context(), c.Param("key")) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "key not found"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *AdminServer) clear(c *gin.Context) {
	s.cache.Clear(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (s *AdminServer) batchGet(c *gin.Context) {
	var req BatchGetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error()})
		return
	}
	c.JSON(http.StatusOK, s.cache.GetBatch(c.Request.Context(), req.Keys))
}

func (s *AdminServer) invalidateTag(c *gin.Context) {
	tag := c.Param("tag")
	removed := s.cache.InvalidateByTag(c.Request.Context(), tag)
	c.JSON(http.StatusOK, gin.H{"tag": tag, "removed": removed})
}
