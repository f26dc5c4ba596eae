package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"tiercache/pkg/config"
	"tiercache/pkg/logger"
)

var (
	configPath = flag.String("config", "", "配置文件路径 (例如 /app/config/tiercache.yaml)")
	storeKind  = flag.String("store", StoreRedis, "远程存储类型 (redis, memory)")
	redisAddr  = flag.String("redis", "", "Redis 地址，格式 host:port")
	redisPass  = flag.String("redis-pass", "", "Redis 密码")
	port       = flag.String("port", "", "管理接口端口")
	logLevel   = flag.String("log-level", "", "日志级别 (debug, info, warn, error)")
	logFormat  = flag.String("log-format", "", "日志格式 (json or text)")
)

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "加载配置失败: %v\n", err)
		os.Exit(1)
	}

	logger.Init(logger.Config{Level: cfg.Logger.Level, Format: cfg.Logger.Format})
	log := logger.WithComponent("cache_node")

	gin.SetMode(cfg.Server.Mode)

	node, err := NewNode(cfg, *storeKind, log)
	if err != nil {
		log.WithError(err).Fatal("创建缓存节点失败")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = node.Start(ctx)
	cancel()
	if err != nil {
		log.WithError(err).Fatal("启动缓存节点失败")
	}

	log.WithFields(map[string]interface{}{
		"namespace": cfg.Cache.Namespace,
		"store":     *storeKind,
		"port":      cfg.Server.Port,
	}).Info("缓存节点已启动")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("正在关闭缓存节点...")
	ctx, cancel = context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := node.Stop(ctx); err != nil {
		log.WithError(err).Error("关闭缓存节点时出错")
	}
}

// loadConfig 读取配置文件和环境变量，命令行参数优先
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, err
	}

	if *redisAddr != "" {
		cfg.Redis.Addr = *redisAddr
	}
	if *redisPass != "" {
		cfg.Redis.Password = *redisPass
	}
	if *port != "" {
		cfg.Server.Port = *port
	}
	if *logLevel != "" {
		cfg.Logger.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logger.Format = *logFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
