package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrJobRunning 任务仍在运行，本次执行被跳过
var ErrJobRunning = errors.New("任务正在运行")

// JobFunc 周期任务的执行函数
type JobFunc func(ctx context.Context) error

// JobConfig 定义单个任务的配置
type JobConfig struct {
	Name     string        `yaml:"name" json:"name"`
	Enabled  bool          `yaml:"enabled" json:"enabled"`
	Schedule string        `yaml:"schedule" json:"schedule"` // cron 表达式或 "@every 30s" 形式的描述符
	Timeout  time.Duration `yaml:"timeout" json:"timeout"`   // 单次执行超时，0 表示使用默认值
}

// Every 返回固定间隔的调度表达式。cron 的最小粒度为 1 秒，更短的间隔会被向上取整。
func Every(interval time.Duration) string {
	return "@every " + interval.String()
}

// Job 表示一个已注册的任务
type Job struct {
	ID         string
	Config     JobConfig
	EntryID    cron.EntryID
	Status     JobStatus
	LastRun    *time.Time
	NextRun    *time.Time
	RunCount   int64
	SkipCount  int64
	ErrorCount int64
	LastError  error

	fn JobFunc
}

// JobStatus 任务状态
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusStopped  JobStatus = "stopped"
	JobStatusError    JobStatus = "error"
	JobStatusDisabled JobStatus = "disabled"
)

// JobScheduler 任务调度器接口
type JobScheduler interface {
	// 启动调度器
	Start() error

	// 停止调度器，等待正在执行的任务结束或 ctx 到期
	Stop(ctx context.Context) error

	// 添加任务
	AddJob(config JobConfig, fn JobFunc) error

	// 移除任务
	RemoveJob(jobName string) error

	// 获取任务状态
	GetJob(jobName string) (*Job, error)

	// 获取所有任务
	GetAllJobs() []*Job

	// 手动执行任务
	RunJob(jobName string) error
}
