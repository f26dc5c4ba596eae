package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

const defaultJobTimeout = time.Minute

// DefaultJobScheduler 基于 robfig/cron 的任务调度器。
// 同一个任务不会并发执行，上一次未结束时本次触发会被跳过。
type DefaultJobScheduler struct {
	cron    *cron.Cron
	jobs    map[string]*Job
	mu      sync.RWMutex
	logger  *logrus.Entry
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// NewJobScheduler 创建新的任务调度器
func NewJobScheduler(logger *logrus.Entry) *DefaultJobScheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &DefaultJobScheduler{
		cron:   cron.New(cron.WithSeconds()),
		jobs:   make(map[string]*Job),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start 启动调度器
func (s *DefaultJobScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return fmt.Errorf("调度器已停止")
	}
	if s.started {
		return nil
	}

	s.cron.Start()
	s.started = true
	s.logger.WithField("jobs", len(s.jobs)).Debug("任务调度器已启动")

	s.updateNextRunTimes()
	return nil
}

// Stop 停止调度器
func (s *DefaultJobScheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	for _, job := range s.jobs {
		if job.Status != JobStatusRunning {
			job.Status = JobStatusStopped
		}
	}
	s.mu.Unlock()

	s.cancel()
	done := s.cron.Stop()

	// 等待所有任务完成，不能持有锁，否则正在运行的任务无法更新状态
	select {
	case <-done.Done():
		s.logger.Debug("任务调度器已停止")
		return nil
	case <-ctx.Done():
		s.logger.Warn("任务调度器停止超时")
		return ctx.Err()
	}
}

// AddJob 添加任务
func (s *DefaultJobScheduler) AddJob(config JobConfig, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.validateJobConfig(config); err != nil {
		return err
	}
	if fn == nil {
		return fmt.Errorf("任务函数不能为空: %s", config.Name)
	}

	return s.addJobInternal(config, fn)
}

// RemoveJob 移除任务
func (s *DefaultJobScheduler) RemoveJob(jobName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return fmt.Errorf("任务不存在: %s", jobName)
	}

	s.cron.Remove(job.EntryID)
	delete(s.jobs, jobName)

	s.logger.Debugf("任务已移除: %s", jobName)
	return nil
}

// GetJob 获取任务状态
func (s *DefaultJobScheduler) GetJob(jobName string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[jobName]
	if !exists {
		return nil, fmt.Errorf("任务不存在: %s", jobName)
	}

	// 创建副本避免并发修改
	jobCopy := *job
	return &jobCopy, nil
}

// GetAllJobs 获取所有任务，按名称排序
func (s *DefaultJobScheduler) GetAllJobs() []*Job {
	s.mu.RLock()
	defer s.mu.RUnlock()

	jobs := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		jobCopy := *job
		jobs = append(jobs, &jobCopy)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].Config.Name < jobs[j].Config.Name })

	return jobs
}

// RunJob 在当前协程中手动执行一次任务并返回其结果。
// 任务正在运行时返回 ErrJobRunning。
func (s *DefaultJobScheduler) RunJob(jobName string) error {
	s.mu.RLock()
	job, exists := s.jobs[jobName]
	s.mu.RUnlock()

	if !exists {
		return fmt.Errorf("任务不存在: %s", jobName)
	}

	if !job.Config.Enabled {
		return fmt.Errorf("任务已禁用: %s", jobName)
	}

	return s.executeJob(job)
}

// validateJobConfig 验证任务配置
func (s *DefaultJobScheduler) validateJobConfig(config JobConfig) error {
	if config.Name == "" {
		return fmt.Errorf("任务名称不能为空")
	}

	if config.Schedule == "" {
		return fmt.Errorf("任务调度表达式不能为空")
	}

	// 支持秒级调度和 @every 描述符
	parser := cron.NewParser(cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(config.Schedule); err != nil {
		return fmt.Errorf("无效的调度表达式 '%s': %w", config.Schedule, err)
	}

	if config.Timeout < 0 {
		return fmt.Errorf("任务超时不能为负数: %s", config.Name)
	}

	return nil
}

// addJobInternal 内部添加任务方法（需要持有锁）
func (s *DefaultJobScheduler) addJobInternal(config JobConfig, fn JobFunc) error {
	if _, exists := s.jobs[config.Name]; exists {
		return fmt.Errorf("任务已存在: %s", config.Name)
	}

	job := &Job{
		ID:     uuid.New().String(),
		Config: config,
		Status: JobStatusPending,
		fn:     fn,
	}

	if !config.Enabled {
		job.Status = JobStatusDisabled
		s.jobs[config.Name] = job
		s.logger.Debugf("任务已添加（已禁用）: %s", config.Name)
		return nil
	}

	entryID, err := s.cron.AddFunc(config.Schedule, func() {
		if err := s.executeJob(job); err != nil && !errors.Is(err, ErrJobRunning) {
			s.logger.WithError(err).Warnf("任务执行失败: %s", job.Config.Name)
		}
	})
	if err != nil {
		return fmt.Errorf("添加任务到调度器失败: %w", err)
	}

	job.EntryID = entryID
	s.jobs[config.Name] = job

	s.logger.Debugf("任务已添加: %s (调度: %s)", config.Name, config.Schedule)
	return nil
}

// executeJob 执行任务
func (s *DefaultJobScheduler) executeJob(job *Job) error {
	s.mu.Lock()
	if job.Status == JobStatusRunning {
		job.SkipCount++
		s.mu.Unlock()
		s.logger.Debugf("任务正在运行，跳过本次执行: %s", job.Config.Name)
		return ErrJobRunning
	}
	job.Status = JobStatusRunning
	now := time.Now()
	job.LastRun = &now
	job.RunCount++
	s.mu.Unlock()

	timeout := job.Config.Timeout
	if timeout == 0 {
		timeout = defaultJobTimeout
	}
	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	err := job.fn(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		job.Status = JobStatusError
		job.LastError = err
		job.ErrorCount++
	} else {
		job.Status = JobStatusPending
		job.LastError = nil
	}
	if s.stopped {
		job.Status = JobStatusStopped
	}
	if entry := s.cron.Entry(job.EntryID); entry.Valid() {
		next := entry.Next
		job.NextRun = &next
	}
	return err
}

// updateNextRunTimes 更新所有任务的下次运行时间
func (s *DefaultJobScheduler) updateNextRunTimes() {
	entries := s.cron.Entries()
	for _, job := range s.jobs {
		if job.Config.Enabled {
			for _, entry := range entries {
				if entry.ID == job.EntryID {
					nextRun := entry.Next
					job.NextRun = &nextRun
					break
				}
			}
		}
	}
}

var _ JobScheduler = (*DefaultJobScheduler)(nil)
