// internal/services/progress_service.go
package services

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
)

// ProgressUpdate 表示进度更新
type ProgressUpdate struct {
	TaskID   string `json:"task_id"`
	Kind     string `json:"kind"`
	Progress int    `json:"progress"` // 0-100
	Message  string `json:"message"`
	Status   string `json:"status"` // running, completed, failed
}

// ProgressTracker 跟踪长时间运行任务的进度
type ProgressTracker struct {
	TaskID     string
	ProjectID  string
	Kind       string
	Progress   int
	Message    string
	Status     string
	StartTime  time.Time
	UpdateTime time.Time
	Done       chan struct{}

	subscribers map[chan ProgressUpdate]bool
	publisher   EventPublisher
	mutex       sync.Mutex
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers  map[string]*ProgressTracker
	publisher EventPublisher
	mutex     sync.RWMutex
}

// NewProgressService 创建进度服务实例，publisher 可为 nil
func NewProgressService(publisher EventPublisher) *ProgressService {
	if publisher == nil {
		publisher = noopPublisher{}
	}
	return &ProgressService{
		trackers:  make(map[string]*ProgressTracker),
		publisher: publisher,
	}
}

// StartTask 为项目上的一个长任务创建跟踪器
func (s *ProgressService) StartTask(projectID, kind string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	tracker := &ProgressTracker{
		TaskID:      uuid.New().String(),
		ProjectID:   projectID,
		Kind:        kind,
		Message:     "queued",
		Status:      TaskRunning,
		StartTime:   now,
		UpdateTime:  now,
		Done:        make(chan struct{}),
		subscribers: make(map[chan ProgressUpdate]bool),
		publisher:   s.publisher,
	}
	s.trackers[tracker.TaskID] = tracker
	return tracker
}

// GetTracker 获取进度跟踪器
func (s *ProgressService) GetTracker(taskID string) (*ProgressTracker, bool) {
	s.mutex.RLock()
	defer s.mutex.RUnlock()

	tracker, exists := s.trackers[taskID]
	return tracker, exists
}

// Snapshot 返回当前状态
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshotLocked()
}

func (t *ProgressTracker) snapshotLocked() ProgressUpdate {
	return ProgressUpdate{
		TaskID:   t.TaskID,
		Kind:     t.Kind,
		Progress: t.Progress,
		Message:  t.Message,
		Status:   t.Status,
	}
}

// broadcastLocked 非阻塞通知订阅者并推送项目事件
func (t *ProgressTracker) broadcastLocked() {
	update := t.snapshotLocked()
	for subscriber := range t.subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
	t.publisher.Publish(t.ProjectID, newEvent(EventTaskProgress, t.ProjectID, map[string]interface{}{
		"task_id":  update.TaskID,
		"kind":     update.Kind,
		"progress": update.Progress,
		"message":  update.Message,
		"status":   update.Status,
	}))
}

// UpdateProgress 更新任务进度，进度只增不减
func (t *ProgressTracker) UpdateProgress(progress int, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TaskRunning {
		return
	}
	if progress > 100 {
		progress = 100
	}
	if progress > t.Progress {
		t.Progress = progress
	}
	if message != "" {
		t.Message = message
	}
	t.UpdateTime = time.Now()
	t.broadcastLocked()
}

// Complete 标记任务完成，重复调用无效果
func (t *ProgressTracker) Complete(message string) {
	t.finish(TaskCompleted, message)
}

// Fail 标记任务失败，重复调用无效果
func (t *ProgressTracker) Fail(errorMsg string) {
	t.finish(TaskFailed, fmt.Sprintf("task failed: %s", errorMsg))
}

func (t *ProgressTracker) finish(status, message string) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.Status != TaskRunning {
		return
	}
	if status == TaskCompleted {
		t.Progress = 100
		if message == "" {
			message = "done"
		}
	}
	t.Message = message
	t.Status = status
	t.UpdateTime = time.Now()
	t.broadcastLocked()
	close(t.Done)
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 10)
	t.subscribers[subscriber] = true
	subscriber <- t.snapshotLocked()
	return subscriber
}

// Unsubscribe 取消订阅
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if t.subscribers[subscriber] {
		delete(t.subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupCompletedTasks 清理已结束且超过 maxAge 的任务
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	now := time.Now()
	removed := 0
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		finished := tracker.Status != TaskRunning
		isOld := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if finished && isOld {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
