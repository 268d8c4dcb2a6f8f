// internal/services/lock_manager.go
package services

import (
	"sync"
	"time"
)

// LockManager 按项目维护两把锁：
// 项目读写锁隔离级联删除与生成调用，阶段锁串行化阶段写入。
// 获取顺序固定为先项目锁后阶段锁。
type LockManager struct {
	projectLocks  map[string]*LockInfo
	globalLock    sync.Mutex
	lockTTL       time.Duration
	cleanupTicker *time.Ticker
	done          chan struct{}
	stopOnce      sync.Once
}

// LockInfo 包装锁和相关信息
type LockInfo struct {
	Project  sync.RWMutex
	Phase    sync.Mutex
	LastUsed time.Time
	// 当前持有或等待的调用数，非零时不会被清理
	ReferenceCount int32
}

// NewLockManager 创建锁管理器
func NewLockManager() *LockManager {
	lm := &LockManager{
		projectLocks: make(map[string]*LockInfo),
		lockTTL:      30 * time.Minute,
		done:         make(chan struct{}),
	}
	lm.startCleanup(5 * time.Minute)
	return lm
}

func (lm *LockManager) acquire(projectID string) *LockInfo {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	info, exists := lm.projectLocks[projectID]
	if !exists {
		info = &LockInfo{}
		lm.projectLocks[projectID] = info
	}
	info.ReferenceCount++
	info.LastUsed = time.Now()
	return info
}

func (lm *LockManager) release(info *LockInfo) {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	info.ReferenceCount--
	info.LastUsed = time.Now()
}

// ExecuteWithProjectLock 独占项目，用于级联删除与阶段回退
func (lm *LockManager) ExecuteWithProjectLock(projectID string, fn func() error) error {
	info := lm.acquire(projectID)
	defer lm.release(info)

	info.Project.Lock()
	defer info.Project.Unlock()
	return fn()
}

// ExecuteWithProjectReadLock 共享项目，生成、重试、评审并发持有
func (lm *LockManager) ExecuteWithProjectReadLock(projectID string, fn func() error) error {
	info := lm.acquire(projectID)
	defer lm.release(info)

	info.Project.RLock()
	defer info.Project.RUnlock()
	return fn()
}

// ExecuteWithPhaseLock 串行化同一项目的阶段读改写
func (lm *LockManager) ExecuteWithPhaseLock(projectID string, fn func() error) error {
	info := lm.acquire(projectID)
	defer lm.release(info)

	info.Phase.Lock()
	defer info.Phase.Unlock()
	return fn()
}

// Stop 停止后台清理
func (lm *LockManager) Stop() {
	lm.stopOnce.Do(func() {
		close(lm.done)
		if lm.cleanupTicker != nil {
			lm.cleanupTicker.Stop()
		}
	})
}

func (lm *LockManager) startCleanup(interval time.Duration) {
	lm.cleanupTicker = time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-lm.cleanupTicker.C:
				lm.cleanupUnusedLocks(time.Now())
			case <-lm.done:
				return
			}
		}
	}()
}

func (lm *LockManager) cleanupUnusedLocks(now time.Time) int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()

	removed := 0
	for projectID, info := range lm.projectLocks {
		if info.ReferenceCount == 0 && now.Sub(info.LastUsed) > lm.lockTTL {
			delete(lm.projectLocks, projectID)
			removed++
		}
	}
	return removed
}

// Size 当前跟踪的项目锁数量
func (lm *LockManager) Size() int {
	lm.globalLock.Lock()
	defer lm.globalLock.Unlock()
	return len(lm.projectLocks)
}
