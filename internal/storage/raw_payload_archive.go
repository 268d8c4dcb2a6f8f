// internal/storage/raw_payload_archive.go
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// RawPayloadArchive 保存无法解析的模型原始输出，便于排查
type RawPayloadArchive struct {
	BaseDir string

	// 文件级别锁 path -> *sync.RWMutex
	fileLocks sync.Map
	now       func() time.Time
}

// NewRawPayloadArchive 创建归档目录
func NewRawPayloadArchive(baseDir string) (*RawPayloadArchive, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("create raw payload dir: %w", err)
	}
	return &RawPayloadArchive{BaseDir: baseDir, now: time.Now}, nil
}

func (a *RawPayloadArchive) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := a.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

func sanitizeSegment(s string) string {
	s = unsafeNameChars.ReplaceAllString(s, "_")
	if s == "" {
		return "unknown"
	}
	return s
}

// Archive writes raw under <base>/<project>/ and returns the file name.
func (a *RawPayloadArchive) Archive(projectID, purpose, raw string) (string, error) {
	dir := filepath.Join(a.BaseDir, sanitizeSegment(projectID))
	name := fmt.Sprintf("%s-%s-%s.txt",
		a.now().UTC().Format("20060102T150405.000"),
		sanitizeSegment(purpose),
		uuid.NewString()[:8])
	fullPath := filepath.Join(dir, name)

	lock := a.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create archive dir: %w", err)
	}

	// 原子写入
	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, []byte(raw), 0644); err != nil {
		return "", fmt.Errorf("write temp payload: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		os.Remove(tempPath)
		return "", fmt.Errorf("rename payload: %w", err)
	}

	return name, nil
}

// List returns archived file names for a project, oldest first.
func (a *RawPayloadArchive) List(projectID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(a.BaseDir, sanitizeSegment(projectID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".txt") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Load 读取一个归档文件
func (a *RawPayloadArchive) Load(projectID, name string) ([]byte, error) {
	if name != filepath.Base(name) {
		return nil, fmt.Errorf("invalid payload name %q", name)
	}
	fullPath := filepath.Join(a.BaseDir, sanitizeSegment(projectID), name)

	lock := a.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	return os.ReadFile(fullPath)
}

// Prune keeps the newest keep payloads for a project and removes the rest.
func (a *RawPayloadArchive) Prune(projectID string, keep int) (int, error) {
	names, err := a.List(projectID)
	if err != nil || len(names) <= keep {
		return 0, err
	}

	removed := 0
	for _, name := range names[:len(names)-keep] {
		fullPath := filepath.Join(a.BaseDir, sanitizeSegment(projectID), name)
		lock := a.getFileLock(fullPath)
		lock.Lock()
		err := os.Remove(fullPath)
		lock.Unlock()
		a.fileLocks.Delete(fullPath)
		if err != nil && !os.IsNotExist(err) {
			return removed, err
		}
		removed++
	}
	return removed, nil
}
