// internal/services/events.go
package services

import "time"

// EventType 推送给客户端的事件类型
type EventType string

const (
	EventPhaseChanged       EventType = "phase_changed"
	EventCandidateCompleted EventType = "candidate_completed"
	EventCandidateFailed    EventType = "candidate_failed"
	EventChapterPersisted   EventType = "chapter_persisted"
	EventOutlineProgress    EventType = "outline_progress"
	EventTaskProgress       EventType = "task_progress"
)

// Event 项目范围内的实时事件
type Event struct {
	Type      EventType              `json:"type"`
	ProjectID string                 `json:"project_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// EventPublisher fans events out to whoever watches a project.
// Publish must not block the caller.
type EventPublisher interface {
	Publish(projectID string, event Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(string, Event) {}

func newEvent(t EventType, projectID string, data map[string]interface{}) Event {
	return Event{Type: t, ProjectID: projectID, Data: data, Timestamp: time.Now()}
}
