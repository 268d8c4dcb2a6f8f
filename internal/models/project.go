// internal/models/project.go
package models

import (
	"time"
)

// ProjectPhase 项目所处的工作流阶段
type ProjectPhase string

const (
	PhaseDraft                ProjectPhase = "draft"
	PhaseBlueprintReady       ProjectPhase = "blueprint_ready"
	PhasePartOutlinesReady    ProjectPhase = "part_outlines_ready"
	PhaseChapterOutlinesReady ProjectPhase = "chapter_outlines_ready"
	PhaseWriting              ProjectPhase = "writing"
	PhaseCompleted            ProjectPhase = "completed"
)

// AllPhases lists every phase in pipeline order.
var AllPhases = []ProjectPhase{
	PhaseDraft,
	PhaseBlueprintReady,
	PhasePartOutlinesReady,
	PhaseChapterOutlinesReady,
	PhaseWriting,
	PhaseCompleted,
}

// Rank returns the position of the phase in the pipeline, or -1 when unknown.
func (p ProjectPhase) Rank() int {
	for i, phase := range AllPhases {
		if phase == p {
			return i
		}
	}
	return -1
}

// AtLeast reports whether p is at or past other in pipeline order.
func (p ProjectPhase) AtLeast(other ProjectPhase) bool {
	r := p.Rank()
	return r >= 0 && r >= other.Rank()
}

// IsValid 检查阶段是否为已知值
func (p ProjectPhase) IsValid() bool {
	return p.Rank() >= 0
}

// Project 小说项目，所有下游产物的根聚合
type Project struct {
	ID            string       `json:"id"`
	Title         string       `json:"title"`
	InitialPrompt string       `json:"initial_prompt,omitempty"`
	Phase         ProjectPhase `json:"phase"`
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}
