// internal/services/state_machine.go
package services

import (
	apperrors "github.com/Corphon/StoryLoom/internal/errors"
	"github.com/Corphon/StoryLoom/internal/models"
	"github.com/Corphon/StoryLoom/internal/utils"
)

// phaseTransitions is the only definition of legal phase edges.
var phaseTransitions = map[models.ProjectPhase][]models.ProjectPhase{
	models.PhaseDraft: {
		models.PhaseBlueprintReady,
	},
	models.PhaseBlueprintReady: {
		models.PhasePartOutlinesReady,
		models.PhaseChapterOutlinesReady,
		models.PhaseDraft,
		models.PhaseBlueprintReady,
	},
	models.PhasePartOutlinesReady: {
		models.PhaseChapterOutlinesReady,
		models.PhaseBlueprintReady,
	},
	models.PhaseChapterOutlinesReady: {
		models.PhaseWriting,
		models.PhasePartOutlinesReady,
		models.PhaseBlueprintReady,
	},
	models.PhaseWriting: {
		models.PhaseCompleted,
		models.PhaseChapterOutlinesReady,
	},
	models.PhaseCompleted: {
		models.PhaseWriting,
	},
}

// ProjectStateMachine validates and records phase changes.
type ProjectStateMachine struct {
	logger  *utils.Logger
	metrics *utils.Metrics
}

// NewProjectStateMachine 创建状态机，logger 与 metrics 可为 nil
func NewProjectStateMachine(logger *utils.Logger, metrics *utils.Metrics) *ProjectStateMachine {
	if logger == nil {
		logger = utils.GetLogger()
	}
	return &ProjectStateMachine{logger: logger, metrics: metrics}
}

// CanTransition reports whether current -> target is in the table.
func (sm *ProjectStateMachine) CanTransition(current, target models.ProjectPhase) bool {
	for _, p := range phaseTransitions[current] {
		if p == target {
			return true
		}
	}
	return false
}

// AllowedTransitions returns a copy of the targets reachable from current.
func (sm *ProjectStateMachine) AllowedTransitions(current models.ProjectPhase) []models.ProjectPhase {
	targets := phaseTransitions[current]
	out := make([]models.ProjectPhase, len(targets))
	copy(out, targets)
	return out
}

// Transition validates the edge and returns the new phase. force skips the
// table check but never accepts an unknown phase.
func (sm *ProjectStateMachine) Transition(projectID string, current, target models.ProjectPhase, force bool) (models.ProjectPhase, error) {
	fields := map[string]interface{}{
		"project_id": projectID,
		"from":       current,
		"to":         target,
		"forced":     force,
	}

	if !current.IsValid() || !target.IsValid() {
		sm.logger.Warn("phase transition rejected: unknown phase", fields)
		return current, apperrors.NewInvalidTransitionError(current, target)
	}

	allowed := sm.CanTransition(current, target)
	if !allowed && !force {
		sm.logger.Warn("phase transition rejected", fields)
		return current, apperrors.NewInvalidTransitionError(current, target)
	}
	if !allowed {
		sm.logger.Warn("forcing phase transition outside the table", fields)
	}

	sm.logger.Info("phase transition", fields)
	if sm.metrics != nil {
		sm.metrics.RecordPhaseTransition(string(current), string(target))
	}
	return target, nil
}

// TransitionTable lists every edge in pipeline order. Used by the CLI.
func TransitionTable() [][2]models.ProjectPhase {
	var edges [][2]models.ProjectPhase
	for _, from := range models.AllPhases {
		for _, to := range phaseTransitions[from] {
			edges = append(edges, [2]models.ProjectPhase{from, to})
		}
	}
	return edges
}
