// Copyright Contributors to the Agent Platform project

package v1

// RunPhase represents the current phase of a run
// +kubebuilder:validation:Enum=Pending;Running;Succeeded;Failed;Cancelled
type RunPhase string

const (
	// RunPhasePending means no Job has been observed for the run yet
	RunPhasePending RunPhase = "Pending"
	// RunPhaseRunning means the run's Job has at least one active pod
	RunPhaseRunning RunPhase = "Running"
	// RunPhaseSucceeded means the run's Job completed successfully
	RunPhaseSucceeded RunPhase = "Succeeded"
	// RunPhaseFailed means the run's Job failed, or the run could not be
	// materialized (template or configuration error).
	RunPhaseFailed RunPhase = "Failed"
	// RunPhaseCancelled means the run was cancelled by the user
	RunPhaseCancelled RunPhase = "Cancelled"
)

// IsTerminal reports whether the phase is one the run never leaves on its own.
// A CodeRun re-enters Pending from a terminal phase only when the submitter
// bumps spec.contextVersion.
func (p RunPhase) IsTerminal() bool {
	return p == RunPhaseSucceeded || p == RunPhaseFailed || p == RunPhaseCancelled
}

// PromptMode selects how promptModification is applied to the rendered prompt
// +kubebuilder:validation:Enum=append;replace
type PromptMode string

const (
	// PromptModeAppend appends the modification after the base prompt
	PromptModeAppend PromptMode = "append"
	// PromptModeReplace replaces the base prompt with the modification
	PromptModeReplace PromptMode = "replace"
)

const (
	// AnnotationPromptMode selects how spec.promptModification is applied to
	// the rendered prompt: "append" (default) or "replace".
	AnnotationPromptMode = "agents.platform/prompt-mode"
)

const (
	// ReasonAwaitingJob is the reason while no Job exists for the run yet
	ReasonAwaitingJob = "AwaitingJob"
	// ReasonJobRunning is the reason while the run's Job has active pods
	ReasonJobRunning = "JobRunning"
	// ReasonJobComplete is the reason when the run's Job completed successfully
	ReasonJobComplete = "JobComplete"
	// ReasonJobFailed is the reason when the run's Job failed
	ReasonJobFailed = "JobFailed"
	// ReasonTemplateError is the reason for artifact rendering failures
	ReasonTemplateError = "TemplateError"
	// ReasonConfigError is the reason for operator configuration failures
	ReasonConfigError = "ConfigError"
	// ReasonCancelled is the reason when the run was cancelled by the user
	ReasonCancelled = "Cancelled"
)
