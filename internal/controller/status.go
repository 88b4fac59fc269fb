// Copyright Contributors to the Agent Platform project

package controller

import (
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/config"
	"github.com/5dlabs/platform-sub001/internal/render"
)

// jobOutcome is the phase a single observed Job maps to.
type jobOutcome struct {
	phase   agentsv1.RunPhase
	reason  string
	message string
}

// observeJob classifies a Job into a run phase. A nil Job means the Job has
// not been created yet. Explicit Complete/Failed conditions take precedence
// over pod counters.
func observeJob(job *batchv1.Job) jobOutcome {
	if job == nil {
		return jobOutcome{agentsv1.RunPhasePending, agentsv1.ReasonAwaitingJob, "awaiting job creation"}
	}
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return jobOutcome{agentsv1.RunPhaseSucceeded, agentsv1.ReasonJobComplete, "job completed successfully"}
		case batchv1.JobFailed:
			message := cond.Message
			if message == "" {
				message = "job failed"
			}
			return jobOutcome{agentsv1.RunPhaseFailed, agentsv1.ReasonJobFailed, message}
		}
	}
	if job.Status.Active >= 1 && job.Status.CompletionTime == nil {
		return jobOutcome{agentsv1.RunPhaseRunning, agentsv1.ReasonJobRunning, "job is running"}
	}
	if job.Status.Failed > 0 {
		return jobOutcome{agentsv1.RunPhaseFailed, agentsv1.ReasonJobFailed, "job failed"}
	}
	return jobOutcome{agentsv1.RunPhasePending, agentsv1.ReasonAwaitingJob, "awaiting job start"}
}

// setPhaseCondition records the new phase as a condition of that type and
// clears any other phase condition still marked true, so exactly one phase
// condition holds at a time.
func setPhaseCondition(conditions *[]metav1.Condition, phase agentsv1.RunPhase, reason, message string, generation int64) {
	for i := range *conditions {
		c := (*conditions)[i]
		if c.Type != string(phase) && c.Status == metav1.ConditionTrue {
			meta.SetStatusCondition(conditions, metav1.Condition{
				Type:               c.Type,
				Status:             metav1.ConditionFalse,
				Reason:             reason,
				Message:            message,
				ObservedGeneration: generation,
			})
		}
	}
	meta.SetStatusCondition(conditions, metav1.Condition{
		Type:               string(phase),
		Status:             metav1.ConditionTrue,
		Reason:             reason,
		Message:            message,
		ObservedGeneration: generation,
	})
}

// projectDocsStatus folds the observed Job into the DocsRun status in memory.
// It returns true when the status changed and needs to be written. Terminal
// phases are sticky: a disagreeing observation is dropped rather than written.
func projectDocsStatus(run *agentsv1.DocsRun, job *batchv1.Job, jobName, configMapName string) bool {
	out := observeJob(job)

	if run.Status.Phase.IsTerminal() && run.Status.Phase != out.phase {
		return false
	}

	changed := false
	if run.Status.Phase != out.phase || run.Status.Message != out.message {
		run.Status.Phase = out.phase
		run.Status.Message = out.message
		setPhaseCondition(&run.Status.Conditions, out.phase, out.reason, out.message, run.Generation)
		changed = true
	}
	if out.phase == agentsv1.RunPhaseRunning && run.Status.JobName == "" {
		run.Status.JobName = jobName
		run.Status.ConfigMapName = configMapName
		changed = true
	}
	if out.phase == agentsv1.RunPhaseSucceeded && !run.Status.WorkCompleted {
		run.Status.WorkCompleted = true
		changed = true
	}
	if changed {
		now := metav1.Now()
		run.Status.LastUpdate = &now
	}
	return changed
}

// projectCodeStatus folds the observed Job for the current contextVersion into
// the CodeRun status in memory and returns true when a write is needed.
//
// A contextVersion bump is the one sanctioned exit from a terminal phase: the
// recorded attempt fields are reset before the observation is applied.
func projectCodeStatus(run *agentsv1.CodeRun, job *batchv1.Job, jobName, configMapName string) bool {
	changed := false

	version := run.EffectiveContextVersion()
	if run.Status.ContextVersion != 0 && run.Status.ContextVersion != version {
		run.Status.Phase = agentsv1.RunPhasePending
		run.Status.Message = "awaiting job creation"
		run.Status.JobName = ""
		run.Status.ConfigMapName = ""
		run.Status.RetryCount++
		changed = true
	}
	if run.Status.ContextVersion != version {
		run.Status.ContextVersion = version
		changed = true
	}
	if mode := render.PromptModeFor(run); run.Status.PromptMode != mode {
		run.Status.PromptMode = mode
		changed = true
	}
	if run.Status.PromptModification != run.Spec.PromptModification {
		run.Status.PromptModification = run.Spec.PromptModification
		changed = true
	}

	out := observeJob(job)
	if run.Status.Phase.IsTerminal() && run.Status.Phase != out.phase {
		if changed {
			now := metav1.Now()
			run.Status.LastUpdate = &now
		}
		return changed
	}

	if run.Status.Phase != out.phase || run.Status.Message != out.message {
		run.Status.Phase = out.phase
		run.Status.Message = out.message
		setPhaseCondition(&run.Status.Conditions, out.phase, out.reason, out.message, run.Generation)
		changed = true
	}
	if out.phase == agentsv1.RunPhaseRunning && run.Status.JobName == "" {
		run.Status.JobName = jobName
		run.Status.ConfigMapName = configMapName
		changed = true
	}
	if changed {
		now := metav1.Now()
		run.Status.LastUpdate = &now
	}
	return changed
}

// shouldCleanupJob reports whether a run's Job should be deleted eagerly once
// the run has reached a terminal phase.
func shouldCleanupJob(cfg *config.Config, phase agentsv1.RunPhase) bool {
	return cfg.Cleanup.Enabled && phase.IsTerminal()
}
