// Copyright Contributors to the Agent Platform project

//go:build !integration

package controller

import (
	"testing"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/meta"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/config"
)

func activeJob() *batchv1.Job {
	return &batchv1.Job{Status: batchv1.JobStatus{Active: 1}}
}

func completedJob() *batchv1.Job {
	return &batchv1.Job{Status: batchv1.JobStatus{
		Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
		},
	}}
}

func failedJob(message string) *batchv1.Job {
	return &batchv1.Job{Status: batchv1.JobStatus{
		Failed: 1,
		Conditions: []batchv1.JobCondition{
			{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Message: message},
		},
	}}
}

func TestObserveJob(t *testing.T) {
	completionTime := metav1.Now()

	tests := []struct {
		name        string
		job         *batchv1.Job
		wantPhase   agentsv1.RunPhase
		wantMessage string
	}{
		{
			name:        "no job",
			job:         nil,
			wantPhase:   agentsv1.RunPhasePending,
			wantMessage: "awaiting job creation",
		},
		{
			name:        "job created but idle",
			job:         &batchv1.Job{},
			wantPhase:   agentsv1.RunPhasePending,
			wantMessage: "awaiting job start",
		},
		{
			name:        "active pod",
			job:         activeJob(),
			wantPhase:   agentsv1.RunPhaseRunning,
			wantMessage: "job is running",
		},
		{
			name:        "complete condition",
			job:         completedJob(),
			wantPhase:   agentsv1.RunPhaseSucceeded,
			wantMessage: "job completed successfully",
		},
		{
			name:        "failed condition with message",
			job:         failedJob("BackoffLimitExceeded"),
			wantPhase:   agentsv1.RunPhaseFailed,
			wantMessage: "BackoffLimitExceeded",
		},
		{
			name:        "failed condition without message",
			job:         failedJob(""),
			wantPhase:   agentsv1.RunPhaseFailed,
			wantMessage: "job failed",
		},
		{
			name: "failed counter without condition",
			job: &batchv1.Job{Status: batchv1.JobStatus{
				Failed: 1,
			}},
			wantPhase:   agentsv1.RunPhaseFailed,
			wantMessage: "job failed",
		},
		{
			name: "complete condition wins over stale active counter",
			job: &batchv1.Job{Status: batchv1.JobStatus{
				Active:         1,
				CompletionTime: &completionTime,
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
				},
			}},
			wantPhase:   agentsv1.RunPhaseSucceeded,
			wantMessage: "job completed successfully",
		},
		{
			name: "false conditions are ignored",
			job: &batchv1.Job{Status: batchv1.JobStatus{
				Active: 1,
				Conditions: []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionFalse},
				},
			}},
			wantPhase:   agentsv1.RunPhaseRunning,
			wantMessage: "job is running",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := observeJob(tt.job)
			if out.phase != tt.wantPhase {
				t.Errorf("phase = %q, want %q", out.phase, tt.wantPhase)
			}
			if out.message != tt.wantMessage {
				t.Errorf("message = %q, want %q", out.message, tt.wantMessage)
			}
		})
	}
}

func TestProjectDocsStatusLifecycle(t *testing.T) {
	run := makeDocsRun()

	if !projectDocsStatus(run, nil, "docs-1-job", "docs-1-cfg") {
		t.Fatal("first projection should report a change")
	}
	if run.Status.Phase != agentsv1.RunPhasePending {
		t.Errorf("phase = %q, want Pending", run.Status.Phase)
	}
	if run.Status.JobName != "" {
		t.Error("jobName should not be recorded before the job runs")
	}
	if run.Status.LastUpdate == nil {
		t.Error("lastUpdate should be set on change")
	}

	if !projectDocsStatus(run, activeJob(), "docs-1-job", "docs-1-cfg") {
		t.Fatal("transition to Running should report a change")
	}
	if run.Status.Phase != agentsv1.RunPhaseRunning {
		t.Errorf("phase = %q, want Running", run.Status.Phase)
	}
	if run.Status.JobName != "docs-1-job" || run.Status.ConfigMapName != "docs-1-cfg" {
		t.Errorf("jobName/configmapName = %q/%q, want docs-1-job/docs-1-cfg",
			run.Status.JobName, run.Status.ConfigMapName)
	}

	// Same observation again: no write.
	if projectDocsStatus(run, activeJob(), "docs-1-job", "docs-1-cfg") {
		t.Error("identical observation should not report a change")
	}

	if !projectDocsStatus(run, completedJob(), "docs-1-job", "docs-1-cfg") {
		t.Fatal("transition to Succeeded should report a change")
	}
	if run.Status.Phase != agentsv1.RunPhaseSucceeded {
		t.Errorf("phase = %q, want Succeeded", run.Status.Phase)
	}
	if !run.Status.WorkCompleted {
		t.Error("workCompleted should be set on success")
	}

	// Terminal phases are sticky even if the job disappears.
	if projectDocsStatus(run, nil, "docs-1-job", "docs-1-cfg") {
		t.Error("terminal phase should not be overwritten")
	}
	if run.Status.Phase != agentsv1.RunPhaseSucceeded || !run.Status.WorkCompleted {
		t.Error("succeeded status should survive a disappearing job")
	}
}

func TestProjectDocsStatusConditions(t *testing.T) {
	run := makeDocsRun()
	projectDocsStatus(run, activeJob(), "docs-1-job", "docs-1-cfg")
	projectDocsStatus(run, completedJob(), "docs-1-job", "docs-1-cfg")

	succeeded := meta.FindStatusCondition(run.Status.Conditions, string(agentsv1.RunPhaseSucceeded))
	if succeeded == nil || succeeded.Status != metav1.ConditionTrue {
		t.Fatal("Succeeded condition should be true")
	}
	if succeeded.Reason != agentsv1.ReasonJobComplete {
		t.Errorf("reason = %q, want %q", succeeded.Reason, agentsv1.ReasonJobComplete)
	}

	running := meta.FindStatusCondition(run.Status.Conditions, string(agentsv1.RunPhaseRunning))
	if running == nil || running.Status != metav1.ConditionFalse {
		t.Error("Running condition should be cleared after the transition")
	}

	trueCount := 0
	for _, c := range run.Status.Conditions {
		if c.Status == metav1.ConditionTrue {
			trueCount++
		}
	}
	if trueCount != 1 {
		t.Errorf("exactly one condition should be true, got %d", trueCount)
	}
}

func TestProjectDocsStatusFailure(t *testing.T) {
	run := makeDocsRun()
	projectDocsStatus(run, activeJob(), "docs-1-job", "docs-1-cfg")

	if !projectDocsStatus(run, failedJob("DeadlineExceeded"), "docs-1-job", "docs-1-cfg") {
		t.Fatal("transition to Failed should report a change")
	}
	if run.Status.Phase != agentsv1.RunPhaseFailed {
		t.Errorf("phase = %q, want Failed", run.Status.Phase)
	}
	if run.Status.Message != "DeadlineExceeded" {
		t.Errorf("message = %q, want the job condition message", run.Status.Message)
	}
	if run.Status.WorkCompleted {
		t.Error("workCompleted must stay false on failure")
	}

	// A later success observation for the same attempt is dropped.
	if projectDocsStatus(run, completedJob(), "docs-1-job", "docs-1-cfg") {
		t.Error("terminal Failed should not transition to Succeeded")
	}
}

func TestProjectCodeStatusLifecycle(t *testing.T) {
	run := makeCodeRun()
	run.Spec.ContextVersion = 1

	projectCodeStatus(run, nil, "code-9-job-1", "code-9-cfg-1")
	if run.Status.ContextVersion != 1 {
		t.Errorf("status contextVersion = %d, want 1", run.Status.ContextVersion)
	}
	if run.Status.PromptMode != agentsv1.PromptModeAppend {
		t.Errorf("promptMode = %q, want append", run.Status.PromptMode)
	}

	projectCodeStatus(run, activeJob(), "code-9-job-1", "code-9-cfg-1")
	if run.Status.Phase != agentsv1.RunPhaseRunning {
		t.Errorf("phase = %q, want Running", run.Status.Phase)
	}
	if run.Status.JobName != "code-9-job-1" {
		t.Errorf("jobName = %q, want code-9-job-1", run.Status.JobName)
	}

	projectCodeStatus(run, failedJob("BackoffLimitExceeded"), "code-9-job-1", "code-9-cfg-1")
	if run.Status.Phase != agentsv1.RunPhaseFailed {
		t.Errorf("phase = %q, want Failed", run.Status.Phase)
	}
	if run.Status.RetryCount != 0 {
		t.Errorf("retryCount = %d, want 0 before any version bump", run.Status.RetryCount)
	}
}

func TestProjectCodeStatusVersionBumpResets(t *testing.T) {
	run := makeCodeRun()
	run.Spec.ContextVersion = 1
	projectCodeStatus(run, activeJob(), "code-9-job-1", "code-9-cfg-1")
	projectCodeStatus(run, failedJob("exit 1"), "code-9-job-1", "code-9-cfg-1")
	if run.Status.Phase != agentsv1.RunPhaseFailed {
		t.Fatalf("phase = %q, want Failed before the bump", run.Status.Phase)
	}

	// The submitter bumps contextVersion; the old job is gone from this
	// attempt's point of view.
	run.Spec.ContextVersion = 2
	if !projectCodeStatus(run, nil, "code-9-job-2", "code-9-cfg-2") {
		t.Fatal("version bump should report a change")
	}
	if run.Status.Phase != agentsv1.RunPhasePending {
		t.Errorf("phase = %q, want Pending after version bump", run.Status.Phase)
	}
	if run.Status.ContextVersion != 2 {
		t.Errorf("status contextVersion = %d, want 2", run.Status.ContextVersion)
	}
	if run.Status.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", run.Status.RetryCount)
	}
	if run.Status.JobName != "" {
		t.Error("jobName should be cleared for the new attempt")
	}

	// The new attempt proceeds normally.
	projectCodeStatus(run, activeJob(), "code-9-job-2", "code-9-cfg-2")
	if run.Status.Phase != agentsv1.RunPhaseRunning {
		t.Errorf("phase = %q, want Running for the new attempt", run.Status.Phase)
	}
	if run.Status.JobName != "code-9-job-2" {
		t.Errorf("jobName = %q, want code-9-job-2", run.Status.JobName)
	}
}

func TestProjectCodeStatusMirrorsPromptFields(t *testing.T) {
	run := makeCodeRun()
	run.Spec.PromptModification = "focus on the unit tests"
	run.Annotations = map[string]string{agentsv1.AnnotationPromptMode: "replace"}

	projectCodeStatus(run, nil, "code-9-job-2", "code-9-cfg-2")
	if run.Status.PromptModification != "focus on the unit tests" {
		t.Errorf("promptModification = %q, want mirror of spec.promptModification", run.Status.PromptModification)
	}
	if run.Status.PromptMode != agentsv1.PromptModeReplace {
		t.Errorf("promptMode = %q, want replace", run.Status.PromptMode)
	}
}

func TestShouldCleanupJob(t *testing.T) {
	cfg := &config.Config{}
	if shouldCleanupJob(cfg, agentsv1.RunPhaseSucceeded) {
		t.Error("cleanup disabled: no eager job deletion")
	}

	cfg.Cleanup.Enabled = true
	if !shouldCleanupJob(cfg, agentsv1.RunPhaseSucceeded) {
		t.Error("cleanup enabled: succeeded jobs should be deleted")
	}
	if !shouldCleanupJob(cfg, agentsv1.RunPhaseFailed) {
		t.Error("cleanup enabled: failed jobs should be deleted")
	}
	if shouldCleanupJob(cfg, agentsv1.RunPhaseRunning) {
		t.Error("running jobs must never be cleanup candidates")
	}
}
