// Copyright Contributors to the Agent Platform project

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// ToolConfig selects which agent tools are enabled for a run.
// Names are passed verbatim into the rendered tool-policy document.
type ToolConfig struct {
	// Local lists local tool names to enable.
	// +optional
	Local []string `json:"local,omitempty"`

	// Remote lists remote tool names to enable.
	// +optional
	Remote []string `json:"remote,omitempty"`
}

// SecretEnvVar maps one key of a Secret into the agent environment.
type SecretEnvVar struct {
	// Name is the environment variable name exposed to the agent.
	// +required
	Name string `json:"name"`

	// SecretName is the Secret in the run's namespace.
	// +required
	SecretName string `json:"secretName"`

	// SecretKey is the key within the Secret.
	// +required
	SecretKey string `json:"secretKey"`
}

// CodeRunSpec defines the CodeRun configuration
type CodeRunSpec struct {
	// TaskID identifies the task within the docs tasks bundle to implement.
	// +required
	// +kubebuilder:validation:Minimum=0
	TaskID int32 `json:"taskId"`

	// Service is the target service name. It also keys the shared workspace
	// volume: every CodeRun for the same service mounts PVC workspace-<service>.
	// +required
	Service string `json:"service"`

	// RepositoryURL is the target service repository.
	// +required
	RepositoryURL string `json:"repositoryUrl"`

	// DocsRepositoryURL is the documentation repository holding the tasks bundle.
	// +required
	DocsRepositoryURL string `json:"docsRepositoryUrl"`

	// DocsProjectDirectory is the project directory within the docs repository.
	// +optional
	DocsProjectDirectory string `json:"docsProjectDirectory,omitempty"`

	// WorkingDirectory is the working directory within the service repository.
	// +optional
	WorkingDirectory string `json:"workingDirectory,omitempty"`

	// Model is the agent model identifier.
	// +required
	Model string `json:"model"`

	// GithubUser selects the credential set for repository access.
	// The operator resolves Secrets named github-ssh-<githubUser> and
	// github-token-<githubUser> in the run's namespace.
	// +required
	GithubUser string `json:"githubUser"`

	// Tools selects which agent tools are enabled for this run.
	// +optional
	Tools *ToolConfig `json:"tools,omitempty"`

	// ContextVersion identifies a distinct attempt of this run. The submitter
	// increments it to retry: a bump produces a fresh artifact bundle and a
	// fresh Job, and the run's phase resets to Pending for the new version.
	// +optional
	// +kubebuilder:default=1
	// +kubebuilder:validation:Minimum=1
	ContextVersion int32 `json:"contextVersion,omitempty"`

	// PromptModification is extra prompt text applied on retry. The
	// agents.platform/prompt-mode annotation selects whether it is appended
	// to or replaces the base prompt (default append).
	// +optional
	PromptModification string `json:"promptModification,omitempty"`

	// DocsBranch is the docs repository branch to read the tasks bundle from.
	// +optional
	// +kubebuilder:default=main
	DocsBranch string `json:"docsBranch,omitempty"`

	// ContinueSession resumes the agent session recorded in status.sessionId
	// instead of starting a new one.
	// +optional
	ContinueSession bool `json:"continueSession,omitempty"`

	// OverwriteMemory replaces the agent memory file in the workspace instead
	// of preserving state from earlier runs.
	// +optional
	OverwriteMemory bool `json:"overwriteMemory,omitempty"`

	// Env is extra environment exported to the agent container.
	// +optional
	Env map[string]string `json:"env,omitempty"`

	// EnvFromSecrets maps Secret keys into the agent environment.
	// +optional
	EnvFromSecrets []SecretEnvVar `json:"envFromSecrets,omitempty"`
}

// CodeRunStatus defines the observed state of CodeRun
type CodeRunStatus struct {
	// Phase is the coarse-grained run state.
	// +optional
	Phase RunPhase `json:"phase,omitempty"`

	// Message is a human-readable explanation of the current phase.
	// +optional
	Message string `json:"message,omitempty"`

	// LastUpdate is the time of the last status write by the operator.
	// +optional
	LastUpdate *metav1.Time `json:"lastUpdate,omitempty"`

	// JobName is the Job materialized for the current context version.
	// +optional
	JobName string `json:"jobName,omitempty"`

	// ConfigMapName is the artifact ConfigMap for the current context version.
	// +optional
	ConfigMapName string `json:"configmapName,omitempty"`

	// RetryCount is the number of retries so far (contextVersion - 1).
	// +optional
	RetryCount int32 `json:"retryCount,omitempty"`

	// SessionID is the agent session identifier, written by the agent at
	// runtime and propagated into subsequent Jobs when continueSession is set.
	// The operator never interprets the value.
	// +optional
	SessionID string `json:"sessionId,omitempty"`

	// ContextVersion is the context version this status reflects.
	// +optional
	ContextVersion int32 `json:"contextVersion,omitempty"`

	// PromptModification echoes the modification applied to this attempt.
	// +optional
	PromptModification string `json:"promptModification,omitempty"`

	// PromptMode echoes how the modification was applied.
	// +optional
	PromptMode PromptMode `json:"promptMode,omitempty"`

	// PullRequestURL is the pull request opened by the agent, reported back
	// by the agent container.
	// +optional
	PullRequestURL string `json:"pullRequestUrl,omitempty"`

	// Kubernetes standard conditions
	// +optional
	// +listType=map
	// +listMapKey=type
	Conditions []metav1.Condition `json:"conditions,omitempty"`
}

// +genclient
// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object
// +kubebuilder:subresource:status
// +kubebuilder:resource:scope="Namespaced"
// +kubebuilder:printcolumn:JSONPath=`.status.phase`,name="Phase",type=string
// +kubebuilder:printcolumn:JSONPath=`.spec.taskId`,name="Task",type=integer
// +kubebuilder:printcolumn:JSONPath=`.spec.service`,name="Service",type=string
// +kubebuilder:printcolumn:JSONPath=`.spec.model`,name="Model",type=string
// +kubebuilder:printcolumn:JSONPath=`.metadata.creationTimestamp`,name="Age",type=date

// CodeRun requests implementation of a single task against a target service
// repository. The operator materializes each (CodeRun, contextVersion) into a
// batch Job running the containerized agent, with a persistent per-service
// workspace shared across attempts.
type CodeRun struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec defines the desired state of CodeRun
	Spec CodeRunSpec `json:"spec"`

	// Status represents the current status of the CodeRun
	// +optional
	Status CodeRunStatus `json:"status,omitempty"`
}

// EffectiveContextVersion returns the context version with the API default
// applied, so callers never see zero from objects that bypassed defaulting.
func (c *CodeRun) EffectiveContextVersion() int32 {
	if c.Spec.ContextVersion < 1 {
		return 1
	}
	return c.Spec.ContextVersion
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// CodeRunList contains a list of CodeRun
type CodeRunList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []CodeRun `json:"items"`
}

func init() {
	SchemeBuilder.Register(&CodeRun{}, &CodeRunList{})
}
