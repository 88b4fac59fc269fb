// Copyright Contributors to the Agent Platform project

package v1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DocsRunSpec defines the DocsRun configuration
type DocsRunSpec struct {
	// RepositoryURL is the documentation repository to clone.
	// +required
	RepositoryURL string `json:"repositoryUrl"`

	// WorkingDirectory is the relative path within the repository containing
	// the tasks bundle directory.
	// +required
	WorkingDirectory string `json:"workingDirectory"`

	// SourceBranch is the branch the agent works from.
	// +required
	SourceBranch string `json:"sourceBranch"`

	// Model is the agent model identifier.
	// If empty, the agent image's default model is used.
	// +optional
	Model string `json:"model,omitempty"`

	// GithubUser selects the credential set for repository access.
	// The operator resolves Secrets named github-ssh-<githubUser> and
	// github-token-<githubUser> in the run's namespace.
	// +optional
	GithubUser string `json:"githubUser,omitempty"`

	// GithubApp is the GitHub App identity the agent authors commits and
	// pull requests as.
	// +optional
	GithubApp string `json:"githubApp,omitempty"`

	// IncludeCodebase clones the target codebase into the agent workspace
	// so documentation can reference real code.
	// +optional
	IncludeCodebase bool `json:"includeCodebase,omitempty"`
}

// DocsRunStatus defines the observed state of DocsRun
type DocsRunStatus struct {
	// Phase is the coarse-grained run state.
	// +optional
	Phase RunPhase `json:"phase,omitempty"`

	// Message is a human-readable explanation of the current phase.
	// +optional
	Message string `json:"message,omitempty"`

	// LastUpdate is the time of the last status write by the operator.
	// +optional
	LastUpdate *metav1.Time `json:"lastUpdate,omitempty"`

	// JobName is the Job materialized for this run.
	// +optional
	JobName string `json:"jobName,omitempty"`

	// ConfigMapName is the artifact ConfigMap materialized for this run.
	// +optional
	ConfigMapName string `json:"configmapName,omitempty"`

	// PullRequestURL is the pull request opened by the agent, reported back
	// by the agent container.
	// +optional
	PullRequestURL string `json:"pullRequestUrl,omitempty"`

	// WorkCompleted is set once the documentation work finished successfully.
	// Sticky: once true it never reverts, and the run is skipped on later
	// reconciliations. Re-running requires a new DocsRun.
	// +optional
	WorkCompleted bool `json:"workCompleted,omitempty"`

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
// +kubebuilder:printcolumn:JSONPath=`.metadata.creationTimestamp`,name="Age",type=date

// DocsRun requests documentation generation for a tasks bundle.
// The operator materializes each DocsRun into a single batch Job running the
// containerized agent against the documentation repository.
type DocsRun struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	// Spec defines the desired state of DocsRun
	Spec DocsRunSpec `json:"spec"`

	// Status represents the current status of the DocsRun
	// +optional
	Status DocsRunStatus `json:"status,omitempty"`
}

// +k8s:deepcopy-gen:interfaces=k8s.io/apimachinery/pkg/runtime.Object

// DocsRunList contains a list of DocsRun
type DocsRunList struct {
	metav1.TypeMeta `json:",inline"`
	metav1.ListMeta `json:"metadata,omitempty"`
	Items           []DocsRun `json:"items"`
}

func init() {
	SchemeBuilder.Register(&DocsRun{}, &DocsRunList{})
}
