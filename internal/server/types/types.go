// Copyright Contributors to the Agent Platform project

// Package types holds the wire schema shared with the submission surfaces
// that create runs. The operator itself never serves these routes; the
// types pin the JSON contract upstream tools rely on.
package types

import (
	"time"
)

// SecretEnvVar represents an environment variable sourced from a secret.
type SecretEnvVar struct {
	Name       string `json:"name"`
	SecretName string `json:"secretName"`
	SecretKey  string `json:"secretKey"`
}

// ToolSelection represents a run's tool allow-list.
type ToolSelection struct {
	Local  []string `json:"local,omitempty"`
	Remote []string `json:"remote,omitempty"`
}

// CreateDocsRunRequest represents a request to create a DocsRun.
type CreateDocsRunRequest struct {
	Name             string `json:"name,omitempty"`
	RepositoryURL    string `json:"repositoryUrl"`
	WorkingDirectory string `json:"workingDirectory"`
	SourceBranch     string `json:"sourceBranch"`
	Model            string `json:"model,omitempty"`
	GithubUser       string `json:"githubUser,omitempty"`
	GithubApp        string `json:"githubApp,omitempty"`
	IncludeCodebase  bool   `json:"includeCodebase,omitempty"`
}

// CreateCodeRunRequest represents a request to create a CodeRun.
type CreateCodeRunRequest struct {
	Name                 string            `json:"name,omitempty"`
	TaskID               int32             `json:"taskId"`
	Service              string            `json:"service"`
	RepositoryURL        string            `json:"repositoryUrl"`
	DocsRepositoryURL    string            `json:"docsRepositoryUrl"`
	DocsProjectDirectory string            `json:"docsProjectDirectory,omitempty"`
	WorkingDirectory     string            `json:"workingDirectory,omitempty"`
	Model                string            `json:"model"`
	GithubUser           string            `json:"githubUser"`
	Tools                *ToolSelection    `json:"tools,omitempty"`
	ContextVersion       int32             `json:"contextVersion,omitempty"`
	PromptModification   string            `json:"promptModification,omitempty"`
	DocsBranch           string            `json:"docsBranch,omitempty"`
	ContinueSession      bool              `json:"continueSession,omitempty"`
	OverwriteMemory      bool              `json:"overwriteMemory,omitempty"`
	Env                  map[string]string `json:"env,omitempty"`
	EnvFromSecrets       []SecretEnvVar    `json:"envFromSecrets,omitempty"`
}

// Condition represents a status condition
type Condition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// RunResponse represents a run in API responses.
type RunResponse struct {
	Name           string      `json:"name"`
	Namespace      string      `json:"namespace"`
	Kind           string      `json:"kind"`
	Phase          string      `json:"phase"`
	Message        string      `json:"message,omitempty"`
	JobName        string      `json:"jobName,omitempty"`
	ConfigMapName  string      `json:"configmapName,omitempty"`
	PullRequestURL string      `json:"pullRequestUrl,omitempty"`
	CreatedAt      time.Time   `json:"createdAt"`
	Conditions     []Condition `json:"conditions,omitempty"`
}

// HealthResponse represents the admin health and readiness payload.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}
