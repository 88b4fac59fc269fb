// Copyright Contributors to the Agent Platform project

// Package config loads and validates the file-mounted operator configuration.
// The loaded Config is read-only after Load returns; changing operator
// configuration requires a process restart.
package config

import (
	"fmt"
	"os"

	"k8s.io/apimachinery/pkg/api/resource"
	"sigs.k8s.io/yaml"
)

const (
	// DefaultConfigPath is where the Helm chart mounts the operator configuration
	DefaultConfigPath = "/etc/agent-operator/config.yaml"

	// HelmSentinel marks a value the Helm chart failed to substitute.
	// An image repository or tag equal to this value fails validation.
	HelmSentinel = "SET_BY_HELM"

	// DefaultAgentImageRepository is the agent image used when no
	// configuration file is mounted
	DefaultAgentImageRepository = "ghcr.io/5dlabs/agent-runtime"
	// DefaultAgentImageTag is the agent image tag used when no
	// configuration file is mounted
	DefaultAgentImageTag = "latest"

	// DefaultWorkspaceSize is the storage request for per-service
	// workspace volumes
	DefaultWorkspaceSize = "10Gi"

	// DefaultMaxConcurrentReconciles is the per-kind reconciler worker
	// count. Reconciliation is I/O bound on the cluster API, so a small
	// pool is enough.
	DefaultMaxConcurrentReconciles = 2
)

// Config is the operator configuration snapshot handed to every reconciler.
type Config struct {
	Job         JobConfig         `json:"job,omitempty"`
	Agent       AgentConfig       `json:"agent,omitempty"`
	Secrets     SecretsConfig     `json:"secrets,omitempty"`
	Permissions PermissionsConfig `json:"permissions,omitempty"`
	Telemetry   TelemetryConfig   `json:"telemetry,omitempty"`
	Cleanup     CleanupConfig     `json:"cleanup,omitempty"`
	Storage     StorageConfig     `json:"storage,omitempty"`
	Operator    OperatorConfig    `json:"operator,omitempty"`
}

// JobConfig shapes the Jobs the operator constructs.
type JobConfig struct {
	// ActiveDeadlineSeconds caps the runtime of every constructed Job.
	// Zero leaves the Job without a deadline.
	ActiveDeadlineSeconds int64 `json:"activeDeadlineSeconds,omitempty"`
}

// ImageConfig identifies a container image.
type ImageConfig struct {
	Repository string `json:"repository"`
	Tag        string `json:"tag"`
}

// AgentConfig selects the agent container image.
type AgentConfig struct {
	Image            ImageConfig `json:"image"`
	ImagePullSecrets []string    `json:"imagePullSecrets,omitempty"`
}

// SecretsConfig binds the model API key into the agent environment.
// When APIKeySecretName is empty no key is bound.
type SecretsConfig struct {
	APIKeySecretName string `json:"apiKeySecretName,omitempty"`
	APIKeySecretKey  string `json:"apiKeySecretKey,omitempty"`
}

// PermissionsConfig is injected verbatim into the rendered tool-policy.
type PermissionsConfig struct {
	// AgentToolsOverride lets the run's own tool selection replace the
	// operator-wide allow/deny lists.
	AgentToolsOverride bool     `json:"agentToolsOverride,omitempty"`
	Allow              []string `json:"allow,omitempty"`
	Deny               []string `json:"deny,omitempty"`
}

// TelemetryConfig is exported into the agent environment when enabled.
type TelemetryConfig struct {
	Enabled      bool   `json:"enabled,omitempty"`
	OTLPEndpoint string `json:"otlpEndpoint,omitempty"`
	OTLPProtocol string `json:"otlpProtocol,omitempty"`
	LogsEndpoint string `json:"logsEndpoint,omitempty"`
	LogsProtocol string `json:"logsProtocol,omitempty"`
}

// CleanupConfig controls eager deletion of terminal Jobs. The artifact
// ConfigMap follows via owner-reference garbage collection.
type CleanupConfig struct {
	Enabled bool `json:"enabled,omitempty"`
}

// StorageConfig shapes the per-service workspace volumes.
type StorageConfig struct {
	// WorkspaceSize is a Kubernetes quantity, for example "10Gi".
	WorkspaceSize string `json:"workspaceSize,omitempty"`
	// StorageClassName is left empty to use the cluster default class.
	StorageClassName string `json:"storageClassName,omitempty"`
}

// OperatorConfig tunes the controller runtime itself.
type OperatorConfig struct {
	MaxConcurrentReconciles int `json:"maxConcurrentReconciles,omitempty"`
}

// ValidationError describes a configuration value that requires human
// intervention before the operator can run.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// Load reads the operator configuration from path. A missing or unreadable
// file falls back to built-in defaults; an unparseable or invalid file is a
// startup failure.
func Load(path string) (*Config, error) {
	var cfg Config
	data, err := os.ReadFile(path)
	if err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults fills unset fields so a partial (or absent) file still
// yields a runnable configuration.
func (c *Config) applyDefaults() {
	if c.Agent.Image.Repository == "" && c.Agent.Image.Tag == "" {
		c.Agent.Image.Repository = DefaultAgentImageRepository
		c.Agent.Image.Tag = DefaultAgentImageTag
	}
	if c.Storage.WorkspaceSize == "" {
		c.Storage.WorkspaceSize = DefaultWorkspaceSize
	}
	if c.Operator.MaxConcurrentReconciles <= 0 {
		c.Operator.MaxConcurrentReconciles = DefaultMaxConcurrentReconciles
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.OTLPProtocol == "" {
			c.Telemetry.OTLPProtocol = "grpc"
		}
		if c.Telemetry.LogsProtocol == "" {
			c.Telemetry.LogsProtocol = c.Telemetry.OTLPProtocol
		}
	}
}

// Validate checks the configuration for values the operator cannot run with.
func (c *Config) Validate() error {
	if c.Agent.Image.Repository == "" {
		return &ValidationError{Field: "agent.image.repository", Reason: "must not be empty"}
	}
	if c.Agent.Image.Repository == HelmSentinel {
		return &ValidationError{Field: "agent.image.repository", Reason: "not substituted by Helm"}
	}
	if c.Agent.Image.Tag == "" {
		return &ValidationError{Field: "agent.image.tag", Reason: "must not be empty"}
	}
	if c.Agent.Image.Tag == HelmSentinel {
		return &ValidationError{Field: "agent.image.tag", Reason: "not substituted by Helm"}
	}
	if c.Secrets.APIKeySecretName != "" && c.Secrets.APIKeySecretKey == "" {
		return &ValidationError{Field: "secrets.apiKeySecretKey", Reason: "required when apiKeySecretName is set"}
	}
	if _, err := resource.ParseQuantity(c.Storage.WorkspaceSize); err != nil {
		return &ValidationError{Field: "storage.workspaceSize", Reason: err.Error()}
	}
	if c.Job.ActiveDeadlineSeconds < 0 {
		return &ValidationError{Field: "job.activeDeadlineSeconds", Reason: "must not be negative"}
	}
	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return &ValidationError{Field: "telemetry.otlpEndpoint", Reason: "required when telemetry is enabled"}
	}
	return nil
}

// AgentImage returns the agent container image reference.
func (c *Config) AgentImage() string {
	return c.Agent.Image.Repository + ":" + c.Agent.Image.Tag
}

// WorkspaceQuantity returns the parsed workspace storage request.
// Validate has already ensured the value parses.
func (c *Config) WorkspaceQuantity() resource.Quantity {
	return resource.MustParse(c.Storage.WorkspaceSize)
}
