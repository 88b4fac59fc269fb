// Copyright Contributors to the Agent Platform project

package controller

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/config"
	"github.com/5dlabs/platform-sub001/internal/render"
)

const (
	// DocsRunFinalizer blocks DocsRun deletion until owned objects are cleaned up
	DocsRunFinalizer = "docsruns.agents.platform/finalizer"
	// CodeRunFinalizer blocks CodeRun deletion until owned objects are cleaned up
	CodeRunFinalizer = "coderuns.agents.platform/finalizer"

	// Pre-rename finalizers. Stripped when seen so old runs still delete
	// cleanly, never added.
	legacyDocsRunFinalizer = "docsruns.orchestrator.io/finalizer"
	legacyCodeRunFinalizer = "coderuns.orchestrator.io/finalizer"

	// appLabelValue is the app label stamped on every object the operator creates
	appLabelValue = "agent-platform"

	// LabelKind distinguishes docs from code objects
	LabelKind = "agents.platform/kind"
	// LabelRun names the owning run
	LabelRun = "agents.platform/run"
	// LabelContextVersion records which CodeRun attempt produced the object
	LabelContextVersion = "agents.platform/context-version"
	// LabelConfigHash fingerprints the artifact bundle a Job was built from
	LabelConfigHash = "agents.platform/config-hash"
	// LabelService names the service a workspace volume belongs to
	LabelService = "agents.platform/service"

	// KindDocs and KindCode are the LabelKind values
	KindDocs = "docs"
	KindCode = "code"
)

const (
	// EnvRunName is the run's name, exported into the agent container
	EnvRunName = "RUN_NAME"
	// EnvRunNamespace is the run's namespace, exported into the agent container
	EnvRunNamespace = "RUN_NAMESPACE"
	// EnvWorkspaceDir points the agent at the mounted workspace
	EnvWorkspaceDir = "WORKSPACE_DIR"
	// EnvModelAPIKey carries the model API key from the configured secret
	EnvModelAPIKey = "MODEL_API_KEY"
	// EnvGithubToken carries the HTTPS token for the run's githubUser
	EnvGithubToken = "GITHUB_TOKEN"
	// EnvSessionID carries the previous attempt's agent session id for resume
	EnvSessionID = "AGENT_SESSION_ID"

	// sshPrivateKeyKey is the key holding the private key in github-ssh-* secrets,
	// following the kubernetes.io/ssh-auth convention
	sshPrivateKeyKey = "ssh-privatekey"
	// tokenKey is the key holding the token in github-token-* secrets
	tokenKey = "token"
)

func docsConfigMapName(run *agentsv1.DocsRun) string {
	return run.Name + "-cfg"
}

func docsJobName(run *agentsv1.DocsRun) string {
	return run.Name + "-job"
}

func codeConfigMapName(run *agentsv1.CodeRun) string {
	return fmt.Sprintf("%s-cfg-%d", run.Name, run.EffectiveContextVersion())
}

func codeJobName(run *agentsv1.CodeRun) string {
	return fmt.Sprintf("%s-job-%d", run.Name, run.EffectiveContextVersion())
}

// workspacePVCName is shared by every CodeRun for the service; the claim is
// deliberately outside any run's ownership graph.
func workspacePVCName(service string) string {
	return "workspace-" + service
}

func githubSSHSecretName(user string) string {
	return "github-ssh-" + user
}

func githubTokenSecretName(user string) string {
	return "github-token-" + user
}

// needsSSH reports whether the repository URL requires the mounted SSH key
// instead of a token credential helper.
func needsSSH(repoURL string) bool {
	return strings.HasPrefix(repoURL, "git@") || strings.HasPrefix(repoURL, "ssh://")
}

// boolPtr returns a pointer to the given bool value
func boolPtr(b bool) *bool {
	return &b
}

// int32Ptr returns a pointer to the given int32 value
func int32Ptr(i int32) *int32 {
	return &i
}

// int64Ptr returns a pointer to the given int64 value
func int64Ptr(i int64) *int64 {
	return &i
}

// shortHash truncates a bundle hash to fit a label value.
func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func docsRunLabels(run *agentsv1.DocsRun) map[string]string {
	return map[string]string{
		"app":     appLabelValue,
		LabelKind: KindDocs,
		LabelRun:  run.Name,
	}
}

func codeRunLabels(run *agentsv1.CodeRun) map[string]string {
	return map[string]string{
		"app":               appLabelValue,
		LabelKind:           KindCode,
		LabelRun:            run.Name,
		LabelContextVersion: strconv.Itoa(int(run.EffectiveContextVersion())),
	}
}

// runOwnerRef makes the run the controlling owner of a derived object, with
// blockOwnerDeletion so cluster GC cannot reap the object before the run's
// finalizer has run.
func runOwnerRef(obj metav1.Object, kind string) metav1.OwnerReference {
	return metav1.OwnerReference{
		APIVersion:         agentsv1.GroupVersion.String(),
		Kind:               kind,
		Name:               obj.GetName(),
		UID:                obj.GetUID(),
		Controller:         boolPtr(true),
		BlockOwnerDeletion: boolPtr(true),
	}
}

// buildDocsConfigMap materializes the artifact bundle for a DocsRun.
func buildDocsConfigMap(run *agentsv1.DocsRun, bundle *render.Bundle) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:            docsConfigMapName(run),
			Namespace:       run.Namespace,
			Labels:          docsRunLabels(run),
			OwnerReferences: []metav1.OwnerReference{runOwnerRef(run, "DocsRun")},
		},
		Data: bundle.Files,
	}
}

// buildCodeConfigMap materializes the artifact bundle for one
// (CodeRun, contextVersion) attempt.
func buildCodeConfigMap(run *agentsv1.CodeRun, bundle *render.Bundle) *corev1.ConfigMap {
	return &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:            codeConfigMapName(run),
			Namespace:       run.Namespace,
			Labels:          codeRunLabels(run),
			OwnerReferences: []metav1.OwnerReference{runOwnerRef(run, "CodeRun")},
		},
		Data: bundle.Files,
	}
}

// buildWorkspacePVC returns the shared per-service workspace claim. It carries
// no owner reference: the volume must outlive every run that mounts it.
func buildWorkspacePVC(run *agentsv1.CodeRun, cfg *config.Config) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      workspacePVCName(run.Spec.Service),
			Namespace: run.Namespace,
			Labels: map[string]string{
				"app":        appLabelValue,
				LabelService: run.Spec.Service,
			},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: cfg.WorkspaceQuantity(),
				},
			},
		},
	}
	if cfg.Storage.StorageClassName != "" {
		className := cfg.Storage.StorageClassName
		pvc.Spec.StorageClassName = &className
	}
	return pvc
}

// jobParams is the resolved input for building one agent Job.
type jobParams struct {
	runName       string
	namespace     string
	jobName       string
	configMapName string
	ownerRef      metav1.OwnerReference
	labels        map[string]string
	githubUser    string
	repositoryURL string
	extraEnv      []corev1.EnvVar
	workspacePVC  string // empty = scratch emptyDir workspace
}

// buildDocsJob constructs the desired Job for a DocsRun.
func buildDocsJob(run *agentsv1.DocsRun, cfg *config.Config, bundle *render.Bundle) *batchv1.Job {
	labels := docsRunLabels(run)
	labels[LabelConfigHash] = shortHash(bundle.Hash)

	return buildAgentJob(jobParams{
		runName:       run.Name,
		namespace:     run.Namespace,
		jobName:       docsJobName(run),
		configMapName: docsConfigMapName(run),
		ownerRef:      runOwnerRef(run, "DocsRun"),
		labels:        labels,
		githubUser:    run.Spec.GithubUser,
		repositoryURL: run.Spec.RepositoryURL,
	}, cfg)
}

// buildCodeJob constructs the desired Job for one (CodeRun, contextVersion)
// attempt, mounting the shared per-service workspace.
func buildCodeJob(run *agentsv1.CodeRun, cfg *config.Config, bundle *render.Bundle) *batchv1.Job {
	labels := codeRunLabels(run)
	labels[LabelConfigHash] = shortHash(bundle.Hash)

	var extraEnv []corev1.EnvVar

	// Sorted so identical specs build byte-identical Jobs.
	keys := make([]string, 0, len(run.Spec.Env))
	for k := range run.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		extraEnv = append(extraEnv, corev1.EnvVar{Name: k, Value: run.Spec.Env[k]})
	}

	for _, ref := range run.Spec.EnvFromSecrets {
		extraEnv = append(extraEnv, corev1.EnvVar{
			Name: ref.Name,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: ref.SecretName},
					Key:                  ref.SecretKey,
				},
			},
		})
	}

	// The agent wrote the session id back on a previous attempt; hand it to
	// the next Job so the session can resume. The operator never interprets it.
	if run.Spec.ContinueSession && run.Status.SessionID != "" {
		extraEnv = append(extraEnv, corev1.EnvVar{Name: EnvSessionID, Value: run.Status.SessionID})
	}

	return buildAgentJob(jobParams{
		runName:       run.Name,
		namespace:     run.Namespace,
		jobName:       codeJobName(run),
		configMapName: codeConfigMapName(run),
		ownerRef:      runOwnerRef(run, "CodeRun"),
		labels:        labels,
		githubUser:    run.Spec.GithubUser,
		repositoryURL: run.Spec.RepositoryURL,
		extraEnv:      extraEnv,
		workspacePVC:  workspacePVCName(run.Spec.Service),
	}, cfg)
}

// buildAgentJob assembles the Job shared by both kinds: one pod, one "agent"
// container, artifacts mounted read-only, workspace mounted read-write.
func buildAgentJob(params jobParams, cfg *config.Config) *batchv1.Job {
	var volumes []corev1.Volume
	var volumeMounts []corev1.VolumeMount

	envVars := []corev1.EnvVar{
		{Name: EnvRunName, Value: params.runName},
		{Name: EnvRunNamespace, Value: params.namespace},
		{Name: EnvWorkspaceDir, Value: render.WorkspaceMountPath},
	}

	if cfg.Secrets.APIKeySecretName != "" {
		envVars = append(envVars, corev1.EnvVar{
			Name: EnvModelAPIKey,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: cfg.Secrets.APIKeySecretName},
					Key:                  cfg.Secrets.APIKeySecretKey,
				},
			},
		})
	}

	// Repository credentials: SSH key mount for ssh-style URLs, token env for
	// HTTPS. Secret presence is a Job-time concern; the operator only names them.
	if params.githubUser != "" {
		if needsSSH(params.repositoryURL) {
			keyMode := int32(0o600)
			volumes = append(volumes, corev1.Volume{
				Name: "github-ssh",
				VolumeSource: corev1.VolumeSource{
					Secret: &corev1.SecretVolumeSource{
						SecretName: githubSSHSecretName(params.githubUser),
						Items: []corev1.KeyToPath{
							{
								Key:  sshPrivateKeyKey,
								Path: "id_ed25519",
								Mode: &keyMode,
							},
						},
						DefaultMode: &keyMode,
					},
				},
			})
			volumeMounts = append(volumeMounts, corev1.VolumeMount{
				Name:      "github-ssh",
				MountPath: render.SSHKeyMountPath,
				SubPath:   "id_ed25519",
				ReadOnly:  true,
			})
		} else {
			envVars = append(envVars, corev1.EnvVar{
				Name: EnvGithubToken,
				ValueFrom: &corev1.EnvVarSource{
					SecretKeyRef: &corev1.SecretKeySelector{
						LocalObjectReference: corev1.LocalObjectReference{Name: githubTokenSecretName(params.githubUser)},
						Key:                  tokenKey,
					},
				},
			})
		}
	}

	if cfg.Telemetry.Enabled {
		envVars = append(envVars,
			corev1.EnvVar{Name: "OTEL_EXPORTER_OTLP_ENDPOINT", Value: cfg.Telemetry.OTLPEndpoint},
			corev1.EnvVar{Name: "OTEL_EXPORTER_OTLP_PROTOCOL", Value: cfg.Telemetry.OTLPProtocol},
		)
		if cfg.Telemetry.LogsEndpoint != "" {
			envVars = append(envVars,
				corev1.EnvVar{Name: "OTEL_EXPORTER_OTLP_LOGS_ENDPOINT", Value: cfg.Telemetry.LogsEndpoint},
				corev1.EnvVar{Name: "OTEL_EXPORTER_OTLP_LOGS_PROTOCOL", Value: cfg.Telemetry.LogsProtocol},
			)
		}
	}

	envVars = append(envVars, params.extraEnv...)

	// Artifact bundle, read-only.
	volumes = append(volumes, corev1.Volume{
		Name: "artifacts",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: params.configMapName},
			},
		},
	})
	volumeMounts = append(volumeMounts, corev1.VolumeMount{
		Name:      "artifacts",
		MountPath: render.ArtifactMountPath,
		ReadOnly:  true,
	})

	// Workspace: the shared per-service claim for code runs, scratch space for
	// docs runs.
	workspaceSource := corev1.VolumeSource{EmptyDir: &corev1.EmptyDirVolumeSource{}}
	if params.workspacePVC != "" {
		workspaceSource = corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: params.workspacePVC},
		}
	}
	volumes = append(volumes, corev1.Volume{Name: "workspace", VolumeSource: workspaceSource})
	volumeMounts = append(volumeMounts, corev1.VolumeMount{Name: "workspace", MountPath: render.WorkspaceMountPath})

	var imagePullSecrets []corev1.LocalObjectReference
	for _, name := range cfg.Agent.ImagePullSecrets {
		imagePullSecrets = append(imagePullSecrets, corev1.LocalObjectReference{Name: name})
	}

	jobSpec := batchv1.JobSpec{
		Parallelism:  int32Ptr(1),
		Completions:  int32Ptr(1),
		BackoffLimit: int32Ptr(0), // No retries - AI runs are not idempotent
		Template: corev1.PodTemplateSpec{
			ObjectMeta: metav1.ObjectMeta{
				Labels: params.labels,
			},
			Spec: corev1.PodSpec{
				RestartPolicy:    corev1.RestartPolicyNever,
				ImagePullSecrets: imagePullSecrets,
				Containers: []corev1.Container{
					{
						Name:            "agent",
						Image:           cfg.AgentImage(),
						ImagePullPolicy: corev1.PullIfNotPresent,
						Command:         []string{"/bin/bash", render.ArtifactMountPath + "/" + render.KeyEntrypoint},
						Env:             envVars,
						VolumeMounts:    volumeMounts,
					},
				},
				Volumes: volumes,
			},
		},
	}
	if cfg.Job.ActiveDeadlineSeconds > 0 {
		jobSpec.ActiveDeadlineSeconds = int64Ptr(cfg.Job.ActiveDeadlineSeconds)
	}

	return &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:            params.jobName,
			Namespace:       params.namespace,
			Labels:          params.labels,
			OwnerReferences: []metav1.OwnerReference{params.ownerRef},
		},
		Spec: jobSpec,
	}
}
