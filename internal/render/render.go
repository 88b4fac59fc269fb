// Copyright Contributors to the Agent Platform project

// Package render produces the per-run artifact bundle (agent memory, prompt,
// tool policy, entrypoint script) from the embedded template set. Rendering is
// pure: identical (spec, config) inputs yield byte-identical bundles.
package render

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"text/template"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/config"
)

const (
	// KeyMemory is the ConfigMap data key for the agent memory file
	KeyMemory = "memory.md"
	// KeyPrompt is the ConfigMap data key for the first-turn prompt
	KeyPrompt = "prompt.md"
	// KeyToolPolicy is the ConfigMap data key for the tool-policy document
	KeyToolPolicy = "tools.json"
	// KeyEntrypoint is the ConfigMap data key for the Job entrypoint script
	KeyEntrypoint = "entrypoint.sh"

	// ArtifactMountPath is where the artifact ConfigMap is mounted in the
	// agent container. The entrypoint templates reference files under it.
	ArtifactMountPath = "/etc/agent"
	// WorkspaceMountPath is where the workspace volume is mounted
	WorkspaceMountPath = "/workspace"
	// SSHKeyMountPath is where the GitHub SSH private key is mounted,
	// mode 0600, when the repository requires SSH access
	SSHKeyMountPath = "/home/agent/.ssh/id_ed25519"
)

//go:embed templates/docs/*.tmpl templates/code/*.tmpl
var templateFS embed.FS

var funcMap = template.FuncMap{
	"toJson": func(v any) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
}

var (
	docsSet = mustParse("docs", "templates/docs/*.tmpl")
	codeSet = mustParse("code", "templates/code/*.tmpl")
)

func mustParse(name, glob string) *template.Template {
	return template.Must(template.New(name).Option("missingkey=error").Funcs(funcMap).ParseFS(templateFS, glob))
}

// artifactTemplates maps ConfigMap data keys to template file names within a set.
var artifactTemplates = map[string]string{
	KeyMemory:     "memory.md.tmpl",
	KeyPrompt:     "prompt.md.tmpl",
	KeyToolPolicy: "tools.json.tmpl",
	KeyEntrypoint: "entrypoint.sh.tmpl",
}

// Bundle is the rendered artifact set for one run attempt.
type Bundle struct {
	// Files maps ConfigMap data keys to rendered content.
	Files map[string]string
	// Hash is the hex sha256 over the bundle contents in key order.
	// Identical inputs always produce the same hash.
	Hash string
}

// Error marks a failed render. Render failures are input-driven and are never
// retried; the reconciler surfaces them on the run as a TemplateError condition.
type Error struct {
	Artifact string
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("rendering %s: %v", e.Artifact, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// DocsContext is the template context for DocsRun artifacts.
type DocsContext struct {
	Name             string
	Namespace        string
	RepositoryURL    string
	WorkingDirectory string
	SourceBranch     string
	Model            string
	GithubUser       string
	GithubApp        string
	IncludeCodebase  bool

	Permissions config.PermissionsConfig
	Telemetry   config.TelemetryConfig
	LocalTools  []string
	RemoteTools []string
}

// CodeContext is the template context for CodeRun artifacts.
type CodeContext struct {
	Name                 string
	Namespace            string
	TaskID               int32
	Service              string
	RepositoryURL        string
	DocsRepositoryURL    string
	DocsProjectDirectory string
	WorkingDirectory     string
	Model                string
	GithubUser           string
	ContextVersion       int32
	PromptModification   string
	PromptMode           string
	DocsBranch           string
	ContinueSession      bool
	OverwriteMemory      bool

	Permissions config.PermissionsConfig
	Telemetry   config.TelemetryConfig
	LocalTools  []string
	RemoteTools []string
}

// PromptModeFor returns how spec.promptModification applies to the rendered
// prompt. The agents.platform/prompt-mode annotation selects replace;
// everything else appends.
func PromptModeFor(run *agentsv1.CodeRun) agentsv1.PromptMode {
	if run.Annotations[agentsv1.AnnotationPromptMode] == string(agentsv1.PromptModeReplace) {
		return agentsv1.PromptModeReplace
	}
	return agentsv1.PromptModeAppend
}

// Docs renders the artifact bundle for a DocsRun.
func Docs(run *agentsv1.DocsRun, cfg *config.Config) (*Bundle, error) {
	rc := DocsContext{
		Name:             run.Name,
		Namespace:        run.Namespace,
		RepositoryURL:    run.Spec.RepositoryURL,
		WorkingDirectory: run.Spec.WorkingDirectory,
		SourceBranch:     run.Spec.SourceBranch,
		Model:            run.Spec.Model,
		GithubUser:       run.Spec.GithubUser,
		GithubApp:        run.Spec.GithubApp,
		IncludeCodebase:  run.Spec.IncludeCodebase,
		Permissions:      normalizedPermissions(cfg),
		Telemetry:        cfg.Telemetry,
		LocalTools:       []string{},
		RemoteTools:      []string{},
	}
	return renderBundle(docsSet, &rc)
}

// Code renders the artifact bundle for one (CodeRun, contextVersion) attempt.
func Code(run *agentsv1.CodeRun, cfg *config.Config) (*Bundle, error) {
	rc := CodeContext{
		Name:                 run.Name,
		Namespace:            run.Namespace,
		TaskID:               run.Spec.TaskID,
		Service:              run.Spec.Service,
		RepositoryURL:        run.Spec.RepositoryURL,
		DocsRepositoryURL:    run.Spec.DocsRepositoryURL,
		DocsProjectDirectory: run.Spec.DocsProjectDirectory,
		WorkingDirectory:     run.Spec.WorkingDirectory,
		Model:                run.Spec.Model,
		GithubUser:           run.Spec.GithubUser,
		ContextVersion:       run.EffectiveContextVersion(),
		PromptModification:   run.Spec.PromptModification,
		PromptMode:           string(PromptModeFor(run)),
		DocsBranch:           run.Spec.DocsBranch,
		ContinueSession:      run.Spec.ContinueSession,
		OverwriteMemory:      run.Spec.OverwriteMemory,
		Permissions:          normalizedPermissions(cfg),
		Telemetry:            cfg.Telemetry,
		LocalTools:           []string{},
		RemoteTools:          []string{},
	}
	if rc.DocsBranch == "" {
		rc.DocsBranch = "main"
	}
	if run.Spec.Tools != nil {
		rc.LocalTools = nonNilStrings(run.Spec.Tools.Local)
		rc.RemoteTools = nonNilStrings(run.Spec.Tools.Remote)
	}
	return renderBundle(codeSet, &rc)
}

func renderBundle(set *template.Template, ctx any) (*Bundle, error) {
	files := make(map[string]string, len(artifactTemplates))
	for key, tmpl := range artifactTemplates {
		var buf bytes.Buffer
		if err := set.ExecuteTemplate(&buf, tmpl, ctx); err != nil {
			return nil, &Error{Artifact: key, Err: err}
		}
		files[key] = buf.String()
	}
	return &Bundle{Files: files, Hash: bundleHash(files)}, nil
}

// normalizedPermissions returns the configured tool permissions with nil
// slices replaced, so the tool-policy JSON always carries arrays.
func normalizedPermissions(cfg *config.Config) config.PermissionsConfig {
	p := cfg.Permissions
	p.Allow = nonNilStrings(p.Allow)
	p.Deny = nonNilStrings(p.Deny)
	return p
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// bundleHash hashes files in sorted key order with separators, so neither map
// order nor key/content boundaries can alias.
func bundleHash(files map[string]string) string {
	keys := make([]string, 0, len(files))
	for k := range files {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		h.Write([]byte(files[k]))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
