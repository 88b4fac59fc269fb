// Copyright Contributors to the Agent Platform project

package controller

import (
	"context"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/tools/record"
	"k8s.io/client-go/util/retry"
	ctrl "sigs.k8s.io/controller-runtime"
	"sigs.k8s.io/controller-runtime/pkg/client"
	"sigs.k8s.io/controller-runtime/pkg/controller"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"
	"sigs.k8s.io/controller-runtime/pkg/log"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/config"
	"github.com/5dlabs/platform-sub001/internal/metrics"
	"github.com/5dlabs/platform-sub001/internal/render"
)

// CodeRunReconciler reconciles a CodeRun object
type CodeRunReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Config   *config.Config

	// renderFn is replaced in tests to exercise render failures
	renderFn func(*agentsv1.CodeRun, *config.Config) (*render.Bundle, error)
}

// +kubebuilder:rbac:groups=agents.platform,resources=coderuns,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=agents.platform,resources=coderuns/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=agents.platform,resources=coderuns/finalizers,verbs=update
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=persistentvolumeclaims,verbs=get;list;watch;create
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives one CodeRun attempt toward its desired state. Each
// spec.contextVersion is a separate attempt with its own ConfigMap and Job;
// the per-service workspace volume is shared across attempts.
func (r *CodeRunReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	run := &agentsv1.CodeRun{}
	if err := r.Get(ctx, req.NamespacedName, run); err != nil {
		if errors.IsNotFound(err) {
			// Run deleted; cluster GC reaps the owned objects
			return ctrl.Result{}, nil
		}
		log.Error(err, "unable to fetch CodeRun")
		return ctrl.Result{}, err
	}

	if !run.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, run)
	}

	// A terminal run is inert until the submitter bumps contextVersion.
	if run.Status.Phase.IsTerminal() && run.Status.ContextVersion == run.EffectiveContextVersion() {
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(run, CodeRunFinalizer) {
		controllerutil.RemoveFinalizer(run, legacyCodeRunFinalizer)
		controllerutil.AddFinalizer(run, CodeRunFinalizer)
		if err := r.Update(ctx, run); err != nil {
			log.Error(err, "unable to add finalizer")
			return ctrl.Result{}, err
		}
		// Requeue to continue with the updated object
		return ctrl.Result{Requeue: true}, nil
	}

	return r.apply(ctx, run)
}

// apply is the non-deleting path for the run's current contextVersion.
func (r *CodeRunReconciler) apply(ctx context.Context, run *agentsv1.CodeRun) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	version := run.EffectiveContextVersion()
	versionChanged := run.Status.ContextVersion != 0 && run.Status.ContextVersion != version
	if versionChanged {
		log.Info("contextVersion bumped, starting a new attempt",
			"previous", run.Status.ContextVersion, "current", version)
	}

	bundle, err := r.render(run)
	if err != nil {
		log.Error(err, "unable to render artifacts")
		metrics.RenderFailuresTotal.WithLabelValues(KindCode).Inc()
		r.Recorder.Event(run, corev1.EventTypeWarning, agentsv1.ReasonTemplateError, err.Error())
		return r.failRun(ctx, run, agentsv1.ReasonTemplateError, err)
	}

	if err := applyConfigMap(ctx, r.Client, buildCodeConfigMap(run, bundle)); err != nil {
		log.Error(err, "unable to apply ConfigMap")
		return ctrl.Result{}, err
	}

	if err := ensureWorkspacePVCExists(ctx, r.Client, buildWorkspacePVC(run, r.Config)); err != nil {
		log.Error(err, "unable to ensure workspace PVC")
		return ctrl.Result{}, err
	}

	var observed *batchv1.Job
	job := &batchv1.Job{}
	jobKey := types.NamespacedName{Name: codeJobName(run), Namespace: run.Namespace}
	if err := r.Get(ctx, jobKey, job); err != nil {
		if !errors.IsNotFound(err) {
			log.Error(err, "unable to fetch Job")
			return ctrl.Result{}, err
		}
	} else {
		observed = job
	}

	// Create this attempt's Job once. A terminal attempt never gets a new Job;
	// only a version bump opens a fresh one. Jobs for stale versions are left
	// alone here and swept once they finish.
	if observed == nil && (versionChanged || !run.Status.Phase.IsTerminal()) {
		desired := buildCodeJob(run, r.Config, bundle)
		if err := r.Create(ctx, desired); err != nil && !errors.IsAlreadyExists(err) {
			log.Error(err, "unable to create Job")
			return ctrl.Result{}, err
		}
		log.Info("created job", "job", desired.Name, "contextVersion", version)
		r.Recorder.Eventf(run, corev1.EventTypeNormal, "JobCreated", "Created job %s for attempt %d", desired.Name, version)
		metrics.JobsCreatedTotal.WithLabelValues(KindCode).Inc()
		observed = desired
	}

	previous := run.Status.Phase
	if projectCodeStatus(run, observed, codeJobName(run), codeConfigMapName(run)) {
		if err := r.updateStatus(ctx, run); err != nil {
			log.Error(err, "unable to update CodeRun status")
			return ctrl.Result{}, err
		}
		if run.Status.Phase != previous {
			metrics.PhaseTransitionsTotal.WithLabelValues(KindCode, string(run.Status.Phase)).Inc()
			log.Info("phase transition", "from", previous, "to", run.Status.Phase, "contextVersion", version)
		}
	}

	if r.Config.Cleanup.Enabled {
		if err := r.cleanupFinishedJobs(ctx, run, observed); err != nil {
			log.Error(err, "unable to clean up finished jobs")
			return ctrl.Result{}, err
		}
	}

	return ctrl.Result{}, nil
}

// cleanupFinishedJobs deletes the current attempt's Job once the run is
// terminal, and any stale-version Job that has itself finished.
func (r *CodeRunReconciler) cleanupFinishedJobs(ctx context.Context, run *agentsv1.CodeRun, observed *batchv1.Job) error {
	log := log.FromContext(ctx)

	if observed != nil && run.Status.Phase.IsTerminal() {
		if err := r.Delete(ctx, observed, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
			return err
		}
		metrics.CleanupsTotal.WithLabelValues(KindCode).Inc()
		log.Info("deleted finished job", "job", observed.Name)
	}

	jobList := &batchv1.JobList{}
	listOpts := []client.ListOption{
		client.InNamespace(run.Namespace),
		client.MatchingLabels{LabelRun: run.Name, LabelKind: KindCode},
	}
	if err := r.List(ctx, jobList, listOpts...); err != nil {
		return err
	}

	currentJob := codeJobName(run)
	for i := range jobList.Items {
		stale := &jobList.Items[i]
		if stale.Name == currentJob {
			continue
		}
		if !observeJob(stale).phase.IsTerminal() {
			continue
		}
		if err := r.Delete(ctx, stale, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
			return err
		}
		metrics.CleanupsTotal.WithLabelValues(KindCode).Inc()
		log.Info("deleted stale attempt job", "job", stale.Name)
	}
	return nil
}

// handleDeletion deletes every attempt's Job and ConfigMap, preserves the
// shared workspace volume, and releases the finalizer last.
func (r *CodeRunReconciler) handleDeletion(ctx context.Context, run *agentsv1.CodeRun) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(run, CodeRunFinalizer) &&
		!controllerutil.ContainsFinalizer(run, legacyCodeRunFinalizer) {
		// No finalizer, nothing to clean up
		return ctrl.Result{}, nil
	}

	selector := []client.ListOption{
		client.InNamespace(run.Namespace),
		client.MatchingLabels{LabelRun: run.Name, LabelKind: KindCode},
	}

	jobList := &batchv1.JobList{}
	if err := r.List(ctx, jobList, selector...); err != nil {
		log.Error(err, "unable to list Jobs during cleanup")
		return ctrl.Result{}, err
	}
	for i := range jobList.Items {
		if err := r.Delete(ctx, &jobList.Items[i], client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
			log.Error(err, "unable to delete Job during cleanup", "job", jobList.Items[i].Name)
			return ctrl.Result{}, err
		}
	}

	cmList := &corev1.ConfigMapList{}
	if err := r.List(ctx, cmList, selector...); err != nil {
		log.Error(err, "unable to list ConfigMaps during cleanup")
		return ctrl.Result{}, err
	}
	for i := range cmList.Items {
		if err := r.Delete(ctx, &cmList.Items[i]); err != nil && !errors.IsNotFound(err) {
			log.Error(err, "unable to delete ConfigMap during cleanup", "configmap", cmList.Items[i].Name)
			return ctrl.Result{}, err
		}
	}

	// The workspace PVC is shared across runs and deliberately left in place.

	controllerutil.RemoveFinalizer(run, CodeRunFinalizer)
	controllerutil.RemoveFinalizer(run, legacyCodeRunFinalizer)
	if err := r.Update(ctx, run); err != nil {
		log.Error(err, "unable to remove finalizer")
		return ctrl.Result{}, err
	}

	log.Info("cleaned up CodeRun", "run", run.Name)
	return ctrl.Result{}, nil
}

// failRun marks the run Failed for an input-driven error.
func (r *CodeRunReconciler) failRun(ctx context.Context, run *agentsv1.CodeRun, reason string, cause error) (ctrl.Result, error) {
	run.Status.Phase = agentsv1.RunPhaseFailed
	run.Status.Message = cause.Error()
	run.Status.ContextVersion = run.EffectiveContextVersion()
	setPhaseCondition(&run.Status.Conditions, agentsv1.RunPhaseFailed, reason, cause.Error(), run.Generation)
	now := metav1.Now()
	run.Status.LastUpdate = &now
	if err := r.updateStatus(ctx, run); err != nil {
		return ctrl.Result{}, err
	}
	return ctrl.Result{}, nil // Don't requeue, the inputs have to change first
}

// updateStatus writes the computed status against a fresh read, retrying on
// conflict a bounded number of times.
func (r *CodeRunReconciler) updateStatus(ctx context.Context, run *agentsv1.CodeRun) error {
	status := run.Status
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		fresh := &agentsv1.CodeRun{}
		if err := r.Get(ctx, types.NamespacedName{Name: run.Name, Namespace: run.Namespace}, fresh); err != nil {
			return err
		}
		fresh.Status = status
		return r.Status().Update(ctx, fresh)
	})
}

func (r *CodeRunReconciler) render(run *agentsv1.CodeRun) (*render.Bundle, error) {
	if r.renderFn != nil {
		return r.renderFn(run, r.Config)
	}
	return render.Code(run, r.Config)
}

// SetupWithManager sets up the controller with the Manager
func (r *CodeRunReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&agentsv1.CodeRun{}).
		Owns(&batchv1.Job{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.Config.Operator.MaxConcurrentReconciles}).
		Complete(r)
}
