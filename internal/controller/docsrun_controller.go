// Copyright Contributors to the Agent Platform project

// Package controller implements the Kubernetes controllers for agent runs
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

// DocsRunReconciler reconciles a DocsRun object
type DocsRunReconciler struct {
	client.Client
	Scheme   *runtime.Scheme
	Recorder record.EventRecorder
	Config   *config.Config

	// renderFn is replaced in tests to exercise render failures
	renderFn func(*agentsv1.DocsRun, *config.Config) (*render.Bundle, error)
}

// +kubebuilder:rbac:groups=agents.platform,resources=docsruns,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups=agents.platform,resources=docsruns/status,verbs=get;update;patch
// +kubebuilder:rbac:groups=agents.platform,resources=docsruns/finalizers,verbs=update
// +kubebuilder:rbac:groups=batch,resources=jobs,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=configmaps,verbs=get;list;watch;create;update;patch;delete
// +kubebuilder:rbac:groups="",resources=events,verbs=create;patch

// Reconcile drives one DocsRun toward its desired state: artifacts rendered,
// ConfigMap applied, Job created, status projected from the observed Job.
func (r *DocsRunReconciler) Reconcile(ctx context.Context, req ctrl.Request) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	run := &agentsv1.DocsRun{}
	if err := r.Get(ctx, req.NamespacedName, run); err != nil {
		if errors.IsNotFound(err) {
			// Run deleted; cluster GC reaps the owned objects
			return ctrl.Result{}, nil
		}
		log.Error(err, "unable to fetch DocsRun")
		return ctrl.Result{}, err
	}

	if !run.DeletionTimestamp.IsZero() {
		return r.handleDeletion(ctx, run)
	}

	// A finished DocsRun is inert; re-running means creating a new one.
	if run.Status.Phase.IsTerminal() && run.Status.WorkCompleted {
		return ctrl.Result{}, nil
	}

	if !controllerutil.ContainsFinalizer(run, DocsRunFinalizer) {
		controllerutil.RemoveFinalizer(run, legacyDocsRunFinalizer)
		controllerutil.AddFinalizer(run, DocsRunFinalizer)
		if err := r.Update(ctx, run); err != nil {
			log.Error(err, "unable to add finalizer")
			return ctrl.Result{}, err
		}
		// Requeue to continue with the updated object
		return ctrl.Result{Requeue: true}, nil
	}

	return r.apply(ctx, run)
}

// apply is the non-deleting path: render, apply ConfigMap, ensure Job, project
// status, and apply the cleanup policy once the run is terminal.
func (r *DocsRunReconciler) apply(ctx context.Context, run *agentsv1.DocsRun) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	bundle, err := r.render(run)
	if err != nil {
		log.Error(err, "unable to render artifacts")
		metrics.RenderFailuresTotal.WithLabelValues(KindDocs).Inc()
		r.Recorder.Event(run, corev1.EventTypeWarning, agentsv1.ReasonTemplateError, err.Error())
		return r.failRun(ctx, run, agentsv1.ReasonTemplateError, err)
	}

	if err := applyConfigMap(ctx, r.Client, buildDocsConfigMap(run, bundle)); err != nil {
		log.Error(err, "unable to apply ConfigMap")
		return ctrl.Result{}, err
	}

	var observed *batchv1.Job
	job := &batchv1.Job{}
	jobKey := types.NamespacedName{Name: docsJobName(run), Namespace: run.Namespace}
	if err := r.Get(ctx, jobKey, job); err != nil {
		if !errors.IsNotFound(err) {
			log.Error(err, "unable to fetch Job")
			return ctrl.Result{}, err
		}
	} else {
		observed = job
	}

	// Create the Job once. A terminal run never gets a new Job, even when the
	// cleanup policy already deleted the finished one.
	if observed == nil && !run.Status.Phase.IsTerminal() {
		desired := buildDocsJob(run, r.Config, bundle)
		if err := r.Create(ctx, desired); err != nil && !errors.IsAlreadyExists(err) {
			log.Error(err, "unable to create Job")
			return ctrl.Result{}, err
		}
		log.Info("created job", "job", desired.Name)
		r.Recorder.Eventf(run, corev1.EventTypeNormal, "JobCreated", "Created job %s", desired.Name)
		metrics.JobsCreatedTotal.WithLabelValues(KindDocs).Inc()
		observed = desired
	}

	if observed != nil && observed.Labels[LabelConfigHash] != shortHash(bundle.Hash) {
		// Jobs are immutable by policy; the new bundle only applies to future runs.
		log.V(1).Info("artifact bundle changed after job creation", "job", observed.Name)
	}

	previous := run.Status.Phase
	if projectDocsStatus(run, observed, docsJobName(run), docsConfigMapName(run)) {
		if err := r.updateStatus(ctx, run); err != nil {
			log.Error(err, "unable to update DocsRun status")
			return ctrl.Result{}, err
		}
		if run.Status.Phase != previous {
			metrics.PhaseTransitionsTotal.WithLabelValues(KindDocs, string(run.Status.Phase)).Inc()
			log.Info("phase transition", "from", previous, "to", run.Status.Phase)
		}
	}

	if observed != nil && shouldCleanupJob(r.Config, run.Status.Phase) {
		if err := r.Delete(ctx, observed, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
			log.Error(err, "unable to delete finished job")
			return ctrl.Result{}, err
		}
		metrics.CleanupsTotal.WithLabelValues(KindDocs).Inc()
		log.Info("deleted finished job", "job", observed.Name)
	}

	return ctrl.Result{}, nil
}

// handleDeletion deletes the run's Job and ConfigMap, preserves the workspace
// volume, and releases the finalizer last.
func (r *DocsRunReconciler) handleDeletion(ctx context.Context, run *agentsv1.DocsRun) (ctrl.Result, error) {
	log := log.FromContext(ctx)

	if !controllerutil.ContainsFinalizer(run, DocsRunFinalizer) &&
		!controllerutil.ContainsFinalizer(run, legacyDocsRunFinalizer) {
		// No finalizer, nothing to clean up
		return ctrl.Result{}, nil
	}

	job := &batchv1.Job{ObjectMeta: metav1.ObjectMeta{
		Name:      docsJobName(run),
		Namespace: run.Namespace,
	}}
	if err := r.Delete(ctx, job, client.PropagationPolicy(metav1.DeletePropagationBackground)); err != nil && !errors.IsNotFound(err) {
		log.Error(err, "unable to delete Job during cleanup")
		return ctrl.Result{}, err
	}

	cm := &corev1.ConfigMap{ObjectMeta: metav1.ObjectMeta{
		Name:      docsConfigMapName(run),
		Namespace: run.Namespace,
	}}
	if err := r.Delete(ctx, cm); err != nil && !errors.IsNotFound(err) {
		log.Error(err, "unable to delete ConfigMap during cleanup")
		return ctrl.Result{}, err
	}

	controllerutil.RemoveFinalizer(run, DocsRunFinalizer)
	controllerutil.RemoveFinalizer(run, legacyDocsRunFinalizer)
	if err := r.Update(ctx, run); err != nil {
		log.Error(err, "unable to remove finalizer")
		return ctrl.Result{}, err
	}

	log.Info("cleaned up DocsRun", "run", run.Name)
	return ctrl.Result{}, nil
}

// failRun marks the run Failed for an input-driven error.
func (r *DocsRunReconciler) failRun(ctx context.Context, run *agentsv1.DocsRun, reason string, cause error) (ctrl.Result, error) {
	run.Status.Phase = agentsv1.RunPhaseFailed
	run.Status.Message = cause.Error()
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
func (r *DocsRunReconciler) updateStatus(ctx context.Context, run *agentsv1.DocsRun) error {
	status := run.Status
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		fresh := &agentsv1.DocsRun{}
		if err := r.Get(ctx, types.NamespacedName{Name: run.Name, Namespace: run.Namespace}, fresh); err != nil {
			return err
		}
		fresh.Status = status
		return r.Status().Update(ctx, fresh)
	})
}

func (r *DocsRunReconciler) render(run *agentsv1.DocsRun) (*render.Bundle, error) {
	if r.renderFn != nil {
		return r.renderFn(run, r.Config)
	}
	return render.Docs(run, r.Config)
}

// SetupWithManager sets up the controller with the Manager
func (r *DocsRunReconciler) SetupWithManager(mgr ctrl.Manager) error {
	return ctrl.NewControllerManagedBy(mgr).
		For(&agentsv1.DocsRun{}).
		Owns(&batchv1.Job{}).
		WithOptions(controller.Options{MaxConcurrentReconciles: r.Config.Operator.MaxConcurrentReconciles}).
		Complete(r)
}
