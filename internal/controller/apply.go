// Copyright Contributors to the Agent Platform project

package controller

import (
	"context"

	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/util/retry"
	"sigs.k8s.io/controller-runtime/pkg/client"
)

// applyConfigMap creates the desired ConfigMap or overwrites an existing one's
// data, refetching on conflict so a stale resourceVersion never wedges the run.
func applyConfigMap(ctx context.Context, c client.Client, desired *corev1.ConfigMap) error {
	err := c.Create(ctx, desired)
	if err == nil || !errors.IsAlreadyExists(err) {
		return err
	}
	return retry.RetryOnConflict(retry.DefaultRetry, func() error {
		existing := &corev1.ConfigMap{}
		key := types.NamespacedName{Name: desired.Name, Namespace: desired.Namespace}
		if err := c.Get(ctx, key, existing); err != nil {
			return err
		}
		existing.Data = desired.Data
		existing.Labels = desired.Labels
		existing.OwnerReferences = desired.OwnerReferences
		return c.Update(ctx, existing)
	})
}

// ensureWorkspacePVCExists creates the shared per-service claim if missing.
// The claim is never updated or deleted here; a concurrent create by another
// run's reconcile is accepted as success.
func ensureWorkspacePVCExists(ctx context.Context, c client.Client, desired *corev1.PersistentVolumeClaim) error {
	existing := &corev1.PersistentVolumeClaim{}
	key := types.NamespacedName{Name: desired.Name, Namespace: desired.Namespace}
	err := c.Get(ctx, key, existing)
	if err == nil {
		return nil
	}
	if !errors.IsNotFound(err) {
		return err
	}
	if err := c.Create(ctx, desired); err != nil && !errors.IsAlreadyExists(err) {
		return err
	}
	return nil
}
