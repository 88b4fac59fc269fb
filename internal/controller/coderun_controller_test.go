// Copyright Contributors to the Agent Platform project

//go:build integration

// See suite_test.go for explanation of the "integration" build tag pattern.

package controller

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
)

var _ = Describe("CodeRunController", func() {
	const (
		runNamespace = "default"
	)

	newCodeRun := func(name, service string) *agentsv1.CodeRun {
		return &agentsv1.CodeRun{
			ObjectMeta: metav1.ObjectMeta{
				Name:      name,
				Namespace: runNamespace,
			},
			Spec: agentsv1.CodeRunSpec{
				TaskID:            4,
				Service:           service,
				RepositoryURL:     "https://github.com/example/" + service,
				DocsRepositoryURL: "https://github.com/example/docs",
				Model:             "sonnet",
				GithubUser:        "code-bot",
			},
		}
	}

	Context("When creating a CodeRun", func() {
		It("Should create the workspace PVC and versioned ConfigMap and Job", func() {
			runName := "code-create"
			run := newCodeRun(runName, "billing")

			By("Creating the CodeRun")
			Expect(k8sClient.Create(ctx, run)).Should(Succeed())

			By("Checking the per-service workspace PVC exists without owner references")
			pvcKey := types.NamespacedName{Name: "workspace-billing", Namespace: runNamespace}
			createdPVC := &corev1.PersistentVolumeClaim{}
			Eventually(func() bool {
				return k8sClient.Get(ctx, pvcKey, createdPVC) == nil
			}, timeout, interval).Should(BeTrue())
			Expect(createdPVC.OwnerReferences).Should(BeEmpty())
			Expect(createdPVC.Spec.AccessModes).Should(ConsistOf(corev1.ReadWriteOnce))

			By("Checking the version-1 ConfigMap and Job exist")
			cmKey := types.NamespacedName{Name: runName + "-cfg-1", Namespace: runNamespace}
			Eventually(func() bool {
				return k8sClient.Get(ctx, cmKey, &corev1.ConfigMap{}) == nil
			}, timeout, interval).Should(BeTrue())

			jobKey := types.NamespacedName{Name: runName + "-job-1", Namespace: runNamespace}
			createdJob := &batchv1.Job{}
			Eventually(func() bool {
				return k8sClient.Get(ctx, jobKey, createdJob) == nil
			}, timeout, interval).Should(BeTrue())

			By("Verifying the Job mounts the shared workspace claim")
			foundWorkspace := false
			for _, v := range createdJob.Spec.Template.Spec.Volumes {
				if v.PersistentVolumeClaim != nil && v.PersistentVolumeClaim.ClaimName == "workspace-billing" {
					foundWorkspace = true
				}
			}
			Expect(foundWorkspace).Should(BeTrue())

			By("Checking status reflects the attempt")
			runKey := types.NamespacedName{Name: runName, Namespace: runNamespace}
			createdRun := &agentsv1.CodeRun{}
			Eventually(func() int32 {
				if err := k8sClient.Get(ctx, runKey, createdRun); err != nil {
					return 0
				}
				return createdRun.Status.ContextVersion
			}, timeout, interval).Should(Equal(int32(1)))

			By("Cleaning up")
			Expect(k8sClient.Delete(ctx, run)).Should(Succeed())
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, runKey, &agentsv1.CodeRun{}))
			}, timeout, interval).Should(BeTrue())
		})
	})

	Context("When a failed CodeRun's contextVersion is bumped", func() {
		It("Should reset the phase and create a fresh ConfigMap and Job", func() {
			runName := "code-retry"
			run := newCodeRun(runName, "payments")

			Expect(k8sClient.Create(ctx, run)).Should(Succeed())

			jobKey := types.NamespacedName{Name: runName + "-job-1", Namespace: runNamespace}
			createdJob := &batchv1.Job{}
			Eventually(func() bool {
				return k8sClient.Get(ctx, jobKey, createdJob) == nil
			}, timeout, interval).Should(BeTrue())

			By("Failing the first attempt's Job")
			Eventually(func() error {
				if err := k8sClient.Get(ctx, jobKey, createdJob); err != nil {
					return err
				}
				createdJob.Status.Failed = 1
				createdJob.Status.Conditions = []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Message: "exit status 1"},
				}
				return k8sClient.Status().Update(ctx, createdJob)
			}, timeout, interval).Should(Succeed())

			runKey := types.NamespacedName{Name: runName, Namespace: runNamespace}
			observedRun := &agentsv1.CodeRun{}
			Eventually(func() agentsv1.RunPhase {
				if err := k8sClient.Get(ctx, runKey, observedRun); err != nil {
					return ""
				}
				return observedRun.Status.Phase
			}, timeout, interval).Should(Equal(agentsv1.RunPhaseFailed))

			By("Bumping contextVersion with a prompt modification")
			Eventually(func() error {
				if err := k8sClient.Get(ctx, runKey, observedRun); err != nil {
					return err
				}
				observedRun.Spec.ContextVersion = 2
				observedRun.Spec.PromptModification = "the previous attempt missed the API error paths"
				return k8sClient.Update(ctx, observedRun)
			}, timeout, interval).Should(Succeed())

			By("Checking the second attempt's ConfigMap and Job exist")
			cmKey2 := types.NamespacedName{Name: runName + "-cfg-2", Namespace: runNamespace}
			Eventually(func() bool {
				return k8sClient.Get(ctx, cmKey2, &corev1.ConfigMap{}) == nil
			}, timeout, interval).Should(BeTrue())
			jobKey2 := types.NamespacedName{Name: runName + "-job-2", Namespace: runNamespace}
			Eventually(func() bool {
				return k8sClient.Get(ctx, jobKey2, &batchv1.Job{}) == nil
			}, timeout, interval).Should(BeTrue())

			By("Checking the status reset for the new attempt")
			Eventually(func() bool {
				if err := k8sClient.Get(ctx, runKey, observedRun); err != nil {
					return false
				}
				return observedRun.Status.ContextVersion == 2 && !observedRun.Status.Phase.IsTerminal()
			}, timeout, interval).Should(BeTrue())
			Expect(observedRun.Status.RetryCount).Should(Equal(int32(1)))
			Expect(observedRun.Status.PromptModification).Should(Equal("the previous attempt missed the API error paths"))

			By("Verifying the stale attempt's Job is left in place while cleanup is disabled")
			Expect(k8sClient.Get(ctx, jobKey, &batchv1.Job{})).Should(Succeed())

			By("Cleaning up")
			Expect(k8sClient.Delete(ctx, run)).Should(Succeed())
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, runKey, &agentsv1.CodeRun{}))
			}, timeout, interval).Should(BeTrue())
		})
	})

	Context("When deleting a CodeRun", func() {
		It("Should remove every attempt's Job and ConfigMap but preserve the workspace", func() {
			runName := "code-delete"
			run := newCodeRun(runName, "ledger")

			Expect(k8sClient.Create(ctx, run)).Should(Succeed())

			jobKey := types.NamespacedName{Name: runName + "-job-1", Namespace: runNamespace}
			Eventually(func() bool {
				return k8sClient.Get(ctx, jobKey, &batchv1.Job{}) == nil
			}, timeout, interval).Should(BeTrue())
			pvcKey := types.NamespacedName{Name: "workspace-ledger", Namespace: runNamespace}
			Eventually(func() bool {
				return k8sClient.Get(ctx, pvcKey, &corev1.PersistentVolumeClaim{}) == nil
			}, timeout, interval).Should(BeTrue())

			By("Deleting the CodeRun")
			Expect(k8sClient.Delete(ctx, run)).Should(Succeed())

			By("Checking the Job and ConfigMap are removed")
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, jobKey, &batchv1.Job{}))
			}, timeout, interval).Should(BeTrue())
			cmKey := types.NamespacedName{Name: runName + "-cfg-1", Namespace: runNamespace}
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, cmKey, &corev1.ConfigMap{}))
			}, timeout, interval).Should(BeTrue())

			By("Checking the workspace claim survives")
			Consistently(func() error {
				return k8sClient.Get(ctx, pvcKey, &corev1.PersistentVolumeClaim{})
			}, time.Second*2, interval).Should(Succeed())

			runKey := types.NamespacedName{Name: runName, Namespace: runNamespace}
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, runKey, &agentsv1.CodeRun{}))
			}, timeout, interval).Should(BeTrue())
		})
	})
})
