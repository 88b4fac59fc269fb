// Copyright Contributors to the Agent Platform project

//go:build integration

// See suite_test.go for explanation of the "integration" build tag pattern.

package controller

import (
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"sigs.k8s.io/controller-runtime/pkg/controller/controllerutil"

	agentsv1 "github.com/5dlabs/platform-sub001/api/v1"
	"github.com/5dlabs/platform-sub001/internal/render"
)

var _ = Describe("DocsRunController", func() {
	const (
		runNamespace = "default"
	)

	Context("When creating a DocsRun", func() {
		It("Should materialize the ConfigMap and Job and track the Job lifecycle", func() {
			runName := "docs-lifecycle"

			run := &agentsv1.DocsRun{
				ObjectMeta: metav1.ObjectMeta{
					Name:      runName,
					Namespace: runNamespace,
				},
				Spec: agentsv1.DocsRunSpec{
					RepositoryURL:    "https://github.com/example/platform",
					WorkingDirectory: "projects/api",
					SourceBranch:     "main",
					Model:            "opus",
					GithubUser:       "doc-bot",
				},
			}

			By("Creating the DocsRun")
			Expect(k8sClient.Create(ctx, run)).Should(Succeed())

			By("Checking the finalizer is installed")
			runKey := types.NamespacedName{Name: runName, Namespace: runNamespace}
			createdRun := &agentsv1.DocsRun{}
			Eventually(func() bool {
				if err := k8sClient.Get(ctx, runKey, createdRun); err != nil {
					return false
				}
				return controllerutil.ContainsFinalizer(createdRun, DocsRunFinalizer)
			}, timeout, interval).Should(BeTrue())

			By("Checking the artifact ConfigMap is created with all four artifacts")
			cmKey := types.NamespacedName{Name: runName + "-cfg", Namespace: runNamespace}
			createdCM := &corev1.ConfigMap{}
			Eventually(func() bool {
				return k8sClient.Get(ctx, cmKey, createdCM) == nil
			}, timeout, interval).Should(BeTrue())
			Expect(createdCM.Data).Should(HaveKey(render.KeyMemory))
			Expect(createdCM.Data).Should(HaveKey(render.KeyPrompt))
			Expect(createdCM.Data).Should(HaveKey(render.KeyToolPolicy))
			Expect(createdCM.Data).Should(HaveKey(render.KeyEntrypoint))
			Expect(createdCM.OwnerReferences).Should(HaveLen(1))
			Expect(createdCM.OwnerReferences[0].Kind).Should(Equal("DocsRun"))

			By("Checking the Job is created mounting the ConfigMap")
			jobKey := types.NamespacedName{Name: runName + "-job", Namespace: runNamespace}
			createdJob := &batchv1.Job{}
			Eventually(func() bool {
				return k8sClient.Get(ctx, jobKey, createdJob) == nil
			}, timeout, interval).Should(BeTrue())
			Expect(createdJob.Spec.Template.Spec.Containers).Should(HaveLen(1))
			Expect(createdJob.Spec.Template.Spec.Containers[0].Name).Should(Equal("agent"))
			Expect(createdJob.Spec.Template.Spec.Containers[0].Image).Should(Equal("ghcr.io/example/agent-runtime:test"))
			Expect(*createdJob.Spec.BackoffLimit).Should(Equal(int32(0)))

			foundArtifacts := false
			for _, v := range createdJob.Spec.Template.Spec.Volumes {
				if v.ConfigMap != nil && v.ConfigMap.Name == runName+"-cfg" {
					foundArtifacts = true
				}
			}
			Expect(foundArtifacts).Should(BeTrue(), "job should mount the artifact ConfigMap")

			By("Checking the run starts out Pending")
			Eventually(func() agentsv1.RunPhase {
				if err := k8sClient.Get(ctx, runKey, createdRun); err != nil {
					return ""
				}
				return createdRun.Status.Phase
			}, timeout, interval).Should(Equal(agentsv1.RunPhasePending))

			By("Marking the Job active and observing Running")
			Eventually(func() error {
				if err := k8sClient.Get(ctx, jobKey, createdJob); err != nil {
					return err
				}
				createdJob.Status.Active = 1
				return k8sClient.Status().Update(ctx, createdJob)
			}, timeout, interval).Should(Succeed())

			Eventually(func() agentsv1.RunPhase {
				if err := k8sClient.Get(ctx, runKey, createdRun); err != nil {
					return ""
				}
				return createdRun.Status.Phase
			}, timeout, interval).Should(Equal(agentsv1.RunPhaseRunning))
			Expect(createdRun.Status.JobName).Should(Equal(runName + "-job"))
			Expect(createdRun.Status.ConfigMapName).Should(Equal(runName + "-cfg"))

			By("Marking the Job complete and observing Succeeded with workCompleted")
			Eventually(func() error {
				if err := k8sClient.Get(ctx, jobKey, createdJob); err != nil {
					return err
				}
				now := metav1.Now()
				createdJob.Status.Active = 0
				createdJob.Status.Succeeded = 1
				createdJob.Status.CompletionTime = &now
				createdJob.Status.Conditions = []batchv1.JobCondition{
					{Type: batchv1.JobComplete, Status: corev1.ConditionTrue},
				}
				return k8sClient.Status().Update(ctx, createdJob)
			}, timeout, interval).Should(Succeed())

			Eventually(func() bool {
				if err := k8sClient.Get(ctx, runKey, createdRun); err != nil {
					return false
				}
				return createdRun.Status.Phase == agentsv1.RunPhaseSucceeded && createdRun.Status.WorkCompleted
			}, timeout, interval).Should(BeTrue())

			By("Cleaning up")
			Expect(k8sClient.Delete(ctx, run)).Should(Succeed())
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, runKey, &agentsv1.DocsRun{}))
			}, timeout, interval).Should(BeTrue())
		})
	})

	Context("When a DocsRun's Job fails", func() {
		It("Should surface the Job condition message and stay Failed", func() {
			runName := "docs-failure"

			run := &agentsv1.DocsRun{
				ObjectMeta: metav1.ObjectMeta{
					Name:      runName,
					Namespace: runNamespace,
				},
				Spec: agentsv1.DocsRunSpec{
					RepositoryURL:    "https://github.com/example/platform",
					WorkingDirectory: "projects/api",
					SourceBranch:     "main",
					GithubUser:       "doc-bot",
				},
			}
			Expect(k8sClient.Create(ctx, run)).Should(Succeed())

			jobKey := types.NamespacedName{Name: runName + "-job", Namespace: runNamespace}
			createdJob := &batchv1.Job{}
			Eventually(func() bool {
				return k8sClient.Get(ctx, jobKey, createdJob) == nil
			}, timeout, interval).Should(BeTrue())

			By("Marking the Job failed")
			Eventually(func() error {
				if err := k8sClient.Get(ctx, jobKey, createdJob); err != nil {
					return err
				}
				createdJob.Status.Failed = 1
				createdJob.Status.Conditions = []batchv1.JobCondition{
					{Type: batchv1.JobFailed, Status: corev1.ConditionTrue, Message: "BackoffLimitExceeded"},
				}
				return k8sClient.Status().Update(ctx, createdJob)
			}, timeout, interval).Should(Succeed())

			runKey := types.NamespacedName{Name: runName, Namespace: runNamespace}
			failedRun := &agentsv1.DocsRun{}
			Eventually(func() agentsv1.RunPhase {
				if err := k8sClient.Get(ctx, runKey, failedRun); err != nil {
					return ""
				}
				return failedRun.Status.Phase
			}, timeout, interval).Should(Equal(agentsv1.RunPhaseFailed))
			Expect(failedRun.Status.Message).Should(Equal("BackoffLimitExceeded"))
			Expect(failedRun.Status.WorkCompleted).Should(BeFalse())

			By("Cleaning up")
			Expect(k8sClient.Delete(ctx, run)).Should(Succeed())
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, runKey, &agentsv1.DocsRun{}))
			}, timeout, interval).Should(BeTrue())
		})
	})

	Context("When deleting a DocsRun with a live Job", func() {
		It("Should delete the Job and ConfigMap and release the finalizer", func() {
			runName := "docs-deletion"

			run := &agentsv1.DocsRun{
				ObjectMeta: metav1.ObjectMeta{
					Name:      runName,
					Namespace: runNamespace,
				},
				Spec: agentsv1.DocsRunSpec{
					RepositoryURL:    "https://github.com/example/platform",
					WorkingDirectory: "projects/api",
					SourceBranch:     "main",
					GithubUser:       "doc-bot",
				},
			}
			Expect(k8sClient.Create(ctx, run)).Should(Succeed())

			jobKey := types.NamespacedName{Name: runName + "-job", Namespace: runNamespace}
			Eventually(func() bool {
				return k8sClient.Get(ctx, jobKey, &batchv1.Job{}) == nil
			}, timeout, interval).Should(BeTrue())

			By("Deleting the DocsRun")
			Expect(k8sClient.Delete(ctx, run)).Should(Succeed())

			By("Checking the owned objects are removed")
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, jobKey, &batchv1.Job{}))
			}, timeout, interval).Should(BeTrue())
			cmKey := types.NamespacedName{Name: runName + "-cfg", Namespace: runNamespace}
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, cmKey, &corev1.ConfigMap{}))
			}, timeout, interval).Should(BeTrue())

			By("Checking the run itself is gone")
			runKey := types.NamespacedName{Name: runName, Namespace: runNamespace}
			Eventually(func() bool {
				return apierrors.IsNotFound(k8sClient.Get(ctx, runKey, &agentsv1.DocsRun{}))
			}, timeout, interval).Should(BeTrue())
		})
	})
})
