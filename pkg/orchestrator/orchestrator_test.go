package orchestrator_test

import (
	"context"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/containerd/errdefs"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
	"github.com/efortin/vllm-fleet/pkg/kubernetes/fakeclient"
	"github.com/efortin/vllm-fleet/pkg/ledger"
	"github.com/efortin/vllm-fleet/pkg/ledger/ledgertest"
	"github.com/efortin/vllm-fleet/pkg/manifest"
	"github.com/efortin/vllm-fleet/pkg/model"
	"github.com/efortin/vllm-fleet/pkg/orchestrator"
	"github.com/efortin/vllm-fleet/pkg/reconciler"
	"github.com/efortin/vllm-fleet/pkg/vault"
)

const kubeconfigYAML = "apiVersion: v1\nkind: Config\nclusters: []\n"

var _ = Describe("Orchestrator", func() {
	var (
		ctx    context.Context
		store  *ledger.Store
		fc     *fakeclient.Client
		reg    *fakeRegistry
		sealer *vault.Vault
		hook   *logtest.Hook
		logger *logrus.Logger
		orch   *orchestrator.Orchestrator
	)

	build := func(l ledger.Ledger) *orchestrator.Orchestrator {
		renderer, err := manifest.NewRenderer()
		Expect(err).NotTo(HaveOccurred())
		return orchestrator.New(l, reg, sealer, renderer, reconciler.New(reg),
			orchestrator.WithLogger(logger),
			orchestrator.WithShortIDs(sequence("aaaa1111", "bbbb2222", "cccc3333")),
		)
	}

	warnings := func() []string {
		var msgs []string
		for _, e := range hook.AllEntries() {
			if e.Level == logrus.WarnLevel {
				msgs = append(msgs, e.Message)
			}
		}
		return msgs
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = ledgertest.New(GinkgoT())
		fc = fakeclient.New()
		reg = &fakeRegistry{client: fc, valid: true}

		var err error
		sealer, err = vault.New([]byte(strings.Repeat("k", vault.KeySize)))
		Expect(err).NotTo(HaveOccurred())
		logger, hook = logtest.NewNullLogger()
		orch = build(store)

		Expect(store.CreateCluster(ctx, &model.Cluster{
			ID: "c1", Name: "lab", EncryptedCredential: "sealed", Status: model.ClusterActive,
		})).To(Succeed())
	})

	createPool := func() *model.ResourcePool {
		pool, err := orch.CreatePool(ctx, platformAdmin, "c1", "team-a", model.Capacity{GPUSlots: 4, CPUCores: 16, MemoryGiB: 64})
		Expect(err).NotTo(HaveOccurred())
		return pool
	}

	qwen := orchestrator.DeploymentSpec{
		Name:          "Qwen 3!!",
		ModelName:     "qwen3",
		Source:        model.SourceWithWeights,
		Image:         "registry.local/qwen3:latest",
		Replicas:      1,
		GPUPerReplica: 2,
	}

	Describe("RegisterCluster", func() {
		It("decodes a Base64 kubeconfig, stores it sealed and warms the client", func() {
			encoded := base64.StdEncoding.EncodeToString([]byte(kubeconfigYAML))

			c, err := orch.RegisterCluster(ctx, platformAdmin, "prod", encoded)
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.checked).To(Equal([]string{kubeconfigYAML}))
			Expect(reg.gets).To(ContainElement(c.ID))

			stored, err := store.GetCluster(ctx, c.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.EncryptedCredential).NotTo(ContainSubstring("clusters:"))
			plain, err := sealer.Decrypt(stored.EncryptedCredential)
			Expect(err).NotTo(HaveOccurred())
			Expect(plain).To(Equal(kubeconfigYAML))
		})

		It("keeps a plain YAML kubeconfig as is", func() {
			_, err := orch.RegisterCluster(ctx, platformAdmin, "prod", kubeconfigYAML)
			Expect(err).NotTo(HaveOccurred())
			Expect(reg.checked).To(Equal([]string{kubeconfigYAML}))
		})

		It("rejects a credential that fails the probe", func() {
			reg.valid = false
			_, err := orch.RegisterCluster(ctx, platformAdmin, "prod", kubeconfigYAML)
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			Expect(err.Error()).To(ContainSubstring("credential validation failed"))

			clusters, err := store.ListClusters(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(clusters).To(HaveLen(1))
		})

		It("rejects empty input before probing", func() {
			_, err := orch.RegisterCluster(ctx, platformAdmin, " ", kubeconfigYAML)
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			_, err = orch.RegisterCluster(ctx, platformAdmin, "prod", "")
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			Expect(reg.checked).To(BeEmpty())
		})

		It("only warns when the warm-up fails", func() {
			reg.getErr = errors.New("dial tcp: i/o timeout")
			c, err := orch.RegisterCluster(ctx, platformAdmin, "prod", kubeconfigYAML)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Status).To(Equal(model.ClusterActive))
			Expect(warnings()).To(ContainElement(ContainSubstring("warm-up")))
		})

		It("is reserved to platform admins", func() {
			_, err := orch.RegisterCluster(ctx, orgAdmin, "prod", kubeconfigYAML)
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
		})
	})

	Describe("cluster administration", func() {
		It("caches the aggregated GPU total", func() {
			reg.capacity = model.ClusterCapacity{GPU: 6, CPU: 56, Memory: 224}
			capacity, err := orch.GetClusterCapacity(ctx, platformAdmin, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(capacity).To(Equal(reg.capacity))

			c, err := store.GetCluster(ctx, "c1")
			Expect(err).NotTo(HaveOccurred())
			Expect(c.TotalGPUSlots).NotTo(BeNil())
			Expect(*c.TotalGPUSlots).To(Equal(int64(6)))
		})

		It("reports unknown clusters as not found", func() {
			_, err := orch.GetClusterCapacity(ctx, platformAdmin, "nope")
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
		})

		It("surfaces node listing failures as cluster operation errors", func() {
			reg.getErr = errors.New("connection refused")
			_, err := orch.GetClusterCapacity(ctx, platformAdmin, "c1")
			Expect(fleeterr.IsClusterOperation(err)).To(BeTrue())
		})

		It("evicts the client when a cluster is deleted", func() {
			Expect(orch.DeleteCluster(ctx, platformAdmin, "c1")).To(Succeed())
			Expect(reg.closed).To(Equal([]string{"c1"}))
			_, err := store.GetCluster(ctx, "c1")
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
		})

		It("lists clusters for platform admins only", func() {
			clusters, err := orch.ListClusters(ctx, platformAdmin)
			Expect(err).NotTo(HaveOccurred())
			Expect(clusters).To(HaveLen(1))

			_, err = orch.ListClusters(ctx, member(model.RoleInferenceUser))
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
		})
	})

	Describe("CreatePool", func() {
		It("applies namespace, quota and queue in order, then records the pool", func() {
			pool := createPool()
			Expect(pool.Namespace).To(Equal("pool-aaaa1111"))
			Expect(pool.QueueName).To(Equal("queue-aaaa1111"))

			calls := fc.CallLog()
			Expect(calls).To(HaveLen(3))
			Expect(calls[0]).To(Equal("ensure-namespace pool-aaaa1111"))
			Expect(calls[1]).To(Equal("apply-namespaced pool-aaaa1111"))
			Expect(calls[2]).To(HavePrefix("apply-cluster"))

			applied := fc.AppliedManifests()
			Expect(applied[0].Manifest).To(ContainSubstring("kind: ResourceQuota"))
			Expect(applied[0].Manifest).To(ContainSubstring(`requests.nvidia.com/gpu: "4"`))
			Expect(applied[1].ClusterScoped).To(BeTrue())
			Expect(applied[1].Manifest).To(ContainSubstring("kind: Queue"))
			Expect(applied[1].Manifest).To(ContainSubstring("queue-aaaa1111"))

			stored, err := store.GetPool(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Capacity).To(Equal(model.Capacity{GPUSlots: 4, CPUCores: 16, MemoryGiB: 64}))
		})

		It("writes no pool row when the quota apply fails", func() {
			fc.OnApply = func(_ string, m []byte) error {
				if strings.Contains(string(m), "kind: ResourceQuota") {
					return errors.New("quota admission denied")
				}
				return nil
			}
			_, err := orch.CreatePool(ctx, platformAdmin, "c1", "team-a", model.Capacity{GPUSlots: 4, CPUCores: 16, MemoryGiB: 64})
			Expect(fleeterr.IsClusterOperation(err)).To(BeTrue())

			pools, err := store.ListPools(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pools).To(BeEmpty())
			Expect(fc.Namespaces).To(HaveKey("pool-aaaa1111"))
			Expect(fc.CallLog()).NotTo(ContainElement(HavePrefix("apply-cluster")))
		})

		It("writes no pool row when the queue apply fails", func() {
			fc.FailOn(fakeclient.OpApplyCluster, errors.New("no matches for kind Queue"))
			_, err := orch.CreatePool(ctx, platformAdmin, "c1", "team-a", model.Capacity{GPUSlots: 4, CPUCores: 16, MemoryGiB: 64})
			Expect(fleeterr.IsClusterOperation(err)).To(BeTrue())

			pools, err := store.ListPools(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pools).To(BeEmpty())
			Expect(fc.AppliedManifests()).To(HaveLen(1))
		})

		It("leaves cluster objects stranded when the ledger commit fails", func() {
			orch = build(failingPoolInsert{store})
			_, err := orch.CreatePool(ctx, platformAdmin, "c1", "team-a", model.Capacity{GPUSlots: 4, CPUCores: 16, MemoryGiB: 64})
			Expect(err).To(MatchError(errDiskFull))

			Expect(fc.Namespaces).To(HaveKey("pool-aaaa1111"))
			Expect(fc.AppliedManifests()).To(HaveLen(2))
			pools, err := store.ListPools(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(pools).To(BeEmpty())
			Expect(warnings()).To(ContainElement(ContainSubstring("not recorded")))
		})

		It("reports a namespace collision as a conflict", func() {
			orch = orchestrator.New(store, reg, sealer, mustRenderer(), reconciler.New(reg),
				orchestrator.WithLogger(logger),
				orchestrator.WithShortIDs(sequence("same0000")),
			)
			_, err := orch.CreatePool(ctx, platformAdmin, "c1", "team-a", model.Capacity{GPUSlots: 1, CPUCores: 1, MemoryGiB: 1})
			Expect(err).NotTo(HaveOccurred())
			_, err = orch.CreatePool(ctx, platformAdmin, "c1", "team-b", model.Capacity{GPUSlots: 1, CPUCores: 1, MemoryGiB: 1})
			Expect(errdefs.IsConflict(err)).To(BeTrue())
		})

		It("validates before touching the cluster", func() {
			_, err := orch.CreatePool(ctx, platformAdmin, "c1", "team-a", model.Capacity{GPUSlots: 0, CPUCores: 16, MemoryGiB: 64})
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			_, err = orch.CreatePool(ctx, platformAdmin, "c1", "", model.Capacity{GPUSlots: 1, CPUCores: 1, MemoryGiB: 1})
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			_, err = orch.CreatePool(ctx, platformAdmin, "nope", "team-a", model.Capacity{GPUSlots: 1, CPUCores: 1, MemoryGiB: 1})
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
			_, err = orch.CreatePool(ctx, member(model.RoleTrainingUser), "c1", "team-a", model.Capacity{GPUSlots: 1, CPUCores: 1, MemoryGiB: 1})
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
			Expect(fc.CallLog()).To(BeEmpty())
		})
	})

	Describe("pool access", func() {
		It("filters the pool list for org admins", func() {
			a := createPool()
			createPool()

			all, err := orch.ListPools(ctx, platformAdmin)
			Expect(err).NotTo(HaveOccurred())
			Expect(all).To(HaveLen(2))

			scoped := orgAdmin
			scoped.PoolIDs = []string{a.ID}
			visible, err := orch.ListPools(ctx, scoped)
			Expect(err).NotTo(HaveOccurred())
			Expect(visible).To(HaveLen(1))
			Expect(visible[0].ID).To(Equal(a.ID))
		})

		It("lets members read their pool only", func() {
			pool := createPool()
			_, err := orch.GetPool(ctx, member(model.RoleInferenceUser, pool.ID), pool.ID)
			Expect(err).NotTo(HaveOccurred())
			_, err = orch.GetPool(ctx, member(model.RoleInferenceUser), pool.ID)
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
		})
	})

	Describe("PatchPoolCapacity", func() {
		gpus := func(n int) *int { return &n }

		It("re-applies the merged capacity before recording it", func() {
			pool := createPool()
			updated, err := orch.PatchPoolCapacity(ctx, platformAdmin, pool.ID, model.CapacityPatch{GPUSlots: gpus(8)})
			Expect(err).NotTo(HaveOccurred())
			Expect(updated.Capacity).To(Equal(model.Capacity{GPUSlots: 8, CPUCores: 16, MemoryGiB: 64}))

			applied := fc.AppliedManifests()
			Expect(applied).To(HaveLen(4))
			Expect(applied[2].Manifest).To(ContainSubstring(`requests.nvidia.com/gpu: "8"`))
			Expect(applied[3].ClusterScoped).To(BeTrue())
		})

		It("leaves the ledger untouched when the cluster rejects the quota", func() {
			pool := createPool()
			fc.FailOn(fakeclient.OpApplyNamespaced, errors.New("exceeded quota"))
			_, err := orch.PatchPoolCapacity(ctx, platformAdmin, pool.ID, model.CapacityPatch{GPUSlots: gpus(8)})
			Expect(fleeterr.IsClusterOperation(err)).To(BeTrue())

			stored, err := store.GetPool(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Capacity.GPUSlots).To(Equal(4))
		})

		It("rejects empty and non-positive patches", func() {
			pool := createPool()
			_, err := orch.PatchPoolCapacity(ctx, platformAdmin, pool.ID, model.CapacityPatch{})
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
			_, err = orch.PatchPoolCapacity(ctx, platformAdmin, pool.ID, model.CapacityPatch{CPUCores: gpus(0)})
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())
		})

		It("requires access for org admins", func() {
			pool := createPool()
			_, err := orch.PatchPoolCapacity(ctx, orgAdmin, pool.ID, model.CapacityPatch{GPUSlots: gpus(8)})
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
		})
	})

	Describe("DeletePool", func() {
		It("removes cluster objects and every record under the pool", func() {
			pool := createPool()
			_, err := orch.DeployModel(ctx, platformAdmin, pool.ID, qwen)
			Expect(err).NotTo(HaveOccurred())
			_, err = orch.SubmitTrainingJob(ctx, platformAdmin, pool.ID, orchestrator.TrainingJobSpec{JobName: "ft", Image: "trainer:1", Replicas: 1})
			Expect(err).NotTo(HaveOccurred())

			Expect(orch.DeletePool(ctx, platformAdmin, pool.ID)).To(Succeed())
			Expect(fc.CallLog()).To(ContainElement(HavePrefix("delete-cluster")))
			Expect(fc.CallLog()).To(ContainElement("delete-namespace pool-aaaa1111"))

			_, err = store.GetPool(ctx, pool.ID)
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
			deployments, err := store.ListDeployments(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(deployments).To(BeEmpty())
			jobs, err := store.ListTrainingJobs(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})

		It("downgrades cluster failures to warnings", func() {
			pool := createPool()
			fc.FailOn(fakeclient.OpDeleteCluster, errors.New("forbidden"))
			fc.FailOn(fakeclient.OpDeleteNamespace, errors.New("forbidden"))

			Expect(orch.DeletePool(ctx, platformAdmin, pool.ID)).To(Succeed())
			Expect(warnings()).To(HaveLen(2))
			_, err := store.GetPool(ctx, pool.ID)
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
		})

		It("cleans the ledger when the cluster is unreachable", func() {
			pool := createPool()
			reg.getErr = errors.New("no route to host")
			Expect(orch.DeletePool(ctx, platformAdmin, pool.ID)).To(Succeed())
			_, err := store.GetPool(ctx, pool.ID)
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
		})
	})

	Describe("DeployModel", func() {
		It("ends running with a service URL", func() {
			pool := createPool()
			d, err := orch.DeployModel(ctx, member(model.RoleInferenceUser, pool.ID), pool.ID, qwen)
			Expect(err).NotTo(HaveOccurred())
			Expect(d.Status).To(Equal(model.DeploymentRunning))
			Expect(d.DeploymentName).To(Equal("vllm-qwen-3"))
			Expect(d.ServiceName).To(Equal("vllm-qwen-3-svc"))
			Expect(d.ServiceURL).To(Equal("http://vllm-qwen-3-svc.pool-aaaa1111.svc.cluster.local:8000"))
			Expect(d.CreatedBy).To(Equal("user-inference_user"))

			stored, err := store.GetDeployment(ctx, d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(stored.Status).To(Equal(model.DeploymentRunning))
			Expect(stored.ServiceURL).To(Equal(d.ServiceURL))

			last := fc.AppliedManifests()[2]
			Expect(last.Namespace).To(Equal("pool-aaaa1111"))
			Expect(last.Manifest).To(ContainSubstring("kind: Deployment"))
			Expect(last.Manifest).To(ContainSubstring("kind: Service"))
			Expect(last.Manifest).NotTo(ContainSubstring("hostPath"))
			Expect(last.Manifest).To(ContainSubstring(`cpu: "4"`))
			Expect(last.Manifest).To(ContainSubstring(`memory: "32Gi"`))
			Expect(stored.CPUPerReplica).To(Equal(4))
			Expect(stored.MemoryGiB).To(Equal(32))
		})

		It("is visible as pending during the apply and ends failed with detail", func() {
			pool := createPool()
			var during []model.Deployment
			fc.OnApply = func(_ string, m []byte) error {
				if strings.Contains(string(m), "kind: Deployment") {
					rows, err := store.ListDeployments(ctx, pool.ID)
					Expect(err).NotTo(HaveOccurred())
					during = rows
					return errors.New("admission webhook denied the request")
				}
				return nil
			}

			_, err := orch.DeployModel(ctx, platformAdmin, pool.ID, qwen)
			Expect(fleeterr.IsClusterOperation(err)).To(BeTrue())

			Expect(during).To(HaveLen(1))
			Expect(during[0].Status).To(Equal(model.DeploymentPending))

			after, err := store.ListDeployments(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(after).To(HaveLen(1))
			Expect(after[0].Status).To(Equal(model.DeploymentFailed))
			Expect(after[0].Message).To(ContainSubstring("admission webhook denied"))
			Expect(after[0].ServiceURL).To(BeEmpty())
		})

		It("ends failed when the running status cannot be recorded", func() {
			pool := createPool()
			orch = build(failingRunningUpdate{store})

			_, err := orch.DeployModel(ctx, platformAdmin, pool.ID, qwen)
			Expect(err).To(MatchError(errLedgerLocked))

			rows, err := store.ListDeployments(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Status).To(Equal(model.DeploymentFailed))
			Expect(rows[0].Message).To(ContainSubstring("failed to record running status"))
			Expect(rows[0].ServiceURL).To(BeEmpty())
			Expect(warnings()).To(ContainElement("Deployment applied but not recorded as running"))
		})

		It("ends failed when no client can be built", func() {
			pool := createPool()
			reg.getErr = errors.New("credential expired")
			_, err := orch.DeployModel(ctx, platformAdmin, pool.ID, qwen)
			Expect(err).To(HaveOccurred())

			rows, err := store.ListDeployments(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(HaveLen(1))
			Expect(rows[0].Status).To(Equal(model.DeploymentFailed))
			Expect(rows[0].Message).To(ContainSubstring("credential expired"))
		})

		It("mounts the host model path for images without weights", func() {
			pool := createPool()
			spec := qwen
			spec.Source = model.SourceWithoutWeights
			spec.HostModelPath = "/mnt/models/qwen3"
			_, err := orch.DeployModel(ctx, platformAdmin, pool.ID, spec)
			Expect(err).NotTo(HaveOccurred())

			last := fc.AppliedManifests()[2]
			Expect(last.Manifest).To(ContainSubstring("hostPath"))
			Expect(last.Manifest).To(ContainSubstring("/mnt/models/qwen3"))
		})

		It("rejects invalid specs without writing a row", func() {
			pool := createPool()
			spec := qwen
			spec.Source = model.SourceWithoutWeights
			_, err := orch.DeployModel(ctx, platformAdmin, pool.ID, spec)
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())

			spec = qwen
			spec.Name = "!!!"
			_, err = orch.DeployModel(ctx, platformAdmin, pool.ID, spec)
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())

			spec = qwen
			spec.MemoryGiBPerReplica = -1
			_, err = orch.DeployModel(ctx, platformAdmin, pool.ID, spec)
			Expect(errdefs.IsInvalidArgument(err)).To(BeTrue())

			rows, err := store.ListDeployments(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(BeEmpty())
		})

		It("refuses callers without pool access", func() {
			pool := createPool()
			_, err := orch.DeployModel(ctx, member(model.RoleInferenceUser, "other"), pool.ID, qwen)
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
		})
	})

	Describe("GetDeploymentStatus", func() {
		var (
			pool *model.ResourcePool
			d    *model.Deployment
		)

		BeforeEach(func() {
			pool = createPool()
			var err error
			d, err = orch.DeployModel(ctx, platformAdmin, pool.ID, qwen)
			Expect(err).NotTo(HaveOccurred())
		})

		It("reports the live ready replicas", func() {
			fc.SetDeployment(&appsv1.Deployment{
				ObjectMeta: metav1.ObjectMeta{Name: d.DeploymentName, Namespace: pool.Namespace},
				Status:     appsv1.DeploymentStatus{ReadyReplicas: 2},
			})
			live, err := orch.GetDeploymentStatus(ctx, platformAdmin, pool.ID, d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(live.LiveReadyReplicas).NotTo(BeNil())
			Expect(*live.LiveReadyReplicas).To(Equal(int32(2)))
			Expect(live.Status).To(Equal(model.DeploymentRunning))
		})

		It("reports an absent deployment object as zero", func() {
			live, err := orch.GetDeploymentStatus(ctx, platformAdmin, pool.ID, d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(live.LiveReadyReplicas).NotTo(BeNil())
			Expect(*live.LiveReadyReplicas).To(BeZero())
		})

		It("returns the record alone when the cluster cannot be read", func() {
			fc.FailOn(fakeclient.OpGetDeployment, errors.New("connection reset"))
			live, err := orch.GetDeploymentStatus(ctx, platformAdmin, pool.ID, d.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(live.LiveReadyReplicas).To(BeNil())
			Expect(warnings()).To(ContainElement(ContainSubstring("live replicas")))
		})

		It("forbids reading a deployment through another pool", func() {
			other := createPool()
			_, err := orch.GetDeploymentStatus(ctx, platformAdmin, other.ID, d.ID)
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
		})
	})

	Describe("DeleteDeployment", func() {
		It("removes the row even when both cluster deletes fail", func() {
			pool := createPool()
			d, err := orch.DeployModel(ctx, platformAdmin, pool.ID, qwen)
			Expect(err).NotTo(HaveOccurred())

			fc.FailOn(fakeclient.OpDeleteDeployment, errors.New("timeout"))
			fc.FailOn(fakeclient.OpDeleteService, errors.New("timeout"))
			Expect(orch.DeleteDeployment(ctx, platformAdmin, pool.ID, d.ID)).To(Succeed())

			Expect(fc.CallLog()).To(ContainElement("delete-deployment pool-aaaa1111/vllm-qwen-3"))
			Expect(fc.CallLog()).To(ContainElement("delete-service pool-aaaa1111/vllm-qwen-3-svc"))
			Expect(warnings()).To(HaveLen(2))
			_, err = store.GetDeployment(ctx, d.ID)
			Expect(errdefs.IsNotFound(err)).To(BeTrue())
		})

		It("keeps a deployment addressed through the wrong pool", func() {
			pool := createPool()
			other := createPool()
			d, err := orch.DeployModel(ctx, platformAdmin, pool.ID, qwen)
			Expect(err).NotTo(HaveOccurred())

			err = orch.DeleteDeployment(ctx, platformAdmin, other.ID, d.ID)
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
			_, err = store.GetDeployment(ctx, d.ID)
			Expect(err).NotTo(HaveOccurred())
		})
	})

	Describe("training jobs", func() {
		spec := orchestrator.TrainingJobSpec{
			JobName:   "Finetune Llama",
			Image:     "registry.local/trainer:2",
			Replicas:  2,
			GPUPerPod: 1,
			Command:   []string{"torchrun", "train.py"},
		}

		It("applies the job to the pool queue and records it", func() {
			pool := createPool()
			name, err := orch.SubmitTrainingJob(ctx, member(model.RoleTrainingUser, pool.ID), pool.ID, spec)
			Expect(err).NotTo(HaveOccurred())
			Expect(name).To(Equal("finetune-llama"))

			last := fc.AppliedManifests()[2]
			Expect(last.Namespace).To(Equal(pool.Namespace))
			Expect(last.Manifest).To(ContainSubstring(`queue: "queue-aaaa1111"`))
			Expect(last.Manifest).To(ContainSubstring("minAvailable: 2"))
			Expect(last.Manifest).To(ContainSubstring(`- "torchrun"`))
			Expect(last.Manifest).To(ContainSubstring(`cpu: "2"`))
			Expect(last.Manifest).To(ContainSubstring(`memory: "8Gi"`))

			jobs, err := orch.ListTrainingJobs(ctx, member(model.RoleTrainingUser, pool.ID), pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(HaveLen(1))
			Expect(jobs[0].ClusterJobName).To(Equal("finetune-llama"))
			Expect(jobs[0].Status).To(Equal(model.TrainingJobSubmitted))
		})

		It("records nothing when the apply fails", func() {
			pool := createPool()
			fc.FailOn(fakeclient.OpApplyNamespaced, errors.New("queue closed"))
			_, err := orch.SubmitTrainingJob(ctx, platformAdmin, pool.ID, spec)
			Expect(fleeterr.IsClusterOperation(err)).To(BeTrue())

			jobs, err := store.ListTrainingJobs(ctx, pool.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(jobs).To(BeEmpty())
		})

		It("leaves the job on the cluster when the record fails", func() {
			pool := createPool()
			orch = build(failingJobInsert{store})
			_, err := orch.SubmitTrainingJob(ctx, platformAdmin, pool.ID, spec)
			Expect(err).To(MatchError(errDiskFull))
			Expect(fc.AppliedManifests()).To(HaveLen(3))
		})

		It("requires pool access", func() {
			pool := createPool()
			_, err := orch.SubmitTrainingJob(ctx, member(model.RoleTrainingUser), pool.ID, spec)
			Expect(errdefs.IsPermissionDenied(err)).To(BeTrue())
		})
	})
})

func mustRenderer() *manifest.Renderer {
	r, err := manifest.NewRenderer()
	Expect(err).NotTo(HaveOccurred())
	return r
}
