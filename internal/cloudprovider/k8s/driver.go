// Package k8s implements the "k8s" backend driver: one Agent pod per
// worker, placed with node affinity and the image's spawn_limit honored.
package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
	"k8s.io/klog/v2"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/gabaker/thorium/internal/api"
	"github.com/gabaker/thorium/internal/cloudprovider"
	thresources "github.com/gabaker/thorium/internal/resources"
)

// Driver spawns one Kubernetes Pod per worker through client-go.
type Driver struct {
	client     kubernetes.Interface
	namespace  string
	image      string // agent container image
	reportAddr string // scaler address the agent posts its terminal report to

	mu          sync.Mutex
	spawned     map[api.SpawnKey]string // dedup: spawn key -> pod name
	globalSpawn map[string]int          // image id -> lifetime spawn count, for spawn_limit.Global
}

func New(client kubernetes.Interface, namespace, agentImage, reportAddr string) *Driver {
	return &Driver{
		client:      client,
		namespace:   namespace,
		image:       agentImage,
		reportAddr:  reportAddr,
		spawned:     make(map[api.SpawnKey]string),
		globalSpawn: make(map[string]int),
	}
}

func (d *Driver) Name() string { return "k8s" }

// Snapshot lists nodes and the Thorium-managed pods running on each,
// reconstructing per-node reservations from pod resource requests.
func (d *Driver) Snapshot(ctx context.Context) (cloudprovider.Snapshot, error) {
	nodeList, err := d.client.CoreV1().Nodes().List(ctx, metav1.ListOptions{})
	if err != nil {
		return cloudprovider.Snapshot{}, fmt.Errorf("listing nodes: %w", err)
	}
	podList, err := d.client.CoreV1().Pods(d.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "thorium.io/managed=true",
	})
	if err != nil {
		return cloudprovider.Snapshot{}, fmt.Errorf("listing pods: %w", err)
	}

	byNode := make(map[string][]api.Worker, len(nodeList.Items))
	for _, pod := range podList.Items {
		w, ok := workerFromPod(&pod)
		if !ok {
			continue
		}
		byNode[pod.Spec.NodeName] = append(byNode[pod.Spec.NodeName], w)
	}

	nodes := make([]cloudprovider.Node, 0, len(nodeList.Items))
	for _, n := range nodeList.Items {
		capacity := resourcesFromK8s(n.Status.Capacity)
		nodes = append(nodes, cloudprovider.Node{
			ID:            n.Name,
			Capacity:      capacity,
			BurstCapacity: capacity, // k8s nodes don't carry a separate burst pool; base == burst ceiling
			Workers:       byNode[n.Name],
		})
	}
	return cloudprovider.Snapshot{Nodes: nodes}, nil
}

func resourcesFromK8s(list corev1.ResourceList) thresources.Resources {
	return thresources.Resources{
		CPUMilli:         list.Cpu().MilliValue(),
		MemoryBytes:      list.Memory().Value(),
		EphemeralStorage: list.StorageEphemeral().Value(),
	}
}

func workerFromPod(pod *corev1.Pod) (api.Worker, bool) {
	reactionID := pod.Labels["thorium.io/reaction-id"]
	if reactionID == "" {
		return api.Worker{}, false
	}
	var reserved thresources.Resources
	if pod.Status.Phase != corev1.PodSucceeded && pod.Status.Phase != corev1.PodFailed {
		for _, c := range pod.Spec.Containers {
			reserved = reserved.Add(resourcesFromK8s(c.Resources.Requests))
		}
	}
	return api.Worker{
		ID:         pod.Name,
		Reserved:   reserved,
		Backend:    "k8s",
		Node:       pod.Spec.NodeName,
		ReactionID: reactionID,
		Image:      pod.Labels["thorium.io/image-id"],
	}, true
}

// Spawn creates a single-container pod running the Agent image, passing the
// worker spec down as env vars the agent reads on startup. Deduplicated by
// (reaction_id, stage_idx, image) and clamped by spawn_limit.Global.
func (d *Driver) Spawn(ctx context.Context, spec cloudprovider.WorkerSpec) (string, error) {
	d.mu.Lock()
	key := spec.Key()
	if name, ok := d.spawned[key]; ok {
		d.mu.Unlock()
		return name, nil
	}
	if limit := spec.Image.SpawnLimit.Global; limit > 0 && d.globalSpawn[spec.Image.ID()] >= limit {
		d.mu.Unlock()
		return "", &cloudprovider.Rejected{Reason: "image global spawn_limit reached"}
	}
	d.mu.Unlock()

	name := podName(spec)
	imageSpec, err := json.Marshal(spec.Image)
	if err != nil {
		return "", fmt.Errorf("encoding image spec: %w", err)
	}
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: d.namespace,
			Labels: map[string]string{
				"thorium.io/managed":     "true",
				"thorium.io/reaction-id": spec.Reaction.ID,
				"thorium.io/image-id":    spec.Image.ID(),
			},
		},
		Spec: corev1.PodSpec{
			RestartPolicy: corev1.RestartPolicyNever,
			Containers: []corev1.Container{{
				Name:  "agent",
				Image: d.image,
				Env: []corev1.EnvVar{
					{Name: "THORIUM_REACTION_ID", Value: spec.Reaction.ID},
					{Name: "THORIUM_STAGE_IDX", Value: fmt.Sprintf("%d", spec.StageIdx)},
					{Name: "THORIUM_IMAGE_ID", Value: spec.Image.ID()},
					{Name: "THORIUM_CLAIM_TOKEN", Value: spec.ClaimToken},
					{Name: "THORIUM_TOOL_IMAGE", Value: spec.Image.ContainerRef},
					{Name: "THORIUM_WORKER_ID", Value: name},
					{Name: "THORIUM_SAMPLE_REF", Value: spec.Reaction.SampleRef},
					{Name: "THORIUM_DEADLINE_UNIX", Value: fmt.Sprintf("%d", spec.Reaction.Deadline.Unix())},
					{Name: "THORIUM_IMAGE_SPEC", Value: string(imageSpec)},
					{Name: "THORIUM_REPORT_ADDR", Value: d.reportAddr},
				},
				Resources: corev1.ResourceRequirements{
					Requests: k8sResourceList(spec.Image.Resources),
				},
			}},
		},
	}
	if spec.Image.Backend != "" {
		pod.Spec.NodeSelector = map[string]string{"thorium.io/backend": spec.Image.Backend}
	}

	created, err := d.client.CoreV1().Pods(d.namespace).Create(ctx, pod, metav1.CreateOptions{})
	if apierrors.IsAlreadyExists(err) {
		d.mu.Lock()
		d.spawned[key] = name
		d.mu.Unlock()
		return name, nil
	}
	if err != nil {
		if apierrors.IsForbidden(err) || apierrors.IsInvalid(err) {
			return "", &cloudprovider.Rejected{Reason: err.Error()}
		}
		return "", fmt.Errorf("creating pod: %w", err)
	}

	d.mu.Lock()
	d.spawned[key] = created.Name
	d.globalSpawn[spec.Image.ID()]++
	d.mu.Unlock()
	log.FromContext(ctx).V(1).Info("created agent pod", "pod", klog.KRef(d.namespace, created.Name), "reaction", spec.Reaction.ID)
	return created.Name, nil
}

func podName(spec cloudprovider.WorkerSpec) string {
	return fmt.Sprintf("thorium-%s-%d-%s", spec.Reaction.ID, spec.StageIdx, spec.Image.Name)
}

func k8sResourceList(r thresources.Resources) corev1.ResourceList {
	list := corev1.ResourceList{
		corev1.ResourceCPU:    *resource.NewMilliQuantity(r.EffectiveCPU(), resource.DecimalSI),
		corev1.ResourceMemory: *resource.NewQuantity(r.EffectiveMemory(), resource.BinarySI),
	}
	if r.EphemeralStorage > 0 {
		list[corev1.ResourceEphemeralStorage] = *resource.NewQuantity(r.EphemeralStorage, resource.BinarySI)
	}
	return list
}

// Observe reports a pod's phase, translated into the driver-agnostic
// Observation shape.
func (d *Driver) Observe(ctx context.Context, workerID string) (cloudprovider.Observation, error) {
	pod, err := d.client.CoreV1().Pods(d.namespace).Get(ctx, workerID, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return cloudprovider.Observation{Status: cloudprovider.ObserveLost}, nil
	}
	if err != nil {
		return cloudprovider.Observation{}, fmt.Errorf("getting pod %s: %w", workerID, err)
	}
	switch pod.Status.Phase {
	case corev1.PodSucceeded:
		return cloudprovider.Observation{Status: cloudprovider.ObserveFinished, FinishedOK: true}, nil
	case corev1.PodFailed:
		return cloudprovider.Observation{Status: cloudprovider.ObserveFinished, FinishedOK: false, ExitCode: exitCodeOf(pod)}, nil
	default:
		return cloudprovider.Observation{Status: cloudprovider.ObserveRunning}, nil
	}
}

func exitCodeOf(pod *corev1.Pod) int {
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.Name == "agent" && cs.State.Terminated != nil {
			return int(cs.State.Terminated.ExitCode)
		}
	}
	return 1
}

// Kill deletes the pod; a not-found error is treated as already-killed
// (idempotent).
func (d *Driver) Kill(ctx context.Context, workerID string, reason string) error {
	err := d.client.CoreV1().Pods(d.namespace).Delete(ctx, workerID, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting pod %s: %w", workerID, err)
	}
	return nil
}
