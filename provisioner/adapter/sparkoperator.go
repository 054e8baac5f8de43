package adapter

import (
	"context"
	"fmt"
	"time"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/dynamic"

	"github.com/Scusemua/go-utils/config"
	"github.com/Scusemua/go-utils/logger"

	"github.com/scusemua/remote-provisioner/provisioner"
)

// sparkApplicationGVR is the SparkOperator CRD's GroupVersionResource.
var sparkApplicationGVR = schema.GroupVersionResource{
	Group:    "sparkoperator.k8s.io",
	Version:  "v1beta2",
	Resource: "sparkapplications",
}

// SparkOperatorAdapter launches kernels as SparkApplication custom
// resources instead of bare pods, delegating namespace/label conventions to
// the same rules as KubernetesAdapter but driving the object through a
// dynamic client since SparkApplication has no typed clientset in the
// example corpus's dependency set.
//
// Thin wrapper named in spec.md's §4.6.a CRD variant: swaps the
// GroupVersionResource and object kind, otherwise reusing KubernetesOptions
// and ContainerPolicy from kubernetes.go/container.go.
type SparkOperatorAdapter struct {
	log logger.Logger

	dyn    dynamic.Interface
	opts   KubernetesOptions
	policy ContainerPolicy
}

// NewSparkOperatorAdapter builds a SparkOperatorAdapter against the same
// in-cluster/kubeconfig resolution as NewKubernetesAdapter.
func NewSparkOperatorAdapter(dynClient dynamic.Interface, opts KubernetesOptions) *SparkOperatorAdapter {
	a := &SparkOperatorAdapter{dyn: dynClient, opts: opts, policy: ContainerPolicyFromEnv(orEmptyGetenv)}
	config.InitLogger(&a.log, a)
	return a
}

func orEmptyGetenv(string) string { return "" }

// Spawn creates a SparkApplication object. req.Argv[0] is the driver/executor
// image, req.Argv[1] is the mainApplicationFile, req.Argv[2:] are
// application arguments.
func (a *SparkOperatorAdapter) Spawn(ctx context.Context, req SpawnRequest) (Handle, error) {
	if len(req.Argv) < 2 {
		return Handle{}, provisioner.Errorf(provisioner.KindBackendLaunchFailed, "sparkoperator adapter requires argv[0]=image, argv[1]=mainApplicationFile")
	}

	env := make(map[string]string, len(req.Env))
	for k, v := range req.Env {
		env[k] = v
	}
	a.policy.ApplyWorkingDirMirror(env)
	if err := a.policy.EnforceProhibitedIDs(env); err != nil {
		return Handle{}, err
	}

	namespace := a.opts.Namespace
	if ns := env["KERNEL_NAMESPACE"]; ns != "" {
		namespace = ns
	}
	name := podName(req.Username, req.KernelID)

	envVars := make([]interface{}, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, map[string]interface{}{"name": k, "value": v})
	}

	app := &unstructured.Unstructured{Object: map[string]interface{}{
		"apiVersion": "sparkoperator.k8s.io/v1beta2",
		"kind":       "SparkApplication",
		"metadata": map[string]interface{}{
			"name":      name,
			"namespace": namespace,
			"labels":    map[string]interface{}{"app": a.opts.AppName, "component": kernelComponentLabelValue, "kernel_id": req.KernelID},
		},
		"spec": map[string]interface{}{
			"type":                "Python",
			"mode":                "cluster",
			"image":               req.Argv[0],
			"mainApplicationFile": req.Argv[1],
			"arguments":           toInterfaceSlice(req.Argv[2:]),
			"driver": map[string]interface{}{
				"env":            envVars,
				"serviceAccount": env["KERNEL_SERVICE_ACCOUNT_NAME"],
			},
			"executor": map[string]interface{}{
				"env": envVars,
			},
		},
	}}

	created, err := a.dyn.Resource(sparkApplicationGVR).Namespace(namespace).Create(ctx, app, metav1.CreateOptions{})
	if err != nil {
		return Handle{}, provisioner.Wrap(provisioner.KindBackendLaunchFailed, fmt.Errorf("creating sparkapplication %s/%s: %w", namespace, name, err))
	}

	a.log.Debug("created SparkApplication %s/%s for kernel '%s'", namespace, created.GetName(), req.KernelID)
	return Handle{BackendHandle: namespace + "/" + created.GetName()}, nil
}

func toInterfaceSlice(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// applicationStateAndIP reads .status.applicationState.state and
// .status.driverInfo.podName from the live SparkApplication object.
func (a *SparkOperatorAdapter) applicationStateAndIP(ctx context.Context, h Handle) (string, string, error) {
	namespace, name, err := splitHandle(h)
	if err != nil {
		return "", "", err
	}

	obj, err := a.dyn.Resource(sparkApplicationGVR).Namespace(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return "", "", err
	}

	state, _, _ := unstructured.NestedString(obj.Object, "status", "applicationState", "state")
	driverPod, _, _ := unstructured.NestedString(obj.Object, "status", "driverInfo", "podName")
	return state, driverPod, nil
}

var (
	sparkInitialStates = map[string]bool{"": true, "SUBMITTED": true, "RUNNING": true, "SUBMISSION_FAILED": false}
	sparkErrorStates   = map[string]bool{"FAILED": true, "SUBMISSION_FAILED": true, "FAILING": true, "INVALIDATING": true}
	sparkFinalStates   = map[string]bool{"COMPLETED": true, "FAILED": true}
)

// Discover polls until the SparkApplication reaches RUNNING and returns the
// driver pod name (resolved to an IP the same way KubernetesAdapter.Discover
// does, via a follow-up pod lookup is left to the caller since this adapter
// intentionally stays CRD-scoped).
func (a *SparkOperatorAdapter) Discover(ctx context.Context, h Handle) (string, error) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		state, driverPod, err := a.applicationStateAndIP(ctx, h)
		if err != nil {
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, err)
		}

		if state == "RUNNING" && driverPod != "" {
			return driverPod, nil
		}
		if sparkErrorStates[state] {
			return "", provisioner.Errorf(provisioner.KindBackendDiscoveryFailed, "sparkapplication %s entered state %s", h.BackendHandle, state)
		}

		select {
		case <-ctx.Done():
			return "", provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Status folds the SparkApplication's applicationState into BackendStatus.
func (a *SparkOperatorAdapter) Status(ctx context.Context, h Handle) (BackendStatus, error) {
	state, _, err := a.applicationStateAndIP(ctx, h)
	if err != nil {
		return StatusUnknown, provisioner.Wrap(provisioner.KindBackendDiscoveryFailed, err)
	}

	switch {
	case state == "RUNNING":
		return StatusRunning, nil
	case sparkErrorStates[state]:
		return StatusFailed, nil
	case sparkFinalStates[state]:
		return StatusTerminated, nil
	case sparkInitialStates[state]:
		return StatusPending, nil
	default:
		return StatusUnknown, nil
	}
}

// SendNativeSignal is unsupported: SparkApplication has no per-pod signal
// verb through the CRD's own API surface.
func (a *SparkOperatorAdapter) SendNativeSignal(ctx context.Context, h Handle, signum int) error {
	return provisioner.Errorf(provisioner.KindBackendLaunchFailed, "native signalling is not supported for sparkapplications; use the communication socket")
}

// TerminateBackendResources deletes the SparkApplication object, which cascades
// to its driver/executor pods via the operator's own garbage collection.
func (a *SparkOperatorAdapter) TerminateBackendResources(ctx context.Context, h Handle) error {
	if h.BackendHandle == "" {
		return nil
	}
	namespace, name, err := splitHandle(h)
	if err != nil {
		return err
	}

	if err := a.dyn.Resource(sparkApplicationGVR).Namespace(namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
		return provisioner.Wrap(provisioner.KindBackendLaunchFailed, fmt.Errorf("deleting sparkapplication %s/%s: %w", namespace, name, err))
	}
	return nil
}
