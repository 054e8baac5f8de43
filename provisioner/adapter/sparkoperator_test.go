package adapter

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/apimachinery/pkg/runtime/schema"
	dynamicfake "k8s.io/client-go/dynamic/fake"
)

func TestSparkOperatorAdapter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SparkOperator Adapter Suite")
}

func newFakeSparkClient(objects ...runtime.Object) *dynamicfake.FakeDynamicClient {
	scheme := runtime.NewScheme()
	gvrToListKind := map[schema.GroupVersionResource]string{
		sparkApplicationGVR: "SparkApplicationList",
	}
	return dynamicfake.NewSimpleDynamicClientWithCustomListKinds(scheme, gvrToListKind, objects...)
}

var _ = Describe("SparkOperatorAdapter.Spawn", func() {
	It("creates a SparkApplication object with driver/executor env", func() {
		dyn := newFakeSparkClient()
		a := NewSparkOperatorAdapter(dyn, KubernetesOptions{Namespace: "default", AppName: "remote-provisioner"})

		h, err := a.Spawn(context.Background(), SpawnRequest{
			KernelID: "k1",
			Username: "alice",
			Argv:     []string{"spark-image:latest", "local:///opt/app.py", "--flag"},
			Env:      map[string]string{"FOO": "bar"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(h.BackendHandle).To(Equal("default/alice-k1"))

		obj, err := dyn.Resource(sparkApplicationGVR).Namespace("default").Get(context.Background(), "alice-k1", metav1.GetOptions{})
		Expect(err).NotTo(HaveOccurred())
		image, _, _ := unstructured.NestedString(obj.Object, "spec", "image")
		Expect(image).To(Equal("spark-image:latest"))
	})

	It("rejects a request with fewer than two argv entries", func() {
		a := NewSparkOperatorAdapter(newFakeSparkClient(), KubernetesOptions{Namespace: "default"})
		_, err := a.Spawn(context.Background(), SpawnRequest{KernelID: "k1", Argv: []string{"only-image"}})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("SparkOperatorAdapter.Status", func() {
	It("reports StatusRunning when applicationState.state is RUNNING", func() {
		app := &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "sparkoperator.k8s.io/v1beta2",
			"kind":       "SparkApplication",
			"metadata":   map[string]interface{}{"name": "alice-k1", "namespace": "default"},
			"status":     map[string]interface{}{"applicationState": map[string]interface{}{"state": "RUNNING"}},
		}}
		dyn := newFakeSparkClient(app)
		a := NewSparkOperatorAdapter(dyn, KubernetesOptions{Namespace: "default"})

		status, err := a.Status(context.Background(), Handle{BackendHandle: "default/alice-k1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(StatusRunning))
	})

	It("reports StatusFailed for a FAILED application state", func() {
		app := &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "sparkoperator.k8s.io/v1beta2",
			"kind":       "SparkApplication",
			"metadata":   map[string]interface{}{"name": "alice-k1", "namespace": "default"},
			"status":     map[string]interface{}{"applicationState": map[string]interface{}{"state": "FAILED"}},
		}}
		dyn := newFakeSparkClient(app)
		a := NewSparkOperatorAdapter(dyn, KubernetesOptions{Namespace: "default"})

		status, err := a.Status(context.Background(), Handle{BackendHandle: "default/alice-k1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(StatusFailed))
	})
})

var _ = Describe("SparkOperatorAdapter.SendNativeSignal", func() {
	It("always errors as unsupported", func() {
		a := NewSparkOperatorAdapter(newFakeSparkClient(), KubernetesOptions{Namespace: "default"})
		err := a.SendNativeSignal(context.Background(), Handle{BackendHandle: "default/alice-k1"}, 9)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("SparkOperatorAdapter.TerminateBackendResources", func() {
	It("deletes the SparkApplication object", func() {
		app := &unstructured.Unstructured{Object: map[string]interface{}{
			"apiVersion": "sparkoperator.k8s.io/v1beta2",
			"kind":       "SparkApplication",
			"metadata":   map[string]interface{}{"name": "alice-k1", "namespace": "default"},
		}}
		dyn := newFakeSparkClient(app)
		a := NewSparkOperatorAdapter(dyn, KubernetesOptions{Namespace: "default"})

		Expect(a.TerminateBackendResources(context.Background(), Handle{BackendHandle: "default/alice-k1"})).To(Succeed())
		_, err := dyn.Resource(sparkApplicationGVR).Namespace("default").Get(context.Background(), "alice-k1", metav1.GetOptions{})
		Expect(err).To(HaveOccurred())
	})

	It("is a no-op for an empty handle", func() {
		a := NewSparkOperatorAdapter(newFakeSparkClient(), KubernetesOptions{Namespace: "default"})
		Expect(a.TerminateBackendResources(context.Background(), Handle{})).To(Succeed())
	})
})
