package supervisor_test

import (
	"context"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/remote-provisioner/internal/jupyter"
	"github.com/scusemua/remote-provisioner/provisioner/adapter"
	"github.com/scusemua/remote-provisioner/provisioner/binding"
	"github.com/scusemua/remote-provisioner/provisioner/policy"
	"github.com/scusemua/remote-provisioner/provisioner/supervisor"
)

func TestSupervisor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Lifecycle Supervisor Suite")
}

type fakeWaiter struct {
	mu     sync.Mutex
	delays map[string]jupyter.ConnectionInfo
}

func newFakeWaiter() *fakeWaiter { return &fakeWaiter{delays: map[string]jupyter.ConnectionInfo{}} }

func (f *fakeWaiter) Register(kernelID string) {}
func (f *fakeWaiter) Await(ctx context.Context, kernelID string) (jupyter.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ci, ok := f.delays[kernelID]; ok {
		return ci, nil
	}
	<-ctx.Done()
	return jupyter.ConnectionInfo{}, ctx.Err()
}
func (f *fakeWaiter) Cancel(kernelID string)              {}
func (f *fakeWaiter) ResponseAddress() string             { return "127.0.0.1:8877" }
func (f *fakeWaiter) PublicKeyBase64DER() (string, error) { return "fake-public-key", nil }

type fakeAdapter struct {
	mu        sync.Mutex
	signals   []int
	terminate int
}

func (f *fakeAdapter) Spawn(ctx context.Context, req adapter.SpawnRequest) (adapter.Handle, error) {
	return adapter.Handle{BackendHandle: "backend-" + req.KernelID}, nil
}
func (f *fakeAdapter) Discover(ctx context.Context, h adapter.Handle) (string, error) {
	return "10.0.0.5", nil
}
func (f *fakeAdapter) Status(ctx context.Context, h adapter.Handle) (adapter.BackendStatus, error) {
	return adapter.StatusRunning, nil
}
func (f *fakeAdapter) SendNativeSignal(ctx context.Context, h adapter.Handle, signum int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signum)
	return nil
}
func (f *fakeAdapter) TerminateBackendResources(ctx context.Context, h adapter.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminate++
	return nil
}

func newRunningSupervisor(kernelID string) (*supervisor.Supervisor, *fakeAdapter) {
	global, _ := policy.LoadGlobalPolicy(map[string]string{})
	fa := &fakeAdapter{}
	fw := newFakeWaiter()
	fw.delays[kernelID] = jupyter.ConnectionInfo{KernelID: kernelID, ShellPort: 9001}

	sm := binding.New(fa, fw, global)
	sup := supervisor.New(sm, kernelID, "alice")

	_, err := sup.Start(context.Background(), binding.KernelSpec{Argv: []string{"launch.sh"}, DisplayName: "Python 3"})
	Expect(err).NotTo(HaveOccurred())
	return sup, fa
}

var _ = Describe("Supervisor.Start/Poll", func() {
	It("reports no exit status while the binding is running", func() {
		sup, _ := newRunningSupervisor("k1")
		defer sup.Close()

		status, err := sup.Poll()
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(BeNil())
	})
})

var _ = Describe("Supervisor.SendSignal/Interrupt", func() {
	It("forwards signals to the adapter", func() {
		sup, fa := newRunningSupervisor("k2")
		defer sup.Close()

		Expect(sup.SendSignal(context.Background(), 9)).To(Succeed())
		Expect(sup.Interrupt(context.Background())).To(Succeed())

		fa.mu.Lock()
		defer fa.mu.Unlock()
		Expect(fa.signals).To(Equal([]int{9, 2}))
	})
})

var _ = Describe("Supervisor.Terminate/Kill", func() {
	It("tears the binding down to TERMINATED", func() {
		sup, fa := newRunningSupervisor("k3")
		defer sup.Close()

		Expect(sup.Terminate(context.Background())).To(Succeed())

		status, err := sup.Poll()
		Expect(err).NotTo(HaveOccurred())
		Expect(status).NotTo(BeNil())
		Expect(status.State).To(Equal(binding.StateTerminated))

		fa.mu.Lock()
		defer fa.mu.Unlock()
		Expect(fa.terminate).To(Equal(1))
	})
})

var _ = Describe("Supervisor.Wait", func() {
	It("blocks until the binding terminates", func() {
		sup, _ := newRunningSupervisor("k4")
		defer sup.Close()

		go func() {
			time.Sleep(50 * time.Millisecond)
			_ = sup.Terminate(context.Background())
		}()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		status, err := sup.Wait(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(status.State).To(Equal(binding.StateTerminated))
	})
})

var _ = Describe("Supervisor.GetProvisionerInfo", func() {
	It("snapshots the binding's addressing", func() {
		sup, _ := newRunningSupervisor("k5")
		defer sup.Close()

		info, err := sup.GetProvisionerInfo()
		Expect(err).NotTo(HaveOccurred())
		Expect(info.KernelID).To(Equal("k5"))
		Expect(info.AssignedHost).To(Equal("10.0.0.5"))
		Expect(info.State).To(Equal(binding.StateRunning))
	})
})

var _ = Describe("Supervisor.GetShutdownWaitTime", func() {
	It("returns the configured grace period", func() {
		sup, _ := newRunningSupervisor("k6")
		defer sup.Close()

		sup.SetShutdownWaitTime(10)
		Expect(sup.GetShutdownWaitTime(time.Second)).To(Equal(10 * time.Second))
	})
})
