package binding_test

import (
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/remote-provisioner/internal/jupyter"
	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/adapter"
	"github.com/scusemua/remote-provisioner/provisioner/binding"
	"github.com/scusemua/remote-provisioner/provisioner/policy"
)

func TestBinding(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Binding State Machine Suite")
}

type fakeWaiter struct {
	mu     sync.Mutex
	delays map[string]jupyter.ConnectionInfo
	fail   map[string]error
}

func newFakeWaiter() *fakeWaiter {
	return &fakeWaiter{delays: map[string]jupyter.ConnectionInfo{}, fail: map[string]error{}}
}

func (f *fakeWaiter) Register(kernelID string) {}

func (f *fakeWaiter) Await(ctx context.Context, kernelID string) (jupyter.ConnectionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.fail[kernelID]; ok {
		return jupyter.ConnectionInfo{}, err
	}
	if ci, ok := f.delays[kernelID]; ok {
		return ci, nil
	}
	<-ctx.Done()
	return jupyter.ConnectionInfo{}, provisioner.Wrap(provisioner.KindLaunchTimeout, ctx.Err())
}

func (f *fakeWaiter) Cancel(kernelID string) {}

func (f *fakeWaiter) ResponseAddress() string { return "127.0.0.1:8877" }

func (f *fakeWaiter) PublicKeyBase64DER() (string, error) { return "fake-public-key", nil }

type fakeAdapter struct {
	spawnErr     error
	discoverErr  error
	discoverHost string
	terminated   []adapter.Handle
	signals      []int
	mu           sync.Mutex
}

func (f *fakeAdapter) Spawn(ctx context.Context, req adapter.SpawnRequest) (adapter.Handle, error) {
	if f.spawnErr != nil {
		return adapter.Handle{}, f.spawnErr
	}
	return adapter.Handle{BackendHandle: "backend-" + req.KernelID}, nil
}

func (f *fakeAdapter) Discover(ctx context.Context, h adapter.Handle) (string, error) {
	if f.discoverErr != nil {
		return "", f.discoverErr
	}
	return f.discoverHost, nil
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
	f.terminated = append(f.terminated, h)
	return nil
}

var _ = Describe("StateMachine.Launch", func() {
	var global *policy.GlobalPolicy

	BeforeEach(func() {
		var err error
		global, err = policy.LoadGlobalPolicy(map[string]string{})
		Expect(err).NotTo(HaveOccurred())
	})

	It("reaches RUNNING on the happy path", func() {
		fa := &fakeAdapter{discoverHost: "10.0.0.5"}
		fw := newFakeWaiter()
		fw.delays["k1"] = jupyter.ConnectionInfo{KernelID: "k1", ShellPort: 9001}

		sm := binding.New(fa, fw, global)
		b, err := sm.Launch(context.Background(), "k1", "alice", binding.KernelSpec{
			Argv:        []string{"launch.sh", "{kernel_id}", "{response_address}"},
			DisplayName: "Python 3",
		})

		Expect(err).NotTo(HaveOccurred())
		Expect(b.State).To(Equal(binding.StateRunning))
		Expect(b.AssignedHost).To(Equal("10.0.0.5"))
		Expect(b.ConnectionInfo.ShellPort).To(Equal(9001))
	})

	It("denies an unauthorized user without ever spawning", func() {
		global.UnauthorizedUsers["root"] = true
		fa := &fakeAdapter{}
		fw := newFakeWaiter()

		sm := binding.New(fa, fw, global)
		b, err := sm.Launch(context.Background(), "k2", "root", binding.KernelSpec{
			Argv:        []string{"launch.sh"},
			DisplayName: "Python 3",
		})

		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(provisioner.ErrForbiddenUnauthorizedList))
		Expect(b.State).To(Equal(binding.StateFailed))
	})

	It("fails and cleans up the backend on launch timeout", func() {
		fa := &fakeAdapter{discoverHost: "10.0.0.9"}
		fw := newFakeWaiter() // k3 never delivers; Await blocks on ctx

		cfg := policy.KernelConfig{LaunchTimeoutSeconds: 1}
		sm := binding.New(fa, fw, global)
		b, err := sm.Launch(context.Background(), "k3", "alice", binding.KernelSpec{
			Argv:        []string{"launch.sh"},
			DisplayName: "Python 3",
			Config:      cfg,
		})

		Expect(err).To(HaveOccurred())
		Expect(b.State).To(Equal(binding.StateFailed))
		Expect(fa.terminated).To(HaveLen(1))
	})
})

var _ = Describe("CanTransition", func() {
	It("allows the documented happy path", func() {
		Expect(binding.CanTransition(binding.StatePending, binding.StateAuthorized)).To(BeTrue())
		Expect(binding.CanTransition(binding.StateAuthorized, binding.StateLaunching)).To(BeTrue())
		Expect(binding.CanTransition(binding.StateRunning, binding.StateTerminating)).To(BeTrue())
		Expect(binding.CanTransition(binding.StateTerminating, binding.StateTerminated)).To(BeTrue())
	})

	It("allows any non-terminal state to move to TERMINATING", func() {
		Expect(binding.CanTransition(binding.StateDiscovering, binding.StateTerminating)).To(BeTrue())
	})

	It("rejects transitions out of terminal states", func() {
		Expect(binding.CanTransition(binding.StateFailed, binding.StateRunning)).To(BeFalse())
		Expect(binding.CanTransition(binding.StateTerminated, binding.StateTerminating)).To(BeFalse())
	})

	It("rejects skipping states", func() {
		Expect(binding.CanTransition(binding.StatePending, binding.StateRunning)).To(BeFalse())
	})
})

var _ = Describe("StateMachine.Terminate", func() {
	It("transitions RUNNING -> TERMINATING -> TERMINATED and tears down the backend", func() {
		fa := &fakeAdapter{discoverHost: "10.0.0.5"}
		fw := newFakeWaiter()
		fw.delays["k4"] = jupyter.ConnectionInfo{KernelID: "k4"}
		global, _ := policy.LoadGlobalPolicy(map[string]string{})

		sm := binding.New(fa, fw, global)
		_, err := sm.Launch(context.Background(), "k4", "alice", binding.KernelSpec{
			Argv: []string{"launch.sh"}, DisplayName: "Python 3",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(sm.Terminate(context.Background(), "k4")).To(Succeed())

		b, ok := sm.Get("k4")
		Expect(ok).To(BeTrue())
		Expect(b.State).To(Equal(binding.StateTerminated))
	})
})

var _ = Describe("StateMachine.SendNativeSignal", func() {
	It("falls back to the adapter when no communication port was established", func() {
		fa := &fakeAdapter{discoverHost: "10.0.0.5"}
		fw := newFakeWaiter()
		fw.delays["k5"] = jupyter.ConnectionInfo{KernelID: "k5"}
		global, _ := policy.LoadGlobalPolicy(map[string]string{})

		sm := binding.New(fa, fw, global)
		_, err := sm.Launch(context.Background(), "k5", "alice", binding.KernelSpec{
			Argv: []string{"launch.sh"}, DisplayName: "Python 3",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(sm.SendNativeSignal(context.Background(), "k5", 2)).To(Succeed())
		Expect(fa.signals).To(Equal([]int{2}))
	})

	It("prefers the launcher's communication port when one was reported", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		host, portStr, err := net.SplitHostPort(ln.Addr().String())
		Expect(err).NotTo(HaveOccurred())
		port, err := strconv.Atoi(portStr)
		Expect(err).NotTo(HaveOccurred())

		received := make(chan []byte, 1)
		go func() {
			conn, acceptErr := ln.Accept()
			if acceptErr != nil {
				return
			}
			defer conn.Close()
			buf := make([]byte, 256)
			n, _ := conn.Read(buf)
			received <- buf[:n]
		}()

		fa := &fakeAdapter{discoverHost: "10.0.0.5"}
		fw := newFakeWaiter()
		fw.delays["k6"] = jupyter.ConnectionInfo{KernelID: "k6", IP: host, CommunicationPort: port}
		global, _ := policy.LoadGlobalPolicy(map[string]string{})

		sm := binding.New(fa, fw, global)
		_, err = sm.Launch(context.Background(), "k6", "alice", binding.KernelSpec{
			Argv: []string{"launch.sh"}, DisplayName: "Python 3",
		})
		Expect(err).NotTo(HaveOccurred())

		Expect(sm.SendNativeSignal(context.Background(), "k6", 9)).To(Succeed())

		var payload []byte
		Eventually(received).Should(Receive(&payload))
		Expect(string(payload)).To(ContainSubstring(`"signum":9`))
		Expect(fa.signals).To(BeEmpty())
	})
})

var _ = Describe("timeouts", func() {
	It("does not hang past a short launch_timeout", func() {
		start := time.Now()
		fa := &fakeAdapter{}
		fw := newFakeWaiter()
		global, _ := policy.LoadGlobalPolicy(map[string]string{})

		sm := binding.New(fa, fw, global)
		_, _ = sm.Launch(context.Background(), "k5", "alice", binding.KernelSpec{
			Argv: []string{"launch.sh"}, DisplayName: "Python 3",
			Config: policy.KernelConfig{LaunchTimeoutSeconds: 1},
		})

		Expect(time.Since(start)).To(BeNumerically("<", 5*time.Second))
	})
})
