package adapter

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/docker/docker/api/types/swarm"
)

func TestDockerSwarmAdapter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Docker Swarm Adapter Suite")
}

var _ = Describe("stripCIDR", func() {
	It("strips a trailing /prefix from an address", func() {
		Expect(stripCIDR("10.0.0.5/24")).To(Equal("10.0.0.5"))
	})

	It("returns the address unchanged when there is no slash", func() {
		Expect(stripCIDR("10.0.0.5")).To(Equal("10.0.0.5"))
	})
})

var _ = Describe("swarm task state classification", func() {
	It("treats New/Pending/Running as initial states", func() {
		Expect(swarmInitialStates[swarm.TaskStateNew]).To(BeTrue())
		Expect(swarmInitialStates[swarm.TaskStatePending]).To(BeTrue())
		Expect(swarmInitialStates[swarm.TaskStateRunning]).To(BeTrue())
	})

	It("treats Failed/Rejected/Orphaned as error states", func() {
		Expect(swarmErrorStates[swarm.TaskStateFailed]).To(BeTrue())
		Expect(swarmErrorStates[swarm.TaskStateRejected]).To(BeTrue())
		Expect(swarmErrorStates[swarm.TaskStateOrphaned]).To(BeTrue())
	})

	It("does not double-classify Running as an error state", func() {
		Expect(swarmErrorStates[swarm.TaskStateRunning]).To(BeFalse())
	})
})

var _ = Describe("DockerSwarmAdapter.SendNativeSignal", func() {
	It("reports signalling as unsupported for swarm services", func() {
		a := &DockerSwarmAdapter{}
		err := a.SendNativeSignal(nil, Handle{BackendHandle: "svc1"}, 15)
		Expect(err).To(HaveOccurred())
	})
})
