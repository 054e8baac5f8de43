package loadbalancer_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/loadbalancer"
)

func TestHostPool(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Host Pool Suite")
}

var _ = Describe("round-robin", func() {
	It("cycles through hosts in order", func() {
		p := loadbalancer.New([]string{"h1", "h2", "h3"}, loadbalancer.RoundRobin)
		Expect(p.NextHost("k1", "")).To(Equal("h1"))
		Expect(p.NextHost("k2", "")).To(Equal("h2"))
		Expect(p.NextHost("k3", "")).To(Equal("h3"))
		Expect(p.NextHost("k4", "")).To(Equal("h1"))
	})

	It("honors a KERNEL_REMOTE_HOST pin that names a configured host", func() {
		p := loadbalancer.New([]string{"h1", "h2"}, loadbalancer.RoundRobin)
		host, err := p.NextHost("k1", "h2")
		Expect(err).NotTo(HaveOccurred())
		Expect(host).To(Equal("h2"))
	})

	It("fails a KERNEL_REMOTE_HOST pin that is not one of the configured hosts", func() {
		p := loadbalancer.New([]string{"h1", "h2"}, loadbalancer.RoundRobin)
		_, err := p.NextHost("k1", "pinned")
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(provisioner.ErrUnknownRemoteHost))
	})
})

var _ = Describe("least-connection", func() {
	It("picks the host with fewest active kernels", func() {
		p := loadbalancer.New([]string{"h1", "h2"}, loadbalancer.LeastConnection)
		first, err := p.NextHost("k1", "")
		Expect(err).NotTo(HaveOccurred())
		second, err := p.NextHost("k2", "")
		Expect(err).NotTo(HaveOccurred())
		Expect(second).NotTo(Equal(first))
	})

	It("honors a KERNEL_REMOTE_HOST pin that names a configured host, even under least-connection", func() {
		p := loadbalancer.New([]string{"h1", "h2"}, loadbalancer.LeastConnection)
		host, err := p.NextHost("k1", "h1")
		Expect(err).NotTo(HaveOccurred())
		Expect(host).To(Equal("h1"))
	})

	It("fails a KERNEL_REMOTE_HOST pin that is not one of the configured hosts", func() {
		p := loadbalancer.New([]string{"h1", "h2"}, loadbalancer.LeastConnection)
		_, err := p.NextHost("k1", "pinned")
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(provisioner.ErrUnknownRemoteHost))
	})

	It("frees a host's slot on Release", func() {
		p := loadbalancer.New([]string{"h1"}, loadbalancer.LeastConnection)
		_, err := p.NextHost("k1", "")
		Expect(err).NotTo(HaveOccurred())
		p.Release("k1")
		host, ok := p.HostFor("k1")
		Expect(ok).To(BeFalse())
		Expect(host).To(Equal(""))
	})
})

var _ = Describe("ValidateAlgorithm", func() {
	It("accepts round-robin and least-connection", func() {
		Expect(loadbalancer.ValidateAlgorithm("round-robin")).To(Succeed())
		Expect(loadbalancer.ValidateAlgorithm("least-connection")).To(Succeed())
	})

	It("rejects anything else", func() {
		Expect(loadbalancer.ValidateAlgorithm("random")).To(HaveOccurred())
	})
})
