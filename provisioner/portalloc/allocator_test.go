package portalloc_test

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/portalloc"
)

func TestPortAlloc(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Port Allocator Suite")
}

var _ = Describe("ParseRange", func() {
	It("parses low..high", func() {
		r, err := portalloc.ParseRange("40000..41000")
		Expect(err).NotTo(HaveOccurred())
		Expect(r).To(Equal(portalloc.Range{Low: 40000, High: 41000}))
	})

	It("treats 0..0 as unconstrained", func() {
		r, err := portalloc.ParseRange("0..0")
		Expect(err).NotTo(HaveOccurred())
		Expect(r.Unconstrained()).To(BeTrue())
	})

	It("rejects malformed ranges", func() {
		_, err := portalloc.ParseRange("not-a-range")
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("Range.Validate", func() {
	It("rejects a range smaller than the configured minimum", func() {
		r := portalloc.Range{Low: 40000, High: 40000}
		err := r.Validate(1000)
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(provisioner.ErrPortRangeTooSmall))
	})

	It("accepts a range at least as large as the configured minimum", func() {
		r := portalloc.Range{Low: 40000, High: 41000}
		Expect(r.Validate(1000)).To(Succeed())
	})

	It("accepts the unconstrained range regardless of minimum", func() {
		Expect(portalloc.Range{}.Validate(1000)).To(Succeed())
	})
})

var _ = Describe("Allocator.Allocate", func() {
	It("returns distinct ports within the requested range", func() {
		a := portalloc.New()
		r := portalloc.Range{Low: 41000, High: 42500}

		ports, err := a.Allocate(5, r)
		Expect(err).NotTo(HaveOccurred())
		Expect(ports).To(HaveLen(5))

		seen := map[int]bool{}
		for _, p := range ports {
			Expect(p).To(BeNumerically(">=", r.Low))
			Expect(p).To(BeNumerically("<=", r.High))
			Expect(seen[p]).To(BeFalse())
			seen[p] = true
		}
	})

	It("returns distinct ephemeral ports when unconstrained", func() {
		a := portalloc.New()

		ports, err := a.Allocate(3, portalloc.Range{})
		Expect(err).NotTo(HaveOccurred())
		Expect(ports).To(HaveLen(3))

		seen := map[int]bool{}
		for _, p := range ports {
			Expect(p).To(BeNumerically(">", 0))
			Expect(seen[p]).To(BeFalse())
			seen[p] = true
		}
	})
})
