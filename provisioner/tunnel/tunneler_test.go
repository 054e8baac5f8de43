package tunnel

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"golang.org/x/crypto/ssh"
)

func TestTunneler(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "SSH Tunneler Suite")
}

var _ = Describe("hostKeyCallback", func() {
	It("returns InsecureIgnoreHostKey when configured", func() {
		tun := New(Options{InsecureIgnoreHost: true})
		cb, err := tun.hostKeyCallback()
		Expect(err).NotTo(HaveOccurred())
		Expect(cb).NotTo(BeNil())
	})

	It("errors when the known_hosts file does not exist and insecure mode is off", func() {
		tun := New(Options{KnownHostsPath: "/nonexistent/known_hosts"})
		_, err := tun.hostKeyCallback()
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("forwardOne", func() {
	It("binds an ephemeral local port", func() {
		tun := New(Options{})
		ln, port, err := tun.forwardOne(&ssh.Client{}, "127.0.0.1", 9999)
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()
		Expect(port).To(BeNumerically(">", 0))
	})
})

var _ = Describe("Close", func() {
	It("is a no-op for an unknown kernel id", func() {
		tun := New(Options{})
		Expect(func() { tun.Close("no-such-kernel") }).NotTo(Panic())
	})
})
