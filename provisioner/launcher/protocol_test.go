package launcher_test

import (
	"encoding/json"
	"net"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/remote-provisioner/internal/jupyter"
	"github.com/scusemua/remote-provisioner/provisioner/launcher"
)

func TestLauncherProtocol(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Launcher Protocol Suite")
}

func acceptOnce(t GinkgoTInterface, ln net.Listener, out chan<- []byte) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1024)
	n, _ := conn.Read(buf)
	out <- buf[:n]
}

var _ = Describe("launcher.Client", func() {
	It("writes a signum request to the listener", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		received := make(chan []byte, 1)
		go acceptOnce(GinkgoT(), ln, received)

		addr := ln.Addr().String()
		c := launcher.NewClient()
		Expect(c.SendSignal(addr, 9)).To(Succeed())

		var payload []byte
		Eventually(received).Should(Receive(&payload))

		var req map[string]int
		Expect(json.Unmarshal(payload, &req)).To(Succeed())
		Expect(req).To(HaveKeyWithValue("signum", 9))
	})

	It("writes a shutdown request and half-closes the connection", func() {
		ln, err := net.Listen("tcp", "127.0.0.1:0")
		Expect(err).NotTo(HaveOccurred())
		defer ln.Close()

		received := make(chan []byte, 1)
		go acceptOnce(GinkgoT(), ln, received)

		addr := ln.Addr().String()
		c := launcher.NewClient()
		Expect(c.Shutdown(addr)).To(Succeed())

		var payload []byte
		Eventually(received).Should(Receive(&payload))

		var req map[string]int
		Expect(json.Unmarshal(payload, &req)).To(Succeed())
		Expect(req).To(HaveKeyWithValue("shutdown", 1))
	})

	It("errors when no listener is reachable", func() {
		c := launcher.NewClient()
		err := c.SendSignal("127.0.0.1:1", 9)
		Expect(err).To(HaveOccurred())
	})

	It("errors when no communication port was established", func() {
		c := launcher.NewClient()
		err := c.SendSignal(launcher.Addr(jupyter.ConnectionInfo{}), 9)
		Expect(err).To(HaveOccurred())
	})
})
