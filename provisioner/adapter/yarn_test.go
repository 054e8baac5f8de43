package adapter

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestYarnAdapter(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "YARN Adapter Suite")
}

func newYarnTestServer(states []string) (*httptest.Server, *int) {
	call := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPut {
			w.WriteHeader(http.StatusOK)
			return
		}
		state := states[call]
		if call < len(states)-1 {
			call++
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"apps":{"app":[{"id":"application_1","state":"` + state + `"}]}}`))
	}))
	return srv, &call
}

var _ = Describe("YarnAdapter.Discover", func() {
	It("polls until RUNNING and returns the application id", func() {
		srv, _ := newYarnTestServer([]string{"ACCEPTED", "RUNNING"})
		defer srv.Close()

		a := NewYarnAdapter(YarnOptions{Endpoint: srv.URL, PollInterval: 10 * time.Millisecond})
		host, err := a.Discover(context.Background(), Handle{BackendHandle: "k1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(host).To(Equal("application_1"))
	})

	It("fails when the application enters FAILED", func() {
		srv, _ := newYarnTestServer([]string{"FAILED"})
		defer srv.Close()

		a := NewYarnAdapter(YarnOptions{Endpoint: srv.URL, PollInterval: 10 * time.Millisecond})
		_, err := a.Discover(context.Background(), Handle{BackendHandle: "k1"})
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("YarnAdapter.Status", func() {
	It("maps ACCEPTED to pending", func() {
		srv, _ := newYarnTestServer([]string{"ACCEPTED"})
		defer srv.Close()

		a := NewYarnAdapter(YarnOptions{Endpoint: srv.URL})
		status, err := a.Status(context.Background(), Handle{BackendHandle: "k1"})
		Expect(err).NotTo(HaveOccurred())
		Expect(status).To(Equal(StatusPending))
	})
})

var _ = Describe("YarnAdapter.SendNativeSignal", func() {
	It("treats signal 0 as a poll", func() {
		srv, _ := newYarnTestServer([]string{"RUNNING"})
		defer srv.Close()

		a := NewYarnAdapter(YarnOptions{Endpoint: srv.URL})
		Expect(a.SendNativeSignal(context.Background(), Handle{BackendHandle: "k1"}, 0)).To(Succeed())
	})

	It("rejects signals other than 0 and SIGKILL", func() {
		a := NewYarnAdapter(YarnOptions{Endpoint: "http://unused"})
		err := a.SendNativeSignal(context.Background(), Handle{BackendHandle: "k1"}, 2)
		Expect(err).To(HaveOccurred())
	})
})

var _ = Describe("YarnAdapter.TerminateBackendResources", func() {
	It("PUTs a KILLED state for the application", func() {
		srv, _ := newYarnTestServer([]string{"RUNNING"})
		defer srv.Close()

		a := NewYarnAdapter(YarnOptions{Endpoint: srv.URL})
		Expect(a.TerminateBackendResources(context.Background(), Handle{BackendHandle: "k1"})).To(Succeed())
	})
})
