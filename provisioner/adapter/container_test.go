package adapter

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestContainerPolicy(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Container Policy Suite")
}

func fixedEnv(values map[string]string) func(string) string {
	return func(k string) string { return values[k] }
}

var _ = Describe("ContainerPolicyFromEnv", func() {
	It("denies UID/GID 0 by default", func() {
		p := ContainerPolicyFromEnv(fixedEnv(nil))
		Expect(p.ProhibitedUIDs).To(HaveKeyWithValue("0", true))
		Expect(p.ProhibitedGIDs).To(HaveKeyWithValue("0", true))
		Expect(p.MirrorWorkingDirs).To(BeFalse())
	})

	It("parses a comma-separated denylist and trims whitespace", func() {
		p := ContainerPolicyFromEnv(fixedEnv(map[string]string{
			EnvProhibitedUIDs: "0, 1, 2",
		}))
		Expect(p.ProhibitedUIDs).To(HaveKeyWithValue("0", true))
		Expect(p.ProhibitedUIDs).To(HaveKeyWithValue("1", true))
		Expect(p.ProhibitedUIDs).To(HaveKeyWithValue("2", true))
	})

	It("enables working-dir mirroring case-insensitively", func() {
		p := ContainerPolicyFromEnv(fixedEnv(map[string]string{EnvMirrorWorkingDirs: "True"}))
		Expect(p.MirrorWorkingDirs).To(BeTrue())
	})
})

var _ = Describe("ContainerPolicy.EnforceProhibitedIDs", func() {
	It("fills in default UID/GID when absent", func() {
		p := ContainerPolicyFromEnv(fixedEnv(nil))
		env := map[string]string{}
		Expect(p.EnforceProhibitedIDs(env)).To(Succeed())
		Expect(env["KERNEL_UID"]).To(Equal(defaultKernelUID))
		Expect(env["KERNEL_GID"]).To(Equal(defaultKernelGID))
	})

	It("rejects a denylisted UID before checking GID", func() {
		p := ContainerPolicyFromEnv(fixedEnv(nil))
		env := map[string]string{"KERNEL_UID": "0"}
		err := p.EnforceProhibitedIDs(env)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("UID"))
	})

	It("rejects a denylisted GID", func() {
		p := ContainerPolicyFromEnv(fixedEnv(nil))
		env := map[string]string{"KERNEL_GID": "0"}
		err := p.EnforceProhibitedIDs(env)
		Expect(err).To(HaveOccurred())
		Expect(err.Error()).To(ContainSubstring("GID"))
	})

	It("allows a non-denylisted UID/GID pair through unchanged", func() {
		p := ContainerPolicyFromEnv(fixedEnv(nil))
		env := map[string]string{"KERNEL_UID": "1000", "KERNEL_GID": "100"}
		Expect(p.EnforceProhibitedIDs(env)).To(Succeed())
		Expect(env["KERNEL_UID"]).To(Equal("1000"))
		Expect(env["KERNEL_GID"]).To(Equal("100"))
	})
})

var _ = Describe("ContainerPolicy.ApplyWorkingDirMirror", func() {
	It("strips KERNEL_WORKING_DIR when mirroring is disabled", func() {
		p := ContainerPolicy{MirrorWorkingDirs: false}
		env := map[string]string{"KERNEL_WORKING_DIR": "/home/alice"}
		p.ApplyWorkingDirMirror(env)
		Expect(env).NotTo(HaveKey("KERNEL_WORKING_DIR"))
	})

	It("preserves KERNEL_WORKING_DIR when mirroring is enabled", func() {
		p := ContainerPolicy{MirrorWorkingDirs: true}
		env := map[string]string{"KERNEL_WORKING_DIR": "/home/alice"}
		p.ApplyWorkingDirMirror(env)
		Expect(env).To(HaveKeyWithValue("KERNEL_WORKING_DIR", "/home/alice"))
	})
})
