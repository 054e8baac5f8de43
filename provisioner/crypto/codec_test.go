package crypto_test

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/scusemua/remote-provisioner/internal/jupyter"
	"github.com/scusemua/remote-provisioner/provisioner"
	"github.com/scusemua/remote-provisioner/provisioner/crypto"
)

func TestCrypto(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Crypto Suite")
}

var _ = Describe("Payload codec", func() {
	It("round-trips a connection_info payload byte-for-byte", func() {
		key, err := crypto.GenerateKeypair()
		Expect(err).NotTo(HaveOccurred())

		original := jupyter.ConnectionInfo{
			KernelID:          "11111111-1111-1111-1111-111111111111",
			IP:                "10.0.0.5",
			ShellPort:         9001,
			IOPubPort:         9002,
			StdinPort:         9003,
			ControlPort:       9004,
			HBPort:            9005,
			SignatureKey:      "sekrit",
			SignatureScheme:   "hmac-sha256",
			CommunicationPort: 9006,
			Pid:               4242,
		}

		blob, err := crypto.EncryptPayload(&original, &key.PublicKey)
		Expect(err).NotTo(HaveOccurred())

		var decoded jupyter.ConnectionInfo
		err = crypto.DecryptPayload(blob, key, &decoded)
		Expect(err).NotTo(HaveOccurred())

		Expect(decoded).To(Equal(original))
	})

	It("fails with ErrPayloadMalformed on garbage input", func() {
		key, err := crypto.GenerateKeypair()
		Expect(err).NotTo(HaveOccurred())

		var decoded jupyter.ConnectionInfo
		err = crypto.DecryptPayload([]byte("not-base64!!"), key, &decoded)
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(provisioner.ErrPayloadMalformed))
	})

	It("fails with ErrVersionMismatch when the envelope version is unrecognized", func() {
		envelope := crypto.Envelope{
			Version:  99,
			Key:      base64.StdEncoding.EncodeToString([]byte("irrelevant")),
			ConnInfo: base64.StdEncoding.EncodeToString([]byte("irrelevant")),
		}
		raw, err := json.Marshal(envelope)
		Expect(err).NotTo(HaveOccurred())
		blob := []byte(base64.StdEncoding.EncodeToString(raw))

		key, err := crypto.GenerateKeypair()
		Expect(err).NotTo(HaveOccurred())

		var decoded jupyter.ConnectionInfo
		err = crypto.DecryptPayload(blob, key, &decoded)
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(provisioner.ErrVersionMismatch))
	})

	It("fails with ErrCryptoFailed when the RSA key does not match", func() {
		key1, err := crypto.GenerateKeypair()
		Expect(err).NotTo(HaveOccurred())
		key2, err := crypto.GenerateKeypair()
		Expect(err).NotTo(HaveOccurred())

		blob, err := crypto.EncryptPayload(&jupyter.ConnectionInfo{KernelID: "k1"}, &key1.PublicKey)
		Expect(err).NotTo(HaveOccurred())

		var decoded jupyter.ConnectionInfo
		err = crypto.DecryptPayload(blob, key2, &decoded)
		Expect(err).To(HaveOccurred())
		Expect(err).To(MatchError(provisioner.ErrCryptoFailed))
	})
})
