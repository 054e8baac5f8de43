// Package crypto implements the hybrid RSA+AES payload codec the
// kernel-launcher uses to report a kernel's connection info back to the
// response manager over an otherwise-unauthenticated TCP connection.
//
// Wire format, base64-framed:
//
//	{
//	  "version":   1,
//	  "key":       base64(RSA_PKCS1v15_Encrypt(pub, aesKey)),
//	  "conn_info": base64(AES_CBC_PKCS7(aesKey, iv, JSON(connInfo)))
//	}
//
// The AES IV is prepended to the ciphertext before base64-encoding
// conn_info, so decrypt_payload needs only the key and the blob.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/scusemua/remote-provisioner/provisioner"
)

// PayloadVersion is the only envelope version this codec understands. The
// upstream launcher also ships a "version 0" legacy brute-force fallback;
// it is flagged by the governing design as possibly-buggy and is
// intentionally not implemented here.
const PayloadVersion = 1

const aesKeySize = 16 // AES-128, per the wire protocol's random-16-byte-AES-key

// Envelope is the base64-decoded JSON wrapper around the encrypted payload.
type Envelope struct {
	Version  int    `json:"version"`
	Key      string `json:"key"`
	ConnInfo string `json:"conn_info"`
}

// GenerateKeypair creates an ephemeral 2048-bit RSA keypair, created once
// per host process and used for the lifetime of the Response Manager.
func GenerateKeypair() (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, fmt.Errorf("%w: generating RSA keypair: %v", provisioner.ErrCryptoFailed, err)
	}
	return key, nil
}

// PublicKeyToBase64DER renders a public key as base64-encoded DER, the form
// passed to the kernel-launcher via the --public-key argv placeholder.
func PublicKeyToBase64DER(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", fmt.Errorf("%w: marshaling public key: %v", provisioner.ErrCryptoFailed, err)
	}
	return base64.StdEncoding.EncodeToString(der), nil
}

// PublicKeyFromBase64DER is the launcher-side inverse of PublicKeyToBase64DER.
func PublicKeyFromBase64DER(encoded string) (*rsa.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding public key: %v", provisioner.ErrPayloadMalformed, err)
	}
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", provisioner.ErrPayloadMalformed, err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", provisioner.ErrPayloadMalformed)
	}
	return rsaPub, nil
}

// EncryptPayload is the launcher-side operation: it generates a random
// 16-byte AES key, encrypts connInfo under it with AES-CBC+PKCS7, encrypts the
// AES key under pub with RSA PKCS1v1.5 (mandated for cross-language launcher
// compatibility — see DESIGN.md), and returns the base64-framed envelope
// ready to write to the response socket.
func EncryptPayload(connInfo any, pub *rsa.PublicKey) ([]byte, error) {
	plaintext, err := json.Marshal(connInfo)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling connection info: %v", provisioner.ErrPayloadMalformed, err)
	}

	aesKey := make([]byte, aesKeySize)
	if _, err := rand.Read(aesKey); err != nil {
		return nil, fmt.Errorf("%w: generating AES key: %v", provisioner.ErrCryptoFailed, err)
	}

	ciphertext, err := aesCBCEncrypt(aesKey, plaintext)
	if err != nil {
		return nil, err
	}

	encryptedKey, err := rsa.EncryptPKCS1v15(rand.Reader, pub, aesKey)
	if err != nil {
		return nil, fmt.Errorf("%w: RSA-encrypting AES key: %v", provisioner.ErrCryptoFailed, err)
	}

	envelope := Envelope{
		Version:  PayloadVersion,
		Key:      base64.StdEncoding.EncodeToString(encryptedKey),
		ConnInfo: base64.StdEncoding.EncodeToString(ciphertext),
	}

	raw, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling envelope: %v", provisioner.ErrPayloadMalformed, err)
	}

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// DecryptPayload is the response-manager-side operation. It fails with
// ErrPayloadMalformed if the base64/JSON framing is invalid, ErrVersionMismatch
// if the envelope's version isn't PayloadVersion, and ErrCryptoFailed if
// either decryption step fails. On success it unmarshals the decrypted JSON
// into out (a pointer), matching encoding/json.Unmarshal's contract.
func DecryptPayload(blob []byte, priv *rsa.PrivateKey, out any) error {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(blob)))
	n, err := base64.StdEncoding.Decode(raw, blob)
	if err != nil {
		return fmt.Errorf("%w: outer base64 decode: %v", provisioner.ErrPayloadMalformed, err)
	}
	raw = raw[:n]

	var envelope Envelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return fmt.Errorf("%w: outer JSON decode: %v", provisioner.ErrPayloadMalformed, err)
	}

	if envelope.Version != PayloadVersion {
		return fmt.Errorf("%w: got version %d, want %d", provisioner.ErrVersionMismatch, envelope.Version, PayloadVersion)
	}

	encryptedKey, err := base64.StdEncoding.DecodeString(envelope.Key)
	if err != nil {
		return fmt.Errorf("%w: key base64 decode: %v", provisioner.ErrPayloadMalformed, err)
	}

	ciphertext, err := base64.StdEncoding.DecodeString(envelope.ConnInfo)
	if err != nil {
		return fmt.Errorf("%w: conn_info base64 decode: %v", provisioner.ErrPayloadMalformed, err)
	}

	aesKey, err := rsa.DecryptPKCS1v15(rand.Reader, priv, encryptedKey)
	if err != nil {
		return fmt.Errorf("%w: RSA-decrypting AES key: %v", provisioner.ErrCryptoFailed, err)
	}

	plaintext, err := aesCBCDecrypt(aesKey, ciphertext)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(plaintext, out); err != nil {
		return fmt.Errorf("%w: inner JSON decode: %v", provisioner.ErrPayloadMalformed, err)
	}

	return nil
}

func aesCBCEncrypt(key, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: building AES cipher: %v", provisioner.ErrCryptoFailed, err)
	}

	padded := pkcs7Pad(plaintext, block.BlockSize())

	iv := make([]byte, block.BlockSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("%w: generating IV: %v", provisioner.ErrCryptoFailed, err)
	}

	ciphertext := make([]byte, len(padded))
	cbc := cipher.NewCBCEncrypter(block, iv)
	cbc.CryptBlocks(ciphertext, padded)

	return append(iv, ciphertext...), nil
}

func aesCBCDecrypt(key, blob []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: building AES cipher: %v", provisioner.ErrCryptoFailed, err)
	}

	blockSize := block.BlockSize()
	if len(blob) < blockSize || len(blob)%blockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext is not a multiple of the block size", provisioner.ErrCryptoFailed)
	}

	iv, ciphertext := blob[:blockSize], blob[blockSize:]
	if len(ciphertext) == 0 {
		return nil, fmt.Errorf("%w: empty ciphertext", provisioner.ErrCryptoFailed)
	}

	plaintext := make([]byte, len(ciphertext))
	cbc := cipher.NewCBCDecrypter(block, iv)
	cbc.CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: cannot unpad empty data", provisioner.ErrCryptoFailed)
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, fmt.Errorf("%w: invalid PKCS7 padding", provisioner.ErrCryptoFailed)
	}
	for _, b := range data[len(data)-padLen:] {
		if int(b) != padLen {
			return nil, fmt.Errorf("%w: invalid PKCS7 padding", provisioner.ErrCryptoFailed)
		}
	}
	return data[:len(data)-padLen], nil
}
