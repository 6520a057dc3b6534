package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"sync"
	"time"
)

var (
	testKeysOnce sync.Once
	testPrivPEM  string
	testPubPEM   string
	testKeysErr  error
)

// testKeyPair returns a PEM-encoded RSA key pair generated once per process.
func testKeyPair() (privPEM, pubPEM string, err error) {
	testKeysOnce.Do(func() {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			testKeysErr = err
			return
		}
		pubDER, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			testKeysErr = err
			return
		}
		testPrivPEM = string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}))
		testPubPEM = string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}))
	})
	return testPrivPEM, testPubPEM, testKeysErr
}

// NewTestTokenProvider returns a TokenProvider signing with a throwaway RSA key,
// issuer "test-issuer" and audience "test-audience". Tests only.
func NewTestTokenProvider() (*TokenProvider, error) {
	priv, pub, err := testKeyPair()
	if err != nil {
		return nil, err
	}
	return NewTokenProviderFromPEM(priv, pub, "test-issuer", "test-audience", 15*time.Minute)
}
