package paytest

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"
)

// KeyPair is an RSA key in the encodings gateways hand out.
type KeyPair struct {
	Private *rsa.PrivateKey
	// PrivatePEM is PKCS#8.
	PrivatePEM string
	// PublicBase64 is the bare PKIX body, the form Alipay shows.
	PublicBase64 string
	Cert         *x509.Certificate
	CertPEM      string
	// Serial is the certificate serial in upper-case hex.
	Serial string
}

var (
	keyMu    sync.Mutex
	keyCache = map[int64]*KeyPair{}
)

// NewKeyPair returns a self-signed RSA key pair whose certificate carries
// serial. Pairs are cached per serial for the test binary.
func NewKeyPair(t testing.TB, serial int64) *KeyPair {
	t.Helper()
	keyMu.Lock()
	defer keyMu.Unlock()
	if kp, ok := keyCache[serial]; ok {
		return kp
	}

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	pub, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	template := &x509.Certificate{
		SerialNumber: big.NewInt(serial),
		Subject:      pkix.Name{CommonName: fmt.Sprintf("railpay test %d", serial)},
		NotBefore:    Epoch.Add(-24 * time.Hour),
		NotAfter:     time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("parse certificate: %v", err)
	}

	kp := &KeyPair{
		Private:      key,
		PrivatePEM:   string(pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: pkcs8})),
		PublicBase64: base64.StdEncoding.EncodeToString(pub),
		Cert:         cert,
		CertPEM:      string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})),
		Serial:       fmt.Sprintf("%X", cert.SerialNumber),
	}
	keyCache[serial] = kp
	return kp
}
