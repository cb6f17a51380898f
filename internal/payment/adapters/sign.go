package adapters

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"html"
	"net/url"
	"sort"
	"strings"
)

var errNotRSA = errors.New("key is not RSA")

// CanonicalParams renders params as k1=v1&k2=v2 in key order, skipping
// empty values and the excluded keys.
func CanonicalParams(params url.Values, exclude ...string) string {
	skip := make(map[string]struct{}, len(exclude))
	for _, key := range exclude {
		skip[key] = struct{}{}
	}
	keys := make([]string, 0, len(params))
	for key := range params {
		if _, ok := skip[key]; ok {
			continue
		}
		if params.Get(key) == "" {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, key := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(key)
		b.WriteByte('=')
		b.WriteString(params.Get(key))
	}
	return b.String()
}

// ParsePrivateKey reads an RSA private key given as PEM or as the bare
// base64 body gateways hand out, in PKCS#1 or PKCS#8 form.
func ParsePrivateKey(key string) (*rsa.PrivateKey, error) {
	der, err := keyBytes(key)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	if parsed, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return parsed, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("private key: %w", err)
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key: %w", errNotRSA)
	}
	return rsaKey, nil
}

// ParsePublicKey reads an RSA public key from a PEM certificate, a PEM or
// bare base64 PKIX key, or a PKCS#1 key.
func ParsePublicKey(key string) (*rsa.PublicKey, error) {
	der, err := keyBytes(key)
	if err != nil {
		return nil, fmt.Errorf("public key: %w", err)
	}
	var parsed any
	if cert, certErr := x509.ParseCertificate(der); certErr == nil {
		parsed = cert.PublicKey
	} else if pkix, pkixErr := x509.ParsePKIXPublicKey(der); pkixErr == nil {
		parsed = pkix
	} else if pkcs1, pkcs1Err := x509.ParsePKCS1PublicKey(der); pkcs1Err == nil {
		parsed = pkcs1
	} else {
		return nil, fmt.Errorf("public key: %w", pkixErr)
	}
	rsaKey, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key: %w", errNotRSA)
	}
	return rsaKey, nil
}

func keyBytes(key string) ([]byte, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, errors.New("empty key")
	}
	if block, _ := pem.Decode([]byte(key)); block != nil {
		return block.Bytes, nil
	}
	return base64.StdEncoding.DecodeString(strings.Join(strings.Fields(key), ""))
}

// SignSHA256WithRSA signs message with PKCS#1 v1.5 over SHA-256 and returns
// the base64 signature.
func SignSHA256WithRSA(key *rsa.PrivateKey, message string) (string, error) {
	digest := sha256.Sum256([]byte(message))
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func VerifySHA256WithRSA(key *rsa.PublicKey, message, signature string) bool {
	if key == nil || signature == "" {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(strings.TrimSpace(signature))
	if err != nil {
		return false
	}
	digest := sha256.Sum256([]byte(message))
	return rsa.VerifyPKCS1v15(key, crypto.SHA256, digest[:], sig) == nil
}

// AutoSubmitForm renders an HTML form that posts params to action on load.
func AutoSubmitForm(action string, params url.Values) string {
	keys := make([]string, 0, len(params))
	for key := range params {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(`<form id="railpay_submit" name="railpay_submit" action="`)
	b.WriteString(html.EscapeString(action))
	b.WriteString(`" method="POST">`)
	for _, key := range keys {
		b.WriteString(`<input type="hidden" name="`)
		b.WriteString(html.EscapeString(key))
		b.WriteString(`" value="`)
		b.WriteString(html.EscapeString(params.Get(key)))
		b.WriteString(`"/>`)
	}
	b.WriteString(`<input type="submit" value="ok" style="display:none;"></form>`)
	b.WriteString(`<script>document.forms['railpay_submit'].submit();</script>`)
	return b.String()
}
