package paddle

import (
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // Paddle classic signs with SHA1
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/mihaimyh/subsync/pkg/billing"
	"github.com/mihaimyh/subsync/pkg/subsync"
)

// SignatureField is the form field carrying the base64 signature. It is excluded from the signed data.
const SignatureField = "p_signature"

// CanonicalForm serializes fields the way Paddle signs them: keys sorted bytewise,
// encoded as a PHP serialized array of strings, with SignatureField left out.
func CanonicalForm(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if k == SignatureField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString("a:")
	b.WriteString(strconv.Itoa(len(keys)))
	b.WriteString(":{")
	for _, k := range keys {
		writePHPString(&b, k)
		writePHPString(&b, fields[k])
	}
	b.WriteString("}")
	return []byte(b.String())
}

func writePHPString(b *strings.Builder, s string) {
	b.WriteString("s:")
	b.WriteString(strconv.Itoa(len(s)))
	b.WriteString(":\"")
	b.WriteString(s)
	b.WriteString("\";")
}

// PublicKeyVerifier checks Paddle classic webhook signatures (RSA PKCS#1 v1.5 over SHA1).
// More than one key may be trusted to allow rotation.
type PublicKeyVerifier struct {
	keys []*rsa.PublicKey
}

var _ subsync.Authenticator = (*PublicKeyVerifier)(nil)

// NewPublicKeyVerifier creates a verifier trusting the given keys
func NewPublicKeyVerifier(keys ...*rsa.PublicKey) (*PublicKeyVerifier, error) {
	if len(keys) == 0 {
		return nil, fmt.Errorf("%w: no public key", billing.ErrProviderNotConfigured)
	}
	return &PublicKeyVerifier{keys: keys}, nil
}

// Verify implements subsync.Authenticator
func (v *PublicKeyVerifier) Verify(fields map[string]string) bool {
	sig, ok := decodeSignature(fields)
	if !ok {
		return false
	}

	digest := sha1.Sum(CanonicalForm(fields)) //nolint:gosec // Paddle classic signs with SHA1
	for _, key := range v.keys {
		if rsa.VerifyPKCS1v15(key, crypto.SHA1, digest[:], sig) == nil {
			return true
		}
	}
	return false
}

// ParsePublicKey decodes an RSA public key from PEM. Bare base64 DER, as copied
// from the Paddle dashboard without armor lines, is accepted too.
func ParsePublicKey(data string) (*rsa.PublicKey, error) {
	data = strings.TrimSpace(data)
	if data == "" {
		return nil, fmt.Errorf("%w: empty", billing.ErrInvalidPublicKey)
	}

	var der []byte
	if block, _ := pem.Decode([]byte(data)); block != nil {
		if block.Type != "PUBLIC KEY" && block.Type != "RSA PUBLIC KEY" {
			return nil, fmt.Errorf("%w: unexpected PEM block %q", billing.ErrInvalidPublicKey, block.Type)
		}
		der = block.Bytes
	} else {
		decoded, err := base64.StdEncoding.DecodeString(strings.Join(strings.Fields(data), ""))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPublicKey, err)
		}
		der = decoded
	}

	if pub, err := x509.ParsePKIXPublicKey(der); err == nil {
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: not an RSA key", billing.ErrInvalidPublicKey)
		}
		return rsaPub, nil
	}

	rsaPub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", billing.ErrInvalidPublicKey, err)
	}
	return rsaPub, nil
}

// SharedSecretVerifier checks an HMAC-SHA256 signature over CanonicalForm.
// It serves relays and tests that sign deliveries with a shared secret instead of Paddle's key pair.
type SharedSecretVerifier struct {
	secret []byte
}

var _ subsync.Authenticator = (*SharedSecretVerifier)(nil)

// NewSharedSecretVerifier creates an HMAC verifier
func NewSharedSecretVerifier(secret string) (*SharedSecretVerifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, fmt.Errorf("%w: empty webhook secret", billing.ErrProviderNotConfigured)
	}
	return &SharedSecretVerifier{secret: []byte(secret)}, nil
}

// Sign returns the base64 signature to place in SignatureField
func (v *SharedSecretVerifier) Sign(fields map[string]string) string {
	return base64.StdEncoding.EncodeToString(v.mac(fields))
}

// Verify implements subsync.Authenticator
func (v *SharedSecretVerifier) Verify(fields map[string]string) bool {
	sig, ok := decodeSignature(fields)
	if !ok {
		return false
	}
	return hmac.Equal(sig, v.mac(fields))
}

func (v *SharedSecretVerifier) mac(fields map[string]string) []byte {
	h := hmac.New(sha256.New, v.secret)
	h.Write(CanonicalForm(fields))
	return h.Sum(nil)
}

func decodeSignature(fields map[string]string) ([]byte, bool) {
	raw := strings.TrimSpace(fields[SignatureField])
	if raw == "" {
		return nil, false
	}
	sig, err := base64.StdEncoding.DecodeString(raw)
	if err != nil || len(sig) == 0 {
		return nil, false
	}
	return sig, true
}
