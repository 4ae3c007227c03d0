// Package jws parses and verifies the JWS-in-JSON envelope every ACME
// request (other than GET) is wrapped in, mirroring
// original_source/vism_acme/middleware/jwt.py.
package jws

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/ssaarts/vism/probs"
)

// rawEnvelope is the wire shape of an ACME JWS request body.
type rawEnvelope struct {
	Protected string `json:"protected"`
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

// protectedHeader is the subset of the protected header vism cares
// about, mirroring AcmeProtectedHeader.
type protectedHeader struct {
	Alg   string          `json:"alg"`
	Nonce string          `json:"nonce"`
	URL   string          `json:"url"`
	Kid   string          `json:"kid"`
	JWK   json.RawMessage `json:"jwk"`
}

// Envelope is a decoded and (if JWK-signed) verified JWS request.
type Envelope struct {
	Nonce   string
	URL     string
	Kid     string           // non-empty if the request identified by key id
	JWK     *jose.JSONWebKey // non-nil if the request carried an embedded key
	Payload []byte
}

// Parse decodes body as a JWS-in-JSON envelope, enforces the kid/jwk
// exclusivity rule, validates the embedded key type if present, and
// verifies the signature when a jwk (not kid) identifies the signer.
// Kid-identified requests are verified by the caller once the kid has
// been resolved to a stored JWK (see VerifyWithKey).
func Parse(body []byte) (*Envelope, *probs.ProblemDetails) {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, probs.Malformed("invalid JWS: %v", err)
	}

	hdrBytes, err := base64.RawURLEncoding.DecodeString(raw.Protected)
	if err != nil {
		return nil, probs.Malformed("invalid protected header encoding: %v", err)
	}
	var hdr protectedHeader
	if err := json.Unmarshal(hdrBytes, &hdr); err != nil {
		return nil, probs.Malformed("invalid protected header: %v", err)
	}

	hasKid := hdr.Kid != ""
	hasJWK := len(hdr.JWK) > 0
	if hasKid && hasJWK {
		return nil, probs.Malformed("jws header must not contain both kid and jwk")
	}
	if !hasKid && !hasJWK {
		return nil, probs.Malformed("jws header must contain either kid or jwk")
	}

	// The kty allow-list runs before go-jose sees the key, so an
	// unsupported key type reports badSignatureAlgorithm rather than
	// whatever parse error go-jose would raise for it.
	if hasJWK {
		var ktyOnly struct {
			Kty string `json:"kty"`
		}
		if err := json.Unmarshal(hdr.JWK, &ktyOnly); err != nil {
			return nil, probs.BadPublicKey("invalid jwk: %v", err)
		}
		if !ktyAllowed(ktyOnly.Kty) {
			return nil, probs.BadSignatureAlgorithm("unsupported key type %q", ktyOnly.Kty)
		}
	}

	sig, err := jose.ParseSigned(string(mustCompact(raw)))
	if err != nil {
		return nil, probs.Malformed("invalid JWS: %v", err)
	}

	env := &Envelope{Nonce: hdr.Nonce, URL: hdr.URL, Kid: hdr.Kid}

	payload, err := base64.RawURLEncoding.DecodeString(raw.Payload)
	if err != nil {
		return nil, probs.Malformed("invalid payload encoding: %v", err)
	}
	env.Payload = payload

	if hasJWK {
		var jwk jose.JSONWebKey
		if err := json.Unmarshal(hdr.JWK, &jwk); err != nil {
			return nil, probs.BadPublicKey("invalid jwk: %v", err)
		}
		if !keyTypeAllowed(&jwk) {
			return nil, probs.BadSignatureAlgorithm("unsupported key type")
		}
		if _, err := sig.Verify(&jwk); err != nil {
			return nil, probs.BadPublicKey("signature verification failed: %v", err)
		}
		env.JWK = &jwk
	}

	return env, nil
}

// VerifyWithKey verifies the envelope's signature against jwk, used
// for kid-identified requests once the account's stored key has been
// looked up.
func VerifyWithKey(body []byte, jwk *jose.JSONWebKey) *probs.ProblemDetails {
	var raw rawEnvelope
	if err := json.Unmarshal(body, &raw); err != nil {
		return probs.Malformed("invalid JWS: %v", err)
	}
	sig, err := jose.ParseSigned(string(mustCompact(raw)))
	if err != nil {
		return probs.Malformed("invalid JWS: %v", err)
	}
	if _, err := sig.Verify(jwk); err != nil {
		return probs.BadPublicKey("signature verification failed: %v", err)
	}
	return nil
}

func mustCompact(raw rawEnvelope) []byte {
	compact := raw.Protected + "." + raw.Payload + "." + raw.Signature
	return []byte(compact)
}

// keyTypeAllowed mirrors jwt.py's kty in {RSA, EC, oct} allow-list,
// checked against the Go type go-jose decoded the key into.
func keyTypeAllowed(jwk *jose.JSONWebKey) bool {
	switch jwk.Key.(type) {
	case *rsa.PublicKey, *ecdsa.PublicKey, []byte:
		return true
	default:
		return false
	}
}

// ktyAllowed checks the raw "kty" value before go-jose gets a chance
// to reject an unrecognized one with its own decode error, so an
// unsupported key type reports badSignatureAlgorithm rather than
// whatever error go-jose's JSONWebKey.UnmarshalJSON happens to raise.
func ktyAllowed(kty string) bool {
	switch kty {
	case "RSA", "EC", "oct":
		return true
	default:
		return false
	}
}

// Thumbprint computes the SHA-256 JWK thumbprint (RFC 7638) used to
// build a challenge's key authorization.
func Thumbprint(jwk *jose.JSONWebKey) (string, error) {
	th, err := jwk.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("computing thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(th), nil
}
