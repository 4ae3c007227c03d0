package wfe

import (
	"crypto"
	"crypto/sha256"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/jws"
	"github.com/ssaarts/vism/nonce"
	"github.com/ssaarts/vism/probs"
)

// authenticate parses the JWS body, enforces the keyPolicy ("jwk" for
// paths that create an identity, "kid" for paths that act on an
// existing one), verifies the signature, pops the request's nonce
// bound to the resolved account, and checks the account is valid.
// Mirrors original_source/vism_acme/middleware/acme_request.py's
// AcmeAccountMiddleware._get_account plus its nonce-popping and
// status enforcement.
func (wfe *WebFrontEnd) authenticate(r *http.Request, keyPolicy string) (*requestContext, *probs.ProblemDetails) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, probs.Malformed("could not read request body: %v", err)
	}

	env, prob := jws.Parse(body)
	if prob != nil {
		return nil, prob
	}

	switch keyPolicy {
	case "jwk":
		if env.JWK == nil {
			return nil, probs.Malformed("this resource requires the JWS to carry an embedded jwk")
		}
		return wfe.bindAccountByJWK(env)
	case "kid":
		if env.Kid == "" {
			return nil, probs.Malformed("this resource requires the JWS to carry a kid")
		}
		return wfe.bindAccountByKid(env, body)
	default:
		return nil, probs.ServerInternal("unknown key policy %q", keyPolicy)
	}
}

// bindAccountByJWK handles requests identified by an embedded key
// (new-account): the account is resolved by key identity
// first, then the nonce is popped under whichever account (if any) was
// found, honoring the resolution-before-pop ordering.
func (wfe *WebFrontEnd) bindAccountByJWK(env *jws.Envelope) (*requestContext, *probs.ProblemDetails) {
	sum := keyFingerprint(env.JWK)
	jwk, err := wfe.Store.GetJWKByFingerprint(sum)
	if err != nil {
		return nil, probs.ServerInternal("looking up key: %v", err)
	}
	var acct *core.Account
	if jwk != nil {
		acct, err = wfe.Store.GetAccountByJWKID(jwk.ID)
		if err != nil {
			return nil, probs.ServerInternal("looking up account: %v", err)
		}
	}

	nonceAccount := nonce.Anonymous
	if acct != nil {
		nonceAccount = acct.ID
	}
	if !wfe.Nonces.Pop(env.Nonce, nonceAccount) {
		return nil, probs.BadNonce("nonce is invalid or has already been used")
	}
	if acct != nil && acct.Status != core.AccountValid {
		return nil, probs.Unauthorized("account %q is not valid", acct.Kid)
	}
	return &requestContext{Account: acct, JWK: env.JWK, Payload: env.Payload}, nil
}

// bindAccountByKid resolves an existing account by its kid, verifies
// the signature against the account's stored key (deferred in
// jws.Parse for kid-identified requests), and pops the account-bound
// nonce, mirroring _get_account's kid branch.
func (wfe *WebFrontEnd) bindAccountByKid(env *jws.Envelope, body []byte) (*requestContext, *probs.ProblemDetails) {
	kid := lastPathSegment(env.Kid)
	acct, err := wfe.Store.GetAccountByKid(kid)
	if err != nil {
		return nil, probs.ServerInternal("looking up account: %v", err)
	}
	if acct == nil {
		return nil, probs.AccountDoesNotExist("no account exists with kid %q", kid)
	}
	if acct.Status != core.AccountValid {
		return nil, probs.Unauthorized("account %q is not valid", kid)
	}

	jwk, err := wfe.Store.GetJWK(acct.JWKID)
	if err != nil || jwk == nil {
		return nil, probs.ServerInternal("looking up key for account %q: %v", kid, err)
	}
	var storedJWK jose.JSONWebKey
	if err := json.Unmarshal(jwk.Blob, &storedJWK); err != nil {
		return nil, probs.ServerInternal("decoding stored key for account %q: %v", kid, err)
	}
	if prob := jws.VerifyWithKey(body, &storedJWK); prob != nil {
		return nil, prob
	}

	if !wfe.Nonces.Pop(env.Nonce, acct.ID) {
		return nil, probs.BadNonce("nonce is invalid or has already been used")
	}
	return &requestContext{Account: acct, JWK: &storedJWK, Payload: env.Payload}, nil
}

// accountThumbprint computes the RFC 7638 thumbprint of acct's stored
// key, the second half of every challenge's key authorization.
func (wfe *WebFrontEnd) accountThumbprint(acct *core.Account) (string, *probs.ProblemDetails) {
	jwk, err := wfe.Store.GetJWK(acct.JWKID)
	if err != nil || jwk == nil {
		return "", probs.ServerInternal("looking up account key: %v", err)
	}
	var accountJWK jose.JSONWebKey
	if err := json.Unmarshal(jwk.Blob, &accountJWK); err != nil {
		return "", probs.ServerInternal("decoding account key: %v", err)
	}
	thumbprint, err := jws.Thumbprint(&accountJWK)
	if err != nil {
		return "", probs.ServerInternal("computing key thumbprint: %v", err)
	}
	return thumbprint, nil
}

// lastPathSegment strips an absolute kid URL down to its last path
// element, mirroring AcmeProtectedHeader's kid validator.
func lastPathSegment(kid string) string {
	parts := strings.Split(strings.TrimRight(kid, "/"), "/")
	return parts[len(parts)-1]
}

// keyFingerprint computes the SHA-256 digest of a JWK's canonical
// JSON form (its RFC 7638 thumbprint), mirroring sa/model.go's
// KeySHA256 lookup column. A key type go-jose cannot thumbprint is
// digested from its full JSON encoding instead.
func keyFingerprint(jwk *jose.JSONWebKey) []byte {
	if sum, err := jwk.Thumbprint(crypto.SHA256); err == nil {
		return sum
	}
	data, err := json.Marshal(jwk)
	if err != nil {
		return nil
	}
	sum := sha256.Sum256(data)
	return sum[:]
}
