// Package wfe is vism's ACME web front end: account resolution (C7)
// and the order/authorization/challenge handlers (C8). Mirrors the
// teacher's wfe2/wfe.go HandleFunc-wrapper idiom (nonce header on
// every response, method gating, request timeout) combined with
// original_source/vism_acme/__init__.py's declarative jwk/kid path
// policy and the vism_acme/routers/*.py handlers.
package wfe

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmhodges/clock"
	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/dnsresolve"
	"github.com/ssaarts/vism/log"
	"github.com/ssaarts/vism/nonce"
	"github.com/ssaarts/vism/probs"
	"github.com/ssaarts/vism/va"
)

// Paths are the fixed ACME route templates, matching spec.md §6.1.
const (
	PathDirectory     = "/directory"
	PathNewNonce      = "/new-nonce"
	PathNewAccount    = "/new-account"
	PathAccount       = "/account/{kid}"
	PathAccountOrders = "/account/{kid}/orders"
	PathNewOrder      = "/new-order"
	PathOrder         = "/order/{id}"
	PathAuthz         = "/authz/{id}"
	PathChallenge     = "/challenge/{id}"
)

// WebFrontEnd holds everything the ACME HTTP handlers need.
type WebFrontEnd struct {
	Store          Store
	Nonces         *nonce.Manager
	Validator      *va.Validator
	Resolver       *dnsresolve.Resolver
	BaseURL        string
	Profiles       map[string]*ProfileACL
	DefaultProfile string
	Clk            clock.Clock
	log            log.Logger
	RequestTimeout time.Duration
}

// New builds a WebFrontEnd.
func New(store Store, nonces *nonce.Manager, validator *va.Validator, resolver *dnsresolve.Resolver, baseURL string, logger log.Logger) *WebFrontEnd {
	if logger == nil {
		logger = log.Nop
	}
	return &WebFrontEnd{
		Store:          store,
		Nonces:         nonces,
		Validator:      validator,
		Resolver:       resolver,
		BaseURL:        baseURL,
		Profiles:       map[string]*ProfileACL{},
		Clk:            clock.Default(),
		log:            logger,
		RequestTimeout: 30 * time.Second,
	}
}

// Handler builds the gorilla/mux router for the whole ACME surface.
func (wfe *WebFrontEnd) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(PathDirectory, wfe.wrap([]string{http.MethodGet}, wfe.Directory)).Name("directory")
	r.HandleFunc(PathNewNonce, wfe.wrap([]string{http.MethodGet, http.MethodHead}, wfe.NewNonce)).Name("new-nonce")
	r.HandleFunc(PathNewAccount, wfe.wrapJWS("jwk", wfe.NewAccount)).Name("new-account")
	r.HandleFunc(PathAccountOrders, wfe.wrapJWS("kid", wfe.AccountOrders)).Name("account-orders")
	r.HandleFunc(PathAccount, wfe.wrapJWS("kid", wfe.Account)).Name("account")
	r.HandleFunc(PathNewOrder, wfe.wrapJWS("kid", wfe.NewOrder)).Name("new-order")
	r.HandleFunc(PathOrder, wfe.wrapJWS("kid", wfe.Order)).Name("order")
	r.HandleFunc(PathAuthz, wfe.wrapJWS("kid", wfe.Authz)).Name("authz")
	r.HandleFunc(PathChallenge, wfe.wrapJWS("kid", wfe.Challenge)).Name("challenge")
	return r
}

// wrap is the plain (non-JWS) method-gated wrapper, mirroring
// wfe2/wfe.go's HandleFunc for GET/HEAD endpoints; the wrapped
// handlers set their own Replay-Nonce header.
func (wfe *WebFrontEnd) wrap(methods []string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		allowed := false
		for _, m := range methods {
			if r.Method == m {
				allowed = true
				break
			}
		}
		if !allowed {
			w.Header().Set("Allow", strings.Join(methods, ", "))
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wfe.RequestTimeout)
		defer cancel()
		h(w, r.WithContext(ctx))
	}
}

// wrapJWS additionally parses and verifies the JWS envelope and
// resolves the account, per keyPolicy ("jwk" or "kid"), mirroring
// AcmeAccountMiddleware + JWSMiddleware's combined behavior.
func (wfe *WebFrontEnd) wrapJWS(keyPolicy string, h func(w http.ResponseWriter, r *http.Request, env *requestContext)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			w.Header().Set("Allow", "POST")
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), wfe.RequestTimeout)
		defer cancel()
		r = r.WithContext(ctx)

		freshNonce, _ := wfe.Nonces.New(nonce.Anonymous)
		w.Header().Set("Replay-Nonce", freshNonce)

		rc, prob := wfe.authenticate(r, keyPolicy)
		if prob != nil {
			wfe.writeProblem(w, prob)
			return
		}
		h(w, r, rc)
	}
}

// requestContext is what authenticate resolves a POST request down to:
// the account (nil for a first-contact new-account request), the key
// the signature verified under, and the decoded payload.
type requestContext struct {
	Account *core.Account
	JWK     *jose.JSONWebKey
	Payload []byte
}

func (wfe *WebFrontEnd) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	_ = enc.Encode(v)
}

func (wfe *WebFrontEnd) writeProblem(w http.ResponseWriter, prob *probs.ProblemDetails) {
	if w.Header().Get("Replay-Nonce") == "" {
		if n, err := wfe.Nonces.New(nonce.Anonymous); err == nil {
			w.Header().Set("Replay-Nonce", n)
		}
	}
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/problem+json")
	status := prob.HTTPStatus
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(prob)
}

// Directory serves the ACME directory object.
func (wfe *WebFrontEnd) Directory(w http.ResponseWriter, r *http.Request) {
	n, _ := wfe.Nonces.New(nonce.Anonymous)
	w.Header().Set("Replay-Nonce", n)
	wfe.writeJSON(w, http.StatusOK, map[string]interface{}{
		"newNonce":   wfe.url(PathNewNonce),
		"newAccount": wfe.url(PathNewAccount),
		"newOrder":   wfe.url(PathNewOrder),
		"revokeCert": wfe.url("/revoke-cert"),
		"keyChange":  wfe.url("/key-change"),
		"meta": map[string]interface{}{
			"profiles": wfe.profileNames(),
		},
	})
}

// NewNonce handles GET/HEAD /new-nonce.
func (wfe *WebFrontEnd) NewNonce(w http.ResponseWriter, r *http.Request) {
	n, err := wfe.Nonces.New(nonce.Anonymous)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("could not generate nonce"))
		return
	}
	w.Header().Set("Replay-Nonce", n)
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
}

func (wfe *WebFrontEnd) url(path string) string {
	return wfe.BaseURL + path
}

func (wfe *WebFrontEnd) profileNames() []string {
	var names []string
	for name := range wfe.Profiles {
		names = append(names, name)
	}
	return names
}

func idFromPath(r *http.Request, name string) string {
	return mux.Vars(r)[name]
}

func (wfe *WebFrontEnd) resourceURL(kind, id string) string {
	return fmt.Sprintf("%s/%s/%s", wfe.BaseURL, kind, id)
}
