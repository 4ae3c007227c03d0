package wfe

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/dnsresolve"
	"github.com/ssaarts/vism/policy"
	"github.com/ssaarts/vism/probs"
)

// orderLifetime bounds how long a fresh order (and its authorizations)
// may be acted on before lazily transitioning to expired.
const orderLifetime = 30 * time.Minute

// DomainClients pairs a domain with the clients allowed to order for
// it, one entry of a profile's pre_validated or acl list.
type DomainClients struct {
	Domain  string
	Clients []string
}

// ProfileACL is the client-validation configuration for one ACME
// issuance profile, mirroring original_source/vism_acme/config.py's
// Profile.client_is_valid / _client_in_dv / client_is_allowed: an
// identifier listed in pre_validated skips DNS validation for matching
// clients; otherwise the client's IP must appear in the identifier's
// resolved address set or match the acl entry for that domain.
type ProfileACL struct {
	ChallengeTypes []string

	preValidated map[string]*policy.Matcher
	acl          map[string]*policy.Matcher
}

// NewProfileACL builds a ProfileACL. An entry with no clients matches
// any client. A nil/empty challengeTypes defaults to http-01 only.
func NewProfileACL(preValidated, acl []DomainClients, challengeTypes []string, lookup policy.ReverseLookupFunc) *ProfileACL {
	build := func(entries []DomainClients) map[string]*policy.Matcher {
		m := make(map[string]*policy.Matcher, len(entries))
		for _, e := range entries {
			m[strings.ToLower(e.Domain)] = policy.New(e.Clients, lookup)
		}
		return m
	}
	if len(challengeTypes) == 0 {
		challengeTypes = []string{core.ChallengeTypeHTTP01}
	}
	return &ProfileACL{
		ChallengeTypes: challengeTypes,
		preValidated:   build(preValidated),
		acl:            build(acl),
	}
}

func matches(m map[string]*policy.Matcher, domain string, ip net.IP) bool {
	matcher, ok := m[domain]
	if !ok {
		return false
	}
	if len(matcher.Entries) == 0 {
		return true
	}
	return ip != nil && matcher.Matches(ip)
}

// PreValidated reports whether domain is pre-validated for ip.
func (p *ProfileACL) PreValidated(domain string, ip net.IP) bool {
	return matches(p.preValidated, domain, ip)
}

// Allowed reports whether the acl list authorizes ip for domain.
func (p *ProfileACL) Allowed(domain string, ip net.IP) bool {
	return matches(p.acl, domain, ip)
}

type newOrderRequest struct {
	Identifiers []core.Identifier `json:"identifiers"`
	Profile     string            `json:"profile"`
	NotBefore   string            `json:"notBefore"`
	NotAfter    string            `json:"notAfter"`
}

type orderResponse struct {
	Status         core.OrderStatus  `json:"status"`
	Expires        string            `json:"expires,omitempty"`
	Identifiers    []core.Identifier `json:"identifiers"`
	NotBefore      string            `json:"notBefore,omitempty"`
	NotAfter       string            `json:"notAfter,omitempty"`
	Authorizations []string          `json:"authorizations"`
	Finalize       string            `json:"finalize"`
	Certificate    string            `json:"certificate,omitempty"`
}

// NewOrder handles POST /new-order, mirroring
// original_source/vism_acme/routers/order.py's OrderRouter.new_order.
func (wfe *WebFrontEnd) NewOrder(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	var req newOrderRequest
	if err := json.Unmarshal(rc.Payload, &req); err != nil {
		wfe.writeProblem(w, probs.Malformed("invalid new-order payload: %v", err))
		return
	}
	if len(req.Identifiers) == 0 {
		wfe.writeProblem(w, probs.Malformed("order must contain at least one identifier"))
		return
	}

	notBefore, notAfter, prob := wfe.parseValidityWindow(req.NotBefore, req.NotAfter)
	if prob != nil {
		wfe.writeProblem(w, prob)
		return
	}

	profileName := req.Profile
	if profileName == "" {
		profileName = wfe.DefaultProfile
	}
	acl, ok := wfe.Profiles[profileName]
	if !ok {
		wfe.writeProblem(w, probs.InvalidProfile("unknown profile %q", profileName))
		return
	}

	clientIP := clientIPFromRequest(r)
	var subproblems []probs.SubProblem
	normalized := make([]core.Identifier, 0, len(req.Identifiers))
	for _, id := range req.Identifiers {
		norm, prob := wfe.validateIdentifier(r, id, acl, clientIP)
		if prob != nil {
			subproblems = append(subproblems, probs.SubProblem{ProblemDetails: *prob, Identifier: id.Value})
			continue
		}
		normalized = append(normalized, norm)
	}
	if len(subproblems) > 0 {
		prob := probs.Malformed("one or more identifiers failed validation").WithSubproblems(subproblems)
		wfe.writeProblem(w, prob)
		return
	}

	thumbprint, prob := wfe.accountThumbprint(rc.Account)
	if prob != nil {
		wfe.writeProblem(w, prob)
		return
	}

	now := wfe.Clk.Now()
	order := &core.Order{
		ID:          uuid.NewString(),
		AccountID:   rc.Account.ID,
		Status:      core.OrderPending,
		Profile:     profileName,
		Identifiers: normalized,
		NotBefore:   notBefore,
		NotAfter:    notAfter,
		Expires:     now.Add(orderLifetime),
		CreatedAt:   now,
	}
	if err := wfe.Store.CreateOrder(order); err != nil {
		wfe.writeProblem(w, probs.ServerInternal("creating order: %v", err))
		return
	}

	authzURLs := make([]string, 0, len(normalized))
	for _, id := range normalized {
		az := &core.Authorization{
			ID:         uuid.NewString(),
			OrderID:    order.ID,
			Identifier: id,
			Status:     core.AuthzPending,
			Expires:    now.Add(orderLifetime),
		}
		if err := wfe.Store.CreateAuthorization(az); err != nil {
			wfe.writeProblem(w, probs.ServerInternal("creating authorization: %v", err))
			return
		}
		for _, chType := range acl.ChallengeTypes {
			if chType != core.ChallengeTypeHTTP01 {
				continue
			}
			token := newToken()
			ch := &core.Challenge{
				ID:               uuid.NewString(),
				AuthorizationID:  az.ID,
				Type:             chType,
				Token:            token,
				KeyAuthorization: core.NewKeyAuthorization(token, thumbprint),
				Status:           core.ChallengePending,
			}
			if err := wfe.Store.CreateChallenge(ch); err != nil {
				wfe.writeProblem(w, probs.ServerInternal("creating challenge: %v", err))
				return
			}
		}
		authzURLs = append(authzURLs, wfe.resourceURL("authz", az.ID))
	}

	w.Header().Set("Location", wfe.resourceURL("order", order.ID))
	wfe.writeJSON(w, http.StatusCreated, wfe.buildOrderResponse(order, authzURLs))
}

// Order handles POST-as-GET /order/{id}, lazily transitioning an
// overdue order to expired on access.
func (wfe *WebFrontEnd) Order(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	id := idFromPath(r, "id")
	order, err := wfe.Store.GetOrder(id)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("looking up order: %v", err))
		return
	}
	if order == nil || order.AccountID != rc.Account.ID {
		wfe.writeProblem(w, probs.Unauthorized("no such order"))
		return
	}

	if (order.Status == core.OrderPending || order.Status == core.OrderProcessing || order.Status == core.OrderReady) &&
		!order.Expires.IsZero() && wfe.Clk.Now().After(order.Expires) {
		order.Status = core.OrderExpired
		_ = wfe.Store.UpdateOrder(order)
	}

	authzs, err := wfe.Store.GetAuthorizationsByOrder(order.ID)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("listing authorizations: %v", err))
		return
	}
	urls := make([]string, 0, len(authzs))
	for _, az := range authzs {
		urls = append(urls, wfe.resourceURL("authz", az.ID))
	}
	wfe.writeJSON(w, http.StatusOK, wfe.buildOrderResponse(order, urls))
}

func (wfe *WebFrontEnd) buildOrderResponse(order *core.Order, authzURLs []string) orderResponse {
	resp := orderResponse{
		Status:         order.Status,
		Identifiers:    order.Identifiers,
		Authorizations: authzURLs,
		Finalize:       wfe.resourceURL("order", order.ID) + "/finalize",
	}
	if !order.Expires.IsZero() {
		resp.Expires = order.Expires.UTC().Format(time.RFC3339)
	}
	if order.NotBefore != nil {
		resp.NotBefore = order.NotBefore.UTC().Format(time.RFC3339)
	}
	if order.NotAfter != nil {
		resp.NotAfter = order.NotAfter.UTC().Format(time.RFC3339)
	}
	return resp
}

// parseValidityWindow validates the optional notBefore/notAfter payload
// fields: both must be ISO 8601 and notAfter must lie in the future.
func (wfe *WebFrontEnd) parseValidityWindow(notBefore, notAfter string) (*time.Time, *time.Time, *probs.ProblemDetails) {
	var nb, na *time.Time
	if notBefore != "" {
		t, err := time.Parse(time.RFC3339, notBefore)
		if err != nil {
			return nil, nil, probs.Malformed("notBefore is not a valid timestamp: %v", err)
		}
		nb = &t
	}
	if notAfter != "" {
		t, err := time.Parse(time.RFC3339, notAfter)
		if err != nil {
			return nil, nil, probs.Malformed("notAfter is not a valid timestamp: %v", err)
		}
		if !t.After(wfe.Clk.Now()) {
			return nil, nil, probs.Malformed("notAfter must be in the future")
		}
		na = &t
	}
	return nb, na, nil
}

// validateIdentifier rejects unsupported types and wildcards, then
// checks the profile's pre-validated list, the identifier's resolved
// address set, and the profile acl, mirroring
// OrderRouter._validate_client. An ip identifier's "resolved set" is
// the address itself.
func (wfe *WebFrontEnd) validateIdentifier(r *http.Request, id core.Identifier, acl *ProfileACL, clientIP net.IP) (core.Identifier, *probs.ProblemDetails) {
	if id.Type != "dns" && id.Type != "ip" {
		return id, probs.UnsupportedIdentifier("identifier type %q is not supported", id.Type)
	}
	if strings.Contains(id.Value, "*") {
		return id, probs.RejectedIdentifier("wildcard identifiers are not supported")
	}

	norm := core.Identifier{Type: id.Type, Value: strings.ToLower(id.Value)}
	if id.Type == "ip" {
		addr := net.ParseIP(norm.Value)
		if addr == nil {
			return id, probs.Malformed("identifier %q is not a valid IP address", id.Value)
		}
		if acl.PreValidated(norm.Value, clientIP) || acl.Allowed(norm.Value, clientIP) {
			return norm, nil
		}
		if clientIP != nil && addr.Equal(clientIP) {
			return norm, nil
		}
		return norm, probs.Unauthorized("client is not authorized for identifier %q", norm.Value)
	}

	if acl.PreValidated(norm.Value, clientIP) {
		return norm, nil
	}
	if clientIP != nil && wfe.Resolver != nil {
		addrs, err := wfe.Resolver.LookupAddresses(r.Context(), norm.Value)
		if err != nil {
			return norm, dnsresolve.Problem(err)
		}
		for _, a := range addrs {
			if a.Equal(clientIP) {
				return norm, nil
			}
		}
	}
	if acl.Allowed(norm.Value, clientIP) {
		return norm, nil
	}
	return norm, probs.Unauthorized("client is not authorized for identifier %q", norm.Value)
}

// clientIPFromRequest extracts the caller's IP, honoring
// X-Forwarded-For the way original_source/vism_acme/util/__init__.py's
// get_client_ip does.
func clientIPFromRequest(r *http.Request) net.IP {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := net.ParseIP(strings.TrimSpace(parts[0])); ip != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return net.ParseIP(r.RemoteAddr)
	}
	return net.ParseIP(host)
}

// newToken returns a fresh URL-safe challenge token.
func newToken() string {
	buf := make([]byte, 32)
	_, _ = rand.Read(buf)
	return base64.RawURLEncoding.EncodeToString(buf)
}
