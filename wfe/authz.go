package wfe

import (
	"net/http"
	"time"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/probs"
)

type authzResponse struct {
	Status     core.AuthorizationStatus `json:"status"`
	Identifier core.Identifier          `json:"identifier"`
	Expires    *time.Time               `json:"expires,omitempty"`
	Challenges []challengeResponse      `json:"challenges"`
	Wildcard   bool                     `json:"wildcard,omitempty"`
}

type challengeResponse struct {
	Type      string                `json:"type"`
	URL       string                `json:"url"`
	Status    core.ChallengeStatus  `json:"status"`
	Token     string                `json:"token"`
	Validated *time.Time            `json:"validated,omitempty"`
	Error     *probs.ProblemDetails `json:"error,omitempty"`
}

// Authz handles POST-as-GET /authz/{id}, mirroring
// original_source/vism_acme/routers/authz.py's AuthzRouter.get_authz,
// including its lazy expiry check. An authorization carrying an
// attached validation error is reported with a 400 status around the
// same body.
func (wfe *WebFrontEnd) Authz(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	id := idFromPath(r, "id")
	az, prob := wfe.loadOwnedAuthz(id, rc)
	if prob != nil {
		wfe.writeProblem(w, prob)
		return
	}

	wfe.expireOverdueAuthz(az)

	chs, err := wfe.Store.GetChallengesByAuthorization(az.ID)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("listing challenges: %v", err))
		return
	}
	status := http.StatusOK
	if az.ErrorType != "" {
		status = http.StatusBadRequest
	}
	wfe.writeJSON(w, status, wfe.buildAuthzResponse(az, chs))
}

// Challenge handles POST /challenge/{id}: when the parent authorization
// has not expired and the challenge is not already valid, the challenge
// moves to processing, the transition is persisted, and only then is the
// validator scheduled. The response carries the current status, mirroring
// AuthzRouter.answer_challenge.
func (wfe *WebFrontEnd) Challenge(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	id := idFromPath(r, "id")
	ch, err := wfe.Store.GetChallenge(id)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("looking up challenge: %v", err))
		return
	}
	if ch == nil {
		wfe.writeProblem(w, probs.Malformed("no such challenge"))
		return
	}
	az, prob := wfe.loadOwnedAuthz(ch.AuthorizationID, rc)
	if prob != nil {
		wfe.writeProblem(w, prob)
		return
	}

	expired := wfe.expireOverdueAuthz(az)
	if !expired && ch.Status != core.ChallengeValid {
		ch.Status = core.ChallengeProcessing
		if err := wfe.Store.UpdateChallenge(ch); err != nil {
			wfe.writeProblem(w, probs.ServerInternal("updating challenge: %v", err))
			return
		}
		if wfe.Validator != nil {
			wfe.Validator.Dispatch(az.Identifier.Value, ch)
		}
	}

	chs, err := wfe.Store.GetChallengesByAuthorization(az.ID)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("listing challenges: %v", err))
		return
	}
	wfe.writeJSON(w, http.StatusOK, wfe.buildAuthzResponse(az, chs))
}

// loadOwnedAuthz fetches an authorization and checks it belongs to the
// requesting account, walking authz → order → account, the forward
// references the data model carries.
func (wfe *WebFrontEnd) loadOwnedAuthz(id string, rc *requestContext) (*core.Authorization, *probs.ProblemDetails) {
	az, err := wfe.Store.GetAuthorization(id)
	if err != nil {
		return nil, probs.ServerInternal("looking up authorization: %v", err)
	}
	if az == nil {
		return nil, probs.Malformed("no such authorization")
	}
	order, err := wfe.Store.GetOrder(az.OrderID)
	if err != nil || order == nil || order.AccountID != rc.Account.ID {
		return nil, probs.Unauthorized("authorization does not belong to this account")
	}
	return az, nil
}

// expireOverdueAuthz lazily transitions a still-open authorization past
// its deadline to expired, persisting the change. It reports whether
// the authorization is now expired.
func (wfe *WebFrontEnd) expireOverdueAuthz(az *core.Authorization) bool {
	if az.Status == core.AuthzExpired {
		return true
	}
	open := az.Status == core.AuthzPending || az.Status == core.AuthzProcessing
	if open && !az.Expires.IsZero() && wfe.Clk.Now().After(az.Expires) {
		az.Status = core.AuthzExpired
		_ = wfe.Store.UpdateAuthorization(az)
		return true
	}
	return false
}

func (wfe *WebFrontEnd) buildAuthzResponse(az *core.Authorization, chs []core.Challenge) authzResponse {
	out := make([]challengeResponse, 0, len(chs))
	for _, ch := range chs {
		cr := challengeResponse{
			Type:      ch.Type,
			URL:       wfe.resourceURL("challenge", ch.ID),
			Status:    ch.Status,
			Token:     ch.Token,
			Validated: ch.Validated,
		}
		if ch.Status == core.ChallengeInvalid && az.ErrorType != "" {
			cr.Error = &probs.ProblemDetails{Type: probs.ProblemType(az.ErrorType), Detail: az.ErrorDetail}
		}
		out = append(out, cr)
	}
	resp := authzResponse{
		Status:     az.Status,
		Identifier: az.Identifier,
		Challenges: out,
		Wildcard:   az.Wildcard,
	}
	if !az.Expires.IsZero() {
		resp.Expires = &az.Expires
	}
	return resp
}
