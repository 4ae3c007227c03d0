package wfe

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/probs"
)

type newAccountRequest struct {
	Contact              []string `json:"contact"`
	TermsOfServiceAgreed bool     `json:"termsOfServiceAgreed"`
	OnlyReturnExisting   bool     `json:"onlyReturnExisting"`
	Status               string   `json:"status"`
}

type accountResponse struct {
	Status  core.AccountStatus `json:"status"`
	Contact []string           `json:"contact,omitempty"`
	Orders  string             `json:"orders"`
}

// NewAccount handles POST /new-account, mirroring
// original_source/vism_acme/routers/account.py's AccountRouter.new_account.
func (wfe *WebFrontEnd) NewAccount(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	var req newAccountRequest
	if err := json.Unmarshal(rc.Payload, &req); err != nil {
		wfe.writeProblem(w, probs.Malformed("invalid new-account payload: %v", err))
		return
	}

	if rc.Account != nil {
		w.Header().Set("Location", wfe.resourceURL("account", rc.Account.Kid))
		wfe.writeAccount(w, rc.Account, http.StatusOK)
		return
	}
	if req.OnlyReturnExisting {
		wfe.writeProblem(w, probs.AccountDoesNotExist("no account exists for the given key"))
		return
	}

	blob, err := json.Marshal(rc.JWK)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("encoding account key: %v", err))
		return
	}
	jwk := &core.JWK{
		ID:        uuid.NewString(),
		Blob:      blob,
		KeySHA256: keyFingerprint(rc.JWK),
	}
	kid := newKid()
	acct := &core.Account{
		ID:      uuid.NewString(),
		Kid:     kid,
		Status:  core.AccountValid,
		Contact: req.Contact,
	}
	if err := wfe.Store.CreateAccount(acct, jwk); err != nil {
		wfe.writeProblem(w, probs.ServerInternal("creating account: %v", err))
		return
	}
	w.Header().Set("Location", wfe.resourceURL("account", kid))
	wfe.writeAccount(w, acct, http.StatusCreated)
}

// Account handles POST /account/{kid}: POST-as-GET, a contact update,
// or a deactivation request, mirroring AccountRouter.update_account.
func (wfe *WebFrontEnd) Account(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	kid := idFromPath(r, "kid")
	if rc.Account == nil || rc.Account.Kid != kid {
		wfe.writeProblem(w, probs.Unauthorized("account does not match request"))
		return
	}

	if len(rc.Payload) > 2 { // non-empty object means an update
		var req newAccountRequest
		if err := json.Unmarshal(rc.Payload, &req); err != nil {
			wfe.writeProblem(w, probs.Malformed("invalid account payload: %v", err))
			return
		}
		if req.Status != "" {
			switch req.Status {
			case string(core.AccountValid):
				// no-op
			case string(core.AccountDeactivated):
				rc.Account.Status = core.AccountDeactivated
			case "invalid":
				wfe.writeProblem(w, probs.Malformed("an account cannot be set to status %q", req.Status))
				return
			default:
				wfe.writeProblem(w, probs.Malformed("unrecognized status %q", req.Status))
				return
			}
		}
		if req.Contact != nil {
			rc.Account.Contact = req.Contact
		}
		if req.Contact != nil || req.Status != "" {
			if err := wfe.Store.UpdateAccount(rc.Account); err != nil {
				wfe.writeProblem(w, probs.ServerInternal("updating account: %v", err))
				return
			}
		}
	}
	wfe.writeAccount(w, rc.Account, http.StatusOK)
}

// AccountOrders handles POST-as-GET /account/{kid}/orders, mirroring
// AccountRouter's order-listing endpoint.
func (wfe *WebFrontEnd) AccountOrders(w http.ResponseWriter, r *http.Request, rc *requestContext) {
	kid := idFromPath(r, "kid")
	if rc.Account == nil || rc.Account.Kid != kid {
		wfe.writeProblem(w, probs.Unauthorized("account does not match request"))
		return
	}
	orders, err := wfe.Store.GetOrdersByAccountID(rc.Account.ID)
	if err != nil {
		wfe.writeProblem(w, probs.ServerInternal("listing orders: %v", err))
		return
	}
	urls := make([]string, 0, len(orders))
	for _, o := range orders {
		urls = append(urls, wfe.resourceURL("order", o.ID))
	}
	wfe.writeJSON(w, http.StatusOK, map[string]interface{}{"orders": urls})
}

func (wfe *WebFrontEnd) writeAccount(w http.ResponseWriter, acct *core.Account, status int) {
	wfe.writeJSON(w, status, accountResponse{
		Status:  acct.Status,
		Contact: acct.Contact,
		Orders:  wfe.resourceURL("account", acct.Kid) + "/orders",
	})
}

// newKid generates an opaque account identifier: "acct-" plus 24 hex
// characters, mirroring the original's secrets.token_hex(12) kids.
func newKid() string {
	buf := make([]byte, 12)
	_, _ = rand.Read(buf)
	return "acct-" + hex.EncodeToString(buf)
}
