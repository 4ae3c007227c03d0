package wfe

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	jose "gopkg.in/go-jose/go-jose.v2"

	"github.com/stretchr/testify/require"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/nonce"
)

// fakeStore is an in-memory wfe.Store, mirroring va's memStore fake.
type fakeStore struct {
	mu     sync.Mutex
	jwks   map[string]*core.JWK
	accts  map[string]*core.Account
	orders map[string]*core.Order
	authzs map[string]*core.Authorization
	chs    map[string]*core.Challenge
	seq    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jwks:   map[string]*core.JWK{},
		accts:  map[string]*core.Account{},
		orders: map[string]*core.Order{},
		authzs: map[string]*core.Authorization{},
		chs:    map[string]*core.Challenge{},
	}
}

func (s *fakeStore) GetJWKByFingerprint(sum []byte) (*core.JWK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, j := range s.jwks {
		if string(j.KeySHA256) == string(sum) {
			return j, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetJWK(id string) (*core.JWK, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jwks[id], nil
}

func (s *fakeStore) GetAccountByJWKID(jwkID string) (*core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.accts {
		if a.JWKID == jwkID {
			return a, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) GetAccountByKid(kid string) (*core.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accts[kid], nil
}

func (s *fakeStore) CreateAccount(acct *core.Account, jwk *core.JWK) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jwks[jwk.ID] = jwk
	acct.JWKID = jwk.ID
	s.accts[acct.Kid] = acct
	return nil
}

func (s *fakeStore) UpdateAccount(acct *core.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accts[acct.Kid] = acct
	return nil
}

func (s *fakeStore) CreateOrder(o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if o.ID == "" {
		o.ID = fmt.Sprintf("order-%d", s.seq)
	}
	s.orders[o.ID] = o
	return nil
}

func (s *fakeStore) GetOrder(id string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id], nil
}

func (s *fakeStore) GetOrdersByAccountID(accountID string) ([]core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Order
	for _, o := range s.orders {
		if o.AccountID == accountID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateOrder(o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func (s *fakeStore) CreateAuthorization(az *core.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authzs[az.ID] = az
	return nil
}

func (s *fakeStore) GetAuthorization(id string) (*core.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authzs[id], nil
}

func (s *fakeStore) GetAuthorizationsByOrder(orderID string) ([]core.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Authorization
	for _, az := range s.authzs {
		if az.OrderID == orderID {
			out = append(out, *az)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateAuthorization(az *core.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authzs[az.ID] = az
	return nil
}

func (s *fakeStore) CreateChallenge(ch *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chs[ch.ID] = ch
	return nil
}

func (s *fakeStore) GetChallenge(id string) (*core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chs[id], nil
}

func (s *fakeStore) GetChallengesByAuthorization(authzID string) ([]core.Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []core.Challenge
	for _, ch := range s.chs {
		if ch.AuthorizationID == authzID {
			out = append(out, *ch)
		}
	}
	return out, nil
}

func (s *fakeStore) UpdateChallenge(ch *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chs[ch.ID] = ch
	return nil
}

func newTestFrontEnd(t *testing.T) (*WebFrontEnd, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	front := New(store, nonce.New(time.Minute, 100), nil, nil, "https://acme.example.test", nil)
	front.DefaultProfile = "default"
	front.Profiles["default"] = NewProfileACL(
		[]DomainClients{{Domain: "example.com"}}, nil, nil, nil)
	return front, store
}

// signWithJWK signs payload as a JWS with the key embedded, used for
// new-account requests.
func signWithJWK(t *testing.T, key *rsa.PrivateKey, payload, url, nonceVal string) []byte {
	t.Helper()
	jwk := &jose.JSONWebKey{Key: &key.PublicKey, Algorithm: "RS256", Use: "sig"}
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url":   url,
			"nonce": nonceVal,
			"jwk":   jwk,
		},
	})
	require.NoError(t, err)
	obj, err := signer.Sign([]byte(payload))
	require.NoError(t, err)
	return []byte(obj.FullSerialize())
}

// signWithKid signs payload as a JWS identified by kid, used for
// requests against an existing account.
func signWithKid(t *testing.T, key *rsa.PrivateKey, payload, url, kid, nonceVal string) []byte {
	t.Helper()
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.RS256, Key: key}, &jose.SignerOptions{
		ExtraHeaders: map[jose.HeaderKey]interface{}{
			"url":   url,
			"nonce": nonceVal,
			"kid":   kid,
		},
	})
	require.NoError(t, err)
	obj, err := signer.Sign([]byte(payload))
	require.NoError(t, err)
	return []byte(obj.FullSerialize())
}

func postJWS(t *testing.T, url string, body []byte) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/jose+json", strings.NewReader(string(body)))
	require.NoError(t, err)
	return resp
}

// createAccount drives POST /new-account and returns the kid URL and a
// fresh replay nonce for the next request.
func createAccount(t *testing.T, front *WebFrontEnd, srvURL string, key *rsa.PrivateKey) (string, string) {
	t.Helper()
	n, err := front.Nonces.New(nonce.Anonymous)
	require.NoError(t, err)

	newAccountURL := srvURL + PathNewAccount
	body := signWithJWK(t, key, `{"contact":["mailto:a@example.com"],"termsOfServiceAgreed":true}`, newAccountURL, n)

	resp := postJWS(t, newAccountURL, body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	kid := resp.Header.Get("Location")
	require.NotEmpty(t, kid)
	replayNonce := resp.Header.Get("Replay-Nonce")
	require.NotEmpty(t, replayNonce)
	return kid, replayNonce
}

func TestNewAccountKidFormat(t *testing.T) {
	front, store := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kidURL, replayNonce := createAccount(t, front, srv.URL, key)
	require.Regexp(t, regexp.MustCompile(`/account/acct-[0-9a-f]{24}$`), kidURL)
	require.GreaterOrEqual(t, len(replayNonce), 43)

	var found *core.Account
	for _, a := range store.accts {
		found = a
	}
	require.NotNil(t, found)
	require.Equal(t, core.AccountValid, found.Status)

	jwkRow := store.jwks[found.JWKID]
	require.NotNil(t, jwkRow)
	require.NotEmpty(t, jwkRow.Blob, "the account's key must be persisted")
}

func TestNewAccountThenNewOrder(t *testing.T) {
	front, store := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kid, replayNonce := createAccount(t, front, srv.URL, key)

	newOrderURL := srv.URL + PathNewOrder
	orderBody := signWithKid(t, key,
		`{"identifiers":[{"type":"dns","value":"EXAMPLE.COM"}]}`,
		newOrderURL, kid, replayNonce)

	orderResp := postJWS(t, newOrderURL, orderBody)
	defer orderResp.Body.Close()
	require.Equal(t, http.StatusCreated, orderResp.StatusCode)
	require.NotEmpty(t, orderResp.Header.Get("Location"))

	var decoded orderResponse
	require.NoError(t, json.NewDecoder(orderResp.Body).Decode(&decoded))
	require.Equal(t, core.OrderPending, decoded.Status)
	require.Equal(t, "example.com", decoded.Identifiers[0].Value, "dns identifiers are lowercased")
	require.Len(t, decoded.Authorizations, 1)

	// exactly one http-01 challenge whose token prefixes its stored
	// key authorization
	require.Len(t, store.chs, 1)
	for _, ch := range store.chs {
		require.Equal(t, core.ChallengeTypeHTTP01, ch.Type)
		require.True(t, strings.HasPrefix(ch.KeyAuthorization, ch.Token+"."))
		require.Equal(t, core.ChallengePending, ch.Status)
	}
	for _, az := range store.authzs {
		require.False(t, az.Expires.IsZero())
	}
}

func TestNewOrderRejectsWildcard(t *testing.T) {
	front, _ := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kid, replayNonce := createAccount(t, front, srv.URL, key)

	newOrderURL := srv.URL + PathNewOrder
	orderBody := signWithKid(t, key,
		`{"identifiers":[{"type":"dns","value":"*.example.com"}]}`,
		newOrderURL, kid, replayNonce)

	resp := postJWS(t, newOrderURL, orderBody)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var prob struct {
		Type        string `json:"type"`
		Subproblems []struct {
			Type string `json:"type"`
		} `json:"subproblems"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prob))
	require.Equal(t, "urn:ietf:params:acme:error:malformed", prob.Type)
	require.Len(t, prob.Subproblems, 1)
	require.Equal(t, "urn:ietf:params:acme:error:rejectedIdentifier", prob.Subproblems[0].Type)
}

func TestChallengePostMovesToProcessing(t *testing.T) {
	front, store := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kid, replayNonce := createAccount(t, front, srv.URL, key)

	newOrderURL := srv.URL + PathNewOrder
	orderResp := postJWS(t, newOrderURL, signWithKid(t, key,
		`{"identifiers":[{"type":"dns","value":"example.com"}]}`,
		newOrderURL, kid, replayNonce))
	replayNonce = orderResp.Header.Get("Replay-Nonce")
	orderResp.Body.Close()

	var chID string
	for id := range store.chs {
		chID = id
	}
	require.NotEmpty(t, chID)

	chURL := srv.URL + "/challenge/" + chID
	resp := postJWS(t, chURL, signWithKid(t, key, "", chURL, kid, replayNonce))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	ch, _ := store.GetChallenge(chID)
	require.Equal(t, core.ChallengeProcessing, ch.Status,
		"the processing transition must be persisted even with no validator wired")
}

func TestAuthzWithErrorReturns400(t *testing.T) {
	front, store := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kid, replayNonce := createAccount(t, front, srv.URL, key)

	var storedAcct *core.Account
	for _, a := range store.accts {
		storedAcct = a
	}
	require.NotNil(t, storedAcct)

	order := &core.Order{ID: "o1", AccountID: storedAcct.ID, Status: core.OrderInvalid}
	require.NoError(t, store.CreateOrder(order))
	az := &core.Authorization{
		ID: "az1", OrderID: "o1",
		Identifier:  core.Identifier{Type: "dns", Value: "example.com"},
		Status:      core.AuthzInvalid,
		ErrorType:   "urn:ietf:params:acme:error:incorrectResponse",
		ErrorDetail: "key authorization did not match",
		Expires:     time.Now().Add(time.Minute),
	}
	require.NoError(t, store.CreateAuthorization(az))

	authzURL := srv.URL + "/authz/az1"
	resp := postJWS(t, authzURL, signWithKid(t, key, "", authzURL, kid, replayNonce))
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Replay-Nonce"))

	var decoded authzResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, core.AuthzInvalid, decoded.Status)
}

func TestNewAccountRejectsBadNonce(t *testing.T) {
	front, _ := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	newAccountURL := srv.URL + PathNewAccount
	body := signWithJWK(t, key, `{"termsOfServiceAgreed":true}`, newAccountURL, "not-a-real-nonce")

	resp := postJWS(t, newAccountURL, body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Replay-Nonce"))
	require.NotEmpty(t, resp.Header.Get("Retry-After"))
}

func TestNonceReplayRejected(t *testing.T) {
	front, _ := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	n, err := front.Nonces.New(nonce.Anonymous)
	require.NoError(t, err)

	newAccountURL := srv.URL + PathNewAccount
	body := signWithJWK(t, key, `{}`, newAccountURL, n)

	first := postJWS(t, newAccountURL, body)
	first.Body.Close()
	require.Equal(t, http.StatusCreated, first.StatusCode)

	// the captured nonce is replayed verbatim on a second request
	second := postJWS(t, newAccountURL, body)
	defer second.Body.Close()
	require.Equal(t, http.StatusBadRequest, second.StatusCode)

	var prob struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.NewDecoder(second.Body).Decode(&prob))
	require.Equal(t, "urn:ietf:params:acme:error:badNonce", prob.Type)
	require.NotEmpty(t, second.Header.Get("Replay-Nonce"))
}

func TestNewAccountRejectsUnknownKeyType(t *testing.T) {
	front, _ := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	n, err := front.Nonces.New(nonce.Anonymous)
	require.NoError(t, err)

	header := map[string]interface{}{
		"alg":   "RS256",
		"nonce": n,
		"url":   srv.URL + PathNewAccount,
		"jwk":   map[string]string{"kty": "foo"},
	}
	hdrJSON, err := json.Marshal(header)
	require.NoError(t, err)
	body, err := json.Marshal(map[string]string{
		"protected": base64.RawURLEncoding.EncodeToString(hdrJSON),
		"payload":   base64.RawURLEncoding.EncodeToString([]byte(`{}`)),
		"signature": base64.RawURLEncoding.EncodeToString([]byte("sig")),
	})
	require.NoError(t, err)

	resp := postJWS(t, srv.URL+PathNewAccount, body)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.NotEmpty(t, resp.Header.Get("Replay-Nonce"))

	var prob struct {
		Type string `json:"type"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&prob))
	require.Equal(t, "urn:ietf:params:acme:error:badSignatureAlgorithm", prob.Type)
}

func TestOrderExpiresOnAccess(t *testing.T) {
	front, store := newTestFrontEnd(t)
	srv := httptest.NewServer(front.Handler())
	defer srv.Close()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	kid, replayNonce := createAccount(t, front, srv.URL, key)

	var storedAcct *core.Account
	for _, a := range store.accts {
		storedAcct = a
	}
	order := &core.Order{
		ID:        "stale",
		AccountID: storedAcct.ID,
		Status:    core.OrderPending,
		Expires:   time.Now().Add(-time.Minute),
	}
	require.NoError(t, store.CreateOrder(order))

	orderURL := srv.URL + "/order/stale"
	resp := postJWS(t, orderURL, signWithKid(t, key, "", orderURL, kid, replayNonce))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded orderResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Equal(t, core.OrderExpired, decoded.Status)

	persisted, _ := store.GetOrder("stale")
	require.Equal(t, core.OrderExpired, persisted.Status, "the expiry transition is persisted")
}
