package va

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ssaarts/vism/core"
)

type memStore struct {
	mu     sync.Mutex
	authzs map[string]*core.Authorization
	orders map[string]*core.Order
	chs    map[string]*core.Challenge
}

func newMemStore() *memStore {
	return &memStore{authzs: map[string]*core.Authorization{}, orders: map[string]*core.Order{}, chs: map[string]*core.Challenge{}}
}

func (s *memStore) GetAuthorization(id string) (*core.Authorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authzs[id], nil
}
func (s *memStore) GetOrder(id string) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.orders[id], nil
}
func (s *memStore) UpdateChallenge(ch *core.Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.chs[ch.ID] = ch
	return nil
}
func (s *memStore) UpdateAuthorization(az *core.Authorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.authzs[az.ID] = az
	return nil
}
func (s *memStore) UpdateOrder(o *core.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[o.ID] = o
	return nil
}

func waitForStatus(t *testing.T, store *memStore, chID string, want core.ChallengeStatus) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		store.mu.Lock()
		ch := store.chs[chID]
		store.mu.Unlock()
		if ch != nil && ch.Status == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("challenge %s never reached status %s", chID, want)
}

func serverPort(t *testing.T, srv *httptest.Server) (string, int) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return u.Hostname(), port
}

func TestValidateSucceedsOnMatchingResponse(t *testing.T) {
	keyAuth := "token123.thumbprint"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/.well-known/acme-challenge/token123", r.URL.Path)
		w.Write([]byte(keyAuth + "\n"))
	}))
	defer srv.Close()
	host, port := serverPort(t, srv)

	store := newMemStore()
	store.authzs["az1"] = &core.Authorization{ID: "az1", OrderID: "o1", Status: core.AuthzPending}

	v := New(Config{Port: port, TimeoutSeconds: 2, Retries: 1, RetryDelaySeconds: 0.01}, store, nil, nil)
	ch := &core.Challenge{
		ID: "ch1", AuthorizationID: "az1",
		Token: "token123", KeyAuthorization: keyAuth,
		Status: core.ChallengeProcessing,
	}

	v.Dispatch(host, ch)

	waitForStatus(t, store, "ch1", core.ChallengeValid)
	az, _ := store.GetAuthorization("az1")
	require.Equal(t, core.AuthzValid, az.Status)
}

func TestValidateFailsOnMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("wrong-response"))
	}))
	defer srv.Close()
	host, port := serverPort(t, srv)

	store := newMemStore()
	store.authzs["az1"] = &core.Authorization{ID: "az1", OrderID: "o1", Status: core.AuthzPending}
	store.orders["o1"] = &core.Order{ID: "o1", Status: core.OrderPending}

	v := New(Config{Port: port, TimeoutSeconds: 2, Retries: 0, RetryDelaySeconds: 0.01}, store, nil, nil)
	ch := &core.Challenge{
		ID: "ch1", AuthorizationID: "az1",
		Token: "token123", KeyAuthorization: "token123.thumbprint",
		Status: core.ChallengeProcessing,
	}

	v.Dispatch(host, ch)

	waitForStatus(t, store, "ch1", core.ChallengeInvalid)
	az, _ := store.GetAuthorization("az1")
	require.Equal(t, core.AuthzInvalid, az.Status)
	require.NotEmpty(t, az.ErrorType)
	order, _ := store.GetOrder("o1")
	require.Equal(t, core.OrderInvalid, order.Status)
}

func TestValidateRetriesTransientStatus(t *testing.T) {
	keyAuth := "tok.print"
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(keyAuth))
	}))
	defer srv.Close()
	host, port := serverPort(t, srv)

	store := newMemStore()
	store.authzs["az1"] = &core.Authorization{ID: "az1", OrderID: "o1", Status: core.AuthzPending}

	v := New(Config{Port: port, TimeoutSeconds: 2, Retries: 3, RetryDelaySeconds: 0.01}, store, nil, nil)
	ch := &core.Challenge{
		ID: "ch1", AuthorizationID: "az1",
		Token: "tok", KeyAuthorization: keyAuth,
		Status: core.ChallengeProcessing,
	}

	v.Dispatch(host, ch)

	waitForStatus(t, store, "ch1", core.ChallengeValid)
	mu.Lock()
	require.GreaterOrEqual(t, calls, 2)
	mu.Unlock()
}
