package wfe

import "github.com/ssaarts/vism/core"

// Store is the persistence contract the ACME handlers need.
type Store interface {
	GetJWKByFingerprint(sha256 []byte) (*core.JWK, error)
	GetJWK(id string) (*core.JWK, error)
	GetAccountByJWKID(jwkID string) (*core.Account, error)
	GetAccountByKid(kid string) (*core.Account, error)
	CreateAccount(acct *core.Account, jwk *core.JWK) error
	UpdateAccount(acct *core.Account) error

	CreateOrder(o *core.Order) error
	GetOrder(id string) (*core.Order, error)
	GetOrdersByAccountID(accountID string) ([]core.Order, error)
	UpdateOrder(o *core.Order) error

	CreateAuthorization(az *core.Authorization) error
	GetAuthorization(id string) (*core.Authorization, error)
	GetAuthorizationsByOrder(orderID string) ([]core.Authorization, error)
	UpdateAuthorization(az *core.Authorization) error

	CreateChallenge(ch *core.Challenge) error
	GetChallenge(id string) (*core.Challenge, error)
	GetChallengesByAuthorization(authzID string) ([]core.Challenge, error)
	UpdateChallenge(ch *core.Challenge) error
}
