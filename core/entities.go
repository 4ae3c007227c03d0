// Package core holds the ACME-facing domain entities shared by the
// jws, wfe and va packages: accounts, orders, authorizations and
// challenges, mirroring original_source/vism_acme/db/*.py.
package core

import "time"

// AccountStatus is the lifecycle state of an ACME account.
type AccountStatus string

const (
	AccountValid       AccountStatus = "valid"
	AccountDeactivated AccountStatus = "deactivated"
	AccountRevoked     AccountStatus = "revoked"
)

// OrderStatus is the lifecycle state of an ACME order.
type OrderStatus string

const (
	OrderPending    OrderStatus = "pending"
	OrderReady      OrderStatus = "ready"
	OrderProcessing OrderStatus = "processing"
	OrderValid      OrderStatus = "valid"
	OrderInvalid    OrderStatus = "invalid"
	OrderExpired    OrderStatus = "expired"
)

// AuthorizationStatus is the lifecycle state of an ACME authorization.
type AuthorizationStatus string

const (
	AuthzPending     AuthorizationStatus = "pending"
	AuthzProcessing  AuthorizationStatus = "processing"
	AuthzValid       AuthorizationStatus = "valid"
	AuthzInvalid     AuthorizationStatus = "invalid"
	AuthzDeactivated AuthorizationStatus = "deactivated"
	AuthzExpired     AuthorizationStatus = "expired"
	AuthzRevoked     AuthorizationStatus = "revoked"
)

// ChallengeStatus is the lifecycle state of an ACME challenge.
type ChallengeStatus string

const (
	ChallengePending    ChallengeStatus = "pending"
	ChallengeProcessing ChallengeStatus = "processing"
	ChallengeValid      ChallengeStatus = "valid"
	ChallengeInvalid    ChallengeStatus = "invalid"
)

// ChallengeType is the supported challenge mechanism. Only HTTP-01 is
// implemented; DNS-01/TLS-ALPN-01 are out of scope.
const ChallengeTypeHTTP01 = "http-01"

// JWK is the subset of a JSON Web Key vism persists for account
// identity lookup, mirroring sa/model.go's blob+KeySHA256 approach:
// the raw JWK is kept as JSON (Blob) and a SHA-256 fingerprint of its
// canonical form is indexed for O(1) lookup-by-key.
type JWK struct {
	ID        string `db:"id"`
	Blob      []byte `db:"blob"`
	KeySHA256 []byte `db:"key_sha256"`
}

// Account is an ACME account, keyed by an opaque kid.
type Account struct {
	ID         string        `db:"id"`
	Kid        string        `db:"kid"`
	JWKID      string        `db:"jwk_id"`
	Status     AccountStatus `db:"status"`
	Contact    []string      `db:"-"`
	ContactRaw string        `db:"contact"`
	CreatedAt  time.Time     `db:"created_at"`
	UpdatedAt  time.Time     `db:"updated_at"`
}

// Identifier is an ACME identifier (type + value), e.g. {"dns", "example.com"}.
type Identifier struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Order is an ACME order for a set of identifiers.
type Order struct {
	ID             string       `db:"id"`
	AccountID      string       `db:"account_id"`
	Status         OrderStatus  `db:"status"`
	Profile        string       `db:"profile"`
	Identifiers    []Identifier `db:"-"`
	IdentifiersRaw string       `db:"identifiers"`
	NotBefore      *time.Time   `db:"not_before"`
	NotAfter       *time.Time   `db:"not_after"`
	Expires        time.Time    `db:"expires"`
	CSRPEM         []byte       `db:"csr_pem"`
	CertificatePEM []byte       `db:"crt_pem"`
	CreatedAt      time.Time    `db:"created_at"`
}

// Authorization tracks one identifier's validation state within an order.
type Authorization struct {
	ID              string              `db:"id"`
	OrderID         string              `db:"order_id"`
	Identifier      Identifier          `db:"-"`
	IdentifierType  string              `db:"identifier_type"`
	IdentifierValue string              `db:"identifier_value"`
	Status          AuthorizationStatus `db:"status"`
	Wildcard        bool                `db:"wildcard"`
	Expires         time.Time           `db:"expires"`
	ErrorType       string              `db:"error_type"`
	ErrorDetail     string              `db:"error_detail"`
}

// Challenge is one validation mechanism attached to an authorization.
// KeyAuthorization is computed once, at creation time, from the
// challenge token and the owning account's JWK thumbprint; its token
// prefix is what the validator serves its comparison against.
type Challenge struct {
	ID               string          `db:"id"`
	AuthorizationID  string          `db:"authorization_id"`
	Type             string          `db:"type"`
	Token            string          `db:"token"`
	KeyAuthorization string          `db:"key_authorization"`
	Status           ChallengeStatus `db:"status"`
	Validated        *time.Time      `db:"validated"`
}

// NewKeyAuthorization builds the RFC 8555 §8.1 key authorization for a
// token and an account JWK thumbprint.
func NewKeyAuthorization(token, jwkThumbprint string) string {
	return token + "." + jwkThumbprint
}
