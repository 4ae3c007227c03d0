// Package sa is the storage authority for the ACME-facing entities:
// accounts, JWKs, orders, authorizations and challenges. It mirrors
// the teacher's sa/database.go dbMap-construction idiom (AddTableWithName
// + SetKeys) and original_source/vism_acme/db/*.py's row shapes, rather
// than boulder's own registration/authz/certificate schema, which has
// no equivalent in this domain (see DESIGN.md).
package sa

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/letsencrypt/borp"

	"github.com/ssaarts/vism/core"
	"github.com/ssaarts/vism/db"
)

// Store is the borp-backed implementation of both wfe.Store and
// va.Store, registering one table per ACME entity.
type Store struct {
	db *db.Handle
}

// New wires a Store to an already-opened database handle and
// registers its tables, mirroring sa/database.go's initTables.
func New(h *db.Handle) *Store {
	h.AddTableWithName(core.JWK{}, "jwk").SetKeys(false, "ID")
	h.AddTableWithName(core.Account{}, "account").SetKeys(false, "ID")
	h.AddTableWithName(core.Order{}, "acme_order").SetKeys(false, "ID")
	h.AddTableWithName(core.Authorization{}, "authorization").SetKeys(false, "ID")
	h.AddTableWithName(core.Challenge{}, "challenge").SetKeys(false, "ID")
	return &Store{db: h}
}

// --- JWK ---

func (s *Store) GetJWKByFingerprint(sha256 []byte) (*core.JWK, error) {
	var rows []core.JWK
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM jwk WHERE key_sha256 = ?", sha256)
	if err != nil {
		return nil, fmt.Errorf("querying jwk by fingerprint: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *Store) GetJWK(id string) (*core.JWK, error) {
	var rows []core.JWK
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM jwk WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying jwk by id: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// --- Account ---

func (s *Store) GetAccountByJWKID(jwkID string) (*core.Account, error) {
	return s.selectOneAccount("SELECT * FROM account WHERE jwk_id = ?", jwkID)
}

func (s *Store) GetAccountByKid(kid string) (*core.Account, error) {
	return s.selectOneAccount("SELECT * FROM account WHERE kid = ?", kid)
}

func (s *Store) selectOneAccount(query string, args ...interface{}) (*core.Account, error) {
	var rows []core.Account
	_, err := s.db.Select(context.Background(), &rows, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying account: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	acct := &rows[0]
	if err := unmarshalIfSet(acct.ContactRaw, &acct.Contact); err != nil {
		return nil, fmt.Errorf("decoding account contact: %w", err)
	}
	return acct, nil
}

// CreateAccount persists a new JWK and account row inside one
// transaction, mirroring ledger.Save's atomicity invariant.
func (s *Store) CreateAccount(acct *core.Account, jwk *core.JWK) error {
	return s.db.WithTransaction(func(tx *borp.Transaction) error {
		if err := tx.Insert(context.Background(), jwk); err != nil {
			return fmt.Errorf("inserting jwk: %w", err)
		}
		acct.JWKID = jwk.ID
		raw, err := json.Marshal(acct.Contact)
		if err != nil {
			return fmt.Errorf("encoding account contact: %w", err)
		}
		acct.ContactRaw = string(raw)
		if err := tx.Insert(context.Background(), acct); err != nil {
			return fmt.Errorf("inserting account: %w", err)
		}
		return nil
	})
}

func (s *Store) UpdateAccount(acct *core.Account) error {
	raw, err := json.Marshal(acct.Contact)
	if err != nil {
		return fmt.Errorf("encoding account contact: %w", err)
	}
	acct.ContactRaw = string(raw)
	_, err = s.db.Update(context.Background(), acct)
	if err != nil {
		return fmt.Errorf("updating account: %w", err)
	}
	return nil
}

// --- Order ---

func (s *Store) CreateOrder(o *core.Order) error {
	raw, err := json.Marshal(o.Identifiers)
	if err != nil {
		return fmt.Errorf("encoding order identifiers: %w", err)
	}
	o.IdentifiersRaw = string(raw)
	if err := s.db.Insert(context.Background(), o); err != nil {
		return fmt.Errorf("inserting order: %w", err)
	}
	return nil
}

func (s *Store) GetOrder(id string) (*core.Order, error) {
	var rows []core.Order
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM acme_order WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying order: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	order := &rows[0]
	if err := unmarshalIfSet(order.IdentifiersRaw, &order.Identifiers); err != nil {
		return nil, fmt.Errorf("decoding order identifiers: %w", err)
	}
	return order, nil
}

func (s *Store) GetOrdersByAccountID(accountID string) ([]core.Order, error) {
	var rows []core.Order
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM acme_order WHERE account_id = ? ORDER BY created_at", accountID)
	if err != nil {
		return nil, fmt.Errorf("querying orders: %w", err)
	}
	for i := range rows {
		if err := unmarshalIfSet(rows[i].IdentifiersRaw, &rows[i].Identifiers); err != nil {
			return nil, fmt.Errorf("decoding order identifiers: %w", err)
		}
	}
	return rows, nil
}

func (s *Store) UpdateOrder(o *core.Order) error {
	raw, err := json.Marshal(o.Identifiers)
	if err != nil {
		return fmt.Errorf("encoding order identifiers: %w", err)
	}
	o.IdentifiersRaw = string(raw)
	_, err = s.db.Update(context.Background(), o)
	if err != nil {
		return fmt.Errorf("updating order: %w", err)
	}
	return nil
}

// --- Authorization ---

func (s *Store) CreateAuthorization(az *core.Authorization) error {
	az.IdentifierType = az.Identifier.Type
	az.IdentifierValue = az.Identifier.Value
	if err := s.db.Insert(context.Background(), az); err != nil {
		return fmt.Errorf("inserting authorization: %w", err)
	}
	return nil
}

func (s *Store) GetAuthorization(id string) (*core.Authorization, error) {
	var rows []core.Authorization
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM authorization WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying authorization: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	az := &rows[0]
	az.Identifier = core.Identifier{Type: az.IdentifierType, Value: az.IdentifierValue}
	return az, nil
}

func (s *Store) GetAuthorizationsByOrder(orderID string) ([]core.Authorization, error) {
	var rows []core.Authorization
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM authorization WHERE order_id = ?", orderID)
	if err != nil {
		return nil, fmt.Errorf("querying authorizations: %w", err)
	}
	for i := range rows {
		rows[i].Identifier = core.Identifier{Type: rows[i].IdentifierType, Value: rows[i].IdentifierValue}
	}
	return rows, nil
}

func (s *Store) UpdateAuthorization(az *core.Authorization) error {
	az.IdentifierType = az.Identifier.Type
	az.IdentifierValue = az.Identifier.Value
	_, err := s.db.Update(context.Background(), az)
	if err != nil {
		return fmt.Errorf("updating authorization: %w", err)
	}
	return nil
}

// --- Challenge ---

func (s *Store) CreateChallenge(ch *core.Challenge) error {
	if err := s.db.Insert(context.Background(), ch); err != nil {
		return fmt.Errorf("inserting challenge: %w", err)
	}
	return nil
}

func (s *Store) GetChallenge(id string) (*core.Challenge, error) {
	var rows []core.Challenge
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM challenge WHERE id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("querying challenge: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

func (s *Store) GetChallengesByAuthorization(authzID string) ([]core.Challenge, error) {
	var rows []core.Challenge
	_, err := s.db.Select(context.Background(), &rows, "SELECT * FROM challenge WHERE authorization_id = ?", authzID)
	if err != nil {
		return nil, fmt.Errorf("querying challenges: %w", err)
	}
	return rows, nil
}

func (s *Store) UpdateChallenge(ch *core.Challenge) error {
	_, err := s.db.Update(context.Background(), ch)
	if err != nil {
		return fmt.Errorf("updating challenge: %w", err)
	}
	return nil
}

func unmarshalIfSet(raw string, v interface{}) error {
	if raw == "" {
		return nil
	}
	return json.Unmarshal([]byte(raw), v)
}
