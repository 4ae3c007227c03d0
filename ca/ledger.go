// Package ca implements the CA core: the Ledger (C3, persisted
// certificate state) and the Service (C4, the create/sign
// orchestration), mirroring
// original_source/vism_ca/ca/db/__init__.py and
// original_source/vism_ca/ca/crypto/certificate.py.
package ca

import (
	"context"
	"fmt"
	"time"

	"github.com/letsencrypt/borp"

	"github.com/ssaarts/vism/db"
)

// CertificateEntry is one row of the certificate table: the full
// material the CA core produced or was given for a named certificate.
type CertificateEntry struct {
	ID                int64     `db:"id"`
	Name              string    `db:"name"`
	ExternallyManaged bool      `db:"externally_managed"`
	Module            string    `db:"module"`
	PrivateKeyPEM     []byte    `db:"pkey_pem"`
	PublicKeyPEM      []byte    `db:"pubkey_pem"`
	CSRPEM            []byte    `db:"csr_pem"`
	CertificatePEM    []byte    `db:"crt_pem"`
	CRLPEM            []byte    `db:"crl_pem"`
	CreatedAt         time.Time `db:"created_at"`
	UpdatedAt         time.Time `db:"updated_at"`
}

// OpenSSLState is the per-module side table row for the openssl
// backend, keyed canonically by (cert_name, cert_serial) per
// spec.md's §9 Open Question resolution, with an additional
// cert_name-only index for the pre-signing lookup path.
type OpenSSLState struct {
	ID         int64  `db:"id"`
	CertName   string `db:"cert_name"`
	CertSerial string `db:"cert_serial"`
	Database   string `db:"database"`
	Serial     string `db:"serial"`
	CRLNumber  string `db:"crlnumber"`
}

// Ledger is the transactional persistence layer spanning the
// certificate table and the per-module side tables.
type Ledger struct {
	db *db.Handle
}

// NewLedger wires a Ledger to an already-opened database handle and
// registers its tables with borp, mirroring sa/database.go's
// initTables.
func NewLedger(h *db.Handle) *Ledger {
	h.AddTableWithName(CertificateEntry{}, "certificate").SetKeys(true, "ID")
	h.AddTableWithName(OpenSSLState{}, "openssl_data").SetKeys(true, "ID")
	return &Ledger{db: h}
}

// GetByName returns the ledger row for name, or (nil, nil) if no such
// certificate has been created yet -- the short-circuit check
// Certificate.create() performs before doing any work.
func (l *Ledger) GetByName(name string) (*CertificateEntry, error) {
	var entries []CertificateEntry
	_, err := l.db.Select(context.Background(), &entries, "SELECT * FROM certificate WHERE name = ?", name)
	if err != nil {
		return nil, fmt.Errorf("querying certificate by name: %w", err)
	}
	if len(entries) == 0 {
		return nil, nil
	}
	return &entries[0], nil
}

// GetOpenSSLStateByName returns the most recent side-table row for
// name, used to recover the serial/crlnumber counters before a parent
// CA signs another child.
func (l *Ledger) GetOpenSSLStateByName(name string) (*OpenSSLState, error) {
	var rows []OpenSSLState
	_, err := l.db.Select(context.Background(), &rows, "SELECT * FROM openssl_data WHERE cert_name = ? ORDER BY id DESC LIMIT 1", name)
	if err != nil {
		return nil, fmt.Errorf("querying openssl state: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// Save persists entry and any module state rows inside a single
// transaction, satisfying the ledger's atomicity invariant: the
// certificate and its harvested counters are written together or not
// at all. Passing a parent's updated state row alongside a child's
// entry (the chained-signing case) keeps both counter advances in the
// same transaction.
func (l *Ledger) Save(entry *CertificateEntry, states ...*OpenSSLState) error {
	now := time.Now()
	entry.UpdatedAt = now
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = now
	}

	return l.db.WithTransaction(func(tx *borp.Transaction) error {
		var err error
		if entry.ID == 0 {
			err = tx.Insert(context.Background(), entry)
		} else {
			_, err = tx.Update(context.Background(), entry)
		}
		if err != nil {
			return fmt.Errorf("writing certificate row: %w", err)
		}

		for _, state := range states {
			if state == nil {
				continue
			}
			if state.CertName == "" {
				state.CertName = entry.Name
			}
			if state.ID == 0 {
				err = tx.Insert(context.Background(), state)
			} else {
				_, err = tx.Update(context.Background(), state)
			}
			if err != nil {
				return fmt.Errorf("writing module state row for %q: %w", state.CertName, err)
			}
		}
		return nil
	})
}

// GetOpenSSLStateBySerial returns the side-table row for an issued
// certificate's serial, the second half of the table's canonical
// (cert_name, cert_serial) key.
func (l *Ledger) GetOpenSSLStateBySerial(serial string) (*OpenSSLState, error) {
	var rows []OpenSSLState
	_, err := l.db.Select(context.Background(), &rows, "SELECT * FROM openssl_data WHERE cert_serial = ? ORDER BY id DESC LIMIT 1", serial)
	if err != nil {
		return nil, fmt.Errorf("querying openssl state by serial: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}
