package ca

import (
	"context"
	"fmt"

	"github.com/ssaarts/vism/ca/caerrors"
	"github.com/ssaarts/vism/crypto"
	"github.com/ssaarts/vism/log"
	"github.com/ssaarts/vism/metrics"
)

// CertSpec is the resolved configuration for one certificate vism
// knows how to create, mirroring one entry of
// original_source/vism_ca/config.py's x509_certificates list.
type CertSpec struct {
	Name        string
	ProfileName string
	// SignedBy names the parent CA; empty means self-signed.
	SignedBy string
	// SignedByProfile is the parent's profile, needed to render the
	// signing config inside the jail.
	SignedByProfile   string
	ExternallyManaged bool
	Days              int
}

// ExternalMaterial is the pre-issued PEM material an externally
// managed certificate must be seeded with, mirroring
// Certificate._create's "certificate_pem"/"crl_pem" requirement.
type ExternalMaterial struct {
	CertificatePEM []byte
	CRLPEM         []byte
}

// ModuleFactory builds a fresh crypto.Module scoped to one
// certificate operation (a fresh Jail, per vism_ca's CryptoModule
// instance-per-operation lifecycle).
type ModuleFactory func(certName string) (crypto.Module, error)

// Store is the persistence contract Service needs; *Ledger satisfies
// it against a real database, and tests can substitute a fake.
type Store interface {
	GetByName(name string) (*CertificateEntry, error)
	GetOpenSSLStateByName(name string) (*OpenSSLState, error)
	Save(entry *CertificateEntry, states ...*OpenSSLState) error
}

// Service orchestrates certificate creation, mirroring
// vism_ca/ca/crypto/certificate.py's Certificate.create/_create.
type Service struct {
	Ledger    Store
	NewModule ModuleFactory
	Key       crypto.KeyConfig
	// Cipher, when non-nil, encrypts private keys at rest.
	Cipher Cipher
	log    log.Logger
	stats  metrics.Scope
}

// NewService builds a Service. A nil cipher stores keys unencrypted; a
// nil scope discards stats.
func NewService(ledger Store, factory ModuleFactory, key crypto.KeyConfig, cipher Cipher, logger log.Logger, scope metrics.Scope) *Service {
	if logger == nil {
		logger = log.Nop
	}
	if scope == nil {
		scope = metrics.NewNoopScope()
	}
	return &Service{Ledger: ledger, NewModule: factory, Key: key, Cipher: cipher, log: logger, stats: scope.NewScope("ca")}
}

// Create issues (or returns the already-persisted) certificate named
// by spec.Name. It is idempotent: a certificate already in the
// ledger is returned as-is without re-running any crypto operation,
// mirroring the original's ledger-presence short-circuit.
func (s *Service) Create(ctx context.Context, spec CertSpec, external *ExternalMaterial) (*CertificateEntry, error) {
	existing, err := s.Ledger.GetByName(spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		s.stats.Inc("create_cached", 1)
		return existing, nil
	}

	if spec.ExternallyManaged {
		entry, err := s.createExternallyManaged(spec, external)
		if err == nil {
			s.stats.Inc("create_external", 1)
		}
		return entry, err
	}
	entry, err := s.createManaged(ctx, spec)
	if err == nil {
		s.stats.Inc("create_managed", 1)
	}
	return entry, err
}

func (s *Service) createExternallyManaged(spec CertSpec, external *ExternalMaterial) (*CertificateEntry, error) {
	if external == nil || len(external.CertificatePEM) == 0 || len(external.CRLPEM) == 0 {
		return nil, caerrors.CertConfigNotFoundError(
			"externally managed certificate %q requires a certificate and CRL to be supplied", spec.Name)
	}
	entry := &CertificateEntry{
		Name:              spec.Name,
		ExternallyManaged: true,
		CertificatePEM:    external.CertificatePEM,
		CRLPEM:            external.CRLPEM,
	}
	if err := s.Ledger.Save(entry); err != nil {
		return nil, err
	}
	return entry, nil
}

func (s *Service) createManaged(ctx context.Context, spec CertSpec) (entry *CertificateEntry, err error) {
	module, err := s.NewModule(spec.Name)
	if err != nil {
		return nil, fmt.Errorf("constructing crypto module for %q: %w", spec.Name, err)
	}
	// Always torn down, whichever branch below returns, mirroring the
	// original's `finally: self.crypto_module.cleanup(full=True)`.
	defer func() {
		if cerr := module.Cleanup(true); cerr != nil && err == nil {
			s.log.Warning("cleanup failed", "name", spec.Name, "err", cerr.Error())
		}
	}()

	if err = module.LoadConfig(ctx, spec.Name, spec.ProfileName); err != nil {
		return nil, err
	}
	if err = module.CreateEnvironment(ctx); err != nil {
		return nil, err
	}

	key, pub, err := module.GeneratePrivateKey(ctx, s.Key)
	if err != nil {
		return nil, err
	}
	csr, err := module.GenerateCSR(ctx, key, s.Key.Password)
	if err != nil {
		return nil, err
	}

	var material *crypto.Material
	if spec.SignedBy == "" {
		material, err = module.GenerateCACertificate(ctx, key, csr, spec.Days, s.Key.Password)
		if err != nil {
			return nil, err
		}
	} else {
		material, err = s.signWithParent(ctx, module, spec, csr)
		if err != nil {
			return nil, err
		}
	}

	crl, crlNumber, err := module.GenerateCRL(ctx, key, material.CertificatePEM, s.Key.Password)
	if err != nil {
		return nil, err
	}

	storedKey := key
	if s.Cipher != nil {
		storedKey, err = s.Cipher.Encrypt(key)
		if err != nil {
			return nil, fmt.Errorf("encrypting private key for %q: %w", spec.Name, err)
		}
	}

	entry = &CertificateEntry{
		Name:           spec.Name,
		Module:         "openssl",
		PrivateKeyPEM:  storedKey,
		PublicKeyPEM:   pub,
		CSRPEM:         csr,
		CertificatePEM: material.CertificatePEM,
		CRLPEM:         crl,
	}
	states := []*OpenSSLState{{
		CertName:   spec.Name,
		CertSerial: material.Serial,
		Database:   material.State.Database,
		Serial:     material.State.Serial,
		CRLNumber:  crlNumber,
	}}
	if material.ParentState != nil {
		parentRow, perr := s.Ledger.GetOpenSSLStateByName(spec.SignedBy)
		if perr != nil {
			return nil, perr
		}
		if parentRow == nil {
			parentRow = &OpenSSLState{CertName: spec.SignedBy}
		}
		parentRow.Database = material.ParentState.Database
		parentRow.Serial = material.ParentState.Serial
		parentRow.CRLNumber = material.ParentState.CRLNumber
		states = append(states, parentRow)
	}
	if err = s.Ledger.Save(entry, states...); err != nil {
		return nil, err
	}
	if s.Cipher != nil {
		// Only the encrypted copy leaves this scope.
		zeroize(key)
	}
	return entry, nil
}

// signWithParent resolves the parent CA from the ledger and drives the
// chained-signing flow, enforcing Certificate._create's refusal rules:
// a missing parent row fails the signing, and an externally managed
// parent cannot sign (its private key is not held here).
func (s *Service) signWithParent(ctx context.Context, module crypto.Module, spec CertSpec, csr []byte) (*crypto.Material, error) {
	parent, err := s.Ledger.GetByName(spec.SignedBy)
	if err != nil {
		return nil, err
	}
	if parent == nil {
		return nil, caerrors.GenCACertificateError(
			"signing certificate %q has not been created", spec.SignedBy)
	}
	if parent.ExternallyManaged {
		return nil, caerrors.SignCACertificateError(
			"certificate %q is externally managed and cannot sign", spec.SignedBy)
	}

	parentKey := parent.PrivateKeyPEM
	if s.Cipher != nil {
		parentKey, err = s.Cipher.Decrypt(parent.PrivateKeyPEM)
		if err != nil {
			return nil, fmt.Errorf("decrypting private key for %q: %w", spec.SignedBy, err)
		}
		defer zeroize(parentKey)
	}

	var parentState crypto.ModuleState
	if row, err := s.Ledger.GetOpenSSLStateByName(spec.SignedBy); err != nil {
		return nil, err
	} else if row != nil {
		parentState = crypto.ModuleState{Database: row.Database, Serial: row.Serial, CRLNumber: row.CRLNumber}
	}

	return module.SignCACertificate(ctx, crypto.SignRequest{
		ParentName:        spec.SignedBy,
		ParentProfileName: spec.SignedByProfile,
		ParentKeyPEM:      parentKey,
		ParentCertPEM:     parent.CertificatePEM,
		ParentPassword:    s.Key.Password,
		ParentState:       parentState,
		CSRPEM:            csr,
		Days:              spec.Days,
	})
}
