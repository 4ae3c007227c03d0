// Package crypto defines the pluggable backend contract a
// certificate's cryptographic operations are driven through, the Go
// analogue of vism_ca's CryptoModule abstract base class.
package crypto

import "context"

// KeyConfig describes the private key to generate for a certificate.
type KeyConfig struct {
	Algorithm string // "rsa" or "ec"
	Bits      int    // key size for rsa; not used for ec
	Password  string // optional passphrase the key is encrypted under
}

// ModuleState is the per-CA bookkeeping the external tool mutates on
// every signing run: its flat certificate index plus the serial and
// CRL-number counters.
type ModuleState struct {
	Database  string
	Serial    string
	CRLNumber string
}

// Material is what a certificate issuance produces: the certificate
// itself, the serial it was issued under, and the signer's harvested
// counter state. ParentState is set only by SignCACertificate, where
// the signing CA's counters advance alongside the child's.
type Material struct {
	CertificatePEM []byte
	// Serial is the issued certificate's serial: hex, lowercase, no
	// leading zero.
	Serial      string
	State       ModuleState
	ParentState *ModuleState
}

// SignRequest carries what a parent CA needs to sign a child's CSR.
type SignRequest struct {
	ParentName        string
	ParentProfileName string
	ParentKeyPEM      []byte
	ParentCertPEM     []byte
	ParentPassword    string
	// ParentState seeds the parent's database/serial/crlnumber files in
	// the jail; zero values default to "" / "01" / "01".
	ParentState ModuleState
	CSRPEM      []byte
	Days        int
	// ExtensionsSection, when non-empty, is forwarded to the tool as
	// -extensions <name>.
	ExtensionsSection string
}

// Module is the capability set a crypto backend (e.g. crypto/openssl)
// must implement. One Module instance is scoped to a single
// certificate operation and must be Cleanup'd on every exit path.
type Module interface {
	// LoadConfig prepares the backend for the named certificate and
	// profile and renders the tool configuration into the jail.
	LoadConfig(ctx context.Context, certName, profileName string) error

	// CreateEnvironment stages the backend binary and the CA
	// bookkeeping files into the certificate's jail.
	CreateEnvironment(ctx context.Context) error

	// GeneratePrivateKey returns (private PEM, public PEM).
	GeneratePrivateKey(ctx context.Context, cfg KeyConfig) ([]byte, []byte, error)

	// GenerateCSR produces a CSR for key; the subject DN comes from the
	// rendered tool configuration.
	GenerateCSR(ctx context.Context, key []byte, password string) ([]byte, error)

	// GenerateCACertificate self-signs this certificate's own CSR.
	GenerateCACertificate(ctx context.Context, key, csr []byte, days int, password string) (*Material, error)

	// SignCACertificate signs this certificate's CSR with the parent CA
	// described by req, harvesting updated counters for both sides.
	SignCACertificate(ctx context.Context, req SignRequest) (*Material, error)

	// GenerateCRL mints a CRL signed by this certificate's key and
	// returns it with the harvested crlnumber counter.
	GenerateCRL(ctx context.Context, key, crt []byte, password string) ([]byte, string, error)

	// Cleanup tears down the jail. full=false removes only the per-run
	// scratch area; full=true removes the entire jail tree.
	Cleanup(full bool) error
}
