package openssl

import (
	"bytes"
	"context"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"path"
	"strings"

	"github.com/ssaarts/vism/ca/caerrors"
	"github.com/ssaarts/vism/crypto"
	"github.com/ssaarts/vism/jail"
	"github.com/ssaarts/vism/log"
)

// Backend drives the system openssl binary inside a jail, implementing
// crypto.Module. One Backend is scoped to a single certificate
// operation, mirroring the original CryptoModule instance lifecycle.
type Backend struct {
	cfg     *Config
	jail    *jail.Jail
	log     log.Logger
	name    string
	profile *Profile
}

var _ crypto.Module = (*Backend)(nil)

// NewBackend constructs a Backend rooted at j and configured by cfg.
func NewBackend(j *jail.Jail, cfg *Config, logger log.Logger) *Backend {
	if logger == nil {
		logger = log.Nop
	}
	return &Backend{cfg: cfg, jail: j, log: logger}
}

// certDir is the per-certificate working directory inside the jail,
// as seen from inside the chroot.
func certDir(name string) string { return "/tmp/" + name }

func confPath(name string) string   { return path.Join(certDir(name), name+".conf") }
func keyPath(name string) string    { return path.Join(certDir(name), name+".key") }
func csrPath(name string) string    { return path.Join(certDir(name), name+".csr") }
func crtPath(name string) string    { return path.Join(certDir(name), name+".crt") }
func dbPath(name string) string     { return path.Join(certDir(name), name+".db") }
func serialPath(name string) string { return path.Join(certDir(name), name+".serial") }
func crlnumPath(name string) string { return path.Join(certDir(name), name+".crlnumber") }

// LoadConfig resolves the named profile and renders the per-certificate
// openssl.cnf into the jail, mirroring
// CryptoModule.load_config + _write_openssl_config.
func (b *Backend) LoadConfig(ctx context.Context, certName, profileName string) error {
	b.name = certName
	profile, err := b.cfg.GetProfileByName(profileName)
	if err != nil {
		return err
	}
	b.profile = profile

	if err := b.jail.CreateRoot(); err != nil {
		return err
	}
	return b.renderConfig(certName, profile)
}

func (b *Backend) renderConfig(certName string, profile *Profile) error {
	data := templateData{
		Name:                  certName,
		Dir:                   certDir(certName),
		KeyBits:               b.cfg.Key.Bits,
		Days:                  profile.Days,
		CertExtensions:        profile.CertExtensions,
		CRLExtensions:         profile.CRLExtensions,
		CRLDistributionPoints: profile.CRLDistributionPoints,
		DNExtensions:          profile.DistinguishedNameExtensions,
		MatchPolicies:         profile.MatchPolicies,
		ExtensionsSection:     profile.ExtensionsSection,
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return fmt.Errorf("rendering openssl config for %q: %w", certName, err)
	}
	return b.jail.WriteFile(confPath(certName), buf.Bytes(), 0o600)
}

// CreateEnvironment stages the openssl binary and the CA bookkeeping
// files (database/serial/crlnumber, defaulted exactly as the original's
// _create_ca_environment does: "" / "01" / "01") into the jail.
func (b *Backend) CreateEnvironment(ctx context.Context) error {
	if err := b.jail.CopyFile(b.cfg.Bin, "openssl"); err != nil {
		return fmt.Errorf("staging openssl binary: %w", err)
	}
	return b.stageState(b.name, crypto.ModuleState{})
}

// stageState materializes a CA's database/serial/crlnumber files,
// falling back to the empty-index defaults for zero values.
func (b *Backend) stageState(name string, state crypto.ModuleState) error {
	if state.Serial == "" {
		state.Serial = "01"
	}
	if state.CRLNumber == "" {
		state.CRLNumber = "01"
	}
	if err := b.jail.CreateFolder(certDir(name)); err != nil {
		return fmt.Errorf("creating jail working dir for %q: %w", name, err)
	}
	if err := b.jail.WriteFile(dbPath(name), []byte(state.Database), 0o600); err != nil {
		return err
	}
	// openssl ca also wants the index attribute file to exist.
	if err := b.jail.WriteFile(dbPath(name)+".attr", []byte("unique_subject = no\n"), 0o600); err != nil {
		return err
	}
	if err := b.jail.WriteFile(serialPath(name), []byte(state.Serial+"\n"), 0o600); err != nil {
		return err
	}
	return b.jail.WriteFile(crlnumPath(name), []byte(state.CRLNumber+"\n"), 0o600)
}

// harvestState reads a CA's counter files back out of the jail after a
// successful tool invocation.
func (b *Backend) harvestState(name string) (crypto.ModuleState, error) {
	db, err := b.jail.ReadFile(dbPath(name))
	if err != nil {
		return crypto.ModuleState{}, fmt.Errorf("harvesting database for %q: %w", name, err)
	}
	serial, err := b.jail.ReadFile(serialPath(name))
	if err != nil {
		return crypto.ModuleState{}, fmt.Errorf("harvesting serial for %q: %w", name, err)
	}
	crlnum, err := b.jail.ReadFile(crlnumPath(name))
	if err != nil {
		return crypto.ModuleState{}, fmt.Errorf("harvesting crlnumber for %q: %w", name, err)
	}
	return crypto.ModuleState{
		Database:  string(db),
		Serial:    strings.TrimSpace(string(serial)),
		CRLNumber: strings.TrimSpace(string(crlnum)),
	}, nil
}

func (b *Backend) run(ctx context.Context, argv []string) (*jail.Result, error) {
	b.log.Debug("running jailed command", "cmd", log.Redact(strings.Join(argv, " ")))
	return b.jail.Run(ctx, append([]string{"/openssl"}, argv...), nil)
}

// GeneratePrivateKey runs `openssl genpkey` and derives the public key
// from the produced private PEM, mirroring
// OpenSSLBackend.generate_private_key.
func (b *Backend) GeneratePrivateKey(ctx context.Context, cfg crypto.KeyConfig) ([]byte, []byte, error) {
	algorithm := cfg.Algorithm
	if algorithm == "" {
		algorithm = b.cfg.Key.Algorithm
	}
	bits := cfg.Bits
	if bits == 0 {
		bits = b.cfg.Key.Bits
	}

	argv := []string{"genpkey", "-config", confPath(b.name), "-algorithm", strings.ToUpper(algorithm)}
	if strings.EqualFold(algorithm, "rsa") && bits > 0 {
		argv = append(argv, "-pkeyopt", fmt.Sprintf("rsa_keygen_bits:%d", bits))
	}
	if cfg.Password != "" {
		argv = append(argv, "-aes-256-cbc", "-pass", "pass:"+cfg.Password)
	}
	res, err := b.run(ctx, argv)
	if err != nil {
		return nil, nil, caerrors.GenPrivateKeyError("%v", err)
	}
	key := []byte(res.Stdout)
	if err := b.jail.WriteFile(keyPath(b.name), key, 0o600); err != nil {
		return nil, nil, err
	}

	pubArgv := []string{"pkey", "-in", keyPath(b.name), "-pubout"}
	if cfg.Password != "" {
		pubArgv = append(pubArgv, "-passin", "pass:"+cfg.Password)
	}
	pubRes, err := b.run(ctx, pubArgv)
	if err != nil {
		return nil, nil, caerrors.GenPrivateKeyError("loading generated key: %v", err)
	}
	return key, []byte(pubRes.Stdout), nil
}

// GenerateCSR runs `openssl req -batch -new`, mirroring
// OpenSSLBackend.generate_csr. The subject DN is taken from the
// rendered config, not argv.
func (b *Backend) GenerateCSR(ctx context.Context, key []byte, password string) ([]byte, error) {
	if err := b.stageFile(keyPath(b.name), key); err != nil {
		return nil, err
	}
	argv := []string{"req", "-batch", "-new", "-config", confPath(b.name), "-key", keyPath(b.name)}
	if password != "" {
		argv = append(argv, "-passin", "pass:"+password)
	}
	res, err := b.run(ctx, argv)
	if err != nil {
		return nil, caerrors.GenCSRError("%v", err)
	}
	csr := []byte(res.Stdout)
	if err := b.stageFile(csrPath(b.name), csr); err != nil {
		return nil, err
	}
	return csr, nil
}

// GenerateCACertificate self-signs this certificate's own CSR (the
// root-CA path: no parent means -selfsign), mirroring
// OpenSSLBackend.generate_ca_certificate.
func (b *Backend) GenerateCACertificate(ctx context.Context, key, csr []byte, days int, password string) (*crypto.Material, error) {
	if err := b.stageFile(keyPath(b.name), key); err != nil {
		return nil, err
	}
	if err := b.stageFile(csrPath(b.name), csr); err != nil {
		return nil, err
	}
	if days == 0 {
		days = b.profile.Days
	}
	argv := []string{"ca", "-batch", "-keyfile", keyPath(b.name), "-config", confPath(b.name),
		"-in", csrPath(b.name), "-days", fmt.Sprint(days), "-out", "-", "-selfsign"}
	if b.profile.ExtensionsSection != "" {
		argv = append(argv, "-extensions", b.profile.ExtensionsSection)
	}
	if password != "" {
		argv = append(argv, "-passin", "pass:"+password)
	}
	res, err := b.run(ctx, argv)
	if err != nil {
		return nil, caerrors.GenCACertificateError("%v", err)
	}
	crt := []byte(res.Stdout)
	if err := b.stageFile(crtPath(b.name), crt); err != nil {
		return nil, err
	}
	serial, err := certSerial(crt)
	if err != nil {
		return nil, caerrors.GenCACertificateError("parsing produced certificate: %v", err)
	}
	state, err := b.harvestState(b.name)
	if err != nil {
		return nil, err
	}
	return &crypto.Material{CertificatePEM: crt, Serial: serial, State: state}, nil
}

// SignCACertificate signs this certificate's CSR using the parent CA
// described by req, mirroring OpenSSLBackend.sign_ca_certificate. The
// parent's config, key, certificate and counter files are materialized
// into the jail for the run, and updated counters are harvested back
// for both parent and child.
func (b *Backend) SignCACertificate(ctx context.Context, req crypto.SignRequest) (*crypto.Material, error) {
	parentProfile, err := b.cfg.GetProfileByName(req.ParentProfileName)
	if err != nil {
		return nil, err
	}
	if err := b.stageState(req.ParentName, req.ParentState); err != nil {
		return nil, err
	}
	if err := b.renderConfig(req.ParentName, parentProfile); err != nil {
		return nil, err
	}
	if err := b.stageFile(keyPath(req.ParentName), req.ParentKeyPEM); err != nil {
		return nil, err
	}
	if err := b.stageFile(crtPath(req.ParentName), req.ParentCertPEM); err != nil {
		return nil, err
	}
	if err := b.stageFile(csrPath(b.name), req.CSRPEM); err != nil {
		return nil, err
	}

	days := req.Days
	if days == 0 {
		days = parentProfile.Days
	}
	argv := []string{"ca", "-batch", "-keyfile", keyPath(req.ParentName), "-config", confPath(req.ParentName),
		"-in", csrPath(b.name), "-days", fmt.Sprint(days), "-out", "-"}
	if req.ExtensionsSection != "" {
		argv = append(argv, "-extensions", req.ExtensionsSection)
	}
	if req.ParentPassword != "" {
		argv = append(argv, "-passin", "pass:"+req.ParentPassword)
	}
	res, err := b.run(ctx, argv)
	if err != nil {
		return nil, caerrors.GenCACertificateError("%v", err)
	}
	crt := []byte(res.Stdout)
	if err := b.stageFile(crtPath(b.name), crt); err != nil {
		return nil, err
	}
	serial, err := certSerial(crt)
	if err != nil {
		return nil, caerrors.GenCACertificateError("parsing produced certificate: %v", err)
	}
	parentState, err := b.harvestState(req.ParentName)
	if err != nil {
		return nil, err
	}
	childState, err := b.harvestState(b.name)
	if err != nil {
		return nil, err
	}
	return &crypto.Material{
		CertificatePEM: crt,
		Serial:         serial,
		State:          childState,
		ParentState:    &parentState,
	}, nil
}

// GenerateCRL mints a CRL signed by this certificate's key, mirroring
// OpenSSLBackend.generate_crl.
func (b *Backend) GenerateCRL(ctx context.Context, key, crt []byte, password string) ([]byte, string, error) {
	if err := b.stageFile(keyPath(b.name), key); err != nil {
		return nil, "", err
	}
	if err := b.stageFile(crtPath(b.name), crt); err != nil {
		return nil, "", err
	}
	argv := []string{"ca", "-batch", "-keyfile", keyPath(b.name), "-config", confPath(b.name),
		"-gencrl", "-out", "-"}
	if password != "" {
		argv = append(argv, "-passin", "pass:"+password)
	}
	res, err := b.run(ctx, argv)
	if err != nil {
		return nil, "", caerrors.GenCRLError("%v", err)
	}
	crlnum, err := b.jail.ReadFile(crlnumPath(b.name))
	if err != nil {
		return nil, "", caerrors.GenCRLError("harvesting crlnumber: %v", err)
	}
	return []byte(res.Stdout), strings.TrimSpace(string(crlnum)), nil
}

// Cleanup tears down the jail, matching cleanup(full=False/True)'s
// two-tier contract: the scratch /tmp only, or the whole tree.
func (b *Backend) Cleanup(full bool) error {
	err := b.jail.Cleanup(full)
	if full {
		b.name = ""
		b.profile = nil
	}
	return err
}

// stageFile writes a file that may already be present from an earlier
// step of the same operation.
func (b *Backend) stageFile(name string, data []byte) error {
	err := b.jail.WriteFile(name, data, 0o600)
	if err != nil && caerrors.Is(err, caerrors.ChrootWriteFileExists) {
		return nil
	}
	return err
}

// certSerial parses the serial out of a produced certificate PEM as
// lowercase hex with no leading zero, the ledger's canonical form.
func certSerial(crtPEM []byte) (string, error) {
	block, _ := pem.Decode(crtPEM)
	if block == nil {
		return "", fmt.Errorf("no PEM block in certificate output")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return "", err
	}
	return cert.SerialNumber.Text(16), nil
}
