// Package config loads the YAML configuration for both the CA core
// and the ACME server, mirroring original_source/vism_ca/config.py
// and vism_acme/config.py.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ssaarts/vism/ca/caerrors"
	"github.com/ssaarts/vism/crypto/openssl"
)

// Database holds SQL connection settings, shared by both planes.
type Database struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// DataEncryption configures at-rest private key encryption.
type DataEncryption struct {
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
}

// Security holds the at-rest data-encryption settings.
type Security struct {
	DataEncryption DataEncryption `yaml:"data_encryption"`
}

// Logging configures the structured logger.
type Logging struct {
	Level string `yaml:"level"`
}

// CertificateConfig is one entry in x509_certificates: a named
// certificate, its profile, optional parent, backend module name,
// optional validity override and, for an externally managed
// certificate, its PEM material.
type CertificateConfig struct {
	Name              string `yaml:"name"`
	Profile           string `yaml:"profile"`
	SignedBy          string `yaml:"signed_by"`
	ExternallyManaged bool   `yaml:"externally_managed"`
	Module            string `yaml:"module"`
	// Days overrides the profile's default validity when non-zero.
	Days int `yaml:"days"`
	// CertificatePEM/CRLPEM seed an externally managed certificate.
	CertificatePEM string `yaml:"certificate_pem"`
	CRLPEM         string `yaml:"crl_pem"`
}

// CAConfig is the top-level vism_ca configuration document.
type CAConfig struct {
	Database         Database            `yaml:"database"`
	Logging          Logging             `yaml:"logging"`
	Security         Security            `yaml:"security"`
	ChrootBaseDir    string              `yaml:"chroot_base_dir"`
	X509Certificates []CertificateConfig `yaml:"x509_certificates"`
	OpenSSL          openssl.Config      `yaml:"openssl"`
}

// GetCertificateConfigByName finds the single x509_certificates entry
// named name, mirroring vism_ca/__init__.py's _get_certificate_config:
// both an absent name and a duplicated one are configuration errors.
func (c *CAConfig) GetCertificateConfigByName(name string) (*CertificateConfig, error) {
	var found *CertificateConfig
	for i := range c.X509Certificates {
		if c.X509Certificates[i].Name == name {
			if found != nil {
				return nil, caerrors.CertConfigNotFoundError("multiple certificate configs found named %q", name)
			}
			found = &c.X509Certificates[i]
		}
	}
	if found == nil {
		return nil, caerrors.CertConfigNotFoundError("no certificate config found named %q", name)
	}
	return found, nil
}

// LoadCAConfig reads and parses a CAConfig from path.
func LoadCAConfig(path string) (*CAConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading CA config: %w", err)
	}
	var cfg CAConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing CA config: %w", err)
	}
	return &cfg, nil
}

// Server is the ACME API's bind address, supplemented from
// original_source's vism_acme/config.py API dataclass (not listed in
// the distilled spec's table, but needed to run an HTTP server and
// excluded by no Non-goal).
type Server struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Http01 configures the HTTP-01 validator's HTTP client.
type Http01 struct {
	Port              int     `yaml:"port"`
	FollowRedirect    *bool   `yaml:"follow_redirect"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	Retries           int     `yaml:"retries"`
	RetryDelaySeconds float64 `yaml:"retry_delay_seconds"`
}

// FollowsRedirects treats an absent follow_redirect key as true, the
// validator's default behavior.
func (h *Http01) FollowsRedirects() bool {
	return h.FollowRedirect == nil || *h.FollowRedirect
}

// DomainClients is one pre_validated or acl entry: a domain plus the
// clients (IPs, CIDRs, hostnames, or "*") allowed to order for it,
// mirroring vism_acme/config.py's DomainValidation dataclass.
type DomainClients struct {
	Domain  string   `yaml:"domain"`
	Clients []string `yaml:"clients"`
}

// AcmeProfile is a named ACME issuance profile.
type AcmeProfile struct {
	Name                    string            `yaml:"name"`
	CA                      string            `yaml:"ca"`
	ModuleArgs              map[string]string `yaml:"module_args"`
	Enabled                 *bool             `yaml:"enabled"`
	Default                 bool              `yaml:"default"`
	SupportedChallengeTypes []string          `yaml:"supported_challenge_types"`
	PreValidated            []DomainClients   `yaml:"pre_validated"`
	ACL                     []DomainClients   `yaml:"acl"`
}

// IsEnabled treats an absent enabled key as true.
func (p *AcmeProfile) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// AcmeConfig is the top-level vism_acme configuration document.
type AcmeConfig struct {
	Database        Database      `yaml:"database"`
	Logging         Logging       `yaml:"logging"`
	Server          Server        `yaml:"server"`
	Http01          Http01        `yaml:"http01"`
	Profiles        []AcmeProfile `yaml:"profiles"`
	NonceTTLSeconds int           `yaml:"nonce_ttl_seconds"`
	NonceCapacity   int           `yaml:"nonce_capacity"`
}

// LoadAcmeConfig reads and parses an AcmeConfig from path.
func LoadAcmeConfig(path string) (*AcmeConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading ACME config: %w", err)
	}
	var cfg AcmeConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing ACME config: %w", err)
	}
	return &cfg, nil
}

// NonceTTL returns the configured nonce lifetime, defaulting to the
// protocol's 300-second window.
func (c *AcmeConfig) NonceTTL() time.Duration {
	if c.NonceTTLSeconds <= 0 {
		return 300 * time.Second
	}
	return time.Duration(c.NonceTTLSeconds) * time.Second
}

// NonceCap returns the nonce cache bound, defaulting to 10000 entries.
func (c *AcmeConfig) NonceCap() int {
	if c.NonceCapacity <= 0 {
		return 10000
	}
	return c.NonceCapacity
}

// GetProfileByName finds exactly one enabled profile by name,
// mirroring AcmeConfig.get_profile_by_name's invalidProfile behavior.
func (c *AcmeConfig) GetProfileByName(name string) (*AcmeProfile, error) {
	var found *AcmeProfile
	for i := range c.Profiles {
		p := &c.Profiles[i]
		if p.Name == name {
			if !p.IsEnabled() {
				return nil, caerrors.ProfileNotFoundError("profile %q is disabled", name)
			}
			if found != nil {
				return nil, caerrors.MultipleProfilesFoundError("multiple profiles found named %q", name)
			}
			found = p
		}
	}
	if found == nil {
		return nil, caerrors.ProfileNotFoundError("no profile found named %q", name)
	}
	return found, nil
}

// DefaultProfile returns the single profile marked default, mirroring
// AcmeConfig's "exactly one default profile" validation.
func (c *AcmeConfig) DefaultProfile() (*AcmeProfile, error) {
	var found *AcmeProfile
	for i := range c.Profiles {
		if c.Profiles[i].Default {
			if found != nil {
				return nil, fmt.Errorf("more than one default profile configured")
			}
			found = &c.Profiles[i]
		}
	}
	if found == nil {
		return nil, fmt.Errorf("no default profile configured")
	}
	return found, nil
}
