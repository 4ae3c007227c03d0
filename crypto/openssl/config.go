// Package openssl is the default crypto.Module backend: it drives the
// system openssl binary inside a jail, the Go analogue of
// modules/openssl/openssl.py and modules/openssl/config.py.
package openssl

import (
	"github.com/ssaarts/vism/ca/caerrors"
)

// Profile is one named x509 profile vism can issue certificates
// under, mirroring modules/openssl/config.py's CAProfile dataclass.
type Profile struct {
	Name                          string            `yaml:"name"`
	CertExtensions                map[string]string `yaml:"cert_extensions"`
	CRLExtensions                 map[string]string `yaml:"crl_extensions"`
	CRLDistributionPoints         []string          `yaml:"crl_distribution_points"`
	AuthorityInfoAccessExtensions []string          `yaml:"authority_info_access_extensions"`
	DistinguishedNameExtensions   map[string]string `yaml:"distinguished_name_extensions"`
	MatchPolicies                 []string          `yaml:"match_policies"`
	DefaultCA                     bool              `yaml:"default_ca"`
	Days                          int               `yaml:"days"`
	ConfigTemplate                string            `yaml:"config_template"`
	// ExtensionsSection names the openssl.cnf section CertExtensions is
	// rendered under; when set, it is forwarded to `openssl ca` as
	// `-extensions <name>`.
	ExtensionsSection string `yaml:"extensions_section"`
}

// KeyConfig is the backend-wide default key shape, mirroring
// OpenSSLKeyConfig.
type KeyConfig struct {
	Algorithm string `yaml:"algorithm"`
	Bits      int    `yaml:"bits"`
	Password  string `yaml:"password"`
}

// Config is the backend-wide configuration, mirroring OpenSSLConfig.
type Config struct {
	UID                   int       `yaml:"uid"`
	GID                   int       `yaml:"gid"`
	Bin                   string    `yaml:"bin"`
	DefaultConfigTemplate string    `yaml:"default_config_template"`
	Profiles              []Profile `yaml:"ca_profiles"`
	Key                   KeyConfig `yaml:"key"`
}

// GetProfileByName finds the single profile with the given name,
// mirroring OpenSSLConfig.get_profile_by_name's
// ProfileNotFound/MultipleProfilesFound behavior.
func (c *Config) GetProfileByName(name string) (*Profile, error) {
	var found *Profile
	for i := range c.Profiles {
		if c.Profiles[i].Name == name {
			if found != nil {
				return nil, caerrors.MultipleProfilesFoundError("multiple profiles found named %q", name)
			}
			p := c.Profiles[i]
			found = &p
		}
	}
	if found == nil {
		return nil, caerrors.ProfileNotFoundError("no profile found named %q", name)
	}
	return found, nil
}
