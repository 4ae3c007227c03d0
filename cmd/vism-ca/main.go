// Command vism-ca runs the CA core: it reads a certificate
// configuration, creates any certificate not yet in the ledger, and
// exits. It has no long-running server component, mirroring
// original_source/vism_ca/__main__.py's batch run-once model.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/go-sql-driver/mysql"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/ssaarts/vism/ca"
	"github.com/ssaarts/vism/config"
	"github.com/ssaarts/vism/crypto"
	"github.com/ssaarts/vism/crypto/openssl"
	"github.com/ssaarts/vism/db"
	"github.com/ssaarts/vism/jail"
	"github.com/ssaarts/vism/log"
	"github.com/ssaarts/vism/metrics"
)

func main() {
	configPath := flag.String("config", "vism-ca.yaml", "path to the CA configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "vism-ca")

	cfg, err := config.LoadCAConfig(*configPath)
	failOnError(logger, err, "loading configuration")

	handle, err := db.NewHandle(cfg.Database.Driver, cfg.Database.DSN)
	failOnError(logger, err, "connecting to database")

	ledger := ca.NewLedger(handle)

	var cipher ca.Cipher
	if cfg.Security.DataEncryption.Enabled {
		c, err := ca.NewAESCipherFromPassword(cfg.Security.DataEncryption.Key)
		failOnError(logger, err, "configuring data encryption")
		cipher = c
	}

	factory := func(certName string) (crypto.Module, error) {
		root := filepath.Join(cfg.ChrootBaseDir, certName)
		j := jail.New(root)
		return openssl.NewBackend(j, &cfg.OpenSSL, logger), nil
	}
	keyCfg := crypto.KeyConfig{
		Algorithm: cfg.OpenSSL.Key.Algorithm,
		Bits:      cfg.OpenSSL.Key.Bits,
		Password:  cfg.OpenSSL.Key.Password,
	}
	stats := metrics.NewPromScope(prometheus.DefaultRegisterer, "vism_ca")
	service := ca.NewService(ledger, factory, keyCfg, cipher, logger, stats)

	ctx := context.Background()
	for _, certCfg := range cfg.X509Certificates {
		spec, external, err := resolveSpec(cfg, certCfg.Name)
		failOnError(logger, err, fmt.Sprintf("resolving certificate config %q", certCfg.Name))
		if _, err := service.Create(ctx, spec, external); err != nil {
			failOnError(logger, err, fmt.Sprintf("creating certificate %q", certCfg.Name))
		}
		logger.Info("certificate ready", "name", certCfg.Name)
	}
}

// resolveSpec resolves name to its single x509_certificates entry
// (absent or duplicated names are CertConfigNotFound) and turns it
// into a CertSpec, filling the validity from the per-certificate
// override or the profile default, and resolving the parent's config
// for chained signing.
func resolveSpec(cfg *config.CAConfig, name string) (ca.CertSpec, *ca.ExternalMaterial, error) {
	certCfg, err := cfg.GetCertificateConfigByName(name)
	if err != nil {
		return ca.CertSpec{}, nil, err
	}
	days := certCfg.Days
	if days == 0 {
		if profile, err := cfg.OpenSSL.GetProfileByName(certCfg.Profile); err == nil {
			days = profile.Days
		}
	}
	spec := ca.CertSpec{
		Name:              certCfg.Name,
		ProfileName:       certCfg.Profile,
		SignedBy:          certCfg.SignedBy,
		ExternallyManaged: certCfg.ExternallyManaged,
		Days:              days,
	}
	if certCfg.SignedBy != "" {
		parent, err := cfg.GetCertificateConfigByName(certCfg.SignedBy)
		if err != nil {
			return ca.CertSpec{}, nil, err
		}
		spec.SignedByProfile = parent.Profile
	}
	var external *ca.ExternalMaterial
	if certCfg.ExternallyManaged {
		external = &ca.ExternalMaterial{
			CertificatePEM: []byte(certCfg.CertificatePEM),
			CRLPEM:         []byte(certCfg.CRLPEM),
		}
	}
	return spec, external, nil
}

func failOnError(logger log.Logger, err error, msg string) {
	if err == nil {
		return
	}
	logger.Err(msg, "error", err.Error())
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
