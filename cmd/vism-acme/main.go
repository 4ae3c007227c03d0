// Command vism-acme runs the ACME web front end: it wires the
// database-backed store, the nonce manager, the HTTP-01 validator and
// the gorilla/mux-routed handlers, then serves until killed, mirroring
// original_source/vism_acme/__main__.py's uvicorn.run entry point.
package main

import (
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ssaarts/vism/config"
	"github.com/ssaarts/vism/db"
	"github.com/ssaarts/vism/dnsresolve"
	"github.com/ssaarts/vism/log"
	"github.com/ssaarts/vism/metrics"
	"github.com/ssaarts/vism/metrics/measured_http"
	"github.com/ssaarts/vism/nonce"
	"github.com/ssaarts/vism/sa"
	"github.com/ssaarts/vism/va"
	"github.com/ssaarts/vism/wfe"
)

func main() {
	configPath := flag.String("config", "vism-acme.yaml", "path to the ACME server configuration file")
	flag.Parse()

	logger := log.New(os.Stderr, "vism-acme")

	cfg, err := config.LoadAcmeConfig(*configPath)
	failOnError(logger, err, "loading configuration")

	handle, err := db.NewHandle(cfg.Database.Driver, cfg.Database.DSN)
	failOnError(logger, err, "connecting to database")
	store := sa.New(handle)

	nonces := nonce.New(cfg.NonceTTL(), cfg.NonceCap())

	stats := metrics.NewPromScope(prometheus.DefaultRegisterer, "vism_acme")
	validator := va.New(va.Config{
		Port:              cfg.Http01.Port,
		FollowRedirect:    cfg.Http01.FollowsRedirects(),
		TimeoutSeconds:    cfg.Http01.TimeoutSeconds,
		Retries:           cfg.Http01.Retries,
		RetryDelaySeconds: cfg.Http01.RetryDelaySeconds,
	}, store, logger, stats)

	resolver := dnsresolve.New(5*time.Second, []string{"8.8.8.8:53", "1.1.1.1:53"})

	baseURL := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	front := wfe.New(store, nonces, validator, resolver, baseURL, logger)

	defaultProfile, err := cfg.DefaultProfile()
	failOnError(logger, err, "resolving default profile")
	front.DefaultProfile = defaultProfile.Name
	for i := range cfg.Profiles {
		p := &cfg.Profiles[i]
		if !p.IsEnabled() {
			continue
		}
		front.Profiles[p.Name] = wfe.NewProfileACL(
			domainClients(p.PreValidated), domainClients(p.ACL),
			p.SupportedChallengeTypes, net.LookupAddr)
	}

	topMux := http.NewServeMux()
	topMux.Handle("/metrics", promhttp.Handler())
	topMux.Handle("/", measured_http.New(front.Handler(), clock.Default()))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{Addr: addr, Handler: topMux}

	go func() {
		logger.Info("listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			failOnError(logger, err, "serving ACME API")
		}
	}()

	waitForShutdown(logger)
}

// domainClients converts the YAML entries into wfe's form.
func domainClients(entries []config.DomainClients) []wfe.DomainClients {
	out := make([]wfe.DomainClients, 0, len(entries))
	for _, e := range entries {
		out = append(out, wfe.DomainClients{Domain: e.Domain, Clients: e.Clients})
	}
	return out
}

func waitForShutdown(logger log.Logger) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigChan
	logger.Info("caught signal, exiting", "signal", sig.String())
}

func failOnError(logger log.Logger, err error, msg string) {
	if err == nil {
		return
	}
	logger.Err(msg, "error", err.Error())
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}
