// Command resolverd is the federated service-discovery DNS resolver: it
// harvests service identities from Docker container labels, exchanges
// service sets with peer nodes over HTTP, and answers DNS A queries for
// <svc>.public / <svc>.private names (spec.md §1).
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/miekg/dns"

	"github.com/federator/federator/internal/api"
	"github.com/federator/federator/internal/config"
	"github.com/federator/federator/internal/harvest"
	"github.com/federator/federator/internal/peer"
	"github.com/federator/federator/internal/registry"
	"github.com/federator/federator/internal/resolver"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stdout, nil)).Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	log.Info("config loaded",
		"dns_listen", cfg.DNSListen,
		"registry_listen", cfg.RegistryListen,
		"self_hostname", cfg.SelfHostname,
		"registry_urls", cfg.RegistryURLs,
	)

	// --- Registry store ---
	selfURL := fmt.Sprintf("http://%s", cfg.RegistryListen)
	self, err := registry.New(cfg.SelfHostname, selfURL)
	if err != nil {
		log.Error("failed to construct self registry", "error", err)
		os.Exit(1)
	}
	store := registry.NewStore(self)
	for _, u := range cfg.RegistryURLs {
		p, err := registry.Parse(u)
		if err != nil {
			log.Error("failed to parse peer registry url", "url", u, "error", err)
			os.Exit(1)
		}
		store.AddPeer(p)
	}

	// --- Peer exchange ---
	exchanger := peer.New(store, log.With("component", "peer"))

	// --- Docker harvester ---
	dockerClient, err := harvest.NewDockerClient()
	if err != nil {
		log.Error("failed to connect to Docker daemon", "error", err)
		os.Exit(1)
	}
	harvester := harvest.New(dockerClient, store, exchanger.Dispatch, log.With("component", "harvest"))

	// --- DNS resolver ---
	dnsResolver := resolver.New(store, resolver.NewHostResolver(), log.With("component", "resolver"))
	dnsServer := &dns.Server{Addr: cfg.DNSListen, Net: "udp", Handler: dnsResolver}

	// --- HTTP registry API ---
	apiServer := api.New(store, log.With("component", "api"))
	httpServer := &http.Server{Addr: cfg.RegistryListen, Handler: apiServer}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// Collect from peers before harvesting; the harvester's own initial
	// harvestOnce runs the first Dispatch once self's services are known, so
	// no push here ever carries an empty, not-yet-harvested service set
	// (spec §4.4/§4.5).
	exchanger.Collect(ctx)

	errCh := make(chan error, 2)

	// The harvester's own errors are never forwarded to errCh: a mid-life
	// Docker event-stream failure must not take down the DNS or HTTP
	// servers (spec §7). Run logs such failures itself and returns nil;
	// only ctx cancellation reaches here in the ordinary case.
	go guarded(log, "harvest", func() {
		if err := harvester.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("harvester exited", "error", err)
		}
	})

	go guarded(log, "dns", func() {
		log.Info("DNS server listening", "addr", cfg.DNSListen)
		if err := dnsServer.ListenAndServe(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("dns server: %w", err)
		}
	})

	go guarded(log, "api", func() {
		log.Info("HTTP registry API listening", "addr", cfg.RegistryListen)
		if err := httpServer.ListenAndServe(); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("http api: %w", err)
		}
	})

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err := <-errCh:
		log.Error("component failed", "error", err)
	}

	_ = dnsServer.Shutdown()
	_ = httpServer.Shutdown(context.Background())
}

// guarded runs fn with a process-wide panic recovery: a panic in one
// long-lived task is logged with its component and stack, and the task
// dies, but the process is not killed (spec §7).
func guarded(log *slog.Logger, component string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("recovered from panic",
				"component", component,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	fn()
}
