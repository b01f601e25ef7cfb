// Package resolver answers DNS A queries by cascading through the self
// registry, the peer list, and finally the upstream resolver, synthesizing
// an A record from the winning registry's hostname (spec §4.7).
package resolver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/miekg/dns"

	"github.com/federator/federator/internal/registry"
)

// HostResolver resolves a DNS name to its first IPv4 address. This is the
// function-typed dependency spec §9 calls out to break the cycle between
// registry A-record synthesis and the DNS module that owns upstream
// resolution: the resolver owns it and calls it on a registry's hostname at
// the point of synthesis; the registry package never references it.
type HostResolver func(ctx context.Context, name string) (net.IP, error)

// NewHostResolver returns the default HostResolver, backed by the Go
// runtime's resolver (spec's "upstream OS resolver" collaborator).
func NewHostResolver() HostResolver {
	return func(ctx context.Context, name string) (net.IP, error) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()

		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("resolving %q: %w", name, err)
		}
		for _, addr := range addrs {
			if ip4 := addr.IP.To4(); ip4 != nil {
				return ip4, nil
			}
		}
		return nil, fmt.Errorf("no IPv4 address found for %q", name)
	}
}

// Resolver implements dns.Handler, cascading self -> peers -> upstream for
// every A query (spec §4.7).
type Resolver struct {
	store    *registry.Store
	upstream HostResolver
	log      *slog.Logger
}

// New constructs a Resolver around a shared store.
func New(store *registry.Store, upstream HostResolver, log *slog.Logger) *Resolver {
	return &Resolver{store: store, upstream: upstream, log: log}
}

// ServeDNS implements dns.Handler.
func (r *Resolver) ServeDNS(w dns.ResponseWriter, req *dns.Msg) {
	resp := new(dns.Msg)
	resp.SetReply(req)
	resp.Authoritative = true
	resp.RecursionAvailable = true

	if len(req.Question) == 0 {
		resp.Rcode = dns.RcodeFormatError
		r.send(w, resp)
		return
	}
	q := req.Question[0]

	if q.Qtype != dns.TypeA || q.Qclass != dns.ClassINET {
		resp.Rcode = dns.RcodeNameError
		r.send(w, resp)
		return
	}

	ctx := context.Background()
	service := serviceKey(q.Name)
	r.log.Debug("received DNS query", "name", q.Name, "service", service)

	ip, hostname, ok := r.cascade(ctx, service, q.Name)
	if !ok {
		r.log.Info("no A record found", "name", q.Name)
		resp.Rcode = dns.RcodeNameError
		r.send(w, resp)
		return
	}

	rr := &dns.A{
		Hdr: dns.RR_Header{Name: q.Name, Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 0},
		A:   ip,
	}
	resp.Answer = append(resp.Answer, rr)
	r.log.Info("resolved A record", "name", q.Name, "via", hostname, "ip", ip.String())
	r.send(w, resp)
}

// cascade implements spec §4.7 step 2: self -> peers -> upstream. If self
// matches but its hostname fails to resolve, the peers are still searched.
// Only the first peer advertising the service is tried; if its hostname
// fails to resolve, no further peers are searched. In every case where no
// registry yields an address, the original query name is passed to
// upstream (spec §9 open question: this follows the source).
func (r *Resolver) cascade(ctx context.Context, service, originalName string) (net.IP, string, bool) {
	self := r.store.Self()
	if self.HasPublic(service) || self.HasPrivate(service) {
		if ip, ok := r.synthesize(ctx, self.Hostname()); ok {
			return ip, self.Hostname(), true
		}
	}

	for _, peer := range r.store.Peers() {
		if peer.HasPublic(service) {
			if ip, ok := r.synthesize(ctx, peer.Hostname()); ok {
				return ip, peer.Hostname(), true
			}
			break
		}
	}

	if ip, err := r.upstream(ctx, originalName); err == nil {
		return ip, originalName, true
	}

	return nil, "", false
}

// synthesize resolves a registry's hostname to its first IPv4 (spec
// §4.7 "Record synthesis").
func (r *Resolver) synthesize(ctx context.Context, hostname string) (net.IP, bool) {
	ip, err := r.upstream(ctx, hostname)
	if err != nil {
		r.log.Warn("failed to synthesize A record for registry hostname", "hostname", hostname, "error", err)
		return nil, false
	}
	return ip, true
}

func (r *Resolver) send(w dns.ResponseWriter, resp *dns.Msg) {
	if err := w.WriteMsg(resp); err != nil {
		r.log.Error("failed to send DNS response", "error", err)
		fail := new(dns.Msg)
		fail.SetRcode(resp, dns.RcodeServerFailure)
		_ = w.WriteMsg(fail)
	}
}

// serviceKey extracts the service name from a query name per spec §4.7
// step 1: strip the trailing ".", then strip at most one trailing
// ".public" or ".private" suffix.
func serviceKey(name string) string {
	name = strings.TrimSuffix(name, ".")
	if s, ok := strings.CutSuffix(name, ".public"); ok {
		return s
	}
	if s, ok := strings.CutSuffix(name, ".private"); ok {
		return s
	}
	return name
}
