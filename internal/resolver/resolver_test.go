package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"testing"

	"github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/federator/federator/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeWriter captures the *dns.Msg passed to WriteMsg without touching the
// network, so ServeDNS can be exercised directly.
type fakeWriter struct {
	msg *dns.Msg
}

func (f *fakeWriter) WriteMsg(m *dns.Msg) error { f.msg = m; return nil }
func (f *fakeWriter) Write([]byte) (int, error) { return 0, nil }
func (f *fakeWriter) Close() error              { return nil }
func (f *fakeWriter) TsigStatus() error         { return nil }
func (f *fakeWriter) TsigTimersOnly(bool)       {}
func (f *fakeWriter) Hijack()                   {}
func (f *fakeWriter) LocalAddr() net.Addr       { return &net.UDPAddr{} }
func (f *fakeWriter) RemoteAddr() net.Addr      { return &net.UDPAddr{} }

// stubResolver maps hostnames to IPs, failing lookups it wasn't told about.
func stubResolver(known map[string]net.IP) HostResolver {
	return func(ctx context.Context, name string) (net.IP, error) {
		if ip, ok := known[name]; ok {
			return ip, nil
		}
		return nil, fmt.Errorf("no stub entry for %q", name)
	}
}

func newTestStore(t *testing.T) *registry.Store {
	t.Helper()
	self, err := registry.New("alpha", "http://alpha:3000")
	require.NoError(t, err)
	return registry.NewStore(self)
}

func query(name string) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn(name), dns.TypeA)
	return m
}

// TestCascadePrefersSelfOverPeers covers invariant I4: a service present in
// self's registry resolves to self's hostname even if a peer also
// advertises it.
func TestCascadePrefersSelfOverPeers(t *testing.T) {
	store := newTestStore(t)
	store.Self().AddPublic("billing")

	beta, err := registry.New("beta", "http://beta:3000")
	require.NoError(t, err)
	beta.AddPublic("billing")
	store.AddPeer(beta)

	upstream := stubResolver(map[string]net.IP{
		"alpha": net.ParseIP("10.0.0.1"),
		"beta":  net.ParseIP("10.0.0.2"),
	})
	r := New(store, upstream, testLogger())

	w := &fakeWriter{}
	r.ServeDNS(w, query("billing.public"))

	require.Len(t, w.msg.Answer, 1)
	a := w.msg.Answer[0].(*dns.A)
	assert.Equal(t, net.ParseIP("10.0.0.1").To4(), a.A)
}

// TestCascadeFallsThroughToPeer covers spec scenario 2: a service not in
// self's registry but present on a peer resolves to that peer.
func TestCascadeFallsThroughToPeer(t *testing.T) {
	store := newTestStore(t)

	beta, err := registry.New("beta", "http://beta:3000")
	require.NoError(t, err)
	beta.AddPublic("analytics")
	store.AddPeer(beta)

	upstream := stubResolver(map[string]net.IP{
		"beta": net.ParseIP("10.0.0.2"),
	})
	r := New(store, upstream, testLogger())

	w := &fakeWriter{}
	r.ServeDNS(w, query("analytics.public"))

	require.Len(t, w.msg.Answer, 1)
	a := w.msg.Answer[0].(*dns.A)
	assert.Equal(t, net.ParseIP("10.0.0.2").To4(), a.A)
}

// TestPrivateServiceResolvesOnlyOnSelf covers spec scenario 3: a peer's
// private services are never consulted during cascade, so a query for a
// name private to the peer (but absent from self and not in upstream) fails.
func TestPrivateServiceResolvesOnlyOnSelf(t *testing.T) {
	store := newTestStore(t)

	beta, err := registry.New("beta", "http://beta:3000")
	require.NoError(t, err)
	beta.AddPrivate("vault")
	store.AddPeer(beta)

	upstream := stubResolver(nil)
	r := New(store, upstream, testLogger())

	w := &fakeWriter{}
	r.ServeDNS(w, query("vault.private"))

	assert.Equal(t, dns.RcodeNameError, w.msg.Rcode)
	assert.Empty(t, w.msg.Answer)
}

// Self's own private services, by contrast, do resolve.
func TestPrivateServiceResolvesOnSelf(t *testing.T) {
	store := newTestStore(t)
	store.Self().AddPrivate("vault")

	upstream := stubResolver(map[string]net.IP{"alpha": net.ParseIP("10.0.0.1")})
	r := New(store, upstream, testLogger())

	w := &fakeWriter{}
	r.ServeDNS(w, query("vault.private"))

	require.Len(t, w.msg.Answer, 1)
	a := w.msg.Answer[0].(*dns.A)
	assert.Equal(t, net.ParseIP("10.0.0.1").To4(), a.A)
}

// TestUnknownServiceFallsThroughToUpstream covers invariant I6: a name with
// no registry match at all is passed verbatim to the upstream resolver.
func TestUnknownServiceFallsThroughToUpstream(t *testing.T) {
	store := newTestStore(t)
	upstream := stubResolver(map[string]net.IP{
		"example.com.": net.ParseIP("93.184.216.34"),
	})
	r := New(store, upstream, testLogger())

	w := &fakeWriter{}
	r.ServeDNS(w, query("example.com"))

	require.Len(t, w.msg.Answer, 1)
	a := w.msg.Answer[0].(*dns.A)
	assert.Equal(t, net.ParseIP("93.184.216.34").To4(), a.A)
	assert.Equal(t, "example.com.", a.Hdr.Name)
}

// TestServiceKeyStripsAtMostOneTLDSuffix covers invariant I5.
func TestServiceKeyStripsAtMostOneTLDSuffix(t *testing.T) {
	assert.Equal(t, "billing", serviceKey("billing.public."))
	assert.Equal(t, "billing", serviceKey("billing.private."))
	assert.Equal(t, "sub.domain", serviceKey("sub.domain.public."))
	assert.Equal(t, "example.com", serviceKey("example.com."))
}

// TestNoMatchAnywhereReturnsNameError covers the fully-exhausted cascade.
func TestNoMatchAnywhereReturnsNameError(t *testing.T) {
	store := newTestStore(t)
	upstream := stubResolver(nil)
	r := New(store, upstream, testLogger())

	w := &fakeWriter{}
	r.ServeDNS(w, query("nowhere.public"))

	assert.Equal(t, dns.RcodeNameError, w.msg.Rcode)
}

// TestNonARecordQueryRejected covers spec §4.7's scope: only A/IN queries
// are answered.
func TestNonARecordQueryRejected(t *testing.T) {
	store := newTestStore(t)
	r := New(store, stubResolver(nil), testLogger())

	m := new(dns.Msg)
	m.SetQuestion(dns.Fqdn("billing.public"), dns.TypeAAAA)

	w := &fakeWriter{}
	r.ServeDNS(w, m)

	assert.Equal(t, dns.RcodeNameError, w.msg.Rcode)
}
