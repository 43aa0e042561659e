package network

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/dns/dnsmessage"
)

// Mode selects how DNSResolver resolves non-local hostnames.
type Mode int

const (
	ModeSystem Mode = iota
	ModeCustomUDP
	ModeDoH
)

// Provider is a named DNS provider with both a plain nameserver IP and a
// DoH endpoint, mirroring the original tool's hardcoded provider table.
type Provider struct {
	Name       string
	IP         string
	DoHAddress string
}

// DefaultProviders is the provider rotation table: Cloudflare, Google,
// Quad9, OpenDNS, in that order.
var DefaultProviders = []Provider{
	{Name: "cloudflare", IP: "1.1.1.1", DoHAddress: "https://1.1.1.1/dns-query"},
	{Name: "google", IP: "8.8.8.8", DoHAddress: "https://8.8.8.8/dns-query"},
	{Name: "quad9", IP: "9.9.9.9", DoHAddress: "https://9.9.9.9/dns-query"},
	{Name: "opendns", IP: "208.67.222.222", DoHAddress: "https://208.67.222.222/dns-query"},
}

// RotationCallback fires after a successful provider rotation, e.g. so the
// Bypass Gateway can restart its controlled browser with new resolver rules.
type RotationCallback func(newProvider Provider)

// DNSResolver implements address resolution with provider rotation and
// IPv4-preferred host pinning. Rotation only happens in auto mode; pinning
// a named provider or a manual nameserver list disables it.
type DNSResolver struct {
	mu            sync.Mutex
	mode          Mode
	auto          bool
	providers     []Provider
	idx           int
	customServers []string
	ipv4Only      map[string]bool
	callbacks     []RotationCallback
	resolver      *net.Resolver
	dohClient     *http.Client
	dohPins       map[string]string // DoH endpoint hostname -> system-resolved IP
}

func NewDNSResolver(mode Mode) *DNSResolver {
	d := &DNSResolver{
		mode:      mode,
		auto:      mode != ModeSystem,
		providers: DefaultProviders,
		ipv4Only:  make(map[string]bool),
		dohPins:   make(map[string]string),
	}
	d.rebuildResolverLocked()
	return d
}

// PinProvider locks resolution to the named provider and disables auto
// rotation. Unknown names leave the rotation order untouched.
func (d *DNSResolver) PinProvider(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, p := range d.providers {
		if p.Name == name {
			d.idx = i
			d.auto = false
			d.rebuildResolverLocked()
			return
		}
	}
}

// SetCustomServers installs an explicit nameserver IP list for
// ModeCustomUDP's manual variant; rotation is disabled since the user has
// named exactly the servers they trust.
func (d *DNSResolver) SetCustomServers(ips []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.customServers = append([]string(nil), ips...)
	d.auto = false
	d.rebuildResolverLocked()
}

func (d *DNSResolver) SetIPv4Preferred(hosts ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hosts {
		d.ipv4Only[h] = true
	}
}

func (d *DNSResolver) OnRotation(cb RotationCallback) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callbacks = append(d.callbacks, cb)
}

func (d *DNSResolver) ProviderCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.providers)
}

// RotateProvider advances to the next provider and rebuilds the resolver
// pinned to it. Returns false once every provider has been tried, or when
// rotation is disabled (system mode, pinned provider, manual servers).
func (d *DNSResolver) RotateProvider() bool {
	d.mu.Lock()
	if !d.auto || d.idx+1 >= len(d.providers) {
		d.mu.Unlock()
		return false
	}
	d.idx++
	d.rebuildResolverLocked()
	newProvider := d.providers[d.idx]
	callbacks := append([]RotationCallback(nil), d.callbacks...)
	d.mu.Unlock()

	for _, cb := range callbacks {
		go cb(newProvider)
	}
	return true
}

func (d *DNSResolver) rebuildResolverLocked() {
	if d.mode == ModeSystem || len(d.providers) == 0 {
		d.resolver = net.DefaultResolver
		return
	}

	servers := d.customServers
	if len(servers) == 0 {
		servers = []string{d.providers[d.idx].IP}
	}
	d.resolver = &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, address string) (net.Conn, error) {
			dialer := net.Dialer{Timeout: 5 * time.Second}
			var lastErr error
			for _, server := range servers {
				conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(server, "53"))
				if err == nil {
					return conn, nil
				}
				lastErr = err
			}
			return nil, lastErr
		},
	}
}

// Resolve looks up host, honoring IPv4-preferred pinning and bypassing the
// custom resolver entirely for literal IPs and loopback/local addresses.
// On failure, if in auto mode with providers remaining, it rotates and
// retries once; once exhausted it falls back to the system resolver. A
// (nil, nil) return means "no address found anywhere": callers fall through
// to dialing the literal hostname so TLS can at least fail cleanly.
func (d *DNSResolver) Resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}
	if isLocal(host) {
		return net.DefaultResolver.LookupIP(ctx, "ip", host)
	}

	d.mu.Lock()
	resolver := d.resolver
	ipv4Only := d.ipv4Only[host]
	mode := d.mode
	d.mu.Unlock()

	network := "ip"
	if ipv4Only {
		network = "ip4"
	}

	ips, err := d.lookup(ctx, resolver, mode, network, host)
	if err == nil {
		return ips, nil
	}
	if mode == ModeSystem {
		return net.DefaultResolver.LookupIP(ctx, network, host)
	}

	if d.RotateProvider() {
		d.mu.Lock()
		resolver = d.resolver
		d.mu.Unlock()
		if ips, err := d.lookup(ctx, resolver, mode, network, host); err == nil {
			return ips, nil
		}
	}

	if ips, err := net.DefaultResolver.LookupIP(ctx, network, host); err == nil {
		return ips, nil
	}
	return nil, nil
}

func (d *DNSResolver) lookup(ctx context.Context, resolver *net.Resolver, mode Mode, network, host string) ([]net.IP, error) {
	if mode == ModeDoH {
		return d.dohLookup(ctx, network, host)
	}
	return resolver.LookupIP(ctx, network, host)
}

// dohLookup resolves host over the active provider's DoH endpoint using the
// RFC 8484 POST wire format. The endpoint's own hostname (when it is not a
// literal IP) is resolved once via the system resolver and pinned, breaking
// the DoH-over-DoH recursion.
func (d *DNSResolver) dohLookup(ctx context.Context, network, host string) ([]net.IP, error) {
	d.mu.Lock()
	endpoint := d.providers[d.idx].DoHAddress
	client := d.dohClient
	if client == nil {
		client = &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				DialContext: d.dialDoHEndpoint,
			},
		}
		d.dohClient = client
	}
	d.mu.Unlock()

	types := []dnsmessage.Type{dnsmessage.TypeA, dnsmessage.TypeAAAA}
	if network == "ip4" {
		types = types[:1]
	}

	var out []net.IP
	for _, qtype := range types {
		ips, err := dohQuery(ctx, client, endpoint, host, qtype)
		if err != nil {
			if len(out) > 0 {
				break
			}
			return nil, err
		}
		out = append(out, ips...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("dns: no answers for %s", host)
	}
	return out, nil
}

// dialDoHEndpoint pins a non-IP DoH endpoint hostname to the address the
// system resolver gave for it the first time, so the encrypted resolver
// never depends on itself.
func (d *DNSResolver) dialDoHEndpoint(ctx context.Context, network, address string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: 5 * time.Second}

	if net.ParseIP(host) != nil {
		return dialer.DialContext(ctx, network, address)
	}

	d.mu.Lock()
	pinned, ok := d.dohPins[host]
	d.mu.Unlock()
	if !ok {
		ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
		if err != nil || len(ips) == 0 {
			return nil, fmt.Errorf("dns: resolving DoH endpoint %s: %w", host, err)
		}
		pinned = ips[0].String()
		d.mu.Lock()
		d.dohPins[host] = pinned
		d.mu.Unlock()
	}
	return dialer.DialContext(ctx, network, net.JoinHostPort(pinned, port))
}

func dohQuery(ctx context.Context, client *http.Client, endpoint, host string, qtype dnsmessage.Type) ([]net.IP, error) {
	name, err := dnsmessage.NewName(strings.TrimSuffix(host, ".") + ".")
	if err != nil {
		return nil, err
	}
	msg := dnsmessage.Message{
		Header: dnsmessage.Header{RecursionDesired: true},
		Questions: []dnsmessage.Question{{
			Name:  name,
			Type:  qtype,
			Class: dnsmessage.ClassINET,
		}},
	}
	packed, err := msg.Pack()
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(packed))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/dns-message")
	req.Header.Set("Accept", "application/dns-message")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("dns: DoH endpoint returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, err
	}

	var parsed dnsmessage.Message
	if err := parsed.Unpack(body); err != nil {
		return nil, err
	}

	var ips []net.IP
	for _, ans := range parsed.Answers {
		switch r := ans.Body.(type) {
		case *dnsmessage.AResource:
			ips = append(ips, net.IP(r.A[:]))
		case *dnsmessage.AAAAResource:
			ips = append(ips, net.IP(r.AAAA[:]))
		}
	}
	return ips, nil
}

// DialContext resolves addr's host through this resolver and dials each
// returned address until one connects; a (nil, nil) resolve falls back to
// the literal hostname. This is the process-wide resolver hook: every HTTP
// client built with NewHTTPClient routes its dials through here.
func (d *DNSResolver) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	dialer := net.Dialer{Timeout: 15 * time.Second}

	ips, err := d.Resolve(ctx, host)
	if err != nil || len(ips) == 0 {
		return dialer.DialContext(ctx, network, addr)
	}

	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip.String(), port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	return nil, lastErr
}

// NewHTTPClient builds an *http.Client whose dials go through the resolver
// and whose proxy settings come from the process environment. A nil resolver
// yields a plain proxied client.
func NewHTTPClient(d *DNSResolver, timeout time.Duration) *http.Client {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
	}
	if d != nil {
		transport.DialContext = d.DialContext
	}
	return &http.Client{Timeout: timeout, Transport: transport}
}

func isLocal(host string) bool {
	h := strings.ToLower(host)
	return h == "localhost" || strings.HasSuffix(h, ".local") || h == "127.0.0.1" || h == "::1"
}
