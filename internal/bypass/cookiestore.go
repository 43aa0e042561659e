// Package bypass implements the Challenge Bypass Gateway: a cookie-reuse
// fast path plus pluggable External/Embedded backends for solving
// anti-bot interstitials guarding a handful of release mirrors.
package bypass

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/publicsuffix"
)

// StoredCookie is a single persisted challenge cookie with its expiry.
type StoredCookie struct {
	Name    string
	Value   string
	Expires time.Time
}

type domainEntry struct {
	cookies   map[string]StoredCookie
	userAgent string
}

// CookieStore maps base_domain -> {cookie_name -> cookie} plus a
// per-domain user agent. Base-domain extraction uses publicsuffix (eTLD+1)
// so multi-part public suffixes like co.uk scope correctly.
type CookieStore struct {
	mu       sync.Mutex
	domains  map[string]*domainEntry
	fullJars map[string]bool // domains recorded with a full jar, not just challenge cookies
}

func NewCookieStore(fullJarDomains ...string) *CookieStore {
	cs := &CookieStore{
		domains:  make(map[string]*domainEntry),
		fullJars: make(map[string]bool),
	}
	for _, d := range fullJarDomains {
		cs.fullJars[d] = true
	}
	return cs
}

// BaseDomain extracts the eTLD+1 registrable domain from a hostname.
func BaseDomain(host string) string {
	host = strings.ToLower(strings.TrimSuffix(host, "."))
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		return host
	}
	return etld1
}

// challengeCookieNames lists the core challenge cookies (and known
// equivalents) kept for domains not registered with a full jar.
var challengeCookieNames = map[string]bool{
	"cf_clearance": true,
	"cf_bm":        true,
	"__cf_bm":      true,
	"cf_chl_2":     true,
}

// Store records cookies and the active user agent for a base domain,
// removing any already-expired entries as it writes. For domains not
// registered via NewCookieStore's fullJarDomains, only the core challenge
// cookies (and listed equivalents) are retained, per §3.5; full-jar domains
// keep every cookie the backend handed back.
func (cs *CookieStore) Store(baseDomain string, cookies []*http.Cookie, userAgent string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.domains[baseDomain]
	if !ok {
		entry = &domainEntry{cookies: make(map[string]StoredCookie)}
		cs.domains[baseDomain] = entry
	}
	entry.userAgent = userAgent

	full := cs.fullJars[baseDomain]
	now := time.Now()
	for _, c := range cookies {
		if !full && !challengeCookieNames[c.Name] {
			continue
		}
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			delete(entry.cookies, c.Name)
			continue
		}
		entry.cookies[c.Name] = StoredCookie{Name: c.Name, Value: c.Value, Expires: c.Expires}
	}
}

// Get returns unexpired cookies and the stored user agent for a base
// domain. Expired entries are pruned on read.
func (cs *CookieStore) Get(baseDomain string) ([]*http.Cookie, string, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	entry, ok := cs.domains[baseDomain]
	if !ok {
		return nil, "", false
	}

	now := time.Now()
	var out []*http.Cookie
	for name, c := range entry.cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			delete(entry.cookies, name)
			continue
		}
		out = append(out, &http.Cookie{Name: c.Name, Value: c.Value})
	}
	if len(out) == 0 {
		return nil, "", false
	}
	return out, entry.userAgent, true
}
