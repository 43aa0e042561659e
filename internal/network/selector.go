package network

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// RotateAction is the outcome of a Selector rotation attempt.
type RotateAction string

const (
	ActionMirror    RotateAction = "mirror"
	ActionDNS       RotateAction = "dns"
	ActionExhausted RotateAction = "exhausted"
)

// DNSRotator is the subset of the DNS resolver layer the Selector needs in
// order to advance providers when mirrors run out; kept as an interface so
// selector_test.go can stub it.
type DNSRotator interface {
	RotateProvider() bool // true if a new provider was selected
	ProviderCount() int
}

// Selector tracks "which mirror should we try now" for a single download
// attempt's lifetime and advances it deterministically on failure,
// grounded on the original AAMirrorSelector's rewrite/rotate contract.
type Selector struct {
	mu          sync.Mutex
	mirrors     []string
	mirrorIdx   int
	dns         DNSRotator
	rotations   int
	maxRotation int
	probed      bool
	client      *http.Client
}

func NewSelector(mirrors []string, dns DNSRotator) *Selector {
	dnsCount := 1
	if dns != nil {
		dnsCount = dns.ProviderCount()
	}
	return &Selector{
		mirrors:     mirrors,
		dns:         dns,
		maxRotation: len(mirrors) * dnsCount,
		client:      &http.Client{Timeout: 3 * time.Second},
	}
}

// GetBase returns the current mirror base URL. The first call probes
// mirrors in order and pins the first reachable one.
func (s *Selector) GetBase() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.mirrors) == 0 {
		return ""
	}
	if !s.probed {
		s.probeLocked()
	}
	return s.mirrors[s.mirrorIdx]
}

func (s *Selector) probeLocked() {
	s.probed = true
	for i, m := range s.mirrors {
		resp, err := s.client.Get(m)
		if err == nil {
			resp.Body.Close()
			s.mirrorIdx = i
			return
		}
	}
	s.mirrorIdx = 0
}

// Rewrite replaces any known mirror prefix (not just the active one) with
// the current base. Idempotent: rewrite(rewrite(url)) == rewrite(url).
func (s *Selector) Rewrite(rawURL string) string {
	s.mu.Lock()
	base := s.currentBaseLocked()
	mirrors := s.mirrors
	s.mu.Unlock()

	for _, m := range mirrors {
		if strings.HasPrefix(rawURL, m) {
			return base + strings.TrimPrefix(rawURL, m)
		}
	}
	return rawURL
}

func (s *Selector) currentBaseLocked() string {
	if len(s.mirrors) == 0 {
		return ""
	}
	if !s.probed {
		s.probeLocked()
	}
	return s.mirrors[s.mirrorIdx]
}

// NextMirrorOrRotateDNS advances to the next mirror; once every mirror
// under the current DNS provider has been tried, rotates DNS and resets
// the mirror index. Bounded by mirrors x dns_providers total rotations.
func (s *Selector) NextMirrorOrRotateDNS(allowDNS bool) (string, RotateAction) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.rotations >= s.maxRotation || len(s.mirrors) == 0 {
		return "", ActionExhausted
	}
	s.rotations++

	s.mirrorIdx++
	if s.mirrorIdx < len(s.mirrors) {
		return s.mirrors[s.mirrorIdx], ActionMirror
	}

	s.mirrorIdx = 0
	if allowDNS && s.dns != nil && s.dns.RotateProvider() {
		return s.mirrors[s.mirrorIdx], ActionDNS
	}
	return "", ActionExhausted
}

func (s *Selector) String() string {
	return fmt.Sprintf("Selector{base=%s, rotations=%d/%d}", s.GetBase(), s.rotations, s.maxRotation)
}
