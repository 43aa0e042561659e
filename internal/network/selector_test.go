package network

import "testing"

type stubDNS struct {
	providers   int
	rotated     int
	rotateCalls int
}

func (s *stubDNS) ProviderCount() int { return s.providers }
func (s *stubDNS) RotateProvider() bool {
	s.rotateCalls++
	if s.rotated+1 >= s.providers {
		return false
	}
	s.rotated++
	return true
}

func TestSelector_RewriteIsIdempotent(t *testing.T) {
	sel := NewSelector([]string{"https://a.example", "https://b.example"}, &stubDNS{providers: 1})

	urls := []string{
		"https://a.example/book/123",
		"https://b.example/book/123",
		"https://unrelated.example/book/123",
	}
	for _, u := range urls {
		once := sel.Rewrite(u)
		twice := sel.Rewrite(once)
		if once != twice {
			t.Fatalf("rewrite not idempotent for %q: once=%q twice=%q", u, once, twice)
		}
	}
}

func TestSelector_NextMirrorAdvancesThenRotatesDNS(t *testing.T) {
	dns := &stubDNS{providers: 2}
	sel := NewSelector([]string{"https://a.example", "https://b.example"}, dns)

	_, action := sel.NextMirrorOrRotateDNS(true)
	if action != ActionMirror {
		t.Fatalf("expected first rotation to advance mirror, got %s", action)
	}

	_, action = sel.NextMirrorOrRotateDNS(true)
	if action != ActionDNS {
		t.Fatalf("expected mirror exhaustion to rotate DNS, got %s", action)
	}
	if dns.rotateCalls != 1 {
		t.Fatalf("expected exactly one DNS rotation callback, got %d", dns.rotateCalls)
	}
}

func TestSelector_ExhaustionStopsAdvancing(t *testing.T) {
	sel := NewSelector([]string{"https://a.example"}, &stubDNS{providers: 1})

	_, action := sel.NextMirrorOrRotateDNS(false)
	if action != ActionExhausted {
		t.Fatalf("expected single mirror + single provider to exhaust immediately, got %s", action)
	}

	base, action := sel.NextMirrorOrRotateDNS(false)
	if action != ActionExhausted || base != "" {
		t.Fatalf("expected further calls to keep returning exhausted with no side effects, got (%q, %s)", base, action)
	}
}

func TestSelector_AllowDNSFalseNeverRotatesDNS(t *testing.T) {
	dns := &stubDNS{providers: 5}
	sel := NewSelector([]string{"https://a.example"}, dns)

	_, action := sel.NextMirrorOrRotateDNS(false)
	if action != ActionExhausted {
		t.Fatalf("expected exhaustion when DNS rotation is disallowed, got %s", action)
	}
	if dns.rotateCalls != 0 {
		t.Fatal("expected RotateProvider to never be called when allowDNS is false")
	}
}
