package network

import (
	"testing"
	"time"
)

func TestDNSResolver_RotationFiresCallbackOncePerRotation(t *testing.T) {
	d := NewDNSResolver(ModeCustomUDP)

	fired := make(chan Provider, len(DefaultProviders))
	d.OnRotation(func(p Provider) { fired <- p })

	if !d.RotateProvider() {
		t.Fatal("expected the first rotation to advance to a new provider")
	}

	select {
	case p := <-fired:
		if p.Name != DefaultProviders[1].Name {
			t.Fatalf("expected the callback to see the new provider, got %q", p.Name)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the rotation callback to fire")
	}

	select {
	case p := <-fired:
		t.Fatalf("expected exactly one callback per rotation, got a second for %q", p.Name)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDNSResolver_RotationExhaustsAfterAllProviders(t *testing.T) {
	d := NewDNSResolver(ModeCustomUDP)
	for i := 1; i < len(DefaultProviders); i++ {
		if !d.RotateProvider() {
			t.Fatalf("expected rotation %d to succeed", i)
		}
	}
	if d.RotateProvider() {
		t.Fatal("expected rotation to report exhaustion once every provider was tried")
	}
}

func TestDNSResolver_PinnedProviderNeverRotates(t *testing.T) {
	d := NewDNSResolver(ModeCustomUDP)
	d.PinProvider("quad9")
	if d.RotateProvider() {
		t.Fatal("expected a pinned provider to disable rotation")
	}
}

func TestDNSResolver_ManualServersDisableRotation(t *testing.T) {
	d := NewDNSResolver(ModeCustomUDP)
	d.SetCustomServers([]string{"192.0.2.53"})
	if d.RotateProvider() {
		t.Fatal("expected a manual nameserver list to disable rotation")
	}
}

func TestDNSResolver_SystemModeNeverRotates(t *testing.T) {
	d := NewDNSResolver(ModeSystem)
	if d.RotateProvider() {
		t.Fatal("expected system mode to disable rotation")
	}
}
