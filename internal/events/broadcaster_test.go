package events

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestProgressThrottling_AlwaysBroadcastsStartAndEnd(t *testing.T) {
	b := NewBroadcaster()
	b.SetProgressInterval(time.Hour) // disable the time-based path

	ch, unsub := b.Subscribe()
	defer unsub()

	b.ReportProgress("t1", 0, "DOWNLOADING")
	b.ReportProgress("t1", 99.5, "DOWNLOADING")

	got := drain(ch, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("expected 2 broadcasts for 0%% and 99.5%%, got %d", len(got))
	}
}

func TestProgressThrottling_SuppressesSmallMidRangeJumps(t *testing.T) {
	b := NewBroadcaster()
	b.SetProgressInterval(time.Hour)

	ch, unsub := b.Subscribe()
	defer unsub()

	b.ReportProgress("t1", 50, "DOWNLOADING") // first mid-range update: not seen before, broadcasts
	b.ReportProgress("t1", 52, "DOWNLOADING") // +2, below the 10pt jump threshold: suppressed
	b.ReportProgress("t1", 61, "DOWNLOADING") // +11 from last broadcast (50): broadcasts

	got := drain(ch, 2, 200*time.Millisecond)
	if len(got) != 2 {
		t.Fatalf("expected exactly 2 broadcasts (50, 61), got %d", len(got))
	}
}

func TestProgressThrottling_TimeBasedBroadcast(t *testing.T) {
	b := NewBroadcaster()
	b.SetProgressInterval(10 * time.Millisecond)

	ch, unsub := b.Subscribe()
	defer unsub()

	b.ReportProgress("t1", 50, "DOWNLOADING")
	time.Sleep(20 * time.Millisecond)
	b.ReportProgress("t1", 51, "DOWNLOADING")

	got := drain(ch, 2, time.Second)
	if len(got) != 2 {
		t.Fatalf("expected time-based broadcast to fire, got %d messages", len(got))
	}
}

func TestConnectionHooks_FireOnTransitions(t *testing.T) {
	b := NewBroadcaster()
	var firstConnects, allDisconnects atomic.Int32
	b.OnFirstConnect(func() { firstConnects.Add(1) })
	b.OnAllDisconnect(func() { allDisconnects.Add(1) })

	_, unsub1 := b.Subscribe()
	_, unsub2 := b.Subscribe()
	unsub1()
	unsub2()

	time.Sleep(50 * time.Millisecond)
	if firstConnects.Load() != 1 {
		t.Fatalf("expected exactly 1 first-connect hook, got %d", firstConnects.Load())
	}
	if allDisconnects.Load() != 1 {
		t.Fatalf("expected exactly 1 all-disconnect hook, got %d", allDisconnects.Load())
	}
}

func TestBroadcastStatus_ReachesSubscriber(t *testing.T) {
	b := NewBroadcaster()
	ch, unsub := b.Subscribe()
	defer unsub()

	b.BroadcastStatus(StatusSnapshot{Statuses: map[string]map[string]any{"QUEUED": {}}})

	select {
	case msg := <-ch:
		if msg.Kind != KindStatusUpdate {
			t.Fatalf("expected status_update kind, got %s", msg.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for status broadcast")
	}
}

func drain(ch <-chan Message, want int, timeout time.Duration) []Message {
	var out []Message
	deadline := time.After(timeout)
	for len(out) < want {
		select {
		case m := <-ch:
			out = append(out, m)
		case <-deadline:
			return out
		}
	}
	return out
}
