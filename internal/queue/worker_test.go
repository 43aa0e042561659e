package queue

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"bookforge/internal/events"
	"bookforge/internal/sources"
)

type fakeHandler struct {
	fn func(ctx context.Context, task sources.TaskRef, sink sources.EventSink) (string, error)
}

func (f *fakeHandler) Download(ctx context.Context, task sources.TaskRef, sink sources.EventSink) (string, error) {
	return f.fn(ctx, task, sink)
}

type fakeRegistry struct {
	handlers map[string]sources.DownloadHandler
}

func (r *fakeRegistry) Handler(name string) (sources.DownloadHandler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("no handler %q", name)
	}
	return h, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestScheduler_SingleSourceSuccess(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Source: "x", Priority: 1})

	handler := &fakeHandler{fn: func(ctx context.Context, task sources.TaskRef, sink sources.EventSink) (string, error) {
		sink.Status(task.ID, "fetching")
		sink.Progress(task.ID, 100)
		return "/tmp/t/abc.epub", nil
	}}
	reg := &fakeRegistry{handlers: map[string]sources.DownloadHandler{"x": handler}}
	sink := NewQueueSink(q, events.NewBroadcaster())
	sched := NewScheduler(q, reg, sink, testLogger(), 2)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go sched.Run(ctx)
	defer sched.Stop()

	deadline := time.After(time.Second)
	for {
		task, _ := q.Get("t1")
		if task.Status == StatusComplete {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("task never completed, status=%s", task.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}

	task, _ := q.Get("t1")
	if task.DownloadPath != "/tmp/t/abc.epub" {
		t.Fatalf("expected download_path set, got %q", task.DownloadPath)
	}
}

func TestScheduler_BoundedConcurrency(t *testing.T) {
	q := New()
	const n = 6
	for i := 0; i < n; i++ {
		q.Add(&Task{ID: fmt.Sprintf("t%d", i), Source: "x", Priority: 1})
	}

	var active, maxSeen atomic.Int32
	release := make(chan struct{})
	handler := &fakeHandler{fn: func(ctx context.Context, task sources.TaskRef, sink sources.EventSink) (string, error) {
		n := active.Add(1)
		for {
			seen := maxSeen.Load()
			if n <= seen || maxSeen.CompareAndSwap(seen, n) {
				break
			}
		}
		<-release
		active.Add(-1)
		return "/tmp/" + task.ID, nil
	}}
	reg := &fakeRegistry{handlers: map[string]sources.DownloadHandler{"x": handler}}
	sink := NewQueueSink(q, events.NewBroadcaster())
	sched := NewScheduler(q, reg, sink, testLogger(), 2)
	sched.SetMainLoopSleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sched.Run(ctx)
	defer sched.Stop()

	time.Sleep(300 * time.Millisecond)
	close(release)
	time.Sleep(200 * time.Millisecond)

	if maxSeen.Load() > 2 {
		t.Fatalf("expected at most 2 concurrent workers, observed %d", maxSeen.Load())
	}
}

func TestScheduler_StallDetectionCancels(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Source: "x", Priority: 1})

	block := make(chan struct{})
	handler := &fakeHandler{fn: func(ctx context.Context, task sources.TaskRef, sink sources.EventSink) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	}}
	reg := &fakeRegistry{handlers: map[string]sources.DownloadHandler{"x": handler}}
	sink := NewQueueSink(q, events.NewBroadcaster())
	sched := NewScheduler(q, reg, sink, testLogger(), 2)
	sched.SetStallTimeout(20 * time.Millisecond)
	sched.SetMainLoopSleep(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	go sched.Run(ctx)
	defer sched.Stop()
	defer close(block)

	deadline := time.After(500 * time.Millisecond)
	for {
		task, _ := q.Get("t1")
		if task.Status == StatusCancelled {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected stall cancellation, status=%s msg=%q", task.Status, task.StatusMessage)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
