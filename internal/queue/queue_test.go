package queue

import (
	"testing"
	"time"
)

func TestGetNext_PriorityThenFIFO(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "low", Priority: 5})
	time.Sleep(time.Millisecond)
	q.Add(&Task{ID: "high", Priority: 1})
	time.Sleep(time.Millisecond)
	q.Add(&Task{ID: "high-later", Priority: 1})

	first := q.GetNext()
	if first == nil || first.ID != "high" {
		t.Fatalf("expected lowest priority first, got %+v", first)
	}
	second := q.GetNext()
	if second == nil || second.ID != "high-later" {
		t.Fatalf("expected FIFO tiebreak among equal priority, got %+v", second)
	}
	third := q.GetNext()
	if third == nil || third.ID != "low" {
		t.Fatalf("expected remaining lower-priority task last, got %+v", third)
	}
	if q.GetNext() != nil {
		t.Fatal("expected no more QUEUED tasks")
	}
}

func TestGetNext_OnlyPicksQueued(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 1})
	q.GetNext() // t1 now RESOLVING

	if q.GetNext() != nil {
		t.Fatal("expected nil: the only task is RESOLVING, not QUEUED")
	}
}

func TestCancelDownload_QueuedTransitionsImmediately(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 1})

	if !q.CancelDownload("t1") {
		t.Fatal("expected cancel of known task to succeed")
	}
	task, _ := q.Get("t1")
	if task.Status != StatusCancelled {
		t.Fatalf("expected immediate CANCELLED for a QUEUED task, got %s", task.Status)
	}
	if task.Ctx.Err() == nil {
		t.Fatal("expected cancel_flag to be set")
	}
}

func TestCancelDownload_InFlightLeavesTransitionToWorker(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 1})
	q.GetNext()
	q.UpdateStatus("t1", StatusDownloading)

	if !q.CancelDownload("t1") {
		t.Fatal("expected cancel of known task to succeed")
	}
	task, _ := q.Get("t1")
	if task.Status != StatusDownloading {
		t.Fatalf("expected status untouched by cancel until the worker observes it, got %s", task.Status)
	}
	if task.Ctx.Err() == nil {
		t.Fatal("expected cancel_flag to be set even though status did not transition")
	}
}

func TestCancelDownload_UnknownTaskFails(t *testing.T) {
	q := New()
	if q.CancelDownload("nope") {
		t.Fatal("expected cancel of unknown task to report failure")
	}
}

func TestUpdateProgress_NeverRegresses(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 1})

	q.UpdateProgress("t1", 50)
	q.UpdateProgress("t1", 30) // regression attempt
	task, _ := q.Get("t1")
	if task.Progress != 50 {
		t.Fatalf("expected progress to clamp at 50, got %v", task.Progress)
	}

	q.UpdateProgress("t1", 80)
	task, _ = q.Get("t1")
	if task.Progress != 80 {
		t.Fatalf("expected progress to advance to 80, got %v", task.Progress)
	}
}

func TestUpdateStatus_RejectsIllegalTransitions(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 1})

	if err := q.UpdateStatus("t1", StatusComplete); err == nil {
		t.Fatal("expected QUEUED -> COMPLETE to be rejected")
	}
	task, _ := q.Get("t1")
	if task.Status != StatusQueued {
		t.Fatalf("expected a rejected transition to leave the task untouched, got %s", task.Status)
	}

	q.GetNext() // QUEUED -> RESOLVING
	if err := q.UpdateStatus("t1", StatusDownloading); err != nil {
		t.Fatalf("expected RESOLVING -> DOWNLOADING to be legal, got %v", err)
	}
	if err := q.UpdateStatus("t1", StatusQueued); err == nil {
		t.Fatal("expected DOWNLOADING -> QUEUED to be rejected")
	}
	if err := q.UpdateStatus("t1", StatusComplete); err != nil {
		t.Fatalf("expected DOWNLOADING -> COMPLETE to be legal, got %v", err)
	}
	if err := q.UpdateStatus("t1", StatusError); err == nil {
		t.Fatal("expected a terminal task to reject further transitions")
	}
}

func TestAdd_RejectsDuplicateActiveID(t *testing.T) {
	q := New()
	if err := q.Add(&Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatalf("unexpected error on first add: %v", err)
	}
	if err := q.Add(&Task{ID: "t1", Priority: 1}); err == nil {
		t.Fatal("expected duplicate id to be rejected while task is still active")
	}
}

func TestAdd_AllowsReuseAfterTerminal(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 1})
	q.CancelDownload("t1") // QUEUED -> CANCELLED, a terminal status

	if err := q.Add(&Task{ID: "t1", Priority: 1}); err != nil {
		t.Fatalf("expected re-add after a terminal status to succeed, got %v", err)
	}
}

func TestSetPriority_OnlyAppliesToQueued(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 5})
	q.GetNext() // now RESOLVING

	if err := q.SetPriority("t1", 1); err == nil {
		t.Fatal("expected SetPriority to reject a non-QUEUED task")
	}
}

func TestClearCompleted_OnlyRemovesTerminalTasks(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "queued", Priority: 1})
	q.Add(&Task{ID: "cancelled", Priority: 1})
	q.CancelDownload("cancelled")

	removed := q.ClearCompleted(0)
	if removed != 1 {
		t.Fatalf("expected exactly 1 terminal task removed, got %d", removed)
	}
	if _, ok := q.Get("queued"); !ok {
		t.Fatal("expected the still-QUEUED task to survive clear_completed")
	}
	if _, ok := q.Get("cancelled"); ok {
		t.Fatal("expected the CANCELLED task to be removed")
	}
}

func TestReorder_SkipsUnknownAndNonQueuedIDs(t *testing.T) {
	q := New()
	q.Add(&Task{ID: "t1", Priority: 5})
	q.Add(&Task{ID: "t2", Priority: 5})
	q.GetNext() // t1 moves to RESOLVING (picked first by FIFO tiebreak... but both share priority;
	// whichever wins, reorder below exercises the non-QUEUED skip for that one)

	count := q.Reorder(map[string]int{"t1": 1, "t2": 1, "ghost": 1})
	if count != 1 {
		t.Fatalf("expected exactly 1 update (the still-QUEUED task), got %d", count)
	}
}
