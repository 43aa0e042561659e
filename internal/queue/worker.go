package queue

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"bookforge/internal/events"
	"bookforge/internal/network"
	"bookforge/internal/postprocess"
	"bookforge/internal/sources"
)

const (
	DefaultMainLoopSleep   = 1 * time.Second
	DefaultStallTimeout    = 5 * time.Minute
	minStaggerSeconds      = 2
	maxStaggerSeconds      = 5
)

// HandlerLookup is the subset of sources.Registry the Scheduler needs; kept
// as an interface so scheduler tests can stub it without a real registry.
type HandlerLookup interface {
	Handler(name string) (sources.DownloadHandler, error)
}

// Scheduler is the bounded worker pool of §4.8: it runs on one dedicated
// goroutine, pulls the highest-priority ready task, staggers concurrent
// starts, detects stalled jobs, and emits terminal events after every
// worker finishes. Grounded on the teacher's TachyonEngine.queueWorker
// loop (workerMutex-guarded running count, goroutine-per-task dispatch,
// deferred panic recovery), generalized with explicit stall detection and
// the spec's randomized start stagger.
type Scheduler struct {
	queue     *Queue
	handlers  HandlerLookup
	sink      *QueueSink
	logger    *slog.Logger
	hosts      *HostLimiter
	congestion *network.CongestionController
	processor  *postprocess.Processor

	mu            sync.Mutex
	active        int
	maxConcurrent int

	mainLoopSleep time.Duration
	stallTimeout  time.Duration

	onTerminal func(t Task)

	stop chan struct{}
	done chan struct{}
}

func NewScheduler(q *Queue, handlers HandlerLookup, sink *QueueSink, logger *slog.Logger, maxConcurrent int) *Scheduler {
	return &Scheduler{
		queue:         q,
		handlers:      handlers,
		sink:          sink,
		logger:        logger,
		hosts:         NewHostLimiter(),
		maxConcurrent: maxConcurrent,
		mainLoopSleep: DefaultMainLoopSleep,
		stallTimeout:  DefaultStallTimeout,
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// SetProcessor wires the post-processing hook (archive extraction,
// sanitization, ingest placement) run after a handler succeeds. Schedulers
// built without one (e.g. in unit tests) leave the handler's temp path as
// the final download_path untouched.
func (s *Scheduler) SetProcessor(p *postprocess.Processor) { s.processor = p }

func (s *Scheduler) SetMaxConcurrent(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.maxConcurrent = n
}

func (s *Scheduler) SetStallTimeout(d time.Duration) { s.stallTimeout = d }
func (s *Scheduler) SetMainLoopSleep(d time.Duration) { s.mainLoopSleep = d }

// SetTerminalHook registers a callback invoked (with a snapshot of the
// task) after every terminal transition, once the queue already reflects
// the final state. The Application wires task persistence and download
// statistics here, keeping this package free of storage concerns.
func (s *Scheduler) SetTerminalHook(fn func(t Task)) { s.onTerminal = fn }

// SetSourceConcurrency caps how many workers may run against a single
// source concurrently, protecting shared upstream mirrors from bursts.
func (s *Scheduler) SetSourceConcurrency(source string, limit int) {
	s.hosts.SetLimit(source, limit)
}

// SetCongestionController wires adaptive per-source concurrency: once set,
// a source with no configured static limit is instead admitted up to the
// controller's AIMD-derived ideal concurrency, and every terminal job
// outcome is fed back into it.
func (s *Scheduler) SetCongestionController(cc *network.CongestionController) {
	s.congestion = cc
}

// admitted reports whether another worker may start against source, given
// the static per-source limit and, when wired, the adaptive congestion
// controller's current ideal concurrency.
func (s *Scheduler) admitted(source string) bool {
	if !s.hosts.Admit(source) {
		return false
	}
	if s.congestion == nil {
		return true
	}
	return s.hosts.ActiveCount(source) < s.congestion.GetIdealConcurrency(source)
}

// Run is the scheduler's dedicated loop; it blocks until Stop is called.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		default:
		}

		s.sweepStalled()
		s.dispatch(ctx)

		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-time.After(s.mainLoopSleep):
		}
	}
}

func (s *Scheduler) Stop() {
	close(s.stop)
	<-s.done
}

// sweepStalled cancels any in-flight task that hasn't emitted progress or
// status within stallTimeout, per §4.8's stall detection.
func (s *Scheduler) sweepStalled() {
	for _, t := range s.queue.StalledSince(time.Now().Add(-s.stallTimeout)) {
		s.logger.Warn("download stalled, cancelling", "task_id", t.ID)
		s.queue.UpdateStatusMessage(t.ID, fmt.Sprintf("Download stalled (no activity for %ds)", int(s.stallTimeout.Seconds())))
		s.queue.CancelDownload(t.ID)
	}
}

// dispatch fills available worker slots, staggering starts when more than
// one worker is already active to protect shared upstream servers from
// bursts.
func (s *Scheduler) dispatch(ctx context.Context) {
	for {
		s.mu.Lock()
		hasRoom := s.active < s.maxConcurrent
		alreadyActive := s.active > 0
		s.mu.Unlock()
		if !hasRoom {
			return
		}

		t := s.queue.GetNextAdmitted(s.admitted)
		if t == nil {
			return
		}

		if alreadyActive {
			stagger := time.Duration(minStaggerSeconds+rand.Intn(maxStaggerSeconds-minStaggerSeconds+1)) * time.Second
			select {
			case <-ctx.Done():
				return
			case <-time.After(stagger):
			}
		}

		s.spawn(ctx, t)
	}
}

func (s *Scheduler) spawn(ctx context.Context, t *Task) {
	handler, err := s.handlers.Handler(t.Source)
	if err != nil {
		s.queue.UpdateStatus(t.ID, StatusError)
		s.queue.UpdateStatusMessage(t.ID, err.Error())
		s.finishTask(t.ID)
		return
	}

	s.mu.Lock()
	s.active++
	s.mu.Unlock()
	s.hosts.Start(t.Source)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.logger.Error("worker panic recovered", "task_id", t.ID, "panic", r)
				s.queue.UpdateStatus(t.ID, StatusError)
				s.queue.UpdateStatusMessage(t.ID, fmt.Sprintf("internal error: %v", r))
				s.finishTask(t.ID)
			}
			s.hosts.Finish(t.Source)
			s.mu.Lock()
			s.active--
			s.mu.Unlock()
		}()
		s.runWorker(ctx, handler, t)
	}()
}

// finalize hands a handler's temp path to the post-processing hook when one
// is wired; schedulers built without a processor (e.g. unit tests) return
// the handler's path unchanged, matching the nil-processor fallback noted
// in SetProcessor's doc comment.
func (s *Scheduler) finalize(t *Task, tempPath string) (string, error) {
	if s.processor == nil {
		return tempPath, nil
	}
	return s.processor.Finalize(t.ID, t.Title, t.ContentType, tempPath)
}

func (s *Scheduler) runWorker(ctx context.Context, handler sources.DownloadHandler, t *Task) {
	s.queue.UpdateStatus(t.ID, StatusDownloading)

	started := time.Now()
	ref := sources.TaskRef{ID: t.ID, Source: t.Source, Extra: t.Extra}
	path, err := handler.Download(t.Ctx, ref, s.sink)
	if s.congestion != nil {
		s.congestion.RecordOutcome(t.Source, time.Since(started), err)
	}

	switch {
	case err == nil && path != "":
		final, perr := s.finalize(t, path)
		if perr != nil {
			s.queue.UpdateStatus(t.ID, StatusError)
			s.queue.UpdateStatusMessage(t.ID, perr.Error())
			break
		}
		s.queue.UpdateDownloadPath(t.ID, final)
		s.queue.UpdateStatus(t.ID, StatusComplete)
	case t.Ctx.Err() != nil:
		s.queue.UpdateStatus(t.ID, StatusCancelled)
	default:
		s.queue.UpdateStatus(t.ID, StatusError)
		if current, ok := s.queue.Get(t.ID); ok && current.StatusMessage == "" {
			msg := "All sources failed"
			if err != nil {
				msg = err.Error()
			}
			s.queue.UpdateStatusMessage(t.ID, msg)
		}
	}
	s.finishTask(t.ID)
}

// finishTask broadcasts the terminal snapshot and fires the terminal hook,
// after the queue already holds the final state.
func (s *Scheduler) finishTask(id string) {
	s.sink.emitTerminal(id)
	if s.onTerminal == nil {
		return
	}
	if t, ok := s.queue.Get(id); ok {
		s.onTerminal(*t)
	}
}

// QueueSink implements sources.EventSink by updating the queue and, subject
// to throttling, forwarding to the Event Broadcaster. It is the single
// bridge between handler callbacks and both the authoritative queue state
// and the live client stream.
type QueueSink struct {
	queue       *Queue
	broadcaster *events.Broadcaster
}

func NewQueueSink(q *Queue, b *events.Broadcaster) *QueueSink {
	return &QueueSink{queue: q, broadcaster: b}
}

func (s *QueueSink) Progress(taskID string, percent float64) {
	s.queue.UpdateProgress(taskID, percent)
	if t, ok := s.queue.Get(taskID); ok {
		s.broadcaster.ReportProgress(taskID, t.Progress, t.Status)
	}
}

func (s *QueueSink) Status(taskID string, message string) {
	s.queue.UpdateStatusMessage(taskID, message)
	s.broadcaster.BroadcastStatus(snapshotFor(s.queue))
}

// emitTerminal broadcasts the full snapshot after a terminal transition,
// since the terminal status must be observed *after* the queue update, per
// the ordering guarantee in the concurrency model.
func (s *QueueSink) emitTerminal(taskID string) {
	s.broadcaster.ForgetTask(taskID)
	s.broadcaster.BroadcastStatus(snapshotFor(s.queue))
}

func snapshotFor(q *Queue) events.StatusSnapshot {
	grouped := q.Snapshot()
	out := make(map[string]map[string]any, len(grouped))
	for status, tasks := range grouped {
		inner := make(map[string]any, len(tasks))
		for id, t := range tasks {
			inner[id] = t
		}
		out[status] = inner
	}
	return events.StatusSnapshot{Statuses: out}
}
