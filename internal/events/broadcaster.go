// Package events implements the Event Broadcaster: fan-out of queue status
// snapshots, per-task progress, and notifications to connected clients, plus
// connection-count hooks used to warm up and idle down the Challenge Bypass
// Gateway. Grounded on the teacher's Wails event-emission shape (one typed
// event struct per kind) generalized to a transport-agnostic subscriber fan
// out, since the desktop event bus has no service analogue.
package events

import (
	"sync"
	"time"
)

// Kind tags the three message shapes a client may receive over §6.2's
// bidirectional channel.
type Kind string

const (
	KindStatusUpdate Kind = "status_update"
	KindProgress     Kind = "download_progress"
	KindNotification Kind = "notification"
)

// Message is the envelope delivered to every subscriber.
type Message struct {
	Kind Kind `json:"-"`
	Data any  `json:"data"`
}

// StatusSnapshot mirrors the shape of GET /api/status: tasks grouped by
// status, each keyed by task id.
type StatusSnapshot struct {
	Statuses map[string]map[string]any `json:"statuses"`
}

// ProgressEvent is emitted per task, subject to the throttling rule in
// ShouldBroadcastProgress.
type ProgressEvent struct {
	BookID   string  `json:"book_id"`
	Progress float64 `json:"progress"`
	Status   string  `json:"status"`
}

// NotificationEvent carries a free-form message, e.g. derived from a
// slog.Warn/Error record by the logger's BroadcastHandler.
type NotificationEvent struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// ConnHook fires asynchronously on a connection-count transition.
type ConnHook func()

// subscriber is a single connected client's outbound channel. Sends are
// non-blocking: a slow client drops messages rather than stalling the
// broadcaster, matching the "clients treat broadcasts as independent events"
// ordering guarantee in the concurrency model.
type subscriber struct {
	ch chan Message
}

// Broadcaster fans out status/progress/notification events and tracks the
// number of connected clients, invoking hooks on the 0->1 and N->0
// transitions.
type Broadcaster struct {
	mu          sync.Mutex
	subs        map[*subscriber]struct{}
	lastBroadcast map[string]time.Time
	lastProgress  map[string]float64

	onFirstConnect ConnHook
	onAllDisconnect ConnHook

	progressInterval time.Duration
}

// DefaultProgressInterval matches §4.9's DOWNLOAD_PROGRESS_UPDATE_INTERVAL.
const DefaultProgressInterval = 3 * time.Second

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subs:             make(map[*subscriber]struct{}),
		lastBroadcast:    make(map[string]time.Time),
		lastProgress:     make(map[string]float64),
		progressInterval: DefaultProgressInterval,
	}
}

func (b *Broadcaster) SetProgressInterval(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.progressInterval = d
}

// OnFirstConnect / OnAllDisconnect register the warmup/idle-countdown hooks;
// only one of each is supported, matching the single Bypass Gateway instance
// these drive.
func (b *Broadcaster) OnFirstConnect(hook ConnHook)  { b.onFirstConnect = hook }
func (b *Broadcaster) OnAllDisconnect(hook ConnHook) { b.onAllDisconnect = hook }

// Subscribe registers a new client and returns its channel plus an unsubscribe
// func. Fires onFirstConnect asynchronously on the 0->1 transition.
func (b *Broadcaster) Subscribe() (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, 32)}

	b.mu.Lock()
	wasEmpty := len(b.subs) == 0
	b.subs[sub] = struct{}{}
	hook := b.onFirstConnect
	b.mu.Unlock()

	if wasEmpty && hook != nil {
		go hook()
	}

	return sub.ch, func() { b.unsubscribe(sub) }
}

// unsubscribe removes sub from the fan-out set. The channel is deliberately
// left open: a broadcast racing this removal may still hold a reference, and
// sending into an orphaned buffered channel is harmless where sending into a
// closed one panics.
func (b *Broadcaster) unsubscribe(sub *subscriber) {
	b.mu.Lock()
	delete(b.subs, sub)
	empty := len(b.subs) == 0
	hook := b.onAllDisconnect
	b.mu.Unlock()

	if empty && hook != nil {
		go hook()
	}
}

// ConnectionCount reports the number of currently subscribed clients.
func (b *Broadcaster) ConnectionCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func (b *Broadcaster) broadcast(msg Message) {
	b.mu.Lock()
	subs := make([]*subscriber, 0, len(b.subs))
	for s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.Unlock()

	for _, s := range subs {
		select {
		case s.ch <- msg:
			continue
		default:
		}
		if msg.Kind == KindProgress {
			// Progress updates coalesce: a slow client just sees the next one.
			continue
		}
		// Status/notification messages must land. Evict the oldest buffered
		// message (necessarily stale) to make room, then retry once.
		select {
		case <-s.ch:
		default:
		}
		select {
		case s.ch <- msg:
		default:
		}
	}
}

// BroadcastStatus sends a full grouped snapshot to every connected client.
func (b *Broadcaster) BroadcastStatus(snapshot StatusSnapshot) {
	b.broadcast(Message{Kind: KindStatusUpdate, Data: snapshot})
}

// BroadcastNotification sends a free-form notification to every client.
func (b *Broadcaster) BroadcastNotification(message, typ string) {
	b.broadcast(Message{Kind: KindNotification, Data: NotificationEvent{Message: message, Type: typ}})
}

// ReportProgress applies §4.9's throttling rule and, when the update
// qualifies, broadcasts it. Callers should invoke this for every progress
// update regardless of outcome; non-broadcast updates still reach the queue
// through the caller's separate queue.UpdateProgress call.
func (b *Broadcaster) ReportProgress(taskID string, percent float64, status string) {
	if b.shouldBroadcast(taskID, percent) {
		b.broadcast(Message{Kind: KindProgress, Data: ProgressEvent{BookID: taskID, Progress: percent, Status: status}})
	}
}

// shouldBroadcast implements: always broadcast <=1% or >=99%; otherwise
// broadcast if the last broadcast for this task was >= progressInterval ago,
// or the value jumped by >= 10 percentage points since the last broadcast.
func (b *Broadcaster) shouldBroadcast(taskID string, percent float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if percent <= 1 || percent >= 99 {
		b.lastBroadcast[taskID] = time.Now()
		b.lastProgress[taskID] = percent
		return true
	}

	last, seen := b.lastBroadcast[taskID]
	lastPct := b.lastProgress[taskID]
	now := time.Now()

	if !seen || now.Sub(last) >= b.progressInterval || percent-lastPct >= 10 {
		b.lastBroadcast[taskID] = now
		b.lastProgress[taskID] = percent
		return true
	}
	return false
}

// ForgetTask drops throttling state for a task once it reaches a terminal
// status, so a later re-queue under the same id starts from a clean slate.
func (b *Broadcaster) ForgetTask(taskID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.lastBroadcast, taskID)
	delete(b.lastProgress, taskID)
}
