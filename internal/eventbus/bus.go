// Package eventbus implements the lossy broadcast the Worker and Scheduler
// publish job lifecycle events to. Grounded on the teacher's jobs.Queue
// Subscribe/Unsubscribe/broadcast: per-subscriber buffered channel,
// non-blocking send, drop the event if the subscriber is behind.
//
// The one guarantee beyond the teacher's queue: a job's terminal
// JobStateChanged (Completed/Skipped/Failed/Cancelled) must eventually reach
// every subscriber even if it was dropped once, since a dropped terminal
// event would otherwise leave a UI showing a job stuck "encoding" forever.
// Dropped terminal events are parked per-subscriber and retried on every
// subsequent Publish plus a periodic sweep, coalescing to the latest state
// per job so a dropped Completed is never replaced by a stale Encoding retry.
package eventbus

import (
	"sync"
	"time"

	"github.com/alchemist-sh/alchemist/internal/job"
)

const (
	subscriberBuffer = 100
	sweepInterval    = 2 * time.Second
)

type subscriberState struct {
	mu              sync.Mutex
	pendingTerminal map[int64]job.Event
}

func (s *subscriberState) flush(ch chan job.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for jobID, e := range s.pendingTerminal {
		select {
		case ch <- e:
			delete(s.pendingTerminal, jobID)
		default:
			return // still full; try again next round
		}
	}
}

func (s *subscriberState) park(e job.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingTerminal[e.JobID] = e
}

// Bus is a process-wide, lossy-except-terminal-state broadcast of job.Event.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[chan job.Event]*subscriberState
	stop        chan struct{}
	stopOnce    sync.Once
}

// New starts a Bus with its background terminal-state sweeper running.
func New() *Bus {
	b := &Bus{
		subscribers: make(map[chan job.Event]*subscriberState),
		stop:        make(chan struct{}),
	}
	go b.sweepLoop()
	return b
}

// Subscribe returns a new channel that receives every published event,
// subject to the lossy-drop rule for non-terminal events.
func (b *Bus) Subscribe() chan job.Event {
	ch := make(chan job.Event, subscriberBuffer)
	b.mu.Lock()
	b.subscribers[ch] = &subscriberState{pendingTerminal: make(map[int64]job.Event)}
	b.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it. Safe to call once per
// channel returned by Subscribe.
func (b *Bus) Unsubscribe(ch chan job.Event) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// Publish delivers e to every subscriber. Non-terminal events are dropped
// silently if a subscriber's buffer is full; terminal JobStateChanged events
// are parked for retry instead of dropped.
func (b *Bus) Publish(e job.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, st := range b.subscribers {
		st.flush(ch)
		select {
		case ch <- e:
		default:
			if e.IsTerminalState() {
				st.park(e)
			}
		}
	}
}

// Close stops the background sweeper. Subscriber channels are left open;
// callers still holding one should Unsubscribe individually.
func (b *Bus) Close() {
	b.stopOnce.Do(func() { close(b.stop) })
}

func (b *Bus) sweepLoop() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.RLock()
			for ch, st := range b.subscribers {
				st.flush(ch)
			}
			b.mu.RUnlock()
		}
	}
}
