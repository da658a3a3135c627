// Package notify sends a webhook when the job queue drains to empty.
// Grounded on the teacher's checkAndSendNotification (sse.go): triggered on
// a terminal state event, guarded by a mutex so checks never overlap, and
// re-checks "is the queue actually empty" rather than trusting the single
// event that woke it. Every terminal event handled while the queue is empty
// sends a notification, so completions handled after the queue has drained
// can each send one. The target shape
// (endpoint URL plus optional bearer token) generalizes original_source's
// notifications.rs webhook variant; Discord/Gotify-specific payload shaping
// was dropped as out of scope — nothing in the pack imports a notification
// client, so net/http is the correct, justified default (see DESIGN.md).
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/alchemist-sh/alchemist/internal/eventbus"
	"github.com/alchemist-sh/alchemist/internal/job"
	"github.com/alchemist-sh/alchemist/internal/logger"
)

const requestTimeout = 5 * time.Second

// Target is one webhook destination.
type Target struct {
	URL   string
	Token string
}

// QueueEmptyChecker reports true when no job is still queued, analyzing, or
// encoding. Notify only fires when it reports true, so a completion that
// leaves other jobs pending produces no notification.
type QueueEmptyChecker func(ctx context.Context) (bool, error)

// payload is the JSON body POSTed to each target.
type payload struct {
	Event     string    `json:"event"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier listens for terminal job events and fires a webhook once the
// queue is empty.
type Notifier struct {
	Targets     func() []Target
	IsEmpty     QueueEmptyChecker
	client      *http.Client
	mu          sync.Mutex
}

// New builds a Notifier. targets and isEmpty are called fresh on every
// candidate notification so a live settings change takes effect immediately.
func New(targets func() []Target, isEmpty QueueEmptyChecker) *Notifier {
	return &Notifier{
		Targets: targets,
		IsEmpty: isEmpty,
		client:  &http.Client{Timeout: requestTimeout},
	}
}

// Run subscribes to bus and blocks until ctx is done, firing a notification
// after every terminal state event once the queue is confirmed empty.
func (n *Notifier) Run(ctx context.Context, bus *eventbus.Bus) {
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if e.Type != job.EventStateChanged || !e.IsTerminalState() {
				continue
			}
			n.maybeNotify(ctx)
		}
	}
}

func (n *Notifier) maybeNotify(ctx context.Context) {
	n.mu.Lock()
	defer n.mu.Unlock()

	targets := n.Targets()
	if len(targets) == 0 {
		return
	}

	empty, err := n.IsEmpty(ctx)
	if err != nil {
		logger.Warn("notify: failed to check queue state", "error", err)
		return
	}
	if !empty {
		return
	}

	body, err := json.Marshal(payload{
		Event:     "queue_drained",
		Message:   "All jobs finished processing",
		Timestamp: time.Now(),
	})
	if err != nil {
		logger.Warn("notify: failed to marshal payload", "error", err)
		return
	}

	for _, t := range targets {
		if err := n.send(ctx, t, body); err != nil {
			logger.Warn("notify: webhook delivery failed", "url", t.URL, "error", err)
		}
	}
}

func (n *Notifier) send(ctx context.Context, t Target, body []byte) error {
	reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, t.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.Token != "" {
		req.Header.Set("Authorization", "Bearer "+t.Token)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}
