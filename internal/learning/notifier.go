package learning

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"deliberate/internal/bus"
	"deliberate/internal/logging"

	"golang.org/x/sync/errgroup"
)

// Notifier subscribes to outcome topics and delivers each outcome to every
// sink. Delivery runs on its own goroutine so bus handlers never block.
type Notifier struct {
	sinks   []Sink
	timeout time.Duration

	mu          sync.RWMutex
	closed      bool
	queue       chan Feedback
	unsubscribe func()
	wg          sync.WaitGroup

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// NewNotifier subscribes to b and starts delivery. Close must be called to
// stop it.
func NewNotifier(b *bus.Bus, timeout time.Duration, buffer int, sinks ...Sink) *Notifier {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if buffer <= 0 {
		buffer = 64
	}
	n := &Notifier{
		sinks:   sinks,
		timeout: timeout,
		queue:   make(chan Feedback, buffer),
	}
	n.wg.Add(1)
	go n.run()
	n.unsubscribe = b.Subscribe(n.handle, Topics()...)
	return n
}

func (n *Notifier) handle(ev bus.Event) {
	fb, ok := FromEvent(ev)
	if !ok {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.queue <- fb:
	default:
		n.dropped.Add(1)
		logging.LearningWarn("Learning queue full, dropping %s feedback for goal %s", fb.Topic, fb.GoalID)
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()
	for fb := range n.queue {
		if err := n.Deliver(context.Background(), fb); err != nil {
			logging.LearningWarn("Feedback %s not fully delivered: %v", fb.ID, err)
		}
	}
}

// Deliver sends fb to every sink in parallel and waits for all of them or
// the timeout. The first sink error is returned.
func (n *Notifier) Deliver(ctx context.Context, fb Feedback) error {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range n.sinks {
		g.Go(func() error {
			return sink.Record(gctx, fb)
		})
	}
	if err := g.Wait(); err != nil {
		n.failed.Add(1)
		return fmt.Errorf("failed to deliver %s feedback: %w", fb.Topic, err)
	}
	n.delivered.Add(1)
	return nil
}

// Close unsubscribes, delivers what is already queued and stops.
func (n *Notifier) Close() {
	n.unsubscribe()
	n.mu.Lock()
	if !n.closed {
		n.closed = true
		close(n.queue)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

// Delivered returns how many feedback items reached every sink.
func (n *Notifier) Delivered() int64 { return n.delivered.Load() }

// Failed returns how many feedback items had at least one sink error.
func (n *Notifier) Failed() int64 { return n.failed.Load() }

// Dropped returns how many feedback items were discarded on a full queue.
func (n *Notifier) Dropped() int64 { return n.dropped.Load() }
