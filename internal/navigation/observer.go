package navigation

import (
	"net/url"
	"sync"

	"github.com/a-essam23/roomgate/internal/broker"
)

// Transition is one phase change of one navigation.
type Transition struct {
	Seq      uint64
	From, To Phase
	Path     string
	Route    string

	// Room is set when the navigation reached Active with a chat stream.
	Room *RoomContext
	// Channel is the established channel on Active.
	Channel broker.Channel

	// Err is the classified error kind (see package errs); Cause keeps the
	// full error for logs.
	Err   error
	Cause error

	NotFound bool
	// Redirect is the login or guest path (Resolving→Idle) or the external
	// location of a redirect-out (Active).
	Redirect string
	// Pending is the intent replayed after login.
	Pending string
}

// Signal is emitted once per accepted landing callback.
type Signal struct {
	Seq     uint64
	Route   string
	Purpose string
	Values  url.Values
}

// Observer is the presentation layer. Calls are made in order from a
// single goroutine.
type Observer interface {
	Transition(Transition)
	Signal(Signal)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	OnTransition func(Transition)
	OnSignal     func(Signal)
}

func (o ObserverFuncs) Transition(t Transition) {
	if o.OnTransition != nil {
		o.OnTransition(t)
	}
}

func (o ObserverFuncs) Signal(s Signal) {
	if o.OnSignal != nil {
		o.OnSignal(s)
	}
}

// notifier delivers queued notifications in order on its own goroutine so
// a slow observer never blocks the controller.
type notifier struct {
	observer Observer

	mu     sync.Mutex
	queue  []func(Observer)
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newNotifier(o Observer) *notifier {
	n := &notifier{
		observer: o,
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) push(fn func(Observer)) {
	if n.observer == nil {
		return
	}
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.queue = append(n.queue, fn)
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

func (n *notifier) run() {
	defer close(n.done)
	for {
		n.mu.Lock()
		batch := n.queue
		n.queue = nil
		closed := n.closed
		n.mu.Unlock()

		for _, fn := range batch {
			fn(n.observer)
		}
		if closed && len(batch) == 0 {
			return
		}
		if len(batch) == 0 {
			<-n.wake
		}
	}
}

// close stops accepting notifications and waits for the queue to drain.
func (n *notifier) close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
	select {
	case n.wake <- struct{}{}:
	default:
	}
	<-n.done
}
