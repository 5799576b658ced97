// Package connectivity observes a raw reachability signal and emits
// debounced online/offline transitions on a single ordered event stream.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the debounce window: rapid flips within this window
// collapse into one stabilized event.
const DefaultWindow = 300 * time.Millisecond

// EventKind identifies the kind of event emitted by the monitor.
type EventKind string

const (
	// EventConnectivityChanged reports a settled online/offline transition.
	EventConnectivityChanged EventKind = "connectivity_changed"
	// EventFlushReady fires once per settle when the client comes online
	// with a non-empty offline queue. Consumers use it to prompt an
	// auto-send confirmation.
	EventFlushReady EventKind = "flush_ready"
	// EventFlushCleared fires on transition to offline so consumers drop
	// any pending flush prompt.
	EventFlushCleared EventKind = "flush_cleared"
)

// Event is one entry in the monitor's ordered stream. Consumers process
// events through a single handler, so derived state always reflects the
// last delivered event.
type Event struct {
	Kind   EventKind
	Online bool
}

// QueueSizer reports the offline queue depth. Only Len is needed here.
type QueueSizer interface {
	Len() int
}

// Monitor debounces a raw reachability signal.
type Monitor struct {
	raw    <-chan bool
	queue  QueueSizer
	window time.Duration

	mu     sync.Mutex
	online bool
}

// MonitorOpts holds parameters for creating a Monitor.
type MonitorOpts struct {
	Raw    <-chan bool   // raw reachability signal (required)
	Queue  QueueSizer    // optional; enables flush-ready signals
	Window time.Duration // defaults to DefaultWindow
	// InitiallyOnline sets the assumed state before the first settled
	// signal. Defaults to offline, the pessimistic choice: a queued-first
	// send is always safe, an optimistic direct send is not.
	InitiallyOnline bool
}

// NewMonitor creates a Monitor.
func NewMonitor(opts MonitorOpts) (*Monitor, error) {
	if opts.Raw == nil {
		return nil, fmt.Errorf("connectivity: raw signal is required")
	}
	window := opts.Window
	if window <= 0 {
		window = DefaultWindow
	}
	return &Monitor{
		raw:    opts.Raw,
		queue:  opts.Queue,
		window: window,
		online: opts.InitiallyOnline,
	}, nil
}

// Online returns the last settled state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Run starts the debounce loop and returns the ordered event stream. The
// stream is closed when the context is cancelled or the raw signal closes.
// Each raw flip restarts the debounce window; only the value that survives
// a full quiet window is compared against the settled state and emitted.
func (m *Monitor) Run(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)
	go func() {
		defer close(ch)

		var pending bool
		timer := time.NewTimer(m.window)
		if !timer.Stop() {
			<-timer.C
		}
		var timerC <-chan time.Time

		emit := func(e Event) bool {
			select {
			case ch <- e:
				return true
			case <-ctx.Done():
				return false
			}
		}

		for {
			select {
			case <-ctx.Done():
				return
			case v, ok := <-m.raw:
				if !ok {
					return
				}
				pending = v
				if timerC != nil && !timer.Stop() {
					<-timer.C
				}
				timer.Reset(m.window)
				timerC = timer.C
			case <-timerC:
				timerC = nil

				m.mu.Lock()
				changed := pending != m.online
				m.online = pending
				m.mu.Unlock()
				if !changed {
					continue
				}

				if !emit(Event{Kind: EventConnectivityChanged, Online: pending}) {
					return
				}
				switch {
				case pending && m.queue != nil && m.queue.Len() > 0:
					if !emit(Event{Kind: EventFlushReady, Online: true}) {
						return
					}
				case !pending:
					if !emit(Event{Kind: EventFlushCleared, Online: false}) {
						return
					}
				}
			}
		}
	}()
	return ch
}
