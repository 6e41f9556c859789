package eventbus

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	logx "scand/pkg/logx"
)

// ErrUnknownKind is the panic value (strict mode) or log reason (lenient
// mode) for events whose kind is not in the catalog.
var ErrUnknownKind = errors.New("eventbus: unknown event kind")

// Event is an advisory, in-memory signal. Events are never persisted.
//
// Payload is kind-specific and should be small and JSON-serializable.
type Event struct {
	Kind    Kind      `json:"kind"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload,omitempty"`
}

// Listener receives events synchronously on the publisher's goroutine.
// It must not block for long; use Channel for slow consumers.
type Listener func(Event)

// Handle identifies one subscription.
type Handle uint64

// Publisher is the narrow view components depend on.
type Publisher interface {
	Publish(e Event)
}

type Options struct {
	// Strict makes publishing an unknown kind panic. Enable outside production.
	Strict bool
	Log    logx.Logger
}

type entry struct {
	h  Handle
	fn Listener
}

// Dispatcher is a synchronous fanout over a closed catalog of kinds.
//
// Contract:
//   - Publish delivers to listeners in subscription order, on the caller's goroutine.
//   - Each listener sees an event at most once.
//   - A listener that panics is logged and skipped; the others still run.
//   - Unsubscribing concurrently with Publish may or may not see that event.
type Dispatcher struct {
	mu   sync.RWMutex
	subs []entry
	seq  atomic.Uint64

	strict bool
	log    logx.Logger
	warn   *logx.Throttle
}

// New returns a Dispatcher. It does not own background goroutines.
func New(opts Options) *Dispatcher {
	return &Dispatcher{
		strict: opts.Strict,
		log:    opts.Log,
		warn:   logx.NewThrottle(5 * time.Second),
	}
}

func (d *Dispatcher) Subscribe(fn Listener) Handle {
	if fn == nil {
		return 0
	}
	h := Handle(d.seq.Add(1))
	d.mu.Lock()
	// copy-on-write so Publish can iterate a snapshot without holding the lock
	next := make([]entry, len(d.subs), len(d.subs)+1)
	copy(next, d.subs)
	d.subs = append(next, entry{h: h, fn: fn})
	d.mu.Unlock()
	return h
}

// Unsubscribe removes h. Unknown or repeated handles are ignored.
func (d *Dispatcher) Unsubscribe(h Handle) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, e := range d.subs {
		if e.h != h {
			continue
		}
		next := make([]entry, 0, len(d.subs)-1)
		next = append(next, d.subs[:i]...)
		d.subs = append(next, d.subs[i+1:]...)
		return
	}
}

// Len returns the number of registered listeners.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *Dispatcher) Publish(e Event) {
	if d == nil {
		return
	}
	if !e.Kind.Valid() {
		err := fmt.Errorf("%w: %q", ErrUnknownKind, string(e.Kind))
		if d.strict {
			panic(err)
		}
		if d.warn.Allow("kind:"+string(e.Kind), time.Now()) {
			d.log.Warn("event dropped", logx.String("kind", string(e.Kind)), logx.Err(err))
		}
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.RLock()
	subs := d.subs
	d.mu.RUnlock()

	for _, s := range subs {
		d.deliver(s, e)
	}
}

func (d *Dispatcher) deliver(s entry, e Event) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("event listener panic",
				logx.String("kind", string(e.Kind)),
				logx.Uint64("handle", uint64(s.h)),
				logx.Any("panic", r),
			)
		}
	}()
	s.fn(e)
}

// Channel subscribes a buffered channel. Delivery never blocks the
// publisher: when the buffer is full the event is dropped for this
// consumer only. The returned func unsubscribes and closes the channel.
func (d *Dispatcher) Channel(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
	)
	h := d.Subscribe(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})

	var once sync.Once
	stop := func() {
		once.Do(func() {
			d.Unsubscribe(h)
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, stop
}
