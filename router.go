package dbuswire

import (
	"iter"
	"sync"

	"github.com/creachadair/mds/mapset"
)

// A Router correlates the messages of one connection: it stamps
// serials on outgoing messages, resolves pending method calls when
// their replies arrive, and fans incoming signals out to registered
// filters.
//
// A Router is safe for concurrent use: any number of senders may
// call Outgoing while a single read loop feeds Incoming.
type Router struct {
	mu         sync.Mutex
	closed     bool
	closeErr   error
	lastSerial uint32
	calls      map[uint32]*PendingCall
	filters    mapset.Set[*Filter]
	unhandled  func(*Message)
}

// NewRouter returns a ready-to-use Router.
func NewRouter() *Router {
	return &Router{
		calls: map[uint32]*PendingCall{},
	}
}

// OnUnhandled registers a catch-all for messages the router cannot
// route: replies whose serial matches no pending call (which
// legitimately happens with late replies after a cancellation),
// signals matching no filter, and incoming method calls. Without a
// catch-all such messages are dropped.
//
// OnUnhandled must be called before the router starts receiving
// messages.
func (r *Router) OnUnhandled(fn func(*Message)) {
	r.unhandled = fn
}

// Outgoing prepares m for sending: it assigns the connection's next
// serial and, if m is a method call expecting a reply, registers and
// returns a PendingCall that will resolve when the reply arrives.
// For all other messages it returns nil.
//
// After [Router.Shutdown], messages expecting a reply are rejected,
// since no reply can ever arrive.
func (r *Router) Outgoing(m *Message) (*PendingCall, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed && m.WantReply() {
		return nil, r.closeErr
	}
	r.lastSerial++
	if r.lastSerial == 0 {
		// Serial 0 is reserved as invalid; skip it on wraparound.
		r.lastSerial = 1
	}
	m.Serial = r.lastSerial
	if !m.WantReply() {
		return nil, nil
	}
	pc := &PendingCall{
		router: r,
		serial: m.Serial,
		notify: make(chan struct{}),
	}
	r.calls[m.Serial] = pc
	return pc, nil
}

// Incoming routes one received message.
//
// Method returns and errors resolve the pending call registered
// under their reply serial, in the order their replies are observed
// on the wire. Signals are delivered to every matching filter.
// Everything else goes to the catch-all, if one is registered.
func (r *Router) Incoming(m *Message) {
	switch m.Type {
	case MsgMethodReturn:
		if pc := r.takeCall(m.ReplySerial); pc != nil {
			pc.resolve(m.Body, nil)
			return
		}
	case MsgError:
		if pc := r.takeCall(m.ReplySerial); pc != nil {
			pc.resolve(nil, CallError{Name: m.ErrName, Body: m.Body})
			return
		}
	case MsgSignal:
		delivered := false
		for f := range r.lockedFilters() {
			if f.Matches(m) {
				f.deliver(m)
				delivered = true
			}
		}
		if delivered {
			return
		}
	}
	if r.unhandled != nil {
		r.unhandled(m)
	}
}

func (r *Router) takeCall(serial uint32) *PendingCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	pc := r.calls[serial]
	delete(r.calls, serial)
	return pc
}

func (r *Router) lockedFilters() iter.Seq[*Filter] {
	return func(yield func(*Filter) bool) {
		r.mu.Lock()
		defer r.mu.Unlock()
		for f := range r.filters {
			if !yield(f) {
				return
			}
		}
	}
}

// AddFilter registers f to receive matching signals. The filter's
// predicates must be fully configured before registration.
func (r *Router) AddFilter(f *Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.closeErr
	}
	if r.filters == nil {
		r.filters = mapset.New[*Filter]()
	}
	r.filters.Add(f)
	return nil
}

// RemoveFilter detaches f; it receives no further messages. The
// filter itself remains usable until the caller closes it, so
// already-queued messages can still be drained.
func (r *Router) RemoveFilter(f *Filter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.filters.Remove(f)
}

// Shutdown resolves every still-pending call with reason (or
// [ErrRouterClosed] if reason is nil), closes all registered
// filters, and rejects future reply-expecting sends. It is
// idempotent; only the first reason is used.
func (r *Router) Shutdown(reason error) {
	if reason == nil {
		reason = ErrRouterClosed
	}
	var (
		pend    map[uint32]*PendingCall
		filters mapset.Set[*Filter]
	)
	{
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.closed = true
		r.closeErr = reason
		pend, r.calls = r.calls, nil
		filters, r.filters = r.filters, nil
		r.mu.Unlock()
	}
	for _, pc := range pend {
		pc.resolve(nil, reason)
	}
	for f := range filters {
		f.Close()
	}
}
