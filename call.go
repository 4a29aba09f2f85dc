package dbuswire

import "context"

// A PendingCall is the single-assignment result slot for a method
// call awaiting its reply. It resolves exactly once: with the reply
// body, with a [CallError] if the peer answered with an error
// message, or with the shutdown reason if the router is torn down
// first.
type PendingCall struct {
	router *Router
	serial uint32
	notify chan struct{}

	// body and err are written exactly once, before notify is
	// closed, and never afterward.
	body []any
	err  error
}

// Serial returns the serial of the call this PendingCall is waiting
// on.
func (p *PendingCall) Serial() uint32 { return p.serial }

// Done returns a channel that is closed when the call resolves.
func (p *PendingCall) Done() <-chan struct{} { return p.notify }

// Result returns the call's resolution. It must only be called
// after [PendingCall.Done] is closed.
func (p *PendingCall) Result() ([]any, error) {
	return p.body, p.err
}

// Wait blocks until the call resolves or ctx is done, whichever
// comes first.
//
// A context timeout does not deregister the call: a late reply can
// still resolve it, and the registration lives until the router
// shuts down. Callers that abandon a call should Cancel it.
func (p *PendingCall) Wait(ctx context.Context) ([]any, error) {
	select {
	case <-p.notify:
		return p.body, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel removes the call's registration from the router. A
// canceled call never resolves; a reply arriving afterward is
// treated as unhandled. Cancel after resolution is a no-op, so it
// is safe to defer unconditionally.
func (p *PendingCall) Cancel() {
	r := p.router
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[p.serial] == p {
		delete(r.calls, p.serial)
	}
}

func (p *PendingCall) resolve(body []any, err error) {
	p.body = body
	p.err = err
	close(p.notify)
}
