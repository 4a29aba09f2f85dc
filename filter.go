package dbuswire

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/creachadair/mds/queue"
	"github.com/creachadair/mds/value"
)

// maxFilterQueue bounds how many undelivered messages a filter
// holds. Beyond this, new matches are dropped and counted.
const maxFilterQueue = 20

// A Filter selects incoming messages by predicate and delivers the
// matches on its own queue.
//
// Configure predicates with the chained setters, then register the
// filter with [Router.AddFilter] (or [Conn.Subscribe], which also
// installs the corresponding match rule on the bus). Predicates must
// not be changed after registration.
//
// A Filter must be closed by its creator when no longer needed;
// delivery stops at that point.
type Filter struct {
	typ      value.Maybe[MsgType]
	sender   value.Maybe[string]
	object   value.Maybe[ObjectPath]
	objectNS value.Maybe[ObjectPath]
	iface    value.Maybe[string]
	member   value.Maybe[string]
	argStr   map[int]string
	argPath  map[int]ObjectPath
	arg0NS   value.Maybe[string]

	msgs     chan *Message
	wakePump chan struct{}

	closeOnce   sync.Once
	stopPump    chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[*Message]
	dropped int
}

// NewFilter returns a Filter that matches all signals. Narrow it
// with the predicate setters.
func NewFilter() *Filter {
	f := &Filter{
		typ:         value.Just(MsgSignal),
		msgs:        make(chan *Message),
		wakePump:    make(chan struct{}, 1),
		stopPump:    make(chan struct{}),
		pumpStopped: make(chan struct{}),
	}
	go f.pump()
	return f
}

// Type restricts the filter to messages of type t. NewFilter
// defaults to MsgSignal; pass a zero MsgType to match all types.
func (f *Filter) Type(t MsgType) *Filter {
	if t == 0 {
		f.typ = value.Absent[MsgType]()
	} else {
		f.typ = value.Just(t)
	}
	return f
}

// Sender restricts the filter to messages from the given bus name.
func (f *Filter) Sender(name string) *Filter {
	f.sender = value.Just(name)
	return f
}

// Object restricts the filter to messages from a single source path.
func (f *Filter) Object(p ObjectPath) *Filter {
	f.objectNS = value.Absent[ObjectPath]()
	f.object = value.Just(p.Clean())
	return f
}

// ObjectNamespace restricts the filter to messages whose path is ns
// or a hierarchical descendant of it. The comparison is
// segment-wise: /org/freedesktop/por does not match messages from
// /org/freedesktop/portal/desktop.
func (f *Filter) ObjectNamespace(ns ObjectPath) *Filter {
	f.object = value.Absent[ObjectPath]()
	if ns == "/" {
		// / matches everything, same as no path predicate.
		f.objectNS = value.Absent[ObjectPath]()
	} else {
		f.objectNS = value.Just(ns.Clean())
	}
	return f
}

// Interface restricts the filter to messages for the given
// interface.
func (f *Filter) Interface(iface string) *Filter {
	f.iface = value.Just(iface)
	return f
}

// Member restricts the filter to the given signal or method name.
func (f *Filter) Member(member string) *Filter {
	f.member = value.Just(member)
	return f
}

// ArgStr restricts the filter to messages whose i-th body value is a
// string equal to val.
func (f *Filter) ArgStr(i int, val string) *Filter {
	if f.argStr == nil {
		f.argStr = map[int]string{}
	}
	f.argStr[i] = val
	return f
}

// ArgPathPrefix restricts the filter to messages whose i-th body
// value is a string or object path related to val by path-prefix:
// equal, or one of the two is a /-terminated ancestor of the other.
func (f *Filter) ArgPathPrefix(i int, val ObjectPath) *Filter {
	if f.argPath == nil {
		f.argPath = map[int]ObjectPath{}
	}
	f.argPath[i] = val
	return f
}

// Arg0Namespace restricts the filter to messages whose first body
// value is a dotted name equal to ns or within the dot-separated
// namespace ns.
func (f *Filter) Arg0Namespace(ns string) *Filter {
	f.arg0NS = value.Just(ns)
	return f
}

// Matches reports whether m satisfies every predicate of the filter.
func (f *Filter) Matches(m *Message) bool {
	if t, ok := f.typ.GetOK(); ok && m.Type != t {
		return false
	}
	if s, ok := f.sender.GetOK(); ok && m.Sender != s {
		return false
	}
	if o, ok := f.object.GetOK(); ok && m.Path != o {
		return false
	}
	if ns, ok := f.objectNS.GetOK(); ok && m.Path != ns && !m.Path.IsChildOf(ns) {
		return false
	}
	if i, ok := f.iface.GetOK(); ok && m.Interface != i {
		return false
	}
	if mb, ok := f.member.GetOK(); ok && m.Member != mb {
		return false
	}
	for i, want := range f.argStr {
		got, ok := bodyString(m, i)
		if !ok || got != want {
			return false
		}
	}
	for i, want := range f.argPath {
		got, ok := bodyString(m, i)
		if !ok || !pathPrefixMatch(got, string(want)) {
			return false
		}
	}
	if ns, ok := f.arg0NS.GetOK(); ok {
		got, ok := bodyString(m, 0)
		if !ok || (got != ns && !strings.HasPrefix(got, ns+".")) {
			return false
		}
	}
	return true
}

// bodyString returns the i-th body value if it is a string or an
// object path.
func bodyString(m *Message, i int) (string, bool) {
	if i >= len(m.Body) {
		return "", false
	}
	switch v := m.Body[i].(type) {
	case string:
		return v, true
	case ObjectPath:
		return string(v), true
	}
	return "", false
}

// pathPrefixMatch implements the DBus argNpath relation: the two
// paths are equal, or one of them ends in / and is a prefix of the
// other.
func pathPrefixMatch(got, want string) bool {
	if got == want {
		return true
	}
	if strings.HasSuffix(got, "/") && strings.HasPrefix(want, got) {
		return true
	}
	if strings.HasSuffix(want, "/") && strings.HasPrefix(got, want) {
		return true
	}
	return false
}

// Rule renders the filter as a DBus match rule string suitable for
// the bus's AddMatch and RemoveMatch methods.
func (f *Filter) Rule() string {
	var ms []string
	kv := func(k, v string) {
		ms = append(ms, fmt.Sprintf("%s=%s", k, escapeMatchArg(v)))
	}
	if t, ok := f.typ.GetOK(); ok {
		kv("type", t.String())
	}
	if s, ok := f.sender.GetOK(); ok {
		kv("sender", s)
	}
	if o, ok := f.object.GetOK(); ok {
		kv("path", o.String())
	}
	if ns, ok := f.objectNS.GetOK(); ok {
		kv("path_namespace", ns.String())
	}
	if i, ok := f.iface.GetOK(); ok {
		kv("interface", i)
	}
	if mb, ok := f.member.GetOK(); ok {
		kv("member", mb)
	}
	for _, i := range slices.Sorted(maps.Keys(f.argStr)) {
		kv(fmt.Sprintf("arg%d", i), f.argStr[i])
	}
	for _, i := range slices.Sorted(maps.Keys(f.argPath)) {
		kv(fmt.Sprintf("arg%dpath", i), f.argPath[i].String())
	}
	if ns, ok := f.arg0NS.GetOK(); ok {
		kv("arg0namespace", ns)
	}
	return strings.Join(ms, ",")
}

func escapeMatchArg(s string) string {
	s = strings.ReplaceAll(s, "'", "'\\''")
	return "'" + s + "'"
}

// Chan returns the channel on which matching messages are delivered.
//
// The caller must drain this channel promptly: a filter buffers a
// bounded number of undelivered messages, and drops (and counts)
// matches beyond that.
func (f *Filter) Chan() <-chan *Message { return f.msgs }

// Next returns the next matching message, waiting until one arrives
// or ctx is done. It returns [ErrFilterClosed] once the filter is
// closed and drained.
func (f *Filter) Next(ctx context.Context) (*Message, error) {
	select {
	case m, ok := <-f.msgs:
		if !ok {
			return nil, ErrFilterClosed
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dropped returns how many matching messages were discarded because
// the caller did not drain the filter fast enough.
func (f *Filter) Dropped() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dropped
}

// Close stops delivery and discards queued messages. Closing does
// not detach the filter from its router; use [Router.RemoveFilter]
// (or [Conn.Unsubscribe]) for that. Close is idempotent, and safe to
// call concurrently with a router teardown closing the same filter.
func (f *Filter) Close() {
	f.closeOnce.Do(func() { close(f.stopPump) })
	<-f.pumpStopped

	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue.Clear()
}

func (f *Filter) deliver(m *Message) {
	f.mu.Lock()
	defer f.mu.Unlock()

	select {
	case <-f.pumpStopped:
		// raced with a Close, this filter is done.
		return
	default:
	}

	if f.queue.Len() >= maxFilterQueue {
		f.dropped++
		return
	}
	f.queue.Add(m)
	if f.queue.Len() == 1 {
		select {
		case f.wakePump <- struct{}{}:
		default:
		}
	}
}

func (f *Filter) pump() {
	defer close(f.pumpStopped)
	defer close(f.msgs)
	for {
		m := func() *Message {
			f.mu.Lock()
			defer f.mu.Unlock()
			ret, _ := f.queue.Pop()
			return ret
		}()
		if m == nil {
			select {
			case <-f.stopPump:
				return
			case <-f.wakePump:
				continue
			}
		}
		select {
		case f.msgs <- m:
		case <-f.stopPump:
			return
		}
	}
}
