package gateway

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/emeraldrp/beacon-gateway/pkg/beacon"
)

// pendingCall is one outstanding request on a channel. It is resolved
// exactly once: whoever wins the take on its correlation id calls finish,
// everyone else waits on done.
type pendingCall struct {
	id       uint64
	event    beacon.Event
	data     json.RawMessage
	deadline time.Time

	// sent is touched by the channel driver goroutine only.
	sent bool

	done   chan struct{}
	result json.RawMessage
	err    error
}

func (p *pendingCall) finish(result json.RawMessage, err error) {
	p.result = result
	p.err = err
	close(p.done)
}

// correlator owns the in-flight map of one channel: it assigns correlation
// ids and guarantees that every pending call leaves the map exactly once.
type correlator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*pendingCall
}

func newCorrelator() *correlator {
	return &correlator{
		pending: make(map[uint64]*pendingCall),
	}
}

func (c *correlator) register(event beacon.Event, data json.RawMessage, deadline time.Time) *pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	p := &pendingCall{
		id:       c.nextID,
		event:    event,
		data:     data,
		deadline: deadline,
		done:     make(chan struct{}),
	}
	c.pending[p.id] = p
	return p
}

// take removes the pending call for id. The caller must finish it
// immediately; a false return means someone else already did.
func (c *correlator) take(id uint64) (*pendingCall, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	delete(c.pending, id)
	return p, true
}

func (c *correlator) resolve(id uint64, result json.RawMessage) bool {
	p, ok := c.take(id)
	if !ok {
		return false
	}
	p.finish(result, nil)
	return true
}

func (c *correlator) fail(id uint64, err error) bool {
	p, ok := c.take(id)
	if !ok {
		return false
	}
	p.finish(nil, err)
	return true
}

func (c *correlator) live(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.pending[id]
	return ok
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.pending)
}

// inflight returns every pending call in submission order, used by the
// driver to re-send unresolved requests after a reconnect.
func (c *correlator) inflight() []*pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	calls := make([]*pendingCall, 0, len(c.pending))
	for _, p := range c.pending {
		calls = append(calls, p)
	}
	sort.Slice(calls, func(i, j int) bool { return calls[i].id < calls[j].id })
	return calls
}

// drain empties the map and hands every pending call to the caller for a
// forced failure, used by channel teardown.
func (c *correlator) drain() []*pendingCall {
	c.mu.Lock()
	defer c.mu.Unlock()

	calls := make([]*pendingCall, 0, len(c.pending))
	for id, p := range c.pending {
		calls = append(calls, p)
		delete(c.pending, id)
	}
	return calls
}
