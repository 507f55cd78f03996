package client

import (
	"sync"

	"github.com/roelfdiedericks/clawgate/internal/protocol"
)

type pendingRequest struct {
	method string
	ch     chan *protocol.Response
	err    error
}

// pendingTable correlates responses to in-flight requests by frame ID.
// One table exists per connection attempt; a superseded connection's IDs
// are never reused because every request gets a fresh uuid.
type pendingTable struct {
	mu       sync.Mutex
	requests map[string]*pendingRequest
}

func newPendingTable() *pendingTable {
	return &pendingTable{requests: make(map[string]*pendingRequest)}
}

// add registers an in-flight request. The waiter reads the response from
// req.ch; a closed channel means the request failed and req.err says why.
func (p *pendingTable) add(id, method string) *pendingRequest {
	p.mu.Lock()
	defer p.mu.Unlock()

	req := &pendingRequest{method: method, ch: make(chan *protocol.Response, 1)}
	p.requests[id] = req
	return req
}

// remove drops a request without resolving it (timeout, context cancel)
func (p *pendingTable) remove(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.requests, id)
}

// resolve delivers a response to its waiter. Unknown IDs are ignored:
// they belong to a timed-out or superseded request.
func (p *pendingTable) resolve(res *protocol.Response) bool {
	p.mu.Lock()
	req, ok := p.requests[res.ID]
	if ok {
		delete(p.requests, res.ID)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	req.ch <- res
	return true
}

// failAll rejects every in-flight request with the given error, closing
// their channels so waiters observe it immediately.
func (p *pendingTable) failAll(err error) {
	p.mu.Lock()
	requests := p.requests
	p.requests = make(map[string]*pendingRequest)
	p.mu.Unlock()

	for _, req := range requests {
		req.err = err
		close(req.ch)
	}
}
