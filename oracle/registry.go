package oracle

import (
	"fmt"
	"sync"
	"time"
)

// RequestStatus is the lifecycle state of a pending request.
type RequestStatus string

const (
	StatusPending   RequestStatus = "pending"
	StatusCompleted RequestStatus = "completed"
	StatusFailed    RequestStatus = "failed"
	StatusCancelled RequestStatus = "cancelled"
)

// Entry is one in-flight (or just-resolved) oracle request. RequestID stays
// zero until the ledger's acceptance event assigns one.
type Entry struct {
	Query       string
	Status      RequestStatus
	SubmittedAt time.Time
	TxHash      string
	AgentID     uint64
	RequestID   uint64
	Response    string
	Err         string
}

// registry is the single source of truth for in-flight requests, shared by
// the submitter, the mock scheduler, the watch loops, and the public facade.
// Every operation is atomic under one mutex; transitions are monotonic
// pending -> {completed|failed|cancelled} and never revert.
type registry struct {
	mu       sync.Mutex
	requests map[string]*Entry

	// onChange receives a copy of the entry after every state change, outside
	// the lock. Used to mirror transitions into the journal.
	onChange func(Entry)
}

func newRegistry(onChange func(Entry)) *registry {
	return &registry{
		requests: make(map[string]*Entry),
		onChange: onChange,
	}
}

func (r *registry) notify(e Entry) {
	if r.onChange != nil {
		r.onChange(e)
	}
}

// Add inserts a new entry. Submission identifiers are unique, so an existing
// entry under the same hash is an error rather than an overwrite.
func (r *registry) Add(e Entry) error {
	r.mu.Lock()
	if _, exists := r.requests[e.TxHash]; exists {
		r.mu.Unlock()
		return fmt.Errorf("request %s already registered", e.TxHash)
	}
	if e.SubmittedAt.IsZero() {
		e.SubmittedAt = time.Now()
	}
	stored := e
	r.requests[e.TxHash] = &stored
	r.mu.Unlock()

	r.notify(e)
	return nil
}

// Get returns a copy of the entry.
func (r *registry) Get(txHash string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.requests[txHash]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns a copy of the whole map, never the live one.
func (r *registry) Snapshot() map[string]Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Entry, len(r.requests))
	for hash, e := range r.requests {
		out[hash] = *e
	}
	return out
}

// SetRequestID records the ledger-assigned request id. The id is stable:
// once set it is never overwritten, and only pending entries accept one.
func (r *registry) SetRequestID(txHash string, requestID uint64) bool {
	r.mu.Lock()
	e, ok := r.requests[txHash]
	if !ok || e.Status != StatusPending {
		r.mu.Unlock()
		return false
	}
	if e.RequestID == 0 {
		e.RequestID = requestID
	}
	copied := *e
	r.mu.Unlock()

	r.notify(copied)
	return true
}

// Complete transitions pending -> completed with the response attached.
func (r *registry) Complete(txHash, response string) bool {
	return r.finish(txHash, StatusCompleted, response, "")
}

// Fail transitions pending -> failed with the error message attached.
func (r *registry) Fail(txHash, errMsg string) bool {
	return r.finish(txHash, StatusFailed, "", errMsg)
}

func (r *registry) finish(txHash string, status RequestStatus, response, errMsg string) bool {
	r.mu.Lock()
	e, ok := r.requests[txHash]
	if !ok || e.Status != StatusPending {
		r.mu.Unlock()
		return false
	}
	e.Status = status
	e.Response = response
	e.Err = errMsg
	copied := *e
	r.mu.Unlock()

	r.notify(copied)
	return true
}

// Cancel removes a non-terminal entry. Returns false when the hash is absent
// or the request already resolved.
func (r *registry) Cancel(txHash string) bool {
	r.mu.Lock()
	e, ok := r.requests[txHash]
	if !ok || e.Status != StatusPending {
		r.mu.Unlock()
		return false
	}
	e.Status = StatusCancelled
	copied := *e
	delete(r.requests, txHash)
	r.mu.Unlock()

	r.notify(copied)
	return true
}

// Take removes the entry and returns it: the atomic read-and-delete used
// when a terminal state is consumed by the caller.
func (r *registry) Take(txHash string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.requests[txHash]
	if !ok {
		return Entry{}, false
	}
	delete(r.requests, txHash)
	return *e, true
}

func (r *registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.requests)
}
