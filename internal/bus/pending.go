package bus

import (
	"sync"
	"time"

	"github.com/whookdev/busbridge/internal/codec"
)

// Pending tracks sends awaiting a reply from a remote consumer, keyed by
// correlation id. Each entry is resolved exactly once: by a reply, by its
// timeout or by FailAll.
type Pending struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

type pendingEntry struct {
	onReply ReplyHandler
	timer   *time.Timer
}

func NewPending() *Pending {
	return &Pending{entries: make(map[string]*pendingEntry)}
}

// Add registers onReply under id and arms a timer that fails it with a
// TIMEOUT once timeout elapses.
func (p *Pending) Add(id, address string, timeout time.Duration, onReply ReplyHandler) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.entries[id] = &pendingEntry{
		onReply: onReply,
		timer: time.AfterFunc(timeout, func() {
			p.Resolve(id, nil, TimeoutError(address, timeout))
		}),
	}
}

// Resolve hands the outcome to the handler registered under id. It reports
// false when id is unknown or already resolved.
func (p *Pending) Resolve(id string, v codec.Value, err error) bool {
	p.mu.Lock()
	e, ok := p.entries[id]
	if ok {
		delete(p.entries, id)
		e.timer.Stop()
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	e.onReply(v, err)
	return true
}

func (p *Pending) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// FailAll resolves every outstanding entry with err.
func (p *Pending) FailAll(err error) {
	p.mu.Lock()
	entries := p.entries
	p.entries = make(map[string]*pendingEntry)
	p.mu.Unlock()

	for _, e := range entries {
		e.timer.Stop()
		e.onReply(nil, err)
	}
}
