package orchestrator

import (
	"sync"
	"time"
)

// completion settles one pending task await. Exactly one completion is
// delivered per dispatched task, by whichever side claims the wait first.
type completion struct {
	success bool
	code    string
}

// pendingWait tracks one dispatched task until its terminal reply.
type pendingWait struct {
	ch        chan completion
	sessionID string
	start     time.Time
}

// pendingWaits is the in-flight dispatch table. An entry exists from the
// moment the instruction is sent until a reply, timeout, or cancellation
// claims it; claiming grants the exclusive right to record the outcome.
type pendingWaits struct {
	mu    sync.Mutex
	waits map[string]*pendingWait
}

func newPendingWaits() *pendingWaits {
	return &pendingWaits{waits: make(map[string]*pendingWait)}
}

// add registers a wait for the task and returns the channel to await. The
// channel is buffered so the claimer never blocks delivering the completion.
func (p *pendingWaits) add(taskID, sessionID string, start time.Time) <-chan completion {
	w := &pendingWait{
		ch:        make(chan completion, 1),
		sessionID: sessionID,
		start:     start,
	}
	p.mu.Lock()
	p.waits[taskID] = w
	p.mu.Unlock()
	return w.ch
}

// claim removes the wait and hands it to the caller. A false return means
// another side settled the task first and the caller must stand down.
func (p *pendingWaits) claim(taskID string) (*pendingWait, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.waits[taskID]
	if ok {
		delete(p.waits, taskID)
	}
	return w, ok
}

func (p *pendingWaits) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.waits)
}
