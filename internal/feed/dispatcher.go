package feed

import "sync"

// dispatcher serializes callback invocation for one instrument. Its mailbox
// holds a single slot: when the consumer falls behind, older undelivered
// ticks are coalesced to the latest one. That is safe because position MTM is
// idempotent and only the latest price matters.
type dispatcher struct {
	mu      sync.Mutex
	pending *Message
	wake    chan struct{}
	quit    chan struct{}
	once    sync.Once
}

func newDispatcher(deliver func(Message)) *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
	}
	go d.loop(deliver)
	return d
}

// offer replaces any undelivered tick with the new one and wakes the loop.
func (d *dispatcher) offer(msg Message) {
	d.mu.Lock()
	d.pending = &msg
	d.mu.Unlock()
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) loop(deliver func(Message)) {
	for {
		select {
		case <-d.quit:
			return
		case <-d.wake:
		}
		for {
			d.mu.Lock()
			msg := d.pending
			d.pending = nil
			d.mu.Unlock()
			if msg == nil {
				break
			}
			deliver(*msg)
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.quit) })
}
