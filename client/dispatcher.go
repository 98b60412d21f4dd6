package client

import (
	"log"
	"sync"

	"tictactoe-sync/models"
)

// dispatcher delivers events to the handler one at a time in emit order.
// An emit from inside the handler, or from another goroutine while a
// drain is running, is queued and delivered by the running drain.
type dispatcher struct {
	handler func(models.Event)

	mu       sync.Mutex
	pending  []models.Event
	draining bool
}

func newDispatcher(handler func(models.Event)) *dispatcher {
	return &dispatcher{handler: handler}
}

func (d *dispatcher) emit(events ...models.Event) {
	if len(events) == 0 {
		return
	}

	d.mu.Lock()
	d.pending = append(d.pending, events...)
	if d.draining {
		d.mu.Unlock()
		return
	}
	d.draining = true

	for len(d.pending) > 0 {
		ev := d.pending[0]
		d.pending = d.pending[1:]
		d.mu.Unlock()
		d.deliver(ev)
		d.mu.Lock()
	}
	d.draining = false
	d.mu.Unlock()
}

func (d *dispatcher) deliver(ev models.Event) {
	if d.handler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[SYNC] event handler panicked on %s: %v", ev.Type, r)
		}
	}()
	d.handler(ev)
}
