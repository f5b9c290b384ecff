package chat

import "time"

// deferredSet holds keyed, cancellable actions that fire on the loop after a
// delay. Arming a key replaces its pending action. All methods must be
// called on the loop.
type deferredSet struct {
	loop    *Loop
	pending map[string]pendingAction
	nextGen uint64
}

type pendingAction struct {
	gen   uint64
	timer *time.Timer
}

func newDeferredSet(loop *Loop) *deferredSet {
	return &deferredSet{loop: loop, pending: make(map[string]pendingAction)}
}

// arm schedules fn for key after delay, cancelling any earlier action for key.
func (d *deferredSet) arm(key string, delay time.Duration, fn func()) {
	d.cancel(key)

	d.nextGen++
	gen := d.nextGen
	timer := time.AfterFunc(delay, func() {
		d.loop.Post(func() {
			// A stale timer can fire after cancel or re-arm.
			current, ok := d.pending[key]
			if !ok || current.gen != gen {
				return
			}
			delete(d.pending, key)
			fn()
		})
	})
	d.pending[key] = pendingAction{gen: gen, timer: timer}
}

// cancel drops the pending action for key and reports whether there was one.
func (d *deferredSet) cancel(key string) bool {
	current, ok := d.pending[key]
	if !ok {
		return false
	}
	current.timer.Stop()
	delete(d.pending, key)
	return true
}

func (d *deferredSet) cancelAll() {
	for key := range d.pending {
		d.cancel(key)
	}
}

func (d *deferredSet) armed(key string) bool {
	_, ok := d.pending[key]
	return ok
}
