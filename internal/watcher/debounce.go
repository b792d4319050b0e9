package watcher

import (
	"sync"
	"time"
)

// Debouncer collapses bursts of events for the same key into one firing. It
// is an explicit timer table with cancel-and-reschedule semantics: a new
// event for a pending key cancels the pending timer and schedules a fresh
// one, so only the last event within the window fires. Keys are module ids,
// not raw paths.
type Debouncer struct {
	delay time.Duration
	fire  func(key string, event ChangeEvent)

	mutex  sync.Mutex
	timers map[string]*time.Timer
	latest map[string]ChangeEvent
}

// NewDebouncer creates a debouncer that calls fire once per key after delay
// has elapsed without another event for that key.
func NewDebouncer(delay time.Duration, fire func(key string, event ChangeEvent)) *Debouncer {
	return &Debouncer{
		delay:  delay,
		fire:   fire,
		timers: make(map[string]*time.Timer),
		latest: make(map[string]ChangeEvent),
	}
}

// Schedule records an event for a key, canceling and rescheduling any timer
// already pending for it.
func (d *Debouncer) Schedule(key string, event ChangeEvent) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.latest[key] = event
	if timer, ok := d.timers[key]; ok {
		timer.Stop()
	}
	d.timers[key] = time.AfterFunc(d.delay, func() {
		d.expire(key)
	})
}

func (d *Debouncer) expire(key string) {
	d.mutex.Lock()
	event, ok := d.latest[key]
	delete(d.latest, key)
	delete(d.timers, key)
	d.mutex.Unlock()

	if ok {
		d.fire(key, event)
	}
}

// Cancel drops the pending timer for a key. Returns whether one was pending.
func (d *Debouncer) Cancel(key string) bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	timer, ok := d.timers[key]
	if !ok {
		return false
	}
	timer.Stop()
	delete(d.timers, key)
	delete(d.latest, key)
	return true
}

// Pending returns the number of keys with a scheduled firing.
func (d *Debouncer) Pending() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	return len(d.timers)
}

// Stop cancels every pending timer.
func (d *Debouncer) Stop() {
	d.mutex.Lock()
	defer d.mutex.Unlock()
	for key, timer := range d.timers {
		timer.Stop()
		delete(d.timers, key)
		delete(d.latest, key)
	}
}
