// Package sched runs a function on a fixed interval through its owner's
// executor. Start and Stop are idempotent and safe from any goroutine.
package sched

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Executor runs f on the owner's goroutine.
type Executor func(f func())

// Inline runs f on the calling goroutine.
func Inline(f func()) { f() }

type Task struct {
	name  string
	clock clockwork.Clock
	post  Executor
	fn    func()

	mu       sync.Mutex
	interval time.Duration
	gen      uint64
	running  bool
	stop     chan struct{}
}

func NewTask(name string, clock clockwork.Clock, interval time.Duration, post Executor, fn func()) *Task {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if post == nil {
		post = Inline
	}
	return &Task{name: name, clock: clock, post: post, fn: fn, interval: interval}
}

func (t *Task) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked()
}

func (t *Task) startLocked() {
	if t.running || t.interval <= 0 {
		return
	}
	t.running = true
	t.gen++
	t.stop = make(chan struct{})
	go t.loop(t.gen, t.interval, t.stop)
	log.Debug().Msgf("sched.Task.Start name=%s interval=%s", t.name, t.interval)
}

func (t *Task) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Task) stopLocked() {
	if !t.running {
		return
	}
	t.running = false
	t.gen++
	close(t.stop)
	log.Debug().Msgf("sched.Task.Stop name=%s", t.name)
}

func (t *Task) Restart() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
	t.startLocked()
}

// SetInterval changes the period and restarts the task if it is running.
func (t *Task) SetInterval(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.interval = d
	if t.running {
		t.stopLocked()
		t.startLocked()
	}
}

func (t *Task) Interval() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval
}

func (t *Task) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

func (t *Task) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running && t.gen == gen
}

func (t *Task) loop(gen uint64, interval time.Duration, stop <-chan struct{}) {
	ticker := t.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			t.post(func() {
				// A tick queued before Stop must not run after it.
				if t.current(gen) {
					t.fn()
				}
			})
		}
	}
}
