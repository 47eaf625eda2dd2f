// Package ratelimit implements sliding-window admission control keyed by
// identity or network origin. Each check prunes expired events lazily, so
// the hot path never blocks and never allocates beyond the key's own
// timestamp queue. Idle keys are reclaimed by a low-frequency background
// sweep, never inline with admission.
package ratelimit

import (
	"hash/fnv"
	"sync"
	"time"
)

const shardCount = 32

// Decision is the result of one admission check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

type window struct {
	events []time.Time
}

type shard struct {
	mu   sync.Mutex
	keys map[string]*window
}

// Limiter bounds events per key within a trailing window. Safe for
// concurrent use; state is partitioned across shards so unrelated keys
// never contend on one lock.
type Limiter struct {
	window    time.Duration
	maxEvents int
	shards    [shardCount]*shard

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a limiter allowing at most maxEvents per key within the
// given window. sweepInterval bounds memory for keys that stop sending
// traffic; zero disables the sweeper.
func New(windowLen time.Duration, maxEvents int, sweepInterval time.Duration) *Limiter {
	l := &Limiter{
		window:    windowLen,
		maxEvents: maxEvents,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for i := range l.shards {
		l.shards[i] = &shard{keys: make(map[string]*window)}
	}
	if sweepInterval > 0 {
		go l.sweepLoop(sweepInterval)
	} else {
		close(l.done)
	}
	return l
}

// Admit records an event for key if it is under the limit.
func (l *Limiter) Admit(key string) Decision {
	return l.AdmitAt(key, time.Now())
}

// AdmitAt is Admit with an explicit clock. Never blocks.
func (l *Limiter) AdmitAt(key string, now time.Time) Decision {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.keys[key]
	if w == nil {
		w = &window{}
		s.keys[key] = w
	}
	w.prune(now.Add(-l.window))

	if len(w.events) < l.maxEvents {
		w.events = append(w.events, now)
		return Decision{Allowed: true}
	}

	retry := l.window - now.Sub(w.events[0])
	if retry < 0 {
		retry = 0
	}
	return Decision{Allowed: false, RetryAfter: retry}
}

// Release removes the oldest recorded event for key. Used to return a
// connection-count reservation when a session closes.
func (l *Limiter) Release(key string) {
	s := l.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	w := s.keys[key]
	if w == nil || len(w.events) == 0 {
		return
	}
	w.events = w.events[1:]
	if len(w.events) == 0 {
		delete(s.keys, key)
	}
}

// Stop terminates the background sweeper and waits for it to exit.
func (l *Limiter) Stop() {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
}

func (l *Limiter) shardFor(key string) *shard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return l.shards[h.Sum32()%shardCount]
}

func (l *Limiter) sweepLoop(interval time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case now := <-ticker.C:
			l.sweep(now)
		}
	}
}

// sweep drops keys whose newest event has fallen out of the window. Each
// shard lock is held only long enough to scan that shard.
func (l *Limiter) sweep(now time.Time) {
	cutoff := now.Add(-l.window)
	for _, s := range l.shards {
		s.mu.Lock()
		for key, w := range s.keys {
			if len(w.events) == 0 || w.events[len(w.events)-1].Before(cutoff) {
				delete(s.keys, key)
			}
		}
		s.mu.Unlock()
	}
}

// prune drops events older than cutoff, reallocating when the backing
// array has grown far past the live portion.
func (w *window) prune(cutoff time.Time) {
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return
	}
	w.events = w.events[i:]
	if cap(w.events) > 64 && len(w.events)*4 < cap(w.events) {
		compact := make([]time.Time, len(w.events))
		copy(compact, w.events)
		w.events = compact
	}
}
