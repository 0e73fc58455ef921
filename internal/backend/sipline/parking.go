package sipline

import (
	"sync"
	"time"
)

// parkedEntry wraps a value with expiration metadata
type parkedEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e *parkedEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// parking holds values until they are claimed or expire. Expired values
// are handed to onExpire exactly once, from the cleanup goroutine, and
// can no longer be claimed.
type parking[K comparable, V any] struct {
	mu       sync.Mutex
	items    map[K]*parkedEntry[V]
	stopCh   chan struct{}
	stopOnce sync.Once
	onExpire func(key K, value V)
	now      func() time.Time
}

func newParking[K comparable, V any](cleanupInterval time.Duration, onExpire func(K, V)) *parking[K, V] {
	p := &parking[K, V]{
		items:    make(map[K]*parkedEntry[V]),
		stopCh:   make(chan struct{}),
		onExpire: onExpire,
		now:      time.Now,
	}
	go p.cleanupLoop(cleanupInterval)
	return p
}

// Put stores a value with the given TTL, replacing any previous value.
func (p *parking[K, V]) Put(key K, value V, ttl time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.items[key] = &parkedEntry[V]{value: value, expiresAt: p.now().Add(ttl)}
}

// Take removes and returns the value if present and not expired.
func (p *parking[K, V]) Take(key K) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.items[key]
	if !ok || e.expired(p.now()) {
		var zero V
		return zero, false
	}
	delete(p.items, key)
	return e.value, true
}

// Len returns the number of values waiting to be claimed.
func (p *parking[K, V]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := p.now()
	n := 0
	for _, e := range p.items {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Close stops the cleanup goroutine and returns whatever was still
// parked. onExpire is not called for them.
func (p *parking[K, V]) Close() map[K]V {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.mu.Lock()
	defer p.mu.Unlock()
	rest := make(map[K]V, len(p.items))
	for k, e := range p.items {
		rest[k] = e.value
	}
	p.items = make(map[K]*parkedEntry[V])
	return rest
}

func (p *parking[K, V]) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.cleanup()
		case <-p.stopCh:
			return
		}
	}
}

func (p *parking[K, V]) cleanup() {
	type expiredItem struct {
		key   K
		value V
	}
	var gone []expiredItem

	p.mu.Lock()
	now := p.now()
	for k, e := range p.items {
		if e.expired(now) {
			gone = append(gone, expiredItem{k, e.value})
			delete(p.items, k)
		}
	}
	p.mu.Unlock()

	// Callbacks run outside the lock so they may touch the store.
	if p.onExpire == nil {
		return
	}
	for _, g := range gone {
		p.onExpire(g.key, g.value)
	}
}
