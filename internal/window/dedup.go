package window

import (
	"log/slog"
	"time"
)

// Dedup is the min-heap-backed expiring key set described by spec.md §4.3: a
// map for O(1) membership checks plus a min-heap ordered by expiry so that
// eviction always removes the entries closest to expiring first.
type Dedup struct {
	window     time.Duration
	maxEntries int

	seen map[any]struct{}
	q    *expiryQueue[any]

	log *slog.Logger
}

// NewDedup builds a dedup window of the given duration. maxEntries <= 0 means
// unbounded; when positive, insertion past the cap evicts the oldest entry
// (heap head) regardless of its remaining TTL, per spec.md §4.3's optional
// hard cap.
func NewDedup(window time.Duration, maxEntries int, log *slog.Logger) *Dedup {
	return &Dedup{
		window:     window,
		maxEntries: maxEntries,
		seen:       make(map[any]struct{}),
		q:          newExpiryQueue[any](),
		log:        log,
	}
}

// Observe evicts expired entries as of now, then reports whether key is
// already present in the window. If not present, it records key (expiring at
// now+window) and returns false — the caller should emit the record. If
// present, it returns true — the caller should suppress it.
func (d *Dedup) Observe(key any, now time.Time) bool {
	d.evictExpired(now.UnixNano())

	if _, ok := d.seen[key]; ok {
		return true
	}

	d.evictForCapacity()

	d.seen[key] = struct{}{}
	d.q.push(key, now.Add(d.window).UnixNano())

	return false
}

func (d *Dedup) evictExpired(nowNano int64) {
	for {
		key, expiresAt, ok := d.q.peek()
		if !ok || expiresAt > nowNano {
			return
		}
		d.q.pop()
		delete(d.seen, key)
	}
}

func (d *Dedup) evictForCapacity() {
	if d.maxEntries <= 0 || len(d.seen) < d.maxEntries {
		return
	}
	key, ok := d.q.pop()
	if !ok {
		return
	}
	delete(d.seen, key)
	if d.log != nil {
		d.log.Warn("dedup window at capacity, evicting oldest entry", slog.Any("key", key))
	}
}

// Len reports the current number of live entries.
func (d *Dedup) Len() int { return len(d.seen) }
