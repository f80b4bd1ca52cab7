package window

import (
	"container/list"
	"log/slog"
	"time"

	"github.com/flowforge/streametl/internal/record"
)

// Entry is a JoinBufferEntry (spec.md §3): a buffered record waiting to be
// matched by the opposite side within the join window. It embeds
// record.KeyedRecord so the extracted join key travels alongside the record
// it was extracted from, rather than as a second positional field.
type Entry struct {
	record.KeyedRecord
	EnqueuedAt time.Time
}

// Buffer is one side (left or right) of the temporal joiner's state: a FIFO
// ordered by arrival time (for expiry, since the window is constant,
// arrival-order is expiry-order) plus a key index for O(1) match lookup.
//
// A matched entry is NOT removed from the buffer — spec.md §4.4 requires that
// "a single left record may match multiple right records", and by symmetry an
// entry may go on to match further opposite-side arrivals until its own
// window elapses. Only expiry removes an entry.
type Buffer struct {
	window     time.Duration
	maxEntries int

	order *list.List
	index map[any][]*list.Element

	log *slog.Logger
}

// NewBuffer constructs an empty buffer for a join window.
func NewBuffer(window time.Duration, maxEntries int, log *slog.Logger) *Buffer {
	return &Buffer{
		window:     window,
		maxEntries: maxEntries,
		order:      list.New(),
		index:      make(map[any][]*list.Element),
		log:        log,
	}
}

// Expire drops entries whose enqueuedAt+window has passed as of now.
func (b *Buffer) Expire(now time.Time) {
	for {
		front := b.order.Front()
		if front == nil {
			return
		}
		e := front.Value.(*Entry) //nolint:errcheck // internal use only
		if now.Sub(e.EnqueuedAt) <= b.window {
			return
		}
		b.remove(front)
	}
}

// Append inserts e, evicting the oldest entry first if the buffer is at
// capacity (spec.md §4.4's optional hard cap, same policy as the dedup map).
func (b *Buffer) Append(e *Entry) {
	if b.maxEntries > 0 && b.order.Len() >= b.maxEntries {
		if front := b.order.Front(); front != nil {
			if b.log != nil {
				b.log.Warn("join buffer at capacity, evicting oldest entry")
			}
			b.remove(front)
		}
	}

	el := b.order.PushBack(e)
	b.index[e.Key] = append(b.index[e.Key], el)
}

// Match returns every surviving entry for key, in arrival order. Callers
// should call Expire first so stale entries are not returned.
func (b *Buffer) Match(key any) []*Entry {
	elements := b.index[key]
	if len(elements) == 0 {
		return nil
	}
	out := make([]*Entry, len(elements))
	for i, el := range elements {
		out[i] = el.Value.(*Entry) //nolint:errcheck // internal use only
	}
	return out
}

func (b *Buffer) remove(el *list.Element) {
	e := el.Value.(*Entry) //nolint:errcheck // internal use only
	b.order.Remove(el)

	elements := b.index[e.Key]
	for i, x := range elements {
		if x == el {
			elements = append(elements[:i], elements[i+1:]...)
			break
		}
	}
	if len(elements) == 0 {
		delete(b.index, e.Key)
	} else {
		b.index[e.Key] = elements
	}
}

// Len reports the current number of live entries.
func (b *Buffer) Len() int { return b.order.Len() }
