package window

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/streametl/internal/record"
)

func entry(key any, payload string, at time.Time) *Entry {
	return &Entry{ //nolint:exhaustruct // test helper
		KeyedRecord: record.KeyedRecord{
			Record: record.Record{Payload: []byte(payload)}, //nolint:exhaustruct // test helper
			Key:    key,
		},
		EnqueuedAt: at,
	}
}

func TestBuffer_MatchReturnsAllSurvivingEntriesForKey(t *testing.T) {
	b := NewBuffer(time.Minute, 0, nil)
	now := time.Unix(0, 0)

	b.Append(entry("k", "one", now))
	b.Append(entry("k", "two", now.Add(time.Second)))
	b.Append(entry("other", "three", now))

	matches := b.Match("k")
	require.Len(t, matches, 2)
	require.Equal(t, "one", string(matches[0].Payload))
	require.Equal(t, "two", string(matches[1].Payload))
}

func TestBuffer_MatchDoesNotRemoveEntries(t *testing.T) {
	b := NewBuffer(time.Minute, 0, nil)
	now := time.Unix(0, 0)

	b.Append(entry("k", "one", now))
	require.Len(t, b.Match("k"), 1)
	require.Len(t, b.Match("k"), 1, "a matched entry stays available for further opposite-side arrivals")
	require.Equal(t, 1, b.Len())
}

func TestBuffer_ExpireDropsEntriesOlderThanWindow(t *testing.T) {
	b := NewBuffer(time.Second, 0, nil)
	now := time.Unix(0, 0)

	b.Append(entry("k", "one", now))
	b.Expire(now.Add(500 * time.Millisecond))
	require.Len(t, b.Match("k"), 1, "not yet expired")

	b.Expire(now.Add(2 * time.Second))
	require.Empty(t, b.Match("k"), "expired entries must not match")
	require.Equal(t, 0, b.Len())
}

func TestBuffer_CapacityEvictsOldestFirst(t *testing.T) {
	b := NewBuffer(time.Hour, 2, nil)
	now := time.Unix(0, 0)

	b.Append(entry("a", "first", now))
	b.Append(entry("b", "second", now.Add(time.Millisecond)))
	b.Append(entry("c", "third", now.Add(2*time.Millisecond)))

	require.Equal(t, 2, b.Len())
	require.Empty(t, b.Match("a"), "oldest entry evicted for capacity")
	require.Len(t, b.Match("b"), 1)
	require.Len(t, b.Match("c"), 1)
}
