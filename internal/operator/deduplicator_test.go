package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/streametl/internal/keypath"
	"github.com/flowforge/streametl/internal/window"
)

// TestDeduplicator_WindowBoundaryScenario reproduces spec.md §8 scenario 1:
// window=1s, keyPath=/id, four records at t=0,500,1000,1001ms all with the
// same key. The second is suppressed (within the first entry's window); the
// third re-emits because its own firstSeen+window has evicted the first
// entry exactly at the boundary (§8's "two records exactly W apart — the
// second is emitted"); the fourth falls inside the window the third just
// reopened and is suppressed by it.
func TestDeduplicator_WindowBoundaryScenario(t *testing.T) {
	key := KeyConfig{Path: "/id", Type: keypath.TypeString}
	win := window.NewDedup(time.Second, 0, nil)

	base := time.Unix(0, 0)
	times := []time.Time{
		base,
		base.Add(500 * time.Millisecond),
		base.Add(time.Second),
		base.Add(time.Second + time.Millisecond),
	}
	wantEmit := []bool{true, false, true, false}

	for i, at := range times {
		k, err := keypath.Extract([]byte(`{"id":"a"}`), key.Path, key.Type)
		require.NoError(t, err)
		suppressed := win.Observe(k, at)
		require.Equal(t, !wantEmit[i], suppressed, "record %d", i)
	}
}

func TestDeduplicator_SuppressesRepeatAndForwardsUniqueKeys(t *testing.T) {
	in := newFakeConsumer(
		newFakeMsg(`{"id":"a"}`),
		newFakeMsg(`{"id":"a"}`),
		newFakeMsg(`{"id":"b"}`),
	)
	out := newFakePublisher("out")

	d := NewDeduplicator(in, out, KeyConfig{Path: "/id", Type: keypath.TypeString}, time.Minute, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(out.published()) == 2
	}, time.Second, time.Millisecond)

	require.Equal(t, [][]byte{[]byte(`{"id":"a"}`), []byte(`{"id":"b"}`)}, out.published())
}

func TestDeduplicator_DropsRecordWithUnextractableKey(t *testing.T) {
	in := newFakeConsumer(newFakeMsg(`{"other":1}`), newFakeMsg(`{"id":"a"}`))
	out := newFakePublisher("out")

	d := NewDeduplicator(in, out, KeyConfig{Path: "/id", Type: keypath.TypeString}, time.Minute, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(out.published()) == 1
	}, time.Second, time.Millisecond)

	require.Equal(t, [][]byte{[]byte(`{"id":"a"}`)}, out.published())
}
