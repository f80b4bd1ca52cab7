package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowforge/streametl/internal/keypath"
	"github.com/flowforge/streametl/internal/record"
	"github.com/flowforge/streametl/internal/window"
)

func joinKey(path string) KeyConfig {
	return KeyConfig{Path: path, Type: keypath.TypeString}
}

// TestJoiner_ExactMatchWithinWindow reproduces spec.md §8 scenario 2: a left
// and right record sharing a key, arriving within the join window, produce
// exactly one joined emission shaped {left:..., right:...}.
func TestJoiner_ExactMatchWithinWindow(t *testing.T) {
	left := newFakeConsumer(newFakeMsg(`{"k":"x","v":1}`))
	right := newFakeConsumer(newFakeMsg(`{"k":"x","v":2}`))
	out := newFakePublisher("out")

	j := NewJoiner(left, right, out,
		SideConfig{Name: "left", Key: joinKey("/k")},
		SideConfig{Name: "right", Key: joinKey("/k")},
		5*time.Second, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()

	require.Eventually(t, func() bool {
		return len(out.published()) == 1
	}, time.Second, time.Millisecond)

	require.JSONEq(t, `{"left":{"k":"x","v":1},"right":{"k":"x","v":2}}`, string(out.published()[0]))
}

func TestJoiner_DropsRecordWithUnextractableKey(t *testing.T) {
	leftMsg := newFakeMsg(`{"nope":1}`)
	left := newFakeConsumer(leftMsg)
	right := newFakeConsumer()
	out := newFakePublisher("out")

	j := NewJoiner(left, right, out,
		SideConfig{Name: "left", Key: joinKey("/k")},
		SideConfig{Name: "right", Key: joinKey("/k")},
		time.Minute, 0, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- j.Start(ctx) }()

	require.Eventually(t, func() bool {
		return leftMsg.acked
	}, time.Second, time.Millisecond)

	cancel()
	<-done
	require.Empty(t, out.published(), "a record with an unextractable key can never match and is dropped")
}

// TestJoinBuffer_LateArrivalMissesWindow reproduces spec.md §8 scenario 3 at
// the window.Buffer level, which is what the joiner's handleLeft/handleRight
// consult: a left entry buffered at t=0 is no longer a match once the right
// side's Expire call has run past the window — the pairing that spans 2s
// against a 1s window never occurs.
func TestJoinBuffer_LateArrivalMissesWindow(t *testing.T) {
	buf := window.NewBuffer(time.Second, 0, nil)
	base := time.Unix(0, 0)

	buf.Append(&window.Entry{ //nolint:exhaustruct // test helper
		KeyedRecord: record.KeyedRecord{
			Record: record.Record{Payload: []byte(`{"k":"x"}`)}, //nolint:exhaustruct // test helper
			Key:    "x",
		},
		EnqueuedAt: base,
	})

	arrival := base.Add(2 * time.Second)
	buf.Expire(arrival)

	require.Empty(t, buf.Match("x"), "an entry older than the window by more than its duration must not match")
}
