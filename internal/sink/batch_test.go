package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeMsg struct {
	data     []byte
	seq      uint64
	acked    bool
	ackErr   error
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Ack() error {
	m.acked = true
	return m.ackErr
}

func (m *fakeMsg) StreamSequence() (uint64, error) { return m.seq, nil }

type fakeDriverBatch struct {
	appended [][]any
	sendErr  error
	sent     bool
}

func (b *fakeDriverBatch) Append(v ...any) error {
	b.appended = append(b.appended, v)
	return nil
}

func (b *fakeDriverBatch) Send() error {
	b.sent = true
	return b.sendErr
}

type fakeConn struct {
	batches  []*fakeDriverBatch
	failNext bool
}

func (c *fakeConn) PrepareBatch(_ context.Context, _ string) (chBatch, error) {
	b := &fakeDriverBatch{} //nolint:exhaustruct // test helper
	if c.failNext {
		b.sendErr = errors.New("transient insert failure")
		c.failNext = false
	}
	c.batches = append(c.batches, b)
	return b, nil
}

func (c *fakeConn) lastBatch() *fakeDriverBatch {
	return c.batches[len(c.batches)-1]
}

func TestBatch_AppendDropsDuplicateFingerprint(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{} //nolint:exhaustruct // test helper
	b, err := NewBatch(ctx, conn, "INSERT INTO db.tbl (a)", 10)
	require.NoError(t, err)

	require.NoError(t, b.Append(1, &fakeMsg{data: []byte("x"), seq: 1}, "v1")) //nolint:exhaustruct // test helper
	require.Equal(t, 1, b.Size())

	require.NoError(t, b.Append(1, &fakeMsg{data: []byte("y"), seq: 1}, "v2")) //nolint:exhaustruct // test helper
	require.Equal(t, 1, b.Size(), "re-appending the same fingerprint must be a no-op")
}

func TestBatch_SendAcksEveryContributingMessage(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{} //nolint:exhaustruct // test helper
	b, err := NewBatch(ctx, conn, "INSERT INTO db.tbl (a)", 10)
	require.NoError(t, err)

	m1 := &fakeMsg{data: []byte("x"), seq: 1} //nolint:exhaustruct // test helper
	m2 := &fakeMsg{data: []byte("y"), seq: 2} //nolint:exhaustruct // test helper
	require.NoError(t, b.Append(1, m1, "v1"))
	require.NoError(t, b.Append(2, m2, "v2"))

	require.NoError(t, b.Send(ctx))
	require.True(t, m1.acked)
	require.True(t, m2.acked)
	require.Equal(t, 0, b.Size(), "batch resets after a successful send")
}

func TestBatch_SendPropagatesInsertError(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{failNext: true} //nolint:exhaustruct // test helper
	b, err := NewBatch(ctx, conn, "INSERT INTO db.tbl (a)", 10)
	require.NoError(t, err)

	m1 := &fakeMsg{data: []byte("x"), seq: 1} //nolint:exhaustruct // test helper
	require.NoError(t, b.Append(1, m1, "v1"))

	err = b.Send(ctx)
	require.Error(t, err)
	require.False(t, m1.acked, "no ack must be issued when the insert itself fails")
}

func TestBatch_RebuildSurvivesFailedSendAndReappendsRows(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{} //nolint:exhaustruct // test helper
	b, err := NewBatch(ctx, conn, "INSERT INTO db.tbl (a)", 10)
	require.NoError(t, err)

	m1 := &fakeMsg{data: []byte("x"), seq: 1} //nolint:exhaustruct // test helper
	require.NoError(t, b.Append(1, m1, "v1"))

	// Force the current driver batch to fail on Send.
	conn.lastBatch().sendErr = errors.New("deadline exceeded")
	require.Error(t, b.Send(ctx))
	require.False(t, m1.acked)

	require.NoError(t, b.Rebuild(ctx))
	require.Equal(t, 1, b.Size(), "rebuild must keep the buffered row across a retry")
	require.Len(t, conn.lastBatch().appended, 1, "the freshly prepared batch must receive the re-appended row")

	require.NoError(t, b.Send(ctx))
	require.True(t, m1.acked)
}

func TestBatch_DiscardResetsWithoutAcking(t *testing.T) {
	ctx := context.Background()
	conn := &fakeConn{} //nolint:exhaustruct // test helper
	b, err := NewBatch(ctx, conn, "INSERT INTO db.tbl (a)", 10)
	require.NoError(t, err)

	m1 := &fakeMsg{data: []byte("x"), seq: 1} //nolint:exhaustruct // test helper
	require.NoError(t, b.Append(1, m1, "v1"))

	require.NoError(t, b.Discard(ctx))
	require.Equal(t, 0, b.Size())
	require.False(t, m1.acked, "discard must not ack — JetStream will redeliver")
}
