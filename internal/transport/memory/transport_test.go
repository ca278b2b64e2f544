package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reelpipe/reelpipe/internal/pipeline"
)

func TestReceiveDeliversInjectedCommands(t *testing.T) {
	t.Parallel()

	tr := New(4)
	tr.Inject(pipeline.Command{ID: "c1", Verb: "/run"})
	tr.Inject(pipeline.Command{ID: "c2", Verb: "/status"})

	got, err := tr.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "c1", got.ID)

	got, err = tr.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, "c2", got.ID)
}

func TestInjectStampsArrivalTime(t *testing.T) {
	t.Parallel()

	tr := New(2)
	before := time.Now()
	tr.Inject(pipeline.Command{ID: "c1", Verb: "/run"})

	got, err := tr.Receive(context.Background())
	require.NoError(t, err)
	require.False(t, got.ReceivedAt.IsZero())
	require.False(t, got.ReceivedAt.Before(before))

	// A caller-provided arrival time is kept as is.
	at := time.Unix(1700000000, 0).UTC()
	tr.Inject(pipeline.Command{ID: "c2", Verb: "/run", ReceivedAt: at})
	got, err = tr.Receive(context.Background())
	require.NoError(t, err)
	require.Equal(t, at, got.ReceivedAt)
}

func TestReceiveHonorsCancellation(t *testing.T) {
	t.Parallel()

	tr := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := tr.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSendCollectsOutbox(t *testing.T) {
	t.Parallel()

	tr := New(1)
	require.NoError(t, tr.Send(context.Background(), pipeline.Response{CommandID: "c1", Text: "done"}))
	require.NoError(t, tr.Send(context.Background(), pipeline.Response{CommandID: "c2", Text: "ok"}))

	out := tr.Outbox()
	require.Len(t, out, 2)
	require.Equal(t, "done", out[0].Text)

	// Outbox returns a copy; mutating it must not affect the transport.
	out[0].Text = "mutated"
	require.Equal(t, "done", tr.Outbox()[0].Text)
}
