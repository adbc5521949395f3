package stream

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/open-feature/flagd-provider-go/internal/backoff"
	"github.com/open-feature/flagd-provider-go/internal/connection"
	"github.com/open-feature/flagd-provider-go/internal/testutil"
)

func dialServer(t *testing.T, srv *testutil.Server) (*connection.Manager, *atomic.Int32) {
	t.Helper()
	var dials atomic.Int32
	inner := srv.Factory()
	conn, err := connection.New(context.Background(), connection.Options{
		Target: "bufnet",
		Factory: func(ctx context.Context, target string, opts []grpc.DialOption) (grpc.ClientConnInterface, error) {
			dials.Add(1)
			return inner(ctx, target, opts)
		},
	})
	require.NoError(t, err)
	t.Cleanup(conn.Close)
	return conn, &dials
}

func TestWorker_EventStreamRebuildsOnUnavailable(t *testing.T) {
	srv := testutil.StartServer(t)
	conn, dials := dialServer(t, srv)
	sink := testutil.NewRecordingSink()

	w, _ := startWorker(t, Options{
		Source:  NewEventSource(conn, nil),
		Sink:    sink,
		Conn:    conn,
		Backoff: backoff.New(5*time.Millisecond, 5*time.Millisecond),
	})

	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return r.ReadyCount() == 1 }))
	assert.True(t, w.Connected())
	assert.Equal(t, connection.Streaming, conn.State())
	before := conn.Conn()

	srv.Evaluation.Terminate(status.Error(codes.Unavailable, "going away"))
	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return r.ReadyCount() == 2 }))
	assert.Equal(t, int32(2), dials.Load())
	assert.NotSame(t, before, conn.Conn())
	assert.Len(t, sink.Errors(), 1)
}

func TestWorker_EventStreamKeepsChannelOnPermissionDenied(t *testing.T) {
	srv := testutil.StartServer(t)
	conn, dials := dialServer(t, srv)
	sink := testutil.NewRecordingSink()

	startWorker(t, Options{
		Source:  NewEventSource(conn, nil),
		Sink:    sink,
		Conn:    conn,
		Backoff: backoff.New(5*time.Millisecond, 5*time.Millisecond),
	})

	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return r.ReadyCount() == 1 }))
	before := conn.Conn()

	srv.Evaluation.Terminate(status.Error(codes.PermissionDenied, "nope"))
	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return r.ReadyCount() == 2 }))
	assert.Equal(t, int32(1), dials.Load())
	assert.Same(t, before, conn.Conn())
}

func TestWorker_EventStreamChangeKeys(t *testing.T) {
	srv := testutil.StartServer(t)
	conn, _ := dialServer(t, srv)
	sink := testutil.NewRecordingSink()

	startWorker(t, Options{Source: NewEventSource(conn, nil), Sink: sink, Conn: conn})
	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return r.ReadyCount() == 1 }))

	srv.Evaluation.PublishChange("zeta", "alpha")
	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return len(r.Changes()) == 1 }))
	assert.Equal(t, []string{"alpha", "zeta"}, sink.Changes()[0])
}

func TestWorker_SyncStreamMalformedThenValid(t *testing.T) {
	srv := testutil.StartServer(t)
	conn, _ := dialServer(t, srv)
	sink := testutil.NewRecordingSink()

	var applied atomic.Int32
	apply := func(doc string) ([]string, error) {
		if doc == "{" {
			return nil, assert.AnError
		}
		applied.Add(1)
		return []string{"flag"}, nil
	}
	srv.Sync.SetConfiguration(`{"flags":{}}`)

	w, _ := startWorker(t, Options{
		Source:  NewSyncSource(conn, "source-a", "provider-1", apply),
		Sink:    sink,
		Conn:    conn,
		Backoff: backoff.New(5*time.Millisecond, 5*time.Millisecond),
	})
	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return r.ReadyCount() == 1 }))

	srv.Sync.Push("{")
	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return len(r.Errors()) == 1 }))

	// The reconnect delivers the current document again.
	require.True(t, sink.WaitFor(2*time.Second, func(r *testutil.RecordingSink) bool { return r.ReadyCount() == 2 }))
	assert.True(t, w.Connected())
	assert.GreaterOrEqual(t, applied.Load(), int32(2))

	reqs := srv.Sync.Requests()
	require.NotEmpty(t, reqs)
	assert.Equal(t, "source-a", reqs[0].Selector)
	assert.Equal(t, "provider-1", reqs[0].ProviderID)
}
