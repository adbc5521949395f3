package connection_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/open-feature/flagd-provider-go/internal/connection"
	"github.com/open-feature/flagd-provider-go/internal/testutil"
)

func TestManager_DialsThroughFactory(t *testing.T) {
	var gotTarget string
	var gotOpts int
	factory := func(ctx context.Context, target string, opts []grpc.DialOption) (grpc.ClientConnInterface, error) {
		gotTarget = target
		gotOpts = len(opts)
		return grpc.NewClient(target, opts...)
	}

	m, err := connection.New(context.Background(), connection.Options{
		Target:    "localhost:8013",
		KeepAlive: 30 * time.Second,
		Factory:   factory,
	})
	require.NoError(t, err)
	defer m.Close()

	assert.Equal(t, "localhost:8013", gotTarget)
	// credentials + keep-alive
	assert.Equal(t, 2, gotOpts)
	assert.True(t, m.Active())
	assert.Equal(t, connection.Disconnected, m.State())
	assert.NotNil(t, m.Conn())
}

func TestManager_RequiresTarget(t *testing.T) {
	_, err := connection.New(context.Background(), connection.Options{})
	assert.Error(t, err)
}

func TestManager_FactoryError(t *testing.T) {
	boom := errors.New("boom")
	_, err := connection.New(context.Background(), connection.Options{
		Target: "localhost:8013",
		Factory: func(context.Context, string, []grpc.DialOption) (grpc.ClientConnInterface, error) {
			return nil, boom
		},
	})
	assert.ErrorIs(t, err, boom)
}

func TestManager_MissingCertificate(t *testing.T) {
	_, err := connection.New(context.Background(), connection.Options{
		Target:   "localhost:8013",
		TLS:      true,
		CertPath: filepath.Join(t.TempDir(), "missing.pem"),
	})
	assert.Error(t, err)
}

func TestManager_RebuildReplacesChannel(t *testing.T) {
	srv := testutil.StartServer(t)
	m, err := connection.New(context.Background(), connection.Options{
		Target:  "bufnet",
		Factory: srv.Factory(),
	})
	require.NoError(t, err)
	defer m.Close()

	first := m.Conn()
	require.NoError(t, m.Rebuild(context.Background()))
	second := m.Conn()

	assert.NotSame(t, first, second)
	assert.Equal(t, "SHUTDOWN", first.(*grpc.ClientConn).GetState().String())
}

func TestManager_CloseIsIdempotent(t *testing.T) {
	m, err := connection.New(context.Background(), connection.Options{Target: "localhost:8013"})
	require.NoError(t, err)

	m.SetState(connection.Streaming)
	m.Close()
	m.Close()

	assert.False(t, m.Active())
	assert.Equal(t, connection.Disconnected, m.State())
	assert.ErrorIs(t, m.Rebuild(context.Background()), connection.ErrClosed)
}

func TestShouldRebuild(t *testing.T) {
	assert.True(t, connection.ShouldRebuild(status.Error(codes.Unavailable, "transport is closing")))
	assert.False(t, connection.ShouldRebuild(status.Error(codes.PermissionDenied, "denied")))
	assert.False(t, connection.ShouldRebuild(status.Error(codes.DeadlineExceeded, "slow")))
	assert.False(t, connection.ShouldRebuild(nil))
	assert.False(t, connection.ShouldRebuild(os.ErrClosed))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "STREAMING", connection.Streaming.String())
	assert.Equal(t, "DEGRADED", connection.Degraded.String())
}
